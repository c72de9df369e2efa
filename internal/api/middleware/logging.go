package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/alqutdigital/sourcewatch/internal/api/handlers"
	"github.com/alqutdigital/sourcewatch/pkg/logger"
)

// Logger logs one line per request once it completes, at error level for
// 5xx. The chi request id travels on under logger.RequestIDKey so service
// logs can be joined with access logs.
func Logger(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			reqID := chimiddleware.GetReqID(r.Context())
			if reqID != "" {
				r = r.WithContext(context.WithValue(r.Context(), logger.RequestIDKey, reqID))
			}

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			log.LogAttrs(r.Context(), level, "request completed",
				slog.String("request_id", reqID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Int64("duration_ms", time.Since(began).Milliseconds()),
				slog.String("remote", clientIP(r)),
			)
		})
	}
}

// Recoverer turns a handler panic into a 500 error envelope and logs the
// stack. http.ErrAbortHandler is re-raised for net/http to handle.
func Recoverer(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error("handler panicked",
					"request_id", chimiddleware.GetReqID(r.Context()),
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				handlers.RespondInternalError(w, "")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
