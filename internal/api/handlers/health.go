package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"
)

const (
	ServiceName    = "sourcewatch"
	ServiceVersion = "0.1.0"
)

// readyTimeout bounds all component checks of one readiness probe.
const readyTimeout = 5 * time.Second

type HealthStatus struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

type ReadyStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  string            `json:"timestamp"`
}

// HealthChecker is implemented by the store, cache, archive and bus.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthCheck is the liveness probe. It never touches dependencies.
func HealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		RespondJSON(w, http.StatusOK, HealthStatus{
			Status:    "healthy",
			Service:   ServiceName,
			Version:   ServiceVersion,
			Timestamp: timestamp(),
		})
	}
}

// ReadyCheck probes every component concurrently and replies 503 when any
// configured one fails. Nil checkers are listed as "not configured".
func ReadyCheck(components map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		states, ok := probe(ctx, components)
		status, code := "ready", http.StatusOK
		if !ok {
			status, code = "not ready", http.StatusServiceUnavailable
		}
		RespondJSON(w, code, ReadyStatus{Status: status, Components: states, Timestamp: timestamp()})
	}
}

func probe(ctx context.Context, components map[string]HealthChecker) (map[string]string, bool) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		states = make(map[string]string, len(components))
		ok     = true
	)
	for name, checker := range components {
		if checker == nil {
			states[name] = "not configured"
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := "healthy"
			err := checker.Health(ctx)
			if err != nil {
				state = "unhealthy: " + err.Error()
			}
			mu.Lock()
			states[name] = state
			if err != nil {
				ok = false
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return states, ok
}

func timestamp() string { return time.Now().UTC().Format(time.RFC3339) }
