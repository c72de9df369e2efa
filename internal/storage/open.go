package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const pingTimeout = 5 * time.Second

// PostgresConfig holds PostgreSQL connection and pool settings.
type PostgresConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DSN returns a postgres:// URL accepted by lib/pq.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// NewPostgres opens a PostgreSQL store and verifies the connection.
func NewPostgres(cfg PostgresConfig) (*SQLStore, error) {
	lifetime := cfg.MaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db, err := open("postgres", cfg.DSN(), func(db *sql.DB) {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(lifetime)
	})
	if err != nil {
		return nil, err
	}
	return newSQLStore(db, DialectPostgres), nil
}

// NewSQLite opens an embedded store at path, or an ephemeral one for
// ":memory:". The pool is pinned to one connection: SQLite has a single
// writer and an in-memory database lives only as long as its connection.
func NewSQLite(path string) (*SQLStore, error) {
	db, err := open("sqlite", sqliteDSN(path), func(db *sql.DB) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}, "PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, err
	}
	return newSQLStore(db, DialectSQLite), nil
}

// open applies pool settings, pings and runs each init statement, closing
// the handle on any failure.
func open(driver, dsn string, pool func(*sql.DB), init ...string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	pool(db)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	for _, stmt := range init {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run %q: %w", stmt, err)
		}
	}
	return db, nil
}

func sqliteDSN(path string) string {
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	if path == ":memory:" {
		return "file::memory:?" + pragmas
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + pragmas
}
