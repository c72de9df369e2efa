package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects the SQL flavour spoken by the underlying driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLStore implements the sourcewatch persistence operations on database/sql.
// Queries are written with `?` placeholders and rebound for Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func newSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DB returns the underlying connection pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect of the store.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Health checks database connectivity.
func (s *SQLStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes a function within a transaction.
func (s *SQLStore) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// rebind converts `?` placeholders to `$n` for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// encodeStrings serialises a string list as a JSON column; nil is stored as NULL.
func encodeStrings(list []string) (sql.NullString, error) {
	if list == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode string list: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeStrings(col sql.NullString) ([]string, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(col.String), &list); err != nil {
		return nil, fmt.Errorf("failed to decode string list: %w", err)
	}
	return list, nil
}

func rawJSON(col sql.NullString) json.RawMessage {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.RawMessage(col.String)
}
