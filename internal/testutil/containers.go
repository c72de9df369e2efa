// Package testutil starts throwaway PostgreSQL and Redis containers for
// integration tests against the production store and cache drivers.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alqutdigital/sourcewatch/internal/storage"
)

// ContainerConfig holds configuration for test containers.
type ContainerConfig struct {
	PostgresImage  string
	PostgresDB     string
	PostgresUser   string
	PostgresPass   string
	RedisImage     string
	StartupTimeout time.Duration
}

// DefaultContainerConfig returns a default container configuration.
func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{
		PostgresImage:  "postgres:16-alpine",
		PostgresDB:     "sourcewatch_test",
		PostgresUser:   "testuser",
		PostgresPass:   "testpass",
		RedisImage:     "redis:7-alpine",
		StartupTimeout: 60 * time.Second,
	}
}

// Containers holds running test containers.
type Containers struct {
	Postgres *postgres.PostgresContainer
	Redis    *redis.RedisContainer

	config ContainerConfig
	logger *slog.Logger
}

// New prepares a container set; nothing is started until StartPostgres or
// StartRedis is called.
func New(config ContainerConfig, logger *slog.Logger) *Containers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Containers{
		config: config,
		logger: logger.With("component", "testcontainers"),
	}
}

// StartPostgres starts a PostgreSQL container.
func (c *Containers) StartPostgres(ctx context.Context) error {
	c.logger.Info("starting PostgreSQL container", "image", c.config.PostgresImage)

	container, err := postgres.Run(ctx,
		c.config.PostgresImage,
		postgres.WithDatabase(c.config.PostgresDB),
		postgres.WithUsername(c.config.PostgresUser),
		postgres.WithPassword(c.config.PostgresPass),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(c.config.StartupTimeout),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to start postgres container: %w", err)
	}

	c.Postgres = container
	return nil
}

// StartRedis starts a Redis container.
func (c *Containers) StartRedis(ctx context.Context) error {
	c.logger.Info("starting Redis container", "image", c.config.RedisImage)

	container, err := redis.Run(ctx,
		c.config.RedisImage,
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(c.config.StartupTimeout),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to start redis container: %w", err)
	}

	c.Redis = container
	return nil
}

// PostgresStore opens a migrated SQLStore against the Postgres container.
func (c *Containers) PostgresStore(ctx context.Context) (*storage.SQLStore, error) {
	if c.Postgres == nil {
		return nil, errors.New("postgres container not started")
	}

	host, err := c.Postgres.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get postgres host: %w", err)
	}
	port, err := c.Postgres.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to get postgres port: %w", err)
	}

	store, err := storage.NewPostgres(storage.PostgresConfig{
		Host:         host,
		Port:         port.Int(),
		User:         c.config.PostgresUser,
		Password:     c.config.PostgresPass,
		Database:     c.config.PostgresDB,
		SSLMode:      "disable",
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate postgres store: %w", err)
	}
	return store, nil
}

// RedisClient connects a storage.Redis to the Redis container.
func (c *Containers) RedisClient(ctx context.Context) (*storage.Redis, error) {
	if c.Redis == nil {
		return nil, errors.New("redis container not started")
	}

	host, err := c.Redis.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis host: %w", err)
	}
	port, err := c.Redis.MappedPort(ctx, "6379/tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to get redis port: %w", err)
	}

	return storage.NewRedis(storage.RedisConfig{Host: host, Port: port.Int()})
}

// TruncateAll empties every sourcewatch table.
func TruncateAll(ctx context.Context, store *storage.SQLStore) error {
	_, err := store.DB().ExecContext(ctx,
		`TRUNCATE TABLE source_latest, extracted_pages, extract_runs, extract_params, chat_queries, sources RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("failed to truncate tables: %w", err)
	}
	return nil
}

// Cleanup terminates all running containers.
func (c *Containers) Cleanup(ctx context.Context) error {
	c.logger.Info("cleaning up test containers")

	var errs []error
	if c.Postgres != nil {
		if err := c.Postgres.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate postgres: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
