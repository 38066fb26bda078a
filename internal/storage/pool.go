// Package storage provides the PostgreSQL tracking store.
//
// It manages a pgxpool connection pool, COPY-based batch ingestion for
// metric points, and the run, param and tag queries behind
// tracking.Client. Artifacts live outside the database in the repository
// named by each run's artifact URI.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/autolog/internal/telemetry"
	"github.com/ashita-ai/autolog/internal/tracking"
)

// DB wraps a pgxpool.Pool and implements tracking.Client.
type DB struct {
	tracking.RunArtifacts

	pool         *pgxpool.Pool
	artifactRoot string
	logger       *slog.Logger
}

var _ tracking.Client = (*DB)(nil)

// New creates a new DB with a connection pool. Runs created through it get
// artifact URIs under artifactRoot.
func New(ctx context.Context, dsn, artifactRoot string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{
		pool:         pool,
		artifactRoot: artifactRoot,
		logger:       logger,
	}
	db.RunArtifacts = tracking.RunArtifacts{ArtifactURI: db.artifactURI}
	return db, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close(_ context.Context) {
	db.pool.Close()
}

// RegisterPoolMetrics exposes pool statistics as OTEL gauges.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("autolog/storage")

	_, _ = meter.Int64ObservableGauge("autolog.db.pool.acquired_conns",
		metric.WithDescription("Connections currently checked out of the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("autolog.db.pool.idle_conns",
		metric.WithDescription("Idle connections in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("autolog.db.pool.total_conns",
		metric.WithDescription("Total connections held by the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
}
