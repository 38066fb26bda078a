package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/tracking"
)

// LogBatch records params, tags and metric points of one run atomically.
// A param already stored with a different value fails the whole batch with
// tracking.ErrParamConflict. Metric points are ingested with COPY.
func (db *DB) LogBatch(ctx context.Context, runID string, batch tracking.Batch) error {
	if batch.Empty() {
		return nil
	}
	err := writePolicy.Do(ctx, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		// Lock the run row so concurrent batches of one run serialize.
		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM runs WHERE run_id = $1 FOR SHARE`, runID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("run %s: %w", runID, model.ErrNotFound)
		}
		if err != nil {
			return err
		}

		if err := insertParams(ctx, tx, runID, batch.Params); err != nil {
			return err
		}
		if err := upsertTags(ctx, tx, runID, batch.Tags); err != nil {
			return err
		}
		if len(batch.Metrics) > 0 {
			if _, err := tx.CopyFrom(ctx,
				pgx.Identifier{"metrics"},
				[]string{"run_id", "key", "value", "step", "ts"},
				pgx.CopyFromSlice(len(batch.Metrics), func(i int) ([]any, error) {
					m := batch.Metrics[i]
					return []any{runID, m.Key, m.Value, m.Step, m.Timestamp}, nil
				}),
			); err != nil {
				return fmt.Errorf("copy metrics: %w", err)
			}
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return fmt.Errorf("storage: log batch: %w", err)
	}
	return nil
}

// insertParams stores params once. The no-op update returns the stored
// value so a conflicting rewrite is detected in one round trip.
func insertParams(ctx context.Context, tx pgx.Tx, runID string, params []model.Param) error {
	for _, p := range params {
		var stored string
		if err := tx.QueryRow(ctx,
			`INSERT INTO params (run_id, key, value) VALUES ($1, $2, $3)
			 ON CONFLICT (run_id, key) DO UPDATE SET value = params.value
			 RETURNING value`,
			runID, p.Key, p.Value,
		).Scan(&stored); err != nil {
			return fmt.Errorf("insert param %s: %w", p.Key, err)
		}
		if stored != p.Value {
			return fmt.Errorf("%w: %s (%q != %q)", tracking.ErrParamConflict, p.Key, stored, p.Value)
		}
	}
	return nil
}

func upsertTags(ctx context.Context, tx pgx.Tx, runID string, tags []model.Tag) error {
	for _, t := range tags {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tags (run_id, key, value) VALUES ($1, $2, $3)
			 ON CONFLICT (run_id, key) DO UPDATE SET value = EXCLUDED.value`,
			runID, t.Key, t.Value,
		); err != nil {
			return fmt.Errorf("upsert tag %s: %w", t.Key, err)
		}
	}
	return nil
}

// GetMetricHistory returns every point of one metric in insertion order.
func (db *DB) GetMetricHistory(ctx context.Context, runID, key string) ([]model.Metric, error) {
	if _, err := db.artifactURI(ctx, runID); err != nil {
		return nil, err
	}
	history, err := db.metricHistory(ctx,
		`SELECT key, value, step, ts FROM metrics WHERE run_id = $1 AND key = $2 ORDER BY id`, runID, key)
	if err != nil {
		return nil, fmt.Errorf("storage: metric history: %w", err)
	}
	return history, nil
}

func (db *DB) metricHistory(ctx context.Context, query string, args ...any) ([]model.Metric, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Metric, error) {
		var m model.Metric
		err := row.Scan(&m.Key, &m.Value, &m.Step, &m.Timestamp)
		return m, err
	})
}
