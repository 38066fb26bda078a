// Package sqlite provides a single-file tracking store for local use.
//
// It implements tracking.Client on database/sql with the pure-Go
// modernc.org/sqlite driver, so no cgo toolchain is needed. Writes are
// serialized through one connection; SQLite allows a single writer anyway.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/tracking"
)

//go:embed schema.sql
var schema string

// Store is a SQLite-backed tracking.Client.
type Store struct {
	tracking.RunArtifacts

	db           *sql.DB
	artifactRoot string
	logger       *slog.Logger
}

var _ tracking.Client = (*Store)(nil)

// Open opens (creating if needed) the database file at path and applies
// the schema. Runs get artifact URIs under artifactRoot.
func Open(ctx context.Context, path, artifactRoot string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty database path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("sqlite: create %s: %w", dir, err)
		}
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	s := &Store{db: db, artifactRoot: artifactRoot, logger: logger}
	s.RunArtifacts = tracking.RunArtifacts{ArtifactURI: s.artifactURI}
	logger.Debug("sqlite: store opened", "path", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const runColumns = `run_id, experiment_id, run_name, status, start_time, end_time, artifact_uri, lifecycle_stage`

func (s *Store) CreateRun(ctx context.Context, params model.CreateRunParams) (model.Run, error) {
	expID := params.ExperimentID
	if expID == "" {
		expID = model.DefaultExperimentID
	}
	start := params.StartTime
	if start == 0 {
		start = model.NowMillis()
	}
	id := tracking.NewRunID()
	info := model.RunInfo{
		RunID:          id,
		ExperimentID:   expID,
		RunName:        params.RunName,
		Status:         model.RunStatusRunning,
		StartTime:      start,
		ArtifactURI:    tracking.RunArtifactURI(s.artifactRoot, expID, id),
		LifecycleStage: model.LifecycleActive,
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, NULL, ?, ?)`,
			info.RunID, info.ExperimentID, info.RunName, string(info.Status),
			info.StartTime, info.ArtifactURI, string(info.LifecycleStage),
		); err != nil {
			return err
		}
		return upsertTags(ctx, tx, id, params.Tags)
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: create run: %w", err)
	}

	tags := make(map[string]string, len(params.Tags))
	for _, t := range params.Tags {
		tags[t.Key] = t.Value
	}
	return model.Run{
		Info: info,
		Data: model.RunData{Metrics: map[string]float64{}, Params: map[string]string{}, Tags: tags},
	}, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (model.Run, error) {
	info, err := scanRunInfo(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, fmt.Errorf("sqlite: run %s: %w", runID, model.ErrNotFound)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	data, err := s.runData(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	return model.Run{Info: info, Data: data}, nil
}

func (s *Store) artifactURI(ctx context.Context, runID string) (string, error) {
	var uri string
	err := s.db.QueryRowContext(ctx, `SELECT artifact_uri FROM runs WHERE run_id = ?`, runID).Scan(&uri)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sqlite: run %s: %w", runID, model.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: get artifact uri: %w", err)
	}
	return uri, nil
}

func (s *Store) UpdateRun(ctx context.Context, runID string, status model.RunStatus, endTime int64) error {
	if !status.Valid() {
		return fmt.Errorf("sqlite: invalid run status %q", status)
	}
	var end sql.NullInt64
	if status.Terminal() {
		end = sql.NullInt64{Int64: endTime, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, end_time = ? WHERE run_id = ?`,
		string(status), end, runID)
	if err != nil {
		return fmt.Errorf("sqlite: update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: run %s: %w", runID, model.ErrNotFound)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, experimentID string) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE ?1 = '' OR experiment_id = ?1
		 ORDER BY start_time DESC, seq DESC`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	var infos []model.RunInfo
	for rows.Next() {
		info, err := scanRunInfo(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}

	out := make([]model.Run, 0, len(infos))
	for _, info := range infos {
		data, err := s.runData(ctx, info.RunID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Run{Info: info, Data: data})
	}
	return out, nil
}

// LogBatch records params, tags and metric points of one run in a single
// transaction. A conflicting param rolls back the whole batch.
func (s *Store) LogBatch(ctx context.Context, runID string, batch tracking.Batch) error {
	if batch.Empty() {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE run_id = ?`, runID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", runID, model.ErrNotFound)
		}
		if err != nil {
			return err
		}

		for _, p := range batch.Params {
			var stored string
			err := tx.QueryRowContext(ctx, `SELECT value FROM params WHERE run_id = ? AND key = ?`, runID, p.Key).Scan(&stored)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				if _, err := tx.ExecContext(ctx, `INSERT INTO params (run_id, key, value) VALUES (?, ?, ?)`,
					runID, p.Key, p.Value); err != nil {
					return fmt.Errorf("insert param %s: %w", p.Key, err)
				}
			case err != nil:
				return err
			case stored != p.Value:
				return fmt.Errorf("%w: %s (%q != %q)", tracking.ErrParamConflict, p.Key, stored, p.Value)
			}
		}

		if err := upsertTags(ctx, tx, runID, batch.Tags); err != nil {
			return err
		}

		if len(batch.Metrics) > 0 {
			stmt, err := tx.PrepareContext(ctx, `INSERT INTO metrics (run_id, key, value, is_nan, step, ts) VALUES (?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return err
			}
			defer func() { _ = stmt.Close() }()
			for _, m := range batch.Metrics {
				value, isNaN := m.Value, 0
				if math.IsNaN(value) {
					value, isNaN = 0, 1
				}
				if _, err := stmt.ExecContext(ctx, runID, m.Key, value, isNaN, m.Step, m.Timestamp); err != nil {
					return fmt.Errorf("insert metric %s: %w", m.Key, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite: log batch: %w", err)
	}
	return nil
}

func (s *Store) GetMetricHistory(ctx context.Context, runID, key string) ([]model.Metric, error) {
	if _, err := s.artifactURI(ctx, runID); err != nil {
		return nil, err
	}
	history, err := s.metricHistory(ctx,
		`SELECT key, value, is_nan, step, ts FROM metrics WHERE run_id = ? AND key = ? ORDER BY id`, runID, key)
	if err != nil {
		return nil, fmt.Errorf("sqlite: metric history: %w", err)
	}
	return history, nil
}

func (s *Store) runData(ctx context.Context, runID string) (model.RunData, error) {
	data := model.RunData{Params: map[string]string{}, Tags: map[string]string{}}
	if err := s.collectPairs(ctx, `SELECT key, value FROM params WHERE run_id = ?`, runID, data.Params); err != nil {
		return model.RunData{}, fmt.Errorf("sqlite: load params: %w", err)
	}
	if err := s.collectPairs(ctx, `SELECT key, value FROM tags WHERE run_id = ?`, runID, data.Tags); err != nil {
		return model.RunData{}, fmt.Errorf("sqlite: load tags: %w", err)
	}
	history, err := s.metricHistory(ctx, `SELECT key, value, is_nan, step, ts FROM metrics WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return model.RunData{}, fmt.Errorf("sqlite: load metrics: %w", err)
	}
	data.Metrics = tracking.LatestMetrics(history)
	return data, nil
}

func (s *Store) collectPairs(ctx context.Context, query, runID string, into map[string]string) error {
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		into[k] = v
	}
	return rows.Err()
}

func (s *Store) metricHistory(ctx context.Context, query string, args ...any) ([]model.Metric, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.Metric
	for rows.Next() {
		var (
			m     model.Metric
			isNaN bool
		)
		if err := rows.Scan(&m.Key, &m.Value, &isNaN, &m.Step, &m.Timestamp); err != nil {
			return nil, err
		}
		if isNaN {
			m.Value = math.NaN()
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertTags(ctx context.Context, tx *sql.Tx, runID string, tags []model.Tag) error {
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tags (run_id, key, value) VALUES (?, ?, ?)
			 ON CONFLICT (run_id, key) DO UPDATE SET value = excluded.value`,
			runID, t.Key, t.Value,
		); err != nil {
			return fmt.Errorf("upsert tag %s: %w", t.Key, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunInfo(row rowScanner) (model.RunInfo, error) {
	var (
		info   model.RunInfo
		status string
		stage  string
		end    sql.NullInt64
	)
	if err := row.Scan(&info.RunID, &info.ExperimentID, &info.RunName, &status,
		&info.StartTime, &end, &info.ArtifactURI, &stage); err != nil {
		return model.RunInfo{}, err
	}
	info.Status = model.RunStatus(status)
	info.LifecycleStage = model.LifecycleStage(stage)
	if end.Valid {
		v := end.Int64
		info.EndTime = &v
	}
	return info, nil
}
