package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/tracking"
)

const runColumns = `run_id, experiment_id, run_name, status, start_time, end_time, artifact_uri, lifecycle_stage`

// CreateRun inserts a new run with its initial tags and returns it.
func (db *DB) CreateRun(ctx context.Context, params model.CreateRunParams) (model.Run, error) {
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
		ArtifactURI:    tracking.RunArtifactURI(db.artifactRoot, expID, id),
		LifecycleStage: model.LifecycleActive,
	}

	err := writePolicy.Do(ctx, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`INSERT INTO runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, NULL, $6, $7)`,
			info.RunID, info.ExperimentID, info.RunName, string(info.Status),
			info.StartTime, info.ArtifactURI, string(info.LifecycleStage),
		); err != nil {
			return err
		}
		if err := upsertTags(ctx, tx, id, params.Tags); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
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

// GetRun retrieves a run with its params, tags and latest metric values.
func (db *DB) GetRun(ctx context.Context, runID string) (model.Run, error) {
	info, err := db.getRunInfo(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	data, err := db.runData(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	return model.Run{Info: info, Data: data}, nil
}

func (db *DB) getRunInfo(ctx context.Context, runID string) (model.RunInfo, error) {
	info, err := scanRunInfo(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunInfo{}, fmt.Errorf("storage: run %s: %w", runID, model.ErrNotFound)
		}
		return model.RunInfo{}, fmt.Errorf("storage: get run: %w", err)
	}
	return info, nil
}

func (db *DB) artifactURI(ctx context.Context, runID string) (string, error) {
	var uri string
	err := db.pool.QueryRow(ctx, `SELECT artifact_uri FROM runs WHERE run_id = $1`, runID).Scan(&uri)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("storage: run %s: %w", runID, model.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("storage: get artifact uri: %w", err)
	}
	return uri, nil
}

// UpdateRun sets a run's status. Terminal statuses record endTime; RUNNING
// clears it.
func (db *DB) UpdateRun(ctx context.Context, runID string, status model.RunStatus, endTime int64) error {
	if !status.Valid() {
		return fmt.Errorf("storage: invalid run status %q", status)
	}
	var end *int64
	if status.Terminal() {
		end = &endTime
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, end_time = $2 WHERE run_id = $3`,
		string(status), end, runID,
	)
	if err != nil {
		return fmt.Errorf("storage: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s: %w", runID, model.ErrNotFound)
	}
	return nil
}

// ListRuns returns the runs of an experiment, most recently started first.
// An empty experimentID lists every run.
func (db *DB) ListRuns(ctx context.Context, experimentID string) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE $1 = '' OR experiment_id = $1
		 ORDER BY start_time DESC, seq DESC`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	infos, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.RunInfo, error) {
		return scanRunInfo(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan runs: %w", err)
	}

	out := make([]model.Run, 0, len(infos))
	for _, info := range infos {
		data, err := db.runData(ctx, info.RunID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Run{Info: info, Data: data})
	}
	return out, nil
}

func (db *DB) runData(ctx context.Context, runID string) (model.RunData, error) {
	data := model.RunData{Params: map[string]string{}, Tags: map[string]string{}}

	if err := collectPairs(ctx, db, `SELECT key, value FROM params WHERE run_id = $1`, runID, data.Params); err != nil {
		return model.RunData{}, fmt.Errorf("storage: load params: %w", err)
	}
	if err := collectPairs(ctx, db, `SELECT key, value FROM tags WHERE run_id = $1`, runID, data.Tags); err != nil {
		return model.RunData{}, fmt.Errorf("storage: load tags: %w", err)
	}

	history, err := db.metricHistory(ctx, `SELECT key, value, step, ts FROM metrics WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return model.RunData{}, fmt.Errorf("storage: load metrics: %w", err)
	}
	data.Metrics = tracking.LatestMetrics(history)
	return data, nil
}

func collectPairs(ctx context.Context, db *DB, query, runID string, into map[string]string) error {
	rows, err := db.pool.Query(ctx, query, runID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		into[k] = v
	}
	return rows.Err()
}

func scanRunInfo(row pgx.Row) (model.RunInfo, error) {
	var (
		info   model.RunInfo
		status string
		stage  string
	)
	err := row.Scan(&info.RunID, &info.ExperimentID, &info.RunName, &status,
		&info.StartTime, &info.EndTime, &info.ArtifactURI, &stage)
	info.Status = model.RunStatus(status)
	info.LifecycleStage = model.LifecycleStage(stage)
	return info, err
}
