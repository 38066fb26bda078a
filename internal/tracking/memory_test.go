package tracking

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/autolog/internal/model"
)

func TestMemoryRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(t.TempDir())

	run, err := store.CreateRun(ctx, model.CreateRunParams{
		Tags: []model.Tag{{Key: model.AutologgingTag, Value: "keras"}},
	})
	require.NoError(t, err)
	assert.Len(t, run.Info.RunID, 32)
	assert.Equal(t, model.DefaultExperimentID, run.Info.ExperimentID)
	assert.Equal(t, model.RunStatusRunning, run.Info.Status)
	assert.True(t, run.Active())
	assert.Equal(t, "keras", run.Data.Tags[model.AutologgingTag])

	require.NoError(t, store.UpdateRun(ctx, run.Info.RunID, model.RunStatusFinished, 42))
	got, err := store.GetRun(ctx, run.Info.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFinished, got.Info.Status)
	require.NotNil(t, got.Info.EndTime)
	assert.Equal(t, int64(42), *got.Info.EndTime)

	assert.Error(t, store.UpdateRun(ctx, run.Info.RunID, "DONE", 1))
}

func TestMemoryGetRunNotFound(t *testing.T) {
	_, err := NewMemory(t.TempDir()).GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemoryLogBatchAndHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(t.TempDir())
	run, err := store.CreateRun(ctx, model.CreateRunParams{})
	require.NoError(t, err)
	id := run.Info.RunID

	require.NoError(t, LogParams(ctx, store, id, map[string]string{"epochs": "10", "batch_size": "8"}))
	require.NoError(t, SetTag(ctx, store, id, "team", "vision"))
	require.NoError(t, LogMetrics(ctx, store, id, []model.Metric{
		{Key: "loss", Value: 0.9, Step: 0, Timestamp: 1},
		{Key: "loss", Value: 0.5, Step: 1, Timestamp: 2},
		{Key: "acc", Value: 0.7, Step: 1, Timestamp: 2},
	}))

	// Same value is accepted, a different one is a conflict.
	require.NoError(t, LogParams(ctx, store, id, map[string]string{"epochs": "10"}))
	assert.ErrorIs(t, LogParams(ctx, store, id, map[string]string{"epochs": "11"}), ErrParamConflict)

	got, err := store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"epochs": "10", "batch_size": "8"}, got.Data.Params)
	assert.Equal(t, "vision", got.Data.Tags["team"])
	assert.Equal(t, map[string]float64{"loss": 0.5, "acc": 0.7}, got.Data.Metrics)

	hist, err := store.GetMetricHistory(ctx, id, "loss")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, int64(0), hist[0].Step)
	assert.Equal(t, int64(1), hist[1].Step)
}

func TestMemoryListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(t.TempDir())
	first, err := store.CreateRun(ctx, model.CreateRunParams{StartTime: 100})
	require.NoError(t, err)
	second, err := store.CreateRun(ctx, model.CreateRunParams{StartTime: 200})
	require.NoError(t, err)
	_, err = store.CreateRun(ctx, model.CreateRunParams{ExperimentID: "7"})
	require.NoError(t, err)

	runs, err := store.ListRuns(ctx, model.DefaultExperimentID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.Info.RunID, runs[0].Info.RunID)
	assert.Equal(t, first.Info.RunID, runs[1].Info.RunID)
}

func TestMemoryArtifacts(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewMemory(root)
	run, err := store.CreateRun(ctx, model.CreateRunParams{})
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "model_summary.txt")
	require.NoError(t, os.WriteFile(src, []byte("summary"), 0o600))
	require.NoError(t, store.LogArtifact(ctx, run.Info.RunID, src, ""))

	infos, err := store.ListArtifacts(ctx, run.Info.RunID, "")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "model_summary.txt", infos[0].Path)
	assert.FileExists(t, filepath.Join(root, "0", run.Info.RunID, "artifacts", "model_summary.txt"))

	_, err = store.ListArtifacts(ctx, "missing", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLatestMetricsPrefersHighestStepThenTimestamp(t *testing.T) {
	latest := LatestMetrics([]model.Metric{
		{Key: "loss", Value: 3, Step: 2, Timestamp: 1},
		{Key: "loss", Value: 1, Step: 5, Timestamp: 1},
		{Key: "loss", Value: 2, Step: 4, Timestamp: 9},
		{Key: "acc", Value: 0.1, Step: 1, Timestamp: 1},
		{Key: "acc", Value: 0.2, Step: 1, Timestamp: 2},
	})
	assert.Equal(t, map[string]float64{"loss": 1, "acc": 0.2}, latest)
}
