package storage_test

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/storage"
	"github.com/ashita-ai/autolog/internal/testutil"
	"github.com/ashita-ai/autolog/internal/tracking"
	"github.com/ashita-ai/autolog/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var (
	testDB       *storage.DB
	artifactRoot string
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc, err := testutil.StartPostgres()
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage: database tests will be skipped: %v\n", err)
		os.Exit(m.Run())
	}

	artifactRoot, err = os.MkdirTemp("", "autolog-storage-")
	if err != nil {
		tc.Terminate()
		fmt.Fprintf(os.Stderr, "failed to create artifact root: %v\n", err)
		os.Exit(1)
	}

	testDB, err = tc.NewTestDB(ctx, artifactRoot, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	_ = os.RemoveAll(artifactRoot)
	os.Exit(code)
}

// db returns the shared database or skips the test when no container
// runtime was available.
func db(t *testing.T) *storage.DB {
	t.Helper()
	if testDB == nil {
		t.Skip("no PostgreSQL container available")
	}
	return testDB
}

func newRun(t *testing.T, expID string, tags ...model.Tag) model.Run {
	t.Helper()
	run, err := db(t).CreateRun(context.Background(), model.CreateRunParams{ExperimentID: expID, Tags: tags})
	require.NoError(t, err)
	return run
}

func TestCreateAndGetRun(t *testing.T) {
	ctx := context.Background()

	run := newRun(t, "create-get", model.Tag{Key: model.AutologgingTag, Value: "tensorflow"})
	assert.Len(t, run.Info.RunID, 32)
	assert.Equal(t, model.RunStatusRunning, run.Info.Status)
	assert.Equal(t, filepath.Join(artifactRoot, "create-get", run.Info.RunID, "artifacts"), run.Info.ArtifactURI)

	got, err := db(t).GetRun(ctx, run.Info.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.Info, got.Info)
	assert.Equal(t, "tensorflow", got.Data.Tags[model.AutologgingTag])
	assert.Empty(t, got.Data.Params)
}

func TestGetRunNotFound(t *testing.T) {
	_, err := db(t).GetRun(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpdateRun(t *testing.T) {
	ctx := context.Background()
	run := newRun(t, "update")

	require.NoError(t, db(t).UpdateRun(ctx, run.Info.RunID, model.RunStatusFinished, 1234))
	got, err := db(t).GetRun(ctx, run.Info.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFinished, got.Info.Status)
	require.NotNil(t, got.Info.EndTime)
	assert.Equal(t, int64(1234), *got.Info.EndTime)

	// Reactivating clears the end time.
	require.NoError(t, db(t).UpdateRun(ctx, run.Info.RunID, model.RunStatusRunning, 0))
	got, err = db(t).GetRun(ctx, run.Info.RunID)
	require.NoError(t, err)
	assert.Nil(t, got.Info.EndTime)

	assert.ErrorIs(t, db(t).UpdateRun(ctx, "missing", model.RunStatusFailed, 1), model.ErrNotFound)
	assert.Error(t, db(t).UpdateRun(ctx, run.Info.RunID, "PAUSED", 1))
}

func TestLogBatchAndHistory(t *testing.T) {
	ctx := context.Background()
	run := newRun(t, "batch")
	id := run.Info.RunID

	err := db(t).LogBatch(ctx, id, tracking.Batch{
		Params: []model.Param{{Key: "epochs", Value: "17"}, {Key: "batch_size", Value: "None"}},
		Tags:   []model.Tag{{Key: "phase", Value: "train"}},
		Metrics: []model.Metric{
			{Key: "loss", Value: 0.9, Step: 0, Timestamp: 10},
			{Key: "loss", Value: 0.5, Step: 5, Timestamp: 20},
			{Key: "acc", Value: 0.7, Step: 5, Timestamp: 20},
		},
	})
	require.NoError(t, err)

	// Same param value again is accepted; tags upsert.
	require.NoError(t, db(t).LogBatch(ctx, id, tracking.Batch{
		Params: []model.Param{{Key: "epochs", Value: "17"}},
		Tags:   []model.Tag{{Key: "phase", Value: "eval"}},
	}))

	history, err := db(t).GetMetricHistory(ctx, id, "loss")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, []int64{0, 5}, []int64{history[0].Step, history[1].Step})

	got, err := db(t).GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"epochs": "17", "batch_size": "None"}, got.Data.Params)
	assert.Equal(t, "eval", got.Data.Tags["phase"])
	assert.InDelta(t, 0.5, got.Data.Metrics["loss"], 1e-9)
	assert.InDelta(t, 0.7, got.Data.Metrics["acc"], 1e-9)
}

func TestLogBatchNonFiniteValues(t *testing.T) {
	ctx := context.Background()
	id := newRun(t, "0").Info.RunID

	require.NoError(t, db(t).LogBatch(ctx, id, tracking.Batch{Metrics: []model.Metric{
		{Key: "loss", Value: 0.5, Step: 0, Timestamp: 1},
		{Key: "loss", Value: math.NaN(), Step: 1, Timestamp: 2},
		{Key: "grad_norm", Value: math.Inf(1), Step: 1, Timestamp: 2},
		{Key: "log_prob", Value: math.Inf(-1), Step: 1, Timestamp: 2},
	}}))

	history, err := db(t).GetMetricHistory(ctx, id, "loss")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, math.IsNaN(history[1].Value))

	got, err := db(t).GetRun(ctx, id)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(got.Data.Metrics["loss"]))
	assert.True(t, math.IsInf(got.Data.Metrics["grad_norm"], 1))
	assert.True(t, math.IsInf(got.Data.Metrics["log_prob"], -1))
}

func TestLogBatchParamConflictIsAtomic(t *testing.T) {
	ctx := context.Background()
	run := newRun(t, "conflict")
	id := run.Info.RunID

	require.NoError(t, tracking.LogParams(ctx, db(t), id, map[string]string{"lr": "0.01"}))

	err := db(t).LogBatch(ctx, id, tracking.Batch{
		Params:  []model.Param{{Key: "lr", Value: "0.1"}},
		Metrics: []model.Metric{{Key: "loss", Value: 1, Timestamp: 1}},
	})
	require.ErrorIs(t, err, tracking.ErrParamConflict)

	history, err := db(t).GetMetricHistory(ctx, id, "loss")
	require.NoError(t, err)
	assert.Empty(t, history, "rejected batch must not leave metric points behind")
}

func TestLogBatchUnknownRun(t *testing.T) {
	err := db(t).LogBatch(context.Background(), "missing", tracking.Batch{
		Metrics: []model.Metric{{Key: "loss", Value: 1}},
	})
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	first := newRun(t, "list")
	second := newRun(t, "list")
	_ = newRun(t, "list-other")

	listed, err := db(t).ListRuns(ctx, "list")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	ids := []string{listed[0].Info.RunID, listed[1].Info.RunID}
	assert.ElementsMatch(t, []string{first.Info.RunID, second.Info.RunID}, ids)
	assert.GreaterOrEqual(t, listed[0].Info.StartTime, listed[1].Info.StartTime)
}

func TestRunArtifacts(t *testing.T) {
	ctx := context.Background()
	run := newRun(t, "artifacts")

	src := filepath.Join(t.TempDir(), "model_summary.txt")
	require.NoError(t, os.WriteFile(src, []byte("Layer (type)"), 0o600))
	require.NoError(t, db(t).LogArtifact(ctx, run.Info.RunID, src, ""))

	infos, err := db(t).ListArtifacts(ctx, run.Info.RunID, "")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "model_summary.txt", infos[0].Path)
	assert.Equal(t, int64(len("Layer (type)")), infos[0].FileSize)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	require.NoError(t, db(t).RunMigrations(context.Background(), migrations.FS))
}
