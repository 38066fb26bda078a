package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/autolog"
)

func execute(t *testing.T, store []string, args ...string) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := newRootCmd(logger)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(append([]string{}, store...), args...))
	require.NoError(t, root.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func sqliteStore(t *testing.T) []string {
	dir := t.TempDir()
	return []string{
		"--tracking-uri", "sqlite://" + filepath.Join(dir, "runs.db"),
		"--artifact-root", filepath.Join(dir, "mlruns"),
	}
}

func TestSimulateThenInspect(t *testing.T) {
	store := sqliteStore(t)

	var run autolog.Run
	require.NoError(t, json.Unmarshal([]byte(execute(t, store, "--json", "simulate", "--epochs", "6", "--every-n-iter", "2")), &run))
	assert.Equal(t, autolog.RunStatusFinished, run.Info.Status)
	assert.Equal(t, "6", run.Data.Params["epochs"])
	assert.Equal(t, "SGD", run.Data.Params["opt_name"])
	assert.Equal(t, "tensorflow", run.Data.Tags[autolog.AutologgingTag])

	listing := execute(t, store, "runs", "list")
	assert.Contains(t, listing, "RUN_ID")
	assert.Contains(t, listing, run.Info.RunID)
	assert.Contains(t, listing, "FINISHED")

	var points []autolog.Metric
	require.NoError(t, json.Unmarshal([]byte(execute(t, store, "--json", "metrics", "history", run.Info.RunID, "loss")), &points))
	steps := make([]int64, len(points))
	for i, p := range points {
		steps[i] = p.Step
	}
	assert.Equal(t, []int64{0, 2, 4}, steps)

	arts := execute(t, store, "artifacts", "ls", run.Info.RunID)
	assert.Contains(t, arts, "model_summary.txt")
	assert.Contains(t, arts, "model")

	detail := execute(t, store, "runs", "get", run.Info.RunID)
	assert.True(t, strings.HasPrefix(detail, "run "+run.Info.RunID))
	assert.Contains(t, detail, "batch_size")
}

func TestSimulateEarlyStopping(t *testing.T) {
	store := sqliteStore(t)

	var run autolog.Run
	require.NoError(t, json.Unmarshal([]byte(execute(t, store, "--json", "simulate",
		"--epochs", "50", "--patience", "2", "--noise", "0")), &run))
	assert.Equal(t, "2", run.Data.Params["patience"])
	assert.Contains(t, run.Data.Metrics, "stopped_epoch")
}

func TestGetUnknownRunFails(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := newRootCmd(logger)
	root.SetOut(io.Discard)
	root.SetArgs(append(sqliteStore(t), "runs", "get", "does-not-exist"))
	assert.Error(t, root.ExecuteContext(context.Background()))
}
