package rest

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/testutil"
	"github.com/ashita-ai/autolog/internal/tracking"
)

// mockServer creates an httptest server that mimics the tracking API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(serverURL string) *Client {
	return New(Config{BaseURL: serverURL + "/", Token: "secret", Timeout: 5 * time.Second}, testutil.TestLogger())
}

func runJSON(runID, artifactURI string) map[string]any {
	return map[string]any{"run": map[string]any{
		"info": map[string]any{
			"run_id": runID, "experiment_id": "0", "status": "RUNNING",
			"start_time": 1000, "artifact_uri": artifactURI, "lifecycle_stage": "active",
		},
		"data": map[string]any{
			"metrics": []map[string]any{{"key": "loss", "value": 0.25, "step": 3, "timestamp": 5}},
			"params":  []map[string]any{{"key": "epochs", "value": "17"}},
			"tags":    []map[string]any{{"key": model.AutologgingTag, "value": "tensorflow"}},
		},
	}}
}

func TestCreateRunSendsTagsAndToken(t *testing.T) {
	var got createRunRequest
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/2.0/mlflow/runs/create": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			writeJSON(w, http.StatusOK, runJSON("abc", "s3://bucket/0/abc/artifacts"))
		},
	})

	run, err := newTestClient(srv.URL).CreateRun(context.Background(), model.CreateRunParams{
		Tags: []model.Tag{{Key: model.AutologgingTag, Value: "tensorflow"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "0", got.ExperimentID)
	assert.NotZero(t, got.StartTime)
	assert.Equal(t, []wireKV{{Key: model.AutologgingTag, Value: "tensorflow"}}, got.Tags)

	assert.Equal(t, "abc", run.Info.RunID)
	assert.Equal(t, model.RunStatusRunning, run.Info.Status)
	assert.Nil(t, run.Info.EndTime)
	assert.Equal(t, "17", run.Data.Params["epochs"])
	assert.InDelta(t, 0.25, run.Data.Metrics["loss"], 1e-9)
}

func TestGetRunNotFound(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/2.0/mlflow/runs/get": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "missing", r.URL.Query().Get("run_id"))
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error_code": "RESOURCE_DOES_NOT_EXIST", "message": "Run 'missing' not found",
			})
		},
	})

	_, err := newTestClient(srv.URL).GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "RESOURCE_DOES_NOT_EXIST", apiErr.Code)
}

func TestUpdateRunOmitsEndTimeWhenRunning(t *testing.T) {
	var bodies []map[string]any
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/2.0/mlflow/runs/update": func(w http.ResponseWriter, r *http.Request) {
			var b map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&b))
			bodies = append(bodies, b)
			writeJSON(w, http.StatusOK, map[string]any{})
		},
	})
	c := newTestClient(srv.URL)

	require.NoError(t, c.UpdateRun(context.Background(), "r1", model.RunStatusFinished, 42))
	require.NoError(t, c.UpdateRun(context.Background(), "r1", model.RunStatusRunning, 42))
	require.Len(t, bodies, 2)
	assert.EqualValues(t, 42, bodies[0]["end_time"])
	assert.NotContains(t, bodies[1], "end_time")
}

func TestLogBatchParamConflict(t *testing.T) {
	var got logBatchRequest
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/2.0/mlflow/runs/log-batch": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error_code": "INVALID_PARAMETER_VALUE",
				"message":    "Changing param values is not allowed. Param with key='lr' was already logged",
			})
		},
	})

	err := newTestClient(srv.URL).LogBatch(context.Background(), "r1", tracking.Batch{
		Params:  []model.Param{{Key: "lr", Value: "0.1"}},
		Metrics: []model.Metric{{Key: "loss", Value: 1, Step: 2, Timestamp: 3}},
	})
	require.ErrorIs(t, err, tracking.ErrParamConflict)
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, []wireMetric{{Key: "loss", Value: 1, Step: 2, Timestamp: 3}}, got.Metrics)
	assert.False(t, IsRetryable(err))
}

func TestLogBatchSpellsNonFiniteValues(t *testing.T) {
	var body map[string]any
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/2.0/mlflow/runs/log-batch": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			writeJSON(w, http.StatusOK, map[string]any{})
		},
	})

	require.NoError(t, newTestClient(srv.URL).LogBatch(context.Background(), "r1", tracking.Batch{
		Metrics: []model.Metric{
			{Key: "loss", Value: math.NaN(), Step: 0, Timestamp: 1},
			{Key: "grad_norm", Value: math.Inf(1), Step: 0, Timestamp: 1},
			{Key: "log_prob", Value: math.Inf(-1), Step: 0, Timestamp: 1},
		},
	}))
	metrics, ok := body["metrics"].([]any)
	require.True(t, ok)
	require.Len(t, metrics, 3)
	values := make([]any, len(metrics))
	for i, m := range metrics {
		values[i] = m.(map[string]any)["value"]
	}
	assert.Equal(t, []any{"NaN", "Infinity", "-Infinity"}, values)
}

func TestGetMetricHistoryDecodesNonFiniteValues(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/2.0/mlflow/metrics/get-history": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"metrics": []map[string]any{
				{"key": "loss", "value": "NaN", "step": 0, "timestamp": 1},
				{"key": "loss", "value": "Infinity", "step": 1, "timestamp": 2},
			}})
		},
	})

	history, err := newTestClient(srv.URL).GetMetricHistory(context.Background(), "r1", "loss")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, math.IsNaN(history[0].Value))
	assert.True(t, math.IsInf(history[1].Value, 1))
}

func TestLogBatchEmptyIsNoop(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	assert.NoError(t, c.LogBatch(context.Background(), "r1", tracking.Batch{}))
}

func TestListRunsPaginates(t *testing.T) {
	var tokens []string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/2.0/mlflow/runs/search": func(w http.ResponseWriter, r *http.Request) {
			var req searchRunsRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []string{"attributes.start_time DESC"}, req.OrderBy)
			tokens = append(tokens, req.PageToken)
			if req.PageToken == "" {
				writeJSON(w, http.StatusOK, map[string]any{
					"runs":            []any{runJSON("a", "")["run"]},
					"next_page_token": "p2",
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"runs": []any{runJSON("b", "")["run"]}})
		},
	})

	listed, err := newTestClient(srv.URL).ListRuns(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "a", listed[0].Info.RunID)
	assert.Equal(t, "b", listed[1].Info.RunID)
	assert.Equal(t, []string{"", "p2"}, tokens)
}

func TestGetMetricHistory(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/2.0/mlflow/metrics/get-history": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "loss", r.URL.Query().Get("metric_key"))
			writeJSON(w, http.StatusOK, map[string]any{"metrics": []map[string]any{
				{"key": "loss", "value": 1.0, "step": 0, "timestamp": 1},
				{"key": "loss", "value": 0.5, "step": 5, "timestamp": 2},
			}})
		},
	})

	history, err := newTestClient(srv.URL).GetMetricHistory(context.Background(), "r1", "loss")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(5), history[1].Step)
}

func TestArtifactsThroughProxy(t *testing.T) {
	var (
		mu      sync.Mutex
		uploads = map[string]string{}
	)
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/2.0/mlflow/runs/get": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, runJSON("r1", "mlflow-artifacts:/0/r1/artifacts"))
		},
		"PUT /api/2.0/mlflow-artifacts/artifacts/": func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			mu.Lock()
			uploads[r.URL.Path] = string(b)
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		},
		"GET /api/2.0/mlflow/artifacts/list": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "model", r.URL.Query().Get("path"))
			writeJSON(w, http.StatusOK, map[string]any{"files": []map[string]any{
				{"path": "model/weights.bin", "is_dir": false, "file_size": "7"},
				{"path": "model/assets", "is_dir": true},
			}})
		},
	})
	c := newTestClient(srv.URL)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weights.bin"), []byte("weights"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "vocab.txt"), []byte("a b"), 0o600))

	require.NoError(t, c.LogArtifacts(ctx, "r1", dir, "model"))
	require.NoError(t, c.LogArtifact(ctx, "r1", filepath.Join(dir, "weights.bin"), ""))

	assert.Equal(t, map[string]string{
		"/api/2.0/mlflow-artifacts/artifacts/0/r1/artifacts/model/weights.bin":      "weights",
		"/api/2.0/mlflow-artifacts/artifacts/0/r1/artifacts/model/assets/vocab.txt": "a b",
		"/api/2.0/mlflow-artifacts/artifacts/0/r1/artifacts/weights.bin":            "weights",
	}, uploads)

	infos, err := c.ListArtifacts(ctx, "r1", "model")
	require.NoError(t, err)
	assert.Equal(t, []model.FileInfo{
		{Path: "model/weights.bin", FileSize: 7},
		{Path: "model/assets", IsDir: true},
	}, infos)
}

func TestArtifactsDirectToStore(t *testing.T) {
	root := t.TempDir()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/2.0/mlflow/runs/get": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, runJSON("r1", root))
		},
	})

	src := filepath.Join(t.TempDir(), "model_summary.txt")
	require.NoError(t, os.WriteFile(src, []byte("summary"), 0o600))
	require.NoError(t, newTestClient(srv.URL).LogArtifact(context.Background(), "r1", src, ""))

	b, err := os.ReadFile(filepath.Join(root, "model_summary.txt"))
	require.NoError(t, err)
	assert.Equal(t, "summary", string(b))
}

func TestServerErrorIsRetryable(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/2.0/mlflow/runs/get": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		},
	})
	_, err := newTestClient(srv.URL).GetRun(context.Background(), "r1")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsUnauthorized(err))
}
