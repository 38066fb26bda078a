// Package tracking defines the experiment-tracking client autolog writes to
// and an in-memory implementation of it.
package tracking

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/autolog/internal/model"
)

// ErrParamConflict is returned when a param is logged twice with different values.
var ErrParamConflict = errors.New("tracking: param already logged with a different value")

// Batch groups the records of one LogBatch call.
type Batch struct {
	Metrics []model.Metric
	Params  []model.Param
	Tags    []model.Tag
}

// Empty reports whether the batch carries nothing.
func (b Batch) Empty() bool {
	return len(b.Metrics) == 0 && len(b.Params) == 0 && len(b.Tags) == 0
}

// Client is the tracking store surface autolog depends on. Implementations
// must be safe for concurrent use.
type Client interface {
	CreateRun(ctx context.Context, params model.CreateRunParams) (model.Run, error)
	GetRun(ctx context.Context, runID string) (model.Run, error)
	UpdateRun(ctx context.Context, runID string, status model.RunStatus, endTime int64) error
	ListRuns(ctx context.Context, experimentID string) ([]model.Run, error)

	LogBatch(ctx context.Context, runID string, batch Batch) error
	GetMetricHistory(ctx context.Context, runID, key string) ([]model.Metric, error)

	LogArtifact(ctx context.Context, runID, localFile, artifactPath string) error
	LogArtifacts(ctx context.Context, runID, localDir, artifactPath string) error
	ListArtifacts(ctx context.Context, runID, path string) ([]model.FileInfo, error)
}

// LogMetrics sends metric points for one run.
func LogMetrics(ctx context.Context, c Client, runID string, metrics []model.Metric) error {
	return c.LogBatch(ctx, runID, Batch{Metrics: metrics})
}

// LogParams sends a param set for one run in a stable key order.
func LogParams(ctx context.Context, c Client, runID string, params map[string]string) error {
	if len(params) == 0 {
		return nil
	}
	return c.LogBatch(ctx, runID, Batch{Params: SortedParams(params)})
}

// SetTag sets a single tag.
func SetTag(ctx context.Context, c Client, runID, key, value string) error {
	return c.LogBatch(ctx, runID, Batch{Tags: []model.Tag{{Key: key, Value: value}}})
}

// NewRunID returns a fresh 32-character hex run identifier.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SortedParams converts a param map into a key-ordered slice.
func SortedParams(params map[string]string) []model.Param {
	out := make([]model.Param, 0, len(params))
	for k, v := range params {
		out = append(out, model.Param{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// LatestMetrics reduces a metric history to the latest value per key: the
// point with the highest step, then the highest timestamp, then the highest
// value.
func LatestMetrics(history []model.Metric) map[string]float64 {
	latest := make(map[string]model.Metric)
	for _, m := range history {
		cur, ok := latest[m.Key]
		if !ok || newer(m, cur) {
			latest[m.Key] = m
		}
	}
	out := make(map[string]float64, len(latest))
	for k, m := range latest {
		out[k] = m.Value
	}
	return out
}

func newer(a, b model.Metric) bool {
	if a.Step != b.Step {
		return a.Step > b.Step
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.Value > b.Value
}
