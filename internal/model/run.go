// Package model defines the core domain types for autolog.
//
// Run, metric, param and tag types mirror the tracking-store records that a
// training invocation produces. Host-facing types (Call, Callback, Logs)
// describe how an external training framework hands control to autolog.
package model

import (
	"time"
)

// RunStatus represents the lifecycle state of a tracked run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusKilled   RunStatus = "KILLED"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed || s == RunStatusKilled
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	return s == RunStatusRunning || s.Terminal()
}

// LifecycleStage is the soft-delete marker of a run.
type LifecycleStage string

const (
	LifecycleActive  LifecycleStage = "active"
	LifecycleDeleted LifecycleStage = "deleted"
)

// DefaultExperimentID is used when no experiment is configured.
const DefaultExperimentID = "0"

// AutologgingTag marks runs created by autologging; its value is the flavor.
const AutologgingTag = "mlflow.autologging"

// RunInfo holds the metadata of a run.
type RunInfo struct {
	RunID          string         `json:"run_id"`
	ExperimentID   string         `json:"experiment_id"`
	RunName        string         `json:"run_name,omitempty"`
	Status         RunStatus      `json:"status"`
	StartTime      int64          `json:"start_time"`
	EndTime        *int64         `json:"end_time,omitempty"`
	ArtifactURI    string         `json:"artifact_uri"`
	LifecycleStage LifecycleStage `json:"lifecycle_stage"`
}

// RunData holds the params, tags and latest metric values of a run.
type RunData struct {
	Metrics map[string]float64 `json:"metrics"`
	Params  map[string]string  `json:"params"`
	Tags    map[string]string  `json:"tags"`
}

// Run is a tracked unit of work. A run is never reused across training
// invocations once it has ended.
type Run struct {
	Info RunInfo `json:"info"`
	Data RunData `json:"data"`
}

// Active reports whether the run has not yet ended.
func (r Run) Active() bool {
	return r.Info.Status == RunStatusRunning
}

// Metric is a single (key, value, step, timestamp) point. Timestamps are
// milliseconds since the Unix epoch.
type Metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Step      int64   `json:"step"`
	Timestamp int64   `json:"timestamp"`
}

// NewMetric stamps a metric with the current wall clock.
func NewMetric(key string, value float64, step int64) Metric {
	return Metric{Key: key, Value: value, Step: step, Timestamp: NowMillis()}
}

// Param is an immutable key/value pair recorded once per run.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Tag is a mutable key/value pair (upsert semantics).
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FileInfo describes one entry of a run's artifact tree.
type FileInfo struct {
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir"`
	FileSize int64  `json:"file_size,omitempty"`
}

// MetricQueueEntry is a metric point tagged with the run it belongs to.
type MetricQueueEntry struct {
	RunID  string `json:"run_id"`
	Metric Metric `json:"metric"`
}

// CreateRunParams holds the parameters for creating a run.
type CreateRunParams struct {
	ExperimentID string
	RunName      string
	StartTime    int64
	Tags         []Tag
}

// NowMillis returns the current time in Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
