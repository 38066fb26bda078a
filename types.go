package autolog

import (
	"github.com/ashita-ai/autolog/internal/integrations"
	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/runs"
	"github.com/ashita-ai/autolog/internal/tracking"
)

// The types below are aliases rather than standalone copies: host
// frameworks pass these values straight into the internal callback and
// extractor, so they must be identical types on both sides.
type (
	// Call is one invocation of a training entry point.
	Call = model.Call
	// TrainFunc is a training entry point.
	TrainFunc = model.TrainFunc
	// Logs is the per-event mapping a host passes to callbacks.
	Logs = model.Logs
	// Descriptor is how a host callback identifies its role.
	Descriptor = model.Descriptor
	// CallbackKind classifies host callbacks.
	CallbackKind = model.CallbackKind
	// EarlyStoppingState describes an early-stopping callback.
	EarlyStoppingState = model.EarlyStoppingState
	// EventLogFactory builds an event-log callback writing to a directory.
	EventLogFactory = model.EventLogFactory

	// Run is a tracked run with its info and data.
	Run = model.Run
	// RunStatus is the status of a run.
	RunStatus = model.RunStatus
	// Metric is a single metric point.
	Metric = model.Metric
	// FileInfo describes an artifact.
	FileInfo = model.FileInfo

	// RunOptions configures StartRun.
	RunOptions = runs.StartOptions
	// Integration declares a wrappable training entry point.
	Integration = integrations.Integration
	// TrackingClient is the tracking store autolog writes to.
	TrackingClient = tracking.Client
)

const (
	KindGeneric       = model.KindGeneric
	KindEarlyStopping = model.KindEarlyStopping
	KindEventLog      = model.KindEventLog

	RunStatusRunning  = model.RunStatusRunning
	RunStatusFinished = model.RunStatusFinished
	RunStatusFailed   = model.RunStatusFailed
	RunStatusKilled   = model.RunStatusKilled

	// AutologgingTag is set on runs autologging creates; its value is the flavor.
	AutologgingTag = model.AutologgingTag
)

// Supported training entry points.
var (
	KerasFit          = integrations.KerasFit
	KerasFitGenerator = integrations.KerasFitGenerator
	EstimatorTrain    = integrations.EstimatorTrain
)
