package model

import "context"

// Callback receives training lifecycle events from a host framework.
type Callback interface {
	OnTrainBegin(ctx context.Context, logs Logs)
	OnEpochEnd(ctx context.Context, epoch int, logs Logs)
	OnBatchEnd(ctx context.Context, batch int, logs Logs)
	OnTrainEnd(ctx context.Context, logs Logs)
}

// CallbackKind classifies host callbacks autolog cares about.
type CallbackKind int

const (
	KindGeneric CallbackKind = iota
	KindEarlyStopping
	KindEventLog
)

func (k CallbackKind) String() string {
	switch k {
	case KindEarlyStopping:
		return "early_stopping"
	case KindEventLog:
		return "event_log"
	default:
		return "generic"
	}
}

// Descriptor is the tagged description a host callback gives of itself.
// EarlyStopping is set only for KindEarlyStopping, LogDir only for
// KindEventLog.
type Descriptor struct {
	Kind          CallbackKind
	EarlyStopping *EarlyStoppingState
	LogDir        string
}

// Describer is implemented by host callbacks with a role autolog
// recognizes. Callbacks without it are treated as KindGeneric.
type Describer interface {
	Describe() Descriptor
}

// Describe classifies any callback value.
func Describe(cb any) Descriptor {
	if d, ok := cb.(Describer); ok {
		return d.Describe()
	}
	return Descriptor{Kind: KindGeneric}
}

// EarlyStoppingState is a snapshot of an early-stopping callback's
// configuration and progress. Mode and Verbose are never logged.
type EarlyStoppingState struct {
	Monitor            string
	MinDelta           float64
	Patience           int
	Baseline           *float64
	RestoreBestWeights bool
	Mode               string
	Verbose            int

	// Progress, meaningful after training ends.
	StopTraining   bool
	StoppedEpoch   int
	Best           float64
	HasBestWeights bool
}

// Summarizer is implemented by models that can render a text summary.
type Summarizer interface {
	Summary() (string, error)
}

// ModelSaver is implemented by models that can serialize themselves into
// a local directory.
type ModelSaver interface {
	SaveModel(ctx context.Context, dir string) error
}

// Configurable is a nested configuration object such as an optimizer.
type Configurable interface {
	ConfigName() string
	Config() map[string]any
}

// OptimizerProvider is implemented by models exposing their optimizer.
type OptimizerProvider interface {
	Optimizer() Configurable
}

// EventLogFactory builds a host event-log callback writing to dir.
type EventLogFactory func(dir string) Callback

// LogDirProvider is implemented by training targets that write their own
// event logs, such as estimators with a model directory.
type LogDirProvider interface {
	LogDir() string
}
