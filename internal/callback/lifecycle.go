// Package callback implements the training callback autolog injects into a
// host framework's callback list. One Lifecycle exists per training call; it
// samples per-epoch or per-step metrics into a recorder and, when training
// ends, records early-stopping outcomes and forces a final flush.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/ashita-ai/autolog/internal/model"
)

// Phase is the lifecycle state of a callback.
type Phase string

const (
	PhaseCreated      Phase = "CREATED"
	PhaseTraining     Phase = "TRAINING"
	PhaseEarlyStopped Phase = "EARLY_STOPPED"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseFinalized    Phase = "FINALIZED"
)

// Recorder receives sampled metrics. *batch.Logger implements it.
type Recorder interface {
	RecordMetrics(metrics map[string]float64, step *int64)
	Flush(ctx context.Context)
}

// Config configures a Lifecycle.
type Config struct {
	Recorder       Recorder
	LogEveryNSteps int
	Family         IndexFamily
	Unit           Unit
	RunID          string
	// EarlyStopper is the host's early-stopping callback, if any. It is
	// described again at train end to read the final stopping state.
	EarlyStopper model.Describer
	Logger       *slog.Logger
}

// EpochLogs is the numeric part of one epoch's logs.
type EpochLogs struct {
	Epoch   int                `json:"epoch"`
	Metrics map[string]float64 `json:"metrics"`
}

// State is the serializable state of a Lifecycle.
type State struct {
	Phase          Phase       `json:"phase"`
	Outcome        Phase       `json:"outcome,omitempty"`
	Family         IndexFamily `json:"family"`
	Unit           Unit        `json:"unit"`
	LogEveryNSteps int         `json:"log_every_n_steps"`
	RunID          string      `json:"run_id"`
	InitialEpoch   int         `json:"initial_epoch"`
	CurrentEpoch   int         `json:"current_epoch"`
	CurrentStep    int64       `json:"current_step"`
	EpochsSeen     int         `json:"epochs_seen"`
	History        []EpochLogs `json:"history"`
}

// Lifecycle is the injected training callback. Safe for concurrent use;
// host frameworks may deliver batch events from worker goroutines.
type Lifecycle struct {
	mu       sync.Mutex
	state    State
	recorder Recorder
	stopper  model.Describer
	logger   *slog.Logger
}

var _ model.Callback = (*Lifecycle)(nil)

// New creates a callback in the CREATED phase.
func New(cfg Config) *Lifecycle {
	if cfg.LogEveryNSteps <= 0 {
		cfg.LogEveryNSteps = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Lifecycle{
		state: State{
			Phase:          PhaseCreated,
			Family:         cfg.Family,
			Unit:           cfg.Unit,
			LogEveryNSteps: cfg.LogEveryNSteps,
			RunID:          cfg.RunID,
		},
		recorder: cfg.Recorder,
		stopper:  cfg.EarlyStopper,
		logger:   cfg.Logger,
	}
}

// Attach re-binds collaborators after the callback was restored from JSON.
func (c *Lifecycle) Attach(recorder Recorder, stopper model.Describer, logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = recorder
	c.stopper = stopper
	if logger != nil {
		c.logger = logger
	}
}

// State returns a copy of the callback state.
func (c *Lifecycle) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Lifecycle) snapshot() State {
	s := c.state
	s.History = make([]EpochLogs, len(c.state.History))
	for i, h := range c.state.History {
		s.History[i] = EpochLogs{Epoch: h.Epoch, Metrics: maps.Clone(h.Metrics)}
	}
	return s
}

// Phase returns the current phase.
func (c *Lifecycle) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase
}

// Outcome returns EARLY_STOPPED or COMPLETED once training has ended.
func (c *Lifecycle) Outcome() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Outcome
}

// OnTrainBegin moves the callback to TRAINING.
func (c *Lifecycle) OnTrainBegin(_ context.Context, _ model.Logs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase == PhaseCreated {
		c.state.Phase = PhaseTraining
	}
}

// training reports whether events are accepted, promoting CREATED for hosts
// that skip the train-begin event. Callers hold c.mu.
func (c *Lifecycle) training() bool {
	switch c.state.Phase {
	case PhaseCreated:
		c.state.Phase = PhaseTraining
		return true
	case PhaseTraining:
		return true
	default:
		return false
	}
}

// OnEpochEnd keeps the epoch's numeric logs and records them when the
// epoch is the logging unit and is due.
func (c *Lifecycle) OnEpochEnd(_ context.Context, epoch int, logs model.Logs) {
	c.mu.Lock()
	if !c.training() {
		c.mu.Unlock()
		return
	}
	numeric := logs.Numeric()
	if c.state.EpochsSeen == 0 {
		c.state.InitialEpoch = epoch
	}
	c.state.EpochsSeen++
	c.state.CurrentEpoch = epoch
	c.state.History = append(c.state.History, EpochLogs{Epoch: epoch, Metrics: numeric})
	record := c.state.Unit == UnitEpoch && c.due(int64(epoch))
	rec := c.recorder
	c.mu.Unlock()

	if record && rec != nil && len(numeric) > 0 {
		step := int64(epoch)
		rec.RecordMetrics(maps.Clone(numeric), &step)
	}
}

// OnBatchEnd advances the step counter. For step-unit integrations the
// argument is the global step and due steps are recorded.
func (c *Lifecycle) OnBatchEnd(_ context.Context, batch int, logs model.Logs) {
	c.mu.Lock()
	if !c.training() {
		c.mu.Unlock()
		return
	}
	if c.state.Unit == UnitStep {
		c.state.CurrentStep = int64(batch)
	} else {
		c.state.CurrentStep++
	}
	step := c.state.CurrentStep
	record := c.state.Unit == UnitStep && c.due(step)
	rec := c.recorder
	c.mu.Unlock()

	if !record || rec == nil {
		return
	}
	if numeric := logs.Numeric(); len(numeric) > 0 {
		rec.RecordMetrics(numeric, &step)
	}
}

// OnTrainEnd decides between EARLY_STOPPED and COMPLETED, records the
// early-stopping outcome, flushes the recorder and finalizes. Later calls
// are no-ops.
func (c *Lifecycle) OnTrainEnd(ctx context.Context, _ model.Logs) {
	c.mu.Lock()
	if c.state.Phase == PhaseFinalized {
		c.mu.Unlock()
		return
	}
	outcome := PhaseCompleted
	var stop *model.EarlyStoppingState
	if c.stopper != nil {
		if d := c.stopper.Describe(); d.Kind == model.KindEarlyStopping && d.EarlyStopping != nil && d.EarlyStopping.StopTraining {
			outcome = PhaseEarlyStopped
			stop = d.EarlyStopping
		}
	}
	c.state.Phase = outcome
	c.state.Outcome = outcome
	history := c.snapshot().History
	rec, runID := c.recorder, c.state.RunID
	c.mu.Unlock()

	if rec != nil {
		if stop != nil {
			c.recordEarlyStop(rec, runID, *stop, history)
		}
		rec.Flush(ctx)
	}

	c.mu.Lock()
	c.state.Phase = PhaseFinalized
	c.mu.Unlock()
}

// recordEarlyStop records stopped_epoch and, when best weights were
// restored, restored_epoch plus the restored epoch's metrics one step past
// the stopped epoch.
func (c *Lifecycle) recordEarlyStop(rec Recorder, runID string, st model.EarlyStoppingState, history []EpochLogs) {
	zero := int64(0)
	rec.RecordMetrics(map[string]float64{"stopped_epoch": float64(st.StoppedEpoch)}, &zero)

	if !st.RestoreBestWeights || !st.HasBestWeights || len(history) == 0 {
		return
	}
	idx := -1
	for i, h := range history {
		v, ok := h.Metrics[st.Monitor]
		if ok && v == st.Best {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.logger.Debug("callback: best value not found in monitored history",
			"monitor", st.Monitor, "run_id", runID)
		return
	}
	restoredEpoch := history[0].Epoch + idx
	rec.RecordMetrics(map[string]float64{"restored_epoch": float64(restoredEpoch)}, &zero)

	step := int64(st.StoppedEpoch) + 1
	rec.RecordMetrics(maps.Clone(history[idx].Metrics), &step)
}

// MarshalJSON serializes the callback state. Collaborators are not part of
// the state; restore them with Attach.
func (c *Lifecycle) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.State())
}

// UnmarshalJSON restores state produced by MarshalJSON.
func (c *Lifecycle) UnmarshalJSON(data []byte) error {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("callback: unmarshal state: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return nil
}
