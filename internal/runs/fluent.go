// Package runs manages which run a training call logs into: the stack of
// runs started through the fluent API, and leases that let a training call
// end only the runs it created itself.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/tracking"
)

// ErrNoActiveRun is returned by End when no run is active.
var ErrNoActiveRun = errors.New("runs: no active run")

// StartOptions configures Fluent.Start.
type StartOptions struct {
	// RunID resumes an existing run instead of creating one.
	RunID        string
	ExperimentID string
	RunName      string
	Tags         []model.Tag
	// Nested allows starting a run while another one is active.
	Nested bool
}

// Fluent is the stack of runs the user started explicitly on one
// Autologger. Runs created by autologging never go on it: each training
// call owns its run privately, so concurrent calls cannot see each
// other's runs.
type Fluent struct {
	client       tracking.Client
	experimentID string
	logger       *slog.Logger

	mu    sync.Mutex
	stack []model.Run
}

// NewFluent creates an empty stack writing runs to client.
func NewFluent(client tracking.Client, experimentID string, logger *slog.Logger) *Fluent {
	if experimentID == "" {
		experimentID = model.DefaultExperimentID
	}
	return &Fluent{client: client, experimentID: experimentID, logger: logger}
}

// Client returns the tracking client runs are created with.
func (f *Fluent) Client() tracking.Client { return f.client }

// Start creates (or resumes) a run and makes it the active run.
func (f *Fluent) Start(ctx context.Context, opts StartOptions) (model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.stack) > 0 && !opts.Nested {
		return model.Run{}, fmt.Errorf("runs: run %s is already active; end it or start a nested run",
			f.stack[len(f.stack)-1].Info.RunID)
	}

	var (
		run model.Run
		err error
	)
	if opts.RunID != "" {
		run, err = f.client.GetRun(ctx, opts.RunID)
		if err != nil {
			return model.Run{}, fmt.Errorf("runs: resume run %s: %w", opts.RunID, err)
		}
		if !run.Active() {
			if err := f.client.UpdateRun(ctx, opts.RunID, model.RunStatusRunning, 0); err != nil {
				return model.Run{}, fmt.Errorf("runs: reactivate run %s: %w", opts.RunID, err)
			}
			run.Info.Status = model.RunStatusRunning
			run.Info.EndTime = nil
		}
	} else {
		expID := opts.ExperimentID
		if expID == "" {
			expID = f.experimentID
		}
		run, err = f.client.CreateRun(ctx, model.CreateRunParams{
			ExperimentID: expID,
			RunName:      opts.RunName,
			StartTime:    model.NowMillis(),
			Tags:         opts.Tags,
		})
		if err != nil {
			return model.Run{}, fmt.Errorf("runs: create run: %w", err)
		}
	}

	f.stack = append(f.stack, run)
	f.logger.Debug("runs: run started", "run_id", run.Info.RunID, "depth", len(f.stack))
	return run, nil
}

// Active returns the innermost active run.
func (f *Fluent) Active() (model.Run, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.stack) == 0 {
		return model.Run{}, false
	}
	return f.stack[len(f.stack)-1], true
}

// End terminates the innermost active run with status.
func (f *Fluent) End(ctx context.Context, status model.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.stack) == 0 {
		return ErrNoActiveRun
	}
	run := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	if err := f.client.UpdateRun(ctx, run.Info.RunID, status, model.NowMillis()); err != nil {
		return fmt.Errorf("runs: end run %s: %w", run.Info.RunID, err)
	}
	f.logger.Debug("runs: run ended", "run_id", run.Info.RunID, "status", status)
	return nil
}
