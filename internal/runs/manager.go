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

// Manager hands out leases on the run a training call should log into.
type Manager struct {
	fluent *Fluent
	logger *slog.Logger
}

// NewManager creates a manager over fluent's active-run stack.
func NewManager(fluent *Fluent, logger *slog.Logger) *Manager {
	return &Manager{fluent: fluent, logger: logger}
}

// Lease is a training call's hold on a run. Only an owning lease ends the
// run.
type Lease struct {
	RunID string
	Owned bool

	client tracking.Client
	logger *slog.Logger

	once sync.Once
	err  error
}

// Begin returns a non-owning lease on the run the user started, if any.
// Otherwise it creates a private run tagged with tags and returns an
// owning lease on it. Private runs are not pushed on the fluent stack, so
// concurrent Begin calls without a user run always get distinct runs.
func (m *Manager) Begin(ctx context.Context, tags []model.Tag) (*Lease, error) {
	if run, ok := m.fluent.Active(); ok {
		return &Lease{RunID: run.Info.RunID, client: m.fluent.client, logger: m.logger}, nil
	}
	run, err := m.fluent.client.CreateRun(ctx, model.CreateRunParams{
		ExperimentID: m.fluent.experimentID,
		StartTime:    model.NowMillis(),
		Tags:         tags,
	})
	if err != nil {
		return nil, fmt.Errorf("runs: begin: %w", err)
	}
	m.logger.Debug("runs: autologged run created", "run_id", run.Info.RunID)
	return &Lease{RunID: run.Info.RunID, Owned: true, client: m.fluent.client, logger: m.logger}, nil
}

// End terminates the run if the lease owns it. On a non-owning lease it
// returns model.ErrNotOwned and leaves the run untouched. Repeated calls
// return the first result.
func (l *Lease) End(ctx context.Context, status model.RunStatus) error {
	l.once.Do(func() {
		if !l.Owned {
			l.err = fmt.Errorf("runs: end %s: %w", l.RunID, model.ErrNotOwned)
			return
		}
		if err := l.client.UpdateRun(ctx, l.RunID, status, model.NowMillis()); err != nil {
			l.err = fmt.Errorf("runs: end run %s: %w", l.RunID, err)
		}
	})
	return l.err
}

// Release ends the lease and absorbs the not-owned case, which is the
// normal outcome for training inside a user-started run. Other errors are
// returned.
func (l *Lease) Release(ctx context.Context, status model.RunStatus) error {
	err := l.End(ctx, status)
	if errors.Is(err, model.ErrNotOwned) {
		l.logger.Debug("runs: leaving externally started run open", "run_id", l.RunID)
		return nil
	}
	return err
}
