package autolog

import (
	"context"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/autolog/internal/callback"
	"github.com/ashita-ai/autolog/internal/ctxutil"
	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/params"
	"github.com/ashita-ai/autolog/internal/runs"
	"github.com/ashita-ai/autolog/internal/service/batch"
	"github.com/ashita-ai/autolog/internal/tracking"
)

// Artifact paths inside a run.
const (
	artifactModelSummary = "model_summary.txt"
	artifactModel        = "model"
	artifactEventLogs    = "tensorboard_logs"
)

// invocation is the bookkeeping of one autologged training call.
type invocation struct {
	integ   Integration
	lease   *runs.Lease
	metrics *batch.Logger
	hook    *callback.Lifecycle

	logDir     string // event-log directory to upload, if any
	tempLogDir bool   // logDir was created by autolog and is removed afterwards
}

// Wrap returns fn instrumented for integ. The returned function has the
// same contract as fn: it returns fn's result and error unchanged, and
// panics propagate after the run is closed. Calls pass straight through
// when the integration's flavor is disabled or when the call happens
// inside another autologged training call.
func (a *Autologger) Wrap(integ Integration, fn TrainFunc) TrainFunc {
	return func(ctx context.Context, call Call) (any, error) {
		if a.registry.IsDisabled(integ.Flavor) {
			return fn(ctx, call)
		}
		if outer, nested := ctxutil.InAutologCall(ctx); nested {
			a.logger.Debug("autolog: nested training call, passing through",
				"api", integ.API, "outer_flavor", outer, "run_id", ctxutil.RunIDFromContext(ctx))
			return fn(ctx, call)
		}
		return a.invoke(ctx, integ, fn, call)
	}
}

func (a *Autologger) invoke(ctx context.Context, integ Integration, fn TrainFunc, call Call) (any, error) {
	ctx, span := a.tracer.Start(ctx, "autolog."+integ.API,
		trace.WithAttributes(attribute.String("autolog.flavor", integ.Flavor)))
	defer span.End()

	cbs, err := integ.Callbacks(call)
	if err != nil {
		a.logger.Warn("autolog: unrecognized callback argument, training without logging", "api", integ.API, "error", err)
		return fn(ctx, call)
	}

	lease, err := a.manager.Begin(ctx, []model.Tag{{Key: model.AutologgingTag, Value: integ.Flavor}})
	if err != nil {
		a.logger.Warn("autolog: no run available, training without logging", "api", integ.API, "error", err)
		return fn(ctx, call)
	}
	if a.cfg.Exclusive && !lease.Owned {
		a.logger.Debug("autolog: exclusive mode, not logging into user run", "api", integ.API, "run_id", lease.RunID)
		return fn(ctx, call)
	}
	span.SetAttributes(
		attribute.String("autolog.run_id", lease.RunID),
		attribute.Bool("autolog.run_owned", lease.Owned),
	)

	inv := &invocation{
		integ: integ,
		lease: lease,
		metrics: batch.New(lease.RunID, a.scheduler, a.logger, batch.Options{
			FlushEvery:    a.cfg.BatchFlushEvery,
			FlushInterval: a.cfg.FlushInterval,
		}),
	}

	stopper, _ := findCallback(cbs, model.KindEarlyStopping)

	a.logParams(ctx, inv, call, stopper)
	a.logSummary(ctx, inv, call.Target)
	trainCall := a.injectCallbacks(inv, call, cbs, stopper)

	completed := false
	defer func() {
		if !completed {
			// fn panicked; close the run before the panic continues.
			a.finalize(ctx, inv, call.Target, model.RunStatusFailed)
		}
	}()
	result, err := fn(ctxutil.WithAutologCall(ctx, integ.Flavor, lease.RunID), trainCall)
	completed = true

	status := model.RunStatusFinished
	if err != nil {
		status = model.RunStatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	a.finalize(ctx, inv, call.Target, status)
	return result, err
}

// logParams records the call's parameters, the optimizer configuration of
// the target and the configuration of an early-stopping callback.
func (a *Autologger) logParams(ctx context.Context, inv *invocation, call Call, stopper model.Describer) {
	sets := make([]params.Set, 0, 3)
	p, _ := a.extractor.Extract(inv.integ.Schema, call)
	sets = append(sets, p)

	if op, ok := call.Target.(model.OptimizerProvider); ok {
		if opt := op.Optimizer(); opt != nil {
			o, _ := a.extractor.Flatten(params.OptimizerPrefix, opt)
			sets = append(sets, o)
		}
	}
	if stopper != nil {
		if d := stopper.Describe(); d.EarlyStopping != nil {
			sets = append(sets, params.EarlyStopping(*d.EarlyStopping))
		}
	}

	merged := params.Merge(sets...)
	if err := tracking.LogParams(ctx, a.client, inv.lease.RunID, merged); err != nil {
		a.logger.Warn("autolog: failed to log params", "run_id", inv.lease.RunID, "count", len(merged), "error", err)
	}
}

// logSummary records the target's text summary as model_summary.txt.
func (a *Autologger) logSummary(ctx context.Context, inv *invocation, target any) {
	s, ok := target.(model.Summarizer)
	if !ok {
		return
	}
	summary, err := s.Summary()
	if err != nil {
		a.logger.Warn("autolog: model summary unavailable", "run_id", inv.lease.RunID, "error", err)
		return
	}
	dir, err := os.MkdirTemp("", "autolog-summary-")
	if err != nil {
		a.logger.Warn("autolog: create temp dir", "error", err)
		return
	}
	defer a.removeTemp(dir)

	path := filepath.Join(dir, artifactModelSummary)
	if err := os.WriteFile(path, []byte(summary), 0o600); err != nil {
		a.logger.Warn("autolog: write model summary", "error", err)
		return
	}
	if err := a.client.LogArtifact(ctx, inv.lease.RunID, path, ""); err != nil {
		a.logger.Warn("autolog: failed to log model summary", "run_id", inv.lease.RunID, "error", err)
	}
}

// injectCallbacks returns a copy of call whose callback list holds the
// caller's callbacks, an event-log callback when the caller brought none,
// and the metric-sampling callback last, so it observes early-stopping
// decisions made earlier in the same epoch.
func (a *Autologger) injectCallbacks(inv *invocation, call Call, cbs []any, stopper model.Describer) Call {
	out := make([]any, 0, len(cbs)+2)
	out = append(out, cbs...)

	if _, d := findCallback(cbs, model.KindEventLog); d.Kind == model.KindEventLog && d.LogDir != "" {
		inv.logDir = d.LogDir
	} else if p, ok := call.Target.(model.LogDirProvider); ok && p.LogDir() != "" {
		inv.logDir = p.LogDir()
	} else if inv.integ.EventLog != nil {
		dir, err := os.MkdirTemp("", "autolog-events-")
		if err != nil {
			a.logger.Warn("autolog: create event log dir", "error", err)
		} else {
			inv.logDir, inv.tempLogDir = dir, true
			out = append(out, inv.integ.EventLog(dir))
		}
	}

	inv.hook = callback.New(callback.Config{
		Recorder:       inv.metrics,
		LogEveryNSteps: a.cfg.EveryNIter,
		Family:         inv.integ.Family,
		Unit:           inv.integ.Unit,
		RunID:          inv.lease.RunID,
		EarlyStopper:   stopper,
		Logger:         a.logger,
	})
	out = append(out, inv.hook)
	return inv.integ.WithCallbacks(call, out)
}

// finalize flushes metrics, uploads artifacts and releases the run. It
// runs on a context detached from the caller's cancellation so that a
// cancelled training call still leaves a complete run behind.
func (a *Autologger) finalize(parent context.Context, inv *invocation, target any, status model.RunStatus) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finalizeTimeout)
	defer cancel()
	runID := inv.lease.RunID

	inv.metrics.Close(ctx)

	if inv.logDir != "" {
		if _, err := os.Stat(inv.logDir); err == nil {
			if err := a.client.LogArtifacts(ctx, runID, inv.logDir, artifactEventLogs); err != nil {
				a.logger.Warn("autolog: failed to log event logs", "run_id", runID, "error", err)
			}
		}
		if inv.tempLogDir {
			a.removeTemp(inv.logDir)
		}
	}

	if a.cfg.LogModels && status == model.RunStatusFinished {
		a.logModel(ctx, runID, target)
	}

	if err := inv.lease.Release(ctx, status); err != nil {
		a.logger.Warn("autolog: failed to end run", "run_id", runID, "status", status, "error", err)
	}
	a.logger.Debug("autolog: training call logged",
		"api", inv.integ.API,
		"run_id", runID,
		"owned", inv.lease.Owned,
		"status", status,
		"outcome", inv.hook.Outcome(),
	)
}

// logModel saves the target into a temporary directory and records it
// under the model artifact path.
func (a *Autologger) logModel(ctx context.Context, runID string, target any) {
	saver, ok := target.(model.ModelSaver)
	if !ok {
		return
	}
	dir, err := os.MkdirTemp("", "autolog-model-")
	if err != nil {
		a.logger.Warn("autolog: create model dir", "error", err)
		return
	}
	defer a.removeTemp(dir)

	if err := saver.SaveModel(ctx, dir); err != nil {
		a.logger.Warn("autolog: failed to save model", "run_id", runID, "error", err)
		return
	}
	if err := a.client.LogArtifacts(ctx, runID, dir, artifactModel); err != nil {
		a.logger.Warn("autolog: failed to log model", "run_id", runID, "error", err)
	}
}

func (a *Autologger) removeTemp(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		a.logger.Warn("autolog: remove temp dir", "dir", dir, "error", err)
	}
}

// findCallback returns the first callback describing itself as kind.
func findCallback(cbs []any, kind model.CallbackKind) (model.Describer, model.Descriptor) {
	for _, cb := range cbs {
		d, ok := cb.(model.Describer)
		if !ok {
			continue
		}
		if desc := d.Describe(); desc.Kind == kind {
			return d, desc
		}
	}
	return nil, model.Descriptor{}
}
