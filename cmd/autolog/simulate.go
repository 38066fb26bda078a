package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/autolog"
	"github.com/ashita-ai/autolog/internal/telemetry"
)

type simulateFlags struct {
	epochs      int
	everyNIter  int
	patience    int
	restoreBest bool
	noise       float64
	seed        uint64
	epochDelay  time.Duration
	metricsAddr string
}

func newSimulateCmd(g *globalFlags, logger *slog.Logger) *cobra.Command {
	f := &simulateFlags{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated keras-style training session with autologging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulation(cmd, g, f, logger)
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&f.epochs, "epochs", 10, "number of epochs")
	fl.IntVar(&f.everyNIter, "every-n-iter", 1, "record metrics every n epochs")
	fl.IntVar(&f.patience, "patience", 0, "early-stopping patience on val_loss; 0 disables early stopping")
	fl.BoolVar(&f.restoreBest, "restore-best-weights", false, "restore the best epoch when early stopping")
	fl.Float64Var(&f.noise, "noise", 0.05, "noise added to the simulated loss curve")
	fl.Uint64Var(&f.seed, "seed", 1, "random seed")
	fl.DurationVar(&f.epochDelay, "epoch-delay", 0, "wall time per simulated epoch")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while simulating")
	return cmd
}

func runSimulation(cmd *cobra.Command, g *globalFlags, f *simulateFlags, logger *slog.Logger) error {
	ctx := cmd.Context()
	opts := []autolog.Option{autolog.WithEveryNIter(f.everyNIter)}
	if f.metricsAddr != "" {
		opts = append(opts, autolog.WithTelemetry(true), autolog.WithMetricsExporter("prometheus"))
	}
	al, err := g.open(logger, opts...)
	if err != nil {
		return err
	}
	defer shutdown(al, logger)
	al.Start(ctx)

	if f.metricsAddr != "" {
		stop, err := serveMetrics(f.metricsAddr, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	m := &simModel{
		rng:   rand.New(rand.NewPCG(f.seed, f.seed^0x9e3779b97f4a7c15)),
		noise: f.noise,
		delay: f.epochDelay,
	}
	var cbs []any
	if f.patience > 0 {
		cbs = append(cbs, &simEarlyStopping{monitor: "val_loss", patience: f.patience, restore: f.restoreBest})
	}
	fit := al.Wrap(autolog.KerasFit, m.Fit)
	if _, err := fit(ctx, autolog.Call{
		Target: m,
		Kwargs: map[string]any{"epochs": f.epochs, "batch_size": 32, "callbacks": cbs},
	}); err != nil {
		return fmt.Errorf("simulated training: %w", err)
	}

	listed, err := al.Client().ListRuns(ctx, g.experimentID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(listed) == 0 {
		return errors.New("simulation produced no run")
	}
	run := listed[0]
	if g.jsonOut {
		return writeJSON(cmd.OutOrStdout(), run)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", run.Info.RunID, run.Info.Status)
	return nil
}

func serveMetrics(addr string, logger *slog.Logger) (func(), error) {
	h := telemetry.MetricsHandler()
	if h == nil {
		return nil, errors.New("metrics: prometheus exporter is not active")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics: server failed", "error", err)
		}
	}()
	logger.Info("metrics: serving", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// simModel is a keras-style model whose validation loss falls and then
// drifts upward, so early stopping has something to catch.
type simModel struct {
	rng   *rand.Rand
	noise float64
	delay time.Duration
}

func (m *simModel) Summary() (string, error) {
	return strings.Join([]string{
		"Layer (type)         Output Shape    Param #",
		"dense (Dense)        (None, 64)      832",
		"dense_1 (Dense)      (None, 1)       65",
		"Total params: 897",
	}, "\n"), nil
}

func (m *simModel) Optimizer() autolog.Configurable { return simOptimizer{} }

func (m *simModel) SaveModel(_ context.Context, dir string) error {
	return os.WriteFile(filepath.Join(dir, "MLmodel"), []byte("flavors:\n  keras: {}\n"), 0o600)
}

func (m *simModel) Fit(ctx context.Context, call autolog.Call) (any, error) {
	epochs := 1
	if v, ok := call.Arg(3, "epochs"); ok {
		if n, ok := v.(int); ok {
			epochs = n
		}
	}
	var cbs []autolog.Callback
	if v, ok := call.Arg(5, "callbacks"); ok {
		if list, ok := v.([]any); ok {
			for _, c := range list {
				if cb, ok := c.(autolog.Callback); ok {
					cbs = append(cbs, cb)
				}
			}
		}
	}

	for _, cb := range cbs {
		cb.OnTrainBegin(ctx, nil)
	}
	for epoch := range epochs {
		if m.delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.delay):
			}
		}
		loss := math.Exp(-float64(epoch)/4) + m.noise*m.rng.Float64()
		valLoss := loss + 0.02*float64(epoch) + m.noise*m.rng.Float64()
		logs := autolog.Logs{"loss": loss, "val_loss": valLoss, "accuracy": 1 - loss/2}
		for _, cb := range cbs {
			cb.OnEpochEnd(ctx, epoch, logs)
		}
		if stopRequested(cbs) {
			break
		}
	}
	for _, cb := range cbs {
		cb.OnTrainEnd(ctx, nil)
	}
	return nil, nil
}

type simOptimizer struct{}

func (simOptimizer) ConfigName() string { return "SGD" }

func (simOptimizer) Config() map[string]any {
	return map[string]any{"learning_rate": 0.01, "momentum": 0.9, "nesterov": false}
}

func stopRequested(cbs []autolog.Callback) bool {
	for _, cb := range cbs {
		if es, ok := cb.(*simEarlyStopping); ok && es.stop {
			return true
		}
	}
	return false
}

// simEarlyStopping stops training once monitor has not improved for
// patience epochs.
type simEarlyStopping struct {
	monitor  string
	patience int
	restore  bool

	best         float64
	wait         int
	stoppedEpoch int
	stop         bool
}

func (e *simEarlyStopping) OnTrainBegin(context.Context, autolog.Logs) {
	e.best, e.wait, e.stoppedEpoch, e.stop = math.Inf(1), 0, 0, false
}

func (e *simEarlyStopping) OnEpochEnd(_ context.Context, epoch int, logs autolog.Logs) {
	v, ok := logs[e.monitor].(float64)
	if !ok {
		return
	}
	e.wait++
	if v < e.best {
		e.best, e.wait = v, 0
	}
	if e.wait >= e.patience && epoch > 0 {
		e.stoppedEpoch, e.stop = epoch, true
	}
}

func (e *simEarlyStopping) OnBatchEnd(context.Context, int, autolog.Logs) {}
func (e *simEarlyStopping) OnTrainEnd(context.Context, autolog.Logs)      {}

func (e *simEarlyStopping) Describe() autolog.Descriptor {
	return autolog.Descriptor{
		Kind: autolog.KindEarlyStopping,
		EarlyStopping: &autolog.EarlyStoppingState{
			Monitor:            e.monitor,
			Patience:           e.patience,
			RestoreBestWeights: e.restore,
			Mode:               "min",
			StopTraining:       e.stop,
			StoppedEpoch:       e.stoppedEpoch,
			Best:               e.best,
			HasBestWeights:     e.restore && !math.IsInf(e.best, 1),
		},
	}
}
