package testutil

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ashita-ai/autolog/internal/model"
)

// ErrTrainingFailed is returned by simulated training when configured to fail.
var ErrTrainingFailed = errors.New("testutil: training failed")

// Layer is one layer of a simulated sequential model.
type Layer struct {
	Name  string
	Units int
}

// Adam is a simulated optimizer configuration.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	Amsgrad      bool
}

// NewAdam returns an Adam optimizer with the usual defaults.
func NewAdam(lr float64) Adam {
	return Adam{LearningRate: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-07}
}

func (a Adam) ConfigName() string { return "Adam" }

func (a Adam) Config() map[string]any {
	return map[string]any{
		"learning_rate": a.LearningRate,
		"beta_1":        a.Beta1,
		"beta_2":        a.Beta2,
		"epsilon":       a.Epsilon,
		"amsgrad":       a.Amsgrad,
	}
}

// History is what simulated fit returns.
type History struct {
	Epochs []int
	Logs   []model.Logs
}

// Stopper is implemented by callbacks that can end training early.
type Stopper interface {
	StopRequested() bool
}

// KerasModel simulates a compiled keras-style model.
type KerasModel struct {
	Layers []Layer
	Opt    model.Configurable

	// Curve returns the logs of an epoch. Defaults to DecayingLoss.
	Curve func(epoch int) model.Logs
	// BatchesPerEpoch is the number of batch events per epoch when the call
	// does not set steps_per_epoch. Defaults to 2.
	BatchesPerEpoch int

	// Fail makes training return it after FailAfter completed epochs.
	Fail      error
	FailAfter int
	// Panic makes training panic with it after the first epoch.
	Panic any

	SummaryErr error
	SaveErr    error

	// FitFunc is what FitGenerator delegates to. Defaults to Fit.
	FitFunc model.TrainFunc

	mu       sync.Mutex
	received []model.Call
}

// Summary renders a layer table.
func (m *KerasModel) Summary() (string, error) {
	if m.SummaryErr != nil {
		return "", m.SummaryErr
	}
	var b strings.Builder
	b.WriteString("Layer (type)    Output Shape\n")
	for _, l := range m.Layers {
		fmt.Fprintf(&b, "%s (Dense)    (None, %d)\n", l.Name, l.Units)
	}
	return b.String(), nil
}

// SaveModel writes a small model directory.
func (m *KerasModel) SaveModel(_ context.Context, dir string) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "MLmodel"), []byte("flavors:\n  keras: {}\n"), 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "data", "model.h5"), []byte("weights"), 0o600)
}

// Optimizer returns the model's optimizer, if any.
func (m *KerasModel) Optimizer() model.Configurable {
	return m.Opt
}

// Received returns the calls training saw, as they arrived.
func (m *KerasModel) Received() []model.Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Call(nil), m.received...)
}

// Fit trains for epochs [initial_epoch, epochs), delivering events to every
// callback in the list, and stops early when a Stopper asks for it.
func (m *KerasModel) Fit(ctx context.Context, call model.Call) (any, error) {
	m.mu.Lock()
	m.received = append(m.received, call)
	m.mu.Unlock()

	epochs := IntArg(call, 3, "epochs", 1)
	initial := IntArg(call, 11, "initial_epoch", 0)
	batches := IntArg(call, 12, "steps_per_epoch", m.BatchesPerEpoch)
	return m.train(ctx, CallbacksArg(call, 5, "callbacks"), initial, epochs, batches)
}

// FitGenerator converts its arguments and calls FitFunc with the same
// context, the way keras delegates fit_generator to fit.
func (m *KerasModel) FitGenerator(ctx context.Context, call model.Call) (any, error) {
	m.mu.Lock()
	m.received = append(m.received, call)
	fit := m.FitFunc
	m.mu.Unlock()
	if fit == nil {
		fit = m.Fit
	}

	kwargs := map[string]any{
		"epochs":          IntArg(call, 2, "epochs", 1),
		"steps_per_epoch": IntArg(call, 1, "steps_per_epoch", m.BatchesPerEpoch),
		"initial_epoch":   IntArg(call, 13, "initial_epoch", 0),
	}
	if v, ok := call.Arg(0, "generator"); ok {
		kwargs["x"] = v
	}
	if v, ok := call.Arg(4, "callbacks"); ok {
		kwargs["callbacks"] = v
	}
	return fit(ctx, model.Call{Target: call.Target, Kwargs: kwargs})
}

func (m *KerasModel) train(ctx context.Context, cbs []model.Callback, initial, epochs, batches int) (any, error) {
	curve := m.Curve
	if curve == nil {
		curve = DecayingLoss
	}
	if batches <= 0 {
		batches = 2
	}

	hist := &History{}
	for _, cb := range cbs {
		cb.OnTrainBegin(ctx, nil)
	}
	for epoch := initial; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return hist, err
		}
		if m.Fail != nil && epoch-initial == m.FailAfter {
			return hist, m.Fail
		}
		if m.Panic != nil && epoch-initial == 1 {
			panic(m.Panic)
		}
		logs := curve(epoch)
		for b := range batches {
			for _, cb := range cbs {
				cb.OnBatchEnd(ctx, b, model.Logs{"loss": logs["loss"], "batch": b})
			}
		}
		for _, cb := range cbs {
			cb.OnEpochEnd(ctx, epoch, logs)
		}
		hist.Epochs = append(hist.Epochs, epoch)
		hist.Logs = append(hist.Logs, logs)
		if stopRequested(cbs) {
			break
		}
	}
	for _, cb := range cbs {
		cb.OnTrainEnd(ctx, nil)
	}
	return hist, nil
}

func stopRequested(cbs []model.Callback) bool {
	for _, cb := range cbs {
		if s, ok := cb.(Stopper); ok && s.StopRequested() {
			return true
		}
	}
	return false
}

// DecayingLoss is a default learning curve: loss falls, accuracy rises.
func DecayingLoss(epoch int) model.Logs {
	loss := 1 / float64(epoch+1)
	return model.Logs{
		"loss":     loss,
		"accuracy": 1 - loss/2,
		"lr":       float32(0.001),
		"note":     "non-numeric values are ignored",
	}
}

// CurveFrom returns a curve reporting losses[epoch] as loss and val_loss.
// Epochs past the end repeat the last value.
func CurveFrom(losses ...float64) func(int) model.Logs {
	return func(epoch int) model.Logs {
		v := losses[min(epoch, len(losses)-1)]
		return model.Logs{"loss": v, "val_loss": v}
	}
}

// EarlyStopping simulates the keras EarlyStopping callback.
type EarlyStopping struct {
	Monitor            string
	MinDelta           float64
	Patience           int
	Baseline           *float64
	RestoreBestWeights bool
	Mode               string // "min" (default) or "max"
	Verbose            int

	mu           sync.Mutex
	wait         int
	stoppedEpoch int
	best         float64
	bestWeights  bool
	stop         bool
}

var _ model.Describer = (*EarlyStopping)(nil)

func (e *EarlyStopping) maximize() bool { return e.Mode == "max" }

func (e *EarlyStopping) improved(current, reference float64) bool {
	delta := math.Abs(e.MinDelta)
	if e.maximize() {
		return current-delta > reference
	}
	return current+delta < reference
}

func (e *EarlyStopping) OnTrainBegin(context.Context, model.Logs) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wait, e.stoppedEpoch, e.bestWeights, e.stop = 0, 0, false, false
	e.best = math.Inf(1)
	if e.maximize() {
		e.best = math.Inf(-1)
	}
	if e.Baseline != nil {
		e.best = *e.Baseline
	}
}

func (e *EarlyStopping) OnEpochEnd(_ context.Context, epoch int, logs model.Logs) {
	current, ok := model.ToFloat(logs[e.Monitor])
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wait++
	if e.improved(current, e.best) {
		e.best = current
		if e.RestoreBestWeights {
			e.bestWeights = true
		}
		e.wait = 0
	}
	if e.wait >= e.Patience && epoch > 0 {
		e.stoppedEpoch = epoch
		e.stop = true
	}
}

func (e *EarlyStopping) OnBatchEnd(context.Context, int, model.Logs) {}
func (e *EarlyStopping) OnTrainEnd(context.Context, model.Logs)      {}

// StopRequested reports whether training should stop.
func (e *EarlyStopping) StopRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stop
}

// Describe reports configuration and progress.
func (e *EarlyStopping) Describe() model.Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	mode := e.Mode
	if mode == "" {
		mode = "min"
	}
	return model.Descriptor{
		Kind: model.KindEarlyStopping,
		EarlyStopping: &model.EarlyStoppingState{
			Monitor:            e.Monitor,
			MinDelta:           e.MinDelta,
			Patience:           e.Patience,
			Baseline:           e.Baseline,
			RestoreBestWeights: e.RestoreBestWeights,
			Mode:               mode,
			Verbose:            e.Verbose,
			StopTraining:       e.stop,
			StoppedEpoch:       e.stoppedEpoch,
			Best:               e.best,
			HasBestWeights:     e.bestWeights,
		},
	}
}

// Recorder is a generic callback that remembers the epochs it saw.
type Recorder struct {
	mu     sync.Mutex
	Epochs []int
}

func (r *Recorder) OnTrainBegin(context.Context, model.Logs)    {}
func (r *Recorder) OnBatchEnd(context.Context, int, model.Logs) {}
func (r *Recorder) OnTrainEnd(context.Context, model.Logs)      {}

func (r *Recorder) OnEpochEnd(_ context.Context, epoch int, _ model.Logs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Epochs = append(r.Epochs, epoch)
}

// Seen returns the epochs observed so far.
func (r *Recorder) Seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.Epochs...)
}
