package testutil

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ashita-ai/autolog/internal/model"
)

// Estimator simulates a step-driven estimator. Hooks receive one-indexed
// global steps.
type Estimator struct {
	// ModelDir, when set, receives event logs and is reported as the
	// estimator's log directory.
	ModelDir string
	// Loss returns the loss at a global step. Defaults to 1/step.
	Loss func(step int) float64
}

var _ model.LogDirProvider = (*Estimator)(nil)

// LogDir returns the model directory.
func (e *Estimator) LogDir() string { return e.ModelDir }

// Train runs `steps` (or `max_steps`) global steps.
func (e *Estimator) Train(ctx context.Context, call model.Call) (any, error) {
	steps := IntArg(call, 2, "steps", 0)
	if steps == 0 {
		steps = IntArg(call, 3, "max_steps", 0)
	}
	loss := e.Loss
	if loss == nil {
		loss = func(step int) float64 { return 1 / float64(step) }
	}
	hooks := CallbacksArg(call, 1, "hooks")

	for _, h := range hooks {
		h.OnTrainBegin(ctx, nil)
	}
	for step := 1; step <= steps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logs := model.Logs{"loss": loss(step), "global_step": step}
		for _, h := range hooks {
			h.OnBatchEnd(ctx, step, logs)
		}
	}
	if e.ModelDir != "" {
		if err := appendEvent(filepath.Join(e.ModelDir, "train"), fmt.Sprintf("steps=%d", steps)); err != nil {
			return nil, err
		}
	}
	for _, h := range hooks {
		h.OnTrainEnd(ctx, nil)
	}
	return e, nil
}
