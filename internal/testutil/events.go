package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ashita-ai/autolog/internal/model"
)

// EventFile is the name of the file simulated event-log callbacks append to.
const EventFile = "events.out.tfevents"

// TensorBoard simulates an event-log callback writing one line per epoch
// under Dir/train.
type TensorBoard struct {
	Dir string

	mu     sync.Mutex
	writes int
}

var _ model.Describer = (*TensorBoard)(nil)

// NewTensorBoard builds an event-log callback; it satisfies
// model.EventLogFactory.
func NewTensorBoard(dir string) model.Callback {
	return &TensorBoard{Dir: dir}
}

func (t *TensorBoard) Describe() model.Descriptor {
	return model.Descriptor{Kind: model.KindEventLog, LogDir: t.Dir}
}

func (t *TensorBoard) OnTrainBegin(context.Context, model.Logs) {
	_ = os.MkdirAll(filepath.Join(t.Dir, "train"), 0o750)
}

func (t *TensorBoard) OnEpochEnd(_ context.Context, epoch int, logs model.Logs) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = appendEvent(filepath.Join(t.Dir, "train"), fmt.Sprintf("epoch=%d %s", epoch, formatLogs(logs)))
	t.writes++
}

func (t *TensorBoard) OnBatchEnd(context.Context, int, model.Logs) {}
func (t *TensorBoard) OnTrainEnd(context.Context, model.Logs)      {}

// Writes returns the number of epoch events written.
func (t *TensorBoard) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

func appendEvent(dir, line string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, EventFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // test fixture path
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = fmt.Fprintln(f, line)
	return err
}

func formatLogs(logs model.Logs) string {
	numeric := logs.Numeric()
	keys := make([]string, 0, len(numeric))
	for k := range numeric {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, numeric[k])
	}
	return strings.Join(parts, " ")
}
