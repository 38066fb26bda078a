package tracking

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/ashita-ai/autolog/internal/model"
)

// Memory is an in-process Client. Artifacts are written to a repository
// under artifactRoot.
type Memory struct {
	RunArtifacts

	artifactRoot string

	mu      sync.RWMutex
	seq     int64
	runs    map[string]*memRun
	history map[string][]model.Metric
}

type memRun struct {
	seq  int64
	info model.RunInfo
	par  map[string]string
	tags map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory(artifactRoot string) *Memory {
	m := &Memory{
		artifactRoot: artifactRoot,
		runs:         make(map[string]*memRun),
		history:      make(map[string][]model.Metric),
	}
	m.RunArtifacts = RunArtifacts{ArtifactURI: m.artifactURI}
	return m
}

func (m *Memory) artifactURI(_ context.Context, runID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return "", fmt.Errorf("tracking: run %s: %w", runID, model.ErrNotFound)
	}
	return r.info.ArtifactURI, nil
}

func (m *Memory) CreateRun(_ context.Context, params model.CreateRunParams) (model.Run, error) {
	expID := params.ExperimentID
	if expID == "" {
		expID = model.DefaultExperimentID
	}
	start := params.StartTime
	if start == 0 {
		start = model.NowMillis()
	}
	id := NewRunID()
	r := &memRun{
		info: model.RunInfo{
			RunID:          id,
			ExperimentID:   expID,
			RunName:        params.RunName,
			Status:         model.RunStatusRunning,
			StartTime:      start,
			ArtifactURI:    RunArtifactURI(m.artifactRoot, expID, id),
			LifecycleStage: model.LifecycleActive,
		},
		par:  make(map[string]string),
		tags: make(map[string]string),
	}
	for _, t := range params.Tags {
		r.tags[t.Key] = t.Value
	}

	m.mu.Lock()
	m.seq++
	r.seq = m.seq
	m.runs[id] = r
	m.mu.Unlock()

	return m.snapshot(r), nil
}

// snapshot copies a run. Callers must not hold m.mu for writing elsewhere.
func (m *Memory) snapshot(r *memRun) model.Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return model.Run{
		Info: r.info,
		Data: model.RunData{
			Metrics: LatestMetrics(m.history[r.info.RunID]),
			Params:  maps.Clone(r.par),
			Tags:    maps.Clone(r.tags),
		},
	}
}

func (m *Memory) get(runID string) (*memRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("tracking: run %s: %w", runID, model.ErrNotFound)
	}
	return r, nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (model.Run, error) {
	r, err := m.get(runID)
	if err != nil {
		return model.Run{}, err
	}
	return m.snapshot(r), nil
}

func (m *Memory) UpdateRun(_ context.Context, runID string, status model.RunStatus, endTime int64) error {
	if !status.Valid() {
		return fmt.Errorf("tracking: invalid run status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("tracking: run %s: %w", runID, model.ErrNotFound)
	}
	r.info.Status = status
	if status.Terminal() {
		r.info.EndTime = &endTime
	} else {
		r.info.EndTime = nil
	}
	return nil
}

func (m *Memory) ListRuns(_ context.Context, experimentID string) ([]model.Run, error) {
	m.mu.RLock()
	var matched []*memRun
	for _, r := range m.runs {
		if experimentID == "" || r.info.ExperimentID == experimentID {
			matched = append(matched, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].info.StartTime != matched[j].info.StartTime {
			return matched[i].info.StartTime > matched[j].info.StartTime
		}
		return matched[i].seq > matched[j].seq
	})
	out := make([]model.Run, len(matched))
	for i, r := range matched {
		out[i] = m.snapshot(r)
	}
	return out, nil
}

func (m *Memory) LogBatch(_ context.Context, runID string, batch Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("tracking: run %s: %w", runID, model.ErrNotFound)
	}
	for _, p := range batch.Params {
		if old, exists := r.par[p.Key]; exists && old != p.Value {
			return fmt.Errorf("%w: %s (%q != %q)", ErrParamConflict, p.Key, old, p.Value)
		}
	}
	for _, p := range batch.Params {
		r.par[p.Key] = p.Value
	}
	for _, t := range batch.Tags {
		r.tags[t.Key] = t.Value
	}
	m.history[runID] = append(m.history[runID], batch.Metrics...)
	return nil
}

func (m *Memory) GetMetricHistory(_ context.Context, runID, key string) ([]model.Metric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, fmt.Errorf("tracking: run %s: %w", runID, model.ErrNotFound)
	}
	var out []model.Metric
	for _, mt := range m.history[runID] {
		if mt.Key == key {
			out = append(out, mt)
		}
	}
	return slices.Clip(out), nil
}
