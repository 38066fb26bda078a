package rest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ashita-ai/autolog/internal/model"
)

// Wire types of the MLflow REST API 2.0.

type wireKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type wireMetric struct {
	Key       string          `json:"key"`
	Value     model.JSONFloat `json:"value"`
	Timestamp int64           `json:"timestamp"`
	Step      int64           `json:"step"`
}

type wireRunInfo struct {
	RunID          string `json:"run_id"`
	ExperimentID   string `json:"experiment_id"`
	RunName        string `json:"run_name,omitempty"`
	Status         string `json:"status"`
	StartTime      int64  `json:"start_time,omitempty"`
	EndTime        int64  `json:"end_time,omitempty"`
	ArtifactURI    string `json:"artifact_uri"`
	LifecycleStage string `json:"lifecycle_stage"`
}

type wireRun struct {
	Info wireRunInfo `json:"info"`
	Data struct {
		Metrics []wireMetric `json:"metrics"`
		Params  []wireKV     `json:"params"`
		Tags    []wireKV     `json:"tags"`
	} `json:"data"`
}

type createRunRequest struct {
	ExperimentID string   `json:"experiment_id"`
	RunName      string   `json:"run_name,omitempty"`
	StartTime    int64    `json:"start_time"`
	Tags         []wireKV `json:"tags,omitempty"`
}

type runResponse struct {
	Run wireRun `json:"run"`
}

type updateRunRequest struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	EndTime int64  `json:"end_time,omitempty"`
}

type logBatchRequest struct {
	RunID   string       `json:"run_id"`
	Metrics []wireMetric `json:"metrics,omitempty"`
	Params  []wireKV     `json:"params,omitempty"`
	Tags    []wireKV     `json:"tags,omitempty"`
}

type searchRunsRequest struct {
	ExperimentIDs []string `json:"experiment_ids"`
	MaxResults    int      `json:"max_results"`
	OrderBy       []string `json:"order_by"`
	PageToken     string   `json:"page_token,omitempty"`
}

type searchRunsResponse struct {
	Runs          []wireRun `json:"runs"`
	NextPageToken string    `json:"next_page_token"`
}

type metricHistoryResponse struct {
	Metrics       []wireMetric `json:"metrics"`
	NextPageToken string       `json:"next_page_token"`
}

type listArtifactsResponse struct {
	RootURI string `json:"root_uri"`
	Files   []struct {
		Path     string  `json:"path"`
		IsDir    bool    `json:"is_dir"`
		FileSize flexInt `json:"file_size"`
	} `json:"files"`
	NextPageToken string `json:"next_page_token"`
}

type errorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func paramsToWire(in []model.Param) []wireKV {
	out := make([]wireKV, len(in))
	for i, p := range in {
		out[i] = wireKV{Key: p.Key, Value: p.Value}
	}
	return out
}

func tagsToWire(in []model.Tag) []wireKV {
	out := make([]wireKV, len(in))
	for i, t := range in {
		out[i] = wireKV{Key: t.Key, Value: t.Value}
	}
	return out
}

func toWireMetrics(in []model.Metric) []wireMetric {
	out := make([]wireMetric, len(in))
	for i, m := range in {
		out[i] = wireMetric{Key: m.Key, Value: model.JSONFloat(m.Value), Timestamp: m.Timestamp, Step: m.Step}
	}
	return out
}

func fromWireMetrics(in []wireMetric) []model.Metric {
	out := make([]model.Metric, len(in))
	for i, m := range in {
		out[i] = model.Metric{Key: m.Key, Value: float64(m.Value), Step: m.Step, Timestamp: m.Timestamp}
	}
	return out
}

func (r wireRun) toModel() model.Run {
	info := model.RunInfo{
		RunID:          r.Info.RunID,
		ExperimentID:   r.Info.ExperimentID,
		RunName:        r.Info.RunName,
		Status:         model.RunStatus(r.Info.Status),
		StartTime:      r.Info.StartTime,
		ArtifactURI:    r.Info.ArtifactURI,
		LifecycleStage: model.LifecycleStage(r.Info.LifecycleStage),
	}
	if r.Info.EndTime != 0 {
		end := r.Info.EndTime
		info.EndTime = &end
	}
	data := model.RunData{
		Metrics: make(map[string]float64, len(r.Data.Metrics)),
		Params:  make(map[string]string, len(r.Data.Params)),
		Tags:    make(map[string]string, len(r.Data.Tags)),
	}
	for _, m := range r.Data.Metrics {
		data.Metrics[m.Key] = float64(m.Value)
	}
	for _, p := range r.Data.Params {
		data.Params[p.Key] = p.Value
	}
	for _, t := range r.Data.Tags {
		data.Tags[t.Key] = t.Value
	}
	return model.Run{Info: info, Data: data}
}

// flexInt decodes int64 values servers send either as JSON numbers or as
// decimal strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("rest: invalid integer %s", b)
	}
	*f = flexInt(n)
	return nil
}
