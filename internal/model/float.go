package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// JSONFloat is a float64 whose JSON form spells non-finite values as the
// strings "NaN", "Infinity" and "-Infinity", the convention of protobuf
// JSON and of MLflow's REST API. A diverging model reports NaN losses, so
// every JSON path a metric value takes goes through this type.
type JSONFloat float64

func (f JSONFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Infinity"`), nil
	}
	return json.Marshal(v)
}

func (f *JSONFloat) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		switch s {
		case "NaN":
			*f = JSONFloat(math.NaN())
		case "Infinity", "inf", "+Infinity":
			*f = JSONFloat(math.Inf(1))
		case "-Infinity", "-inf":
			*f = JSONFloat(math.Inf(-1))
		default:
			return fmt.Errorf("model: invalid float %q", s)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = JSONFloat(v)
	return nil
}

type metricJSON struct {
	Key       string    `json:"key"`
	Value     JSONFloat `json:"value"`
	Step      int64     `json:"step"`
	Timestamp int64     `json:"timestamp"`
}

func (m Metric) MarshalJSON() ([]byte, error) {
	return json.Marshal(metricJSON{Key: m.Key, Value: JSONFloat(m.Value), Step: m.Step, Timestamp: m.Timestamp})
}

func (m *Metric) UnmarshalJSON(b []byte) error {
	var w metricJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = Metric{Key: w.Key, Value: float64(w.Value), Step: w.Step, Timestamp: w.Timestamp}
	return nil
}

type runDataJSON struct {
	Metrics map[string]JSONFloat `json:"metrics"`
	Params  map[string]string    `json:"params"`
	Tags    map[string]string    `json:"tags"`
}

func (d RunData) MarshalJSON() ([]byte, error) {
	w := runDataJSON{Params: d.Params, Tags: d.Tags}
	if d.Metrics != nil {
		w.Metrics = make(map[string]JSONFloat, len(d.Metrics))
		for k, v := range d.Metrics {
			w.Metrics[k] = JSONFloat(v)
		}
	}
	return json.Marshal(w)
}

func (d *RunData) UnmarshalJSON(b []byte) error {
	var w runDataJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*d = RunData{Params: w.Params, Tags: w.Tags}
	if w.Metrics != nil {
		d.Metrics = make(map[string]float64, len(w.Metrics))
		for k, v := range w.Metrics {
			d.Metrics[k] = float64(v)
		}
	}
	return nil
}
