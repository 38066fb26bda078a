// Package integrations declares the training entry points autolog knows how
// to wrap: their parameter schemas, where their callback lists live and
// which indexing family drives their callbacks.
package integrations

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/ashita-ai/autolog/internal/callback"
	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/params"
)

// FlavorTensorFlow is the umbrella flavor for keras-style and
// estimator-style training.
const FlavorTensorFlow = "tensorflow"

// Integration describes one wrappable training entry point.
type Integration struct {
	Flavor string
	API    string
	Schema params.Schema
	Family callback.IndexFamily
	Unit   callback.Unit

	// CallbacksPos and CallbacksKw locate the callback list in a call.
	CallbacksPos int
	CallbacksKw  string

	// EventLog, when set, builds an event-log callback for calls that do
	// not bring their own.
	EventLog model.EventLogFactory
}

// WithEventLog returns a copy of the integration that injects event-log
// callbacks built by f.
func (i Integration) WithEventLog(f model.EventLogFactory) Integration {
	i.EventLog = f
	return i
}

// ErrCallbackList is returned by Callbacks when the callback argument is
// present but is not a list.
var ErrCallbackList = errors.New("integrations: callback argument is not a list")

// Callbacks returns the callback list of a call as a fresh []any. Any slice
// or array type is accepted. A missing or nil argument yields an empty
// list; a value that is not a list yields ErrCallbackList.
func (i Integration) Callbacks(call model.Call) ([]any, error) {
	v, ok := call.Arg(i.CallbacksPos, i.CallbacksKw)
	if !ok || v == nil {
		return nil, nil
	}
	switch cbs := v.(type) {
	case []any:
		return cbs, nil
	case []model.Callback:
		out := make([]any, len(cbs))
		for j, cb := range cbs {
			out[j] = cb
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: %s is %T", ErrCallbackList, i.CallbacksKw, v)
	}
	out := make([]any, rv.Len())
	for j := range out {
		out[j] = rv.Index(j).Interface()
	}
	return out, nil
}

// WithCallbacks returns a copy of call whose callback list is cbs, placed
// wherever the caller passed the original list. The caller's argument
// slice and keyword map are never modified.
func (i Integration) WithCallbacks(call model.Call, cbs []any) model.Call {
	out := call.Clone()
	if i.CallbacksPos >= 0 && i.CallbacksPos < len(out.Args) {
		out.Args[i.CallbacksPos] = cbs
		delete(out.Kwargs, i.CallbacksKw)
		return out
	}
	out.Kwargs[i.CallbacksKw] = cbs
	return out
}

// KerasFit is Model.fit of keras-style frameworks.
var KerasFit = Integration{
	Flavor: FlavorTensorFlow,
	API:    "fit",
	Schema: params.Schema{
		Name: "fit",
		Overloads: []params.Signature{{
			params.Excluded("x"),
			params.Excluded("y"),
			params.Param("batch_size", nil),
			params.Param("epochs", 1),
			params.Excluded("verbose"),
			params.Excluded("callbacks"),
			params.Param("validation_split", 0.0),
			params.Excluded("validation_data"),
			params.Param("shuffle", true),
			params.Param("class_weight", nil),
			params.Param("sample_weight", nil),
			params.Param("initial_epoch", 0),
			params.Param("steps_per_epoch", nil),
			params.Param("validation_steps", nil),
			params.Param("validation_batch_size", nil),
			params.Param("validation_freq", 1),
			params.Param("max_queue_size", 10),
			params.Param("workers", 1),
			params.Param("use_multiprocessing", false),
		}},
	},
	Family:       callback.ZeroIndexed,
	Unit:         callback.UnitEpoch,
	CallbacksPos: 5,
	CallbacksKw:  "callbacks",
}

// KerasFitGenerator is the generator-fed variant of fit.
var KerasFitGenerator = Integration{
	Flavor: FlavorTensorFlow,
	API:    "fit_generator",
	Schema: params.Schema{
		Name: "fit_generator",
		Overloads: []params.Signature{{
			params.Excluded("generator"),
			params.Param("steps_per_epoch", nil),
			params.Param("epochs", 1),
			params.Excluded("verbose"),
			params.Excluded("callbacks"),
			params.Excluded("validation_data"),
			params.Param("validation_steps", nil),
			params.Param("validation_freq", 1),
			params.Param("class_weight", nil),
			params.Param("max_queue_size", 10),
			params.Param("workers", 1),
			params.Param("use_multiprocessing", false),
			params.Param("shuffle", true),
			params.Param("initial_epoch", 0),
		}},
	},
	Family:       callback.ZeroIndexed,
	Unit:         callback.UnitEpoch,
	CallbacksPos: 4,
	CallbacksKw:  "callbacks",
}

// EstimatorTrain is Estimator.train; hooks receive one-indexed global steps.
var EstimatorTrain = Integration{
	Flavor: FlavorTensorFlow,
	API:    "train",
	Schema: params.Schema{
		Name: "train",
		Overloads: []params.Signature{{
			params.Excluded("input_fn"),
			params.Excluded("hooks"),
			params.Param("steps", nil),
			params.Param("max_steps", nil),
			params.Excluded("saving_listeners"),
		}},
	},
	Family:       callback.OneIndexed,
	Unit:         callback.UnitStep,
	CallbacksPos: 1,
	CallbacksKw:  "hooks",
}
