package params

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/autolog/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var fitSchema = Schema{
	Name: "fit",
	Overloads: []Signature{{
		Excluded("x"),
		Excluded("y"),
		Param("batch_size", nil),
		Param("epochs", 1),
		Excluded("verbose"),
		Excluded("callbacks"),
		Param("validation_split", 0.0),
		Excluded("validation_data"),
		Param("shuffle", true),
	}},
}

type adam struct{}

func (adam) ConfigName() string { return "Adam" }
func (adam) Config() map[string]any {
	return map[string]any{
		"learning_rate": 0.001,
		"decay":         0.0,
		"beta_1":        0.9,
		"beta_2":        0.999,
		"epsilon":       1e-07,
		"amsgrad":       false,
		"schedule":      func() {},
	}
}

func TestStringify(t *testing.T) {
	type level int
	cases := []struct {
		in   any
		want string
	}{
		{nil, "None"},
		{true, "True"},
		{false, "False"},
		{8, "8"},
		{int64(-3), "-3"},
		{uint8(7), "7"},
		{level(2), "2"},
		{0.0, "0.0"},
		{1.0, "1.0"},
		{0.001, "0.001"},
		{1e-07, "1e-07"},
		{0.0001, "0.0001"},
		{123456789.0, "123456789.0"},
		{1e16, "1e+16"},
		{float32(0.5), "0.5"},
		{"adam", "adam"},
		{time.Second, "1s"},
		{[]int{1, 2}, "[1, 2]"},
		{[]string{"a", "b"}, "['a', 'b']"},
		{map[string]any{"b": 1, "a": "x"}, "{'a': 'x', 'b': 1}"},
		{[]float64(nil), "None"},
		{(*int)(nil), "None"},
		{errors.New("boom"), "boom"},
	}
	for _, tc := range cases {
		got, ok := Stringify(tc.in)
		require.True(t, ok, "%#v", tc.in)
		assert.Equal(t, tc.want, got, "%#v", tc.in)
	}

	for _, bad := range []any{func() {}, make(chan int), struct{ A int }{1}, []any{func() {}}} {
		_, ok := Stringify(bad)
		assert.False(t, ok, "%T", bad)
	}
}

func TestExtractPositionalKeywordAndDefaults(t *testing.T) {
	e := NewExtractor(testLogger())
	callbacks := []any{"cb"}
	got, errs := e.Extract(fitSchema, model.Call{
		Args:   []any{"data", "labels", 8},
		Kwargs: map[string]any{"epochs": 10, "callbacks": callbacks, "custom_flag": "on"},
	})
	assert.Empty(t, errs)
	assert.Equal(t, Set{
		"batch_size":       "8",
		"epochs":           "10",
		"validation_split": "0.0",
		"shuffle":          "True",
		"custom_flag":      "on",
	}, got)
}

func TestExtractNeverRecordsExcludedParams(t *testing.T) {
	e := NewExtractor(testLogger())
	got, errs := e.Extract(fitSchema, model.Call{
		Args: []any{"data", "labels", nil, 10, 1, []any{"cb"}},
		Kwargs: map[string]any{
			"validation_data": "val",
		},
	})
	assert.Empty(t, errs)
	for _, name := range []string{"x", "y", "verbose", "callbacks", "validation_data"} {
		assert.NotContains(t, got, name)
	}
	assert.Equal(t, "None", got["batch_size"])
	assert.Equal(t, "10", got["epochs"])
}

func TestExtractSkipsUnstringifiableValues(t *testing.T) {
	e := NewExtractor(testLogger())
	got, errs := e.Extract(fitSchema, model.Call{
		Kwargs: map[string]any{"x": "data", "epochs": 3, "hook": func() {}},
	})
	require.Len(t, errs, 1)
	var extErr *model.ExtractionError
	require.ErrorAs(t, errs[0], &extErr)
	assert.Equal(t, "hook", extErr.Param)
	assert.Equal(t, "3", got["epochs"])
	assert.NotContains(t, got, "hook")
}

func TestResolveOverloadByPositionalCount(t *testing.T) {
	// A parameter that moved between layouts: steps is 2nd in one, 3rd in the other.
	schema := Schema{
		Name: "train",
		Overloads: []Signature{
			{Excluded("input_fn"), Excluded("hooks"), Param("steps", nil)},
			{Excluded("input_fn"), Param("steps", nil), Excluded("hooks"), Param("max_steps", nil), Excluded("saving_listeners")},
		},
	}
	e := NewExtractor(testLogger())

	got, _ := e.Extract(schema, model.Call{Args: []any{"fn", nil, 100}})
	assert.Equal(t, "100", got["steps"])

	got, _ = e.Extract(schema, model.Call{Args: []any{"fn", 100, nil, 500}})
	assert.Equal(t, "100", got["steps"])
	assert.Equal(t, "500", got["max_steps"])

	sig, ok := schema.Resolve(6, nil)
	assert.False(t, ok)
	assert.Nil(t, sig)
}

func TestResolveRequiresMissingParamsByKeyword(t *testing.T) {
	schema := Schema{Overloads: []Signature{
		{Required("a"), Required("b")},
		{Required("a"), Param("b", 1)},
	}}
	sig, ok := schema.Resolve(1, nil)
	require.True(t, ok)
	assert.True(t, sig[1].HasDefault)

	sig, ok = schema.Resolve(1, map[string]any{"b": 2})
	require.True(t, ok)
	assert.False(t, sig[1].HasDefault)
}

func TestFlattenOptimizer(t *testing.T) {
	e := NewExtractor(testLogger())
	got, errs := e.Flatten(OptimizerPrefix, adam{})
	require.Len(t, errs, 1)
	assert.Equal(t, Set{
		"opt_name":          "Adam",
		"opt_learning_rate": "0.001",
		"opt_decay":         "0.0",
		"opt_beta_1":        "0.9",
		"opt_beta_2":        "0.999",
		"opt_epsilon":       "1e-07",
		"opt_amsgrad":       "False",
	}, got)
}

func TestConfigurableArgumentIsFlattened(t *testing.T) {
	e := NewExtractor(testLogger())
	got, _ := e.Extract(Schema{Overloads: []Signature{{Param("optimizer", nil)}}}, model.Call{Args: []any{adam{}}})
	assert.Equal(t, "Adam", got["optimizer_name"])
	assert.Equal(t, "0.9", got["optimizer_beta_1"])
}

func TestEarlyStoppingParams(t *testing.T) {
	got := EarlyStopping(model.EarlyStoppingState{
		Monitor:            "loss",
		MinDelta:           99999999,
		Patience:           5,
		RestoreBestWeights: true,
		Mode:               "auto",
		Verbose:            1,
	})
	assert.Equal(t, Set{
		"monitor":              "loss",
		"min_delta":            "99999999.0",
		"patience":             "5",
		"baseline":             "None",
		"restore_best_weights": "True",
	}, got)

	b := 0.5
	assert.Equal(t, "0.5", EarlyStopping(model.EarlyStoppingState{Baseline: &b})["baseline"])
}

func TestMerge(t *testing.T) {
	assert.Equal(t, Set{"a": "1", "b": "3"}, Merge(Set{"a": "1", "b": "2"}, Set{"b": "3"}))
}
