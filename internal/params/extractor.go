package params

import (
	"fmt"
	"log/slog"
	"maps"
	"sort"

	"github.com/ashita-ai/autolog/internal/model"
)

// OptimizerPrefix is the prefix of flattened optimizer params.
const OptimizerPrefix = "opt"

// Set is an immutable-by-convention map of param name to rendered value.
type Set map[string]string

// Extractor builds parameter sets from training calls.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor creates an extractor that logs skipped values to logger.
func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract maps positional arguments to declared names, adds keyword
// arguments (declared or not) and the defaults of declared params that were
// not passed. Excluded params are never recorded. Values that cannot be
// rendered are skipped and reported as *model.ExtractionError.
func (e *Extractor) Extract(schema Schema, call model.Call) (Set, []error) {
	out := make(Set)
	var errs []error
	add := func(name string, v any) {
		if errs2 := addValue(out, name, v); len(errs2) > 0 {
			errs = append(errs, errs2...)
		}
	}

	sig, ok := schema.Resolve(len(call.Args), call.Kwargs)
	if !ok {
		// Nothing declared fits; record keyword arguments only.
		e.logger.Warn("params: no declared signature matches call",
			"api", schema.Name, "positional", len(call.Args))
	}

	passed := make(map[string]bool)
	for i, v := range call.Args {
		if i >= len(sig) {
			break
		}
		p := sig[i]
		passed[p.Name] = true
		if !p.Exclude {
			add(p.Name, v)
		}
	}

	for _, name := range sortedKeys(call.Kwargs) {
		if passed[name] {
			continue
		}
		passed[name] = true
		if schema.excluded(name) {
			continue
		}
		add(name, call.Kwargs[name])
	}

	for _, p := range sig {
		if passed[p.Name] || p.Exclude || !p.HasDefault {
			continue
		}
		add(p.Name, p.Default)
	}

	for _, err := range errs {
		e.logger.Warn("params: skipping param", "api", schema.Name, "error", err)
	}
	return out, errs
}

// Flatten renders a nested configuration object under prefix:
// <prefix>_name and <prefix>_<key> for every renderable key.
func (e *Extractor) Flatten(prefix string, c model.Configurable) (Set, []error) {
	out := make(Set)
	errs := flattenInto(out, prefix, c)
	for _, err := range errs {
		e.logger.Warn("params: skipping param", "prefix", prefix, "error", err)
	}
	return out, errs
}

// EarlyStopping renders the configuration of an early-stopping callback.
// Mode and verbosity are not recorded.
func EarlyStopping(st model.EarlyStoppingState) Set {
	baseline := "None"
	if st.Baseline != nil {
		baseline = formatFloat(*st.Baseline)
	}
	restore, _ := Stringify(st.RestoreBestWeights)
	return Set{
		"monitor":              st.Monitor,
		"min_delta":            formatFloat(st.MinDelta),
		"patience":             fmt.Sprint(st.Patience),
		"baseline":             baseline,
		"restore_best_weights": restore,
	}
}

// Merge returns a new set holding the entries of every set; later sets win.
func Merge(sets ...Set) Set {
	out := make(Set)
	for _, s := range sets {
		maps.Copy(out, s)
	}
	return out
}

func addValue(out Set, name string, v any) []error {
	if c, ok := v.(model.Configurable); ok {
		return flattenInto(out, name, c)
	}
	s, ok := Stringify(v)
	if !ok {
		return []error{&model.ExtractionError{Param: name, Type: fmt.Sprintf("%T", v)}}
	}
	out[name] = s
	return nil
}

func flattenInto(out Set, prefix string, c model.Configurable) []error {
	var errs []error
	out[prefix+"_name"] = c.ConfigName()
	cfg := c.Config()
	for _, k := range sortedKeys(cfg) {
		key := prefix + "_" + k
		s, ok := Stringify(cfg[k])
		if !ok {
			errs = append(errs, &model.ExtractionError{Param: key, Type: fmt.Sprintf("%T", cfg[k])})
			continue
		}
		out[key] = s
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
