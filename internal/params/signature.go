// Package params turns the arguments of a training call into the string
// parameter set recorded on a run.
package params

// ParamSpec declares one positional slot of a training entry point.
type ParamSpec struct {
	Name       string
	Default    any
	HasDefault bool
	// Exclude marks data, labels, callback lists and verbosity, which are
	// never recorded.
	Exclude bool
}

// Signature is the ordered positional parameter list of one overload.
type Signature []ParamSpec

// Schema declares a training entry point. APIs whose positional layout
// changed between framework versions declare one Signature per layout.
type Schema struct {
	Name      string
	Overloads []Signature
}

// Param declares a parameter with a default value.
func Param(name string, def any) ParamSpec {
	return ParamSpec{Name: name, Default: def, HasDefault: true}
}

// Required declares a parameter without a default.
func Required(name string) ParamSpec {
	return ParamSpec{Name: name}
}

// Excluded declares a parameter that is never recorded.
func Excluded(name string) ParamSpec {
	return ParamSpec{Name: name, Exclude: true}
}

// Resolve picks the overload for a call with nargs positional arguments:
// the first whose positional capacity fits and whose required parameters
// are all supplied positionally or by keyword.
func (s Schema) Resolve(nargs int, kwargs map[string]any) (Signature, bool) {
	for _, sig := range s.Overloads {
		if nargs > len(sig) {
			continue
		}
		ok := true
		for i, p := range sig {
			if i < nargs || p.HasDefault || p.Exclude {
				continue
			}
			if _, passed := kwargs[p.Name]; !passed {
				ok = false
				break
			}
		}
		if ok {
			return sig, true
		}
	}
	return nil, false
}

// Index returns the declared position of name, or -1.
func (sig Signature) Index(name string) int {
	for i, p := range sig {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// excluded reports whether name is excluded by any overload.
func (s Schema) excluded(name string) bool {
	for _, sig := range s.Overloads {
		if i := sig.Index(name); i >= 0 && sig[i].Exclude {
			return true
		}
	}
	return false
}
