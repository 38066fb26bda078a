package callback

import "encoding/json"

// IndexFamily is the indexing convention of the framework that drives a
// callback. It is fixed at construction.
type IndexFamily int

const (
	// ZeroIndexed frameworks number the first epoch 0.
	ZeroIndexed IndexFamily = iota
	// OneIndexed frameworks number the first step 1.
	OneIndexed
)

func (f IndexFamily) String() string {
	if f == OneIndexed {
		return "one_indexed"
	}
	return "zero_indexed"
}

// Base is the index of the first logging unit.
func (f IndexFamily) Base() int64 {
	if f == OneIndexed {
		return 1
	}
	return 0
}

func (f IndexFamily) MarshalJSON() ([]byte, error) { return json.Marshal(f.String()) }

func (f *IndexFamily) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*f = ZeroIndexed
	if s == "one_indexed" {
		*f = OneIndexed
	}
	return nil
}

// Unit is the event a callback samples metrics on.
type Unit int

const (
	UnitEpoch Unit = iota
	UnitStep
)

func (u Unit) String() string {
	if u == UnitStep {
		return "step"
	}
	return "epoch"
}

func (u Unit) MarshalJSON() ([]byte, error) { return json.Marshal(u.String()) }

func (u *Unit) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*u = UnitEpoch
	if s == "step" {
		*u = UnitStep
	}
	return nil
}

// Due reports whether index is a sampled point: the first unit of the
// family and every n-th unit after it.
func Due(family IndexFamily, index int64, n int) bool {
	if n <= 0 {
		n = 1
	}
	off := index - family.Base()
	return off >= 0 && off%int64(n) == 0
}

func (c *Lifecycle) due(index int64) bool {
	return Due(c.state.Family, index, c.state.LogEveryNSteps)
}
