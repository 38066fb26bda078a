package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotOwned is returned when ending a run the caller did not create.
var ErrNotOwned = errors.New("run not owned by this invocation")

// ExtractionError reports a parameter whose value could not be rendered.
type ExtractionError struct {
	Param string
	Type  string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("param %q: cannot stringify value of type %s", e.Param, e.Type)
}

// TransmissionError reports a metric batch the tracking client rejected.
type TransmissionError struct {
	RunID string
	Count int
	Err   error
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("log %d metrics for run %s: %v", e.Count, e.RunID, e.Err)
}

func (e *TransmissionError) Unwrap() error { return e.Err }
