package plume

import (
	"errors"
	"fmt"
)

// Stage names the pipeline phase a failure belongs to
type Stage string

const (
	StageMerge         Stage = "Merging"
	StageVisualization Stage = "Visualization"
)

// StageError tags a failure with the stage that produced it. Its message is
// the short user-facing form, e.g. "Merging failed: ...".
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// InputFormatError reports a missing column or an unparseable value in an
// input table. Line is 1-based and counts the header; 0 means the header.
type InputFormatError struct {
	Source string
	Line   int
	Column string
	Err    error
}

func (e *InputFormatError) Error() string {
	switch {
	case e.Line == 0 && e.Column != "":
		return fmt.Sprintf("%s: column %q: %v", e.Source, e.Column, e.Err)
	case e.Column != "":
		return fmt.Sprintf("%s line %d column %q: %v", e.Source, e.Line, e.Column, e.Err)
	case e.Line > 0:
		return fmt.Sprintf("%s line %d: %v", e.Source, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *InputFormatError) Unwrap() error { return e.Err }

// ErrMissingColumn is wrapped by InputFormatError for absent header columns
var ErrMissingColumn = errors.New("missing required column")

// ModelFitError means the outlier detector had too few rows to fit
type ModelFitError struct {
	Samples int
	Min     int
}

func (e *ModelFitError) Error() string {
	return fmt.Sprintf("outlier model needs at least %d samples, got %d", e.Min, e.Samples)
}

// RenderError is a reconstruction or artefact failure for one pollutant
type RenderError struct {
	Pollutant string
	Err       error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("rendering %s: %v", e.Pollutant, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
