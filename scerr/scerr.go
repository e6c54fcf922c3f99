// Package scerr defines the error taxonomy shared by the scrna pipeline
// stages. Every stage failure is reported as an *Error carrying the stage
// name and enough context (offending dimension or identifier) for the caller
// to diagnose. Recoverable conditions (zero-variance gene, under-target
// feature count, capped rank) are not errors; stages report those through
// their result types instead.
package scerr

import (
	"errors"
	"fmt"
)

// Kind classifies a stage failure.
type Kind int

const (
	// InvalidInput indicates malformed or degenerate input: an empty matrix,
	// a zero-count cell, an empty feature set, or an edgeless graph.
	InvalidInput Kind = iota
	// DimensionError indicates a requested rank or neighbor count that
	// exceeds what the data supports.
	DimensionError
	// NumericInstability indicates an iterative solver that failed to
	// converge within its sweep limit.
	NumericInstability
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid input"
	case DimensionError:
		return "dimension error"
	case NumericInstability:
		return "numeric instability"
	}
	return fmt.Sprintf("unknown kind (%d)", int(k))
}

// Error is the concrete error type returned by pipeline stages.
type Error struct {
	Kind  Kind
	Stage string // e.g. "normalize", "pca", "louvain"
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Msg)
}

// E constructs a stage error. The message is formatted with fmt.Sprintf.
func E(kind Kind, stage, format string, args ...interface{}) error {
	return &Error{Kind: kind, Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is (or wraps) a stage error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
