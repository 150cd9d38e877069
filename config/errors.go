package config

import (
	"fmt"

	"github.com/hupe1980/annbench/engine"
)

// ErrUnknownAlgorithm is returned for an algoToRun value no engine answers to.
var ErrUnknownAlgorithm = engine.ErrUnknownAlgorithm

// FieldError names the configuration key at fault.
type FieldError struct {
	Field  string
	Reason string
	cause  error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return e.cause }

// ErrInputMissing is returned by the pre-flight check when a required input file
// cannot be accessed.
type ErrInputMissing struct {
	Field string
	Path  string
	cause error
}

func (e *ErrInputMissing) Error() string {
	return fmt.Sprintf("config: %s %q: %v", e.Field, e.Path, e.cause)
}

func (e *ErrInputMissing) Unwrap() error { return e.cause }
