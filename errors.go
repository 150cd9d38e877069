package annbench

import (
	"errors"
	"fmt"

	"github.com/hupe1980/annbench/config"
	"github.com/hupe1980/annbench/dataset"
	"github.com/hupe1980/annbench/recall"
	"github.com/hupe1980/annbench/sweep"
)

var (
	// ErrConfig classifies invalid configurations and sweep files.
	ErrConfig = errors.New("configuration error")

	// ErrDataIntegrity classifies malformed vector files.
	ErrDataIntegrity = errors.New("data integrity error")

	// ErrOutOfBounds classifies provider accesses past the dataset size.
	ErrOutOfBounds = errors.New("index out of bounds")

	// ErrGroundTruthDepth classifies a topK deeper than the ground-truth lists.
	ErrGroundTruthDepth = errors.New("ground truth too shallow")

	// ErrInputMissing classifies inputs that failed the pre-flight check.
	ErrInputMissing = errors.New("input missing")

	// ErrRunNotFound is returned by Replay for an unknown run id.
	ErrRunNotFound = errors.New("run not found")
)

// RunError reports a failed run.
//
// The classified cause can be inspected with errors.Is against the category
// sentinels and with errors.As against the package error types.
type RunError struct {
	RunID string
	Name  string
	cause error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s (%s): %v", e.RunID, e.Name, e.cause)
}

func (e *RunError) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Ground-truth depth first: materialization wraps it in a FieldError.
	var gd *recall.ErrGroundTruthDepth
	if errors.As(err, &gd) {
		return fmt.Errorf("%w: %w", ErrGroundTruthDepth, err)
	}

	var im *config.ErrInputMissing
	if errors.As(err, &im) {
		return fmt.Errorf("%w: %w", ErrInputMissing, err)
	}

	var fe *config.FieldError
	if errors.As(err, &fe) {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if errors.Is(err, config.ErrUnknownAlgorithm) ||
		errors.Is(err, sweep.ErrMissingMeta) ||
		errors.Is(err, sweep.ErrEmptyMatrix) {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	var oob *dataset.ErrOutOfBounds
	if errors.As(err, &oob) {
		return fmt.Errorf("%w: %w", ErrOutOfBounds, err)
	}

	var dm *dataset.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return fmt.Errorf("%w: %w", ErrDataIntegrity, err)
	}
	var id *dataset.ErrInvalidDimension
	if errors.As(err, &id) {
		return fmt.Errorf("%w: %w", ErrDataIntegrity, err)
	}
	var tr *dataset.ErrTruncatedRecord
	if errors.As(err, &tr) {
		return fmt.Errorf("%w: %w", ErrDataIntegrity, err)
	}
	if errors.Is(err, dataset.ErrUnknownFraming) || errors.Is(err, dataset.ErrNotIntegerFraming) {
		return fmt.Errorf("%w: %w", ErrDataIntegrity, err)
	}

	return err
}
