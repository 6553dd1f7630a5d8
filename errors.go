package peptune

import (
	"errors"
	"fmt"
)

//////
// Error taxonomy.
//////

var (
	// ErrUnknownMetric is returned when a metric name is requested that was
	// never registered. This is a programmer-facing configuration error and
	// is fatal at startup; it is never silently defaulted.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrUnknownModelFamily is returned when a model family name is requested
	// that was never registered. Fatal at startup, never defaulted.
	ErrUnknownModelFamily = errors.New("unknown model family")

	// ErrInvalidConfiguration is returned when sampled hyperparameters fall
	// outside a model family's valid domain. The trial is fatal but the
	// search is not: the session converts the failure into a worst-case
	// penalized observation.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrArtifactPersistence is returned when persisting an incumbent's
	// configuration or artifact fails. Fatal to the enclosing search: an
	// unpersisted incumbent must never be reported as the winner.
	ErrArtifactPersistence = errors.New("artifact persistence failed")

	// ErrRepresentationCompute is returned (per record) when a raw input
	// cannot be parsed into a valid molecular structure. The record is
	// dropped before model fitting; the batch is not fatal.
	ErrRepresentationCompute = errors.New("representation compute failed")
)

// TrialError wraps a trial failure together with the trial index that
// produced it, so that penalized observations stay attributable.
type TrialError struct {
	// Trial is the zero-based index of the failed trial.
	Trial int

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *TrialError) Error() string {
	return fmt.Sprintf("trial %d: %v", e.Trial, e.Err)
}

// Unwrap exposes the underlying failure to errors.Is and errors.As.
func (e *TrialError) Unwrap() error { return e.Err }

// invalidConfigf builds an ErrInvalidConfiguration with detail.
func invalidConfigf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

// persistencef builds an ErrArtifactPersistence with detail.
func persistencef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrArtifactPersistence, fmt.Sprintf(format, args...))
}
