package etl

import (
	"errors"
	"fmt"
)

var (
	// ErrExtraction classifies malformed input documents and IO failures.
	ErrExtraction = errors.New("extraction error")

	// ErrTransformation classifies per-message and per-conversation failures.
	ErrTransformation = errors.New("transformation error")

	// ErrLoad classifies database constraint and connectivity failures.
	ErrLoad = errors.New("load error")

	// ErrValidation classifies contract violations at component boundaries.
	ErrValidation = errors.New("validation error")

	// ErrCheckpoint classifies checkpoint serialize/deserialize failures.
	ErrCheckpoint = errors.New("checkpoint error")

	// ErrCancelled is reported when a run is stopped via Cancel.
	ErrCancelled = errors.New("pipeline cancelled")

	// ErrInvalidState is returned on disallowed phase transitions.
	ErrInvalidState = errors.New("invalid pipeline state")
)

// Error is a classified pipeline error. Kind is one of the sentinel errors
// above so callers can match with errors.Is; Err carries the cause when one
// exists. Fatal errors stop the active phase; non-fatal errors are recorded
// on the run context and processing continues.
type Error struct {
	Kind  error
	Phase Phase
	Msg   string
	Err   error
	Fatal bool
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Phase == "" || e.Phase == PhaseIdle {
		return fmt.Sprintf("%v: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%v in %s phase: %s", e.Kind, e.Phase, msg)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewExtractionError creates a fatal extraction error. Extraction cannot
// partially succeed: without a valid document there is nothing to process.
func NewExtractionError(msg string, cause error) *Error {
	return &Error{Kind: ErrExtraction, Phase: PhaseExtract, Msg: msg, Err: cause, Fatal: true}
}

// NewTransformationError creates a non-fatal transformation error; the
// offending message or conversation is skipped and processing continues.
func NewTransformationError(msg string, cause error) *Error {
	return &Error{Kind: ErrTransformation, Phase: PhaseTransform, Msg: msg, Err: cause, Fatal: false}
}

// NewLoadError creates a fatal load error. Row-level constraint violations
// are recorded as non-fatal by constructing Error directly.
func NewLoadError(msg string, cause error) *Error {
	return &Error{Kind: ErrLoad, Phase: PhaseLoad, Msg: msg, Err: cause, Fatal: true}
}

// NewValidationError creates a fatal validation error for a contract
// violation at a component boundary.
func NewValidationError(msg string) *Error {
	return &Error{Kind: ErrValidation, Msg: msg, Fatal: true}
}

// NewCheckpointError creates a fatal checkpoint error.
func NewCheckpointError(msg string, cause error) *Error {
	return &Error{Kind: ErrCheckpoint, Msg: msg, Err: cause, Fatal: true}
}

// NewCancelledError creates the error reported when a run is cancelled
// during the given phase.
func NewCancelledError(phase Phase) *Error {
	return &Error{Kind: ErrCancelled, Phase: phase, Msg: "run cancelled", Fatal: true}
}

// IsFatal reports whether err is (or wraps) a fatal pipeline error.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Fatal
}
