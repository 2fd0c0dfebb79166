package pipeline

import (
	"errors"
	"fmt"

	"github.com/jonathan/company-intel/internal/types"
)

// ErrCancelled is returned by Run after a run was cancelled and run-cancelled was emitted.
var ErrCancelled = errors.New("run cancelled")

// InputError is a rejected run request. No snapshot is created for it.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ErrorKind distinguishes stage failures for diagnostics. Both kinds are
// reported to callers the same way.
type ErrorKind string

const (
	// KindUpstream is a failed crawl, agent or persistence call.
	KindUpstream ErrorKind = "upstream"
	// KindSchema is agent output that did not satisfy its contract.
	KindSchema ErrorKind = "schema"
)

// StageError is a fatal failure of one pipeline stage.
type StageError struct {
	Stage   types.Stage
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

func upstreamError(stage types.Stage, message string, cause error) *StageError {
	return &StageError{Stage: stage, Kind: KindUpstream, Message: message, Cause: cause}
}

func schemaError(stage types.Stage, message string, cause error) *StageError {
	return &StageError{Stage: stage, Kind: KindSchema, Message: message, Cause: cause}
}

// failureMessage is what a failed run records in Snapshot.error and run-error.
func failureMessage(err error) string {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		if stageErr.Cause != nil {
			return fmt.Sprintf("%s: %v", stageErr.Message, stageErr.Cause)
		}
		return stageErr.Message
	}
	if err == nil || err.Error() == "" {
		return "run failed"
	}
	return err.Error()
}
