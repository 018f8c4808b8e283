package orchestrator

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Engine implementations. The orchestrator
// tolerates ErrNotFound during retirement and ErrAlreadyExists during volume
// provisioning; everything else aborts the run.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// EngineError wraps a container engine failure with the operation and the
// resource it was acting on.
type EngineError struct {
	Op  string
	Ref string
	Err error
}

func (e *EngineError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// FailureKind classifies a fatal deployment failure.
type FailureKind string

const (
	MissingConfiguration        FailureKind = "MissingConfiguration"
	MissingDependency           FailureKind = "MissingDependency"
	RetireFailure               FailureKind = "RetireFailure"
	BuildFailure                FailureKind = "BuildFailure"
	ResourceProvisioningFailure FailureKind = "ResourceProvisioningFailure"
	StartFailure                FailureKind = "StartFailure"
	ReportFailure               FailureKind = "ReportFailure"
)

// StepError is a fatal step outcome. Remedy carries a short operator hint
// printed alongside the diagnostic.
type StepError struct {
	Kind   FailureKind
	Remedy string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func fatal(kind FailureKind, remedy string, err error) *StepError {
	return &StepError{Kind: kind, Remedy: remedy, Err: err}
}

// KindOf returns the failure kind of err, or an empty kind if err is not a
// StepError.
func KindOf(err error) FailureKind {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Kind
	}
	return ""
}
