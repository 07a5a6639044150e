package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a machine-readable error code surfaced to API clients.
type Code string

const (
	CodeUnknown              Code = "UNKNOWN"
	CodeUnknownProcessType   Code = "UNKNOWN_PROCESS_TYPE"
	CodeProcessAlreadyActive Code = "PROCESS_ALREADY_ACTIVE"
	CodeProcessNotActive     Code = "PROCESS_NOT_ACTIVE"
	CodePrerequisitesNotMet  Code = "PREREQUISITES_NOT_MET"
	CodeIllegalTransition    Code = "ILLEGAL_TRANSITION"
	CodeAmbiguousTransition  Code = "AMBIGUOUS_TRANSITION"
	CodeInvalidValue         Code = "INVALID_VALUE"
	CodeNotApplicable        Code = "PROCESS_NOT_APPLICABLE"
	CodeNotFound             Code = "NOT_FOUND"
	CodeConflict             Code = "CONFLICT"
)

var (
	ErrUnknownProcessType   = errors.New("unknown process type")
	ErrProcessAlreadyActive = errors.New("process already active")
	ErrProcessNotActive     = errors.New("process not active")
	ErrPrerequisitesNotMet  = errors.New("prerequisites not met")
	ErrIllegalTransition    = errors.New("illegal transition")
	ErrAmbiguousTransition  = errors.New("ambiguous transition")
	ErrInvalidValue         = errors.New("invalid value")
	ErrNotApplicable        = errors.New("process not applicable")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("concurrent update")
)

type UnknownProcessTypeError struct {
	Type ProcessType
}

func (e UnknownProcessTypeError) Error() string {
	return fmt.Sprintf("unknown process type %s", e.Type)
}

func (e UnknownProcessTypeError) Unwrap() error { return ErrUnknownProcessType }

type ProcessAlreadyActiveError struct {
	Type       ProcessType
	ExistingID string
}

func (e ProcessAlreadyActiveError) Error() string {
	return fmt.Sprintf("process %s already active (instance %s)", e.Type, e.ExistingID)
}

func (e ProcessAlreadyActiveError) Unwrap() error { return ErrProcessAlreadyActive }

type ProcessNotActiveError struct {
	ProcessID string
	Status    ProcessStatus
}

func (e ProcessNotActiveError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("process %s is not active", e.ProcessID)
	}
	return fmt.Sprintf("process %s is not active (status %s)", e.ProcessID, e.Status)
}

func (e ProcessNotActiveError) Unwrap() error { return ErrProcessNotActive }

type PrerequisitesNotMetError struct {
	Type    ProcessType
	Missing []ProcessType
}

func (e PrerequisitesNotMetError) Error() string {
	names := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		names[i] = string(m)
	}
	return fmt.Sprintf("prerequisites not met for %s: %s", e.Type, strings.Join(names, ", "))
}

func (e PrerequisitesNotMetError) Unwrap() error { return ErrPrerequisitesNotMet }

// IllegalTransitionError lists exactly which conditions failed.
type IllegalTransitionError struct {
	Dimension Dimension
	From      string
	To        string
	Failed    []string
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s %s -> %s: %s", e.Dimension, e.From, e.To, strings.Join(e.Failed, "; "))
}

func (e IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// AmbiguousTransitionError is a rule-set authoring defect.
type AmbiguousTransitionError struct {
	Dimension Dimension
	From      string
	Rules     []string
}

func (e AmbiguousTransitionError) Error() string {
	return fmt.Sprintf("ambiguous transition on %s from %s: rules %s", e.Dimension, e.From, strings.Join(e.Rules, ", "))
}

func (e AmbiguousTransitionError) Unwrap() error { return ErrAmbiguousTransition }

type InvalidValueError struct {
	Dimension Dimension
	Value     string
}

func (e InvalidValueError) Error() string {
	return fmt.Sprintf("invalid %s value %q", e.Dimension, e.Value)
}

func (e InvalidValueError) Unwrap() error { return ErrInvalidValue }

// NotApplicableError rejects a process whose definition excludes the
// property's subtype.
type NotApplicableError struct {
	Type    ProcessType
	Subtype string
}

func (e NotApplicableError) Error() string {
	return fmt.Sprintf("process %s does not apply to subtype %s", e.Type, e.Subtype)
}

func (e NotApplicableError) Unwrap() error { return ErrNotApplicable }

// CodeOf maps an error chain to its machine code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownProcessType):
		return CodeUnknownProcessType
	case errors.Is(err, ErrProcessAlreadyActive):
		return CodeProcessAlreadyActive
	case errors.Is(err, ErrProcessNotActive):
		return CodeProcessNotActive
	case errors.Is(err, ErrPrerequisitesNotMet):
		return CodePrerequisitesNotMet
	case errors.Is(err, ErrIllegalTransition):
		return CodeIllegalTransition
	case errors.Is(err, ErrAmbiguousTransition):
		return CodeAmbiguousTransition
	case errors.Is(err, ErrInvalidValue):
		return CodeInvalidValue
	case errors.Is(err, ErrNotApplicable):
		return CodeNotApplicable
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	default:
		return CodeUnknown
	}
}
