package model

import (
	"errors"
	"fmt"
)

// DecisionError is an externally visible failure. It names the pipeline step
// and the resource (issuer, lock, confirmation, receipt) it concerns.
type DecisionError struct {
	Step     Step
	Code     ReasonCode
	Resource string
	Err      error
}

func (e *DecisionError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Step, e.Code)
	if e.Resource != "" {
		msg += " [" + e.Resource + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecisionError) Unwrap() error { return e.Err }

// Fail builds a DecisionError.
func Fail(step Step, code ReasonCode, resource string, err error) *DecisionError {
	return &DecisionError{Step: step, Code: code, Resource: resource, Err: err}
}

// ReasonOf returns the reason code carried by err, or ReasonInternal.
func ReasonOf(err error) ReasonCode {
	if err == nil {
		return ReasonNone
	}
	var de *DecisionError
	if errors.As(err, &de) {
		return de.Code
	}
	return ReasonInternal
}

// StepOf returns the step carried by err, or "" when unknown.
func StepOf(err error) Step {
	var de *DecisionError
	if errors.As(err, &de) {
		return de.Step
	}
	return ""
}
