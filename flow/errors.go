package flow

import (
	"context"
	"errors"
	"fmt"
)

const INSUFFICIENT_STOCK = "INSUFFICIENT_STOCK"
const INVALID_OWNERSHIP = "INVALID_OWNERSHIP"
const INVALID_REQUIREMENTS = "INVALID_REQUIREMENTS"
const ELIGIBILITY_INVALID = "ELIGIBILITY_INVALID"
const INVALID_INPUT = "INVALID_INPUT"
const INSUFFICIENT_FUNDS = "INSUFFICIENT_FUNDS"
const BLOCKCHAIN_TIMEOUT = "BLOCKCHAIN_TIMEOUT"
const TX_FAILED = "TX_FAILED"
const TX_PENDING = "TX_PENDING"
const NODE_UNAVAILABLE = "NODE_UNAVAILABLE"
const DB_UNAVAILABLE = "DB_UNAVAILABLE"
const HOST_UNAVAILABLE = "HOST_UNAVAILABLE"
const STEP_TIMEOUT = "STEP_TIMEOUT"
const STEP_PANIC = "STEP_PANIC"
const STEP_INTERRUPTED = "STEP_INTERRUPTED"
const STEP_ERROR = "STEP_ERROR"
const OUTPUT_ENCODING = "OUTPUT_ENCODING"
const UNKNOWN_DEFINITION = "UNKNOWN_DEFINITION"

// StepError is returned by step functions. Retryable is an explicit flag;
// nothing is inferred from the message.
type StepError struct {
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *StepError) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

func RetryableError(code string, err error) *StepError {
	return newStepError(code, err, true)
}

func TerminalError(code string, err error) *StepError {
	return newStepError(code, err, false)
}

func Retryablef(code string, format string, args ...any) *StepError {
	return &StepError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

func Terminalf(code string, format string, args ...any) *StepError {
	return &StepError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: false}
}

func newStepError(code string, err error, retryable bool) *StepError {
	se := &StepError{Code: code, Retryable: retryable, Cause: err}
	if err != nil {
		se.Message = err.Error()
	}
	return se
}

// Classify normalizes any error returned from a step. Errors that are not
// StepErrors are treated as transient.
func Classify(err error) *StepError {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RetryableError(STEP_TIMEOUT, err)
	}
	return RetryableError(STEP_ERROR, err)
}
