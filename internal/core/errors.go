package core

// errors.go defines the pipeline's error taxonomy.
//
//   - Validation: malformed or missing fields; the item is rejected
//   - Duplicate: not a failure; the item is skipped
//   - Transient: network timeout or throttling; retried locally, then the item fails
//   - Permanent: auth failure or missing destination; the item fails immediately
//   - Fatal: setup failure; the run never starts
//
// Item-level errors never abort a batch. Every error carries the item, step,
// and cause so it can appear verbatim in a run report.

import (
	"errors"
	"fmt"
)

// ErrorClass is the taxonomy bucket of an error.
type ErrorClass string

const (
	ClassValidation ErrorClass = "validation"
	ClassDuplicate  ErrorClass = "duplicate"
	ClassTransient  ErrorClass = "transient"
	ClassPermanent  ErrorClass = "permanent"
	ClassFatal      ErrorClass = "fatal"
)

// Classifier decides whether an error may be retried.
// It must return ClassTransient or ClassPermanent.
type Classifier func(error) ErrorClass

// ClassifiedError attaches a class and the number of attempts made to a cause.
type ClassifiedError struct {
	Class    ErrorClass
	Attempts int
	Err      error
}

func (e *ClassifiedError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s error after %d attempts: %v", e.Class, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Fatal marks err as a setup-time fatal error.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassFatal, Err: err}
}

// IsFatal reports whether err is a setup-time fatal error.
func IsFatal(err error) bool {
	return ClassOf(err) == ClassFatal
}

// ClassOf returns the class recorded on err, defaulting to ClassPermanent for
// unclassified errors.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) && se.Class != "" {
		return se.Class
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, ErrUnparsable) || errors.Is(err, ErrUnhashable) {
		return ClassValidation
	}
	return ClassPermanent
}

// Step names used in StepError and reports.
const (
	StepDiscover = "discover"
	StepLoad     = "load"
	StepValidate = "validate"
	StepHash     = "hash"
	StepStore    = "store"
	StepUpload   = "upload"
)

// StepError records where in the pipeline an item failed.
type StepError struct {
	Item  string
	Step  string
	Class ErrorClass
	Err   error
}

// NewStepError builds a StepError, inheriting the class from err when possible.
func NewStepError(item, step string, err error) *StepError {
	return &StepError{Item: item, Step: step, Class: ClassOf(err), Err: err}
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s (%s): %v", e.Item, e.Step, e.Class, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
