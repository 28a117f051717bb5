// internal/errors/errors.go
package appErrors

import (
    "errors"
    "fmt"
)

var (
    // ErrEnrollmentInactive is returned when a task would be created for an enrollment that left active.
    ErrEnrollmentInactive = errors.New("enrollment is not active")
    // ErrTickInProgress is returned when a dispatch tick is requested while another one runs.
    ErrTickInProgress = errors.New("dispatch tick already in progress")
    // ErrBudgetExhausted is returned when a scope has no hourly or daily budget left.
    ErrBudgetExhausted = errors.New("deliverability budget exhausted")
    // ErrUnknownChannel is returned when no sender is registered for a channel.
    ErrUnknownChannel = errors.New("no sender registered for channel")
    // ErrInvalidSignal is returned for signals other than replied, converted or unsubscribed.
    ErrInvalidSignal = errors.New("invalid enrollment signal")
)

// ErrEnrollmentNotFound is returned when an enrollment lookup misses
type ErrEnrollmentNotFound struct {
    EnrollmentID string
}

func (e *ErrEnrollmentNotFound) Error() string {
    return fmt.Sprintf("enrollment with ID %s not found", e.EnrollmentID)
}

// Helper constructor
func NewEnrollmentNotFound(id string) error {
    return &ErrEnrollmentNotFound{EnrollmentID: id}
}

type ErrTaskNotFound struct {
    TaskID string
}

func (e *ErrTaskNotFound) Error() string {
    return fmt.Sprintf("scheduled task with ID %s not found", e.TaskID)
}

func NewTaskNotFound(id string) error {
    return &ErrTaskNotFound{TaskID: id}
}

// IsNotFound reports whether err is one of the not-found errors.
func IsNotFound(err error) bool {
    var enf *ErrEnrollmentNotFound
    var tnf *ErrTaskNotFound
    return errors.As(err, &enf) || errors.As(err, &tnf)
}
