package models

import "errors"

// Conditions raised on contract violations. Callers match them with
// errors.Is; wrapped variants carry the job ID.
var (
	ErrJobIsCanceled             = errors.New("job is canceled")
	ErrJobAlreadyCommitted       = errors.New("job is already committed")
	ErrExclusiveModeIsAlreadySet = errors.New("exclusive mode is already set")
	ErrJobFactoryIsNotSet        = errors.New("job factory is not set")
	ErrPortBusy                  = errors.New("port is busy")
	ErrOutputAlreadyStarted      = errors.New("output stream already opened")
)

// IsContractViolation reports whether err is one of the conditions that
// send a job back to the queue instead of failing it.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrExclusiveModeIsAlreadySet) ||
		errors.Is(err, ErrJobIsCanceled) ||
		errors.Is(err, ErrOutputAlreadyStarted)
}
