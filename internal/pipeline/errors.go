package pipeline

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrTriggerUnreachable means the run request never got a response:
	// network failure, timeout or cancellation.
	ErrTriggerUnreachable = errors.ConstError("pipeline trigger unreachable")

	// ErrTriggerRejected means the pipeline API answered but did not start a
	// run. The concrete error is a *RejectedError.
	ErrTriggerRejected = errors.ConstError("pipeline trigger rejected")

	// ErrRunRequestInvalid means the run request could not be built, so
	// nothing was sent. Retrying the same batch fails the same way until the
	// script or config changes.
	ErrRunRequestInvalid = errors.ConstError("pipeline run request invalid")
)

// maxBodyInError bounds how much of a response body is kept for diagnostics.
const maxBodyInError = 4096

// RejectedError carries the response of a run request that did not start a
// pipeline run.
type RejectedError struct {
	StatusCode int
	Body       string
	Reason     string
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("%s: status %d", ErrTriggerRejected, e.StatusCode)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *RejectedError) Unwrap() error {
	return ErrTriggerRejected
}
