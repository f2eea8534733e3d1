package ordering

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrAlreadyPaid          = errors.New("order already paid")
	ErrNoPendingRequest     = errors.New("no pending cancellation request")
	ErrPendingRequestExists = errors.New("a cancellation request is already pending")
	ErrCancelWindowExpired  = errors.New("direct cancellation window has expired")
	ErrForbidden            = errors.New("operation not permitted for this actor")
	// ErrConcurrentModification is returned when the version check fails at write time
	ErrConcurrentModification = errors.New("order was modified concurrently")
	ErrInvalidOrder           = errors.New("invalid order")
	ErrOrderNotFound          = errors.New("order not found")
)

// StateError rejects an operation and carries the authoritative status of
// the order at the time of rejection
type StateError struct {
	Err     error
	Action  Action
	Current Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: cannot %s while order is %s", e.Err, e.Action, e.Current)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// CurrentStatus returns the status the order was in when the operation was rejected
func (e *StateError) CurrentStatus() string {
	return string(e.Current)
}

func stateError(err error, action Action, current Status) error {
	return &StateError{Err: err, Action: action, Current: current}
}
