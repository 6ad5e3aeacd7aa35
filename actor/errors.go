package actor

import (
	"errors"
	"fmt"

	"github.com/italypaleale/actorfx/internal/scheduler"
)

var (
	ErrNotRunning              = errors.New("actor is not running")
	ErrUnknownAction           = errors.New("unknown action")
	ErrStoreUnavailable        = errors.New("store is not available")
	ErrInvalidArguments        = errors.New("invalid arguments")
	ErrScheduledActionNotFound = scheduler.ErrNotFound
	ErrInvalidSchedule         = scheduler.ErrInvalidSchedule
)

// ActionError is returned when an action handler fails.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action '%s' failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
