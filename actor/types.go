package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/italypaleale/actorfx/internal/scheduler"
	timeutils "github.com/italypaleale/actorfx/internal/time"
)

// State is the persisted state of an actor.
// After every action, it contains only maps with string keys, slices of any, and scalar values.
type State = map[string]any

// Vars contains auxiliary values that live as long as the actor is running and are never persisted.
type Vars = map[string]any

// ScheduledAction is a deferred invocation of an action.
type ScheduledAction = scheduler.ScheduledAction

// Scheduler allows actions to schedule other actions on the same actor.
type Scheduler interface {
	// At schedules an action to run at the given time, returning its ID.
	// Times in the past return ErrInvalidSchedule.
	At(ctx context.Context, triggerAt time.Time, action string, args ...any) (string, error)
	// After schedules an action to run after the given delay, returning its ID.
	After(ctx context.Context, delay time.Duration, action string, args ...any) (string, error)
	// Get returns a scheduled action by ID.
	// If it doesn't exist, returns ErrScheduledActionNotFound.
	Get(ctx context.Context, id string) (ScheduledAction, error)
	// List returns all scheduled actions.
	List(ctx context.Context) ([]ScheduledAction, error)
	// Cancel removes a scheduled action.
	// Canceling an action that doesn't exist is not an error.
	Cancel(ctx context.Context, id string) error
}

// EventSink receives the events that actions publish to connected clients.
type EventSink interface {
	// Broadcast sends an event to all clients connected to the actor.
	Broadcast(actorType string, actorName string, event string, data any)
	// Send sends an event to a single client.
	Send(actorType string, actorName string, connID string, event string, data any)
}

// Lifecycle is the status of an actor runtime.
type Lifecycle int

const (
	Uninitialized Lifecycle = iota
	Created
	Running
	ShuttingDown
	Shutdown
)

func (l Lifecycle) String() string {
	switch l {
	case Uninitialized:
		return "uninitialized"
	case Created:
		return "created"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting-down"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("Lifecycle(%d)", int(l))
	}
}

// ScheduleRequest contains the options to schedule an action from outside the actor.
// Exactly one of At and After must be set.
type ScheduleRequest struct {
	// Absolute trigger time.
	// When parsed from JSON, it could be a RFC3339/ISO8601-formatted string, or a number indicating a UNIX timestamp in milliseconds
	At time.Time `json:"at"`
	// Delay from the current time.
	// When parsed from JSON, it can be an ISO-formatted duration, a Go duration string, or a number in milliseconds.
	// ISO durations with years or months don't have a fixed length and leave After empty: use Delay to resolve them.
	After time.Duration `json:"after"`
	// Arguments for the action.
	Args []any `json:"args"`

	// Delay parsed from JSON, with calendar units
	calendarAfter timeutils.Duration
}

// Delay returns the time from now until the action is due, for requests that use a delay.
// Years, months, and days of ISO durations parsed from JSON are counted on the calendar starting at now.
func (r ScheduleRequest) Delay(now time.Time) time.Duration {
	if r.calendarAfter.IsZero() {
		return r.After
	}
	return r.calendarAfter.AddTo(now).Sub(now)
}

// Validate the request.
func (r ScheduleRequest) Validate() error {
	hasAfter := r.After != 0 || !r.calendarAfter.IsZero()
	if r.At.IsZero() && !hasAfter {
		return fmt.Errorf("%w: one of 'at' and 'after' is required", ErrInvalidSchedule)
	}
	if !r.At.IsZero() && hasAfter {
		return fmt.Errorf("%w: 'at' and 'after' are mutually exclusive", ErrInvalidSchedule)
	}
	if r.After < 0 {
		return ErrInvalidSchedule
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for ScheduleRequest.
func (r *ScheduleRequest) UnmarshalJSON(data []byte) error {
	aux := struct {
		At    any   `json:"at"`
		After any   `json:"after"`
		Args  []any `json:"args"`
	}{}

	err := json.Unmarshal(data, &aux)
	if err != nil {
		return err
	}

	r.At, err = timeutils.ParseTime(aux.At)
	if err != nil {
		return fmt.Errorf("invalid at: %w", err)
	}

	// Calendar units are resolved when the action is scheduled
	r.calendarAfter, err = timeutils.ParseCalendarDelay(aux.After)
	if err != nil {
		return fmt.Errorf("invalid after: %w", err)
	}
	// Delays with years or months have no fixed length
	r.After, _ = r.calendarAfter.ToDuration()

	r.Args = aux.Args
	return nil
}
