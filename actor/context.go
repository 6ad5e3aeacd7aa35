package actor

import (
	"log/slog"

	"github.com/italypaleale/actorfx/internal/codec"
)

// ActionContext is passed to actions and lifecycle hooks.
type ActionContext struct {
	// Working copy of the state.
	// Actions mutate it in place; changes are persisted when the action returns without error.
	State State
	// Vars for the actor, which are not persisted.
	Vars Vars
	// Scheduler for deferred actions on this actor.
	Schedule Scheduler
	// Logger scoped to the actor.
	Log *slog.Logger

	actorType string
	name      string
	events    EventSink
}

// ActorType returns the type of the actor.
func (c *ActionContext) ActorType() string {
	return c.actorType
}

// Name returns the name of the actor instance.
func (c *ActionContext) Name() string {
	return c.name
}

// Broadcast sends an event to all clients connected to the actor.
func (c *ActionContext) Broadcast(event string, data any) {
	if c.events == nil {
		c.Log.Debug("Broadcast event without a sink", slog.String("event", event))
		return
	}
	c.events.Broadcast(c.actorType, c.name, event, data)
}

// Send sends an event to a single connected client.
func (c *ActionContext) Send(connID string, event string, data any) {
	if c.events == nil {
		c.Log.Debug("Send event without a sink", slog.String("event", event), slog.String("connID", connID))
		return
	}
	c.events.Send(c.actorType, c.name, connID, event, data)
}

// GetState reads a value from the state, converting it into T.
// The result is a copy: changes to it aren't persisted unless it's assigned back to the state.
// If the key doesn't exist, returns the zero value.
func GetState[T any](actx *ActionContext, key string) (T, error) {
	var v T
	err := codec.Convert(actx.State[key], &v)
	return v, err
}
