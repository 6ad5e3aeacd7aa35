package actor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// HookFunc is the signature of lifecycle hooks.
// Hooks receive an ActionContext like actions do, and changes they make to the state are persisted.
type HookFunc func(ctx context.Context, actx *ActionContext) error

// StateChangeFunc is invoked after a state commit that changed the state.
// oldState and newState are copies and can be retained.
type StateChangeFunc func(ctx context.Context, actx *ActionContext, oldState State, newState State)

// Config contains the definition of an actor type.
type Config struct {
	// Initial state for new actors.
	// Mutually exclusive with CreateState.
	State State
	// Function that returns the initial state for new actors.
	// Mutually exclusive with State.
	CreateState func(ctx context.Context) (State, error)

	// Values available to actions in ActionContext.Vars.
	// Mutually exclusive with CreateVars.
	Vars Vars
	// Function that returns the vars every time the actor starts.
	// Mutually exclusive with Vars.
	CreateVars func(ctx context.Context) (Vars, error)

	// Actions the actor exposes.
	Actions Actions

	// Invoked once, when the actor is created for the first time, after the initial state is set.
	OnCreate HookFunc
	// Invoked in background every time the actor starts.
	OnStart HookFunc
	// Invoked after each state commit that changed the state.
	OnStateChange StateChangeFunc
	// Invoked when the actor is shutting down, before its scope is canceled.
	OnShutdown HookFunc
}

// Validate the configuration.
func (c *Config) Validate() error {
	if c.State != nil && c.CreateState != nil {
		return errors.New("properties State and CreateState are mutually exclusive")
	}
	if c.Vars != nil && c.CreateVars != nil {
		return errors.New("properties Vars and CreateVars are mutually exclusive")
	}

	for name, fn := range c.Actions {
		switch {
		case name == "":
			return errors.New("action names must not be empty")
		case strings.ContainsRune(name, ':'):
			return fmt.Errorf("action name '%s' is not valid: must not contain ':'", name)
		case fn == nil:
			return fmt.Errorf("action '%s' has a nil handler", name)
		}
	}

	return nil
}
