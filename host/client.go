package host

import (
	"context"
	"fmt"
	"slices"

	"github.com/italypaleale/actorfx/actor"
	"github.com/italypaleale/actorfx/internal/codec"
)

// Invoker is implemented by Host.
type Invoker interface {
	InvokeAction(ctx context.Context, actorType string, name string, action string, args ...any) (any, error)
	ActorActions(actorType string) ([]string, error)
}

// Client invokes actions on actors through a table of the actions each actor type exposes.
type Client struct {
	invoker Invoker
}

// NewClient returns a new Client.
func NewClient(invoker Invoker) *Client {
	return &Client{
		invoker: invoker,
	}
}

// Method is an action bound to an actor instance.
type Method func(ctx context.Context, args ...any) (any, error)

// InstanceFactory returns a client for an instance of an actor type.
type InstanceFactory func(name string) *InstanceClient

// Actor returns the factory for instances of an actor type.
func (c *Client) Actor(actorType string) (InstanceFactory, error) {
	actions, err := c.invoker.ActorActions(actorType)
	if err != nil {
		return nil, err
	}

	return func(name string) *InstanceClient {
		ic := &InstanceClient{
			invoker:   c.invoker,
			actorType: actorType,
			name:      name,
			actions:   actions,
			Methods:   make(map[string]Method, len(actions)),
		}
		for _, action := range actions {
			ic.Methods[action] = func(ctx context.Context, args ...any) (any, error) {
				return ic.invoker.InvokeAction(ctx, actorType, name, action, args...)
			}
		}
		return ic
	}, nil
}

// InstanceClient is a client for an actor instance.
type InstanceClient struct {
	// Methods bound to the actor instance; key is the action name
	Methods map[string]Method

	invoker   Invoker
	actorType string
	name      string
	actions   []string
}

// ActorType returns the type of the actor.
func (ic *InstanceClient) ActorType() string {
	return ic.actorType
}

// Name returns the name of the actor instance.
func (ic *InstanceClient) Name() string {
	return ic.name
}

// Actions returns the names of the actions the actor exposes.
func (ic *InstanceClient) Actions() []string {
	return slices.Clone(ic.actions)
}

// Invoke an action on the actor.
// Actions that the actor type doesn't expose are rejected with actor.ErrUnknownAction without calling the host.
func (ic *InstanceClient) Invoke(ctx context.Context, action string, args ...any) (any, error) {
	m, ok := ic.Methods[action]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", actor.ErrUnknownAction, action)
	}
	return m(ctx, args...)
}

// Call invokes an action on the actor and converts the result into R.
func Call[R any](ctx context.Context, ic *InstanceClient, action string, args ...any) (R, error) {
	var out R

	res, err := ic.Invoke(ctx, action, args...)
	if err != nil {
		return out, err
	}

	err = codec.Convert(res, &out)
	if err != nil {
		return out, fmt.Errorf("failed to convert result of action '%s': %w", action, err)
	}
	return out, nil
}
