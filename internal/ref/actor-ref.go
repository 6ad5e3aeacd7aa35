package ref

import (
	"errors"
	"strings"
)

// ActorRef references an actor instance (type and name).
type ActorRef struct {
	ActorType string
	Name      string
}

// NewActorRef returns a new ActorRef.
func NewActorRef(actorType string, name string) ActorRef {
	return ActorRef{
		ActorType: actorType,
		Name:      name,
	}
}

// ParseActorRef parses a string in the format "actorType/name".
// The name can contain slashes, while the actor type can't.
func ParseActorRef(s string) (ActorRef, error) {
	actorType, name, ok := strings.Cut(s, "/")
	if !ok || actorType == "" || name == "" {
		return ActorRef{}, errors.New("invalid actor reference: must be in the format 'actorType/name'")
	}
	return NewActorRef(actorType, name), nil
}

// String implements fmt.Stringer.
// The value is also used as namespace for the actor's data in the provider.
func (r ActorRef) String() string {
	return r.ActorType + "/" + r.Name
}
