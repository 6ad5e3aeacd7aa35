package host

import (
	"errors"
)

var (
	// ErrActorTypeUnsupported is returned when invoking an actor type that isn't registered in the host.
	ErrActorTypeUnsupported = errors.New("actor type is not supported by this host")
	// ErrHostNotRunning is returned when the host was stopped.
	ErrHostNotRunning = errors.New("host is not running")
	// ErrInvalidMethod is returned when a method name isn't in the format "actorType:action".
	ErrInvalidMethod = errors.New("method must be in the format 'actorType:action'")
)
