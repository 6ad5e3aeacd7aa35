package host

import (
	"context"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/italypaleale/actorfx/actor"
	"github.com/italypaleale/actorfx/internal/ref"
)

// This file contains code adapted from https://github.com/dapr/dapr/tree/v1.14.5/
// Copyright (C) 2024 The Dapr Authors
// License: Apache2

// activeActor references an actor that is currently active on this host
type activeActor struct {
	// Actor reference
	ref ref.ActorRef

	// Runtime hosting the actor
	runtime *actor.Runtime

	// Configured max idle time for actors
	// A negative value means actors never become idle
	idleTimeout time.Duration

	// Time after which the actor is idle, in UNIX nanoseconds
	idleAt atomic.Int64

	clock clock.Clock

	// Set when the actor starts halting; halted is closed once its runtime has shut down
	halting atomic.Bool
	halted  chan struct{}
}

func newActiveActor(r ref.ActorRef, runtime *actor.Runtime, idleTimeout time.Duration, cl clock.Clock) *activeActor {
	if cl == nil {
		cl = &clock.RealClock{}
	}

	a := &activeActor{
		ref:         r,
		runtime:     runtime,
		idleTimeout: idleTimeout,
		clock:       cl,
		halted:      make(chan struct{}),
	}
	a.updateIdleAt()

	return a
}

// Updates the time the actor becomes idle at
func (a *activeActor) updateIdleAt() {
	a.idleAt.Store(a.clock.Now().Add(a.idleTimeout).UnixNano())
}

// IsIdle returns true if the actor has been idle for longer than the idle timeout.
func (a *activeActor) IsIdle(now time.Time) bool {
	if a.idleTimeout < 0 {
		return false
	}
	return now.UnixNano() >= a.idleAt.Load()
}

// Key returns the key for the actor, which is "actorType/name".
func (a *activeActor) Key() string {
	return a.ref.String()
}

// beginHalt marks the actor as halting.
// It returns false if another caller is already halting it.
func (a *activeActor) beginHalt() bool {
	return a.halting.CompareAndSwap(false, true)
}

// finishHalt releases the callers waiting for the actor to halt.
func (a *activeActor) finishHalt() {
	close(a.halted)
}

// IsHalting returns true if the actor is halting or halted.
func (a *activeActor) IsHalting() bool {
	return a.halting.Load()
}

// WaitHalted blocks until the runtime of a halting actor has shut down.
func (a *activeActor) WaitHalted(ctx context.Context) error {
	select {
	case <-a.halted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
