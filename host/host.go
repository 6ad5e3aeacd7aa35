package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/italypaleale/actorfx/actor"
	"github.com/italypaleale/actorfx/components"
	"github.com/italypaleale/actorfx/internal/ref"
	"github.com/italypaleale/actorfx/metrics"
)

// This file contains code adapted from https://github.com/dapr/dapr/tree/v1.14.5/
// Copyright (C) 2024 The Dapr Authors
// License: Apache2

const (
	defaultActorsMapSize         = 128
	defaultIdleTimeout           = 15 * time.Minute
	defaultDueTimersPollInterval = 5 * time.Second
	defaultShutdownGracePeriod   = 30 * time.Second

	// Number of times an invocation is retried when the actor gets deactivated while the call is waiting
	maxActivationAttempts = 3
)

// Host is an actor host.
// It activates actors on demand, using the provider's storage and timers, and deactivates them when they're idle.
type Host struct {
	running atomic.Bool
	stopped atomic.Bool
	// Closed when the provider is initialized
	ready chan struct{}
	// Closed when Run returns
	done chan struct{}

	provider components.Provider

	// Actor definitions; key is actor type
	definitions map[string]*actor.Definition

	// Active actors; key is "actorType/name"
	actors *haxmap.Map[string, *activeActor]

	idleTimeout           time.Duration
	dueTimersPollInterval time.Duration
	shutdownGracePeriod   time.Duration
	onAlarmError          func(actorType string, name string, err error)

	log     *slog.Logger
	metrics metrics.RuntimeMetrics
	events  actor.EventSink
	clock   clock.WithTicker
}

// NewHost returns a new actor host.
func NewHost(opts ...HostOption) (*Host, error) {
	o := newHostOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	if o.Provider == nil {
		return nil, errors.New("option Provider is required")
	}

	// Set a default logger, which sends logs to /dev/null, if none is passed
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}

	// Init a real clock if none is passed
	if o.clock == nil {
		o.clock = &clock.RealClock{}
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Nop()
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.DueTimersPollInterval <= 0 {
		o.DueTimersPollInterval = defaultDueTimersPollInterval
	}
	if o.ShutdownGracePeriod <= 0 {
		o.ShutdownGracePeriod = defaultShutdownGracePeriod
	}

	return &Host{
		ready:                 make(chan struct{}),
		done:                  make(chan struct{}),
		provider:              o.Provider,
		definitions:           map[string]*actor.Definition{},
		actors:                haxmap.New[string, *activeActor](defaultActorsMapSize),
		idleTimeout:           o.IdleTimeout,
		dueTimersPollInterval: o.DueTimersPollInterval,
		shutdownGracePeriod:   o.ShutdownGracePeriod,
		onAlarmError:          o.OnAlarmError,
		log:                   o.Logger,
		metrics:               o.Metrics,
		events:                o.Events,
		clock:                 o.clock,
	}, nil
}

// Register an actor type in the host.
// Must be called before Run.
func (h *Host) Register(actorType string, def *actor.Definition) error {
	if h.running.Load() || h.stopped.Load() {
		return errors.New("cannot call Register after host has started")
	}

	switch {
	case actorType == "":
		return errors.New("actor type must not be empty")
	case strings.ContainsAny(actorType, "/:"):
		return fmt.Errorf("actor type '%s' is not valid: must not contain '/' or ':'", actorType)
	case def == nil:
		return errors.New("actor definition is nil")
	}

	_, exists := h.definitions[actorType]
	if exists {
		return fmt.Errorf("actor type '%s' is already registered", actorType)
	}

	h.definitions[actorType] = def
	return nil
}

// ActorActions returns the names of the actions of an actor type.
func (h *Host) ActorActions(actorType string) ([]string, error) {
	def, ok := h.definitions[actorType]
	if !ok {
		return nil, ErrActorTypeUnsupported
	}
	return def.Actions(), nil
}

// Run the host.
// It initializes the provider, then runs it together with the background processing of due timers and idle actors.
// Note this function is blocking, and will return only when the host is shut down via context cancellation.
// When it returns, all active actors are halted and the provider is closed.
func (h *Host) Run(parentCtx context.Context) error {
	if h.stopped.Load() {
		return ErrHostNotRunning
	}
	if !h.running.CompareAndSwap(false, true) {
		return components.ErrAlreadyRunning
	}
	defer close(h.done)

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	err := h.provider.Init(ctx)
	if err != nil {
		h.stopped.Store(true)
		return fmt.Errorf("failed to init provider: %w", err)
	}
	close(h.ready)

	h.log.InfoContext(ctx, "Actor host started", slog.Int("actorTypes", len(h.definitions)))

	// Upon returning, halt all actors and close the provider
	defer func() {
		// Use a background context here as the parent one is likely canceled at this point
		haltCtx, haltCancel := context.WithTimeout(context.Background(), h.shutdownGracePeriod)
		defer haltCancel()

		h.stopped.Store(true)

		haltErr := h.HaltAll(haltCtx)
		if haltErr != nil {
			h.log.WarnContext(haltCtx, "Error halting actors", slog.Any("error", haltErr))
		}

		closeErr := h.provider.Close()
		if closeErr != nil {
			h.log.WarnContext(haltCtx, "Error closing provider", slog.Any("error", closeErr))
		}

		h.log.InfoContext(haltCtx, "Actor host stopped")
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.provider.Run(gctx)
	})
	g.Go(func() error {
		return h.runBackgroundTasks(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// waitReady blocks until the host is running.
func (h *Host) waitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		if h.stopped.Load() {
			return ErrHostNotRunning
		}
		return nil
	case <-h.done:
		return ErrHostNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke invokes an action on an actor.
// The method is in the format "actorType:action".
func (h *Host) Invoke(ctx context.Context, method string, name string, args ...any) (any, error) {
	actorType, action, ok := strings.Cut(method, ":")
	if !ok || actorType == "" || action == "" {
		return nil, ErrInvalidMethod
	}
	return h.InvokeAction(ctx, actorType, name, action, args...)
}

// InvokeAction invokes an action on an actor, activating the actor if needed.
func (h *Host) InvokeAction(ctx context.Context, actorType string, name string, action string, args ...any) (any, error) {
	var res any
	err := h.withActor(ctx, actorType, name, func(act *activeActor) (err error) {
		res, err = act.runtime.RunAction(ctx, action, args...)
		return err
	})
	return res, err
}

// Alarm forwards an alarm from the environment to the actor, activating it if needed.
func (h *Host) Alarm(ctx context.Context, actorType string, name string) error {
	return h.withActor(ctx, actorType, name, func(act *activeActor) error {
		return act.runtime.TriggerAlarm(ctx)
	})
}

// State returns a copy of the committed state of an actor, activating it if needed.
func (h *Host) State(ctx context.Context, actorType string, name string) (actor.State, error) {
	var res actor.State
	err := h.withActor(ctx, actorType, name, func(act *activeActor) error {
		res = act.runtime.State()
		return nil
	})
	return res, err
}

// Schedule schedules an action on an actor, activating it if needed.
func (h *Host) Schedule(ctx context.Context, actorType string, name string, action string, req actor.ScheduleRequest) (string, error) {
	err := req.Validate()
	if err != nil {
		return "", err
	}

	def, ok := h.definitions[actorType]
	if !ok {
		return "", ErrActorTypeUnsupported
	}
	if !def.HasAction(action) {
		return "", fmt.Errorf("%w: '%s'", actor.ErrUnknownAction, action)
	}

	var id string
	err = h.withActor(ctx, actorType, name, func(act *activeActor) error {
		sched, err := act.runtime.Schedule()
		if err != nil {
			return err
		}

		if req.At.IsZero() {
			id, err = sched.After(ctx, req.Delay(h.clock.Now()), action, req.Args...)
		} else {
			id, err = sched.At(ctx, req.At, action, req.Args...)
		}
		return err
	})
	return id, err
}

// withActor invokes fn with an active actor.
// If the actor is deactivated while fn is running, it's activated again and fn is retried.
func (h *Host) withActor(ctx context.Context, actorType string, name string, fn func(act *activeActor) error) error {
	err := h.waitReady(ctx)
	if err != nil {
		return err
	}

	if name == "" {
		return errors.New("actor name is empty")
	}

	r := ref.NewActorRef(actorType, name)
	for attempt := 1; ; attempt++ {
		act, err := h.activate(ctx, r)
		if err == nil {
			act.updateIdleAt()
			err = fn(act)
		}

		if isNotRunning(err) && attempt < maxActivationAttempts {
			// The actor was deactivated in the meanwhile
			h.log.DebugContext(ctx, "Actor was halted, activating it again", slog.String("actorRef", r.String()))
			continue
		}
		return err
	}
}

// isNotRunning returns true if the runtime wasn't running, but not if the error comes from within an action.
func isNotRunning(err error) bool {
	var actionErr *actor.ActionError
	return errors.Is(err, actor.ErrNotRunning) && !errors.As(err, &actionErr)
}

// activate returns the active actor, creating or starting it if needed.
func (h *Host) activate(ctx context.Context, r ref.ActorRef) (*activeActor, error) {
	if h.stopped.Load() {
		return nil, ErrHostNotRunning
	}

	def, ok := h.definitions[r.ActorType]
	if !ok {
		return nil, ErrActorTypeUnsupported
	}

	key := r.String()
	for {
		act, _ := h.actors.GetOrCompute(key, func() *activeActor {
			return newActiveActor(r, h.newRuntime(r, def), h.idleTimeout, h.clock)
		})

		// The entry stays in the table until the runtime has shut down, so a new runtime never overlaps with the old one
		if act.IsHalting() {
			err := act.WaitHalted(ctx)
			if err != nil {
				return nil, err
			}
			continue
		}

		// This is a no-op if the actor is already running
		err := act.runtime.CreateOrStart(ctx, h.provider.Store(key), h.provider.Timer(key))
		if err != nil {
			return nil, fmt.Errorf("failed to activate actor '%s': %w", key, err)
		}

		return act, nil
	}
}

func (h *Host) newRuntime(r ref.ActorRef, def *actor.Definition) *actor.Runtime {
	return def.NewRuntime(actor.RuntimeOptions{
		ActorType: r.ActorType,
		Name:      r.Name,
		Logger:    h.log,
		Clock:     h.clock,
		Metrics:   h.metrics,
		Events:    h.events,
		OnAlarmError: func(err error) {
			if h.onAlarmError != nil {
				h.onAlarmError(r.ActorType, r.Name, err)
			}
		},
	})
}

// Halt deactivates an actor, if it's active.
// The actor completes the action in progress and runs its shutdown hook.
// Invocations received while the actor is halting wait for it to shut down, then activate a new runtime.
func (h *Host) Halt(ctx context.Context, actorType string, name string) error {
	key := ref.NewActorRef(actorType, name).String()

	// If nothing was loaded, the actor was probably already deactivated
	act, ok := h.actors.Get(key)
	if !ok || act == nil {
		return nil
	}

	return h.haltActor(ctx, key, act)
}

// HaltAll deactivates all active actors.
func (h *Host) HaltAll(ctx context.Context) error {
	// Entries are removed while halting, so collect them first
	acts := make(map[string]*activeActor, h.actors.Len())
	h.actors.ForEach(func(key string, act *activeActor) bool {
		acts[key] = act
		return true
	})

	var g errgroup.Group
	for key, act := range acts {
		g.Go(func() error {
			return h.haltActor(ctx, key, act)
		})
	}
	return g.Wait()
}

// haltActor shuts down the runtime, then removes the actor from the table.
// If the actor is already halting, it waits for that to complete.
func (h *Host) haltActor(ctx context.Context, key string, act *activeActor) error {
	if !act.beginHalt() {
		return act.WaitHalted(ctx)
	}

	err := act.runtime.Shutdown(ctx)

	// Halting entries are never replaced in the table, so the key still points to act
	h.actors.Del(key)
	act.finishHalt()

	if err != nil {
		return fmt.Errorf("failed to halt actor '%s': %w", key, err)
	}
	h.log.DebugContext(ctx, "Deactivated actor", slog.String("actorRef", key))
	return nil
}

// runBackgroundTasks periodically activates actors whose timers are due and deactivates idle ones.
func (h *Host) runBackgroundTasks(ctx context.Context) error {
	t := h.clock.NewTicker(h.dueTimersPollInterval)
	defer t.Stop()

	// Activate actors with timers that came due while the host was stopped
	h.activateDueActors(ctx)

	for {
		select {
		case <-t.C():
			h.activateDueActors(ctx)
			h.deactivateIdleActors(ctx)
		case <-ctx.Done():
			// Stop when the context is canceled
			return nil
		}
	}
}

// activateDueActors activates actors that aren't active but have a due timer.
// Once started, their alarm loop processes the scheduled actions that are due.
func (h *Host) activateDueActors(ctx context.Context) {
	namespaces, err := h.provider.DueTimers(ctx, h.clock.Now())
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to fetch due timers", slog.Any("error", err))
		return
	}

	for _, ns := range namespaces {
		_, active := h.actors.Get(ns)
		if active {
			continue
		}

		r, err := ref.ParseActorRef(ns)
		if err != nil {
			h.log.WarnContext(ctx, "Ignoring due timer with invalid namespace", slog.String("namespace", ns))
			continue
		}
		if _, ok := h.definitions[r.ActorType]; !ok {
			continue
		}

		_, err = h.activate(ctx, r)
		if err != nil {
			h.log.ErrorContext(ctx, "Failed to activate actor with due timer", slog.String("actorRef", ns), slog.Any("error", err))
			continue
		}
		h.log.DebugContext(ctx, "Activated actor with due timer", slog.String("actorRef", ns))
	}
}

func (h *Host) deactivateIdleActors(ctx context.Context) {
	if h.idleTimeout < 0 {
		return
	}

	now := h.clock.Now()
	var idle []string
	h.actors.ForEach(func(key string, act *activeActor) bool {
		if act.IsIdle(now) {
			idle = append(idle, key)
		}
		return true
	})

	for _, key := range idle {
		act, ok := h.actors.Get(key)
		if !ok || act == nil || !act.IsIdle(h.clock.Now()) {
			continue
		}

		haltCtx, cancel := context.WithTimeout(ctx, h.shutdownGracePeriod)
		err := h.haltActor(haltCtx, key, act)
		cancel()
		if err != nil {
			h.log.ErrorContext(ctx, "Failed to deactivate idle actor", slog.String("actorRef", key), slog.Any("error", err))
		}
	}
}
