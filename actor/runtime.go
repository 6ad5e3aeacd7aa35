package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/copystructure"
	"k8s.io/utils/clock"

	"github.com/italypaleale/actorfx/components"
	"github.com/italypaleale/actorfx/internal/codec"
	"github.com/italypaleale/actorfx/internal/locker"
	"github.com/italypaleale/actorfx/internal/scheduler"
	"github.com/italypaleale/actorfx/internal/state"
	"github.com/italypaleale/actorfx/metrics"
)

// CreatedKey is the key of the sentinel that marks actors whose creation completed.
const CreatedKey = "::actor:created"

// Runtime hosts a single actor instance.
type Runtime struct {
	def           *Definition
	actorType     string
	name          string
	log           *slog.Logger
	clock         clock.Clock
	metrics       metrics.RuntimeMetrics
	events        EventSink
	onAlarmError  func(err error)
	commitTimeout time.Duration

	// Serializes lifecycle transitions
	lock   sync.Mutex
	status atomic.Int32

	store components.KVStore
	timer components.Timer
	sched *scheduler.Scheduler
	vars  Vars

	// Actions, hooks, and scheduled actions run one at a time, in the order they arrive
	turns *locker.TurnLocker

	snapLock sync.RWMutex
	snapshot State

	scopeCancel context.CancelFunc
	wg          sync.WaitGroup
}

// ActorType returns the type of the actor.
func (r *Runtime) ActorType() string {
	return r.actorType
}

// Name returns the name of the actor instance.
func (r *Runtime) Name() string {
	return r.name
}

// Status returns the current lifecycle status.
func (r *Runtime) Status() Lifecycle {
	return Lifecycle(r.status.Load())
}

func (r *Runtime) setStatus(s Lifecycle) {
	r.status.Store(int32(s))
}

// State returns a copy of the committed state.
func (r *Runtime) State() State {
	r.snapLock.RLock()
	defer r.snapLock.RUnlock()

	// The snapshot is normalized, so copying it cannot fail
	cp, _ := copystructure.Copy(r.snapshot)
	s, _ := cp.(State)
	if s == nil {
		s = State{}
	}
	return s
}

func (r *Runtime) getSnapshot() State {
	r.snapLock.RLock()
	defer r.snapLock.RUnlock()
	return r.snapshot
}

func (r *Runtime) setSnapshot(s State) {
	r.snapLock.Lock()
	r.snapshot = s
	r.snapLock.Unlock()
}

// CreateOrStart creates the actor if it was never created in store, or loads its state otherwise, and then starts it.
// Calling it while the actor is running is a no-op.
func (r *Runtime) CreateOrStart(ctx context.Context, store components.KVStore, timer components.Timer) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	switch r.Status() {
	case Running:
		return nil
	case ShuttingDown, Shutdown:
		return ErrNotRunning
	}

	if store == nil || timer == nil {
		return ErrStoreUnavailable
	}
	r.store = store
	r.timer = timer
	r.sched = scheduler.New(scheduler.Options{
		Store: store,
		Timer: timer,
		Clock: r.clock,
		Log:   r.log,
	})

	var err error
	r.vars, err = r.def.createVars(ctx)
	if err != nil {
		return fmt.Errorf("failed to create vars: %w", err)
	}

	_, created, err := store.Get(ctx, CreatedKey)
	if err != nil {
		return fmt.Errorf("failed to read creation sentinel: %w", err)
	}

	if created {
		snap, err := state.Load(ctx, store)
		if err != nil {
			return err
		}
		r.setSnapshot(snap)
		r.setStatus(Created)
		r.log.DebugContext(ctx, "Loaded actor state", slog.Int("keys", len(snap)))
	} else {
		err = r.createLocked(ctx)
		if err != nil {
			return err
		}
	}

	return r.startLocked(ctx)
}

func (r *Runtime) createLocked(ctx context.Context) error {
	initial, err := r.def.createInitialState(ctx)
	if err != nil {
		return fmt.Errorf("failed to create initial state: %w", err)
	}

	// A creation that was interrupted could have left some state behind: diff against it so nothing stale survives
	existing, err := state.Load(ctx, r.store)
	if err != nil {
		return err
	}

	w, err := state.Commit(ctx, r.store, existing, state.Diff(existing, initial))
	if err != nil {
		return err
	}
	if !w.Empty() {
		r.metrics.StateCommitted(r.actorType, len(w.Puts), len(w.Deletes))
	}
	r.setSnapshot(initial)
	r.setStatus(Created)

	if r.def.cfg.OnCreate != nil {
		_, err = r.execTurn(ctx, "onCreate", hookAction(r.def.cfg.OnCreate), nil)
		if err != nil {
			r.setStatus(Uninitialized)
			return fmt.Errorf("error in OnCreate hook: %w", err)
		}
	}

	sentinel, err := codec.Marshal(true)
	if err != nil {
		return err
	}
	err = r.store.Put(ctx, CreatedKey, sentinel)
	if err != nil {
		r.setStatus(Uninitialized)
		return fmt.Errorf("failed to write creation sentinel: %w", err)
	}

	r.log.DebugContext(ctx, "Created actor")
	return nil
}

func (r *Runtime) startLocked(ctx context.Context) error {
	// Arm the in-process timer again for actions that were scheduled before a restart
	err := r.sched.Resume(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume scheduler: %w", err)
	}

	// The scope outlives the context of the caller, until the actor is shut down
	scope, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.scopeCancel = cancel
	r.setStatus(Running)
	r.metrics.ActiveActors(r.actorType, 1)

	if r.def.cfg.OnStart != nil {
		r.wg.Go(func() {
			err := r.turns.Lock(scope)
			if err != nil {
				return
			}
			defer r.turns.Unlock()

			_, err = r.execTurn(scope, "onStart", hookAction(r.def.cfg.OnStart), nil)
			if err != nil {
				r.log.ErrorContext(scope, "Error in OnStart hook", slog.Any("error", err))
			}
		})
	}

	wakeups := r.timer.Wakeups()
	r.wg.Go(func() {
		r.alarmLoop(scope, wakeups)
	})

	r.log.DebugContext(ctx, "Started actor")
	return nil
}

// RunAction invokes an action and commits the changes it made to the state.
// Actions run one at a time, in the order they're invoked.
// If the action returns an error, changes to the state are discarded and the error is returned wrapped in an *ActionError.
func (r *Runtime) RunAction(ctx context.Context, name string, args ...any) (any, error) {
	return r.runAction(ctx, name, args, nil)
}

// runAction runs an action in turn.
// If precheck is not nil, it's invoked once the turn is acquired; if it returns an error, the action isn't run and the error is returned as-is.
func (r *Runtime) runAction(ctx context.Context, name string, args []any, precheck func(ctx context.Context) error) (any, error) {
	if r.Status() != Running {
		return nil, ErrNotRunning
	}

	fn, ok := r.def.cfg.Actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownAction, name)
	}

	err := r.turns.Lock(ctx)
	if errors.Is(err, locker.ErrStopped) {
		return nil, ErrNotRunning
	} else if err != nil {
		return nil, err
	}
	defer r.turns.Unlock()

	// Shutdown could have started while waiting for the turn
	if r.Status() != Running {
		return nil, ErrNotRunning
	}

	if precheck != nil {
		err = precheck(ctx)
		if err != nil {
			return nil, err
		}
	}

	timer := r.metrics.ActionDuration(r.actorType, name)
	res, err := r.execTurn(ctx, name, fn, args)
	timer.ObserveDuration()
	r.metrics.ActionCompleted(r.actorType, name, err == nil)
	if err != nil {
		return nil, &ActionError{Action: name, Err: err}
	}

	return res, nil
}

// execTurn runs fn against a working copy of the state and commits it.
// Callers must hold the turn.
func (r *Runtime) execTurn(ctx context.Context, name string, fn ActionFunc, args []any) (any, error) {
	base := r.getSnapshot()
	draft, err := state.NewDraft(base)
	if err != nil {
		return nil, err
	}

	actx := r.newActionContext(draft.State, slog.String("action", name))
	res, err := fn(ctx, actx, args...)
	if err != nil {
		// The working copy is discarded
		return nil, err
	}

	// Results are resolved to plain values, so they don't hold references into the working copy
	res, err = codec.Normalize(res)
	if err != nil {
		return nil, fmt.Errorf("invalid result: %w", err)
	}

	// Actions can also replace the state object altogether
	draft.State = actx.State
	snap, ops, err := draft.Finalize()
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return res, nil
	}

	// The commit must land even if the caller went away in the meanwhile
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.commitTimeout)
	w, err := state.Commit(commitCtx, r.store, base, ops)
	cancel()
	if err != nil {
		return nil, err
	}

	r.setSnapshot(snap)
	r.metrics.StateCommitted(r.actorType, len(w.Puts), len(w.Deletes))
	r.log.DebugContext(ctx, "Committed state",
		slog.String("action", name),
		slog.Int("ops", len(ops)),
		slog.Int("puts", len(w.Puts)),
		slog.Int("deletes", len(w.Deletes)),
	)

	if r.def.cfg.OnStateChange != nil {
		oldCp, _ := copystructure.Copy(base)
		newCp, _ := copystructure.Copy(snap)
		oldState, _ := oldCp.(State)
		newState, _ := newCp.(State)
		sctx := r.newActionContext(newState, slog.String("hook", "onStateChange"))
		r.def.cfg.OnStateChange(ctx, sctx, oldState, newState)
	}

	return res, nil
}

func (r *Runtime) newActionContext(s State, attrs ...any) *ActionContext {
	return &ActionContext{
		State:     s,
		Vars:      r.vars,
		Schedule:  r.sched,
		Log:       r.log.With(attrs...),
		actorType: r.actorType,
		name:      r.name,
		events:    r.events,
	}
}

func hookAction(fn HookFunc) ActionFunc {
	return func(ctx context.Context, actx *ActionContext, _ ...any) (any, error) {
		return nil, fn(ctx, actx)
	}
}

// Schedule returns the scheduler of the actor.
// It can only be used while the actor is running.
func (r *Runtime) Schedule() (Scheduler, error) {
	if r.Status() != Running {
		return nil, ErrNotRunning
	}
	return r.sched, nil
}

// TriggerAlarm causes the alarm loop to wake up and process the actions that are due.
func (r *Runtime) TriggerAlarm(ctx context.Context) error {
	if r.Status() != Running {
		return ErrNotRunning
	}
	return r.timer.Trigger(ctx)
}

// Shutdown stops the actor.
// The OnShutdown hook runs first, after the action in progress (if any) completes, and while the store and timer are still usable.
// Then the alarm loop and the hooks running in background are stopped.
// Calling it more than once is a no-op.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	switch r.Status() {
	case Shutdown:
		return nil
	case Uninitialized, Created:
		// Never started
		r.turns.Stop()
		r.setStatus(Shutdown)
		return nil
	}

	r.setStatus(ShuttingDown)

	var errs []error
	lockErr := r.turns.Lock(ctx)
	if lockErr != nil {
		r.log.WarnContext(ctx, "Shutting down without waiting for the action in progress", slog.Any("error", lockErr))
		errs = append(errs, lockErr)
	} else if r.def.cfg.OnShutdown != nil {
		_, err := r.execTurn(ctx, "onShutdown", hookAction(r.def.cfg.OnShutdown), nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("error in OnShutdown hook: %w", err))
		}
	}

	// Reject everything still waiting for a turn, then release ours
	r.turns.Stop()
	if lockErr == nil {
		r.turns.Unlock()
	}

	r.scopeCancel()
	r.wg.Wait()

	r.setStatus(Shutdown)
	r.metrics.ActiveActors(r.actorType, -1)
	r.log.DebugContext(ctx, "Actor shut down")

	return errors.Join(errs...)
}
