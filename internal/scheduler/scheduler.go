package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/italypaleale/actorfx/components"
	"github.com/italypaleale/actorfx/internal/codec"
)

// KeyPrefix is the prefix for all keys that hold scheduled actions.
const KeyPrefix = "scheduled-actions:"

var (
	ErrNotFound        = errors.New("scheduled action not found")
	ErrInvalidSchedule = errors.New("cannot schedule an action in the past")
)

// ScheduledAction is a deferred invocation of an action.
type ScheduledAction struct {
	ID        string    `msgpack:"id"`
	CreatedAt time.Time `msgpack:"createdAt"`
	TriggerAt time.Time `msgpack:"triggerAt"`
	Action    string    `msgpack:"action"`
	Args      []any     `msgpack:"args"`
}

// Options contains the options for New.
type Options struct {
	Store components.KVStore
	Timer components.Timer
	Clock clock.Clock
	Log   *slog.Logger
}

// Scheduler stores scheduled actions and keeps the timer armed at the earliest trigger time among them.
// When there are no scheduled actions, the timer is cleared.
type Scheduler struct {
	store components.KVStore
	timer components.Timer
	clock clock.Clock
	log   *slog.Logger

	// Serializes every operation that reads or writes the timer
	lock sync.Mutex
}

// New returns a new Scheduler.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}

	return &Scheduler{
		store: opts.Store,
		timer: opts.Timer,
		clock: opts.Clock,
		log:   opts.Log,
	}
}

// Key returns the storage key for a scheduled action.
func Key(id string) string {
	return KeyPrefix + id
}

// At schedules an action to run at the given time, returning its ID.
// Times before the current time return ErrInvalidSchedule.
func (s *Scheduler) At(ctx context.Context, triggerAt time.Time, action string, args ...any) (string, error) {
	return s.schedule(ctx, s.clock.Now(), triggerAt, action, args)
}

// After schedules an action to run after the given delay, returning its ID.
func (s *Scheduler) After(ctx context.Context, delay time.Duration, action string, args ...any) (string, error) {
	now := s.clock.Now()
	return s.schedule(ctx, now, now.Add(delay), action, args)
}

func (s *Scheduler) schedule(ctx context.Context, now time.Time, triggerAt time.Time, action string, args []any) (string, error) {
	if triggerAt.Before(now) {
		return "", ErrInvalidSchedule
	}
	if action == "" {
		return "", errors.New("action name is empty")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate ID: %w", err)
	}

	if args == nil {
		args = []any{}
	}
	sa := ScheduledAction{
		ID:        id.String(),
		CreatedAt: now,
		// Timers are persisted with millisecond precision
		TriggerAt: triggerAt.Truncate(time.Millisecond),
		Action:    action,
		Args:      args,
	}
	data, err := codec.Marshal(sa)
	if err != nil {
		return "", fmt.Errorf("failed to encode scheduled action: %w", err)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	armed, isArmed, err := s.timer.Get(ctx)
	if err != nil {
		return "", err
	}

	err = s.store.Put(ctx, Key(sa.ID), data)
	if err != nil {
		return "", fmt.Errorf("failed to store scheduled action: %w", err)
	}

	if !isArmed || sa.TriggerAt.Before(armed) {
		err = s.timer.Set(ctx, sa.TriggerAt)
		if err != nil {
			return "", fmt.Errorf("failed to arm timer: %w", err)
		}
	}

	s.log.DebugContext(ctx, "Scheduled action",
		slog.String("id", sa.ID),
		slog.String("action", action),
		slog.Time("triggerAt", sa.TriggerAt),
	)
	return sa.ID, nil
}

// Get returns a scheduled action by ID.
// If it doesn't exist, returns ErrNotFound.
func (s *Scheduler) Get(ctx context.Context, id string) (ScheduledAction, error) {
	data, found, err := s.store.Get(ctx, Key(id))
	if err != nil {
		return ScheduledAction{}, fmt.Errorf("failed to load scheduled action: %w", err)
	}
	if !found {
		return ScheduledAction{}, ErrNotFound
	}

	var sa ScheduledAction
	err = codec.Unmarshal(data, &sa)
	if err != nil {
		return ScheduledAction{}, fmt.Errorf("invalid scheduled action '%s': %w", id, err)
	}
	return sa, nil
}

// List returns all scheduled actions, ordered by trigger time and then by ID.
func (s *Scheduler) List(ctx context.Context) ([]ScheduledAction, error) {
	entries, err := s.store.List(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled actions: %w", err)
	}

	res := make([]ScheduledAction, len(entries))
	for i, e := range entries {
		err = codec.Unmarshal(e.Value, &res[i])
		if err != nil {
			return nil, fmt.Errorf("invalid scheduled action '%s': %w", e.Key, err)
		}
	}

	slices.SortFunc(res, func(a, b ScheduledAction) int {
		c := a.TriggerAt.Compare(b.TriggerAt)
		if c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return res, nil
}

// Cancel removes a scheduled action and re-arms the timer for the ones left.
// Canceling an action that doesn't exist is a no-op, but the timer is still reconciled.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, err := s.store.Delete(ctx, Key(id))
	if err != nil {
		return fmt.Errorf("failed to delete scheduled action: %w", err)
	}

	return s.reconcileLocked(ctx, false)
}

// DeleteBatch removes scheduled actions without touching the timer.
// Callers are expected to invoke Reconcile afterwards.
func (s *Scheduler) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = Key(id)
	}

	_, err := s.store.DeleteBatch(ctx, keys)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled actions: %w", err)
	}
	return nil
}

// Reconcile arms the timer at the earliest trigger time of the scheduled actions, or clears it when there are none.
// The timer is written only when it doesn't match already.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.reconcileLocked(ctx, false)
}

// Resume is like Reconcile, but it always re-arms the timer.
// It's used when an actor starts, so the in-process timer is armed again after a restart.
func (s *Scheduler) Resume(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.reconcileLocked(ctx, true)
}

func (s *Scheduler) reconcileLocked(ctx context.Context, force bool) error {
	list, err := s.List(ctx)
	if err != nil {
		return err
	}

	armed, isArmed, err := s.timer.Get(ctx)
	if err != nil {
		return err
	}

	if len(list) == 0 {
		if !isArmed {
			return nil
		}
		err = s.timer.Clear(ctx)
		if err != nil {
			return fmt.Errorf("failed to clear timer: %w", err)
		}
		return nil
	}

	next := list[0].TriggerAt
	if force || !isArmed || !next.Equal(armed) {
		err = s.timer.Set(ctx, next)
		if err != nil {
			return fmt.Errorf("failed to arm timer: %w", err)
		}
	}
	return nil
}
