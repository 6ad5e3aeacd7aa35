package components

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Timer is a single-slot wake-up timer, scoped to a single actor instance.
// At most one due time is armed at any moment.
type Timer interface {
	// Get returns the armed due time.
	// If the timer isn't armed, armed is false.
	Get(ctx context.Context) (due time.Time, armed bool, err error)

	// Set arms the timer, replacing any due time previously armed.
	// A due time in the past causes an immediate wake-up.
	Set(ctx context.Context, due time.Time) error

	// Clear disarms the timer.
	Clear(ctx context.Context) error

	// Wakeups returns the channel that receives a value each time the timer fires.
	// Wake-ups that are not consumed are coalesced.
	Wakeups() <-chan struct{}

	// Trigger causes a wake-up right away, regardless of the armed due time.
	Trigger(ctx context.Context) error
}

// TimerBackend persists the due time of a LocalTimer.
type TimerBackend interface {
	LoadDueTime(ctx context.Context) (time.Time, bool, error)
	SaveDueTime(ctx context.Context, due time.Time) error
	ClearDueTime(ctx context.Context) error
}

// LocalTimer is a Timer that persists its due time through a TimerBackend and fires using an in-process clock timer.
// Providers use it so the due time survives restarts, while wake-ups are delivered by whichever process holds the actor.
type LocalTimer struct {
	backend TimerBackend
	clock   clock.Clock

	lock   sync.Mutex
	tm     clock.Timer
	stopCh chan struct{}
	ch     chan struct{}
}

// NewLocalTimer returns a new LocalTimer.
func NewLocalTimer(backend TimerBackend, clk clock.Clock) *LocalTimer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &LocalTimer{
		backend: backend,
		clock:   clk,
		ch:      make(chan struct{}, 1),
	}
}

func (t *LocalTimer) Get(ctx context.Context) (time.Time, bool, error) {
	due, ok, err := t.backend.LoadDueTime(ctx)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load due time: %w", err)
	}
	return due, ok, nil
}

func (t *LocalTimer) Set(ctx context.Context, due time.Time) error {
	err := t.backend.SaveDueTime(ctx, due)
	if err != nil {
		return fmt.Errorf("failed to save due time: %w", err)
	}

	t.arm(due)
	return nil
}

func (t *LocalTimer) Clear(ctx context.Context) error {
	err := t.backend.ClearDueTime(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear due time: %w", err)
	}

	t.lock.Lock()
	t.stopLocked()
	t.lock.Unlock()
	return nil
}

func (t *LocalTimer) Wakeups() <-chan struct{} {
	return t.ch
}

func (t *LocalTimer) Trigger(context.Context) error {
	t.notify()
	return nil
}

// Stop the in-process timer without touching the persisted due time.
func (t *LocalTimer) Stop() {
	t.lock.Lock()
	t.stopLocked()
	t.lock.Unlock()
}

func (t *LocalTimer) arm(due time.Time) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.stopLocked()

	d := due.Sub(t.clock.Now())
	if d <= 0 {
		t.notify()
		return
	}

	tm := t.clock.NewTimer(d)
	stopCh := make(chan struct{})
	t.tm = tm
	t.stopCh = stopCh
	go func() {
		select {
		case <-tm.C():
			t.notify()
		case <-stopCh:
		}
	}()
}

func (t *LocalTimer) stopLocked() {
	if t.tm != nil {
		t.tm.Stop()
		t.tm = nil
	}
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
}

func (t *LocalTimer) notify() {
	select {
	case t.ch <- struct{}{}:
	default:
		// A wake-up is already pending
	}
}
