package locker

import (
	"context"
	"errors"
	"slices"
	"sync"
)

var ErrStopped = errors.New("locker is stopped")

// TurnLocker grants turns to callers in the order they asked for them.
// It's used to run one action at a time on an actor, without starving any caller.
type TurnLocker struct {
	mu      sync.Mutex
	waiters []chan struct{}
	held    bool
	stopped bool
}

// Lock blocks until the caller's turn comes, ctx is canceled, or the locker is stopped.
func (l *TurnLocker) Lock(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}

	turn := make(chan struct{})
	l.waiters = append(l.waiters, turn)
	l.mu.Unlock()

	select {
	case <-turn:
		l.mu.Lock()
		defer l.mu.Unlock()

		// Stop closes the channels of all waiters without handing them the turn
		if l.stopped {
			return ErrStopped
		}
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()

		idx := slices.Index(l.waiters, turn)
		if idx < 0 {
			// The turn was handed over while ctx was being canceled: pass it on
			if !l.stopped {
				l.releaseLocked()
			}
			return ctx.Err()
		}
		l.waiters = slices.Delete(l.waiters, idx, idx+1)
		return ctx.Err()
	}
}

// Unlock ends the current turn, handing it to the next waiter if any.
func (l *TurnLocker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.releaseLocked()
}

func (l *TurnLocker) releaseLocked() {
	if len(l.waiters) == 0 {
		l.held = false
		return
	}

	// The turn passes directly to the next waiter, so held stays true
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}

// Do runs fn during the caller's turn.
func (l *TurnLocker) Do(ctx context.Context, fn func() error) error {
	err := l.Lock(ctx)
	if err != nil {
		return err
	}
	defer l.Unlock()

	return fn()
}

// Stop rejects all waiters and all future calls to Lock with ErrStopped.
// The current turn, if any, is not interrupted and still needs to be released with Unlock.
func (l *TurnLocker) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	l.stopped = true
	for _, ch := range l.waiters {
		close(ch)
	}
	l.waiters = nil
}

// IsStopped returns true if Stop was called.
func (l *TurnLocker) IsStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.stopped
}

// IsLocked returns true while a turn is being held.
func (l *TurnLocker) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.held
}

// Waiting returns the number of callers waiting for their turn.
func (l *TurnLocker) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.waiters)
}
