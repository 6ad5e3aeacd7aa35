package locker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnLocker(t *testing.T) {
	t.Run("first lock succeeds", func(t *testing.T) {
		var l TurnLocker
		require.NoError(t, l.Lock(t.Context()))
		assert.True(t, l.IsLocked())

		l.Unlock()
		assert.False(t, l.IsLocked())
	})

	t.Run("unlock when not locked is a no-op", func(t *testing.T) {
		var l TurnLocker
		l.Unlock()
		assert.False(t, l.IsLocked())
	})

	t.Run("turns are granted in FIFO order", func(t *testing.T) {
		var l TurnLocker
		require.NoError(t, l.Lock(t.Context()))

		const n = 5
		order := make(chan int, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Go(func() {
				err := l.Lock(t.Context())
				if err != nil {
					return
				}
				order <- i
				l.Unlock()
			})

			// Wait for the goroutine to be queued so the order is deterministic
			require.Eventually(t, func() bool {
				return l.Waiting() == i+1
			}, time.Second, time.Millisecond)
		}

		l.Unlock()
		wg.Wait()
		close(order)

		got := make([]int, 0, n)
		for i := range order {
			got = append(got, i)
		}
		assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
		assert.False(t, l.IsLocked())
	})

	t.Run("canceled waiter leaves the queue", func(t *testing.T) {
		var l TurnLocker
		require.NoError(t, l.Lock(t.Context()))

		ctx, cancel := context.WithCancel(t.Context())
		errCh := make(chan error, 1)
		go func() {
			errCh <- l.Lock(ctx)
		}()
		require.Eventually(t, func() bool {
			return l.Waiting() == 1
		}, time.Second, time.Millisecond)

		cancel()
		select {
		case err := <-errCh:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for canceled waiter")
		}
		assert.Equal(t, 0, l.Waiting())

		l.Unlock()
		assert.False(t, l.IsLocked())
	})

	t.Run("stop rejects waiters and new callers", func(t *testing.T) {
		var l TurnLocker
		require.NoError(t, l.Lock(t.Context()))

		errCh := make(chan error, 2)
		for range 2 {
			go func() {
				errCh <- l.Lock(t.Context())
			}()
		}
		require.Eventually(t, func() bool {
			return l.Waiting() == 2
		}, time.Second, time.Millisecond)

		l.Stop()
		l.Stop()
		assert.True(t, l.IsStopped())

		for range 2 {
			select {
			case err := <-errCh:
				require.ErrorIs(t, err, ErrStopped)
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for stopped waiter")
			}
		}

		// The current holder keeps its turn until it unlocks
		assert.True(t, l.IsLocked())
		l.Unlock()
		assert.False(t, l.IsLocked())

		require.ErrorIs(t, l.Lock(t.Context()), ErrStopped)
	})

	t.Run("do runs in turn", func(t *testing.T) {
		var l TurnLocker
		var (
			mu      sync.Mutex
			running int
			maxSeen int
		)

		var wg sync.WaitGroup
		for range 20 {
			wg.Go(func() {
				err := l.Do(t.Context(), func() error {
					mu.Lock()
					running++
					maxSeen = max(maxSeen, running)
					mu.Unlock()

					time.Sleep(time.Millisecond)

					mu.Lock()
					running--
					mu.Unlock()
					return nil
				})
				assert.NoError(t, err)
			})
		}
		wg.Wait()

		assert.Equal(t, 1, maxSeen)
		assert.False(t, l.IsLocked())
	})
}
