package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/italypaleale/actorfx/components"
	"github.com/italypaleale/actorfx/components/memory"
)

func newTestScheduler(t *testing.T) (*Scheduler, components.Timer, components.KVStore, *clocktesting.FakeClock) {
	t.Helper()

	clock := clocktesting.NewFakeClock(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	p := memory.NewProvider(nil, memory.Options{Clock: clock})
	t.Cleanup(func() {
		_ = p.Close()
	})

	store := p.Store("test/1")
	timer := p.Timer("test/1")
	s := New(Options{
		Store: store,
		Timer: timer,
		Clock: clock,
	})
	return s, timer, store, clock
}

func requireArmedAt(t *testing.T, timer components.Timer, expect time.Time) {
	t.Helper()
	due, armed, err := timer.Get(t.Context())
	require.NoError(t, err)
	require.True(t, armed, "timer is not armed")
	assert.True(t, expect.Equal(due), "unexpected due time: got=%v expected=%v", due, expect)
}

func requireNotArmed(t *testing.T, timer components.Timer) {
	t.Helper()
	_, armed, err := timer.Get(t.Context())
	require.NoError(t, err)
	require.False(t, armed, "timer is armed")
}

func TestSchedule(t *testing.T) {
	t.Run("arms the timer at the earliest trigger time", func(t *testing.T) {
		s, timer, _, clock := newTestScheduler(t)
		ctx := t.Context()
		now := clock.Now()

		_, err := s.At(ctx, now.Add(time.Minute), "later")
		require.NoError(t, err)
		requireArmedAt(t, timer, now.Add(time.Minute))

		_, err = s.At(ctx, now.Add(10*time.Second), "sooner")
		require.NoError(t, err)
		requireArmedAt(t, timer, now.Add(10*time.Second))

		_, err = s.At(ctx, now.Add(time.Hour), "much later")
		require.NoError(t, err)
		requireArmedAt(t, timer, now.Add(10*time.Second))
	})

	t.Run("after uses the current time", func(t *testing.T) {
		s, timer, _, clock := newTestScheduler(t)
		now := clock.Now()

		id, err := s.After(t.Context(), 500*time.Millisecond, "ping", "a", 1)
		require.NoError(t, err)
		requireArmedAt(t, timer, now.Add(500*time.Millisecond))

		sa, err := s.Get(t.Context(), id)
		require.NoError(t, err)
		assert.Equal(t, id, sa.ID)
		assert.Equal(t, "ping", sa.Action)
		assert.Equal(t, []any{"a", int64(1)}, sa.Args)
		assert.True(t, now.Equal(sa.CreatedAt))
		assert.True(t, now.Add(500*time.Millisecond).Equal(sa.TriggerAt))
	})

	t.Run("after zero is allowed", func(t *testing.T) {
		s, timer, _, clock := newTestScheduler(t)

		_, err := s.After(t.Context(), 0, "now")
		require.NoError(t, err)
		requireArmedAt(t, timer, clock.Now())
	})

	t.Run("scheduling in the past fails", func(t *testing.T) {
		s, timer, store, clock := newTestScheduler(t)

		_, err := s.At(t.Context(), clock.Now().Add(-time.Millisecond), "past")
		require.ErrorIs(t, err, ErrInvalidSchedule)

		_, err = s.After(t.Context(), -time.Second, "past")
		require.ErrorIs(t, err, ErrInvalidSchedule)

		requireNotArmed(t, timer)
		entries, err := store.List(t.Context(), KeyPrefix)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("ids are unique", func(t *testing.T) {
		s, _, _, clock := newTestScheduler(t)

		seen := map[string]bool{}
		for range 20 {
			id, err := s.At(t.Context(), clock.Now(), "a")
			require.NoError(t, err)
			require.False(t, seen[id])
			seen[id] = true
		}
	})
}

func TestGetAndList(t *testing.T) {
	s, _, _, clock := newTestScheduler(t)
	ctx := t.Context()
	now := clock.Now()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	id3, err := s.At(ctx, now.Add(3*time.Second), "third")
	require.NoError(t, err)
	id1, err := s.At(ctx, now.Add(1*time.Second), "first")
	require.NoError(t, err)
	id2, err := s.At(ctx, now.Add(2*time.Second), "second", map[string]any{"k": "v"})
	require.NoError(t, err)

	list, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, id1, list[0].ID)
	assert.Equal(t, id2, list[1].ID)
	assert.Equal(t, id3, list[2].ID)
	assert.Equal(t, []any{map[string]any{"k": "v"}}, list[1].Args)
	assert.Empty(t, list[0].Args)
}

func TestCancel(t *testing.T) {
	t.Run("re-arms at the next earliest", func(t *testing.T) {
		s, timer, _, clock := newTestScheduler(t)
		ctx := t.Context()
		now := clock.Now()

		id1, err := s.At(ctx, now.Add(time.Second), "first")
		require.NoError(t, err)
		_, err = s.At(ctx, now.Add(2*time.Second), "second")
		require.NoError(t, err)
		requireArmedAt(t, timer, now.Add(time.Second))

		require.NoError(t, s.Cancel(ctx, id1))
		requireArmedAt(t, timer, now.Add(2*time.Second))

		_, err = s.Get(ctx, id1)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("clears the timer when none are left", func(t *testing.T) {
		s, timer, _, clock := newTestScheduler(t)
		ctx := t.Context()

		id, err := s.At(ctx, clock.Now().Add(time.Second), "only")
		require.NoError(t, err)

		require.NoError(t, s.Cancel(ctx, id))
		requireNotArmed(t, timer)
	})

	t.Run("missing id", func(t *testing.T) {
		s, timer, _, clock := newTestScheduler(t)
		ctx := t.Context()

		id, err := s.At(ctx, clock.Now().Add(time.Second), "only")
		require.NoError(t, err)

		require.NoError(t, s.Cancel(ctx, "missing"))
		requireArmedAt(t, timer, clock.Now().Add(time.Second))

		// Canceling twice is fine too
		require.NoError(t, s.Cancel(ctx, id))
		require.NoError(t, s.Cancel(ctx, id))
		requireNotArmed(t, timer)
	})

	t.Run("missing id reconciles a stale timer", func(t *testing.T) {
		s, timer, _, clock := newTestScheduler(t)
		ctx := t.Context()

		// Timer left armed with no scheduled actions
		require.NoError(t, timer.Set(ctx, clock.Now().Add(time.Minute)))

		require.NoError(t, s.Cancel(ctx, "missing"))
		requireNotArmed(t, timer)
	})
}

func TestDeleteBatchAndReconcile(t *testing.T) {
	s, timer, _, clock := newTestScheduler(t)
	ctx := t.Context()
	now := clock.Now()

	id1, err := s.At(ctx, now.Add(time.Second), "a")
	require.NoError(t, err)
	id2, err := s.At(ctx, now.Add(2*time.Second), "b")
	require.NoError(t, err)
	_, err = s.At(ctx, now.Add(3*time.Second), "c")
	require.NoError(t, err)

	require.NoError(t, s.DeleteBatch(ctx, []string{id1, id2}))

	// The timer is untouched until Reconcile is called
	requireArmedAt(t, timer, now.Add(time.Second))

	require.NoError(t, s.Reconcile(ctx))
	requireArmedAt(t, timer, now.Add(3*time.Second))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c", list[0].Action)

	t.Run("empty batch", func(t *testing.T) {
		require.NoError(t, s.DeleteBatch(ctx, nil))
	})
}

func TestResume(t *testing.T) {
	s, timer, store, clock := newTestScheduler(t)
	ctx := t.Context()
	now := clock.Now()

	_, err := s.At(ctx, now.Add(time.Second), "a")
	require.NoError(t, err)

	// Simulate a crash that left the timer disarmed
	require.NoError(t, timer.Clear(ctx))
	requireNotArmed(t, timer)

	require.NoError(t, s.Resume(ctx))
	requireArmedAt(t, timer, now.Add(time.Second))

	// And one that left it armed with nothing scheduled
	entries, err := store.List(ctx, KeyPrefix)
	require.NoError(t, err)
	for _, e := range entries {
		_, err = store.Delete(ctx, e.Key)
		require.NoError(t, err)
	}
	require.NoError(t, s.Resume(ctx))
	requireNotArmed(t, timer)
}
