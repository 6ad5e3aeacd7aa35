package comptesting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italypaleale/actorfx/components"
)

// Suite implements a test suite for provider components.
type Suite struct {
	p ProviderTesting
}

func NewSuite(p ProviderTesting) *Suite {
	return &Suite{p: p}
}

func (s Suite) Run(t *testing.T) {
	t.Run("key-value store", s.TestKVStore)
	t.Run("batch operations", s.TestBatch)
	t.Run("list by prefix", s.TestList)
	t.Run("namespaces are isolated", s.TestNamespaces)
	t.Run("atomic batch writes", s.TestWriteBatch)

	t.Run("timer due time", s.TestTimerDueTime)
	t.Run("due timers", s.TestDueTimers)
	t.Run("timer wake-ups", s.TestTimerWakeups)
}

func (s Suite) TestKVStore(t *testing.T) {
	require.NoError(t, s.p.Seed(t.Context(), SeedData{}))

	ctx := t.Context()
	store := s.p.Store("TestType/actor-1")

	t.Run("get returns not found", func(t *testing.T) {
		_, found, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("put get overwrite delete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "key1", []byte("hello world")))

		got, found, err := store.Get(ctx, "key1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("hello world"), got)

		require.NoError(t, store.Put(ctx, "key1", []byte("goodbye")))
		got, found, err = store.Get(ctx, "key1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("goodbye"), got)

		existed, err := store.Delete(ctx, "key1")
		require.NoError(t, err)
		assert.True(t, existed)

		_, found, err = store.Get(ctx, "key1")
		require.NoError(t, err)
		assert.False(t, found)

		existed, err = store.Delete(ctx, "key1")
		require.NoError(t, err)
		assert.False(t, existed)
	})

	t.Run("empty value", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "empty", []byte{}))

		got, found, err := store.Get(ctx, "empty")
		require.NoError(t, err)
		require.True(t, found)
		assert.Empty(t, got)
	})
}

func (s Suite) TestBatch(t *testing.T) {
	require.NoError(t, s.p.Seed(t.Context(), SeedData{
		Entries: map[string]map[string][]byte{
			"TestType/actor-1": {
				"existing": []byte("e"),
			},
		},
	}))

	ctx := t.Context()
	store := s.p.Store("TestType/actor-1")

	err := store.PutBatch(ctx, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
		"c": []byte("3"),
	})
	require.NoError(t, err)

	entries, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []components.Entry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
		{Key: "c", Value: []byte("3")},
		{Key: "existing", Value: []byte("e")},
	}, entries)

	n, err := store.DeleteBatch(ctx, []string{"a", "c", "not-there"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []components.Entry{
		{Key: "b", Value: []byte("2")},
		{Key: "existing", Value: []byte("e")},
	}, entries)

	t.Run("empty batches", func(t *testing.T) {
		require.NoError(t, store.PutBatch(ctx, map[string][]byte{}))
		n, err := store.DeleteBatch(ctx, []string{})
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func (s Suite) TestList(t *testing.T) {
	require.NoError(t, s.p.Seed(t.Context(), SeedData{
		Entries: map[string]map[string][]byte{
			"TestType/actor-1": {
				":state:/messages":           []byte("m"),
				":state:/messages/0":         []byte("m0"),
				":state:/messages/1":         []byte("m1"),
				"::actor:created":            []byte("1"),
				"scheduled-actions:0001":     []byte("s1"),
				"scheduled-actions:0002":     []byte("s2"),
				"100%_literal":               []byte("x"),
				"100%_literal/child":         []byte("y"),
				"100x_not-matching-wildcard": []byte("z"),
			},
		},
	}))

	ctx := t.Context()
	store := s.p.Store("TestType/actor-1")

	keys := func(t *testing.T, prefix string) []string {
		t.Helper()
		entries, err := store.List(ctx, prefix)
		require.NoError(t, err)
		res := make([]string, len(entries))
		for i, e := range entries {
			res[i] = e.Key
		}
		return res
	}

	assert.Equal(t, []string{":state:/messages", ":state:/messages/0", ":state:/messages/1"}, keys(t, ":state:"))
	assert.Equal(t, []string{"scheduled-actions:0001", "scheduled-actions:0002"}, keys(t, "scheduled-actions:"))
	assert.Equal(t, []string{"100%_literal", "100%_literal/child"}, keys(t, "100%_"))
	assert.Empty(t, keys(t, "nope"))

	entries, err := store.List(ctx, "scheduled-actions:0002")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("s2"), entries[0].Value)
}

func (s Suite) TestNamespaces(t *testing.T) {
	require.NoError(t, s.p.Seed(t.Context(), SeedData{}))

	ctx := t.Context()
	store1 := s.p.Store("TestType/actor-1")
	store2 := s.p.Store("TestType/actor-2")

	require.NoError(t, store1.Put(ctx, "key", []byte("one")))
	require.NoError(t, store2.Put(ctx, "key", []byte("two")))

	got, _, err := store1.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	existed, err := store2.Delete(ctx, "key")
	require.NoError(t, err)
	assert.True(t, existed)

	got, found, err := store1.Get(ctx, "key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("one"), got)

	entries, err := store2.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func (s Suite) TestWriteBatch(t *testing.T) {
	store := s.p.Store("TestType/actor-1")
	bw, ok := store.(components.BatchWriter)
	if !ok {
		t.Skip("Provider does not support atomic batch writes")
	}

	require.NoError(t, s.p.Seed(t.Context(), SeedData{
		Entries: map[string]map[string][]byte{
			"TestType/actor-1": {
				"old1": []byte("1"),
				"old2": []byte("2"),
			},
		},
	}))

	ctx := t.Context()
	err := bw.WriteBatch(ctx, map[string][]byte{
		"new1": []byte("n1"),
		"old2": []byte("updated"),
	}, []string{"old1", "missing"})
	require.NoError(t, err)

	entries, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []components.Entry{
		{Key: "new1", Value: []byte("n1")},
		{Key: "old2", Value: []byte("updated")},
	}, entries)

	t.Run("empty", func(t *testing.T) {
		require.NoError(t, bw.WriteBatch(ctx, nil, nil))
	})
}

func (s Suite) TestTimerDueTime(t *testing.T) {
	require.NoError(t, s.p.Seed(t.Context(), SeedData{}))

	ctx := t.Context()
	timer := s.p.Timer("TestType/actor-1")

	_, armed, err := timer.Get(ctx)
	require.NoError(t, err)
	assert.False(t, armed)

	due := s.p.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, timer.Set(ctx, due))

	got, armed, err := timer.Get(ctx)
	require.NoError(t, err)
	require.True(t, armed)
	assert.True(t, due.Equal(got), "unexpected due time: got=%v expected=%v", got, due)

	// Replace
	due = due.Add(-30 * time.Minute)
	require.NoError(t, timer.Set(ctx, due))
	got, armed, err = timer.Get(ctx)
	require.NoError(t, err)
	require.True(t, armed)
	assert.True(t, due.Equal(got), "unexpected due time: got=%v expected=%v", got, due)

	require.NoError(t, timer.Clear(ctx))
	_, armed, err = timer.Get(ctx)
	require.NoError(t, err)
	assert.False(t, armed)

	// Clearing twice is fine
	require.NoError(t, timer.Clear(ctx))

	// Same object for the same namespace
	assert.Same(t, timer, s.p.Timer("TestType/actor-1"))
}

func (s Suite) TestDueTimers(t *testing.T) {
	now := s.p.Now().Truncate(time.Millisecond)
	require.NoError(t, s.p.Seed(t.Context(), SeedData{
		Timers: map[string]time.Time{
			"TestType/past":   now.Add(-time.Minute),
			"TestType/now":    now,
			"TestType/future": now.Add(time.Hour),
		},
	}))

	ctx := t.Context()
	got, err := s.p.DueTimers(ctx, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"TestType/past", "TestType/now"}, got)

	require.NoError(t, s.p.Timer("TestType/past").Clear(ctx))
	got, err = s.p.DueTimers(ctx, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"TestType/now"}, got)

	got, err = s.p.DueTimers(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"TestType/now", "TestType/future"}, got)
}

func (s Suite) TestTimerWakeups(t *testing.T) {
	require.NoError(t, s.p.Seed(t.Context(), SeedData{}))

	ctx := t.Context()
	timer := s.p.Timer("TestType/wakeups")

	expectWakeup := func(t *testing.T) {
		t.Helper()
		select {
		case <-timer.Wakeups():
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for wake-up")
		}
	}
	expectNoWakeup := func(t *testing.T) {
		t.Helper()
		select {
		case <-timer.Wakeups():
			t.Fatal("received unexpected wake-up")
		case <-time.After(100 * time.Millisecond):
		}
	}

	t.Run("trigger", func(t *testing.T) {
		require.NoError(t, timer.Trigger(ctx))
		expectWakeup(t)
	})

	t.Run("due in the past fires immediately", func(t *testing.T) {
		require.NoError(t, timer.Set(ctx, s.p.Now().Add(-time.Second)))
		expectWakeup(t)
		require.NoError(t, timer.Clear(ctx))
	})

	t.Run("due in the future fires when reached", func(t *testing.T) {
		require.NoError(t, timer.Set(ctx, s.p.Now().Add(500*time.Millisecond)))
		expectNoWakeup(t)

		require.NoError(t, s.p.AdvanceClock(600*time.Millisecond))
		expectWakeup(t)
		require.NoError(t, timer.Clear(ctx))
	})

	t.Run("cleared timer does not fire", func(t *testing.T) {
		require.NoError(t, timer.Set(ctx, s.p.Now().Add(500*time.Millisecond)))
		require.NoError(t, timer.Clear(ctx))

		require.NoError(t, s.p.AdvanceClock(600*time.Millisecond))
		expectNoWakeup(t)
	})

	t.Run("wake-ups are coalesced", func(t *testing.T) {
		require.NoError(t, timer.Trigger(ctx))
		require.NoError(t, timer.Trigger(ctx))
		expectWakeup(t)
		expectNoWakeup(t)
	})
}
