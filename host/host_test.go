package host

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/italypaleale/actorfx/actor"
	"github.com/italypaleale/actorfx/components/memory"
	"github.com/italypaleale/actorfx/internal/ref"
	"github.com/italypaleale/actorfx/internal/testutil"
)

var testStart = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type testEvent struct {
	ActorType string
	Name      string
	Event     string
	Data      any
}

type testEventSink struct {
	lock   sync.Mutex
	events []testEvent
}

func (s *testEventSink) Broadcast(actorType string, name string, event string, data any) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.events = append(s.events, testEvent{ActorType: actorType, Name: name, Event: event, Data: data})
}

func (s *testEventSink) Send(actorType string, name string, connID string, event string, data any) {
	s.Broadcast(actorType, name, connID+":"+event, data)
}

func (s *testEventSink) Events() []testEvent {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]testEvent(nil), s.events...)
}

func counterDefinition(t *testing.T) *actor.Definition {
	t.Helper()

	def, err := actor.New(actor.Config{
		State: actor.State{"count": 0},
		Actions: actor.Actions{
			"increment": actor.Action1(func(ctx context.Context, actx *actor.ActionContext, by int64) (int64, error) {
				n, err := actor.GetState[int64](actx, "count")
				if err != nil {
					return 0, err
				}
				if by == 0 {
					by = 1
				}
				n += by
				actx.State["count"] = n
				actx.Broadcast("changed", n)
				return n, nil
			}),
			"get": actor.Action0(func(ctx context.Context, actx *actor.ActionContext) (int64, error) {
				return actor.GetState[int64](actx, "count")
			}),
			"incrementAfter": actor.Action1(func(ctx context.Context, actx *actor.ActionContext, delayMs int64) (string, error) {
				return actx.Schedule.After(ctx, time.Duration(delayMs)*time.Millisecond, "increment", 1)
			}),
		},
	})
	require.NoError(t, err)
	return def
}

type testHost struct {
	*Host
	provider *memory.Provider
	clock    *clocktesting.FakeClock
	logs     *testutil.ConcurrentBuffer
	events   *testEventSink
	stop     func()
}

func newTestHost(t *testing.T, opts ...HostOption) *testHost {
	t.Helper()
	return newTestHostWithDefinitions(t, nil, opts...)
}

// newTestHostWithDefinitions returns a running host with the "counter" actor type and the ones in defs.
func newTestHostWithDefinitions(t *testing.T, defs map[string]*actor.Definition, opts ...HostOption) *testHost {
	t.Helper()

	clock := clocktesting.NewFakeClock(testStart)
	logs := &testutil.ConcurrentBuffer{}
	log := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	provider := memory.NewProvider(log, memory.Options{Clock: clock})
	events := &testEventSink{}

	opts = append([]HostOption{
		WithProvider(provider),
		WithLogger(log),
		WithEventSink(events),
		WithDueTimersPollInterval(time.Second),
		withClock(clock),
	}, opts...)
	h, err := NewHost(opts...)
	require.NoError(t, err)
	require.NoError(t, h.Register("counter", counterDefinition(t)))
	for actorType, def := range defs {
		require.NoError(t, h.Register(actorType, def))
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Run(ctx)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-errCh:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("timed out waiting for the host to stop")
			}
		})
	}
	t.Cleanup(stop)

	// Wait for the provider to be initialized and the background tasks to start
	require.NoError(t, h.waitReady(t.Context()))
	require.Eventually(t, clock.HasWaiters, 5*time.Second, time.Millisecond)

	return &testHost{
		Host:     h,
		provider: provider,
		clock:    clock,
		logs:     logs,
		events:   events,
		stop:     stop,
	}
}

func (h *testHost) isActive(actorType string, name string) bool {
	_, ok := h.actors.Get(ref.NewActorRef(actorType, name).String())
	return ok
}

func TestNewHost(t *testing.T) {
	t.Run("provider is required", func(t *testing.T) {
		_, err := NewHost()
		require.Error(t, err)
	})

	t.Run("register validates actor types", func(t *testing.T) {
		h, err := NewHost(WithProvider(memory.NewProvider(nil, memory.Options{})))
		require.NoError(t, err)

		def := counterDefinition(t)
		require.NoError(t, h.Register("counter", def))
		require.Error(t, h.Register("counter", def))
		require.Error(t, h.Register("", def))
		require.Error(t, h.Register("a/b", def))
		require.Error(t, h.Register("a:b", def))
		require.Error(t, h.Register("other", nil))

		actions, err := h.ActorActions("counter")
		require.NoError(t, err)
		assert.Equal(t, []string{"get", "increment", "incrementAfter"}, actions)

		_, err = h.ActorActions("missing")
		require.ErrorIs(t, err, ErrActorTypeUnsupported)
	})
}

func TestHostInvoke(t *testing.T) {
	h := newTestHost(t)
	ctx := t.Context()

	t.Run("activates the actor", func(t *testing.T) {
		res, err := h.Invoke(ctx, "counter:increment", "c1", 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res)
		assert.True(t, h.isActive("counter", "c1"))

		res, err = h.InvokeAction(ctx, "counter", "c1", "increment")
		require.NoError(t, err)
		assert.Equal(t, int64(3), res)

		// Instances are independent
		res, err = h.Invoke(ctx, "counter:get", "c2")
		require.NoError(t, err)
		assert.Equal(t, int64(0), res)
	})

	t.Run("events are sent to the sink", func(t *testing.T) {
		_, err := h.Invoke(ctx, "counter:increment", "events", 1)
		require.NoError(t, err)

		assert.Contains(t, h.events.Events(), testEvent{
			ActorType: "counter",
			Name:      "events",
			Event:     "changed",
			Data:      int64(1),
		})
	})

	t.Run("errors", func(t *testing.T) {
		_, err := h.Invoke(ctx, "counter", "c1")
		require.ErrorIs(t, err, ErrInvalidMethod)

		_, err = h.Invoke(ctx, "missing:increment", "c1")
		require.ErrorIs(t, err, ErrActorTypeUnsupported)

		_, err = h.Invoke(ctx, "counter:missing", "c1")
		require.ErrorIs(t, err, actor.ErrUnknownAction)

		_, err = h.Invoke(ctx, "counter:increment", "")
		require.Error(t, err)
	})

	t.Run("concurrent invocations", func(t *testing.T) {
		const n = 20
		var wg sync.WaitGroup
		for range n {
			wg.Go(func() {
				_, err := h.Invoke(ctx, "counter:increment", "concurrent", 1)
				assert.NoError(t, err)
			})
		}
		wg.Wait()

		res, err := h.Invoke(ctx, "counter:get", "concurrent")
		require.NoError(t, err)
		assert.Equal(t, int64(n), res)
	})

	t.Run("state survives halting", func(t *testing.T) {
		_, err := h.Invoke(ctx, "counter:increment", "halted", 5)
		require.NoError(t, err)

		require.NoError(t, h.Halt(ctx, "counter", "halted"))
		assert.False(t, h.isActive("counter", "halted"))
		assert.Len(t, h.logs.Lines("actorRef=counter/halted"), 1)

		// Halting an actor that isn't active is a no-op
		require.NoError(t, h.Halt(ctx, "counter", "halted"))

		state, err := h.State(ctx, "counter", "halted")
		require.NoError(t, err)
		assert.Equal(t, actor.State{"count": int64(5)}, state)
		assert.True(t, h.isActive("counter", "halted"))
	})
}

func TestHostScheduling(t *testing.T) {
	t.Run("schedule from outside the actor", func(t *testing.T) {
		h := newTestHost(t)
		ctx := t.Context()

		id, err := h.Schedule(ctx, "counter", "s1", "increment", actor.ScheduleRequest{
			After: 2 * time.Second,
			Args:  []any{3},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		_, err = h.Schedule(ctx, "counter", "s1", "missing", actor.ScheduleRequest{After: time.Second})
		require.ErrorIs(t, err, actor.ErrUnknownAction)

		_, err = h.Schedule(ctx, "counter", "s1", "increment", actor.ScheduleRequest{})
		require.Error(t, err)

		h.clock.Step(2 * time.Second)

		require.Eventually(t, func() bool {
			state, err := h.State(ctx, "counter", "s1")
			return err == nil && state["count"] == int64(3)
		}, 5*time.Second, 5*time.Millisecond)
	})

	t.Run("calendar delays count from the host clock", func(t *testing.T) {
		h := newTestHost(t)
		ctx := t.Context()

		var req actor.ScheduleRequest
		require.NoError(t, json.Unmarshal([]byte(`{"after": "P2M", "args": [1]}`), &req))

		_, err := h.Schedule(ctx, "counter", "cal", "increment", req)
		require.NoError(t, err)

		due, armed, err := h.provider.Timer("counter/cal").Get(ctx)
		require.NoError(t, err)
		require.True(t, armed)
		assert.True(t, testStart.AddDate(0, 2, 0).Equal(due), "unexpected due time %v", due)
	})

	t.Run("actors with due timers are activated", func(t *testing.T) {
		h := newTestHost(t, WithIdleTimeout(-1))
		ctx := t.Context()

		_, err := h.Invoke(ctx, "counter:incrementAfter", "due", 5000)
		require.NoError(t, err)
		require.NoError(t, h.Halt(ctx, "counter", "due"))

		h.clock.Step(5 * time.Second)

		// The poller activates the actor, and its alarm loop runs the action
		require.Eventually(t, func() bool {
			act, ok := h.actors.Get(ref.NewActorRef("counter", "due").String())
			return ok && act.runtime.State()["count"] == int64(1)
		}, 5*time.Second, 5*time.Millisecond)
	})

	t.Run("alarm from the environment", func(t *testing.T) {
		h := newTestHost(t)
		ctx := t.Context()

		require.NoError(t, h.Alarm(ctx, "counter", "alarm"))
		assert.True(t, h.isActive("counter", "alarm"))
	})
}

func TestHostIdleActors(t *testing.T) {
	h := newTestHost(t, WithIdleTimeout(time.Minute))
	ctx := t.Context()

	_, err := h.Invoke(ctx, "counter:increment", "idle", 1)
	require.NoError(t, err)
	assert.True(t, h.isActive("counter", "idle"))

	h.clock.Step(30 * time.Second)
	_, err = h.Invoke(ctx, "counter:increment", "busy", 1)
	require.NoError(t, err)

	// Only the actor that wasn't invoked in the last minute is deactivated
	h.clock.Step(31 * time.Second)
	require.Eventually(t, func() bool {
		return !h.isActive("counter", "idle")
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, h.isActive("counter", "busy"))

	// Invoking it again activates it with its state
	res, err := h.Invoke(ctx, "counter:get", "idle")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res)
}

func TestHostStop(t *testing.T) {
	h := newTestHost(t)
	ctx := t.Context()

	_, err := h.Invoke(ctx, "counter:increment", "c1", 1)
	require.NoError(t, err)

	h.stop()
	assert.Equal(t, 0, int(h.actors.Len()))

	_, err = h.Invoke(ctx, "counter:increment", "c1", 1)
	require.ErrorIs(t, err, ErrHostNotRunning)

	err = h.Run(ctx)
	require.ErrorIs(t, err, ErrHostNotRunning)

	err = h.Register("other", counterDefinition(t))
	require.Error(t, err)
}

func TestClient(t *testing.T) {
	h := newTestHost(t)
	ctx := t.Context()
	client := NewClient(h)

	_, err := client.Actor("missing")
	require.ErrorIs(t, err, ErrActorTypeUnsupported)

	counter, err := client.Actor("counter")
	require.NoError(t, err)

	c1 := counter("c1")
	assert.Equal(t, "counter", c1.ActorType())
	assert.Equal(t, "c1", c1.Name())
	assert.Equal(t, []string{"get", "increment", "incrementAfter"}, c1.Actions())
	assert.Len(t, c1.Methods, 3)

	n, err := Call[int](ctx, c1, "increment", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := c1.Methods["get"](ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res)

	_, err = c1.Invoke(ctx, "missing")
	require.ErrorIs(t, err, actor.ErrUnknownAction)

	// Errors from actions are returned as-is
	_, err = c1.Invoke(ctx, "increment", "not a number")
	require.ErrorIs(t, err, actor.ErrInvalidArguments)
	var actionErr *actor.ActionError
	require.True(t, errors.As(err, &actionErr))
	assert.Equal(t, "increment", actionErr.Action)
}

func TestHostHaltWhileInvoking(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	increment := func(actx *actor.ActionContext) (int64, error) {
		n, err := actor.GetState[int64](actx, "count")
		if err != nil {
			return 0, err
		}
		actx.State["count"] = n + 1
		return n + 1, nil
	}
	def, err := actor.New(actor.Config{
		State: actor.State{"count": 0},
		Actions: actor.Actions{
			"inc": actor.Action0(func(ctx context.Context, actx *actor.ActionContext) (int64, error) {
				return increment(actx)
			}),
			"slowInc": actor.Action0(func(ctx context.Context, actx *actor.ActionContext) (int64, error) {
				close(started)
				<-release
				return increment(actx)
			}),
		},
	})
	require.NoError(t, err)

	h := newTestHostWithDefinitions(t, map[string]*actor.Definition{"slow": def})
	ctx := t.Context()

	res, err := h.InvokeAction(ctx, "slow", "a", "inc")
	require.NoError(t, err)
	assert.EqualValues(t, 1, res)

	// Start an action that blocks, then halt the actor while it's running
	slowRes := make(chan any, 1)
	go func() {
		res, err := h.InvokeAction(ctx, "slow", "a", "slowInc")
		assert.NoError(t, err)
		slowRes <- res
	}()
	<-started

	haltErr := make(chan error, 1)
	go func() {
		haltErr <- h.Halt(ctx, "slow", "a")
	}()
	require.Eventually(t, func() bool {
		act, ok := h.actors.Get("slow/a")
		return ok && act.IsHalting()
	}, 5*time.Second, time.Millisecond)

	// An invocation received while halting waits for the old runtime to shut down
	incRes := make(chan any, 1)
	go func() {
		res, err := h.InvokeAction(ctx, "slow", "a", "inc")
		assert.NoError(t, err)
		incRes <- res
	}()
	select {
	case <-incRes:
		t.Fatal("invocation completed while the actor was halting")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	assert.EqualValues(t, 2, <-slowRes)
	require.NoError(t, <-haltErr)
	assert.EqualValues(t, 3, <-incRes)

	res, err = h.InvokeAction(ctx, "slow", "a", "inc")
	require.NoError(t, err)
	assert.EqualValues(t, 4, res)

	state, err := h.State(ctx, "slow", "a")
	require.NoError(t, err)
	assert.EqualValues(t, 4, state["count"])
	assert.True(t, h.isActive("slow", "a"))
}

func TestHostConcurrentHalts(t *testing.T) {
	h := newTestHost(t)
	ctx := t.Context()

	_, err := h.Invoke(ctx, "counter:increment", "c1", 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() {
			assert.NoError(t, h.Halt(ctx, "counter", "c1"))
		})
	}
	wg.Wait()
	assert.False(t, h.isActive("counter", "c1"))

	n, err := h.Invoke(ctx, "counter:get", "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
