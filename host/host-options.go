package host

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/italypaleale/actorfx/actor"
	"github.com/italypaleale/actorfx/components"
	"github.com/italypaleale/actorfx/metrics"
)

type HostOption func(*newHostOptions)

// WithProvider sets the provider for the actors' storage and timers
func WithProvider(p components.Provider) HostOption {
	return func(o *newHostOptions) { o.Provider = p }
}

// WithLogger sets the instance of the slog logger
func WithLogger(logger *slog.Logger) HostOption {
	return func(o *newHostOptions) { o.Logger = logger }
}

// WithMetrics sets the metrics collector
func WithMetrics(m metrics.RuntimeMetrics) HostOption {
	return func(o *newHostOptions) { o.Metrics = m }
}

// WithEventSink sets the sink for the events that actors broadcast or send to clients
func WithEventSink(sink actor.EventSink) HostOption {
	return func(o *newHostOptions) { o.Events = sink }
}

// WithIdleTimeout sets the time after which actors that didn't receive invocations are deactivated
// A negative value disables deactivation of idle actors
func WithIdleTimeout(d time.Duration) HostOption {
	return func(o *newHostOptions) { o.IdleTimeout = d }
}

// WithDueTimersPollInterval sets the interval for polling the provider for actors with due timers
func WithDueTimersPollInterval(d time.Duration) HostOption {
	return func(o *newHostOptions) { o.DueTimersPollInterval = d }
}

// WithShutdownGracePeriod sets the grace period for shutting down actors when the host stops
func WithShutdownGracePeriod(d time.Duration) HostOption {
	return func(o *newHostOptions) { o.ShutdownGracePeriod = d }
}

// WithAlarmErrorHandler sets a function that receives errors from actors' scheduled actions
func WithAlarmErrorHandler(fn func(actorType string, name string, err error)) HostOption {
	return func(o *newHostOptions) { o.OnAlarmError = fn }
}

type newHostOptions struct {
	Provider              components.Provider
	Logger                *slog.Logger
	Metrics               metrics.RuntimeMetrics
	Events                actor.EventSink
	IdleTimeout           time.Duration
	DueTimersPollInterval time.Duration
	ShutdownGracePeriod   time.Duration
	OnAlarmError          func(actorType string, name string, err error)

	// Allows setting a clock for testing
	clock clock.WithTicker
}

// withClock sets the clock, for testing
func withClock(cl clock.WithTicker) HostOption {
	return func(o *newHostOptions) { o.clock = cl }
}
