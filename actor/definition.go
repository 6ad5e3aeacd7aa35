package actor

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"k8s.io/utils/clock"

	"github.com/italypaleale/actorfx/internal/locker"
	"github.com/italypaleale/actorfx/internal/state"
	"github.com/italypaleale/actorfx/metrics"
)

// Definition is a validated actor type, which can be used to create runtimes for instances of the actor.
type Definition struct {
	cfg          Config
	initialState State
	actions      []string
}

// New validates the configuration and returns a Definition.
func New(cfg Config) (*Definition, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	// Normalize the static state right away, so non-serializable values are caught at registration time
	initial, err := state.NormalizeState(cfg.State)
	if err != nil {
		return nil, err
	}

	cfg.Actions = maps.Clone(cfg.Actions)

	return &Definition{
		cfg:          cfg,
		initialState: initial,
		actions:      slices.Sorted(maps.Keys(cfg.Actions)),
	}, nil
}

// Actions returns the names of the registered actions, sorted.
func (d *Definition) Actions() []string {
	return slices.Clone(d.actions)
}

// HasAction returns true if an action with the given name is registered.
func (d *Definition) HasAction(name string) bool {
	_, ok := d.cfg.Actions[name]
	return ok
}

// RuntimeOptions contains the options for NewRuntime.
type RuntimeOptions struct {
	// Type of the actor, used in logs and metrics.
	ActorType string
	// Name of the actor instance.
	Name string
	// Logger. Defaults to a logger that discards everything.
	Logger *slog.Logger
	// Clock. Defaults to the real clock.
	Clock clock.Clock
	// Metrics. Defaults to no metrics.
	Metrics metrics.RuntimeMetrics
	// Receives events published by actions. Optional.
	Events EventSink
	// Invoked with the errors of each alarm cycle. Optional; errors are always logged.
	OnAlarmError func(err error)
	// Timeout for storage writes that must complete even if the caller's context is canceled.
	// Defaults to 30s.
	CommitTimeout time.Duration
}

// NewRuntime returns a Runtime for an instance of the actor.
// The Runtime is single-use: once shut down, a new one must be created.
func (d *Definition) NewRuntime(opts RuntimeOptions) *Runtime {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 30 * time.Second
	}

	return &Runtime{
		def:       d,
		actorType: opts.ActorType,
		name:      opts.Name,
		log: opts.Logger.With(
			slog.String("actorType", opts.ActorType),
			slog.String("actorName", opts.Name),
		),
		clock:         opts.Clock,
		metrics:       opts.Metrics,
		events:        opts.Events,
		onAlarmError:  opts.OnAlarmError,
		commitTimeout: opts.CommitTimeout,
		turns:         &locker.TurnLocker{},
		snapshot:      State{},
	}
}

func (d *Definition) createInitialState(ctx context.Context) (State, error) {
	if d.cfg.CreateState == nil {
		// Normalizing again returns a fresh copy
		return state.NormalizeState(d.initialState)
	}

	s, err := d.cfg.CreateState(ctx)
	if err != nil {
		return nil, err
	}
	return state.NormalizeState(s)
}

func (d *Definition) createVars(ctx context.Context) (Vars, error) {
	if d.cfg.CreateVars == nil {
		v := maps.Clone(d.cfg.Vars)
		if v == nil {
			v = Vars{}
		}
		return v, nil
	}

	v, err := d.cfg.CreateVars(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = Vars{}
	}
	return v, nil
}
