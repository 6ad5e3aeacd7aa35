package memory

import (
	"bytes"
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/italypaleale/actorfx/components"
)

// Options contains the options for the in-memory provider.
type Options struct {
	// Clock used by the timers.
	// Defaults to the real clock.
	Clock clock.Clock
}

// Provider keeps all data in memory.
// It's meant for tests and single-process deployments that don't need durability across restarts.
type Provider struct {
	log     *slog.Logger
	clock   clock.Clock
	running atomic.Bool

	lock   sync.Mutex
	data   map[string]map[string][]byte
	due    map[string]time.Time
	timers map[string]*components.LocalTimer
}

// NewProvider returns a new in-memory provider.
func NewProvider(log *slog.Logger, opts Options) *Provider {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	return &Provider{
		log:    log,
		clock:  opts.Clock,
		data:   map[string]map[string][]byte{},
		due:    map[string]time.Time{},
		timers: map[string]*components.LocalTimer{},
	}
}

func (p *Provider) Init(ctx context.Context) error {
	return nil
}

func (p *Provider) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return components.ErrAlreadyRunning
	}
	defer p.running.Store(false)

	p.log.DebugContext(ctx, "Memory provider started")
	<-ctx.Done()
	return nil
}

func (p *Provider) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	for _, t := range p.timers {
		t.Stop()
	}
	return nil
}

func (p *Provider) Store(namespace string) components.KVStore {
	return &store{p: p, namespace: namespace}
}

func (p *Provider) Timer(namespace string) components.Timer {
	p.lock.Lock()
	defer p.lock.Unlock()

	t, ok := p.timers[namespace]
	if !ok {
		t = components.NewLocalTimer(&timerBackend{p: p, namespace: namespace}, p.clock)
		p.timers[namespace] = t
	}
	return t
}

func (p *Provider) DueTimers(_ context.Context, now time.Time) ([]string, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	res := make([]string, 0)
	for ns, due := range p.due {
		if !due.After(now) {
			res = append(res, ns)
		}
	}
	slices.Sort(res)
	return res, nil
}

// Keys returns all keys stored in the namespace, sorted.
// It's used in tests to inspect the raw storage layout.
func (p *Provider) Keys(namespace string) []string {
	p.lock.Lock()
	defer p.lock.Unlock()

	return slices.Sorted(maps.Keys(p.data[namespace]))
}

type store struct {
	p         *Provider
	namespace string
}

func (s *store) bucket() map[string][]byte {
	b, ok := s.p.data[s.namespace]
	if !ok {
		b = map[string][]byte{}
		s.p.data[s.namespace] = b
	}
	return b
}

func (s *store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.p.lock.Lock()
	defer s.p.lock.Unlock()

	v, ok := s.p.data[s.namespace][key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (s *store) Put(_ context.Context, key string, value []byte) error {
	s.p.lock.Lock()
	defer s.p.lock.Unlock()

	s.bucket()[key] = bytes.Clone(value)
	return nil
}

func (s *store) PutBatch(_ context.Context, entries map[string][]byte) error {
	s.p.lock.Lock()
	defer s.p.lock.Unlock()

	b := s.bucket()
	for k, v := range entries {
		b[k] = bytes.Clone(v)
	}
	return nil
}

func (s *store) Delete(_ context.Context, key string) (bool, error) {
	s.p.lock.Lock()
	defer s.p.lock.Unlock()

	b := s.p.data[s.namespace]
	_, ok := b[key]
	if ok {
		delete(b, key)
	}
	return ok, nil
}

func (s *store) DeleteBatch(_ context.Context, keys []string) (int, error) {
	s.p.lock.Lock()
	defer s.p.lock.Unlock()

	return s.deleteLocked(keys), nil
}

func (s *store) deleteLocked(keys []string) int {
	b := s.p.data[s.namespace]
	var n int
	for _, k := range keys {
		_, ok := b[k]
		if ok {
			delete(b, k)
			n++
		}
	}
	return n
}

func (s *store) WriteBatch(_ context.Context, puts map[string][]byte, deletes []string) error {
	s.p.lock.Lock()
	defer s.p.lock.Unlock()

	b := s.bucket()
	for k, v := range puts {
		b[k] = bytes.Clone(v)
	}
	s.deleteLocked(deletes)
	return nil
}

func (s *store) List(_ context.Context, prefix string) ([]components.Entry, error) {
	s.p.lock.Lock()
	defer s.p.lock.Unlock()

	b := s.p.data[s.namespace]
	res := make([]components.Entry, 0)
	for k, v := range b {
		if strings.HasPrefix(k, prefix) {
			res = append(res, components.Entry{Key: k, Value: bytes.Clone(v)})
		}
	}
	slices.SortFunc(res, func(a, b components.Entry) int {
		return strings.Compare(a.Key, b.Key)
	})
	return res, nil
}

type timerBackend struct {
	p         *Provider
	namespace string
}

func (t *timerBackend) LoadDueTime(context.Context) (time.Time, bool, error) {
	t.p.lock.Lock()
	defer t.p.lock.Unlock()

	due, ok := t.p.due[t.namespace]
	return due, ok, nil
}

func (t *timerBackend) SaveDueTime(_ context.Context, due time.Time) error {
	t.p.lock.Lock()
	defer t.p.lock.Unlock()

	t.p.due[t.namespace] = due
	return nil
}

func (t *timerBackend) ClearDueTime(context.Context) error {
	t.p.lock.Lock()
	defer t.p.lock.Unlock()

	delete(t.p.due, t.namespace)
	return nil
}

// Compile-time interface assertions
var (
	_ components.Provider    = (*Provider)(nil)
	_ components.KVStore     = (*store)(nil)
	_ components.BatchWriter = (*store)(nil)
)
