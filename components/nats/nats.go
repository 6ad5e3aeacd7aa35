// Package nats implements a provider that stores actor data in a NATS JetStream key-value bucket.
package nats

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"k8s.io/utils/clock"

	"github.com/italypaleale/actorfx/components"
)

const (
	DefaultBucket  = "actorfx"
	DefaultTimeout = 5 * time.Second

	kvPrefix     = "kv."
	timersPrefix = "timers."

	// Maximum number of attempts to create the bucket
	bucketCreateAttempts = 5
)

// Keys in JetStream buckets are limited to a small set of characters, so namespaces and keys are encoded
var keyEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// NATSProviderOptions contains the options for the NATS provider.
type NATSProviderOptions struct {
	// URL of the NATS server
	// If empty, uses the NATS_URL environment variable, or the default URL
	// Ignored if Conn is set
	URL string

	// Existing connection to use
	// The provider doesn't close connections it didn't open
	Conn *natsgo.Conn

	// Name of the key-value bucket
	// Defaults to "actorfx"
	Bucket string

	// Timeout for requests to the server
	Timeout time.Duration

	// Clock, used to pass a mock one for testing
	clock clock.Clock
}

// NATSProvider stores actor data in a NATS JetStream key-value bucket.
// Each namespace is a subtree of the bucket.
// Batches are not atomic: this provider doesn't implement components.BatchWriter.
type NATSProvider struct {
	nc      *natsgo.Conn
	ownsNC  bool
	bucket  string
	kv      jetstream.KeyValue
	running atomic.Bool
	log     *slog.Logger
	timeout time.Duration
	clock   clock.Clock

	timersLock sync.Mutex
	timers     map[string]*components.LocalTimer
}

// NewNATSProvider returns a new NATS provider.
// Call Init before using it.
func NewNATSProvider(log *slog.Logger, opts NATSProviderOptions) (*NATSProvider, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	p := &NATSProvider{
		nc:      opts.Conn,
		bucket:  opts.Bucket,
		log:     log.With(slog.String("provider", "nats")),
		timeout: opts.Timeout,
		clock:   opts.clock,
		timers:  map[string]*components.LocalTimer{},
	}
	if p.bucket == "" {
		p.bucket = DefaultBucket
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.clock == nil {
		p.clock = clock.RealClock{}
	}

	if p.nc == nil {
		url := opts.URL
		if url == "" {
			url = os.Getenv("NATS_URL")
		}
		if url == "" {
			url = natsgo.DefaultURL
		}

		var err error
		p.nc, err = natsgo.Connect(url, natsgo.MaxReconnects(3))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		p.ownsNC = true
	}

	return p, nil
}

// Init creates the key-value bucket if it doesn't exist.
func (p *NATSProvider) Init(ctx context.Context) error {
	js, err := jetstream.New(p.nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// The server may still be starting JetStream right after connecting
	p.kv, err = backoff.Retry(ctx,
		func() (jetstream.KeyValue, error) {
			createCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			return js.CreateOrUpdateKeyValue(createCtx, jetstream.KeyValueConfig{
				Bucket:  p.bucket,
				History: 1,
				Storage: jetstream.FileStorage,
			})
		},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(bucketCreateAttempts),
	)
	if err != nil {
		return fmt.Errorf("failed to create bucket '%s': %w", p.bucket, err)
	}

	p.log.DebugContext(ctx, "Key-value bucket is ready", slog.String("bucket", p.bucket))
	return nil
}

func (p *NATSProvider) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return components.ErrAlreadyRunning
	}
	defer p.running.Store(false)

	p.log.DebugContext(ctx, "NATS provider started")
	<-ctx.Done()
	return nil
}

func (p *NATSProvider) Close() error {
	p.timersLock.Lock()
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = map[string]*components.LocalTimer{}
	p.timersLock.Unlock()

	if p.ownsNC {
		p.nc.Close()
	}
	return nil
}

func (p *NATSProvider) Store(namespace string) components.KVStore {
	return &natsStore{p: p, nsToken: encodeToken(namespace)}
}

func (p *NATSProvider) Timer(namespace string) components.Timer {
	p.timersLock.Lock()
	defer p.timersLock.Unlock()

	t, ok := p.timers[namespace]
	if !ok {
		t = components.NewLocalTimer(&natsTimerBackend{p: p, key: timersPrefix + encodeToken(namespace)}, p.clock)
		p.timers[namespace] = t
	}
	return t
}

func (p *NATSProvider) DueTimers(ctx context.Context, now time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	keys, err := p.listKeys(ctx, timersPrefix+">")
	if err != nil {
		return nil, err
	}

	res := make([]string, 0)
	for _, k := range keys {
		ns, err := decodeToken(strings.TrimPrefix(k, timersPrefix))
		if err != nil {
			p.log.WarnContext(ctx, "Ignoring timer with invalid key", slog.String("key", k), slog.Any("error", err))
			continue
		}

		due, ok, err := p.loadDueTime(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok && !due.After(now) {
			res = append(res, ns)
		}
	}
	slices.Sort(res)
	return res, nil
}

// listKeys returns the keys matching the subject filter.
func (p *NATSProvider) listKeys(ctx context.Context, filter string) ([]string, error) {
	lister, err := p.kv.ListKeysFiltered(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer func() {
		_ = lister.Stop()
	}()

	res := make([]string, 0)
	for k := range lister.Keys() {
		res = append(res, k)
	}
	return res, nil
}

func (p *NATSProvider) loadDueTime(ctx context.Context, key string) (time.Time, bool, error) {
	entry, err := p.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return time.Time{}, false, nil
	} else if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get key '%s': %w", key, err)
	}

	ms, err := strconv.ParseInt(string(entry.Value()), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid due time in key '%s': %w", key, err)
	}
	return time.UnixMilli(ms), true, nil
}

type natsTimerBackend struct {
	p   *NATSProvider
	key string
}

func (b *natsTimerBackend) LoadDueTime(ctx context.Context) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.p.timeout)
	defer cancel()

	return b.p.loadDueTime(ctx, b.key)
}

func (b *natsTimerBackend) SaveDueTime(ctx context.Context, due time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, b.p.timeout)
	defer cancel()

	_, err := b.p.kv.Put(ctx, b.key, strconv.AppendInt(nil, due.UnixMilli(), 10))
	if err != nil {
		return fmt.Errorf("failed to put key '%s': %w", b.key, err)
	}
	return nil
}

func (b *natsTimerBackend) ClearDueTime(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.p.timeout)
	defer cancel()

	err := b.p.kv.Purge(ctx, b.key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to purge key '%s': %w", b.key, err)
	}
	return nil
}

// encodeToken encodes a string so it can be used as a single token in a key.
// The leading "k" keeps empty strings valid.
func encodeToken(s string) string {
	return "k" + keyEncoding.EncodeToString([]byte(s))
}

func decodeToken(token string) (string, error) {
	enc, ok := strings.CutPrefix(token, "k")
	if !ok {
		return "", components.ErrInvalidKey
	}
	b, err := keyEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("%w: %w", components.ErrInvalidKey, err)
	}
	return string(b), nil
}

// Compile-time interface assertions
var (
	_ components.Provider     = (*NATSProvider)(nil)
	_ components.TimerBackend = (*natsTimerBackend)(nil)
)
