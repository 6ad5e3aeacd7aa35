package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/italypaleale/actorfx/components"
)

// natsStore is the KVStore for a namespace.
// Keys are stored as "kv.<namespace>.<key>", both encoded.
type natsStore struct {
	p       *NATSProvider
	nsToken string
}

func (st *natsStore) key(k string) string {
	return kvPrefix + st.nsToken + "." + encodeToken(k)
}

func (st *natsStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, st.p.timeout)
	defer cancel()

	entry, err := st.p.kv.Get(ctx, st.key(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to get key '%s': %w", key, err)
	}
	return entry.Value(), true, nil
}

func (st *natsStore) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, st.p.timeout)
	defer cancel()

	_, err := st.p.kv.Put(ctx, st.key(key), value)
	if err != nil {
		return fmt.Errorf("failed to put key '%s': %w", key, err)
	}
	return nil
}

func (st *natsStore) PutBatch(ctx context.Context, entries map[string][]byte) error {
	// Sorted so a failure leaves a predictable subset written
	for _, k := range slices.Sorted(maps.Keys(entries)) {
		err := st.Put(ctx, k, entries[k])
		if err != nil {
			return err
		}
	}
	return nil
}

func (st *natsStore) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, st.p.timeout)
	defer cancel()

	k := st.key(key)
	entry, err := st.p.kv.Get(ctx, k)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to get key '%s': %w", key, err)
	}

	err = st.p.kv.Purge(ctx, k, jetstream.LastRevision(entry.Revision()))
	if err != nil {
		return false, fmt.Errorf("failed to purge key '%s': %w", key, err)
	}
	return true, nil
}

func (st *natsStore) DeleteBatch(ctx context.Context, keys []string) (int, error) {
	var n int
	for _, k := range keys {
		existed, err := st.Delete(ctx, k)
		if err != nil {
			return n, err
		}
		if existed {
			n++
		}
	}
	return n, nil
}

func (st *natsStore) List(ctx context.Context, prefix string) ([]components.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, st.p.timeout)
	defer cancel()

	nsPrefix := kvPrefix + st.nsToken + "."
	keys, err := st.p.listKeys(ctx, nsPrefix+">")
	if err != nil {
		return nil, err
	}

	res := make([]components.Entry, 0)
	for _, k := range keys {
		decoded, err := decodeToken(strings.TrimPrefix(k, nsPrefix))
		if err != nil {
			st.p.log.WarnContext(ctx, "Ignoring entry with invalid key", slog.String("key", k), slog.Any("error", err))
			continue
		}
		if !strings.HasPrefix(decoded, prefix) {
			continue
		}

		entry, err := st.p.kv.Get(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			// Deleted after the keys were listed
			continue
		} else if err != nil {
			return nil, fmt.Errorf("failed to get key '%s': %w", decoded, err)
		}
		res = append(res, components.Entry{Key: decoded, Value: entry.Value()})
	}

	slices.SortFunc(res, func(a, b components.Entry) int {
		return strings.Compare(a.Key, b.Key)
	})
	return res, nil
}

// Compile-time interface assertions
var _ components.KVStore = (*natsStore)(nil)
