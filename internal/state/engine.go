package state

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/italypaleale/actorfx/components"
	"github.com/italypaleale/actorfx/internal/codec"
)

// KeyPrefix is the prefix for all keys that hold state.
// The rest of the key is the JSON pointer of the value.
const KeyPrefix = ":state:"

// Key returns the storage key for the path.
func Key(p Path) string {
	return KeyPrefix + p.String()
}

// Writes contains the storage writes that persist a set of operations.
type Writes struct {
	Puts    map[string][]byte
	Deletes []string
}

// Empty returns true if there's nothing to write.
func (w Writes) Empty() bool {
	return len(w.Puts) == 0 && len(w.Deletes) == 0
}

// PlanWrites translates ops, computed against the snapshot old, into storage writes.
//
// The state is stored flattened: every container is stored as an empty container at its own path, and every leaf at its own path.
// An add or replace at P writes the flattened new value and deletes the keys of the old value at P that are not written again.
// A remove at P deletes every key of the old value at P.
func PlanWrites(old map[string]any, ops []Op) (Writes, error) {
	puts := map[string][]byte{}
	deletes := map[string]struct{}{}

	for _, op := range ops {
		stale := map[string]struct{}{}
		prev, ok := lookup(old, op.Path)
		if ok {
			_ = flatten(op.Path, prev, func(p Path, _ any) error {
				stale[Key(p)] = struct{}{}
				return nil
			})
		}

		switch op.Op {
		case OpAdd, OpReplace:
			err := flatten(op.Path, op.Value, func(p Path, v any) error {
				data, err := codec.Marshal(v)
				if err != nil {
					return fmt.Errorf("failed to encode value at '%s': %w", p, err)
				}
				k := Key(p)
				puts[k] = data
				delete(stale, k)
				return nil
			})
			if err != nil {
				return Writes{}, err
			}
		case OpRemove:
			// Nothing to put
		default:
			return Writes{}, fmt.Errorf("unsupported operation %q", op.Op)
		}

		for k := range stale {
			deletes[k] = struct{}{}
		}
	}

	for k := range puts {
		delete(deletes, k)
	}

	return Writes{
		Puts:    puts,
		Deletes: slices.Sorted(maps.Keys(deletes)),
	}, nil
}

// Commit persists ops, computed against the snapshot old, to the store.
// Puts are written in one batch and deletes in another, skipping empty batches.
// If the store implements components.BatchWriter, both are written in a single atomic call.
func Commit(ctx context.Context, store components.KVStore, old map[string]any, ops []Op) (Writes, error) {
	if len(ops) == 0 {
		return Writes{}, nil
	}

	w, err := PlanWrites(old, ops)
	if err != nil {
		return Writes{}, err
	}
	if w.Empty() {
		return w, nil
	}

	bw, ok := store.(components.BatchWriter)
	if ok {
		err = bw.WriteBatch(ctx, w.Puts, w.Deletes)
		if err != nil {
			return Writes{}, fmt.Errorf("failed to write state: %w", err)
		}
		return w, nil
	}

	if len(w.Puts) > 0 {
		err = store.PutBatch(ctx, w.Puts)
		if err != nil {
			return Writes{}, fmt.Errorf("failed to write state: %w", err)
		}
	}
	if len(w.Deletes) > 0 {
		_, err = store.DeleteBatch(ctx, w.Deletes)
		if err != nil {
			return Writes{}, fmt.Errorf("failed to delete stale state: %w", err)
		}
	}

	return w, nil
}

// Load rebuilds the state from the entries in the store.
// Each entry is applied as an "add" against an empty object, parents before children and array elements in index order, so the result doesn't depend on the order the store lists entries in.
func Load(ctx context.Context, store components.KVStore) (map[string]any, error) {
	entries, err := store.List(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}

	type item struct {
		path  Path
		value any
	}
	items := make([]item, 0, len(entries))
	for _, e := range entries {
		p, err := ParsePath(strings.TrimPrefix(e.Key, KeyPrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid state key '%s': %w", e.Key, err)
		}
		if p.IsRoot() {
			continue
		}

		var v any
		err = codec.Unmarshal(e.Value, &v)
		if err != nil {
			return nil, fmt.Errorf("invalid state value at '%s': %w", e.Key, err)
		}
		items = append(items, item{path: p, value: v})
	}

	slices.SortFunc(items, func(a, b item) int {
		return comparePaths(a.path, b.path)
	})

	var root any = map[string]any{}
	for _, it := range items {
		root, err = mutate(root, it.path, func(parent any, key string) (any, error) {
			return setMember(parent, key, it.value)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to rebuild state at '%s': %w", it.path, err)
		}
	}

	return root.(map[string]any), nil
}

// setMember sets key in parent; arrays are padded with nil up to the index.
func setMember(parent any, key string, v any) (any, error) {
	switch n := parent.(type) {
	case map[string]any:
		n[key] = v
		return n, nil
	case []any:
		i, err := parseIndex(key, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		for len(n) <= i {
			n = append(n, nil)
		}
		n[i] = v
		return n, nil
	default:
		return nil, fmt.Errorf("%w: cannot set %q on a value of type %T", ErrInvalidPath, key, parent)
	}
}

// flatten calls fn for every node of v, containers first, with containers replaced by empty containers.
// The root itself is skipped since it's never stored.
func flatten(p Path, v any, fn func(p Path, v any) error) error {
	var errs []error
	visit := func(p Path, v any) {
		if p.IsRoot() {
			return
		}
		err := fn(p, v)
		if err != nil {
			errs = append(errs, err)
		}
	}

	var walk func(p Path, v any)
	walk = func(p Path, v any) {
		switch n := v.(type) {
		case map[string]any:
			visit(p, map[string]any{})
			for k, c := range n {
				walk(p.Child(k), c)
			}
		case []any:
			visit(p, []any{})
			for i, c := range n {
				walk(p.Child(strconv.Itoa(i)), c)
			}
		default:
			visit(p, v)
		}
	}
	walk(p, v)

	return errors.Join(errs...)
}
