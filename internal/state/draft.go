package state

import (
	"fmt"

	"github.com/mitchellh/copystructure"

	"github.com/italypaleale/actorfx/internal/codec"
)

// Draft is a mutable working copy of a state snapshot.
// Code running inside an action mutates State freely; Finalize computes what changed.
type Draft struct {
	base  map[string]any
	State map[string]any
}

// NewDraft returns a working copy of base, which must be a normalized snapshot.
// base itself is never modified.
func NewDraft(base map[string]any) (*Draft, error) {
	if base == nil {
		base = map[string]any{}
	}

	cp, err := copystructure.Copy(base)
	if err != nil {
		return nil, fmt.Errorf("failed to copy state: %w", err)
	}

	return &Draft{
		base:  base,
		State: cp.(map[string]any),
	}, nil
}

// Finalize returns the normalized new snapshot and the operations that turn the base into it.
func (d *Draft) Finalize() (map[string]any, []Op, error) {
	snap, err := NormalizeState(d.State)
	if err != nil {
		return nil, nil, err
	}

	return snap, Diff(d.base, snap), nil
}

// NormalizeState normalizes a state object, turning it into plain maps, slices and scalars.
// A nil state normalizes to an empty map.
func NormalizeState(s map[string]any) (map[string]any, error) {
	if s == nil {
		return map[string]any{}, nil
	}

	v, err := codec.Normalize(s)
	if err != nil {
		return nil, fmt.Errorf("state is not serializable: %w", err)
	}

	m, ok := v.(map[string]any)
	if !ok {
		// Can happen if the map is empty and msgpack returned nil
		return map[string]any{}, nil
	}
	return m, nil
}
