package state

import (
	"fmt"
	"slices"

	"github.com/mitchellh/copystructure"
)

// Apply applies ops to base in order, returning the result.
// Containers in base may be modified in place; values taken from ops are copied.
//
// Semantics follow JSON patch: "add" on an array index inserts (the index may be equal to the length, or "-", to append), "replace" requires the target to exist, "remove" deletes a member or an array element.
func Apply(base any, ops []Op) (any, error) {
	var err error
	for _, op := range ops {
		base, err = applyOp(base, op)
		if err != nil {
			return nil, fmt.Errorf("failed to apply %s at '%s': %w", op.Op, op.Path, err)
		}
	}
	return base, nil
}

func applyOp(base any, op Op) (any, error) {
	var value any
	if op.Op != OpRemove && op.Value != nil {
		var err error
		value, err = copystructure.Copy(op.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to copy value: %w", err)
		}
	}

	if op.Path.IsRoot() {
		switch op.Op {
		case OpAdd, OpReplace:
			return value, nil
		default:
			return nil, fmt.Errorf("%w: cannot remove the root", ErrInvalidPath)
		}
	}

	return mutate(base, op.Path, func(parent any, key string) (any, error) {
		switch n := parent.(type) {
		case map[string]any:
			_, exists := n[key]
			switch op.Op {
			case OpAdd:
				n[key] = value
			case OpReplace:
				if !exists {
					return nil, fmt.Errorf("%w: member %q does not exist", ErrInvalidPath, key)
				}
				n[key] = value
			case OpRemove:
				if !exists {
					return nil, fmt.Errorf("%w: member %q does not exist", ErrInvalidPath, key)
				}
				delete(n, key)
			default:
				return nil, fmt.Errorf("unsupported operation %q", op.Op)
			}
			return n, nil

		case []any:
			switch op.Op {
			case OpAdd:
				if key == "-" {
					return append(n, value), nil
				}
				i, err := parseIndex(key, len(n))
				if err != nil {
					return nil, err
				}
				return slices.Insert(n, i, value), nil
			case OpReplace:
				i, err := parseIndex(key, len(n)-1)
				if err != nil {
					return nil, err
				}
				n[i] = value
				return n, nil
			case OpRemove:
				i, err := parseIndex(key, len(n)-1)
				if err != nil {
					return nil, err
				}
				return slices.Delete(n, i, i+1), nil
			default:
				return nil, fmt.Errorf("unsupported operation %q", op.Op)
			}

		default:
			return nil, fmt.Errorf("%w: cannot set %q on a value of type %T", ErrInvalidPath, key, parent)
		}
	})
}

// mutate walks node along p and calls fn with the container holding the last segment.
// It returns node, or its replacement when a slice had to grow or shrink.
func mutate(node any, p Path, fn func(parent any, key string) (any, error)) (any, error) {
	if len(p) == 1 {
		return fn(node, p[0])
	}

	switch n := node.(type) {
	case map[string]any:
		child, ok := n[p[0]]
		if !ok {
			return nil, fmt.Errorf("%w: member %q does not exist", ErrInvalidPath, p[0])
		}
		updated, err := mutate(child, p[1:], fn)
		if err != nil {
			return nil, err
		}
		n[p[0]] = updated
		return n, nil

	case []any:
		i, err := parseIndex(p[0], len(n)-1)
		if err != nil {
			return nil, err
		}
		updated, err := mutate(n[i], p[1:], fn)
		if err != nil {
			return nil, err
		}
		n[i] = updated
		return n, nil

	default:
		return nil, fmt.Errorf("%w: cannot traverse a value of type %T", ErrInvalidPath, node)
	}
}

// lookup returns the value at p, if it exists.
func lookup(node any, p Path) (any, bool) {
	for _, seg := range p {
		switch n := node.(type) {
		case map[string]any:
			v, ok := n[seg]
			if !ok {
				return nil, false
			}
			node = v
		case []any:
			i, err := parseIndex(seg, len(n)-1)
			if err != nil {
				return nil, false
			}
			node = n[i]
		default:
			return nil, false
		}
	}
	return node, true
}
