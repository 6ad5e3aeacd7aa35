package state

import (
	"maps"
	"reflect"
	"slices"
	"strconv"
)

// OpKind is the kind of a diff operation.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpReplace OpKind = "replace"
	OpRemove  OpKind = "remove"
)

// Op is a single diff operation, in the style of a JSON patch.
type Op struct {
	Op    OpKind `msgpack:"op"`
	Path  Path   `msgpack:"path"`
	Value any    `msgpack:"value,omitempty"`
}

// Diff returns the operations that turn from into to.
// Both values must be normalized.
//
// The diff is structural: containers of the same kind are compared member by member, and a whole value is replaced only when its kind changes or it's a leaf that differs.
// No two operations target paths where one is a prefix of the other.
// Elements removed from the end of an array are removed starting from the highest index.
func Diff(from, to any) []Op {
	ops := make([]Op, 0)
	diffValue(Path{}, from, to, &ops)
	return ops
}

func diffValue(p Path, a, b any, ops *[]Op) {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if ok {
			diffMap(p, av, bv, ops)
			return
		}
	case []any:
		bv, ok := b.([]any)
		if ok {
			diffSlice(p, av, bv, ops)
			return
		}
	}

	if !reflect.DeepEqual(a, b) {
		*ops = append(*ops, Op{Op: OpReplace, Path: p, Value: b})
	}
}

func diffMap(p Path, a, b map[string]any, ops *[]Op) {
	for _, k := range slices.Sorted(maps.Keys(a)) {
		bv, ok := b[k]
		if !ok {
			*ops = append(*ops, Op{Op: OpRemove, Path: p.Child(k)})
			continue
		}
		diffValue(p.Child(k), a[k], bv, ops)
	}

	for _, k := range slices.Sorted(maps.Keys(b)) {
		_, ok := a[k]
		if !ok {
			*ops = append(*ops, Op{Op: OpAdd, Path: p.Child(k), Value: b[k]})
		}
	}
}

func diffSlice(p Path, a, b []any, ops *[]Op) {
	n := min(len(a), len(b))
	for i := range n {
		diffValue(p.Child(strconv.Itoa(i)), a[i], b[i], ops)
	}

	for i := n; i < len(b); i++ {
		*ops = append(*ops, Op{Op: OpAdd, Path: p.Child(strconv.Itoa(i)), Value: b[i]})
	}

	for i := len(a) - 1; i >= n; i-- {
		*ops = append(*ops, Op{Op: OpRemove, Path: p.Child(strconv.Itoa(i))})
	}
}
