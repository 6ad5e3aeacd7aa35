package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPath is returned when a path can't be parsed or doesn't resolve against a value.
var ErrInvalidPath = errors.New("invalid path")

var (
	segmentEscaper   = strings.NewReplacer("~", "~0", "/", "~1")
	segmentUnescaper = strings.NewReplacer("~1", "/", "~0", "~")
)

// Path is a location inside the state, as a list of segments.
// Its string form is a JSON pointer (RFC 6901), such as "/messages/0".
// The empty path is the root.
type Path []string

// ParsePath parses a JSON pointer.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, nil
	}
	if s[0] != '/' {
		return nil, fmt.Errorf("%w: %q does not start with '/'", ErrInvalidPath, s)
	}

	parts := strings.Split(s[1:], "/")
	p := make(Path, len(parts))
	for i, part := range parts {
		p[i] = segmentUnescaper.Replace(part)
	}
	return p, nil
}

// String implements fmt.Stringer.
func (p Path) String() string {
	if len(p) == 0 {
		return ""
	}

	var b strings.Builder
	for _, seg := range p {
		b.WriteByte('/')
		b.WriteString(segmentEscaper.Replace(seg))
	}
	return b.String()
}

// Child returns a new path with seg appended.
func (p Path) Child(seg string) Path {
	res := make(Path, len(p)+1)
	copy(res, p)
	res[len(p)] = seg
	return res
}

// IsRoot returns true for the empty path.
func (p Path) IsRoot() bool {
	return len(p) == 0
}

// comparePaths orders paths by depth first, then segment by segment.
// Segments that are both array indexes compare numerically, so "/list/2" comes before "/list/10".
func comparePaths(a, b Path) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}

	for i := range a {
		c := compareSegments(a[i], b[i])
		if c != 0 {
			return c
		}
	}
	return 0
}

func compareSegments(a, b string) int {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	if aErr == nil && bErr == nil {
		return ai - bi
	}
	return strings.Compare(a, b)
}

// parseIndex parses an array index segment; limit is the largest index accepted.
func parseIndex(seg string, limit int) (int, error) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 || (len(seg) > 1 && seg[0] == '0') {
		return 0, fmt.Errorf("%w: %q is not an array index", ErrInvalidPath, seg)
	}
	if i > limit {
		return 0, fmt.Errorf("%w: index %d out of range", ErrInvalidPath, i)
	}
	return i, nil
}
