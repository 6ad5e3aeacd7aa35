package time

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

var errInvalidType = errors.New("invalid type")

// ParseTime parses a value decoded from JSON as a point in time.
// Accepted values are RFC3339 strings, and numbers or numeric strings with a UNIX timestamp in milliseconds.
// Empty strings and nil are the zero time.
func ParseTime(val any) (time.Time, error) {
	if s, ok := val.(string); ok && s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err == nil {
			return t, nil
		}
	}

	ms, ok, err := millis(val)
	switch {
	case err != nil:
		return time.Time{}, fmt.Errorf("invalid time: %w", err)
	case !ok:
		return time.Time{}, nil
	default:
		return time.UnixMilli(int64(ms)), nil
	}
}

// ParseDelay parses a value decoded from JSON as a delay from now.
// Accepted values are ISO8601 durations, whose years, months, and days are counted on the calendar starting at now, Go duration strings, and numbers or numeric strings with a number of milliseconds.
// Empty strings and nil are no delay.
func ParseDelay(val any, now time.Time) (time.Duration, error) {
	d, err := ParseCalendarDelay(val)
	if err != nil {
		return 0, err
	}
	return d.AddTo(now).Sub(now), nil
}

// ParseCalendarDelay is like ParseDelay, but it returns the delay without resolving calendar units.
func ParseCalendarDelay(val any) (Duration, error) {
	ms, ok, err := millis(val)
	if err == nil {
		if !ok {
			return Duration{}, nil
		}
		return Duration{Time: time.Duration(ms * float64(time.Millisecond))}, nil
	}

	s, isString := val.(string)
	if !isString {
		return Duration{}, fmt.Errorf("invalid delay: %w", err)
	}
	d, err := ParseDurationString(s)
	if err != nil {
		return Duration{}, fmt.Errorf("invalid delay: %w", err)
	}
	return d, nil
}

// millis returns the number of milliseconds in val.
// The boolean is false if val is empty.
func millis(val any) (float64, bool, error) {
	switch x := val.(type) {
	case nil:
		return 0, false, nil
	case string:
		if x == "" {
			return 0, false, nil
		}
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("not a number: %q", x)
		}
		return float64(n), true, nil
	case json.Number:
		return millis(string(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false, errors.New("not a finite number")
		}
		return x, true, nil
	case int64:
		return float64(x), true, nil
	case int:
		return float64(x), true, nil
	default:
		return 0, false, errInvalidType
	}
}
