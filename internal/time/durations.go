// This code was adapted from https://github.com/dapr/kit/tree/v0.15.4/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

package time

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	errInvalidISO8601Duration = errors.New("unsupported ISO8601 duration format")

	// Groups: years, months, weeks, days, hours, minutes, seconds, fraction of seconds
	iso8601DurationRegexp = regexp.MustCompile(`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)(?:\.(\d{1,3}))?S)?)?$`)
)

// Duration represents a time duration.
type Duration struct {
	Years  int
	Months int
	Days   int
	Time   time.Duration
}

// IsZero returns true if the duration has no components.
func (d Duration) IsZero() bool {
	return d.Time == 0 && d.Days == 0 && d.Months == 0 && d.Years == 0
}

// AddTo returns t plus the duration.
// Years, months and days are added on the calendar, so "P1M" from January 31st is March 3rd (or 2nd in leap years).
func (d Duration) AddTo(t time.Time) time.Time {
	return t.AddDate(d.Years, d.Months, d.Days).Add(d.Time)
}

// ToDuration converts the value to a time.Duration, counting each day as 24 hours.
// Durations with years or months don't have a fixed length and return an error.
func (d Duration) ToDuration() (time.Duration, error) {
	if d.Years != 0 || d.Months != 0 {
		return 0, errors.New("durations with years or months can't be converted to a fixed length")
	}
	return time.Duration(d.Days)*24*time.Hour + d.Time, nil
}

// ParseISO8601Duration parses a duration in the ISO8601 format, such as "P1DT2H" or "PT0.5S".
// Components must be in order, and only seconds can have a fractional part, with up to millisecond precision.
func ParseISO8601Duration(from string) (d Duration, err error) {
	m := iso8601DurationRegexp.FindStringSubmatch(from)
	if m == nil {
		return d, errInvalidISO8601Duration
	}

	// "P" and "PT" alone are not valid: there must be at least one component after each designator
	hasDate := m[1] != "" || m[2] != "" || m[3] != "" || m[4] != ""
	hasTime := m[5] != "" || m[6] != "" || m[7] != ""
	if !hasDate && !hasTime || strings.HasSuffix(from, "T") {
		return d, errInvalidISO8601Duration
	}

	n := func(s string) int {
		if s == "" {
			return 0
		}
		// The regular expression only matches digits, so this can fail on overflow only
		v, convErr := strconv.Atoi(s)
		if convErr != nil {
			err = errInvalidISO8601Duration
		}
		return v
	}

	d.Years = n(m[1])
	d.Months = n(m[2])
	d.Days = n(m[3])*7 + n(m[4])
	d.Time = time.Duration(n(m[5]))*time.Hour +
		time.Duration(n(m[6]))*time.Minute +
		time.Duration(n(m[7]))*time.Second
	if m[8] != "" {
		// Pad the fraction to milliseconds
		ms := m[8] + strings.Repeat("0", 3-len(m[8]))
		d.Time += time.Duration(n(ms)) * time.Millisecond
	}
	if err != nil {
		return Duration{}, err
	}

	return d, nil
}

// ParseDurationString creates Duration from either:
// - ISO8601 duration format
// - Go duration string format
func ParseDurationString(from string) (Duration, error) {
	d, err := ParseISO8601Duration(from)
	if err == nil {
		return d, nil
	}

	d = Duration{}
	d.Time, err = time.ParseDuration(from)
	if err == nil {
		return d, nil
	}

	return d, errors.New("unsupported duration format")
}
