// Package interval defines the bucket cadence vocabulary and the canonical
// collection naming scheme shared by the rotator, the backup pipeline and
// the control plane.
package interval

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Interval is a wall-clock bucket cadence.
type Interval string

const (
	EveryMinute Interval = "every_minute"
	EveryHour   Interval = "every_hour"
	EveryDay    Interval = "every_day"
	EveryMonth  Interval = "every_month"
	EveryYear   Interval = "every_year"
)

// Parse validates a config string and returns the matching Interval.
func Parse(s string) (Interval, error) {
	i := Interval(s)
	if !i.Valid() {
		return "", fmt.Errorf("unknown interval %q", s)
	}
	return i, nil
}

func (i Interval) Valid() bool {
	switch i {
	case EveryMinute, EveryHour, EveryDay, EveryMonth, EveryYear:
		return true
	}
	return false
}

// Suffix is the granularity marker embedded in bucket names.
func (i Interval) Suffix() string {
	switch i {
	case EveryMinute:
		return "min"
	case EveryHour:
		return "h"
	case EveryDay:
		return "d"
	case EveryMonth:
		return "m"
	case EveryYear:
		return "y"
	}
	return ""
}

// Floor truncates t to the start of the bucket containing it. All
// arithmetic is in UTC.
func (i Interval) Floor(t time.Time) time.Time {
	t = t.UTC()
	switch i {
	case EveryMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	case EveryHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case EveryDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case EveryMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case EveryYear:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Next returns the boundary strictly after t: Floor(t) advanced by one
// step. Month and year steps are calendar steps, not fixed durations.
func (i Interval) Next(t time.Time) time.Time {
	f := i.Floor(t)
	switch i {
	case EveryMinute:
		return f.Add(time.Minute)
	case EveryHour:
		return f.Add(time.Hour)
	case EveryDay:
		return f.AddDate(0, 0, 1)
	case EveryMonth:
		return f.AddDate(0, 1, 0)
	case EveryYear:
		return f.AddDate(1, 0, 0)
	}
	return f
}

// Step advances an already-aligned boundary by one interval.
func (i Interval) Step(boundary time.Time) time.Time {
	switch i {
	case EveryMinute:
		return boundary.Add(time.Minute)
	case EveryHour:
		return boundary.Add(time.Hour)
	case EveryDay:
		return boundary.AddDate(0, 0, 1)
	case EveryMonth:
		return boundary.AddDate(0, 1, 0)
	case EveryYear:
		return boundary.AddDate(1, 0, 0)
	}
	return boundary
}

// Name builds the canonical bucket name
// <prefix>_<Y>_<M>_<D>_<H>_<Min>_<suffix> with fields finer than the
// interval zeroed. Fields are unpadded integers.
func Name(i Interval, prefix string, t time.Time) string {
	t = t.UTC()
	var y, mo, d, h, mi int
	switch i {
	case EveryMinute:
		y, mo, d, h, mi = t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute()
	case EveryHour:
		y, mo, d, h = t.Year(), int(t.Month()), t.Day(), t.Hour()
	case EveryDay:
		y, mo, d = t.Year(), int(t.Month()), t.Day()
	case EveryMonth:
		y, mo = t.Year(), int(t.Month())
	case EveryYear:
		y = t.Year()
	}
	return fmt.Sprintf("%s_%d_%d_%d_%d_%d_%s", prefix, y, mo, d, h, mi, i.Suffix())
}

var namePattern = regexp.MustCompile(`^(.+)_(\d+)_(\d+)_(\d+)_(\d+)_(\d+)_(min|h|d|m|y)$`)

// ParseTime recovers the bucket boundary from a canonical name. Zeroed
// month/day fields map back to their calendar minimum so the round trip
// ParseTime(Name(i, p, t)) == i.Floor(t) holds for every interval.
func ParseTime(name string) (time.Time, error) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, fmt.Errorf("collection name %q does not match the canonical pattern", name)
	}
	f := make([]int, 5)
	for k := 0; k < 5; k++ {
		n, err := strconv.Atoi(m[2+k])
		if err != nil {
			return time.Time{}, fmt.Errorf("collection name %q: %w", name, err)
		}
		f[k] = n
	}
	mo, d := f[1], f[2]
	if mo == 0 {
		mo = 1
	}
	if d == 0 {
		d = 1
	}
	return time.Date(f[0], time.Month(mo), d, f[3], f[4], 0, 0, time.UTC), nil
}

// ParsePrefix returns the prefix part of a canonical bucket name.
func ParsePrefix(name string) (string, error) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return "", fmt.Errorf("collection name %q does not match the canonical pattern", name)
	}
	return m[1], nil
}
