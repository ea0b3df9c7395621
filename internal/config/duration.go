package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var durationLiteral = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([smh])$`)

// ParseDuration parses a duration literal of the form [0-9]+(\.[0-9]+)?[smh].
func ParseDuration(s string) (time.Duration, error) {
	m := durationLiteral.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration literal %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration literal %q: %w", s, err)
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	}
	return time.Duration(value * float64(unit)), nil
}

// FormatDuration renders d as a duration literal, choosing the coarsest unit
// that represents it exactly and falling back to fractional seconds.
func FormatDuration(d time.Duration) string {
	switch {
	case d != 0 && d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d != 0 && d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	default:
		return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
	}
}
