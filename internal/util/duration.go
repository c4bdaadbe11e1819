// Package util holds small helpers shared across config and scheduling
// code that don't warrant their own package.
package util

import (
	"fmt"
	"time"
)

// Day and Week extend time.Duration's unit vocabulary; the stdlib parser
// stops at "h".
const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

// ExtendedParseDuration parses a duration string made of
// number-plus-unit terms in time.ParseDuration's syntax (a bare "0" or a
// leading "+" is rejected), plus "d" (day) and "w" (week) unit suffixes,
// for human-friendly config values like janitor intervals or nonce
// lifetimes ("7d", "1w2d3h30m").
func ExtendedParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	var total time.Duration
	start := 0
	for start < len(s) {
		i := start
		if s[i] == '-' {
			i++
		}
		for i < len(s) && (s[i] == '.' || (s[i] >= '0' && s[i] <= '9')) {
			i++
		}
		if i == start || i == len(s) {
			return 0, fmt.Errorf("invalid duration %q", s)
		}

		switch s[i] {
		case 'd', 'w':
			var n int64
			if _, err := fmt.Sscanf(s[start:i], "%d", &n); err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", s, err)
			}
			if n < 0 {
				return 0, fmt.Errorf("invalid duration %q: negative day/week count", s)
			}
			unit := Day
			if s[i] == 'w' {
				unit = Week
			}
			total += time.Duration(n) * unit
			start = i + 1
		default:
			// Standard unit: consume letters until the next number starts.
			j := i + 1
			for j < len(s) && !(s[j] >= '0' && s[j] <= '9') && s[j] != '-' && s[j] != '.' {
				j++
			}
			d, err := time.ParseDuration(s[start:j])
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", s, err)
			}
			total += d
			start = j
		}
	}
	return total, nil
}
