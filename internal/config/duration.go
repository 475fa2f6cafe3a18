package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDuration marks a duration field that failed to parse.
var ErrInvalidDuration = errors.New("invalid duration")

// ParseDurationField parses a config duration such as "750ms", "20s" or
// "24h". Whole days ("1d", "2d") are accepted too, since the dedup window
// is usually written that way. Empty means unset and yields 0. Every
// duration here is a timeout, interval or window, so negatives are refused.
// path names the field in errors, e.g. "dedup.window".
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w %q", path, ErrInvalidDuration, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %w %q: must be >= 0", path, ErrInvalidDuration, raw)
	}
	return d, nil
}

// ParseDurationOrDefault resolves an optional field: unset or "0s" falls back
// to def. Resolve reads every duration in the file through it.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	switch {
	case err != nil:
		return 0, err
	case d == 0:
		return def, nil
	default:
		return d, nil
	}
}

func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
