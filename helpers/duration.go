package helpers

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration extends time.ParseDuration with a "d" (day) unit, so
// settings like "31d" or "1d12h" can be written in configuration files.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	idx := strings.Index(s, "d")
	if idx == -1 {
		return time.ParseDuration(s)
	}

	days, err := strconv.Atoi(s[:idx])
	if err != nil || days < 0 {
		return 0, fmt.Errorf("invalid day count in duration %q", s)
	}
	total := time.Duration(days) * 24 * time.Hour

	if rest := s[idx+1:]; rest != "" {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += d
	}
	return total, nil
}
