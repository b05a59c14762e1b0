package boottime

import (
	"fmt"
	"strconv"
	"time"
)

// parseCIMDatetime converts a DMTF CIM_DATETIME value such as
// "20250116083015.500000+060" into a UTC instant. The layout is fixed
// width: wall-clock date and time, a six-digit microsecond fraction, and
// a signed UTC offset in minutes.
func parseCIMDatetime(s string) (time.Time, error) {
	if len(s) != 25 {
		return time.Time{}, fmt.Errorf("cim datetime %q: want 25 characters, got %d", s, len(s))
	}
	if s[14] != '.' {
		return time.Time{}, fmt.Errorf("cim datetime %q: missing fraction separator", s)
	}
	sign := s[21]
	if sign != '+' && sign != '-' {
		return time.Time{}, fmt.Errorf("cim datetime %q: missing utc offset sign", s)
	}

	wall, err := time.Parse("20060102150405", s[:14])
	if err != nil {
		return time.Time{}, fmt.Errorf("cim datetime %q: %w", s, err)
	}
	micros, err := strconv.Atoi(s[15:21])
	if err != nil {
		return time.Time{}, fmt.Errorf("cim datetime %q: bad fraction: %w", s, err)
	}
	offsetMin, err := strconv.Atoi(s[22:])
	if err != nil {
		return time.Time{}, fmt.Errorf("cim datetime %q: bad utc offset: %w", s, err)
	}
	if sign == '-' {
		offsetMin = -offsetMin
	}

	t := wall.Add(time.Duration(micros) * time.Microsecond)
	return t.Add(-time.Duration(offsetMin) * time.Minute).UTC(), nil
}
