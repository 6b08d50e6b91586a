package ingest

import (
	"fmt"
	"time"
)

// Cadence is how often a source is expected to publish.
type Cadence string

const (
	Continuous Cadence = "continuous"
	Daily      Cadence = "daily"
	Weekly     Cadence = "weekly"
	Annual     Cadence = "annual"
	Manual     Cadence = "manual"
)

// ParseCadence validates a configured cadence name.
func ParseCadence(s string) (Cadence, error) {
	switch c := Cadence(s); c {
	case Continuous, Daily, Weekly, Annual, Manual:
		return c, nil
	case "":
		return Daily, nil
	}
	return "", fmt.Errorf("unknown cadence %q", s)
}

// Interval is the minimum spacing between scheduled refreshes.
func (c Cadence) Interval() time.Duration {
	switch c {
	case Continuous:
		return 0
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	case Annual:
		return 365 * 24 * time.Hour
	}
	return 0
}

// Due reports whether a source with this cadence should be refreshed at
// now. Manual sources are never due; anything never updated is due.
func (c Cadence) Due(lastUpdated *time.Time, now time.Time) bool {
	if c == Manual {
		return false
	}
	if lastUpdated == nil || c == Continuous {
		return true
	}
	return !now.Before(lastUpdated.Add(c.Interval()))
}
