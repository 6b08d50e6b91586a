package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MakePeriodID creates a period id from a start and end year.
// If start == end, returns just the year (e.g., "2023").
// Otherwise returns a range (e.g., "2021..2023").
func MakePeriodID(start, end int) string {
	if start == end {
		return strconv.Itoa(start)
	}
	return fmt.Sprintf("%d..%d", start, end)
}

// ErrInvalidPeriod wraps every period id parse failure.
var ErrInvalidPeriod = errors.New("invalid period")

// ParsePeriod splits a period id into its inclusive year bounds.
func ParsePeriod(periodID string) (start, end int, err error) {
	first, last, isRange := strings.Cut(periodID, "..")
	start, err = parseYear(first)
	if err != nil {
		return 0, 0, fmt.Errorf("%w %q: %w", ErrInvalidPeriod, periodID, err)
	}
	end = start
	if isRange {
		end, err = parseYear(last)
		if err != nil {
			return 0, 0, fmt.Errorf("%w %q: %w", ErrInvalidPeriod, periodID, err)
		}
	}
	if end < start {
		return 0, 0, fmt.Errorf("%w %q: end before start", ErrInvalidPeriod, periodID)
	}
	return start, end, nil
}

func parseYear(s string) (int, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("year %q must have four digits", s)
	}
	y, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("year %q is not numeric", s)
	}
	return y, nil
}

// TrailingPeriod returns the period covering the last n years up to and
// including the year of now.
func TrailingPeriod(now time.Time, n int) string {
	if n < 1 {
		n = 1
	}
	end := now.Year()
	return MakePeriodID(end-n+1, end)
}

// FormatPeriodDisplay formats a period id for human-readable display.
// Single year: "2023"
// Range: "2021 to 2023"
func FormatPeriodDisplay(periodID string) string {
	start, end, err := ParsePeriod(periodID)
	if err != nil {
		return periodID
	}
	if start == end {
		return strconv.Itoa(start)
	}
	return fmt.Sprintf("%d to %d", start, end)
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
