package ingest

import (
	"testing"
	"time"
)

func TestCadenceDue(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time {
		t := now.Add(-d)
		return &t
	}

	tests := []struct {
		cadence Cadence
		last    *time.Time
		want    bool
	}{
		{Manual, nil, false},
		{Manual, ago(1000 * time.Hour), false},
		{Daily, nil, true},
		{Continuous, ago(time.Second), true},
		{Daily, ago(23 * time.Hour), false},
		{Daily, ago(24 * time.Hour), true},
		{Weekly, ago(6 * 24 * time.Hour), false},
		{Weekly, ago(7 * 24 * time.Hour), true},
		{Annual, ago(300 * 24 * time.Hour), false},
		{Annual, ago(365 * 24 * time.Hour), true},
	}
	for _, tt := range tests {
		if got := tt.cadence.Due(tt.last, now); got != tt.want {
			t.Errorf("%s with last %v: expected due=%v, got %v", tt.cadence, tt.last, tt.want, got)
		}
	}
}

func TestParseCadence(t *testing.T) {
	if c, err := ParseCadence(""); err != nil || c != Daily {
		t.Errorf("expected empty cadence to mean daily, got %q (%v)", c, err)
	}
	if c, err := ParseCadence("weekly"); err != nil || c != Weekly {
		t.Errorf("expected weekly, got %q (%v)", c, err)
	}
	if _, err := ParseCadence("fortnightly"); err == nil {
		t.Error("expected error for unknown cadence")
	}
}
