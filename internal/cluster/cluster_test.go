package cluster

import (
	"fmt"
	"testing"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
)

type testScorer struct{}

func (testScorer) Raw(c database.SeverityCounts) float64 {
	return float64(10*c.Fatal + 3*c.Serious + c.Slight)
}

func (testScorer) Category(raw float64) string {
	if raw >= 10 {
		return "Medium"
	}
	return "Low"
}

func f64(v float64) *float64 { return &v }

func incident(id string, sev database.Severity, lat, lon float64) database.Incident {
	return database.Incident{ID: id, Year: 2024, Severity: sev, Lat: f64(lat), Lon: f64(lon)}
}

func TestLabelsThreshold(t *testing.T) {
	// about 150 m apart
	pts := []geo.Point{{Lat: 51.5, Lon: -0.1}, {Lat: 51.50135, Lon: -0.1}}

	if l := Labels(pts, 100); l[0] == l[1] {
		t.Errorf("expected separate clusters at 100 m, got %v", l)
	}
	if l := Labels(pts, 200); l[0] != l[1] {
		t.Errorf("expected one cluster at 200 m, got %v", l)
	}
	if l := Labels(nil, 100); len(l) != 0 {
		t.Errorf("expected no labels, got %v", l)
	}
}

func TestLabelsAcrossGroupsAreDistinct(t *testing.T) {
	pts := []geo.Point{
		{Lat: 51.5, Lon: -0.1},
		{Lat: 51.6, Lon: -0.1},
		{Lat: 51.5001, Lon: -0.1},
		{Lat: 51.7, Lon: -0.1},
	}
	l := Labels(pts, 100)
	if fmt.Sprint(l) != "[0 1 0 2]" {
		t.Errorf("expected [0 1 0 2], got %v", l)
	}
}

func TestFindBlackspots(t *testing.T) {
	incidents := []database.Incident{
		incident("A1", database.SeverityFatal, 51.5000, -0.1000),
		incident("A2", database.SeveritySlight, 51.5002, -0.1000),
		incident("A3", database.SeveritySlight, 51.5000, -0.1003),
		incident("B1", database.SeveritySerious, 51.5100, -0.1000),
		incident("B2", database.SeveritySerious, 51.5101, -0.1000),
		incident("C1", database.SeveritySlight, 51.5200, -0.1000),
		{ID: "D1", Year: 2024, Severity: database.SeverityFatal},
	}

	spots := Find(incidents, 100, 2, testScorer{})
	if len(spots) != 2 {
		t.Fatalf("expected 2 blackspots, got %d: %+v", len(spots), spots)
	}
	a := spots[0]
	if fmt.Sprint(a.IncidentIDs) != "[A1 A2 A3]" {
		t.Errorf("expected A cluster first, got %v", a.IncidentIDs)
	}
	if a.ScoreRaw != 12 || a.Category != "Medium" || a.Counts.Fatal != 1 || a.Counts.Slight != 2 {
		t.Errorf("unexpected A cluster %+v", a)
	}
	if a.RadiusM <= 0 || a.RadiusM > 30 {
		t.Errorf("expected radius under 30 m, got %f", a.RadiusM)
	}
	if spots[1].ScoreRaw != 6 || spots[1].Incidents != 2 {
		t.Errorf("unexpected B cluster %+v", spots[1])
	}

	spots = Find(incidents, 100, 3, testScorer{})
	if len(spots) != 1 || spots[0].Incidents != 3 {
		t.Errorf("expected only the A cluster with min count 3, got %+v", spots)
	}
}

func TestFindEmptyIsNotNil(t *testing.T) {
	if spots := Find(nil, 100, 1, testScorer{}); spots == nil || len(spots) != 0 {
		t.Errorf("expected empty slice, got %v", spots)
	}
}
