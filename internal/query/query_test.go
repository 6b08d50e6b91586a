package query

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/cache"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/config"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/risk"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/spatial"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var seedSeq int

func seed(t *testing.T, db *database.DB, records ...database.Entity) {
	t.Helper()
	ctx := context.Background()
	seedSeq++
	jobID := fmt.Sprintf("seed-%d", seedSeq)
	if err := db.Stage(ctx, jobID, 0, records); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := db.CommitStage(ctx, jobID, database.ModeIncremental); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func f64(v float64) *float64 { return &v }

func newTestService(t *testing.T) (*Service, *database.DB) {
	t.Helper()
	db := openTestDB(t)
	sp := spatial.New(db)
	re := risk.New(db, sp, config.Risk{})
	return New(db, sp, re, cache.NewMemory(time.Minute)), db
}

func TestGetIncidentWithChildren(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	seed(t, db,
		&database.Incident{ID: "2024010001", Year: 2024, OccurredAt: "2024-02-01", Severity: database.SeveritySerious, SourceID: "test"},
		&database.Vehicle{IncidentID: "2024010001", Year: 2024, VehicleRef: 1},
		&database.Casualty{IncidentID: "2024010001", Year: 2024, VehicleRef: 1, CasualtyRef: 1, Severity: database.SeveritySerious},
	)

	d, err := svc.GetIncident(ctx, "2024010001")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if len(d.Vehicles) != 1 || len(d.Casualties) != 1 {
		t.Errorf("expected 1 vehicle and 1 casualty, got %d and %d", len(d.Vehicles), len(d.Casualties))
	}

	if _, err := svc.GetIncident(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSearchNearbyIsCachedUntilInvalidated(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	p := geo.Point{Lat: 51.5, Lon: -0.1}
	seed(t, db, &database.Facility{Class: database.ClassCamera, ID: "C1", Lat: 51.5001, Lon: -0.1})

	hits, err := svc.SearchNearby(ctx, p, 200, spatial.ClassCamera, spatial.Filters{})
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 camera, got %d", len(hits))
	}

	seed(t, db, &database.Facility{Class: database.ClassCamera, ID: "C2", Lat: 51.5002, Lon: -0.1})
	hits, _ = svc.SearchNearby(ctx, p, 200, spatial.ClassCamera, spatial.Filters{})
	if len(hits) != 1 {
		t.Errorf("expected cached result, got %d hits", len(hits))
	}

	svc.Invalidate(ctx)
	hits, _ = svc.SearchNearby(ctx, p, 200, spatial.ClassCamera, spatial.Filters{})
	if len(hits) != 2 {
		t.Errorf("expected fresh result after invalidation, got %d hits", len(hits))
	}
}

func TestSearchNearbyEmptyIsNotNil(t *testing.T) {
	svc, _ := newTestService(t)
	hits, err := svc.SearchNearby(context.Background(), geo.Point{Lat: 51.5, Lon: -0.1}, 200, spatial.ClassSchool, spatial.Filters{})
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if hits == nil {
		t.Error("expected empty slice, got nil")
	}
}

func TestAreaStats(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	seed(t, db, &database.ArealUnit{
		Code: "E01000001", Name: "City of London 001A", Edition: "2021", AreaHectares: f64(13.3),
		Geometry: `{"type":"Polygon","coordinates":[[[0,51],[1,51],[1,52],[0,52],[0,51]]]}`,
		BBox:     geo.BBox{MinLon: 0, MinLat: 51, MaxLon: 1, MaxLat: 52},
	})

	st, err := svc.AreaStats(ctx, "E01000001", "2024")
	if err != nil {
		t.Fatalf("area stats: %v", err)
	}
	if st.Score != nil {
		t.Errorf("expected no score before recompute, got %+v", st.Score)
	}

	if _, err := svc.risk.Recompute(ctx, "2023..2024"); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	st, _ = svc.AreaStats(ctx, "E01000001", "2023..2024")
	if st.Score == nil || st.Score.Normalization != risk.NormArea {
		t.Errorf("expected area-normalized score, got %+v", st.Score)
	}

	if _, err := svc.AreaStats(ctx, "E09999999", "2024"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.AreaStats(ctx, "E01000001", "last-year"); err == nil {
		t.Error("expected error for malformed period")
	}
}

func TestYearSummaryAndJobs(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	seed(t, db,
		&database.Incident{ID: "A", Year: 2024, OccurredAt: "2024-01-01", Severity: database.SeverityFatal, SourceID: "test"},
		&database.Incident{ID: "B", Year: 2024, OccurredAt: "2024-01-02", Severity: database.SeveritySlight, SourceID: "test",
			Lat: f64(51.5), Lon: f64(-0.1), AreaCode: "E01000001"},
	)

	sum, err := svc.YearSummary(ctx, 2024)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Total != 2 || sum.FatalPct != 50 || sum.Unassigned != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}

	jobs, err := svc.Jobs(ctx, "", 10)
	if err != nil || jobs == nil || len(jobs) != 0 {
		t.Errorf("expected empty job list, got %v %v", jobs, err)
	}
}
