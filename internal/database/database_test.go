package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func incident(id string, year int, sev Severity, lat, lon float64) *Incident {
	return &Incident{
		ID:         id,
		Year:       year,
		OccurredAt: time.Date(year, 3, 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02"),
		Lat:        f64(lat),
		Lon:        f64(lon),
		Severity:   sev,
		SourceID:   "test",
	}
}

// commit stages records under a fresh job id and applies them.
func commit(t *testing.T, db *DB, jobID string, mode Mode, records ...Entity) *CommitResult {
	t.Helper()
	ctx := context.Background()
	if err := db.Stage(ctx, jobID, 0, records); err != nil {
		t.Fatalf("stage: %v", err)
	}
	res, err := db.CommitStage(ctx, jobID, mode)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return res
}

func TestCommitInsertsThenUpdates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	res := commit(t, db, "job-1", ModeIncremental,
		incident("A1", 2023, SeveritySlight, 51.5, -0.1),
		incident("A2", 2023, SeverityFatal, 51.6, -0.2),
	)
	if res.Inserted != 2 || res.Updated != 0 {
		t.Errorf("expected 2 inserted 0 updated, got %d/%d", res.Inserted, res.Updated)
	}
	if len(res.Years) != 1 || res.Years[0] != 2023 {
		t.Errorf("expected years [2023], got %v", res.Years)
	}

	changed := incident("A1", 2023, SeveritySerious, 51.5, -0.1)
	res = commit(t, db, "job-2", ModeIncremental, changed)
	if res.Inserted != 0 || res.Updated != 1 {
		t.Errorf("expected 0 inserted 1 updated, got %d/%d", res.Inserted, res.Updated)
	}

	got, err := db.GetIncident(ctx, "A1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Severity != SeveritySerious {
		t.Errorf("expected updated severity Serious, got %+v", got)
	}

	n, err := db.StagedCount(ctx, "job-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected stage cleared after commit, got %d rows", n)
	}
}

func TestCommitIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	records := []Entity{
		incident("B1", 2022, SeveritySlight, 52.0, -1.0),
		&Vehicle{IncidentID: "B1", Year: 2022, VehicleRef: 1, VehicleType: "Car"},
		&Casualty{IncidentID: "B1", Year: 2022, VehicleRef: 1, CasualtyRef: 1, Severity: SeveritySlight},
	}
	commit(t, db, "first", ModeIncremental, records...)
	before, _ := db.GetStats(ctx)

	res := commit(t, db, "second", ModeIncremental, records...)
	if res.Inserted != 0 || res.Updated != 3 {
		t.Errorf("expected 0 inserted 3 updated on replay, got %d/%d", res.Inserted, res.Updated)
	}
	after, _ := db.GetStats(ctx)
	if *before != *after {
		t.Errorf("expected identical stats after replay, got %+v vs %+v", before, after)
	}
}

func TestCommitRejectsOrphanChildren(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	res := commit(t, db, "job", ModeIncremental,
		incident("C1", 2023, SeveritySlight, 52.0, -1.0),
		&Casualty{IncidentID: "C1", Year: 2023, VehicleRef: 1, CasualtyRef: 1, Severity: SeveritySlight},
		&Casualty{IncidentID: "MISSING", Year: 2023, VehicleRef: 1, CasualtyRef: 1, Severity: SeveritySlight},
	)
	if res.Inserted != 2 {
		t.Errorf("expected 2 inserted, got %d", res.Inserted)
	}
	if len(res.Rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(res.Rejections))
	}
	if res.Rejections[0].Parent != "MISSING" || res.Rejections[0].Kind != KindCasualty {
		t.Errorf("unexpected rejection: %+v", res.Rejections[0])
	}

	cas, err := db.GetCasualties(ctx, "MISSING")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cas) != 0 {
		t.Errorf("expected orphan casualty not stored, got %d", len(cas))
	}
}

func TestFullModeReplacesOnlyStagedPartitions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	commit(t, db, "seed", ModeIncremental,
		incident("D1", 2022, SeveritySlight, 52.0, -1.0),
		incident("D2", 2023, SeveritySlight, 52.0, -1.0),
		incident("D3", 2023, SeveritySlight, 52.0, -1.0),
		&Casualty{IncidentID: "D3", Year: 2023, VehicleRef: 1, CasualtyRef: 1, Severity: SeveritySlight},
	)

	res := commit(t, db, "full", ModeFull, incident("D2", 2023, SeverityFatal, 52.0, -1.0))
	if res.Deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", res.Deleted)
	}

	if got, _ := db.GetIncident(ctx, "D3"); got != nil {
		t.Error("expected D3 removed by full refresh of 2023")
	}
	if got, _ := db.GetIncident(ctx, "D1"); got == nil {
		t.Error("expected D1 in untouched partition 2022 to survive")
	}
	if cas, _ := db.GetCasualties(ctx, "D3"); len(cas) != 0 {
		t.Error("expected casualties of D3 cascade-deleted")
	}
}

func TestDiscardStageLeavesLiveTablesUntouched(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Stage(ctx, "job", 0, []Entity{incident("E1", 2023, SeveritySlight, 52.0, -1.0)}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if got, _ := db.GetIncident(ctx, "E1"); got != nil {
		t.Error("expected staged record invisible before commit")
	}
	if err := db.DiscardStage(ctx, "job"); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if n, _ := db.StagedCount(ctx, "job"); n != 0 {
		t.Errorf("expected empty stage, got %d", n)
	}
	if got, _ := db.GetIncident(ctx, "E1"); got != nil {
		t.Error("expected no live incident after discard")
	}
}

func TestCorrectedAnnualFlowReplacesSingleRow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	point := &CountPoint{ID: "900001", RoadName: "A1", Lat: 52.1, Lon: -0.5}
	commit(t, db, "seed", ModeIncremental,
		point,
		&AnnualFlow{PointID: "900001", Year: 2021, AllMotorVehicles: i64(12000)},
		&AnnualFlow{PointID: "900001", Year: 2022, AllMotorVehicles: i64(12500)},
	)

	res := commit(t, db, "correction", ModeIncremental,
		&AnnualFlow{PointID: "900001", Year: 2022, AllMotorVehicles: i64(13100), EstimationMethod: "Counted"},
	)
	if res.Updated != 1 || res.Inserted != 0 {
		t.Errorf("expected exactly one updated row, got %d inserted %d updated", res.Inserted, res.Updated)
	}

	flows, err := db.GetAnnualFlows(ctx, "900001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(flows) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(flows))
	}
	if *flows[0].AllMotorVehicles != 12000 {
		t.Errorf("expected 2021 untouched, got %d", *flows[0].AllMotorVehicles)
	}
	if *flows[1].AllMotorVehicles != 13100 || flows[1].EstimationMethod != "Counted" {
		t.Errorf("expected corrected 2022 row, got %+v", flows[1])
	}
}

func TestArealUnitsReplacedWholesale(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	unit := func(code, edition string) *ArealUnit {
		return &ArealUnit{Code: code, Edition: edition, Geometry: `{"type":"Polygon","coordinates":[]}`,
			BBox: geo.BBox{MinLon: -1, MinLat: 51, MaxLon: 0, MaxLat: 52}}
	}

	res := commit(t, db, "e2011", ModeIncremental, unit("E01000001", "2011"), unit("E01000002", "2011"))
	if !res.EditionChanged {
		t.Error("expected edition change from empty store")
	}

	res = commit(t, db, "e2021", ModeIncremental, unit("E01000001", "2021"), unit("E01000003", "2021"))
	if !res.EditionChanged || res.Edition != "2021" {
		t.Errorf("expected edition change to 2021, got %v %q", res.EditionChanged, res.Edition)
	}
	units, _ := db.ListArealUnits(ctx)
	if len(units) != 2 {
		t.Fatalf("expected 2 units after replacement, got %d", len(units))
	}
	if units[0].Code != "E01000001" || units[1].Code != "E01000003" {
		t.Errorf("unexpected units: %s, %s", units[0].Code, units[1].Code)
	}

	res = commit(t, db, "again", ModeIncremental, unit("E01000001", "2021"), unit("E01000003", "2021"))
	if res.EditionChanged {
		t.Error("expected no edition change on identical reload")
	}
}

func TestFacilityFullRefreshByClass(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	commit(t, db, "seed", ModeIncremental,
		&Facility{Class: ClassSchool, ID: "100", Lat: 52, Lon: -1},
		&Facility{Class: ClassSchool, ID: "101", Lat: 52, Lon: -1},
		&Facility{Class: ClassCamera, ID: "C9", Lat: 52, Lon: -1},
	)
	commit(t, db, "full", ModeFull, &Facility{Class: ClassSchool, ID: "100", Lat: 52, Lon: -1,
		Attributes: map[string]string{"phase": "Primary"}})

	if f, _ := db.GetFacility(ctx, ClassSchool, "101"); f != nil {
		t.Error("expected school 101 removed")
	}
	if f, _ := db.GetFacility(ctx, ClassCamera, "C9"); f == nil {
		t.Error("expected camera partition untouched")
	}
	f, _ := db.GetFacility(ctx, ClassSchool, "100")
	if f == nil || f.Attributes["phase"] != "Primary" {
		t.Errorf("expected attributes round trip, got %+v", f)
	}
}

func TestIncidentsInBBoxFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	commit(t, db, "seed", ModeIncremental,
		incident("F1", 2021, SeverityFatal, 51.50, -0.10),
		incident("F2", 2023, SeveritySlight, 51.50, -0.10),
		incident("F3", 2023, SeverityFatal, 53.00, -2.00),
	)

	box := geo.Around(geo.Point{Lat: 51.5, Lon: -0.1}, 1000)
	got, err := db.IncidentsInBBox(ctx, box, IncidentFilter{YearFrom: 2022, Severities: []Severity{SeveritySlight}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "F2" {
		t.Errorf("expected only F2, got %+v", got)
	}
}

func TestHotspotsOrderingAndMinCount(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	run := RiskPeriod{Period: "2023", ComputedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	scores := []AreaRiskScore{
		{AreaCode: "B", Total: 12, RiskScore: 40},
		{AreaCode: "A", Total: 15, RiskScore: 40},
		{AreaCode: "C", Total: 9, RiskScore: 90},
		{AreaCode: "D", Total: 30, RiskScore: 60},
	}
	if err := db.ReplaceAreaRiskScores(ctx, run, scores); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hs, err := db.Hotspots(ctx, "2023", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var codes []string
	for _, h := range hs {
		codes = append(codes, h.AreaCode)
	}
	if len(codes) != 3 || codes[0] != "D" || codes[1] != "A" || codes[2] != "B" {
		t.Errorf("expected [D A B], got %v", codes)
	}

	p, err := db.GetRiskPeriod(ctx, "2023")
	if err != nil || p == nil {
		t.Fatalf("expected risk period, got %v %v", p, err)
	}
	if !p.ComputedAt.Equal(run.ComputedAt) {
		t.Errorf("expected computed_at %s, got %s", run.ComputedAt, p.ComputedAt)
	}
}

func TestPurgeOrphanScores(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	commit(t, db, "units", ModeIncremental, &ArealUnit{Code: "KEEP", Edition: "2021", Geometry: "{}"})

	run := RiskPeriod{Period: "2022..2023", ComputedAt: time.Now()}
	if err := db.ReplaceAreaRiskScores(ctx, run, []AreaRiskScore{{AreaCode: "KEEP"}, {AreaCode: "GONE"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	periods, err := db.PurgeOrphanScores(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(periods) != 1 || periods[0] != "2022..2023" {
		t.Errorf("expected [2022..2023], got %v", periods)
	}
	scores, _ := db.ListAreaRiskScores(ctx, "2022..2023")
	if len(scores) != 1 || scores[0].AreaCode != "KEEP" {
		t.Errorf("expected only KEEP left, got %+v", scores)
	}
}

func TestJobLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	job := &IngestionJob{ID: "j-1", JobName: "schools incremental", JobType: JobIncremental, SourceID: "schools", StartedAt: start}
	if err := db.StartJob(ctx, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := db.GetJob(ctx, "j-1")
	if got == nil || got.Status != StatusRunning {
		t.Fatalf("expected running job, got %+v", got)
	}

	done := start.Add(time.Minute)
	detail := "boom"
	job.Status, job.CompletedAt, job.Failed, job.ErrorDetail = StatusFailed, &done, 2, &detail
	if err := db.FinishJob(ctx, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	jobs, err := db.ListJobs(ctx, "schools", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != StatusFailed || jobs[0].Failed != 2 {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
	if jobs[0].CompletedAt == nil || !jobs[0].CompletedAt.Equal(done) {
		t.Errorf("expected completed_at %s, got %v", done, jobs[0].CompletedAt)
	}
}

func TestSourceStateRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.EnsureSourceState(ctx, "weather", "continuous"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, _ := db.GetSourceState(ctx, "weather")
	if st == nil || st.LastUpdated != nil || st.Degraded {
		t.Fatalf("expected fresh state, got %+v", st)
	}

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st.LastUpdated, st.ConsecutiveFailures, st.Degraded = &now, 3, true
	if err := db.SaveSourceState(ctx, st); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.EnsureSourceState(ctx, "weather", "daily"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ = db.GetSourceState(ctx, "weather")
	if !st.Degraded || st.ConsecutiveFailures != 3 || st.Cadence != "daily" {
		t.Errorf("unexpected state: %+v", st)
	}
	if st.LastUpdated == nil || !st.LastUpdated.Equal(now) {
		t.Errorf("expected last_updated %s, got %v", now, st.LastUpdated)
	}
}

func TestYearSummary(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := incident("G1", 2023, SeverityFatal, 52, -1)
	a.AreaCode = "E01"
	commit(t, db, "seed", ModeIncremental,
		a,
		incident("G2", 2023, SeveritySlight, 52, -1),
		incident("G3", 2023, SeveritySlight, 52, -1),
		incident("G4", 2023, SeveritySerious, 52, -1),
	)

	s, err := db.YearSummary(ctx, 2023)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Total != 4 || s.Fatal != 1 || s.Slight != 2 {
		t.Errorf("unexpected summary: %+v", s)
	}
	if s.SlightPct != 50 || s.FatalPct != 25 {
		t.Errorf("expected 50%%/25%%, got %v/%v", s.SlightPct, s.FatalPct)
	}
	if s.Unassigned != 3 || s.AreasWithIncidents != 1 {
		t.Errorf("expected 3 unassigned in 1 area, got %d/%d", s.Unassigned, s.AreasWithIncidents)
	}
}

func TestPeriodHelpers(t *testing.T) {
	if got := MakePeriodID(2023, 2023); got != "2023" {
		t.Errorf("expected '2023', got %q", got)
	}
	if got := MakePeriodID(2021, 2023); got != "2021..2023" {
		t.Errorf("expected '2021..2023', got %q", got)
	}
	start, end, err := ParsePeriod("2021..2023")
	if err != nil || start != 2021 || end != 2023 {
		t.Errorf("expected 2021..2023, got %d %d %v", start, end, err)
	}
	for _, bad := range []string{"", "23", "2023..2021", "abcd", "2021..x"} {
		if _, _, err := ParsePeriod(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	if got := TrailingPeriod(now, 3); got != "2022..2024" {
		t.Errorf("expected '2022..2024', got %q", got)
	}
	if got := FormatPeriodDisplay("2021..2023"); got != "2021 to 2023" {
		t.Errorf("expected '2021 to 2023', got %q", got)
	}
}

func TestRecomputePeriodHoldsOffBoundaryCommits(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	commit(t, db, "units-2011", ModeFull,
		&ArealUnit{Code: "U1", Edition: "2011", Geometry: "{}"},
		&ArealUnit{Code: "U2", Edition: "2011", Geometry: "{}"},
	)
	commit(t, db, "incidents", ModeIncremental, func() *Incident {
		inc := incident("A1", 2023, SeverityFatal, 51.5, -0.1)
		inc.AreaCode = "U1"
		return inc
	}())
	if err := db.Stage(ctx, "units-2021", 0, []Entity{&ArealUnit{Code: "U2", Edition: "2021", Geometry: "{}"}}); err != nil {
		t.Fatalf("stage: %v", err)
	}

	committed := make(chan error, 1)
	in, err := db.RecomputePeriod(ctx, "2023", time.Now(), func(in PeriodInputs) []AreaRiskScore {
		go func() {
			_, err := db.CommitStage(ctx, "units-2021", ModeFull)
			committed <- err
		}()
		select {
		case err := <-committed:
			t.Errorf("expected boundary commit to wait for the recompute, got %v", err)
			committed <- err
		case <-time.After(100 * time.Millisecond):
		}
		var out []AreaRiskScore
		for _, u := range in.Units {
			c := in.Counts[u.Code]
			out = append(out, AreaRiskScore{AreaCode: u.Code, Fatal: c.Fatal, Total: c.Total()})
		}
		return out
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(in.Units) != 2 || in.Edition != "2011" {
		t.Errorf("expected 2 units of edition 2011, got %d of %q", len(in.Units), in.Edition)
	}
	if in.Counts["U1"].Fatal != 1 {
		t.Errorf("expected 1 fatal in U1, got %+v", in.Counts["U1"])
	}
	if err := <-committed; err != nil {
		t.Fatalf("boundary commit: %v", err)
	}

	p, _ := db.GetRiskPeriod(ctx, "2023")
	if p == nil || p.UnitCount != 2 || p.Edition != "2011" {
		t.Errorf("expected run over 2 units of 2011, got %+v", p)
	}
	periods, err := db.PurgeOrphanScores(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(periods) != 1 || periods[0] != "2023" {
		t.Errorf("expected 2023 to lose the retired unit, got %v", periods)
	}
}

func TestRecomputePeriodRejectsBadPeriod(t *testing.T) {
	db := openTestDB(t)
	called := false
	_, err := db.RecomputePeriod(context.Background(), "last", time.Now(), func(PeriodInputs) []AreaRiskScore {
		called = true
		return nil
	})
	if err == nil {
		t.Error("expected error for malformed period")
	}
	if called {
		t.Error("expected score not to run")
	}
}

func TestReplaceIncidentLinks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	commit(t, db, "incidents", ModeIncremental,
		incident("L1", 2023, SeveritySlight, 51.5, -0.1),
		incident("L2", 2023, SeveritySerious, 51.6, -0.2),
	)

	n, err := db.ReplaceIncidentLinks(ctx, 2023, ClassSchool, []IncidentLink{
		{IncidentID: "L1", FeatureID: "100", FeatureName: "Hill Primary", Detail: "Primary", DistanceM: 120},
		{IncidentID: "L2", FeatureID: "200", DistanceM: 900},
		{IncidentID: "GONE", FeatureID: "300", DistanceM: 5},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 links written, got %d", n)
	}

	// A rebuild replaces the year's links of that class wholesale.
	if _, err := db.ReplaceIncidentLinks(ctx, 2023, ClassSchool, []IncidentLink{
		{IncidentID: "L1", FeatureID: "101", DistanceM: 80},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	links, err := db.GetIncidentLinks(ctx, "L1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(links) != 1 || links[0].FeatureID != "101" || links[0].Year != 2023 || links[0].Class != ClassSchool {
		t.Errorf("expected one rebuilt link to 101, got %+v", links)
	}
	if got, _ := db.GetIncidentLinks(ctx, "L2"); len(got) != 0 {
		t.Errorf("expected L2 link gone after rebuild, got %+v", got)
	}
	if c, _ := db.CountIncidentLinks(ctx, 2023, ClassSchool); c != 1 {
		t.Errorf("expected 1 link counted, got %d", c)
	}
}
