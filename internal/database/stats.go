package database

import (
	"context"
	"math"
)

// YearSummary returns totals and severity shares for one year.
func (db *DB) YearSummary(ctx context.Context, year int) (*YearSummary, error) {
	s := &YearSummary{Year: year}
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(severity = 1), 0), COALESCE(SUM(severity = 2), 0), COALESCE(SUM(severity = 3), 0),
			COALESCE(SUM(area_code = ''), 0), COUNT(DISTINCT NULLIF(area_code, ''))
		FROM incidents WHERE year = ?`, year,
	).Scan(&s.Total, &s.Fatal, &s.Serious, &s.Slight, &s.Unassigned, &s.AreasWithIncidents)
	if err != nil {
		return nil, err
	}

	err = db.conn.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM casualties c JOIN incidents i ON i.id = c.incident_id WHERE i.year = ?),
			(SELECT COUNT(*) FROM vehicles v JOIN incidents i ON i.id = v.incident_id WHERE i.year = ?)`,
		year, year,
	).Scan(&s.Casualties, &s.Vehicles)
	if err != nil {
		return nil, err
	}

	if s.Total > 0 {
		s.FatalPct = percent(s.Fatal, s.Total)
		s.SeriousPct = percent(s.Serious, s.Total)
		s.SlightPct = percent(s.Slight, s.Total)
	}
	return s, nil
}

func percent(n, total int) float64 {
	return math.Round(float64(n)/float64(total)*10000) / 100
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM incidents", &s.Incidents},
		{"SELECT COUNT(*) FROM casualties", &s.Casualties},
		{"SELECT COUNT(*) FROM vehicles", &s.Vehicles},
		{"SELECT COUNT(*) FROM areal_units", &s.ArealUnits},
		{"SELECT COUNT(*) FROM count_points", &s.CountPoints},
		{"SELECT COUNT(*) FROM annual_flows", &s.AnnualFlows},
		{"SELECT COUNT(*) FROM facilities WHERE class = 'school'", &s.Schools},
		{"SELECT COUNT(*) FROM facilities WHERE class = 'camera'", &s.Cameras},
		{"SELECT COUNT(*) FROM weather_observations", &s.Weather},
		{"SELECT COUNT(*) FROM risk_periods", &s.RiskPeriods},
		{"SELECT COUNT(*) FROM ingestion_jobs", &s.Jobs},
		{"SELECT COUNT(*) FROM ingestion_jobs WHERE status = 'failed'", &s.FailedJobs},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	edition, err := db.CurrentEdition(ctx)
	if err != nil {
		return nil, err
	}
	s.Edition = edition
	return s, nil
}
