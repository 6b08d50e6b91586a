// Package report composes the markdown status report shown by the CLI and
// at /status.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/risk"
)

const (
	recentJobs   = 10
	hotspotLimit = 10
)

// Report is a rendered status snapshot.
type Report struct {
	Period      string
	GeneratedAt time.Time
	TLDR        string
	Body        string
}

// Markdown returns the whole report as one document.
func (r *Report) Markdown() string {
	return fmt.Sprintf("# Road safety data status\n\nPeriod: %s. Generated %s.\n\n%s\n\n---\n\n%s\n",
		database.FormatPeriodDisplay(r.Period), r.GeneratedAt.UTC().Format(time.RFC1123), r.TLDR, r.Body)
}

// Composer gathers source health, jobs and risk into a report.
type Composer struct {
	db   *database.DB
	risk *risk.Engine
}

func NewComposer(db *database.DB, re *risk.Engine) *Composer {
	return &Composer{db: db, risk: re}
}

// Compose builds the report for a risk period.
func (c *Composer) Compose(ctx context.Context, period string, now time.Time) (*Report, error) {
	states, err := c.db.ListSourceStates(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := c.db.ListJobs(ctx, "", recentJobs)
	if err != nil {
		return nil, err
	}
	hot, err := c.risk.Hotspots(ctx, period, 0, hotspotLimit)
	if err != nil {
		return nil, err
	}
	stats, err := c.db.GetStats(ctx)
	if err != nil {
		return nil, err
	}

	return &Report{
		Period:      period,
		GeneratedAt: now,
		TLDR:        tldr(states, jobs, hot, stats),
		Body: strings.Join([]string{
			sourcesSection(states),
			jobsSection(jobs),
			hotspotsSection(period, hot),
			storeSection(stats),
		}, "\n\n---\n\n"),
	}, nil
}

func tldr(states []database.SourceState, jobs []database.IngestionJob, hot []database.AreaRiskScore, stats *database.Stats) string {
	var bullets []string
	var degraded []string
	for _, s := range states {
		if s.Degraded {
			degraded = append(degraded, s.SourceID)
		}
	}
	if len(degraded) > 0 {
		bullets = append(bullets, fmt.Sprintf("- **Degraded:** %s", strings.Join(degraded, ", ")))
	}
	var failed int
	for _, j := range jobs {
		if j.Status == database.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		bullets = append(bullets, fmt.Sprintf("- %d of the last %d jobs failed", failed, len(jobs)))
	}
	if len(hot) > 0 {
		bullets = append(bullets, fmt.Sprintf("- Top hotspot: %s (%s, %d incidents)", hot[0].AreaCode, hot[0].RiskCategory, hot[0].Total))
	}
	bullets = append(bullets, fmt.Sprintf("- %d incidents across %d areal units (edition %s)",
		stats.Incidents, stats.ArealUnits, orDash(stats.Edition)))
	return strings.Join(bullets, "\n")
}

func sourcesSection(states []database.SourceState) string {
	if len(states) == 0 {
		return "## Sources\n\nNo sources registered."
	}
	lines := []string{
		"## Sources",
		"",
		"| Source | Cadence | Last updated | Latest data | Failures | State |",
		"|---|---|---|---|---|---|",
	}
	for _, s := range states {
		state := "ok"
		if s.Degraded {
			state = "degraded"
		}
		lines = append(lines, fmt.Sprintf("| %s | %s | %s | %s | %d | %s |",
			s.SourceID, s.Cadence, formatTime(s.LastUpdated), derefOr(s.LatestDataDate), s.ConsecutiveFailures, state))
	}
	return strings.Join(lines, "\n")
}

func jobsSection(jobs []database.IngestionJob) string {
	if len(jobs) == 0 {
		return "## Recent jobs\n\nNo jobs recorded."
	}
	lines := []string{
		"## Recent jobs",
		"",
		"| Started | Source | Type | Status | Processed | Inserted | Updated | Failed |",
		"|---|---|---|---|---|---|---|---|",
	}
	var errs []string
	for _, j := range jobs {
		lines = append(lines, fmt.Sprintf("| %s | %s | %s | %s | %d | %d | %d | %d |",
			j.StartedAt.UTC().Format("2006-01-02 15:04"), j.SourceID, j.JobType, j.Status,
			j.Processed, j.Inserted, j.Updated, j.Failed))
		if j.ErrorDetail != nil && *j.ErrorDetail != "" {
			errs = append(errs, fmt.Sprintf("- `%s`: %s", j.SourceID, *j.ErrorDetail))
		}
	}
	if len(errs) > 0 {
		lines = append(lines, "", "**Errors:**", strings.Join(errs, "\n"))
	}
	return strings.Join(lines, "\n")
}

func hotspotsSection(period string, hot []database.AreaRiskScore) string {
	title := "## Hotspots, " + database.FormatPeriodDisplay(period)
	if len(hot) == 0 {
		return title + "\n\nNo areal unit meets the minimum incident count."
	}
	lines := []string{
		title,
		"",
		"| Area | Fatal | Serious | Slight | Raw | Score | Basis | Category |",
		"|---|---|---|---|---|---|---|---|",
	}
	for _, h := range hot {
		lines = append(lines, fmt.Sprintf("| %s | %d | %d | %d | %.0f | %.2f | %s | %s |",
			h.AreaCode, h.Fatal, h.Serious, h.Slight, h.ScoreRaw, h.RiskScore, h.Normalization, h.RiskCategory))
	}
	return strings.Join(lines, "\n")
}

func storeSection(s *database.Stats) string {
	return fmt.Sprintf(`## Store

- Incidents: %d (casualties %d, vehicles %d)
- Areal units: %d
- Traffic count points: %d (annual flows %d)
- Schools: %d, cameras: %d
- Weather observations: %d
- Risk periods: %d
- Jobs: %d (%d failed)`,
		s.Incidents, s.Casualties, s.Vehicles, s.ArealUnits, s.CountPoints, s.AnnualFlows,
		s.Schools, s.Cameras, s.Weather, s.RiskPeriods, s.Jobs, s.FailedJobs)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func derefOr(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
