// Package pipeline wires the engines together and runs the scheduled cycle:
// refresh due sources, reconcile areas after a boundary change, relink
// incidents to their nearest facilities, then rebuild the risk periods the
// new data touched.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/cache"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/config"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/ingest"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/logger"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/query"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/report"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/risk"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/sources"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/spatial"
)

// recomputeConcurrency bounds parallel period rebuilds.
const recomputeConcurrency = 2

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	StartedAt time.Time
	Refreshes []ingest.RunResult
	Steps     []StepResult
}

// Failed reports whether any step failed.
func (r *Result) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Pipeline owns the engines built from one config.
type Pipeline struct {
	cfg     *config.Config
	db      *database.DB
	cache   cache.Cache
	orch    *ingest.Orchestrator
	spatial *spatial.Engine
	risk    *risk.Engine
	query   *query.Service
	report  *report.Composer
	now     func() time.Time

	// boundarySources are the ids whose commits change the areal units.
	boundarySources map[string]bool
	// facilitySources are the ids whose commits move link targets.
	facilitySources map[string]bool

	mu              sync.Mutex
	boundaryChanged bool
	pending         map[string]bool
	dataChanged     bool
	linkYears       map[int]bool
	relinkAll       bool
}

// New builds the engines, loads the boundary index and registers every
// enabled source.
func New(ctx context.Context, cfg *config.Config, db *database.DB, c cache.Cache) (*Pipeline, error) {
	if c == nil {
		c = cache.Nop{}
	}
	p := &Pipeline{
		cfg:             cfg,
		db:              db,
		cache:           c,
		spatial:         spatial.New(db),
		now:             time.Now,
		boundarySources: map[string]bool{},
		facilitySources: map[string]bool{},
		pending:         map[string]bool{},
		linkYears:       map[int]bool{},
	}
	if err := p.spatial.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading boundary index: %w", err)
	}

	oc := cfg.Orchestrator
	p.orch = ingest.New(db, ingest.Options{
		MaxConsecutiveFailures: oc.MaxConsecutiveFailures,
		Concurrency:            oc.Concurrency,
		BatchSize:              oc.StageBatchSize,
		DefaultTimeout:         oc.DefaultTimeout,
		Envelope: geo.BBox{
			MinLon: cfg.Envelope.MinLon, MinLat: cfg.Envelope.MinLat,
			MaxLon: cfg.Envelope.MaxLon, MaxLat: cfg.Envelope.MaxLat,
		},
		Enricher: p.spatial,
	})
	p.risk = risk.New(db, p.spatial, cfg.Risk)
	p.query = query.New(db, p.spatial, p.risk, c)
	p.report = report.NewComposer(db, p.risk)

	for _, src := range cfg.Sources {
		switch src.Kind {
		case ingest.KindBoundaries:
			p.boundarySources[src.ID] = true
		case ingest.KindSchools, ingest.KindCameras:
			p.facilitySources[src.ID] = true
		}
	}
	if err := sources.Register(ctx, p.orch, cfg, p.noteCommit); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) Orchestrator() *ingest.Orchestrator { return p.orch }
func (p *Pipeline) Spatial() *spatial.Engine           { return p.spatial }
func (p *Pipeline) Risk() *risk.Engine                 { return p.risk }
func (p *Pipeline) Query() *query.Service              { return p.query }
func (p *Pipeline) Reporter() *report.Composer         { return p.report }

// TrailingPeriod is the default period of hotspots and reports.
func (p *Pipeline) TrailingPeriod() string {
	return database.TrailingPeriod(p.now(), p.risk.RouteWindowYears())
}

// noteCommit records what a successful refresh changed so the next Settle
// can follow up.
func (p *Pipeline) noteCommit(_ context.Context, res ingest.RunResult) {
	changed := res.Inserted+res.Updated+res.Deleted > 0
	p.mu.Lock()
	defer p.mu.Unlock()
	if changed {
		p.dataChanged = true
	}
	if p.boundarySources[res.SourceID] && (changed || res.EditionChanged) {
		p.boundaryChanged = true
	}
	if p.facilitySources[res.SourceID] && changed {
		p.relinkAll = true
	}
	for _, y := range res.Years {
		p.pending[strconv.Itoa(y)] = true
		if changed {
			p.linkYears[y] = true
		}
	}
}

// Run executes one scheduled cycle.
func (p *Pipeline) Run(ctx context.Context, now time.Time) *Result {
	r := &Result{StartedAt: now}

	logger.L().Info("Step 1/4: Refreshing due sources...")
	results, err := p.orch.RunDueSources(ctx, now)
	r.Refreshes = results
	r.Steps = append(r.Steps, refreshStep(results, err))

	r.Steps = append(r.Steps, p.Settle(ctx, now)...)
	return r
}

// Refresh runs one source by hand and then settles derived data.
func (p *Pipeline) Refresh(ctx context.Context, id string, mode database.Mode) *Result {
	now := p.now()
	r := &Result{StartedAt: now}
	res, err := p.orch.Refresh(ctx, id, mode)
	r.Refreshes = []ingest.RunResult{res}
	r.Steps = append(r.Steps, refreshStep(r.Refreshes, nil))
	if err != nil {
		return r
	}
	r.Steps = append(r.Steps, p.Settle(ctx, now)...)
	return r
}

// Reconcile reloads the boundary index, reassigns every incident, relinks
// every year and recomputes what changed, whether or not a source
// committed.
func (p *Pipeline) Reconcile(ctx context.Context) []StepResult {
	p.mu.Lock()
	p.boundaryChanged = true
	p.relinkAll = true
	p.mu.Unlock()
	return p.Settle(ctx, p.now())
}

func refreshStep(results []ingest.RunResult, err error) StepResult {
	if err != nil {
		return StepResult{Name: "Refresh", Err: err}
	}
	if len(results) == 0 {
		return StepResult{Name: "Refresh", Summary: "No sources due"}
	}
	var ok, failed int
	var records int
	var failures []string
	for _, res := range results {
		if res.Err != nil {
			failed++
			failures = append(failures, res.SourceID)
			continue
		}
		ok++
		records += res.Inserted + res.Updated + res.Deleted
	}
	s := StepResult{
		Name:    "Refresh",
		Summary: fmt.Sprintf("%d sources refreshed, %d failed, %d rows changed", ok, failed, records),
	}
	if failed > 0 {
		s.Err = fmt.Errorf("refresh failed for %s", strings.Join(failures, ", "))
	}
	return s
}

// Settle brings derived data up to date with what refreshes committed:
// boundary changes reload the index and reassign incidents, touched years
// are relinked to their nearest facilities, then every touched period and
// the trailing period are recomputed.
func (p *Pipeline) Settle(ctx context.Context, now time.Time) []StepResult {
	p.mu.Lock()
	boundaries := p.boundaryChanged
	p.boundaryChanged = false
	p.mu.Unlock()

	logger.L().Info("Step 2/4: Reconciling areas...")
	steps := []StepResult{p.reconcile(ctx, boundaries)}

	logger.L().Info("Step 3/4: Linking nearest facilities...")
	steps = append(steps, p.link(ctx))

	logger.L().Info("Step 4/4: Recomputing risk...")
	steps = append(steps, p.recompute(ctx, now))
	return steps
}

// link rebuilds incident links for every year that changed, or for all
// years after a facility source committed. Failed years stay pending.
func (p *Pipeline) link(ctx context.Context) StepResult {
	classes := p.cfg.Links.Classes
	p.mu.Lock()
	years, all := p.linkYears, p.relinkAll
	p.linkYears, p.relinkAll = map[int]bool{}, false
	p.mu.Unlock()

	if len(classes) == 0 {
		return StepResult{Name: "Link", Summary: "Linking disabled"}
	}
	if all {
		stored, err := p.db.IncidentYears(ctx)
		if err != nil {
			p.mu.Lock()
			p.relinkAll = true
			p.mu.Unlock()
			return StepResult{Name: "Link", Err: err}
		}
		for _, y := range stored {
			years[y] = true
		}
	}
	if len(years) == 0 {
		return StepResult{Name: "Link", Summary: "Links unchanged"}
	}

	sorted := make([]int, 0, len(years))
	for y := range years {
		sorted = append(sorted, y)
	}
	sort.Ints(sorted)

	var links int
	var failed []string
	for _, y := range sorted {
		n, err := p.spatial.LinkYear(ctx, y, classes, p.cfg.Links.MaxDistanceM)
		if err != nil {
			logger.L().Warn("Linking failed", "year", y, "error", err)
			failed = append(failed, strconv.Itoa(y))
			p.mu.Lock()
			p.linkYears[y] = true
			p.mu.Unlock()
			continue
		}
		links += n
	}
	p.invalidate(ctx)

	s := StepResult{
		Name:    "Link",
		Summary: fmt.Sprintf("%d links stored over %d years", links, len(sorted)-len(failed)),
	}
	if len(failed) > 0 {
		s.Err = fmt.Errorf("linking failed for %s", strings.Join(failed, ", "))
	}
	return s
}

func (p *Pipeline) reconcile(ctx context.Context, boundaries bool) StepResult {
	if !boundaries {
		return StepResult{Name: "Reconcile", Summary: "Boundaries unchanged"}
	}
	if err := p.spatial.Load(ctx); err != nil {
		p.markBoundaryChanged()
		return StepResult{Name: "Reconcile", Err: err}
	}
	res, err := p.orch.Reconcile(ctx)
	if err != nil {
		p.markBoundaryChanged()
		return StepResult{Name: "Reconcile", Err: err}
	}

	p.mu.Lock()
	p.dataChanged = true
	p.mu.Unlock()
	p.addPending(res.Years...)
	return StepResult{
		Name: "Reconcile",
		Summary: fmt.Sprintf("Edition %s: %d incidents checked, %d reassigned",
			p.spatial.Edition(), res.Processed, res.Updated),
	}
}

func (p *Pipeline) markBoundaryChanged() {
	p.mu.Lock()
	p.boundaryChanged = true
	p.mu.Unlock()
}

func (p *Pipeline) addPending(years ...int) {
	p.mu.Lock()
	for _, y := range years {
		p.pending[strconv.Itoa(y)] = true
	}
	p.mu.Unlock()
}

// periodsToRecompute drains the pending set and adds orphan-affected
// periods and the trailing period when it is stale or missing.
func (p *Pipeline) periodsToRecompute(ctx context.Context, now time.Time) ([]string, error) {
	orphaned, err := p.risk.PurgeOrphans(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	set := p.pending
	p.pending = map[string]bool{}
	changed := p.dataChanged
	p.dataChanged = false
	p.mu.Unlock()

	for _, period := range orphaned {
		set[period] = true
	}
	trailing := database.TrailingPeriod(now, p.risk.RouteWindowYears())
	if changed || len(set) > 0 {
		set[trailing] = true
	} else if run, err := p.db.GetRiskPeriod(ctx, trailing); err != nil {
		return nil, err
	} else if run == nil {
		set[trailing] = true
	}
	if changed {
		p.invalidate(ctx)
	}

	periods := make([]string, 0, len(set))
	for period := range set {
		periods = append(periods, period)
	}
	sort.Strings(periods)
	return periods, nil
}

func (p *Pipeline) recompute(ctx context.Context, now time.Time) StepResult {
	periods, err := p.periodsToRecompute(ctx, now)
	if err != nil {
		return StepResult{Name: "Recompute", Err: err}
	}
	if len(periods) == 0 {
		return StepResult{Name: "Recompute", Summary: "Nothing to recompute"}
	}

	var mu sync.Mutex
	var failed []string
	var g errgroup.Group
	g.SetLimit(recomputeConcurrency)
	for _, period := range periods {
		g.Go(func() error {
			if _, err := p.risk.Recompute(ctx, period); err != nil {
				logger.L().Warn("Recompute failed", "period", period, "error", err)
				mu.Lock()
				failed = append(failed, period)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	p.invalidate(ctx)

	s := StepResult{
		Name:    "Recompute",
		Summary: fmt.Sprintf("Recomputed %d of %d periods: %s", len(periods)-len(failed), len(periods), strings.Join(periods, ", ")),
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		p.mu.Lock()
		for _, period := range failed {
			p.pending[period] = true
		}
		p.mu.Unlock()
		s.Err = fmt.Errorf("recompute failed for %s", strings.Join(failed, ", "))
	}
	return s
}

func (p *Pipeline) invalidate(ctx context.Context) {
	if err := p.query.Invalidate(ctx); err != nil {
		logger.L().Warn("Cache invalidation failed", "error", err)
	}
}

// Loop runs a cycle immediately and then on every tick until ctx is done.
func (p *Pipeline) Loop(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = time.Hour
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		r := p.Run(ctx, p.now())
		for _, s := range r.Steps {
			if s.Err != nil {
				logger.L().Warn("Pipeline step failed", "step", s.Name, "error", s.Err)
			} else {
				logger.L().Info("Pipeline step done", "step", s.Name, "summary", s.Summary)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
