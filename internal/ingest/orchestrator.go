// Package ingest refreshes upstream datasets into the canonical store.
// Each refresh fetches, maps and stages records under a job id, then
// applies the stage in one transaction so a failed refresh leaves the
// store exactly as it was.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/logger"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/metrics"
)

// Enricher completes an entity before it is staged. The spatial engine
// uses it to assign incidents to areal units.
type Enricher interface {
	Enrich(ctx context.Context, e database.Entity) error
}

// Policy binds a registered source to its mapping and schedule.
type Policy struct {
	// Kind selects the field mapping, e.g. "stats19_collisions".
	Kind    string
	Cadence Cadence
	// Timeout is the wall-clock budget of one refresh.
	Timeout time.Duration
	// Edition labels boundary units; empty means the layout version.
	Edition string
	// AfterCommit runs after a successful refresh once every lock is
	// released.
	AfterCommit func(ctx context.Context, res RunResult)
}

// Options tune an Orchestrator.
type Options struct {
	MaxConsecutiveFailures int
	Concurrency            int
	BatchSize              int
	DefaultTimeout         time.Duration
	Envelope               geo.BBox
	Enricher               Enricher
	Now                    func() time.Time
}

// RunResult reports the outcome of one refresh.
type RunResult struct {
	SourceID       string
	JobID          string
	Mode           database.Mode
	Status         string
	Processed      int
	Inserted       int
	Updated        int
	Deleted        int
	Failed         int
	Flagged        int
	Years          []int
	EditionChanged bool
	Edition        string
	Duration       time.Duration
	Err            error
}

type source struct {
	id      string
	adapter Adapter
	policy  Policy
	mapping *Mapping
	// mu admits one refresh of the source at a time.
	mu sync.Mutex
}

// Orchestrator schedules and runs source refreshes.
type Orchestrator struct {
	db   *database.DB
	opts Options

	mu      sync.RWMutex
	sources map[string]*source

	// Refreshes hold reconcileMu shared; Reconcile holds it exclusively.
	reconcileMu sync.RWMutex
}

// New creates an orchestrator over db.
func New(db *database.DB, opts Options) *Orchestrator {
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Minute
	}
	if opts.Envelope == (geo.BBox{}) {
		opts.Envelope = geo.BBox{MinLon: -180, MinLat: -90, MaxLon: 180, MaxLat: 90}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{db: db, opts: opts, sources: map[string]*source{}}
}

// RegisterSource adds a source and makes sure it has a state row.
func (o *Orchestrator) RegisterSource(ctx context.Context, id string, adapter Adapter, policy Policy) error {
	mapping, err := MappingFor(policy.Kind)
	if err != nil {
		return fmt.Errorf("source %s: %w", id, err)
	}
	if policy.Cadence == "" {
		policy.Cadence = Daily
	}
	if _, err := ParseCadence(string(policy.Cadence)); err != nil {
		return fmt.Errorf("source %s: %w", id, err)
	}
	if policy.Timeout <= 0 {
		policy.Timeout = o.opts.DefaultTimeout
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sources[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, id)
	}
	if err := o.db.EnsureSourceState(ctx, id, string(policy.Cadence)); err != nil {
		return fmt.Errorf("recording state of %s: %w", id, err)
	}
	o.sources[id] = &source{id: id, adapter: adapter, policy: policy, mapping: mapping}
	return nil
}

// Sources returns the registered source ids in order.
func (o *Orchestrator) Sources() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.sources))
	for id := range o.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) source(id string) (*source, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	src, ok := o.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	return src, nil
}

// States returns the stored state of every registered source.
func (o *Orchestrator) States(ctx context.Context) ([]database.SourceState, error) {
	all, err := o.db.ListSourceStates(ctx)
	if err != nil {
		return nil, err
	}
	registered := o.Sources()
	out := all[:0]
	for _, st := range all {
		if slices.Contains(registered, st.SourceID) {
			out = append(out, st)
		}
	}
	return out, nil
}

// DegradedSources returns the ids of sources that hit the failure limit.
func (o *Orchestrator) DegradedSources(ctx context.Context) ([]string, error) {
	states, err := o.States(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, st := range states {
		if st.Degraded {
			ids = append(ids, st.SourceID)
		}
	}
	return ids, nil
}

// DueSources returns the ids of sources whose cadence has elapsed at now.
func (o *Orchestrator) DueSources(ctx context.Context, now time.Time) ([]string, error) {
	states, err := o.db.ListSourceStates(ctx)
	if err != nil {
		return nil, err
	}
	lastUpdated := make(map[string]*time.Time, len(states))
	for _, st := range states {
		lastUpdated[st.SourceID] = st.LastUpdated
	}

	var due []string
	for _, id := range o.Sources() {
		src, err := o.source(id)
		if err != nil {
			return nil, err
		}
		if src.policy.Cadence.Due(lastUpdated[id], now) {
			due = append(due, id)
		}
	}
	return due, nil
}

// RunDueSources incrementally refreshes every due source, at most
// Concurrency at a time. Sources whose records reference another kind
// start only after every due source of that kind has settled, so child
// rows never commit ahead of their parents. A failing source never stops
// the others; its error is carried in its RunResult. Results are ordered
// by source id.
func (o *Orchestrator) RunDueSources(ctx context.Context, now time.Time) ([]RunResult, error) {
	due, err := o.DueSources(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}

	waves := map[int][]int{}
	var depths []int
	for i, id := range due {
		src, err := o.source(id)
		if err != nil {
			return nil, err
		}
		d := Depth(src.policy.Kind)
		if _, ok := waves[d]; !ok {
			depths = append(depths, d)
		}
		waves[d] = append(waves[d], i)
	}
	sort.Ints(depths)

	results := make([]RunResult, len(due))
	for _, d := range depths {
		var g errgroup.Group
		g.SetLimit(o.opts.Concurrency)
		for _, i := range waves[d] {
			g.Go(func() error {
				res, _ := o.Refresh(ctx, due[i], database.ModeIncremental)
				results[i] = res
				return nil
			})
		}
		_ = g.Wait()
	}
	return results, nil
}

// FullRefresh rebuilds every partition the source delivers.
func (o *Orchestrator) FullRefresh(ctx context.Context, id string) (RunResult, error) {
	return o.Refresh(ctx, id, database.ModeFull)
}

// Refresh runs one refresh of a source. It returns ErrSourceBusy without
// doing anything when the same source is already refreshing.
func (o *Orchestrator) Refresh(ctx context.Context, id string, mode database.Mode) (RunResult, error) {
	src, err := o.source(id)
	if err != nil {
		return RunResult{SourceID: id, Mode: mode, Err: err}, err
	}
	if !src.mu.TryLock() {
		err := fmt.Errorf("%w: %s", ErrSourceBusy, id)
		return RunResult{SourceID: id, Mode: mode, Err: err}, err
	}
	res := o.run(ctx, src, mode)
	src.mu.Unlock()

	if res.Err == nil && src.policy.AfterCommit != nil {
		src.policy.AfterCommit(ctx, res)
	}
	return res, res.Err
}

func (o *Orchestrator) run(ctx context.Context, src *source, mode database.Mode) RunResult {
	o.reconcileMu.RLock()
	defer o.reconcileMu.RUnlock()

	log := logger.L().With("source", src.id, "mode", string(mode))
	start := o.opts.Now().UTC()
	res := RunResult{SourceID: src.id, Mode: mode}

	st, err := o.db.GetSourceState(ctx, src.id)
	if err != nil {
		res.Err = fmt.Errorf("loading state of %s: %w", src.id, err)
		return res
	}
	if st == nil {
		st = &database.SourceState{SourceID: src.id, Cadence: string(src.policy.Cadence)}
	}

	job := &database.IngestionJob{
		ID:        uuid.NewString(),
		JobName:   fmt.Sprintf("%s %s refresh", src.id, mode),
		JobType:   string(mode),
		SourceID:  src.id,
		StartedAt: start,
	}
	if err := o.db.StartJob(ctx, job); err != nil {
		res.Err = fmt.Errorf("starting job for %s: %w", src.id, err)
		return res
	}
	res.JobID = job.ID
	log = log.With("job_id", job.ID)
	log.Info("Refresh started")

	var since time.Time
	if mode == database.ModeIncremental && st.LastUpdated != nil {
		since = *st.LastUpdated
	}

	runCtx, cancel := context.WithTimeout(ctx, src.policy.Timeout)
	defer cancel()

	latest, commit, err := o.stageAndCommit(runCtx, src, job.ID, mode, since, &res)
	if err != nil && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = &TimeoutError{Source: src.id, Budget: src.policy.Timeout}
	}
	res.Duration = o.opts.Now().Sub(start)

	// Bookkeeping must land even when the caller's context is gone.
	bctx := context.WithoutCancel(ctx)
	if err != nil {
		o.fail(bctx, log, src, job, st, &res, err)
		return res
	}

	res.Inserted, res.Updated, res.Deleted = commit.Inserted, commit.Updated, commit.Deleted
	res.Years = commit.Years
	res.EditionChanged, res.Edition = commit.EditionChanged, commit.Edition
	for _, rj := range commit.Rejections {
		log.Warn("Record rejected at commit", "error",
			&ReferentialIntegrityError{Kind: string(rj.Kind), Key: rj.Key, Parent: rj.Parent})
	}
	res.Failed += len(commit.Rejections)
	res.Status = database.StatusCompleted

	now := o.opts.Now().UTC()
	job.Status = database.StatusCompleted
	job.CompletedAt = &now
	job.Processed, job.Inserted, job.Updated, job.Failed = res.Processed, res.Inserted, res.Updated, res.Failed
	if err := o.db.FinishJob(bctx, job); err != nil {
		log.Error("Failed to finalize job", "error", err)
	}

	st.LastChecked = &now
	st.LastUpdated = &start
	st.ConsecutiveFailures = 0
	st.Degraded = false
	st.LastError = nil
	if latest != "" && (st.LatestDataDate == nil || latest > *st.LatestDataDate) {
		st.LatestDataDate = &latest
	}
	if err := o.db.SaveSourceState(bctx, st); err != nil {
		log.Error("Failed to save source state", "error", err)
	}

	metrics.JobsTotal.WithLabelValues(src.id, database.StatusCompleted).Inc()
	metrics.JobDurationSeconds.WithLabelValues(src.id).Observe(res.Duration.Seconds())
	metrics.RecordsTotal.WithLabelValues(src.id, "inserted").Add(float64(res.Inserted))
	metrics.RecordsTotal.WithLabelValues(src.id, "updated").Add(float64(res.Updated))
	metrics.RecordsTotal.WithLabelValues(src.id, "failed").Add(float64(res.Failed))
	metrics.SourceDegraded.WithLabelValues(src.id).Set(0)

	log.Info("Refresh completed",
		"processed", res.Processed, "inserted", res.Inserted, "updated", res.Updated,
		"deleted", res.Deleted, "failed", res.Failed, "flagged", res.Flagged,
		"duration", res.Duration.Round(time.Millisecond))
	return res
}

// stageAndCommit streams the adapter into the job's stage and applies it.
// It returns the newest data date seen.
func (o *Orchestrator) stageAndCommit(ctx context.Context, src *source, jobID string, mode database.Mode, since time.Time, res *RunResult) (string, *database.CommitResult, error) {
	tc := &transformContext{sourceID: src.id, edition: src.policy.Edition, envelope: o.opts.Envelope}
	batch := make([]database.Entity, 0, o.opts.BatchSize)
	seq := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := o.db.Stage(ctx, jobID, seq, batch); err != nil {
			return fmt.Errorf("staging batch at %d: %w", seq, err)
		}
		seq += len(batch)
		batch = batch[:0]
		return nil
	}

	var latest string
	for rec, err := range src.adapter.Fetch(ctx, since) {
		if err != nil {
			return "", nil, &SourceFetchError{Source: src.id, Err: err}
		}
		res.Processed++

		e, err := src.mapping.Transform(rec, tc)
		if err != nil {
			res.Failed++
			logger.L().Debug("Record skipped", "source", src.id, "error", err)
			continue
		}
		if o.opts.Enricher != nil {
			if err := o.opts.Enricher.Enrich(ctx, e); err != nil {
				return "", nil, fmt.Errorf("enriching %s %s: %w", e.Kind(), e.NaturalKey(), err)
			}
		}
		if inc, ok := e.(*database.Incident); ok && inc.GeoFlag != "" {
			res.Flagged++
		}
		if d := dataDate(e); d > latest {
			latest = d
		}

		batch = append(batch, e)
		if len(batch) >= o.opts.BatchSize {
			if err := flush(); err != nil {
				return "", nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return "", nil, err
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	commit, err := o.db.CommitStage(ctx, jobID, mode)
	if err != nil {
		return "", nil, fmt.Errorf("committing %s: %w", src.id, err)
	}
	return latest, commit, nil
}

func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, src *source, job *database.IngestionJob, st *database.SourceState, res *RunResult, err error) {
	res.Err = err
	res.Status = database.StatusFailed

	if derr := o.db.DiscardStage(ctx, job.ID); derr != nil {
		log.Error("Failed to discard stage", "error", derr)
	}

	now := o.opts.Now().UTC()
	detail := err.Error()
	job.Status = database.StatusFailed
	job.CompletedAt = &now
	job.Processed, job.Failed = res.Processed, res.Failed
	job.ErrorDetail = &detail
	if ferr := o.db.FinishJob(ctx, job); ferr != nil {
		log.Error("Failed to finalize job", "error", ferr)
	}

	st.LastChecked = &now
	st.ConsecutiveFailures++
	st.LastError = &detail
	if st.ConsecutiveFailures >= o.opts.MaxConsecutiveFailures && !st.Degraded {
		st.Degraded = true
		log.Error("Source degraded", "consecutive_failures", st.ConsecutiveFailures)
	}
	if serr := o.db.SaveSourceState(ctx, st); serr != nil {
		log.Error("Failed to save source state", "error", serr)
	}

	metrics.JobsTotal.WithLabelValues(src.id, database.StatusFailed).Inc()
	metrics.JobDurationSeconds.WithLabelValues(src.id).Observe(res.Duration.Seconds())
	if st.Degraded {
		metrics.SourceDegraded.WithLabelValues(src.id).Set(1)
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		log.Warn("Refresh timed out", "budget", te.Budget)
		return
	}
	log.Warn("Refresh failed", "error", err, "consecutive_failures", st.ConsecutiveFailures)
}
