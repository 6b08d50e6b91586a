package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/logger"
)

// ReconcileSourceID is the source id recorded on reconcile jobs.
const ReconcileSourceID = "reconcile"

// Reconcile reassigns every stored incident to an areal unit of the
// current boundary edition. Changed incidents are staged year by year and
// applied in one commit, so readers see either the old assignment or the
// new one. Refreshes wait while it runs.
func (o *Orchestrator) Reconcile(ctx context.Context) (RunResult, error) {
	res := RunResult{SourceID: ReconcileSourceID, Mode: database.ModeIncremental}
	if o.opts.Enricher == nil {
		res.Err = errors.New("reconcile needs an enricher")
		return res, res.Err
	}

	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	start := o.opts.Now().UTC()
	job := &database.IngestionJob{
		ID:        uuid.NewString(),
		JobName:   "area reconciliation",
		JobType:   database.JobReconcile,
		SourceID:  ReconcileSourceID,
		StartedAt: start,
	}
	if err := o.db.StartJob(ctx, job); err != nil {
		res.Err = fmt.Errorf("starting reconcile job: %w", err)
		return res, res.Err
	}
	res.JobID = job.ID
	log := logger.L().With("job_id", job.ID)

	err := o.reconcileYears(ctx, job.ID, &res)
	var commit *database.CommitResult
	if err == nil {
		commit, err = o.db.CommitStage(ctx, job.ID, database.ModeIncremental)
	}

	bctx := context.WithoutCancel(ctx)
	now := o.opts.Now().UTC()
	res.Duration = now.Sub(start)
	job.CompletedAt = &now
	job.Processed = res.Processed
	if err != nil {
		res.Err, res.Status = err, database.StatusFailed
		if derr := o.db.DiscardStage(bctx, job.ID); derr != nil {
			log.Error("Failed to discard stage", "error", derr)
		}
		detail := err.Error()
		job.Status, job.ErrorDetail = database.StatusFailed, &detail
		if ferr := o.db.FinishJob(bctx, job); ferr != nil {
			log.Error("Failed to finalize job", "error", ferr)
		}
		log.Warn("Reconcile failed", "error", err)
		return res, err
	}

	res.Status = database.StatusCompleted
	res.Updated = commit.Updated
	res.Years = commit.Years
	res.Edition = commit.Edition
	job.Status = database.StatusCompleted
	job.Updated = res.Updated
	if ferr := o.db.FinishJob(bctx, job); ferr != nil {
		log.Error("Failed to finalize job", "error", ferr)
	}
	log.Info("Reconcile completed", "checked", res.Processed, "reassigned", res.Updated,
		"years", len(res.Years))
	return res, nil
}

func (o *Orchestrator) reconcileYears(ctx context.Context, jobID string, res *RunResult) error {
	years, err := o.db.IncidentYears(ctx)
	if err != nil {
		return fmt.Errorf("listing incident years: %w", err)
	}

	seq := 0
	for _, y := range years {
		incidents, err := o.db.IncidentsForYear(ctx, y)
		if err != nil {
			return fmt.Errorf("loading incidents of %d: %w", y, err)
		}

		var changed []database.Entity
		for i := range incidents {
			inc := &incidents[i]
			before := inc.AreaCode
			if err := o.opts.Enricher.Enrich(ctx, inc); err != nil {
				return fmt.Errorf("reassigning %s: %w", inc.ID, err)
			}
			res.Processed++
			if inc.AreaCode != before {
				changed = append(changed, inc)
			}
		}
		if err := o.db.Stage(ctx, jobID, seq, changed); err != nil {
			return fmt.Errorf("staging year %d: %w", y, err)
		}
		seq += len(changed)
	}
	return ctx.Err()
}
