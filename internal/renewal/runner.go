package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// RunStats counts what a batch run did.
type RunStats struct {
	Due       int `json:"due"`
	Escalated int `json:"escalated"`
	Dormant   int `json:"dormant"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (r *RunStats) add(o RunStats) {
	r.Due += o.Due
	r.Escalated += o.Escalated
	r.Dormant += o.Dormant
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

func (r *RunStats) count(o Outcome) {
	switch o {
	case OutcomeEscalated:
		r.Escalated++
	case OutcomeDormant:
		r.Dormant++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
}

// Runner walks due renewal records. It assumes a single writer per org.
type Runner struct {
	store     Store
	scheduler *Scheduler
	logger    log.Logger
	hooks     Hooks
	now       func() time.Time
}

// NewRunner creates a Runner that evaluates records with scheduler.
func NewRunner(store Store, scheduler *Scheduler, logger log.Logger, hooks Hooks) *Runner {
	if store == nil {
		panic(xerrors.New("renewal store is required"))
	}
	if scheduler == nil {
		panic(xerrors.New("renewal scheduler is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Runner{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		hooks:     hooks,
		now:       scheduler.now,
	}
}

// RunForOrg evaluates the org's due records one at a time. A failing record
// is counted and logged and the run moves on; it remains due for the next
// run. Only failure to list due records is returned as an error.
func (r *Runner) RunForOrg(ctx context.Context, orgID string) (RunStats, error) {
	start := time.Now()
	stats, err := r.runForOrg(ctx, orgID)
	r.hooks.run(stats, time.Since(start), err)
	return stats, err
}

func (r *Runner) runForOrg(ctx context.Context, orgID string) (RunStats, error) {
	L := r.logger.With("org_id", orgID)
	var stats RunStats

	due, err := r.store.Due(ctx, orgID, r.now())
	if err != nil {
		return stats, fmt.Errorf("list due renewals for org %s: %w", orgID, err)
	}
	stats.Due = len(due)

	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		outcome, err := r.scheduler.Evaluate(ctx, rec)
		stats.count(outcome)
		if err != nil {
			L.Error(ctx, err, "renewal cycle aborted, record stays due", "record_id", rec.ID)
		}
	}

	L.Info(ctx, "renewal run complete",
		"due", stats.Due,
		"escalated", stats.Escalated,
		"dormant", stats.Dormant,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)
	return stats, nil
}

// RunForAllOrgs runs every org in turn. Errors from individual orgs are
// joined; the remaining orgs still run.
func (r *Runner) RunForAllOrgs(ctx context.Context) (RunStats, error) {
	var total RunStats

	orgs, err := r.store.OrgIDs(ctx)
	if err != nil {
		return total, fmt.Errorf("list renewal orgs: %w", err)
	}

	var errs []error
	for _, org := range orgs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		stats, err := r.RunForOrg(ctx, org)
		total.add(stats)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Loop runs RunForAllOrgs immediately and then every interval until ctx is
// done.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) {
	r.logger.Info(ctx, "renewal loop started", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunForAllOrgs(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error(ctx, err, "renewal run failed")
		}
		select {
		case <-ctx.Done():
			r.logger.Info(context.WithoutCancel(ctx), "renewal loop stopped")
			return
		case <-ticker.C:
		}
	}
}
