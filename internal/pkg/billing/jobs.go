package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/gateway"
)

// Scheduled job kinds.
const (
	JobCheckTrialStatus  = "check_trial_status"
	JobCompleteDowngrade = "complete_downgrade"
	JobReconcile         = "reconcile_subscription"
)

// JobKinds lists every job the runner understands.
var JobKinds = []string{JobCheckTrialStatus, JobCompleteDowngrade, JobReconcile}

// JobRunner adapts the service to the job queue: it lists the rows a job
// should visit and runs the job for one row. Every job is safe to re-run.
type JobRunner struct {
	svc *Service
}

func NewJobRunner(svc *Service) *JobRunner {
	return &JobRunner{svc: svc}
}

// Candidates returns the subscription row ids a job kind should visit,
// optionally restricted to one user.
func (r *JobRunner) Candidates(_ context.Context, kind string, userID uint) ([]uint, error) {
	var (
		rows []models.UserSubscription
		err  error
	)
	switch kind {
	case JobCheckTrialStatus:
		rows, err = r.svc.ledger.ListTrialCandidates(userID)
	case JobCompleteDowngrade:
		rows, err = r.svc.ledger.ListDueDowngrades(r.svc.now(), userID)
	case JobReconcile:
		rows, err = r.svc.ledger.ListReconcileCandidates(userID)
	default:
		return nil, fmt.Errorf("unknown billing job %q", kind)
	}
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// Run executes one job for one subscription row. A nil error means nothing
// is left to retry.
func (r *JobRunner) Run(ctx context.Context, kind string, subscriptionRowID uint) error {
	switch kind {
	case JobCheckTrialStatus, JobCompleteDowngrade, JobReconcile:
	default:
		err := fmt.Errorf("unknown billing job %q", kind)
		r.svc.metrics.JobsTotal.WithLabelValues(kind, jobOutcome(err)).Inc()
		return err
	}

	sub, err := r.svc.ledger.GetSubscription(subscriptionRowID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Infof("[Jobs] %s: subscription row %d no longer exists", kind, subscriptionRowID)
		return nil
	}
	if err != nil {
		return err
	}

	var jobErr error
	switch kind {
	case JobCheckTrialStatus:
		res, _ := r.svc.CheckTrialStatus(ctx, sub)
		jobErr = resultErr(res)
	case JobCompleteDowngrade:
		res, _ := r.svc.CompleteDowngrade(ctx, sub, "")
		jobErr = resultErr(res)
	case JobReconcile:
		_, jobErr = r.svc.Sync(ctx, sub)
		if errors.Is(jobErr, gateway.ErrNotFound) {
			jobErr = nil
		}
	}

	r.svc.metrics.JobsTotal.WithLabelValues(kind, jobOutcome(jobErr)).Inc()
	return jobErr
}

// resultErr maps an operation result onto a job error. Validation failures
// mean the row has already moved on, so there is nothing to retry.
func resultErr(res Result) error {
	switch {
	case res.Success:
		return nil
	case errors.Is(res.Err, ErrValidation):
		log.Debugf("[Jobs] nothing to do: %v", res.Err)
		return nil
	case res.Err != nil:
		return res.Err
	default:
		return errors.New(res.Message)
	}
}

func jobOutcome(err error) string {
	if err == nil {
		return "success"
	}
	if gateway.IsIndeterminate(err) {
		return "indeterminate"
	}
	return "error"
}
