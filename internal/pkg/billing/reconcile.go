package billing

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/cmehub/billing/app/models"
)

const opSync = "sync"

// SyncReport describes what one reconcile pass did to a row.
type SyncReport struct {
	SubscriptionID string
	// Skipped is set for rows with no gateway counterpart.
	Skipped bool
	Changed bool
	From    models.DisplayStatus
	To      models.DisplayStatus
	// Divergent is set when the gateway state could not be reached from the
	// local state along a legal transition. The row is left as it was.
	Divergent       bool
	NewTransactions int
}

// Sync pulls sub's state and transactions from the gateway and applies them
// to the ledger. The gateway is the source of truth.
func (s *Service) Sync(ctx context.Context, sub *models.UserSubscription) (SyncReport, error) {
	if sub == nil || sub.ID == 0 {
		return SyncReport{}, validationf("subscription is required")
	}
	var (
		report  SyncReport
		syncErr error
	)
	res, _ := s.userOp(ctx, opSync, sub.UserID, func(ctx context.Context) (Result, *models.UserSubscription) {
		fresh, err := s.ledger.GetSubscription(sub.ID)
		if err != nil {
			syncErr = err
			return failed(err), nil
		}
		report, syncErr = s.syncLocked(ctx, fresh)
		if syncErr != nil {
			return failed(syncErr), fresh
		}
		return ok(report.String()), fresh
	})
	if syncErr == nil && !res.Success {
		syncErr = res.Err
	}
	return report, syncErr
}

// ReconcileUser syncs every gateway-backed row of the user, terminal rows
// included so late transactions are caught up.
func (s *Service) ReconcileUser(ctx context.Context, userID uint) ([]SyncReport, error) {
	rows, err := s.ledger.ListReconcileCandidates(userID)
	if err != nil {
		return nil, err
	}
	var (
		reports []SyncReport
		errs    []error
	)
	for i := range rows {
		report, err := s.Sync(ctx, &rows[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

func (s *Service) syncLocked(ctx context.Context, row *models.UserSubscription) (SyncReport, error) {
	report := SyncReport{SubscriptionID: row.SubscriptionID, From: row.DisplayStatus, To: row.DisplayStatus}
	if row.IsSynthetic() {
		report.Skipped = true
		s.metrics.ReconcileRunsTotal.WithLabelValues("skipped").Inc()
		return report, nil
	}

	remote, err := s.gwFind(ctx, row.SubscriptionID)
	if err != nil {
		s.metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return report, err
	}

	if !row.IsTerminal() {
		display, legal := remoteDisplay(row.DisplayStatus, remote.Status, remote.TrialPeriod)
		if !legal {
			report.Divergent = true
			s.metrics.ReconcileDivergenceTotal.WithLabelValues(string(row.DisplayStatus), string(remote.Status)).Inc()
			log.Warnf("[Reconcile] %s is %s/%s locally but %s at the gateway, leaving it for review",
				row.SubscriptionID, row.Status, row.DisplayStatus, remote.Status)
		} else {
			updated := *row
			updated.Status = remote.Status
			updated.DisplayStatus = display
			if remote.CurrentBillingCycle > updated.BillingCycle {
				updated.BillingCycle = remote.CurrentBillingCycle
			}
			if !remote.Status.Terminal() {
				updated.NextBillingAmount = remote.NextBillingAmount
			}
			if t := timePtr(remote.BillingPeriodStartDate); t != nil {
				updated.BillingStartDate = t
			}
			if t := timePtr(remote.BillingPeriodEndDate); t != nil {
				updated.BillingEndDate = t
			}
			if lifecycleChanged(row, &updated) {
				if err := s.applySync(row, &updated); err != nil {
					s.metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
					return report, err
				}
				report.Changed = true
				report.To = updated.DisplayStatus
				log.Infof("[Reconcile] %s %s -> %s (gateway %s)", row.SubscriptionID, row.DisplayStatus, updated.DisplayStatus, remote.Status)
				if entitlementChanged(row, &updated) || row.BillingCycle != updated.BillingCycle {
					s.refreshIfCurrent(&updated)
				}
			}
		}
	}

	var user *models.User
	for _, t := range remote.Transactions {
		tx := transactionRow(row.UserID, t)
		tx.SubscriptionRowID = row.ID
		created, err := s.ledger.UpsertTransaction(&tx)
		if err != nil {
			s.metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
			return report, err
		}
		if !created {
			continue
		}
		report.NewTransactions++
		if user == nil {
			if user, err = s.ledger.GetUser(row.UserID); err != nil {
				return report, err
			}
		}
		switch {
		case tx.IsSettledSale():
			s.notify(ctx, Notification{Event: NotifyReceipt, User: user, Subscription: row, PaymentMethod: remote.PaymentMethodToken, Transaction: &tx})
			if err := s.ledger.MarkReceiptSent(tx.ID); err != nil {
				log.Errorf("[Reconcile] Failed to mark receipt for %s: %v", tx.TransactionID, err)
			}
		case tx.IsFailedSale():
			s.notify(ctx, Notification{Event: NotifyPaymentFailure, User: user, Subscription: row, PaymentMethod: remote.PaymentMethodToken, Transaction: &tx})
		}
	}

	result := "unchanged"
	switch {
	case report.Divergent:
		result = "divergent"
	case report.Changed || report.NewTransactions > 0:
		result = "changed"
	}
	s.metrics.ReconcileRunsTotal.WithLabelValues(result).Inc()
	return report, nil
}

// applySync writes a reconciled row. A trial that renewed into a failed
// charge passes through Active on its way to Suspended.
func (s *Service) applySync(before, after *models.UserSubscription) error {
	from := before.DisplayStatus
	if from == models.DisplayTrial && after.DisplayStatus == models.DisplaySuspended {
		step := *after
		step.DisplayStatus = models.DisplayActive
		if err := s.writeTransition(from, &step); err != nil {
			return err
		}
		from = models.DisplayActive
	}
	return s.writeTransition(from, after)
}

func lifecycleChanged(a, b *models.UserSubscription) bool {
	return a.Status != b.Status ||
		a.DisplayStatus != b.DisplayStatus ||
		a.BillingCycle != b.BillingCycle ||
		!a.NextBillingAmount.Equal(b.NextBillingAmount) ||
		!sameTime(a.BillingStartDate, b.BillingStartDate) ||
		!sameTime(a.BillingEndDate, b.BillingEndDate) ||
		!sameID(a.NextPlanID, b.NextPlanID)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
