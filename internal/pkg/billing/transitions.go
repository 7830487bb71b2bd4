package billing

import (
	"github.com/cmehub/billing/app/models"
)

// CanTransition reports whether a ledger row may move from one display status
// to another in place. Staying put is always allowed. Rows in a terminal
// display status only ever give way to a new row.
func CanTransition(from, to models.DisplayStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case models.DisplayTrial:
		return to == models.DisplayActive || to == models.DisplayTrialCanceled
	case models.DisplayActive:
		switch to {
		case models.DisplayActiveCanceled,
			models.DisplayActiveDowngradeScheduled,
			models.DisplaySuspended,
			models.DisplayExpired,
			models.DisplayEnterpriseCanceled:
			return true
		}
		return false
	case models.DisplayActiveCanceled:
		return to == models.DisplayActive || to == models.DisplayExpired
	case models.DisplayActiveDowngradeScheduled:
		// Completion expires the row and opens a new one on the next plan.
		return to == models.DisplayActive || to == models.DisplayExpired
	case models.DisplaySuspended:
		return to == models.DisplayActive || to == models.DisplayExpired
	case models.DisplayTrialCanceled, models.DisplayEnterpriseCanceled, models.DisplayExpired:
		return false
	default:
		return false
	}
}

// IsTerminalDisplay reports whether a display status admits no further
// in-place transition.
func IsTerminalDisplay(ds models.DisplayStatus) bool {
	switch ds {
	case models.DisplayTrialCanceled, models.DisplayEnterpriseCanceled, models.DisplayExpired:
		return true
	case models.DisplayTrial,
		models.DisplayActive,
		models.DisplayActiveCanceled,
		models.DisplayActiveDowngradeScheduled,
		models.DisplaySuspended:
		return false
	default:
		return false
	}
}

// IsOpen reports whether a row still counts as the user's live subscription.
// A terminally canceled Suspended row keeps its display status but is closed.
func IsOpen(sub *models.UserSubscription) bool {
	if sub == nil {
		return false
	}
	return !sub.Status.Terminal() && !IsTerminalDisplay(sub.DisplayStatus)
}

// allowNewFor reports whether a user may open a new paid subscription
// given their current row. A live row, including one in
// PastDue or Pending at the gateway, must be terminally canceled first.
func allowNewFor(current *models.UserSubscription) bool {
	if current == nil {
		return true
	}
	switch current.Status {
	case models.GatewayStatusCanceled, models.GatewayStatusExpired:
		return true
	case models.GatewayStatusActive, models.GatewayStatusPastDue, models.GatewayStatusPending:
		return false
	default:
		return false
	}
}

// remoteDisplay maps a gateway status onto the display status a row in
// local state should end up in. ok is false when the observed remote state
// cannot be reached from local along a legal path.
func remoteDisplay(local models.DisplayStatus, remote models.GatewayStatus, inTrial bool) (models.DisplayStatus, bool) {
	switch remote {
	case models.GatewayStatusActive:
		switch local {
		case models.DisplayTrial:
			if inTrial {
				return local, true
			}
			return models.DisplayActive, true
		case models.DisplaySuspended:
			return models.DisplayActive, true
		case models.DisplayActive, models.DisplayActiveCanceled, models.DisplayActiveDowngradeScheduled:
			return local, true
		}
		return local, false
	case models.GatewayStatusPastDue:
		switch local {
		case models.DisplayActive, models.DisplaySuspended:
			return models.DisplaySuspended, true
		case models.DisplayTrial:
			// Trial ended and the first charge failed: Trial -> Active -> Suspended.
			return models.DisplaySuspended, true
		}
		return local, false
	case models.GatewayStatusCanceled, models.GatewayStatusExpired:
		switch local {
		case models.DisplayTrial:
			return models.DisplayTrialCanceled, true
		case models.DisplayActive, models.DisplayActiveCanceled, models.DisplaySuspended:
			return models.DisplayExpired, true
		}
		// A pending downgrade must be completed by its own job, not coerced.
		return local, false
	case models.GatewayStatusPending:
		return local, local == models.DisplayTrial || local == models.DisplayActive
	default:
		return local, false
	}
}
