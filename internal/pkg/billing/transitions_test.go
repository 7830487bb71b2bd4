package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cmehub/billing/app/models"
)

var allDisplayStatuses = []models.DisplayStatus{
	models.DisplayTrial,
	models.DisplayActive,
	models.DisplayActiveCanceled,
	models.DisplayActiveDowngradeScheduled,
	models.DisplaySuspended,
	models.DisplayTrialCanceled,
	models.DisplayEnterpriseCanceled,
	models.DisplayExpired,
}

func TestCanTransition(t *testing.T) {
	legal := map[models.DisplayStatus][]models.DisplayStatus{
		models.DisplayTrial:  {models.DisplayActive, models.DisplayTrialCanceled},
		models.DisplayActive: {models.DisplayActiveCanceled, models.DisplayActiveDowngradeScheduled, models.DisplaySuspended, models.DisplayExpired, models.DisplayEnterpriseCanceled},
		models.DisplayActiveCanceled:           {models.DisplayActive, models.DisplayExpired},
		models.DisplayActiveDowngradeScheduled: {models.DisplayActive, models.DisplayExpired},
		models.DisplaySuspended:                {models.DisplayActive, models.DisplayExpired},
	}

	for _, from := range allDisplayStatuses {
		for _, to := range allDisplayStatuses {
			want := from == to
			for _, l := range legal[from] {
				if l == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestIsTerminalDisplay(t *testing.T) {
	for _, ds := range allDisplayStatuses {
		want := ds == models.DisplayTrialCanceled || ds == models.DisplayEnterpriseCanceled || ds == models.DisplayExpired
		assert.Equal(t, want, IsTerminalDisplay(ds), ds)
		if want {
			for _, to := range allDisplayStatuses {
				if to != ds {
					assert.False(t, CanTransition(ds, to), "%s -> %s", ds, to)
				}
			}
		}
	}
}

func TestIsOpen(t *testing.T) {
	assert.False(t, IsOpen(nil))
	assert.True(t, IsOpen(&models.UserSubscription{Status: models.GatewayStatusActive, DisplayStatus: models.DisplayActive}))
	assert.True(t, IsOpen(&models.UserSubscription{Status: models.GatewayStatusPastDue, DisplayStatus: models.DisplaySuspended}))
	assert.False(t, IsOpen(&models.UserSubscription{Status: models.GatewayStatusCanceled, DisplayStatus: models.DisplaySuspended}))
	assert.False(t, IsOpen(&models.UserSubscription{Status: models.GatewayStatusActive, DisplayStatus: models.DisplayExpired}))
}

func TestAllowNewFor(t *testing.T) {
	tests := []struct {
		status models.GatewayStatus
		want   bool
	}{
		{models.GatewayStatusActive, false},
		{models.GatewayStatusPastDue, false},
		{models.GatewayStatusPending, false},
		{models.GatewayStatusCanceled, true},
		{models.GatewayStatusExpired, true},
	}
	assert.True(t, allowNewFor(nil))
	for _, tt := range tests {
		assert.Equal(t, tt.want, allowNewFor(&models.UserSubscription{Status: tt.status}), tt.status)
	}
}

func TestRemoteDisplay(t *testing.T) {
	tests := []struct {
		name    string
		local   models.DisplayStatus
		remote  models.GatewayStatus
		inTrial bool
		want    models.DisplayStatus
		legal   bool
	}{
		{"trial still running", models.DisplayTrial, models.GatewayStatusActive, true, models.DisplayTrial, true},
		{"trial charged", models.DisplayTrial, models.GatewayStatusActive, false, models.DisplayActive, true},
		{"trial first charge failed", models.DisplayTrial, models.GatewayStatusPastDue, true, models.DisplaySuspended, true},
		{"trial canceled remotely", models.DisplayTrial, models.GatewayStatusCanceled, true, models.DisplayTrialCanceled, true},
		{"suspended recovered", models.DisplaySuspended, models.GatewayStatusActive, false, models.DisplayActive, true},
		{"active past due", models.DisplayActive, models.GatewayStatusPastDue, false, models.DisplaySuspended, true},
		{"active canceled ran out", models.DisplayActiveCanceled, models.GatewayStatusExpired, false, models.DisplayExpired, true},
		{"downgrade canceled remotely", models.DisplayActiveDowngradeScheduled, models.GatewayStatusCanceled, false, models.DisplayActiveDowngradeScheduled, false},
		{"canceled row reactivated remotely", models.DisplayActiveCanceled, models.GatewayStatusPastDue, false, models.DisplayActiveCanceled, false},
		{"pending trial", models.DisplayTrial, models.GatewayStatusPending, true, models.DisplayTrial, true},
		{"pending suspended", models.DisplaySuspended, models.GatewayStatusPending, false, models.DisplaySuspended, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, legal := remoteDisplay(tt.local, tt.remote, tt.inTrial)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.legal, legal)
		})
	}
}
