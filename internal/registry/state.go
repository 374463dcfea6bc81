package registry

import (
	"time"

	"github.com/lalithlochan/familypush/internal/db"
)

// FailureThreshold is the consecutive-failure count at which a token stops
// being used.
const FailureThreshold = 6

const (
	ReasonTooManyFailures = "too many push failures"
	ReasonRemovedByUser   = "removed by user"
	reasonInvalidPrefix   = "token invalid: "
)

// InvalidReason is the disable reason recorded when the gateway rejects a
// token with code.
func InvalidReason(code string) string {
	return reasonInvalidPrefix + code
}

func applySuccess(t *db.DeviceToken, now time.Time) bool {
	t.FailedCount = 0
	t.LastSuccessTime = &now
	return true
}

// applyFailure reports whether the token was disabled by this failure.
func applyFailure(t *db.DeviceToken, now time.Time) (disabled bool) {
	if t.FailedCount < FailureThreshold {
		t.FailedCount++
	}
	t.LastFailedTime = &now

	if t.FailedCount >= FailureThreshold && t.Status == db.TokenEnabled {
		reason := ReasonTooManyFailures
		t.Status = db.TokenDisabled
		t.InactiveReason = &reason
		return true
	}
	return false
}

func applyDisable(t *db.DeviceToken, reason string) {
	t.Status = db.TokenDisabled
	t.InactiveReason = &reason
}

func applyHeartbeat(t *db.DeviceToken, now time.Time) {
	t.LastActiveTime = &now
}

func isValid(t *db.DeviceToken) bool {
	return t.Status == db.TokenEnabled && t.PushEnabled && t.FailedCount < FailureThreshold
}
