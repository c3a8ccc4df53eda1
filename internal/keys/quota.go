package keys

import (
	"fmt"
	"time"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/store"
)

// applyQuota evaluates both quota mechanisms against a consistent snapshot
// of the key and returns the usage update to persist on acceptance. The two
// mechanisms are independent and both must pass; a rejection from either is
// terminal and leaves the snapshot's counters untouched.
func applyQuota(k *model.APIKey, now time.Time) (*store.UsageUpdate, *Rejection) {
	upd := &store.UsageUpdate{
		RequestCount: k.RequestCount,
		LastRequest:  now,
		Remaining:    k.Remaining,
		LastRefillAt: k.LastRefillAt,
	}

	// Fixed-window limiter. The window is anchored on the last accepted
	// request; a key that has never been used has no window yet.
	if k.RateLimitEnabled {
		switch {
		case k.LastRequest == nil:
			upd.RequestCount = 1
		case !now.Before(k.LastRequest.Add(k.RateLimitWindow)):
			// Window rolled over: this request restarts the count.
			upd.RequestCount = 1
		case k.RequestCount >= k.RateLimitMax:
			resetAt := k.LastRequest.Add(k.RateLimitWindow)
			return nil, reject(CodeRateLimitExceeded,
				fmt.Sprintf("rate limit exceeded, try again %s", retryAfterHint(resetAt.Sub(now))))
		default:
			upd.RequestCount = k.RequestCount + 1
		}
	}

	// Refill bucket, independent of the window counter. A nil Remaining
	// means unlimited.
	if k.Remaining != nil {
		balance := *k.Remaining
		if k.RefillConfigured() {
			base := k.CreatedAt
			if k.LastRefillAt != nil {
				base = *k.LastRefillAt
			}
			if !now.Before(base.Add(k.RefillInterval)) {
				balance += k.RefillAmount
				refilledAt := now
				upd.LastRefillAt = &refilledAt
			}
		}
		if balance <= 0 {
			// Consuming would drive the balance below zero; reject rather
			// than clamp, leaving the stored value unchanged.
			return nil, reject(CodeNoRemaining, "no requests remaining for this key")
		}
		balance--
		upd.Remaining = &balance
	}

	return upd, nil
}

// retryAfterHint renders a best-effort human-readable wait, switching from
// seconds to minutes as the duration grows.
func retryAfterHint(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	if secs < 60 {
		return fmt.Sprintf("in %d seconds", secs)
	}
	mins := (secs + 59) / 60
	return fmt.Sprintf("in %d minutes", mins)
}
