package model

import (
	"time"

	"github.com/google/uuid"
)

// Permissions maps a scope name (e.g. "watchlist") to the set of actions the
// key may perform on it (e.g. ["read", "write"]). An empty or nil map means
// the key cannot be authorized for any scoped action.
type Permissions map[string][]string

// Allows reports whether the given action is granted for the given scope.
func (p Permissions) Allows(scope, action string) bool {
	actions, ok := p[scope]
	if !ok {
		return false
	}
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

// APIKey is the credential record used to authenticate programmatic requests.
// The plaintext key is returned exactly once at creation; only a bcrypt hash
// and a short non-secret lookup prefix ("start") are persisted.
type APIKey struct {
	ID           uuid.UUID  `json:"id"`
	OwnerID      uuid.UUID  `json:"owner_id"`
	Name         string     `json:"name"`
	HashedSecret string     `json:"-"` // bcrypt hash, never expose
	Prefix       string     `json:"prefix"`
	Start        string     `json:"start"` // first 6+len(prefix) chars of the plaintext, lookup index only
	Enabled      bool       `json:"enabled"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	Permissions Permissions `json:"permissions"`

	// Fixed-window rate limiter state.
	RateLimitEnabled bool          `json:"rate_limit_enabled"`
	RateLimitMax     int           `json:"rate_limit_max"`
	RateLimitWindow  time.Duration `json:"rate_limit_window"`
	RequestCount     int           `json:"request_count"`
	LastRequest      *time.Time    `json:"last_request,omitempty"`

	// Refill bucket state. A nil Remaining means the bucket is unlimited.
	Remaining      *int64        `json:"remaining,omitempty"`
	RefillAmount   int64         `json:"refill_amount"`
	RefillInterval time.Duration `json:"refill_interval"`
	LastRefillAt   *time.Time    `json:"last_refill_at,omitempty"`

	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// IsExpired reports whether the key has an expiration in the past.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// RefillConfigured reports whether the refill bucket tops up on an interval.
func (k *APIKey) RefillConfigured() bool {
	return k.RefillAmount > 0 && k.RefillInterval > 0
}
