package keys

import (
	"time"

	"github.com/google/uuid"

	"github.com/keygatehq/keygate/internal/model"
)

// IssueParams describes a key to be created. Zero values mean "not
// configured": no expiration, no rate limit, unlimited refill bucket.
type IssueParams struct {
	OwnerID     uuid.UUID
	Name        string
	SecretBytes int
	Prefix      string
	ExpiresIn   time.Duration
	Permissions model.Permissions

	RateLimitMax    int
	RateLimitWindow time.Duration

	Remaining      *int64
	RefillAmount   int64
	RefillInterval time.Duration

	Metadata map[string]string
}

// Issue validates the permission grant against the registry, generates a
// fresh credential, and returns the record to persist along with the
// plaintext. The plaintext is shown to the caller exactly once and never
// recoverable afterwards.
func Issue(p IssueParams, reg *Registry) (*model.APIKey, string, error) {
	if err := reg.Validate(p.Permissions); err != nil {
		return nil, "", err
	}

	plaintext, hashed, start, err := Generate(p.SecretBytes, p.Prefix)
	if err != nil {
		return nil, "", err
	}

	key := &model.APIKey{
		OwnerID:          p.OwnerID,
		Name:             p.Name,
		HashedSecret:     hashed,
		Prefix:           p.Prefix,
		Start:            start,
		Enabled:          true,
		Permissions:      p.Permissions,
		RateLimitEnabled: p.RateLimitMax > 0 && p.RateLimitWindow > 0,
		RateLimitMax:     p.RateLimitMax,
		RateLimitWindow:  p.RateLimitWindow,
		Remaining:        p.Remaining,
		RefillAmount:     p.RefillAmount,
		RefillInterval:   p.RefillInterval,
		Metadata:         p.Metadata,
	}
	if p.ExpiresIn > 0 {
		expires := time.Now().Add(p.ExpiresIn)
		key.ExpiresAt = &expires
	}
	return key, plaintext, nil
}
