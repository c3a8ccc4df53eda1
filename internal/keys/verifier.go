package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/keygatehq/keygate/internal/metrics"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/store"
)

const (
	// CandidateLimit caps the rows fetched per lookup to bound worst-case
	// hashing cost when lookup prefixes collide.
	CandidateLimit = 20

	// Failure-path delay bounds. Applied only when no candidate matches, so
	// a wrong credential and an unknown one are indistinguishable by
	// latency. The common (success) path stays fast.
	failDelayMin = 50 * time.Millisecond
	failDelayMax = 150 * time.Millisecond
)

// Check names the (scope, action) pair the caller requires of the key. The
// zero value skips the permission gate entirely.
type Check struct {
	Scope  string
	Action string
}

// Verifier resolves a presented credential into an authenticated key,
// enforcing the enabled flag, expiration, both quota mechanisms, and the
// permission grant, then records usage. All checks after the hash match run
// on one locked snapshot of the row, so concurrent verifications of the same
// key cannot double-spend quota.
type Verifier struct {
	store  *store.Store
	prefix string
	logger *slog.Logger
}

// NewVerifier creates a Verifier. prefix is the key prefix this deployment
// issues credentials with (may be empty).
func NewVerifier(st *store.Store, prefix string, logger *slog.Logger) *Verifier {
	return &Verifier{store: st, prefix: prefix, logger: logger}
}

// Prefix returns the key prefix this verifier expects on credentials.
func (v *Verifier) Prefix() string {
	return v.prefix
}

// Verify runs the full verification pipeline for a presented credential.
// It returns the resolved key on acceptance, a *Rejection for every
// authentication outcome, or a plain error when the store itself failed.
// Callers must surface the latter as a transient infrastructure problem,
// never as NOT_FOUND.
//
// Verification is potentially mutating: an expired key is deleted, and an
// accepted request updates the key's usage counters.
func (v *Verifier) Verify(ctx context.Context, presented string, check Check) (*model.ResolvedKey, error) {
	started := time.Now()
	resolved, err := v.verify(ctx, presented, check)
	metrics.VerifyDuration.Observe(time.Since(started).Seconds())

	switch rej, ok := AsRejection(err); {
	case err == nil:
		metrics.VerificationsTotal.WithLabelValues("ACCEPTED").Inc()
	case ok:
		metrics.VerificationsTotal.WithLabelValues(rej.Code).Inc()
	default:
		metrics.VerificationsTotal.WithLabelValues("ERROR").Inc()
	}
	return resolved, err
}

func (v *Verifier) verify(ctx context.Context, presented string, check Check) (*model.ResolvedKey, error) {
	if !ValidateFormat(presented, v.prefix) {
		return nil, reject(CodeInvalidFormat, "malformed API key")
	}

	candidates, err := v.store.FindKeyCandidates(ctx, presented, CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("candidate lookup: %w", err)
	}
	metrics.CandidateCount.Observe(float64(len(candidates)))

	// Compare every candidate without early exit, then take the first
	// positive match deterministically. Breaking on the first hit would
	// leak the matching row's position through response latency.
	matched := -1
	for i := range candidates {
		ok := bcrypt.CompareHashAndPassword([]byte(candidates[i].HashedSecret), []byte(presented)) == nil
		if ok && matched < 0 {
			matched = i
		}
	}
	if matched < 0 {
		v.failDelay(ctx)
		return nil, reject(CodeNotFound, "invalid API key")
	}

	keyID := candidates[matched].ID
	now := time.Now()

	var resolved *model.ResolvedKey
	err = v.store.WithKeyForUpdate(ctx, keyID, func(k *model.APIKey) (*store.UsageUpdate, store.KeyDisposition, error) {
		if !k.Enabled {
			return nil, store.KeyKeep, reject(CodeDisabled, "API key is disabled")
		}
		if k.IsExpired(now) {
			// Expired keys are not retained: the rejecting verification
			// deletes the row in the same transaction.
			return nil, store.KeyDelete, reject(CodeExpired, "API key has expired")
		}

		upd, rej := applyQuota(k, now)
		if rej != nil {
			return nil, store.KeyKeep, rej
		}

		if check.Scope != "" && !k.Permissions.Allows(check.Scope, check.Action) {
			return nil, store.KeyKeep, reject(CodeInsufficientPermissions,
				fmt.Sprintf("key does not grant %q on %q", check.Action, check.Scope))
		}

		resolved = &model.ResolvedKey{
			ID:          k.ID,
			OwnerID:     k.OwnerID,
			Name:        k.Name,
			Start:       k.Start,
			Permissions: k.Permissions,
			Remaining:   upd.Remaining,
		}
		return upd, store.KeyKeep, nil
	})

	switch {
	case err == nil:
		return resolved, nil
	case errors.Is(err, store.ErrUsageWrite):
		// The gates already accepted on a consistent snapshot; the counter
		// write is best-effort bookkeeping and must not flip the result.
		v.logger.Warn("usage write failed after accepted verification",
			"key_id", keyID, "error", err)
		return resolved, nil
	case errors.Is(err, store.ErrNotFound):
		// Row deleted between lookup and lock.
		return nil, reject(CodeNotFound, "invalid API key")
	default:
		if rej, ok := AsRejection(err); ok {
			if rej.Code == CodeExpired {
				metrics.ExpiredKeysDeleted.Inc()
			}
			return nil, rej
		}
		return nil, fmt.Errorf("verify key: %w", err)
	}
}

// failDelay sleeps a uniformly random 50 to 150ms, capped by the caller's
// deadline so the intentional delay never hangs a request past its budget.
func (v *Verifier) failDelay(ctx context.Context) {
	d := failDelayMin + rand.N(failDelayMax-failDelayMin)
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < d {
			d = remain
		}
	}
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
