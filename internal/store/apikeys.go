package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keygatehq/keygate/internal/model"
)

// apiKeyRow is a flat struct that maps 1:1 to the api_keys table columns.
// Permissions and metadata are stored as JSON documents; durations are
// stored as millisecond integers.
type apiKeyRow struct {
	ID                uuid.UUID  `db:"id"`
	OwnerID           uuid.UUID  `db:"owner_id"`
	Name              string     `db:"name"`
	HashedSecret      string     `db:"hashed_secret"`
	Prefix            string     `db:"prefix"`
	KeyStart          string     `db:"key_start"`
	Enabled           bool       `db:"enabled"`
	ExpiresAt         *time.Time `db:"expires_at"`
	PermissionsJSON   string     `db:"permissions_json"`
	RateLimitEnabled  bool       `db:"rate_limit_enabled"`
	RateLimitMax      int        `db:"rate_limit_max"`
	RateLimitWindowMs int64      `db:"rate_limit_window_ms"`
	RequestCount      int        `db:"request_count"`
	LastRequest       *time.Time `db:"last_request"`
	Remaining         *int64     `db:"remaining"`
	RefillAmount      int64      `db:"refill_amount"`
	RefillIntervalMs  int64      `db:"refill_interval_ms"`
	LastRefillAt      *time.Time `db:"last_refill_at"`
	MetadataJSON      string     `db:"metadata_json"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

func apiKeyRowFromModel(k *model.APIKey) (apiKeyRow, error) {
	perms := k.Permissions
	if perms == nil {
		perms = model.Permissions{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal permissions: %w", err)
	}
	meta := k.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return apiKeyRow{
		ID:                k.ID,
		OwnerID:           k.OwnerID,
		Name:              k.Name,
		HashedSecret:      k.HashedSecret,
		Prefix:            k.Prefix,
		KeyStart:          k.Start,
		Enabled:           k.Enabled,
		ExpiresAt:         k.ExpiresAt,
		PermissionsJSON:   string(permsJSON),
		RateLimitEnabled:  k.RateLimitEnabled,
		RateLimitMax:      k.RateLimitMax,
		RateLimitWindowMs: k.RateLimitWindow.Milliseconds(),
		RequestCount:      k.RequestCount,
		LastRequest:       k.LastRequest,
		Remaining:         k.Remaining,
		RefillAmount:      k.RefillAmount,
		RefillIntervalMs:  k.RefillInterval.Milliseconds(),
		LastRefillAt:      k.LastRefillAt,
		MetadataJSON:      string(metaJSON),
		CreatedAt:         k.CreatedAt,
		UpdatedAt:         k.UpdatedAt,
	}, nil
}

func (r apiKeyRow) toModel() (model.APIKey, error) {
	var perms model.Permissions
	if r.PermissionsJSON != "" {
		if err := json.Unmarshal([]byte(r.PermissionsJSON), &perms); err != nil {
			return model.APIKey{}, fmt.Errorf("unmarshal permissions: %w", err)
		}
	}
	var meta map[string]string
	if r.MetadataJSON != "" && r.MetadataJSON != "{}" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &meta); err != nil {
			return model.APIKey{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return model.APIKey{
		ID:               r.ID,
		OwnerID:          r.OwnerID,
		Name:             r.Name,
		HashedSecret:     r.HashedSecret,
		Prefix:           r.Prefix,
		Start:            r.KeyStart,
		Enabled:          r.Enabled,
		ExpiresAt:        r.ExpiresAt,
		Permissions:      perms,
		RateLimitEnabled: r.RateLimitEnabled,
		RateLimitMax:     r.RateLimitMax,
		RateLimitWindow:  time.Duration(r.RateLimitWindowMs) * time.Millisecond,
		RequestCount:     r.RequestCount,
		LastRequest:      r.LastRequest,
		Remaining:        r.Remaining,
		RefillAmount:     r.RefillAmount,
		RefillInterval:   time.Duration(r.RefillIntervalMs) * time.Millisecond,
		LastRefillAt:     r.LastRefillAt,
		Metadata:         meta,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

// CreateAPIKey inserts a new API key record. The hashed secret must already
// be set. The ID, CreatedAt, and UpdatedAt fields on key are populated.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	now := time.Now().UTC()
	key.ID = uuid.Must(uuid.NewV7())
	key.CreatedAt = now
	key.UpdatedAt = now

	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_keys
		(id, owner_id, name, hashed_secret, prefix, key_start, enabled, expires_at,
		 permissions_json, rate_limit_enabled, rate_limit_max, rate_limit_window_ms,
		 request_count, last_request, remaining, refill_amount, refill_interval_ms,
		 last_refill_at, metadata_json, created_at, updated_at)
		VALUES
		(:id, :owner_id, :name, :hashed_secret, :prefix, :key_start, :enabled, :expires_at,
		 :permissions_json, :rate_limit_enabled, :rate_limit_max, :rate_limit_window_ms,
		 :request_count, :last_request, :remaining, :refill_amount, :refill_interval_ms,
		 :last_refill_at, :metadata_json, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKey returns a key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id uuid.UUID) (*model.APIKey, error) {
	var row apiKeyRow
	q := s.db.Rebind("SELECT * FROM api_keys WHERE id = ?")
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	key, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListAPIKeys returns all keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM api_keys ORDER BY created_at DESC"); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// UpdateAPIKey persists owner-editable fields: name, enabled flag,
// expiration, permissions, metadata, and quota configuration. Usage counters
// are written only through WithKeyForUpdate.
func (s *Store) UpdateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.UpdatedAt = time.Now().UTC()
	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `UPDATE api_keys SET
		name = :name, enabled = :enabled, expires_at = :expires_at,
		permissions_json = :permissions_json,
		rate_limit_enabled = :rate_limit_enabled, rate_limit_max = :rate_limit_max,
		rate_limit_window_ms = :rate_limit_window_ms,
		remaining = :remaining, refill_amount = :refill_amount,
		refill_interval_ms = :refill_interval_ms,
		metadata_json = :metadata_json, updated_at = :updated_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAPIKey removes a key by ID.
func (s *Store) DeleteAPIKey(ctx context.Context, id uuid.UUID) error {
	q := s.db.Rebind("DELETE FROM api_keys WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredKeys removes every key whose expiration has passed. Returns
// the number of rows deleted.
func (s *Store) DeleteExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	q := s.db.Rebind("DELETE FROM api_keys WHERE expires_at IS NOT NULL AND expires_at < ?")
	result, err := s.db.ExecContext(ctx, q, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired keys: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired keys rows affected: %w", err)
	}
	return n, nil
}

// FindKeyCandidates returns keys whose stored lookup prefix matches the
// presented credential. Each key's key_start has length 6+len(prefix), so the
// match compares the candidate's own first characters against each stored
// value of that same length. The result is capped to bound worst-case hashing
// cost; collisions are rare but not impossible, so more than one row may come
// back.
func (s *Store) FindKeyCandidates(ctx context.Context, presented string, limit int) ([]model.APIKey, error) {
	q := s.db.Rebind(`SELECT * FROM api_keys
		WHERE key_start = substr(?, 1, length(key_start))
		ORDER BY created_at LIMIT ` + fmt.Sprintf("%d", limit))
	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows, q, presented); err != nil {
		return nil, fmt.Errorf("find key candidates: %w", err)
	}
	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// KeyDisposition tells WithKeyForUpdate what to do with the locked row.
type KeyDisposition int

const (
	// KeyKeep applies the returned usage update.
	KeyKeep KeyDisposition = iota
	// KeyDelete removes the row (expired key). The deletion is committed
	// even when fn also returns an error, so the rejection can propagate
	// while the destructive side effect sticks.
	KeyDelete
)

// UsageUpdate is the set of counters persisted after an accepted
// verification: the window counter, the last accepted request timestamp, and
// the refill bucket state.
type UsageUpdate struct {
	RequestCount int
	LastRequest  time.Time
	Remaining    *int64
	LastRefillAt *time.Time
}

// WithKeyForUpdate re-reads the key row under a row lock, invokes fn on that
// consistent snapshot, and applies the returned disposition inside the same
// transaction. This is the read-decide-write step of verification: two
// concurrent calls for the same key serialize here, so quota counters are
// never decided against stale state.
//
// An error from fn aborts the transaction (unless fn also asked for
// deletion) and is returned as-is. A failure to persist an accepted update
// is wrapped in ErrUsageWrite so callers can treat it as best-effort
// bookkeeping rather than a rejection.
func (s *Store) WithKeyForUpdate(ctx context.Context, id uuid.UUID, fn func(k *model.APIKey) (*UsageUpdate, KeyDisposition, error)) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row apiKeyRow
	q := s.db.Rebind("SELECT * FROM api_keys WHERE id = ?" + s.lockSuffix())
	if err := tx.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock api key: %w", err)
	}
	key, err := row.toModel()
	if err != nil {
		return err
	}

	upd, disp, fnErr := fn(&key)

	if disp == KeyDelete {
		delQ := s.db.Rebind("DELETE FROM api_keys WHERE id = ?")
		if _, err := tx.ExecContext(ctx, delQ, id); err != nil {
			return fmt.Errorf("delete api key: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit key deletion: %w", err)
		}
		return fnErr
	}

	if fnErr != nil {
		return fnErr
	}
	if upd == nil {
		return tx.Commit()
	}

	updQ := s.db.Rebind(`UPDATE api_keys SET
		request_count = ?, last_request = ?, remaining = ?, last_refill_at = ?, updated_at = ?
		WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, updQ,
		upd.RequestCount, upd.LastRequest.UTC(), upd.Remaining, upd.LastRefillAt, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("%w: %v", ErrUsageWrite, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrUsageWrite, err)
	}
	return nil
}
