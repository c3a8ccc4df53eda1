package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/keygatehq/keygate/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", "") // in-memory
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey(name, start string) *model.APIKey {
	return &model.APIKey{
		OwnerID:      uuid.Must(uuid.NewV7()),
		Name:         name,
		HashedSecret: "$2a$12$hash-" + start,
		Prefix:       "folio_",
		Start:        start,
		Enabled:      true,
		Permissions:  model.Permissions{"watchlist": {"read"}},
	}
}

func TestAPIKeyCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := testKey("ci pipeline", "folio_abc123")
	key.Metadata = map[string]string{"env": "ci"}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if key.ID == uuid.Nil {
		t.Fatal("expected non-nil ID after create")
	}

	got, err := s.GetAPIKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if got.Name != "ci pipeline" {
		t.Errorf("got name %q, want %q", got.Name, "ci pipeline")
	}
	if got.Start != "folio_abc123" {
		t.Errorf("got start %q, want %q", got.Start, "folio_abc123")
	}
	if !got.Permissions.Allows("watchlist", "read") {
		t.Error("permissions lost in round trip")
	}
	if got.Metadata["env"] != "ci" {
		t.Errorf("metadata lost in round trip: %v", got.Metadata)
	}
	if got.Remaining != nil {
		t.Errorf("remaining = %v, want nil (unlimited)", *got.Remaining)
	}

	list, err := s.ListAPIKeys(ctx)
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("got %d keys, want 1", len(list))
	}

	key.Name = "renamed"
	key.Enabled = false
	if err := s.UpdateAPIKey(ctx, key); err != nil {
		t.Fatalf("UpdateAPIKey: %v", err)
	}
	got, _ = s.GetAPIKey(ctx, key.ID)
	if got.Name != "renamed" || got.Enabled {
		t.Errorf("update not applied: name=%q enabled=%v", got.Name, got.Enabled)
	}

	if err := s.DeleteAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}
	if _, err := s.GetAPIKey(ctx, key.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteAPIKey(ctx, key.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: expected ErrNotFound, got %v", err)
	}
}

func TestFindKeyCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, start := range []string{"folio_aaa111", "folio_aaa111", "folio_bbb222"} {
		k := testKey("k-"+start, start)
		k.HashedSecret += "-" + uuid.NewString() // keep the unique column unique
		if err := s.CreateAPIKey(ctx, k); err != nil {
			t.Fatalf("CreateAPIKey: %v", err)
		}
	}

	presented := "folio_aaa111" + "deadbeefdeadbeefdeadbeefdeadbeef"
	candidates, err := s.FindKeyCandidates(ctx, presented, 20)
	if err != nil {
		t.Fatalf("FindKeyCandidates: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("got %d candidates, want 2", len(candidates))
	}
	for _, c := range candidates {
		if c.Start != "folio_aaa111" {
			t.Errorf("candidate with start %q should not match", c.Start)
		}
	}

	// The cap bounds the result set.
	capped, err := s.FindKeyCandidates(ctx, presented, 1)
	if err != nil {
		t.Fatalf("FindKeyCandidates capped: %v", err)
	}
	if len(capped) != 1 {
		t.Errorf("got %d candidates with limit 1, want 1", len(capped))
	}

	none, err := s.FindKeyCandidates(ctx, "folio_zzz999deadbeefdeadbeefdeadbeef", 20)
	if err != nil {
		t.Fatalf("FindKeyCandidates no match: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("got %d candidates, want 0", len(none))
	}
}

func TestWithKeyForUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := testKey("counted", "folio_ccc333")
	if err := s.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	// Keep: the usage update is applied.
	now := time.Now().UTC().Truncate(time.Second)
	remaining := int64(9)
	err := s.WithKeyForUpdate(ctx, key.ID, func(k *model.APIKey) (*UsageUpdate, KeyDisposition, error) {
		return &UsageUpdate{RequestCount: 7, LastRequest: now, Remaining: &remaining}, KeyKeep, nil
	})
	if err != nil {
		t.Fatalf("WithKeyForUpdate: %v", err)
	}
	got, _ := s.GetAPIKey(ctx, key.ID)
	if got.RequestCount != 7 {
		t.Errorf("request count = %d, want 7", got.RequestCount)
	}
	if got.Remaining == nil || *got.Remaining != 9 {
		t.Errorf("remaining = %v, want 9", got.Remaining)
	}
	if got.LastRequest == nil {
		t.Error("last request not persisted")
	}

	// An error from fn rolls the transaction back.
	sentinel := errors.New("decision failed")
	err = s.WithKeyForUpdate(ctx, key.ID, func(k *model.APIKey) (*UsageUpdate, KeyDisposition, error) {
		return &UsageUpdate{RequestCount: 99, LastRequest: now}, KeyKeep, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	got, _ = s.GetAPIKey(ctx, key.ID)
	if got.RequestCount != 7 {
		t.Errorf("rolled-back update leaked: count = %d", got.RequestCount)
	}

	// Delete disposition commits the removal even alongside an error.
	err = s.WithKeyForUpdate(ctx, key.ID, func(k *model.APIKey) (*UsageUpdate, KeyDisposition, error) {
		return nil, KeyDelete, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if _, err := s.GetAPIKey(ctx, key.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected deleted key, got %v", err)
	}

	// Missing row.
	err = s.WithKeyForUpdate(ctx, uuid.Must(uuid.NewV7()), func(k *model.APIKey) (*UsageUpdate, KeyDisposition, error) {
		t.Fatal("fn called for missing key")
		return nil, KeyKeep, nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteExpiredKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	expired := testKey("expired", "folio_ddd444")
	expired.ExpiresAt = &past
	live := testKey("live", "folio_eee555")
	live.ExpiresAt = &future
	forever := testKey("forever", "folio_fff666")

	for _, k := range []*model.APIKey{expired, live, forever} {
		if err := s.CreateAPIKey(ctx, k); err != nil {
			t.Fatalf("CreateAPIKey: %v", err)
		}
	}

	n, err := s.DeleteExpiredKeys(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpiredKeys: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d keys, want 1", n)
	}
	if _, err := s.GetAPIKey(ctx, expired.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired key still present: %v", err)
	}
	if _, err := s.GetAPIKey(ctx, live.ID); err != nil {
		t.Errorf("live key removed: %v", err)
	}
}

func TestAdminCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	has, err := s.HasAnyAdmin(ctx)
	if err != nil {
		t.Fatalf("HasAnyAdmin: %v", err)
	}
	if has {
		t.Error("fresh store reports an admin")
	}

	admin := &model.Admin{
		Email:        "ops@example.com",
		PasswordHash: "$2a$10$hash",
		Name:         "Ops",
		IsActive:     true,
	}
	if err := s.CreateAdmin(ctx, admin); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	if admin.ID == uuid.Nil {
		t.Fatal("expected non-nil ID")
	}

	got, err := s.GetAdminByEmail(ctx, "ops@example.com")
	if err != nil {
		t.Fatalf("GetAdminByEmail: %v", err)
	}
	if got.ID != admin.ID || got.Name != "Ops" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.LastLoginAt != nil {
		t.Errorf("fresh admin has last login %v", got.LastLoginAt)
	}

	if _, err := s.GetAdminByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.UpdateAdminLastLogin(ctx, admin.ID); err != nil {
		t.Fatalf("UpdateAdminLastLogin: %v", err)
	}
	got, _ = s.GetAdminByEmail(ctx, "ops@example.com")
	if got.LastLoginAt == nil {
		t.Error("last login not recorded")
	}

	admins, err := s.ListAdmins(ctx)
	if err != nil {
		t.Fatalf("ListAdmins: %v", err)
	}
	if len(admins) != 1 {
		t.Errorf("got %d admins, want 1", len(admins))
	}

	has, _ = s.HasAnyAdmin(ctx)
	if !has {
		t.Error("HasAnyAdmin false after create")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("oracle", ""); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
