package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/store"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret = "test-secret-for-jwt-integration-tests"
	testPassword  = "supersecretpassword"
)

// testEnv holds the shared state for integration tests.
type testEnv struct {
	server  *Server
	store   *store.Store
	authSvc *service.AuthService
}

// newTestEnv creates a fresh environment with an in-memory store and a fully
// wired Server.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open("sqlite", "") // in-memory
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := service.NewAuthService(st, testJWTSecret, 0)
	verifier := keys.NewVerifier(st, "folio_", logger)

	cfg := DefaultConfig()
	cfg.LoginRatePerMin = 1000 // keep the IP limiter out of the way
	srv := New(cfg, st, verifier, keys.DefaultRegistry(), authSvc, logger)

	return &testEnv{server: srv, store: st, authSvc: authSvc}
}

// seedAdmin creates the default admin account.
func (e *testEnv) seedAdmin(t *testing.T) {
	t.Helper()
	if _, err := e.authSvc.CreateAdmin(context.Background(), "admin@example.com", testPassword, "Test Admin"); err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
}

// adminToken logs in as the default admin and returns the session token.
func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": testPassword,
	})
	rr := e.do(t, "POST", "/v1/admin/session", body, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token string `json:"token"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("adminToken: got empty token from login")
	}
	return resp.Token
}

// createKey issues a key over the management API and returns its plaintext
// and ID.
func (e *testEnv) createKey(t *testing.T, token string, body map[string]interface{}) (plaintext, id string) {
	t.Helper()
	rr := e.doAuth(t, "POST", "/v1/keys", jsonBody(t, body), token)
	assertStatus(t, rr, http.StatusCreated)

	var resp struct {
		Key    string `json:"key"`
		APIKey struct {
			ID string `json:"id"`
		} `json:"api_key"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Key == "" {
		t.Fatal("createKey: empty plaintext key in response")
	}
	return resp.Key, resp.APIKey.ID
}

// do executes an HTTP request against the test server.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doAuth executes an authenticated request using the admin session token.
func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// doAPIKey executes a request authenticated with an API key.
func (e *testEnv) doAPIKey(t *testing.T, method, path string, body io.Reader, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"X-API-Key": apiKey,
	})
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

// verifyResult is the wire shape of POST /v1/auth/verify responses.
type verifyResult struct {
	Valid bool `json:"valid"`
	Key   *struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Remaining *int64 `json:"remaining"`
	} `json:"key"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Health checks
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["store"] != "ok" {
		t.Errorf("store = %q, want %q", resp["store"], "ok")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/metrics", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "keygate_") {
		t.Error("metrics output missing keygate collectors")
	}
}

// ---------------------------------------------------------------------------
// Admin login
// ---------------------------------------------------------------------------

func TestAdminLogin(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": testPassword,
	})
	rr := env.do(t, "POST", "/v1/admin/session", body, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token string `json:"token"`
		Email string `json:"email"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Error("expected non-empty token")
	}
	if resp.Email != "admin@example.com" {
		t.Errorf("email = %q, want admin@example.com", resp.Email)
	}
}

func TestAdminLoginRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	cases := []map[string]string{
		{"email": "admin@example.com", "password": "wrongpassword"},
		{"email": "nobody@example.com", "password": testPassword},
	}
	for _, c := range cases {
		rr := env.do(t, "POST", "/v1/admin/session", jsonBody(t, c), nil)
		assertStatus(t, rr, http.StatusUnauthorized)
	}

	// Missing fields are a client error, not an auth failure.
	rr := env.do(t, "POST", "/v1/admin/session", jsonBody(t, map[string]string{"email": "admin@example.com"}), nil)
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", "/v1/admin/session", bytes.NewBufferString("{invalid json"), nil)
	assertStatus(t, rr, http.StatusBadRequest)
}

// ---------------------------------------------------------------------------
// Key management
// ---------------------------------------------------------------------------

func TestKeysRequireAdmin(t *testing.T) {
	env := newTestEnv(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/v1/keys/"},
		{"POST", "/v1/keys/"},
		{"GET", "/v1/keys/00000000-0000-0000-0000-000000000000"},
		{"DELETE", "/v1/keys/00000000-0000-0000-0000-000000000000"},
	}
	for _, ep := range endpoints {
		rr := env.do(t, ep.method, ep.path, nil, nil)
		assertStatus(t, rr, http.StatusUnauthorized)
	}

	rr := env.do(t, "GET", "/v1/keys/", nil, map[string]string{"Authorization": "Bearer not.a.token"})
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestKeyCRUDOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	// --- Create ---
	rr := env.doAuth(t, "POST", "/v1/keys", jsonBody(t, map[string]interface{}{
		"name":        "mobile app",
		"permissions": map[string][]string{"watchlist": {"read"}},
		"remaining":   100,
	}), token)
	assertStatus(t, rr, http.StatusCreated)

	raw := rr.Body.String()
	if strings.Contains(raw, "$2a$") || strings.Contains(raw, "hashed_secret") {
		t.Error("create response leaks the stored hash")
	}

	var created struct {
		Key    string `json:"key"`
		APIKey struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Start   string `json:"start"`
			Enabled bool   `json:"enabled"`
		} `json:"api_key"`
	}
	if err := json.Unmarshal([]byte(raw), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if !strings.HasPrefix(created.Key, "folio_") {
		t.Errorf("plaintext %q missing prefix", created.Key)
	}
	if !strings.HasPrefix(created.Key, created.APIKey.Start) {
		t.Errorf("start %q is not a prefix of the key", created.APIKey.Start)
	}
	if !created.APIKey.Enabled {
		t.Error("new key not enabled")
	}

	// --- List ---
	rr = env.doAuth(t, "GET", "/v1/keys/", nil, token)
	assertStatus(t, rr, http.StatusOK)
	var listResp struct {
		Data []map[string]interface{} `json:"data"`
		Meta struct {
			Count int `json:"count"`
		} `json:"meta"`
	}
	decodeJSON(t, rr, &listResp)
	if listResp.Meta.Count != 1 || len(listResp.Data) != 1 {
		t.Fatalf("list count = %d/%d, want 1", listResp.Meta.Count, len(listResp.Data))
	}

	// --- Get ---
	rr = env.doAuth(t, "GET", "/v1/keys/"+created.APIKey.ID, nil, token)
	assertStatus(t, rr, http.StatusOK)

	// --- Patch: disable ---
	rr = env.doAuth(t, "PATCH", "/v1/keys/"+created.APIKey.ID, jsonBody(t, map[string]interface{}{
		"enabled": false,
	}), token)
	assertStatus(t, rr, http.StatusOK)

	verifyRR := env.do(t, "POST", "/v1/auth/verify", jsonBody(t, map[string]string{"key": created.Key}), nil)
	assertStatus(t, verifyRR, http.StatusOK)
	var vr verifyResult
	decodeJSON(t, verifyRR, &vr)
	if vr.Valid || vr.Error == nil || vr.Error.Code != "DISABLED" {
		t.Errorf("disabled key verification = %+v", vr)
	}

	// --- Patch: bad permissions rejected ---
	rr = env.doAuth(t, "PATCH", "/v1/keys/"+created.APIKey.ID, jsonBody(t, map[string]interface{}{
		"permissions": map[string][]string{"billing": {"read"}},
	}), token)
	assertStatus(t, rr, http.StatusBadRequest)

	// --- Delete ---
	rr = env.doAuth(t, "DELETE", "/v1/keys/"+created.APIKey.ID, nil, token)
	assertStatus(t, rr, http.StatusNoContent)

	rr = env.doAuth(t, "GET", "/v1/keys/"+created.APIKey.ID, nil, token)
	assertStatus(t, rr, http.StatusNotFound)
}

func TestCreateKeyValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing name", map[string]interface{}{}},
		{"unknown scope", map[string]interface{}{
			"name":        "x",
			"permissions": map[string][]string{"billing": {"read"}},
		}},
		{"unknown action", map[string]interface{}{
			"name":        "x",
			"permissions": map[string][]string{"watchlist": {"admin"}},
		}},
		{"negative remaining", map[string]interface{}{"name": "x", "remaining": -2}},
		{"negative expiry", map[string]interface{}{"name": "x", "expires_in": -60}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.doAuth(t, "POST", "/v1/keys", jsonBody(t, tt.body), token)
			assertStatus(t, rr, http.StatusBadRequest)
		})
	}
}

// ---------------------------------------------------------------------------
// Verification endpoint
// ---------------------------------------------------------------------------

func TestVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	plaintext, _ := env.createKey(t, token, map[string]interface{}{
		"name":        "verify me",
		"permissions": map[string][]string{"portfolio": {"read"}},
		"remaining":   5,
	})

	// Accepted, with the scope the key holds.
	rr := env.do(t, "POST", "/v1/auth/verify", jsonBody(t, map[string]string{
		"key": plaintext, "scope": "portfolio", "action": "read",
	}), nil)
	assertStatus(t, rr, http.StatusOK)
	var vr verifyResult
	decodeJSON(t, rr, &vr)
	if !vr.Valid || vr.Key == nil {
		t.Fatalf("verification failed: %+v", vr)
	}
	if vr.Key.Name != "verify me" {
		t.Errorf("key name = %q", vr.Key.Name)
	}
	if vr.Key.Remaining == nil || *vr.Key.Remaining != 4 {
		t.Errorf("remaining = %v, want 4", vr.Key.Remaining)
	}

	// Rejections are 200 with valid=false and a stable code.
	cases := []struct {
		name string
		body map[string]string
		code string
	}{
		{"wrong scope", map[string]string{"key": plaintext, "scope": "goals", "action": "read"}, "INSUFFICIENT_PERMISSIONS"},
		{"wrong action", map[string]string{"key": plaintext, "scope": "portfolio", "action": "write"}, "INSUFFICIENT_PERMISSIONS"},
		{"malformed", map[string]string{"key": "folio_nothex!"}, "INVALID_FORMAT"},
		{"unknown", map[string]string{"key": "folio_" + strings.Repeat("ab", 32)}, "NOT_FOUND"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/v1/auth/verify", jsonBody(t, tt.body), nil)
			assertStatus(t, rr, http.StatusOK)
			var vr verifyResult
			decodeJSON(t, rr, &vr)
			if vr.Valid || vr.Error == nil || vr.Error.Code != tt.code {
				t.Errorf("got %+v, want code %s", vr, tt.code)
			}
		})
	}

	// Missing key and half a scope pair are client errors.
	rr = env.do(t, "POST", "/v1/auth/verify", jsonBody(t, map[string]string{}), nil)
	assertStatus(t, rr, http.StatusBadRequest)
	rr = env.do(t, "POST", "/v1/auth/verify", jsonBody(t, map[string]string{"key": plaintext, "scope": "portfolio"}), nil)
	assertStatus(t, rr, http.StatusBadRequest)
}

// ---------------------------------------------------------------------------
// Protected resource routes
// ---------------------------------------------------------------------------

func TestResourceRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	plaintext, _ := env.createKey(t, token, map[string]interface{}{
		"name":        "watchlist reader",
		"permissions": map[string][]string{"watchlist": {"read"}},
	})

	// Granted scope and action.
	rr := env.doAPIKey(t, "GET", "/v1/watchlist", nil, plaintext)
	assertStatus(t, rr, http.StatusOK)
	var resp map[string]interface{}
	decodeJSON(t, rr, &resp)
	if resp["scope"] != "watchlist" || resp["action"] != "read" {
		t.Errorf("resource response = %v", resp)
	}

	// Granted scope, ungranted action.
	rr = env.doAPIKey(t, "POST", "/v1/watchlist", jsonBody(t, map[string]string{}), plaintext)
	assertStatus(t, rr, http.StatusForbidden)

	// Ungranted scope.
	rr = env.doAPIKey(t, "GET", "/v1/portfolio", nil, plaintext)
	assertStatus(t, rr, http.StatusForbidden)

	// Missing and invalid credentials.
	rr = env.do(t, "GET", "/v1/watchlist", nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
	rr = env.doAPIKey(t, "GET", "/v1/watchlist", nil, "folio_"+strings.Repeat("cd", 32))
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestResourceRouteRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	plaintext, _ := env.createKey(t, token, map[string]interface{}{
		"name":              "throttled",
		"permissions":       map[string][]string{"goals": {"read"}},
		"rate_limit_max":    1,
		"rate_limit_window": 3600,
	})

	rr := env.doAPIKey(t, "GET", "/v1/goals", nil, plaintext)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAPIKey(t, "GET", "/v1/goals", nil, plaintext)
	assertStatus(t, rr, http.StatusTooManyRequests)

	var errResp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeJSON(t, rr, &errResp)
	if errResp.Error.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("error code = %q, want RATE_LIMIT_EXCEEDED", errResp.Error.Code)
	}
	if !strings.Contains(errResp.Error.Message, "try again") {
		t.Errorf("message %q missing retry hint", errResp.Error.Message)
	}
}

func TestResourceRouteNoRemaining(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	plaintext, _ := env.createKey(t, token, map[string]interface{}{
		"name":        "one shot",
		"permissions": map[string][]string{"transactions": {"read"}},
		"remaining":   1,
	})

	rr := env.doAPIKey(t, "GET", "/v1/transactions", nil, plaintext)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAPIKey(t, "GET", "/v1/transactions", nil, plaintext)
	assertStatus(t, rr, http.StatusTooManyRequests)
}
