package handler

import (
	"net/http"
	"time"

	"github.com/keygatehq/keygate/internal/server/middleware"
)

// Resource returns a handler for a key-protected portfolio endpoint. The
// middleware has already verified the credential and enforced the scope, so
// the handler only reports what was authorized. Downstream services replace
// this with real resource logic.
func Resource(scope, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := middleware.GetAPIKey(r.Context())
		if key == nil {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"scope":     scope,
			"action":    action,
			"key_id":    key.ID,
			"key_name":  key.Name,
			"remaining": key.Remaining,
			"served_at": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
