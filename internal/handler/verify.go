package handler

import (
	"log/slog"
	"net/http"

	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/model"
)

// VerifyHandler exposes credential verification as an endpoint for services
// that terminate their own HTTP traffic and only need the decision.
type VerifyHandler struct {
	verifier *keys.Verifier
	logger   *slog.Logger
}

func NewVerifyHandler(verifier *keys.Verifier, logger *slog.Logger) *VerifyHandler {
	return &VerifyHandler{verifier: verifier, logger: logger}
}

type verifyRequest struct {
	Key    string `json:"key"`
	Scope  string `json:"scope,omitempty"`
	Action string `json:"action,omitempty"`
}

// Verify checks a presented credential and reports the decision. Rejections
// are part of the contract, so they return 200 with valid=false and a coded
// reason. Only infrastructure failures surface as 5xx.
// POST /v1/auth/verify
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if (req.Scope == "") != (req.Action == "") {
		writeError(w, http.StatusBadRequest, "scope and action must be provided together")
		return
	}

	resolved, err := h.verifier.Verify(r.Context(), req.Key, keys.Check{Scope: req.Scope, Action: req.Action})
	if err != nil {
		if rej, ok := keys.AsRejection(err); ok {
			writeJSON(w, http.StatusOK, model.VerifyResponse{
				Valid: false,
				Error: &model.VerifyReject{Code: rej.Code, Message: rej.Message},
			})
			return
		}
		h.logger.Error("verification unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Verification temporarily unavailable")
		return
	}

	writeJSON(w, http.StatusOK, model.VerifyResponse{Valid: true, Key: resolved})
}
