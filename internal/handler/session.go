package handler

import (
	"errors"
	"net/http"

	"github.com/keygatehq/keygate/internal/service"
)

// SessionHandler authenticates admins for the management API.
type SessionHandler struct {
	authSvc *service.AuthService
}

func NewSessionHandler(authSvc *service.AuthService) *SessionHandler {
	return &SessionHandler{authSvc: authSvc}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Login exchanges an email/password pair for a session token.
// POST /v1/admin/session
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	token, admin, err := h.authSvc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) || errors.Is(err, service.ErrAccountDisabled) {
			writeError(w, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: token,
		Email: admin.Email,
		Name:  admin.Name,
	})
}
