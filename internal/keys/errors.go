package keys

import "errors"

// Stable rejection codes suitable for programmatic branching by callers.
const (
	CodeInvalidFormat           = "INVALID_FORMAT"
	CodeNotFound                = "NOT_FOUND"
	CodeDisabled                = "DISABLED"
	CodeExpired                 = "EXPIRED"
	CodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	CodeNoRemaining             = "NO_REMAINING"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
)

// Rejection is a terminal verification failure. Every rejection is final for
// that request; retrying means a fresh verification call. Messages never
// include hash material or other tenants' key prefixes.
type Rejection struct {
	Code    string
	Message string
}

func (r *Rejection) Error() string { return r.Message }

func reject(code, message string) *Rejection {
	return &Rejection{Code: code, Message: message}
}

// AsRejection extracts a typed rejection from an error chain. A false return
// means the error is infrastructural (store unreachable, etc.) rather than
// an authentication outcome.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
