package model

import "github.com/google/uuid"

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data interface{}   `json:"data"`
	Meta *ResponseMeta `json:"meta,omitempty"`
}

// ResponseMeta contains count information for list responses.
type ResponseMeta struct {
	Count int `json:"count"`
}

// ErrorResponse is the standard envelope for management API error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
type ErrorDetail struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// ResolvedKey is the non-secret view of an API key returned to callers after
// a successful verification.
type ResolvedKey struct {
	ID          uuid.UUID   `json:"id"`
	OwnerID     uuid.UUID   `json:"owner_id"`
	Name        string      `json:"name"`
	Start       string      `json:"start"`
	Permissions Permissions `json:"permissions"`
	Remaining   *int64      `json:"remaining,omitempty"`
}

// VerifyResponse is the wire shape of a verification result. Exactly one of
// Key and Error is set depending on Valid.
type VerifyResponse struct {
	Valid bool          `json:"valid"`
	Key   *ResolvedKey  `json:"key"`
	Error *VerifyReject `json:"error"`
}

// VerifyReject carries a stable machine-readable rejection code plus a
// human-readable message. Codes are defined in the keys package.
type VerifyReject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
