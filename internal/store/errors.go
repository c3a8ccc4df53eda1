package store

import "errors"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUsageWrite marks a failure to persist usage counters after the
// verification gates already accepted the request. Callers treat this as a
// bookkeeping failure, not a rejection.
var ErrUsageWrite = errors.New("usage write failed")
