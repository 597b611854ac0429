package resource

import "errors"

// Errors shared by every layer of the resource store. Callers classify with
// errors.Is; the wrapping text carries the offending address or key.
var (
	ErrInvalidAddress = errors.New("invalid resource address")
	ErrEtagMismatch   = errors.New("etag precondition failed")
	ErrNotFound       = errors.New("resource not found")
	ErrTooLarge       = errors.New("resource too large")
)
