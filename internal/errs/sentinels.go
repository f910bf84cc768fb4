// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service/gateway layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates a rejected inbound event (missing fields, empty id set,
	// identity mismatch). No store access is attempted for such events.
	ErrValidation = errors.New("validation failed")

	// ErrStore indicates a failed query/update against the durable message store.
	ErrStore = errors.New("store failure")

	// ErrUnauthorized indicates failed authentication of the connection handshake.
	ErrUnauthorized = errors.New("unauthorized")
)
