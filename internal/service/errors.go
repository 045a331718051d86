package service

import "errors"

// Error taxonomy shared by the service layer. Handlers map these onto HTTP
// status codes; nothing here ever crashes the tracking loop.
var (
	// ErrValidation marks malformed geofence input (rejected, no state change)
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown geofence id
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput marks a malformed location update (rejected, state unchanged)
	ErrInvalidInput = errors.New("invalid input")
)
