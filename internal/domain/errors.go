package domain

import "errors"

var (
	// ErrNotConfigured marks missing credentials or endpoints for a collaborator.
	ErrNotConfigured = errors.New("collaborator not configured")
	// ErrMalformedResponse marks an upstream response with an unexpected shape.
	ErrMalformedResponse = errors.New("malformed upstream response")
)
