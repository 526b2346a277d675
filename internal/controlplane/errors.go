package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	// ErrBadRequest marks operator input that fails validation before it
	// reaches the queue or governance.
	ErrBadRequest = errors.New("bad request")
)
