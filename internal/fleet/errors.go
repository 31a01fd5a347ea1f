package fleet

import (
	"errors"

	"msgfleet/internal/store"
)

var (
	// ErrAccountNotFound re-exports the store sentinel so callers of the
	// facade match one error regardless of which layer noticed.
	ErrAccountNotFound = store.ErrAccountNotFound

	// ErrProvision wraps runtime failures to create or start an instance
	// environment. Not retried here; it propagates to the caller.
	ErrProvision = errors.New("provision failed")

	// ErrAccountUnhealthy means an operation required a connected, healthy
	// instance and the account has none.
	ErrAccountUnhealthy = errors.New("account not connected")

	// ErrAccountBanned guards operations against the terminal banned state.
	ErrAccountBanned = errors.New("account banned")
)
