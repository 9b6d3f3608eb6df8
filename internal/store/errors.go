package store

import "errors"

// Sentinel errors surfaced by store methods. Callers use errors.Is to
// distinguish "not found" (programmer/data error) from transient store
// errors, which retryOnBusy already absorbs before they reach the caller.
var (
	ErrProjectNotFound    = errors.New("store: project not found")
	ErrWorkerTypeNotFound = errors.New("store: worker type not found")
	ErrTicketNotFound     = errors.New("store: ticket not found")
	ErrTicketClosed       = errors.New("store: ticket is closed")
)
