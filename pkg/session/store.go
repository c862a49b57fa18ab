package session

import (
	"context"
	"errors"
)

// Common errors for session operations.
var (
	// ErrUnknownSession is returned when a session id does not exist.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionExpired is returned when operating on a closed session.
	ErrSessionExpired = errors.New("session expired")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// StorageBackend abstracts session persistence.
// Implementations must be safe for concurrent use.
type StorageBackend interface {
	// SaveSession creates or updates session metadata.
	SaveSession(ctx context.Context, meta *Metadata) error

	// LoadSession retrieves session metadata by ID.
	// Returns ErrUnknownSession if the session doesn't exist.
	LoadSession(ctx context.Context, sessionID string) (*Metadata, error)

	// DeleteSession removes a session and all its turns.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessions returns session metadata matching the filter options.
	ListSessions(ctx context.Context, opts ListOptions) ([]*Metadata, error)

	// AppendTurn adds a turn to a session (append-only).
	AppendTurn(ctx context.Context, sessionID string, turn *Turn) error

	// LoadTurns retrieves all turns for a session in sequence order.
	LoadTurns(ctx context.Context, sessionID string) ([]*Turn, error)

	// Close releases any resources held by the backend.
	Close() error
}

// ListOptions provides filtering for session listing.
type ListOptions struct {
	// IncludeExpired includes closed sessions in the result.
	IncludeExpired bool
	// Limit caps the number of results (0 = no limit).
	Limit int
	// Offset skips the first N results.
	Offset int
}
