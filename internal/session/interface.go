package session

import (
	"context"
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionRepository is the single durable source of truth between
// operations. All writes go through its merge/overwrite primitives; no
// caller ever performs a blind full-record overwrite except the terminal
// transitions (MarkTerminated, MarkFailed).
type SessionRepository interface {
	Create(ctx context.Context, sess *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	GetByExternalID(ctx context.Context, externalID string) (*Session, error)

	// UpdateProvisioned upgrades a placeholder record in one write: real
	// external id, lease info, recomputed expiry, status Provisioning.
	UpdateProvisioned(ctx context.Context, id, externalID string, leaseInfo LeaseInfo, expiresAt time.Time) error

	// MergeDetails applies a read-merge-write patch and returns the
	// merged record. It never touches terminal status and never drops
	// previously recorded diagnostics.
	MergeDetails(ctx context.Context, id string, patch DetailsPatch) (*Session, error)

	// MarkFailed and MarkTerminated are the terminal overwrites. Both
	// are idempotent; MarkTerminated refuses to touch an already-failed
	// record and vice versa.
	MarkFailed(ctx context.Context, id, reason string) error
	MarkTerminated(ctx context.Context, id string, at time.Time) error

	// Archive moves a session out of the active table, writing its
	// history row first, atomically.
	Archive(ctx context.Context, id string) error

	ListActiveByOwner(ctx context.Context, ownerID string) ([]*Session, error)
	ListByStatus(ctx context.Context, statuses []Status) ([]*Session, error)
	ListHistoryByOwner(ctx context.Context, ownerID string) ([]*History, error)
}
