// Package storage implements the three capability sets of spec §4.B:
// PaymentStore, TokenStore and MonitorStateStore, plus concrete SQLite and
// Postgres backends so the concrete database is swappable per spec §9.
package storage

import (
	"context"
	"errors"

	"github.com/torpay/anon-ticket/internal/domain"
)

var (
	// ErrNotFound is returned by lookups that find no matching row.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists mirrors UniqueViolation on token insert (spec §7):
	// callers treat it as a race signal and re-read.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrTransient marks a recoverable storage error (lock contention,
	// timeout) that must never advance the monitor cursor (spec §7).
	ErrTransient = errors.New("storage: transient error")
)

// ClaimResult is the three-way outcome of an atomic claim attempt.
type ClaimResult int

const (
	// ClaimedNow means this call won the race and flipped the row to
	// Claimed.
	ClaimedNow ClaimResult = iota
	// AlreadyClaimed means the row was Claimed by a prior call.
	AlreadyClaimed
	// ClaimNotFound means no payment row exists for the PID.
	ClaimNotFound
)

// PaymentStore is the storage contract for payment rows (spec §4.B).
type PaymentStore interface {
	// InsertPayment is an idempotent insert: on conflict by PID, it does
	// nothing. Required because the monitor may replay a block range
	// after a crash.
	InsertPayment(ctx context.Context, p domain.NewPayment) error

	// GetPayment returns the payment row for pid, or ErrNotFound.
	GetPayment(ctx context.Context, pid domain.PaymentId) (domain.Payment, error)

	// ClaimPayment atomically flips an Unclaimed row to Claimed. Inside one
	// transaction it runs UPDATE ... WHERE pid=? AND status=0 and then
	// SELECTs the row: to return it after a winning update, or to tell
	// AlreadyClaimed from ClaimNotFound when no row was updated. It does
	// not use a single UPDATE ... RETURNING statement. Concurrent claims
	// for the same PID produce exactly one ClaimedNow outcome; all others
	// observe AlreadyClaimed.
	ClaimPayment(ctx context.Context, pid domain.PaymentId) (domain.ClaimOutcome, ClaimResult, error)

	// StreamPids calls fn once per persisted PID, for prewarming the
	// admission layer (spec §4.F). Iteration stops at the first error fn
	// returns.
	StreamPids(ctx context.Context, fn func(domain.PaymentId) error) error
}

// TokenStore is the storage contract for service token rows (spec §4.B).
type TokenStore interface {
	// InsertToken inserts a new token row. Returns ErrAlreadyExists on a
	// unique violation (concurrent winner); callers re-read by token.
	InsertToken(ctx context.Context, t domain.NewServiceToken) (domain.ServiceTokenRecord, error)

	// GetToken returns the token row, or ErrNotFound.
	GetToken(ctx context.Context, token domain.ServiceToken) (domain.ServiceTokenRecord, error)

	// RevokeToken sets revoked_at/revoke_reason/abuse_score. Idempotent on
	// an already-revoked token: the timestamp is not reset.
	RevokeToken(ctx context.Context, token domain.ServiceToken, reason *string, abuseScore *uint32) (domain.ServiceTokenRecord, error)
}

// MonitorStateStore is the storage contract for the monitor's height
// cursor (spec §4.B).
type MonitorStateStore interface {
	// LastProcessedHeight returns the persisted cursor, or (0, false) if
	// none has been set yet.
	LastProcessedHeight(ctx context.Context) (uint64, bool, error)

	// SetLastProcessedHeight sets the cursor unconditionally.
	SetLastProcessedHeight(ctx context.Context, height uint64) error
}

// Store bundles all three capability sets, the shape the application
// handle holds for process lifetime (spec §3 "Ownership").
type Store interface {
	PaymentStore
	TokenStore
	MonitorStateStore
	Close() error
}
