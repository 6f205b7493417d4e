// Package redeem implements the public redemption operation: turning a
// payment ID into a service token, exactly once, no matter how many
// times or how concurrently the same PID is submitted.
package redeem

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/torpay/anon-ticket/internal/admission"
	"github.com/torpay/anon-ticket/internal/domain"
	"github.com/torpay/anon-ticket/internal/storage"
)

// Outcome is the public result shape of Redeem.
type Outcome int

const (
	// Success means this call claimed the payment and a token was issued.
	Success Outcome = iota
	// AlreadyClaimed means a prior call already claimed this PID; the
	// same token is returned (inserted first if its row was missing).
	AlreadyClaimed
	// NotFound means the PID is unknown to the admission layer or to
	// storage.
	NotFound
	// BadRequest means the input failed PaymentId format validation.
	BadRequest
)

// Result is what Redeem returns. ServiceToken and Amount are set only on
// Success and AlreadyClaimed.
type Result struct {
	Outcome      Outcome
	ServiceToken domain.ServiceToken
	Amount       int64
}

// Engine orchestrates admission, the atomic storage claim and token
// issuance. It holds no state of its own beyond its dependencies and is
// safe for concurrent use by many request workers.
type Engine struct {
	store     storage.Store
	admission *admission.Admission
	log       *slog.Logger
	now       func() time.Time
}

// New builds a redeem Engine over store and admission.
func New(store storage.Store, adm *admission.Admission, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, admission: adm, log: log, now: time.Now}
}

// Redeem runs the algorithm of spec §4.D for one raw, caller-supplied PID
// hex string.
func (e *Engine) Redeem(ctx context.Context, pidHex string) (Result, error) {
	pid, err := domain.ParsePaymentId(pidHex)
	if err != nil {
		return Result{Outcome: BadRequest}, nil
	}

	switch e.admission.Admit(pid) {
	case admission.Reject:
		return Result{Outcome: NotFound}, nil
	case admission.Proceed:
		// known-good; fall through to the storage claim
	case admission.Uncertain:
		_, err := e.store.GetPayment(ctx, pid)
		found := !errors.Is(err, storage.ErrNotFound)
		if err != nil && found {
			return Result{}, err
		}
		e.admission.Observe(pid, found)
		if !found {
			return Result{Outcome: NotFound}, nil
		}
	}

	outcome, claim, err := e.store.ClaimPayment(ctx, pid)
	if err != nil {
		return Result{}, err
	}

	switch claim {
	case storage.ClaimedNow:
		return e.issueToken(ctx, pid, outcome)
	case storage.AlreadyClaimed:
		return e.healToken(ctx, pid, outcome)
	default: // storage.ClaimNotFound
		return Result{Outcome: NotFound}, nil
	}
}

// issueToken derives and persists the token for a payment this call just
// claimed. A UniqueViolation here means a concurrent caller for the same
// PID already inserted it (it cannot be a different PID: the token is
// derived deterministically from this PID and its fixed txid) — re-read
// and return the winner's record instead of erroring.
func (e *Engine) issueToken(ctx context.Context, pid domain.PaymentId, outcome domain.ClaimOutcome) (Result, error) {
	token := domain.DeriveServiceToken(pid, outcome.TxidHex())
	rec, err := e.store.InsertToken(ctx, domain.NewServiceToken{
		Token:      token,
		Pid:        pid,
		Amount:     outcome.Amount,
		IssuedAt:   e.now(),
		AbuseScore: 0,
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		rec, err = e.store.GetToken(ctx, token)
	}
	if err != nil {
		return Result{}, err
	}

	e.admission.Learn(pid)
	return Result{Outcome: Success, ServiceToken: rec.Token, Amount: rec.Amount}, nil
}

// healToken re-derives the token for an already-claimed payment. The row
// is normally already there; on the rare case it is missing (a crash
// between claim and token insert on a prior call) it inserts it so the
// endpoint stays idempotent no matter how many times the same PID is
// submitted.
func (e *Engine) healToken(ctx context.Context, pid domain.PaymentId, outcome domain.ClaimOutcome) (Result, error) {
	token := domain.DeriveServiceToken(pid, outcome.TxidHex())
	rec, err := e.store.GetToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		rec, err = e.store.InsertToken(ctx, domain.NewServiceToken{
			Token:      token,
			Pid:        pid,
			Amount:     outcome.Amount,
			IssuedAt:   e.now(),
			AbuseScore: 0,
		})
		if errors.Is(err, storage.ErrAlreadyExists) {
			rec, err = e.store.GetToken(ctx, token)
		}
	}
	if err != nil {
		return Result{}, err
	}

	e.admission.Learn(pid)
	return Result{Outcome: AlreadyClaimed, ServiceToken: rec.Token, Amount: rec.Amount}, nil
}
