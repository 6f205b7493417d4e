package domain

import (
	"encoding/hex"
	"time"
)

// PaymentStatus is the one-way lifecycle state of a Payment row.
type PaymentStatus byte

const (
	// StatusUnclaimed is the initial state set by the monitor on ingest.
	StatusUnclaimed PaymentStatus = 0
	// StatusClaimed is set exactly once by a successful claim_payment.
	StatusClaimed PaymentStatus = 1
)

// NewPayment is the row the monitor persists after confirmation gating,
// PID validation and dust filtering.
type NewPayment struct {
	Pid         PaymentId
	Txid        [32]byte
	Amount      int64
	BlockHeight uint64
	ReceivedAt  time.Time
}

// Payment is a full persisted payment row.
type Payment struct {
	Pid         PaymentId
	Txid        [32]byte
	Amount      int64
	BlockHeight uint64
	ReceivedAt  time.Time
	Status      PaymentStatus
	ClaimedAt   *time.Time
}

// TxidHex returns the lowercase hex transaction id.
func (p Payment) TxidHex() string {
	return hex.EncodeToString(p.Txid[:])
}

// ClaimOutcome is the payment data claim_payment returns for a winning
// claim and for an already-claimed payment.
type ClaimOutcome struct {
	Pid         PaymentId
	Txid        [32]byte
	Amount      int64
	BlockHeight uint64
	ClaimedAt   time.Time
}

// TxidHex returns the lowercase hex transaction id.
func (c ClaimOutcome) TxidHex() string {
	return hex.EncodeToString(c.Txid[:])
}

// NewServiceToken is the row the redeem engine inserts on a fresh claim.
type NewServiceToken struct {
	Token      ServiceToken
	Pid        PaymentId
	Amount     int64
	IssuedAt   time.Time
	AbuseScore uint32
}

// ServiceTokenRecord is a full persisted token row.
type ServiceTokenRecord struct {
	Token        ServiceToken
	Pid          PaymentId
	Amount       int64
	IssuedAt     time.Time
	RevokedAt    *time.Time
	AbuseScore   uint32
	RevokeReason *string
}

// IsRevoked reports whether the token has been administratively revoked.
func (r ServiceTokenRecord) IsRevoked() bool {
	return r.RevokedAt != nil
}
