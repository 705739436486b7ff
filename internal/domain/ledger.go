package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ReservationState represents the settlement state of a credit reservation.
type ReservationState string

// Possible reservation states. A reservation starts held and settles exactly
// once: committed keeps the debit, released compensates it with a refund.
const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Ledger validation errors
var (
	ErrEmptyOwnerKey     = errors.New("ledger owner key cannot be empty")
	ErrZeroDelta         = errors.New("ledger delta cannot be zero")
	ErrEmptyLedgerReason = errors.New("ledger reason cannot be empty")
)

// CreditLedgerEntry is one append-only row in the credit ledger. The current
// balance of an owner is the running sum of its deltas; nothing ever mutates
// a balance in place.
//
// OwnerKey is the user ID for authenticated owners, or the session ID for
// anonymous sessions drawing on the free allowance.
type CreditLedgerEntry struct {
	ID        uuid.UUID `json:"id"`
	OwnerKey  string    `json:"owner_key"`
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// NewCreditLedgerEntry creates a ledger row. Delta is negative for debits and
// positive for refunds or top-ups.
func NewCreditLedgerEntry(ownerKey string, delta int64, reason string) (*CreditLedgerEntry, error) {
	e := &CreditLedgerEntry{
		ID:        uuid.New(),
		OwnerKey:  ownerKey,
		Delta:     delta,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks if the CreditLedgerEntry has valid data.
func (e *CreditLedgerEntry) Validate() error {
	if e.OwnerKey == "" {
		return ErrEmptyOwnerKey
	}
	if e.Delta == 0 {
		return ErrZeroDelta
	}
	if e.Reason == "" {
		return ErrEmptyLedgerReason
	}
	return nil
}

// Reservation is a provisional credit debit that must be committed or
// released. Workers may crash between reserving and completing, so Release
// is idempotent: settling an already-settled reservation is a no-op.
//
// SessionID ties the hold to the session whose generation it funds, so
// session deletion and the GC sweeper can find and release orphaned holds.
type Reservation struct {
	ID        uuid.UUID        `json:"id"`
	OwnerKey  string           `json:"owner_key"`
	SessionID uuid.UUID        `json:"session_id"`
	Amount    int64            `json:"amount"`
	Reason    string           `json:"reason"`
	State     ReservationState `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewReservation creates a held reservation for the given owner and amount.
func NewReservation(ownerKey string, sessionID uuid.UUID, amount int64, reason string) (*Reservation, error) {
	if ownerKey == "" {
		return nil, ErrEmptyOwnerKey
	}
	if sessionID == uuid.Nil {
		return nil, ErrEmptySessionID
	}
	if amount <= 0 {
		return nil, ErrZeroDelta
	}
	if reason == "" {
		return nil, ErrEmptyLedgerReason
	}

	now := time.Now().UTC()
	return &Reservation{
		ID:        uuid.New(),
		OwnerKey:  ownerKey,
		SessionID: sessionID,
		Amount:    amount,
		Reason:    reason,
		State:     ReservationHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Settled reports whether the reservation has already been committed or
// released.
func (r *Reservation) Settled() bool {
	return r.State != ReservationHeld
}
