package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/domain"
)

// CreditStore defines the interface backing the admission controller.
// The ledger is append-only: balances are running sums, never columns that
// get mutated in place.
type CreditStore interface {
	// Balance returns the running sum of the owner's ledger deltas.
	// An owner with no rows has balance zero.
	Balance(ctx context.Context, ownerKey string) (int64, error)

	// AppendEntry appends one ledger row. Used for top-ups and refunds;
	// debits go through DebitIfCovered so the balance check and the append
	// are one atomic statement.
	AppendEntry(ctx context.Context, entry *domain.CreditLedgerEntry) error

	// DebitIfCovered appends a debit row only if the owner's current balance
	// covers the amount, and reports whether the debit happened along with
	// the balance observed by the statement. The check and the insert execute
	// as a single statement so concurrent debits cannot overdraw.
	DebitIfCovered(ctx context.Context, entry *domain.CreditLedgerEntry) (debited bool, balance int64, err error)

	// CreateReservation persists a held reservation.
	CreateReservation(ctx context.Context, r *domain.Reservation) error

	// GetReservation retrieves a reservation by ID.
	// Returns ErrReservationNotFound if it does not exist.
	GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)

	// TransitionReservation moves a held reservation to the given settled
	// state and reports whether this call performed the transition. A false
	// return with nil error means the reservation was already settled, which
	// is how Release gets its idempotence.
	TransitionReservation(ctx context.Context, id uuid.UUID, to domain.ReservationState) (bool, error)

	// FindHeldForSession returns held reservations tied to the session by
	// their session ID. Used when deleting a session to release orphans.
	FindHeldForSession(ctx context.Context, sessionID uuid.UUID) ([]*domain.Reservation, error)

	// WithTx returns a new CreditStore instance that uses the provided
	// transaction.
	WithTx(tx *sql.Tx) CreditStore
}
