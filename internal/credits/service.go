// Package credits implements admission control for paid operations: a
// conditional atomic debit at reserve time, and commit/release settlement
// against an append-only ledger.
package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/store"
)

// Settlement errors
var (
	// ErrReservationReleased is returned by Commit when the reservation was
	// already released; the debit has been refunded and cannot be kept.
	ErrReservationReleased = errors.New("reservation was already released")
)

// Service is the admission controller. Every paid operation reserves credits
// before it starts and settles the reservation exactly once afterwards.
// All balance effects are appended ledger rows; nothing mutates a balance in
// place, so the ledger doubles as a replayable audit trail.
type Service struct {
	db      *sql.DB
	credits store.CreditStore
	logger  *slog.Logger
}

// NewService creates the admission controller.
func NewService(db *sql.DB, credits store.CreditStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:      db,
		credits: credits,
		logger:  logger.With(slog.String("component", "credits")),
	}
}

// Grant appends a positive ledger entry for the owner. Used for top-ups and
// for seeding the anonymous free allowance when a session is created.
func (s *Service) Grant(ctx context.Context, ownerKey string, amount int64, reason string) error {
	entry, err := domain.NewCreditLedgerEntry(ownerKey, amount, reason)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return s.credits.AppendEntry(ctx, entry)
}

// Balance returns the owner's current balance.
func (s *Service) Balance(ctx context.Context, ownerKey string) (int64, error) {
	return s.credits.Balance(ctx, ownerKey)
}

// Reserve performs the atomic check-and-debit. On success it returns a held
// reservation tied to the session it funds; when the balance cannot cover
// the cost it fails closed with an InsufficientCreditsError carrying the
// amounts involved.
func (s *Service) Reserve(ctx context.Context, ownerKey string, sessionID uuid.UUID, cost int64, reason string) (*domain.Reservation, error) {
	res, err := domain.NewReservation(ownerKey, sessionID, cost, reason)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	err = store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		cs := s.credits.WithTx(tx)

		entry, err := domain.NewCreditLedgerEntry(ownerKey, -cost, "reserve:"+res.ID.String())
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}

		debited, balance, err := cs.DebitIfCovered(ctx, entry)
		if err != nil {
			return fmt.Errorf("debit failed: %w", err)
		}
		if !debited {
			return &domain.InsufficientCreditsError{Required: cost, Available: balance}
		}

		return cs.CreateReservation(ctx, res)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("credits reserved",
		slog.String("reservation_id", res.ID.String()),
		slog.String("owner_key", ownerKey),
		slog.Int64("cost", cost))
	return res, nil
}

// Commit finalizes a reservation: the debit stands. Committing an
// already-committed reservation is a no-op; committing a released one is an
// error because the refund already happened.
func (s *Service) Commit(ctx context.Context, reservationID uuid.UUID) error {
	transitioned, err := s.credits.TransitionReservation(ctx, reservationID, domain.ReservationCommitted)
	if err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}
	if transitioned {
		return nil
	}

	res, err := s.credits.GetReservation(ctx, reservationID)
	if err != nil {
		return fmt.Errorf("failed to load reservation: %w", err)
	}
	if res.State == domain.ReservationReleased {
		return ErrReservationReleased
	}
	return nil
}

// Release settles a reservation by appending a compensating refund.
// Idempotent: releasing an already-settled reservation does nothing, so a
// worker that crashes mid-settlement can safely release again on re-run.
func (s *Service) Release(ctx context.Context, reservationID uuid.UUID) error {
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		cs := s.credits.WithTx(tx)

		res, err := cs.GetReservation(ctx, reservationID)
		if err != nil {
			return fmt.Errorf("failed to load reservation: %w", err)
		}

		transitioned, err := cs.TransitionReservation(ctx, reservationID, domain.ReservationReleased)
		if err != nil {
			return fmt.Errorf("failed to release reservation: %w", err)
		}
		if !transitioned {
			// Already committed or released; the second release is a no-op.
			return nil
		}

		refund, err := domain.NewCreditLedgerEntry(res.OwnerKey, res.Amount, "release:"+reservationID.String())
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		if err := cs.AppendEntry(ctx, refund); err != nil {
			return fmt.Errorf("failed to append refund: %w", err)
		}

		s.logger.Info("reservation released",
			slog.String("reservation_id", reservationID.String()),
			slog.String("owner_key", res.OwnerKey),
			slog.Int64("refund", res.Amount))
		return nil
	})
}
