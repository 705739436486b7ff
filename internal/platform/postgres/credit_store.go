package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/platform/logger"
	"github.com/chalford/parchment-api/internal/store"
)

// PostgresCreditStore implements the store.CreditStore interface
// using a PostgreSQL database as the storage backend. The ledger table is
// append-only; balances are computed as running sums.
type PostgresCreditStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresCreditStore creates a new PostgreSQL implementation of the
// CreditStore interface. If logger is nil, a default logger is used.
func NewPostgresCreditStore(db store.DBTX, logger *slog.Logger) *PostgresCreditStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresCreditStore{
		db:     db,
		logger: logger.With(slog.String("component", "credit_store")),
	}
}

// Ensure PostgresCreditStore implements store.CreditStore interface
var _ store.CreditStore = (*PostgresCreditStore)(nil)

// WithTx returns a new CreditStore bound to the given transaction.
func (s *PostgresCreditStore) WithTx(tx *sql.Tx) store.CreditStore {
	return &PostgresCreditStore{
		db:     tx,
		logger: s.logger,
	}
}

// Balance implements store.CreditStore.Balance
func (s *PostgresCreditStore) Balance(ctx context.Context, ownerKey string) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT COALESCE(SUM(delta), 0)
		FROM credit_ledger
		WHERE owner_key = $1
	`

	var balance int64
	if err := s.db.QueryRowContext(ctx, query, ownerKey).Scan(&balance); err != nil {
		log.Error("failed to compute balance",
			slog.String("error", err.Error()),
			slog.String("owner_key", ownerKey))
		return 0, MapError(err)
	}

	return balance, nil
}

// AppendEntry implements store.CreditStore.AppendEntry
func (s *PostgresCreditStore) AppendEntry(ctx context.Context, entry *domain.CreditLedgerEntry) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := entry.Validate(); err != nil {
		log.Warn("ledger entry validation failed",
			slog.String("error", err.Error()),
			slog.String("owner_key", entry.OwnerKey))
		return err
	}

	query := `
		INSERT INTO credit_ledger (id, owner_key, delta, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query, entry.ID, entry.OwnerKey, entry.Delta, entry.Reason, entry.CreatedAt)
	if err != nil {
		log.Error("failed to append ledger entry",
			slog.String("error", err.Error()),
			slog.String("owner_key", entry.OwnerKey),
			slog.Int64("delta", entry.Delta))
		return MapError(err)
	}

	return nil
}

// DebitIfCovered implements store.CreditStore.DebitIfCovered
// Debits for one owner are serialized with an advisory transaction lock:
// under READ COMMITTED, two concurrent statements would each snapshot the
// balance before seeing the other's uncommitted debit row and both could
// pass the coverage check. The lock must run inside the caller's
// transaction; it is released at commit or rollback.
func (s *PostgresCreditStore) DebitIfCovered(ctx context.Context, entry *domain.CreditLedgerEntry) (bool, int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := entry.Validate(); err != nil {
		return false, 0, err
	}
	if entry.Delta >= 0 {
		return false, 0, fmt.Errorf("%w: debit delta must be negative", domain.ErrValidation)
	}

	if _, err := s.db.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, entry.OwnerKey); err != nil {
		log.Error("failed to take owner debit lock",
			slog.String("error", err.Error()),
			slog.String("owner_key", entry.OwnerKey))
		return false, 0, MapError(err)
	}

	query := `
		WITH current_balance AS (
			SELECT COALESCE(SUM(delta), 0) AS balance
			FROM credit_ledger
			WHERE owner_key = $2
		), inserted AS (
			INSERT INTO credit_ledger (id, owner_key, delta, reason, created_at)
			SELECT $1, $2, $3, $4, $5
			FROM current_balance
			WHERE balance + $3 >= 0
			RETURNING id
		)
		SELECT
			(SELECT COUNT(*) FROM inserted) AS debited,
			(SELECT balance FROM current_balance) AS balance
	`

	var debitedCount int
	var balance int64
	err := s.db.QueryRowContext(
		ctx,
		query,
		entry.ID,
		entry.OwnerKey,
		entry.Delta,
		entry.Reason,
		entry.CreatedAt,
	).Scan(&debitedCount, &balance)
	if err != nil {
		log.Error("conditional debit failed",
			slog.String("error", err.Error()),
			slog.String("owner_key", entry.OwnerKey),
			slog.Int64("delta", entry.Delta))
		return false, 0, MapError(err)
	}

	return debitedCount > 0, balance, nil
}

// CreateReservation implements store.CreditStore.CreateReservation
func (s *PostgresCreditStore) CreateReservation(ctx context.Context, r *domain.Reservation) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		INSERT INTO credit_reservations (id, owner_key, session_id, amount, reason, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query, r.ID, r.OwnerKey, r.SessionID, r.Amount, r.Reason, r.State, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		log.Error("failed to create reservation",
			slog.String("error", err.Error()),
			slog.String("reservation_id", r.ID.String()),
			slog.String("owner_key", r.OwnerKey))
		return MapError(err)
	}

	return nil
}

// GetReservation implements store.CreditStore.GetReservation
// Returns store.ErrReservationNotFound if the reservation does not exist.
func (s *PostgresCreditStore) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	query := `
		SELECT id, owner_key, session_id, amount, reason, state, created_at, updated_at
		FROM credit_reservations
		WHERE id = $1
	`

	r, err := scanReservation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrReservationNotFound
		}
		return nil, MapError(err)
	}
	return r, nil
}

// TransitionReservation implements store.CreditStore.TransitionReservation
// The WHERE clause only matches held reservations, so settling twice
// affects zero rows on the second call and returns false without error.
func (s *PostgresCreditStore) TransitionReservation(ctx context.Context, id uuid.UUID, to domain.ReservationState) (bool, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if to != domain.ReservationCommitted && to != domain.ReservationReleased {
		return false, domain.ErrValidation
	}

	query := `
		UPDATE credit_reservations
		SET state = $1, updated_at = $2
		WHERE id = $3 AND state = $4
	`
	result, err := s.db.ExecContext(ctx, query, to, time.Now().UTC(), id, domain.ReservationHeld)
	if err != nil {
		log.Error("failed to transition reservation",
			slog.String("error", err.Error()),
			slog.String("reservation_id", id.String()),
			slog.String("to", string(to)))
		return false, MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected > 0, nil
}

// FindHeldForSession implements store.CreditStore.FindHeldForSession
func (s *PostgresCreditStore) FindHeldForSession(ctx context.Context, sessionID uuid.UUID) ([]*domain.Reservation, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT id, owner_key, session_id, amount, reason, state, created_at, updated_at
		FROM credit_reservations
		WHERE state = $1 AND session_id = $2
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, domain.ReservationHeld, sessionID)
	if err != nil {
		log.Error("failed to query held reservations",
			slog.String("error", err.Error()),
			slog.String("session_id", sessionID.String()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	reservations := []*domain.Reservation{}
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			log.Error("failed to scan reservation row", slog.String("error", err.Error()))
			return nil, err
		}
		reservations = append(reservations, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return reservations, nil
}

func scanReservation(row scanner) (*domain.Reservation, error) {
	var r domain.Reservation
	var state string

	err := row.Scan(
		&r.ID,
		&r.OwnerKey,
		&r.SessionID,
		&r.Amount,
		&r.Reason,
		&state,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.State = domain.ReservationState(state)
	return &r, nil
}
