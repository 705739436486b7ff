package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/platform/logger"
	"github.com/chalford/parchment-api/internal/store"
)

// PostgresJobStore implements the store.JobStore interface
// using a PostgreSQL database as the storage backend.
type PostgresJobStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresJobStore creates a new PostgreSQL implementation of the
// JobStore interface. If logger is nil, a default logger is used.
func NewPostgresJobStore(db store.DBTX, logger *slog.Logger) *PostgresJobStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresJobStore{
		db:     db,
		logger: logger.With(slog.String("component", "job_store")),
	}
}

// Ensure PostgresJobStore implements store.JobStore interface
var _ store.JobStore = (*PostgresJobStore)(nil)

// WithTx returns a new JobStore bound to the given transaction.
func (s *PostgresJobStore) WithTx(tx *sql.Tx) store.JobStore {
	return &PostgresJobStore{
		db:     tx,
		logger: s.logger,
	}
}

// Create implements store.JobStore.Create
// Returns store.ErrDuplicate if a job for the same session and kind exists.
func (s *PostgresJobStore) Create(ctx context.Context, job *domain.GenerationJob) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		INSERT INTO generation_jobs (id, session_id, kind, status, retry_count,
			credits_charged, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.SessionID,
		job.Kind,
		job.Status,
		job.RetryCount,
		job.CreditsCharged,
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create generation job",
			slog.String("error", err.Error()),
			slog.String("job_id", job.ID.String()),
			slog.String("session_id", job.SessionID.String()),
			slog.String("kind", string(job.Kind)))
		return MapError(err)
	}

	return nil
}

// GetByID implements store.JobStore.GetByID
// Returns store.ErrJobNotFound if the job does not exist.
func (s *PostgresJobStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationJob, error) {
	query := jobSelect + ` WHERE id = $1`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, MapError(err)
	}
	return job, nil
}

// GetBySessionAndKind implements store.JobStore.GetBySessionAndKind
// Returns store.ErrJobNotFound if the job does not exist.
func (s *PostgresJobStore) GetBySessionAndKind(ctx context.Context, sessionID uuid.UUID, kind domain.GenerationKind) (*domain.GenerationJob, error) {
	query := jobSelect + ` WHERE session_id = $1 AND kind = $2`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, sessionID, kind))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, MapError(err)
	}
	return job, nil
}

// FindBySession implements store.JobStore.FindBySession
func (s *PostgresJobStore) FindBySession(ctx context.Context, sessionID uuid.UUID) ([]*domain.GenerationJob, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := jobSelect + ` WHERE session_id = $1 ORDER BY kind ASC`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		log.Error("failed to query jobs by session",
			slog.String("error", err.Error()),
			slog.String("session_id", sessionID.String()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	jobs := []*domain.GenerationJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			log.Error("failed to scan job row", slog.String("error", err.Error()))
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return jobs, nil
}

// Update implements store.JobStore.Update
// Returns store.ErrJobNotFound if the job does not exist.
func (s *PostgresJobStore) Update(ctx context.Context, job *domain.GenerationJob) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	job.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE generation_jobs
		SET status = $1, retry_count = $2, credits_charged = $3, error_message = $4, updated_at = $5
		WHERE id = $6
	`
	result, err := s.db.ExecContext(
		ctx,
		query,
		job.Status,
		job.RetryCount,
		job.CreditsCharged,
		job.ErrorMessage,
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		log.Error("failed to update generation job",
			slog.String("error", err.Error()),
			slog.String("job_id", job.ID.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return store.ErrJobNotFound
	}

	return nil
}

const jobSelect = `
	SELECT id, session_id, kind, status, retry_count, credits_charged,
		error_message, created_at, updated_at
	FROM generation_jobs`

func scanJob(row scanner) (*domain.GenerationJob, error) {
	var job domain.GenerationJob
	var kind, status string
	var errorMessage sql.NullString

	err := row.Scan(
		&job.ID,
		&job.SessionID,
		&kind,
		&status,
		&job.RetryCount,
		&job.CreditsCharged,
		&errorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = domain.GenerationKind(kind)
	job.Status = domain.JobStatus(status)
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}
	return &job, nil
}
