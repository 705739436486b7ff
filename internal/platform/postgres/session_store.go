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

// PostgresSessionStore implements the store.SessionStore interface
// using a PostgreSQL database as the storage backend.
type PostgresSessionStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresSessionStore creates a new PostgreSQL implementation of the
// SessionStore interface. The database connection or transaction is managed
// by the caller. If logger is nil, a default logger is used.
func NewPostgresSessionStore(db store.DBTX, logger *slog.Logger) *PostgresSessionStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresSessionStore{
		db:     db,
		logger: logger.With(slog.String("component", "session_store")),
	}
}

// Ensure PostgresSessionStore implements store.SessionStore interface
var _ store.SessionStore = (*PostgresSessionStore)(nil)

// WithTx returns a new SessionStore bound to the given transaction.
func (s *PostgresSessionStore) WithTx(tx *sql.Tx) store.SessionStore {
	return &PostgresSessionStore{
		db:     tx,
		logger: s.logger,
	}
}

// Create implements store.SessionStore.Create
func (s *PostgresSessionStore) Create(ctx context.Context, session *domain.UploadSession) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := session.Validate(); err != nil {
		log.Warn("session validation failed during create",
			slog.String("error", err.Error()),
			slog.String("session_id", session.ID.String()))
		return err
	}

	query := `
		INSERT INTO sessions (id, owner_id, status, estimated_tokens, file_count,
			progress_percent, message, pipeline_task_id, created_at, last_used_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		session.ID,
		session.OwnerID,
		session.Status,
		session.EstimatedTokens,
		session.FileCount,
		session.ProgressPercent,
		session.Message,
		session.PipelineTaskID,
		session.CreatedAt,
		session.LastUsedAt,
		session.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create session",
			slog.String("error", err.Error()),
			slog.String("session_id", session.ID.String()))
		return MapError(err)
	}

	return nil
}

// GetByID implements store.SessionStore.GetByID
// Returns store.ErrSessionNotFound if the session does not exist.
func (s *PostgresSessionStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.UploadSession, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT id, owner_id, status, estimated_tokens, file_count,
			progress_percent, message, pipeline_task_id, created_at, last_used_at, updated_at
		FROM sessions
		WHERE id = $1
	`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		log.Error("failed to get session by ID",
			slog.String("error", err.Error()),
			slog.String("session_id", id.String()))
		return nil, MapError(err)
	}

	return session, nil
}

// Update implements store.SessionStore.Update
// Returns store.ErrSessionNotFound if the session does not exist.
func (s *PostgresSessionStore) Update(ctx context.Context, session *domain.UploadSession) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := session.Validate(); err != nil {
		log.Warn("session validation failed during update",
			slog.String("error", err.Error()),
			slog.String("session_id", session.ID.String()))
		return err
	}

	session.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE sessions
		SET status = $1, estimated_tokens = $2, file_count = $3, progress_percent = $4,
			message = $5, pipeline_task_id = $6, last_used_at = $7, updated_at = $8
		WHERE id = $9
	`
	result, err := s.db.ExecContext(
		ctx,
		query,
		session.Status,
		session.EstimatedTokens,
		session.FileCount,
		session.ProgressPercent,
		session.Message,
		session.PipelineTaskID,
		session.LastUsedAt,
		session.UpdatedAt,
		session.ID,
	)
	if err != nil {
		log.Error("failed to update session",
			slog.String("error", err.Error()),
			slog.String("session_id", session.ID.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return store.ErrSessionNotFound
	}

	return nil
}

// MarkSubmitted implements store.SessionStore.MarkSubmitted
// The WHERE clause only matches open sessions, so a duplicate submit
// affects zero rows and surfaces as store.ErrUpdateFailed.
func (s *PostgresSessionStore) MarkSubmitted(ctx context.Context, id uuid.UUID, pipelineTaskID uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	now := time.Now().UTC()
	query := `
		UPDATE sessions
		SET status = $1, pipeline_task_id = $2, last_used_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	result, err := s.db.ExecContext(
		ctx,
		query,
		domain.SessionStatusSubmitted,
		pipelineTaskID,
		now,
		id,
		domain.SessionStatusOpen,
	)
	if err != nil {
		log.Error("failed to mark session submitted",
			slog.String("error", err.Error()),
			slog.String("session_id", id.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return store.ErrUpdateFailed
	}

	return nil
}

// UpdateProjection implements store.SessionStore.UpdateProjection
// It writes only the aggregated status columns, never the upload counters,
// so the progress aggregator cannot clobber concurrent session-manager
// writes.
func (s *PostgresSessionStore) UpdateProjection(ctx context.Context, id uuid.UUID, status domain.SessionStatus, progressPercent int, message string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE sessions
		SET status = $1, progress_percent = $2, message = $3, updated_at = $4
		WHERE id = $5
	`
	result, err := s.db.ExecContext(
		ctx,
		query,
		status,
		progressPercent,
		message,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		log.Error("failed to update session projection",
			slog.String("error", err.Error()),
			slog.String("session_id", id.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return store.ErrSessionNotFound
	}

	return nil
}

// AppendFile implements store.SessionStore.AppendFile
// The file insert and the session counter bump happen in one transaction;
// if the store is already inside a caller transaction, it reuses it.
func (s *PostgresSessionStore) AppendFile(ctx context.Context, session *domain.UploadSession, file *domain.FileRef) error {
	if tx, ok := s.db.(*sql.Tx); ok {
		return s.WithTx(tx).(*PostgresSessionStore).appendFileInTx(ctx, session, file)
	}

	db, ok := s.db.(*sql.DB)
	if !ok {
		return s.appendFileInTx(ctx, session, file)
	}

	return store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		return s.WithTx(tx).(*PostgresSessionStore).appendFileInTx(ctx, session, file)
	})
}

func (s *PostgresSessionStore) appendFileInTx(ctx context.Context, session *domain.UploadSession, file *domain.FileRef) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	fileQuery := `
		INSERT INTO session_files (id, session_id, position, name, file_type,
			size_bytes, estimated_tokens, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(
		ctx,
		fileQuery,
		file.ID,
		file.SessionID,
		file.Position,
		file.Name,
		file.Type,
		file.SizeBytes,
		file.EstimatedTokens,
		file.Content,
		file.CreatedAt,
	)
	if err != nil {
		log.Error("failed to insert session file",
			slog.String("error", err.Error()),
			slog.String("session_id", file.SessionID.String()),
			slog.Int("position", file.Position))
		return MapError(err)
	}

	sessionQuery := `
		UPDATE sessions
		SET file_count = $1, estimated_tokens = $2, last_used_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	result, err := s.db.ExecContext(
		ctx,
		sessionQuery,
		session.FileCount,
		session.EstimatedTokens,
		time.Now().UTC(),
		session.ID,
		domain.SessionStatusOpen,
	)
	if err != nil {
		log.Error("failed to bump session counters",
			slog.String("error", err.Error()),
			slog.String("session_id", session.ID.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return store.ErrUpdateFailed
	}

	return nil
}

// GetFiles implements store.SessionStore.GetFiles
func (s *PostgresSessionStore) GetFiles(ctx context.Context, sessionID uuid.UUID) ([]*domain.FileRef, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT id, session_id, position, name, file_type, size_bytes,
			estimated_tokens, content, created_at
		FROM session_files
		WHERE session_id = $1
		ORDER BY position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		log.Error("failed to query session files",
			slog.String("error", err.Error()),
			slog.String("session_id", sessionID.String()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	files := []*domain.FileRef{}
	for rows.Next() {
		var f domain.FileRef
		var fileType string
		err := rows.Scan(
			&f.ID,
			&f.SessionID,
			&f.Position,
			&f.Name,
			&fileType,
			&f.SizeBytes,
			&f.EstimatedTokens,
			&f.Content,
			&f.CreatedAt,
		)
		if err != nil {
			log.Error("failed to scan file row", slog.String("error", err.Error()))
			return nil, err
		}
		f.Type = domain.FileType(fileType)
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return files, nil
}

// FindExpired implements store.SessionStore.FindExpired
func (s *PostgresSessionStore) FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]*domain.UploadSession, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, owner_id, status, estimated_tokens, file_count,
			progress_percent, message, pipeline_task_id, created_at, last_used_at, updated_at
		FROM sessions
		WHERE last_used_at < $1
		ORDER BY last_used_at ASC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		log.Error("failed to query expired sessions",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	sessions := []*domain.UploadSession{}
	for rows.Next() {
		session, err := scanSessionRows(rows)
		if err != nil {
			log.Error("failed to scan session row", slog.String("error", err.Error()))
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

// Delete implements store.SessionStore.Delete
// Files, jobs, and results go with the session through ON DELETE CASCADE.
func (s *PostgresSessionStore) Delete(ctx context.Context, id uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		log.Error("failed to delete session",
			slog.String("error", err.Error()),
			slog.String("session_id", id.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return store.ErrSessionNotFound
	}

	return nil
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.UploadSession, error) {
	var session domain.UploadSession
	var ownerID uuid.NullUUID
	var taskID uuid.NullUUID
	var status string

	err := row.Scan(
		&session.ID,
		&ownerID,
		&status,
		&session.EstimatedTokens,
		&session.FileCount,
		&session.ProgressPercent,
		&session.Message,
		&taskID,
		&session.CreatedAt,
		&session.LastUsedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Status = domain.SessionStatus(status)
	if ownerID.Valid {
		id := ownerID.UUID
		session.OwnerID = &id
	}
	if taskID.Valid {
		id := taskID.UUID
		session.PipelineTaskID = &id
	}
	return &session, nil
}

func scanSessionRows(rows *sql.Rows) (*domain.UploadSession, error) {
	session, err := scanSession(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return session, nil
}
