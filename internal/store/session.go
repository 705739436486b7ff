package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/domain"
)

// SessionStore defines the interface for upload-session persistence.
// The session manager is the only component that mutates sessions through
// this interface; workers reach the session row only via the progress
// projection methods.
type SessionStore interface {
	// Create saves a new session to the store.
	Create(ctx context.Context, session *domain.UploadSession) error

	// GetByID retrieves a session by its unique ID.
	// Returns ErrSessionNotFound if the session does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.UploadSession, error)

	// Update saves changes to an existing session.
	// Returns ErrSessionNotFound if the session does not exist.
	Update(ctx context.Context, session *domain.UploadSession) error

	// MarkSubmitted atomically transitions an open session to submitted and
	// records the pipeline task ID. Returns ErrUpdateFailed if the session is
	// no longer open, which is how duplicate submits are detected.
	MarkSubmitted(ctx context.Context, id uuid.UUID, pipelineTaskID uuid.UUID) error

	// UpdateProjection writes the aggregated status projection for a session.
	// Used by the progress aggregator; must not touch any other column.
	UpdateProjection(ctx context.Context, id uuid.UUID, status domain.SessionStatus, progressPercent int, message string) error

	// AppendFile persists a file and bumps the session's aggregate counters
	// in a single transaction.
	AppendFile(ctx context.Context, session *domain.UploadSession, file *domain.FileRef) error

	// GetFiles returns the session's files ordered by position.
	GetFiles(ctx context.Context, sessionID uuid.UUID) ([]*domain.FileRef, error)

	// FindExpired returns sessions whose last_used_at is older than the
	// cutoff, up to limit rows. Used by the GC sweeper.
	FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]*domain.UploadSession, error)

	// Delete removes a session and its files, jobs, and results.
	// Returns ErrSessionNotFound if the session does not exist.
	Delete(ctx context.Context, id uuid.UUID) error

	// WithTx returns a new SessionStore instance that uses the provided
	// transaction. The transaction is created and managed by the caller.
	WithTx(tx *sql.Tx) SessionStore
}

// JobStore defines the interface for generation-job persistence.
type JobStore interface {
	// Create saves a new generation job.
	Create(ctx context.Context, job *domain.GenerationJob) error

	// GetByID retrieves a job by its ID.
	// Returns ErrJobNotFound if the job does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationJob, error)

	// GetBySessionAndKind retrieves the job for one kind of one session.
	// Returns ErrJobNotFound if the job does not exist.
	GetBySessionAndKind(ctx context.Context, sessionID uuid.UUID, kind domain.GenerationKind) (*domain.GenerationJob, error)

	// FindBySession returns all jobs belonging to a session.
	FindBySession(ctx context.Context, sessionID uuid.UUID) ([]*domain.GenerationJob, error)

	// Update saves changes to an existing job.
	// Returns ErrJobNotFound if the job does not exist.
	Update(ctx context.Context, job *domain.GenerationJob) error

	// WithTx returns a new JobStore instance that uses the provided
	// transaction.
	WithTx(tx *sql.Tx) JobStore
}
