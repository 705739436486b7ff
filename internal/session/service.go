// Package session implements the session manager: upload-session lifecycle,
// file-append limits, idempotent submission, the polled status projection,
// and the inactivity garbage collector.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/events"
	"github.com/chalford/parchment-api/internal/store"
	"github.com/chalford/parchment-api/internal/task"
)

// CreditManager is the slice of the admission controller the session
// manager needs: seeding the anonymous allowance and releasing orphaned
// reservations on deletion.
type CreditManager interface {
	Grant(ctx context.Context, ownerKey string, amount int64, reason string) error
	Release(ctx context.Context, reservationID uuid.UUID) error
}

// ProgressForgetter drops a session's in-memory progress state. Satisfied
// by the progress aggregator.
type ProgressForgetter interface {
	Forget(sessionID uuid.UUID)
}

// PipelinePersister writes the pipeline task row inside the caller's
// transaction, so the submitted session and its task commit or roll back
// together.
type PipelinePersister interface {
	PersistPipelineTask(ctx context.Context, tx *sql.Tx, sessionID, taskID uuid.UUID) error
}

// Config holds the session manager limits.
type Config struct {
	// TokenCeiling caps the aggregate estimated tokens across a session's
	// files.
	TokenCeiling int64

	// AnonymousAllowance is the free credit grant seeded for sessions with
	// no owner. Zero disables anonymous generation.
	AnonymousAllowance int64
}

// StatusView is the client-facing projection returned by GetStatus.
type StatusView struct {
	Status          domain.SessionStatus `json:"status"`
	ProgressPercent int                  `json:"progress_percent"`
	Message         string               `json:"message,omitempty"`
}

// Service owns all UploadSession and FileRef mutation. Workers never touch
// sessions except through the progress projection.
type Service struct {
	db       *sql.DB
	sessions store.SessionStore
	credits  CreditManager
	reserves store.CreditStore
	tasks    PipelinePersister
	emitter  events.EventEmitter
	progress ProgressForgetter
	cfg      Config
	logger   *slog.Logger
}

// NewService creates the session manager.
func NewService(
	db *sql.DB,
	sessions store.SessionStore,
	credits CreditManager,
	reserves store.CreditStore,
	tasks PipelinePersister,
	emitter events.EventEmitter,
	progress ProgressForgetter,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:       db,
		sessions: sessions,
		credits:  credits,
		reserves: reserves,
		tasks:    tasks,
		emitter:  emitter,
		progress: progress,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "session_service")),
	}
}

// Create opens a new session. ownerID may be nil for anonymous sessions,
// which get the configured free allowance seeded into the ledger.
func (s *Service) Create(ctx context.Context, ownerID *uuid.UUID) (*domain.UploadSession, error) {
	session := domain.NewUploadSession(ownerID)
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if ownerID == nil && s.cfg.AnonymousAllowance > 0 {
		if err := s.credits.Grant(ctx, session.CreditOwnerKey(), s.cfg.AnonymousAllowance, "anonymous allowance"); err != nil {
			s.logger.Error("failed to seed anonymous allowance",
				slog.String("session_id", session.ID.String()),
				slog.String("error", err.Error()))
		}
	}

	s.logger.Info("session created",
		slog.String("session_id", session.ID.String()),
		slog.Bool("anonymous", ownerID == nil))
	return session, nil
}

// AppendFile accepts one more file into an open session. Enforces the file
// count and token-ceiling limits; the file is immutable once accepted.
func (s *Service) AppendFile(ctx context.Context, sessionID uuid.UUID, name string, content []byte) (*domain.FileRef, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	file, err := domain.NewFileRef(sessionID, session.FileCount, name, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if err := session.CanAppend(file.EstimatedTokens, s.cfg.TokenCeiling); err != nil {
		return nil, err
	}

	session.FileCount++
	session.EstimatedTokens += file.EstimatedTokens
	session.Touch()

	if err := s.sessions.AppendFile(ctx, session, file); err != nil {
		return nil, fmt.Errorf("failed to append file: %w", err)
	}

	s.logger.Info("file appended",
		slog.String("session_id", sessionID.String()),
		slog.String("file_name", name),
		slog.Int("position", file.Position),
		slog.Int64("estimated_tokens", file.EstimatedTokens))
	return file, nil
}

// Submit closes the session for uploads and enqueues exactly one document
// pipeline task. Idempotent: retrying a submit returns the task ID of the
// first submission instead of enqueueing a second pipeline.
func (s *Service) Submit(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return uuid.Nil, err
	}

	// A retried submit returns the original task.
	if session.PipelineTaskID != nil {
		return *session.PipelineTaskID, nil
	}

	if session.Status != domain.SessionStatusOpen {
		return uuid.Nil, domain.ErrSessionNotOpen
	}
	if session.FileCount == 0 {
		return uuid.Nil, fmt.Errorf("%w: %v", domain.ErrValidation, domain.ErrSessionEmpty)
	}

	// The submitted session and its pipeline task row commit together: a
	// crash between the two can never leave a submitted session with no
	// task for recovery to find.
	taskID := uuid.New()
	txErr := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.sessions.WithTx(tx).MarkSubmitted(ctx, sessionID, taskID); err != nil {
			return err
		}
		return s.tasks.PersistPipelineTask(ctx, tx, sessionID, taskID)
	})
	if txErr != nil {
		if errors.Is(txErr, store.ErrUpdateFailed) {
			// Lost the race with a concurrent submit; return its task.
			if current, loadErr := s.sessions.GetByID(ctx, sessionID); loadErr == nil && current.PipelineTaskID != nil {
				return *current.PipelineTaskID, nil
			}
			return uuid.Nil, domain.ErrSessionNotOpen
		}
		return uuid.Nil, fmt.Errorf("failed to submit session: %w", txErr)
	}

	event, err := events.NewTaskRequestEvent(task.TaskTypeDocumentPipeline, struct {
		SessionID uuid.UUID `json:"session_id"`
		TaskID    uuid.UUID `json:"task_id"`
	}{SessionID: sessionID, TaskID: taskID})
	if err == nil {
		err = s.emitter.EmitEvent(ctx, event)
	}
	if err != nil {
		// The task row is durable; startup recovery will dispatch it even
		// though the in-process handoff failed.
		s.logger.Error("pipeline task left for recovery",
			slog.String("session_id", sessionID.String()),
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()))
	}

	s.logger.Info("session submitted",
		slog.String("session_id", sessionID.String()),
		slog.String("task_id", taskID.String()))
	return taskID, nil
}

// GetStatus returns the session's status projection. Side-effect free and
// cheap: one row read of pre-aggregated columns, safe to poll every few
// seconds.
func (s *Service) GetStatus(ctx context.Context, sessionID uuid.UUID) (*StatusView, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &StatusView{
		Status:          session.Status,
		ProgressPercent: session.ProgressPercent,
		Message:         session.Message,
	}, nil
}

// Delete removes a session on behalf of its owner. Held reservations tied
// to the session are released first so no credits stay stranded; in-flight
// jobs discover the deletion when they try to load the session and discard
// their results.
func (s *Service) Delete(ctx context.Context, sessionID uuid.UUID, requester *uuid.UUID) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.OwnerID != nil {
		if requester == nil || *requester != *session.OwnerID {
			return domain.ErrUnauthorized
		}
	}

	if err := s.releaseHeld(ctx, sessionID); err != nil {
		return err
	}

	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if s.progress != nil {
		s.progress.Forget(sessionID)
	}

	s.logger.Info("session deleted", slog.String("session_id", sessionID.String()))
	return nil
}

// releaseHeld releases every held reservation tied to the session.
func (s *Service) releaseHeld(ctx context.Context, sessionID uuid.UUID) error {
	held, err := s.reserves.FindHeldForSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to find held reservations: %w", err)
	}

	for _, r := range held {
		if err := s.credits.Release(ctx, r.ID); err != nil {
			return fmt.Errorf("failed to release reservation %s: %w", r.ID, err)
		}
	}

	if len(held) > 0 {
		s.logger.Info("released orphaned reservations",
			slog.String("session_id", sessionID.String()),
			slog.Int("count", len(held)))
	}
	return nil
}
