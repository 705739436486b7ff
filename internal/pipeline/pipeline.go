// Package pipeline implements the document pipeline task: extract the
// session's text, populate the cache, create the generation job rows, and
// fan out the generation group.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/cache"
	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/extraction"
	"github.com/chalford/parchment-api/internal/generation"
	"github.com/chalford/parchment-api/internal/store"
	"github.com/chalford/parchment-api/internal/task"
)

// GroupSubmitter dispatches a set of tasks that execute independently.
type GroupSubmitter interface {
	SubmitGroup(ctx context.Context, tasks []task.Task) error
}

// ProgressReporter is the slice of the aggregator the pipeline needs.
type ProgressReporter interface {
	StartGroup(ctx context.Context, sessionID uuid.UUID, total int) error
	FailSession(ctx context.Context, sessionID uuid.UUID, message string)
}

// Deps bundles the pipeline task dependencies.
type Deps struct {
	Sessions   store.SessionStore
	Jobs       store.JobStore
	Cache      cache.Cache
	Extract    *extraction.Registry
	Progress   ProgressReporter
	Submitter  GroupSubmitter
	Generation generation.Deps

	TextTTL time.Duration
	Logger  *slog.Logger
}

// taskPayload is the serialized form of a pipeline task.
type taskPayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// Task is the orchestrating job for one submitted session.
//
// Failure semantics: extraction failure fails the whole session and nothing
// is fanned out; once fan-out happens, each generation kind succeeds or
// fails on its own.
type Task struct {
	id        uuid.UUID
	sessionID uuid.UUID
	deps      Deps
	logger    *slog.Logger
	status    task.TaskStatus
}

var (
	_ task.Task      = (*Task)(nil)
	_ task.Abandoner = (*Task)(nil)
)

// NewTask creates a pipeline task for the session.
func NewTask(sessionID uuid.UUID, deps Deps) (*Task, error) {
	if sessionID == uuid.Nil {
		return nil, domain.ErrEmptySessionID
	}

	return &Task{
		id:        uuid.New(),
		sessionID: sessionID,
		deps:      deps,
		logger: deps.Logger.With(
			"task_type", task.TaskTypeDocumentPipeline,
			"session_id", sessionID),
		status: task.TaskStatusPending,
	}, nil
}

// Rehydrate rebuilds a pipeline task from a persisted row.
func Rehydrate(deps Deps) task.RehydrateFunc {
	return func(id uuid.UUID, payload []byte, status task.TaskStatus) (task.Task, error) {
		var p taskPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("malformed pipeline payload: %w", err)
		}

		t, err := NewTask(p.SessionID, deps)
		if err != nil {
			return nil, err
		}
		t.id = id
		t.status = status
		return t, nil
	}
}

// ID returns the task's unique identifier
func (t *Task) ID() uuid.UUID {
	return t.id
}

// Type returns the task type identifier
func (t *Task) Type() string {
	return task.TaskTypeDocumentPipeline
}

// Payload returns the task data as a byte slice
func (t *Task) Payload() []byte {
	data, err := json.Marshal(taskPayload{SessionID: t.sessionID})
	if err != nil {
		t.logger.Error("failed to marshal task payload", "error", err)
		return []byte{}
	}
	return data
}

// Status returns the current task status
func (t *Task) Status() task.TaskStatus {
	return t.status
}

// Execute extracts the session's documents and fans out the generation group.
func (t *Task) Execute(ctx context.Context) error {
	t.status = task.TaskStatusProcessing
	t.logger.Info("starting document pipeline")

	session, err := t.deps.Sessions.GetByID(ctx, t.sessionID)
	if err != nil {
		if store.IsNotFoundError(err) {
			t.logger.Info("session gone, discarding pipeline task")
			t.status = task.TaskStatusCompleted
			return nil
		}
		t.status = task.TaskStatusFailed
		return fmt.Errorf("%w: failed to load session: %v", domain.ErrTransient, err)
	}

	if session.Terminal() {
		t.logger.Info("session already terminal, nothing to do", "session_status", session.Status)
		t.status = task.TaskStatusCompleted
		return nil
	}

	if err := t.deps.Sessions.UpdateProjection(ctx, t.sessionID,
		domain.SessionStatusProcessing, 0, "extracting document text"); err != nil {
		t.status = task.TaskStatusFailed
		return fmt.Errorf("%w: failed to mark session processing: %v", domain.ErrTransient, err)
	}

	files, err := t.deps.Sessions.GetFiles(ctx, t.sessionID)
	if err != nil {
		t.status = task.TaskStatusFailed
		return fmt.Errorf("%w: failed to load session files: %v", domain.ErrTransient, err)
	}

	text, err := t.deps.Extract.ExtractAll(files)
	if err != nil {
		// Fail fast: no generation against unreadable input.
		t.logger.Error("extraction failed, failing session", "error", err)
		t.deps.Progress.FailSession(ctx, t.sessionID, err.Error())
		t.status = task.TaskStatusFailed
		if errors.Is(err, domain.ErrExtraction) {
			return fmt.Errorf("%w: %v", domain.ErrPermanent, err)
		}
		return err
	}

	textKey := cache.KeyFor("document_text", cache.Canonicalize(text))
	t.deps.Cache.Set(ctx, textKey, []byte(text), t.deps.TextTTL)
	t.logger.Info("document text extracted",
		"files", len(files),
		"text_bytes", len(text))

	if err := t.ensureJobs(ctx); err != nil {
		t.status = task.TaskStatusFailed
		return err
	}

	if err := t.deps.Progress.StartGroup(ctx, t.sessionID, len(domain.AllKinds())); err != nil {
		t.status = task.TaskStatusFailed
		return fmt.Errorf("%w: failed to start progress group: %v", domain.ErrTransient, err)
	}

	tasks := make([]task.Task, 0, len(domain.AllKinds()))
	for _, kind := range domain.AllKinds() {
		gt, err := generation.NewTask(t.sessionID, kind, textKey, t.deps.Generation)
		if err != nil {
			t.status = task.TaskStatusFailed
			return fmt.Errorf("%w: failed to build %s task: %v", domain.ErrPermanent, kind, err)
		}
		tasks = append(tasks, gt)
	}

	if err := t.deps.Submitter.SubmitGroup(ctx, tasks); err != nil {
		t.status = task.TaskStatusFailed
		return fmt.Errorf("%w: failed to dispatch generation group: %v", domain.ErrTransient, err)
	}

	t.logger.Info("generation group dispatched", "jobs", len(tasks))
	t.status = task.TaskStatusCompleted
	return nil
}

// Abandon fails the session when the dispatcher gives up on the pipeline:
// nothing was fanned out, so no generation job will ever settle the
// projection. The aggregator ignores the report if the session already
// reached a terminal state through another path.
func (t *Task) Abandon(ctx context.Context, cause error) {
	t.logger.Error("abandoning document pipeline", "error", cause)
	t.deps.Progress.FailSession(ctx, t.sessionID, cause.Error())
}

// ensureJobs creates the per-kind job rows if a previous run did not already.
func (t *Task) ensureJobs(ctx context.Context) error {
	for _, kind := range domain.AllKinds() {
		_, err := t.deps.Jobs.GetBySessionAndKind(ctx, t.sessionID, kind)
		if err == nil {
			continue
		}
		if !store.IsNotFoundError(err) {
			return fmt.Errorf("%w: failed to check job row: %v", domain.ErrTransient, err)
		}

		job, err := domain.NewGenerationJob(t.sessionID, kind)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPermanent, err)
		}
		if err := t.deps.Jobs.Create(ctx, job); err != nil {
			return fmt.Errorf("%w: failed to create job row: %v", domain.ErrTransient, err)
		}
	}
	return nil
}
