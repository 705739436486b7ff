package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/cache"
	"github.com/chalford/parchment-api/internal/credits"
	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/extraction"
	"github.com/chalford/parchment-api/internal/store"
	"github.com/chalford/parchment-api/internal/task"
)

// CreditService is the slice of the admission controller the worker needs.
type CreditService interface {
	Reserve(ctx context.Context, ownerKey string, sessionID uuid.UUID, cost int64, reason string) (*domain.Reservation, error)
	Commit(ctx context.Context, reservationID uuid.UUID) error
	Release(ctx context.Context, reservationID uuid.UUID) error
}

// ProgressReporter receives job settlements for the progress projection.
type ProgressReporter interface {
	JobSucceeded(ctx context.Context, sessionID uuid.UUID, kind domain.GenerationKind)
	JobFailed(ctx context.Context, sessionID uuid.UUID, kind domain.GenerationKind, message string)
}

// Deps bundles everything a generation task needs. One value is shared by
// all tasks; it is immutable after construction.
type Deps struct {
	Sessions store.SessionStore
	Jobs     store.JobStore
	Results  store.ResultStore
	Cache    cache.Cache
	Credits  CreditService
	Schedule credits.Schedule
	Model    ModelClient
	Registry *Registry
	Progress ProgressReporter
	Extract  *extraction.Registry

	// OutputRetryCeiling bounds re-asks when the model returns structurally
	// invalid output. These retries are internal to one Execute and do not
	// consume dispatcher attempts.
	OutputRetryCeiling int

	ResponseTTL time.Duration
	TextTTL     time.Duration

	Logger *slog.Logger
}

// taskPayload is the serialized form of a generation task.
type taskPayload struct {
	SessionID uuid.UUID             `json:"session_id"`
	Kind      domain.GenerationKind `json:"kind"`
	TextKey   string                `json:"text_key"`
}

// Task runs one generation kind for one session: consult the response cache,
// reserve credits, call the model, validate and persist the output, settle
// the reservation, and report to the progress aggregator.
//
// Execute is idempotent: persistence is an upsert keyed by session, and a
// re-run of an already-succeeded job only re-reports its settlement.
type Task struct {
	id        uuid.UUID
	sessionID uuid.UUID
	kind      domain.GenerationKind
	textKey   string
	deps      Deps
	logger    *slog.Logger
	status    task.TaskStatus
}

// Both interfaces matter: Execute runs attempts, Abandon settles the job
// when the dispatcher stops retrying.
var (
	_ task.Task      = (*Task)(nil)
	_ task.Abandoner = (*Task)(nil)
)

// NewTask creates a generation task for the session and kind. textKey is the
// cache key under which the pipeline stored the session's extracted text.
func NewTask(sessionID uuid.UUID, kind domain.GenerationKind, textKey string, deps Deps) (*Task, error) {
	if sessionID == uuid.Nil {
		return nil, domain.ErrEmptySessionID
	}
	if !domain.IsValidKind(kind) {
		return nil, domain.ErrInvalidJobKind
	}

	return &Task{
		id:        uuid.New(),
		sessionID: sessionID,
		kind:      kind,
		textKey:   textKey,
		deps:      deps,
		logger: deps.Logger.With(
			"task_type", task.TaskTypeGeneration,
			"session_id", sessionID,
			"kind", kind),
		status: task.TaskStatusPending,
	}, nil
}

// Rehydrate rebuilds a generation task from a persisted row. Registered in
// the task factory registry at process start.
func Rehydrate(deps Deps) task.RehydrateFunc {
	return func(id uuid.UUID, payload []byte, status task.TaskStatus) (task.Task, error) {
		var p taskPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("malformed generation payload: %w", err)
		}

		t, err := NewTask(p.SessionID, p.Kind, p.TextKey, deps)
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
	return task.TaskTypeGeneration
}

// Payload returns the task data as a byte slice
func (t *Task) Payload() []byte {
	data, err := json.Marshal(taskPayload{
		SessionID: t.sessionID,
		Kind:      t.kind,
		TextKey:   t.textKey,
	})
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

// Execute runs the generation job.
func (t *Task) Execute(ctx context.Context) error {
	t.status = task.TaskStatusProcessing

	session, err := t.deps.Sessions.GetByID(ctx, t.sessionID)
	if err != nil {
		if store.IsNotFoundError(err) {
			// Session was deleted; discard the work.
			t.logger.Info("session gone, discarding generation job")
			t.status = task.TaskStatusCompleted
			return nil
		}
		t.status = task.TaskStatusFailed
		return fmt.Errorf("%w: failed to load session: %v", domain.ErrTransient, err)
	}

	job, err := t.deps.Jobs.GetBySessionAndKind(ctx, t.sessionID, t.kind)
	if err != nil {
		t.status = task.TaskStatusFailed
		if store.IsNotFoundError(err) {
			return fmt.Errorf("%w: generation job row missing", domain.ErrPermanent)
		}
		return fmt.Errorf("%w: failed to load job: %v", domain.ErrTransient, err)
	}

	if job.Terminal() {
		// A previous run finished the job but crashed before acknowledgment.
		t.logger.Info("job already settled, re-reporting", "job_status", job.Status)
		t.reportSettled(ctx, job)
		t.status = task.TaskStatusCompleted
		return nil
	}

	job.Status = domain.JobStatusRunning
	job.RetryCount++
	job.UpdatedAt = time.Now().UTC()
	if err := t.deps.Jobs.Update(ctx, job); err != nil {
		t.status = task.TaskStatusFailed
		return fmt.Errorf("%w: failed to mark job running: %v", domain.ErrTransient, err)
	}

	handler, err := t.deps.Registry.Handler(t.kind)
	if err != nil {
		t.failJob(ctx, job, err.Error())
		t.status = task.TaskStatusFailed
		return err
	}

	text, err := t.sessionText(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrExtraction) {
			t.failJob(ctx, job, err.Error())
			t.status = task.TaskStatusFailed
			return fmt.Errorf("%w: %v", domain.ErrPermanent, err)
		}
		t.status = task.TaskStatusFailed
		return err
	}

	responseKey := cache.KeyFor(string(t.kind), cache.Canonicalize(text))

	// Cache hit skips the paid call entirely.
	if cached, cerr := t.deps.Cache.Get(ctx, responseKey); cerr == nil {
		if result, perr := handler.Parse(t.sessionID, string(cached)); perr == nil {
			t.logger.Info("serving generation from cache", "items", result.Count())
			return t.succeed(ctx, job, result, 0)
		}
		// A cached response that no longer validates is recomputed.
		t.logger.Warn("cached response failed validation, recomputing")
	}

	cost := t.deps.Schedule.CostFor(t.kind, int64(len(text))/4)
	reservation, err := t.deps.Credits.Reserve(ctx, session.CreditOwnerKey(), t.sessionID, cost,
		fmt.Sprintf("generation %s", t.kind))
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			t.failJob(ctx, job, err.Error())
			t.status = task.TaskStatusFailed
			return err
		}
		t.status = task.TaskStatusFailed
		return fmt.Errorf("%w: failed to reserve credits: %v", domain.ErrTransient, err)
	}

	raw, result, err := t.callModel(ctx, handler, text)
	if err != nil {
		if releaseErr := t.deps.Credits.Release(ctx, reservation.ID); releaseErr != nil {
			t.logger.Error("failed to release reservation", "error", releaseErr)
		}
		if !domain.IsRetryable(err) {
			t.failJob(ctx, job, err.Error())
		}
		t.status = task.TaskStatusFailed
		return err
	}

	if err := result.Persist(ctx, t.sessionID, t.deps.Results); err != nil {
		if releaseErr := t.deps.Credits.Release(ctx, reservation.ID); releaseErr != nil {
			t.logger.Error("failed to release reservation", "error", releaseErr)
		}
		t.status = task.TaskStatusFailed
		return fmt.Errorf("%w: failed to persist results: %v", domain.ErrTransient, err)
	}

	if err := t.deps.Credits.Commit(ctx, reservation.ID); err != nil {
		t.status = task.TaskStatusFailed
		return fmt.Errorf("%w: failed to commit reservation: %v", domain.ErrTransient, err)
	}

	t.deps.Cache.Set(ctx, responseKey, []byte(raw), t.deps.ResponseTTL)

	return t.succeed(ctx, job, result, cost)
}

// callModel asks the model for output, re-asking up to the output retry
// ceiling when the response fails structural validation. Model-call errors
// come back already classified by the client.
func (t *Task) callModel(ctx context.Context, handler KindHandler, text string) (string, Result, error) {
	prompt := handler.BuildPrompt(text)

	var lastErr error
	for attempt := 0; attempt <= t.deps.OutputRetryCeiling; attempt++ {
		raw, err := t.deps.Model.Generate(ctx, prompt, t.kind)
		if err != nil {
			return "", nil, err
		}

		result, perr := handler.Parse(t.sessionID, raw)
		if perr == nil {
			return raw, result, nil
		}

		lastErr = perr
		t.logger.Warn("model output failed validation",
			"attempt", attempt+1,
			"error", perr)
	}

	return "", nil, fmt.Errorf("output invalid after %d attempts: %w",
		t.deps.OutputRetryCeiling+1, lastErr)
}

// sessionText returns the session's extracted text, preferring the cache and
// re-extracting from the stored files on a miss. The cache is an
// optimization: a cold cache costs a re-extraction, never correctness.
func (t *Task) sessionText(ctx context.Context) (string, error) {
	if data, err := t.deps.Cache.Get(ctx, t.textKey); err == nil {
		return string(data), nil
	}

	files, err := t.deps.Sessions.GetFiles(ctx, t.sessionID)
	if err != nil {
		return "", fmt.Errorf("%w: failed to load session files: %v", domain.ErrTransient, err)
	}

	text, err := t.deps.Extract.ExtractAll(files)
	if err != nil {
		return "", err
	}

	t.deps.Cache.Set(ctx, t.textKey, []byte(text), t.deps.TextTTL)
	return text, nil
}

// succeed settles the job as succeeded and reports progress.
func (t *Task) succeed(ctx context.Context, job *domain.GenerationJob, result Result, charged int64) error {
	job.Status = domain.JobStatusSucceeded
	job.CreditsCharged = charged
	job.ErrorMessage = ""
	job.UpdatedAt = time.Now().UTC()
	if err := t.deps.Jobs.Update(ctx, job); err != nil {
		t.status = task.TaskStatusFailed
		return fmt.Errorf("%w: failed to mark job succeeded: %v", domain.ErrTransient, err)
	}

	t.deps.Progress.JobSucceeded(ctx, t.sessionID, t.kind)
	t.logger.Info("generation job succeeded",
		"items", result.Count(),
		"credits_charged", charged)
	t.status = task.TaskStatusCompleted
	return nil
}

// failJob settles the job as failed and reports progress. Sibling kinds are
// unaffected; partial success is a first-class outcome.
func (t *Task) failJob(ctx context.Context, job *domain.GenerationJob, message string) {
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = message
	job.UpdatedAt = time.Now().UTC()
	if err := t.deps.Jobs.Update(ctx, job); err != nil {
		t.logger.Error("failed to mark job failed", "error", err)
	}

	t.deps.Progress.JobFailed(ctx, t.sessionID, t.kind, message)
}

// Abandon settles the job as failed when the dispatcher gives up on this
// task: either a permanent failure (already settled by Execute, making this
// a no-op) or an exhausted retry budget, where every attempt failed
// transiently and released its reservation without touching the job row.
func (t *Task) Abandon(ctx context.Context, cause error) {
	job, err := t.deps.Jobs.GetBySessionAndKind(ctx, t.sessionID, t.kind)
	if err != nil {
		if store.IsNotFoundError(err) {
			return
		}
		// Settle the projection even when the job row is unreachable; the
		// session must not poll forever.
		t.logger.Error("failed to load job for abandonment", "error", err)
		t.deps.Progress.JobFailed(ctx, t.sessionID, t.kind, cause.Error())
		return
	}
	if job.Terminal() {
		return
	}

	t.logger.Error("abandoning generation job", "error", cause)
	t.failJob(ctx, job, cause.Error())
}

// reportSettled re-reports an already-terminal job to the aggregator, which
// deduplicates by kind.
func (t *Task) reportSettled(ctx context.Context, job *domain.GenerationJob) {
	if job.Status == domain.JobStatusSucceeded {
		t.deps.Progress.JobSucceeded(ctx, t.sessionID, t.kind)
		return
	}
	t.deps.Progress.JobFailed(ctx, t.sessionID, t.kind, job.ErrorMessage)
}
