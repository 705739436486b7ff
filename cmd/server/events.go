package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/events"
	"github.com/chalford/parchment-api/internal/session"
	"github.com/chalford/parchment-api/internal/task"
)

// pipelineTaskPersister writes the pipeline task row in the session
// manager's submit transaction.
type pipelineTaskPersister struct {
	factories *task.FactoryRegistry
	tasks     task.TaskStore
}

var _ session.PipelinePersister = (*pipelineTaskPersister)(nil)

func (p *pipelineTaskPersister) PersistPipelineTask(ctx context.Context, tx *sql.Tx, sessionID, taskID uuid.UUID) error {
	payload, err := json.Marshal(struct {
		SessionID uuid.UUID `json:"session_id"`
	}{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline payload: %w", err)
	}

	t, err := p.factories.Rehydrate(taskID, task.TaskTypeDocumentPipeline, payload, task.TaskStatusPending)
	if err != nil {
		return fmt.Errorf("failed to build pipeline task: %w", err)
	}
	return p.tasks.WithTx(tx).SaveTask(ctx, t)
}

// pipelineTaskHandler turns session-submit events into dispatched pipeline
// tasks. The task row is already persisted by the submit transaction; the
// event carries the same task ID, so the handler only rebuilds the task and
// hands it to the workers.
type pipelineTaskHandler struct {
	factories *task.FactoryRegistry
	runner    *task.TaskRunner
	logger    *slog.Logger
}

var _ events.EventHandler = (*pipelineTaskHandler)(nil)

// HandleEvent processes task request events by rebuilding and enqueueing the
// corresponding background task.
func (h *pipelineTaskHandler) HandleEvent(_ context.Context, event *events.TaskRequestEvent) error {
	if event.Type != task.TaskTypeDocumentPipeline {
		h.logger.Debug("ignoring event with unsupported type",
			slog.String("event_type", event.Type),
			slog.String("event_id", event.ID.String()))
		return nil
	}

	var payload struct {
		TaskID string `json:"task_id"`
	}
	if err := event.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("failed to unmarshal event payload: %w", err)
	}

	taskID, err := uuid.Parse(payload.TaskID)
	if err != nil {
		return fmt.Errorf("invalid task ID in event payload: %w", err)
	}

	// The rehydration factory doubles as the constructor here: the payload
	// format is identical to the persisted row's.
	t, err := h.factories.Rehydrate(taskID, event.Type, event.Payload, task.TaskStatusPending)
	if err != nil {
		return fmt.Errorf("failed to build pipeline task: %w", err)
	}

	if err := h.runner.Enqueue(t); err != nil {
		return fmt.Errorf("failed to enqueue pipeline task: %w", err)
	}

	h.logger.Info("pipeline task enqueued",
		slog.String("task_id", taskID.String()),
		slog.String("event_id", event.ID.String()))
	return nil
}
