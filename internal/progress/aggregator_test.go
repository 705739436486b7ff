package progress

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/store"
)

// projectionWrite is one flush observed by the fake session store.
type projectionWrite struct {
	status  domain.SessionStatus
	percent int
	message string
}

// fakeSessionStore records projection flushes; every other method is unused
// by the aggregator.
type fakeSessionStore struct {
	store.SessionStore
	writes []projectionWrite
}

func (f *fakeSessionStore) UpdateProjection(_ context.Context, _ uuid.UUID, status domain.SessionStatus, percent int, message string) error {
	f.writes = append(f.writes, projectionWrite{status: status, percent: percent, message: message})
	return nil
}

func (f *fakeSessionStore) last() projectionWrite {
	return f.writes[len(f.writes)-1]
}

// fakeJobStore serves persisted job rows for projection rebuilds.
type fakeJobStore struct {
	jobs map[uuid.UUID][]*domain.GenerationJob
}

func (f *fakeJobStore) Create(_ context.Context, _ *domain.GenerationJob) error { return nil }

func (f *fakeJobStore) GetByID(_ context.Context, _ uuid.UUID) (*domain.GenerationJob, error) {
	return nil, store.ErrJobNotFound
}

func (f *fakeJobStore) GetBySessionAndKind(_ context.Context, _ uuid.UUID, _ domain.GenerationKind) (*domain.GenerationJob, error) {
	return nil, store.ErrJobNotFound
}

func (f *fakeJobStore) FindBySession(_ context.Context, sessionID uuid.UUID) ([]*domain.GenerationJob, error) {
	return f.jobs[sessionID], nil
}

func (f *fakeJobStore) Update(_ context.Context, _ *domain.GenerationJob) error { return nil }

func (f *fakeJobStore) WithTx(_ *sql.Tx) store.JobStore { return f }

func newTestAggregator() (*Aggregator, *fakeSessionStore, *fakeJobStore) {
	sessions := &fakeSessionStore{}
	jobs := &fakeJobStore{jobs: make(map[uuid.UUID][]*domain.GenerationJob)}
	return NewAggregator(sessions, jobs, slog.Default()), sessions, jobs
}

func seedJobs(jobs *fakeJobStore, sessionID uuid.UUID, statuses map[domain.GenerationKind]domain.JobStatus) {
	now := time.Now().UTC()
	for kind, status := range statuses {
		jobs.jobs[sessionID] = append(jobs.jobs[sessionID], &domain.GenerationJob{
			ID:        uuid.New(),
			SessionID: sessionID,
			Kind:      kind,
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
}

func TestAggregator_AllSucceed(t *testing.T) {
	t.Parallel()

	agg, sessions, jobs := newTestAggregator()
	ctx := context.Background()
	sessionID := uuid.New()
	seedJobs(jobs, sessionID, map[domain.GenerationKind]domain.JobStatus{
		domain.KindFlashcards: domain.JobStatusQueued,
		domain.KindQuestions:  domain.JobStatusQueued,
		domain.KindTopics:     domain.JobStatusQueued,
	})

	require.NoError(t, agg.StartGroup(ctx, sessionID, 3))
	assert.Equal(t, domain.SessionStatusProcessing, sessions.last().status)
	assert.Equal(t, 0, sessions.last().percent)

	agg.JobSucceeded(ctx, sessionID, domain.KindFlashcards)
	assert.Equal(t, domain.SessionStatusProcessing, sessions.last().status)
	assert.Equal(t, 33, sessions.last().percent)

	agg.JobSucceeded(ctx, sessionID, domain.KindQuestions)
	assert.Equal(t, 66, sessions.last().percent)

	agg.JobSucceeded(ctx, sessionID, domain.KindTopics)
	assert.Equal(t, domain.SessionStatusCompleted, sessions.last().status)
	assert.Equal(t, 100, sessions.last().percent)
	assert.Equal(t, "all study materials ready", sessions.last().message)
}

func TestAggregator_PartialSuccessCompletes(t *testing.T) {
	t.Parallel()

	agg, sessions, jobs := newTestAggregator()
	ctx := context.Background()
	sessionID := uuid.New()
	seedJobs(jobs, sessionID, map[domain.GenerationKind]domain.JobStatus{
		domain.KindFlashcards: domain.JobStatusQueued,
		domain.KindQuestions:  domain.JobStatusQueued,
		domain.KindTopics:     domain.JobStatusQueued,
	})

	require.NoError(t, agg.StartGroup(ctx, sessionID, 3))
	agg.JobSucceeded(ctx, sessionID, domain.KindFlashcards)
	agg.JobFailed(ctx, sessionID, domain.KindQuestions, "model output invalid")
	agg.JobSucceeded(ctx, sessionID, domain.KindTopics)

	// One failed kind does not fail the session.
	last := sessions.last()
	assert.Equal(t, domain.SessionStatusCompleted, last.status)
	assert.Equal(t, 66, last.percent)
	assert.Contains(t, last.message, "2 of 3 generation jobs succeeded")
	assert.Contains(t, last.message, "questions failed: model output invalid")
}

func TestAggregator_AllFail(t *testing.T) {
	t.Parallel()

	agg, sessions, jobs := newTestAggregator()
	ctx := context.Background()
	sessionID := uuid.New()
	seedJobs(jobs, sessionID, map[domain.GenerationKind]domain.JobStatus{
		domain.KindFlashcards: domain.JobStatusQueued,
		domain.KindQuestions:  domain.JobStatusQueued,
		domain.KindTopics:     domain.JobStatusQueued,
	})

	require.NoError(t, agg.StartGroup(ctx, sessionID, 3))
	agg.JobFailed(ctx, sessionID, domain.KindFlashcards, "a")
	agg.JobFailed(ctx, sessionID, domain.KindQuestions, "b")
	agg.JobFailed(ctx, sessionID, domain.KindTopics, "c")

	last := sessions.last()
	assert.Equal(t, domain.SessionStatusFailed, last.status)
	assert.Contains(t, last.message, "all generation jobs failed")
}

func TestAggregator_DuplicateSettlementIgnored(t *testing.T) {
	t.Parallel()

	agg, sessions, jobs := newTestAggregator()
	ctx := context.Background()
	sessionID := uuid.New()
	seedJobs(jobs, sessionID, map[domain.GenerationKind]domain.JobStatus{
		domain.KindFlashcards: domain.JobStatusQueued,
		domain.KindQuestions:  domain.JobStatusQueued,
		domain.KindTopics:     domain.JobStatusQueued,
	})

	require.NoError(t, agg.StartGroup(ctx, sessionID, 3))
	agg.JobSucceeded(ctx, sessionID, domain.KindFlashcards)
	flushes := len(sessions.writes)

	// At-least-once delivery re-reports settlements; the projection must not
	// double-count them.
	agg.JobSucceeded(ctx, sessionID, domain.KindFlashcards)
	agg.JobFailed(ctx, sessionID, domain.KindFlashcards, "late duplicate")

	assert.Equal(t, flushes, len(sessions.writes))
	assert.Equal(t, 33, sessions.last().percent)
}

func TestAggregator_TerminalNeverRegresses(t *testing.T) {
	t.Parallel()

	agg, sessions, jobs := newTestAggregator()
	ctx := context.Background()
	sessionID := uuid.New()
	seedJobs(jobs, sessionID, map[domain.GenerationKind]domain.JobStatus{
		domain.KindFlashcards: domain.JobStatusQueued,
	})

	require.NoError(t, agg.StartGroup(ctx, sessionID, 1))
	agg.JobSucceeded(ctx, sessionID, domain.KindFlashcards)
	require.Equal(t, domain.SessionStatusCompleted, sessions.last().status)
	flushes := len(sessions.writes)

	agg.JobFailed(ctx, sessionID, domain.KindQuestions, "straggler")
	assert.Equal(t, flushes, len(sessions.writes))
}

func TestAggregator_FailSession(t *testing.T) {
	t.Parallel()

	agg, sessions, _ := newTestAggregator()
	ctx := context.Background()
	sessionID := uuid.New()

	// Extraction failure happens before any job rows exist.
	agg.FailSession(ctx, sessionID, "extraction failed: file is not valid UTF-8 text")

	last := sessions.last()
	assert.Equal(t, domain.SessionStatusFailed, last.status)
	assert.Contains(t, last.message, "extraction failed")

	// The session is terminal; later settlements are ignored.
	agg.JobSucceeded(ctx, sessionID, domain.KindFlashcards)
	assert.Equal(t, 1, len(sessions.writes))
}

func TestAggregator_RebuildFromJobRows(t *testing.T) {
	t.Parallel()

	agg, sessions, jobs := newTestAggregator()
	ctx := context.Background()
	sessionID := uuid.New()

	// Simulate a restart: two kinds already settled in the database, no
	// in-memory state.
	seedJobs(jobs, sessionID, map[domain.GenerationKind]domain.JobStatus{
		domain.KindFlashcards: domain.JobStatusSucceeded,
		domain.KindQuestions:  domain.JobStatusFailed,
		domain.KindTopics:     domain.JobStatusQueued,
	})

	agg.JobSucceeded(ctx, sessionID, domain.KindTopics)

	last := sessions.last()
	assert.Equal(t, domain.SessionStatusCompleted, last.status)
	assert.Equal(t, 66, last.percent)

	// The already-settled kinds stay settled after the rebuild.
	agg.JobSucceeded(ctx, sessionID, domain.KindFlashcards)
	assert.Equal(t, 1, len(sessions.writes))
}

func TestAggregator_Forget(t *testing.T) {
	t.Parallel()

	agg, sessions, jobs := newTestAggregator()
	ctx := context.Background()
	sessionID := uuid.New()
	seedJobs(jobs, sessionID, map[domain.GenerationKind]domain.JobStatus{
		domain.KindFlashcards: domain.JobStatusQueued,
	})

	require.NoError(t, agg.StartGroup(ctx, sessionID, 1))
	agg.JobSucceeded(ctx, sessionID, domain.KindFlashcards)
	agg.Forget(sessionID)

	// After Forget the projection rebuilds from rows on the next settlement.
	jobs.jobs[sessionID][0].Status = domain.JobStatusSucceeded
	agg.JobFailed(ctx, sessionID, domain.KindFlashcards, "late")

	// Rebuild found the job already terminal, so nothing was flushed.
	assert.Equal(t, 2, len(sessions.writes))
}
