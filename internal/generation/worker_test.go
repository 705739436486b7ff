package generation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalford/parchment-api/internal/cache"
	"github.com/chalford/parchment-api/internal/config"
	"github.com/chalford/parchment-api/internal/credits"
	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/extraction"
	"github.com/chalford/parchment-api/internal/store"
	"github.com/chalford/parchment-api/internal/task"
)

const validCardsJSON = `{"cards":[{"question":"What is Go?","answer":"A programming language"},{"question":"Who made it?","answer":"Google"}]}`

// fakeSessionStore serves one session and its files.
type fakeSessionStore struct {
	store.SessionStore
	session *domain.UploadSession
	files   []*domain.FileRef
	deleted bool
}

func (f *fakeSessionStore) GetByID(_ context.Context, id uuid.UUID) (*domain.UploadSession, error) {
	if f.deleted || f.session == nil || f.session.ID != id {
		return nil, store.ErrSessionNotFound
	}
	cp := *f.session
	return &cp, nil
}

func (f *fakeSessionStore) GetFiles(_ context.Context, _ uuid.UUID) ([]*domain.FileRef, error) {
	return f.files, nil
}

// fakeJobStore holds one job row per kind.
type fakeJobStore struct {
	store.JobStore
	mu   sync.Mutex
	jobs map[domain.GenerationKind]*domain.GenerationJob
}

func (f *fakeJobStore) GetBySessionAndKind(_ context.Context, _ uuid.UUID, kind domain.GenerationKind) (*domain.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[kind]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobStore) Update(_ context.Context, job *domain.GenerationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.Kind] = &cp
	return nil
}

func (f *fakeJobStore) get(kind domain.GenerationKind) *domain.GenerationJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[kind]
}

// fakeResultStore records upserts.
type fakeResultStore struct {
	store.ResultStore
	flashcards [][]*domain.Flashcard
}

func (f *fakeResultStore) UpsertFlashcards(_ context.Context, _ uuid.UUID, items []*domain.Flashcard) error {
	f.flashcards = append(f.flashcards, items)
	return nil
}

// memCache is an in-memory Cache.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string][]byte)}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return v, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}

func (c *memCache) Delete(_ context.Context, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

func (c *memCache) Ping(_ context.Context) error { return nil }

// fakeCredits scripts the admission controller.
type fakeCredits struct {
	reserveErr error
	reserved   []*domain.Reservation
	committed  []uuid.UUID
	released   []uuid.UUID
}

func (f *fakeCredits) Reserve(_ context.Context, ownerKey string, sessionID uuid.UUID, cost int64, reason string) (*domain.Reservation, error) {
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	res, err := domain.NewReservation(ownerKey, sessionID, cost, reason)
	if err != nil {
		return nil, err
	}
	f.reserved = append(f.reserved, res)
	return res, nil
}

func (f *fakeCredits) Commit(_ context.Context, id uuid.UUID) error {
	f.committed = append(f.committed, id)
	return nil
}

func (f *fakeCredits) Release(_ context.Context, id uuid.UUID) error {
	f.released = append(f.released, id)
	return nil
}

// fakeModel returns scripted responses in order.
type fakeModel struct {
	responses []string
	err       error
	calls     int
}

func (f *fakeModel) Generate(_ context.Context, _ string, _ domain.GenerationKind) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	idx := f.calls - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

// progressRecorder records settlements reported to the aggregator.
type progressRecorder struct {
	mu        sync.Mutex
	succeeded []domain.GenerationKind
	failed    []domain.GenerationKind
	messages  []string
}

func (p *progressRecorder) JobSucceeded(_ context.Context, _ uuid.UUID, kind domain.GenerationKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.succeeded = append(p.succeeded, kind)
}

func (p *progressRecorder) JobFailed(_ context.Context, _ uuid.UUID, kind domain.GenerationKind, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, kind)
	p.messages = append(p.messages, message)
}

// workerFixture wires a generation task against fakes.
type workerFixture struct {
	sessionID uuid.UUID
	text      string
	textKey   string

	sessions *fakeSessionStore
	jobs     *fakeJobStore
	results  *fakeResultStore
	cache    *memCache
	credits  *fakeCredits
	model    *fakeModel
	progress *progressRecorder
	deps     Deps
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	session := domain.NewUploadSession(nil)
	text := "Go is a programming language designed at Google."
	file, err := domain.NewFileRef(session.ID, 0, "notes.txt", []byte(text))
	require.NoError(t, err)
	session.FileCount = 1
	session.EstimatedTokens = file.EstimatedTokens
	session.Status = domain.SessionStatusProcessing

	job, err := domain.NewGenerationJob(session.ID, domain.KindFlashcards)
	require.NoError(t, err)

	registry := NewRegistry()
	RegisterBuiltins(registry)

	f := &workerFixture{
		sessionID: session.ID,
		text:      text,
		textKey:   cache.KeyFor("document_text", cache.Canonicalize(text)),
		sessions:  &fakeSessionStore{session: session, files: []*domain.FileRef{file}},
		jobs:      &fakeJobStore{jobs: map[domain.GenerationKind]*domain.GenerationJob{domain.KindFlashcards: job}},
		results:   &fakeResultStore{},
		cache:     newMemCache(),
		credits:   &fakeCredits{},
		model:     &fakeModel{responses: []string{validCardsJSON}},
		progress:  &progressRecorder{},
	}

	f.deps = Deps{
		Sessions: f.sessions,
		Jobs:     f.jobs,
		Results:  f.results,
		Cache:    f.cache,
		Credits:  f.credits,
		Schedule: credits.NewSchedule(config.CreditsConfig{
			CostFlashcardsPerKiloToken: 4,
			CostQuestionsPerKiloToken:  6,
			CostTopicsPerKiloToken:     3,
			MinimumCharge:              1,
		}),
		Model:              f.model,
		Registry:           registry,
		Progress:           f.progress,
		Extract:            extraction.NewRegistry(),
		OutputRetryCeiling: 1,
		ResponseTTL:        time.Hour,
		TextTTL:            time.Hour,
		Logger:             slog.Default(),
	}
	return f
}

func (f *workerFixture) newTask(t *testing.T) *Task {
	t.Helper()
	gt, err := NewTask(f.sessionID, domain.KindFlashcards, f.textKey, f.deps)
	require.NoError(t, err)
	return gt
}

func TestGenerationTask_Success(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	gt := f.newTask(t)

	require.NoError(t, gt.Execute(context.Background()))

	job := f.jobs.get(domain.KindFlashcards)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.Greater(t, job.CreditsCharged, int64(0))

	// Reserved once, committed once, nothing released.
	require.Len(t, f.credits.reserved, 1)
	assert.Len(t, f.credits.committed, 1)
	assert.Empty(t, f.credits.released)

	// Output persisted and the response memoized for identical future inputs.
	require.Len(t, f.results.flashcards, 1)
	assert.Len(t, f.results.flashcards[0], 2)
	responseKey := cache.KeyFor(string(domain.KindFlashcards), cache.Canonicalize(f.text))
	_, err := f.cache.Get(context.Background(), responseKey)
	assert.NoError(t, err)

	assert.Equal(t, []domain.GenerationKind{domain.KindFlashcards}, f.progress.succeeded)
	assert.Equal(t, task.TaskStatusCompleted, gt.Status())
}

func TestGenerationTask_CacheHitSkipsModelAndCharge(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	ctx := context.Background()

	// A previous session with identical content already paid for this answer.
	f.cache.Set(ctx, f.textKey, []byte(f.text), time.Hour)
	responseKey := cache.KeyFor(string(domain.KindFlashcards), cache.Canonicalize(f.text))
	f.cache.Set(ctx, responseKey, []byte(validCardsJSON), time.Hour)

	gt := f.newTask(t)
	require.NoError(t, gt.Execute(ctx))

	// No model call, no reservation, zero credits charged.
	assert.Equal(t, 0, f.model.calls)
	assert.Empty(t, f.credits.reserved)
	assert.Equal(t, int64(0), f.jobs.get(domain.KindFlashcards).CreditsCharged)
	assert.Equal(t, domain.JobStatusSucceeded, f.jobs.get(domain.KindFlashcards).Status)
	require.Len(t, f.results.flashcards, 1)
}

func TestGenerationTask_InsufficientCredits(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	f.credits.reserveErr = &domain.InsufficientCreditsError{Required: 4, Available: 0}

	gt := f.newTask(t)
	err := gt.Execute(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.False(t, domain.IsRetryable(err))

	// The job fails terminally and the failure reaches the projection.
	assert.Equal(t, domain.JobStatusFailed, f.jobs.get(domain.KindFlashcards).Status)
	assert.Equal(t, []domain.GenerationKind{domain.KindFlashcards}, f.progress.failed)
	assert.Equal(t, 0, f.model.calls)
}

func TestGenerationTask_InvalidOutputExhaustsCeiling(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	f.model.responses = []string{"sure! here are your flashcards"}

	gt := f.newTask(t)
	err := gt.Execute(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelOutputInvalid)
	assert.False(t, domain.IsRetryable(err))

	// Initial ask plus one re-ask, then give up.
	assert.Equal(t, 2, f.model.calls)

	// The hold is returned; the user never pays for unusable output.
	require.Len(t, f.credits.reserved, 1)
	assert.Len(t, f.credits.released, 1)
	assert.Empty(t, f.credits.committed)

	assert.Equal(t, domain.JobStatusFailed, f.jobs.get(domain.KindFlashcards).Status)
	assert.Equal(t, []domain.GenerationKind{domain.KindFlashcards}, f.progress.failed)
}

func TestGenerationTask_TransientModelFailure(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	f.model.err = fmt.Errorf("%w: rate limited", domain.ErrTransient)

	gt := f.newTask(t)
	err := gt.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	// Reservation released, but the job is left for the dispatcher to retry:
	// no terminal settlement, no progress report.
	assert.Len(t, f.credits.released, 1)
	assert.Equal(t, domain.JobStatusRunning, f.jobs.get(domain.KindFlashcards).Status)
	assert.Empty(t, f.progress.failed)
	assert.Empty(t, f.progress.succeeded)
}

func TestGenerationTask_SessionDeletedMidFlight(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	f.sessions.deleted = true

	gt := f.newTask(t)
	require.NoError(t, gt.Execute(context.Background()))

	// The work is discarded without charges or settlements.
	assert.Equal(t, task.TaskStatusCompleted, gt.Status())
	assert.Equal(t, 0, f.model.calls)
	assert.Empty(t, f.credits.reserved)
	assert.Empty(t, f.progress.succeeded)
	assert.Empty(t, f.progress.failed)
}

func TestGenerationTask_AlreadySettledReReports(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	job := f.jobs.get(domain.KindFlashcards)
	job.Status = domain.JobStatusSucceeded
	require.NoError(t, f.jobs.Update(context.Background(), job))

	gt := f.newTask(t)
	require.NoError(t, gt.Execute(context.Background()))

	// A crash after settling but before acknowledgment re-runs the task; the
	// re-run only re-reports.
	assert.Equal(t, 0, f.model.calls)
	assert.Empty(t, f.credits.reserved)
	assert.Equal(t, []domain.GenerationKind{domain.KindFlashcards}, f.progress.succeeded)
}

func TestGenerationTask_RehydrateRoundTrip(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	original := f.newTask(t)

	rehydrate := Rehydrate(f.deps)
	restored, err := rehydrate(original.ID(), original.Payload(), task.TaskStatusPending)
	require.NoError(t, err)

	assert.Equal(t, original.ID(), restored.ID())
	assert.Equal(t, task.TaskTypeGeneration, restored.Type())
	assert.JSONEq(t, string(original.Payload()), string(restored.Payload()))

	_, err = rehydrate(uuid.New(), []byte("not json"), task.TaskStatusPending)
	assert.Error(t, err)
}

func TestGenerationTask_AbandonFailsRunningJob(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	job := f.jobs.get(domain.KindFlashcards)
	job.Status = domain.JobStatusRunning
	require.NoError(t, f.jobs.Update(context.Background(), job))

	gt := f.newTask(t)
	gt.Abandon(context.Background(), fmt.Errorf("%w: still down", domain.ErrTransient))

	assert.Equal(t, domain.JobStatusFailed, f.jobs.get(domain.KindFlashcards).Status)
	assert.Equal(t, []domain.GenerationKind{domain.KindFlashcards}, f.progress.failed)
}

func TestGenerationTask_AbandonLeavesTerminalJob(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	job := f.jobs.get(domain.KindFlashcards)
	job.Status = domain.JobStatusSucceeded
	require.NoError(t, f.jobs.Update(context.Background(), job))

	gt := f.newTask(t)
	gt.Abandon(context.Background(), fmt.Errorf("%w: too late", domain.ErrTransient))

	// A job that already settled keeps its outcome.
	assert.Equal(t, domain.JobStatusSucceeded, f.jobs.get(domain.KindFlashcards).Status)
	assert.Empty(t, f.progress.failed)
}
