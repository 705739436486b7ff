package session

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/events"
	"github.com/chalford/parchment-api/internal/store"
	"github.com/chalford/parchment-api/internal/task"
)

// memorySessionStore is an in-memory SessionStore with the same guard
// semantics as the postgres implementation.
type memorySessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.UploadSession
	files    map[uuid.UUID][]*domain.FileRef
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{
		sessions: make(map[uuid.UUID]*domain.UploadSession),
		files:    make(map[uuid.UUID][]*domain.FileRef),
	}
}

func (s *memorySessionStore) Create(_ context.Context, session *domain.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *memorySessionStore) GetByID(_ context.Context, id uuid.UUID) (*domain.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *memorySessionStore) Update(_ context.Context, session *domain.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return store.ErrSessionNotFound
	}
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *memorySessionStore) MarkSubmitted(_ context.Context, id uuid.UUID, pipelineTaskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || session.Status != domain.SessionStatusOpen {
		return store.ErrUpdateFailed
	}
	session.Status = domain.SessionStatusSubmitted
	taskID := pipelineTaskID
	session.PipelineTaskID = &taskID
	return nil
}

func (s *memorySessionStore) UpdateProjection(_ context.Context, id uuid.UUID, status domain.SessionStatus, percent int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	session.Status = status
	session.ProgressPercent = percent
	session.Message = message
	return nil
}

func (s *memorySessionStore) AppendFile(_ context.Context, session *domain.UploadSession, file *domain.FileRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[session.ID]
	if !ok || stored.Status != domain.SessionStatusOpen {
		return store.ErrUpdateFailed
	}
	cp := *session
	s.sessions[session.ID] = &cp
	s.files[session.ID] = append(s.files[session.ID], file)
	return nil
}

func (s *memorySessionStore) GetFiles(_ context.Context, sessionID uuid.UUID) ([]*domain.FileRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[sessionID], nil
}

func (s *memorySessionStore) FindExpired(_ context.Context, cutoff time.Time, limit int) ([]*domain.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*domain.UploadSession
	for _, session := range s.sessions {
		if session.LastUsedAt.Before(cutoff) && len(expired) < limit {
			cp := *session
			expired = append(expired, &cp)
		}
	}
	return expired, nil
}

func (s *memorySessionStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return store.ErrSessionNotFound
	}
	delete(s.sessions, id)
	delete(s.files, id)
	return nil
}

func (s *memorySessionStore) WithTx(_ *sql.Tx) store.SessionStore { return s }

// recordingCredits records grants and releases.
type recordingCredits struct {
	grants   map[string]int64
	released []uuid.UUID
}

func newRecordingCredits() *recordingCredits {
	return &recordingCredits{grants: make(map[string]int64)}
}

func (c *recordingCredits) Grant(_ context.Context, ownerKey string, amount int64, _ string) error {
	c.grants[ownerKey] += amount
	return nil
}

func (c *recordingCredits) Release(_ context.Context, reservationID uuid.UUID) error {
	c.released = append(c.released, reservationID)
	return nil
}

// heldReservationStore serves held reservations for session cleanup; the
// rest of the CreditStore interface is unused by the session manager.
type heldReservationStore struct {
	store.CreditStore
	held map[uuid.UUID][]*domain.Reservation
}

func (s *heldReservationStore) FindHeldForSession(_ context.Context, sessionID uuid.UUID) ([]*domain.Reservation, error) {
	return s.held[sessionID], nil
}

// recordingPersister captures pipeline task rows written during submit.
type recordingPersister struct {
	sessions []uuid.UUID
	taskIDs  []uuid.UUID
	err      error
}

func (p *recordingPersister) PersistPipelineTask(_ context.Context, _ *sql.Tx, sessionID, taskID uuid.UUID) error {
	if p.err != nil {
		return p.err
	}
	p.sessions = append(p.sessions, sessionID)
	p.taskIDs = append(p.taskIDs, taskID)
	return nil
}

// recordingEmitter captures emitted task request events.
type recordingEmitter struct {
	events []*events.TaskRequestEvent
	err    error
}

func (e *recordingEmitter) EmitEvent(_ context.Context, event *events.TaskRequestEvent) error {
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

// recordingForgetter captures Forget calls.
type recordingForgetter struct {
	forgotten []uuid.UUID
}

func (f *recordingForgetter) Forget(sessionID uuid.UUID) {
	f.forgotten = append(f.forgotten, sessionID)
}

type serviceFixture struct {
	svc       *Service
	mock      sqlmock.Sqlmock
	sessions  *memorySessionStore
	credits   *recordingCredits
	reserves  *heldReservationStore
	persister *recordingPersister
	emitter   *recordingEmitter
	forgetter *recordingForgetter
}

// The stores are in-memory fakes; the sqlmock database only supplies the
// begin/commit envelope around the submit transaction.
func newServiceFixture(t *testing.T, cfg Config) *serviceFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &serviceFixture{
		mock:      mock,
		sessions:  newMemorySessionStore(),
		credits:   newRecordingCredits(),
		reserves:  &heldReservationStore{held: make(map[uuid.UUID][]*domain.Reservation)},
		persister: &recordingPersister{},
		emitter:   &recordingEmitter{},
		forgetter: &recordingForgetter{},
	}
	f.svc = NewService(db, f.sessions, f.credits, f.reserves, f.persister, f.emitter, f.forgetter, cfg, nil)
	return f
}

// expectSubmitTx registers the transaction envelope one Submit consumes.
func (f *serviceFixture) expectSubmitTx() {
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
}

func defaultConfig() Config {
	return Config{TokenCeiling: 10_000, AnonymousAllowance: 20}
}

func TestServiceCreate(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	owner := uuid.New()
	owned, err := f.svc.Create(ctx, &owner)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusOpen, owned.Status)
	assert.Equal(t, &owner, owned.OwnerID)

	// Authenticated owners draw on their own balance; no free grant.
	assert.Empty(t, f.credits.grants)

	anon, err := f.svc.Create(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, anon.OwnerID)

	// Anonymous sessions get the free allowance on their session-scoped key.
	assert.Equal(t, int64(20), f.credits.grants["session:"+anon.ID.String()])
}

func TestServiceAppendFile(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	session, err := f.svc.Create(ctx, nil)
	require.NoError(t, err)

	file, err := f.svc.AppendFile(ctx, session.ID, "notes.txt", []byte("some study notes about Go"))
	require.NoError(t, err)
	assert.Equal(t, 0, file.Position)

	stored, err := f.sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FileCount)
	assert.Equal(t, file.EstimatedTokens, stored.EstimatedTokens)

	// Positions follow the accepted order.
	second, err := f.svc.AppendFile(ctx, session.ID, "more.txt", []byte("second file"))
	require.NoError(t, err)
	assert.Equal(t, 1, second.Position)
}

func TestServiceAppendFile_Limits(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	session, err := f.svc.Create(ctx, nil)
	require.NoError(t, err)

	// Unsupported type.
	_, err = f.svc.AppendFile(ctx, session.ID, "deck.pptx", []byte("x"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	// File-count cap.
	for i := 0; i < domain.MaxSessionFiles; i++ {
		_, err = f.svc.AppendFile(ctx, session.ID, "f.txt", []byte("content"))
		require.NoError(t, err)
	}
	_, err = f.svc.AppendFile(ctx, session.ID, "one-too-many.txt", []byte("content"))
	assert.ErrorIs(t, err, domain.ErrSessionLimitExceeded)

	// Token ceiling.
	small := newServiceFixture(t, Config{TokenCeiling: 10, AnonymousAllowance: 0})
	tiny, err := small.svc.Create(ctx, nil)
	require.NoError(t, err)
	_, err = small.svc.AppendFile(ctx, tiny.ID, "big.txt", []byte(strings.Repeat("a", 100)))
	assert.ErrorIs(t, err, domain.ErrSessionLimitExceeded)

	// Unknown session.
	_, err = f.svc.AppendFile(ctx, uuid.New(), "f.txt", []byte("content"))
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestServiceSubmit(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	session, err := f.svc.Create(ctx, nil)
	require.NoError(t, err)
	_, err = f.svc.AppendFile(ctx, session.ID, "notes.txt", []byte("study material"))
	require.NoError(t, err)

	f.expectSubmitTx()
	taskID, err := f.svc.Submit(ctx, session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, taskID)

	// The task row was written in the submit transaction.
	assert.Equal(t, []uuid.UUID{session.ID}, f.persister.sessions)
	assert.Equal(t, []uuid.UUID{taskID}, f.persister.taskIDs)

	// Exactly one pipeline event, carrying the session and task IDs.
	require.Len(t, f.emitter.events, 1)
	event := f.emitter.events[0]
	assert.Equal(t, task.TaskTypeDocumentPipeline, event.Type)

	var payload struct {
		SessionID uuid.UUID `json:"session_id"`
		TaskID    uuid.UUID `json:"task_id"`
	}
	require.NoError(t, event.UnmarshalPayload(&payload))
	assert.Equal(t, session.ID, payload.SessionID)
	assert.Equal(t, taskID, payload.TaskID)

	// The session is closed to further uploads.
	stored, err := f.sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusSubmitted, stored.Status)

	_, err = f.svc.AppendFile(ctx, session.ID, "late.txt", []byte("too late"))
	assert.ErrorIs(t, err, domain.ErrSessionNotOpen)
}

func TestServiceSubmit_Idempotent(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	session, err := f.svc.Create(ctx, nil)
	require.NoError(t, err)
	_, err = f.svc.AppendFile(ctx, session.ID, "notes.txt", []byte("study material"))
	require.NoError(t, err)

	f.expectSubmitTx()
	first, err := f.svc.Submit(ctx, session.ID)
	require.NoError(t, err)

	// Retrying returns the original task without a second event or row.
	second, err := f.svc.Submit(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, f.emitter.events, 1)
	assert.Len(t, f.persister.taskIDs, 1)
}

func TestServiceSubmit_EmitFailureLeavesDurableTask(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	session, err := f.svc.Create(ctx, nil)
	require.NoError(t, err)
	_, err = f.svc.AppendFile(ctx, session.ID, "notes.txt", []byte("study material"))
	require.NoError(t, err)

	f.emitter.err = errors.New("queue full")
	f.expectSubmitTx()

	// The handoff to the workers failed, but the task row is committed:
	// submit still succeeds and startup recovery dispatches the row.
	taskID, err := f.svc.Submit(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{taskID}, f.persister.taskIDs)

	stored, err := f.sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusSubmitted, stored.Status)
	require.NotNil(t, stored.PipelineTaskID)
	assert.Equal(t, taskID, *stored.PipelineTaskID)
}

func TestServiceSubmit_PersistFailureFailsSubmit(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	session, err := f.svc.Create(ctx, nil)
	require.NoError(t, err)
	_, err = f.svc.AppendFile(ctx, session.ID, "notes.txt", []byte("study material"))
	require.NoError(t, err)

	f.persister.err = errors.New("insert failed")
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err = f.svc.Submit(ctx, session.ID)
	require.Error(t, err)
	assert.Empty(t, f.emitter.events)
}

func TestServiceSubmit_EmptySession(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	session, err := f.svc.Create(ctx, nil)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, session.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, f.emitter.events)
}

func TestServiceSubmit_TerminalSession(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	session, err := f.svc.Create(ctx, nil)
	require.NoError(t, err)
	_, err = f.svc.AppendFile(ctx, session.ID, "notes.txt", []byte("study material"))
	require.NoError(t, err)

	// Force a terminal state without a recorded task ID.
	require.NoError(t, f.sessions.UpdateProjection(ctx, session.ID, domain.SessionStatusFailed, 0, "failed"))

	_, err = f.svc.Submit(ctx, session.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotOpen)
}

func TestServiceGetStatus(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	session, err := f.svc.Create(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, f.sessions.UpdateProjection(ctx, session.ID, domain.SessionStatusProcessing, 66, "generating study materials"))

	view, err := f.svc.GetStatus(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusProcessing, view.Status)
	assert.Equal(t, 66, view.ProgressPercent)
	assert.Equal(t, "generating study materials", view.Message)

	_, err = f.svc.GetStatus(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestServiceDelete(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	session, err := f.svc.Create(ctx, nil)
	require.NoError(t, err)

	// Two holds left behind by crashed workers.
	res1, err := domain.NewReservation(session.CreditOwnerKey(), session.ID, 4, "generation flashcards")
	require.NoError(t, err)
	res2, err := domain.NewReservation(session.CreditOwnerKey(), session.ID, 6, "generation questions")
	require.NoError(t, err)
	f.reserves.held[session.ID] = []*domain.Reservation{res1, res2}

	require.NoError(t, f.svc.Delete(ctx, session.ID, nil))

	// Orphaned holds were released and the projection dropped.
	assert.ElementsMatch(t, []uuid.UUID{res1.ID, res2.ID}, f.credits.released)
	assert.Equal(t, []uuid.UUID{session.ID}, f.forgetter.forgotten)

	_, err = f.sessions.GetByID(ctx, session.ID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestServiceDelete_OwnerCheck(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, defaultConfig())
	ctx := context.Background()

	owner := uuid.New()
	session, err := f.svc.Create(ctx, &owner)
	require.NoError(t, err)

	// Anonymous callers and other owners cannot delete an owned session.
	err = f.svc.Delete(ctx, session.ID, nil)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	stranger := uuid.New()
	err = f.svc.Delete(ctx, session.ID, &stranger)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	require.NoError(t, f.svc.Delete(ctx, session.ID, &owner))
}
