package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/store"
)

func newSessionStoreMock(t *testing.T) (*PostgresSessionStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresSessionStore(db, nil), mock
}

func TestMarkSubmitted_GuardsOnOpenStatus(t *testing.T) {
	s, mock := newSessionStoreMock(t)
	sessionID := uuid.New()
	taskID := uuid.New()

	mock.ExpectExec("UPDATE sessions").
		WithArgs(domain.SessionStatusSubmitted, taskID, sqlmock.AnyArg(), sessionID, domain.SessionStatusOpen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkSubmitted(context.Background(), sessionID, taskID))

	// A session that already left the open state matches zero rows; the
	// caller sees ErrUpdateFailed and resolves the race itself.
	mock.ExpectExec("UPDATE sessions").
		WithArgs(domain.SessionStatusSubmitted, taskID, sqlmock.AnyArg(), sessionID, domain.SessionStatusOpen).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.MarkSubmitted(context.Background(), sessionID, taskID)
	assert.ErrorIs(t, err, store.ErrUpdateFailed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProjection_UnknownSession(t *testing.T) {
	s, mock := newSessionStoreMock(t)
	sessionID := uuid.New()

	mock.ExpectExec("UPDATE sessions").
		WithArgs(domain.SessionStatusProcessing, 33, "", sqlmock.AnyArg(), sessionID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateProjection(context.Background(), sessionID, domain.SessionStatusProcessing, 33, "")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_UnknownSession(t *testing.T) {
	s, mock := newSessionStoreMock(t)
	sessionID := uuid.New()

	mock.ExpectExec("DELETE FROM sessions").
		WithArgs(sessionID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Delete(context.Background(), sessionID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
