package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/store"
)

func TestSweeper_CollectsExpiredSessions(t *testing.T) {
	t.Parallel()

	sessions := newMemorySessionStore()
	credits := newRecordingCredits()
	reserves := &heldReservationStore{held: make(map[uuid.UUID][]*domain.Reservation)}
	sweeper := NewSweeper(sessions, credits, reserves, time.Hour, time.Minute, nil)

	ctx := context.Background()

	// One abandoned session with a stranded hold, one recently used.
	stale := domain.NewUploadSession(nil)
	stale.LastUsedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, sessions.Create(ctx, stale))

	orphan, err := domain.NewReservation(stale.CreditOwnerKey(), stale.ID, 4, "generation topics")
	require.NoError(t, err)
	reserves.held[stale.ID] = []*domain.Reservation{orphan}

	fresh := domain.NewUploadSession(nil)
	require.NoError(t, sessions.Create(ctx, fresh))

	sweeper.sweep(ctx)

	// The stale session is gone and its hold released.
	_, err = sessions.GetByID(ctx, stale.ID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
	assert.Equal(t, []uuid.UUID{orphan.ID}, credits.released)

	// The active session survives.
	_, err = sessions.GetByID(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestSweeper_ActivityResetsClock(t *testing.T) {
	t.Parallel()

	sessions := newMemorySessionStore()
	credits := newRecordingCredits()
	reserves := &heldReservationStore{held: make(map[uuid.UUID][]*domain.Reservation)}
	sweeper := NewSweeper(sessions, credits, reserves, time.Hour, time.Minute, nil)

	ctx := context.Background()

	// Created long ago, but touched just now.
	session := domain.NewUploadSession(nil)
	session.CreatedAt = time.Now().UTC().Add(-24 * time.Hour)
	session.Touch()
	require.NoError(t, sessions.Create(ctx, session))

	sweeper.sweep(ctx)

	_, err := sessions.GetByID(ctx, session.ID)
	assert.NoError(t, err)
}

func TestSweeper_StartStop(t *testing.T) {
	t.Parallel()

	sessions := newMemorySessionStore()
	credits := newRecordingCredits()
	reserves := &heldReservationStore{held: make(map[uuid.UUID][]*domain.Reservation)}
	sweeper := NewSweeper(sessions, credits, reserves, time.Hour, time.Millisecond, nil)

	ctx := context.Background()

	stale := domain.NewUploadSession(nil)
	stale.LastUsedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, sessions.Create(ctx, stale))

	sweeper.Start(ctx)
	defer sweeper.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if _, err := sessions.GetByID(ctx, stale.ID); err != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the sweeper to collect the session")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
