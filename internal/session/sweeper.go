package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/store"
)

// sweepBatchSize bounds how many expired sessions one sweep pass deletes.
const sweepBatchSize = 100

// Sweeper periodically deletes sessions idle past the inactivity TTL,
// releasing any held reservations first. Deletion keys off last activity,
// not creation time, so an actively polled session is never collected.
type Sweeper struct {
	sessions store.SessionStore
	credits  CreditManager
	reserves store.CreditStore
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
}

// NewSweeper creates a sweeper. It does not start until Start is called.
func NewSweeper(
	sessions store.SessionStore,
	credits CreditManager,
	reserves store.CreditStore,
	ttl time.Duration,
	interval time.Duration,
	logger *slog.Logger,
) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		sessions: sessions,
		credits:  credits,
		reserves: reserves,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With(slog.String("component", "session_sweeper")),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
	s.logger.Info("session sweeper started",
		slog.Duration("ttl", s.ttl),
		slog.Duration("interval", s.interval))
}

// Stop signals the sweep loop to exit.
func (s *Sweeper) Stop() {
	close(s.done)
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep deletes one batch of expired sessions. Failures on a single
// session are logged and skipped so one bad row cannot wedge collection.
func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.ttl)
	expired, err := s.sessions.FindExpired(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error("failed to find expired sessions", slog.String("error", err.Error()))
		return
	}
	if len(expired) == 0 {
		return
	}

	deleted := 0
	for _, session := range expired {
		if err := s.collect(ctx, session.ID); err != nil {
			s.logger.Error("failed to collect expired session",
				slog.String("session_id", session.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		deleted++
	}

	s.logger.Info("sweep pass complete",
		slog.Int("expired", len(expired)),
		slog.Int("deleted", deleted))
}

// collect releases the session's held reservations and deletes the row.
func (s *Sweeper) collect(ctx context.Context, sessionID uuid.UUID) error {
	held, err := s.reserves.FindHeldForSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to find held reservations: %w", err)
	}
	for _, r := range held {
		if err := s.credits.Release(ctx, r.ID); err != nil {
			return fmt.Errorf("failed to release reservation %s: %w", r.ID, err)
		}
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
