// Package progress maintains the per-session status projection that clients
// poll. Workers report job settlements here; the aggregator merges them
// monotonically and flushes the result onto the session row so status reads
// never recompute from raw job state.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/store"
)

// projection is the in-memory state for one session's generation group.
// settled records which kinds have already reported so at-least-once job
// re-runs cannot double-count.
type projection struct {
	total     int
	settled   map[domain.GenerationKind]bool
	failures  map[domain.GenerationKind]string
	succeeded int
	failed    int
	terminal  bool
}

// Aggregator merges per-job completion callbacks into a session-level status.
// All merges hold the mutex and apply compare-and-swap style rules: counts
// only grow, a terminal projection never regresses, and repeated callbacks
// for the same kind are no-ops.
type Aggregator struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*projection

	sessionStore store.SessionStore
	jobStore     store.JobStore
	logger       *slog.Logger
}

// NewAggregator creates the progress aggregator.
func NewAggregator(sessionStore store.SessionStore, jobStore store.JobStore, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		sessions:     make(map[uuid.UUID]*projection),
		sessionStore: sessionStore,
		jobStore:     jobStore,
		logger:       logger.With(slog.String("component", "progress")),
	}
}

// StartGroup registers a session's generation group and moves the session to
// processing. Called by the document pipeline right after it creates the job
// rows and before fan-out. A pipeline re-run after a crash rebuilds the
// projection from the rows instead of resetting progress already made.
func (a *Aggregator) StartGroup(ctx context.Context, sessionID uuid.UUID, total int) error {
	a.mu.Lock()
	p, err := a.getOrRebuildLocked(ctx, sessionID)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	p.total = total
	p.terminal = p.succeeded+p.failed >= p.total
	status, percent, msg := p.render()
	a.mu.Unlock()

	return a.sessionStore.UpdateProjection(ctx, sessionID, status, percent, msg)
}

// JobSucceeded records a successful settlement for one kind.
func (a *Aggregator) JobSucceeded(ctx context.Context, sessionID uuid.UUID, kind domain.GenerationKind) {
	a.settle(ctx, sessionID, kind, true, "")
}

// JobFailed records a terminal failure for one kind. The message feeds the
// session's client-visible status.
func (a *Aggregator) JobFailed(ctx context.Context, sessionID uuid.UUID, kind domain.GenerationKind, message string) {
	a.settle(ctx, sessionID, kind, false, message)
}

// FailSession force-fails the whole session, used when extraction fails
// before any generation job exists.
func (a *Aggregator) FailSession(ctx context.Context, sessionID uuid.UUID, message string) {
	a.mu.Lock()
	p := a.sessions[sessionID]
	if p == nil {
		p = &projection{settled: make(map[domain.GenerationKind]bool), failures: make(map[domain.GenerationKind]string)}
		a.sessions[sessionID] = p
	}
	p.terminal = true
	a.mu.Unlock()

	if err := a.sessionStore.UpdateProjection(ctx, sessionID, domain.SessionStatusFailed, 0, message); err != nil {
		a.logger.Error("failed to flush failed-session projection",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()))
	}
}

// settle applies one job settlement and flushes the merged projection.
func (a *Aggregator) settle(ctx context.Context, sessionID uuid.UUID, kind domain.GenerationKind, ok bool, message string) {
	a.mu.Lock()
	p, err := a.getOrRebuildLocked(ctx, sessionID)
	if err != nil {
		a.mu.Unlock()
		a.logger.Error("failed to load projection for settlement",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()))
		return
	}

	// Terminal projections never regress, and a kind settles at most once.
	if p.terminal || p.settled[kind] {
		a.mu.Unlock()
		return
	}

	p.settled[kind] = true
	if ok {
		p.succeeded++
	} else {
		p.failed++
		p.failures[kind] = message
	}
	if p.succeeded+p.failed >= p.total {
		p.terminal = true
	}

	status, percent, msg := p.render()
	a.mu.Unlock()

	if err := a.sessionStore.UpdateProjection(ctx, sessionID, status, percent, msg); err != nil {
		a.logger.Error("failed to flush projection",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()))
	}
}

// getOrRebuildLocked returns the projection for sessionID, rebuilding it from
// persisted job rows after a restart. Caller holds the mutex.
func (a *Aggregator) getOrRebuildLocked(ctx context.Context, sessionID uuid.UUID) (*projection, error) {
	if p, ok := a.sessions[sessionID]; ok {
		return p, nil
	}

	jobs, err := a.jobStore.FindBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no generation jobs for session %s", sessionID)
	}

	p := &projection{
		total:    len(jobs),
		settled:  make(map[domain.GenerationKind]bool, len(jobs)),
		failures: make(map[domain.GenerationKind]string),
	}
	for _, j := range jobs {
		switch j.Status {
		case domain.JobStatusSucceeded:
			p.settled[j.Kind] = true
			p.succeeded++
		case domain.JobStatusFailed:
			p.settled[j.Kind] = true
			p.failed++
			p.failures[j.Kind] = j.ErrorMessage
		}
	}
	p.terminal = p.succeeded+p.failed >= p.total

	a.sessions[sessionID] = p
	return p, nil
}

// Forget drops the in-memory projection for a deleted session.
func (a *Aggregator) Forget(sessionID uuid.UUID) {
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
}

// render derives the client-visible status from the projection counts.
// completed requires every job terminal and at least one success; failed
// means every job failed; anything else is still processing.
func (p *projection) render() (domain.SessionStatus, int, string) {
	percent := 0
	if p.total > 0 {
		percent = p.succeeded * 100 / p.total
	}

	if !p.terminal {
		return domain.SessionStatusProcessing, percent, "generating study materials"
	}

	if p.succeeded == 0 {
		return domain.SessionStatusFailed, percent, p.failureMessage("all generation jobs failed")
	}

	if p.failed > 0 {
		return domain.SessionStatusCompleted, percent, p.failureMessage(
			fmt.Sprintf("%d of %d generation jobs succeeded", p.succeeded, p.total))
	}

	return domain.SessionStatusCompleted, percent, "all study materials ready"
}

// failureMessage appends per-kind failure details in a stable order.
func (p *projection) failureMessage(prefix string) string {
	if len(p.failures) == 0 {
		return prefix
	}

	kinds := make([]string, 0, len(p.failures))
	for k := range p.failures {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	details := make([]string, 0, len(kinds))
	for _, k := range kinds {
		if msg := p.failures[domain.GenerationKind(k)]; msg != "" {
			details = append(details, fmt.Sprintf("%s failed: %s", k, msg))
		} else {
			details = append(details, fmt.Sprintf("%s failed", k))
		}
	}
	return prefix + " (" + strings.Join(details, "; ") + ")"
}
