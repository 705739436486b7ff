package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/domain"
)

// ResultStore defines the interface for persisting generated study
// materials. Every method is an upsert keyed by session: re-running a job
// replaces that session's output for the kind instead of duplicating it,
// which is what makes at-least-once job delivery safe.
type ResultStore interface {
	// UpsertFlashcards replaces the session's flashcards with items.
	UpsertFlashcards(ctx context.Context, sessionID uuid.UUID, items []*domain.Flashcard) error

	// UpsertQuestions replaces the session's questions with items.
	UpsertQuestions(ctx context.Context, sessionID uuid.UUID, items []*domain.Question) error

	// UpsertTopicGraph replaces the session's topic graph.
	UpsertTopicGraph(ctx context.Context, sessionID uuid.UUID, graph *domain.TopicGraph) error

	// CountBySession returns how many persisted items each kind has for the
	// session. Topic count is the node count.
	CountBySession(ctx context.Context, sessionID uuid.UUID) (map[domain.GenerationKind]int, error)

	// WithTx returns a new ResultStore instance that uses the provided
	// transaction.
	WithTx(tx *sql.Tx) ResultStore
}
