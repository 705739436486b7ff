package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/platform/logger"
	"github.com/chalford/parchment-api/internal/store"
)

// PostgresResultStore implements the store.ResultStore interface
// using a PostgreSQL database as the storage backend. Upserts are
// delete-then-insert inside one transaction: re-running a generation job
// replaces the session's materials for that kind instead of appending
// duplicates.
type PostgresResultStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresResultStore creates a new PostgreSQL implementation of the
// ResultStore interface. If logger is nil, a default logger is used.
func NewPostgresResultStore(db store.DBTX, logger *slog.Logger) *PostgresResultStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresResultStore{
		db:     db,
		logger: logger.With(slog.String("component", "result_store")),
	}
}

// Ensure PostgresResultStore implements store.ResultStore interface
var _ store.ResultStore = (*PostgresResultStore)(nil)

// WithTx returns a new ResultStore bound to the given transaction.
func (s *PostgresResultStore) WithTx(tx *sql.Tx) store.ResultStore {
	return &PostgresResultStore{
		db:     tx,
		logger: s.logger,
	}
}

// inTransaction runs fn inside a transaction, reusing the store's own
// transaction when there is one.
func (s *PostgresResultStore) inTransaction(ctx context.Context, fn func(ctx context.Context, rs *PostgresResultStore) error) error {
	if tx, ok := s.db.(*sql.Tx); ok {
		return fn(ctx, s.WithTx(tx).(*PostgresResultStore))
	}
	db, ok := s.db.(*sql.DB)
	if !ok {
		return fn(ctx, s)
	}
	return store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, s.WithTx(tx).(*PostgresResultStore))
	})
}

// UpsertFlashcards implements store.ResultStore.UpsertFlashcards
func (s *PostgresResultStore) UpsertFlashcards(ctx context.Context, sessionID uuid.UUID, items []*domain.Flashcard) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	err := s.inTransaction(ctx, func(ctx context.Context, rs *PostgresResultStore) error {
		if _, err := rs.db.ExecContext(ctx, `DELETE FROM flashcards WHERE session_id = $1`, sessionID); err != nil {
			return MapError(err)
		}

		query := `
			INSERT INTO flashcards (id, session_id, question, answer, hint, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		for _, item := range items {
			_, err := rs.db.ExecContext(ctx, query,
				item.ID, sessionID, item.Question, item.Answer, item.Hint, item.CreatedAt)
			if err != nil {
				return MapError(err)
			}
		}
		return nil
	})
	if err != nil {
		log.Error("failed to upsert flashcards",
			slog.String("error", err.Error()),
			slog.String("session_id", sessionID.String()))
		return err
	}

	return nil
}

// UpsertQuestions implements store.ResultStore.UpsertQuestions
func (s *PostgresResultStore) UpsertQuestions(ctx context.Context, sessionID uuid.UUID, items []*domain.Question) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	err := s.inTransaction(ctx, func(ctx context.Context, rs *PostgresResultStore) error {
		if _, err := rs.db.ExecContext(ctx, `DELETE FROM questions WHERE session_id = $1`, sessionID); err != nil {
			return MapError(err)
		}

		query := `
			INSERT INTO questions (id, session_id, prompt, options, correct_index, explanation, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		for _, item := range items {
			_, err := rs.db.ExecContext(ctx, query,
				item.ID, sessionID, item.Prompt, encodeOptions(item.Options),
				item.CorrectIndex, item.Explanation, item.CreatedAt)
			if err != nil {
				return MapError(err)
			}
		}
		return nil
	})
	if err != nil {
		log.Error("failed to upsert questions",
			slog.String("error", err.Error()),
			slog.String("session_id", sessionID.String()))
		return err
	}

	return nil
}

// UpsertTopicGraph implements store.ResultStore.UpsertTopicGraph
// Nodes and edges are replaced together; edges reference node keys, so a
// partial replace would leave dangling endpoints.
func (s *PostgresResultStore) UpsertTopicGraph(ctx context.Context, sessionID uuid.UUID, graph *domain.TopicGraph) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	err := s.inTransaction(ctx, func(ctx context.Context, rs *PostgresResultStore) error {
		if _, err := rs.db.ExecContext(ctx, `DELETE FROM topic_edges WHERE session_id = $1`, sessionID); err != nil {
			return MapError(err)
		}
		if _, err := rs.db.ExecContext(ctx, `DELETE FROM topic_nodes WHERE session_id = $1`, sessionID); err != nil {
			return MapError(err)
		}

		nodeQuery := `
			INSERT INTO topic_nodes (id, session_id, key, label, summary, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		for i := range graph.Nodes {
			n := &graph.Nodes[i]
			_, err := rs.db.ExecContext(ctx, nodeQuery,
				n.ID, sessionID, n.Key, n.Label, n.Summary, n.CreatedAt)
			if err != nil {
				return MapError(err)
			}
		}

		edgeQuery := `
			INSERT INTO topic_edges (id, session_id, from_key, to_key, relation, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		for i := range graph.Edges {
			e := &graph.Edges[i]
			_, err := rs.db.ExecContext(ctx, edgeQuery,
				e.ID, sessionID, e.FromKey, e.ToKey, e.Relation, e.CreatedAt)
			if err != nil {
				return MapError(err)
			}
		}
		return nil
	})
	if err != nil {
		log.Error("failed to upsert topic graph",
			slog.String("error", err.Error()),
			slog.String("session_id", sessionID.String()))
		return err
	}

	return nil
}

// CountBySession implements store.ResultStore.CountBySession
func (s *PostgresResultStore) CountBySession(ctx context.Context, sessionID uuid.UUID) (map[domain.GenerationKind]int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT
			(SELECT COUNT(*) FROM flashcards WHERE session_id = $1),
			(SELECT COUNT(*) FROM questions WHERE session_id = $1),
			(SELECT COUNT(*) FROM topic_nodes WHERE session_id = $1)
	`

	var flashcards, questions, topics int
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&flashcards, &questions, &topics); err != nil {
		log.Error("failed to count session results",
			slog.String("error", err.Error()),
			slog.String("session_id", sessionID.String()))
		return nil, MapError(err)
	}

	return map[domain.GenerationKind]int{
		domain.KindFlashcards: flashcards,
		domain.KindQuestions:  questions,
		domain.KindTopics:     topics,
	}, nil
}

// encodeOptions serializes answer options for the jsonb column. Options are
// validated before persistence, so encoding cannot fail.
func encodeOptions(options []string) []byte {
	encoded, err := json.Marshal(options)
	if err != nil {
		return []byte("[]")
	}
	return encoded
}
