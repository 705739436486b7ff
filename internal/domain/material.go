package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Study-material validation errors. Invalid model output is a retryable
// failure at the worker level, so these are wrapped with ErrModelOutputInvalid
// when they originate from a model response.
var (
	ErrFlashcardIncomplete  = errors.New("flashcard must have a question and an answer")
	ErrQuestionIncomplete   = errors.New("question must have a prompt and at least two options")
	ErrQuestionBadAnswer    = errors.New("question correct-answer index is out of range")
	ErrTopicGraphEmpty      = errors.New("topic graph must have at least one node")
	ErrTopicEdgeUnknownNode = errors.New("topic edge references an unknown node")
)

// Flashcard is a single question/answer pair generated for a session.
type Flashcard struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Hint      string    `json:"hint,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the structural requirements for a flashcard.
func (f *Flashcard) Validate() error {
	if strings.TrimSpace(f.Question) == "" || strings.TrimSpace(f.Answer) == "" {
		return ErrFlashcardIncomplete
	}
	return nil
}

// Question is a multiple-choice question generated for a session.
type Question struct {
	ID           uuid.UUID `json:"id"`
	SessionID    uuid.UUID `json:"session_id"`
	Prompt       string    `json:"prompt"`
	Options      []string  `json:"options"`
	CorrectIndex int       `json:"correct_index"`
	Explanation  string    `json:"explanation,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks the structural requirements for a multiple-choice question.
func (q *Question) Validate() error {
	if strings.TrimSpace(q.Prompt) == "" || len(q.Options) < 2 {
		return ErrQuestionIncomplete
	}
	for _, opt := range q.Options {
		if strings.TrimSpace(opt) == "" {
			return ErrQuestionIncomplete
		}
	}
	if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
		return ErrQuestionBadAnswer
	}
	return nil
}

// TopicNode is one concept in a session's topic graph.
type TopicNode struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Key       string    `json:"key"`
	Label     string    `json:"label"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TopicEdge links two concepts within the same session's graph.
type TopicEdge struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	FromKey   string    `json:"from_key"`
	ToKey     string    `json:"to_key"`
	Relation  string    `json:"relation,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TopicGraph bundles the nodes and edges produced by the topics worker.
type TopicGraph struct {
	Nodes []TopicNode `json:"nodes"`
	Edges []TopicEdge `json:"edges"`
}

// Validate checks the structural requirements for a topic graph: at least one
// node, non-empty labels, and every edge endpoint resolving to a node key.
func (g *TopicGraph) Validate() error {
	if len(g.Nodes) == 0 {
		return ErrTopicGraphEmpty
	}

	keys := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if strings.TrimSpace(n.Key) == "" || strings.TrimSpace(n.Label) == "" {
			return ErrTopicGraphEmpty
		}
		keys[n.Key] = struct{}{}
	}

	for _, e := range g.Edges {
		if _, ok := keys[e.FromKey]; !ok {
			return ErrTopicEdgeUnknownNode
		}
		if _, ok := keys[e.ToKey]; !ok {
			return ErrTopicEdgeUnknownNode
		}
	}
	return nil
}
