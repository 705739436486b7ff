package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/store"
)

const topicsPrompt = `You are a study assistant. Read the document below and map its topics
and concepts into a graph. Respond with JSON only, no surrounding prose,
matching exactly this shape:

{"nodes":[{"key":"...","label":"...","summary":"..."}],
 "edges":[{"from":"...","to":"...","relation":"..."}]}

Keys are short stable identifiers; edges reference node keys. The summary
and relation fields are optional. Produce between 5 and 30 nodes.

Document:
%s`

// topicsResponse is the expected structure of the model's reply.
type topicsResponse struct {
	Nodes []struct {
		Key     string `json:"key"`
		Label   string `json:"label"`
		Summary string `json:"summary,omitempty"`
	} `json:"nodes"`
	Edges []struct {
		From     string `json:"from"`
		To       string `json:"to"`
		Relation string `json:"relation,omitempty"`
	} `json:"edges"`
}

type topicsHandler struct{}

func (topicsHandler) Kind() domain.GenerationKind {
	return domain.KindTopics
}

func (topicsHandler) BuildPrompt(text string) string {
	return fmt.Sprintf(topicsPrompt, text)
}

// Parse validates the model output and converts it into a persistable graph.
func (topicsHandler) Parse(sessionID uuid.UUID, raw string) (Result, error) {
	var resp topicsResponse
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		return nil, fmt.Errorf("%w: topics response is not valid JSON: %v", domain.ErrModelOutputInvalid, err)
	}

	now := time.Now().UTC()
	graph := &domain.TopicGraph{
		Nodes: make([]domain.TopicNode, 0, len(resp.Nodes)),
		Edges: make([]domain.TopicEdge, 0, len(resp.Edges)),
	}
	for _, n := range resp.Nodes {
		graph.Nodes = append(graph.Nodes, domain.TopicNode{
			ID:        uuid.New(),
			SessionID: sessionID,
			Key:       n.Key,
			Label:     n.Label,
			Summary:   n.Summary,
			CreatedAt: now,
		})
	}
	for _, e := range resp.Edges {
		graph.Edges = append(graph.Edges, domain.TopicEdge{
			ID:        uuid.New(),
			SessionID: sessionID,
			FromKey:   e.From,
			ToKey:     e.To,
			Relation:  e.Relation,
			CreatedAt: now,
		})
	}

	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrModelOutputInvalid, err)
	}

	return (*topicsResult)(graph), nil
}

type topicsResult domain.TopicGraph

func (r *topicsResult) Persist(ctx context.Context, sessionID uuid.UUID, results store.ResultStore) error {
	return results.UpsertTopicGraph(ctx, sessionID, (*domain.TopicGraph)(r))
}

func (r *topicsResult) Count() int {
	return len(r.Nodes)
}
