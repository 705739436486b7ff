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

const questionsPrompt = `You are a study assistant. Read the document below and write
multiple-choice questions testing understanding of its content. Respond with
JSON only, no surrounding prose, matching exactly this shape:

{"questions":[{"prompt":"...","options":["...","..."],"correct_index":0,"explanation":"..."}]}

Each question needs at least two options and correct_index must point into
the options array. The explanation field is optional. Write between 5 and 15
questions.

Document:
%s`

// questionsResponse is the expected structure of the model's reply.
type questionsResponse struct {
	Questions []struct {
		Prompt       string   `json:"prompt"`
		Options      []string `json:"options"`
		CorrectIndex int      `json:"correct_index"`
		Explanation  string   `json:"explanation,omitempty"`
	} `json:"questions"`
}

type questionsHandler struct{}

func (questionsHandler) Kind() domain.GenerationKind {
	return domain.KindQuestions
}

func (questionsHandler) BuildPrompt(text string) string {
	return fmt.Sprintf(questionsPrompt, text)
}

// Parse validates the model output and converts it into persistable questions.
func (questionsHandler) Parse(sessionID uuid.UUID, raw string) (Result, error) {
	var resp questionsResponse
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		return nil, fmt.Errorf("%w: questions response is not valid JSON: %v", domain.ErrModelOutputInvalid, err)
	}
	if len(resp.Questions) == 0 {
		return nil, fmt.Errorf("%w: questions response contains no questions", domain.ErrModelOutputInvalid)
	}

	now := time.Now().UTC()
	items := make([]*domain.Question, 0, len(resp.Questions))
	for i, q := range resp.Questions {
		question := &domain.Question{
			ID:           uuid.New(),
			SessionID:    sessionID,
			Prompt:       q.Prompt,
			Options:      q.Options,
			CorrectIndex: q.CorrectIndex,
			Explanation:  q.Explanation,
			CreatedAt:    now,
		}
		if err := question.Validate(); err != nil {
			return nil, fmt.Errorf("%w: question %d: %v", domain.ErrModelOutputInvalid, i, err)
		}
		items = append(items, question)
	}

	return questionsResult(items), nil
}

type questionsResult []*domain.Question

func (r questionsResult) Persist(ctx context.Context, sessionID uuid.UUID, results store.ResultStore) error {
	return results.UpsertQuestions(ctx, sessionID, r)
}

func (r questionsResult) Count() int {
	return len(r)
}
