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

const flashcardsPrompt = `You are a study assistant. Read the document below and create concise
flashcards covering its key facts and concepts. Respond with JSON only, no
surrounding prose, matching exactly this shape:

{"cards":[{"question":"...","answer":"...","hint":"..."}]}

The hint field is optional. Create between 5 and 25 cards. Every card must
have a non-empty question and answer.

Document:
%s`

// flashcardsResponse is the expected structure of the model's reply.
type flashcardsResponse struct {
	Cards []struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
		Hint     string `json:"hint,omitempty"`
	} `json:"cards"`
}

type flashcardsHandler struct{}

func (flashcardsHandler) Kind() domain.GenerationKind {
	return domain.KindFlashcards
}

func (flashcardsHandler) BuildPrompt(text string) string {
	return fmt.Sprintf(flashcardsPrompt, text)
}

// Parse validates the model output and converts it into persistable cards.
func (flashcardsHandler) Parse(sessionID uuid.UUID, raw string) (Result, error) {
	var resp flashcardsResponse
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		return nil, fmt.Errorf("%w: flashcards response is not valid JSON: %v", domain.ErrModelOutputInvalid, err)
	}
	if len(resp.Cards) == 0 {
		return nil, fmt.Errorf("%w: flashcards response contains no cards", domain.ErrModelOutputInvalid)
	}

	now := time.Now().UTC()
	items := make([]*domain.Flashcard, 0, len(resp.Cards))
	for i, c := range resp.Cards {
		card := &domain.Flashcard{
			ID:        uuid.New(),
			SessionID: sessionID,
			Question:  c.Question,
			Answer:    c.Answer,
			Hint:      c.Hint,
			CreatedAt: now,
		}
		if err := card.Validate(); err != nil {
			return nil, fmt.Errorf("%w: card %d: %v", domain.ErrModelOutputInvalid, i, err)
		}
		items = append(items, card)
	}

	return flashcardsResult(items), nil
}

type flashcardsResult []*domain.Flashcard

func (r flashcardsResult) Persist(ctx context.Context, sessionID uuid.UUID, results store.ResultStore) error {
	return results.UpsertFlashcards(ctx, sessionID, r)
}

func (r flashcardsResult) Count() int {
	return len(r)
}
