// Package generation contains the three AI-generation workers (flashcards,
// questions, topics): prompt construction, structured-output parsing and
// validation, and the job flow that ties cache, credits, model, and
// persistence together.
package generation

import (
	"context"

	"github.com/chalford/parchment-api/internal/domain"
)

// ModelClient is the boundary to the language-model provider.
// Implementations classify failures: rate limits and timeouts come back
// wrapped with domain.ErrTransient, everything unrecoverable with
// domain.ErrPermanent.
type ModelClient interface {
	// Generate sends the prompt and returns the raw structured text of the
	// model's response.
	Generate(ctx context.Context, prompt string, kind domain.GenerationKind) (string, error)
}
