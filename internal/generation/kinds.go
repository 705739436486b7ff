package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/store"
)

// Result is the parsed, validated output of one generation kind, ready to be
// persisted. Persist must be an idempotent upsert so re-running a job whose
// effects already landed is harmless.
type Result interface {
	// Persist writes the result for the session through the result store.
	Persist(ctx context.Context, sessionID uuid.UUID, results store.ResultStore) error

	// Count returns how many items the result contains.
	Count() int
}

// KindHandler bundles the per-kind behavior: prompt construction and
// structured-output parsing with validation.
type KindHandler interface {
	// Kind returns the generation kind this handler implements.
	Kind() domain.GenerationKind

	// BuildPrompt renders the kind-specific prompt for the session text.
	BuildPrompt(text string) string

	// Parse converts raw model output into a validated Result. Structural
	// problems are wrapped with domain.ErrModelOutputInvalid.
	Parse(sessionID uuid.UUID, raw string) (Result, error)
}

// Registry is the static lookup table of kind handlers, populated once at
// process start and read-only afterwards.
type Registry struct {
	handlers map[domain.GenerationKind]KindHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.GenerationKind]KindHandler)}
}

// Register installs a handler, replacing any previous one for the kind.
func (r *Registry) Register(h KindHandler) {
	r.handlers[h.Kind()] = h
}

// Handler returns the handler for the kind, or an error for unknown kinds.
func (r *Registry) Handler(kind domain.GenerationKind) (KindHandler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for generation kind %q", domain.ErrPermanent, kind)
	}
	return h, nil
}

// RegisterBuiltins installs the three built-in kind handlers.
func RegisterBuiltins(r *Registry) {
	r.Register(flashcardsHandler{})
	r.Register(questionsHandler{})
	r.Register(topicsHandler{})
}

// stripFences removes a surrounding markdown code fence if the model wrapped
// its JSON in one.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
