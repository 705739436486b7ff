package credits

import (
	"github.com/chalford/parchment-api/internal/config"
	"github.com/chalford/parchment-api/internal/domain"
)

// Schedule computes the credit cost of a generation kind from the estimated
// input token count. Rates are per thousand tokens, floored at the minimum
// charge so tiny inputs still pay something.
type Schedule struct {
	cfg config.CreditsConfig
}

// NewSchedule creates a Schedule from configuration.
func NewSchedule(cfg config.CreditsConfig) Schedule {
	return Schedule{cfg: cfg}
}

// CostFor returns the cost in credits of running the given kind against an
// input of estimatedTokens tokens.
func (s Schedule) CostFor(kind domain.GenerationKind, estimatedTokens int64) int64 {
	var rate int64
	switch kind {
	case domain.KindFlashcards:
		rate = s.cfg.CostFlashcardsPerKiloToken
	case domain.KindQuestions:
		rate = s.cfg.CostQuestionsPerKiloToken
	case domain.KindTopics:
		rate = s.cfg.CostTopicsPerKiloToken
	}

	kiloTokens := (estimatedTokens + 999) / 1000
	if kiloTokens < 1 {
		kiloTokens = 1
	}

	cost := kiloTokens * rate
	if cost < s.cfg.MinimumCharge {
		cost = s.cfg.MinimumCharge
	}
	return cost
}
