// Package gemini implements the generation.ModelClient boundary using
// Google's Gemini API. Responses are requested as JSON; structural
// validation of the payload happens in the generation package, this layer
// only classifies transport-level failures.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/chalford/parchment-api/internal/config"
	"github.com/chalford/parchment-api/internal/domain"
)

// Client calls the Gemini API with timeout, retry, and failure
// classification. Safe for concurrent use.
type Client struct {
	client *genai.Client
	model  string
	cfg    config.LLMConfig
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewClient creates a Gemini-backed model client.
func NewClient(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*Client, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", domain.ErrValidation)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", domain.ErrValidation)
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Client{
		client: client,
		model:  cfg.ModelName,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "gemini_client")),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Generate implements generation.ModelClient. It retries transient API
// failures with exponential backoff and jitter up to MaxRetries times;
// safety blocks and empty responses come back wrapped with
// domain.ErrPermanent without retrying.
func (c *Client) Generate(ctx context.Context, prompt string, kind domain.GenerationKind) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("%w: empty prompt", domain.ErrValidation)
	}

	maxRetries := c.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		c.logger.Info("calling Gemini API",
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", maxRetries+1))

		text, err := c.call(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if !domain.IsRetryable(err) {
			c.logger.Warn("permanent Gemini API error, not retrying",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()))
			return "", err
		}
		if attempt >= maxRetries {
			break
		}

		delay := c.backoff(attempt)
		c.logger.Info("retrying Gemini API call after delay",
			slog.String("kind", string(kind)),
			slog.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", domain.ErrTransient, ctx.Err())
		}
	}

	return "", fmt.Errorf("%w: exceeded maximum retry attempts (%d): %v",
		domain.ErrTransient, maxRetries, lastErr)
}

// call makes one API request under the configured per-call timeout.
func (c *Client) call(ctx context.Context, prompt string) (string, error) {
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		// API transport errors are assumed transient; quota and network
		// problems dominate in practice.
		return "", fmt.Errorf("%w: gemini API call failed: %v", domain.ErrTransient, err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: empty response from model", domain.ErrPermanent)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: content blocked by safety filters", domain.ErrPermanent)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: no text in model response", domain.ErrPermanent)
	}

	return text, nil
}

// backoff returns baseDelay * 2^attempt with jitter in [0.5, 1.0).
func (c *Client) backoff(attempt int) time.Duration {
	base := c.cfg.RetryBaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}

	c.mu.Lock()
	jitter := 0.5 + c.rng.Float64()*0.5
	c.mu.Unlock()

	delay := float64(base) * math.Pow(2, float64(attempt)) * jitter
	return time.Duration(delay)
}
