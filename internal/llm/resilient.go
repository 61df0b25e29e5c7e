package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/planforge/orchestrator/internal/metrics"
	"github.com/planforge/orchestrator/internal/structured"
)

// DefaultAttempts is the structured-generation retry bound when the caller
// does not override it.
const DefaultAttempts = 3

// structuredModeAttempts is how many attempts request the machine-structured
// output mode. Some upstream configurations reject the mode on retries after
// malformed output, so later attempts fall back to free text.
const structuredModeAttempts = 2

const strictFormatInstruction = "\n\nRespond with ONLY valid JSON, no markdown or extra text."

// Resilient wraps a Client with retry and structured-output extraction.
type Resilient struct {
	client Client
	delay  time.Duration
	logger *zap.Logger
}

// NewResilient wraps client. delay is the fixed pause between structured
// attempts, smoothing over transient upstream rate limiting.
func NewResilient(client Client, delay time.Duration, logger *zap.Logger) *Resilient {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Resilient{client: client, delay: delay, logger: logger}
}

// GenerateText issues one request and returns the completion text.
func (r *Resilient) GenerateText(ctx context.Context, prompt, system string, temperature float64) (string, error) {
	resp, err := r.client.Generate(ctx, Request{
		Messages:    []Message{{Role: "user", Content: prompt}},
		System:      system,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// GenerateChat issues one request over a message history.
func (r *Resilient) GenerateChat(ctx context.Context, messages []Message, system string, temperature float64) (string, error) {
	resp, err := r.client.Generate(ctx, Request{
		Messages:    messages,
		System:      system,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// GenerateStructured retries generation until a valid JSON payload is
// recovered or maxAttempts is reached. Each attempt appends a stricter
// formatting instruction; an empty completion counts as a retryable failure.
// Returns ErrGenerationExhausted wrapping the last cause when all attempts
// fail.
func (r *Resilient) GenerateStructured(ctx context.Context, prompt, system string, temperature float64, maxAttempts int) (json.RawMessage, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultAttempts
	}

	wait := backoff.WithContext(backoff.NewConstantBackOff(r.delay), ctx)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			metrics.GenerationRetries.Inc()
			next := wait.NextBackOff()
			if next == backoff.Stop {
				break
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(next):
			}
		}

		resp, err := r.client.Generate(ctx, Request{
			Messages:       []Message{{Role: "user", Content: prompt + strictFormatInstruction}},
			System:         system,
			Temperature:    temperature,
			StructuredJSON: attempt < structuredModeAttempts,
		})
		if err != nil {
			lastErr = err
			r.logger.Warn("Structured generation attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		text := strings.TrimSpace(resp.Text)
		if text == "" {
			lastErr = ErrEmptyResponse
			continue
		}

		payload, err := structured.Extract(text)
		if err != nil {
			lastErr = err
			r.logger.Warn("Payload extraction failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}
		return payload, nil
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrGenerationExhausted, maxAttempts, lastErr)
}
