// Package llm provides the client for the external generation service and a
// resilient wrapper that turns free-form completions into structured values.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrGenerationExhausted is returned when every structured-generation attempt
// failed. The last underlying extractor or transport error is wrapped.
var ErrGenerationExhausted = errors.New("generation attempts exhausted")

// ErrEmptyResponse marks an empty completion, which is retryable rather than
// a valid empty structure.
var ErrEmptyResponse = errors.New("empty response from generation service")

// TransportError carries the HTTP-like status and body of a failed upstream
// call.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("generation service returned status %d: %s", e.Status, e.Body)
}

// Message is a single conversation message sent upstream.
type Message struct {
	Role    string `json:"role"` // "user" or "model"
	Content string `json:"content"`
}

// Request describes one call to the generation service.
type Request struct {
	Messages    []Message
	System      string
	Temperature float64
	MaxTokens   int
	// StructuredJSON requests the machine-structured output mode.
	StructuredJSON bool
}

// Response is the first candidate returned by the generation service.
type Response struct {
	Text         string
	FinishReason string
}

// Client issues a single call to the external generation service.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
