package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/planforge/orchestrator/internal/metrics"
	"github.com/planforge/orchestrator/internal/tracing"
)

const (
	defaultMaxTokens = 4096
	defaultTimeout   = 60 * time.Second
)

// HTTPClient talks to a Gemini-style generateContent endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Config holds generation service connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewHTTPClient creates a generation client. limiter may be nil to disable
// client-side pacing.
func NewHTTPClient(cfg Config, limiter *rate.Limiter, logger *zap.Logger) *HTTPClient {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

// Wire types for the generateContent API.

type wirePart struct {
	Text string `json:"text"`
}

type wireContent struct {
	Role  string     `json:"role"`
	Parts []wirePart `json:"parts"`
}

type wireSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type wireGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type wireRequest struct {
	Contents         []wireContent        `json:"contents"`
	GenerationConfig wireGenerationConfig `json:"generationConfig"`
	SafetySettings   []wireSafetySetting  `json:"safetySettings"`
}

type wireResponse struct {
	Candidates []struct {
		Content struct {
			Parts []wirePart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// fixedSafetySettings are sent on every request; content filtering is handled
// at the prompt level, not by the upstream safety layer.
var fixedSafetySettings = []wireSafetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
}

// Generate issues one request and returns the first candidate's text.
// Non-2xx responses fail with *TransportError.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	contents := make([]wireContent, 0, len(req.Messages)+2)
	if req.System != "" {
		// The upstream API has no system role; inject instructions as a
		// user/model preamble.
		contents = append(contents,
			wireContent{Role: "user", Parts: []wirePart{{Text: "System: " + req.System}}},
			wireContent{Role: "model", Parts: []wirePart{{Text: "Understood. I will follow these instructions."}}},
		)
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role != "user" {
			role = "model"
		}
		contents = append(contents, wireContent{Role: role, Parts: []wirePart{{Text: m.Content}}})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	payload := wireRequest{
		Contents: contents,
		GenerationConfig: wireGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: maxTokens,
		},
		SafetySettings: fixedSafetySettings,
	}
	if req.StructuredJSON {
		payload.GenerationConfig.ResponseMimeType = "application/json"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model))
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.GenerationRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("call generation service: %w", err)
	}
	defer resp.Body.Close()
	metrics.GenerationLatency.Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.GenerationRequests.WithLabelValues("error").Inc()
		c.logger.Warn("Generation service returned non-success status",
			zap.Int("status", resp.StatusCode),
		)
		return nil, &TransportError{Status: resp.StatusCode, Body: string(errBody)}
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		metrics.GenerationRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode generation response: %w", err)
	}
	metrics.GenerationRequests.WithLabelValues("ok").Inc()

	out := &Response{}
	if len(wr.Candidates) > 0 {
		cand := wr.Candidates[0]
		out.FinishReason = cand.FinishReason
		if len(cand.Content.Parts) > 0 {
			out.Text = cand.Content.Parts[0].Text
		}
	}
	return out, nil
}
