// Package search provides the client for the external web-search service.
package search

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

// Search depths supported by the upstream service.
const (
	DepthBasic    = "basic"
	DepthAdvanced = "advanced"
)

const defaultMaxResults = 5

// TransportError carries the HTTP status and body of a failed search call.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("search service returned status %d: %s", e.Status, e.Body)
}

// Result is an individual search hit.
type Result struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"published_date,omitempty"`
}

// Response is a complete search response, including the service's optional
// AI-generated answer.
type Response struct {
	Query   string   `json:"query"`
	Answer  string   `json:"answer,omitempty"`
	Results []Result `json:"results"`
}

// Request describes one search call.
type Request struct {
	Query          string
	Depth          string // DepthBasic or DepthAdvanced
	MaxResults     int
	IncludeAnswer  bool
	IncludeDomains []string
	ExcludeDomains []string
}

// Client executes search queries against the external search service.
type Client interface {
	Search(ctx context.Context, req Request) (*Response, error)
}

// HTTPClient implements Client against a Tavily-style search API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Config holds search service connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewHTTPClient creates a search client. limiter may be nil to disable
// client-side pacing.
func NewHTTPClient(cfg Config, limiter *rate.Limiter, logger *zap.Logger) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

type wireRequest struct {
	APIKey         string   `json:"api_key"`
	Query          string   `json:"query"`
	SearchDepth    string   `json:"search_depth"`
	MaxResults     int      `json:"max_results"`
	IncludeAnswer  bool     `json:"include_answer"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
}

type wireResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date"`
	} `json:"results"`
}

// Search executes one query. Non-2xx responses fail with *TransportError.
func (c *HTTPClient) Search(ctx context.Context, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if req.Depth == "" {
		req.Depth = DepthAdvanced
	}
	if req.MaxResults == 0 {
		req.MaxResults = defaultMaxResults
	}

	payload := wireRequest{
		APIKey:         c.apiKey,
		Query:          req.Query,
		SearchDepth:    req.Depth,
		MaxResults:     req.MaxResults,
		IncludeAnswer:  req.IncludeAnswer,
		IncludeDomains: req.IncludeDomains,
		ExcludeDomains: req.ExcludeDomains,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	url := c.baseURL + "/search"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.SearchQueries.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("call search service: %w", err)
	}
	defer resp.Body.Close()
	metrics.SearchLatency.Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.SearchQueries.WithLabelValues("error").Inc()
		c.logger.Warn("Search service returned non-success status",
			zap.Int("status", resp.StatusCode),
			zap.String("query", req.Query),
		)
		return nil, &TransportError{Status: resp.StatusCode, Body: string(errBody)}
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		metrics.SearchQueries.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	metrics.SearchQueries.WithLabelValues("ok").Inc()

	out := &Response{Query: req.Query, Answer: wr.Answer, Results: make([]Result, 0, len(wr.Results))}
	for _, r := range wr.Results {
		out.Results = append(out.Results, Result{
			Title:         r.Title,
			URL:           r.URL,
			Content:       r.Content,
			Score:         r.Score,
			PublishedDate: r.PublishedDate,
		})
	}
	return out, nil
}

// QuickSearch runs a basic-depth query and returns just the AI-generated
// answer, for fact lookups that don't need full results.
func QuickSearch(ctx context.Context, c Client, query string) (string, error) {
	resp, err := c.Search(ctx, Request{
		Query:         query,
		Depth:         DepthBasic,
		MaxResults:    3,
		IncludeAnswer: true,
	})
	if err != nil {
		return "", err
	}
	return resp.Answer, nil
}

// RecentNews fetches recent news results for a subject, excluding static
// encyclopedia sources.
func RecentNews(ctx context.Context, c Client, subject string, maxResults int) ([]Result, error) {
	resp, err := c.Search(ctx, Request{
		Query:          fmt.Sprintf("%s news recent developments", subject),
		Depth:          DepthAdvanced,
		MaxResults:     maxResults,
		IncludeAnswer:  true,
		ExcludeDomains: []string{"wikipedia.org"},
	})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}
