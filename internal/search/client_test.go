package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPClientSearch(t *testing.T) {
	var captured wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{
			"answer": "Acme builds robots.",
			"results": [
				{"title": "About", "url": "https://acme.test/about", "content": "Robots.", "score": 0.92, "published_date": "2025-02-01"}
			]
		}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{BaseURL: srv.URL, APIKey: "search-key"}, nil, zap.NewNop())
	resp, err := client.Search(context.Background(), Request{
		Query:         "Acme Corp overview",
		IncludeAnswer: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "search-key", captured.APIKey)
	assert.Equal(t, "Acme Corp overview", captured.Query)
	assert.Equal(t, DepthAdvanced, captured.SearchDepth)
	assert.Equal(t, defaultMaxResults, captured.MaxResults)
	assert.True(t, captured.IncludeAnswer)

	assert.Equal(t, "Acme builds robots.", resp.Answer)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "https://acme.test/about", resp.Results[0].URL)
	assert.InDelta(t, 0.92, resp.Results[0].Score, 1e-9)
	assert.Equal(t, "2025-02-01", resp.Results[0].PublishedDate)
}

func TestHTTPClientSearchTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{BaseURL: srv.URL, APIKey: "bad"}, nil, zap.NewNop())
	_, err := client.Search(context.Background(), Request{Query: "x"})
	require.Error(t, err)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusUnauthorized, transportErr.Status)
}

func TestQuickSearch(t *testing.T) {
	var captured wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"answer": "short answer", "results": []}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{BaseURL: srv.URL, APIKey: "k"}, nil, zap.NewNop())
	answer, err := QuickSearch(context.Background(), client, "Acme funding")
	require.NoError(t, err)
	assert.Equal(t, "short answer", answer)
	assert.Equal(t, DepthBasic, captured.SearchDepth)
}

func TestRecentNewsExcludesEncyclopedia(t *testing.T) {
	var captured wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"results": [{"title": "Acme raises Series C", "url": "https://news.test/1"}]}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{BaseURL: srv.URL, APIKey: "k"}, nil, zap.NewNop())
	results, err := RecentNews(context.Background(), client, "Acme Corp", 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, captured.ExcludeDomains, "wikipedia.org")
	assert.Equal(t, 3, captured.MaxResults)
}
