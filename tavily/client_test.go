// ABOUTME: Tests for the Tavily REST client using httptest fakes.
// ABOUTME: Covers request encoding, auth headers, error mapping, and the research job endpoints.
package tavily

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSearchSendsRequestAndDecodesResponse(t *testing.T) {
	var gotAuth string
	var gotBody SearchRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(SearchResponse{
			Query:  gotBody.Query,
			Answer: "an answer",
			Results: []SearchResult{
				{URL: "https://finance.yahoo.com/quote/AAA", Title: "AAA", Content: "stuff", Score: 0.9},
			},
		})
	}))
	defer srv.Close()

	c := NewClient("key-123", WithBaseURL(srv.URL))
	resp, err := c.Search(context.Background(), SearchRequest{
		Query:          "Tell me about the stock AAA",
		SearchDepth:    "basic",
		Topic:          "finance",
		MaxResults:     5,
		IncludeDomains: []string{"reuters.com"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if gotAuth != "Bearer key-123" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody.Topic != "finance" || gotBody.MaxResults != 5 {
		t.Errorf("request body = %+v", gotBody)
	}
	if len(resp.Results) != 1 || resp.Results[0].Score != 0.9 {
		t.Errorf("response = %+v", resp)
	}
}

func TestSearchAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURL(srv.URL))
	_, err := c.Search(context.Background(), SearchRequest{Query: "q"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
}

func TestSubmitResearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/research" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req ResearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Input == "" {
			t.Error("empty research input")
		}
		json.NewEncoder(w).Encode(ResearchStatus{RequestID: "req-42", Status: "pending"})
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURL(srv.URL))
	id, err := c.SubmitResearch(context.Background(), ResearchRequest{Input: "analyze AAA"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "req-42" {
		t.Errorf("request id = %q", id)
	}
}

func TestSubmitResearchMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "pending"})
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURL(srv.URL))
	if _, err := c.SubmitResearch(context.Background(), ResearchRequest{Input: "x"}); err == nil {
		t.Fatal("expected error for response without request_id")
	}
}

func TestGetResearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/research/req-42" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(ResearchStatus{
			RequestID: "req-42",
			Status:    "completed",
			Output:    json.RawMessage(`{"summary":"fine"}`),
		})
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURL(srv.URL))
	status, err := c.GetResearch(context.Background(), "req-42")
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != "completed" || string(status.Output) != `{"summary":"fine"}` {
		t.Errorf("status = %+v", status)
	}
}
