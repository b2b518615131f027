// ABOUTME: Tests for the structured-output extractor against an httptest chat completions server.
// ABOUTME: Verifies schema-tagged requests, JSON decoding, and plain completion replies.
package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// chatResponse builds a minimal chat completions payload whose single
// choice contains content.
func chatResponse(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"model":   "test-model",
		"choices": []map[string]any{
			{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
			},
		},
	}
}

func TestExtractJSON(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatal(err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse(`{"ticker":"AAA","recommendation":"Buy"}`))
	}))
	defer srv.Close()

	e := NewExtractor("test-key", "test-model", srv.URL)

	var out struct {
		Ticker         string `json:"ticker"`
		Recommendation string `json:"recommendation"`
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ticker":         map[string]any{"type": "string"},
			"recommendation": map[string]any{"type": "string"},
		},
	}
	if err := e.ExtractJSON(context.Background(), "analyze AAA", "stock_report", schema, &out); err != nil {
		t.Fatal(err)
	}

	if out.Ticker != "AAA" || out.Recommendation != "Buy" {
		t.Errorf("out = %+v", out)
	}

	rf, ok := gotBody["response_format"].(map[string]any)
	if !ok {
		t.Fatal("request missing response_format")
	}
	if rf["type"] != "json_schema" {
		t.Errorf("response_format type = %v", rf["type"])
	}
}

func TestExtractJSONBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse("not json at all"))
	}))
	defer srv.Close()

	e := NewExtractor("key", "model", srv.URL)
	var out map[string]any
	if err := e.ExtractJSON(context.Background(), "p", "s", map[string]any{"type": "object"}, &out); err == nil {
		t.Fatal("expected decode error for non-JSON content")
	}
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse("Markets were mixed today."))
	}))
	defer srv.Close()

	e := NewExtractor("key", "model", srv.URL)
	text, err := e.Complete(context.Background(), "summarize")
	if err != nil {
		t.Fatal(err)
	}
	if text != "Markets were mixed today." {
		t.Errorf("text = %q", text)
	}
}
