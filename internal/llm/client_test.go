package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haricheung/fairdispatch/internal/types"
)

// --- normalizeBaseURL ---

func TestNormalizeBaseURL_StripsKnownSuffixes(t *testing.T) {
	// Trailing slashes and "/chat/completions" are stripped so the path is
	// never doubled
	cases := []struct{ in, want string }{
		{"https://api.example.com/v1/chat/completions", "https://api.example.com/v1"},
		{"https://api.example.com/v1/", "https://api.example.com/v1"},
		{"https://api.example.com/v1", "https://api.example.com/v1"},
		{"https://api.example.com/v1/chat/completions/", "https://api.example.com/v1"},
		{"", ""},
	}
	for _, c := range cases {
		if got := normalizeBaseURL(c.in); got != c.want {
			t.Errorf("normalizeBaseURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// --- StripThinkBlocks / StripFences ---

func TestStripThinkBlocks_RemovesReasoning(t *testing.T) {
	// Closed, repeated, and unclosed think blocks are removed
	cases := []struct{ in, want string }{
		{"<think>hmm</think>Hello", "Hello"},
		{"<think>a</think>Hi<think>b</think> there", "Hi there"},
		{"Hello<think>never closed", "Hello"},
		{"no tags at all", "no tags at all"},
	}
	for _, c := range cases {
		if got := StripThinkBlocks(c.in); got != c.want {
			t.Errorf("StripThinkBlocks(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestStripFences_RemovesMarkdownAndThink(t *testing.T) {
	// Code fences and reasoning blocks both disappear; plain text is untouched
	cases := []struct{ in, want string }{
		{"```\nrewritten text\n```", "rewritten text"},
		{"```text\nrewritten text\n```", "rewritten text"},
		{"<think>plan</think>```\nhi\n```", "hi"},
		{"plain", "plain"},
	}
	for _, c := range cases {
		if got := StripFences(c.in); got != c.want {
			t.Errorf("StripFences(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// --- Client ---

func TestConfigured_RequiresBaseURLAndModel(t *testing.T) {
	// Both a base URL and a model are needed; the API key is optional for
	// local gateways
	c := &Client{baseURL: "http://localhost:8080/v1", model: "gpt-4o-mini"}
	if !c.Configured() {
		t.Error("expected configured with base URL and model")
	}
	if (&Client{model: "m"}).Configured() || (&Client{baseURL: "u"}).Configured() {
		t.Error("expected unconfigured without both fields")
	}
}

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func testClient(srv *httptest.Server) *Client {
	return &Client{
		baseURL:    srv.URL + "/v1",
		apiKey:     "test",
		model:      "test-model",
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func TestChat_ReturnsAssistantContent(t *testing.T) {
	// The first choice's message content comes back verbatim
	srv := chatServer(t, "hello from the model")
	defer srv.Close()

	got, err := testClient(srv).Chat(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "hello from the model" {
		t.Errorf("content = %q", got)
	}
}

func TestChat_ErrorsOnHTTPFailure(t *testing.T) {
	// Non-200 responses surface as errors with the status code
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := testClient(srv).Chat(context.Background(), "sys", "user"); err == nil {
		t.Error("expected an error for HTTP 429")
	}
}

// --- Rewriter ---

func TestRewrite_StripsFencedOutput(t *testing.T) {
	// Fenced model output is unwrapped before being returned
	srv := chatServer(t, "```\nEasy day today, Ana.\n```")
	defer srv.Close()

	rw := &Rewriter{Client: testClient(srv)}
	got, err := rw.Rewrite(context.Background(), types.ExplanationContext{
		DriverName:   "Ana",
		Language:     "en",
		Category:     types.CatLight,
		TemplateText: "Today's route is on the lighter side.",
	})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if got != "Easy day today, Ana." {
		t.Errorf("rewrite = %q", got)
	}
}

func TestRewrite_EmptyOutputIsAnError(t *testing.T) {
	// A blank rewrite errors so the caller keeps the template
	srv := chatServer(t, "<think>nothing useful</think>")
	defer srv.Close()

	rw := &Rewriter{Client: testClient(srv)}
	if _, err := rw.Rewrite(context.Background(), types.ExplanationContext{TemplateText: "t"}); err == nil {
		t.Error("expected an error for an empty rewrite")
	}
}
