// Package llm is the optional OpenAI-compatible post-processor for
// driver-facing explanation texts. The pipeline never depends on it: a nil or
// failing rewriter always falls back to the deterministic template text.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/haricheung/fairdispatch/internal/types"
)

// Client is an OpenAI-compatible chat client.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// normalizeBaseURL strips trailing slashes and the "/chat/completions" suffix
// from a raw OPENAI_BASE_URL value so the path is never doubled when the
// client appends "/chat/completions" itself.
//
// Expectations:
//   - Strips a trailing "/chat/completions" suffix
//   - Strips a trailing slash without "/chat/completions"
//   - Returns the URL unchanged when neither suffix is present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// New creates a Client from OPENAI_API_KEY, OPENAI_BASE_URL and OPENAI_MODEL.
func New() *Client {
	return &Client{
		baseURL:    normalizeBaseURL(os.Getenv("OPENAI_BASE_URL")),
		apiKey:     os.Getenv("OPENAI_API_KEY"),
		model:      os.Getenv("OPENAI_MODEL"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Configured reports whether the client has enough environment to make calls.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.model != ""
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []chatMsg `json:"messages"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends a system + user prompt and returns the assistant's text.
func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMsg{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("llm: API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("llm: no choices in response")
	}
	return chatResp.Choices[0].Message.Content, nil
}

// Rewriter turns templated driver texts into warmer phrasing in the driver's
// language. It implements the pipeline's optional rewrite hook.
type Rewriter struct {
	Client *Client
}

var _ types.Rewriter = (*Rewriter)(nil)

// NewRewriter creates a Rewriter, or nil when the environment has no usable
// LLM configuration.
func NewRewriter() *Rewriter {
	c := New()
	if !c.Configured() {
		return nil
	}
	return &Rewriter{Client: c}
}

const rewriteSystem = `You rewrite short delivery-route notifications for drivers.
Keep every fact (package counts, weights, stops, minutes) exactly as given.
Do not add numbers, scores or comparisons with other drivers.
Answer with the rewritten text only, in the requested language.`

// Rewrite returns a polished version of the templated text. Any error is the
// caller's cue to keep the template.
//
// Expectations:
//   - The returned text has code fences and reasoning blocks stripped
//   - An empty rewrite is returned as an error, never as ""
func (r *Rewriter) Rewrite(ctx context.Context, ec types.ExplanationContext) (string, error) {
	lang := ec.Language
	if lang == "" {
		lang = "en"
	}
	user := fmt.Sprintf("Driver: %s\nLanguage: %s\nTone hint: %s\nRoute: %s\nText to rewrite:\n%s",
		ec.DriverName, lang, ec.Category, ec.RouteSummary, ec.TemplateText)

	raw, err := r.Client.Chat(ctx, rewriteSystem, user)
	if err != nil {
		return "", err
	}
	out := StripFences(raw)
	if out == "" {
		return "", fmt.Errorf("llm: empty rewrite")
	}
	log.Printf("[REWRITE] %s: rewrote %s text (%d chars)", ec.DriverName, ec.Category, len(out))
	return out, nil
}

// StripThinkBlocks removes all <think>...</think> blocks from s.
// Reasoning models emit these before the answer text; they are never part of
// the rewritten notification.
//
// Expectations:
//   - Removes a single <think>...</think> block
//   - Removes multiple <think>...</think> blocks
//   - Strips an unclosed <think> block from its start to end of string
//   - Returns s unchanged when no <think> tag is present
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			// Unclosed block, strip from opening tag to end of string.
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes markdown code fences from LLM output, and also strips
// <think>...</think> reasoning blocks.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		idx := strings.Index(s, "\n")
		if idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
