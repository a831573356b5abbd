package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/quantdesk/memoryd/internal/models"
)

// Summarizer proposes memory candidates from a window of conversation turns.
type Summarizer interface {
	Summarize(ctx context.Context, turns []*models.Turn) ([]models.Candidate, error)
}

const extractionPrompt = `You are extracting durable trading knowledge from a conversation between a trader and an assistant.

Identify statements worth remembering long-term: lessons learned, trading rules, strategy observations, mistakes, successes, and warnings. Ignore small talk, one-off data lookups, and anything only relevant to this session.

For each item return a JSON object with:
  "content": the knowledge stated plainly, self-contained (string)
  "summary": one sentence (string)
  "memoryType": one of observation|lesson|rule|strategy|mistake|success|warning|insight
  "category": short free-form topic (string)
  "symbols": ticker symbols mentioned (array of strings)
  "strategies": strategy names mentioned (array of strings)
  "importance": 0.0-1.0, how consequential this knowledge is (number)
  "confidence": 0.0-1.0, how certain the statement is (number)

Return a JSON array only, no prose. Return [] if nothing qualifies.

Conversation:
`

// maxPromptTurnChars bounds how much of a single turn goes into the prompt.
const maxPromptTurnChars = 2000

// HTTPSummarizer calls an Ollama-compatible generate endpoint and parses the
// JSON candidate array out of the completion.
type HTTPSummarizer struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewHTTPSummarizer(baseURL, model string) *HTTPSummarizer {
	return &HTTPSummarizer{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (s *HTTPSummarizer) Summarize(ctx context.Context, turns []*models.Turn) ([]models.Candidate, error) {
	if len(turns) == 0 {
		return nil, nil
	}

	var prompt strings.Builder
	prompt.WriteString(extractionPrompt)
	for _, t := range turns {
		content := truncateRune(t.Content, maxPromptTurnChars)
		fmt.Fprintf(&prompt, "%s: %s\n", t.Role, content)
	}

	data, err := json.Marshal(generateRequest{
		Model:  s.model,
		Prompt: prompt.String(),
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read generate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generate: status %d: %s", resp.StatusCode, string(body))
	}

	var gen generateResponse
	if err := json.Unmarshal(body, &gen); err != nil {
		return nil, fmt.Errorf("decode generate response: %w", err)
	}

	return parseCandidates(gen.Response)
}

// truncateRune cuts s to at most max bytes without splitting a UTF-8 rune.
func truncateRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// parseCandidates extracts the JSON array from model output, tolerating
// leading/trailing prose around it.
func parseCandidates(text string) ([]models.Candidate, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no candidate array in model output")
	}

	var candidates []models.Candidate
	if err := json.Unmarshal([]byte(text[start:end+1]), &candidates); err != nil {
		return nil, fmt.Errorf("parse candidates: %w", err)
	}

	valid := candidates[:0]
	for _, c := range candidates {
		if strings.TrimSpace(c.Content) == "" {
			continue
		}
		if !c.MemoryType.IsValid() {
			c.MemoryType = models.MemoryTypeObservation
		}
		if c.Importance < 0 {
			c.Importance = 0
		}
		if c.Importance > 1 {
			c.Importance = 1
		}
		if c.Confidence <= 0 || c.Confidence > 1 {
			c.Confidence = 0.5
		}
		valid = append(valid, c)
	}
	return valid, nil
}
