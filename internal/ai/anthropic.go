package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 1024
	apiURL           = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
)

// Anthropic implements Client over the Messages API.
type Anthropic struct {
	apiKey    string
	model     string
	maxTokens int
	baseURL   string
	client    *http.Client
}

func NewAnthropic(apiKey, model string) *Anthropic {
	if model == "" {
		model = defaultModel
	}
	return &Anthropic{
		apiKey:    apiKey,
		model:     model,
		maxTokens: defaultMaxTokens,
		baseURL:   apiURL,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Classify asks the model to pick a category. Any unusable model
// output degrades to the fallback classification; only the nil error
// path exists for callers because classification is never
// pipeline-fatal. Transport errors are returned so the caller can log
// them, but they still map to a degraded result there.
func (a *Anthropic) Classify(ctx context.Context, in ClassifyInput) (Classification, error) {
	if len(in.Categories) == 0 {
		return DegradedClassification("no categories configured"), nil
	}

	raw, err := a.complete(ctx, classifyPrompt(in))
	if err != nil {
		return DegradedClassification("classification failed"), err
	}

	return parseClassification(raw, in.Categories), nil
}

// Summarize asks the model for a short summary. Failures here are real
// errors: a missing summary is a user-facing defect and the job should
// retry.
func (a *Anthropic) Summarize(ctx context.Context, in SummarizeInput) (string, error) {
	raw, err := a.complete(ctx, summarizePrompt(in))
	if err != nil {
		return "", fmt.Errorf("failed to summarize: %w", err)
	}

	summary := strings.TrimSpace(raw)
	if summary == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}

	return summary, nil
}

// complete makes a single prompt-completion round trip and returns the
// concatenated text blocks.
func (a *Anthropic) complete(ctx context.Context, prompt string) (string, error) {
	reqBody := apiRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []apiMessage{
			{Role: "user", Content: prompt},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling model API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	var textParts []string
	for _, block := range result.Content {
		if block.Type == "text" {
			textParts = append(textParts, block.Text)
		}
	}

	return strings.Join(textParts, ""), nil
}

// classificationPayload is the JSON shape the classify prompt demands.
type classificationPayload struct {
	CategoryID *string  `json:"categoryId"`
	Confidence *float64 `json:"confidence"`
	Reason     string   `json:"reason"`
}

// parseClassification validates the model output against the expected
// schema. The output must be a JSON object, optionally inside a fenced
// code block; anything else degrades. A category id outside the offered
// set is dropped rather than trusted.
func parseClassification(raw string, categories []CategoryOption) Classification {
	trimmed := strings.TrimSpace(stripCodeFence(raw))
	if !strings.HasPrefix(trimmed, "{") {
		log.Printf("Classification output is not a JSON object, degrading")
		return DegradedClassification("classification failed")
	}

	var payload classificationPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		log.Printf("Failed to parse classification output: %v", err)
		return DegradedClassification("classification failed")
	}

	result := Classification{Reason: payload.Reason}
	if result.Reason == "" {
		result.Reason = "no reason provided"
	}

	if payload.Confidence != nil {
		result.Confidence = *payload.Confidence
		if result.Confidence < 0 {
			result.Confidence = 0
		}
		if result.Confidence > 1 {
			result.Confidence = 1
		}
	}

	if payload.CategoryID != nil && *payload.CategoryID != "" {
		for _, cat := range categories {
			if cat.ID == *payload.CategoryID {
				result.CategoryID = cat.ID
				break
			}
		}
		if result.CategoryID == "" {
			log.Printf("Model returned unknown category id %q, dropping", *payload.CategoryID)
		}
	}

	return result
}

// stripCodeFence unwraps a ```-fenced block if the whole output is one.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	if !strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		return trimmed
	}

	return strings.Join(lines[1:len(lines)-1], "\n")
}

// --- Messages API types ---

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
	Model   string            `json:"model"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
