// Package ai wraps the model backend behind a small capability
// interface: classify an email against user categories, and summarize
// it. Classification is best-effort and degrades instead of failing;
// summarization failures are real errors.
package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	// Body excerpts are truncated before prompting to bound token
	// cost. Limits mirror the classify/summarize split: summaries get
	// more context.
	classifyExcerptLimit  = 1000
	summarizeExcerptLimit = 2000
)

// CategoryOption is one classification target offered to the model.
type CategoryOption struct {
	ID          string
	Name        string
	Description string
}

type ClassifyInput struct {
	Subject    string
	From       string
	BodyText   string
	Categories []CategoryOption
}

type SummarizeInput struct {
	Subject  string
	From     string
	BodyText string
}

// Classification is the typed outcome of a classify call. Degraded
// marks the fallback variant: no category, zero confidence. A degraded
// result is not an error; the pipeline continues.
type Classification struct {
	CategoryID string
	Confidence float64
	Reason     string
	Degraded   bool
}

// DegradedClassification is the fallback used whenever the model output
// cannot be used.
func DegradedClassification(reason string) Classification {
	return Classification{Confidence: 0, Reason: reason, Degraded: true}
}

// Client is the capability interface for the AI backend.
type Client interface {
	Classify(ctx context.Context, in ClassifyInput) (Classification, error)
	Summarize(ctx context.Context, in SummarizeInput) (string, error)
}

// NewClient returns the configured backend. Only the Anthropic backend
// exists today; the switch leaves room for others.
func NewClient() (Client, error) {
	backend := viper.GetString("ai.backend")
	if backend == "" {
		backend = "anthropic"
	}

	switch backend {
	case "anthropic":
		apiKey := viper.GetString("ai.api_key")
		if apiKey == "" {
			return nil, fmt.Errorf("ai.api_key not configured")
		}
		return NewAnthropic(apiKey, viper.GetString("ai.model")), nil
	default:
		return nil, fmt.Errorf("unsupported ai.backend: %s", backend)
	}
}

// truncate bounds s to at most limit runes.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func classifyPrompt(in ClassifyInput) string {
	var categories strings.Builder
	for _, cat := range in.Categories {
		fmt.Fprintf(&categories, "- %s (ID: %s): %s\n", cat.Name, cat.ID, cat.Description)
	}

	return fmt.Sprintf(`You are an email classification assistant. Classify the following email into one of the provided categories.

Email:
Subject: %s
From: %s
Body: %s

Categories:
%s
Return your response as valid JSON with this structure:
{
  "categoryId": "the category ID that best matches, or null if no good match",
  "confidence": 0.0-1.0,
  "reason": "brief explanation of why this category was chosen"
}`, in.Subject, in.From, truncate(in.BodyText, classifyExcerptLimit), categories.String())
}

func summarizePrompt(in SummarizeInput) string {
	return fmt.Sprintf(`Summarize the following email in 2-3 sentences (40-80 words). Include the sender, main purpose, and any call-to-action.

Email:
Subject: %s
From: %s
Body: %s

Return only the summary text, no additional formatting.`, in.Subject, in.From, truncate(in.BodyText, summarizeExcerptLimit))
}
