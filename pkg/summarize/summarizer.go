// Package summarize generates post summaries with the Anthropic API.
package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/postkeep/postkeep/internal/model"
	"github.com/postkeep/postkeep/pkg/anthropic"
)

const (
	defaultModel     = "claude-haiku-4-5-20251001"
	defaultMaxTokens = 1024

	shortSystem = "You summarize social media posts for a personal archive. " +
		"Write 2-3 sentences capturing the post's main point and tone. " +
		"Plain prose, no preamble."

	deepSystem = "You research social media posts for a personal archive. " +
		"Summarize the post, explain any references or context a future " +
		"reader might miss, and note why it may have been worth saving. " +
		"Use short paragraphs, no preamble."
)

// Config tunes the summarizer.
type Config struct {
	Model     string
	MaxTokens int
}

// Summarizer produces archive summaries from post content. It plugs into
// the archiver's summarize stage.
type Summarizer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// New creates a Summarizer over an Anthropic client.
func New(client anthropic.Client, cfg Config) *Summarizer {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Summarizer{
		client:    client,
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
	}
}

// Summarize returns a short summary of the post, or a deeper context write-up
// when deepResearch is set.
func (s *Summarizer) Summarize(ctx context.Context, post *model.Post, deepResearch bool) (string, error) {
	system := shortSystem
	if deepResearch {
		system = deepSystem
	}

	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		System:    []anthropic.SystemBlock{{Text: system}},
		Messages: []anthropic.Message{
			{Role: "user", Content: promptFor(post)},
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "summarize: create message")
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	summary := strings.TrimSpace(sb.String())
	if summary == "" {
		return "", eris.New("summarize: empty response")
	}

	resp.Usage.LogCost(s.model, "summarize")
	return summary, nil
}

// Initialize implements the archiver's lifecycle hook.
func (s *Summarizer) Initialize(context.Context) error { return nil }

// Dispose implements the archiver's lifecycle hook.
func (s *Summarizer) Dispose(context.Context) error { return nil }

// Healthy reports whether the summarizer can serve requests.
func (s *Summarizer) Healthy(context.Context) bool { return s.client != nil }

func promptFor(post *model.Post) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Platform: %s\n", post.Platform)
	fmt.Fprintf(&sb, "Author: @%s\n", post.Author)
	fmt.Fprintf(&sb, "URL: %s\n", post.URL)
	if !post.PostedAt.IsZero() {
		fmt.Fprintf(&sb, "Posted: %s\n", post.PostedAt.Format("2006-01-02"))
	}
	fmt.Fprintf(&sb, "\n%s\n", post.Text)
	return sb.String()
}
