// Package anthropic implements memory.Categorizer using the Anthropic
// messages API. Categorization is an optional capability: callers treat a
// failure as "uncategorized" and move on.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/openmemoryhq/openmemory-go/memory"
)

const systemPrompt = `You classify memory snippets. Respond with exactly one lowercase label ` +
	`from: preference, fact, event, task, relationship, other. No punctuation, no explanation.`

// Options configure the categorizer.
type Options struct {
	Model     anthropic.Model
	MaxTokens int64
}

// Categorizer labels record content with a single short category.
type Categorizer struct {
	client *anthropic.Client
	opts   Options
}

// Compile-time interface check.
var _ memory.Categorizer = (*Categorizer)(nil)

// New creates a categorizer using the default client (API key from the
// environment).
func New(optFns ...func(o *Options)) *Categorizer {
	client := anthropic.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a categorizer from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Categorizer {
	opts := Options{
		Model:     anthropic.Model("claude-3-5-haiku-latest"),
		MaxTokens: 16,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Categorizer{client: client, opts: opts}
}

// Categorize returns a single label for text.
func (c *Categorizer) Categorize(ctx context.Context, text string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.opts.Model,
		MaxTokens: c.opts.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("categorize: %w: %v", memory.ErrProviderUnavailable, err)
	}

	var label string
	for _, block := range resp.Content {
		if block.Type == "text" {
			label += block.Text
		}
	}
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return "", fmt.Errorf("categorize: empty label: %w", memory.ErrProviderUnavailable)
	}
	// Keep only the first token in case the model chatters.
	if i := strings.IndexAny(label, " \n\t"); i > 0 {
		label = label[:i]
	}
	return label, nil
}
