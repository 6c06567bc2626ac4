package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// FallbackTranslator serves translations over the unary chat completion
// API. It is used when the realtime pool is disabled or a pool request
// failed and the caller still needs a result.
type FallbackTranslator struct {
	client openai.Client
	model  string
}

// NewFallbackTranslator creates a unary translator. model may be empty to
// use a small default.
func NewFallbackTranslator(apiKey, model string, opts ...option.RequestOption) *FallbackTranslator {
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &FallbackTranslator{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Translate returns the translation of text from src to tgt in one shot.
func (f *FallbackTranslator) Translate(ctx context.Context, text, src, tgt string) (string, error) {
	if src == tgt {
		return text, nil
	}
	resp, err := f.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: f.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(fmt.Sprintf(
				"Translate the user's text from %s to %s. Reply with only the translated text, no commentary.",
				src, tgt)),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("translate: fallback completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("translate: fallback returned no choices")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return text, nil
	}
	return out, nil
}
