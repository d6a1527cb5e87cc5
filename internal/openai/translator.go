// Package openai reshapes upstream responses into the OpenAI chat
// completion schema, both as single objects and as pseudo-streamed
// chunk sequences.
//
// Streaming here is simulated: the upstream returns a complete response
// string which is then sliced into fixed-size chunks, so clients get
// OpenAI-compatible SSE framing without any latency benefit. If the
// upstream ever grows incremental generation, the frame shape and
// termination sentinel stay unchanged.
package openai

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/elvis3770/webai-gateway/internal/domain"
	"github.com/elvis3770/webai-gateway/internal/tokens"
)

// chunkSize is the number of characters emitted per simulated delta.
const chunkSize = 20

const (
	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"
)

type Translator struct {
	counter *tokens.Counter
	now     func() time.Time
	newID   func() string
}

func NewTranslator(counter *tokens.Counter) *Translator {
	return &Translator{
		counter: counter,
		now:     time.Now,
		newID:   func() string { return "chatcmpl-" + uuid.New().String() },
	}
}

// ToCompletion wraps an upstream response text in a chat.completion
// object, with usage counted from the prompt and response.
func (t *Translator) ToCompletion(text, model, prompt string) domain.ChatResponse {
	promptTokens := t.counter.Count(prompt, model)
	completionTokens := t.counter.Count(text, model)

	stop := "stop"
	return domain.ChatResponse{
		ID:      t.newID(),
		Object:  objectCompletion,
		Created: t.now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index:        0,
				Message:      &domain.Message{Role: "assistant", Content: text},
				FinishReason: &stop,
			},
		},
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

// StreamChunks slices a complete response into delta frames followed by
// one terminal frame carrying an empty delta and finish_reason "stop".
// The SSE writer appends the [DONE] sentinel after the last chunk.
func (t *Translator) StreamChunks(text, model string) []domain.StreamChunk {
	id := t.newID()
	created := t.now().Unix()

	runes := []rune(text)
	chunks := make([]domain.StreamChunk, 0, len(runes)/chunkSize+2)

	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, domain.StreamChunk{
			ID:      id,
			Object:  objectChunk,
			Created: created,
			Model:   model,
			Choices: []domain.Choice{
				{Index: 0, Delta: &domain.Delta{Content: string(runes[i:end])}, FinishReason: nil},
			},
		})
	}

	stop := "stop"
	chunks = append(chunks, domain.StreamChunk{
		ID:      id,
		Object:  objectChunk,
		Created: created,
		Model:   model,
		Choices: []domain.Choice{
			{Index: 0, Delta: &domain.Delta{}, FinishReason: &stop},
		},
	})

	return chunks
}

// StreamUsage reports the same token accounting a non-streaming
// response would carry, so both paths agree on totals.
func (t *Translator) StreamUsage(text, model, prompt string) domain.Usage {
	promptTokens := t.counter.Count(prompt, model)
	completionTokens := t.counter.Count(text, model)
	return domain.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

// PromptText flattens chat messages into the single prompt string used
// for token accounting.
func PromptText(messages []domain.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}
