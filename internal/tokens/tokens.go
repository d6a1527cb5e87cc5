// Package tokens provides token counting and advisory cost estimation.
// Counts prefer an exact tiktoken encoding and fall back to a character
// heuristic when no encoding is available; costs come from a static
// per-million-token price table and are for reporting only.
package tokens

import (
	"log/slog"
	"math"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const (
	defaultEncoding = "cl100k_base"

	// Per-message and per-conversation framing overhead, approximating
	// the real chat serialization cost.
	perMessageOverhead      = 4
	perConversationOverhead = 2
)

// Gemini models have no tiktoken encoding of their own; cl100k_base is
// a close enough stand-in for reporting purposes.
var encodingForModel = map[string]string{
	"gemini-1.5-flash": defaultEncoding,
	"gemini-2.0-flash": defaultEncoding,
	"gemini-2.5-pro":   defaultEncoding,
	"gemini-3.0-pro":   defaultEncoding,
}

// Pricing is USD per million tokens.
type Pricing struct {
	Input  float64
	Output float64
}

var defaultPricing = map[string]Pricing{
	"gemini-1.5-flash": {Input: 0.075, Output: 0.30},
	"gemini-2.0-flash": {Input: 0.075, Output: 0.30},
	"gemini-2.5-pro":   {Input: 1.25, Output: 5.00},
	"gemini-3.0-pro":   {Input: 1.25, Output: 5.00},
	"gpt-3.5-turbo":    {Input: 0.50, Output: 1.50},
	"gpt-4":            {Input: 30.00, Output: 60.00},
}

var fallbackPricing = Pricing{Input: 0.10, Output: 0.30}

// Counter counts tokens, caching loaded encodings per process.
type Counter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	pricing   map[string]Pricing
}

func NewCounter() *Counter {
	return &Counter{
		encodings: make(map[string]*tiktoken.Tiktoken),
		pricing:   defaultPricing,
	}
}

// Count returns the token count of text for the given model. Counts are
// approximate for models without a native encoding.
func (c *Counter) Count(text, model string) int {
	if text == "" {
		return 0
	}

	enc := c.encoding(model)
	if enc == nil {
		return approximateCount(text)
	}

	return len(enc.Encode(text, nil, nil))
}

// CountMessages counts tokens across an ordered message list, adding the
// fixed per-message and per-conversation framing overhead.
func (c *Counter) CountMessages(messages []ChatMessage, model string) int {
	total := perConversationOverhead
	for _, m := range messages {
		total += c.Count(m.Content, model) + perMessageOverhead
	}
	return total
}

// ChatMessage is the minimal message shape CountMessages needs.
type ChatMessage struct {
	Role    string
	Content string
}

// EstimateCost converts token counts to USD using the price table.
// Unknown models get a generic default price.
func (c *Counter) EstimateCost(promptTokens, completionTokens int, model string) (inputUSD, outputUSD, totalUSD float64) {
	pricing, ok := c.pricing[model]
	if !ok {
		pricing = fallbackPricing
	}

	inputUSD = round6(float64(promptTokens) / 1_000_000 * pricing.Input)
	outputUSD = round6(float64(completionTokens) / 1_000_000 * pricing.Output)
	return inputUSD, outputUSD, round6(inputUSD + outputUSD)
}

func (c *Counter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	name, ok := encodingForModel[model]
	if !ok {
		// Unknown model: let tiktoken resolve it, then fall back to the
		// generic encoding.
		if enc, ok := c.encodings[model]; ok {
			return enc
		}
		if enc, err := tiktoken.EncodingForModel(model); err == nil {
			c.encodings[model] = enc
			return enc
		}
		name = defaultEncoding
	}

	if enc, ok := c.encodings[name]; ok {
		return enc
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		slog.Warn("tiktoken encoding unavailable, using approximation", "encoding", name, "error", err)
		return nil
	}
	c.encodings[name] = enc
	return enc
}

// approximateCount is the last-resort heuristic: roughly one token per
// four characters of English text.
func approximateCount(text string) int {
	return len(text) / 4
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
