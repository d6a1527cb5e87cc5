package domain

import "time"

type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserMessage returns the content of the first message with role "user".
// The upstream is single-turn, so exactly one is required; absence is a
// client error.
func (r ChatRequest) UserMessage() (string, bool) {
	for _, m := range r.Messages {
		if m.Role == "user" {
			return m.Content, true
		}
	}
	return "", false
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
	FinishReason *string  `json:"finish_reason"`
}

type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one frame of a chat.completion.chunk SSE stream.
type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// TranslateRequest is the body of POST /translate, kept wire-compatible
// with the Translate It! browser extension.
type TranslateRequest struct {
	Message string   `json:"message"`
	Model   string   `json:"model"`
	Files   []string `json:"files,omitempty"`
}

type TranslateResponse struct {
	Response string `json:"response"`
}

// AgentTask is a single step in an agent chain.
type AgentTask struct {
	TaskID   string            `json:"task_id"`
	TaskType string            `json:"task_type"`
	Input    string            `json:"input"`
	Model    string            `json:"model,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
}

type AgentTaskResult struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	Model    string `json:"model"`
	Output   string `json:"output,omitempty"`
	Tokens   int    `json:"tokens,omitempty"`
	Error    string `json:"error,omitempty"`
	Success  bool   `json:"success"`
}

// AgentChainRequest executes tasks strictly in order. A task failure
// halts the remainder of the chain.
type AgentChainRequest struct {
	ChainID string      `json:"chain_id"`
	Tasks   []AgentTask `json:"tasks"`
	// PassOutput controls forwarding of each task's output into the
	// next task's input. Omitting it means forwarding is on.
	PassOutput *bool `json:"pass_output,omitempty"`
	// ModelRouting maps task types to models, overriding each task's
	// own model field.
	ModelRouting map[string]string `json:"model_routing,omitempty"`
}

// ForwardsOutput resolves the pass_output flag, defaulting to true when
// the client omits it.
func (r AgentChainRequest) ForwardsOutput() bool {
	return r.PassOutput == nil || *r.PassOutput
}

type AgentChainResponse struct {
	ChainID         string            `json:"chain_id"`
	Results         []AgentTaskResult `json:"results"`
	TotalTokens     int               `json:"total_tokens"`
	EstimatedCost   CostEstimate      `json:"estimated_cost"`
	ExecutionTimeMs float64           `json:"execution_time_ms"`
}

// CostEstimate is advisory only, never used for billing enforcement.
type CostEstimate struct {
	InputCostUSD  float64 `json:"input_cost_usd"`
	OutputCostUSD float64 `json:"output_cost_usd"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	Model         string  `json:"model"`
}

// UsageEvent is published per completed request for reporting.
type UsageEvent struct {
	RequestID        string    `json:"request_id"`
	Identifier       string    `json:"identifier"`
	Endpoint         string    `json:"endpoint"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	Timestamp        time.Time `json:"timestamp"`
}
