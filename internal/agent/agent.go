// Package agent executes single tasks and sequential task chains
// against the upstream, with per-task model routing and token/cost
// accounting for agent-framework callers.
package agent

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/elvis3770/webai-gateway/internal/domain"
	"github.com/elvis3770/webai-gateway/internal/telemetry"
	"github.com/elvis3770/webai-gateway/internal/tokens"
	"github.com/elvis3770/webai-gateway/internal/upstream"
)

// DefaultRouting maps task types to the model they run best on. Tasks
// with an explicit model skip routing entirely.
func DefaultRouting() map[string]string {
	return map[string]string{
		"creative":   "gemini-2.5-pro",
		"reasoning":  "gemini-2.5-pro",
		"research":   "gemini-2.5-pro",
		"vision":     "gemini-2.5-pro",
		"code":       "gemini-2.0-flash",
		"chat":       "gemini-2.0-flash",
		"summary":    "gemini-2.0-flash",
		"extraction": "gemini-2.0-flash",
	}
}

type Executor struct {
	client       upstream.Client
	counter      *tokens.Counter
	defaultModel string

	now func() time.Time
}

func NewExecutor(client upstream.Client, counter *tokens.Counter, defaultModel string) *Executor {
	return &Executor{
		client:       client,
		counter:      counter,
		defaultModel: defaultModel,
		now:          time.Now,
	}
}

// resolveModel picks the model for a task: a request-level routing
// entry wins, then the task's own model, then the type-based default
// routing, then the executor default.
func (e *Executor) resolveModel(task domain.AgentTask, routing map[string]string) string {
	if routed, ok := routing[task.TaskType]; ok {
		return routed
	}
	if task.Model != "" {
		return task.Model
	}
	if routed, ok := DefaultRouting()[task.TaskType]; ok {
		return routed
	}
	return e.defaultModel
}

// RunTask executes one task and returns its result. Upstream failures
// surface as errors for the handler to map.
func (e *Executor) RunTask(ctx context.Context, task domain.AgentTask) (domain.AgentTaskResult, error) {
	model := e.resolveModel(task, nil)

	resp, err := e.client.GenerateContent(ctx, task.Input, model, nil)
	if err != nil {
		return domain.AgentTaskResult{}, fmt.Errorf("task %s: %w", task.TaskID, err)
	}

	count := e.counter.CountMessages(
		[]tokens.ChatMessage{{Role: "user", Content: task.Input}}, model)

	return domain.AgentTaskResult{
		TaskID:   task.TaskID,
		TaskType: task.TaskType,
		Model:    model,
		Output:   resp.Text,
		Tokens:   count,
		Success:  true,
	}, nil
}

// RunChain executes tasks strictly in order. A task failure records an
// error-tagged result and halts the remainder of the chain; prior
// successful tasks are not rolled back.
func (e *Executor) RunChain(ctx context.Context, req domain.AgentChainRequest) domain.AgentChainResponse {
	start := e.now()

	results := make([]domain.AgentTaskResult, 0, len(req.Tasks))
	totalTokens := 0
	previousOutput := ""

	for _, task := range req.Tasks {
		model := e.resolveModel(task, req.ModelRouting)

		input := task.Input
		if req.ForwardsOutput() && previousOutput != "" {
			input = fmt.Sprintf("%s\n\nContext from previous task:\n%s", task.Input, previousOutput)
		}

		taskCtx, span := telemetry.StartSpan(ctx, "agent.task")
		span.SetAttributes(
			attribute.String("task.id", task.TaskID),
			attribute.String("task.type", task.TaskType),
			attribute.String("task.model", model),
		)

		resp, err := e.client.GenerateContent(taskCtx, input, model, nil)
		span.End()

		if err != nil {
			results = append(results, domain.AgentTaskResult{
				TaskID:   task.TaskID,
				TaskType: task.TaskType,
				Model:    model,
				Error:    err.Error(),
				Success:  false,
			})
			break
		}

		count := e.counter.CountMessages(
			[]tokens.ChatMessage{{Role: "user", Content: input}}, model)
		totalTokens += count

		results = append(results, domain.AgentTaskResult{
			TaskID:   task.TaskID,
			TaskType: task.TaskType,
			Model:    model,
			Output:   resp.Text,
			Tokens:   count,
			Success:  true,
		})

		previousOutput = resp.Text
	}

	costModel := e.defaultModel
	if len(req.Tasks) > 0 && req.Tasks[0].Model != "" {
		costModel = req.Tasks[0].Model
	}

	// Completion count is a known approximation: half the running total
	// stands in for output tokens, which the upstream never reports.
	input, output, total := e.counter.EstimateCost(totalTokens, totalTokens/2, costModel)

	return domain.AgentChainResponse{
		ChainID:     req.ChainID,
		Results:     results,
		TotalTokens: totalTokens,
		EstimatedCost: domain.CostEstimate{
			InputCostUSD:  input,
			OutputCostUSD: output,
			TotalCostUSD:  total,
			Model:         costModel,
		},
		ExecutionTimeMs: float64(e.now().Sub(start).Microseconds()) / 1000,
	}
}
