package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/elvis3770/webai-gateway/internal/agent"
	"github.com/elvis3770/webai-gateway/internal/auth"
	"github.com/elvis3770/webai-gateway/internal/domain"
	"github.com/elvis3770/webai-gateway/internal/metrics"
	"github.com/elvis3770/webai-gateway/internal/openai"
	"github.com/elvis3770/webai-gateway/internal/queue"
	"github.com/elvis3770/webai-gateway/internal/ratelimit"
	"github.com/elvis3770/webai-gateway/internal/tokens"
	"github.com/elvis3770/webai-gateway/internal/upstream"
	"github.com/elvis3770/webai-gateway/internal/upstream/session"
)

// Version is reported on the root and metrics endpoints.
const Version = "0.5.0"

// streamChunkDelay paces pseudo-streaming frames so clients observe an
// incremental stream rather than a single burst.
const streamChunkDelay = 10 * time.Millisecond

// HandlerConfig carries the dependencies for the HTTP surface.
type HandlerConfig struct {
	Keys       *auth.KeySet
	Admin      *auth.Admin
	Limiter    ratelimit.Limiter
	Upstream   upstream.Client
	Translator *openai.Translator
	Counter    *tokens.Counter
	Agents     *agent.Executor
	Session    *session.Manager
	Usage      queue.UsagePublisher

	AuthEnabled      bool
	RateLimitEnabled bool
	StreamingEnabled bool
	DebugMode        bool
	Environment      string
	DefaultModel     string
	AllowedOrigins   []string
	ReadyCheckers    []HealthChecker
}

// Handler is the root HTTP handler wiring middleware, endpoints and
// observability together.
type Handler struct {
	keys       *auth.KeySet
	admin      *auth.Admin
	limiter    ratelimit.Limiter
	upstream   upstream.Client
	translator *openai.Translator
	counter    *tokens.Counter
	agents     *agent.Executor
	session    *session.Manager
	usage      queue.UsagePublisher

	authEnabled      bool
	rateLimitEnabled bool
	streamingEnabled bool
	debugMode        bool
	environment      string
	defaultModel     string
	allowedOrigins   []string
	readyCheckers    []HealthChecker

	startTime time.Time
	handler   http.Handler
}

// NewHandler builds the route table and middleware chain.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		keys:             cfg.Keys,
		admin:            cfg.Admin,
		limiter:          cfg.Limiter,
		upstream:         cfg.Upstream,
		translator:       cfg.Translator,
		counter:          cfg.Counter,
		agents:           cfg.Agents,
		session:          cfg.Session,
		usage:            cfg.Usage,
		authEnabled:      cfg.AuthEnabled,
		rateLimitEnabled: cfg.RateLimitEnabled,
		streamingEnabled: cfg.StreamingEnabled,
		debugMode:        cfg.DebugMode,
		environment:      cfg.Environment,
		defaultModel:     cfg.DefaultModel,
		allowedOrigins:   cfg.AllowedOrigins,
		readyCheckers:    cfg.ReadyCheckers,
		startTime:        time.Now(),
	}
	if h.usage == nil {
		h.usage = queue.NewNopPublisher()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", h.handleRoot)
	mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	mux.HandleFunc("POST /translate", h.handleTranslate)
	mux.HandleFunc("POST /v1/agents/task", h.handleAgentTask)
	mux.HandleFunc("POST /v1/agents/chain", h.handleAgentChain)
	mux.HandleFunc("GET /v1/agents/models", h.handleAgentModels)
	mux.HandleFunc("GET /v1/session/status", h.handleSessionStatus)
	mux.HandleFunc("POST /v1/session/refresh", h.handleSessionRefresh)
	h.registerHealthRoutes(mux)

	h.handler = h.corsMiddleware(h.authMiddleware(h.rateLimitMiddleware(mux)))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "Not found", "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "webai-gateway",
		"version": Version,
		"status":  "running",
		"endpoints": []string{
			"/v1/chat/completions",
			"/translate",
			"/v1/agents/task",
			"/v1/agents/chain",
			"/v1/agents/models",
			"/v1/session/status",
			"/health",
			"/metrics",
		},
	})
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := requestIDFrom(r)

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_request_error")
		return
	}

	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "Model is required", "invalid_request_error")
		return
	}
	message, ok := req.UserMessage()
	if !ok {
		writeError(w, http.StatusBadRequest, "No user message found in request", "invalid_request_error")
		return
	}

	if h.upstream == nil || !h.upstream.Ready() {
		metrics.UpstreamErrors.WithLabelValues("not_ready").Inc()
		writeError(w, http.StatusServiceUnavailable, "Upstream client is not initialized", "upstream_error")
		return
	}

	if req.Stream {
		if !h.streamingEnabled {
			writeError(w, http.StatusBadRequest, "Streaming is disabled on this server", "invalid_request_error")
			return
		}
		h.streamChatCompletion(w, r, req, message, requestID, start)
		return
	}

	resp, err := h.upstream.GenerateContent(r.Context(), message, req.Model, nil)
	if err != nil {
		h.recordRequest("/v1/chat/completions", req.Model, "error", start)
		h.writeUpstreamError(w, err)
		return
	}

	prompt := openai.PromptText(req.Messages)
	completion := h.translator.ToCompletion(resp.Text, req.Model, prompt)

	h.recordRequest("/v1/chat/completions", req.Model, "ok", start)
	h.publishUsage(r, requestID, "/v1/chat/completions", req.Model, completion.Usage, start)
	writeJSON(w, http.StatusOK, completion)
}

func (h *Handler) streamChatCompletion(w http.ResponseWriter, r *http.Request, req domain.ChatRequest, message, requestID string, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", "server_error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resp, err := h.upstream.GenerateContent(r.Context(), message, req.Model, nil)
	if err != nil {
		// Headers are already on the wire; the error travels as a
		// stream frame instead of a status code.
		h.recordRequest("/v1/chat/completions", req.Model, "error", start)
		slog.Error("upstream error during stream", "error", err, "request_id", requestID)
		writeSSEFrame(w, map[string]any{
			"error": map[string]any{
				"message": h.clientMessage(err, "Upstream request failed"),
				"type":    "upstream_error",
			},
		})
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	chunks := h.translator.StreamChunks(resp.Text, req.Model)
	for i, chunk := range chunks {
		select {
		case <-r.Context().Done():
			slog.Debug("client disconnected mid-stream", "request_id", requestID)
			return
		default:
		}

		writeSSEFrame(w, chunk)
		flusher.Flush()

		// No pause after the terminal frame.
		if i < len(chunks)-1 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(streamChunkDelay):
			}
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	prompt := openai.PromptText(req.Messages)
	usage := h.translator.StreamUsage(resp.Text, req.Model, prompt)
	h.recordRequest("/v1/chat/completions", req.Model, "ok", start)
	h.publishUsage(r, requestID, "/v1/chat/completions", req.Model, usage, start)
}

func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := requestIDFrom(r)

	var req domain.TranslateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_request_error")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Message is required", "invalid_request_error")
		return
	}
	model := req.Model
	if model == "" {
		model = h.defaultModel
	}

	if h.upstream == nil || !h.upstream.Ready() {
		metrics.UpstreamErrors.WithLabelValues("not_ready").Inc()
		writeError(w, http.StatusServiceUnavailable, "Upstream client is not initialized", "upstream_error")
		return
	}

	resp, err := h.upstream.GenerateContent(r.Context(), req.Message, model, req.Files)
	if err != nil {
		h.recordRequest("/translate", model, "error", start)
		h.writeUpstreamError(w, err)
		return
	}

	usage := h.translator.StreamUsage(resp.Text, model, req.Message)
	h.recordRequest("/translate", model, "ok", start)
	h.publishUsage(r, requestID, "/translate", model, usage, start)
	writeJSON(w, http.StatusOK, domain.TranslateResponse{Response: resp.Text})
}

func (h *Handler) handleAgentTask(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var task domain.AgentTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_request_error")
		return
	}
	if strings.TrimSpace(task.Input) == "" {
		writeError(w, http.StatusBadRequest, "Task input is required", "invalid_request_error")
		return
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}

	if h.upstream == nil || !h.upstream.Ready() {
		writeError(w, http.StatusServiceUnavailable, "Upstream client is not initialized", "upstream_error")
		return
	}

	result, err := h.agents.RunTask(r.Context(), task)
	if err != nil {
		h.recordRequest("/v1/agents/task", task.Model, "error", start)
		h.writeUpstreamError(w, err)
		return
	}

	h.recordRequest("/v1/agents/task", result.Model, "ok", start)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleAgentChain(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req domain.AgentChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_request_error")
		return
	}
	if len(req.Tasks) == 0 {
		writeError(w, http.StatusBadRequest, "Chain requires at least one task", "invalid_request_error")
		return
	}
	if req.ChainID == "" {
		req.ChainID = uuid.NewString()
	}

	if h.upstream == nil || !h.upstream.Ready() {
		writeError(w, http.StatusServiceUnavailable, "Upstream client is not initialized", "upstream_error")
		return
	}

	resp := h.agents.RunChain(r.Context(), req)
	h.recordRequest("/v1/agents/chain", "", "ok", start)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAgentModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"task_routing": agent.DefaultRouting(),
		"available_models": []string{
			"gemini-2.0-flash",
			"gemini-2.0-flash-thinking",
			"gemini-2.5-flash",
			"gemini-2.5-pro",
		},
		"recommendations": map[string]string{
			"fast":     "gemini-2.0-flash",
			"balanced": "gemini-2.5-flash",
			"quality":  "gemini-2.5-pro",
		},
	})
}

func (h *Handler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if h.session == nil {
		writeError(w, http.StatusNotFound, "Session management is not configured", "not_found")
		return
	}
	writeJSON(w, http.StatusOK, h.session.Status())
}

func (h *Handler) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	if h.session == nil {
		writeError(w, http.StatusNotFound, "Session management is not configured", "not_found")
		return
	}
	if h.admin == nil || !h.admin.Enabled() {
		writeError(w, http.StatusForbidden, "Admin surface is disabled", "forbidden")
		return
	}
	if !h.admin.Verify(r.Header.Get(auth.AdminHeaderName)) {
		writeError(w, http.StatusUnauthorized, "Invalid admin password", "authentication_error")
		return
	}

	if err := h.session.Refresh(r.Context()); err != nil {
		slog.Error("manual session refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, h.clientMessage(err, "Session refresh failed"), "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "refreshed",
		"detail": h.session.Status(),
	})
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionExpired):
		metrics.UpstreamErrors.WithLabelValues("session_expired").Inc()
		writeError(w, http.StatusBadGateway, "Upstream session expired", "upstream_error")
	case errors.Is(err, context.DeadlineExceeded):
		metrics.UpstreamErrors.WithLabelValues("timeout").Inc()
		writeError(w, http.StatusGatewayTimeout, "Upstream request timed out", "upstream_error")
	default:
		metrics.UpstreamErrors.WithLabelValues("request").Inc()
		slog.Error("upstream request failed", "error", err)
		writeError(w, http.StatusInternalServerError, h.clientMessage(err, "Upstream request failed"), "upstream_error")
	}
}

// clientMessage returns the raw error in debug mode and a generic
// message otherwise.
func (h *Handler) clientMessage(err error, generic string) string {
	if h.debugMode {
		return err.Error()
	}
	return generic
}

func (h *Handler) recordRequest(endpoint, model, status string, start time.Time) {
	metrics.RequestsTotal.WithLabelValues(endpoint, model, status).Inc()
	metrics.RequestDuration.WithLabelValues(endpoint, model).Observe(time.Since(start).Seconds())
}

func (h *Handler) publishUsage(r *http.Request, requestID, endpoint, model string, usage domain.Usage, start time.Time) {
	metrics.RecordUsage(model, usage.PromptTokens, usage.CompletionTokens)

	_, _, cost := h.counter.EstimateCost(usage.PromptTokens, usage.CompletionTokens, model)
	event := domain.UsageEvent{
		RequestID:        requestID,
		Identifier:       auth.IdentifierFrom(r.Context()),
		Endpoint:         endpoint,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          cost,
		LatencyMs:        time.Since(start).Milliseconds(),
		Timestamp:        time.Now().UTC(),
	}

	// Fire and forget so slow queues never block the response path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.usage.Publish(ctx, event); err != nil {
			slog.Warn("failed to publish usage event", "error", err, "request_id", requestID)
		}
	}()
}

func requestIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}

func writeSSEFrame(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal stream frame", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
