package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/elvis3770/webai-gateway/internal/agent"
	"github.com/elvis3770/webai-gateway/internal/auth"
	"github.com/elvis3770/webai-gateway/internal/domain"
	"github.com/elvis3770/webai-gateway/internal/openai"
	"github.com/elvis3770/webai-gateway/internal/ratelimit"
	"github.com/elvis3770/webai-gateway/internal/tokens"
	"github.com/elvis3770/webai-gateway/internal/upstream"
)

type stubUpstream struct {
	ready    bool
	generate func(ctx context.Context, message, model string, files []string) (*upstream.Response, error)
}

func (s *stubUpstream) GenerateContent(ctx context.Context, message, model string, files []string) (*upstream.Response, error) {
	return s.generate(ctx, message, model, files)
}

func (s *stubUpstream) Ready() bool { return s.ready }

func newTestHandler(mod func(*HandlerConfig)) *Handler {
	counter := tokens.NewCounter()
	up := &stubUpstream{
		ready: true,
		generate: func(ctx context.Context, message, model string, files []string) (*upstream.Response, error) {
			return &upstream.Response{Text: "hello"}, nil
		},
	}

	cfg := HandlerConfig{
		Keys:             auth.NewKeySet(nil),
		Admin:            auth.NewAdmin(""),
		Limiter:          ratelimit.NewSlidingWindow(100),
		Upstream:         up,
		Translator:       openai.NewTranslator(counter),
		Counter:          counter,
		Agents:           agent.NewExecutor(up, counter, "gemini-2.0-flash"),
		AuthEnabled:      true,
		RateLimitEnabled: true,
		StreamingEnabled: true,
		Environment:      "test",
		DefaultModel:     "gemini-2.0-flash",
		AllowedOrigins:   []string{"*"},
	}
	if mod != nil {
		mod(&cfg)
	}
	return NewHandler(cfg)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletions(t *testing.T) {
	h := newTestHandler(nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"gemini-2.0-flash","messages":[{"role":"user","content":"hi"}]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d, want 1", len(resp.Choices))
	}
	if resp.Choices[0].Message == nil || resp.Choices[0].Message.Content != "hello" {
		t.Errorf("content = %+v, want hello", resp.Choices[0].Message)
	}
	if resp.Usage.CompletionTokens <= 0 {
		t.Errorf("completion tokens = %d, want > 0", resp.Usage.CompletionTokens)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	h := newTestHandler(nil)

	cases := []struct {
		name string
		body string
	}{
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"no user message", `{"model":"m","messages":[{"role":"system","content":"sys"}]}`},
		{"malformed json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions", tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestChatCompletionsUpstreamNotReady(t *testing.T) {
	h := newTestHandler(func(cfg *HandlerConfig) {
		cfg.Upstream = &stubUpstream{ready: false}
	})

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestChatCompletionsUpstreamError(t *testing.T) {
	h := newTestHandler(func(cfg *HandlerConfig) {
		cfg.Upstream = &stubUpstream{
			ready: true,
			generate: func(ctx context.Context, message, model string, files []string) (*upstream.Response, error) {
				return nil, domain.ErrSessionExpired
			},
		}
	})

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502 for expired session", rec.Code)
	}
}

func TestStreamingEndsWithDone(t *testing.T) {
	const text = "exactly forty five characters are right here!"
	h := newTestHandler(func(cfg *HandlerConfig) {
		cfg.Upstream = &stubUpstream{
			ready: true,
			generate: func(ctx context.Context, message, model string, files []string) (*upstream.Response, error) {
				return &upstream.Response{Text: text}, nil
			},
		}
	})

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream must terminate with the DONE sentinel, got tail %q", body[max(0, len(body)-40):])
	}

	var frames []domain.StreamChunk
	var reassembled strings.Builder
	for _, line := range strings.Split(body, "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		var chunk domain.StreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("bad frame %q: %v", payload, err)
		}
		frames = append(frames, chunk)
		reassembled.WriteString(chunk.Choices[0].Delta.Content)
	}

	// 45 chars at 20 per frame plus the terminal finish frame.
	if len(frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(frames))
	}
	if reassembled.String() != text {
		t.Errorf("reassembled = %q, want original text", reassembled.String())
	}
	last := frames[len(frames)-1]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Error("terminal frame must carry finish_reason stop")
	}
}

// disconnectRecorder cancels the request context after the first
// content frame is flushed, simulating a client that went away
// mid-stream. Flush 1 commits the headers, flush 2 is the first frame.
type disconnectRecorder struct {
	*httptest.ResponseRecorder
	cancel  context.CancelFunc
	flushes int
}

func (d *disconnectRecorder) Flush() {
	d.flushes++
	if d.flushes == 2 {
		d.cancel()
	}
}

func TestStreamingStopsOnClientDisconnect(t *testing.T) {
	text := strings.Repeat("x", 200) // ten content frames
	h := newTestHandler(func(cfg *HandlerConfig) {
		cfg.Upstream = &stubUpstream{
			ready: true,
			generate: func(ctx context.Context, message, model string, files []string) (*upstream.Response, error) {
				return &upstream.Response{Text: text}, nil
			},
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(ctx)

	rec := &disconnectRecorder{ResponseRecorder: httptest.NewRecorder(), cancel: cancel}
	h.ServeHTTP(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, "[DONE]") {
		t.Error("stream must not run to completion after the client disconnects")
	}
	frames := strings.Count(body, "data: ")
	if frames == 0 {
		t.Fatal("at least one frame should be written before the disconnect")
	}
	if frames >= 10 {
		t.Errorf("frames = %d, want emission cut short", frames)
	}
}

func TestStreamingDisabled(t *testing.T) {
	h := newTestHandler(func(cfg *HandlerConfig) {
		cfg.StreamingEnabled = false
	})

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStreamingUpstreamErrorFrame(t *testing.T) {
	h := newTestHandler(func(cfg *HandlerConfig) {
		cfg.Upstream = &stubUpstream{
			ready: true,
			generate: func(ctx context.Context, message, model string, files []string) (*upstream.Response, error) {
				return nil, errors.New("exploded")
			},
		}
	})

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)

	// Headers were committed before the failure, so the status stays 200
	// and the error rides inside the stream.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"upstream_error"`) {
		t.Errorf("body should carry an error frame, got %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Error("error stream must still terminate with DONE")
	}
}

func TestAuthFailOpenWithEmptyKeySet(t *testing.T) {
	h := newTestHandler(nil) // no keys configured

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code == http.StatusUnauthorized {
		t.Error("empty key set must fail open, got 401")
	}
}

func TestAuthEnforced(t *testing.T) {
	h := newTestHandler(func(cfg *HandlerConfig) {
		cfg.Keys = auth.NewKeySet([]string{"sk-valid"})
	})

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}]}`

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 must set WWW-Authenticate")
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/chat/completions", body,
		map[string]string{auth.HeaderName: "sk-wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status with wrong key = %d, want 401", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/chat/completions", body,
		map[string]string{auth.HeaderName: "sk-valid"})
	if rec.Code != http.StatusOK {
		t.Errorf("status with valid key = %d, want 200", rec.Code)
	}
}

func TestPublicPathsSkipAuth(t *testing.T) {
	h := newTestHandler(func(cfg *HandlerConfig) {
		cfg.Keys = auth.NewKeySet([]string{"sk-valid"})
	})

	for _, path := range []string{"/", "/health", "/health/live", "/metrics"} {
		rec := doJSON(t, h, http.MethodGet, path, "", nil)
		if rec.Code == http.StatusUnauthorized {
			t.Errorf("%s must not require a key", path)
		}
	}
}

func TestRateLimitExceeded(t *testing.T) {
	h := newTestHandler(func(cfg *HandlerConfig) {
		cfg.Limiter = ratelimit.NewSlidingWindow(2)
	})

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}]}`
	for i := 0; i < 2; i++ {
		rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions", body, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions", body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 must set Retry-After")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("remaining = %q, want 0", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimitSkipsHealth(t *testing.T) {
	h := newTestHandler(func(cfg *HandlerConfig) {
		cfg.Limiter = ratelimit.NewSlidingWindow(1)
	})

	for i := 0; i < 5; i++ {
		rec := doJSON(t, h, http.MethodGet, "/health", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("health request %d status = %d", i+1, rec.Code)
		}
	}
}

func TestTranslate(t *testing.T) {
	h := newTestHandler(func(cfg *HandlerConfig) {
		cfg.Upstream = &stubUpstream{
			ready: true,
			generate: func(ctx context.Context, message, model string, files []string) (*upstream.Response, error) {
				return &upstream.Response{Text: "translated: " + message}, nil
			},
		}
	})

	rec := doJSON(t, h, http.MethodPost, "/translate", `{"message":"bonjour"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp domain.TranslateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Response != "translated: bonjour" {
		t.Errorf("response = %q", resp.Response)
	}
}

func TestTranslateRequiresMessage(t *testing.T) {
	h := newTestHandler(nil)
	rec := doJSON(t, h, http.MethodPost, "/translate", `{"message":"  "}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAgentTaskEndpoint(t *testing.T) {
	h := newTestHandler(nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/agents/task",
		`{"task_id":"t1","task_type":"chat","input":"do a thing"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result domain.AgentTaskResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !result.Success || result.Output != "hello" {
		t.Errorf("result = %+v", result)
	}
}

func TestAgentChainEndpoint(t *testing.T) {
	h := newTestHandler(nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/agents/chain",
		`{"tasks":[{"task_id":"1","input":"a"},{"task_id":"2","input":"b"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp domain.AgentChainResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.ChainID == "" {
		t.Error("server must assign a chain id when the client omits one")
	}
	if len(resp.Results) != 2 {
		t.Errorf("results = %d, want 2", len(resp.Results))
	}
}

func TestAgentChainRequiresTasks(t *testing.T) {
	h := newTestHandler(nil)
	rec := doJSON(t, h, http.MethodPost, "/v1/agents/chain", `{"tasks":[]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAgentModelsEndpoint(t *testing.T) {
	h := newTestHandler(nil)

	rec := doJSON(t, h, http.MethodGet, "/v1/agents/models", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		TaskRouting     map[string]string `json:"task_routing"`
		AvailableModels []string          `json:"available_models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.TaskRouting["reasoning"] != "gemini-2.5-pro" {
		t.Errorf("reasoning routes to %q", resp.TaskRouting["reasoning"])
	}
	if len(resp.AvailableModels) == 0 {
		t.Error("available models must not be empty")
	}
}

func TestSessionRefreshWithoutManager(t *testing.T) {
	h := newTestHandler(nil) // session manager not configured

	rec := doJSON(t, h, http.MethodPost, "/v1/session/refresh", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without session manager", rec.Code)
	}
}

func TestReadinessReflectsUpstream(t *testing.T) {
	h := newTestHandler(func(cfg *HandlerConfig) {
		cfg.Upstream = &stubUpstream{ready: false}
	})

	rec := doJSON(t, h, http.MethodGet, "/health/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when upstream not ready", rec.Code)
	}

	h = newTestHandler(nil)
	rec = doJSON(t, h, http.MethodGet, "/health/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when upstream ready", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("preflight must set Access-Control-Allow-Origin")
	}
}
