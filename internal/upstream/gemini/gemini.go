// Package gemini implements the upstream boundary against the Gemini
// web app, authenticating with captured browser session cookies the way
// a logged-in browser would.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/elvis3770/webai-gateway/internal/domain"
	"github.com/elvis3770/webai-gateway/internal/httputil"
	"github.com/elvis3770/webai-gateway/internal/upstream"
)

const (
	defaultBaseURL = "https://gemini.google.com"
	generatePath   = "/_/BardChatUi/data/assistant.lamda.BardFrontendService/StreamGenerate"

	cookiePSID   = "__Secure-1PSID"
	cookiePSIDTS = "__Secure-1PSIDTS"
)

// Rotating desktop user agents; consumer web backends reject obvious
// bot fingerprints.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
}

var accessTokenRe = regexp.MustCompile(`"SNlM0e":"([^"]+)"`)

type Config struct {
	PSID     string
	PSIDTS   string
	ProxyURL string
	BaseURL  string
}

// Client talks to the Gemini web backend with session cookies. Session
// credentials are swappable at runtime through UpdateSession.
type Client struct {
	http    *http.Client
	baseURL string

	mu          sync.RWMutex
	psid        string
	psidts      string
	accessToken string

	// delay injects the anti-detection pause; tests replace it.
	delay func(ctx context.Context) error
}

var _ upstream.Client = (*Client)(nil)
var _ upstream.SessionUpdater = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	httpCfg := httputil.DefaultConfig()
	httpCfg.ProxyURL = cfg.ProxyURL

	hc, err := httputil.NewClient(httpCfg)
	if err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		http:    hc,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		psid:    cfg.PSID,
		psidts:  cfg.PSIDTS,
		delay:   antiDetectionDelay,
	}, nil
}

// Init derives the per-session access token from the web app homepage.
// It must be called before the first GenerateContent and is re-run by
// UpdateSession consumers after a cookie swap.
func (c *Client) Init(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/app", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch app page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return domain.ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch app page: status=%d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read app page: %w", err)
	}

	m := accessTokenRe.FindSubmatch(body)
	if m == nil {
		// The app page renders without a token when the cookies no
		// longer carry a signed-in session.
		return domain.ErrSessionExpired
	}

	c.mu.Lock()
	c.accessToken = string(m[1])
	c.mu.Unlock()

	slog.Info("upstream session initialized")
	return nil
}

func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.psid != "" && c.accessToken != ""
}

// UpdateSession swaps session cookies in place. The next Init call
// re-derives the access token under the new credentials.
func (c *Client) UpdateSession(psid, psidts string) {
	c.mu.Lock()
	c.psid = psid
	c.psidts = psidts
	c.accessToken = ""
	c.mu.Unlock()
}

// GenerateContent sends one message and returns the complete response
// text. The call is paced with a randomized delay to blend in with
// interactive traffic.
func (c *Client) GenerateContent(ctx context.Context, message, model string, files []string) (*upstream.Response, error) {
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()

	if token == "" {
		return nil, domain.ErrUpstreamUnavailable
	}

	if err := c.delay(ctx); err != nil {
		return nil, err
	}

	inner, err := json.Marshal([]any{[]any{message}, nil, []any{nil, nil, nil}})
	if err != nil {
		return nil, fmt.Errorf("marshal prompt: %w", err)
	}
	freq, err := json.Marshal([]any{nil, string(inner)})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	form := url.Values{
		"f.req": {string(freq)},
		"at":    {token},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+generatePath+"?bl=boq_assistant-bard-web-server&rt=c",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.decorate(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	req.Header.Set("X-Goog-Model", model)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, domain.ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("upstream error: status=%d body=%s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	text, err := extractText(body)
	if err != nil {
		return nil, err
	}

	return &upstream.Response{Text: text}, nil
}

func (c *Client) decorate(req *http.Request) {
	c.mu.RLock()
	psid, psidts := c.psid, c.psidts
	c.mu.RUnlock()

	req.Header.Set("User-Agent", userAgents[rand.Intn(len(userAgents))])
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.baseURL+"/")
	req.AddCookie(&http.Cookie{Name: cookiePSID, Value: psid})
	if psidts != "" {
		req.AddCookie(&http.Cookie{Name: cookiePSIDTS, Value: psidts})
	}
}

// extractText digs the candidate text out of the batchexecute envelope:
// the payload line is a JSON array whose inner payload string again
// holds JSON, with the text at [4][0][1][0].
func extractText(body []byte) (string, error) {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[[") {
			continue
		}

		var outer []any
		if err := json.Unmarshal([]byte(line), &outer); err != nil {
			continue
		}

		payload, ok := dig(outer, 0, 2).(string)
		if !ok || payload == "" {
			continue
		}

		var envelope []any
		if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
			continue
		}

		if text, ok := dig(envelope, 4, 0, 1, 0).(string); ok && text != "" {
			return text, nil
		}
	}
	return "", fmt.Errorf("no candidate text in upstream response")
}

func dig(v any, indexes ...int) any {
	for _, i := range indexes {
		arr, ok := v.([]any)
		if !ok || i >= len(arr) {
			return nil
		}
		v = arr[i]
	}
	return v
}

// antiDetectionDelay sleeps for a uniformly jittered 1-3.5 s before
// each upstream call, honoring cancellation.
func antiDetectionDelay(ctx context.Context) error {
	d := time.Duration(1000+rand.Intn(2500)) * time.Millisecond
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
