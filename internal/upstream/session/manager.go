// Package session manages the upstream session cookie lifecycle: a
// background loop periodically re-derives credentials from a Source and
// applies them to the live upstream client.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/elvis3770/webai-gateway/internal/metrics"
	"github.com/elvis3770/webai-gateway/internal/notifications"
)

// retryBackoff is the pause after a failed refresh; the loop never
// aborts on error.
const retryBackoff = 5 * time.Minute

// Target is the client whose session the manager maintains.
type Target interface {
	UpdateSession(psid, psidts string)
	Init(ctx context.Context) error
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	AutoRefreshEnabled    bool      `json:"auto_refresh_enabled"`
	RefreshInterval       string    `json:"refresh_interval"`
	LastRefresh           time.Time `json:"last_refresh"`
	TimeUntilNextRefreshS int       `json:"time_until_next_refresh_seconds"`
	RefreshNeeded         bool      `json:"refresh_needed"`
	Running               bool      `json:"running"`
}

type Manager struct {
	source   Source
	target   Target
	notifier notifications.Notifier

	interval    time.Duration
	autoRefresh bool

	mu          sync.Mutex
	lastRefresh time.Time
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}

	backoff time.Duration
	now     func() time.Time
}

func NewManager(source Source, target Target, notifier notifications.Notifier, interval time.Duration, autoRefresh bool) *Manager {
	return &Manager{
		source:      source,
		target:      target,
		notifier:    notifier,
		interval:    interval,
		autoRefresh: autoRefresh,
		lastRefresh: time.Now(),
		backoff:     retryBackoff,
		now:         time.Now,
	}
}

// Start launches the refresh loop if auto-refresh is enabled. Starting
// an already running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.autoRefresh || m.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.done = make(chan struct{})

	go m.loop(loopCtx)

	slog.Info("cookie auto-refresh started", "interval", m.interval)
}

// Stop cancels the loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.running = false
	m.mu.Unlock()

	cancel()
	<-done
	slog.Info("cookie auto-refresh stopped")
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	wait := m.interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := m.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("cookie refresh failed, will retry", "error", err, "backoff", m.backoff)
			m.notify(ctx, notifications.Alert{
				Type:    notifications.AlertRefreshFailed,
				Message: err.Error(),
			})
			wait = m.backoff
			continue
		}

		wait = m.interval
	}
}

// Refresh re-derives cookies from the source, applies them to the
// target, and re-initializes the session under the new credentials.
func (m *Manager) Refresh(ctx context.Context) error {
	cookies, err := m.source.Cookies(ctx)
	if err != nil {
		metrics.SessionRefreshes.WithLabelValues("error").Inc()
		return err
	}

	m.target.UpdateSession(cookies.PSID, cookies.PSIDTS)
	if err := m.target.Init(ctx); err != nil {
		metrics.SessionRefreshes.WithLabelValues("error").Inc()
		return err
	}
	metrics.SessionRefreshes.WithLabelValues("ok").Inc()

	m.mu.Lock()
	m.lastRefresh = m.now()
	m.mu.Unlock()

	slog.Info("session cookies refreshed")
	m.notify(ctx, notifications.Alert{
		Type:    notifications.AlertRefreshOK,
		Message: "session cookies refreshed and applied",
	})
	return nil
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.lastRefresh.Add(m.interval)
	until := int(next.Sub(m.now()).Seconds())

	return Status{
		AutoRefreshEnabled:    m.autoRefresh,
		RefreshInterval:       m.interval.String(),
		LastRefresh:           m.lastRefresh,
		TimeUntilNextRefreshS: until,
		RefreshNeeded:         until <= 0,
		Running:               m.running,
	}
}

func (m *Manager) notify(ctx context.Context, alert notifications.Alert) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Send(ctx, alert); err != nil {
		slog.Warn("failed to send alert", "type", alert.Type, "error", err)
	}
}
