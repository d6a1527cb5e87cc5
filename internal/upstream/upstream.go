// Package upstream defines the call surface into the browser-session
// backend. Implementations own cookie handling and request pacing; the
// rest of the gateway only sees GenerateContent.
package upstream

import "context"

// Response is the upstream's answer to a single-turn generation call.
type Response struct {
	Text string
}

// Client is the boundary the request pipeline calls into.
type Client interface {
	// GenerateContent sends one message and returns the complete
	// response text. There is no incremental delivery.
	GenerateContent(ctx context.Context, message, model string, files []string) (*Response, error)

	// Ready reports whether the client holds usable session
	// credentials.
	Ready() bool
}

// SessionUpdater is implemented by clients whose session cookies can be
// swapped at runtime, letting the refresh loop apply newly derived
// credentials to the live client.
type SessionUpdater interface {
	UpdateSession(psid, psidts string)
}
