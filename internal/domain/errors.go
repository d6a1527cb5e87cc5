package domain

import "errors"

var (
	ErrNoUserMessage       = errors.New("no user message found")
	ErrModelMissing        = errors.New("model not specified")
	ErrInvalidAPIKey       = errors.New("invalid or missing API key")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrUpstreamUnavailable = errors.New("upstream client is not initialized")
	ErrSessionExpired      = errors.New("upstream session expired")
	ErrStreamingDisabled   = errors.New("streaming is disabled")
)
