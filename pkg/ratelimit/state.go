// Package ratelimit tracks throttling signals from the flipbook host and
// pauses outgoing requests while the host asks clients to back off.
// It watches 429 and 503 replies and their Retry-After header.
package ratelimit

import (
	"net/http"
	"time"
)

// Pause bounds applied to Retry-After values.
const (
	// DefaultPause is used when a throttling reply carries no Retry-After.
	DefaultPause = 2 * time.Second

	// MaxPause caps a single pause so a hostile header cannot stall a run.
	MaxPause = 60 * time.Second
)

// State is the current throttling state shared by all workers of a run.
type State struct {
	// PausedUntil is the earliest time the next request may start.
	PausedUntil time.Time `json:"paused_until"`

	// LastStatus is the HTTP status of the last observed throttling reply.
	LastStatus int `json:"last_status"`

	// Pauses counts throttling replies seen so far.
	Pauses int `json:"pauses"`

	// LastUpdate is when the state last changed.
	LastUpdate time.Time `json:"last_update"`
}

// IsPaused reports whether requests should currently wait.
func (s State) IsPaused() bool {
	return time.Now().Before(s.PausedUntil)
}

// TimeUntilResume returns how long requests must still wait, or 0.
func (s State) TimeUntilResume() time.Duration {
	d := time.Until(s.PausedUntil)
	if d < 0 {
		return 0
	}
	return d
}

// IsThrottleStatus reports whether status asks the client to back off.
func IsThrottleStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}
