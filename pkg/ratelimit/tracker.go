package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	throttlePausesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipbook_throttle_pauses_total",
		Help: "Total number of throttling replies (429/503) that paused requests",
	})

	throttleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flipbook_throttle_wait_seconds",
		Help:    "Time requests spent waiting for a throttle pause to end",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// Tracker gates requests on the most recent throttling reply.
// It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	state  State
	logger zerolog.Logger
}

// NewTracker creates a tracker in the unpaused state.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// GetState returns a copy of the current state.
func (t *Tracker) GetState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Observe inspects a response and extends the pause window if the host is throttling.
func (t *Tracker) Observe(resp *http.Response) {
	if resp == nil || !IsThrottleStatus(resp.StatusCode) {
		return
	}

	pause := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())

	t.mu.Lock()
	now := time.Now()
	until := now.Add(pause)
	if until.After(t.state.PausedUntil) {
		t.state.PausedUntil = until
	}
	t.state.LastStatus = resp.StatusCode
	t.state.Pauses++
	t.state.LastUpdate = now
	pauses := t.state.Pauses
	t.mu.Unlock()

	throttlePausesTotal.Inc()
	t.logger.Warn().
		Int("status", resp.StatusCode).
		Dur("pause", pause).
		Int("pauses", pauses).
		Msg("Host is throttling - pausing requests")
}

// Wait blocks until the current pause window ends or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	wait := t.state.TimeUntilResume()
	t.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	throttleWaitSeconds.Observe(wait.Seconds())
	t.logger.Debug().Dur("wait", wait).Msg("Waiting for throttle pause")

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date and clamps the result
// to [0, MaxPause]. Empty or invalid values yield DefaultPause.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultPause
	}

	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(now)
	} else {
		return DefaultPause
	}

	if d < 0 {
		return 0
	}
	if d > MaxPause {
		return MaxPause
	}
	return d
}
