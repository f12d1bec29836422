// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package chat

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Default send limits.
const (
	// DefaultSendLimit is the maximum messages a user may send per window.
	DefaultSendLimit = 10

	// DefaultSendWindow is the sliding window the limit applies over.
	DefaultSendWindow = time.Minute

	// DefaultLimiterCleanupInterval is the interval at which the background
	// goroutine drops users whose windows have fully aged out.
	DefaultLimiterCleanupInterval = 5 * time.Minute
)

// SendLimiterConfig configures the sliding-window limiter.
type SendLimiterConfig struct {
	// Limit is the maximum sends per window. Defaults to DefaultSendLimit
	// if zero or negative.
	Limit int

	// Window is the sliding window duration. Defaults to DefaultSendWindow
	// if zero.
	Window time.Duration

	// CleanupInterval is the interval at which background cleanup runs.
	// Defaults to DefaultLimiterCleanupInterval if zero.
	CleanupInterval time.Duration
}

// SendLimiter caps message sends per user with a sliding window of
// timestamps. It is safe for concurrent use.
//
// The SendLimiter runs a background goroutine to drop idle users whose
// windows have emptied. Call Close() to stop it.
type SendLimiter struct {
	mu      sync.Mutex
	windows map[ulid.ULID][]time.Time
	limit   int
	window  time.Duration
	now     func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup

	metrics *Metrics
}

// NewSendLimiter creates a limiter and starts its cleanup goroutine.
// metrics may be nil in tests. Call Close() to stop the goroutine.
func NewSendLimiter(cfg SendLimiterConfig, metrics *Metrics) *SendLimiter {
	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultSendLimit
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultSendWindow
	}
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultLimiterCleanupInterval
	}

	sl := &SendLimiter{
		windows:  make(map[ulid.ULID][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
		stopChan: make(chan struct{}),
		metrics:  metrics,
	}

	sl.wg.Add(1)
	go sl.cleanupLoop(cleanupInterval)

	return sl
}

// Allow checks whether the user may send now, consuming one slot when
// permitted. Entries older than the window are pruned before evaluation; a
// rejected call records nothing, so a blocked user is not penalized further.
func (sl *SendLimiter) Allow(userID ulid.ULID) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := sl.now()
	kept := pruneWindow(sl.windows[userID], now.Add(-sl.window))

	if len(kept) >= sl.limit {
		sl.windows[userID] = kept
		if sl.metrics != nil {
			sl.metrics.RateLimited.Inc()
		}
		return false
	}

	sl.windows[userID] = append(kept, now)
	return true
}

// TrackedUsers returns the number of users with a live window. Useful for
// testing and monitoring.
func (sl *SendLimiter) TrackedUsers() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.windows)
}

// Cleanup drops users whose every recorded send has aged out of the window.
// Called automatically by the background goroutine.
func (sl *SendLimiter) Cleanup() {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	cutoff := sl.now().Add(-sl.window)
	for userID, stamps := range sl.windows {
		kept := pruneWindow(stamps, cutoff)
		if len(kept) == 0 {
			delete(sl.windows, userID)
		} else {
			sl.windows[userID] = kept
		}
	}

	if sl.metrics != nil {
		sl.metrics.TrackedSenders.Set(float64(len(sl.windows)))
	}
}

func (sl *SendLimiter) cleanupLoop(interval time.Duration) {
	defer sl.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sl.stopChan:
			return
		case <-ticker.C:
			sl.Cleanup()
		}
	}
}

// Close stops the background cleanup goroutine. It blocks until the
// goroutine has stopped.
func (sl *SendLimiter) Close() {
	close(sl.stopChan)
	sl.wg.Wait()
}

// pruneWindow returns the suffix of stamps at or after cutoff. Stamps are
// appended in order, so a single scan for the first survivor suffices.
func pruneWindow(stamps []time.Time, cutoff time.Time) []time.Time {
	for i, ts := range stamps {
		if ts.After(cutoff) {
			return stamps[i:]
		}
	}
	return nil
}
