// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package chat

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestSendLimiter_WindowLimit(t *testing.T) {
	opt := goleak.IgnoreCurrent()
	defer goleak.VerifyNone(t, opt)

	now := time.Now()
	sl := NewSendLimiter(SendLimiterConfig{Limit: 3, Window: time.Minute}, nil)
	defer sl.Close()
	sl.now = func() time.Time { return now }

	userID := NewULID()

	// Exactly N sends succeed.
	for i := 0; i < 3; i++ {
		if !sl.Allow(userID) {
			t.Fatalf("send %d rejected within limit", i+1)
		}
	}
	// The N+1-th within the window is rejected.
	if sl.Allow(userID) {
		t.Fatal("send over limit allowed")
	}

	// After waiting out the window, sends succeed again.
	now = now.Add(time.Minute + time.Second)
	if !sl.Allow(userID) {
		t.Fatal("send after window expiry rejected")
	}
}

func TestSendLimiter_RejectionDoesNotConsume(t *testing.T) {
	now := time.Now()
	sl := NewSendLimiter(SendLimiterConfig{Limit: 1, Window: time.Minute}, nil)
	defer sl.Close()
	sl.now = func() time.Time { return now }

	userID := NewULID()
	if !sl.Allow(userID) {
		t.Fatal("first send rejected")
	}

	// Hammering while blocked must not extend the penalty.
	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		if sl.Allow(userID) {
			t.Fatal("send allowed while window full")
		}
	}

	// One window after the only recorded send, the user is clear.
	now = now.Add(time.Minute)
	if !sl.Allow(userID) {
		t.Fatal("send rejected after the recorded send aged out")
	}
}

func TestSendLimiter_UsersAreIndependent(t *testing.T) {
	sl := NewSendLimiter(SendLimiterConfig{Limit: 1, Window: time.Minute}, nil)
	defer sl.Close()

	first := NewULID()
	second := NewULID()

	if !sl.Allow(first) {
		t.Fatal("first user rejected")
	}
	if sl.Allow(first) {
		t.Fatal("first user allowed over limit")
	}
	if !sl.Allow(second) {
		t.Fatal("second user throttled by first user's window")
	}
}

func TestSendLimiter_CleanupDropsIdleUsers(t *testing.T) {
	now := time.Now()
	sl := NewSendLimiter(SendLimiterConfig{Limit: 5, Window: time.Minute}, nil)
	defer sl.Close()
	sl.now = func() time.Time { return now }

	sl.Allow(NewULID())
	sl.Allow(NewULID())
	if got := sl.TrackedUsers(); got != 2 {
		t.Fatalf("TrackedUsers = %d, want 2", got)
	}

	now = now.Add(2 * time.Minute)
	sl.Cleanup()
	if got := sl.TrackedUsers(); got != 0 {
		t.Fatalf("TrackedUsers after cleanup = %d, want 0", got)
	}
}

func TestSendLimiter_Defaults(t *testing.T) {
	sl := NewSendLimiter(SendLimiterConfig{}, nil)
	defer sl.Close()

	if sl.limit != DefaultSendLimit {
		t.Fatalf("limit = %d, want default %d", sl.limit, DefaultSendLimit)
	}
	if sl.window != DefaultSendWindow {
		t.Fatalf("window = %v, want default %v", sl.window, DefaultSendWindow)
	}
}
