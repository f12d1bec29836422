// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package chat

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/candorchat/candor/internal/store"
)

// DefaultUserDetailTTL bounds how stale broadcast display data may be.
// Entries are never invalidated by profile writes; staleness up to the TTL
// is an accepted consistency window.
const DefaultUserDetailTTL = time.Minute

type cachedDetails struct {
	details   store.UserDetails
	fetchedAt time.Time
}

// UserDetailCache memoizes username/avatar lookups with a TTL so every
// broadcast does not pay a store round-trip. The store stays authoritative.
type UserDetailCache struct {
	store store.ChatStore
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[ulid.ULID]cachedDetails
}

// NewUserDetailCache creates a cache over the store. A non-positive ttl
// falls back to DefaultUserDetailTTL.
func NewUserDetailCache(st store.ChatStore, ttl time.Duration) *UserDetailCache {
	if ttl <= 0 {
		ttl = DefaultUserDetailTTL
	}
	return &UserDetailCache{
		store:   st,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[ulid.ULID]cachedDetails),
	}
}

// Details returns the user's display data, from cache when fresh. The lock
// is never held across the store call; concurrent misses may fetch twice and
// the later write wins, which is harmless.
func (c *UserDetailCache) Details(ctx context.Context, userID ulid.ULID) (store.UserDetails, error) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.details, nil
	}

	details, err := c.store.GetUserDetails(ctx, userID)
	if err != nil {
		return store.UserDetails{}, err
	}

	c.mu.Lock()
	c.entries[userID] = cachedDetails{details: details, fetchedAt: c.now()}
	c.mu.Unlock()
	return details, nil
}
