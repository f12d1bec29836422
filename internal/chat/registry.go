// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package chat

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// Session is one authenticated connection. A user with several devices holds
// several sessions.
type Session struct {
	ConnID   ulid.ULID
	UserID   ulid.ULID
	Username string
}

// SessionRegistry tracks authenticated connections and the per-user session
// count that presence derives from. All mutation happens under one lock so
// the register/unregister transition and its count observation are atomic.
type SessionRegistry struct {
	mu       sync.RWMutex
	byConn   map[ulid.ULID]Session
	byUser   map[ulid.ULID][]ulid.ULID
	sessions *sessionsGauge
}

// NewSessionRegistry creates an empty registry. The metrics collaborator may
// be nil in tests.
func NewSessionRegistry(m *Metrics) *SessionRegistry {
	r := &SessionRegistry{
		byConn: make(map[ulid.ULID]Session),
		byUser: make(map[ulid.ULID][]ulid.ULID),
	}
	if m != nil {
		r.sessions = &sessionsGauge{connected: m.ConnectedSessions, users: m.OnlineUsers}
	}
	return r
}

type sessionsGauge struct {
	connected gaugeSetter
	users     gaugeSetter
}

// Register binds a connection to a user. Re-registering a live connection id
// replaces the previous binding. It reports whether this is the user's first
// live session, observed atomically with the insertion.
func (r *SessionRegistry) Register(connID, userID ulid.ULID, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connID]; ok {
		r.dropUserConn(prev.UserID, connID)
	}
	r.byConn[connID] = Session{ConnID: connID, UserID: userID, Username: username}
	r.byUser[userID] = append(r.byUser[userID], connID)
	first := len(r.byUser[userID]) == 1
	r.observe()
	return first
}

// Unregister removes a connection. It returns the session that was bound,
// the user's remaining live session count, and whether the connection was
// registered at all. The remaining count is observed under the same lock as
// the removal, so remaining == 0 is the authoritative went-offline signal.
func (r *SessionRegistry) Unregister(connID ulid.ULID) (Session, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byConn[connID]
	if !ok {
		return Session{}, 0, false
	}
	delete(r.byConn, connID)
	r.dropUserConn(sess.UserID, connID)
	remaining := len(r.byUser[sess.UserID])
	r.observe()
	return sess, remaining, true
}

// Lookup returns the session bound to a connection.
func (r *SessionRegistry) Lookup(connID ulid.ULID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byConn[connID]
	return sess, ok
}

// SessionCount returns the user's live session count.
func (r *SessionRegistry) SessionCount(userID ulid.ULID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Online reports whether the user has at least one live session.
func (r *SessionRegistry) Online(userID ulid.ULID) bool {
	return r.SessionCount(userID) > 0
}

// dropUserConn removes connID from the user's slice. Caller holds the lock.
func (r *SessionRegistry) dropUserConn(userID, connID ulid.ULID) {
	conns := r.byUser[userID]
	for i, c := range conns {
		if c == connID {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(r.byUser, userID)
	} else {
		r.byUser[userID] = conns
	}
}

// observe pushes gauge values. Caller holds the lock.
func (r *SessionRegistry) observe() {
	if r.sessions == nil {
		return
	}
	r.sessions.connected.Set(float64(len(r.byConn)))
	r.sessions.users.Set(float64(len(r.byUser)))
}
