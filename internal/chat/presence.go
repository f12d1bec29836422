// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package chat

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/candorchat/candor/internal/store"
)

// Presence turns session-count transitions into status broadcasts. The
// transitions themselves are decided by SessionRegistry under its lock (first
// registration, last unregistration); this component only reacts to them.
// Everything here is best-effort: a failed status write or detail lookup is
// logged and the broadcast proceeds with what is known.
type Presence struct {
	store store.ChatStore
	cache *UserDetailCache
	hub   *Hub
}

// NewPresence wires the tracker to its collaborators.
func NewPresence(st store.ChatStore, cache *UserDetailCache, hub *Hub) *Presence {
	return &Presence{store: st, cache: cache, hub: hub}
}

// WentOnline handles the Offline -> Online transition: persist the flag and
// broadcast userStatusChanged to every connection.
func (p *Presence) WentOnline(ctx context.Context, userID ulid.ULID) {
	p.transition(ctx, userID, true)
}

// WentOffline handles the Online -> Offline transition. Callers fire this
// only when the user's last session closed.
func (p *Presence) WentOffline(ctx context.Context, userID ulid.ULID) {
	p.transition(ctx, userID, false)
}

func (p *Presence) transition(ctx context.Context, userID ulid.ULID, online bool) {
	if err := p.store.SetOnlineStatus(ctx, userID, online); err != nil {
		slog.Warn("persisting online status failed",
			"user_id", userID.String(),
			"online", online,
			"error", err)
	}

	payload := UserStatusPayload{
		UserID:   userID.String(),
		IsOnline: online,
	}
	details, err := p.cache.Details(ctx, userID)
	if err != nil {
		slog.Warn("user details unavailable for status broadcast",
			"user_id", userID.String(),
			"error", err)
	} else {
		payload.Username = details.Username
		payload.AvatarURL = details.AvatarPath
	}

	p.hub.BroadcastAll(Outbound{Event: EventUserStatusChanged, Data: payload})
}
