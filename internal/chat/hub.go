// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package chat

import (
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Subscriber is a connection the hub can push events to. Enqueue must never
// block; it reports false when the event was dropped.
type Subscriber interface {
	ConnID() ulid.ULID
	Enqueue(ev Outbound) bool
}

// Hub owns room membership and fan-out. Delivery to one subscriber never
// blocks delivery to another: slow consumers drop, with a warning.
type Hub struct {
	mu      sync.RWMutex
	subs    map[ulid.ULID]Subscriber
	rooms   map[RoomName]map[ulid.ULID]struct{}
	byConn  map[ulid.ULID]map[RoomName]struct{}
	metrics *Metrics
}

// NewHub creates an empty hub. metrics may be nil in tests.
func NewHub(metrics *Metrics) *Hub {
	return &Hub{
		subs:    make(map[ulid.ULID]Subscriber),
		rooms:   make(map[RoomName]map[ulid.ULID]struct{}),
		byConn:  make(map[ulid.ULID]map[RoomName]struct{}),
		metrics: metrics,
	}
}

// Register adds a subscriber. It must be called before Join.
func (h *Hub) Register(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub.ConnID()] = sub
}

// Unregister removes a subscriber and all its room memberships.
func (h *Hub) Unregister(connID ulid.ULID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.byConn[connID] {
		h.dropMember(room, connID)
	}
	delete(h.byConn, connID)
	delete(h.subs, connID)
	h.observe()
}

// LeaveAll removes a connection from every room it joined while keeping the
// subscriber registered, so the connection can be rebound to fresh rooms.
func (h *Hub) LeaveAll(connID ulid.ULID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.byConn[connID] {
		h.dropMember(room, connID)
	}
	delete(h.byConn, connID)
	h.observe()
}

// Join adds a connection to a room. Joining twice is a no-op.
func (h *Hub) Join(connID ulid.ULID, room RoomName) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[connID]; !ok {
		slog.Warn("join for unregistered connection",
			"conn_id", connID.String(),
			"room", string(room))
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[ulid.ULID]struct{})
		h.rooms[room] = members
	}
	members[connID] = struct{}{}
	joined, ok := h.byConn[connID]
	if !ok {
		joined = make(map[RoomName]struct{})
		h.byConn[connID] = joined
	}
	joined[room] = struct{}{}
	h.observe()
}

// Leave removes a connection from a room. Leaving a room the connection is
// not in is a no-op.
func (h *Hub) Leave(connID ulid.ULID, room RoomName) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropMember(room, connID)
	if joined, ok := h.byConn[connID]; ok {
		delete(joined, room)
	}
	h.observe()
}

// InRoom reports whether the connection is currently a member of the room.
func (h *Hub) InRoom(connID ulid.ULID, room RoomName) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][connID]
	return ok
}

// Broadcast delivers an event to every member of a room.
func (h *Hub) Broadcast(room RoomName, ev Outbound) {
	h.broadcast(room, ev, ulid.ULID{})
}

// BroadcastExcept delivers an event to every member of a room except the
// given connection, typically the originator.
func (h *Hub) BroadcastExcept(room RoomName, except ulid.ULID, ev Outbound) {
	h.broadcast(room, ev, except)
}

// BroadcastAll delivers an event to every registered connection.
func (h *Hub) BroadcastAll(ev Outbound) {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()
	h.deliver(targets, ev)
}

// Unicast delivers an event to every member of a room, reporting whether the
// room had any members at all. Callers use the false branch to skip
// follow-up work for absent users instead of treating it as an error.
func (h *Hub) Unicast(room RoomName, ev Outbound) bool {
	h.mu.RLock()
	targets := h.snapshot(room, ulid.ULID{})
	h.mu.RUnlock()
	if len(targets) == 0 {
		return false
	}
	h.deliver(targets, ev)
	return true
}

func (h *Hub) broadcast(room RoomName, ev Outbound, except ulid.ULID) {
	h.mu.RLock()
	targets := h.snapshot(room, except)
	h.mu.RUnlock()
	h.deliver(targets, ev)
}

// snapshot copies a room's subscribers so delivery happens without the lock.
// Caller holds at least the read lock.
func (h *Hub) snapshot(room RoomName, except ulid.ULID) []Subscriber {
	members := h.rooms[room]
	if len(members) == 0 {
		return nil
	}
	targets := make([]Subscriber, 0, len(members))
	for connID := range members {
		if connID == except {
			continue
		}
		if sub, ok := h.subs[connID]; ok {
			targets = append(targets, sub)
		}
	}
	return targets
}

func (h *Hub) deliver(targets []Subscriber, ev Outbound) {
	if len(targets) > 0 && h.metrics != nil {
		h.metrics.EventsBroadcast.WithLabelValues(ev.Event).Add(float64(len(targets)))
	}
	for _, sub := range targets {
		if !sub.Enqueue(ev) {
			slog.Warn("dropping event for slow consumer",
				"conn_id", sub.ConnID().String(),
				"event", ev.Event)
			if h.metrics != nil {
				h.metrics.DroppedOutbound.Inc()
			}
		}
	}
}

// dropMember removes connID from a room, pruning empty rooms. Caller holds
// the lock.
func (h *Hub) dropMember(room RoomName, connID ulid.ULID) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// observe pushes the membership gauge. Caller holds the lock.
func (h *Hub) observe() {
	if h.metrics == nil {
		return
	}
	total := 0
	for _, members := range h.rooms {
		total += len(members)
	}
	h.metrics.RoomMembers.Set(float64(total))
}
