// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package chat

import (
	"log/slog"
)

// TypingRelay forwards typing start/stop signals to room peers. Signals are
// ephemeral: never persisted, never rate limited, never retried. The origin
// connection is excluded so a client does not see its own typing echo.
type TypingRelay struct {
	hub *Hub
}

// NewTypingRelay wires the relay.
func NewTypingRelay(hub *Hub) *TypingRelay {
	return &TypingRelay{hub: hub}
}

// TypingInput is the wire payload of startTyping / stopTyping.
type TypingInput struct {
	DialogID string `json:"dialogId"`
	GroupID  string `json:"groupId"`
}

// Relay broadcasts the typing signal to the other members of the target
// room. Invalid targets are rejected so a malformed id never reaches room
// construction; beyond that the relay is fire-and-forget.
func (t *TypingRelay) Relay(sess Session, in TypingInput, started bool) error {
	kind, rawTarget, err := singleTarget(in.DialogID, in.GroupID)
	if err != nil {
		return err
	}
	targetID, err := ParseID(string(kind)+"Id", rawTarget)
	if err != nil {
		return err
	}

	event := EventUserStoppedTyping
	if started {
		event = EventUserTyping
	}
	target := Target{Kind: kind, ID: targetID}
	if !t.hub.InRoom(sess.ConnID, target.Room()) {
		// Not an error worth a failure event; a signal from outside the
		// room is simply not relayed.
		slog.Debug("typing signal from connection outside room",
			"conn_id", sess.ConnID.String(),
			"room", string(target.Room()))
		return nil
	}
	t.hub.BroadcastExcept(target.Room(), sess.ConnID, Outbound{Event: event, Data: TypingPayload{
		ConversationID: targetID.String(),
		Kind:           string(kind),
		UserID:         sess.UserID.String(),
		Username:       sess.Username,
	}})
	return nil
}
