// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package chat

import (
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/candorchat/candor/internal/store"
)

// RoomKind is the closed set of room name prefixes. Room names are only ever
// built through the constructors below; handlers never concatenate strings.
type RoomKind string

const (
	RoomUser   RoomKind = "user"
	RoomDialog RoomKind = "dialog"
	RoomGroup  RoomKind = "group"
	RoomTask   RoomKind = "task"
	RoomEvent  RoomKind = "event"
)

// RoomName identifies a fan-out topic.
type RoomName string

// GeneralTasksRoom is the singleton room every authenticated session joins.
// Task-scoped viewing notifications are broadcast here.
const GeneralTasksRoom RoomName = "general_tasks"

// Room builds a room name from a kind and entity id.
func Room(kind RoomKind, id ulid.ULID) RoomName {
	return RoomName(string(kind) + ":" + id.String())
}

// UserRoom is the per-user room a session auto-joins at authentication.
// Unicasts to a user address this room.
func UserRoom(userID ulid.ULID) RoomName {
	return Room(RoomUser, userID)
}

// ConversationRoom maps a conversation kind to its room.
func ConversationRoom(kind store.ConversationKind, id ulid.ULID) (RoomName, error) {
	switch kind {
	case store.KindDialog:
		return Room(RoomDialog, id), nil
	case store.KindGroup:
		return Room(RoomGroup, id), nil
	case store.KindTask:
		return Room(RoomTask, id), nil
	case store.KindEvent:
		return Room(RoomEvent, id), nil
	default:
		return "", oops.Code(CodeInvalidInput).
			With("kind", string(kind)).
			Errorf("unknown conversation kind")
	}
}

// Target is a validated conversation reference: exactly one of the id fields
// a client may send, resolved to a kind and parsed id.
type Target struct {
	Kind store.ConversationKind
	ID   ulid.ULID
}

// Room returns the fan-out room for the target.
func (t Target) Room() RoomName {
	r, _ := ConversationRoom(t.Kind, t.ID)
	return r
}

// ResolveTarget enforces the exactly-one rule over the optional id fields of
// an inbound event. Empty strings mean absent. Zero ids present is
// MISSING_ID; more than one is INVALID_INPUT; a malformed id is INVALID_ID.
func ResolveTarget(dialogID, groupID, taskID, eventID string) (Target, error) {
	var (
		kind store.ConversationKind
		raw  string
		n    int
	)
	for _, c := range []struct {
		kind store.ConversationKind
		id   string
	}{
		{store.KindDialog, dialogID},
		{store.KindGroup, groupID},
		{store.KindTask, taskID},
		{store.KindEvent, eventID},
	} {
		if c.id == "" {
			continue
		}
		n++
		kind, raw = c.kind, c.id
	}
	switch {
	case n == 0:
		return Target{}, oops.Code(CodeMissingID).
			Errorf("no conversation target specified")
	case n > 1:
		return Target{}, oops.Code(CodeInvalidInput).
			With("targets", n).
			Errorf("multiple conversation targets specified")
	}
	id, err := ParseID(string(kind)+"Id", raw)
	if err != nil {
		return Target{}, err
	}
	return Target{Kind: kind, ID: id}, nil
}
