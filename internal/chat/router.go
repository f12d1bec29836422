// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package chat

import (
	"context"

	"github.com/samber/oops"

	"github.com/candorchat/candor/internal/store"
)

// Router decides whether a connection may join a room, then performs the
// membership change on the hub. Authorization is checked fresh against the
// store at join time; membership is not re-checked continuously afterwards.
type Router struct {
	store store.ChatStore
	hub   *Hub
}

// NewRouter wires the room router.
func NewRouter(st store.ChatStore, hub *Hub) *Router {
	return &Router{store: st, hub: hub}
}

// JoinConversation subscribes the session's connection to a conversation
// room after verifying membership. Dialog and group rejections carry
// NOT_PARTICIPANT; task and event rejections carry ACCESS_DENIED.
func (r *Router) JoinConversation(ctx context.Context, sess Session, target Target) error {
	ok, err := r.store.IsParticipant(ctx, sess.UserID, target.ID, target.Kind)
	if err != nil {
		return storeError(err, "checking room authorization")
	}
	if !ok {
		code := CodeNotParticipant
		if target.Kind == store.KindTask || target.Kind == store.KindEvent {
			code = CodeAccessDenied
		}
		return oops.Code(code).
			With("user_id", sess.UserID.String()).
			With("conversation_id", target.ID.String()).
			With("kind", string(target.Kind)).
			Errorf("join not authorized")
	}
	r.hub.Join(sess.ConnID, target.Room())
	return nil
}

// LeaveConversation unsubscribes the connection from a conversation room.
func (r *Router) LeaveConversation(sess Session, target Target) {
	r.hub.Leave(sess.ConnID, target.Room())
}

// JoinTaskDetails subscribes the connection to a task's room and announces
// the viewer on the general-tasks room so task lists can show who is
// looking.
func (r *Router) JoinTaskDetails(ctx context.Context, sess Session, taskID string) error {
	id, err := ParseID("taskId", taskID)
	if err != nil {
		return err
	}
	target := Target{Kind: store.KindTask, ID: id}
	if err := r.JoinConversation(ctx, sess, target); err != nil {
		return err
	}
	r.hub.Broadcast(GeneralTasksRoom, Outbound{Event: EventTaskStatus, Data: TaskStatusPayload{
		TaskID:  id.String(),
		UserID:  sess.UserID.String(),
		Viewing: true,
	}})
	return nil
}

// LeaveTaskDetails unsubscribes the connection from a task's room and
// announces the departure.
func (r *Router) LeaveTaskDetails(sess Session, taskID string) error {
	id, err := ParseID("taskId", taskID)
	if err != nil {
		return err
	}
	r.hub.Leave(sess.ConnID, Room(RoomTask, id))
	r.hub.Broadcast(GeneralTasksRoom, Outbound{Event: EventTaskStatus, Data: TaskStatusPayload{
		TaskID:  id.String(),
		UserID:  sess.UserID.String(),
		Viewing: false,
	}})
	return nil
}
