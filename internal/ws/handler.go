// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/candorchat/candor/internal/auth"
	"github.com/candorchat/candor/internal/chat"
	"github.com/candorchat/candor/pkg/errutil"
)

// Envelope is the inbound frame shape.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Core bundles the real-time components the transport dispatches into.
type Core struct {
	Registry *chat.SessionRegistry
	Hub      *chat.Hub
	Router   *chat.Router
	Presence *chat.Presence
	Pipeline *chat.Pipeline
	Typing   *chat.TypingRelay
	Verifier auth.Verifier
}

// connHandler drives one connection's lifecycle. Events from a single
// connection are handled serially on its reader goroutine; concurrency only
// exists across connections.
type connHandler struct {
	core *Core
	conn *Conn

	authenticated bool
	sess          chat.Session
}

func newConnHandler(core *Core, conn *Conn) *connHandler {
	return &connHandler{core: core, conn: conn}
}

// handle runs the read loop until the connection drops, then cleans up.
func (h *connHandler) handle(ctx context.Context) {
	defer h.teardown()

	h.core.Hub.Register(h.conn)

	h.conn.sock.SetReadLimit(maxFrameSize)
	_ = h.conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.sock.SetPongHandler(func(string) error {
		return h.conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := h.conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("connection closed unexpectedly",
					"conn_id", h.conn.id.String(),
					"error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
			h.conn.Enqueue(chat.Failure("message", chat.CodeInvalidInput, "malformed event envelope"))
			continue
		}
		if len(env.Data) == 0 {
			env.Data = json.RawMessage("{}")
		}

		h.dispatch(ctx, env)
	}
}

// teardown leaves all rooms, unregisters the session, and fires the offline
// transition when the last device disconnected.
func (h *connHandler) teardown() {
	h.core.Hub.Unregister(h.conn.id)
	h.conn.Close()

	if !h.authenticated {
		return
	}
	sess, remaining, ok := h.core.Registry.Unregister(h.conn.id)
	if ok && remaining == 0 {
		// The run context is already cancelled during graceful shutdown, so
		// the offline write gets its own short deadline.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.core.Presence.WentOffline(ctx, sess.UserID)
	}
}

// releaseIdentity detaches the connection from its current user ahead of a
// re-authentication: every joined room is left and the old user's session
// refcount is decremented, firing the offline transition when this was their
// last session. Without it a rebound connection would keep receiving the old
// user's unicasts.
func (h *connHandler) releaseIdentity(ctx context.Context) {
	h.core.Hub.LeaveAll(h.conn.id)
	sess, remaining, ok := h.core.Registry.Unregister(h.conn.id)
	if ok && remaining == 0 {
		h.core.Presence.WentOffline(ctx, sess.UserID)
	}
	h.authenticated = false
	h.sess = chat.Session{}
}

func (h *connHandler) dispatch(ctx context.Context, env Envelope) {
	if !h.authenticated && env.Event != "authenticate" {
		h.conn.Enqueue(chat.Failure(env.Event, chat.CodeAuthError, "authenticate first"))
		return
	}

	switch env.Event {
	case "authenticate":
		h.onAuthenticate(ctx, env.Data)
	case "joinConversation":
		h.onJoinConversation(ctx, env.Data)
	case "leaveConversation":
		h.onLeaveConversation(env.Data)
	case "sendMessage":
		var in chat.SendMessageInput
		if !h.decode(env, &in) {
			return
		}
		h.reportErr(env.Event, h.core.Pipeline.SendMessage(ctx, h.sess, in))
	case "editMessage":
		var in chat.EditMessageInput
		if !h.decode(env, &in) {
			return
		}
		h.reportErr(env.Event, h.core.Pipeline.EditMessage(ctx, h.sess, in))
	case "deleteMessage":
		var in chat.DeleteMessageInput
		if !h.decode(env, &in) {
			return
		}
		h.reportErr(env.Event, h.core.Pipeline.DeleteMessage(ctx, h.sess, in))
	case "markMessagesAsRead":
		var in chat.MarkReadInput
		if !h.decode(env, &in) {
			return
		}
		h.reportErr(env.Event, h.core.Pipeline.MarkRead(ctx, h.sess, in))
	case "forwardMessages":
		h.onForward(ctx, env)
	case "startTyping", "stopTyping":
		var in chat.TypingInput
		if !h.decode(env, &in) {
			return
		}
		// Typing is best-effort; validation failures are still reported so
		// a buggy client can notice, but nothing else is.
		h.reportErr(env.Event, h.core.Typing.Relay(h.sess, in, env.Event == "startTyping"))
	case "joinTaskDetails":
		var in taskDetailsInput
		if !h.decode(env, &in) {
			return
		}
		h.reportErr(env.Event, h.core.Router.JoinTaskDetails(ctx, h.sess, in.TaskID))
	case "leaveTaskDetails":
		var in taskDetailsInput
		if !h.decode(env, &in) {
			return
		}
		h.reportErr(env.Event, h.core.Router.LeaveTaskDetails(h.sess, in.TaskID))
	default:
		h.conn.Enqueue(chat.Failure(env.Event, chat.CodeInvalidInput, "unknown event"))
	}
}

type authenticateInput struct {
	Token string `json:"token"`
}

type taskDetailsInput struct {
	TaskID string `json:"taskId"`
}

type joinConversationInput struct {
	DialogID string `json:"dialogId"`
	GroupID  string `json:"groupId"`
	TaskID   string `json:"taskId"`
	EventID  string `json:"eventId"`
}

// onAuthenticate verifies the token, registers the session, and joins the
// connection to its standing rooms. A failed attempt rejects the single
// action; the transport stays open for a retry.
func (h *connHandler) onAuthenticate(ctx context.Context, data json.RawMessage) {
	const op = "authenticate"

	var in authenticateInput
	if err := json.Unmarshal(data, &in); err != nil {
		h.conn.Enqueue(chat.Failure(op, chat.CodeInvalidInput, "malformed payload"))
		return
	}

	identity, err := h.core.Verifier.VerifyToken(in.Token)
	if err != nil {
		errutil.LogError(slog.Default(), "authentication rejected", err)
		h.conn.Enqueue(chat.Failure(op, chat.CodeAuthError, "invalid token"))
		return
	}

	// Re-authenticating as a different user tears the old identity down
	// first. The same user refreshing a token keeps rooms and presence.
	rebind := h.authenticated
	if rebind && identity.UserID != h.sess.UserID {
		h.releaseIdentity(ctx)
		rebind = false
	}

	first := h.core.Registry.Register(h.conn.id, identity.UserID, identity.Username)
	h.authenticated = true
	h.sess = chat.Session{ConnID: h.conn.id, UserID: identity.UserID, Username: identity.Username}

	h.core.Hub.Join(h.conn.id, chat.UserRoom(identity.UserID))
	h.core.Hub.Join(h.conn.id, chat.GeneralTasksRoom)

	h.conn.Enqueue(chat.Outbound{Event: chat.EventAuthenticated, Data: chat.AuthenticatedPayload{
		UserID:   identity.UserID.String(),
		Username: identity.Username,
	}})

	if first && !rebind {
		h.core.Presence.WentOnline(ctx, identity.UserID)
	}
}

func (h *connHandler) onJoinConversation(ctx context.Context, data json.RawMessage) {
	const op = "joinConversation"

	var in joinConversationInput
	if err := json.Unmarshal(data, &in); err != nil {
		h.conn.Enqueue(chat.Failure(op, chat.CodeInvalidInput, "malformed payload"))
		return
	}
	target, err := chat.ResolveTarget(in.DialogID, in.GroupID, in.TaskID, in.EventID)
	if err != nil {
		h.reportErr(op, err)
		return
	}
	h.reportErr(op, h.core.Router.JoinConversation(ctx, h.sess, target))
}

func (h *connHandler) onLeaveConversation(data json.RawMessage) {
	const op = "leaveConversation"

	var in joinConversationInput
	if err := json.Unmarshal(data, &in); err != nil {
		h.conn.Enqueue(chat.Failure(op, chat.CodeInvalidInput, "malformed payload"))
		return
	}
	target, err := chat.ResolveTarget(in.DialogID, in.GroupID, in.TaskID, in.EventID)
	if err != nil {
		h.reportErr(op, err)
		return
	}
	h.core.Router.LeaveConversation(h.sess, target)
}

func (h *connHandler) onForward(ctx context.Context, env Envelope) {
	var in chat.ForwardInput
	if !h.decode(env, &in) {
		return
	}
	result, err := h.core.Pipeline.Forward(ctx, h.sess, in)
	if err != nil {
		h.reportErr(env.Event, err)
		return
	}
	h.conn.Enqueue(chat.Outbound{Event: "messagesForwarded", Data: result})
}

func (h *connHandler) decode(env Envelope, into any) bool {
	if err := json.Unmarshal(env.Data, into); err != nil {
		h.conn.Enqueue(chat.Failure(env.Event, chat.CodeInvalidInput, "malformed payload"))
		return false
	}
	return true
}

// reportErr surfaces a rejection to the originating connection only. A nil
// error is a no-op.
func (h *connHandler) reportErr(op string, err error) {
	if err == nil {
		return
	}
	errutil.LogError(slog.Default(), op+" rejected", err)
	h.conn.Enqueue(chat.FailureFromError(op, err))
}
