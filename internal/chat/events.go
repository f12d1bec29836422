// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

// Package chat contains the real-time core: session registry, room fan-out,
// presence tracking, and the message pipeline.
package chat

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/candorchat/candor/internal/store"
)

// Outbound event names pushed to clients.
const (
	EventAuthenticated     = "authenticated"
	EventUserStatusChanged = "userStatusChanged"
	EventNewMessage        = "newMessage"
	EventMessageEdited     = "messageEdited"
	EventMessageDeleted    = "messageDeleted"
	EventMessagesRead      = "messagesRead"
	EventMessageReadUpdate = "messageReadUpdate"
	EventNotification      = "notification"
	EventUserTyping        = "userTyping"
	EventUserStoppedTyping = "userStoppedTyping"
	EventTaskStatus        = "taskStatus"
)

// Notification types carried by EventNotification.
const (
	NotificationNewMessage = "new_message"
	NotificationMention    = "mention"
)

// Failure codes surfaced to clients in *Failed events. These double as oops
// error codes inside the core so the transport can map an error straight to
// its failure payload.
const (
	CodeAuthError         = "AUTH_ERROR"
	CodeAuthMismatch      = "AUTH_MISMATCH"
	CodeMissingID         = "MISSING_ID"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeInvalidID         = "INVALID_ID"
	CodeEmptyMessage      = "EMPTY_MESSAGE"
	CodeContentTooLong    = "CONTENT_TOO_LONG"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeNotParticipant    = "NOT_PARTICIPANT"
	CodeInvalidReplyID    = "INVALID_REPLY_ID"
	CodeAccessDenied      = "ACCESS_DENIED"
	CodeNotFound          = "NOT_FOUND"
	CodeDBError           = "DB_ERROR"
	CodeServerError       = "SERVER_ERROR"
)

// Outbound is a named event payload on its way to one or more connections.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// FailurePayload is the body of every *Failed event.
type FailurePayload struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// Failure builds the <op>Failed event for a rejected operation.
func Failure(op, code, message string) Outbound {
	return Outbound{
		Event: op + "Failed",
		Data:  FailurePayload{ErrorCode: code, Message: message},
	}
}

// FailureFromError maps an error to the <op>Failed event. Oops codes pass
// through; anything uncoded is reported as SERVER_ERROR without leaking
// internals to the client.
func FailureFromError(op string, err error) Outbound {
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, ok := oopsErr.Code().(string); ok && code != "" {
			return Failure(op, code, clientMessage(code))
		}
	}
	return Failure(op, CodeServerError, "internal error")
}

// clientMessage returns the human-readable text for a failure code.
func clientMessage(code string) string {
	switch code {
	case CodeAuthError:
		return "authentication required"
	case CodeAuthMismatch:
		return "sender does not match authenticated session"
	case CodeMissingID:
		return "no target specified"
	case CodeInvalidInput:
		return "invalid input"
	case CodeInvalidID:
		return "malformed identifier"
	case CodeEmptyMessage:
		return "message has no content or attachments"
	case CodeContentTooLong:
		return "message content exceeds the allowed length"
	case CodeRateLimitExceeded:
		return "too many messages, slow down"
	case CodeNotParticipant:
		return "not a participant of this conversation"
	case CodeInvalidReplyID:
		return "replied-to message not found in this conversation"
	case CodeAccessDenied:
		return "access denied"
	case CodeNotFound:
		return "not found"
	case CodeDBError:
		return "storage unavailable, try again"
	default:
		return "internal error"
	}
}

// AuthenticatedPayload acknowledges a successful authenticate.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// UserStatusPayload is the body of userStatusChanged.
type UserStatusPayload struct {
	UserID    string `json:"userId"`
	IsOnline  bool   `json:"isOnline"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

// MessagePayload is the wire form of a hydrated message.
type MessagePayload struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Kind           string        `json:"kind"`
	SenderID       string        `json:"senderId"`
	SenderName     string        `json:"senderName"`
	SenderAvatar   string        `json:"senderAvatar,omitempty"`
	Content        string        `json:"content"`
	Files          []FilePayload `json:"files,omitempty"`
	Mentions       []string      `json:"mentions,omitempty"`
	ReadBy         []string      `json:"readBy,omitempty"`
	Reply          *ReplyPayload `json:"repliedTo,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
}

// FilePayload is the wire form of an attachment.
type FilePayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// ReplyPayload is the wire form of a reply preview.
type ReplyPayload struct {
	ID         string `json:"id"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
}

// NotificationPayload is the body of notification events.
type NotificationPayload struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Kind           string `json:"kind"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Preview        string `json:"preview"`
}

// ReadUpdatePayload is the body of messageReadUpdate and messagesRead.
type ReadUpdatePayload struct {
	ConversationID string    `json:"conversationId"`
	Kind           string    `json:"kind"`
	UserID         string    `json:"userId"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

// MessageDeletedPayload is the body of messageDeleted.
type MessageDeletedPayload struct {
	ConversationID string `json:"conversationId"`
	Kind           string `json:"kind"`
	MessageID      string `json:"messageId"`
}

// TypingPayload is the body of userTyping / userStoppedTyping.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	Kind           string `json:"kind"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
}

// TaskStatusPayload is the body of taskStatus broadcasts.
type TaskStatusPayload struct {
	TaskID  string `json:"taskId"`
	UserID  string `json:"userId"`
	Viewing bool   `json:"viewing"`
}

// messageToPayload converts a hydrated store record to its wire form.
func messageToPayload(m *store.HydratedMessage) MessagePayload {
	p := MessagePayload{
		ID:             m.ID.String(),
		ConversationID: m.ConversationID.String(),
		Kind:           string(m.Kind),
		SenderID:       m.SenderID.String(),
		SenderName:     m.SenderName,
		SenderAvatar:   m.SenderAvatar,
		Content:        m.Content,
		Mentions:       idStrings(m.Mentions),
		ReadBy:         idStrings(m.ReadBy),
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
	}
	for _, f := range m.Files {
		p.Files = append(p.Files, FilePayload{
			ID:       f.ID.String(),
			Name:     f.Name,
			Path:     f.Path,
			MimeType: f.MimeType,
			Size:     f.Size,
		})
	}
	if m.Reply != nil {
		p.Reply = &ReplyPayload{
			ID:         m.Reply.ID.String(),
			SenderName: m.Reply.SenderName,
			Content:    m.Reply.Content,
		}
	}
	return p
}

func idStrings(ids []ulid.ULID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
