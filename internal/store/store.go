// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

// Package store provides the persistence collaborator interfaces consumed by
// the real-time core, plus their PostgreSQL implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ConversationKind identifies the kind of conversation a message belongs to.
type ConversationKind string

const (
	KindDialog ConversationKind = "dialog"
	KindGroup  ConversationKind = "group"
	KindTask   ConversationKind = "task"
	KindEvent  ConversationKind = "event"
)

// UserDetails is the display data attached to broadcasts.
type UserDetails struct {
	Username   string
	AvatarPath string
}

// FileMeta describes an attachment on a hydrated message.
type FileMeta struct {
	ID       ulid.ULID
	Name     string
	Path     string
	MimeType string
	Size     int64
}

// ReplyPreview is the condensed view of a replied-to message.
type ReplyPreview struct {
	ID         ulid.ULID
	SenderName string
	Content    string
}

// HydratedMessage is a message record enriched with sender display data,
// attachment metadata, and reply preview, ready for clients.
type HydratedMessage struct {
	ID             ulid.ULID
	ConversationID ulid.ULID
	Kind           ConversationKind
	SenderID       ulid.ULID
	SenderName     string
	SenderAvatar   string
	Content        string
	Files          []FileMeta
	Mentions       []ulid.ULID
	ReadBy         []ulid.ULID
	Reply          *ReplyPreview
	CreatedAt      time.Time
	EditedAt       *time.Time
}

// NewMessage is the input to CreateMessage.
type NewMessage struct {
	ConversationID ulid.ULID
	Kind           ConversationKind
	SenderID       ulid.ULID
	Content        string
	Mentions       []ulid.ULID
	FileIDs        []ulid.ULID
	ReplyTo        *ulid.ULID
}

// ChatStore is the transactional store the real-time core delegates to.
// Implementations must bound their own I/O timeouts; callers treat any
// error as a transient store failure.
type ChatStore interface {
	// IsParticipant reports whether userID is a member of the conversation.
	IsParticipant(ctx context.Context, userID, conversationID ulid.ULID, kind ConversationKind) (bool, error)

	// Participants returns the current member user ids of a conversation.
	Participants(ctx context.Context, conversationID ulid.ULID, kind ConversationKind) ([]ulid.ULID, error)

	// CreateMessage persists a message as a single atomic unit: the row,
	// file linkage, mentions, and the sender's auto read-mark either all
	// exist afterwards or none do. Returns the fully hydrated record.
	CreateMessage(ctx context.Context, msg NewMessage) (*HydratedMessage, error)

	// GetMessage returns a hydrated message, or ErrNotFound.
	GetMessage(ctx context.Context, messageID ulid.ULID) (*HydratedMessage, error)

	// UpdateMessageContent replaces a message's content and stamps the edit
	// time, returning the re-hydrated record.
	UpdateMessageContent(ctx context.Context, messageID ulid.ULID, content string) (*HydratedMessage, error)

	// DeleteMessage removes a message and its linkage rows.
	DeleteMessage(ctx context.Context, messageID ulid.ULID) error

	// MarkMessagesRead records read marks for userID on the given messages.
	// Already-read messages are skipped, not errored.
	MarkMessagesRead(ctx context.Context, userID, conversationID ulid.ULID, kind ConversationKind, messageIDs []ulid.ULID) error

	// GetUserDetails returns display data for a user, or ErrNotFound.
	GetUserDetails(ctx context.Context, userID ulid.ULID) (UserDetails, error)

	// SetOnlineStatus persists the derived online flag on the user record.
	SetOnlineStatus(ctx context.Context, userID ulid.ULID, online bool) error
}
