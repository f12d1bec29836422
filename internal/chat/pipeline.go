// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/candorchat/candor/internal/store"
)

// DefaultMaxContentLen bounds message content, in runes.
const DefaultMaxContentLen = 2000

// Pipeline validates, authorizes, persists, and fans out message operations.
// Inputs arrive wire-shaped (string ids) and every rejection carries one of
// the failure codes; the transport maps the code straight onto the
// operation's *Failed event. No lock is held here: shared state lives in the
// collaborators, each safe on its own.
type Pipeline struct {
	store      store.ChatStore
	hub        *Hub
	limiter    *SendLimiter
	maxContent int
}

// NewPipeline wires the fan-out pipeline. A non-positive maxContentLen falls
// back to DefaultMaxContentLen.
func NewPipeline(st store.ChatStore, hub *Hub, limiter *SendLimiter, maxContentLen int) *Pipeline {
	if maxContentLen <= 0 {
		maxContentLen = DefaultMaxContentLen
	}
	return &Pipeline{store: st, hub: hub, limiter: limiter, maxContent: maxContentLen}
}

// SendMessageInput is the wire payload of sendMessage.
type SendMessageInput struct {
	SenderID           string   `json:"senderId"`
	DialogID           string   `json:"dialogId"`
	GroupID            string   `json:"groupId"`
	Content            string   `json:"content"`
	Mentions           []string `json:"mentions"`
	FileIDs            []string `json:"fileIds"`
	RepliedToMessageID string   `json:"repliedToMessageId"`
}

// SendMessage runs the full pipeline for one message. Validation fails fast
// in a fixed order; nothing is persisted or broadcast before every check
// passes. On success the hydrated record is broadcast to the target room,
// fresh participants are notified, mentioned users are notified, and the
// sender's auto-read is announced, in that order.
func (p *Pipeline) SendMessage(ctx context.Context, sess Session, in SendMessageInput) error {
	if err := checkSender(sess, in.SenderID); err != nil {
		return err
	}

	kind, rawTarget, err := singleTarget(in.DialogID, in.GroupID)
	if err != nil {
		return err
	}

	content := strings.TrimSpace(in.Content)
	if content == "" && len(in.FileIDs) == 0 {
		return oops.Code(CodeEmptyMessage).
			Errorf("message has neither content nor attachments")
	}

	targetID, err := ParseID(string(kind)+"Id", rawTarget)
	if err != nil {
		return err
	}
	mentions, err := ParseIDs("mentions", in.Mentions)
	if err != nil {
		return err
	}
	fileIDs, err := ParseIDs("fileIds", in.FileIDs)
	if err != nil {
		return err
	}
	var replyTo *ulid.ULID
	if in.RepliedToMessageID != "" {
		id, err := ParseID("repliedToMessageId", in.RepliedToMessageID)
		if err != nil {
			return err
		}
		replyTo = &id
	}

	if n := len([]rune(content)); n > p.maxContent {
		return oops.Code(CodeContentTooLong).
			With("length", n).
			With("limit", p.maxContent).
			Errorf("message content too long")
	}

	if !p.limiter.Allow(sess.UserID) {
		return oops.Code(CodeRateLimitExceeded).
			With("user_id", sess.UserID.String()).
			Errorf("send rate limit exceeded")
	}

	target := Target{Kind: kind, ID: targetID}
	if err := p.requireParticipant(ctx, sess.UserID, target); err != nil {
		return err
	}

	if replyTo != nil {
		replied, err := p.store.GetMessage(ctx, *replyTo)
		if errors.Is(err, store.ErrNotFound) {
			return oops.Code(CodeInvalidReplyID).
				With("message_id", replyTo.String()).
				Errorf("replied-to message not found")
		}
		if err != nil {
			return storeError(err, "looking up replied-to message")
		}
		if replied.ConversationID != targetID {
			return oops.Code(CodeInvalidReplyID).
				With("message_id", replyTo.String()).
				Errorf("replied-to message belongs to another conversation")
		}
	}

	msg, err := p.store.CreateMessage(ctx, store.NewMessage{
		ConversationID: targetID,
		Kind:           kind,
		SenderID:       sess.UserID,
		Content:        content,
		Mentions:       mentions,
		FileIDs:        fileIDs,
		ReplyTo:        replyTo,
	})
	if err != nil {
		return storeError(err, "persisting message")
	}

	p.fanOutNewMessage(ctx, sess, target, msg)
	return nil
}

// fanOutNewMessage performs the post-persistence broadcast sequence. Each
// step is best-effort relative to the next; delivery failures never undo the
// persisted message.
func (p *Pipeline) fanOutNewMessage(ctx context.Context, sess Session, target Target, msg *store.HydratedMessage) {
	payload := messageToPayload(msg)
	p.hub.Broadcast(target.Room(), Outbound{Event: EventNewMessage, Data: payload})

	// Participants are fetched fresh so removed members are never notified.
	participants, err := p.store.Participants(ctx, target.ID, target.Kind)
	if err != nil {
		slog.Warn("participant fetch for notifications failed",
			"conversation_id", target.ID.String(),
			"error", err)
	} else {
		notif := NotificationPayload{
			Type:           NotificationNewMessage,
			ConversationID: target.ID.String(),
			Kind:           string(target.Kind),
			MessageID:      msg.ID.String(),
			SenderID:       sess.UserID.String(),
			SenderName:     msg.SenderName,
			Preview:        preview(msg.Content),
		}
		for _, userID := range participants {
			if userID == sess.UserID {
				continue
			}
			if !p.hub.Unicast(UserRoom(userID), Outbound{Event: EventNotification, Data: notif}) {
				slog.Debug("notification target offline",
					"user_id", userID.String(),
					"conversation_id", target.ID.String())
			}
		}
	}

	if len(msg.Mentions) > 0 {
		mention := NotificationPayload{
			Type:           NotificationMention,
			ConversationID: target.ID.String(),
			Kind:           string(target.Kind),
			MessageID:      msg.ID.String(),
			SenderID:       sess.UserID.String(),
			SenderName:     msg.SenderName,
			Preview:        preview(msg.Content),
		}
		for _, userID := range msg.Mentions {
			if userID == sess.UserID {
				continue
			}
			if !p.hub.Unicast(UserRoom(userID), Outbound{Event: EventNotification, Data: mention}) {
				slog.Debug("mention target offline",
					"user_id", userID.String(),
					"conversation_id", target.ID.String())
			}
		}
	}

	p.hub.Broadcast(target.Room(), Outbound{Event: EventMessageReadUpdate, Data: ReadUpdatePayload{
		ConversationID: target.ID.String(),
		Kind:           string(target.Kind),
		UserID:         sess.UserID.String(),
		MessageIDs:     []string{msg.ID.String()},
		ReadAt:         msg.CreatedAt,
	}})
}

// EditMessageInput is the wire payload of editMessage.
type EditMessageInput struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// EditMessage replaces a message's content. Only the original sender may
// edit; the update is broadcast to the conversation room only.
func (p *Pipeline) EditMessage(ctx context.Context, sess Session, in EditMessageInput) error {
	messageID, err := ParseID("messageId", in.MessageID)
	if err != nil {
		return err
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return oops.Code(CodeEmptyMessage).
			Errorf("edited content is empty")
	}
	if n := len([]rune(content)); n > p.maxContent {
		return oops.Code(CodeContentTooLong).
			With("length", n).
			With("limit", p.maxContent).
			Errorf("edited content too long")
	}

	existing, err := p.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if existing.SenderID != sess.UserID {
		return oops.Code(CodeAccessDenied).
			With("message_id", messageID.String()).
			Errorf("only the sender may edit a message")
	}

	updated, err := p.store.UpdateMessageContent(ctx, messageID, content)
	if err != nil {
		return storeError(err, "updating message content")
	}

	room, err := ConversationRoom(updated.Kind, updated.ConversationID)
	if err != nil {
		return err
	}
	p.hub.Broadcast(room, Outbound{Event: EventMessageEdited, Data: messageToPayload(updated)})
	return nil
}

// DeleteMessageInput is the wire payload of deleteMessage.
type DeleteMessageInput struct {
	MessageID string `json:"messageId"`
}

// DeleteMessage removes a message. Only the original sender may delete; the
// removal is broadcast to the conversation room only.
func (p *Pipeline) DeleteMessage(ctx context.Context, sess Session, in DeleteMessageInput) error {
	messageID, err := ParseID("messageId", in.MessageID)
	if err != nil {
		return err
	}

	existing, err := p.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if existing.SenderID != sess.UserID {
		return oops.Code(CodeAccessDenied).
			With("message_id", messageID.String()).
			Errorf("only the sender may delete a message")
	}

	if err := p.store.DeleteMessage(ctx, messageID); err != nil {
		return storeError(err, "deleting message")
	}

	room, err := ConversationRoom(existing.Kind, existing.ConversationID)
	if err != nil {
		return err
	}
	p.hub.Broadcast(room, Outbound{Event: EventMessageDeleted, Data: MessageDeletedPayload{
		ConversationID: existing.ConversationID.String(),
		Kind:           string(existing.Kind),
		MessageID:      messageID.String(),
	}})
	return nil
}

// MarkReadInput is the wire payload of markMessagesAsRead.
type MarkReadInput struct {
	DialogID   string   `json:"dialogId"`
	GroupID    string   `json:"groupId"`
	MessageIDs []string `json:"messageIds"`
}

// MarkRead persists read marks for the session's user and broadcasts
// messagesRead to the target room.
func (p *Pipeline) MarkRead(ctx context.Context, sess Session, in MarkReadInput) error {
	kind, rawTarget, err := singleTarget(in.DialogID, in.GroupID)
	if err != nil {
		return err
	}
	targetID, err := ParseID(string(kind)+"Id", rawTarget)
	if err != nil {
		return err
	}
	if len(in.MessageIDs) == 0 {
		return oops.Code(CodeInvalidInput).
			Errorf("no message ids to mark read")
	}
	messageIDs, err := ParseIDs("messageIds", in.MessageIDs)
	if err != nil {
		return err
	}

	target := Target{Kind: kind, ID: targetID}
	if err := p.requireParticipant(ctx, sess.UserID, target); err != nil {
		return err
	}

	if err := p.store.MarkMessagesRead(ctx, sess.UserID, targetID, kind, messageIDs); err != nil {
		return storeError(err, "marking messages read")
	}

	p.hub.Broadcast(target.Room(), Outbound{Event: EventMessagesRead, Data: ReadUpdatePayload{
		ConversationID: targetID.String(),
		Kind:           string(kind),
		UserID:         sess.UserID.String(),
		MessageIDs:     idStrings(messageIDs),
		ReadAt:         time.Now().UTC(),
	}})
	return nil
}

// ForwardInput is the wire payload of forwardMessages.
type ForwardInput struct {
	MessageIDs []string `json:"messageIds"`
	DialogIDs  []string `json:"dialogIds"`
	GroupIDs   []string `json:"groupIds"`
}

// ForwardResult reports, per target conversation, the newly created message
// ids. Pairs that failed mid-run are absent from the lists.
type ForwardResult struct {
	Created map[string][]string `json:"created"`
}

// Forward copies the given messages into every target conversation. All
// targets are authorized before any message is touched; afterwards each
// (message, target) pair is processed independently so one failing pair does
// not corrupt the accounting of the others.
func (p *Pipeline) Forward(ctx context.Context, sess Session, in ForwardInput) (*ForwardResult, error) {
	if len(in.MessageIDs) == 0 {
		return nil, oops.Code(CodeInvalidInput).
			Errorf("no messages to forward")
	}
	if len(in.DialogIDs) == 0 && len(in.GroupIDs) == 0 {
		return nil, oops.Code(CodeMissingID).
			Errorf("no forward targets specified")
	}

	messageIDs, err := ParseIDs("messageIds", in.MessageIDs)
	if err != nil {
		return nil, err
	}
	dialogIDs, err := ParseIDs("dialogIds", in.DialogIDs)
	if err != nil {
		return nil, err
	}
	groupIDs, err := ParseIDs("groupIds", in.GroupIDs)
	if err != nil {
		return nil, err
	}

	targets := make([]Target, 0, len(dialogIDs)+len(groupIDs))
	for _, id := range dialogIDs {
		targets = append(targets, Target{Kind: store.KindDialog, ID: id})
	}
	for _, id := range groupIDs {
		targets = append(targets, Target{Kind: store.KindGroup, ID: id})
	}
	for _, t := range targets {
		if err := p.requireParticipant(ctx, sess.UserID, t); err != nil {
			return nil, err
		}
	}

	sources := make([]*store.HydratedMessage, 0, len(messageIDs))
	for _, id := range messageIDs {
		msg, err := p.getMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		sources = append(sources, msg)
	}

	result := &ForwardResult{Created: make(map[string][]string)}
	for _, t := range targets {
		for _, src := range sources {
			created, err := p.store.CreateMessage(ctx, store.NewMessage{
				ConversationID: t.ID,
				Kind:           t.Kind,
				SenderID:       sess.UserID,
				Content:        src.Content,
				FileIDs:        fileIDsOf(src),
			})
			if err != nil {
				slog.Error("forwarding one message failed",
					"source_message_id", src.ID.String(),
					"target_id", t.ID.String(),
					"error", err)
				continue
			}
			result.Created[t.ID.String()] = append(result.Created[t.ID.String()], created.ID.String())
			p.fanOutNewMessage(ctx, sess, t, created)
		}
	}
	return result, nil
}

// getMessage maps a store miss to NOT_FOUND and any other failure to
// DB_ERROR.
func (p *Pipeline) getMessage(ctx context.Context, messageID ulid.ULID) (*store.HydratedMessage, error) {
	msg, err := p.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, oops.Code(CodeNotFound).
			With("message_id", messageID.String()).
			Errorf("message not found")
	}
	if err != nil {
		return nil, storeError(err, "loading message")
	}
	return msg, nil
}

// requireParticipant re-checks membership against the store; authorization
// is never answered from cache.
func (p *Pipeline) requireParticipant(ctx context.Context, userID ulid.ULID, target Target) error {
	ok, err := p.store.IsParticipant(ctx, userID, target.ID, target.Kind)
	if err != nil {
		return storeError(err, "checking participation")
	}
	if !ok {
		return oops.Code(CodeNotParticipant).
			With("user_id", userID.String()).
			With("conversation_id", target.ID.String()).
			Errorf("user is not a participant")
	}
	return nil
}

// checkSender enforces that an explicit senderId matches the authenticated
// session. An absent senderId defaults to the session's user.
func checkSender(sess Session, senderID string) error {
	if senderID == "" || senderID == sess.UserID.String() {
		return nil
	}
	return oops.Code(CodeAuthMismatch).
		With("claimed", senderID).
		With("session_user", sess.UserID.String()).
		Errorf("sender does not match session")
}

// singleTarget enforces exactly one of dialogId/groupId, returning the kind
// and the raw id for later parsing.
func singleTarget(dialogID, groupID string) (store.ConversationKind, string, error) {
	switch {
	case dialogID == "" && groupID == "":
		return "", "", oops.Code(CodeMissingID).
			Errorf("no conversation target specified")
	case dialogID != "" && groupID != "":
		return "", "", oops.Code(CodeInvalidInput).
			Errorf("both dialog and group targets specified")
	case dialogID != "":
		return store.KindDialog, dialogID, nil
	default:
		return store.KindGroup, groupID, nil
	}
}

func storeError(err error, doing string) error {
	return oops.Code(CodeDBError).
		Wrapf(err, "%s", doing)
}

func fileIDsOf(msg *store.HydratedMessage) []ulid.ULID {
	if len(msg.Files) == 0 {
		return nil
	}
	ids := make([]ulid.ULID, len(msg.Files))
	for i, f := range msg.Files {
		ids[i] = f.ID
	}
	return ids
}

// preview truncates content for notification payloads.
func preview(content string) string {
	const maxPreview = 120
	runes := []rune(content)
	if len(runes) <= maxPreview {
		return content
	}
	return string(runes[:maxPreview]) + "…"
}
