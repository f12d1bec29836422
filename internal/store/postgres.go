// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// poolIface abstracts the pgx pool so tests can substitute pgxmock.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// querier covers the read surface shared by the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresChatStore implements ChatStore on PostgreSQL.
type PostgresChatStore struct {
	pool poolIface
}

// NewPostgresChatStore connects a pool and verifies it with a ping.
func NewPostgresChatStore(ctx context.Context, dsn string) (*PostgresChatStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresChatStore{pool: pool}, nil
}

// Close closes the underlying pool when one is owned.
func (s *PostgresChatStore) Close() {
	if pool, ok := s.pool.(*pgxpool.Pool); ok {
		pool.Close()
	}
}

// IsParticipant reports whether the user is a member of the conversation of
// the given kind.
func (s *PostgresChatStore) IsParticipant(ctx context.Context, userID, conversationID ulid.ULID, kind ConversationKind) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM conversation_participants cp
		     JOIN conversations c ON c.id = cp.conversation_id
		     WHERE cp.conversation_id = $1 AND cp.user_id = $2 AND c.kind = $3
		 )`,
		conversationID.String(), userID.String(), string(kind)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check participation (conversation=%s, user=%s): %w",
			conversationID.String(), userID.String(), err)
	}
	return exists, nil
}

// Participants returns the member user ids of a conversation.
func (s *PostgresChatStore) Participants(ctx context.Context, conversationID ulid.ULID, kind ConversationKind) ([]ulid.ULID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT cp.user_id FROM conversation_participants cp
		 JOIN conversations c ON c.id = cp.conversation_id
		 WHERE cp.conversation_id = $1 AND c.kind = $2
		 ORDER BY cp.user_id`,
		conversationID.String(), string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query participants (conversation=%s): %w",
			conversationID.String(), err)
	}
	defer rows.Close()

	var participants []ulid.ULID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		id, err := ulid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt participant id in database (conversation=%s, id=%s): %w",
				conversationID.String(), idStr, err)
		}
		participants = append(participants, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participants: %w", err)
	}
	return participants, nil
}

// CreateMessage persists the message row, file links, mentions, and the
// sender's auto read-mark in one transaction, then returns the hydrated
// record. A foreign-key violation (unknown conversation, file, or user) maps
// to ErrNotFound.
func (s *PostgresChatStore) CreateMessage(ctx context.Context, msg NewMessage) (*HydratedMessage, error) {
	messageID := newID()
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, kind, sender_id, content, replied_to, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		messageID.String(),
		msg.ConversationID.String(),
		string(msg.Kind),
		msg.SenderID.String(),
		msg.Content,
		ulidToStringPtr(msg.ReplyTo),
		now,
	)
	if err != nil {
		return nil, mapConstraintErr(err, "failed to insert message")
	}

	for _, fileID := range msg.FileIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO message_files (message_id, file_id) VALUES ($1, $2)`,
			messageID.String(), fileID.String())
		if err != nil {
			return nil, mapConstraintErr(err, "failed to link file")
		}
	}

	for _, mentioned := range msg.Mentions {
		_, err = tx.Exec(ctx,
			`INSERT INTO message_mentions (message_id, user_id) VALUES ($1, $2)`,
			messageID.String(), mentioned.String())
		if err != nil {
			return nil, mapConstraintErr(err, "failed to record mention")
		}
	}

	// The sender has read their own message by definition.
	_, err = tx.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at) VALUES ($1, $2, $3)`,
		messageID.String(), msg.SenderID.String(), now)
	if err != nil {
		return nil, mapConstraintErr(err, "failed to record sender read mark")
	}

	hydratedMsg, err := hydrate(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return hydratedMsg, nil
}

// GetMessage returns a hydrated message, or ErrNotFound.
func (s *PostgresChatStore) GetMessage(ctx context.Context, messageID ulid.ULID) (*HydratedMessage, error) {
	return hydrate(ctx, s.pool, messageID)
}

// UpdateMessageContent replaces the content and stamps the edit time.
func (s *PostgresChatStore) UpdateMessageContent(ctx context.Context, messageID ulid.ULID, content string) (*HydratedMessage, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1`,
		messageID.String(), content, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to update message (id=%s): %w", messageID.String(), err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return hydrate(ctx, s.pool, messageID)
}

// DeleteMessage removes a message; linkage rows go with it via cascade.
func (s *PostgresChatStore) DeleteMessage(ctx context.Context, messageID ulid.ULID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE id = $1`, messageID.String())
	if err != nil {
		return fmt.Errorf("failed to delete message (id=%s): %w", messageID.String(), err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMessagesRead records read marks, skipping messages already read and
// messages outside the given conversation.
func (s *PostgresChatStore) MarkMessagesRead(ctx context.Context, userID, conversationID ulid.ULID, kind ConversationKind, messageIDs []ulid.ULID) error {
	ids := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = id.String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 SELECT m.id, $2, $4 FROM messages m
		 WHERE m.id = ANY($1) AND m.conversation_id = $3
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		ids, userID.String(), conversationID.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark messages read (conversation=%s, user=%s): %w",
			conversationID.String(), userID.String(), err)
	}
	return nil
}

// GetUserDetails returns display data for a user, or ErrNotFound.
func (s *PostgresChatStore) GetUserDetails(ctx context.Context, userID ulid.ULID) (UserDetails, error) {
	var details UserDetails
	err := s.pool.QueryRow(ctx,
		`SELECT username, COALESCE(avatar_path, '') FROM users WHERE id = $1`,
		userID.String()).Scan(&details.Username, &details.AvatarPath)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserDetails{}, ErrNotFound
	}
	if err != nil {
		return UserDetails{}, fmt.Errorf("failed to query user details (id=%s): %w", userID.String(), err)
	}
	return details, nil
}

// SetOnlineStatus persists the derived online flag.
func (s *PostgresChatStore) SetOnlineStatus(ctx context.Context, userID ulid.ULID, online bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET is_online = $2 WHERE id = $1`,
		userID.String(), online)
	if err != nil {
		return fmt.Errorf("failed to set online status (id=%s): %w", userID.String(), err)
	}
	return nil
}

// hydrate loads a message with sender display data, attachments, mentions,
// read marks, and reply preview.
func hydrate(ctx context.Context, q querier, messageID ulid.ULID) (*HydratedMessage, error) {
	var (
		msg          HydratedMessage
		idStr        string
		convStr      string
		kindStr      string
		senderStr    string
		repliedTo    *string
		replySender  *string
		replyContent *string
	)
	err := q.QueryRow(ctx,
		`SELECT m.id, m.conversation_id, m.kind, m.sender_id,
		        u.username, COALESCE(u.avatar_path, ''),
		        m.content, m.created_at, m.edited_at,
		        m.replied_to, ru.username, rm.content
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 LEFT JOIN messages rm ON rm.id = m.replied_to
		 LEFT JOIN users ru ON ru.id = rm.sender_id
		 WHERE m.id = $1`,
		messageID.String()).Scan(
		&idStr, &convStr, &kindStr, &senderStr,
		&msg.SenderName, &msg.SenderAvatar,
		&msg.Content, &msg.CreatedAt, &msg.EditedAt,
		&repliedTo, &replySender, &replyContent,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message (id=%s): %w", messageID.String(), err)
	}

	if msg.ID, err = ulid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("corrupt message id in database (id=%s): %w", idStr, err)
	}
	if msg.ConversationID, err = ulid.Parse(convStr); err != nil {
		return nil, fmt.Errorf("corrupt conversation id in database (id=%s): %w", convStr, err)
	}
	if msg.SenderID, err = ulid.Parse(senderStr); err != nil {
		return nil, fmt.Errorf("corrupt sender id in database (id=%s): %w", senderStr, err)
	}
	msg.Kind = ConversationKind(kindStr)

	if repliedTo != nil {
		replyID, err := ulid.Parse(*repliedTo)
		if err != nil {
			return nil, fmt.Errorf("corrupt reply id in database (id=%s): %w", *repliedTo, err)
		}
		preview := ReplyPreview{ID: replyID}
		if replySender != nil {
			preview.SenderName = *replySender
		}
		if replyContent != nil {
			preview.Content = *replyContent
		}
		msg.Reply = &preview
	}

	if msg.Files, err = loadFiles(ctx, q, messageID); err != nil {
		return nil, err
	}
	if msg.Mentions, err = loadIDs(ctx, q,
		`SELECT user_id FROM message_mentions WHERE message_id = $1 ORDER BY user_id`,
		messageID); err != nil {
		return nil, err
	}
	if msg.ReadBy, err = loadIDs(ctx, q,
		`SELECT user_id FROM message_reads WHERE message_id = $1 ORDER BY user_id`,
		messageID); err != nil {
		return nil, err
	}
	return &msg, nil
}

func loadFiles(ctx context.Context, q querier, messageID ulid.ULID) ([]FileMeta, error) {
	rows, err := q.Query(ctx,
		`SELECT f.id, f.name, f.path, f.mime_type, f.size
		 FROM files f
		 JOIN message_files mf ON mf.file_id = f.id
		 WHERE mf.message_id = $1
		 ORDER BY f.id`,
		messageID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query message files (message=%s): %w", messageID.String(), err)
	}
	defer rows.Close()

	var files []FileMeta
	for rows.Next() {
		var (
			f     FileMeta
			idStr string
		)
		if err := rows.Scan(&idStr, &f.Name, &f.Path, &f.MimeType, &f.Size); err != nil {
			return nil, fmt.Errorf("failed to scan file row: %w", err)
		}
		if f.ID, err = ulid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("corrupt file id in database (id=%s): %w", idStr, err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}
	return files, nil
}

func loadIDs(ctx context.Context, q querier, sql string, messageID ulid.ULID) ([]ulid.ULID, error) {
	rows, err := q.Query(ctx, sql, messageID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query message links (message=%s): %w", messageID.String(), err)
	}
	defer rows.Close()

	var ids []ulid.ULID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("failed to scan id row: %w", err)
		}
		id, err := ulid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt id in database (id=%s): %w", idStr, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ids: %w", err)
	}
	return ids, nil
}

// mapConstraintErr turns foreign-key violations into ErrNotFound so callers
// see "referenced entity missing" rather than a raw SQL error.
func mapConstraintErr(err error, doing string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgerrcode.IsIntegrityConstraintViolation(pgErr.Code) {
		return fmt.Errorf("%s: %w", doing, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", doing, err)
}

func ulidToStringPtr(id *ulid.ULID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
