package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"roomcast/internal/chat"
)

const messageColumns = `id, room_id, sender_id, type, content, file_id, ai_kind, mentions, ts, deleted, temp_id`

// BulkInsert writes a batch of messages in one transaction. Ids already
// present are skipped, so a retried batch never duplicates history.
func (s *Store) BulkInsert(ctx context.Context, msgs []chat.Message) ([]string, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO messages(`+messageColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		var mentions []byte
		if len(msg.Mentions) > 0 {
			if mentions, err = json.Marshal(msg.Mentions); err != nil {
				return nil, err
			}
		}
		if _, err = stmt.ExecContext(ctx, msg.ID, msg.RoomID, msg.SenderID, string(msg.Type), msg.Content,
			msg.FileID, msg.AIKind, string(mentions), msg.Timestamp.UnixMilli(), boolToInt(msg.Deleted), msg.TempID); err != nil {
			return nil, fmt.Errorf("insert message %s: %w", msg.ID, err)
		}
		ids = append(ids, msg.ID)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// RangeQuery returns up to limit non-deleted messages of a room strictly older
// than before, newest first. A zero before starts from the newest message.
func (s *Store) RangeQuery(ctx context.Context, roomID string, before time.Time, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		return []chat.Message{}, nil
	}
	cursor := int64(1<<63 - 1)
	if !before.IsZero() {
		cursor = before.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE room_id = ? AND deleted = 0 AND ts < ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, roomID, cursor, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachDetails(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// GetMessage fetches one message, deleted or not, with readers and reactions.
func (s *Store) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return chat.Message{}, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return chat.Message{}, err
	}
	if len(msgs) == 0 {
		return chat.Message{}, fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
	}
	if err := s.attachDetails(ctx, msgs); err != nil {
		return chat.Message{}, err
	}
	return msgs[0], nil
}

// SoftDeleteMessage hides a message from history. Only its sender may delete it.
func (s *Store) SoftDeleteMessage(ctx context.Context, id, userID string) (chat.Message, error) {
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return chat.Message{}, err
	}
	if msg.Deleted {
		return chat.Message{}, fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
	}
	if msg.SenderID != userID {
		return chat.Message{}, fmt.Errorf("message %s belongs to another user: %w", id, chat.ErrForbidden)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET deleted = 1 WHERE id = ?`, id); err != nil {
		return chat.Message{}, err
	}
	msg.Deleted = true
	return msg, nil
}

// MarkRead records userID as a reader of each existing message and returns
// how many reads were newly recorded.
func (s *Store) MarkRead(ctx context.Context, ids []string, userID string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO message_readers(message_id, user_id, read_at)
		SELECT id, ?, ? FROM messages WHERE id = ? AND deleted = 0
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	updated := 0
	for _, id := range ids {
		var res sql.Result
		if res, err = stmt.ExecContext(ctx, userID, at.UnixMilli(), id); err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return updated, nil
}

// AddReaction records emoji from userID on a message and returns the full
// reaction map. Adding the same reaction twice is a no-op.
func (s *Store) AddReaction(ctx context.Context, messageID, emoji, userID string) (map[string][]string, error) {
	if err := s.requireLiveMessage(ctx, messageID); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_reactions(message_id, emoji, user_id, created_at) VALUES(?, ?, ?, ?)
	`, messageID, emoji, userID, time.Now().UnixMilli()); err != nil {
		return nil, err
	}
	return s.reactions(ctx, messageID)
}

// RemoveReaction removes emoji from userID on a message and returns the full
// reaction map.
func (s *Store) RemoveReaction(ctx context.Context, messageID, emoji, userID string) (map[string][]string, error) {
	if err := s.requireLiveMessage(ctx, messageID); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM message_reactions WHERE message_id = ? AND emoji = ? AND user_id = ?
	`, messageID, emoji, userID); err != nil {
		return nil, err
	}
	return s.reactions(ctx, messageID)
}

func (s *Store) requireLiveMessage(ctx context.Context, id string) error {
	var deleted int
	err := s.db.QueryRowContext(ctx, `SELECT deleted FROM messages WHERE id = ?`, id).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) || deleted != 0 {
		return fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
	}
	return err
}

func (s *Store) reactions(ctx context.Context, messageID string) (map[string][]string, error) {
	byMessage, err := s.reactionsFor(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	if r := byMessage[messageID]; r != nil {
		return r, nil
	}
	return map[string][]string{}, nil
}

func (s *Store) attachDetails(ctx context.Context, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	readers, err := s.readersFor(ctx, ids)
	if err != nil {
		return err
	}
	reactions, err := s.reactionsFor(ctx, ids)
	if err != nil {
		return err
	}
	for i := range msgs {
		msgs[i].Readers = readers[msgs[i].ID]
		msgs[i].Reactions = reactions[msgs[i].ID]
	}
	return nil
}

func (s *Store) readersFor(ctx context.Context, ids []string) (map[string][]chat.Reader, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, read_at FROM message_readers
		WHERE message_id IN (`+placeholders(len(ids))+`)
		ORDER BY read_at ASC
	`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]chat.Reader)
	for rows.Next() {
		var (
			id     string
			reader chat.Reader
			readAt int64
		)
		if err := rows.Scan(&id, &reader.UserID, &readAt); err != nil {
			return nil, err
		}
		reader.ReadAt = time.UnixMilli(readAt).UTC()
		out[id] = append(out[id], reader)
	}
	return out, rows.Err()
}

func (s *Store) reactionsFor(ctx context.Context, ids []string) (map[string]map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, emoji, user_id FROM message_reactions
		WHERE message_id IN (`+placeholders(len(ids))+`)
		ORDER BY created_at ASC, user_id ASC
	`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]map[string][]string)
	for rows.Next() {
		var id, emoji, user string
		if err := rows.Scan(&id, &emoji, &user); err != nil {
			return nil, err
		}
		if out[id] == nil {
			out[id] = make(map[string][]string)
		}
		out[id][emoji] = append(out[id][emoji], user)
	}
	return out, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]chat.Message, error) {
	defer rows.Close()
	msgs := []chat.Message{}
	for rows.Next() {
		var (
			msg      chat.Message
			kind     string
			mentions string
			ts       int64
			deleted  int
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &kind, &msg.Content, &msg.FileID,
			&msg.AIKind, &mentions, &ts, &deleted, &msg.TempID); err != nil {
			return nil, err
		}
		msg.Type = chat.MessageType(kind)
		msg.Timestamp = time.UnixMilli(ts).UTC()
		msg.Deleted = deleted != 0
		if mentions != "" {
			if err := json.Unmarshal([]byte(mentions), &msg.Mentions); err != nil {
				return nil, fmt.Errorf("decode mentions of %s: %w", msg.ID, err)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
