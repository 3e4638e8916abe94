package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"medchat/internal/models"
)

// MessageStore is the durable, append-only per-user message log.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

const insertMessageSQL = `INSERT INTO messages (user_id, sender, content_type, content, timestamp) VALUES (?, ?, ?, ?, ?)`

// Append inserts one message, filling in the timestamp when zero, and
// returns the assigned id.
func (s *MessageStore) Append(ctx context.Context, msg *models.Message) (int64, error) {
	if err := prepareMessage(msg); err != nil {
		return 0, wrap("append message", err)
	}
	res, err := s.db.ExecContext(ctx, insertMessageSQL,
		msg.UserID, msg.Sender, msg.ContentType, msg.Content, msg.Timestamp,
	)
	if err != nil {
		return 0, wrap("append message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap("message id", err)
	}
	msg.ID = id
	return id, nil
}

// AppendBatch inserts all messages in one transaction. Either every message
// becomes visible or none does. Ids are returned in input order.
func (s *MessageStore) AppendBatch(ctx context.Context, msgs []*models.Message) (ids []int64, err error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	for _, msg := range msgs {
		if err := prepareMessage(msg); err != nil {
			return nil, wrap("append batch", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("begin batch", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertMessageSQL)
	if err != nil {
		return nil, wrap("prepare batch", err)
	}
	defer stmt.Close()

	ids = make([]int64, 0, len(msgs))
	for _, msg := range msgs {
		res, execErr := stmt.ExecContext(ctx, msg.UserID, msg.Sender, msg.ContentType, msg.Content, msg.Timestamp)
		if execErr != nil {
			err = wrap("append batch", execErr)
			return nil, err
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			err = wrap("message id", idErr)
			return nil, err
		}
		ids = append(ids, id)
	}
	if err = tx.Commit(); err != nil {
		err = wrap("commit batch", err)
		return nil, err
	}
	for i, msg := range msgs {
		msg.ID = ids[i]
	}
	return ids, nil
}

// RecentByUser returns up to limit of the user's most recent messages in
// ascending chronological order.
func (s *MessageStore) RecentByUser(ctx context.Context, userID int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, sender, content_type, content, timestamp FROM messages
		 WHERE user_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, wrap("recent messages", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, wrap("recent messages", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AllByUser returns the user's full history, oldest first.
func (s *MessageStore) AllByUser(ctx context.Context, userID int64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, sender, content_type, content, timestamp FROM messages
		 WHERE user_id = ? ORDER BY timestamp ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	return msgs, nil
}

// DeleteAllByUser removes every message of the user atomically and reports
// how many were removed.
func (s *MessageStore) DeleteAllByUser(ctx context.Context, userID int64) (count int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("begin delete", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ?`, userID)
	if err != nil {
		err = wrap("delete messages", err)
		return 0, err
	}
	count, err = res.RowsAffected()
	if err != nil {
		err = wrap("delete rows affected", err)
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		err = wrap("commit delete", err)
		return 0, err
	}
	return count, nil
}

func prepareMessage(msg *models.Message) error {
	if msg == nil {
		return errors.New("message cannot be nil")
	}
	if msg.UserID <= 0 {
		return errors.New("user_id is required")
	}
	if !msg.Sender.Valid() {
		return fmt.Errorf("invalid sender %q", msg.Sender)
	}
	if msg.ContentType == "" {
		msg.ContentType = models.ContentText
	}
	if !msg.ContentType.Valid() {
		return fmt.Errorf("invalid content type %q", msg.ContentType)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return errors.New("content cannot be empty")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	} else {
		msg.Timestamp = msg.Timestamp.UTC()
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	msgs := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Sender, &m.ContentType, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
