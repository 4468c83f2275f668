package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateMessage(ctx context.Context, chatID, role, content string) (Message, error) {
	m := Message{ChatID: chatID, Role: role, Content: content}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO messages (chat_id, content, role) VALUES ($1,$2,$3) RETURNING id, created_at`,
		chatID, content, role,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var m Message
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, chat_id, content, role, created_at FROM messages WHERE id=$1`,
		messageID,
	).Scan(&m.ID, &m.ChatID, &m.Content, &m.Role, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, messageID, content string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE messages SET content=$2, updated_at=NOW() WHERE id=$1`, messageID, content)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ListMessages returns a chat's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	query, args, err := psql.Select("id", "chat_id", "content", "role", "created_at").
		From("messages").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Content, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
