package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateChat(ctx context.Context, userID, name string) (Chat, error) {
	c := Chat{UserID: userID, Name: name}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO chats (name, user_id) VALUES ($1,$2) RETURNING id, created_at, updated_at`,
		nullString(name), userID,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Chat{}, fmt.Errorf("create chat: %w", err)
	}
	return c, nil
}

// GetChat loads a chat owned by userID; other users' chats read as not found.
func (s *Store) GetChat(ctx context.Context, chatID, userID string) (Chat, error) {
	var c Chat
	var name sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, user_id, created_at, updated_at FROM chats WHERE id=$1 AND user_id=$2`,
		chatID, userID,
	).Scan(&c.ID, &name, &c.UserID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrChatNotFound
	}
	if err != nil {
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	c.Name = name.String
	return c, nil
}

func (s *Store) ListChats(ctx context.Context, userID string, limit, offset uint64) ([]Chat, error) {
	if limit == 0 {
		limit = 50
	}
	query, args, err := psql.Select("id", "name", "user_id", "created_at", "updated_at").
		From("chats").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("updated_at DESC").
		Limit(limit).
		Offset(offset).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()
	var out []Chat
	for rows.Next() {
		var c Chat
		var name sql.NullString
		if err := rows.Scan(&c.ID, &name, &c.UserID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Name = name.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// TouchChat bumps updated_at so recently used chats list first.
func (s *Store) TouchChat(ctx context.Context, chatID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE chats SET updated_at=NOW() WHERE id=$1`, chatID)
	return err
}
