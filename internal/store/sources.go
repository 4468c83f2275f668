package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateSource(ctx context.Context, src Source) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO sources (message_id, url, title, description) VALUES ($1,$2,$3,$4) RETURNING id`,
		src.MessageID, src.URL, nullString(src.Title), nullString(src.Description),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create source: %w", err)
	}
	return id, nil
}

func (s *Store) ListSourcesByMessages(ctx context.Context, messageIDs []string) (map[string][]Source, error) {
	out := map[string][]Source{}
	if len(messageIDs) == 0 {
		return out, nil
	}
	query, args, err := psql.Select("id", "message_id", "url", "title", "description", "created_at").
		From("sources").
		Where(sq.Eq{"message_id": messageIDs}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var src Source
		var title, desc sql.NullString
		if err := rows.Scan(&src.ID, &src.MessageID, &src.URL, &title, &desc, &src.CreatedAt); err != nil {
			return nil, err
		}
		src.Title, src.Description = title.String, desc.String
		out[src.MessageID] = append(out[src.MessageID], src)
	}
	return out, rows.Err()
}
