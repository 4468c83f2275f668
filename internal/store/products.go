package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateProduct(ctx context.Context, p Product) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO products (message_id, name, description, price, store_name, url, image_url) VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		p.MessageID, p.Name, p.Description, p.Price, nullString(p.StoreName), p.URL, p.ImageURL,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create product: %w", err)
	}
	return id, nil
}

// ListProductsByMessages groups products by owning message.
func (s *Store) ListProductsByMessages(ctx context.Context, messageIDs []string) (map[string][]Product, error) {
	out := map[string][]Product{}
	if len(messageIDs) == 0 {
		return out, nil
	}
	query, args, err := psql.Select("id", "message_id", "name", "description", "price", "store_name", "url", "image_url", "created_at").
		From("products").
		Where(sq.Eq{"message_id": messageIDs}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p Product
		var storeName sql.NullString
		if err := rows.Scan(&p.ID, &p.MessageID, &p.Name, &p.Description, &p.Price, &storeName, &p.URL, &p.ImageURL, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.StoreName = storeName.String
		out[p.MessageID] = append(out[p.MessageID], p)
	}
	return out, rows.Err()
}
