// Package catalog keeps an in-memory full-text index of the products this
// instance enriched, for quick lookups without touching Postgres.
package catalog

import (
	"fmt"
	"strings"

	"github.com/blevesearch/bleve"
	"github.com/mohammad-safakhou/vooli/internal/store"
)

type document struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	StoreName   string `json:"store_name"`
	Price       string `json:"price"`
	URL         string `json:"url"`
	ImageURL    string `json:"image_url"`
	MessageID   string `json:"message_id"`
}

type Hit struct {
	ID        string  `json:"id"`
	Score     float64 `json:"score"`
	Name      string  `json:"name"`
	Price     string  `json:"price"`
	StoreName string  `json:"store_name,omitempty"`
	URL       string  `json:"url"`
	ImageURL  string  `json:"image_url"`
	MessageID string  `json:"message_id"`
}

type Catalog struct {
	index bleve.Index
}

func New() (*Catalog, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create catalog index: %w", err)
	}
	return &Catalog{index: index}, nil
}

// Index adds or replaces p under id.
func (c *Catalog) Index(id string, p store.Product) error {
	return c.index.Index(id, document{
		Name:        p.Name,
		Description: p.Description,
		StoreName:   p.StoreName,
		Price:       p.Price,
		URL:         p.URL,
		ImageURL:    p.ImageURL,
		MessageID:   p.MessageID,
	})
}

func (c *Catalog) Search(q string, limit int) ([]Hit, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(q), limit, 0, false)
	req.Fields = []string{"*"}
	res, err := c.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search catalog: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		field := func(name string) string {
			if v, ok := h.Fields[name].(string); ok {
				return v
			}
			return ""
		}
		hits = append(hits, Hit{
			ID:        h.ID,
			Score:     h.Score,
			Name:      field("name"),
			Price:     field("price"),
			StoreName: field("store_name"),
			URL:       field("url"),
			ImageURL:  field("image_url"),
			MessageID: field("message_id"),
		})
	}
	return hits, nil
}

func (c *Catalog) Count() uint64 {
	n, _ := c.index.DocCount()
	return n
}

func (c *Catalog) Close() error { return c.index.Close() }
