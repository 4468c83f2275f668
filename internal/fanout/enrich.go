package fanout

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/vooli/internal/helpers"
	"github.com/mohammad-safakhou/vooli/internal/store"
	providermodels "github.com/mohammad-safakhou/vooli/provider/models"
	fetchmodels "github.com/mohammad-safakhou/vooli/tools/web_fetch/models"
	"github.com/mohammad-safakhou/vooli/utils"
	"go.uber.org/zap"
)

type Scraper interface {
	Exec(ctx context.Context, url string) (fetchmodels.Result, error)
}

type Completer interface {
	GenerateObject(ctx context.Context, req providermodels.ObjectRequest, out any) error
}

type ProductWriter interface {
	CreateProduct(ctx context.Context, p store.Product) (string, error)
}

type Indexer interface {
	Index(id string, p store.Product) error
}

const extractSystem = "You are a product data extractor for a shopping assistant. " +
	"Given the content of a single storefront page, return the product it sells. " +
	"product_price must include the currency, for example \"$199.99\" or \"149,00 EUR\". " +
	"product_image_url must be an absolute URL. Use an empty string for anything the page does not state."

var productSchema = providermodels.Schema{
	Name:        "product",
	Description: "Structured product record extracted from a storefront page.",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"product_name":        map[string]any{"type": "string"},
			"product_description": map[string]any{"type": "string"},
			"product_price":       map[string]any{"type": "string", "description": "Price with currency."},
			"product_image_url":   map[string]any{"type": "string"},
		},
		"required":             []string{"product_name", "product_description", "product_price", "product_image_url"},
		"additionalProperties": false,
	},
}

type extracted struct {
	Name        string `json:"product_name"`
	Description string `json:"product_description"`
	Price       string `json:"product_price"`
	ImageURL    string `json:"product_image_url"`
}

// plain strips markup the model copied from the page.
func (x extracted) plain() extracted {
	return extracted{
		Name:        helpers.PlainText(x.Name),
		Description: helpers.PlainText(x.Description),
		Price:       helpers.PlainText(x.Price),
		ImageURL:    strings.TrimSpace(x.ImageURL),
	}
}

func (x extracted) complete() bool {
	for _, v := range []string{x.Name, x.Description, x.Price, x.ImageURL} {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// Enricher turns a bare product URL into a persisted product record.
type Enricher struct {
	Scraper   Scraper
	Completer Completer
	Writer    ProductWriter
	// Indexer is optional.
	Indexer Indexer
	Logger  *zap.Logger
}

func (en *Enricher) logger() *zap.Logger {
	if en.Logger == nil {
		return zap.NewNop()
	}
	return en.Logger
}

// Enrich is a Task.
func (en *Enricher) Enrich(ctx context.Context, url, ownerID string) Outcome {
	log := en.logger().With(zap.String("url", url), zap.String("message_id", ownerID))

	page, err := en.Scraper.Exec(ctx, url)
	if err == nil && !page.Success {
		err = fmt.Errorf("scrape failed (status %d): %s", page.Status, page.Error)
	}
	if err != nil {
		log.Warn("scrape failed", zap.Error(err))
		return Outcome{URL: url, Status: StatusScrapeFailed, Err: err}
	}

	var x extracted
	if err := en.Completer.GenerateObject(ctx, providermodels.ObjectRequest{
		System: extractSystem,
		Prompt: extractPrompt(page),
		Schema: productSchema,
	}, &x); err != nil {
		log.Warn("product extraction failed", zap.Error(err))
		return Outcome{URL: url, Status: StatusExtractFailed, Err: err}
	}
	x = x.plain()
	if !x.complete() {
		log.Info("dropping incomplete product", zap.String("name", x.Name))
		return Outcome{URL: url, Status: StatusIncomplete, Err: fmt.Errorf("incomplete product fields")}
	}

	storeName := helpers.PlainText(page.SiteName)
	if storeName == "" {
		storeName = utils.HostOf(url)
	}
	p := store.Product{
		MessageID:   ownerID,
		Name:        x.Name,
		Description: x.Description,
		Price:       x.Price,
		StoreName:   storeName,
		URL:         url,
		ImageURL:    x.ImageURL,
	}
	id, err := en.Writer.CreateProduct(ctx, p)
	if err != nil {
		log.Error("persist product failed", zap.Error(err))
		return Outcome{URL: url, Status: StatusPersistFailed, Product: &p, Err: err}
	}
	p.ID = id
	if en.Indexer != nil {
		if err := en.Indexer.Index(id, p); err != nil {
			log.Warn("catalog index failed", zap.Error(err))
		}
	}
	return Outcome{URL: url, Status: StatusEnriched, Product: &p}
}

func extractPrompt(page fetchmodels.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n", page.URL)
	if page.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", page.Title)
	}
	if page.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", page.Description)
	}
	if page.TopImage != "" {
		fmt.Fprintf(&b, "Image: %s\n", page.TopImage)
	}
	if len(page.Meta) > 0 {
		keys := make([]string, 0, len(page.Meta))
		for k := range page.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Meta:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, page.Meta[k])
		}
	}
	b.WriteString("\nPage content:\n")
	b.WriteString(page.Text)
	return b.String()
}
