package pipeline

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/vooli/provider/models"
	searchmodels "github.com/mohammad-safakhou/vooli/tools/web_search/models"
)

const intentSystem = "You are the front desk of a shopping assistant. " +
	"Decide whether the user is asking for help choosing or buying a product. " +
	"If they are, set intentIsProductReview to true and write up to three web search queries " +
	"that would find independent reviews of the products they need. " +
	"Otherwise set intentIsProductReview to false and return an empty list."

var intentSchema = models.Schema{
	Name:        "intent",
	Description: "Whether the message asks for product advice, and the review queries to run.",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intentIsProductReview": map[string]any{"type": "boolean"},
			"queries": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required":             []string{"intentIsProductReview", "queries"},
		"additionalProperties": false,
	},
}

type intentObject struct {
	IntentIsProductReview bool     `json:"intentIsProductReview"`
	Queries               []string `json:"queries"`
}

const querySystem = "You turn product review summaries into storefront searches. " +
	"Name the specific products the reviews recommend and phrase each query the way a shopper " +
	"would type it into an online store, for example \"Sony WH-1000XM5 buy online\". " +
	"Return at most five queries."

var querySchema = models.Schema{
	Name:        "product_queries",
	Description: "Storefront search queries for the recommended products.",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"queries": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required":             []string{"queries"},
		"additionalProperties": false,
	},
}

type queryObject struct {
	Queries []string `json:"queries"`
}

const answerSystem = "You are a friendly shopping assistant. Recommend products and the stores " +
	"that sell them using only the reviews and search results you are given. " +
	"Mention the store for every product you recommend."

func reviewAnswers(responses []searchmodels.Response) []string {
	out := make([]string, 0, len(responses))
	for _, r := range responses {
		out = append(out, r.Answer)
	}
	return out
}

func queryDerivationPrompt(responses []searchmodels.Response) string {
	return "Product reviews:\n" + strings.Join(reviewAnswers(responses), "\n")
}

func productLines(responses []searchmodels.Response) string {
	var lines []string
	for _, resp := range responses {
		for _, res := range resp.Results {
			lines = append(lines, fmt.Sprintf("Title: %s\nURL: %s", res.Title, res.URL))
		}
	}
	return strings.Join(lines, "\n")
}

// answerPrompt keeps review answers and product pairs in query order; the
// model is told the Nth answer belongs to the Nth review query.
func answerPrompt(message string, reviews, products []searchmodels.Response) string {
	var b strings.Builder
	b.WriteString("User message:\n")
	b.WriteString(message)
	b.WriteString("\n\nReviews:\n")
	b.WriteString(strings.Join(reviewAnswers(reviews), "\n"))
	b.WriteString("\n\nProducts:\n")
	b.WriteString(productLines(products))
	b.WriteString("\n\nAnswer in the same language as the user message.")
	return b.String()
}
