package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mohammad-safakhou/vooli/tools/web_search/models"
)

const defaultEndpoint = "https://api.tavily.com/search"

type Search struct {
	ApiKey   string
	Client   *http.Client
	Endpoint string
}

func (s Search) Search(ctx context.Context, q string, opts models.Options) (models.Response, error) {
	// https://docs.tavily.com/documentation/api-reference/endpoint/search
	payload := map[string]any{
		"query":          q,
		"max_results":    opts.MaxResults,
		"include_answer": opts.IncludeAnswer,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return models.Response{}, fmt.Errorf("marshal tavily request: %w", err)
	}
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return models.Response{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.ApiKey)
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return models.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return models.Response{}, &models.StatusError{Provider: "tavily", Code: resp.StatusCode, Body: string(b)}
	}

	var raw struct {
		Query   string `json:"query"`
		Answer  string `json:"answer"`
		Results []struct {
			Title   string  `json:"title"`
			URL     string  `json:"url"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return models.Response{}, err
	}
	out := models.Response{Query: q, Answer: raw.Answer}
	for i, r := range raw.Results {
		if opts.MaxResults > 0 && i >= opts.MaxResults {
			break
		}
		out.Results = append(out.Results, models.Result{Title: r.Title, URL: r.URL, Snippet: r.Content, Score: r.Score})
	}
	return out, nil
}
