package serper

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/vooli/tools/web_search/models"
	"github.com/mohammad-safakhou/vooli/utils"
)

const defaultEndpoint = "https://google.serper.dev/search"

type Search struct {
	ApiKey   string
	Client   *http.Client
	Endpoint string
}

func (s Search) Search(ctx context.Context, q string, opts models.Options) (models.Response, error) {
	// https://serper.dev/ docs
	payload := map[string]any{"q": q}
	if opts.MaxResults > 0 {
		payload["num"] = opts.MaxResults
	}

	body, _ := json.Marshal(payload)
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(string(body)))
	if err != nil {
		return models.Response{}, err
	}
	req.Header.Set("X-API-KEY", s.ApiKey)
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
		return models.Response{}, &models.StatusError{Provider: "serper", Code: resp.StatusCode, Body: string(b)}
	}
	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return models.Response{}, err
	}

	out := models.Response{Query: q}
	if items, ok := raw["organic"].([]any); ok {
		for i, it := range items {
			if opts.MaxResults > 0 && i >= opts.MaxResults {
				break
			}
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			out.Results = append(out.Results, models.Result{
				Title: utils.Str(m["title"]), URL: utils.Str(m["link"]), Snippet: utils.Str(m["snippet"]),
			})
		}
	}
	if opts.IncludeAnswer {
		// serper has no synthesized answer; answerBox is the closest thing
		if box, ok := raw["answerBox"].(map[string]any); ok {
			out.Answer = utils.Str(box["answer"])
			if out.Answer == "" {
				out.Answer = utils.Str(box["snippet"])
			}
		}
		if out.Answer == "" && len(out.Results) > 0 {
			out.Answer = out.Results[0].Snippet
		}
	}
	return out, nil
}
