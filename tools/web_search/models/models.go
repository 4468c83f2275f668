package models

import "fmt"

// Options tune one search call.
type Options struct {
	MaxResults    int
	IncludeAnswer bool
}

type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Response is one ranked result set for a single query.
type Response struct {
	Query   string   `json:"query"`
	Answer  string   `json:"answer,omitempty"`
	Results []Result `json:"results"`
}

// URLs returns the result URLs in rank order, skipping blanks.
func (r Response) URLs() []string {
	out := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		if res.URL != "" {
			out = append(out, res.URL)
		}
	}
	return out
}

// StatusError reports a non-2xx answer from a search backend.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s search returned status %d: %s", e.Provider, e.Code, e.Body)
}
