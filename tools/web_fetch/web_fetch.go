package web_fetch

import (
	"context"
	"net/http"
	"time"

	"github.com/mohammad-safakhou/vooli/tools/web_fetch/chromedp"
	"github.com/mohammad-safakhou/vooli/tools/web_fetch/httpfetch"
	"github.com/mohammad-safakhou/vooli/tools/web_fetch/models"
)

const (
	DefaultTimeout  = 15 * time.Second
	MaxCharsDefault = 20000
	defaultAgent    = "VooliShoppingAssistant/1.0"
)

// WebFetcher scrapes one URL. Page-level failures come back as a Result with
// Success=false; the error return is reserved for programming faults.
type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

type FetcherType string

const (
	ChromedpFetcherType FetcherType = "chromedp"
	HTTPFetcherType     FetcherType = "http"
)

type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func NewWebFetcher(fetcherType FetcherType, timeout time.Duration, maxChars int, userAgent string) (WebFetcher, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = MaxCharsDefault
	}
	if userAgent == "" {
		userAgent = defaultAgent
	}

	switch fetcherType {
	case ChromedpFetcherType:
		return &chromedp.Fetch{Timeout: timeout, MaxChars: maxChars, UserAgent: userAgent}, nil
	case HTTPFetcherType:
		return &httpfetch.Fetch{Client: &http.Client{Timeout: timeout}, MaxChars: maxChars, UserAgent: userAgent}, nil
	default:
		return nil, &Error{"unsupported fetcher type"}
	}
}
