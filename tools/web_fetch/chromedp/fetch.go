package chromedp

import (
	"context"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/mohammad-safakhou/vooli/tools/web_fetch/extract"
	"github.com/mohammad-safakhou/vooli/tools/web_fetch/models"
)

type Fetch struct {
	Timeout   time.Duration
	MaxChars  int // Maximum characters to return from the page text
	UserAgent string
}

func (f Fetch) Exec(ctx context.Context, url string) (models.Result, error) {
	if strings.TrimSpace(url) == "" {
		return models.Failed(url, 0, "invalid url"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	t0 := time.Now()

	// Headless browsing
	html, err := f.fetchHTML(ctx, url)
	if err != nil {
		res := models.Failed(url, 599, err.Error())
		res.RenderMS = int(time.Since(t0) / time.Millisecond)
		return res, nil
	}

	res, err := extract.Parse(html, url, f.MaxChars)
	if err != nil {
		res = models.Failed(url, 200, err.Error())
	}
	res.RenderMS = int(time.Since(t0) / time.Millisecond)
	return res, nil
}

func (f Fetch) fetchHTML(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(f.UserAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}
