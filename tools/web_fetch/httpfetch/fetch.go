package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/vooli/tools/web_fetch/extract"
	"github.com/mohammad-safakhou/vooli/tools/web_fetch/models"
)

const maxBodyBytes = 4 << 20

// Fetch scrapes server-rendered pages without a browser.
type Fetch struct {
	Client    *http.Client
	MaxChars  int
	UserAgent string
}

func (f Fetch) Exec(ctx context.Context, url string) (models.Result, error) {
	if strings.TrimSpace(url) == "" {
		return models.Failed(url, 0, "invalid url"), nil
	}
	t0 := time.Now()
	elapsed := func(r models.Result) models.Result {
		r.RenderMS = int(time.Since(t0) / time.Millisecond)
		return r
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return elapsed(models.Failed(url, 0, err.Error())), nil
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return elapsed(models.Failed(url, 599, err.Error())), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return elapsed(models.Failed(url, resp.StatusCode, fmt.Sprintf("unexpected status %d", resp.StatusCode))), nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return elapsed(models.Failed(url, resp.StatusCode, err.Error())), nil
	}

	res, err := extract.Parse(string(body), url, f.MaxChars)
	if err != nil {
		return elapsed(models.Failed(url, resp.StatusCode, err.Error())), nil
	}
	res.Status = resp.StatusCode
	return elapsed(res), nil
}
