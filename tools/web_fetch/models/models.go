package models

// Result is the outcome of scraping one page. A failed scrape is reported
// with Success=false and Error set rather than a Go error.
type Result struct {
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Byline      string            `json:"byline,omitempty"`
	SiteName    string            `json:"site_name,omitempty"`
	Description string            `json:"description,omitempty"`
	Text        string            `json:"text"`
	TopImage    string            `json:"top_image,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	HTMLHash    string            `json:"html_hash,omitempty"`
	Status      int               `json:"status"`
	RenderMS    int               `json:"render_ms"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
}

// Failed builds a failure marker for url.
func Failed(url string, status int, msg string) Result {
	return Result{URL: url, Status: status, Success: false, Error: msg}
}
