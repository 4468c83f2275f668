// Package extract turns raw product page HTML into readable text plus the
// structured meta tags storefronts publish (OpenGraph, product:price, JSON-LD).
package extract

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/mohammad-safakhou/vooli/tools/web_fetch/models"
)

var metaKeys = map[string]struct{}{
	"og:title":               {},
	"og:description":         {},
	"og:image":               {},
	"og:site_name":           {},
	"og:price:amount":        {},
	"og:price:currency":      {},
	"product:price:amount":   {},
	"product:price:currency": {},
	"description":            {},
	"twitter:image":          {},
}

// Parse extracts page content. maxChars bounds Text; zero means unbounded.
func Parse(html, pageURL string, maxChars int) (models.Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return models.Result{}, fmt.Errorf("parse html: %w", err)
	}

	meta := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key, _ := s.Attr("property")
		if key == "" {
			key, _ = s.Attr("name")
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if _, ok := metaKeys[key]; !ok {
			return
		}
		if content, ok := s.Attr("content"); ok && strings.TrimSpace(content) != "" {
			meta[key] = strings.TrimSpace(content)
		}
	})
	var ld []string
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		if txt := strings.TrimSpace(s.Text()); strings.Contains(txt, "Product") {
			ld = append(ld, txt)
		}
	})

	res := models.Result{
		URL:         pageURL,
		Title:       firstNonEmpty(meta["og:title"], strings.TrimSpace(doc.Find("title").First().Text())),
		SiteName:    meta["og:site_name"],
		Description: firstNonEmpty(meta["og:description"], meta["description"]),
		TopImage:    firstNonEmpty(meta["og:image"], meta["twitter:image"]),
		Meta:        meta,
		Status:      200,
		Success:     true,
	}

	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(pageURL))
	text := ""
	if err == nil {
		text = strings.TrimSpace(article.TextContent)
		res.Title = firstNonEmpty(res.Title, strings.TrimSpace(article.Title))
		res.Byline = strings.TrimSpace(article.Byline)
		res.SiteName = firstNonEmpty(res.SiteName, article.SiteName)
		res.TopImage = firstNonEmpty(res.TopImage, article.Image)
	}
	if text == "" {
		text = strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	}
	if len(ld) > 0 {
		text = strings.Join(ld, "\n") + "\n" + text
	}
	res.Text = truncate(text, maxChars)

	sum := sha1.Sum([]byte(html))
	res.HTMLHash = hex.EncodeToString(sum[:])
	return res, nil
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
