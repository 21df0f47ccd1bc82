package enrich

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/pressroom-hq/account-harvester/internal/domain"
	"github.com/pressroom-hq/account-harvester/internal/logger"
	"github.com/pressroom-hq/account-harvester/pkg/httpclient"
)

// Package enrich fetches article pages and extracts full text as markdown.

const (
	maxHTMLBodyBytes = 1 << 20 // 1 MiB

	// contentSelector matches the platform's article body container.
	contentSelector = "#js_content, .rich_media_content"

	contentFailurePrefix = "content fetch failed: "

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/104.0.0.0 Safari/537.36"
)

// ContentFailed reports whether an article's content field carries the
// enrichment failure sentinel instead of real text.
func ContentFailed(content string) bool {
	return strings.HasPrefix(content, contentFailurePrefix)
}

// Enricher fetches article pages and converts the body container to markdown.
type Enricher struct {
	client    httpclient.Client
	converter *md.Converter
	log       logger.Logger
}

// NewEnricher constructs an enricher with the provided HTTP client (or default).
func NewEnricher(client httpclient.Client, log logger.Logger) *Enricher {
	if client == nil {
		client = httpclient.NewRestyClient(20 * time.Second)
	}
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &Enricher{
		client:    client,
		converter: md.NewConverter("", true, nil),
		log:       log,
	}
}

// Enrich fills the article's Content field. A failed enrichment returns the
// article with a sentinel string in Content rather than an error, so one bad
// page never aborts a batch.
func (e *Enricher) Enrich(ctx context.Context, cred domain.Credential, art domain.Article) domain.Article {
	content, err := e.fetchContent(ctx, cred, art.URL)
	if err != nil {
		e.log.WarnObj("article enrichment failed", "enrich_error", map[string]any{
			"url":   art.URL,
			"error": err.Error(),
		})
		art.Content = contentFailurePrefix + err.Error()
		return art
	}
	art.Content = content
	return art
}

func (e *Enricher) fetchContent(ctx context.Context, cred domain.Credential, url string) (string, error) {
	headers := map[string]string{"User-Agent": defaultUserAgent}
	if cookie := cred.CookieHeader(); cookie != "" {
		headers["Cookie"] = cookie
	}

	resp, err := e.client.Get(ctx, url, headers, nil)
	if err != nil {
		return "", fmt.Errorf("http fetch: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("status %d", resp.StatusCode())
	}

	body := resp.Body()
	if len(body) > maxHTMLBodyBytes {
		body = body[:maxHTMLBodyBytes]
	}

	return e.extract(body)
}

// extract pulls the article body container out of the page and renders it as
// markdown. A page without the container yields empty content, not an error.
func (e *Enricher) extract(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	sel := doc.Find(contentSelector).First()
	if sel.Length() == 0 {
		return "", nil
	}

	return strings.TrimSpace(e.converter.Convert(sel)), nil
}
