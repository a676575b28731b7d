package fetcher

import (
	"bytes"
	"context"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/asinwatch/harvester/internal/types"
)

// Fetcher retrieves listing pages.
type Fetcher interface {
	// Fetch retrieves the page at rawURL. The channel is used for
	// pacing, metrics, and error attribution.
	Fetch(ctx context.Context, rawURL string, ch types.Channel) (*RawPage, error)

	// Close releases any resources held by the fetcher.
	Close() error
}

// RawPage is one fetched listing page.
type RawPage struct {
	URL        string
	StatusCode int
	Body       []byte
	Via        string // proxy host or "direct"
	FetchedAt  time.Time
	Duration   time.Duration

	doc  *goquery.Document
	node *html.Node
}

// Document parses the body as HTML for CSS-selector extraction. The
// parse is done once and cached.
func (p *RawPage) Document() (*goquery.Document, error) {
	if p.doc == nil {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
		if err != nil {
			return nil, &types.ParseError{URL: p.URL, Detail: "parse html", Err: err}
		}
		p.doc = doc
	}
	return p.doc, nil
}

// Node parses the body into an html.Node tree for XPath extraction.
// The parse is done once and cached.
func (p *RawPage) Node() (*html.Node, error) {
	if p.node == nil {
		node, err := html.Parse(bytes.NewReader(p.Body))
		if err != nil {
			return nil, &types.ParseError{URL: p.URL, Detail: "parse html", Err: err}
		}
		p.node = node
	}
	return p.node, nil
}
