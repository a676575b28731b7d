package channel

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/asinwatch/harvester/internal/config"
	"github.com/asinwatch/harvester/internal/fetcher"
	"github.com/asinwatch/harvester/internal/types"
)

const (
	outletMaxDepth       = 1 // category root + one subcategory level
	outletMinDiscountPct = 40.0
	dealItemSelector     = ".dealContainer, div[data-asin], .octopus-dlp-asin-card"
	discountSelector     = ".savingsPercentage, .dealBadge, .a-badge-text"
)

// Outlet harvests overstock deal pages for an allow-listed set of
// categories, keeping only deep discounts.
type Outlet struct {
	allowList []string
}

// NewOutlet builds the outlet strategy over the allow-listed top-level
// category slugs.
func NewOutlet(allowList []string) *Outlet {
	return &Outlet{allowList: allowList}
}

func (s *Outlet) Channel() types.Channel { return types.ChannelOutlet }

func (s *Outlet) Cadence() time.Duration { return 7 * 24 * time.Hour }

func (s *Outlet) Plan(region string, categories []string) ([]PageRequest, error) {
	host, err := config.MarketplaceHost(region)
	if err != nil {
		return nil, err
	}
	var reqs []PageRequest
	for _, cat := range narrow(s.allowList, categories) {
		reqs = append(reqs, PageRequest{
			URL:      fmt.Sprintf("https://%s/outlet/%s", host, cat),
			Category: cat,
			Depth:    0,
			Page:     1,
		})
	}
	return reqs, nil
}

func (s *Outlet) Parse(page *fetcher.RawPage, req PageRequest) (*ParseResult, error) {
	doc, err := page.Document()
	if err != nil {
		return nil, err
	}
	base, _ := url.Parse(page.URL)
	crumbs := breadcrumbPath(doc)

	res := &ParseResult{}
	doc.Find(dealItemSelector).Each(func(_ int, item *goquery.Selection) {
		rec := listingFromCard(item, base, page, req, crumbs)
		if rec == nil {
			return
		}
		rec.Channel = types.ChannelOutlet
		if pct, ok := parsePercent(item.Find(discountSelector).First().Text()); ok {
			rec.DiscountPct = &pct
		}
		res.Records = append(res.Records, rec)
	})

	if next := nextPageURL(doc, base); next != "" {
		res.Next = append(res.Next, PageRequest{
			URL: next, Category: req.Category, CategoryID: req.CategoryID,
			Depth: req.Depth, Page: req.Page + 1,
		})
	}
	if req.Depth < outletMaxDepth && req.Page == 1 {
		res.Next = append(res.Next, outletSubpages(doc, base, req)...)
	}
	return res, nil
}

func (s *Outlet) Accepts(rec *types.ProductRecord) (bool, string) {
	if rec.DiscountPct == nil {
		return false, "discount unknown"
	}
	if *rec.DiscountPct <= outletMinDiscountPct {
		return false, fmt.Sprintf("discount %.0f%% not above %.0f%%", *rec.DiscountPct, outletMinDiscountPct)
	}
	return true, ""
}

// outletSubpages extracts links into the outlet's own subcategory tree.
func outletSubpages(doc *goquery.Document, base *url.URL, req PageRequest) []PageRequest {
	var next []PageRequest
	seen := map[string]bool{}
	doc.Find(subcategorySelector).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if href == "" || !strings.Contains(href, "/outlet/") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := href
		if base != nil {
			abs = base.ResolveReference(ref).String()
		}
		if seen[abs] || abs == req.URL {
			return
		}
		seen[abs] = true
		next = append(next, PageRequest{
			URL:        abs,
			Category:   req.Category,
			CategoryID: nodeIDFromURL(abs),
			Depth:      req.Depth + 1,
			Page:       1,
		})
	})
	return next
}
