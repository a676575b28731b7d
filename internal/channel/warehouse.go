package channel

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/asinwatch/harvester/internal/config"
	"github.com/asinwatch/harvester/internal/fetcher"
	"github.com/asinwatch/harvester/internal/types"
)

const (
	warehouseNode     = "10158976011"
	warehouseMaxGrams = 453.6
)

// Warehouse deal pages use the search-result layout rather than the
// best-seller grid, so this strategy extracts with XPath instead of the
// shared CSS card helpers.
var (
	warehouseItemXPath   = `//div[@data-asin and string-length(@data-asin) > 0]`
	warehouseTitleXPath  = `.//h2//span | .//span[contains(@class, 'a-text-normal')]`
	warehouseLinkXPath   = `.//a[contains(@href, '/dp/')]`
	warehousePriceXPath  = `.//span[contains(@class, 'a-offscreen')]`
	warehouseRatingXPath = `.//span[contains(@class, 'a-icon-alt')]`
	warehouseCondXPath   = `.//span[contains(., 'Used - ') or contains(., 'Renewed') or contains(., 'Refurbished')]`
	warehouseImageXPath  = `.//img`
)

// Warehouse harvests the open-box/returns storefront, keeping only
// light items in near-new condition.
type Warehouse struct {
	pages int
}

// NewWarehouse builds the warehouse strategy planning the given number
// of flat result pages.
func NewWarehouse(pages int) *Warehouse {
	if pages < 1 {
		pages = 1
	}
	return &Warehouse{pages: pages}
}

func (s *Warehouse) Channel() types.Channel { return types.ChannelWarehouse }

func (s *Warehouse) Cadence() time.Duration { return 7 * 24 * time.Hour }

func (s *Warehouse) Plan(region string, categories []string) ([]PageRequest, error) {
	host, err := config.MarketplaceHost(region)
	if err != nil {
		return nil, err
	}
	// The storefront is one flat result list: plan every page upfront.
	reqs := make([]PageRequest, 0, s.pages)
	for p := 1; p <= s.pages; p++ {
		reqs = append(reqs, PageRequest{
			URL:        fmt.Sprintf("https://%s/Warehouse-Deals/b?node=%s&pg=%d", host, warehouseNode, p),
			CategoryID: warehouseNode,
			Depth:      0,
			Page:       p,
		})
	}
	return reqs, nil
}

func (s *Warehouse) Parse(page *fetcher.RawPage, req PageRequest) (*ParseResult, error) {
	root, err := page.Node()
	if err != nil {
		return nil, err
	}

	res := &ParseResult{}
	for _, item := range htmlquery.Find(root, warehouseItemXPath) {
		asin := htmlquery.SelectAttr(item, "data-asin")
		if asin == "" {
			continue
		}
		rec := &types.ProductRecord{
			ASIN:       asin,
			Title:      nodeText(item, warehouseTitleXPath),
			Channel:    types.ChannelWarehouse,
			CapturedAt: page.FetchedAt.UTC(),
			CategoryPath: []types.CategoryRef{
				{ID: warehouseNode, Name: "Warehouse Deals"},
			},
		}
		if link := htmlquery.FindOne(item, warehouseLinkXPath); link != nil {
			rec.URL = resolveHref(page.URL, htmlquery.SelectAttr(link, "href"))
		}
		if img := htmlquery.FindOne(item, warehouseImageXPath); img != nil {
			rec.ImageURL = htmlquery.SelectAttr(img, "src")
		}
		rec.Price, rec.Currency = parsePrice(nodeText(item, warehousePriceXPath))
		rec.Rating = parseRating(nodeText(item, warehouseRatingXPath))
		if cond, ok := types.ParseCondition(nodeText(item, warehouseCondXPath)); ok {
			rec.Condition = &cond
		}
		rec.WeightGrams = parseWeightGrams(htmlquery.InnerText(item))
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

func (s *Warehouse) Accepts(rec *types.ProductRecord) (bool, string) {
	if rec.Condition == nil {
		return false, "condition unknown"
	}
	switch *rec.Condition {
	case types.ConditionLikeNew, types.ConditionRenewed:
	default:
		return false, fmt.Sprintf("condition %q not acceptable", *rec.Condition)
	}
	// Unknown weight passes; the limit only applies once a weight is
	// actually stated.
	if rec.WeightGrams != nil && *rec.WeightGrams > warehouseMaxGrams {
		return false, fmt.Sprintf("weight %.0fg over %.0fg", *rec.WeightGrams, warehouseMaxGrams)
	}
	return true, ""
}

// nodeText returns the trimmed inner text of the first XPath match.
func nodeText(n *html.Node, xpath string) string {
	found := htmlquery.FindOne(n, xpath)
	if found == nil {
		return ""
	}
	return strings.TrimSpace(htmlquery.InnerText(found))
}

// resolveHref makes a possibly-relative href absolute against the page URL.
func resolveHref(pageURL, href string) string {
	if href == "" {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
