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

// Best-seller lists show the top 100 per category across two pages.
const (
	bestSellersMaxDepth  = 2 // root + two subcategory levels
	bestSellersPageSize  = 50
	bestSellersListLimit = 100
	bestSellersMinRating = 4.3
)

// BestSellers descends category best-seller lists three levels deep and
// keeps only well-rated listings.
type BestSellers struct {
	categories []string
}

// NewBestSellers builds the best-sellers strategy over the given
// top-level category slugs.
func NewBestSellers(categories []string) *BestSellers {
	return &BestSellers{categories: categories}
}

func (s *BestSellers) Channel() types.Channel { return types.ChannelBestSellers }

func (s *BestSellers) Cadence() time.Duration { return 24 * time.Hour }

func (s *BestSellers) Plan(region string, categories []string) ([]PageRequest, error) {
	host, err := config.MarketplaceHost(region)
	if err != nil {
		return nil, err
	}
	var reqs []PageRequest
	for _, cat := range narrow(s.categories, categories) {
		reqs = append(reqs, PageRequest{
			URL:      fmt.Sprintf("https://%s/Best-Sellers-%s/zgbs/%s", host, titleSlug(cat), cat),
			Category: cat,
			Depth:    0,
			Page:     1,
		})
	}
	return reqs, nil
}

func (s *BestSellers) Parse(page *fetcher.RawPage, req PageRequest) (*ParseResult, error) {
	doc, err := page.Document()
	if err != nil {
		return nil, err
	}
	base, _ := url.Parse(page.URL)
	crumbs := breadcrumbPath(doc)

	res := &ParseResult{}
	doc.Find(itemSelector).EachWithBreak(func(i int, item *goquery.Selection) bool {
		rank := (req.Page-1)*bestSellersPageSize + i + 1
		if rank > bestSellersListLimit {
			return false
		}
		rec := listingFromCard(item, base, page, req, crumbs)
		if rec == nil {
			return true
		}
		if rec.Rank == 0 {
			rec.Rank = rank
		}
		rec.Channel = types.ChannelBestSellers
		res.Records = append(res.Records, rec)
		return true
	})

	// Page 2 completes the top 100.
	if req.Page == 1 && len(res.Records) >= bestSellersPageSize {
		if next := nextPageURL(doc, base); next != "" {
			res.Next = append(res.Next, PageRequest{
				URL: next, Category: req.Category, CategoryID: req.CategoryID,
				Depth: req.Depth, Page: req.Page + 1,
			})
		}
	}

	// Descend into subcategories from the first page only; deeper
	// pages repeat the same browse tree.
	if req.Depth < bestSellersMaxDepth && req.Page == 1 {
		res.Next = append(res.Next, subcategoryRequests(doc, base, req)...)
	}
	return res, nil
}

func (s *BestSellers) Accepts(rec *types.ProductRecord) (bool, string) {
	// An absent rating counts as failing the bar, not as unknown.
	if rec.Rating < bestSellersMinRating {
		return false, fmt.Sprintf("rating %.1f below %.1f", rec.Rating, bestSellersMinRating)
	}
	return true, ""
}

// subcategoryRequests extracts browse-tree links one level down.
func subcategoryRequests(doc *goquery.Document, base *url.URL, req PageRequest) []PageRequest {
	var next []PageRequest
	seen := map[string]bool{}
	doc.Find(subcategorySelector).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if href == "" || !strings.Contains(href, "/zgbs/") {
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

// listingFromCard builds a record from one grid card. Returns nil when
// the card has no ASIN (ads, placeholders).
func listingFromCard(item *goquery.Selection, base *url.URL, page *fetcher.RawPage, req PageRequest, crumbs []types.CategoryRef) *types.ProductRecord {
	asin := extractASIN(item)
	if asin == "" {
		return nil
	}
	price, currency := parsePrice(item.Find(priceSelector).First().Text())
	path := crumbs
	if len(path) == 0 {
		path = []types.CategoryRef{{ID: req.CategoryID, Name: titleSlug(req.Category)}}
	}
	img, _ := item.Find("img").First().Attr("src")
	return &types.ProductRecord{
		ASIN:         asin,
		Title:        strings.TrimSpace(item.Find(titleSelector).First().Text()),
		URL:          productURL(item, base),
		ImageURL:     img,
		CategoryPath: path,
		Price:        price,
		Currency:     currency,
		Rating:       parseRating(item.Find(ratingSelector).First().Text()),
		ReviewCount:  parseCount(item.Find(reviewsSelector).First().Text()),
		Rank:         parseRank(item.Find(rankBadgeSelector).First().Text()),
		CapturedAt:   page.FetchedAt.UTC(),
	}
}

// titleSlug renders a category slug the way listing URLs do:
// "home-garden" -> "Home-Garden".
func titleSlug(slug string) string {
	parts := strings.Split(slug, "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}
