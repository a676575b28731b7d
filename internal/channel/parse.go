package channel

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/asinwatch/harvester/internal/types"
)

// Selector sets cover both the legacy and the current listing-grid
// markup; the marketplace serves either depending on the experiment
// bucket the session lands in.
const (
	itemSelector        = ".zg-item, div.zg-grid-general-faceout, #gridItemRoot, div.p13n-sc-uncoverable-faceout"
	titleSelector       = ".p13n-sc-truncated, ._cDEzb_p13n-sc-css-line-clamp-3_g3dy1, ._cDEzb_p13n-sc-css-line-clamp-4_2q2cc, .zg-text-center-align h2"
	priceSelector       = ".p13n-sc-price, ._cDEzb_p13n-sc-price_3mJ9Z, .a-price .a-offscreen"
	ratingSelector      = ".a-icon-alt"
	reviewsSelector     = ".a-size-small:not(.a-color-price)"
	rankBadgeSelector   = ".zg-bdg-text, .zg-badge-text"
	subcategorySelector = ".zg-browse-item a, .zg-browse-root a, #zg-left-col li a, div[role=treeitem] a"
	breadcrumbSelector  = "#wayfinding-breadcrumbs_feature_div a"
	paginationSelector  = "ul.a-pagination li.a-last a"
)

var (
	asinRE     = regexp.MustCompile(`/dp/([A-Z0-9]{10})`)
	nodePathRE = regexp.MustCompile(`/zgbs/[^/]+/(\d+)`)
	numberRE   = regexp.MustCompile(`[\d,]+(?:\.\d+)?`)
	percentRE  = regexp.MustCompile(`([\d,]+(?:\.\d+)?)\s*%`)
	weightRE   = regexp.MustCompile(`([\d.]+)\s*(pounds?|lbs?|ounces?|oz|kg|kilograms?|g|grams?)\b`)
)

// extractASIN pulls the ASIN from an item card: a data-asin attribute
// on the card or a child, else the first product link.
func extractASIN(item *goquery.Selection) string {
	if asin, ok := item.Attr("data-asin"); ok && asin != "" {
		return asin
	}
	if asin, ok := item.Find("[data-asin]").First().Attr("data-asin"); ok && asin != "" {
		return asin
	}
	var found string
	item.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if m := asinRE.FindStringSubmatch(href); m != nil {
			found = m[1]
			return false
		}
		return true
	})
	return found
}

// productURL returns the absolute listing URL for an item card.
func productURL(item *goquery.Selection, base *url.URL) string {
	var href string
	item.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		h, _ := a.Attr("href")
		if asinRE.MatchString(h) {
			href = h
			return false
		}
		return true
	})
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		return base.ResolveReference(ref).String()
	}
	return ref.String()
}

// parsePrice reads "$24.99" / "£1,299.00" style price text.
func parsePrice(text string) (float64, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ""
	}
	currency := ""
	switch {
	case strings.Contains(text, "$"):
		currency = "USD"
	case strings.Contains(text, "£"):
		currency = "GBP"
	case strings.Contains(text, "€"):
		currency = "EUR"
	case strings.Contains(text, "￥"), strings.Contains(text, "¥"):
		currency = "JPY"
	}
	m := numberRE.FindString(text)
	if m == "" {
		return 0, currency
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, currency
	}
	return v, currency
}

// parseRating reads "4.6 out of 5 stars" style alt text.
func parseRating(text string) float64 {
	m := numberRE.FindString(text)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil || v > 5 {
		return 0
	}
	return v
}

// parseCount reads "12,345" style integer text.
func parseCount(text string) int {
	m := numberRE.FindString(text)
	if m == "" {
		return 0
	}
	v, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	if err != nil {
		return 0
	}
	return v
}

// parsePercent reads "+1,120%" / "-45%" style badges, returning the
// absolute percentage value.
func parsePercent(text string) (float64, bool) {
	m := percentRE.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseWeightGrams reads "1.2 pounds" / "14.4 ounces" / "250 g" text
// into grams. Returns nil when no weight is present.
func parseWeightGrams(text string) *float64 {
	m := weightRE.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	var grams float64
	switch {
	case strings.HasPrefix(m[2], "pound"), strings.HasPrefix(m[2], "lb"):
		grams = v * 453.592
	case strings.HasPrefix(m[2], "ounce"), m[2] == "oz":
		grams = v * 28.3495
	case strings.HasPrefix(m[2], "kg"), strings.HasPrefix(m[2], "kilogram"):
		grams = v * 1000
	default:
		grams = v
	}
	return &grams
}

// parseRank reads "#3" style rank badges.
func parseRank(text string) int {
	return parseCount(strings.TrimPrefix(strings.TrimSpace(text), "#"))
}

// breadcrumbPath extracts the category path from the breadcrumb bar.
func breadcrumbPath(doc *goquery.Document) []types.CategoryRef {
	var path []types.CategoryRef
	doc.Find(breadcrumbSelector).Each(func(_ int, a *goquery.Selection) {
		name := strings.TrimSpace(a.Text())
		if name == "" {
			return
		}
		href, _ := a.Attr("href")
		path = append(path, types.CategoryRef{ID: nodeIDFromURL(href), Name: name})
	})
	return path
}

// nodeIDFromURL pulls the category node id out of a marketplace URL,
// either a /zgbs/<slug>/<id> path segment or a node= query parameter.
func nodeIDFromURL(raw string) string {
	if m := nodePathRE.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	if u, err := url.Parse(raw); err == nil {
		if node := u.Query().Get("node"); node != "" {
			return node
		}
	}
	return ""
}

// nextPageURL returns the absolute pagination-next URL, if any.
func nextPageURL(doc *goquery.Document, base *url.URL) string {
	href, ok := doc.Find(paginationSelector).First().Attr("href")
	if !ok || href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		return base.ResolveReference(ref).String()
	}
	return ref.String()
}
