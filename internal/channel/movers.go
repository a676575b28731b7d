package channel

import (
	"fmt"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/asinwatch/harvester/internal/config"
	"github.com/asinwatch/harvester/internal/fetcher"
	"github.com/asinwatch/harvester/internal/types"
)

// Movers lists are flat: the top 200 risers per category, 50 per page.
const (
	moversPageSize     = 50
	moversListLimit    = 200
	moversMinChangePct = 100.0
	pctChangeSelector  = ".zg-pct-change, .zg-percent-change"
	salesRankSelector  = ".zg-sales-movement"
)

// MoversShakers harvests the hourly rank-risers list and keeps only
// listings whose sales rank at least doubled.
type MoversShakers struct {
	categories []string
}

// NewMoversShakers builds the movers strategy over the given top-level
// category slugs.
func NewMoversShakers(categories []string) *MoversShakers {
	return &MoversShakers{categories: categories}
}

func (s *MoversShakers) Channel() types.Channel { return types.ChannelMoversShakers }

func (s *MoversShakers) Cadence() time.Duration { return time.Hour }

func (s *MoversShakers) Plan(region string, categories []string) ([]PageRequest, error) {
	host, err := config.MarketplaceHost(region)
	if err != nil {
		return nil, err
	}
	var reqs []PageRequest
	for _, cat := range narrow(s.categories, categories) {
		reqs = append(reqs, PageRequest{
			URL:      fmt.Sprintf("https://%s/gp/movers-and-shakers/%s", host, cat),
			Category: cat,
			Depth:    0,
			Page:     1,
		})
	}
	return reqs, nil
}

func (s *MoversShakers) Parse(page *fetcher.RawPage, req PageRequest) (*ParseResult, error) {
	doc, err := page.Document()
	if err != nil {
		return nil, err
	}
	base, _ := url.Parse(page.URL)
	crumbs := breadcrumbPath(doc)

	res := &ParseResult{}
	doc.Find(itemSelector).EachWithBreak(func(i int, item *goquery.Selection) bool {
		rank := (req.Page-1)*moversPageSize + i + 1
		if rank > moversListLimit {
			return false
		}
		rec := listingFromCard(item, base, page, req, crumbs)
		if rec == nil {
			return true
		}
		if rec.Rank == 0 {
			rec.Rank = rank
		}
		rec.Channel = types.ChannelMoversShakers
		if pct, ok := parsePercent(item.Find(pctChangeSelector).First().Text()); ok {
			rec.RankChangePct = &pct
		} else if pct, ok := parsePercent(item.Find(salesRankSelector).First().Text()); ok {
			rec.RankChangePct = &pct
		}
		res.Records = append(res.Records, rec)
		return true
	})

	// Flat list: follow pagination until the top 200 is covered. No
	// subcategory descent on this channel.
	if len(res.Records) >= moversPageSize && req.Page*moversPageSize < moversListLimit {
		if next := nextPageURL(doc, base); next != "" {
			res.Next = append(res.Next, PageRequest{
				URL: next, Category: req.Category, CategoryID: req.CategoryID,
				Depth: req.Depth, Page: req.Page + 1,
			})
		}
	}
	return res, nil
}

func (s *MoversShakers) Accepts(rec *types.ProductRecord) (bool, string) {
	// A missing rank-change badge means the climb can't be verified,
	// which is a reject, not a pass.
	if rec.RankChangePct == nil {
		return false, "rank change unknown"
	}
	if *rec.RankChangePct <= moversMinChangePct {
		return false, fmt.Sprintf("rank change %.0f%% not above %.0f%%", *rec.RankChangePct, moversMinChangePct)
	}
	return true, ""
}
