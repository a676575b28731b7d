package channel

import (
	"fmt"
	"time"

	"github.com/asinwatch/harvester/internal/config"
	"github.com/asinwatch/harvester/internal/fetcher"
	"github.com/asinwatch/harvester/internal/types"
)

// PageRequest is one listing page a strategy wants fetched.
type PageRequest struct {
	URL        string
	Category   string // category slug, e.g. "electronics"
	CategoryID string // marketplace node id, once known
	Depth      int    // 0 = channel root for the category
	Page       int    // 1-based pagination index
}

// ParseResult is what a strategy extracted from one page.
type ParseResult struct {
	Records []*types.ProductRecord

	// Next holds follow-up pages discovered on this one: subcategory
	// roots for descending strategies, pagination for flat ones.
	Next []PageRequest
}

// Strategy defines how one marketplace channel is traversed, parsed,
// and filtered. Strategies are stateless; the orchestrator owns the
// page queue and dedup.
type Strategy interface {
	// Channel identifies the channel this strategy harvests.
	Channel() types.Channel

	// Cadence is how often a scheduled run of this channel repeats.
	Cadence() time.Duration

	// Plan returns the seed pages for one run. categories may narrow
	// the configured defaults.
	Plan(region string, categories []string) ([]PageRequest, error)

	// Parse extracts listings and follow-up pages from one fetched page.
	Parse(page *fetcher.RawPage, req PageRequest) (*ParseResult, error)

	// Accepts applies the channel's quality filter to one record. A
	// false return carries the reject reason.
	Accepts(rec *types.ProductRecord) (bool, string)
}

// ForChannel builds the strategy for one channel.
func ForChannel(ch types.Channel, cfg *config.ChannelsConfig) (Strategy, error) {
	switch ch {
	case types.ChannelBestSellers:
		return NewBestSellers(cfg.BestSellerCategories), nil
	case types.ChannelMoversShakers:
		return NewMoversShakers(cfg.MoversCategories), nil
	case types.ChannelOutlet:
		return NewOutlet(cfg.OutletAllowList), nil
	case types.ChannelWarehouse:
		return NewWarehouse(cfg.WarehousePages), nil
	}
	return nil, fmt.Errorf("unknown channel %q", ch)
}

// All builds strategies for every channel.
func All(cfg *config.ChannelsConfig) []Strategy {
	return []Strategy{
		NewBestSellers(cfg.BestSellerCategories),
		NewMoversShakers(cfg.MoversCategories),
		NewOutlet(cfg.OutletAllowList),
		NewWarehouse(cfg.WarehousePages),
	}
}

// narrow intersects requested categories with the configured set,
// preserving configured order. An empty request keeps everything.
func narrow(configured, requested []string) []string {
	if len(requested) == 0 {
		return configured
	}
	want := make(map[string]bool, len(requested))
	for _, c := range requested {
		want[c] = true
	}
	var out []string
	for _, c := range configured {
		if want[c] {
			out = append(out, c)
		}
	}
	return out
}
