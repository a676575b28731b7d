package types

import (
	"fmt"
	"strings"
	"time"
)

// Channel identifies a listing-acquisition mode with its own traversal
// and acceptance rules.
type Channel string

const (
	ChannelBestSellers   Channel = "best_sellers"
	ChannelMoversShakers Channel = "movers_shakers"
	ChannelOutlet        Channel = "outlet"
	ChannelWarehouse     Channel = "warehouse"
)

// AllChannels returns every supported channel in a stable order.
func AllChannels() []Channel {
	return []Channel{ChannelBestSellers, ChannelMoversShakers, ChannelOutlet, ChannelWarehouse}
}

// Valid reports whether c is a known channel tag.
func (c Channel) Valid() bool {
	switch c {
	case ChannelBestSellers, ChannelMoversShakers, ChannelOutlet, ChannelWarehouse:
		return true
	}
	return false
}

// Condition is the marketplace condition tag on a used/renewed listing.
type Condition string

const (
	ConditionNew     Condition = "new"
	ConditionLikeNew Condition = "like-new"
	ConditionRenewed Condition = "renewed"
	ConditionUsed    Condition = "used"
)

// ParseCondition maps marketplace display strings ("Used - Like New",
// "Renewed") to a Condition tag. Returns false for unrecognized input.
func ParseCondition(s string) (Condition, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.TrimPrefix(norm, "used - ")
	norm = strings.ReplaceAll(norm, " ", "-")
	switch norm {
	case "new":
		return ConditionNew, true
	case "like-new", "likenew":
		return ConditionLikeNew, true
	case "renewed", "refurbished":
		return ConditionRenewed, true
	case "used", "good", "acceptable", "very-good":
		return ConditionUsed, true
	}
	return "", false
}

// CategoryRef is one node of a category path, root to leaf.
type CategoryRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProductRecord is one harvested listing. Records are immutable after
// parse: a later crawl of the same ASIN produces a new record with a new
// capture timestamp, never a mutation.
type ProductRecord struct {
	// ASIN is the marketplace item identifier. Unique within a
	// region+marketplace scope only; the same ASIN recurs across
	// snapshots over time.
	ASIN string `json:"asin"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`

	// CategoryPath is ordered from root to leaf.
	CategoryPath []CategoryRef `json:"category_path"`

	Price       float64 `json:"price,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	Rating      float64 `json:"rating,omitempty"`
	ReviewCount int     `json:"review_count,omitempty"`

	// Nullable attributes: nil means the listing did not expose the value.
	DiscountPct   *float64   `json:"discount_pct,omitempty"`
	Condition     *Condition `json:"condition,omitempty"`
	WeightGrams   *float64   `json:"weight_grams,omitempty"`
	RankChangePct *float64   `json:"rank_change_pct,omitempty"`

	// Rank is the listing's position within its channel page set (1-based).
	Rank int `json:"rank"`

	Channel    Channel   `json:"channel"`
	Region     string    `json:"region"`
	CapturedAt time.Time `json:"captured_at"`
}

// Key returns the composite identity used for idempotent persistence:
// the same (ASIN, capture timestamp) pair always maps to the same key.
func (r *ProductRecord) Key() string {
	return fmt.Sprintf("%s@%d", r.ASIN, r.CapturedAt.UTC().Unix())
}

// LeafCategory returns the deepest node of the category path, or a zero
// ref when the path is empty.
func (r *ProductRecord) LeafCategory() CategoryRef {
	if len(r.CategoryPath) == 0 {
		return CategoryRef{}
	}
	return r.CategoryPath[len(r.CategoryPath)-1]
}

// Verdict is the risk classification of one record.
type Verdict string

const (
	VerdictSafe        Verdict = "SAFE"
	VerdictNeedsReview Verdict = "NEEDS_REVIEW"
	VerdictBanned      Verdict = "BANNED"
)

// Classification is the judgement attached to a ProductRecord. A new
// rule-set version produces a new classification; old ones are kept for
// audit history.
type Classification struct {
	Verdict Verdict `json:"verdict"`

	// MatchedRule is the category id or keyword that triggered the
	// verdict. Always non-empty for BANNED, always empty for SAFE.
	MatchedRule string `json:"matched_rule,omitempty"`

	RuleSetVersion string    `json:"ruleset_version"`
	ClassifiedAt   time.Time `json:"classified_at"`
}

// ClassifiedRecord pairs a harvested record with its verdict.
type ClassifiedRecord struct {
	Record         *ProductRecord `json:"record"`
	Classification Classification `json:"classification"`
}
