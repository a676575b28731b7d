package rules

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/asinwatch/harvester/internal/types"
)

// RuleSet is the versioned rule table driving classification. Verdicts
// are only comparable across runs when their rule-set versions match,
// so every loaded set must carry one.
type RuleSet struct {
	Version string `json:"version"`

	// BannedCategories maps marketplace category node IDs to a
	// human-readable label. Any record whose category path touches one
	// of these is banned outright.
	BannedCategories map[string]string `json:"banned_categories"`

	// BannedKeywords are matched case-insensitively as substrings
	// against title and description.
	BannedKeywords []string `json:"banned_keywords"`

	// WatchKeywords flag a record for manual review when present.
	WatchKeywords []string `json:"watch_keywords"`

	// AdjacentCategories are category node IDs bordering restricted
	// ones closely enough that a human should look.
	AdjacentCategories map[string]string `json:"adjacent_categories"`
}

// Default returns the built-in rule set.
func Default() *RuleSet {
	return &RuleSet{
		Version: "2025.08",
		BannedCategories: map[string]string{
			"165793011":   "Toys & Games",
			"3760931":     "Baby",
			"3760911":     "Health & Household",
			"100573030":   "Medical Supplies & Equipment",
			"16310101":    "Grocery & Gourmet Food",
			"3760901":     "Dietary Supplements",
			"172282":      "Radio Frequency Devices",
			"281407":      "Medical Electronics",
			"10971181011": "Lighters & Matches",
			"11965861":    "Self Defense",
		},
		BannedKeywords: []string{
			"fda",
			"ce certified",
			"cpsc",
			"medical",
			"therapeutic",
			"orthopedic",
			"supplement",
			"vitamin",
			"choking hazard",
			"flammable",
			"pesticide",
			"laser pointer",
		},
		WatchKeywords: []string{
			"battery",
			"lithium",
			"wireless",
			"bluetooth",
			"magnet",
			"infant",
			"child",
			"skin contact",
			"ingestible",
		},
		AdjacentCategories: map[string]string{
			"3760941":  "Baby Care",
			"37605011": "Wellness & Relaxation",
			"6393060":  "Kids' Electronics",
		},
	}
}

// Load reads a rule set from a JSON file and validates it.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule set: %w", err)
	}
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rule set %s: %w", path, err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate checks structural requirements on the rule set.
func (rs *RuleSet) Validate() error {
	if rs.Version == "" {
		return &types.RuleError{Field: "version", Detail: "rule set version is required"}
	}
	if len(rs.BannedCategories) == 0 && len(rs.BannedKeywords) == 0 {
		return &types.RuleError{Field: "banned_categories", Detail: "rule set bans nothing"}
	}
	for id := range rs.BannedCategories {
		if id == "" {
			return &types.RuleError{Field: "banned_categories", Detail: "empty category id"}
		}
	}
	for i, kw := range rs.BannedKeywords {
		if kw == "" {
			return &types.RuleError{Field: "banned_keywords", Detail: fmt.Sprintf("empty keyword at index %d", i)}
		}
	}
	for i, kw := range rs.WatchKeywords {
		if kw == "" {
			return &types.RuleError{Field: "watch_keywords", Detail: fmt.Sprintf("empty keyword at index %d", i)}
		}
	}
	return nil
}
