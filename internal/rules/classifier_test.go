package rules

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asinwatch/harvester/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func record(title, desc string, path ...types.CategoryRef) *types.ProductRecord {
	return &types.ProductRecord{
		ASIN:         "B0TEST00001",
		Title:        title,
		Description:  desc,
		CategoryPath: path,
	}
}

func TestClassifyBannedCategory(t *testing.T) {
	c := NewClassifier(Default(), testLogger)
	rec := record("Wooden blocks", "stacking fun",
		types.CategoryRef{ID: "1000", Name: "Root"},
		types.CategoryRef{ID: "165793011", Name: "Toys & Games"},
	)

	cl := c.Classify(rec)
	assert.Equal(t, types.VerdictBanned, cl.Verdict)
	assert.Contains(t, cl.MatchedRule, "banned-category:165793011")
	assert.Equal(t, "2025.08", cl.RuleSetVersion)
}

func TestClassifyBannedKeywordCaseInsensitive(t *testing.T) {
	c := NewClassifier(Default(), testLogger)
	tests := []struct {
		name  string
		title string
		desc  string
		rule  string
	}{
		{"upper in title", "FDA Approved Massager", "", "banned-keyword:fda"},
		{"mixed in description", "Neck pillow", "great for Therapeutic use", "banned-keyword:therapeutic"},
		{"substring", "multivitamin gummies", "", "banned-keyword:vitamin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cl := c.Classify(record(tt.title, tt.desc))
			assert.Equal(t, types.VerdictBanned, cl.Verdict)
			assert.Equal(t, tt.rule, cl.MatchedRule)
		})
	}
}

func TestCategoryWinsOverKeyword(t *testing.T) {
	// A record matching both a banned category and a banned keyword
	// reports the category rule.
	c := NewClassifier(Default(), testLogger)
	rec := record("Vitamin organizer", "",
		types.CategoryRef{ID: "3760911", Name: "Health & Household"},
	)
	cl := c.Classify(rec)
	assert.Equal(t, types.VerdictBanned, cl.Verdict)
	assert.Contains(t, cl.MatchedRule, "banned-category:3760911")
}

func TestClassifyNeedsReview(t *testing.T) {
	c := NewClassifier(Default(), testLogger)

	cl := c.Classify(record("Bluetooth speaker", "portable sound"))
	assert.Equal(t, types.VerdictNeedsReview, cl.Verdict)
	assert.Equal(t, "watch-keyword:bluetooth", cl.MatchedRule)

	cl = c.Classify(record("Night light", "soft glow",
		types.CategoryRef{ID: "3760941", Name: "Baby Care"}))
	assert.Equal(t, types.VerdictNeedsReview, cl.Verdict)
	assert.Contains(t, cl.MatchedRule, "adjacent-category:3760941")
}

func TestBannedWinsOverReview(t *testing.T) {
	c := NewClassifier(Default(), testLogger)
	cl := c.Classify(record("Bluetooth vitamin dispenser", ""))
	assert.Equal(t, types.VerdictBanned, cl.Verdict)
	assert.Equal(t, "banned-keyword:vitamin", cl.MatchedRule)
}

func TestClassifySafeHasNoMatchedRule(t *testing.T) {
	c := NewClassifier(Default(), testLogger)
	cl := c.Classify(record("Stainless steel whisk", "kitchen tool",
		types.CategoryRef{ID: "284507", Name: "Kitchen & Dining"}))
	assert.Equal(t, types.VerdictSafe, cl.Verdict)
	assert.Empty(t, cl.MatchedRule)
}

func TestClassifyAllStampsVersion(t *testing.T) {
	c := NewClassifier(Default(), testLogger)
	recs := []*types.ProductRecord{
		record("whisk", ""),
		record("FDA device", ""),
	}
	out := c.ClassifyAll(recs)
	require.Len(t, out, 2)
	for _, cr := range out {
		assert.Equal(t, "2025.08", cr.Classification.RuleSetVersion)
		assert.False(t, cr.Classification.ClassifiedAt.IsZero())
	}
}

func TestLoadRuleSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	body := `{
		"version": "test.1",
		"banned_categories": {"42": "Test Category"},
		"banned_keywords": ["hazmat"],
		"watch_keywords": ["magnet"]
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	rs, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test.1", rs.Version)

	c := NewClassifier(rs, testLogger)
	cl := c.Classify(record("hazmat suit", ""))
	assert.Equal(t, types.VerdictBanned, cl.Verdict)
	assert.Equal(t, "test.1", cl.RuleSetVersion)
}

func TestValidateRejectsBadRuleSets(t *testing.T) {
	tests := []struct {
		name string
		rs   RuleSet
	}{
		{"missing version", RuleSet{BannedKeywords: []string{"x"}}},
		{"bans nothing", RuleSet{Version: "v1"}},
		{"empty keyword", RuleSet{Version: "v1", BannedKeywords: []string{""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rs.Validate()
			require.Error(t, err)
			var re *types.RuleError
			assert.ErrorAs(t, err, &re)
		})
	}
}
