package rules

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/asinwatch/harvester/internal/types"
)

// Classifier applies a rule set to harvested records. Rules are checked
// in a fixed order; the first match wins:
//
//  1. banned category on the record's category path
//  2. banned keyword in title or description
//  3. review heuristics (watch keywords, adjacent categories)
//  4. safe
type Classifier struct {
	rules  *RuleSet
	logger *slog.Logger
	now    func() time.Time
}

// NewClassifier builds a classifier over the given rule set.
func NewClassifier(rs *RuleSet, logger *slog.Logger) *Classifier {
	return &Classifier{
		rules:  rs,
		logger: logger.With("component", "classifier"),
		now:    time.Now,
	}
}

// Version returns the version of the active rule set.
func (c *Classifier) Version() string { return c.rules.Version }

// Classify assigns a verdict to one record. Banned verdicts always name
// the matched rule; safe verdicts never do.
func (c *Classifier) Classify(rec *types.ProductRecord) types.Classification {
	cl := types.Classification{
		RuleSetVersion: c.rules.Version,
		ClassifiedAt:   c.now().UTC(),
	}

	if id, label, ok := c.matchCategory(rec, c.rules.BannedCategories); ok {
		cl.Verdict = types.VerdictBanned
		cl.MatchedRule = fmt.Sprintf("banned-category:%s (%s)", id, label)
		return cl
	}

	text := strings.ToLower(rec.Title + " " + rec.Description)
	for _, kw := range c.rules.BannedKeywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			cl.Verdict = types.VerdictBanned
			cl.MatchedRule = "banned-keyword:" + kw
			return cl
		}
	}

	for _, kw := range c.rules.WatchKeywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			cl.Verdict = types.VerdictNeedsReview
			cl.MatchedRule = "watch-keyword:" + kw
			return cl
		}
	}
	if id, label, ok := c.matchCategory(rec, c.rules.AdjacentCategories); ok {
		cl.Verdict = types.VerdictNeedsReview
		cl.MatchedRule = fmt.Sprintf("adjacent-category:%s (%s)", id, label)
		return cl
	}

	cl.Verdict = types.VerdictSafe
	return cl
}

// ClassifyAll classifies a batch of records.
func (c *Classifier) ClassifyAll(recs []*types.ProductRecord) []*types.ClassifiedRecord {
	out := make([]*types.ClassifiedRecord, 0, len(recs))
	for _, rec := range recs {
		cl := c.Classify(rec)
		if cl.Verdict == types.VerdictBanned {
			c.logger.Debug("record banned",
				"asin", rec.ASIN,
				"rule", cl.MatchedRule,
				"category", rec.LeafCategory().Name,
			)
		}
		out = append(out, &types.ClassifiedRecord{Record: rec, Classification: cl})
	}
	return out
}

func (c *Classifier) matchCategory(rec *types.ProductRecord, table map[string]string) (id, label string, ok bool) {
	for _, cat := range rec.CategoryPath {
		if l, found := table[cat.ID]; found {
			return cat.ID, l, true
		}
	}
	return "", "", false
}
