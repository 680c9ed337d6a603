// Package tokens provides the deterministic token estimator behind the
// working-set token budget: eviction sums it over pinned and sliding items.
// The brief renderer does not call it. One formula, fixed here; mixing
// estimators would make eviction nondeterministic.
package tokens

import "github.com/aos-labs/contextd/internal/model"

// ItemOverhead is the flat per-item cost added for rendering an item's id,
// priority, and timestamp alongside its content.
const ItemOverhead = 4

// Estimate approximates the token count of text as ceil(len/4).
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// EstimateItem returns the budget cost of a context item. A precomputed
// item.Tokens overrides the content estimate but not the overhead.
func EstimateItem(it model.ContextItem) int {
	content := Estimate(it.Content)
	if it.Tokens != nil {
		content = *it.Tokens
	}
	return content + ItemOverhead
}

// EstimateItems sums EstimateItem over items.
func EstimateItems(items []model.ContextItem) int {
	total := 0
	for _, it := range items {
		total += EstimateItem(it)
	}
	return total
}

// EstimateWS returns the full budget cost of a working set: pinned plus
// sliding context.
func EstimateWS(ws *model.WorkingSet) int {
	return EstimateItems(ws.PinnedContext) + EstimateItems(ws.SlidingContext)
}
