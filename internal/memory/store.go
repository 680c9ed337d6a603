// Package memory implements the two-phase long-term memory store: mutations
// land as proposed batches and only a milestone-gated commit makes them
// visible. The Store interface is the substitution boundary for a vector
// backend; every implementation must honor the same staging, filtering, and
// deterministic-ordering contract.
package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/aos-labs/contextd/internal/model"
)

// Store is the long-term memory contract. The milestone gate itself lives in
// the service layer; Commit here only resolves a proposed batch.
type Store interface {
	// Propose validates and stages a batch of MCRs. Staged items are left out
	// of Search unless the query's status filter selects proposed items.
	// Returns the minted batch id and the staged item ids.
	Propose(ctx context.Context, runID string, mcrs []model.MCR, scopeFilters []model.MemoryScope) (string, []string, error)

	// Commit resolves a proposed batch: adds flip to committed, updates
	// overwrite their target's fields in place (no earlier version of the
	// target is kept), retracts tombstone their target. Returns the affected
	// item ids.
	Commit(ctx context.Context, batchID string) ([]string, error)

	// HasBatch reports whether a proposed batch is still pending.
	HasBatch(ctx context.Context, batchID string) (bool, error)

	// Search returns up to q.TopK items ranked by content match, ties broken
	// by (confidence desc, created_at desc, id asc). Identical inputs yield
	// identical ordering.
	Search(ctx context.Context, q model.SearchQuery) ([]model.SearchResult, error)

	// Retract tombstones a committed item directly.
	Retract(ctx context.Context, id, reason string) error

	// Get returns a copy of one item regardless of status.
	Get(ctx context.Context, id string) (model.MemoryItem, error)

	// Healthy reports backend reachability.
	Healthy(ctx context.Context) error

	// Name identifies the backend for health reporting.
	Name() string

	Close() error
}

// validateMCRs checks each MCR's shape and the advisory scope filter.
func validateMCRs(mcrs []model.MCR, scopeFilters []model.MemoryScope) error {
	allowed := map[model.MemoryScope]bool{}
	for _, s := range scopeFilters {
		allowed[s] = true
	}
	for i, m := range mcrs {
		switch m.Op {
		case model.MCRAdd:
			if m.Content == "" {
				return model.E(model.KindSchema, "mcrs[%d]: add requires content", i)
			}
			if m.Type == "" || m.Scope == "" {
				return model.E(model.KindSchema, "mcrs[%d]: add requires type and scope", i)
			}
		case model.MCRUpdate, model.MCRRetract:
			if m.TargetID == "" {
				return model.E(model.KindSchema, "mcrs[%d]: %s requires target_id", i, m.Op)
			}
		default:
			return model.E(model.KindSchema, "mcrs[%d]: unknown op %q", i, m.Op)
		}
		if len(allowed) > 0 && m.Scope != "" && !allowed[m.Scope] {
			return model.E(model.KindSchema, "mcrs[%d]: scope %q not allowed by scope_filters", i, m.Scope)
		}
	}
	return nil
}

// matchScore ranks content against a query: 2 for a whole-query substring
// hit, otherwise the fraction of query terms present. Zero means no match.
func matchScore(content, query string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	c := strings.ToLower(content)
	if strings.Contains(c, q) {
		return 2
	}
	terms := strings.Fields(q)
	if len(terms) == 0 {
		return 0
	}
	have := map[string]bool{}
	for _, t := range strings.Fields(c) {
		have[t] = true
	}
	hit := 0
	for _, t := range terms {
		if have[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

// rankAndTruncate applies the shared deterministic ordering and TopK cut.
func rankAndTruncate(results []model.SearchResult, topK int) []model.SearchResult {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Item.Confidence != b.Item.Confidence {
			return a.Item.Confidence > b.Item.Confidence
		}
		if !a.Item.CreatedAt.Equal(b.Item.CreatedAt) {
			return a.Item.CreatedAt.After(b.Item.CreatedAt)
		}
		return a.Item.ID < b.Item.ID
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// passesFilters applies the hard scope/type/status filters. Search defaults
// to committed items when no status filter is given.
func passesFilters(it *model.MemoryItem, q model.SearchQuery) bool {
	if q.Status != nil {
		if it.Status != *q.Status {
			return false
		}
	} else if it.Status != model.MemoryCommitted {
		return false
	}
	if q.Scope != nil && it.Scope != *q.Scope {
		return false
	}
	if q.ScopeID != "" && it.ScopeID != "" && it.ScopeID != q.ScopeID {
		return false
	}
	if q.Type != nil && it.Type != *q.Type {
		return false
	}
	return true
}
