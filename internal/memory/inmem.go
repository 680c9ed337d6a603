package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aos-labs/contextd/internal/model"
)

// stagedMCR is one pending mutation inside a proposed batch.
type stagedMCR struct {
	mcr    model.MCR
	itemID string // minted id for adds; target id otherwise
}

// InMem is the baseline Store. Reads are copy-on-read; writes take the store
// mutex, which is always acquired after any per-run mutex.
type InMem struct {
	mu      sync.Mutex
	items   map[string]*model.MemoryItem
	batches map[string][]stagedMCR
}

// NewInMem creates an empty in-process store.
func NewInMem() *InMem {
	return &InMem{
		items:   map[string]*model.MemoryItem{},
		batches: map[string][]stagedMCR{},
	}
}

func (s *InMem) Name() string { return "memory" }

func (s *InMem) Propose(ctx context.Context, runID string, mcrs []model.MCR, scopeFilters []model.MemoryScope) (string, []string, error) {
	if err := validateMCRs(mcrs, scopeFilters); err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchID := "batch_" + ulid.Make().String()
	now := time.Now().UTC()
	staged := make([]stagedMCR, 0, len(mcrs))
	ids := make([]string, 0, len(mcrs))

	for _, m := range mcrs {
		sm := stagedMCR{mcr: m, itemID: m.TargetID}
		if m.Op == model.MCRAdd {
			item := newItemFromMCR(m, batchID, now)
			s.items[item.ID] = item
			sm.itemID = item.ID
		} else if _, ok := s.items[m.TargetID]; !ok {
			return "", nil, model.E(model.KindNotFound, "target memory %s not found", m.TargetID)
		}
		staged = append(staged, sm)
		ids = append(ids, sm.itemID)
	}
	s.batches[batchID] = staged
	return batchID, ids, nil
}

func newItemFromMCR(m model.MCR, batchID string, now time.Time) *model.MemoryItem {
	confidence := 0.8
	if m.Confidence != nil {
		confidence = *m.Confidence
	}
	return &model.MemoryItem{
		SchemaVersion: model.SchemaVersion,
		ID:            "mem_" + ulid.Make().String(),
		Type:          m.Type,
		Scope:         m.Scope,
		ScopeID:       m.ScopeID,
		Content:       m.Content,
		Confidence:    confidence,
		Rationale:     m.Rationale,
		SourceRefs:    append([]string(nil), m.SourceRefs...),
		Status:        model.MemoryProposed,
		BatchID:       batchID,
		CreatedAt:     now,
	}
}

func (s *InMem) Commit(ctx context.Context, batchID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged, ok := s.batches[batchID]
	if !ok {
		return nil, model.E(model.KindUnknownBatch, "batch %s is not proposed", batchID)
	}

	now := time.Now().UTC()
	committed := make([]string, 0, len(staged))
	for _, sm := range staged {
		target, ok := s.items[sm.itemID]
		if !ok {
			continue
		}
		switch sm.mcr.Op {
		case model.MCRAdd:
			target.Status = model.MemoryCommitted
			target.CommittedAt = &now
		case model.MCRUpdate:
			applyOverrides(target, sm.mcr)
			target.CommittedAt = &now
		case model.MCRRetract:
			target.Status = model.MemoryRetracted
		}
		committed = append(committed, sm.itemID)
	}
	delete(s.batches, batchID)
	return committed, nil
}

// applyOverrides writes non-zero MCR fields onto a committed target. Status
// stays committed; retraction is its own op.
func applyOverrides(target *model.MemoryItem, m model.MCR) {
	if m.Content != "" {
		target.Content = m.Content
	}
	if m.Confidence != nil {
		target.Confidence = *m.Confidence
	}
	if m.Rationale != "" {
		target.Rationale = m.Rationale
	}
	if m.Type != "" {
		target.Type = m.Type
	}
	if len(m.SourceRefs) > 0 {
		target.SourceRefs = append([]string(nil), m.SourceRefs...)
	}
}

func (s *InMem) HasBatch(ctx context.Context, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.batches[batchID]
	return ok, nil
}

func (s *InMem) Search(ctx context.Context, q model.SearchQuery) ([]model.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []model.SearchResult
	for _, it := range s.items {
		if !passesFilters(it, q) {
			continue
		}
		score := matchScore(it.Content, q.Text)
		if q.Text != "" && score == 0 {
			continue
		}
		results = append(results, model.SearchResult{Item: it.Clone(), Score: score})
	}
	return rankAndTruncate(results, q.TopK), nil
}

func (s *InMem) Retract(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return model.E(model.KindNotFound, "memory %s not found", id)
	}
	if it.Status == model.MemoryProposed {
		return model.E(model.KindConflict, "memory %s is still proposed; commit or drop its batch", id)
	}
	it.Status = model.MemoryRetracted
	if reason != "" {
		it.Rationale = reason
	}
	return nil
}

func (s *InMem) Get(ctx context.Context, id string) (model.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return model.MemoryItem{}, model.E(model.KindNotFound, "memory %s not found", id)
	}
	return it.Clone(), nil
}

func (s *InMem) Healthy(ctx context.Context) error { return nil }

func (s *InMem) Close() error { return nil }
