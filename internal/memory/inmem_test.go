package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aos-labs/contextd/internal/model"
)

func addMCR(content string, conf float64) model.MCR {
	return model.MCR{
		Op:         model.MCRAdd,
		Type:       model.MemoryFact,
		Scope:      model.ScopeGlobal,
		Content:    content,
		Confidence: &conf,
	}
}

func TestProposeStagesWithoutVisibility(t *testing.T) {
	ctx := context.Background()
	s := NewInMem()

	batchID, ids, err := s.Propose(ctx, "run_1", []model.MCR{addMCR("the sky is blue", 0.9)}, nil)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.NotEmpty(t, batchID)

	it, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.MemoryProposed, it.Status)
	assert.Equal(t, batchID, it.BatchID)

	// Proposed items are invisible to default search.
	results, err := s.Search(ctx, model.SearchQuery{Text: "sky", TopK: 10})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCommitFlipsToCommitted(t *testing.T) {
	ctx := context.Background()
	s := NewInMem()

	batchID, ids, err := s.Propose(ctx, "run_1", []model.MCR{addMCR("the sky is blue", 0.9)}, nil)
	require.NoError(t, err)

	committed, err := s.Commit(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, ids, committed)

	it, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.MemoryCommitted, it.Status)
	require.NotNil(t, it.CommittedAt)

	results, err := s.Search(ctx, model.SearchQuery{Text: "sky", TopK: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ids[0], results[0].Item.ID)
}

func TestCommitUnknownBatch(t *testing.T) {
	s := NewInMem()
	_, err := s.Commit(context.Background(), "batch_nope")
	require.Error(t, err)
	assert.Equal(t, model.KindUnknownBatch, model.KindOf(err))
}

func TestBatchConsumedAfterCommit(t *testing.T) {
	ctx := context.Background()
	s := NewInMem()

	batchID, _, err := s.Propose(ctx, "run_1", []model.MCR{addMCR("x", 0.9)}, nil)
	require.NoError(t, err)
	_, err = s.Commit(ctx, batchID)
	require.NoError(t, err)

	ok, err := s.HasBatch(ctx, batchID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Commit(ctx, batchID)
	require.Error(t, err)
	assert.Equal(t, model.KindUnknownBatch, model.KindOf(err))
}

func TestUpdateAppliesOverridesOnCommit(t *testing.T) {
	ctx := context.Background()
	s := NewInMem()

	b1, ids, err := s.Propose(ctx, "run_1", []model.MCR{addMCR("old content", 0.5)}, nil)
	require.NoError(t, err)
	_, err = s.Commit(ctx, b1)
	require.NoError(t, err)

	newConf := 0.95
	b2, _, err := s.Propose(ctx, "run_1", []model.MCR{{
		Op:         model.MCRUpdate,
		TargetID:   ids[0],
		Content:    "new content",
		Confidence: &newConf,
	}}, nil)
	require.NoError(t, err)

	// Staged intent leaves the committed target untouched.
	it, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "old content", it.Content)

	_, err = s.Commit(ctx, b2)
	require.NoError(t, err)
	it, err = s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "new content", it.Content)
	assert.Equal(t, 0.95, it.Confidence)
	assert.Equal(t, model.MemoryCommitted, it.Status)
}

func TestRetractViaCommit(t *testing.T) {
	ctx := context.Background()
	s := NewInMem()

	b1, ids, err := s.Propose(ctx, "run_1", []model.MCR{addMCR("temp", 0.5)}, nil)
	require.NoError(t, err)
	_, err = s.Commit(ctx, b1)
	require.NoError(t, err)

	b2, _, err := s.Propose(ctx, "run_1", []model.MCR{{Op: model.MCRRetract, TargetID: ids[0]}}, nil)
	require.NoError(t, err)
	_, err = s.Commit(ctx, b2)
	require.NoError(t, err)

	it, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.MemoryRetracted, it.Status)
}

func TestStatusTransitionsNeverReverse(t *testing.T) {
	ctx := context.Background()
	s := NewInMem()

	b1, ids, err := s.Propose(ctx, "run_1", []model.MCR{addMCR("x", 0.5)}, nil)
	require.NoError(t, err)
	_, err = s.Commit(ctx, b1)
	require.NoError(t, err)
	require.NoError(t, s.Retract(ctx, ids[0], "stale"))

	it, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.MemoryRetracted, it.Status)

	// A retracted item stays retracted even through another retract.
	require.NoError(t, s.Retract(ctx, ids[0], "again"))
	it, err = s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.MemoryRetracted, it.Status)
}

func TestRetractProposedIsRejected(t *testing.T) {
	ctx := context.Background()
	s := NewInMem()

	_, ids, err := s.Propose(ctx, "run_1", []model.MCR{addMCR("x", 0.5)}, nil)
	require.NoError(t, err)

	err = s.Retract(ctx, ids[0], "too early")
	require.Error(t, err)
	assert.Equal(t, model.KindConflict, model.KindOf(err))
}

func TestScopeFilterAdvisoryPreCheck(t *testing.T) {
	ctx := context.Background()
	s := NewInMem()

	_, _, err := s.Propose(ctx, "run_1",
		[]model.MCR{addMCR("x", 0.5)},
		[]model.MemoryScope{model.ScopeRun})
	require.Error(t, err)
	assert.Equal(t, model.KindSchema, model.KindOf(err))
}

func TestUpdateRequiresTargetID(t *testing.T) {
	ctx := context.Background()
	s := NewInMem()
	_, _, err := s.Propose(ctx, "run_1", []model.MCR{{Op: model.MCRUpdate, Content: "x"}}, nil)
	require.Error(t, err)
	assert.Equal(t, model.KindSchema, model.KindOf(err))
}

func TestSearchRankingDeterministic(t *testing.T) {
	ctx := context.Background()
	s := NewInMem()

	commit := func(content string, conf float64) string {
		b, ids, err := s.Propose(ctx, "run_1", []model.MCR{addMCR(content, conf)}, nil)
		require.NoError(t, err)
		_, err = s.Commit(ctx, b)
		require.NoError(t, err)
		return ids[0]
	}

	low := commit("deploy checklist for service", 0.6)
	high := commit("deploy checklist for cluster", 0.9)
	commit("unrelated note", 0.99)

	for i := 0; i < 3; i++ {
		results, err := s.Search(ctx, model.SearchQuery{Text: "deploy checklist", TopK: 10})
		require.NoError(t, err)
		require.Len(t, results, 2)
		// Same substring score; higher confidence first.
		assert.Equal(t, high, results[0].Item.ID)
		assert.Equal(t, low, results[1].Item.ID)
	}
}

func TestSearchFilters(t *testing.T) {
	ctx := context.Background()
	s := NewInMem()

	conf := 0.9
	b, _, err := s.Propose(ctx, "run_1", []model.MCR{
		{Op: model.MCRAdd, Type: model.MemoryFact, Scope: model.ScopeGlobal, Content: "global fact", Confidence: &conf},
		{Op: model.MCRAdd, Type: model.MemorySkill, Scope: model.ScopeRun, ScopeID: "run_1", Content: "run skill", Confidence: &conf},
	}, nil)
	require.NoError(t, err)
	_, err = s.Commit(ctx, b)
	require.NoError(t, err)

	scope := model.ScopeRun
	results, err := s.Search(ctx, model.SearchQuery{Scope: &scope, ScopeID: "run_1", TopK: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.MemorySkill, results[0].Item.Type)

	typ := model.MemoryFact
	results, err = s.Search(ctx, model.SearchQuery{Type: &typ, TopK: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "global fact", results[0].Item.Content)

	status := model.MemoryProposed
	results, err = s.Search(ctx, model.SearchQuery{Status: &status, TopK: 10})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestTopKTruncates(t *testing.T) {
	ctx := context.Background()
	s := NewInMem()
	conf := 0.5
	var mcrs []model.MCR
	for i := 0; i < 10; i++ {
		mcrs = append(mcrs, model.MCR{
			Op: model.MCRAdd, Type: model.MemoryFact, Scope: model.ScopeGlobal,
			Content: "note about widgets", Confidence: &conf,
		})
	}
	b, _, err := s.Propose(ctx, "run_1", mcrs, nil)
	require.NoError(t, err)
	_, err = s.Commit(ctx, b)
	require.NoError(t, err)

	results, err := s.Search(ctx, model.SearchQuery{Text: "widgets", TopK: 3})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}
