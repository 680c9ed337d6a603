package brief

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aos-labs/contextd/internal/model"
)

func sampleWS() *model.WorkingSet {
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return &model.WorkingSet{
		SchemaVersion:      model.SchemaVersion,
		UpdateSeq:          4,
		RunID:              "run_brief",
		Objective:          "migrate the billing service",
		AcceptanceCriteria: []string{"all tests green", "zero downtime"},
		Constraints:        []string{"no schema changes"},
		Status:             model.StatusBusy,
		CurrentStage:       "implementation",
		NextAction:         "port the invoice worker",
		PinnedContext: []model.ContextItem{
			{ID: "pin1", Content: "API freeze until June", Timestamp: ts, Priority: 9},
		},
		SlidingContext: []model.ContextItem{
			{ID: "sl1", Content: "worker pool deadlocks at size 1", Timestamp: ts, Priority: 2},
		},
		Blockers: []string{"waiting on staging access"},
	}
}

func TestRenderIsPure(t *testing.T) {
	ws := sampleWS()
	ltm := []model.SearchResult{
		{Item: model.MemoryItem{ID: "mem_1", Content: "team prefers gradual rollouts", Confidence: 0.92}, Score: 2},
	}
	out1 := Render(ws, ltm)
	out2 := Render(ws, ltm)
	assert.Equal(t, out1, out2)
	assert.True(t, strings.HasSuffix(out1, "\n"))
}

func TestRenderSectionOrder(t *testing.T) {
	out := Render(sampleWS(), nil)
	sections := []string{
		"# CONTEXT BRIEF",
		"## 1. OBJECTIVE",
		"## 2. ACCEPTANCE CRITERIA",
		"## 3. CONSTRAINTS & BUDGETS",
		"## 4. PINNED CONTEXT",
		"## 5. RECENT / SLIDING CONTEXT",
		"## 6. RETRIEVED LONG-TERM MEMORY",
		"## 7. STATUS",
	}
	last := -1
	for _, s := range sections {
		idx := strings.Index(out, s)
		require.GreaterOrEqual(t, idx, 0, "missing section %q", s)
		assert.Greater(t, idx, last, "section %q out of order", s)
		last = idx
	}
}

func TestRenderContent(t *testing.T) {
	out := Render(sampleWS(), nil)
	assert.Contains(t, out, "migrate the billing service")
	assert.Contains(t, out, "- all tests green")
	assert.Contains(t, out, "API freeze until June (id=pin1)")
	assert.Contains(t, out, "(pri=2 ts=2026-05-01T09:00:00Z)")
	assert.Contains(t, out, "- status: BUSY")
	assert.Contains(t, out, "  - waiting on staging access")
}

func TestRenderFiltersLowConfidenceMemory(t *testing.T) {
	ltm := []model.SearchResult{
		{Item: model.MemoryItem{ID: "mem_lo", Content: "shaky guess", Confidence: 0.4}},
		{Item: model.MemoryItem{ID: "mem_hi", Content: "solid fact", Confidence: 0.9}},
	}
	out := Render(sampleWS(), ltm)
	assert.NotContains(t, out, "shaky guess")
	assert.Contains(t, out, "solid fact (memory_id=mem_hi conf=0.90)")
}

func TestRenderEmptyWS(t *testing.T) {
	ws := &model.WorkingSet{
		SchemaVersion: model.SchemaVersion,
		RunID:         "run_empty",
		Status:        model.StatusBoot,
	}
	out := Render(ws, nil)
	assert.Contains(t, out, "(unset)")
	assert.Contains(t, out, "- (none)")
	assert.Contains(t, out, "- blockers: (none)")
}
