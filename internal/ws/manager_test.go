package ws

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aos-labs/contextd/internal/fsio"
	"github.com/aos-labs/contextd/internal/ledger"
	"github.com/aos-labs/contextd/internal/model"
)

func newTestManager(t *testing.T, budget, pinnedMax int) (*Manager, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()
	led, err := ledger.Open(filepath.Join(dir, "run.jsonl"), fsio.LockNone)
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	m := NewManager(Params{
		Path:        filepath.Join(dir, "working_set.json"),
		Ledger:      led,
		TokenBudget: budget,
		PinnedMax:   pinnedMax,
	})
	return m, led
}

func boot(t *testing.T, m *Manager) *model.WorkingSet {
	t.Helper()
	ws, err := m.CreateInitial(CreateParams{
		RunID:     "run_test",
		Objective: "ship the thing",
	})
	require.NoError(t, err)
	return ws
}

func patchSet(expected uint64, status model.RunStatus) *model.WSPatch {
	return &model.WSPatch{
		SchemaVersion: model.SchemaVersion,
		ExpectedSeq:   expected,
		Status:        &status,
	}
}

func item(id, content string, pri int, ts time.Time) model.ContextItem {
	return model.ContextItem{ID: id, Content: content, Priority: pri, Timestamp: ts}
}

func TestCreateInitial(t *testing.T) {
	m, led := newTestManager(t, 8192, 32)
	ws := boot(t, m)

	assert.Equal(t, uint64(0), ws.UpdateSeq)
	assert.Equal(t, model.StatusBoot, ws.Status)
	assert.Equal(t, "BOOT", ws.CurrentStage)
	assert.Empty(t, ws.PinnedContext)
	assert.Empty(t, ws.SlidingContext)

	events, err := led.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventBoot, events[0].EventType)
	assert.Equal(t, uint64(0), events[0].Seq())
}

func TestCreateInitialRefusesSecondBoot(t *testing.T) {
	m, _ := newTestManager(t, 8192, 32)
	boot(t, m)
	_, err := m.CreateInitial(CreateParams{RunID: "run_test", Objective: "again"})
	require.Error(t, err)
	assert.Equal(t, model.KindConflict, model.KindOf(err))
}

func TestApplyPatchIncrementsSeqByOne(t *testing.T) {
	m, led := newTestManager(t, 8192, 32)
	boot(t, m)

	ws, err := m.ApplyPatch(patchSet(0, model.StatusBusy))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ws.UpdateSeq)
	assert.Equal(t, model.StatusBusy, ws.Status)

	events, err := led.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventWSUpdateApplied, events[1].EventType)
	assert.EqualValues(t, 0, events[1].Payload["before_seq"])
	assert.EqualValues(t, 1, events[1].Payload["after_seq"])
}

func TestStaleSeqIsConflict(t *testing.T) {
	m, led := newTestManager(t, 8192, 32)
	boot(t, m)

	_, err := m.ApplyPatch(patchSet(0, model.StatusBusy))
	require.NoError(t, err)

	_, err = m.ApplyPatch(patchSet(0, model.StatusIdle))
	require.Error(t, err)
	assert.Equal(t, model.KindConflict, model.KindOf(err))
	assert.EqualValues(t, 1, model.DetailsOf(err)["current_seq"])

	// Ledger has BOOT, one applied, one rejected.
	events, lerr := led.ReadAll()
	require.NoError(t, lerr)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventWSUpdateRejected, events[2].EventType)
	assert.Equal(t, "conflict", events[2].Payload["reason"])

	// Conflict did not advance the sequence.
	ws, lerr2 := m.Load()
	require.NoError(t, lerr2)
	assert.Equal(t, uint64(1), ws.UpdateSeq)
}

func TestDeterministicEviction(t *testing.T) {
	m, _ := newTestManager(t, 10, 32)
	boot(t, m)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	content := strings.Repeat("x", 20) // 5 tokens + overhead
	patch := &model.WSPatch{
		SchemaVersion: model.SchemaVersion,
		ExpectedSeq:   0,
		SlidingAppend: []model.ContextItem{
			item("A", content, 1, base),
			item("B", content, 2, base.Add(time.Second)),
			item("C", content, 1, base.Add(2*time.Second)),
		},
	}
	ws, err := m.ApplyPatch(patch)
	require.NoError(t, err)

	// Low priority evicts first, timestamp breaks the tie: A then C go.
	require.Len(t, ws.SlidingContext, 1)
	assert.Equal(t, "B", ws.SlidingContext[0].ID)
}

func TestEvictionIsRerunnable(t *testing.T) {
	m, _ := newTestManager(t, 10, 32)
	m2, _ := newTestManager(t, 10, 32)
	boot(t, m)
	boot(t, m2)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	content := strings.Repeat("x", 20)
	mk := func() *model.WSPatch {
		return &model.WSPatch{
			SchemaVersion: model.SchemaVersion,
			ExpectedSeq:   0,
			SlidingAppend: []model.ContextItem{
				item("A", content, 1, base),
				item("B", content, 1, base),
				item("C", content, 1, base),
			},
		}
	}

	ws1, err := m.ApplyPatch(mk())
	require.NoError(t, err)
	ws2, err := m2.ApplyPatch(mk())
	require.NoError(t, err)

	// Identical inputs, identical survivors (id breaks the full tie).
	require.Equal(t, len(ws1.SlidingContext), len(ws2.SlidingContext))
	for i := range ws1.SlidingContext {
		assert.Equal(t, ws1.SlidingContext[i].ID, ws2.SlidingContext[i].ID)
	}
}

func TestPinnedNeverEvicted(t *testing.T) {
	m, _ := newTestManager(t, 20, 32)
	boot(t, m)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	content := strings.Repeat("x", 20)
	ws, err := m.ApplyPatch(&model.WSPatch{
		SchemaVersion: model.SchemaVersion,
		ExpectedSeq:   0,
		PinnedAppend:  []model.ContextItem{item("keep", content, 0, base)},
		SlidingAppend: []model.ContextItem{
			item("s1", content, 5, base),
			item("s2", content, 5, base),
		},
	})
	require.NoError(t, err)

	require.Len(t, ws.PinnedContext, 1)
	assert.Equal(t, "keep", ws.PinnedContext[0].ID)
	// Budget 20 fits pinned (9) plus one sliding item (9).
	require.Len(t, ws.SlidingContext, 1)
}

func TestPinnedAloneOverBudgetFails(t *testing.T) {
	m, led := newTestManager(t, 10, 32)
	boot(t, m)

	_, err := m.ApplyPatch(&model.WSPatch{
		SchemaVersion: model.SchemaVersion,
		ExpectedSeq:   0,
		PinnedAppend: []model.ContextItem{
			item("p1", strings.Repeat("x", 40), 0, time.Now().UTC()),
			item("p2", strings.Repeat("x", 40), 0, time.Now().UTC()),
		},
	})
	require.Error(t, err)
	assert.Equal(t, model.KindOverflow, model.KindOf(err))

	events, lerr := led.ReadAll()
	require.NoError(t, lerr)
	last := events[len(events)-1]
	assert.Equal(t, model.EventWSUpdateRejected, last.EventType)
	assert.Equal(t, "overflow", last.Payload["reason"])
}

func TestPinnedMaxEnforced(t *testing.T) {
	m, _ := newTestManager(t, 8192, 2)
	boot(t, m)

	now := time.Now().UTC()
	_, err := m.ApplyPatch(&model.WSPatch{
		SchemaVersion: model.SchemaVersion,
		ExpectedSeq:   0,
		PinnedAppend: []model.ContextItem{
			item("p1", "a", 0, now), item("p2", "b", 0, now), item("p3", "c", 0, now),
		},
	})
	require.Error(t, err)
	assert.Equal(t, model.KindOverflow, model.KindOf(err))
}

func TestDuplicateItemIDRejected(t *testing.T) {
	m, _ := newTestManager(t, 8192, 32)
	boot(t, m)

	now := time.Now().UTC()
	_, err := m.ApplyPatch(&model.WSPatch{
		SchemaVersion: model.SchemaVersion,
		ExpectedSeq:   0,
		SlidingAppend: []model.ContextItem{item("dup", "one", 0, now)},
	})
	require.NoError(t, err)

	_, err = m.ApplyPatch(&model.WSPatch{
		SchemaVersion: model.SchemaVersion,
		ExpectedSeq:   1,
		PinnedAppend:  []model.ContextItem{item("dup", "two", 0, now)},
	})
	require.Error(t, err)
	assert.Equal(t, model.KindSchema, model.KindOf(err))
	assert.Equal(t, "dup", model.DetailsOf(err)["item_id"])
}

func TestRemoveUnknownIDIsNoOp(t *testing.T) {
	m, _ := newTestManager(t, 8192, 32)
	boot(t, m)

	ws, err := m.ApplyPatch(&model.WSPatch{
		SchemaVersion: model.SchemaVersion,
		ExpectedSeq:   0,
		SlidingRemove: []string{"ghost"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ws.UpdateSeq)
}

func TestDirectivesApplyInOrder(t *testing.T) {
	m, _ := newTestManager(t, 8192, 32)
	boot(t, m)

	now := time.Now().UTC()
	_, err := m.ApplyPatch(&model.WSPatch{
		SchemaVersion: model.SchemaVersion,
		ExpectedSeq:   0,
		SlidingAppend: []model.ContextItem{item("old", "old content", 0, now)},
	})
	require.NoError(t, err)

	// Removing an id and re-adding it in the same patch must not collide:
	// removes run before appends.
	ws, err := m.ApplyPatch(&model.WSPatch{
		SchemaVersion: model.SchemaVersion,
		ExpectedSeq:   1,
		SlidingRemove: []string{"old"},
		SlidingAppend: []model.ContextItem{item("old", "new content", 0, now)},
	})
	require.NoError(t, err)
	require.Len(t, ws.SlidingContext, 1)
	assert.Equal(t, "new content", ws.SlidingContext[0].Content)
}

func TestLedgerAheadFlagsPhantomEvents(t *testing.T) {
	m, led := newTestManager(t, 8192, 32)
	boot(t, m)

	// Simulate a ledger ahead of the file: an applied event lands in the
	// ledger while the WS file never advanced.
	_, err := led.Append(&model.LedgerEvent{
		SchemaVersion: model.SchemaVersion,
		EventID:       "ev_phantom",
		EventType:     model.EventWSUpdateApplied,
		Timestamp:     time.Now().UTC(),
		Payload:       map[string]any{"before_seq": 0, "after_seq": 1, "directives_summary": map[string]any{}},
	})
	require.NoError(t, err)

	ahead, maxSeq, err := m.LedgerAhead()
	require.NoError(t, err)
	assert.True(t, ahead)
	assert.Equal(t, uint64(1), maxSeq)

	// The file stays the source of truth.
	ws, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ws.UpdateSeq)
}
