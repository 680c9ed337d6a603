// Package ws implements the Working-Set Manager: load/validate/patch the
// per-run working set with optimistic concurrency and deterministic eviction
// under a token budget.
package ws

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aos-labs/contextd/internal/fsio"
	"github.com/aos-labs/contextd/internal/ledger"
	"github.com/aos-labs/contextd/internal/model"
	"github.com/aos-labs/contextd/internal/schema"
	"github.com/aos-labs/contextd/internal/tokens"
)

// Manager owns one run's working-set file plus an in-memory mirror. All
// mutations go through the internal mutex; the ledger records every accepted
// and rejected update.
type Manager struct {
	mu        sync.Mutex
	path      string
	ledger    *ledger.Ledger
	budget    int
	pinnedMax int
	cached    *model.WorkingSet
}

// Params configures a Manager.
type Params struct {
	Path        string
	Ledger      *ledger.Ledger
	TokenBudget int
	PinnedMax   int
}

// NewManager creates a manager for the working set at p.Path.
func NewManager(p Params) *Manager {
	return &Manager{
		path:      p.Path,
		ledger:    p.Ledger,
		budget:    p.TokenBudget,
		pinnedMax: p.PinnedMax,
	}
}

// Exists reports whether a working set has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// CreateParams are the inputs for a fresh working set.
type CreateParams struct {
	RunID              string
	TaskID             string
	ThreadID           string
	Objective          string
	AcceptanceCriteria []string
	Constraints        []string
}

// CreateInitial builds the seq-0 working set, persists it atomically, and
// records the BOOT ledger event. Refuses if a working set already exists.
func (m *Manager) CreateInitial(p CreateParams) (*model.WorkingSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Exists() {
		return nil, model.E(model.KindConflict, "working set already exists for run %s", p.RunID)
	}

	ws := &model.WorkingSet{
		SchemaVersion:      model.SchemaVersion,
		UpdateSeq:          0,
		RunID:              p.RunID,
		TaskID:             p.TaskID,
		ThreadID:           p.ThreadID,
		Objective:          p.Objective,
		AcceptanceCriteria: append([]string(nil), p.AcceptanceCriteria...),
		Constraints:        append([]string(nil), p.Constraints...),
		Status:             model.StatusBoot,
		CurrentStage:       "BOOT",
		NextAction:         "",
		PinnedContext:      []model.ContextItem{},
		SlidingContext:     []model.ContextItem{},
	}
	if err := m.persist(ws); err != nil {
		return nil, err
	}
	m.cached = ws

	m.appendEvent(model.EventBoot, map[string]any{
		"run_id":    p.RunID,
		"objective": p.Objective,
	})
	return ws.Clone(), nil
}

// Load reads the working set from disk, validates it, and caches it.
func (m *Manager) Load() (*model.WorkingSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.loadLocked()
	if err != nil {
		return nil, err
	}
	return ws.Clone(), nil
}

func (m *Manager) loadLocked() (*model.WorkingSet, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.E(model.KindNotFound, "working set not found at %s", m.path)
		}
		return nil, model.EWrap(model.KindIO, err, "read working set")
	}
	var ws model.WorkingSet
	if err := schema.Decode(data, &ws); err != nil {
		return nil, model.EWrap(model.KindCorruption, err, "working set invalid at %s", m.path)
	}
	m.cached = &ws
	return &ws, nil
}

// LedgerAhead reports whether the ledger records a WS_UPDATE_APPLIED with an
// after_seq beyond the on-disk working set, i.e. a ledger ahead of the file.
// The WS file stays the source of truth and nothing is auto-repaired. A WS
// write whose ledger append was lost leaves the file ahead of the ledger;
// that case is not reported here.
func (m *Manager) LedgerAhead() (bool, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.loadLocked()
	if err != nil {
		return false, 0, err
	}
	events, err := m.ledger.ReadAll()
	if err != nil {
		return false, 0, err
	}
	var maxSeq uint64
	for _, ev := range events {
		if ev.EventType != model.EventWSUpdateApplied {
			continue
		}
		if after, ok := numField(ev.Payload, "after_seq"); ok && after > maxSeq {
			maxSeq = after
		}
	}
	return maxSeq > ws.UpdateSeq, maxSeq, nil
}

// ApplyPatch applies patch under the manager mutex with compare-and-swap on
// the update sequence. On success the new working set is persisted atomically
// and a WS_UPDATE_APPLIED event is recorded; every rejection is recorded as
// WS_UPDATE_REJECTED with its reason.
func (m *Manager) ApplyPatch(patch *model.WSPatch) (*model.WorkingSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-read from disk so a crashed or external writer can't be shadowed by
	// a stale cache.
	current, err := m.loadLocked()
	if err != nil {
		return nil, err
	}

	if patch.ExpectedSeq != current.UpdateSeq {
		m.reject("conflict", &current.UpdateSeq, "")
		e := model.E(model.KindConflict, "expected_seq %d does not match current %d",
			patch.ExpectedSeq, current.UpdateSeq)
		return nil, e.WithDetail("current_seq", current.UpdateSeq)
	}

	if err := schema.Check(patch); err != nil {
		m.reject("schema", &current.UpdateSeq, err.Error())
		return nil, err
	}

	next := current.Clone()
	if err := applyDirectives(next, patch); err != nil {
		m.reject(rejectReason(err), &current.UpdateSeq, err.Error())
		return nil, err
	}

	if len(next.PinnedContext) > m.pinnedMax {
		err := model.E(model.KindOverflow, "pinned context has %d items, max %d",
			len(next.PinnedContext), m.pinnedMax)
		m.reject("overflow", &current.UpdateSeq, err.Error())
		return nil, err
	}

	if err := m.evict(next); err != nil {
		m.reject("overflow", &current.UpdateSeq, err.Error())
		return nil, err
	}

	next.UpdateSeq = current.UpdateSeq + 1
	if err := m.persist(next); err != nil {
		return nil, err
	}
	m.cached = next

	m.appendEventPayload(model.EventWSUpdateApplied, model.WSUpdateAppliedPayload{
		BeforeSeq:         current.UpdateSeq,
		AfterSeq:          next.UpdateSeq,
		DirectivesSummary: patch.Summary(),
	})
	return next.Clone(), nil
}

func applyDirectives(ws *model.WorkingSet, patch *model.WSPatch) error {
	if s := patch.Set; s != nil {
		if s.AcceptanceCriteria != nil {
			ws.AcceptanceCriteria = append([]string(nil), (*s.AcceptanceCriteria)...)
		}
		if s.Constraints != nil {
			ws.Constraints = append([]string(nil), (*s.Constraints)...)
		}
		if s.Status != nil {
			ws.Status = *s.Status
		}
		if s.CurrentStage != nil {
			ws.CurrentStage = *s.CurrentStage
		}
		if s.NextAction != nil {
			ws.NextAction = *s.NextAction
		}
		if s.ArtifactRefs != nil {
			ws.ArtifactRefs = append([]string(nil), (*s.ArtifactRefs)...)
		}
		if s.Blockers != nil {
			ws.Blockers = append([]string(nil), (*s.Blockers)...)
		}
		if s.LastActionSummary != nil {
			ws.LastActionSummary = *s.LastActionSummary
		}
	}

	ws.PinnedContext = removeItems(ws.PinnedContext, patch.PinnedRemove)
	if err := appendItems(ws, &ws.PinnedContext, patch.PinnedAppend); err != nil {
		return err
	}
	ws.SlidingContext = removeItems(ws.SlidingContext, patch.SlidingRemove)
	if err := appendItems(ws, &ws.SlidingContext, patch.SlidingAppend); err != nil {
		return err
	}

	if patch.Status != nil {
		ws.Status = *patch.Status
	}
	return nil
}

// removeItems drops items whose id is listed; unknown ids are a no-op.
func removeItems(items []model.ContextItem, ids []string) []model.ContextItem {
	if len(ids) == 0 {
		return items
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := items[:0:0]
	for _, it := range items {
		if _, gone := drop[it.ID]; !gone {
			kept = append(kept, it)
		}
	}
	return kept
}

func appendItems(ws *model.WorkingSet, dst *[]model.ContextItem, items []model.ContextItem) error {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ws.PinnedContext)+len(ws.SlidingContext))
	for _, id := range ws.ItemIDs() {
		seen[id] = struct{}{}
	}
	for _, it := range items {
		if _, dup := seen[it.ID]; dup {
			e := model.E(model.KindSchema, "duplicate context item id %q", it.ID)
			return e.WithDetail("item_id", it.ID)
		}
		seen[it.ID] = struct{}{}
		*dst = append(*dst, it)
	}
	return nil
}

// evict removes sliding items in (priority ASC, timestamp ASC, id ASC) order
// until the total estimated tokens of pinned plus sliding fit the budget.
// Pinned items are never evicted; if they alone exceed the budget the patch
// fails instead.
func (m *Manager) evict(ws *model.WorkingSet) error {
	if tokens.EstimateWS(ws) <= m.budget {
		return nil
	}

	order := make([]model.ContextItem, len(ws.SlidingContext))
	copy(order, ws.SlidingContext)
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})

	total := tokens.EstimateWS(ws)
	evicted := make(map[string]struct{})
	for _, victim := range order {
		if total <= m.budget {
			break
		}
		evicted[victim.ID] = struct{}{}
		total -= tokens.EstimateItem(victim)
	}
	if total > m.budget {
		return model.E(model.KindOverflow,
			"pinned context alone needs %d tokens, budget %d", total, m.budget)
	}

	kept := ws.SlidingContext[:0:0]
	for _, it := range ws.SlidingContext {
		if _, gone := evicted[it.ID]; !gone {
			kept = append(kept, it)
		}
	}
	ws.SlidingContext = kept
	return nil
}

func (m *Manager) persist(ws *model.WorkingSet) error {
	if err := schema.Check(ws); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return model.EWrap(model.KindIO, err, "marshal working set")
	}
	return fsio.WriteAtomic(m.path, append(data, '\n'))
}

func (m *Manager) reject(reason string, currentSeq *uint64, detail string) {
	m.appendEventPayload(model.EventWSUpdateRejected, model.WSUpdateRejectedPayload{
		Reason:     reason,
		CurrentSeq: currentSeq,
		Detail:     detail,
	})
}

// appendEventPayload ledgers a typed payload. Append failures here are the
// one non-atomic window (WS persisted, event lost). They do not fail the
// caller and are not logged, and LedgerAhead does not report them: the file
// ends up ahead of the ledger, not behind it.
func (m *Manager) appendEventPayload(t model.EventType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return
	}
	m.appendEvent(t, asMap)
}

func (m *Manager) appendEvent(t model.EventType, payload map[string]any) {
	_, _ = m.ledger.Append(&model.LedgerEvent{
		SchemaVersion: model.SchemaVersion,
		EventID:       "ev_" + ulid.Make().String(),
		EventType:     t,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	})
}

func rejectReason(err error) string {
	switch model.KindOf(err) {
	case model.KindOverflow:
		return "overflow"
	default:
		return "schema"
	}
}

func numField(payload map[string]any, key string) (uint64, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return uint64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return uint64(i), true
	default:
		return 0, false
	}
}
