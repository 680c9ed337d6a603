// Package model defines the core domain types for contextd.
//
// All persisted documents carry SchemaVersion and use strong typing
// (enums, time.Time, explicit optional fields) past the validation
// boundary; handlers never traffic in open maps.
package model

import "time"

// SchemaVersion is stamped on every persisted document.
const SchemaVersion = "2.1"

// RunStatus represents the lifecycle state of a run's working set.
type RunStatus string

const (
	StatusBoot   RunStatus = "BOOT"
	StatusBusy   RunStatus = "BUSY"
	StatusIdle   RunStatus = "IDLE"
	StatusDone   RunStatus = "DONE"
	StatusFailed RunStatus = "FAILED"
)

// ContextItem is one entry in the pinned or sliding context of a working set.
type ContextItem struct {
	ID        string    `json:"id" validate:"required"`
	Content   string    `json:"content" validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Priority  int       `json:"priority"`
	Tokens    *int      `json:"tokens,omitempty" validate:"omitempty,gte=0"`
}

// WorkingSet is the live, mutable task-state document for one run.
// UpdateSeq increases by exactly 1 per successful patch and is the
// optimistic-concurrency version counter.
type WorkingSet struct {
	SchemaVersion string `json:"_schema_version" validate:"required,eq=2.1"`
	UpdateSeq     uint64 `json:"_update_seq"`

	RunID    string `json:"run_id" validate:"required"`
	TaskID   string `json:"task_id"`
	ThreadID string `json:"thread_id"`

	Objective          string   `json:"objective"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Constraints        []string `json:"constraints"`

	Status       RunStatus `json:"status" validate:"required,oneof=BOOT BUSY IDLE DONE FAILED"`
	CurrentStage string    `json:"current_stage"`
	NextAction   string    `json:"next_action"`

	PinnedContext  []ContextItem `json:"pinned_context" validate:"dive"`
	SlidingContext []ContextItem `json:"sliding_context" validate:"dive"`

	ArtifactRefs      []string `json:"artifact_refs,omitempty"`
	Blockers          []string `json:"blockers,omitempty"`
	LastActionSummary string   `json:"last_action_summary,omitempty"`
}

// Clone returns a deep copy. Episodes snapshot working sets by value, never
// by reference.
func (ws *WorkingSet) Clone() *WorkingSet {
	out := *ws
	out.AcceptanceCriteria = append([]string(nil), ws.AcceptanceCriteria...)
	out.Constraints = append([]string(nil), ws.Constraints...)
	out.ArtifactRefs = append([]string(nil), ws.ArtifactRefs...)
	out.Blockers = append([]string(nil), ws.Blockers...)
	out.PinnedContext = cloneItems(ws.PinnedContext)
	out.SlidingContext = cloneItems(ws.SlidingContext)
	return &out
}

func cloneItems(items []ContextItem) []ContextItem {
	if items == nil {
		return nil
	}
	out := make([]ContextItem, len(items))
	for i, it := range items {
		out[i] = it
		if it.Tokens != nil {
			n := *it.Tokens
			out[i].Tokens = &n
		}
	}
	return out
}

// ItemIDs returns the ids of all context items, pinned first.
func (ws *WorkingSet) ItemIDs() []string {
	ids := make([]string, 0, len(ws.PinnedContext)+len(ws.SlidingContext))
	for _, it := range ws.PinnedContext {
		ids = append(ids, it.ID)
	}
	for _, it := range ws.SlidingContext {
		ids = append(ids, it.ID)
	}
	return ids
}

// WSPatch is the mutation request applied to a working set under optimistic
// concurrency. Directives apply in order: set, pinned_remove, pinned_append,
// sliding_remove, sliding_append, status.
type WSPatch struct {
	SchemaVersion string `json:"_schema_version" validate:"required,eq=2.1"`
	ExpectedSeq   uint64 `json:"expected_seq"`

	Set           *WSPatchSet   `json:"set,omitempty"`
	PinnedRemove  []string      `json:"pinned_remove,omitempty"`
	PinnedAppend  []ContextItem `json:"pinned_append,omitempty" validate:"dive"`
	SlidingRemove []string      `json:"sliding_remove,omitempty"`
	SlidingAppend []ContextItem `json:"sliding_append,omitempty" validate:"dive"`
	Status        *RunStatus    `json:"status,omitempty" validate:"omitempty,oneof=BOOT BUSY IDLE DONE FAILED"`
}

// WSPatchSet holds shallow field overrides. Identity fields, the schema
// version, the sequence counter, and the objective are immutable and have no
// directive here; unknown fields are rejected at decode time.
type WSPatchSet struct {
	AcceptanceCriteria *[]string  `json:"acceptance_criteria,omitempty"`
	Constraints        *[]string  `json:"constraints,omitempty"`
	Status             *RunStatus `json:"status,omitempty" validate:"omitempty,oneof=BOOT BUSY IDLE DONE FAILED"`
	CurrentStage       *string    `json:"current_stage,omitempty"`
	NextAction         *string    `json:"next_action,omitempty"`
	ArtifactRefs       *[]string  `json:"artifact_refs,omitempty"`
	Blockers           *[]string  `json:"blockers,omitempty"`
	LastActionSummary  *string    `json:"last_action_summary,omitempty"`
}

// Summary describes the directives a patch carried, for the ledger payload.
func (p *WSPatch) Summary() map[string]int {
	s := map[string]int{}
	if p.Set != nil {
		s["set"] = 1
	}
	if len(p.PinnedRemove) > 0 {
		s["pinned_remove"] = len(p.PinnedRemove)
	}
	if len(p.PinnedAppend) > 0 {
		s["pinned_append"] = len(p.PinnedAppend)
	}
	if len(p.SlidingRemove) > 0 {
		s["sliding_remove"] = len(p.SlidingRemove)
	}
	if len(p.SlidingAppend) > 0 {
		s["sliding_append"] = len(p.SlidingAppend)
	}
	if p.Status != nil {
		s["status"] = 1
	}
	return s
}
