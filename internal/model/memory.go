package model

import "time"

// MemoryType categorizes a long-term memory item.
type MemoryType string

const (
	MemoryFact       MemoryType = "fact"
	MemoryPreference MemoryType = "preference"
	MemorySkill      MemoryType = "skill"
	MemoryOther      MemoryType = "other"
)

// MemoryScope is the visibility domain of a memory item.
type MemoryScope string

const (
	ScopeGlobal MemoryScope = "global"
	ScopeRun    MemoryScope = "run"
	ScopeTask   MemoryScope = "task"
	ScopeThread MemoryScope = "thread"
)

// MemoryStatus is the lifecycle state of a memory item. Transitions form a
// DAG: proposed -> committed -> retracted, never backwards.
type MemoryStatus string

const (
	MemoryProposed  MemoryStatus = "proposed"
	MemoryCommitted MemoryStatus = "committed"
	MemoryRetracted MemoryStatus = "retracted"
)

// MCROp is the operation of a memory change request.
type MCROp string

const (
	MCRAdd     MCROp = "add"
	MCRUpdate  MCROp = "update"
	MCRRetract MCROp = "retract"
)

// MemoryItem is one long-term memory record.
type MemoryItem struct {
	SchemaVersion string       `json:"_schema_version" validate:"required,eq=2.1"`
	ID            string       `json:"id" validate:"required"`
	Type          MemoryType   `json:"type" validate:"required,oneof=fact preference skill other"`
	Scope         MemoryScope  `json:"scope" validate:"required,oneof=global run task thread"`
	ScopeID       string       `json:"scope_id,omitempty"`
	Content       string       `json:"content" validate:"required"`
	Confidence    float64      `json:"confidence" validate:"gte=0,lte=1"`
	Rationale     string       `json:"rationale,omitempty"`
	SourceRefs    []string     `json:"source_refs,omitempty"`
	Status        MemoryStatus `json:"status" validate:"required,oneof=proposed committed retracted"`
	BatchID       string       `json:"batch_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	CommittedAt   *time.Time   `json:"committed_at,omitempty"`
}

// Clone returns a deep copy for snapshot-semantics reads.
func (m *MemoryItem) Clone() MemoryItem {
	out := *m
	out.SourceRefs = append([]string(nil), m.SourceRefs...)
	if m.CommittedAt != nil {
		t := *m.CommittedAt
		out.CommittedAt = &t
	}
	return out
}

// MCR is a Memory Change Request, the input shape of a propose call.
// TargetID is required for update and retract ops.
type MCR struct {
	Op         MCROp       `json:"op" validate:"required,oneof=add update retract"`
	TargetID   string      `json:"target_id,omitempty"`
	Type       MemoryType  `json:"type,omitempty" validate:"omitempty,oneof=fact preference skill other"`
	Scope      MemoryScope `json:"scope,omitempty" validate:"omitempty,oneof=global run task thread"`
	ScopeID    string      `json:"scope_id,omitempty"`
	Content    string      `json:"content,omitempty"`
	Confidence *float64    `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Rationale  string      `json:"rationale,omitempty"`
	SourceRefs []string    `json:"source_refs,omitempty"`
}

// SearchQuery selects memory items; without a Status filter only committed
// items match.
type SearchQuery struct {
	Text    string
	Scope   *MemoryScope
	ScopeID string
	Type    *MemoryType
	Status  *MemoryStatus
	TopK    int
}

// SearchResult is one ranked hit from a memory search.
type SearchResult struct {
	Item  MemoryItem `json:"item"`
	Score float64    `json:"score"`
}
