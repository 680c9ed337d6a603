package model

import "time"

// EventType represents the category of a ledger event.
type EventType string

const (
	EventBoot             EventType = "BOOT"
	EventWSUpdateApplied  EventType = "WS_UPDATE_APPLIED"
	EventWSUpdateRejected EventType = "WS_UPDATE_REJECTED"
	EventMemoryProposed   EventType = "MEMORY_PROPOSED"
	EventMemoryCommitted  EventType = "MEMORY_COMMITTED"
	EventEpisodeSealed    EventType = "EPISODE_SEALED"
	EventResumeSnapshot   EventType = "RESUME_SNAPSHOT"
	EventResumeLoaded     EventType = "RESUME_LOADED"
)

// LedgerEvent is one line of the append-only run ledger. Source of truth;
// never mutated or deleted. SequenceID is dense and starts at 0.
type LedgerEvent struct {
	SchemaVersion string         `json:"_schema_version" validate:"required,eq=2.1"`
	SequenceID    *uint64        `json:"sequence_id,omitempty"`
	EventID       string         `json:"event_id" validate:"required"`
	EventType     EventType      `json:"event_type" validate:"required,oneof=BOOT WS_UPDATE_APPLIED WS_UPDATE_REJECTED MEMORY_PROPOSED MEMORY_COMMITTED EPISODE_SEALED RESUME_SNAPSHOT RESUME_LOADED"`
	Timestamp     time.Time      `json:"timestamp" validate:"required"`
	Payload       map[string]any `json:"payload"`
}

// Seq returns the assigned sequence id; valid only after a successful append.
func (e *LedgerEvent) Seq() uint64 {
	if e.SequenceID == nil {
		return 0
	}
	return *e.SequenceID
}

// WSUpdateAppliedPayload is the payload for WS_UPDATE_APPLIED events.
type WSUpdateAppliedPayload struct {
	BeforeSeq         uint64         `json:"before_seq"`
	AfterSeq          uint64         `json:"after_seq"`
	DirectivesSummary map[string]int `json:"directives_summary"`
}

// WSUpdateRejectedPayload is the payload for WS_UPDATE_REJECTED events.
type WSUpdateRejectedPayload struct {
	Reason     string  `json:"reason"`
	CurrentSeq *uint64 `json:"current_seq,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

// MemoryProposedPayload is the payload for MEMORY_PROPOSED events.
type MemoryProposedPayload struct {
	BatchID string `json:"batch_id"`
	Count   int    `json:"count"`
}

// MemoryCommittedPayload is the payload for MEMORY_COMMITTED events.
type MemoryCommittedPayload struct {
	BatchID string   `json:"batch_id"`
	IDs     []string `json:"ids"`
}

// EpisodeSealedPayload is the payload for EPISODE_SEALED events.
type EpisodeSealedPayload struct {
	EpisodeID    string   `json:"episode_id"`
	LedgerFrom   uint64   `json:"ledger_from"`
	LedgerTo     uint64   `json:"ledger_to"`
	CommittedIDs []string `json:"committed_ids"`
	Reason       string   `json:"reason"`
}

// ResumeSnapshotPayload is the payload for RESUME_SNAPSHOT events.
type ResumeSnapshotPayload struct {
	PackID string `json:"pack_id"`
}

// ResumeLoadedPayload is the payload for RESUME_LOADED events.
type ResumeLoadedPayload struct {
	SourcePackID string `json:"source_pack_id"`
	PriorRunID   string `json:"prior_run_id"`
}
