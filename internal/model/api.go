package model

import (
	"encoding/json"
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	OK    bool        `json:"ok"`
	Error ErrorDetail `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail describes an API error. Kind is one of the ErrorKind values.
type ErrorDetail struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// BootRequest is the request body for POST /v1/runs/boot.
type BootRequest struct {
	Objective          string   `json:"objective" validate:"required"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Constraints        []string `json:"constraints"`
	TaskID             string   `json:"task_id,omitempty"`
	ThreadID           string   `json:"thread_id,omitempty"`
	RunID              string   `json:"run_id,omitempty"`
}

// BootResponse is the response for POST /v1/runs/boot.
type BootResponse struct {
	RunID string      `json:"run_id"`
	WS    *WorkingSet `json:"ws"`
}

// PatchRequest is the request body for POST /v1/runs/{run_id}/patch. The
// patch stays raw here: the service decodes it under the run mutex so a
// malformed patch is still ledgered as a rejected update.
type PatchRequest struct {
	Patch json.RawMessage `json:"patch" validate:"required"`
}

// PatchResponse is the response for a successful patch.
type PatchResponse struct {
	OK           bool        `json:"ok"`
	WS           *WorkingSet `json:"ws,omitempty"`
	ContextBrief string      `json:"context_brief,omitempty"`
}

// ProposeMemoryRequest is the request body for POST /v1/runs/{run_id}/memory/propose.
type ProposeMemoryRequest struct {
	MCRs         []MCR         `json:"mcrs" validate:"required,min=1,dive"`
	ScopeFilters []MemoryScope `json:"scope_filters,omitempty" validate:"dive,oneof=global run task thread"`
}

// ProposeMemoryResponse is the response for a propose call.
type ProposeMemoryResponse struct {
	BatchID     string   `json:"batch_id"`
	ProposedIDs []string `json:"proposed_ids"`
}

// CommitMemoryRequest is the request body for POST /v1/runs/{run_id}/memory/commit.
type CommitMemoryRequest struct {
	BatchID               string `json:"batch_id" validate:"required"`
	MilestoneToken        string `json:"milestone_token,omitempty"`
	AllowOutsideMilestone bool   `json:"allow_outside_milestone,omitempty"`
}

// CommitMemoryResponse is the response for a commit call.
type CommitMemoryResponse struct {
	CommittedIDs []string `json:"committed_ids"`
}

// SearchMemoryResponse is the response for GET /v1/runs/{run_id}/memory/search.
type SearchMemoryResponse struct {
	Results []SearchResult `json:"results"`
}

// MilestoneRequest is the request body for POST /v1/runs/{run_id}/milestone.
type MilestoneRequest struct {
	Reason         string `json:"reason" validate:"required"`
	MemoryBatchID  string `json:"memory_batch_id,omitempty"`
	NextEntryPoint string `json:"next_entry_point,omitempty"`
}

// MilestoneResponse is the response for a milestone seal.
type MilestoneResponse struct {
	EpisodeID      string   `json:"episode_id"`
	Path           string   `json:"path"`
	CommittedIDs   []string `json:"committed_ids"`
	MilestoneToken string   `json:"milestone_token,omitempty"`
}

// ResumeSnapshotRequest is the request body for POST /v1/runs/{run_id}/resume/snapshot.
type ResumeSnapshotRequest struct {
	ZipPack  bool           `json:"zip_pack"`
	Pointers map[string]any `json:"pointers,omitempty"`
}

// ResumeSnapshotResponse is the response for a snapshot call.
type ResumeSnapshotResponse struct {
	PackID   string        `json:"pack_id"`
	Path     string        `json:"path"`
	Manifest *PackManifest `json:"manifest"`
}

// ResumeLoadRequest is the request body for POST /v1/resume/load.
type ResumeLoadRequest struct {
	PackPath string `json:"pack_path" validate:"required"`
	NewRunID string `json:"new_run_id,omitempty"`
}

// ResumeLoadResponse is the response for a resume load.
type ResumeLoadResponse struct {
	RunID string      `json:"run_id"`
	WS    *WorkingSet `json:"ws"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	MemoryBackend string `json:"memory_backend"`
	Uptime        int64  `json:"uptime_seconds"`
}
