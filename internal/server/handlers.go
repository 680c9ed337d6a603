package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aos-labs/contextd/internal/model"
	"github.com/aos-labs/contextd/internal/service"
)

// maxRequestBodyBytes caps every decoded request body.
const maxRequestBodyBytes = 4 * 1024 * 1024

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc       *service.Service
	logger    *slog.Logger
	version   string
	startedAt time.Time
}

// NewHandlers creates a new Handlers.
func NewHandlers(svc *service.Service, logger *slog.Logger, version string) *Handlers {
	return &Handlers{svc: svc, logger: logger, version: version, startedAt: time.Now()}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := h.svc.Healthy(r.Context()); err != nil {
		status = "degraded"
	}
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:        status,
		Version:       h.version,
		MemoryBackend: h.svc.MemoryBackend(),
		Uptime:        int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleBoot handles POST /v1/runs/boot.
func (h *Handlers) HandleBoot(w http.ResponseWriter, r *http.Request) {
	var req model.BootRequest
	if err := decodeJSON(r, maxRequestBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.svc.Boot(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleGetWS handles GET /v1/runs/{run_id}/ws.
func (h *Handlers) HandleGetWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.svc.GetWS(r.Context(), r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ws)
}

// HandleApplyPatch handles POST /v1/runs/{run_id}/patch.
func (h *Handlers) HandleApplyPatch(w http.ResponseWriter, r *http.Request) {
	var req model.PatchRequest
	if err := decodeJSON(r, maxRequestBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.svc.ApplyPatch(r.Context(), r.PathValue("run_id"), req.Patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleProposeMemory handles POST /v1/runs/{run_id}/memory/propose.
func (h *Handlers) HandleProposeMemory(w http.ResponseWriter, r *http.Request) {
	var req model.ProposeMemoryRequest
	if err := decodeJSON(r, maxRequestBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.svc.ProposeMemory(r.Context(), r.PathValue("run_id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleCommitMemory handles POST /v1/runs/{run_id}/memory/commit.
func (h *Handlers) HandleCommitMemory(w http.ResponseWriter, r *http.Request) {
	var req model.CommitMemoryRequest
	if err := decodeJSON(r, maxRequestBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.svc.CommitMemory(r.Context(), r.PathValue("run_id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleSearchMemory handles GET /v1/runs/{run_id}/memory/search.
func (h *Handlers) HandleSearchMemory(w http.ResponseWriter, r *http.Request) {
	q := model.SearchQuery{Text: r.URL.Query().Get("q")}
	if v := r.URL.Query().Get("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, model.E(model.KindSchema, "top_k %q is not a positive integer", v))
			return
		}
		q.TopK = n
	}
	if v := r.URL.Query().Get("scope"); v != "" {
		scope := model.MemoryScope(v)
		q.Scope = &scope
	}
	if v := r.URL.Query().Get("type"); v != "" {
		typ := model.MemoryType(v)
		q.Type = &typ
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := model.MemoryStatus(v)
		q.Status = &status
	}

	resp, err := h.svc.SearchMemory(r.Context(), r.PathValue("run_id"), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleMilestone handles POST /v1/runs/{run_id}/milestone.
func (h *Handlers) HandleMilestone(w http.ResponseWriter, r *http.Request) {
	var req model.MilestoneRequest
	if err := decodeJSON(r, maxRequestBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.svc.Milestone(r.Context(), r.PathValue("run_id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleResumeSnapshot handles POST /v1/runs/{run_id}/resume/snapshot.
func (h *Handlers) HandleResumeSnapshot(w http.ResponseWriter, r *http.Request) {
	var req model.ResumeSnapshotRequest
	if err := decodeJSON(r, maxRequestBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.svc.ResumeSnapshot(r.Context(), r.PathValue("run_id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleResumeLoad handles POST /v1/resume/load.
func (h *Handlers) HandleResumeLoad(w http.ResponseWriter, r *http.Request) {
	var req model.ResumeLoadRequest
	if err := decodeJSON(r, maxRequestBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.svc.ResumeLoad(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, resp)
}
