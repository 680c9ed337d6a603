package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aos-labs/contextd/internal/fsio"
	"github.com/aos-labs/contextd/internal/memory"
	"github.com/aos-labs/contextd/internal/model"
	"github.com/aos-labs/contextd/internal/service"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := service.New(service.Params{
		RunsRoot:       t.TempDir(),
		TokenBudget:    8192,
		PinnedMax:      32,
		LedgerLockMode: fsio.LockNone,
		Store:          memory.NewInMem(),
		Logger:         logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return New(Config{
		Service: svc,
		Logger:  logger,
		Port:    0,
		Version: "test",
	})
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func dataField[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

func errorField(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var envelope struct {
		OK    bool              `json:"ok"`
		Error model.ErrorDetail `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.False(t, envelope.OK)
	return envelope.Error
}

func bootOverHTTP(t *testing.T, srv *Server) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/v1/runs/boot", model.BootRequest{
		Objective: "serve requests",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := dataField[model.BootResponse](t, rec)
	require.NotEmpty(t, resp.RunID)
	return resp.RunID
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	health := dataField[model.HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "memory", health.MemoryBackend)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestBootAndGetWS(t *testing.T) {
	srv := newTestServer(t)
	runID := bootOverHTTP(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/v1/runs/"+runID+"/ws", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ws := dataField[model.WorkingSet](t, rec)
	assert.Equal(t, "serve requests", ws.Objective)
	assert.Equal(t, uint64(0), ws.UpdateSeq)
}

func TestBootRejectsMissingObjective(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/runs/boot", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	detail := errorField(t, rec)
	assert.Equal(t, model.KindSchema, detail.Kind)
}

func TestBootRejectsUnknownField(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/runs/boot", map[string]any{
		"objective": "x",
		"surprise":  true,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.KindSchema, errorField(t, rec).Kind)
}

func TestPatchFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	runID := bootOverHTTP(t, srv)

	patch := map[string]any{
		"patch": map[string]any{
			"_schema_version": "2.1",
			"expected_seq":    0,
			"status":          "BUSY",
		},
	}
	rec := doJSON(t, srv, http.MethodPost, "/v1/runs/"+runID+"/patch", patch)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := dataField[model.PatchResponse](t, rec)
	assert.True(t, resp.OK)
	assert.Equal(t, uint64(1), resp.WS.UpdateSeq)
	assert.Contains(t, resp.ContextBrief, "# CONTEXT BRIEF")

	// Replaying the same expected_seq conflicts.
	rec = doJSON(t, srv, http.MethodPost, "/v1/runs/"+runID+"/patch", patch)
	require.Equal(t, http.StatusConflict, rec.Code)
	detail := errorField(t, rec)
	assert.Equal(t, model.KindConflict, detail.Kind)
	assert.EqualValues(t, 1, detail.Details["current_seq"])
}

func TestGetWSUnknownRunIs404(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/v1/runs/run_nope/ws", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.KindNotFound, errorField(t, rec).Kind)
}

func TestMemoryGateOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	runID := bootOverHTTP(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/v1/runs/"+runID+"/memory/propose", map[string]any{
		"mcrs": []map[string]any{{
			"op":         "add",
			"type":       "fact",
			"scope":      "global",
			"content":    "http layer works",
			"confidence": 0.9,
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	prop := dataField[model.ProposeMemoryResponse](t, rec)
	require.NotEmpty(t, prop.BatchID)

	rec = doJSON(t, srv, http.MethodPost, "/v1/runs/"+runID+"/memory/commit", map[string]any{
		"batch_id": prop.BatchID,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, model.KindGate, errorField(t, rec).Kind)

	rec = doJSON(t, srv, http.MethodPost, "/v1/runs/"+runID+"/milestone", map[string]any{
		"reason":          "ck",
		"memory_batch_id": prop.BatchID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	mil := dataField[model.MilestoneResponse](t, rec)
	assert.Equal(t, prop.ProposedIDs, mil.CommittedIDs)

	rec = doJSON(t, srv, http.MethodGet,
		fmt.Sprintf("/v1/runs/%s/memory/search?q=http&top_k=5", runID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	search := dataField[model.SearchMemoryResponse](t, rec)
	require.Len(t, search.Results, 1)
	assert.Equal(t, model.MemoryCommitted, search.Results[0].Item.Status)
}

func TestSearchRejectsBadTopK(t *testing.T) {
	srv := newTestServer(t)
	runID := bootOverHTTP(t, srv)
	rec := doJSON(t, srv, http.MethodGet, "/v1/runs/"+runID+"/memory/search?top_k=zero", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.KindSchema, errorField(t, rec).Kind)
}

func TestResumeFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	runID := bootOverHTTP(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/v1/runs/"+runID+"/resume/snapshot", map[string]any{
		"zip_pack": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	snap := dataField[model.ResumeSnapshotResponse](t, rec)
	require.NotEmpty(t, snap.Path)
	require.NotNil(t, snap.Manifest)

	rec = doJSON(t, srv, http.MethodPost, "/v1/resume/load", map[string]any{
		"pack_path":  snap.Path,
		"new_run_id": "run_restored",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	load := dataField[model.ResumeLoadResponse](t, rec)
	assert.Equal(t, "run_restored", load.RunID)
	assert.Equal(t, "serve requests", load.WS.Objective)
}
