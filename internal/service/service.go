// Package service owns the runtime state of the context manager: the run
// registry, per-run locking, milestone-token lifecycle, and the ledger
// records that tie the subsystems together. All ten public operations are
// methods here; the HTTP layer is a thin adapter.
package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/metric"

	"github.com/aos-labs/contextd/internal/brief"
	"github.com/aos-labs/contextd/internal/episode"
	"github.com/aos-labs/contextd/internal/fsio"
	"github.com/aos-labs/contextd/internal/ledger"
	"github.com/aos-labs/contextd/internal/memory"
	"github.com/aos-labs/contextd/internal/model"
	"github.com/aos-labs/contextd/internal/resume"
	"github.com/aos-labs/contextd/internal/schema"
	"github.com/aos-labs/contextd/internal/telemetry"
	"github.com/aos-labs/contextd/internal/ws"
)

// runIDPattern keeps run ids filesystem-safe.
var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Params holds all dependencies and settings for a Service.
type Params struct {
	RunsRoot       string
	TokenBudget    int
	PinnedMax      int
	LedgerLockMode fsio.LockMode
	TestMode       bool
	Store          memory.Store
	Logger         *slog.Logger
}

// Service is the single owned value holding the memory store and the run
// registry. Each run is serialized by its handle mutex; the store's own
// mutex is always taken after a run mutex.
type Service struct {
	params Params
	minter *episode.TokenMinter

	mu   sync.Mutex
	runs map[string]*runHandle

	patchesApplied  metric.Int64Counter
	patchesRejected metric.Int64Counter
	memoryCommits   metric.Int64Counter
	episodesSealed  metric.Int64Counter
}

// runHandle carries everything owned by one run: working-set manager, ledger
// handle, and the pending milestone token nonce.
type runHandle struct {
	mu         sync.Mutex
	runID      string
	dir        string
	ledger     *ledger.Ledger
	ws         *ws.Manager
	pendingJTI string
}

// New creates a Service. The runs root is created if missing.
func New(p Params) (*Service, error) {
	if err := os.MkdirAll(p.RunsRoot, 0o755); err != nil {
		return nil, model.EWrap(model.KindIO, err, "create runs root")
	}
	minter, err := episode.NewTokenMinter()
	if err != nil {
		return nil, err
	}

	s := &Service{
		params: p,
		minter: minter,
		runs:   map[string]*runHandle{},
	}

	meter := telemetry.Meter("contextd/service")
	s.patchesApplied, _ = meter.Int64Counter("contextd.ws.patches_applied")
	s.patchesRejected, _ = meter.Int64Counter("contextd.ws.patches_rejected")
	s.memoryCommits, _ = meter.Int64Counter("contextd.memory.commits")
	s.episodesSealed, _ = meter.Int64Counter("contextd.episodes.sealed")
	return s, nil
}

// Close flushes and releases every open run handle and the memory store.
func (s *Service) Close() error {
	s.mu.Lock()
	handles := make([]*runHandle, 0, len(s.runs))
	for _, h := range s.runs {
		handles = append(handles, h)
	}
	s.runs = map[string]*runHandle{}
	s.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.ledger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.params.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// MemoryBackend names the configured store for health reporting.
func (s *Service) MemoryBackend() string { return s.params.Store.Name() }

// Healthy reports backend reachability.
func (s *Service) Healthy(ctx context.Context) error {
	return s.params.Store.Healthy(ctx)
}

// Boot creates a new run: directories, ledger with its BOOT event, and the
// seq-0 working set.
func (s *Service) Boot(ctx context.Context, req model.BootRequest) (*model.BootResponse, error) {
	if err := schema.Check(&req); err != nil {
		return nil, err
	}
	runID := req.RunID
	if runID == "" {
		runID = "run_" + ulid.Make().String()
	}
	if !runIDPattern.MatchString(runID) {
		return nil, model.E(model.KindSchema, "run_id %q is not a valid identifier", runID)
	}

	h, err := s.openRun(runID, true)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	wsDoc, err := h.ws.CreateInitial(ws.CreateParams{
		RunID:              runID,
		TaskID:             req.TaskID,
		ThreadID:           req.ThreadID,
		Objective:          req.Objective,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Constraints:        req.Constraints,
	})
	if err != nil {
		return nil, err
	}
	s.params.Logger.Info("run booted", "run_id", runID, "objective", req.Objective)
	return &model.BootResponse{RunID: runID, WS: wsDoc}, nil
}

// GetWS returns the current working set.
func (s *Service) GetWS(ctx context.Context, runID string) (*model.WorkingSet, error) {
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ws.Load()
}

// ApplyPatch decodes and applies a CAS patch, returning the new working set
// with a freshly rendered context brief. Decoding happens here, under the
// run mutex, so that a patch with unknown or malformed fields is ledgered as
// a rejected update instead of vanishing at the transport boundary.
func (s *Service) ApplyPatch(ctx context.Context, runID string, rawPatch []byte) (*model.PatchResponse, error) {
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var patch model.WSPatch
	if derr := schema.DecodeShape(rawPatch, &patch); derr != nil {
		s.patchesRejected.Add(ctx, 1)
		h.appendEvent(model.EventWSUpdateRejected, model.WSUpdateRejectedPayload{
			Reason: "schema",
			Detail: derr.Error(),
		})
		return nil, derr
	}

	newWS, err := h.ws.ApplyPatch(&patch)
	if err != nil {
		s.patchesRejected.Add(ctx, 1)
		return nil, err
	}
	s.patchesApplied.Add(ctx, 1)

	ltm := s.briefMemory(ctx, newWS)
	return &model.PatchResponse{
		OK:           true,
		WS:           newWS,
		ContextBrief: brief.Render(newWS, ltm),
	}, nil
}

// briefMemory retrieves high-confidence committed memory for the brief.
// Retrieval failures degrade to an empty section rather than failing the
// patch.
func (s *Service) briefMemory(ctx context.Context, wsDoc *model.WorkingSet) []model.SearchResult {
	if wsDoc.Objective == "" {
		return nil
	}
	results, err := s.params.Store.Search(ctx, model.SearchQuery{
		Text: wsDoc.Objective,
		TopK: 5,
	})
	if err != nil {
		s.params.Logger.Warn("brief memory retrieval failed", "run_id", wsDoc.RunID, "error", err)
		return nil
	}
	return results
}

// ContextBrief renders the brief for the current working set.
func (s *Service) ContextBrief(ctx context.Context, runID string) (string, error) {
	h, err := s.handle(runID)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	wsDoc, err := h.ws.Load()
	h.mu.Unlock()
	if err != nil {
		return "", err
	}
	return brief.Render(wsDoc, s.briefMemory(ctx, wsDoc)), nil
}

// ProposeMemory stages a batch of memory change requests.
func (s *Service) ProposeMemory(ctx context.Context, runID string, req model.ProposeMemoryRequest) (*model.ProposeMemoryResponse, error) {
	if err := schema.Check(&req); err != nil {
		return nil, err
	}
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	batchID, ids, err := s.params.Store.Propose(ctx, runID, req.MCRs, req.ScopeFilters)
	if err != nil {
		return nil, err
	}
	h.appendEvent(model.EventMemoryProposed, model.MemoryProposedPayload{
		BatchID: batchID,
		Count:   len(req.MCRs),
	})
	return &model.ProposeMemoryResponse{BatchID: batchID, ProposedIDs: ids}, nil
}

// CommitMemory resolves a proposed batch behind the milestone gate. The gate
// is skipped only when both the service runs in test mode and the caller
// explicitly opts out.
func (s *Service) CommitMemory(ctx context.Context, runID string, req model.CommitMemoryRequest) (*model.CommitMemoryResponse, error) {
	if err := schema.Check(&req); err != nil {
		return nil, err
	}
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	known, err := s.params.Store.HasBatch(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, model.E(model.KindUnknownBatch, "batch %s is not proposed", req.BatchID)
	}

	if !(s.params.TestMode && req.AllowOutsideMilestone) {
		if err := s.minter.Validate(runID, req.MilestoneToken, h.pendingJTI); err != nil {
			return nil, err
		}
		h.pendingJTI = "" // one-shot
	}

	ids, err := s.params.Store.Commit(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	s.memoryCommits.Add(ctx, 1)
	h.appendEvent(model.EventMemoryCommitted, model.MemoryCommittedPayload{
		BatchID: req.BatchID,
		IDs:     ids,
	})
	return &model.CommitMemoryResponse{CommittedIDs: ids}, nil
}

// SearchMemory queries committed memory. Non-global scopes are pinned to the
// run's own identifiers.
func (s *Service) SearchMemory(ctx context.Context, runID string, q model.SearchQuery) (*model.SearchMemoryResponse, error) {
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	if q.Scope != nil && *q.Scope != model.ScopeGlobal && q.ScopeID == "" {
		h.mu.Lock()
		wsDoc, werr := h.ws.Load()
		h.mu.Unlock()
		if werr != nil {
			return nil, werr
		}
		switch *q.Scope {
		case model.ScopeRun:
			q.ScopeID = runID
		case model.ScopeTask:
			q.ScopeID = wsDoc.TaskID
		case model.ScopeThread:
			q.ScopeID = wsDoc.ThreadID
		}
	}
	if q.TopK <= 0 {
		q.TopK = 8
	}
	results, err := s.params.Store.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	return &model.SearchMemoryResponse{Results: results}, nil
}

// RetractMemory tombstones a committed item; like every status transition
// past proposed, it is milestone-gated.
func (s *Service) RetractMemory(ctx context.Context, runID, id, reason, token string) error {
	h, err := s.handle(runID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := s.minter.Validate(runID, token, h.pendingJTI); err != nil {
		return err
	}
	h.pendingJTI = ""
	return s.params.Store.Retract(ctx, id, reason)
}

// Milestone seals an episode: snapshots the working set, optionally commits
// a proposed memory batch under a freshly minted token, writes the immutable
// episode file, and records EPISODE_SEALED. When no batch is supplied the
// token is returned to the caller for a later commit.
func (s *Service) Milestone(ctx context.Context, runID string, req model.MilestoneRequest) (*model.MilestoneResponse, error) {
	if err := schema.Check(&req); err != nil {
		return nil, err
	}
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	wsDoc, err := h.ws.Load()
	if err != nil {
		return nil, err
	}

	// The span starts right after the previous seal (or at zero) so every
	// episode covers a contiguous, non-overlapping slice of the ledger.
	ledgerFrom, err := h.spanStart()
	if err != nil {
		return nil, err
	}

	// A fresh token invalidates any unconsumed predecessor.
	token, jti, err := s.minter.Mint(runID)
	if err != nil {
		return nil, err
	}
	h.pendingJTI = jti

	var committedIDs []string
	tokenConsumed := false
	if req.MemoryBatchID != "" {
		ids, cerr := s.params.Store.Commit(ctx, req.MemoryBatchID)
		if cerr != nil {
			h.pendingJTI = ""
			h.appendEvent(model.EventWSUpdateRejected, model.WSUpdateRejectedPayload{
				Reason: "episode_commit_failed",
				Detail: cerr.Error(),
			})
			return nil, cerr
		}
		committedIDs = ids
		tokenConsumed = true
		h.pendingJTI = ""
		s.memoryCommits.Add(ctx, 1)
		h.appendEvent(model.EventMemoryCommitted, model.MemoryCommittedPayload{
			BatchID: req.MemoryBatchID,
			IDs:     ids,
		})
	}

	// The seal event itself closes the span.
	ledgerTo := uint64(h.ledger.LastSequence() + 1)
	spanEvents, err := h.ledger.ReadRange(ledgerFrom, ledgerTo)
	if err != nil {
		return nil, err
	}

	ep, path, err := episode.Seal(episode.SealParams{
		Dir:            filepath.Join(h.dir, "episodes"),
		RunID:          runID,
		Reason:         req.Reason,
		WS:             wsDoc,
		Span:           model.LedgerSpan{FromSeq: ledgerFrom, ToSeq: ledgerTo},
		SpanEvents:     spanEvents,
		CommittedIDs:   committedIDs,
		NextEntryPoint: req.NextEntryPoint,
	})
	if err != nil {
		return nil, err
	}

	h.appendEvent(model.EventEpisodeSealed, model.EpisodeSealedPayload{
		EpisodeID:    ep.EpisodeID,
		LedgerFrom:   ledgerFrom,
		LedgerTo:     ledgerTo,
		CommittedIDs: committedIDs,
		Reason:       req.Reason,
	})
	s.episodesSealed.Add(ctx, 1)
	s.params.Logger.Info("episode sealed",
		"run_id", runID, "episode_id", ep.EpisodeID,
		"ledger_from", ledgerFrom, "ledger_to", ledgerTo)

	resp := &model.MilestoneResponse{
		EpisodeID:    ep.EpisodeID,
		Path:         path,
		CommittedIDs: committedIDs,
	}
	if !tokenConsumed {
		resp.MilestoneToken = token
	}
	return resp, nil
}

// ResumeSnapshot packs the run into a relocatable bundle.
func (s *Service) ResumeSnapshot(ctx context.Context, runID string, req model.ResumeSnapshotRequest) (*model.ResumeSnapshotResponse, error) {
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	manifest, path, err := resume.Snapshot(resume.SnapshotParams{
		RunDir:   h.dir,
		RunID:    runID,
		ZipPack:  req.ZipPack,
		Pointers: req.Pointers,
	})
	if err != nil {
		return nil, err
	}
	h.appendEvent(model.EventResumeSnapshot, model.ResumeSnapshotPayload{PackID: manifest.PackID})
	return &model.ResumeSnapshotResponse{PackID: manifest.PackID, Path: path, Manifest: manifest}, nil
}

// ResumeLoad restores a pack into a fresh run directory and registers the
// run.
func (s *Service) ResumeLoad(ctx context.Context, req model.ResumeLoadRequest) (*model.ResumeLoadResponse, error) {
	if err := schema.Check(&req); err != nil {
		return nil, err
	}
	if req.NewRunID != "" && !runIDPattern.MatchString(req.NewRunID) {
		return nil, model.E(model.KindSchema, "new_run_id %q is not a valid identifier", req.NewRunID)
	}

	res, err := resume.Load(req.PackPath, s.params.RunsRoot, req.NewRunID)
	if err != nil {
		return nil, err
	}

	h, err := s.openRun(res.RunID, false)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.appendEvent(model.EventResumeLoaded, model.ResumeLoadedPayload{
		SourcePackID: res.PackID,
		PriorRunID:   res.PriorRunID,
	})

	if ahead, maxSeq, aerr := h.ws.LedgerAhead(); aerr == nil && ahead {
		s.params.Logger.Warn("ledger ahead of working set after restore",
			"run_id", res.RunID, "ledger_max_seq", maxSeq)
	}

	wsDoc, err := h.ws.Load()
	if err != nil {
		return nil, err
	}
	s.params.Logger.Info("run restored", "run_id", res.RunID, "source_pack", res.PackID)
	return &model.ResumeLoadResponse{RunID: res.RunID, WS: wsDoc}, nil
}

// spanStart finds the first ledger sequence after the previous seal.
func (h *runHandle) spanStart() (uint64, error) {
	events, err := h.ledger.ReadAll()
	if err != nil {
		return 0, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventType == model.EventEpisodeSealed {
			return events[i].Seq() + 1, nil
		}
	}
	return 0, nil
}

func (h *runHandle) appendEvent(t model.EventType, payload any) {
	asMap, err := toPayloadMap(payload)
	if err != nil {
		return
	}
	_, _ = h.ledger.Append(&model.LedgerEvent{
		SchemaVersion: model.SchemaVersion,
		EventID:       "ev_" + ulid.Make().String(),
		EventType:     t,
		Timestamp:     time.Now().UTC(),
		Payload:       asMap,
	})
}

// handle returns the registered handle for runID, lazily opening runs that
// exist on disk from a previous process.
func (s *Service) handle(runID string) (*runHandle, error) {
	s.mu.Lock()
	h, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		return h, nil
	}
	if !runIDPattern.MatchString(runID) {
		return nil, model.E(model.KindSchema, "run_id %q is not a valid identifier", runID)
	}
	dir := filepath.Join(s.params.RunsRoot, runID)
	if _, err := os.Stat(dir); err != nil {
		return nil, model.E(model.KindNotFound, "run %s not found", runID)
	}
	h, err := s.openRun(runID, false)
	if err != nil {
		return nil, err
	}

	// A run reopened after a crash may carry a ledger entry the working set
	// never observed; flag it, trust the file.
	if ahead, maxSeq, aerr := h.ws.LedgerAhead(); aerr == nil && ahead {
		s.params.Logger.Warn("ledger ahead of working set",
			"run_id", runID, "ledger_max_seq", maxSeq)
	}
	return h, nil
}

// openRun builds (and registers) the handle for a run directory.
func (s *Service) openRun(runID string, create bool) (*runHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.runs[runID]; ok {
		if create {
			return nil, model.E(model.KindConflict, "run %s already exists", runID)
		}
		return h, nil
	}

	dir := filepath.Join(s.params.RunsRoot, runID)
	if create {
		if _, err := os.Stat(dir); err == nil {
			return nil, model.E(model.KindConflict, "run %s already exists", runID)
		}
	}
	for _, sub := range []string{"state", "ledger", "episodes", "resume"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, model.EWrap(model.KindIO, err, "create run dir")
		}
	}

	led, err := ledger.Open(filepath.Join(dir, "ledger", "run.jsonl"), s.params.LedgerLockMode)
	if err != nil {
		return nil, err
	}

	h := &runHandle{
		runID:  runID,
		dir:    dir,
		ledger: led,
		ws: ws.NewManager(ws.Params{
			Path:        filepath.Join(dir, "state", "working_set.json"),
			Ledger:      led,
			TokenBudget: s.params.TokenBudget,
			PinnedMax:   s.params.PinnedMax,
		}),
	}
	s.runs[runID] = h
	return h, nil
}
