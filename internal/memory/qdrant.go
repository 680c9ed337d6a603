package memory

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/aos-labs/contextd/internal/model"
)

// Embedder converts text into a dense vector for the qdrant backend.
type Embedder func(ctx context.Context, text string) ([]float32, error)

// QdrantConfig holds connection settings for the vector backend.
type QdrantConfig struct {
	URL        string // e.g. "http://localhost:6333" or "https://xyz.cloud.qdrant.io:6334"
	APIKey     string
	Collection string
	Dims       uint64
}

// Qdrant is the vector Store backend. Items live as points whose payload
// carries the full memory record; propose/commit is a payload status flip,
// mirroring the file-free staging model of the other backends.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	embed      Embedder
	logger     *slog.Logger

	healthGroup singleflight.Group
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL,
// mapping the REST port 6333 to the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, perr := url.Parse(rawURL)
	if perr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("memory: invalid qdrant URL %q", rawURL)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = 6334
	if ps := u.Port(); ps != "" {
		p, aerr := strconv.Atoi(ps)
		if aerr != nil {
			return "", 0, false, fmt.Errorf("memory: invalid port in qdrant URL %q", ps)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrant connects to the Qdrant server and ensures the collection exists.
func NewQdrant(ctx context.Context, cfg QdrantConfig, embed Embedder, logger *slog.Logger) (*Qdrant, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, model.EWrap(model.KindIO, err, "qdrant config")
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, model.EWrap(model.KindIO, err, "connect qdrant %s:%d", host, port)
	}

	q := &Qdrant{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		embed:      embed,
		logger:     logger,
	}
	if err := q.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return model.EWrap(model.KindIO, err, "check collection %q", q.collection)
	}
	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return model.EWrap(model.KindIO, err, "create collection %q", q.collection)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"id", "status", "batch_id", "scope", "scope_id", "type", "op", "target_id"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return model.EWrap(model.KindIO, err, "ensure index on %q", field)
		}
	}
	return nil
}

func (q *Qdrant) Name() string { return "qdrant" }

func (q *Qdrant) Propose(ctx context.Context, runID string, mcrs []model.MCR, scopeFilters []model.MemoryScope) (string, []string, error) {
	if err := validateMCRs(mcrs, scopeFilters); err != nil {
		return "", nil, err
	}

	batchID := "batch_" + ulid.Make().String()
	now := time.Now().UTC()
	ids := make([]string, 0, len(mcrs))
	points := make([]*qdrant.PointStruct, 0, len(mcrs))

	for _, m := range mcrs {
		itemID := m.TargetID
		payload := map[string]any{
			"batch_id": batchID,
			"op":       string(m.Op),
		}
		content := m.Content
		if m.Op == model.MCRAdd {
			item := newItemFromMCR(m, batchID, now)
			itemID = item.ID
			payload["id"] = item.ID
			payload["type"] = string(item.Type)
			payload["scope"] = string(item.Scope)
			payload["scope_id"] = item.ScopeID
			payload["content"] = item.Content
			payload["confidence"] = item.Confidence
			payload["rationale"] = item.Rationale
			payload["status"] = string(model.MemoryProposed)
			payload["created_at"] = now.Format(time.RFC3339Nano)
		} else {
			// Updates and retractions stage as intent points resolved at
			// commit; the committed target is untouched until then.
			payload["id"] = "intent_" + ulid.Make().String()
			payload["target_id"] = m.TargetID
			payload["status"] = "intent"
			payload["content"] = m.Content
			if m.Confidence != nil {
				payload["confidence"] = *m.Confidence
			}
			if m.Rationale != "" {
				payload["rationale"] = m.Rationale
			}
		}

		vec, err := q.vectorFor(ctx, content)
		if err != nil {
			return "", nil, err
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(uuid.NewString()),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		})
		ids = append(ids, itemID)
	}

	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	}); err != nil {
		return "", nil, model.EWrap(model.KindIO, err, "qdrant upsert %d points", len(points))
	}
	return batchID, ids, nil
}

func (q *Qdrant) vectorFor(ctx context.Context, text string) ([]float32, error) {
	if q.embed == nil {
		// Zero vector keeps the staging path usable without an embedding
		// provider. Search does not query by vector in either case: it
		// filters and ranks on payload fields.
		return make([]float32, q.dims), nil
	}
	vec, err := q.embed(ctx, text)
	if err != nil {
		return nil, model.EWrap(model.KindIO, err, "embed content")
	}
	return vec, nil
}

func (q *Qdrant) Commit(ctx context.Context, batchID string) ([]string, error) {
	staged, err := q.scroll(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("batch_id", batchID)},
	})
	if err != nil {
		return nil, err
	}
	if len(staged) == 0 {
		return nil, model.E(model.KindUnknownBatch, "batch %s is not proposed", batchID)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	committed := make([]string, 0, len(staged))
	for _, p := range staged {
		op := stringPayload(p.Payload, "op")
		switch model.MCROp(op) {
		case model.MCRAdd:
			if _, err := q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
				CollectionName: q.collection,
				Wait:           qdrant.PtrOf(true),
				// batch_id is cleared so the consumed batch stops resolving.
				Payload: qdrant.NewValueMap(map[string]any{
					"status":       string(model.MemoryCommitted),
					"committed_at": now,
					"batch_id":     "",
				}),
				PointsSelector: selectorFor(p.Id),
			}); err != nil {
				return nil, model.EWrap(model.KindIO, err, "qdrant commit add")
			}
			committed = append(committed, stringPayload(p.Payload, "id"))

		case model.MCRUpdate, model.MCRRetract:
			targetID := stringPayload(p.Payload, "target_id")
			if err := q.resolveIntent(ctx, p, targetID, now); err != nil {
				return nil, err
			}
			committed = append(committed, targetID)
		}
	}
	return committed, nil
}

func (q *Qdrant) resolveIntent(ctx context.Context, intent *qdrant.RetrievedPoint, targetID, now string) error {
	targets, err := q.scroll(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("id", targetID)},
	})
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return model.E(model.KindNotFound, "target memory %s not found", targetID)
	}

	op := model.MCROp(stringPayload(intent.Payload, "op"))
	overrides := map[string]any{"committed_at": now}
	if op == model.MCRRetract {
		overrides["status"] = string(model.MemoryRetracted)
	} else {
		if c := stringPayload(intent.Payload, "content"); c != "" {
			overrides["content"] = c
		}
		if v, ok := intent.Payload["confidence"]; ok {
			overrides["confidence"] = v.GetDoubleValue()
		}
		if r := stringPayload(intent.Payload, "rationale"); r != "" {
			overrides["rationale"] = r
		}
	}

	if _, err := q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Payload:        qdrant.NewValueMap(overrides),
		PointsSelector: selectorFor(targets[0].Id),
	}); err != nil {
		return model.EWrap(model.KindIO, err, "qdrant resolve %s", op)
	}

	// Intent points are working data, not memories; drop after resolution.
	_, err = q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         selectorFor(intent.Id),
	})
	if err != nil {
		return model.EWrap(model.KindIO, err, "qdrant drop intent")
	}
	return nil
}

func (q *Qdrant) HasBatch(ctx context.Context, batchID string) (bool, error) {
	staged, err := q.scroll(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("batch_id", batchID)},
	})
	if err != nil {
		return false, err
	}
	return len(staged) > 0, nil
}

func (q *Qdrant) Search(ctx context.Context, query model.SearchQuery) ([]model.SearchResult, error) {
	status := model.MemoryCommitted
	if query.Status != nil {
		status = *query.Status
	}
	must := []*qdrant.Condition{qdrant.NewMatch("status", string(status))}
	if query.Scope != nil {
		must = append(must, qdrant.NewMatch("scope", string(*query.Scope)))
	}
	if query.Type != nil {
		must = append(must, qdrant.NewMatch("type", string(*query.Type)))
	}

	points, err := q.scroll(ctx, &qdrant.Filter{Must: must})
	if err != nil {
		return nil, err
	}

	var results []model.SearchResult
	for _, p := range points {
		it := itemFromPayload(p.Payload)
		if query.ScopeID != "" && it.ScopeID != "" && it.ScopeID != query.ScopeID {
			continue
		}
		score := matchScore(it.Content, query.Text)
		if query.Text != "" && score == 0 {
			continue
		}
		results = append(results, model.SearchResult{Item: it, Score: score})
	}
	return rankAndTruncate(results, query.TopK), nil
}

func (q *Qdrant) Retract(ctx context.Context, id, reason string) error {
	targets, err := q.scroll(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("id", id)},
	})
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return model.E(model.KindNotFound, "memory %s not found", id)
	}
	if stringPayload(targets[0].Payload, "status") == string(model.MemoryProposed) {
		return model.E(model.KindConflict, "memory %s is still proposed; commit or drop its batch", id)
	}

	payload := map[string]any{"status": string(model.MemoryRetracted)}
	if reason != "" {
		payload["rationale"] = reason
	}
	_, err = q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Payload:        qdrant.NewValueMap(payload),
		PointsSelector: selectorFor(targets[0].Id),
	})
	if err != nil {
		return model.EWrap(model.KindIO, err, "qdrant retract %s", id)
	}
	return nil
}

func (q *Qdrant) Get(ctx context.Context, id string) (model.MemoryItem, error) {
	targets, err := q.scroll(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("id", id)},
	})
	if err != nil {
		return model.MemoryItem{}, err
	}
	if len(targets) == 0 {
		return model.MemoryItem{}, model.E(model.KindNotFound, "memory %s not found", id)
	}
	return itemFromPayload(targets[0].Payload), nil
}

func (q *Qdrant) scroll(ctx context.Context, filter *qdrant.Filter) ([]*qdrant.RetrievedPoint, error) {
	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: q.collection,
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint32(1024)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, model.EWrap(model.KindIO, err, "qdrant scroll")
	}
	return points, nil
}

// selectorFor targets a single point id.
func selectorFor(id *qdrant.PointId) *qdrant.PointsSelector {
	return &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Points{
			Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{id}},
		},
	}
}

func itemFromPayload(payload map[string]*qdrant.Value) model.MemoryItem {
	it := model.MemoryItem{
		SchemaVersion: model.SchemaVersion,
		ID:            stringPayload(payload, "id"),
		Type:          model.MemoryType(stringPayload(payload, "type")),
		Scope:         model.MemoryScope(stringPayload(payload, "scope")),
		ScopeID:       stringPayload(payload, "scope_id"),
		Content:       stringPayload(payload, "content"),
		Rationale:     stringPayload(payload, "rationale"),
		Status:        model.MemoryStatus(stringPayload(payload, "status")),
		BatchID:       stringPayload(payload, "batch_id"),
	}
	if v, ok := payload["confidence"]; ok {
		it.Confidence = v.GetDoubleValue()
	}
	if ts := stringPayload(payload, "created_at"); ts != "" {
		it.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if ts := stringPayload(payload, "committed_at"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err == nil {
			it.CommittedAt = &t
		}
	}
	return it
}

func stringPayload(payload map[string]*qdrant.Value, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

// Healthy checks reachability; concurrent checks are deduplicated.
func (q *Qdrant) Healthy(ctx context.Context) error {
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, err := q.client.HealthCheck(checkCtx)
		return err, nil
	})
	if err, ok := result.(error); ok && err != nil {
		return model.EWrap(model.KindIO, err, "qdrant health")
	}
	return nil
}

func (q *Qdrant) Close() error { return q.client.Close() }
