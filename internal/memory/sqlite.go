package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/aos-labs/contextd/internal/model"
)

// SQLite is the durable Store backend. Items survive restarts; proposed
// batches do too, so a crash between propose and milestone does not lose
// staged work.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates the memory database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, model.EWrap(model.KindIO, err, "create db dir")
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, model.EWrap(model.KindIO, err, "open db")
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, model.EWrap(model.KindIO, err, "migrate")
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_items (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		scope        TEXT NOT NULL,
		scope_id     TEXT,
		content      TEXT NOT NULL,
		confidence   REAL NOT NULL,
		rationale    TEXT,
		source_refs  TEXT,
		status       TEXT NOT NULL,
		batch_id     TEXT,
		created_at   TEXT NOT NULL,
		committed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_items_status ON memory_items(status);
	CREATE INDEX IF NOT EXISTS idx_items_scope ON memory_items(scope, scope_id);

	CREATE TABLE IF NOT EXISTS memory_batches (
		batch_id  TEXT NOT NULL,
		seq       INTEGER NOT NULL,
		op        TEXT NOT NULL,
		item_id   TEXT NOT NULL,
		mcr       TEXT NOT NULL,
		PRIMARY KEY (batch_id, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) Propose(ctx context.Context, runID string, mcrs []model.MCR, scopeFilters []model.MemoryScope) (string, []string, error) {
	if err := validateMCRs(mcrs, scopeFilters); err != nil {
		return "", nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, model.EWrap(model.KindIO, err, "begin propose")
	}
	defer tx.Rollback()

	batchID := "batch_" + ulid.Make().String()
	now := time.Now().UTC()
	ids := make([]string, 0, len(mcrs))

	for i, m := range mcrs {
		itemID := m.TargetID
		if m.Op == model.MCRAdd {
			item := newItemFromMCR(m, batchID, now)
			if err := insertItem(ctx, tx, item); err != nil {
				return "", nil, err
			}
			itemID = item.ID
		} else {
			var exists int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM memory_items WHERE id = ?`, m.TargetID).Scan(&exists)
			if err != nil {
				return "", nil, model.EWrap(model.KindIO, err, "check target")
			}
			if exists == 0 {
				return "", nil, model.E(model.KindNotFound, "target memory %s not found", m.TargetID)
			}
		}

		raw, err := json.Marshal(m)
		if err != nil {
			return "", nil, model.EWrap(model.KindIO, err, "marshal mcr")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_batches (batch_id, seq, op, item_id, mcr) VALUES (?, ?, ?, ?, ?)`,
			batchID, i, string(m.Op), itemID, string(raw))
		if err != nil {
			return "", nil, model.EWrap(model.KindIO, err, "stage mcr")
		}
		ids = append(ids, itemID)
	}

	if err := tx.Commit(); err != nil {
		return "", nil, model.EWrap(model.KindIO, err, "commit propose")
	}
	return batchID, ids, nil
}

func insertItem(ctx context.Context, tx *sql.Tx, it *model.MemoryItem) error {
	refs, _ := json.Marshal(it.SourceRefs)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO memory_items
		 (id, type, scope, scope_id, content, confidence, rationale, source_refs, status, batch_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, string(it.Type), string(it.Scope), it.ScopeID, it.Content, it.Confidence,
		it.Rationale, string(refs), string(it.Status), it.BatchID,
		it.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return model.EWrap(model.KindIO, err, "insert memory item")
	}
	return nil
}

func (s *SQLite) Commit(ctx context.Context, batchID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, model.EWrap(model.KindIO, err, "begin commit")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT op, item_id, mcr FROM memory_batches WHERE batch_id = ? ORDER BY seq`, batchID)
	if err != nil {
		return nil, model.EWrap(model.KindIO, err, "read batch")
	}
	type entry struct {
		op     model.MCROp
		itemID string
		mcr    model.MCR
	}
	var entries []entry
	for rows.Next() {
		var e entry
		var op, raw string
		if err := rows.Scan(&op, &e.itemID, &raw); err != nil {
			rows.Close()
			return nil, model.EWrap(model.KindIO, err, "scan batch row")
		}
		e.op = model.MCROp(op)
		if err := json.Unmarshal([]byte(raw), &e.mcr); err != nil {
			rows.Close()
			return nil, model.EWrap(model.KindCorruption, err, "staged mcr invalid")
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, model.EWrap(model.KindIO, err, "iterate batch")
	}
	if len(entries) == 0 {
		return nil, model.E(model.KindUnknownBatch, "batch %s is not proposed", batchID)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	committed := make([]string, 0, len(entries))
	for _, e := range entries {
		switch e.op {
		case model.MCRAdd:
			_, err = tx.ExecContext(ctx,
				`UPDATE memory_items SET status = ?, committed_at = ? WHERE id = ?`,
				string(model.MemoryCommitted), now, e.itemID)
		case model.MCRUpdate:
			err = updateTarget(ctx, tx, e.itemID, e.mcr, now)
		case model.MCRRetract:
			_, err = tx.ExecContext(ctx,
				`UPDATE memory_items SET status = ? WHERE id = ?`,
				string(model.MemoryRetracted), e.itemID)
		}
		if err != nil {
			return nil, model.EWrap(model.KindIO, err, "apply %s to %s", e.op, e.itemID)
		}
		committed = append(committed, e.itemID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_batches WHERE batch_id = ?`, batchID); err != nil {
		return nil, model.EWrap(model.KindIO, err, "drop batch")
	}
	if err := tx.Commit(); err != nil {
		return nil, model.EWrap(model.KindIO, err, "commit batch")
	}
	return committed, nil
}

func updateTarget(ctx context.Context, tx *sql.Tx, id string, m model.MCR, now string) error {
	set := "committed_at = ?"
	args := []any{now}
	if m.Content != "" {
		set += ", content = ?"
		args = append(args, m.Content)
	}
	if m.Confidence != nil {
		set += ", confidence = ?"
		args = append(args, *m.Confidence)
	}
	if m.Rationale != "" {
		set += ", rationale = ?"
		args = append(args, m.Rationale)
	}
	if m.Type != "" {
		set += ", type = ?"
		args = append(args, string(m.Type))
	}
	if len(m.SourceRefs) > 0 {
		refs, _ := json.Marshal(m.SourceRefs)
		set += ", source_refs = ?"
		args = append(args, string(refs))
	}
	args = append(args, id)
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE memory_items SET %s WHERE id = ?`, set), args...)
	return err
}

func (s *SQLite) HasBatch(ctx context.Context, batchID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM memory_batches WHERE batch_id = ?`, batchID).Scan(&n)
	if err != nil {
		return false, model.EWrap(model.KindIO, err, "check batch")
	}
	return n > 0, nil
}

func (s *SQLite) Search(ctx context.Context, q model.SearchQuery) ([]model.SearchResult, error) {
	// SQL narrows by the hard filters; scoring and the deterministic order
	// live in Go so every backend ranks identically.
	where := "1=1"
	var args []any
	if q.Status != nil {
		where += " AND status = ?"
		args = append(args, string(*q.Status))
	} else {
		where += " AND status = ?"
		args = append(args, string(model.MemoryCommitted))
	}
	if q.Scope != nil {
		where += " AND scope = ?"
		args = append(args, string(*q.Scope))
	}
	if q.Type != nil {
		where += " AND type = ?"
		args = append(args, string(*q.Type))
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, type, scope, scope_id, content, confidence, rationale, source_refs,
		        status, batch_id, created_at, committed_at
		 FROM memory_items WHERE %s`, where), args...)
	if err != nil {
		return nil, model.EWrap(model.KindIO, err, "search")
	}
	defer rows.Close()

	var results []model.SearchResult
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		if q.ScopeID != "" && it.ScopeID != "" && it.ScopeID != q.ScopeID {
			continue
		}
		score := matchScore(it.Content, q.Text)
		if q.Text != "" && score == 0 {
			continue
		}
		results = append(results, model.SearchResult{Item: it, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, model.EWrap(model.KindIO, err, "iterate search")
	}
	return rankAndTruncate(results, q.TopK), nil
}

func (s *SQLite) Retract(ctx context.Context, id, reason string) error {
	it, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if it.Status == model.MemoryProposed {
		return model.E(model.KindConflict, "memory %s is still proposed; commit or drop its batch", id)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE memory_items SET status = ?, rationale = CASE WHEN ? = '' THEN rationale ELSE ? END WHERE id = ?`,
		string(model.MemoryRetracted), reason, reason, id)
	if err != nil {
		return model.EWrap(model.KindIO, err, "retract %s", id)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (model.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, scope, scope_id, content, confidence, rationale, source_refs,
		        status, batch_id, created_at, committed_at
		 FROM memory_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return model.MemoryItem{}, model.E(model.KindNotFound, "memory %s not found", id)
	}
	return it, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (model.MemoryItem, error) {
	var it model.MemoryItem
	var typ, scope, status string
	var scopeID, rationale, refs, batchID, committedAt sql.NullString
	var createdAt string

	err := row.Scan(&it.ID, &typ, &scope, &scopeID, &it.Content, &it.Confidence,
		&rationale, &refs, &status, &batchID, &createdAt, &committedAt)
	if err == sql.ErrNoRows {
		return it, err
	}
	if err != nil {
		return it, model.EWrap(model.KindIO, err, "scan memory item")
	}

	it.SchemaVersion = model.SchemaVersion
	it.Type = model.MemoryType(typ)
	it.Scope = model.MemoryScope(scope)
	it.Status = model.MemoryStatus(status)
	it.ScopeID = scopeID.String
	it.Rationale = rationale.String
	it.BatchID = batchID.String
	it.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if committedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, committedAt.String)
		it.CommittedAt = &t
	}
	if refs.Valid && refs.String != "" && refs.String != "null" {
		_ = json.Unmarshal([]byte(refs.String), &it.SourceRefs)
	}
	return it, nil
}

func (s *SQLite) Healthy(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error { return s.db.Close() }
