// Package ledger implements the append-only, crash-safe, sequence-numbered
// event log for one run. One JSON object per line; lines are never rewritten.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/aos-labs/contextd/internal/fsio"
	"github.com/aos-labs/contextd/internal/model"
	"github.com/aos-labs/contextd/internal/schema"
)

// maxLineBytes bounds a single ledger line. A line past this is reported as
// corruption; the check runs after the whole line has been read into memory.
const maxLineBytes = 8 * 1024 * 1024

// Ledger is the append-only event log for a single run. Appends within a
// process are serialized by an internal mutex; cross-process writers by the
// append handle's advisory lock.
type Ledger struct {
	mu      sync.Mutex
	path    string
	handle  *fsio.AppendHandle
	lastSeq int64 // -1 when empty
}

// Open opens (creating if needed) the ledger at path and primes the sequence
// counter from the existing contents.
func Open(path string, lockMode fsio.LockMode) (*Ledger, error) {
	h, err := fsio.OpenAppend(path, lockMode)
	if err != nil {
		return nil, err
	}
	l := &Ledger{path: path, handle: h, lastSeq: -1}

	events, err := l.ReadAll()
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	for _, ev := range events {
		if s := int64(ev.Seq()); s > l.lastSeq {
			l.lastSeq = s
		}
	}
	return l, nil
}

// Append validates event, assigns the next dense sequence id if absent, and
// durably writes it as one line. Returns the assigned sequence.
func (l *Ledger) Append(event *model.LedgerEvent) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.SequenceID == nil {
		next := uint64(l.lastSeq + 1)
		event.SequenceID = &next
	} else if int64(*event.SequenceID) != l.lastSeq+1 {
		return 0, model.E(model.KindConflict,
			"sequence_id %d breaks dense ordering (last %d)", *event.SequenceID, l.lastSeq)
	}
	if err := schema.Check(event); err != nil {
		return 0, err
	}

	line, err := json.Marshal(event)
	if err != nil {
		return 0, model.EWrap(model.KindIO, err, "marshal ledger event")
	}
	if err := l.handle.AppendLine(line); err != nil {
		return 0, err
	}
	l.lastSeq = int64(*event.SequenceID)
	return *event.SequenceID, nil
}

// LastSequence returns the highest assigned sequence id, or -1 when the
// ledger is empty.
func (l *Ledger) LastSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// ReadAll parses and validates every event in the ledger. Reading stops at
// the first malformed line with a corruption error carrying its byte offset.
func (l *Ledger) ReadAll() ([]model.LedgerEvent, error) {
	return l.readFiltered(func(model.LedgerEvent) bool { return true })
}

// ReadRange returns events with from <= sequence_id <= to.
func (l *Ledger) ReadRange(from, to uint64) ([]model.LedgerEvent, error) {
	return l.readFiltered(func(ev model.LedgerEvent) bool {
		s := ev.Seq()
		return s >= from && s <= to
	})
}

func (l *Ledger) readFiltered(keep func(model.LedgerEvent) bool) ([]model.LedgerEvent, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, model.EWrap(model.KindIO, err, "open ledger %s", l.path)
	}
	defer f.Close()

	var out []model.LedgerEvent
	var offset int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				// Torn final line from a crash mid-append.
				return nil, corruption(offset, "unterminated final line")
			}
			return out, nil
		}
		if err != nil {
			return nil, model.EWrap(model.KindIO, err, "read ledger %s", l.path)
		}
		if len(line) > maxLineBytes {
			return nil, corruption(offset, "line exceeds maximum length")
		}

		var ev model.LedgerEvent
		if derr := schema.Decode(line, &ev); derr != nil {
			return nil, corruption(offset, derr.Error())
		}
		if ev.SequenceID == nil {
			return nil, corruption(offset, "missing sequence_id")
		}
		if keep(ev) {
			out = append(out, ev)
		}
		offset += int64(len(line))
	}
}

// Close flushes and releases the append handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle.Close()
}

func corruption(offset int64, detail string) error {
	e := model.E(model.KindCorruption, "ledger corrupt at byte %d: %s", offset, detail)
	return e.WithDetail("byte_offset", offset)
}
