// Package episode builds and persists immutable run checkpoints, and mints
// the milestone tokens that gate long-term memory commits.
package episode

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aos-labs/contextd/internal/fsio"
	"github.com/aos-labs/contextd/internal/model"
	"github.com/aos-labs/contextd/internal/schema"
)

// summaryMaxChars caps the deterministic episode summary.
const summaryMaxChars = 1200

// SealParams are the inputs for writing one episode document.
type SealParams struct {
	Dir            string // episodes directory of the run
	RunID          string
	Reason         string
	WS             *model.WorkingSet // snapshotted by value into before and after
	Span           model.LedgerSpan
	SpanEvents     []model.LedgerEvent
	CommittedIDs   []string
	NextEntryPoint string
}

// Seal writes an immutable episode document and returns it with its path.
// The working set is embedded by value twice; the sealer never mutates it.
func Seal(p SealParams) (*model.Episode, string, error) {
	ep := &model.Episode{
		SchemaVersion:      model.SchemaVersion,
		EpisodeID:          "ep_" + ulid.Make().String(),
		RunID:              p.RunID,
		Reason:             p.Reason,
		CreatedAt:          time.Now().UTC(),
		WSBefore:           *p.WS.Clone(),
		WSAfter:            *p.WS.Clone(),
		LedgerSpan:         p.Span,
		CommittedMemoryIDs: append([]string{}, p.CommittedIDs...),
		NextEntryPoint:     p.NextEntryPoint,
		Summary:            Summarize(p.SpanEvents),
	}
	if err := schema.Check(ep); err != nil {
		return nil, "", err
	}

	data, err := json.MarshalIndent(ep, "", "  ")
	if err != nil {
		return nil, "", model.EWrap(model.KindIO, err, "marshal episode")
	}
	path := filepath.Join(p.Dir, ep.EpisodeID+".json")
	if err := fsio.WriteAtomic(path, append(data, '\n')); err != nil {
		return nil, "", err
	}
	return ep, path, nil
}

// Summarize renders the deterministic episode summary: sorted event-type
// counts plus a five-event tail.
func Summarize(events []model.LedgerEvent) string {
	counts := map[string]int{}
	for _, e := range events {
		counts[string(e.EventType)]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	b.WriteString("Event counts:\n")
	for _, t := range types {
		fmt.Fprintf(&b, "- %s: %d\n", t, counts[t])
	}

	tail := events
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	b.WriteString("\nLast events (tail):\n")
	for _, e := range tail {
		fmt.Fprintf(&b, "- %s @ %s\n", e.EventType, e.Timestamp.UTC().Format(time.RFC3339))
	}

	s := strings.TrimRight(b.String(), "\n")
	if len(s) > summaryMaxChars {
		s = s[:summaryMaxChars]
	}
	return s
}

// Latest returns the most recent episode in dir by episode id (ULIDs sort
// chronologically), or not-found when none exist.
func Latest(dir string) (*model.Episode, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", model.E(model.KindNotFound, "no episodes in %s", dir)
		}
		return nil, "", model.EWrap(model.KindIO, err, "read episodes dir")
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "ep_") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, "", model.E(model.KindNotFound, "no episodes in %s", dir)
	}
	sort.Strings(names)
	name := names[len(names)-1]

	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", model.EWrap(model.KindIO, err, "read episode %s", path)
	}
	var ep model.Episode
	if err := schema.Decode(data, &ep); err != nil {
		return nil, "", model.EWrap(model.KindCorruption, err, "episode invalid at %s", path)
	}
	return &ep, path, nil
}
