package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneIsDeep(t *testing.T) {
	n := 12
	ws := &WorkingSet{
		SchemaVersion:      SchemaVersion,
		RunID:              "run_1",
		Status:             StatusBusy,
		AcceptanceCriteria: []string{"a"},
		PinnedContext: []ContextItem{
			{ID: "p1", Content: "pinned", Timestamp: time.Now().UTC(), Tokens: &n},
		},
		SlidingContext: []ContextItem{
			{ID: "s1", Content: "sliding", Timestamp: time.Now().UTC()},
		},
	}

	clone := ws.Clone()
	clone.AcceptanceCriteria[0] = "mutated"
	clone.PinnedContext[0].Content = "mutated"
	*clone.PinnedContext[0].Tokens = 99

	assert.Equal(t, "a", ws.AcceptanceCriteria[0])
	assert.Equal(t, "pinned", ws.PinnedContext[0].Content)
	assert.Equal(t, 12, *ws.PinnedContext[0].Tokens)
}

func TestItemIDsPinnedFirst(t *testing.T) {
	ws := &WorkingSet{
		PinnedContext:  []ContextItem{{ID: "p1"}, {ID: "p2"}},
		SlidingContext: []ContextItem{{ID: "s1"}},
	}
	assert.Equal(t, []string{"p1", "p2", "s1"}, ws.ItemIDs())
}

func TestPatchSummaryCountsDirectives(t *testing.T) {
	status := StatusIdle
	p := &WSPatch{
		SchemaVersion: SchemaVersion,
		Set:           &WSPatchSet{NextAction: ptr("next")},
		SlidingAppend: []ContextItem{{ID: "a"}, {ID: "b"}},
		PinnedRemove:  []string{"x"},
		Status:        &status,
	}
	s := p.Summary()
	assert.Equal(t, 1, s["set"])
	assert.Equal(t, 2, s["sliding_append"])
	assert.Equal(t, 1, s["pinned_remove"])
	assert.Equal(t, 1, s["status"])
	_, ok := s["sliding_remove"]
	assert.False(t, ok)
}

func TestErrorKindExtraction(t *testing.T) {
	err := E(KindConflict, "seq mismatch").WithDetail("current_seq", 4)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, 4, DetailsOf(err)["current_seq"])

	require.ErrorContains(t, err, "conflict: seq mismatch")
	assert.Equal(t, KindInternal, KindOf(assertErr()))
}

func assertErr() error { return assertError{} }

type assertError struct{}

func (assertError) Error() string { return "plain" }

func ptr[T any](v T) *T { return &v }
