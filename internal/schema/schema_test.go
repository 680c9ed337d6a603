package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aos-labs/contextd/internal/model"
)

func validWS() *model.WorkingSet {
	return &model.WorkingSet{
		SchemaVersion:  model.SchemaVersion,
		RunID:          "run_1",
		Status:         model.StatusBoot,
		PinnedContext:  []model.ContextItem{},
		SlidingContext: []model.ContextItem{},
	}
}

func TestCheckAcceptsValidWorkingSet(t *testing.T) {
	require.NoError(t, Check(validWS()))
}

func TestCheckRejectsBadEnum(t *testing.T) {
	ws := validWS()
	ws.Status = "SLEEPING"
	err := Check(ws)
	require.Error(t, err)
	assert.Equal(t, model.KindSchema, model.KindOf(err))
}

func TestCheckRejectsWrongSchemaVersion(t *testing.T) {
	ws := validWS()
	ws.SchemaVersion = "1.0"
	err := Check(ws)
	require.Error(t, err)
	assert.Equal(t, model.KindSchema, model.KindOf(err))
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	var ws model.WorkingSet
	err := Decode([]byte(`{"_schema_version":"2.1","run_id":"r","status":"BOOT","mystery":1}`), &ws)
	require.Error(t, err)
	assert.Equal(t, model.KindSchema, model.KindOf(err))
	assert.Contains(t, err.Error(), "mystery")
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	var ws model.WorkingSet
	err := Decode([]byte(`{"_schema_version":"2.1","run_id":"r","status":"BOOT"} {"again":true}`), &ws)
	require.Error(t, err)
	assert.Equal(t, model.KindSchema, model.KindOf(err))
}

func TestDecodeRejectsWrongType(t *testing.T) {
	var ws model.WorkingSet
	err := Decode([]byte(`{"_schema_version":"2.1","run_id":"r","status":"BOOT","_update_seq":"five"}`), &ws)
	require.Error(t, err)
	assert.Equal(t, model.KindSchema, model.KindOf(err))
}

func TestDecodeShapeSkipsTagValidation(t *testing.T) {
	var patch model.WSPatch
	// Missing _schema_version fails Check but not shape decoding.
	require.NoError(t, DecodeShape([]byte(`{"expected_seq":3}`), &patch))
	require.Error(t, Check(&patch))
}

func TestCheckValidatesNestedItems(t *testing.T) {
	ws := validWS()
	ws.PinnedContext = []model.ContextItem{{ID: "", Content: "x", Timestamp: time.Now()}}
	err := Check(ws)
	require.Error(t, err)
	assert.Equal(t, model.KindSchema, model.KindOf(err))
}

func TestCheckMemoryItemConfidenceRange(t *testing.T) {
	it := &model.MemoryItem{
		SchemaVersion: model.SchemaVersion,
		ID:            "mem_1",
		Type:          model.MemoryFact,
		Scope:         model.ScopeGlobal,
		Content:       "x",
		Confidence:    1.5,
		Status:        model.MemoryProposed,
	}
	err := Check(it)
	require.Error(t, err)
	assert.Equal(t, model.KindSchema, model.KindOf(err))
}
