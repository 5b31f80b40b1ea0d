package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kilupskalvis/scenemerge/internal/clock"
	"github.com/kilupskalvis/scenemerge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *BboltLog {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "doc", "ops.db")
	s, err := NewBboltLog(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleOps() []models.Operation {
	return []models.Operation{
		&models.InsertNode{
			Header:          models.Header{ID: "op-1", Timestamp: clock.New(1, "c1")},
			NodeID:          "frame",
			NodeType:        "frame",
			ParentID:        "root",
			FractionalIndex: "a0",
			Data:            []byte(`{"width":100}`),
		},
		&models.SetProperty{
			Header:   models.Header{ID: "op-2", Timestamp: clock.New(2, "c1")},
			NodeID:   "frame",
			Path:     models.PropertyPath{"fill", "color"},
			NewValue: []byte(`"#ff0000"`),
		},
		&models.DeleteNode{
			Header: models.Header{ID: "op-3", Timestamp: clock.New(3, "c2")},
			NodeID: "frame",
		},
	}
}

func testOpLog(t *testing.T, log OpLog) {
	ctx := context.Background()

	count, err := log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	first, err := log.Append(ctx, sampleOps()[:2])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first)

	first, err = log.Append(ctx, sampleOps()[2:])
	require.NoError(t, err)
	assert.Equal(t, uint64(3), first)

	entries, err := log.Load(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, sampleOps()[i].OpID(), e.Op.OpID())
		assert.False(t, e.AppendedAt.IsZero())
	}

	set, ok := entries[1].Op.(*models.SetProperty)
	require.True(t, ok)
	assert.Equal(t, "fill.color", set.PathKey())
	assert.Equal(t, clock.New(2, "c1"), set.Timestamp)

	tail, err := log.Load(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, models.OperationDeleteNode, tail[0].Op.Type())

	none, err := log.Load(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, none)

	count, err = log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	first, err = log.Append(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first)
}

func testMeta(t *testing.T, log OpLog) {
	ctx := context.Background()

	_, err := log.GetValue(ctx, "doc_id")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, log.SetValue(ctx, "doc_id", "design-1"))
	v, err := log.GetValue(ctx, "doc_id")
	require.NoError(t, err)
	assert.Equal(t, "design-1", v)
}

func TestBboltLog(t *testing.T) {
	testOpLog(t, newTestLog(t))
}

func TestBboltLog_Meta(t *testing.T) {
	testMeta(t, newTestLog(t))
}

func TestMemoryLog(t *testing.T) {
	testOpLog(t, NewMemoryLog())
}

func TestMemoryLog_Meta(t *testing.T) {
	testMeta(t, NewMemoryLog())
}

func TestBboltLog_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "ops.db")

	s, err := NewBboltLog(dbPath)
	require.NoError(t, err)
	_, err = s.Append(ctx, sampleOps())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewBboltLog(dbPath)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.Load(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	ins := entries[0].Op.(*models.InsertNode)
	assert.JSONEq(t, `{"width":100}`, string(ins.Data))

	first, err := s.Append(ctx, sampleOps()[:1])
	require.NoError(t, err)
	assert.Equal(t, uint64(4), first, "sequence continues after reopen")
}

func TestBboltLog_Closed(t *testing.T) {
	s := newTestLog(t)
	require.NoError(t, s.Close())

	_, err := s.Append(context.Background(), sampleOps())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Load(context.Background(), 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close(), "double close is a no-op")
}
