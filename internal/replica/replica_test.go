package replica

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilupskalvis/scenemerge/internal/clock"
	"github.com/kilupskalvis/scenemerge/internal/crdt"
	"github.com/kilupskalvis/scenemerge/internal/models"
	"github.com/kilupskalvis/scenemerge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var opSeq int

func stamp(counter uint64, client string) models.Header {
	opSeq++
	return models.Header{ID: fmt.Sprintf("op-%d", opSeq), Timestamp: clock.New(counter, client)}
}

func insert(id, parent string, counter uint64, client string) *models.InsertNode {
	return &models.InsertNode{
		Header:          stamp(counter, client),
		NodeID:          models.NodeID(id),
		NodeType:        "frame",
		ParentID:        models.NodeID(parent),
		FractionalIndex: "a0",
	}
}

func setName(id, value string, counter uint64, client string) *models.SetProperty {
	return &models.SetProperty{
		Header:   stamp(counter, client),
		NodeID:   models.NodeID(id),
		Path:     models.PropertyPath{"name"},
		NewValue: []byte(fmt.Sprintf("%q", value)),
	}
}

func remove(id string, counter uint64, client string) *models.DeleteNode {
	return &models.DeleteNode{Header: stamp(counter, client), NodeID: models.NodeID(id)}
}

func newMemoryDoc(t *testing.T, opts Options) *Document {
	t.Helper()
	doc, err := OpenDocument(context.Background(), "doc", store.NewMemoryLog(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { doc.Close() })
	return doc
}

func drain(doc *Document) []models.Change {
	var out []models.Change
	for {
		select {
		case c := <-doc.Changes():
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestDocument_MergeEmitsChanges(t *testing.T) {
	doc := newMemoryDoc(t, Options{})
	ctx := context.Background()

	ops := []models.Operation{
		insert("frame", "root", 1, "c1"),
		insert("frame", "root", 2, "c2"),
		setName("frame", "Header", 3, "c1"),
	}
	results, err := doc.Merge(ctx, ops)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Apply)
	assert.False(t, results[1].Apply)
	assert.Equal(t, models.RejectIdentity, results[1].Kind)
	assert.True(t, results[2].Apply)

	changes := drain(doc)
	require.Len(t, changes, 3)
	assert.Equal(t, uint64(1), changes[0].Seq)
	assert.Equal(t, uint64(0), changes[1].Seq, "rejected ops have no log position")
	assert.Equal(t, uint64(2), changes[2].Seq)
	for i, c := range changes {
		assert.Equal(t, "doc", c.DocID)
		assert.Equal(t, ops[i].OpID(), c.Op.OpID())
	}

	entries, err := doc.Log(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDocument_Queries(t *testing.T) {
	doc := newMemoryDoc(t, Options{})
	ctx := context.Background()

	_, err := doc.Merge(ctx, []models.Operation{
		insert("a", "root", 1, "c1"),
		setName("a", "First", 5, "c2"),
		insert("b", "root", 2, "c1"),
		remove("b", 7, "c3"),
	})
	require.NoError(t, err)

	ns, ok := doc.NodeState("a")
	require.True(t, ok)
	assert.Equal(t, models.NodeID("root"), ns.ParentID)
	assert.True(t, ns.Live())

	ts, ok := doc.PropertyTimestamp("a", models.PropertyPath{"name"})
	require.True(t, ok)
	assert.Equal(t, clock.New(5, "c2"), ts)

	assert.True(t, doc.IsDeleted("b"))
	assert.False(t, doc.IsDeleted("a"))

	snap := doc.Snapshot()
	assert.Equal(t, []models.NodeID{"a", "b", "root"}, snap.IDs())

	info := doc.Clock()
	assert.Equal(t, map[string]uint64{"c1": 2, "c2": 5, "c3": 7}, info.Vector)
	assert.Equal(t, uint64(8), info.NextCounter)
	assert.Equal(t, uint64(4), info.LastSeq)
}

func TestDocument_ClockObservesRejectedOps(t *testing.T) {
	doc := newMemoryDoc(t, Options{})

	results, err := doc.Merge(context.Background(), []models.Operation{insert("x", "missing", 40, "c9")})
	require.NoError(t, err)
	assert.False(t, results[0].Apply)

	info := doc.Clock()
	assert.Equal(t, uint64(41), info.NextCounter)
	assert.Equal(t, uint64(0), info.LastSeq)
}

func TestDocument_DropsWhenChannelFull(t *testing.T) {
	doc := newMemoryDoc(t, Options{ChangeBuffer: 2})

	_, err := doc.Merge(context.Background(), []models.Operation{
		insert("a", "root", 1, "c1"),
		insert("b", "root", 2, "c1"),
		insert("c", "root", 3, "c1"),
		insert("d", "root", 4, "c1"),
	})
	require.NoError(t, err)

	assert.Len(t, drain(doc), 2)
	assert.Equal(t, uint64(2), doc.Dropped())
}

func TestDocument_ReplayRestoresState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ops.db")

	log, err := store.NewBboltLog(path)
	require.NoError(t, err)
	doc, err := OpenDocument(ctx, "design", log, Options{})
	require.NoError(t, err)

	_, err = doc.Merge(ctx, []models.Operation{
		insert("frame", "root", 1, "c1"),
		setName("frame", "Hero", 4, "c2"),
		insert("text", "frame", 2, "c1"),
		remove("text", 6, "c1"),
	})
	require.NoError(t, err)
	before := doc.Snapshot()
	beforeClock := doc.Clock()
	require.NoError(t, doc.Close())

	log, err = store.NewBboltLog(path)
	require.NoError(t, err)
	reopened, err := OpenDocument(ctx, "design", log, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	assert.True(t, before.Equal(reopened.Snapshot()))
	assert.Equal(t, beforeClock, reopened.Clock())

	// A re-delivered insert of the deleted node is still refused after replay.
	results, err := reopened.Merge(ctx, []models.Operation{insert("text", "frame", 9, "c3")})
	require.NoError(t, err)
	assert.Equal(t, models.RejectTombstone, results[0].Kind)

	id, err := log.GetValue(ctx, metaDocID)
	require.NoError(t, err)
	assert.Equal(t, "design", id)
	policy, err := log.GetValue(ctx, metaPolicy)
	require.NoError(t, err)
	assert.Equal(t, string(crdt.PositionArrival), policy)
}

// failingLog fails the first n appends and passes everything else through.
type failingLog struct {
	store.OpLog
	mu    sync.Mutex
	fails int
}

func (l *failingLog) Append(ctx context.Context, ops []models.Operation) (uint64, error) {
	l.mu.Lock()
	fail := l.fails > 0
	if fail {
		l.fails--
	}
	l.mu.Unlock()
	if fail {
		return 0, errors.New("disk full")
	}
	return l.OpLog.Append(ctx, ops)
}

func TestDocument_FailedAppendLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ops.db")

	bolt, err := store.NewBboltLog(path)
	require.NoError(t, err)
	log := &failingLog{OpLog: bolt, fails: 1}
	doc, err := OpenDocument(ctx, "design", log, Options{})
	require.NoError(t, err)

	results, err := doc.Merge(ctx, []models.Operation{insert("n", "root", 1, "c1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Nil(t, results)
	assert.False(t, doc.Snapshot()["n"].Live(), "a batch that was not persisted must not be applied")
	assert.Empty(t, drain(doc))
	assert.Equal(t, uint64(0), doc.Clock().LastSeq)

	results, err = doc.Merge(ctx, []models.Operation{insert("n", "root", 1, "c1")})
	require.NoError(t, err)
	assert.True(t, results[0].Apply, "retry of the failed insert is accepted")

	results, err = doc.Merge(ctx, []models.Operation{insert("child", "n", 2, "c1")})
	require.NoError(t, err)
	assert.True(t, results[0].Apply)
	require.NoError(t, doc.Close())

	bolt, err = store.NewBboltLog(path)
	require.NoError(t, err)
	reopened, err := OpenDocument(ctx, "design", bolt, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	snap := reopened.Snapshot()
	assert.True(t, snap["n"].Live())
	assert.True(t, snap["child"].Live())
	assert.Equal(t, uint64(2), reopened.Clock().LastSeq)
}

func TestDocument_PlaceholderAdoption(t *testing.T) {
	ctx := context.Background()
	ops := func() []models.Operation {
		return []models.Operation{
			setName("a", "Early", 3, "c2"),
			insert("a", "root", 1, "c1"),
		}
	}

	strict := newMemoryDoc(t, Options{})
	results, err := strict.Merge(ctx, ops())
	require.NoError(t, err)
	assert.True(t, results[0].Apply)
	assert.Equal(t, models.RejectIdentity, results[1].Kind)

	log := store.NewMemoryLog()
	adopting, err := OpenDocument(ctx, "doc", log, Options{AdoptPlaceholders: true})
	require.NoError(t, err)
	defer adopting.Close()
	results, err = adopting.Merge(ctx, ops())
	require.NoError(t, err)
	assert.True(t, results[1].Apply)
	ns, ok := adopting.NodeState("a")
	require.True(t, ok)
	assert.True(t, ns.Live())

	flag, err := log.GetValue(ctx, metaAdoption)
	require.NoError(t, err)
	assert.Equal(t, "true", flag)
}

func TestDocument_ClosedRejectsMerge(t *testing.T) {
	doc, err := OpenDocument(context.Background(), "doc", store.NewMemoryLog(), Options{})
	require.NoError(t, err)
	require.NoError(t, doc.Close())
	require.NoError(t, doc.Close())

	_, err = doc.Merge(context.Background(), []models.Operation{insert("a", "root", 1, "c1")})
	assert.ErrorIs(t, err, ErrClosed)

	_, open := <-doc.Changes()
	assert.False(t, open)
}

func TestDocument_CustomRoots(t *testing.T) {
	doc := newMemoryDoc(t, Options{Roots: []models.NodeID{"page-1", "page-2"}})

	results, err := doc.Merge(context.Background(), []models.Operation{
		insert("a", "page-2", 1, "c1"),
		insert("b", "root", 2, "c1"),
	})
	require.NoError(t, err)
	assert.True(t, results[0].Apply)
	assert.Equal(t, models.RejectCausal, results[1].Kind)
}

func TestDocument_ConcurrentMerges(t *testing.T) {
	doc := newMemoryDoc(t, Options{ChangeBuffer: 1})
	ctx := context.Background()

	_, err := doc.Merge(ctx, []models.Operation{insert("shared", "root", 1, "seed")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		client := fmt.Sprintf("c%d", c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := uint64(1); i <= 25; i++ {
				op := &models.SetProperty{
					Header:   models.Header{ID: fmt.Sprintf("%s-%d", client, i), Timestamp: clock.New(i, client)},
					NodeID:   "shared",
					Path:     models.PropertyPath{"x"},
					NewValue: []byte("1"),
				}
				_, err := doc.Merge(ctx, []models.Operation{op})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	// The winner is the largest stamp regardless of interleaving.
	ts, ok := doc.PropertyTimestamp("shared", models.PropertyPath{"x"})
	require.True(t, ok)
	assert.Equal(t, clock.New(25, "c7"), ts)
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"design-1", "a.b", "DOC_2"} {
		assert.NoError(t, ValidateID(id), id)
	}
	for _, id := range []string{"", ".", "..", "../etc", "a/b", `a\b`, ".hidden"} {
		assert.ErrorIs(t, ValidateID(id), ErrInvalidDocument, id)
	}
}

func TestRegistry_OpenCachesDocuments(t *testing.T) {
	ctx := context.Background()
	reg, err := NewRegistry(t.TempDir(), Options{})
	require.NoError(t, err)
	defer reg.CloseAll()

	var opened []string
	reg.OnOpen(func(d *Document) { opened = append(opened, d.ID()) })

	a, err := reg.Open(ctx, "alpha")
	require.NoError(t, err)
	again, err := reg.Open(ctx, "alpha")
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, []string{"alpha"}, opened)

	got, ok := reg.Get("alpha")
	assert.True(t, ok)
	assert.Same(t, a, got)
	_, ok = reg.Get("beta")
	assert.False(t, ok)

	_, err = reg.Open(ctx, "../escape")
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestRegistry_OpenAllAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	reg, err := NewRegistry(dir, Options{})
	require.NoError(t, err)
	for _, id := range []string{"one", "two", "three"} {
		doc, err := reg.Open(ctx, id)
		require.NoError(t, err)
		_, err = doc.Merge(ctx, []models.Operation{insert("n-"+id, "root", 1, "c1")})
		require.NoError(t, err)
	}
	reg.CloseAll()

	reg, err = NewRegistry(dir, Options{})
	require.NoError(t, err)
	defer reg.CloseAll()

	ids, err := reg.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "three", "two"}, ids)

	var mu sync.Mutex
	var opened []string
	reg.OnOpen(func(d *Document) {
		mu.Lock()
		opened = append(opened, d.ID())
		mu.Unlock()
	})

	require.NoError(t, reg.OpenAll(ctx))
	assert.ElementsMatch(t, ids, opened)

	doc, ok := reg.Get("two")
	require.True(t, ok)
	assert.False(t, doc.IsDeleted("n-two"))
	_, ok = doc.NodeState("n-two")
	assert.True(t, ok)
}

func TestRegistry_SlowOpenDoesNotBlockOtherDocuments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	reg, err := NewRegistry(dir, Options{})
	require.NoError(t, err)
	defer reg.CloseAll()

	var hooks atomic.Int32
	reg.OnOpen(func(d *Document) {
		if d.ID() == "busy" {
			hooks.Add(1)
		}
	})

	// Holding the file lock keeps every open of "busy" waiting on bbolt.
	holder, err := store.NewBboltLog(filepath.Join(dir, "docs", "busy", opLogFile))
	require.NoError(t, err)

	const callers = 4
	docs := make([]*Document, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			docs[i], errs[i] = reg.Open(ctx, "busy")
		}()
	}
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	other, err := reg.Open(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, "other", other.ID())
	assert.Less(t, time.Since(start), time.Second)
	_, ok := reg.Get("busy")
	assert.False(t, ok)

	require.NoError(t, holder.Close())
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, docs[0], docs[i])
	}
	assert.Equal(t, int32(1), hooks.Load())
}

func TestRegistry_OnOpenSeesExistingDocuments(t *testing.T) {
	reg, err := NewRegistry(t.TempDir(), Options{})
	require.NoError(t, err)
	defer reg.CloseAll()

	_, err = reg.Open(context.Background(), "early")
	require.NoError(t, err)

	var seen []string
	reg.OnOpen(func(d *Document) { seen = append(seen, d.ID()) })
	assert.Equal(t, []string{"early"}, seen)
}
