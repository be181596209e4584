package column

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaverdb/internal/storage/log"
	"github.com/ChuLiYu/beaverdb/pkg/types"
)

// openTestColumn creates a column and a log sharing a directory, the way
// the engine lays them out.
func openTestColumn(t *testing.T, opts Options) (*Column, *log.Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := log.Open(dir)
	require.NoError(t, err)
	c, err := Open(dir, 0, opts, true)
	require.NoError(t, err)
	return c, l, dir
}

// enactRecord drives one planned record through flush and enact, the job
// the flush and commit workers do in the engine.
func enactRecord(t *testing.T, l *log.Log, c *Column, w *log.Writer) {
	t.Helper()
	require.NoError(t, c.CompletePlan(w))
	_, err := l.EndRecord(w)
	require.NoError(t, err)
	_, _, _, err = l.FlushOne(0)
	require.NoError(t, err)
	r, err := l.ReadNext(false)
	require.NoError(t, err)
	require.NotNil(t, r)
	for {
		a, err := r.Next()
		require.NoError(t, err)
		if a.Kind == log.ActionEndRecord {
			break
		}
		switch a.Kind {
		case log.ActionDropTable:
			require.NoError(t, c.DropIndex(a.Table))
		default:
			require.NoError(t, c.EnactPlan(a))
		}
	}
	l.EndRead(r, r.RecordID())
}

func put(t *testing.T, l *log.Log, c *Column, key, value string) types.PlanOutcome {
	t.Helper()
	w := l.BeginRecord()
	outcome, err := c.WritePlan(c.Hash([]byte(key)), types.Value(value), w, l.Overlays())
	require.NoError(t, err)
	enactRecord(t, l, c, w)
	return outcome
}

func del(t *testing.T, l *log.Log, c *Column, key string) types.PlanOutcome {
	t.Helper()
	w := l.BeginRecord()
	outcome, err := c.WritePlan(c.Hash([]byte(key)), nil, w, l.Overlays())
	require.NoError(t, err)
	enactRecord(t, l, c, w)
	return outcome
}

func get(t *testing.T, l *log.Log, c *Column, key string) types.Value {
	t.Helper()
	v, err := c.Get(c.Hash([]byte(key)), l.Overlays())
	require.NoError(t, err)
	return v
}

func TestHashIsFixedWidthAndStable(t *testing.T) {
	c, _, _ := openTestColumn(t, Options{})
	a := c.Hash([]byte("key1"))
	b := c.Hash([]byte("key1"))
	other := c.Hash([]byte("key2"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, other)
	assert.Len(t, a[:], types.KeySize)
}

func TestPutGetDelete(t *testing.T) {
	c, l, _ := openTestColumn(t, Options{})

	assert.Nil(t, get(t, l, c, "key1"))
	assert.Equal(t, types.PlanWritten, put(t, l, c, "key1", "value1"))
	assert.Equal(t, types.Value("value1"), get(t, l, c, "key1"))

	size, ok, err := c.GetSize(c.Hash([]byte("key1")), l.Overlays())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(len("value1")), size)

	assert.Equal(t, types.PlanWritten, put(t, l, c, "key1", "value1b"))
	assert.Equal(t, types.Value("value1b"), get(t, l, c, "key1"))

	assert.Equal(t, types.PlanWritten, del(t, l, c, "key1"))
	assert.Nil(t, get(t, l, c, "key1"))

	// Deleting a missing key has no effect.
	assert.Equal(t, types.PlanSkipped, del(t, l, c, "key1"))
}

func TestOverlayVisibilityBeforeEnact(t *testing.T) {
	c, l, _ := openTestColumn(t, Options{})

	// Plan and append the record, but do not flush or enact it. The
	// value must already be readable through the log overlays.
	w := l.BeginRecord()
	_, err := c.WritePlan(c.Hash([]byte("key1")), types.Value("value1"), w, l.Overlays())
	require.NoError(t, err)
	require.NoError(t, c.CompletePlan(w))
	_, err = l.EndRecord(w)
	require.NoError(t, err)

	assert.Equal(t, types.Value("value1"), get(t, l, c, "key1"))
}

func TestRefCounting(t *testing.T) {
	c, l, _ := openTestColumn(t, Options{RefCounted: true})

	put(t, l, c, "key1", "value1")
	put(t, l, c, "key1", "value1") // bumps the reference count

	del(t, l, c, "key1")
	assert.Equal(t, types.Value("value1"), get(t, l, c, "key1"),
		"one reference remains, the value must survive")

	del(t, l, c, "key1")
	assert.Nil(t, get(t, l, c, "key1"))
}

func TestReindexMigration(t *testing.T) {
	c, l, dir := openTestColumn(t, Options{})

	// Fill the generation-0 index past its load threshold.
	const keys = 200
	needReindex := false
	for i := 0; i < keys; i++ {
		outcome := put(t, l, c, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
		if outcome == types.PlanNeedReindex {
			needReindex = true
		}
	}
	require.True(t, needReindex, "filling the index must trigger a reindex")
	require.NotNil(t, c.src, "a source generation is pending migration")

	// Drive reindex batches the way the log worker does until the old
	// table is dropped.
	for {
		dropped, batch, err := c.Reindex(l.Overlays())
		require.NoError(t, err)
		if dropped == nil && len(batch) == 0 {
			t.Fatal("reindex stalled before dropping the source table")
		}
		w := l.BeginRecord()
		for _, e := range batch {
			_, err := c.WriteReindexPlan(e.Key, e.Addr, w, l.Overlays())
			require.NoError(t, err)
		}
		if dropped != nil {
			w.DropTable(*dropped)
		}
		enactRecord(t, l, c, w)
		if dropped != nil {
			break
		}
	}
	require.Nil(t, c.src, "the source generation is gone after the drop")
	_, err := os.Stat(indexPath(dir, types.TableID{Col: 0, Generation: 0}))
	assert.True(t, os.IsNotExist(err), "the retired index file is unlinked")

	for i := 0; i < keys; i++ {
		assert.Equal(t, types.Value(fmt.Sprintf("value-%d", i)),
			get(t, l, c, fmt.Sprintf("key-%d", i)), "key %d survives the migration", i)
	}
}

func TestIterWhile(t *testing.T) {
	c, l, _ := openTestColumn(t, Options{})
	for i := 0; i < 10; i++ {
		put(t, l, c, fmt.Sprintf("key-%d", i), "v")
	}

	count := 0
	require.NoError(t, c.IterWhile(l.Overlays(), func(types.IterState) bool {
		count++
		return true
	}))
	assert.Equal(t, 10, count)

	count = 0
	require.NoError(t, c.IterWhile(l.Overlays(), func(types.IterState) bool {
		count++
		return count < 3
	}))
	assert.Equal(t, 3, count, "iteration stops when the callback returns false")
}

func TestCheckFindsEntries(t *testing.T) {
	c, l, _ := openTestColumn(t, Options{})
	for i := 0; i < 5; i++ {
		put(t, l, c, fmt.Sprintf("key-%d", i), "v")
	}
	checked, err := c.Check(l.Overlays(), 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), checked)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := log.Open(dir)
	require.NoError(t, err)
	c, err := Open(dir, 0, Options{}, true)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		put(t, l, c, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
	}
	require.NoError(t, c.Flush())
	require.NoError(t, c.Close())

	l2, err := log.Open(dir)
	require.NoError(t, err)
	c2, err := Open(dir, 0, Options{}, false)
	require.NoError(t, err)
	require.NoError(t, c2.RefreshMetadata())
	for i := 0; i < 20; i++ {
		v, err := c2.Get(c2.Hash([]byte(fmt.Sprintf("key-%d", i))), l2.Overlays())
		require.NoError(t, err)
		assert.Equal(t, types.Value(fmt.Sprintf("value-%d", i)), v)
	}
}

func TestValidatePlanRejectsForeignActions(t *testing.T) {
	c, _, _ := openTestColumn(t, Options{})

	err := c.ValidatePlan(log.Action{
		Kind:  log.ActionInsertIndex,
		Table: types.TableID{Col: 7, Generation: 0},
		Col:   7,
	})
	require.Error(t, err)
	assert.True(t, types.IsCorruption(err))

	err = c.ValidatePlan(log.Action{
		Kind:  log.ActionInsertIndex,
		Table: types.TableID{Col: 0, Generation: 5},
	})
	require.Error(t, err)

	err = c.ValidatePlan(log.Action{
		Kind:   log.ActionInsertValue,
		Col:    0,
		Offset: 4, // inside the value table header
	})
	require.Error(t, err)
}

func TestStatsCounters(t *testing.T) {
	c, l, _ := openTestColumn(t, Options{})
	put(t, l, c, "a", "1")
	put(t, l, c, "a", "2")
	del(t, l, c, "a")

	var buf bytes.Buffer
	c.WriteStats(&buf)
	out := buf.String()
	assert.Contains(t, out, "inserted:           1")
	assert.Contains(t, out, "replaced:           1")
	assert.Contains(t, out, "removed:            1")

	c.ClearStats()
	buf.Reset()
	c.WriteStats(&buf)
	assert.Contains(t, buf.String(), "inserted:           0")
}
