package integration

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaverdb/internal/db"
	"github.com/ChuLiYu/beaverdb/pkg/types"
)

// TestDurabilityAcrossReopen commits through the full pipeline, shuts the
// engine down cleanly and verifies every committed value after reopening.
func TestDurabilityAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	const keys = 100

	database, err := db.OpenOrCreate(db.OptionsWithColumns(path, 3))
	require.NoError(t, err)
	for i := 0; i < keys; i++ {
		col := types.ColumnID(i % 3)
		require.NoError(t, database.Commit([]db.Op{
			{Col: col, Key: []byte(fmt.Sprintf("key-%d", i)), Value: types.Value(fmt.Sprintf("value-%d", i))},
		}))
	}
	// Delete a few of them in a second round.
	for i := 0; i < keys; i += 10 {
		col := types.ColumnID(i % 3)
		require.NoError(t, database.Commit([]db.Op{
			{Col: col, Key: []byte(fmt.Sprintf("key-%d", i))},
		}))
	}
	require.NoError(t, database.Close())

	reopened, err := db.Open(db.OptionsWithColumns(path, 3))
	require.NoError(t, err)
	defer reopened.Close()
	for i := 0; i < keys; i++ {
		col := types.ColumnID(i % 3)
		v, err := reopened.Get(col, []byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		if i%10 == 0 {
			assert.Nil(t, v, "key-%d was deleted", i)
		} else {
			assert.Equal(t, types.Value(fmt.Sprintf("value-%d", i)), v, "key-%d", i)
		}
	}
}

// TestRecoveryWithUpdates checks that the latest of repeated writes to the
// same key wins across a shutdown/reopen cycle.
func TestRecoveryWithUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	database, err := db.OpenOrCreate(db.OptionsWithColumns(path, 1))
	require.NoError(t, err)
	for round := 0; round < 5; round++ {
		require.NoError(t, database.Commit([]db.Op{
			{Col: 0, Key: []byte("counter"), Value: types.Value(fmt.Sprintf("round-%d", round))},
		}))
	}
	require.NoError(t, database.Close())

	reopened, err := db.Open(db.OptionsWithColumns(path, 1))
	require.NoError(t, err)
	defer reopened.Close()
	v, err := reopened.Get(0, []byte("counter"))
	require.NoError(t, err)
	assert.Equal(t, types.Value("round-4"), v)
}

// TestIterAfterReopen verifies iteration sees exactly the live keys.
func TestIterAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	database, err := db.OpenOrCreate(db.OptionsWithColumns(path, 1))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, database.Commit([]db.Op{
			{Col: 0, Key: []byte(fmt.Sprintf("key-%d", i)), Value: types.Value("v")},
		}))
	}
	require.NoError(t, database.Close())

	reopened, err := db.Open(db.OptionsWithColumns(path, 1))
	require.NoError(t, err)
	defer reopened.Close()

	count := 0
	require.NoError(t, reopened.IterColumnWhile(0, func(types.IterState) bool {
		count++
		return true
	}))
	assert.Equal(t, 20, count)

	checked, err := reopened.Check(db.CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(20), checked)
}

// TestSyncDataDurabilityAcrossReopen runs with sync_data, where the cleanup
// stage flushes columns before retiring log files, and verifies every
// committed value after a reopen.
func TestSyncDataDurabilityAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	options := db.OptionsWithColumns(path, 1)
	options.SyncData = true

	database, err := db.OpenOrCreate(options)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, database.Commit([]db.Op{
			{Col: 0, Key: []byte(fmt.Sprintf("key-%d", i)), Value: types.Value("v")},
		}))
	}
	require.NoError(t, database.Close())

	reopened, err := db.Open(options)
	require.NoError(t, err)
	defer reopened.Close()
	for i := 0; i < 50; i++ {
		v, err := reopened.Get(0, []byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, types.Value("v"), v)
	}
}
