package integration

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaverdb/internal/db"
	"github.com/ChuLiYu/beaverdb/pkg/types"
)

// TestConcurrentWriters drives the pipeline from several goroutines and
// verifies read-your-writes for every committed key, then durability
// across a reopen.
func TestConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	const writers = 4
	const commitsPerWriter = 50

	database, err := db.OpenOrCreate(db.OptionsWithColumns(path, 2))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < commitsPerWriter; i++ {
				err := database.Commit([]db.Op{
					{
						Col:   types.ColumnID(w % 2),
						Key:   []byte(fmt.Sprintf("w%d-key-%d", w, i)),
						Value: types.Value(fmt.Sprintf("w%d-value-%d", w, i)),
					},
				})
				if err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	// A successful commit return implies subsequent reads observe it.
	for w := 0; w < writers; w++ {
		for i := 0; i < commitsPerWriter; i++ {
			v, err := database.Get(types.ColumnID(w%2), []byte(fmt.Sprintf("w%d-key-%d", w, i)))
			require.NoError(t, err)
			assert.Equal(t, types.Value(fmt.Sprintf("w%d-value-%d", w, i)), v)
		}
	}
	require.NoError(t, database.Close())

	reopened, err := db.Open(db.OptionsWithColumns(path, 2))
	require.NoError(t, err)
	defer reopened.Close()
	for w := 0; w < writers; w++ {
		for i := 0; i < commitsPerWriter; i++ {
			v, err := reopened.Get(types.ColumnID(w%2), []byte(fmt.Sprintf("w%d-key-%d", w, i)))
			require.NoError(t, err)
			assert.Equal(t, types.Value(fmt.Sprintf("w%d-value-%d", w, i)), v)
		}
	}
}

// TestManyKeysTriggerReindex pushes enough distinct keys through one
// column to force at least one index growth and migration, then verifies
// every key.
func TestManyKeysTriggerReindex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	const keys = 600

	database, err := db.OpenOrCreate(db.OptionsWithColumns(path, 1))
	require.NoError(t, err)
	for i := 0; i < keys; i++ {
		require.NoError(t, database.Commit([]db.Op{
			{Col: 0, Key: []byte(fmt.Sprintf("key-%d", i)), Value: types.Value(fmt.Sprintf("value-%d", i))},
		}))
	}
	for i := 0; i < keys; i++ {
		v, err := database.Get(0, []byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		require.Equal(t, types.Value(fmt.Sprintf("value-%d", i)), v, "key-%d", i)
	}
	require.NoError(t, database.Close())

	reopened, err := db.Open(db.OptionsWithColumns(path, 1))
	require.NoError(t, err)
	defer reopened.Close()
	for i := 0; i < keys; i++ {
		v, err := reopened.Get(0, []byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		require.Equal(t, types.Value(fmt.Sprintf("value-%d", i)), v, "key-%d", i)
	}
}
