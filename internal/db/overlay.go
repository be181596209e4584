package db

import (
	"sync"

	"github.com/ChuLiYu/beaverdb/pkg/types"
)

// overlayEntry is the most recent queued-or-in-flight write touching a
// key. A nil value masks the durable state as deleted.
type overlayEntry struct {
	recordID uint64
	value    types.Value
}

// commitOverlay provides read-your-writes before enact: one map per
// column, consulted by every read ahead of the column tables. The key is
// already a cryptographic hash, so the native map on the 32-byte key
// serves as the identity-hashed map of the design.
//
// Entries are inserted under the write lock by ingest and removed under
// the write lock by the log worker, which drops an entry only if its
// record id matches the commit being retired so later writes survive.
type commitOverlay struct {
	mu      sync.RWMutex
	columns []map[types.Key]overlayEntry
}

func newCommitOverlay(numColumns int) *commitOverlay {
	o := &commitOverlay{columns: make([]map[types.Key]overlayEntry, numColumns)}
	for i := range o.columns {
		o.columns[i] = make(map[types.Key]overlayEntry)
	}
	return o
}

// get returns the pending write for a key, if any. The returned value may
// be nil for a pending delete; hit distinguishes the two.
func (o *commitOverlay) get(col types.ColumnID, key types.Key) (types.Value, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.columns[col][key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// empty reports whether a column has no pending entries. Test helper.
func (o *commitOverlay) empty(col types.ColumnID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.columns[col]) == 0
}
