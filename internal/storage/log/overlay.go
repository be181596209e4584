package log

import (
	"sync"

	"github.com/ChuLiYu/beaverdb/pkg/types"
)

// Overlays expose log records that are written (and possibly flushed) but
// not yet enacted into the column tables. Columns consult them on every
// table read so a committed write becomes visible the moment its record is
// appended, without waiting for the enact stage.
//
// Entries carry the record id that produced them; EndRead removes an entry
// only when its record id matches the enacted record, so a newer write to
// the same slot survives the enacting of an older record.
type Overlays struct {
	mu    sync.RWMutex
	index map[types.TableID]map[uint64]indexOverlay
	value map[types.ColumnID]map[uint64]valueOverlay
}

type indexOverlay struct {
	recordID uint64
	key      types.Key
	addr     types.Address
}

type valueOverlay struct {
	recordID uint64
	rc       uint32
	data     []byte
}

func newOverlays() *Overlays {
	return &Overlays{
		index: make(map[types.TableID]map[uint64]indexOverlay),
		value: make(map[types.ColumnID]map[uint64]valueOverlay),
	}
}

// IndexEntry returns the pending write for a slot of an index table, if any.
func (o *Overlays) IndexEntry(table types.TableID, slot uint64) (types.Key, types.Address, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if slots, ok := o.index[table]; ok {
		if e, ok := slots[slot]; ok {
			return e.key, e.addr, true
		}
	}
	return types.Key{}, 0, false
}

// Value returns the pending write for a value table offset, if any.
func (o *Overlays) Value(col types.ColumnID, offset uint64) ([]byte, uint32, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if offsets, ok := o.value[col]; ok {
		if e, ok := offsets[offset]; ok {
			return e.data, e.rc, true
		}
	}
	return nil, 0, false
}

// install publishes the staged entries of a committed record. A later
// record overwrites an earlier entry for the same slot.
func (o *Overlays) install(recordID uint64, staged []stagedEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range staged {
		switch s.kind {
		case ActionInsertIndex:
			slots, ok := o.index[s.table]
			if !ok {
				slots = make(map[uint64]indexOverlay)
				o.index[s.table] = slots
			}
			slots[s.slot] = indexOverlay{recordID: recordID, key: s.key, addr: s.addr}
		case ActionInsertValue:
			offsets, ok := o.value[s.col]
			if !ok {
				offsets = make(map[uint64]valueOverlay)
				o.value[s.col] = offsets
			}
			offsets[s.offset] = valueOverlay{recordID: recordID, rc: s.rc, data: s.data}
		}
	}
}

// clear removes the entries a record installed, keeping any slot that a
// later record has overwritten since.
func (o *Overlays) clear(recordID uint64, actions []Action) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range actions {
		switch a.Kind {
		case ActionInsertIndex:
			if slots, ok := o.index[a.Table]; ok {
				if e, ok := slots[a.Slot]; ok && e.recordID == recordID {
					delete(slots, a.Slot)
				}
			}
		case ActionInsertValue:
			if offsets, ok := o.value[a.Col]; ok {
				if e, ok := offsets[a.Offset]; ok && e.recordID == recordID {
					delete(offsets, a.Offset)
				}
			}
		case ActionDropTable:
			delete(o.index, a.Table)
		}
	}
}
