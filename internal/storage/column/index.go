package column

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/beaverdb/internal/storage/log"
	"github.com/ChuLiYu/beaverdb/pkg/types"
)

// Index table file layout: capacity fixed 40-byte slots, each
// key[32] | u64 address. A zero address marks an empty (or cleared) slot.
//
// The capacity of generation g is 256 << g. Entries are placed by linear
// probing over a bounded window starting at the bucket derived from the
// first eight key bytes; lookups scan the whole window because cleared
// slots do not terminate a probe chain.
const (
	slotSize     = types.KeySize + 8
	baseCapacity = 256
	probeWindow  = 64
	// Reindex is triggered once occupancy passes 7/10 of capacity.
	loadFactorNum = 7
	loadFactorDen = 10
)

type indexTable struct {
	id       types.TableID
	path     string
	f        *os.File
	capacity uint64
	// occupied counts live slots at plan time; it is rebuilt from the
	// file after replay.
	occupied uint64
}

func capacityFor(generation uint16) uint64 {
	return baseCapacity << generation
}

func indexPath(dir string, id types.TableID) string {
	return filepath.Join(dir, fmt.Sprintf("index_%d_%d", id.Col, id.Generation))
}

func openIndexTable(dir string, id types.TableID, create bool) (*indexTable, error) {
	path := indexPath(dir, id)
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening index table %d/%d: %w", id.Col, id.Generation, err)
	}
	t := &indexTable{id: id, path: path, f: f, capacity: capacityFor(id.Generation)}
	if err := f.Truncate(int64(t.capacity * slotSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing index table %d/%d: %w", id.Col, id.Generation, err)
	}
	if !create {
		if err := t.recount(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return t, nil
}

// readSlot returns the entry stored in a slot, consulting the log overlays
// first.
func (t *indexTable) readSlot(slot uint64, ov *log.Overlays) (types.Key, types.Address, error) {
	if ov != nil {
		if key, addr, ok := ov.IndexEntry(t.id, slot); ok {
			return key, addr, nil
		}
	}
	return t.readSlotFile(slot)
}

func (t *indexTable) readSlotFile(slot uint64) (types.Key, types.Address, error) {
	var buf [slotSize]byte
	if _, err := t.f.ReadAt(buf[:], int64(slot*slotSize)); err != nil {
		return types.Key{}, 0, fmt.Errorf("reading index slot %d: %w", slot, err)
	}
	var key types.Key
	copy(key[:], buf[:types.KeySize])
	addr := types.Address(binary.LittleEndian.Uint64(buf[types.KeySize:]))
	return key, addr, nil
}

// writeSlot enacts an index write. It returns the occupancy delta of the
// write: +1 when it fills an empty slot, -1 when it clears a live one, 0
// otherwise.
func (t *indexTable) writeSlot(slot uint64, key types.Key, addr types.Address) (int, error) {
	_, oldAddr, err := t.readSlotFile(slot)
	if err != nil {
		return 0, err
	}
	var buf [slotSize]byte
	copy(buf[:types.KeySize], key[:])
	binary.LittleEndian.PutUint64(buf[types.KeySize:], uint64(addr))
	if _, err := t.f.WriteAt(buf[:], int64(slot*slotSize)); err != nil {
		return 0, fmt.Errorf("writing index slot %d: %w", slot, err)
	}
	switch {
	case oldAddr == 0 && addr != 0:
		return 1, nil
	case oldAddr != 0 && addr == 0:
		return -1, nil
	default:
		return 0, nil
	}
}

// lookup scans the probe window for the key. Cleared slots do not stop the
// scan.
func (t *indexTable) lookup(key types.Key, ov *log.Overlays) (uint64, types.Address, bool, error) {
	bucket := key.Bucket(t.capacity)
	for i := uint64(0); i < probeWindow; i++ {
		slot := (bucket + i) % t.capacity
		k, addr, err := t.readSlot(slot, ov)
		if err != nil {
			return 0, 0, false, err
		}
		if addr != 0 && k == key {
			return slot, addr, true, nil
		}
	}
	return 0, 0, false, nil
}

// freeSlot finds the first empty slot in the key's probe window.
func (t *indexTable) freeSlot(key types.Key, ov *log.Overlays) (uint64, bool, error) {
	bucket := key.Bucket(t.capacity)
	for i := uint64(0); i < probeWindow; i++ {
		slot := (bucket + i) % t.capacity
		_, addr, err := t.readSlot(slot, ov)
		if err != nil {
			return 0, false, err
		}
		if addr == 0 {
			return slot, true, nil
		}
	}
	return 0, false, nil
}

// saturated reports whether occupancy has crossed the reindex threshold.
func (t *indexTable) saturated() bool {
	return t.occupied*loadFactorDen >= t.capacity*loadFactorNum
}

// recount rebuilds the live-entry count from the file.
func (t *indexTable) recount() error {
	var n uint64
	for slot := uint64(0); slot < t.capacity; slot++ {
		_, addr, err := t.readSlotFile(slot)
		if err != nil {
			return err
		}
		if addr != 0 {
			n++
		}
	}
	t.occupied = n
	return nil
}

func (t *indexTable) remove() error {
	t.f.Close()
	if err := os.Remove(t.path); err != nil {
		return fmt.Errorf("removing index table %d/%d: %w", t.id.Col, t.id.Generation, err)
	}
	return nil
}
