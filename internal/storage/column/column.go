// Package column implements hash-indexed column storage: blake2b-hashed
// keys, generational index table files and append-only value table files.
// Columns never write their files directly on the ingest path; mutations
// are planned into write-ahead records and applied later by the enact
// stage, so every on-disk change is recoverable from the log.
package column

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/ChuLiYu/beaverdb/internal/storage/log"
	"github.com/ChuLiYu/beaverdb/pkg/types"
)

// reindexBatch bounds how many entries one reindex record relocates.
const reindexBatch = 64

// Options carry the per-column flags recorded in the database metadata.
type Options struct {
	// RefCounted columns count repeated inserts of a key and only drop
	// the entry when the count returns to zero. A repeated insert whose
	// value differs in length from the stored one replaces the entry and
	// restarts the count at one.
	RefCounted bool `yaml:"ref_counted"`
}

// Stats are per-column operation counters, rendered into stats.txt at
// shutdown when stats are enabled.
type Stats struct {
	Inserted       uint64
	Removed        uint64
	Replaced       uint64
	RefIncremented uint64
	RefDecremented uint64
	Reindexed      uint64
	Skipped        uint64
}

// ReindexEntry is one relocated index entry produced by a reindex sweep.
type ReindexEntry struct {
	Key  types.Key
	Addr types.Address
}

// Column is one key namespace with its own index and value tables.
//
// Locking: readers take the read lock; WritePlan (log worker) and
// EnactPlan (commit worker) take the write lock. Plans reserve value table
// space and adjust plan-time occupancy; only EnactPlan writes table
// contents. The one file a plan creates is the next index generation,
// made empty by grow.
type Column struct {
	id   types.ColumnID
	dir  string
	opts Options

	mu    sync.RWMutex
	value *valueTable
	cur   *indexTable
	src   *indexTable // reindex source generation, nil unless migrating

	scanPos     uint64 // reindex cursor into src
	dropEmitted bool   // the DropTable action for src has been written

	pendingTail uint64 // next value allocation offset (plan time)
	dirtyTail   bool   // CompletePlan must emit a header update

	stats Stats
}

// Open opens or creates the column's tables inside dir.
func Open(dir string, id types.ColumnID, opts Options, create bool) (*Column, error) {
	value, err := openValueTable(dir, id, create)
	if err != nil {
		return nil, err
	}
	c := &Column{
		id:          id,
		dir:         dir,
		opts:        opts,
		value:       value,
		pendingTail: value.tail,
	}
	gens, err := discoverGenerations(dir, id)
	if err != nil {
		return nil, err
	}
	if len(gens) == 0 {
		if !create {
			return nil, fmt.Errorf("column %d: missing index table", id)
		}
		cur, err := openIndexTable(dir, types.TableID{Col: id, Generation: 0}, true)
		if err != nil {
			return nil, err
		}
		c.cur = cur
		return c, nil
	}
	cur, err := openIndexTable(dir, types.TableID{Col: id, Generation: gens[len(gens)-1]}, false)
	if err != nil {
		return nil, err
	}
	c.cur = cur
	if len(gens) > 1 {
		src, err := openIndexTable(dir, types.TableID{Col: id, Generation: gens[len(gens)-2]}, false)
		if err != nil {
			return nil, err
		}
		c.src = src
	}
	return c, nil
}

func discoverGenerations(dir string, id types.ColumnID) ([]uint16, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("index_%d_", id)
	var gens []uint16
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		g, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), prefix), 10, 16)
		if err != nil {
			continue
		}
		gens = append(gens, uint16(g))
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// Hash derives the fixed-width key from a raw user key.
func (c *Column) Hash(raw []byte) types.Key {
	return types.Key(blake2b.Sum256(raw))
}

// ID returns the column id.
func (c *Column) ID() types.ColumnID {
	return c.id
}

// findEntry probes the current generation and then the reindex source.
func (c *Column) findEntry(key types.Key, ov *log.Overlays) (*indexTable, uint64, types.Address, bool, error) {
	for _, t := range []*indexTable{c.cur, c.src} {
		if t == nil {
			continue
		}
		slot, addr, found, err := t.lookup(key, ov)
		if err != nil {
			return nil, 0, 0, false, err
		}
		if found {
			return t, slot, addr, true, nil
		}
	}
	return nil, 0, 0, false, nil
}

// Get returns the stored value for a hashed key, or nil when absent.
func (c *Column) Get(key types.Key, ov *log.Overlays) (types.Value, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, _, addr, found, err := c.findEntry(key, ov)
	if err != nil || !found {
		return nil, err
	}
	data, _, err := c.value.readEntry(addr, ov)
	if err != nil {
		return nil, err
	}
	out := make(types.Value, len(data))
	copy(out, data)
	return out, nil
}

// GetSize returns the stored value length, or ok=false when absent.
func (c *Column) GetSize(key types.Key, ov *log.Overlays) (uint32, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, _, addr, found, err := c.findEntry(key, ov)
	if err != nil || !found {
		return 0, false, err
	}
	size, _, err := c.value.readSize(addr, ov)
	if err != nil {
		return 0, false, err
	}
	return size, true, nil
}

// WritePlan serializes one (key, value) operation into the record being
// built. A nil value is a delete. The plan only reserves value table space
// and picks index slots; it writes no table contents, and creates a file
// only when a saturated index grows into its next (empty) generation.
func (c *Column) WritePlan(key types.Key, value types.Value, w *log.Writer, ov *log.Overlays) (types.PlanOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	table, slot, addr, found, err := c.findEntry(key, ov)
	if err != nil {
		return types.PlanSkipped, err
	}

	if value == nil {
		if !found {
			c.stats.Skipped++
			return types.PlanSkipped, nil
		}
		if c.opts.RefCounted {
			data, rc, err := c.value.readEntry(addr, ov)
			if err != nil {
				return types.PlanSkipped, err
			}
			if rc > 1 {
				w.InsertValue(c.id, uint64(addr), rc-1, data)
				c.stats.RefDecremented++
				return types.PlanWritten, nil
			}
		}
		w.InsertIndex(table.id, slot, types.Key{}, 0)
		table.occupied--
		// A reindex may have copied the entry into the current generation
		// while the original still sits in the source; clear both or the
		// stale copy resurfaces once the tombstone lands.
		if table == c.cur && c.src != nil {
			srcSlot, _, srcFound, err := c.src.lookup(key, ov)
			if err != nil {
				return types.PlanSkipped, err
			}
			if srcFound {
				w.InsertIndex(c.src.id, srcSlot, types.Key{}, 0)
				c.src.occupied--
			}
		}
		c.stats.Removed++
		return types.PlanWritten, nil
	}

	if found && c.opts.RefCounted {
		data, rc, err := c.value.readEntry(addr, ov)
		if err != nil {
			return types.PlanSkipped, err
		}
		if len(data) == len(value) {
			w.InsertValue(c.id, uint64(addr), rc+1, value)
			c.stats.RefIncremented++
			return types.PlanWritten, nil
		}
	}

	offset := c.pendingTail
	c.pendingTail += entryLen(value)
	c.dirtyTail = true
	w.InsertValue(c.id, offset, 1, value)

	if found && table == c.cur {
		// Replace in place.
		w.InsertIndex(c.cur.id, slot, key, types.Address(offset))
		c.stats.Replaced++
		return types.PlanWritten, nil
	}

	freeSlot, ok, err := c.cur.freeSlot(key, ov)
	if err != nil {
		return types.PlanSkipped, err
	}
	if !ok {
		if c.src != nil {
			return types.PlanSkipped, fmt.Errorf("column %d: index probe window full during reindex", c.id)
		}
		if err := c.grow(); err != nil {
			return types.PlanSkipped, err
		}
		freeSlot, ok, err = c.cur.freeSlot(key, ov)
		if err != nil || !ok {
			return types.PlanSkipped, fmt.Errorf("column %d: index probe window full after growth", c.id)
		}
		w.InsertIndex(c.cur.id, freeSlot, key, types.Address(offset))
		c.cur.occupied++
		c.planRemoveFromSource(table, slot, found, w)
		c.stats.Inserted++
		return types.PlanNeedReindex, nil
	}
	w.InsertIndex(c.cur.id, freeSlot, key, types.Address(offset))
	c.cur.occupied++
	c.planRemoveFromSource(table, slot, found, w)
	if found {
		c.stats.Replaced++
	} else {
		c.stats.Inserted++
	}

	if c.src == nil && c.cur.saturated() {
		if err := c.grow(); err != nil {
			return types.PlanSkipped, err
		}
		return types.PlanNeedReindex, nil
	}
	if c.src != nil && c.cur.saturated() {
		return types.PlanNeedReindex, nil
	}
	return types.PlanWritten, nil
}

// planRemoveFromSource clears the stale copy of an entry that was found in
// the reindex source generation after its replacement landed in the
// current one.
func (c *Column) planRemoveFromSource(table *indexTable, slot uint64, found bool, w *log.Writer) {
	if found && table == c.src {
		w.InsertIndex(c.src.id, slot, types.Key{}, 0)
		c.src.occupied--
	}
}

// grow starts a new index generation and marks the old one as the reindex
// source. The new table file is created eagerly so replayed records that
// target it always find it.
func (c *Column) grow() error {
	next := types.TableID{Col: c.id, Generation: c.cur.id.Generation + 1}
	t, err := openIndexTable(c.dir, next, true)
	if err != nil {
		return err
	}
	c.src = c.cur
	c.cur = t
	c.scanPos = 0
	c.dropEmitted = false
	return nil
}

// CompletePlan emits the value table tail update accumulated by the plans
// of the current record.
func (c *Column) CompletePlan(w *log.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirtyTail {
		return nil
	}
	var tail [8]byte
	binary.LittleEndian.PutUint64(tail[:], c.pendingTail)
	w.InsertValue(c.id, 0, 0, tail[:])
	c.dirtyTail = false
	return nil
}

// Reindex scans the source generation for the next batch of entries to
// relocate. Once the scan completes it reports the table to drop; after
// that it reports nothing until a new reindex starts.
func (c *Column) Reindex(ov *log.Overlays) (*types.TableID, []ReindexEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.src == nil || c.dropEmitted {
		return nil, nil, nil
	}
	var batch []ReindexEntry
	for c.scanPos < c.src.capacity && len(batch) < reindexBatch {
		key, addr, err := c.src.readSlot(c.scanPos, ov)
		if err != nil {
			return nil, nil, err
		}
		c.scanPos++
		if addr != 0 {
			batch = append(batch, ReindexEntry{Key: key, Addr: addr})
		}
	}
	if c.scanPos >= c.src.capacity {
		c.dropEmitted = true
		dropped := c.src.id
		return &dropped, batch, nil
	}
	return nil, batch, nil
}

// WriteReindexPlan relocates one entry into the current generation. An
// entry whose key already has a fresher copy in the current generation is
// skipped.
func (c *Column) WriteReindexPlan(key types.Key, addr types.Address, w *log.Writer, ov *log.Overlays) (types.PlanOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _, found, err := c.cur.lookup(key, ov)
	if err != nil {
		return types.PlanSkipped, err
	}
	if found {
		return types.PlanSkipped, nil
	}
	slot, ok, err := c.cur.freeSlot(key, ov)
	if err != nil {
		return types.PlanSkipped, err
	}
	if !ok {
		return types.PlanSkipped, fmt.Errorf("column %d: index probe window full during reindex migration", c.id)
	}
	w.InsertIndex(c.cur.id, slot, key, addr)
	c.cur.occupied++
	c.stats.Reindexed++
	if c.cur.saturated() {
		return types.PlanNeedReindex, nil
	}
	return types.PlanWritten, nil
}

// ValidatePlan checks an action against the column's shape without
// mutating anything. Used by the validation pass of startup replay.
func (c *Column) ValidatePlan(a log.Action) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch a.Kind {
	case log.ActionInsertIndex:
		if a.Table.Col != c.id {
			return types.Corruption("index action for column %d routed to column %d", a.Table.Col, c.id)
		}
		maxGen := c.cur.id.Generation + 1
		if a.Table.Generation > maxGen {
			return types.Corruption("index action for unknown generation %d (column %d)", a.Table.Generation, c.id)
		}
		if a.Slot >= capacityFor(a.Table.Generation) {
			return types.Corruption("index slot %d out of range (column %d)", a.Slot, c.id)
		}
	case log.ActionInsertValue:
		if a.Col != c.id {
			return types.Corruption("value action for column %d routed to column %d", a.Col, c.id)
		}
		if a.Offset == 0 {
			if len(a.Data) != 8 {
				return types.Corruption("bad value table header update (column %d)", c.id)
			}
		} else if a.Offset < valueHeaderSize {
			return types.Corruption("value offset %d inside table header (column %d)", a.Offset, c.id)
		}
	case log.ActionDropTable:
		if a.Table.Col != c.id {
			return types.Corruption("drop action for column %d routed to column %d", a.Table.Col, c.id)
		}
	default:
		return types.Corruption("unexpected action kind %d", a.Kind)
	}
	return nil
}

// EnactPlan applies a durable action to the column's files. Only the
// single enact stage calls it; replay shares this path.
func (c *Column) EnactPlan(a log.Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch a.Kind {
	case log.ActionInsertIndex:
		t, err := c.tableFor(a.Table)
		if err != nil {
			return err
		}
		if _, err := t.writeSlot(a.Slot, a.Key, a.Addr); err != nil {
			return err
		}
	case log.ActionInsertValue:
		if a.Offset == 0 {
			tail := binary.LittleEndian.Uint64(a.Data)
			if err := c.value.writeHeader(tail); err != nil {
				return err
			}
			if c.pendingTail < tail {
				c.pendingTail = tail
			}
			return nil
		}
		if err := c.value.writeEntry(a.Offset, a.RC, a.Data); err != nil {
			return err
		}
	case log.ActionDropTable:
		return c.dropIndexLocked(a.Table)
	default:
		return types.Corruption("unexpected action kind %d", a.Kind)
	}
	return nil
}

// tableFor resolves an index table id, creating the next generation when a
// replayed record references one the column has not grown into yet.
func (c *Column) tableFor(id types.TableID) (*indexTable, error) {
	if c.cur.id == id {
		return c.cur, nil
	}
	if c.src != nil && c.src.id == id {
		return c.src, nil
	}
	if id.Generation == c.cur.id.Generation+1 {
		if err := c.grow(); err != nil {
			return nil, err
		}
		return c.cur, nil
	}
	return nil, types.Corruption("index action for unknown table %d/%d", id.Col, id.Generation)
}

// DropIndex unlinks a retired index generation.
func (c *Column) DropIndex(id types.TableID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropIndexLocked(id)
}

func (c *Column) dropIndexLocked(id types.TableID) error {
	if c.src != nil && c.src.id == id {
		if err := c.src.remove(); err != nil {
			return err
		}
		c.src = nil
		c.scanPos = 0
		c.dropEmitted = false
		return nil
	}
	// A replayed drop may reference a table that was already removed.
	if err := os.Remove(indexPath(c.dir, id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Flush forces the column's files to disk.
func (c *Column) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.value.f.Sync(); err != nil {
		return fmt.Errorf("syncing value table %d: %w", c.id, err)
	}
	for _, t := range []*indexTable{c.cur, c.src} {
		if t == nil {
			continue
		}
		if err := t.f.Sync(); err != nil {
			return fmt.Errorf("syncing index table %d/%d: %w", t.id.Col, t.id.Generation, err)
		}
	}
	return nil
}

// RefreshMetadata reloads cached state from the files after replay has
// enacted records the column never planned.
func (c *Column) RefreshMetadata() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.value.readHeader(); err != nil {
		return err
	}
	c.pendingTail = c.value.tail
	c.dirtyTail = false
	for _, t := range []*indexTable{c.cur, c.src} {
		if t == nil {
			continue
		}
		if err := t.recount(); err != nil {
			return err
		}
	}
	return nil
}

// IterWhile walks the live entries of the column until f returns false.
// Entries relocated mid-reindex are reported once.
func (c *Column) IterWhile(ov *log.Overlays, f func(types.IterState) bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[types.Key]struct{})
	for _, t := range []*indexTable{c.cur, c.src} {
		if t == nil {
			continue
		}
		for slot := uint64(0); slot < t.capacity; slot++ {
			key, addr, err := t.readSlot(slot, ov)
			if err != nil {
				return err
			}
			if addr == 0 {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			data, _, err := c.value.readEntry(addr, ov)
			if err != nil {
				return err
			}
			if !f(types.IterState{Key: key, Value: append(types.Value(nil), data...)}) {
				return nil
			}
		}
	}
	return nil
}

// Check walks index slots in [from, bound) of every generation and
// verifies each live entry resolves to a readable value. display, when
// non-nil, receives each entry. It returns the number of live entries
// checked.
func (c *Column) Check(ov *log.Overlays, from, bound uint64, display func(types.Key, types.Value)) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var checked uint64
	for _, t := range []*indexTable{c.cur, c.src} {
		if t == nil {
			continue
		}
		end := t.capacity
		if bound != 0 && bound < end {
			end = bound
		}
		for slot := from; slot < end; slot++ {
			key, addr, err := t.readSlot(slot, ov)
			if err != nil {
				return checked, err
			}
			if addr == 0 {
				continue
			}
			data, _, err := c.value.readEntry(addr, ov)
			if err != nil {
				return checked, fmt.Errorf("column %d slot %d: unreadable value: %w", c.id, slot, err)
			}
			if display != nil {
				display(key, data)
			}
			checked++
		}
	}
	return checked, nil
}

// WriteStats renders the column's counters.
func (c *Column) WriteStats(w io.Writer) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fmt.Fprintf(w, "Column %d\n", c.id)
	fmt.Fprintf(w, "  index generation:   %d\n", c.cur.id.Generation)
	fmt.Fprintf(w, "  live entries:       %d\n", c.cur.occupied+srcOccupied(c.src))
	fmt.Fprintf(w, "  inserted:           %d\n", c.stats.Inserted)
	fmt.Fprintf(w, "  replaced:           %d\n", c.stats.Replaced)
	fmt.Fprintf(w, "  removed:            %d\n", c.stats.Removed)
	fmt.Fprintf(w, "  ref incremented:    %d\n", c.stats.RefIncremented)
	fmt.Fprintf(w, "  ref decremented:    %d\n", c.stats.RefDecremented)
	fmt.Fprintf(w, "  reindexed entries:  %d\n", c.stats.Reindexed)
	fmt.Fprintf(w, "  skipped ops:        %d\n", c.stats.Skipped)
}

func srcOccupied(t *indexTable) uint64 {
	if t == nil {
		return 0
	}
	return t.occupied
}

// ClearStats resets the counters.
func (c *Column) ClearStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{}
}

// RefCounted reports whether the column counts references.
func (c *Column) RefCounted() bool {
	return c.opts.RefCounted
}

// Close closes the column's files.
func (c *Column) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value.f.Close()
	c.cur.f.Close()
	if c.src != nil {
		c.src.f.Close()
	}
	return nil
}
