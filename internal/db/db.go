// Package db implements the core of the storage engine: the commit
// pipeline that turns concurrent write transactions into durable,
// recoverable state through a shared write-ahead log.
//
// The engine is split into Db and dbInner. Db owns the background workers;
// dbInner is the shared state they all operate on. There are four workers:
//
//   - log worker: drains the commit queue and reindex batches into
//     write-ahead records;
//   - flush worker: forces log records durable with fsync;
//   - commit worker: applies durable records to the column tables;
//   - cleanup worker: retires fully enacted log files.
//
// Each worker parks on a condition-variable signal until there is work.
// Writes become observable at ingest time through the commit overlay and
// stay observable through the log overlays until they are enacted.
package db

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/beaverdb/internal/metrics"
	"github.com/ChuLiYu/beaverdb/internal/storage/column"
	"github.com/ChuLiYu/beaverdb/internal/storage/log"
	"github.com/ChuLiYu/beaverdb/pkg/types"
)

// Op is one operation of a transaction. A nil Value deletes the key.
type Op struct {
	Col   types.ColumnID
	Key   []byte
	Value types.Value
}

type dbInner struct {
	columns []*column.Column
	options Options
	log     *log.Log

	lockFile *os.File

	shuttingDown atomic.Bool

	queueMu      sync.Mutex
	queue        commitQueue
	queueFullCV  *sync.Cond // producers park here when the queue is over budget
	overlay      *commitOverlay
	logQueue     *byteAccount
	logWorkerWait, flushWorkerWait,
	commitWorkerWait, cleanupWorkerWait *WaitSignal

	lastEnacted atomic.Uint64
	nextReindex atomic.Uint64

	bgErrMu sync.Mutex
	bgErr   error

	stats *metrics.Collector
}

func openInner(options *Options, inner *internalOptions) (*dbInner, error) {
	if inner.create {
		if err := os.MkdirAll(options.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	} else if _, err := os.Stat(options.Path); errors.Is(err, os.ErrNotExist) {
		return nil, types.ErrDatabaseMissing
	}

	lockFile, err := os.OpenFile(filepath.Join(options.Path, "lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if !inner.skipCheckLock {
		if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			lockFile.Close()
			return nil, fmt.Errorf("%w: %v", types.ErrLocked, err)
		}
	}

	meta, err := options.loadAndValidateMetadata(inner.create)
	if err != nil {
		lockFile.Close()
		return nil, err
	}

	l, err := log.Open(options.Path)
	if err != nil {
		lockFile.Close()
		return nil, err
	}
	lastEnacted := l.ReplayRecordID()
	if lastEnacted == 0 {
		lastEnacted = 2
	}
	lastEnacted--

	columns := make([]*column.Column, len(meta.Columns))
	for i := range meta.Columns {
		c, err := column.Open(options.Path, types.ColumnID(i), meta.Columns[i], inner.create)
		if err != nil {
			lockFile.Close()
			return nil, err
		}
		columns[i] = c
	}

	d := &dbInner{
		columns:           columns,
		options:           *options,
		log:               l,
		lockFile:          lockFile,
		overlay:           newCommitOverlay(len(columns)),
		logQueue:          newByteAccount(),
		logWorkerWait:     newWaitSignal(),
		flushWorkerWait:   newWaitSignal(),
		commitWorkerWait:  newWaitSignal(),
		cleanupWorkerWait: newWaitSignal(),
		stats:             options.Metrics,
	}
	d.queueFullCV = sync.NewCond(&d.queueMu)
	d.lastEnacted.Store(lastEnacted)
	d.nextReindex.Store(1)
	return d, nil
}

func (d *dbInner) get(col types.ColumnID, rawKey []byte) (types.Value, error) {
	if int(col) >= len(d.columns) {
		return nil, fmt.Errorf("column %d out of range", col)
	}
	key := d.columns[col].Hash(rawKey)
	if v, hit := d.overlay.get(col, key); hit {
		if v == nil {
			return nil, nil
		}
		out := make(types.Value, len(v))
		copy(out, v)
		return out, nil
	}
	return d.columns[col].Get(key, d.log.Overlays())
}

func (d *dbInner) getSize(col types.ColumnID, rawKey []byte) (uint32, bool, error) {
	if int(col) >= len(d.columns) {
		return 0, false, fmt.Errorf("column %d out of range", col)
	}
	key := d.columns[col].Hash(rawKey)
	if v, hit := d.overlay.get(col, key); hit {
		if v == nil {
			return 0, false, nil
		}
		return uint32(len(v)), true, nil
	}
	return d.columns[col].GetSize(key, d.log.Overlays())
}

// commit hashes the transaction and queues it. It returns as soon as the
// changeset is queued and overlaid; durability is asynchronous.
func (d *dbInner) commit(tx []Op) error {
	changeset := make([]commitOp, len(tx))
	for i, op := range tx {
		if int(op.Col) >= len(d.columns) {
			return fmt.Errorf("column %d out of range", op.Col)
		}
		changeset[i] = commitOp{
			col:   op.Col,
			key:   d.columns[op.Col].Hash(op.Key),
			value: op.Value,
		}
	}
	return d.commitRaw(changeset)
}

func (d *dbInner) commitRaw(changeset []commitOp) error {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	if d.queue.bytes > maxCommitQueueBytes {
		d.queueFullCV.Wait()
	}
	d.bgErrMu.Lock()
	if err := d.bgErr; err != nil {
		d.bgErrMu.Unlock()
		return &types.BackgroundError{Err: err}
	}
	d.bgErrMu.Unlock()

	d.overlay.mu.Lock()

	// The ingest path reserves one id ahead of the queue counter; the
	// numbering is preserved so record ids on disk stay dense and
	// comparable across versions.
	d.queue.recordID++
	recordID := d.queue.recordID + 1

	bytes := 0
	for _, op := range changeset {
		bytes += len(op.key)
		bytes += len(op.value)
		// Removed ref-counted values must not shadow a present backing
		// value, so their deletes stay out of the overlay.
		if !d.columns[op.col].RefCounted() || op.value != nil {
			d.overlay.columns[op.col][op.key] = overlayEntry{recordID: recordID, value: op.value}
		}
	}
	d.overlay.mu.Unlock()

	d.queue.push(commit{id: recordID, changeset: changeset, bytes: bytes})
	d.stats.CommitQueued(bytes, d.queue.bytes)
	d.logWorkerWait.Signal()
	return nil
}

// processCommits moves one commit from the queue into a write-ahead
// record. Returns true while there may be more queued work.
func (d *dbInner) processCommits() (bool, error) {
	// Second backpressure axis: too many logged-but-unenacted bytes.
	d.logQueue.waitBelow(maxLogQueueBytes, d.shuttingDown.Load)

	d.queueMu.Lock()
	c, ok := d.queue.pop()
	if ok {
		if d.queue.bytes <= maxCommitQueueBytes && d.queue.bytes+c.bytes > maxCommitQueueBytes {
			// Past the waiting threshold; release one producer.
			d.queueFullCV.Signal()
		}
		d.stats.SetCommitQueueBytes(d.queue.bytes)
	}
	d.queueMu.Unlock()
	if !ok {
		return false, nil
	}

	reindex := false
	writer := d.log.BeginRecord()
	for _, op := range c.changeset {
		outcome, err := d.columns[op.col].WritePlan(op.key, op.value, writer, d.log.Overlays())
		if err != nil {
			return false, err
		}
		if outcome == types.PlanNeedReindex {
			reindex = true
		}
	}
	// Collect final changes to the value tables.
	for _, col := range d.columns {
		if err := col.CompletePlan(writer); err != nil {
			return false, err
		}
	}
	recordID := writer.RecordID()
	bytes, err := d.log.EndRecord(writer)
	if err != nil {
		return false, err
	}
	d.stats.RecordWritten(d.logQueue.add(bytes))
	d.flushWorkerWait.Signal()

	// Clean up the commit overlay. Later writes to the same key hold a
	// greater id and must survive.
	d.overlay.mu.Lock()
	for _, op := range c.changeset {
		if e, ok := d.overlay.columns[op.col][op.key]; ok && e.recordID == c.id {
			delete(d.overlay.columns[op.col], op.key)
		}
	}
	d.overlay.mu.Unlock()

	if reindex {
		d.startReindex(recordID)
	}
	return true, nil
}

func (d *dbInner) startReindex(recordID uint64) {
	d.nextReindex.Store(recordID)
}

// processReindex relocates one batch of index entries from the first column
// that has reindex work pending.
// It must not run ahead of enact: reindex decisions read table state that
// only exists once the triggering record has been applied.
func (d *dbInner) processReindex() (bool, error) {
	next := d.nextReindex.Load()
	if next == 0 || next > d.lastEnacted.Load() {
		return false, nil
	}
	for _, col := range d.columns {
		dropped, batch, err := col.Reindex(d.log.Overlays())
		if err != nil {
			return false, err
		}
		if len(batch) == 0 && dropped == nil {
			continue
		}
		rearm := false
		writer := d.log.BeginRecord()
		for _, e := range batch {
			outcome, err := col.WriteReindexPlan(e.Key, e.Addr, writer, d.log.Overlays())
			if err != nil {
				return false, err
			}
			if outcome == types.PlanNeedReindex {
				rearm = true
			}
		}
		if dropped != nil {
			writer.DropTable(*dropped)
		}
		recordID := writer.RecordID()
		bytes, err := d.log.EndRecord(writer)
		if err != nil {
			return false, err
		}
		d.stats.RecordWritten(d.logQueue.add(bytes))
		d.stats.ReindexBatch()
		if rearm {
			d.startReindex(recordID)
		}
		d.flushWorkerWait.Signal()
		return true, nil
	}
	d.nextReindex.Store(0)
	return false, nil
}

// enactLogs applies the next durable record to the columns. In validation
// mode (startup replay) every action is validated first and any
// inconsistency discards the remaining replay suffix instead of failing.
func (d *dbInner) enactLogs(validationMode bool) (bool, error) {
	discard := func(format string, args ...interface{}) (bool, error) {
		stdlog.Printf("beaverdb: "+format, args...)
		if err := d.log.ClearReplayLogs(); err != nil {
			return false, err
		}
		return false, nil
	}

	reader, err := d.log.ReadNext(validationMode)
	if err != nil {
		if validationMode && types.IsCorruption(err) {
			return discard("bad replay record: %v", err)
		}
		return false, err
	}
	if reader == nil {
		return false, nil
	}

	if validationMode {
		if expected := d.lastEnacted.Load() + 1; reader.RecordID() != expected {
			return discard("log sequence error: expected record %d, got %d", expected, reader.RecordID())
		}
		// Validate the whole record before applying anything.
		for {
			a, err := reader.Next()
			if err != nil {
				return discard("error reading replay record %d: %v", reader.RecordID(), err)
			}
			if a.Kind == log.ActionEndRecord {
				break
			}
			if a.Kind == log.ActionBeginRecord {
				return discard("unexpected record header inside record %d", reader.RecordID())
			}
			if a.Kind == log.ActionDropTable {
				if int(a.Table.Col) >= len(d.columns) {
					return discard("replay record %d drops table of unknown column %d", reader.RecordID(), a.Table.Col)
				}
				continue
			}
			if int(a.Col) >= len(d.columns) {
				return discard("replay record %d targets unknown column %d", reader.RecordID(), a.Col)
			}
			if err := d.columns[a.Col].ValidatePlan(a); err != nil {
				return discard("error replaying record %d: %v, reverting", reader.RecordID(), err)
			}
		}
		reader.Reset()
	}

	// Only this pass mutates column state; it is shared between replay
	// and steady-state enact.
	for {
		a, err := reader.Next()
		if err != nil {
			return false, err
		}
		if a.Kind == log.ActionEndRecord {
			break
		}
		switch a.Kind {
		case log.ActionBeginRecord:
			return false, types.Corruption("bad log record %d", reader.RecordID())
		case log.ActionInsertIndex, log.ActionInsertValue:
			if int(a.Col) >= len(d.columns) {
				return false, types.Corruption("record %d targets unknown column %d", reader.RecordID(), a.Col)
			}
			if err := d.columns[a.Col].EnactPlan(a); err != nil {
				return false, err
			}
		case log.ActionDropTable:
			if int(a.Table.Col) >= len(d.columns) {
				return false, types.Corruption("record %d drops table of unknown column %d", reader.RecordID(), a.Table.Col)
			}
			if err := d.columns[a.Table.Col].DropIndex(a.Table); err != nil {
				return false, err
			}
			// Freed space may have invalidated a reindex predicate;
			// probe again on the next pass.
			d.startReindex(reader.RecordID())
		}
	}

	recordID := reader.RecordID()
	bytes := reader.ReadBytes()
	d.lastEnacted.Store(recordID)
	d.log.EndRead(reader, recordID)
	if !validationMode {
		d.stats.RecordEnacted(d.logQueue.sub(bytes, maxLogQueueBytes))
	}
	return true, nil
}

// flushLogs makes pending records durable and signals the downstream
// stages that gained work.
func (d *dbInner) flushLogs(minSize int64) (bool, error) {
	more, enactable, cleanupable, err := d.log.FlushOne(minSize)
	if err != nil {
		return false, err
	}
	if enactable {
		d.commitWorkerWait.Signal()
	}
	if cleanupable {
		d.cleanupWorkerWait.Signal()
	}
	return more, nil
}

// cleanupLogs retires fully enacted log files beyond the retention floor.
// With sync_data the columns are flushed first so values referenced only
// through the log are persisted before their records disappear.
func (d *dbInner) cleanupLogs() (bool, error) {
	keep := keepLogs
	if d.options.SyncData {
		keep = 0
	}
	dirty := d.log.NumDirtyLogs()
	if dirty <= keep {
		return false, nil
	}
	if d.options.SyncData {
		for _, c := range d.columns {
			if err := c.Flush(); err != nil {
				return false, err
			}
		}
	}
	return d.log.CleanLogs(dirty - keep)
}

func (d *dbInner) cleanAllLogs() error {
	for _, c := range d.columns {
		if err := c.Flush(); err != nil {
			return err
		}
	}
	_, err := d.log.CleanLogs(d.log.NumDirtyLogs())
	return err
}

// replayAllLogs drains every pre-existing log segment through validation
// replay, then refreshes per-column cached metadata.
func (d *dbInner) replayAllLogs() error {
	start := time.Now()
	for {
		_, ok, err := d.log.ReplayNext()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		for {
			more, err := d.enactLogs(true)
			if err != nil {
				return err
			}
			if !more {
				break
			}
		}
	}
	for _, c := range d.columns {
		if err := c.RefreshMetadata(); err != nil {
			return err
		}
	}
	d.stats.ObserveRecovery(time.Since(start).Seconds())
	return nil
}

// shutdown wakes every worker so the loops can observe the flag and exit,
// and every producer parked on the full commit queue.
func (d *dbInner) shutdown() {
	d.shuttingDown.Store(true)
	d.logQueue.broadcast()
	d.queueFullCV.Broadcast()
	d.flushWorkerWait.Signal()
	d.logWorkerWait.Signal()
	d.commitWorkerWait.Signal()
	d.cleanupWorkerWait.Signal()
}

// killLogs drains the pipeline after the workers have stopped. Each stage
// can produce work for the next even after shutdown, so the drain runs in
// phases: enact what is durable, flush, log the remaining queued commits,
// enact and flush again, then retire every log file.
func (d *dbInner) killLogs() error {
	for {
		more, err := d.enactLogs(false)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	if _, err := d.flushLogs(0); err != nil {
		return err
	}
	for {
		more, err := d.processCommits()
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	for {
		more, err := d.enactLogs(false)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	if _, err := d.flushLogs(0); err != nil {
		return err
	}
	for {
		more, err := d.enactLogs(false)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	if err := d.cleanAllLogs(); err != nil {
		return err
	}
	if err := d.log.KillLogs(); err != nil {
		return err
	}
	if d.options.Stats {
		f, err := os.Create(filepath.Join(d.options.Path, "stats.txt"))
		if err != nil {
			stdlog.Printf("beaverdb: error creating stats file: %v", err)
		} else {
			w := bufio.NewWriter(f)
			d.collectStats(w, nil)
			w.Flush()
			f.Close()
		}
	}
	return nil
}

func (d *dbInner) collectStats(w io.Writer, col *types.ColumnID) {
	if col != nil {
		d.columns[*col].WriteStats(w)
		return
	}
	for _, c := range d.columns {
		c.WriteStats(w)
	}
}

func (d *dbInner) clearStats(col *types.ColumnID) {
	if col != nil {
		d.columns[*col].ClearStats()
		return
	}
	for _, c := range d.columns {
		c.ClearStats()
	}
}

// storeErr records the first fatal worker error, drives the engine toward
// shutdown and releases a parked producer so it fails fast.
func (d *dbInner) storeErr(err error) {
	if err == nil {
		return
	}
	stdlog.Printf("beaverdb: background worker error: %v", err)
	d.stats.BackgroundError()
	d.bgErrMu.Lock()
	if d.bgErr == nil {
		d.bgErr = err
		d.bgErrMu.Unlock()
		d.shutdown()
	} else {
		d.bgErrMu.Unlock()
	}
	d.queueFullCV.Signal()
}

func (d *dbInner) iterColumnWhile(col types.ColumnID, f func(types.IterState) bool) error {
	if int(col) >= len(d.columns) {
		return fmt.Errorf("column %d out of range", col)
	}
	return d.columns[col].IterWhile(d.log.Overlays(), f)
}

// Db is a database handle. It owns the background workers; closing the
// handle in the default mode joins them and drains the pipeline.
type Db struct {
	inner *dbInner

	logDone, flushDone,
	commitDone, cleanupDone chan struct{}

	doDrop   bool
	readOnly bool
	closed   bool
}

// WithColumns creates (or opens) a database of n plain columns at path.
func WithColumns(path string, n uint8) (*Db, error) {
	options := OptionsWithColumns(path, n)
	inner := defaultInternalOptions()
	inner.create = true
	db, _, err := openWithInternal(&options, &inner)
	return db, err
}

// Open opens an existing database with the given options.
func Open(options Options) (*Db, error) {
	inner := defaultInternalOptions()
	db, _, err := openWithInternal(&options, &inner)
	return db, err
}

// OpenOrCreate opens the database, creating it first if necessary.
func OpenOrCreate(options Options) (*Db, error) {
	inner := defaultInternalOptions()
	inner.create = true
	db, _, err := openWithInternal(&options, &inner)
	return db, err
}

// OpenReadOnly opens the database without spawning workers. Commits are
// rejected.
func OpenReadOnly(options Options) (*Db, error) {
	inner := defaultInternalOptions()
	inner.readOnly = true
	db, _, err := openWithInternal(&options, &inner)
	return db, err
}

// openWithInternal is the full open path. It returns the test-notify
// signal selected by the commit-stages mode, if any.
func openWithInternal(options *Options, inner *internalOptions) (*Db, *WaitSignal, error) {
	if !options.valid() {
		return nil, nil, fmt.Errorf("invalid options: path and 1..255 columns required")
	}
	d, err := openInner(options, inner)
	if err != nil {
		return nil, nil, err
	}
	// Replay must complete before the log worker starts so the first
	// reindex probe runs against consistent state.
	if err := d.replayAllLogs(); err != nil {
		d.lockFile.Close()
		return nil, nil, err
	}

	db := &Db{inner: d, doDrop: inner.commitStages.doDrop(), readOnly: inner.readOnly}
	if inner.readOnly {
		return db, nil, nil
	}

	var testSignal *WaitSignal
	switch inner.commitStages {
	case StagesLogOverlay:
		testSignal = d.flushWorkerWait
	case StagesDbFile:
		testSignal = d.commitWorkerWait
	}

	if inner.commitStages.spawnCommitWorker() {
		db.commitDone = spawnWorker(d, commitWorker)
	}
	if inner.commitStages.spawnFlushWorker() {
		minSize := inner.commitStages.minLogSize()
		db.flushDone = spawnWorker(d, func(d *dbInner) error {
			return flushWorker(d, minSize)
		})
	}
	if inner.commitStages.spawnLogWorker() {
		db.logDone = spawnWorker(d, logWorker)
	}
	if inner.commitStages.spawnCleanupWorker() {
		db.cleanupDone = spawnWorker(d, cleanupWorker)
	}
	return db, testSignal, nil
}

func spawnWorker(d *dbInner, body func(*dbInner) error) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.storeErr(body(d))
	}()
	return done
}

// Get returns the value stored under a raw key, or nil when absent.
// Reads never block on the commit pipeline.
func (db *Db) Get(col types.ColumnID, key []byte) (types.Value, error) {
	return db.inner.get(col, key)
}

// GetSize returns the stored value length, or ok=false when absent.
func (db *Db) GetSize(col types.ColumnID, key []byte) (uint32, bool, error) {
	return db.inner.getSize(col, key)
}

// Commit queues a transaction. It may block while the commit queue is over
// its byte budget and fails once a background worker has stored an error.
func (db *Db) Commit(tx []Op) error {
	if db.readOnly {
		return types.ErrReadOnly
	}
	return db.inner.commit(tx)
}

// NumColumns returns the column count fixed at creation.
func (db *Db) NumColumns() uint8 {
	return uint8(len(db.inner.columns))
}

// IterColumnWhile walks a column's live entries until f returns false.
func (db *Db) IterColumnWhile(col types.ColumnID, f func(types.IterState) bool) error {
	return db.inner.iterColumnWhile(col, f)
}

// CollectStats renders column statistics; col selects one column, nil all.
func (db *Db) CollectStats(w io.Writer, col *types.ColumnID) {
	db.inner.collectStats(w, col)
}

// ClearStats resets column statistics.
func (db *Db) ClearStats(col *types.ColumnID) {
	db.inner.clearStats(col)
}

// CheckOptions select what the consistency check visits.
type CheckOptions struct {
	Column  *types.ColumnID
	From    uint64
	Bound   uint64
	Display func(types.Key, types.Value)
}

// Check verifies that every live index entry in scope resolves to a
// readable value. It returns the number of entries checked.
func (db *Db) Check(opts CheckOptions) (uint64, error) {
	d := db.inner
	var total uint64
	check := func(c *column.Column) error {
		n, err := c.Check(d.log.Overlays(), opts.From, opts.Bound, opts.Display)
		total += n
		return err
	}
	if opts.Column != nil {
		if int(*opts.Column) >= len(d.columns) {
			return 0, fmt.Errorf("column %d out of range", *opts.Column)
		}
		err := check(d.columns[*opts.Column])
		return total, err
	}
	for _, c := range d.columns {
		if err := check(c); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close shuts the engine down. In the default mode it joins the workers in
// order (log, flush, commit, cleanup) and drains everything still in
// flight; subset stage modes leave their workers parked, mirroring the
// ownership rules of the open mode that spawned them.
func (db *Db) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true
	if !db.doDrop {
		return nil
	}
	db.inner.shutdown()
	for _, done := range []chan struct{}{db.logDone, db.flushDone, db.commitDone, db.cleanupDone} {
		if done != nil {
			<-done
		}
	}
	err := db.inner.killLogs()
	if err != nil {
		stdlog.Printf("beaverdb: shutdown error: %v", err)
	}
	for _, c := range db.inner.columns {
		c.Close()
	}
	db.inner.lockFile.Close()
	return err
}

// ============================================================================
// Background workers
// ============================================================================

func commitWorker(d *dbInner) error {
	moreWork := false
	for !d.shuttingDown.Load() || moreWork {
		if !moreWork {
			d.commitWorkerWait.Wait()
		}
		more, err := d.enactLogs(false)
		if err != nil {
			return err
		}
		moreWork = more
	}
	return nil
}

func logWorker(d *dbInner) error {
	// Start with any reindex left pending by a previous run.
	moreWork, err := d.processReindex()
	if err != nil {
		return err
	}
	for !d.shuttingDown.Load() || moreWork {
		if !moreWork {
			d.logWorkerWait.Wait()
		}
		moreCommits, err := d.processCommits()
		if err != nil {
			return err
		}
		moreReindex, err := d.processReindex()
		if err != nil {
			return err
		}
		moreWork = moreCommits || moreReindex
	}
	return nil
}

func flushWorker(d *dbInner, minSize int64) error {
	moreWork := false
	for !d.shuttingDown.Load() {
		if !moreWork {
			d.flushWorkerWait.Wait()
		}
		more, err := d.flushLogs(minSize)
		if err != nil {
			return err
		}
		moreWork = more
	}
	return nil
}

func cleanupWorker(d *dbInner) error {
	moreWork := true
	for !d.shuttingDown.Load() || moreWork {
		if !moreWork {
			d.cleanupWorkerWait.Wait()
		}
		more, err := d.cleanupLogs()
		if err != nil {
			return err
		}
		moreWork = more
	}
	return nil
}
