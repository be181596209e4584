// Package log implements the write-ahead log of the database: rolling
// segment files of framed records, a flush/rotation protocol driven by the
// background workers, replay of pre-existing segments at open, and the
// in-memory overlays that make flushed-but-unenacted records readable.
//
// Lifecycle of a segment file: appending (records are written, a durable
// watermark trails the writes) -> closed (rotated away once it reaches the
// rotation floor) -> dirty (every record enacted) -> removed by cleanup.
package log

import (
	"fmt"
	stdlog "log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const filePrefix = "log"

// segment is one on-disk log file.
type segment struct {
	id        uint64
	path      string
	f         *os.File
	size      int64 // bytes appended; advances by whole records
	flushedTo int64 // durable watermark; reads never pass it
	readTo    int64 // enact read cursor
	enactedTo int64 // bytes whose records have been enacted
	records   int
	closed    bool
}

// Log is the write-ahead log façade consumed by the engine core.
type Log struct {
	mu       sync.Mutex
	dir      string
	overlays *Overlays

	nextRecordID uint64
	nextFileID   uint64

	appending *segment
	reading   []*segment // closed, not fully enacted, oldest first
	dirty     []*segment // fully enacted, awaiting removal, oldest first

	// Replay state for segments found on disk at open.
	replayQueue   []*segment
	replayCurrent *segment
	replayFirstID uint64
}

// Open scans dir for existing log segments, queues them for replay and
// creates a fresh appending segment.
func Open(dir string) (*Log, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading log directory: %w", err)
	}
	l := &Log{
		dir:          dir,
		overlays:     newOverlays(),
		nextRecordID: 2,
		nextFileID:   1,
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(name, filePrefix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		path := filepath.Join(dir, fmt.Sprintf("%s%d", filePrefix, id))
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log segment: %w", err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		seg := &segment{
			id:        id,
			path:      path,
			f:         f,
			size:      st.Size(),
			flushedTo: st.Size(),
			closed:    true,
		}
		l.replayQueue = append(l.replayQueue, seg)
		if id >= l.nextFileID {
			l.nextFileID = id + 1
		}
	}
	l.replayFirstID = l.peekFirstRecordID()
	if err := l.openAppending(); err != nil {
		return nil, err
	}
	return l, nil
}

// peekFirstRecordID reads the id of the first replayable record, or zero
// when there is nothing to replay or the head is unreadable.
func (l *Log) peekFirstRecordID() uint64 {
	for _, seg := range l.replayQueue {
		if seg.size < beginRecordSize {
			continue
		}
		r, _, err := decodeRecord(seg.f, 0, seg.size)
		if err != nil {
			return 0
		}
		return r.recordID
	}
	return 0
}

func (l *Log) openAppending() error {
	id := l.nextFileID
	l.nextFileID++
	path := filepath.Join(l.dir, fmt.Sprintf("%s%d", filePrefix, id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating log segment: %w", err)
	}
	l.appending = &segment{id: id, path: path, f: f}
	return nil
}

// ReplayRecordID returns the id of the first record queued for replay, or
// zero when the log starts empty.
func (l *Log) ReplayRecordID() uint64 {
	return l.replayFirstID
}

// Overlays returns the shared overlay maps consulted by column reads.
func (l *Log) Overlays() *Overlays {
	return l.overlays
}

// BeginRecord allocates the next record id and returns a writer for it.
func (l *Log) BeginRecord() *Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := &Writer{recordID: l.nextRecordID}
	l.nextRecordID++
	return w
}

// EndRecord frames the writer's actions, appends them to the current
// segment and publishes the record to the overlays. It returns the number
// of bytes appended. The record is not durable until the flush worker syncs
// the segment.
func (l *Log) EndRecord(w *Writer) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := encodeRecord(w)
	seg := l.appending
	if _, err := seg.f.WriteAt(buf, seg.size); err != nil {
		return 0, fmt.Errorf("appending log record %d: %w", w.recordID, err)
	}
	seg.size += int64(len(buf))
	seg.records++
	l.overlays.install(w.recordID, w.staged)
	return int64(len(buf)), nil
}

// FlushOne makes the appending segment durable and rotates it once it has
// grown past minSize. It reports whether more flushing is pending, whether
// a durable record is available to enact, and whether retired segments are
// waiting for cleanup.
func (l *Log) FlushOne(minSize int64) (more, enactable, cleanupable bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seg := l.appending
	if seg.size > seg.flushedTo {
		if err := seg.f.Sync(); err != nil {
			return false, false, false, fmt.Errorf("syncing log segment %d: %w", seg.id, err)
		}
		seg.flushedTo = seg.size
	}
	if seg.records > 0 && seg.flushedTo >= minSize {
		seg.closed = true
		if seg.enactedTo == seg.size {
			l.dirty = append(l.dirty, seg)
		} else {
			l.reading = append(l.reading, seg)
		}
		if err := l.openAppending(); err != nil {
			return false, false, false, err
		}
	}
	for _, s := range l.readable() {
		if s.readTo < s.flushedTo {
			enactable = true
			break
		}
	}
	return false, enactable, len(l.dirty) > 0, nil
}

// readable lists segments that may hold unread durable records, oldest
// first.
func (l *Log) readable() []*segment {
	segs := make([]*segment, 0, len(l.reading)+1)
	segs = append(segs, l.reading...)
	segs = append(segs, l.appending)
	return segs
}

// ReadNext returns a reader over the next durable, unenacted record, or nil
// when none is available. In validation mode records come from the replay
// queue instead of the live segments.
func (l *Log) ReadNext(validationMode bool) (*Reader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if validationMode {
		seg := l.replayCurrent
		if seg == nil || seg.readTo >= seg.size {
			return nil, nil
		}
		r, end, err := decodeRecord(seg.f, seg.readTo, seg.size)
		if err != nil {
			return nil, err
		}
		seg.readTo = end
		r.seg = seg
		r.endOffset = end
		l.bumpRecordID(r.recordID)
		return r, nil
	}
	for _, seg := range l.readable() {
		if seg.readTo >= seg.flushedTo {
			continue
		}
		r, end, err := decodeRecord(seg.f, seg.readTo, seg.flushedTo)
		if err != nil {
			return nil, err
		}
		seg.readTo = end
		r.seg = seg
		r.endOffset = end
		return r, nil
	}
	return nil, nil
}

func (l *Log) bumpRecordID(id uint64) {
	if id >= l.nextRecordID {
		l.nextRecordID = id + 1
	}
}

// EndRead retires a fully enacted record: its overlay entries are cleared
// and its segment's enact cursor advances. A closed segment whose records
// are all enacted becomes dirty.
func (l *Log) EndRead(r *Reader, recordID uint64) {
	l.overlays.clear(recordID, r.actions)
	l.mu.Lock()
	defer l.mu.Unlock()
	seg := r.seg
	if seg == nil {
		return
	}
	if r.endOffset > seg.enactedTo {
		seg.enactedTo = r.endOffset
	}
	if seg.closed && seg.enactedTo == seg.size && seg != l.replayCurrent {
		for i, s := range l.reading {
			if s == seg {
				l.reading = append(l.reading[:i], l.reading[i+1:]...)
				l.dirty = append(l.dirty, seg)
				break
			}
		}
	}
}

// ReplayNext advances to the next segment queued for replay, retiring the
// previous one. It returns the segment's file id, or ok=false when replay
// is complete.
func (l *Log) ReplayNext() (uint64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur := l.replayCurrent; cur != nil {
		l.replayCurrent = nil
		l.dirty = append(l.dirty, cur)
	}
	if len(l.replayQueue) == 0 {
		return 0, false, nil
	}
	l.replayCurrent = l.replayQueue[0]
	l.replayQueue = l.replayQueue[1:]
	return l.replayCurrent.id, true, nil
}

// ClearReplayLogs discards the current replay segment and everything queued
// after it. Called when validation finds a torn or inconsistent tail; the
// database stays consistent up to the last enacted record.
func (l *Log) ClearReplayLogs() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	drop := func(seg *segment) {
		seg.f.Close()
		if err := os.Remove(seg.path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.replayCurrent != nil {
		stdlog.Printf("beaverdb: discarding replay log %d and %d queued segment(s)",
			l.replayCurrent.id, len(l.replayQueue))
		drop(l.replayCurrent)
		l.replayCurrent = nil
	}
	for _, seg := range l.replayQueue {
		drop(seg)
	}
	l.replayQueue = nil
	return firstErr
}

// NumDirtyLogs returns the number of fully enacted segments that are still
// on disk.
func (l *Log) NumDirtyLogs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.dirty)
}

// CleanLogs removes the n oldest dirty segments. It reports whether any
// file was removed.
func (l *Log) CleanLogs(n int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.dirty) {
		n = len(l.dirty)
	}
	removed := false
	for i := 0; i < n; i++ {
		seg := l.dirty[i]
		seg.f.Close()
		if err := os.Remove(seg.path); err != nil {
			return removed, fmt.Errorf("removing log segment %d: %w", seg.id, err)
		}
		removed = true
	}
	l.dirty = l.dirty[n:]
	return removed, nil
}

// KillLogs removes every remaining segment file. Called at shutdown after
// the final drain has enacted everything and flushed the columns.
func (l *Log) KillLogs() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	drop := func(seg *segment) {
		if seg == nil {
			return
		}
		seg.f.Close()
		if err := os.Remove(seg.path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, seg := range l.dirty {
		drop(seg)
	}
	l.dirty = nil
	for _, seg := range l.reading {
		drop(seg)
	}
	l.reading = nil
	drop(l.appending)
	l.appending = nil
	drop(l.replayCurrent)
	l.replayCurrent = nil
	for _, seg := range l.replayQueue {
		drop(seg)
	}
	l.replayQueue = nil
	return firstErr
}
