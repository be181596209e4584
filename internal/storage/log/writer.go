package log

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/ChuLiYu/beaverdb/pkg/types"
)

// Writer accumulates the actions of a single record in memory. Columns
// append actions during write planning; the log worker hands the finished
// writer back to Log.EndRecord, which frames it and appends it to the
// current segment. Writers are not safe for concurrent use; only the log
// worker holds one.
type Writer struct {
	recordID uint64
	body     bytes.Buffer
	staged   []stagedEntry
}

// stagedEntry mirrors one action into the log overlays once the record is
// committed to the segment file.
type stagedEntry struct {
	kind   ActionKind
	table  types.TableID
	slot   uint64
	key    types.Key
	addr   types.Address
	col    types.ColumnID
	offset uint64
	rc     uint32
	data   []byte
}

// RecordID returns the id stamped on this record at BeginRecord time.
func (w *Writer) RecordID() uint64 {
	return w.recordID
}

// InsertIndex appends an index slot write: the slot of table is set to
// (key, addr). A zero key with address zero clears the slot.
func (w *Writer) InsertIndex(table types.TableID, slot uint64, key types.Key, addr types.Address) {
	var hdr [1 + 1 + 2 + 8]byte
	hdr[0] = byte(ActionInsertIndex)
	hdr[1] = byte(table.Col)
	binary.LittleEndian.PutUint16(hdr[2:4], table.Generation)
	binary.LittleEndian.PutUint64(hdr[4:12], slot)
	w.body.Write(hdr[:])
	w.body.Write(key[:])
	var addrBuf [8]byte
	binary.LittleEndian.PutUint64(addrBuf[:], uint64(addr))
	w.body.Write(addrBuf[:])
	w.staged = append(w.staged, stagedEntry{
		kind:  ActionInsertIndex,
		table: table,
		slot:  slot,
		key:   key,
		addr:  addr,
	})
}

// InsertValue appends a value table write at the given offset. Offset zero
// addresses the table header (the tail pointer); any other offset carries a
// full value entry with its reference count.
func (w *Writer) InsertValue(col types.ColumnID, offset uint64, rc uint32, data []byte) {
	var hdr [1 + 1 + 8 + 4 + 4]byte
	hdr[0] = byte(ActionInsertValue)
	hdr[1] = byte(col)
	binary.LittleEndian.PutUint64(hdr[2:10], offset)
	binary.LittleEndian.PutUint32(hdr[10:14], rc)
	binary.LittleEndian.PutUint32(hdr[14:18], uint32(len(data)))
	w.body.Write(hdr[:])
	w.body.Write(data)
	w.staged = append(w.staged, stagedEntry{
		kind:   ActionInsertValue,
		col:    col,
		offset: offset,
		rc:     rc,
		data:   append([]byte(nil), data...),
	})
}

// DropTable appends the retirement of an index table generation.
func (w *Writer) DropTable(table types.TableID) {
	var hdr [1 + 1 + 2]byte
	hdr[0] = byte(ActionDropTable)
	hdr[1] = byte(table.Col)
	binary.LittleEndian.PutUint16(hdr[2:4], table.Generation)
	w.body.Write(hdr[:])
}

// Empty reports whether no actions were appended.
func (w *Writer) Empty() bool {
	return w.body.Len() == 0
}

// encodeRecord frames the writer's body with the record header and the
// checksummed end marker.
func encodeRecord(w *Writer) []byte {
	body := w.body.Bytes()
	buf := make([]byte, 0, beginRecordSize+len(body)+endRecordSize)
	var begin [beginRecordSize]byte
	begin[0] = byte(ActionBeginRecord)
	binary.LittleEndian.PutUint64(begin[1:9], w.recordID)
	buf = append(buf, begin[:]...)
	buf = append(buf, body...)
	var end [endRecordSize]byte
	end[0] = byte(ActionEndRecord)
	binary.LittleEndian.PutUint32(end[1:5], crc32.ChecksumIEEE(body))
	buf = append(buf, end[:]...)
	return buf
}
