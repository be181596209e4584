package log

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/ChuLiYu/beaverdb/pkg/types"
)

// Reader iterates the actions of one decoded record. The whole record is
// held in memory so validation replay can Reset and iterate twice.
type Reader struct {
	recordID  uint64
	actions   []Action
	pos       int
	bytes     int64
	seg       *segment
	endOffset int64
}

// RecordID returns the id of the record being read.
func (r *Reader) RecordID() uint64 {
	return r.recordID
}

// ReadBytes returns the on-disk size of the record including framing.
func (r *Reader) ReadBytes() int64 {
	return r.bytes
}

// Next returns the next action. The final action of every well-formed
// record is ActionEndRecord; calling Next past it is a framing bug and
// reported as corruption.
func (r *Reader) Next() (Action, error) {
	if r.pos >= len(r.actions) {
		return Action{}, types.Corruption("read past end of record %d", r.recordID)
	}
	a := r.actions[r.pos]
	r.pos++
	return a, nil
}

// Reset rewinds the reader to the first action. Used by validation replay
// to iterate a record a second time for enacting.
func (r *Reader) Reset() {
	r.pos = 0
}

// decodeRecord parses one record from src starting at offset off. It
// returns the reader (without segment bookkeeping) and the offset one past
// the record's end marker. io.EOF or any short read inside the record
// surfaces as corruption; limit bounds how far decoding may advance.
func decodeRecord(src io.ReaderAt, off, limit int64) (*Reader, int64, error) {
	cur := off
	var begin [beginRecordSize]byte
	if err := readAt(src, begin[:], cur, limit); err != nil {
		return nil, 0, err
	}
	if ActionKind(begin[0]) != ActionBeginRecord {
		return nil, 0, types.Corruption("bad record header byte %d at offset %d", begin[0], cur)
	}
	recordID := binary.LittleEndian.Uint64(begin[1:9])
	cur += beginRecordSize

	crc := crc32.NewIEEE()
	var actions []Action
	for {
		var kind [1]byte
		if err := readAt(src, kind[:], cur, limit); err != nil {
			return nil, 0, err
		}
		if ActionKind(kind[0]) == ActionEndRecord {
			var sum [4]byte
			if err := readAt(src, sum[:], cur+1, limit); err != nil {
				return nil, 0, err
			}
			if binary.LittleEndian.Uint32(sum[:]) != crc.Sum32() {
				return nil, 0, types.Corruption("checksum mismatch in record %d", recordID)
			}
			cur += endRecordSize
			actions = append(actions, Action{Kind: ActionEndRecord})
			return &Reader{
				recordID: recordID,
				actions:  actions,
				bytes:    cur - off,
			}, cur, nil
		}

		a, n, err := decodeAction(src, cur, limit)
		if err != nil {
			return nil, 0, err
		}
		body := make([]byte, n)
		if err := readAt(src, body, cur, limit); err != nil {
			return nil, 0, err
		}
		crc.Write(body)
		actions = append(actions, a)
		cur += n
	}
}

// decodeAction parses a single non-framing action at off and returns it
// with its encoded length.
func decodeAction(src io.ReaderAt, off, limit int64) (Action, int64, error) {
	var kind [1]byte
	if err := readAt(src, kind[:], off, limit); err != nil {
		return Action{}, 0, err
	}
	switch ActionKind(kind[0]) {
	case ActionBeginRecord:
		return Action{}, 0, types.Corruption("nested record header at offset %d", off)
	case ActionInsertIndex:
		var buf [1 + 1 + 2 + 8 + types.KeySize + 8]byte
		if err := readAt(src, buf[:], off, limit); err != nil {
			return Action{}, 0, err
		}
		a := Action{
			Kind: ActionInsertIndex,
			Table: types.TableID{
				Col:        types.ColumnID(buf[1]),
				Generation: binary.LittleEndian.Uint16(buf[2:4]),
			},
			Slot: binary.LittleEndian.Uint64(buf[4:12]),
			Addr: types.Address(binary.LittleEndian.Uint64(buf[12+types.KeySize:])),
		}
		a.Col = a.Table.Col
		copy(a.Key[:], buf[12:12+types.KeySize])
		return a, int64(len(buf)), nil
	case ActionInsertValue:
		var hdr [1 + 1 + 8 + 4 + 4]byte
		if err := readAt(src, hdr[:], off, limit); err != nil {
			return Action{}, 0, err
		}
		length := binary.LittleEndian.Uint32(hdr[14:18])
		a := Action{
			Kind:   ActionInsertValue,
			Col:    types.ColumnID(hdr[1]),
			Offset: binary.LittleEndian.Uint64(hdr[2:10]),
			RC:     binary.LittleEndian.Uint32(hdr[10:14]),
			Data:   make([]byte, length),
		}
		if err := readAt(src, a.Data, off+int64(len(hdr)), limit); err != nil {
			return Action{}, 0, err
		}
		return a, int64(len(hdr)) + int64(length), nil
	case ActionDropTable:
		var buf [1 + 1 + 2]byte
		if err := readAt(src, buf[:], off, limit); err != nil {
			return Action{}, 0, err
		}
		a := Action{
			Kind: ActionDropTable,
			Table: types.TableID{
				Col:        types.ColumnID(buf[1]),
				Generation: binary.LittleEndian.Uint16(buf[2:4]),
			},
		}
		a.Col = a.Table.Col
		return a, int64(len(buf)), nil
	default:
		return Action{}, 0, types.Corruption("unknown action byte %d at offset %d", kind[0], off)
	}
}

// readAt fills buf from src at off, treating any read beyond limit or any
// short read as a torn record.
func readAt(src io.ReaderAt, buf []byte, off, limit int64) error {
	if off+int64(len(buf)) > limit {
		return types.Corruption("truncated record at offset %d", off)
	}
	if _, err := src.ReadAt(buf, off); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return types.Corruption("truncated record at offset %d", off)
		}
		return err
	}
	return nil
}
