package column

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/beaverdb/internal/storage/log"
	"github.com/ChuLiYu/beaverdb/pkg/types"
)

// Value table file layout:
//
//   [0..8)   u64 tail pointer (next free offset)
//   [8..16)  reserved
//   [16..)   entries: u32 length | u32 refcount | bytes
//
// The table is append-only; entries are addressed by their file offset.
// Replaced entries are left in place and become garbage, reclaimed only
// when the table is rebuilt offline.
const (
	valueHeaderSize  = 16
	valueEntryHeader = 8
)

type valueTable struct {
	col  types.ColumnID
	path string
	f    *os.File
	tail uint64 // enacted tail pointer
}

func openValueTable(dir string, col types.ColumnID, create bool) (*valueTable, error) {
	path := filepath.Join(dir, fmt.Sprintf("table_%d", col))
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening value table for column %d: %w", col, err)
	}
	t := &valueTable{col: col, path: path, f: f}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < valueHeaderSize {
		t.tail = valueHeaderSize
		if err := t.writeHeader(t.tail); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := t.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func (t *valueTable) readHeader() error {
	var hdr [8]byte
	if _, err := t.f.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("reading value table header: %w", err)
	}
	t.tail = binary.LittleEndian.Uint64(hdr[:])
	if t.tail < valueHeaderSize {
		t.tail = valueHeaderSize
	}
	return nil
}

func (t *valueTable) writeHeader(tail uint64) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], tail)
	if _, err := t.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("writing value table header: %w", err)
	}
	t.tail = tail
	return nil
}

// entryLen returns the on-disk footprint of a value.
func entryLen(v types.Value) uint64 {
	return valueEntryHeader + uint64(len(v))
}

// writeEntry enacts a value write at the given offset.
func (t *valueTable) writeEntry(offset uint64, rc uint32, data []byte) error {
	buf := make([]byte, valueEntryHeader+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(buf[4:8], rc)
	copy(buf[valueEntryHeader:], data)
	if _, err := t.f.WriteAt(buf, int64(offset)); err != nil {
		return fmt.Errorf("writing value entry at %d: %w", offset, err)
	}
	return nil
}

// readEntry reads a value entry, consulting the log overlays first so
// flushed-but-unenacted writes are visible.
func (t *valueTable) readEntry(addr types.Address, ov *log.Overlays) ([]byte, uint32, error) {
	if data, rc, ok := ov.Value(t.col, uint64(addr)); ok {
		return data, rc, nil
	}
	var hdr [valueEntryHeader]byte
	if _, err := t.f.ReadAt(hdr[:], int64(addr)); err != nil {
		return nil, 0, fmt.Errorf("reading value entry at %d: %w", addr, err)
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	rc := binary.LittleEndian.Uint32(hdr[4:8])
	data := make([]byte, length)
	if _, err := t.f.ReadAt(data, int64(addr)+valueEntryHeader); err != nil {
		return nil, 0, fmt.Errorf("reading value bytes at %d: %w", addr, err)
	}
	return data, rc, nil
}

// readSize reads only the length of a value entry.
func (t *valueTable) readSize(addr types.Address, ov *log.Overlays) (uint32, uint32, error) {
	if data, rc, ok := ov.Value(t.col, uint64(addr)); ok {
		return uint32(len(data)), rc, nil
	}
	var hdr [valueEntryHeader]byte
	if _, err := t.f.ReadAt(hdr[:], int64(addr)); err != nil {
		return 0, 0, fmt.Errorf("reading value entry at %d: %w", addr, err)
	}
	return binary.LittleEndian.Uint32(hdr[0:4]), binary.LittleEndian.Uint32(hdr[4:8]), nil
}
