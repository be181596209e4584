package log

// ============================================================================
// Record wire format
// Responsibility: binary framing of write-ahead records
// ============================================================================
//
// A record is a framed sequence of actions:
//
//   BeginRecord : u8(1) u64(recordID)
//   InsertIndex : u8(2) u8(col) u16(generation) u64(slot) key[32] u64(address)
//   InsertValue : u8(3) u8(col) u64(offset) u32(rc) u32(len) bytes
//   DropTable   : u8(4) u8(col) u16(generation)
//   EndRecord   : u8(5) u32(crc32-IEEE of the action bytes)
//
// All integers are little-endian. A nested BeginRecord, an unknown action
// byte, a short read or a checksum mismatch is corruption.

import "github.com/ChuLiYu/beaverdb/pkg/types"

// ActionKind identifies one log action.
type ActionKind uint8

const (
	// ActionBeginRecord opens a record and carries its id. It is emitted
	// internally by BeginRecord and never returned by a Reader.
	ActionBeginRecord ActionKind = 1
	// ActionInsertIndex writes one index table slot.
	ActionInsertIndex ActionKind = 2
	// ActionInsertValue writes one value table entry. Offset zero targets
	// the value table header (the tail pointer).
	ActionInsertValue ActionKind = 3
	// ActionDropTable retires a fully reindexed index table generation.
	ActionDropTable ActionKind = 4
	// ActionEndRecord terminates a record and carries the body checksum.
	ActionEndRecord ActionKind = 5
)

// Action is one decoded log action. Fields beyond Kind are populated
// depending on the kind; inline data rides in Data.
type Action struct {
	Kind  ActionKind
	Table types.TableID // InsertIndex, DropTable
	Slot  uint64        // InsertIndex
	Key   types.Key     // InsertIndex inline
	Addr  types.Address // InsertIndex inline
	Col   types.ColumnID
	// InsertValue fields. Offset zero addresses the value table header.
	Offset uint64
	RC     uint32
	Data   []byte
}

const (
	beginRecordSize = 1 + 8
	endRecordSize   = 1 + 4
)
