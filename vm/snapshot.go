package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// SnapshotValue is a Value flattened for serialization.
type SnapshotValue struct {
	Kind       byte    `cbor:"1,keyasint"`
	Int        int64   `cbor:"2,keyasint,omitempty"`
	Float      float32 `cbor:"3,keyasint,omitempty"`
	Bool       bool    `cbor:"4,keyasint,omitempty"`
	Addr       int     `cbor:"5,keyasint,omitempty"`
	Cap        int     `cbor:"6,keyasint,omitempty"`
	IP         int     `cbor:"7,keyasint,omitempty"`
	Arity      int     `cbor:"8,keyasint,omitempty"`
	Uplifts    int     `cbor:"9,keyasint,omitempty"`
	HasUplifts bool    `cbor:"10,keyasint,omitempty"`
	Tags       int     `cbor:"11,keyasint,omitempty"`
	HasTags    bool    `cbor:"12,keyasint,omitempty"`
}

// SnapshotCompound is a CompoundValue flattened for serialization.
type SnapshotCompound struct {
	Kind  byte            `cbor:"1,keyasint"`
	Value SnapshotValue   `cbor:"2,keyasint"`
	Args  []SnapshotValue `cbor:"3,keyasint,omitempty"`
}

// SnapshotChunk mirrors a free chunk.
type SnapshotChunk struct {
	From int `cbor:"1,keyasint"`
	To   int `cbor:"2,keyasint"`
}

// SnapshotFrame mirrors a call frame.
type SnapshotFrame struct {
	IP          int `cbor:"1,keyasint"`
	StackOffset int `cbor:"2,keyasint"`
	Arity       int `cbor:"3,keyasint"`
}

// Snapshot is a post-mortem capture of the whole machine: values, frames,
// allocator bookkeeping and the raw memory image. It is diagnostic
// output, written by the CLI when a run fails, not a resumable image.
type Snapshot struct {
	Constants  []SnapshotValue          `cbor:"1,keyasint"`
	Stack      []SnapshotCompound       `cbor:"2,keyasint"`
	Globals    map[int]SnapshotCompound `cbor:"3,keyasint"`
	Frames     []SnapshotFrame          `cbor:"4,keyasint"`
	Allocated  map[int]int              `cbor:"5,keyasint"`
	FreeChunks []SnapshotChunk          `cbor:"6,keyasint"`
	Memory     []byte                   `cbor:"7,keyasint"`
}

func snapshotValue(v Value) SnapshotValue {
	return SnapshotValue{
		Kind:       byte(v.Kind),
		Int:        v.Int,
		Float:      v.Float,
		Bool:       v.Bool,
		Addr:       v.Addr,
		Cap:        v.Cap,
		IP:         v.IP,
		Arity:      v.Arity,
		Uplifts:    v.Uplifts,
		HasUplifts: v.HasUplifts,
		Tags:       v.Tags,
		HasTags:    v.HasTags,
	}
}

func snapshotCompound(cv CompoundValue) SnapshotCompound {
	out := SnapshotCompound{
		Kind:  byte(cv.Kind),
		Value: snapshotValue(cv.Value),
	}
	for _, arg := range cv.Args {
		out.Args = append(out.Args, snapshotValue(arg))
	}
	return out
}

// TakeSnapshot captures the VM's current state.
func TakeSnapshot(machine *VM) *Snapshot {
	s := &Snapshot{
		Globals:   make(map[int]SnapshotCompound),
		Allocated: machine.alloc.Allocations(),
		Memory:    append([]byte(nil), machine.mem.raw()...),
	}
	for _, v := range machine.constants {
		s.Constants = append(s.Constants, snapshotValue(v))
	}
	for _, cv := range machine.Stack() {
		s.Stack = append(s.Stack, snapshotCompound(cv))
	}
	for idx, cv := range machine.globals {
		s.Globals[idx] = snapshotCompound(cv)
	}
	for _, f := range machine.frames {
		s.Frames = append(s.Frames, SnapshotFrame{
			IP:          f.IP,
			StackOffset: f.StackOffset,
			Arity:       f.Arity,
		})
	}
	for _, c := range machine.alloc.FreeChunks() {
		s.FreeChunks = append(s.FreeChunks, SnapshotChunk{From: c.From, To: c.To})
	}
	return s
}

// EncodeSnapshot serializes a snapshot to canonical CBOR bytes.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// DecodeSnapshot deserializes a snapshot from CBOR bytes.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	return &s, nil
}
