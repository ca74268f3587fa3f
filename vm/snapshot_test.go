package vm

import (
	"reflect"
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	machine := runProgram(t, stringsROM([]Instruction{
		{Op: OpConstant, Operand: 0},
		{Op: OpPush, Operand: 11},
		{Op: OpSetGlobal, Operand: 3},
	}, "state"))

	snap := TakeSnapshot(machine)
	if len(snap.Stack) != 2 {
		t.Fatalf("expected 2 stack entries, got %d", len(snap.Stack))
	}
	if snap.Globals[3].Value.Int != 11 {
		t.Errorf("global 3: got %d, want 11", snap.Globals[3].Value.Int)
	}
	if len(snap.Memory) != machine.Memory().Capacity() {
		t.Errorf("memory image: got %d bytes, want %d",
			len(snap.Memory), machine.Memory().Capacity())
	}

	data, err := EncodeSnapshot(snap)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if !reflect.DeepEqual(snap, decoded) {
		t.Error("decoded snapshot differs from the original")
	}
}

func TestSnapshotCapturesAllocatorState(t *testing.T) {
	machine := propsVM(t)
	addr, err := machine.alloc.Malloc(16, noRoots())
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}

	snap := TakeSnapshot(machine)
	if got := snap.Allocated[addr]; got != 16 {
		t.Errorf("allocation at %d: got size %d, want 16", addr, got)
	}
	free := 0
	for _, c := range snap.FreeChunks {
		free += c.To - c.From
	}
	if want := machine.Allocator().FreeMemory(); free != want {
		t.Errorf("free chunks cover %d bytes, want %d", free, want)
	}
}
