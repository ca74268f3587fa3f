package vm

import (
	"bytes"
	"reflect"
	"testing"
)

// romFixture is a full image: eight constants of every tag, an eight-byte
// memory blob, one location and five instructions.
var romFixture = []byte{
	78, 0, 0, 0, 0, 0, 0, 0, // constants byte length
	8, 0, 0, 0, 0, 0, 0, 0, // memory blob length
	1, 0, 0, 0, 0, 0, 0, 0, // locations count
	0,                          // nil
	1, 42, 0, 0, 0, 0, 0, 0, 0, // integer 42
	2, 42, 42, 42, 42, // float
	3, 1, // bool true
	4, 4, 0, 0, 0, 0, 0, 0, 0, // string @4
	5, 42, 0, 0, 0, 0, 0, 0, 0, 42, 0, 0, 0, 0, 0, 0, 0, 0, // function ip=42 arity=42
	6, 2, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0, // array cap=2 @4
	7, 6, 0, 0, 0, 0, 0, 0, 0, 6, 0, 0, 0, 0, 0, 0, 0, // object @6 tags @6
	0, 1, 2, 3, 4, 5, 6, 7, // memory blob
	1, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, // location {1, 1}
	0, 0, 0, 0, 0, 0, 0, 0, 0, // RETURN
	1, 42, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, // CONSTANT 42
	2, 0, 0, 0, 0, 0, 0, 0, 0, // PLUS
	3, 0, 0, 0, 0, 0, 0, 0, 0, // MINUS
	4, 0, 0, 0, 0, 0, 0, 0, 0, // MULT
}

func fixtureConstants() []Value {
	obj := ObjectValue(6)
	obj.Tags = 6
	obj.HasTags = true
	return []Value{
		NilValue(),
		IntegerValue(42),
		FloatValue(0.00000000000015113662),
		BoolValue(true),
		StringValue(4),
		FunctionValue(42, 42),
		ArrayValue(2, 4),
		obj,
	}
}

func TestLoadROM(t *testing.T) {
	rom, err := LoadROM(romFixture)
	if err != nil {
		t.Fatalf("LoadROM: %v", err)
	}
	if want := fixtureConstants(); !reflect.DeepEqual(rom.Constants, want) {
		t.Errorf("constants:\n got %v\nwant %v", rom.Constants, want)
	}
	if want := []byte{0, 1, 2, 3, 4, 5, 6, 7}; !bytes.Equal(rom.Blob, want) {
		t.Errorf("blob: got %v, want %v", rom.Blob, want)
	}
	if want := []Location{{Address: 1, Line: 1}}; !reflect.DeepEqual(rom.Locations, want) {
		t.Errorf("locations: got %v, want %v", rom.Locations, want)
	}
	wantInstructions := []Instruction{
		{Op: OpReturn},
		{Op: OpConstant, Operand: 42},
		{Op: OpPlus},
		{Op: OpMinus},
		{Op: OpMult},
	}
	if !reflect.DeepEqual(rom.Instructions, wantInstructions) {
		t.Errorf("instructions:\n got %v\nwant %v", rom.Instructions, wantInstructions)
	}
}

func TestEncodeROM(t *testing.T) {
	rom := &ROM{
		Constants: fixtureConstants(),
		Blob:      []byte{0, 1, 2, 3, 4, 5, 6, 7},
		Locations: []Location{{Address: 1, Line: 1}},
		Instructions: []Instruction{
			{Op: OpReturn},
			{Op: OpConstant, Operand: 42},
			{Op: OpPlus},
			{Op: OpMinus},
			{Op: OpMult},
		},
	}
	got := rom.Encode()
	if !bytes.Equal(got, romFixture) {
		t.Errorf("encoded image differs from fixture:\n got %v\nwant %v", got, romFixture)
	}
}

func TestROMRoundTrip(t *testing.T) {
	fn := FunctionValue(3, 1)
	fn.Uplifts = 16
	fn.HasUplifts = true
	original := &ROM{
		Constants: []Value{StringValue(0), fn, IntegerValue(-7)},
		Blob:      append([]byte("hello"), make([]byte, 54)...),
		Locations: []Location{{Address: 0, Line: 12}, {Address: 0, Line: 13}},
		Instructions: []Instruction{
			{Op: OpConstant, Operand: 0, Location: 0},
			{Op: OpToStr, Location: 1},
			{Op: OpReturn, Location: 1},
		},
	}
	decoded, err := LoadROM(original.Encode())
	if err != nil {
		t.Fatalf("LoadROM: %v", err)
	}
	if !reflect.DeepEqual(decoded, original) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, original)
	}
}

func TestLoadROMErrors(t *testing.T) {
	if _, err := LoadROM([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated header")
	}
	// Header claims 100 constant bytes that are not there.
	header := make([]byte, 3*WordSize)
	header[0] = 100
	if _, err := LoadROM(header); err == nil {
		t.Error("expected error for truncated constants")
	}
	// A single constant with an unknown tag.
	bad := make([]byte, 3*WordSize+1)
	bad[0] = 1
	bad[3*WordSize] = 99
	if _, err := LoadROM(bad); err == nil {
		t.Error("expected error for unknown constant tag")
	}
}

func TestLoadROMRejectsUnserializableOpcodes(t *testing.T) {
	rom := &ROM{Instructions: []Instruction{{Op: OpDuplicate}}}
	if _, err := LoadROM(rom.Encode()); err == nil {
		t.Error("expected error for in-memory-only opcode in image")
	}
}

func TestNewVMRegistersConstantBlocks(t *testing.T) {
	// Two strings laid out back to back: "hello" at 0, "world" at 5.
	rom := &ROM{
		Constants:    []Value{StringValue(0), StringValue(5)},
		Blob:         []byte("helloworld"),
		Instructions: []Instruction{{Op: OpReturn}},
	}
	machine, err := NewVM(rom, Config{MemoryCapacity: 128})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	if size, ok := machine.Allocator().AllocatedSize(0); !ok || size != 5 {
		t.Errorf("block at 0: size %d ok %v, want 5", size, ok)
	}
	if size, ok := machine.Allocator().AllocatedSize(5); !ok || size != 5 {
		t.Errorf("block at 5: size %d ok %v, want 5", size, ok)
	}
	s, err := machine.stringContents(5)
	if err != nil {
		t.Fatalf("stringContents: %v", err)
	}
	if s != "world" {
		t.Errorf("expected %q, got %q", "world", s)
	}
}

func TestNewVMRaisesCapacityToBlobLength(t *testing.T) {
	rom := &ROM{
		Constants:    []Value{StringValue(0)},
		Blob:         make([]byte, 512),
		Instructions: []Instruction{{Op: OpReturn}},
	}
	machine, err := NewVM(rom, Config{MemoryCapacity: 16})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	if got := machine.Memory().Capacity(); got != 512 {
		t.Errorf("expected capacity 512, got %d", got)
	}
}

func TestNewVMClearsCoverlessTags(t *testing.T) {
	// The object's tag address points at the end of the blob: an empty
	// tag set, which loads as an untagged object.
	obj := ObjectValue(0)
	obj.Tags = 16
	obj.HasTags = true
	blob := make([]byte, 16)
	rom := &ROM{
		Constants:    []Value{obj},
		Blob:         blob,
		Instructions: []Instruction{{Op: OpReturn}},
	}
	machine, err := NewVM(rom, Config{MemoryCapacity: 64})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	loaded := machine.Constants()[0]
	if loaded.HasTags {
		t.Errorf("expected tags cleared, got tags at %d", loaded.Tags)
	}
}
