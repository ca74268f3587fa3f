package vm

import (
	"errors"
	"testing"
)

func TestObjectSetAndGet(t *testing.T) {
	machine := runProgram(t, stringsROM([]Instruction{
		{Op: OpPush, Operand: 1},
		{Op: OpObjectAlloc},
		{Op: OpDuplicate},
		{Op: OpConstant, Operand: 0},
		{Op: OpPush, Operand: 5},
		{Op: OpObjectSet},
		{Op: OpPop},
		{Op: OpConstant, Operand: 0},
		{Op: OpObjectGet},
	}, "k"))
	if got := topInteger(t, machine); got != 5 {
		t.Errorf("expected property value 5, got %d", got)
	}
}

func TestObjectGetMissingProperty(t *testing.T) {
	machine := buildVM(t, stringsROM([]Instruction{
		{Op: OpPush, Operand: 1},
		{Op: OpObjectAlloc},
		{Op: OpConstant, Operand: 0},
		{Op: OpObjectGet},
	}, "missing"), Config{})
	err := machine.Run()
	var vmErr *VMError
	if !errors.As(err, &vmErr) || vmErr.Kind != ErrPropertyDoesntExist {
		t.Fatalf("expected missing property error, got %v", err)
	}
}

func TestObjectHas(t *testing.T) {
	machine := runProgram(t, stringsROM([]Instruction{
		{Op: OpPush, Operand: 1},
		{Op: OpObjectAlloc},
		{Op: OpDuplicate},
		{Op: OpConstant, Operand: 0},
		{Op: OpPush, Operand: 1},
		{Op: OpObjectSet},
		{Op: OpPop},
		{Op: OpDuplicate},
		{Op: OpConstant, Operand: 0},
		{Op: OpObjectHas},
		{Op: OpSwap},
		{Op: OpConstant, Operand: 1},
		{Op: OpObjectHas},
		{Op: OpAnd},
	}, "present", "absent"))
	// present && !absent: the And of has("present") and has("absent")
	// must be false, proving the second lookup missed.
	if topBool(t, machine) {
		t.Error("expected has(absent) to be false")
	}
}

func TestFunctionPropertyBecomesMethod(t *testing.T) {
	// Reading a function property binds the object as the first argument;
	// calling the resulting partial with one more argument runs the body.
	rom := stringsROM([]Instruction{
		{Op: OpJmp, Operand: 4},
		{Op: OpGetLocal, Operand: 1},
		{Op: OpPush, Operand: 10},
		{Op: OpPlus},
		{Op: OpReturn},
		{Op: OpPush, Operand: 1},
		{Op: OpObjectAlloc},
		{Op: OpDuplicate},
		{Op: OpConstant, Operand: 0},
		{Op: OpConstant, Operand: 1},
		{Op: OpObjectSet},
		{Op: OpPop},
		{Op: OpConstant, Operand: 0},
		{Op: OpObjectGet},
		{Op: OpPush, Operand: 32},
		{Op: OpSwap},
		{Op: OpCall},
	}, "m")
	rom.Constants = append(rom.Constants, FunctionValue(1, 2))
	machine := runProgram(t, rom)
	stack := machine.Stack()
	if len(stack) != 1 || stack[0].Value.Int != 42 {
		t.Errorf("expected method result 42, got %v", stack)
	}
}

func TestObjectMerge(t *testing.T) {
	// first {a:1}, second {a:99, b:2}: the merge keeps the first
	// operand's a and adds b.
	machine := runProgram(t, stringsROM([]Instruction{
		{Op: OpPush, Operand: 1},
		{Op: OpObjectAlloc},
		{Op: OpDuplicate},
		{Op: OpConstant, Operand: 0},
		{Op: OpPush, Operand: 1},
		{Op: OpObjectSet},
		{Op: OpPop},
		{Op: OpSetGlobal, Operand: 0},
		{Op: OpPop},
		{Op: OpPush, Operand: 2},
		{Op: OpObjectAlloc},
		{Op: OpDuplicate},
		{Op: OpConstant, Operand: 0},
		{Op: OpPush, Operand: 99},
		{Op: OpObjectSet},
		{Op: OpPop},
		{Op: OpDuplicate},
		{Op: OpConstant, Operand: 1},
		{Op: OpPush, Operand: 2},
		{Op: OpObjectSet},
		{Op: OpPop},
		{Op: OpSetGlobal, Operand: 1},
		{Op: OpPop},
		{Op: OpGetGlobal, Operand: 0},
		{Op: OpGetGlobal, Operand: 1},
		{Op: OpObjectMerge},
		{Op: OpDuplicate},
		{Op: OpConstant, Operand: 0},
		{Op: OpObjectGet},
		{Op: OpSwap},
		{Op: OpConstant, Operand: 1},
		{Op: OpObjectGet},
		{Op: OpPlus},
	}, "a", "b"))
	if got := topInteger(t, machine); got != 3 {
		t.Errorf("expected a=1 + b=2 from merge, got %d", got)
	}
}

func TestTags(t *testing.T) {
	machine := runProgram(t, stringsROM([]Instruction{
		{Op: OpPush, Operand: 0},
		{Op: OpObjectAlloc},
		{Op: OpConstant, Operand: 0},
		{Op: OpAddTag},
		{Op: OpConstant, Operand: 0},
		{Op: OpCheckTag},
	}, "hot"))
	if !topBool(t, machine) {
		t.Error("expected tag to be present after AddTag")
	}
}

func TestRemoveTag(t *testing.T) {
	machine := runProgram(t, stringsROM([]Instruction{
		{Op: OpPush, Operand: 0},
		{Op: OpObjectAlloc},
		{Op: OpConstant, Operand: 0},
		{Op: OpAddTag},
		{Op: OpConstant, Operand: 1},
		{Op: OpAddTag},
		{Op: OpConstant, Operand: 0},
		{Op: OpRemoveTag},
		{Op: OpDuplicate},
		{Op: OpConstant, Operand: 0},
		{Op: OpCheckTag},
		{Op: OpSwap},
		{Op: OpConstant, Operand: 1},
		{Op: OpCheckTag},
	}, "hot", "cold"))
	stack := machine.Stack()
	if len(stack) != 2 {
		t.Fatalf("expected two results, got %v", stack)
	}
	if stack[0].Value.Bool {
		t.Error("removed tag still present")
	}
	if !stack[1].Value.Bool {
		t.Error("unrelated tag was lost")
	}
}

func TestAddTagIsIdempotent(t *testing.T) {
	machine := runProgram(t, stringsROM([]Instruction{
		{Op: OpPush, Operand: 0},
		{Op: OpObjectAlloc},
		{Op: OpConstant, Operand: 0},
		{Op: OpAddTag},
		{Op: OpConstant, Operand: 0},
		{Op: OpAddTag},
	}, "hot"))
	obj := top(t, machine).Value
	if !obj.HasTags {
		t.Fatal("expected a tagged object")
	}
	size, ok := machine.Allocator().AllocatedSize(obj.Tags)
	if !ok {
		t.Fatal("tag block is not allocated")
	}
	if size != WordSize {
		t.Fatalf("tag block holds %d entries after a repeated add, want 1", size/WordSize)
	}
	entry, err := machine.Memory().Word(obj.Tags)
	if err != nil {
		t.Fatalf("reading tag entry: %v", err)
	}
	if want := machine.Constants()[0].Addr; entry != want {
		t.Errorf("tag entry = %d, want the tag string address %d", entry, want)
	}
}

func TestTagIdentityIsByAddress(t *testing.T) {
	// Equal text at a distinct heap address is a different tag.
	machine := runProgram(t, stringsROM([]Instruction{
		{Op: OpPush, Operand: 0},
		{Op: OpObjectAlloc},
		{Op: OpConstant, Operand: 0},
		{Op: OpAddTag},
		{Op: OpConstant, Operand: 1},
		{Op: OpCheckTag},
	}, "hot", "hot"))
	if topBool(t, machine) {
		t.Error("a tag with the same content at another address must not match")
	}
}

func TestObjectMergeUnionsTags(t *testing.T) {
	// first tagged {a, b}, second tagged {b, c}: the merge carries the
	// address-sorted union {a, b, c}.
	machine := runProgram(t, stringsROM([]Instruction{
		{Op: OpPush, Operand: 0},
		{Op: OpObjectAlloc},
		{Op: OpConstant, Operand: 0},
		{Op: OpAddTag},
		{Op: OpConstant, Operand: 1},
		{Op: OpAddTag},
		{Op: OpSetGlobal, Operand: 0},
		{Op: OpPop},
		{Op: OpPush, Operand: 0},
		{Op: OpObjectAlloc},
		{Op: OpConstant, Operand: 1},
		{Op: OpAddTag},
		{Op: OpConstant, Operand: 2},
		{Op: OpAddTag},
		{Op: OpSetGlobal, Operand: 1},
		{Op: OpPop},
		{Op: OpGetGlobal, Operand: 0},
		{Op: OpGetGlobal, Operand: 1},
		{Op: OpObjectMerge},
	}, "a", "b", "c"))
	merged := top(t, machine).Value
	if !merged.HasTags {
		t.Fatal("expected the merged object to carry tags")
	}
	size, ok := machine.Allocator().AllocatedSize(merged.Tags)
	if !ok {
		t.Fatal("tag block is not allocated")
	}
	if got := size / WordSize; got != 3 {
		t.Fatalf("tag union holds %d entries, want 3", got)
	}
	for i, c := range machine.Constants()[:3] {
		entry, err := machine.Memory().Word(merged.Tags + i*WordSize)
		if err != nil {
			t.Fatalf("tag entry %d: %v", i, err)
		}
		if entry != c.Addr {
			t.Errorf("tag entry %d = %d, want %d", i, entry, c.Addr)
		}
	}
}

func TestRemoveAbsentTagIsNoop(t *testing.T) {
	machine := runProgram(t, stringsROM([]Instruction{
		{Op: OpPush, Operand: 0},
		{Op: OpObjectAlloc},
		{Op: OpConstant, Operand: 0},
		{Op: OpRemoveTag},
		{Op: OpConstant, Operand: 0},
		{Op: OpCheckTag},
	}, "ghost"))
	if topBool(t, machine) {
		t.Error("expected tag to stay absent")
	}
}

// ----------------------------------------------------------------------------
// Properties block algorithm
// ----------------------------------------------------------------------------

// propsVM builds an idle machine with room to exercise the heap directly.
func propsVM(t *testing.T) *VM {
	t.Helper()
	machine := buildVM(t, &ROM{Instructions: []Instruction{{Op: OpReturn}}},
		Config{MemoryCapacity: 4096})
	// These tests hold objects in plain Go variables, invisible to the
	// root walk, so collection has to stay off.
	machine.alloc.SetGCThreshold(1 << 30)
	return machine
}

func (vm *VM) mustSet(t *testing.T, obj Value, key string, value Value) {
	t.Helper()
	keyVal, err := vm.allocString(key)
	if err != nil {
		t.Fatalf("allocString(%q): %v", key, err)
	}
	if err := vm.setProperty(obj, keyVal, key, value); err != nil {
		t.Fatalf("setProperty(%q): %v", key, err)
	}
}

func (vm *VM) mustGet(t *testing.T, obj Value, key string) Value {
	t.Helper()
	block, length, err := vm.propsBlock(obj)
	if err != nil {
		t.Fatalf("propsBlock: %v", err)
	}
	index, found, err := vm.findProperty(block, length, key)
	if err != nil {
		t.Fatalf("findProperty(%q): %v", key, err)
	}
	if !found {
		t.Fatalf("property %q not found", key)
	}
	v, err := vm.mem.Value(propEntryAddr(block, index) + WordSize)
	if err != nil {
		t.Fatalf("reading property %q: %v", key, err)
	}
	return v
}

func TestPropertiesGrowBeyondInitialCapacity(t *testing.T) {
	machine := propsVM(t)
	obj, err := machine.newObject(1)
	if err != nil {
		t.Fatalf("newObject: %v", err)
	}
	keys := []string{"delta", "alpha", "echo", "bravo", "charlie"}
	for i, k := range keys {
		machine.mustSet(t, obj, k, IntegerValue(int64(i)))
	}
	for i, k := range keys {
		if got := machine.mustGet(t, obj, k); got.Int != int64(i) {
			t.Errorf("%s: got %d, want %d", k, got.Int, i)
		}
	}
}

func TestPropertiesStaySorted(t *testing.T) {
	machine := propsVM(t)
	obj, err := machine.newObject(2)
	if err != nil {
		t.Fatalf("newObject: %v", err)
	}
	for _, k := range []string{"zulu", "alpha", "mike"} {
		machine.mustSet(t, obj, k, NilValue())
	}
	block, length, err := machine.propsBlock(obj)
	if err != nil {
		t.Fatalf("propsBlock: %v", err)
	}
	if length != 3 {
		t.Fatalf("expected 3 entries, got %d", length)
	}
	var prev string
	for i := 0; i < length; i++ {
		keyAddr, err := machine.mem.Word(propEntryAddr(block, i))
		if err != nil {
			t.Fatalf("entry %d: %v", i, err)
		}
		key, err := machine.stringContents(keyAddr)
		if err != nil {
			t.Fatalf("entry %d key: %v", i, err)
		}
		if i > 0 && key <= prev {
			t.Errorf("entries out of order: %q after %q", key, prev)
		}
		prev = key
	}
}

func TestUpdateDoesNotGrow(t *testing.T) {
	machine := propsVM(t)
	obj, err := machine.newObject(1)
	if err != nil {
		t.Fatalf("newObject: %v", err)
	}
	machine.mustSet(t, obj, "x", IntegerValue(1))
	blockBefore, _, err := machine.propsBlock(obj)
	if err != nil {
		t.Fatalf("propsBlock: %v", err)
	}
	machine.mustSet(t, obj, "x", IntegerValue(2))
	blockAfter, length, err := machine.propsBlock(obj)
	if err != nil {
		t.Fatalf("propsBlock: %v", err)
	}
	if blockAfter != blockBefore {
		t.Error("in-place update must not reallocate the block")
	}
	if length != 1 {
		t.Errorf("expected a single entry, got %d", length)
	}
	if got := machine.mustGet(t, obj, "x"); got.Int != 2 {
		t.Errorf("expected updated value 2, got %d", got.Int)
	}
}

func TestGrowthRepointsCellAndLeavesOldBlockToCollector(t *testing.T) {
	machine := propsVM(t)
	obj, err := machine.newObject(1)
	if err != nil {
		t.Fatalf("newObject: %v", err)
	}
	oldBlock, _, err := machine.propsBlock(obj)
	if err != nil {
		t.Fatalf("propsBlock: %v", err)
	}
	machine.mustSet(t, obj, "a", IntegerValue(1))
	machine.mustSet(t, obj, "b", IntegerValue(2))
	newBlock, _, err := machine.propsBlock(obj)
	if err != nil {
		t.Fatalf("propsBlock: %v", err)
	}
	if newBlock == oldBlock {
		t.Error("expected the indirection cell to point at a new block")
	}
	// The outgrown block is not freed in place; it lingers until the
	// next collection, which no longer reaches it from the cell.
	if _, ok := machine.alloc.AllocatedSize(oldBlock); !ok {
		t.Error("outgrown block must stay allocated until a collection runs")
	}
	// Clear the per-instruction pins as Execute does at the end of each
	// instruction; otherwise newObject's pinAddr keeps the old block rooted.
	machine.pinned = machine.pinned[:0]
	machine.pinnedAddrs = machine.pinnedAddrs[:0]
	machine.pin(Simple(obj))
	machine.alloc.CollectGarbage(machine.roots())
	if _, ok := machine.alloc.AllocatedSize(oldBlock); ok {
		t.Error("collection did not reclaim the outgrown block")
	}
	if _, ok := machine.alloc.AllocatedSize(newBlock); !ok {
		t.Error("collection reclaimed the live properties block")
	}
}

func TestObjectInvocationCopiesProperties(t *testing.T) {
	machine := propsVM(t)
	obj, err := machine.newObject(1)
	if err != nil {
		t.Fatalf("newObject: %v", err)
	}
	machine.mustSet(t, obj, "n", IntegerValue(7))
	clone, err := machine.createObject(obj)
	if err != nil {
		t.Fatalf("createObject: %v", err)
	}
	if clone.Addr == obj.Addr {
		t.Fatal("clone shares the original's indirection cell")
	}
	// Writes to the clone must not leak into the original.
	machine.mustSet(t, clone, "n", IntegerValue(8))
	if got := machine.mustGet(t, obj, "n"); got.Int != 7 {
		t.Errorf("original changed: got %d, want 7", got.Int)
	}
	if got := machine.mustGet(t, clone, "n"); got.Int != 8 {
		t.Errorf("clone: got %d, want 8", got.Int)
	}
}
