package vm

import (
	"fmt"
	"strings"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("smoked.vm")

// DefaultStackSize is the operand stack capacity, in slots, when the
// manifest does not override it.
const DefaultStackSize = 256

// Config carries the runtime knobs a manifest or the CLI can set.
type Config struct {
	MemoryCapacity    int
	StackSize         int
	GCThresholdStep   int
	TraceInstructions bool
}

// VM executes smoked bytecode over a flat heap. It owns the Memory, the
// Allocator, the operand stack and the call frames; garbage collection
// roots are enumerated here and handed to the allocator, which does no
// tracing of its own.
type VM struct {
	mem   *Memory
	alloc *Allocator

	constants    []Value
	instructions []Instruction
	locations    []Location

	stack   []CompoundValue
	sp      int
	frames  []Frame
	globals map[int]CompoundValue

	// Values and raw addresses popped or allocated mid-instruction are
	// pinned so a collection triggered by a later Malloc in the same
	// instruction cannot reclaim them.
	pinned      []CompoundValue
	pinnedAddrs []int

	trace bool
}

// Execute runs a single instruction. It returns the executed instruction
// and whether execution should continue; runtime failures come back as
// *VMError annotated with the instruction's source location.
func (vm *VM) Execute() (Instruction, bool, error) {
	if vm.Done() {
		return Instruction{}, false, nil
	}
	frame := vm.currentFrame()
	// A function body that falls off the end of the program without a
	// Return leaves a live inner frame pointing past the last instruction.
	if frame.IP < 0 || frame.IP >= len(vm.instructions) {
		return Instruction{}, false,
			newVMErrorf(ErrIndexOutOfRange, "instruction pointer %d", frame.IP)
	}
	in := vm.instructions[frame.IP]
	frame.IP++
	if vm.trace {
		log.Debugf("ip=%d sp=%d %s", frame.IP-1, vm.sp, in)
	}
	err := vm.dispatch(frame, in)
	vm.pinned = vm.pinned[:0]
	vm.pinnedAddrs = vm.pinnedAddrs[:0]
	if err != nil {
		return in, false, vm.locate(err, in.Location)
	}
	return in, !vm.Done(), nil
}

// Run drives Execute until the program completes or fails.
func (vm *VM) Run() error {
	for {
		_, cont, err := vm.Execute()
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

// Done reports whether execution has finished: no frames remain, or the
// top frame ran past the last instruction.
func (vm *VM) Done() bool {
	if len(vm.frames) == 0 {
		return true
	}
	return len(vm.frames) == 1 && vm.frames[0].IP >= len(vm.instructions)
}

func (vm *VM) currentFrame() *Frame {
	return &vm.frames[len(vm.frames)-1]
}

// Stack returns the live operand stack, bottom first. Snapshots and the
// CLI's stack dump use it.
func (vm *VM) Stack() []CompoundValue {
	out := make([]CompoundValue, vm.sp)
	copy(out, vm.stack[:vm.sp])
	return out
}

// Globals returns a copy of the global bindings.
func (vm *VM) Globals() map[int]CompoundValue {
	out := make(map[int]CompoundValue, len(vm.globals))
	for k, v := range vm.globals {
		out[k] = v
	}
	return out
}

// Constants returns the constant pool.
func (vm *VM) Constants() []Value { return vm.constants }

// Instructions returns the decoded program.
func (vm *VM) Instructions() []Instruction { return vm.instructions }

// Locations returns the source-location table.
func (vm *VM) Locations() []Location { return vm.locations }

// Memory returns the VM's memory.
func (vm *VM) Memory() *Memory { return vm.mem }

// Allocator returns the VM's allocator.
func (vm *VM) Allocator() *Allocator { return vm.alloc }

// locate annotates a runtime error with the file and line the failing
// instruction came from.
func (vm *VM) locate(err error, location int) error {
	vmErr, ok := err.(*VMError)
	if !ok || location < 0 || location >= len(vm.locations) {
		return err
	}
	loc := vm.locations[location]
	file, ferr := vm.stringContents(loc.Address)
	if ferr != nil {
		return err
	}
	vmErr.File = file
	vmErr.Line = loc.Line
	return vmErr
}

// ----------------------------------------------------------------------------
// Stack discipline
// ----------------------------------------------------------------------------

func (vm *VM) push(cv CompoundValue) error {
	if vm.sp >= len(vm.stack) {
		return newVMError(ErrStackOverflow)
	}
	vm.stack[vm.sp] = cv
	vm.sp++
	return nil
}

func (vm *VM) pop() (CompoundValue, error) {
	if vm.sp == 0 {
		return CompoundValue{}, newVMError(ErrEmptyStack)
	}
	vm.sp--
	return vm.stack[vm.sp], nil
}

func (vm *VM) peek() (CompoundValue, error) {
	if vm.sp == 0 {
		return CompoundValue{}, newVMError(ErrEmptyStack)
	}
	return vm.stack[vm.sp-1], nil
}

// dereferencePop pops the top of the stack and chases Pointer cells until
// a non-pointer value surfaces. Reads are pointer-transparent; only the
// Set instructions inspect raw slots.
func (vm *VM) dereferencePop() (CompoundValue, error) {
	cv, err := vm.pop()
	if err != nil {
		return CompoundValue{}, err
	}
	return vm.chase(cv)
}

func (vm *VM) chase(cv CompoundValue) (CompoundValue, error) {
	for cv.Kind == CompoundSimple && cv.Value.Kind == KindPointer {
		loaded, err := vm.loadCompound(cv.Value.Addr)
		if err != nil {
			return CompoundValue{}, err
		}
		cv = loaded
	}
	return cv, nil
}

// pin shields values from garbage collection for the remainder of the
// current instruction.
func (vm *VM) pin(cvs ...CompoundValue) {
	vm.pinned = append(vm.pinned, cvs...)
}

// pinAddr shields a raw allocation that no live value references yet.
func (vm *VM) pinAddr(addr int) {
	vm.pinnedAddrs = append(vm.pinnedAddrs, addr)
}

// ----------------------------------------------------------------------------
// Heap helpers
// ----------------------------------------------------------------------------

// stringContents reads the full string allocated at addr, recovering its
// length from the allocator.
func (vm *VM) stringContents(addr int) (string, error) {
	size, ok := vm.alloc.AllocatedSize(addr)
	if !ok {
		return "", newVMErrorf(ErrUnallocatedAddress, "%d", addr)
	}
	s, err := vm.mem.StringAt(addr, size)
	if err != nil {
		return "", err
	}
	return s, nil
}

// allocString places s on the heap and returns a String value for it.
func (vm *VM) allocString(s string) (Value, error) {
	addr, err := vm.alloc.Malloc(len(s), vm.roots())
	if err != nil {
		return Value{}, err
	}
	if err := vm.mem.PutBytes(addr, []byte(s)); err != nil {
		return Value{}, err
	}
	return StringValue(addr), nil
}

// loadCompound reads a CompoundValue cell, materializing a Partial's bound
// arguments from their heap block.
func (vm *VM) loadCompound(addr int) (CompoundValue, error) {
	cv, argsAddr, argsLen, err := vm.mem.Compound(addr)
	if err != nil {
		return CompoundValue{}, err
	}
	if cv.Kind == CompoundPartial && argsLen > 0 {
		cv.Args = make([]Value, argsLen)
		for i := 0; i < argsLen; i++ {
			v, err := vm.mem.Value(argsAddr + i*ValueSize)
			if err != nil {
				return CompoundValue{}, err
			}
			cv.Args[i] = v
		}
	}
	return cv, nil
}

// storeCompound writes a CompoundValue cell at addr, materializing a
// Partial's bound arguments as a fresh heap block first.
func (vm *VM) storeCompound(addr int, cv CompoundValue) error {
	argsAddr, argsLen := 0, 0
	if cv.Kind == CompoundPartial && len(cv.Args) > 0 {
		vm.pin(cv)
		vm.pinAddr(addr)
		argsLen = len(cv.Args)
		a, err := vm.alloc.Malloc(argsLen*ValueSize, vm.roots())
		if err != nil {
			return err
		}
		argsAddr = a
		for i, v := range cv.Args {
			if err := vm.mem.PutValue(argsAddr+i*ValueSize, v); err != nil {
				return err
			}
		}
	}
	return vm.mem.PutCompound(addr, cv, argsAddr, argsLen)
}

// ----------------------------------------------------------------------------
// Dispatch
// ----------------------------------------------------------------------------

func (vm *VM) dispatch(frame *Frame, in Instruction) error {
	switch in.Op {

	// ======================== Stack and constants ========================

	case OpNoop:
		return nil

	case OpConstant:
		if in.Operand < 0 || in.Operand >= len(vm.constants) {
			return newVMErrorf(ErrInvalidConstant, "index %d", in.Operand)
		}
		return vm.push(Simple(vm.constants[in.Operand]))

	case OpNil:
		return vm.push(Simple(NilValue()))

	case OpTrue:
		return vm.push(Simple(BoolValue(true)))

	case OpFalse:
		return vm.push(Simple(BoolValue(false)))

	case OpPush:
		return vm.push(Simple(IntegerValue(int64(in.Operand))))

	case OpPop:
		_, err := vm.pop()
		return err

	case OpDuplicate:
		cv, err := vm.peek()
		if err != nil {
			return err
		}
		return vm.push(cv)

	case OpSwap:
		if vm.sp < 2 {
			return newVMError(ErrEmptyStack)
		}
		vm.stack[vm.sp-1], vm.stack[vm.sp-2] = vm.stack[vm.sp-2], vm.stack[vm.sp-1]
		return nil

	// ======================== Arithmetic ========================

	case OpPlus, OpMinus, OpMult, OpDiv:
		return vm.arithmetic(in.Op)

	case OpAbs:
		cv, err := vm.dereferencePop()
		if err != nil {
			return err
		}
		if cv.Kind != CompoundSimple || !cv.Value.IsNumber() {
			return newVMErrorf(ErrExpectedNumber, "got %s", cv)
		}
		v := cv.Value
		if v.Kind == KindInteger {
			if v.Int < 0 {
				v.Int = -v.Int
			}
		} else if v.Float < 0 {
			v.Float = -v.Float
		}
		return vm.push(Simple(v))

	// ======================== Comparison and logic ========================

	case OpEqual, OpNotEqual, OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		return vm.comparison(in.Op)

	case OpNot:
		cv, err := vm.dereferencePop()
		if err != nil {
			return err
		}
		return vm.push(Simple(BoolValue(!truthy(cv))))

	case OpAnd, OpOr:
		b, err := vm.dereferencePop()
		if err != nil {
			return err
		}
		a, err := vm.dereferencePop()
		if err != nil {
			return err
		}
		var result bool
		if in.Op == OpAnd {
			result = truthy(a) && truthy(b)
		} else {
			result = truthy(a) || truthy(b)
		}
		return vm.push(Simple(BoolValue(result)))

	// ======================== Strings ========================

	case OpStringConcat:
		return vm.stringConcat()

	case OpStrlen:
		cv, err := vm.dereferencePop()
		if err != nil {
			return err
		}
		if cv.Kind != CompoundSimple || cv.Value.Kind != KindString {
			return newVMErrorf(ErrExpectedString, "got %s", cv)
		}
		size, ok := vm.alloc.AllocatedSize(cv.Value.Addr)
		if !ok {
			return newVMErrorf(ErrUnallocatedAddress, "%d", cv.Value.Addr)
		}
		return vm.push(Simple(IntegerValue(int64(size))))

	case OpToStr:
		return vm.toStr()

	// ======================== Variables ========================

	case OpGetGlobal:
		cv, ok := vm.globals[in.Operand]
		if !ok {
			return newVMErrorf(ErrGlobalDoesntExist, "global %d", in.Operand)
		}
		cv, err := vm.chase(cv)
		if err != nil {
			return err
		}
		return vm.push(cv)

	case OpSetGlobal:
		cv, err := vm.peek()
		if err != nil {
			return err
		}
		if cur, ok := vm.globals[in.Operand]; ok &&
			cur.Kind == CompoundSimple && cur.Value.Kind == KindPointer {
			return vm.storeCompound(cur.Value.Addr, cv)
		}
		vm.globals[in.Operand] = cv
		return nil

	case OpGetLocal:
		slot := frame.StackOffset + in.Operand
		if slot < 0 || slot >= vm.sp {
			return newVMErrorf(ErrIndexOutOfRange, "local %d", in.Operand)
		}
		cv, err := vm.chase(vm.stack[slot])
		if err != nil {
			return err
		}
		return vm.push(cv)

	case OpSetLocal:
		cv, err := vm.peek()
		if err != nil {
			return err
		}
		slot := frame.StackOffset + in.Operand
		if slot < 0 || slot >= vm.sp {
			return newVMErrorf(ErrIndexOutOfRange, "local %d", in.Operand)
		}
		if cur := vm.stack[slot]; cur.Kind == CompoundSimple && cur.Value.Kind == KindPointer {
			return vm.storeCompound(cur.Value.Addr, cv)
		}
		vm.stack[slot] = cv
		return nil

	case OpUplift:
		return vm.uplift(frame, in.Operand)

	// ======================== Control flow ========================

	case OpJmpIfFalse:
		cv, err := vm.dereferencePop()
		if err != nil {
			return err
		}
		if !truthy(cv) {
			frame.IP += in.Operand
		}
		return nil

	case OpJmp:
		frame.IP += in.Operand
		return nil

	case OpLoop:
		frame.IP -= in.Operand
		return nil

	case OpCall:
		return vm.call()

	case OpReturn:
		return vm.ret()

	// ======================== Arrays ========================

	case OpArrayAlloc:
		return vm.arrayAlloc()

	case OpArrayGet:
		return vm.arrayGet()

	case OpArraySet:
		return vm.arraySet()

	case OpMultiArraySet:
		return vm.multiArraySet(in.Operand)

	case OpRepeatedArraySet:
		return vm.repeatedArraySet(in.Operand)

	case OpAttachArray:
		return vm.attachArray()

	// ======================== Objects and tags ========================

	case OpObjectAlloc:
		return vm.objectAlloc()

	case OpObjectGet:
		return vm.objectGet()

	case OpObjectSet:
		return vm.objectSet()

	case OpObjectHas:
		return vm.objectHas()

	case OpObjectMerge:
		return vm.objectMerge()

	case OpAddTag:
		return vm.addTag()

	case OpRemoveTag:
		return vm.removeTag()

	case OpCheckTag:
		return vm.checkTag()

	case OpCheckType:
		return vm.checkType(in.Operand)

	// ======================== Host interface ========================

	case OpSyscall:
		return vm.sysCall()

	default:
		return newVMErrorf(ErrInvalidConstant, "unimplemented opcode %s", in.Op)
	}
}

// ----------------------------------------------------------------------------
// Numeric instructions
// ----------------------------------------------------------------------------

// popTwoNumbers pops the two operands of a binary numeric instruction.
// The top of the stack is the left operand.
func (vm *VM) popTwoNumbers() (Value, Value, error) {
	a, err := vm.dereferencePop()
	if err != nil {
		return Value{}, Value{}, err
	}
	b, err := vm.dereferencePop()
	if err != nil {
		return Value{}, Value{}, err
	}
	if a.Kind != CompoundSimple || b.Kind != CompoundSimple ||
		!a.Value.IsNumber() || !b.Value.IsNumber() {
		return Value{}, Value{}, newVMErrorf(ErrExpectedNumbers, "got %s and %s", a, b)
	}
	return a.Value, b.Value, nil
}

func (vm *VM) arithmetic(op Opcode) error {
	a, b, err := vm.popTwoNumbers()
	if err != nil {
		return err
	}
	if a.Kind == KindInteger && b.Kind == KindInteger {
		var r int64
		switch op {
		case OpPlus:
			r = a.Int + b.Int
		case OpMinus:
			r = a.Int - b.Int
		case OpMult:
			r = a.Int * b.Int
		case OpDiv:
			if b.Int == 0 {
				return newVMErrorf(ErrExpectedNumbers, "division by zero")
			}
			r = a.Int / b.Int
		}
		return vm.push(Simple(IntegerValue(r)))
	}
	af, bf := a.AsFloat(), b.AsFloat()
	var r float32
	switch op {
	case OpPlus:
		r = af + bf
	case OpMinus:
		r = af - bf
	case OpMult:
		r = af * bf
	case OpDiv:
		r = af / bf
	}
	return vm.push(Simple(FloatValue(r)))
}

// comparison implements all six comparison instructions over one pair
// table. The top of the stack is the left operand.
func (vm *VM) comparison(op Opcode) error {
	a, err := vm.dereferencePop()
	if err != nil {
		return err
	}
	b, err := vm.dereferencePop()
	if err != nil {
		return err
	}
	r, err := vm.compare(op, a, b)
	if err != nil {
		return err
	}
	return vm.push(Simple(BoolValue(r)))
}

// compare applies op to the pair: numeric pairs compare numerically with
// Integer/Float promotion, a Bool operand coerces the other side to its
// truthiness (the Bool stays on the left regardless of stack order),
// string pairs compare by dereferenced content, and every unhandled pair,
// Nil against Nil included, yields false for all six operators.
func (vm *VM) compare(op Opcode, a, b CompoundValue) (bool, error) {
	av, bv := a.Value, b.Value
	aSimple := a.Kind == CompoundSimple
	bSimple := b.Kind == CompoundSimple
	switch {
	case aSimple && bSimple && av.IsNumber() && bv.IsNumber():
		if av.Kind == KindInteger && bv.Kind == KindInteger {
			return compareInts(op, av.Int, bv.Int), nil
		}
		return compareFloats(op, av.AsFloat(), bv.AsFloat()), nil
	case aSimple && av.Kind == KindBool:
		return compareBools(op, av.Bool, truthy(b)), nil
	case bSimple && bv.Kind == KindBool:
		return compareBools(op, bv.Bool, truthy(a)), nil
	case aSimple && bSimple && av.Kind == KindString && bv.Kind == KindString:
		left, err := vm.stringContents(av.Addr)
		if err != nil {
			return false, err
		}
		right, err := vm.stringContents(bv.Addr)
		if err != nil {
			return false, err
		}
		return compareInts(op, int64(strings.Compare(left, right)), 0), nil
	default:
		return false, nil
	}
}

func compareInts(op Opcode, a, b int64) bool {
	switch op {
	case OpEqual:
		return a == b
	case OpNotEqual:
		return a != b
	case OpGreater:
		return a > b
	case OpGreaterEqual:
		return a >= b
	case OpLess:
		return a < b
	case OpLessEqual:
		return a <= b
	}
	return false
}

func compareFloats(op Opcode, a, b float32) bool {
	switch op {
	case OpEqual:
		return a == b
	case OpNotEqual:
		return a != b
	case OpGreater:
		return a > b
	case OpGreaterEqual:
		return a >= b
	case OpLess:
		return a < b
	case OpLessEqual:
		return a <= b
	}
	return false
}

// compareBools orders false before true.
func compareBools(op Opcode, a, b bool) bool {
	return compareInts(op, boolWord(a), boolWord(b))
}

func boolWord(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// truthy extends Value truthiness to compounds; a partial application is
// always truthy.
func truthy(cv CompoundValue) bool {
	if cv.Kind == CompoundPartial {
		return true
	}
	return cv.Value.Truthy()
}

// ----------------------------------------------------------------------------
// String instructions
// ----------------------------------------------------------------------------

func (vm *VM) stringConcat() error {
	b, err := vm.dereferencePop()
	if err != nil {
		return err
	}
	a, err := vm.dereferencePop()
	if err != nil {
		return err
	}
	if a.Kind != CompoundSimple || b.Kind != CompoundSimple ||
		a.Value.Kind != KindString || b.Value.Kind != KindString {
		return newVMErrorf(ErrExpectedStrings, "got %s and %s", a, b)
	}
	left, err := vm.stringContents(a.Value.Addr)
	if err != nil {
		return err
	}
	right, err := vm.stringContents(b.Value.Addr)
	if err != nil {
		return err
	}
	vm.pin(a, b)
	s, err := vm.allocString(left + right)
	if err != nil {
		return err
	}
	return vm.push(Simple(s))
}

func (vm *VM) toStr() error {
	cv, err := vm.dereferencePop()
	if err != nil {
		return err
	}
	if cv.Kind == CompoundSimple && cv.Value.Kind == KindString {
		return vm.push(cv)
	}
	var rendered string
	if cv.Kind == CompoundPartial {
		rendered = cv.String()
	} else {
		rendered = cv.Value.String()
	}
	vm.pin(cv)
	s, err := vm.allocString(rendered)
	if err != nil {
		return err
	}
	return vm.push(Simple(s))
}

// ----------------------------------------------------------------------------
// Calls and frames
// ----------------------------------------------------------------------------

func (vm *VM) call() error {
	callee, err := vm.dereferencePop()
	if err != nil {
		return err
	}
	switch {
	case callee.Kind == CompoundPartial:
		return vm.callPartial(callee)
	case callee.Value.Kind == KindFunction:
		return vm.callFunction(callee.Value)
	case callee.Value.Kind == KindObject:
		// Invoking an object instantiates a copy of it.
		vm.pin(callee)
		obj, err := vm.createObject(callee.Value)
		if err != nil {
			return err
		}
		return vm.push(Simple(obj))
	default:
		return newVMErrorf(ErrExpectedFunction, "got %s", callee)
	}
}

func (vm *VM) callFunction(fn Value) error {
	if vm.sp < fn.Arity {
		return newVMErrorf(ErrNotEnoughArguments, "need %d, have %d", fn.Arity, vm.sp)
	}
	base := vm.sp - fn.Arity
	vm.frames = append(vm.frames, Frame{
		IP:          fn.IP,
		StackOffset: base,
		Arity:       fn.Arity,
	})
	// Captured values live above the arguments, in slot order.
	if fn.HasUplifts {
		size, ok := vm.alloc.AllocatedSize(fn.Uplifts)
		if !ok {
			return newVMErrorf(ErrUnallocatedAddress, "%d", fn.Uplifts)
		}
		for i := 0; i < size/CompoundSize; i++ {
			cv, err := vm.loadCompound(fn.Uplifts + i*CompoundSize)
			if err != nil {
				return err
			}
			if err := vm.push(cv); err != nil {
				return err
			}
		}
	}
	return nil
}

// callPartial inserts the bound arguments underneath the arguments already
// on the stack, then enters the underlying function.
func (vm *VM) callPartial(p CompoundValue) error {
	fn := p.Value
	if fn.Kind != KindFunction {
		return newVMErrorf(ErrExpectedFunction, "got %s", p)
	}
	bound := len(p.Args)
	provided := fn.Arity - bound
	if provided < 0 || vm.sp < provided {
		return newVMErrorf(ErrNotEnoughArguments, "need %d, have %d", provided, vm.sp)
	}
	if vm.sp+bound > len(vm.stack) {
		return newVMError(ErrStackOverflow)
	}
	base := vm.sp - provided
	copy(vm.stack[base+bound:vm.sp+bound], vm.stack[base:vm.sp])
	for i, arg := range p.Args {
		vm.stack[base+i] = Simple(arg)
	}
	vm.sp += bound
	return vm.callFunction(fn)
}

// ret pops the current frame. A single value above the frame's argument
// slots survives as the call's result.
func (vm *VM) ret() error {
	frame := vm.frames[len(vm.frames)-1]
	vm.frames = vm.frames[:len(vm.frames)-1]
	var result CompoundValue
	hasResult := vm.sp > frame.StackOffset+frame.Arity
	if hasResult {
		result = vm.stack[vm.sp-1]
	}
	vm.sp = frame.StackOffset
	if hasResult {
		return vm.push(result)
	}
	return nil
}

// uplift boxes the local in slot n into a heap cell so closures can share
// a mutable binding with the frame that created it.
func (vm *VM) uplift(frame *Frame, n int) error {
	slot := frame.StackOffset + n
	if slot < 0 || slot >= vm.sp {
		return newVMErrorf(ErrIndexOutOfRange, "local %d", n)
	}
	cur := vm.stack[slot]
	vm.pin(cur)
	addr, err := vm.alloc.Malloc(CompoundSize, vm.roots())
	if err != nil {
		return err
	}
	if err := vm.storeCompound(addr, cur); err != nil {
		return err
	}
	vm.stack[slot] = Simple(PointerValue(addr))
	return nil
}

func (vm *VM) attachArray() error {
	arr, err := vm.dereferencePop()
	if err != nil {
		return err
	}
	fn, err := vm.dereferencePop()
	if err != nil {
		return err
	}
	if arr.Kind != CompoundSimple || arr.Value.Kind != KindArray {
		return newVMErrorf(ErrExpectedArray, "got %s", arr)
	}
	if fn.Kind != CompoundSimple || fn.Value.Kind != KindFunction {
		return newVMErrorf(ErrExpectedFunction, "got %s", fn)
	}
	v := fn.Value
	v.Uplifts = arr.Value.Addr
	v.HasUplifts = true
	return vm.push(Simple(v))
}

// ----------------------------------------------------------------------------
// Arrays
// ----------------------------------------------------------------------------

func (vm *VM) popArray() (Value, error) {
	cv, err := vm.dereferencePop()
	if err != nil {
		return Value{}, err
	}
	if cv.Kind != CompoundSimple || cv.Value.Kind != KindArray {
		return Value{}, newVMErrorf(ErrExpectedArray, "got %s", cv)
	}
	return cv.Value, nil
}

func (vm *VM) popInteger() (int, error) {
	cv, err := vm.dereferencePop()
	if err != nil {
		return 0, err
	}
	if cv.Kind != CompoundSimple || cv.Value.Kind != KindInteger {
		return 0, newVMErrorf(ErrExpectedNumber, "got %s", cv)
	}
	return int(cv.Value.Int), nil
}

func (vm *VM) arrayAlloc() error {
	capacity, err := vm.popInteger()
	if err != nil {
		return err
	}
	if capacity < 0 {
		return newVMErrorf(ErrIndexOutOfRange, "capacity %d", capacity)
	}
	addr, err := vm.alloc.Malloc(capacity*CompoundSize, vm.roots())
	if err != nil {
		return err
	}
	// Reused chunks carry stale bytes; every slot starts as nil.
	for i := 0; i < capacity; i++ {
		if err := vm.mem.PutCompound(addr+i*CompoundSize, Simple(NilValue()), 0, 0); err != nil {
			return err
		}
	}
	return vm.push(Simple(ArrayValue(capacity, addr)))
}

func (vm *VM) arraySlot(arr Value, index int) (int, error) {
	if index < 0 || index >= arr.Cap {
		return 0, newVMErrorf(ErrIndexOutOfRange, "index %d, capacity %d", index, arr.Cap)
	}
	return arr.Addr + index*CompoundSize, nil
}

func (vm *VM) arrayGet() error {
	index, err := vm.popInteger()
	if err != nil {
		return err
	}
	arr, err := vm.popArray()
	if err != nil {
		return err
	}
	slot, err := vm.arraySlot(arr, index)
	if err != nil {
		return err
	}
	cv, err := vm.loadCompound(slot)
	if err != nil {
		return err
	}
	return vm.push(cv)
}

func (vm *VM) arraySet() error {
	value, err := vm.dereferencePop()
	if err != nil {
		return err
	}
	index, err := vm.popInteger()
	if err != nil {
		return err
	}
	arr, err := vm.popArray()
	if err != nil {
		return err
	}
	slot, err := vm.arraySlot(arr, index)
	if err != nil {
		return err
	}
	vm.pin(Simple(arr))
	if err := vm.storeCompound(slot, value); err != nil {
		return err
	}
	return vm.push(value)
}

// multiArraySet writes n popped values into consecutive slots starting at
// a popped index; the topmost popped value lands last.
func (vm *VM) multiArraySet(n int) error {
	if vm.sp < n {
		return newVMError(ErrEmptyStack)
	}
	values := make([]CompoundValue, n)
	for i := n - 1; i >= 0; i-- {
		cv, err := vm.dereferencePop()
		if err != nil {
			return err
		}
		values[i] = cv
	}
	start, err := vm.popInteger()
	if err != nil {
		return err
	}
	arr, err := vm.popArray()
	if err != nil {
		return err
	}
	vm.pin(Simple(arr))
	vm.pin(values...)
	for i, cv := range values {
		slot, err := vm.arraySlot(arr, start+i)
		if err != nil {
			return err
		}
		if err := vm.storeCompound(slot, cv); err != nil {
			return err
		}
	}
	return nil
}

// repeatedArraySet writes one popped value into n consecutive slots
// starting at a popped index.
func (vm *VM) repeatedArraySet(n int) error {
	value, err := vm.dereferencePop()
	if err != nil {
		return err
	}
	start, err := vm.popInteger()
	if err != nil {
		return err
	}
	arr, err := vm.popArray()
	if err != nil {
		return err
	}
	vm.pin(Simple(arr), value)
	for i := 0; i < n; i++ {
		slot, err := vm.arraySlot(arr, start+i)
		if err != nil {
			return err
		}
		if err := vm.storeCompound(slot, value); err != nil {
			return err
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Type checks
// ----------------------------------------------------------------------------

func (vm *VM) checkType(tag int) error {
	cv, err := vm.dereferencePop()
	if err != nil {
		return err
	}
	var got int
	if cv.Kind == CompoundPartial {
		got = TagFunction
	} else {
		got = cv.Value.constantTag()
	}
	return vm.push(Simple(BoolValue(got == tag)))
}

func (vm *VM) String() string {
	return fmt.Sprintf("vm{frames:%d sp:%d constants:%d instructions:%d}",
		len(vm.frames), vm.sp, len(vm.constants), len(vm.instructions))
}
