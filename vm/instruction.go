package vm

import (
	"encoding/binary"
	"fmt"
)

// Opcode identifies a bytecode instruction.
// The numbering is part of the ROM format and must not be reordered.
type Opcode byte

const (
	// ========================================================================
	// Core (0-17)
	// ========================================================================

	OpReturn       Opcode = 0  // Pop frame, keeping at most one result value
	OpConstant     Opcode = 1  // Push constant from pool: OpConstant <index>
	OpPlus         Opcode = 2  // Pop two numbers, push sum
	OpMinus        Opcode = 3  // Pop two numbers, push difference
	OpMult         Opcode = 4  // Pop two numbers, push product
	OpDiv          Opcode = 5  // Pop two numbers, push quotient
	OpNil          Opcode = 6  // Push nil
	OpTrue         Opcode = 7  // Push true
	OpFalse        Opcode = 8  // Push false
	OpNot          Opcode = 9  // Pop one, push logical negation
	OpEqual        Opcode = 10 // Pop two, push equality (nil == nil is false)
	OpNotEqual     Opcode = 11 // Pop two, push inequality
	OpGreater      Opcode = 12 // Pop two numbers, push a > b
	OpGreaterEqual Opcode = 13 // Pop two numbers, push a >= b
	OpLess         Opcode = 14 // Pop two numbers, push a < b
	OpLessEqual    Opcode = 15 // Pop two numbers, push a <= b
	OpStringConcat Opcode = 16 // Pop two strings, push concatenation
	OpSyscall      Opcode = 17 // Pop argc, syscall number and args, push result

	// ========================================================================
	// Variables (18-21)
	// ========================================================================

	OpGetGlobal Opcode = 18 // Push global: OpGetGlobal <index>
	OpSetGlobal Opcode = 19 // Peek top into global: OpSetGlobal <index>
	OpGetLocal  Opcode = 20 // Push frame-relative slot: OpGetLocal <slot>
	OpSetLocal  Opcode = 21 // Peek top into slot: OpSetLocal <slot>

	// ========================================================================
	// Control flow and calls (22-25)
	// ========================================================================

	OpJmpIfFalse Opcode = 22 // Pop condition, jump forward when falsy: OpJmpIfFalse <offset>
	OpJmp        Opcode = 23 // Jump forward: OpJmp <offset>
	OpLoop       Opcode = 24 // Jump backward: OpLoop <offset>
	OpCall       Opcode = 25 // Pop callee, enter frame over the topmost arity values

	// ========================================================================
	// Arrays and objects (26-31)
	// ========================================================================

	OpArrayAlloc  Opcode = 26 // Pop capacity, push fresh array
	OpArrayGet    Opcode = 27 // Pop index and array, push element
	OpArraySet    Opcode = 28 // Pop value, index, array; store; push value
	OpObjectAlloc Opcode = 29 // Pop capacity, push fresh empty object
	OpObjectGet   Opcode = 30 // Pop key and object, push property value
	OpObjectSet   Opcode = 31 // Pop value, key, object; store; push value

	// ========================================================================
	// Misc (32-41)
	// ========================================================================

	OpAnd              Opcode = 32 // Pop two, push logical and
	OpOr               Opcode = 33 // Pop two, push logical or
	OpAbs              Opcode = 34 // Pop number, push absolute value
	OpMultiArraySet    Opcode = 35 // Pop n values and array, store from index 0: OpMultiArraySet <n>
	OpPush             Opcode = 36 // Push integer operand: OpPush <n>
	OpPop              Opcode = 37 // Pop and discard top of stack
	OpRepeatedArraySet Opcode = 38 // Pop value and array, store into first n slots: OpRepeatedArraySet <n>
	OpStrlen           Opcode = 39 // Pop string, push its byte length
	OpSwap             Opcode = 40 // Swap top two stack elements
	OpToStr            Opcode = 41 // Pop value, push its string rendering

	// ========================================================================
	// In-memory only (42-50): emitted by tooling, never stored in a ROM
	// ========================================================================

	OpObjectHas   Opcode = 42 // Pop key and object, push presence bool
	OpAddTag      Opcode = 43 // Pop tag and object, attach tag
	OpCheckTag    Opcode = 44 // Pop tag and object, push presence bool
	OpObjectMerge Opcode = 45 // Pop two objects, push merged object
	OpRemoveTag   Opcode = 46 // Pop tag and object, detach tag
	OpDuplicate   Opcode = 47 // Duplicate top of stack
	OpAttachArray Opcode = 48 // Pop array and function, attach as uplift block
	OpCheckType   Opcode = 49 // Pop value, push kind match bool: OpCheckType <tag>
	OpUplift      Opcode = 50 // Capture n stack values into callee uplifts: OpUplift <n>

	OpNoop Opcode = 255 // No operation
)

// OpcodeInfo provides metadata about each opcode for decoding and debugging.
type OpcodeInfo struct {
	Name       string // Assembler mnemonic
	HasOperand bool   // Whether an 8-byte operand follows the opcode
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpReturn:       {"RETURN", false},
	OpConstant:     {"CONSTANT", true},
	OpPlus:         {"PLUS", false},
	OpMinus:        {"MINUS", false},
	OpMult:         {"MULT", false},
	OpDiv:          {"DIV", false},
	OpNil:          {"NIL", false},
	OpTrue:         {"TRUE", false},
	OpFalse:        {"FALSE", false},
	OpNot:          {"NOT", false},
	OpEqual:        {"EQUAL", false},
	OpNotEqual:     {"NOT_EQUAL", false},
	OpGreater:      {"GREATER", false},
	OpGreaterEqual: {"GREATER_EQUAL", false},
	OpLess:         {"LESS", false},
	OpLessEqual:    {"LESS_EQUAL", false},
	OpStringConcat: {"STRING_CONCAT", false},
	OpSyscall:      {"SYSCALL", false},

	OpGetGlobal: {"GET_GLOBAL", true},
	OpSetGlobal: {"SET_GLOBAL", true},
	OpGetLocal:  {"GET_LOCAL", true},
	OpSetLocal:  {"SET_LOCAL", true},

	OpJmpIfFalse: {"JMP_IF_FALSE", true},
	OpJmp:        {"JMP", true},
	OpLoop:       {"LOOP", true},
	OpCall:       {"CALL", false},

	OpArrayAlloc:  {"ARRAY_ALLOC", false},
	OpArrayGet:    {"ARRAY_GET", false},
	OpArraySet:    {"ARRAY_SET", false},
	OpObjectAlloc: {"OBJECT_ALLOC", false},
	OpObjectGet:   {"OBJECT_GET", false},
	OpObjectSet:   {"OBJECT_SET", false},

	OpAnd:              {"AND", false},
	OpOr:               {"OR", false},
	OpAbs:              {"ABS", false},
	OpMultiArraySet:    {"MULTI_ARRAY_SET", true},
	OpPush:             {"PUSH", true},
	OpPop:              {"POP", false},
	OpRepeatedArraySet: {"REPEATED_ARRAY_SET", true},
	OpStrlen:           {"STRLEN", false},
	OpSwap:             {"SWAP", false},
	OpToStr:            {"TO_STR", false},

	OpObjectHas:   {"OBJECT_HAS", false},
	OpAddTag:      {"ADD_TAG", false},
	OpCheckTag:    {"CHECK_TAG", false},
	OpObjectMerge: {"OBJECT_MERGE", false},
	OpRemoveTag:   {"REMOVE_TAG", false},
	OpDuplicate:   {"DUPLICATE", false},
	OpAttachArray: {"ATTACH_ARRAY", false},
	OpCheckType:   {"CHECK_TYPE", true},
	OpUplift:      {"UPLIFT", true},

	OpNoop: {"NOOP", false},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a synthetic name if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// String returns the assembler mnemonic of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// HasOperand returns whether an operand word follows the opcode.
func (op Opcode) HasOperand() bool {
	return GetOpcodeInfo(op).HasOperand
}

// EncodedLen returns the serialized length of an instruction with this
// opcode: the opcode byte, the optional operand word and the location
// index word.
func (op Opcode) EncodedLen() int {
	if op.HasOperand() {
		return 1 + 2*WordSize
	}
	return 1 + WordSize
}

// IsSerializable returns whether this opcode may appear in a ROM. Opcodes
// above the serializable range exist only for programs assembled in
// memory.
func (op Opcode) IsSerializable() bool {
	return op <= OpToStr
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// Instruction is a decoded bytecode instruction. Location indexes the
// ROM's locations table and attributes runtime errors to a source line.
type Instruction struct {
	Op       Opcode
	Operand  int
	Location int
}

func (in Instruction) String() string {
	if in.Op.HasOperand() {
		return fmt.Sprintf("%s %d", in.Op, in.Operand)
	}
	return in.Op.String()
}

// encode appends the wire form of the instruction: the opcode byte, the
// operand word when the opcode carries one, then the location word.
func (in Instruction) encode(buf []byte) []byte {
	buf = append(buf, byte(in.Op))
	if in.Op.HasOperand() {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(in.Operand))
	}
	return binary.LittleEndian.AppendUint64(buf, uint64(in.Location))
}

// decodeInstruction reads one instruction from buf and returns it with
// the number of bytes consumed.
func decodeInstruction(buf []byte) (Instruction, int, error) {
	if len(buf) < 1 {
		return Instruction{}, 0, fmt.Errorf("truncated instruction stream")
	}
	op := Opcode(buf[0])
	if _, ok := opcodeInfoTable[op]; !ok {
		return Instruction{}, 0, fmt.Errorf("unknown opcode 0x%02X", buf[0])
	}
	n := op.EncodedLen()
	if len(buf) < n {
		return Instruction{}, 0, fmt.Errorf("truncated %s instruction: have %d bytes, need %d", op, len(buf), n)
	}
	in := Instruction{Op: op}
	off := 1
	if op.HasOperand() {
		in.Operand = int(binary.LittleEndian.Uint64(buf[off:]))
		off += WordSize
	}
	in.Location = int(binary.LittleEndian.Uint64(buf[off:]))
	return in, n, nil
}
