package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// ValueKind discriminates the closed set of runtime value variants.
type ValueKind byte

const (
	KindNil ValueKind = iota
	KindInteger
	KindFloat
	KindBool
	KindString
	KindPointer
	KindFunction
	KindArray
	KindObject
)

// String returns a human-readable name for a ValueKind.
func (k ValueKind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindPointer:
		return "pointer"
	case KindFunction:
		return "function"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("ValueKind(%d)", byte(k))
	}
}

// Value is a tagged runtime value. Heap-resident variants (String, Pointer,
// Array, Object, Function uplifts) carry byte addresses into the VM's
// Memory; their sizes are recovered from the Allocator's bookkeeping.
//
// Object uses double indirection: Addr points at a single word cell holding
// the current address of the properties block, so the block can be
// reallocated and grown without invalidating Object values already copied
// around the stack and heap.
type Value struct {
	Kind ValueKind

	Int   int64   // Integer
	Float float32 // Float
	Bool  bool    // Bool

	Addr int // String, Pointer, Array, Object

	Cap int // Array: number of CompoundValue slots

	IP         int  // Function: entry instruction index
	Arity      int  // Function: declared argument count
	Uplifts    int  // Function: address of the captured-value array
	HasUplifts bool // Function: whether Uplifts is meaningful

	Tags    int  // Object: address of the sorted tag array
	HasTags bool // Object: whether Tags is meaningful
}

// Constructors.

func NilValue() Value               { return Value{Kind: KindNil} }
func IntegerValue(i int64) Value    { return Value{Kind: KindInteger, Int: i} }
func FloatValue(f float32) Value    { return Value{Kind: KindFloat, Float: f} }
func BoolValue(b bool) Value        { return Value{Kind: KindBool, Bool: b} }
func StringValue(addr int) Value    { return Value{Kind: KindString, Addr: addr} }
func PointerValue(addr int) Value   { return Value{Kind: KindPointer, Addr: addr} }
func ArrayValue(cap, addr int) Value {
	return Value{Kind: KindArray, Cap: cap, Addr: addr}
}
func FunctionValue(ip, arity int) Value {
	return Value{Kind: KindFunction, IP: ip, Arity: arity}
}
func ObjectValue(addr int) Value { return Value{Kind: KindObject, Addr: addr} }

// Truthy reports the value's truthiness coercion: zero numbers, false and
// nil are falsy; everything else, including every heap value, is truthy.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNil:
		return false
	case KindInteger:
		return v.Int != 0
	case KindFloat:
		return v.Float != 0
	case KindBool:
		return v.Bool
	default:
		return true
	}
}

// IsNumber reports whether the value is an Integer or a Float.
func (v Value) IsNumber() bool {
	return v.Kind == KindInteger || v.Kind == KindFloat
}

// AsFloat returns the numeric payload widened to float32. Only meaningful
// for Integer and Float values.
func (v Value) AsFloat() float32 {
	if v.Kind == KindInteger {
		return float32(v.Int)
	}
	return v.Float
}

// constantTag maps a value kind to the external constant tag numbering of
// the ROM format. Pointers have no external tag and report -1.
func (v Value) constantTag() int {
	switch v.Kind {
	case KindNil:
		return TagNil
	case KindInteger:
		return TagInteger
	case KindFloat:
		return TagFloat
	case KindBool:
		return TagBool
	case KindString:
		return TagString
	case KindFunction:
		return TagFunction
	case KindArray:
		return TagArray
	case KindObject:
		return TagObject
	default:
		return -1
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNil:
		return "nil"
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(float64(v.Float), 'g', -1, 32)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindString:
		return fmt.Sprintf("string@%d", v.Addr)
	case KindPointer:
		return fmt.Sprintf("pointer@%d", v.Addr)
	case KindFunction:
		if v.HasUplifts {
			return fmt.Sprintf("function{ip:%d arity:%d uplifts:%d}", v.IP, v.Arity, v.Uplifts)
		}
		return fmt.Sprintf("function{ip:%d arity:%d}", v.IP, v.Arity)
	case KindArray:
		return fmt.Sprintf("array[%d]@%d", v.Cap, v.Addr)
	case KindObject:
		return fmt.Sprintf("object@%d", v.Addr)
	default:
		return fmt.Sprintf("Value(%d)", byte(v.Kind))
	}
}

// CompoundKind discriminates CompoundValue variants.
type CompoundKind byte

const (
	// CompoundSimple wraps a plain Value.
	CompoundSimple CompoundKind = iota
	// CompoundPartial is a function pre-bound with leading arguments;
	// produced when a function-valued property is read off an object.
	CompoundPartial
)

// CompoundValue is either a plain Value or a partially-applied function.
type CompoundValue struct {
	Kind CompoundKind

	// Simple payload.
	Value Value

	// Partial payload: Value holds the callee Function; Args hold the
	// bound leading arguments.
	Args []Value
}

// Simple wraps a plain Value.
func Simple(v Value) CompoundValue {
	return CompoundValue{Kind: CompoundSimple, Value: v}
}

// Partial binds leading arguments onto a function value.
func Partial(fn Value, args ...Value) CompoundValue {
	return CompoundValue{Kind: CompoundPartial, Value: fn, Args: args}
}

func (cv CompoundValue) String() string {
	if cv.Kind == CompoundPartial {
		return fmt.Sprintf("partial{%s bound:%d}", cv.Value, len(cv.Args))
	}
	return cv.Value.String()
}

// ---------------------------------------------------------------------------
// Fixed-size heap cell encoding
// ---------------------------------------------------------------------------

// Cells are little-endian and fixed-size so array slots, uplift arrays and
// pointer cells can be addressed by plain multiplication.
//
//	Value cell:    [tag:1][w0:8][w1:8][w2:8][flags:1]           = 26 bytes
//	Compound cell: [kind:1][value cell:26][argsAddr:8][argsLen:8] = 43 bytes
const (
	ValueSize    = 1 + 3*WordSize + 1
	CompoundSize = 1 + ValueSize + 2*WordSize
)

const (
	flagHasUplifts byte = 1 << 0 // Function
	flagHasTags    byte = 1 << 0 // Object
)

func encodeValue(dst []byte, v Value) {
	dst[0] = byte(v.Kind)
	var w0, w1, w2 uint64
	var flags byte
	switch v.Kind {
	case KindInteger:
		w0 = uint64(v.Int)
	case KindFloat:
		w0 = uint64(math.Float32bits(v.Float))
	case KindBool:
		if v.Bool {
			w0 = 1
		}
	case KindString, KindPointer:
		w0 = uint64(v.Addr)
	case KindFunction:
		w0 = uint64(v.IP)
		w1 = uint64(v.Arity)
		if v.HasUplifts {
			w2 = uint64(v.Uplifts)
			flags |= flagHasUplifts
		}
	case KindArray:
		w0 = uint64(v.Cap)
		w1 = uint64(v.Addr)
	case KindObject:
		w0 = uint64(v.Addr)
		if v.HasTags {
			w1 = uint64(v.Tags)
			flags |= flagHasTags
		}
	}
	binary.LittleEndian.PutUint64(dst[1:], w0)
	binary.LittleEndian.PutUint64(dst[9:], w1)
	binary.LittleEndian.PutUint64(dst[17:], w2)
	dst[25] = flags
}

func decodeValue(src []byte) Value {
	kind := ValueKind(src[0])
	w0 := binary.LittleEndian.Uint64(src[1:])
	w1 := binary.LittleEndian.Uint64(src[9:])
	w2 := binary.LittleEndian.Uint64(src[17:])
	flags := src[25]
	switch kind {
	case KindInteger:
		return IntegerValue(int64(w0))
	case KindFloat:
		return FloatValue(math.Float32frombits(uint32(w0)))
	case KindBool:
		return BoolValue(w0 != 0)
	case KindString:
		return StringValue(int(w0))
	case KindPointer:
		return PointerValue(int(w0))
	case KindFunction:
		v := FunctionValue(int(w0), int(w1))
		if flags&flagHasUplifts != 0 {
			v.Uplifts = int(w2)
			v.HasUplifts = true
		}
		return v
	case KindArray:
		return ArrayValue(int(w0), int(w1))
	case KindObject:
		v := ObjectValue(int(w0))
		if flags&flagHasTags != 0 {
			v.Tags = int(w1)
			v.HasTags = true
		}
		return v
	default:
		return NilValue()
	}
}

// encodeCompound writes a compound cell. Partial bound arguments live in a
// separate heap block; only its address and length are stored here.
func encodeCompound(dst []byte, cv CompoundValue, argsAddr, argsLen int) {
	dst[0] = byte(cv.Kind)
	encodeValue(dst[1:], cv.Value)
	binary.LittleEndian.PutUint64(dst[1+ValueSize:], uint64(argsAddr))
	binary.LittleEndian.PutUint64(dst[1+ValueSize+WordSize:], uint64(argsLen))
}

// decodeCompound reads a compound cell, returning the bound-argument block
// address and length for Partial values (both zero for Simple).
func decodeCompound(src []byte) (CompoundValue, int, int, error) {
	kind := CompoundKind(src[0])
	v := decodeValue(src[1:])
	argsAddr := int(binary.LittleEndian.Uint64(src[1+ValueSize:]))
	argsLen := int(binary.LittleEndian.Uint64(src[1+ValueSize+WordSize:]))
	switch kind {
	case CompoundSimple:
		return Simple(v), 0, 0, nil
	case CompoundPartial:
		return CompoundValue{Kind: CompoundPartial, Value: v}, argsAddr, argsLen, nil
	default:
		return CompoundValue{}, 0, 0, fmt.Errorf("corrupt compound cell: kind %d", kind)
	}
}
