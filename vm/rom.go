package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Constant tags of the ROM format. The numbering is external and fixed.
const (
	TagNil      = 0
	TagInteger  = 1
	TagFloat    = 2
	TagBool     = 3
	TagString   = 4
	TagFunction = 5
	TagArray    = 6
	TagObject   = 7
)

// ROM is a parsed program image.
//
// Layout, all words little-endian:
//
//	[constants byte length:word][memory blob length:word][locations count:word]
//	<constants, variable-length encoded>
//	<memory blob>
//	<locations: (file name address, line) word pairs>
//	<instructions>
//
// Heap-resident constants carry explicit addresses into the memory blob.
// The loader recovers each block's size from the gaps between the sorted
// addresses, so the assembler must lay constant-backed blocks out
// contiguously.
type ROM struct {
	Constants    []Value
	Blob         []byte
	Locations    []Location
	Instructions []Instruction
}

// LoadROM parses a serialized program.
func LoadROM(data []byte) (*ROM, error) {
	if len(data) < 3*WordSize {
		return nil, fmt.Errorf("rom header: have %d bytes, need %d", len(data), 3*WordSize)
	}
	constantsLen := int(binary.LittleEndian.Uint64(data[0:]))
	blobLen := int(binary.LittleEndian.Uint64(data[WordSize:]))
	locationsCount := int(binary.LittleEndian.Uint64(data[2*WordSize:]))

	offset := 3 * WordSize
	if constantsLen < 0 || len(data) < offset+constantsLen {
		return nil, fmt.Errorf("rom constants: have %d bytes, need %d", len(data)-offset, constantsLen)
	}
	constants, err := decodeConstants(data[offset : offset+constantsLen])
	if err != nil {
		return nil, err
	}
	offset += constantsLen

	if blobLen < 0 || len(data) < offset+blobLen {
		return nil, fmt.Errorf("rom memory blob: have %d bytes, need %d", len(data)-offset, blobLen)
	}
	blob := make([]byte, blobLen)
	copy(blob, data[offset:])
	offset += blobLen

	locationsLen := locationsCount * 2 * WordSize
	if locationsCount < 0 || len(data) < offset+locationsLen {
		return nil, fmt.Errorf("rom locations: have %d bytes, need %d", len(data)-offset, locationsLen)
	}
	locations := make([]Location, locationsCount)
	for i := 0; i < locationsCount; i++ {
		locations[i] = Location{
			Address: int(binary.LittleEndian.Uint64(data[offset:])),
			Line:    int(binary.LittleEndian.Uint64(data[offset+WordSize:])),
		}
		offset += 2 * WordSize
	}

	var instructions []Instruction
	for offset < len(data) {
		in, n, err := decodeInstruction(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("rom instruction %d: %w", len(instructions), err)
		}
		if !in.Op.IsSerializable() {
			return nil, fmt.Errorf("rom instruction %d: %s is not a serializable opcode", len(instructions), in.Op)
		}
		instructions = append(instructions, in)
		offset += n
	}
	return &ROM{
		Constants:    constants,
		Blob:         blob,
		Locations:    locations,
		Instructions: instructions,
	}, nil
}

// Encode serializes the ROM back to its wire form.
func (rom *ROM) Encode() []byte {
	var constants []byte
	for _, c := range rom.Constants {
		constants = encodeConstant(constants, c)
	}
	out := make([]byte, 0, 3*WordSize+len(constants)+len(rom.Blob))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(constants)))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(rom.Blob)))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(rom.Locations)))
	out = append(out, constants...)
	out = append(out, rom.Blob...)
	for _, loc := range rom.Locations {
		out = binary.LittleEndian.AppendUint64(out, uint64(loc.Address))
		out = binary.LittleEndian.AppendUint64(out, uint64(loc.Line))
	}
	for _, in := range rom.Instructions {
		out = in.encode(out)
	}
	return out
}

func encodeConstant(buf []byte, v Value) []byte {
	switch v.Kind {
	case KindNil:
		return append(buf, TagNil)
	case KindInteger:
		buf = append(buf, TagInteger)
		return binary.LittleEndian.AppendUint64(buf, uint64(v.Int))
	case KindFloat:
		buf = append(buf, TagFloat)
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(v.Float))
	case KindBool:
		buf = append(buf, TagBool)
		if v.Bool {
			return append(buf, 1)
		}
		return append(buf, 0)
	case KindString:
		buf = append(buf, TagString)
		return binary.LittleEndian.AppendUint64(buf, uint64(v.Addr))
	case KindFunction:
		buf = append(buf, TagFunction)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.IP))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.Arity))
		if v.HasUplifts {
			buf = append(buf, 1)
			return binary.LittleEndian.AppendUint64(buf, uint64(v.Uplifts))
		}
		return append(buf, 0)
	case KindArray:
		buf = append(buf, TagArray)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.Cap))
		return binary.LittleEndian.AppendUint64(buf, uint64(v.Addr))
	case KindObject:
		buf = append(buf, TagObject)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.Addr))
		tags := 0
		if v.HasTags {
			tags = v.Tags
		}
		return binary.LittleEndian.AppendUint64(buf, uint64(tags))
	default:
		// Pointers never appear in a constant pool.
		return append(buf, TagNil)
	}
}

func decodeConstants(buf []byte) ([]Value, error) {
	var constants []Value
	offset := 0
	for offset < len(buf) {
		v, n, err := decodeConstant(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("rom constant %d: %w", len(constants), err)
		}
		constants = append(constants, v)
		offset += n
	}
	return constants, nil
}

func decodeConstant(buf []byte) (Value, int, error) {
	need := func(n int) error {
		if len(buf) < n {
			return fmt.Errorf("have %d bytes, need %d", len(buf), n)
		}
		return nil
	}
	switch tag := buf[0]; tag {
	case TagNil:
		return NilValue(), 1, nil
	case TagInteger:
		if err := need(1 + WordSize); err != nil {
			return Value{}, 0, err
		}
		return IntegerValue(int64(binary.LittleEndian.Uint64(buf[1:]))), 1 + WordSize, nil
	case TagFloat:
		if err := need(5); err != nil {
			return Value{}, 0, err
		}
		return FloatValue(math.Float32frombits(binary.LittleEndian.Uint32(buf[1:]))), 5, nil
	case TagBool:
		if err := need(2); err != nil {
			return Value{}, 0, err
		}
		return BoolValue(buf[1] != 0), 2, nil
	case TagString:
		if err := need(1 + WordSize); err != nil {
			return Value{}, 0, err
		}
		return StringValue(int(binary.LittleEndian.Uint64(buf[1:]))), 1 + WordSize, nil
	case TagFunction:
		if err := need(1 + 2*WordSize + 1); err != nil {
			return Value{}, 0, err
		}
		v := FunctionValue(
			int(binary.LittleEndian.Uint64(buf[1:])),
			int(binary.LittleEndian.Uint64(buf[1+WordSize:])),
		)
		n := 1 + 2*WordSize + 1
		if buf[n-1] != 0 {
			if err := need(n + WordSize); err != nil {
				return Value{}, 0, err
			}
			v.Uplifts = int(binary.LittleEndian.Uint64(buf[n:]))
			v.HasUplifts = true
			n += WordSize
		}
		return v, n, nil
	case TagArray:
		if err := need(1 + 2*WordSize); err != nil {
			return Value{}, 0, err
		}
		return ArrayValue(
			int(binary.LittleEndian.Uint64(buf[1:])),
			int(binary.LittleEndian.Uint64(buf[1+WordSize:])),
		), 1 + 2*WordSize, nil
	case TagObject:
		if err := need(1 + 2*WordSize); err != nil {
			return Value{}, 0, err
		}
		v := ObjectValue(int(binary.LittleEndian.Uint64(buf[1:])))
		v.Tags = int(binary.LittleEndian.Uint64(buf[1+WordSize:]))
		v.HasTags = true
		return v, 1 + 2*WordSize, nil
	default:
		return Value{}, 0, fmt.Errorf("unknown constant tag %d", tag)
	}
}

// blockAddresses collects every blob address a heap-resident constant
// claims: strings, arrays, object indirection cells, the properties blocks
// those cells point at, uplift arrays and tag sets.
func (rom *ROM) blockAddresses() []int {
	var addrs []int
	for _, c := range rom.Constants {
		switch c.Kind {
		case KindString, KindArray:
			addrs = append(addrs, c.Addr)
		case KindFunction:
			if c.HasUplifts {
				addrs = append(addrs, c.Uplifts)
			}
		case KindObject:
			addrs = append(addrs, c.Addr)
			if c.Addr+WordSize <= len(rom.Blob) {
				props := int(binary.LittleEndian.Uint64(rom.Blob[c.Addr:]))
				addrs = append(addrs, props)
			}
			addrs = append(addrs, c.Tags)
		}
	}
	return addrs
}

// blockSizes turns the sorted distinct addresses into back-to-back block
// sizes covering the blob, so the allocator's bookkeeping matches the
// layout the assembler produced. Each block runs to the next address; the
// last one runs to the end of the blob.
func (rom *ROM) blockSizes() []int {
	addrs := rom.blockAddresses()
	if len(addrs) == 0 {
		return nil
	}
	sort.Ints(addrs)
	distinct := addrs[:0]
	for i, a := range addrs {
		if i == 0 || a != addrs[i-1] {
			distinct = append(distinct, a)
		}
	}
	var sizes []int
	if distinct[0] > 0 {
		sizes = append(sizes, distinct[0])
	}
	bounds := append(distinct, len(rom.Blob))
	for i := 0; i < len(bounds)-1; i++ {
		sizes = append(sizes, bounds[i+1]-bounds[i])
	}
	return sizes
}

// NewVM builds a runnable VM from a parsed ROM: the constant blob is
// copied into low memory, every constant-backed block is registered with
// the allocator, and a frame is opened at instruction zero.
func NewVM(rom *ROM, cfg Config) (*VM, error) {
	capacity := cfg.MemoryCapacity
	if capacity < len(rom.Blob) {
		capacity = len(rom.Blob)
	}
	stackSize := cfg.StackSize
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}

	alloc, err := NewAllocatorWithSizes(capacity, rom.blockSizes())
	if err != nil {
		return nil, fmt.Errorf("registering rom blocks: %w", err)
	}
	if cfg.GCThresholdStep > 0 {
		alloc.SetGCThreshold(cfg.GCThresholdStep)
		alloc.SetGCThresholdStep(cfg.GCThresholdStep)
	}
	mem := NewMemory(capacity)
	if err := mem.PutBytes(0, rom.Blob); err != nil {
		return nil, fmt.Errorf("loading rom blob: %w", err)
	}

	// A tag set that covers no bytes is no tag set at all; assemblers
	// point Tags at the next block boundary to express "untagged".
	constants := make([]Value, len(rom.Constants))
	copy(constants, rom.Constants)
	for i, c := range constants {
		if c.Kind == KindObject && c.HasTags {
			if _, ok := alloc.AllocatedSize(c.Tags); !ok {
				constants[i].Tags = 0
				constants[i].HasTags = false
			}
		}
	}

	return &VM{
		mem:          mem,
		alloc:        alloc,
		constants:    constants,
		instructions: rom.Instructions,
		locations:    rom.Locations,
		stack:        make([]CompoundValue, stackSize),
		frames:       []Frame{{IP: 0, StackOffset: 0, Arity: 0}},
		globals:      make(map[int]CompoundValue),
		trace:        cfg.TraceInstructions,
	}, nil
}
