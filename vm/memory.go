package vm

import (
	"encoding/binary"
	"fmt"
)

// WordSize is the size in bytes of a machine word (addresses, lengths,
// counts) as stored in VM memory.
const WordSize = 8

// OutOfBoundsError reports an access outside the memory's capacity.
type OutOfBoundsError struct {
	Address int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("address %d is out of bounds", e.Address)
}

// Memory is a flat, fixed-capacity byte buffer with typed accessors at
// arbitrary byte addresses. It performs no ownership tracking: callers are
// responsible for only touching ranges handed out by the Allocator. The one
// guarantee Memory itself enforces is that no access reaches past capacity.
type Memory struct {
	data []byte
}

// NewMemory creates a zeroed memory buffer of the given capacity.
func NewMemory(capacity int) *Memory {
	return &Memory{data: make([]byte, capacity)}
}

// Capacity returns the total size of the buffer in bytes.
func (m *Memory) Capacity() int {
	return len(m.data)
}

// check validates the range [addr, addr+size).
func (m *Memory) check(addr, size int) error {
	if addr < 0 || size < 0 || addr+size > len(m.data) {
		return &OutOfBoundsError{Address: addr}
	}
	return nil
}

// Byte reads a single byte.
func (m *Memory) Byte(addr int) (byte, error) {
	if err := m.check(addr, 1); err != nil {
		return 0, err
	}
	return m.data[addr], nil
}

// SetByte writes a single byte.
func (m *Memory) SetByte(addr int, b byte) error {
	if err := m.check(addr, 1); err != nil {
		return err
	}
	m.data[addr] = b
	return nil
}

// Word reads an 8-byte little-endian machine word.
func (m *Memory) Word(addr int) (int, error) {
	if err := m.check(addr, WordSize); err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint64(m.data[addr:])), nil
}

// PutWord writes an 8-byte little-endian machine word.
func (m *Memory) PutWord(addr int, w int) error {
	if err := m.check(addr, WordSize); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.data[addr:], uint64(w))
	return nil
}

// Bytes reads size raw bytes starting at addr. The returned slice is a copy.
func (m *Memory) Bytes(addr, size int) ([]byte, error) {
	if err := m.check(addr, size); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, m.data[addr:])
	return out, nil
}

// PutBytes copies raw bytes into memory starting at addr.
func (m *Memory) PutBytes(addr int, b []byte) error {
	if err := m.check(addr, len(b)); err != nil {
		return err
	}
	copy(m.data[addr:], b)
	return nil
}

// StringAt decodes size bytes starting at addr as a string.
func (m *Memory) StringAt(addr, size int) (string, error) {
	if err := m.check(addr, size); err != nil {
		return "", err
	}
	return string(m.data[addr : addr+size]), nil
}

// Value reads a fixed-size encoded Value cell.
func (m *Memory) Value(addr int) (Value, error) {
	if err := m.check(addr, ValueSize); err != nil {
		return Value{}, err
	}
	return decodeValue(m.data[addr:]), nil
}

// PutValue writes a fixed-size encoded Value cell.
func (m *Memory) PutValue(addr int, v Value) error {
	if err := m.check(addr, ValueSize); err != nil {
		return err
	}
	encodeValue(m.data[addr:], v)
	return nil
}

// Compound reads a fixed-size encoded CompoundValue cell. Partial values
// reference their bound-argument block by address; use VM.loadCompound to
// materialize the arguments.
func (m *Memory) Compound(addr int) (CompoundValue, int, int, error) {
	if err := m.check(addr, CompoundSize); err != nil {
		return CompoundValue{}, 0, 0, err
	}
	return decodeCompound(m.data[addr:])
}

// PutCompound writes a fixed-size encoded CompoundValue cell. For Partial
// values the caller supplies the address and length of the already-written
// bound-argument block.
func (m *Memory) PutCompound(addr int, cv CompoundValue, argsAddr, argsLen int) error {
	if err := m.check(addr, CompoundSize); err != nil {
		return err
	}
	encodeCompound(m.data[addr:], cv, argsAddr, argsLen)
	return nil
}

// base returns the raw backing slice starting at addr. Used by the syscall
// bridge, which needs a real pointer into the buffer.
func (m *Memory) base(addr int) ([]byte, error) {
	if err := m.check(addr, 1); err != nil {
		return nil, err
	}
	return m.data[addr:], nil
}

// raw exposes the whole buffer for snapshots and the ROM loader.
func (m *Memory) raw() []byte {
	return m.data
}
