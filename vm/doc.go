// Package vm implements the Smoked virtual machine.
//
// This package contains:
//   - Flat byte-addressable memory with word, value and compound codecs
//   - Worst-fit heap allocator with caller-rooted garbage collection
//   - Tagged value representation with heap strings, arrays and objects
//   - Stack-based bytecode interpreter with partial application
//   - ROM serialization for compiled programs
//   - CBOR snapshots of machine state for post-mortem debugging
//
// # Memory Model
//
// All heap data lives in a single flat Memory. Values occupy fixed-size
// encoded cells, so the allocator only ever hands out byte ranges and the
// interpreter is responsible for what they contain. Address 0 upward is
// seeded from the ROM's constant blob, giving string and array constants
// real heap addresses from the first instruction.
//
// # Garbage Collection
//
// The allocator does no tracing of its own. When a collection triggers,
// the VM enumerates every reachable heap address (stack, constants,
// globals, pinned operands, source file names) and the allocator frees
// everything else. Instructions that pop heap values and then allocate
// must pin the popped values for the rest of the instruction, or the
// collection triggered by their own allocation could reclaim them.
package vm
