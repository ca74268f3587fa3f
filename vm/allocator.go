package vm

import (
	"fmt"
	"iter"
	"sort"
)

// Allocator errors. All are returned, never panicked.

// NotEnoughMemoryError reports that an allocation could not be satisfied,
// even after garbage collection.
type NotEnoughMemoryError struct {
	Intended int
}

func (e *NotEnoughMemoryError) Error() string {
	return fmt.Sprintf("not enough memory to allocate %d", e.Intended)
}

// AddressNotAllocatedError reports a free of an address with no live
// allocation (already freed or never handed out).
type AddressNotAllocatedError struct {
	Address int
}

func (e *AddressNotAllocatedError) Error() string {
	return fmt.Sprintf("address %d not allocated", e.Address)
}

// AddressAlreadyFreedError reports an attempt to return a byte range that
// overlaps a chunk already on the free list.
type AddressAlreadyFreedError struct {
	Address int
}

func (e *AddressAlreadyFreedError) Error() string {
	return fmt.Sprintf("trying to free address %d already freed", e.Address)
}

// FreeChunk is a half-open free byte range [From, To).
type FreeChunk struct {
	From, To int
}

func (c FreeChunk) size() int { return c.To - c.From }

// freeChunks keeps the free ranges sorted ascending by size, so the
// worst-fit scan is a walk from the tail.
type freeChunks struct {
	chunks []FreeChunk
}

func newFreeChunks(capacity int) freeChunks {
	if capacity == 0 {
		return freeChunks{}
	}
	return freeChunks{chunks: []FreeChunk{{From: 0, To: capacity}}}
}

func (f *freeChunks) remove(index int) {
	f.chunks = append(f.chunks[:index], f.chunks[index+1:]...)
}

// insert binary-inserts a chunk by size, preserving ascending order.
func (f *freeChunks) insert(c FreeChunk) {
	pos := sort.Search(len(f.chunks), func(i int) bool {
		return f.chunks[i].size() >= c.size()
	})
	f.chunks = append(f.chunks, FreeChunk{})
	copy(f.chunks[pos+1:], f.chunks[pos:])
	f.chunks[pos] = c
}

// findSuitable scans from the largest chunk downward and returns the index
// of the first chunk that can hold size bytes: the worst-fit policy, which
// always carves from the biggest chunk that fits.
func (f *freeChunks) findSuitable(size int) (int, bool) {
	for i := len(f.chunks) - 1; i >= 0; i-- {
		if f.chunks[i].size() >= size {
			return i, true
		}
	}
	return 0, false
}

// adjacent returns the indices of free chunks directly touching the range
// [from, to): at most one ending at from and one starting at to.
func (f *freeChunks) adjacent(from, to int) []int {
	var out []int
	for i, c := range f.chunks {
		if c.To == from || c.From == to {
			out = append(out, i)
		}
	}
	return out
}

// overlaps reports whether [from, to) intersects any free chunk.
func (f *freeChunks) overlaps(from, to int) bool {
	for _, c := range f.chunks {
		if from < c.To && c.From < to {
			return true
		}
	}
	return false
}

func (f *freeChunks) available() int {
	total := 0
	for _, c := range f.chunks {
		total += c.size()
	}
	return total
}

// DefaultGCThresholdStep is the additive amount the collection threshold
// grows by after each garbage collection pass. The growth is deliberately
// additive, not multiplicative, matching the allocator's historical
// behavior; long-running programs collect increasingly often.
const DefaultGCThresholdStep = 100

// Allocator manages which byte ranges of a Memory are free versus in use.
// It performs no tracing of its own: garbage collection frees exactly the
// allocated addresses absent from the caller-supplied root set, so the
// caller's root enumeration must be complete.
type Allocator struct {
	capacity       int
	free           freeChunks
	allocated      map[int]int // address -> size
	allocatedSpace int

	gcThreshold   int
	thresholdStep int
}

// NewAllocator creates an allocator over capacity bytes, all free.
func NewAllocator(capacity int) *Allocator {
	return &Allocator{
		capacity:      capacity,
		free:          newFreeChunks(capacity),
		allocated:     make(map[int]int),
		gcThreshold:   DefaultGCThresholdStep,
		thresholdStep: DefaultGCThresholdStep,
	}
}

// NewAllocatorWithSizes creates an allocator with a run of pre-existing
// allocations of the given sizes placed back to back from address zero.
// Used by the ROM loader to register constant-backed heap blocks, and by
// tests.
func NewAllocatorWithSizes(capacity int, sizes []int) (*Allocator, error) {
	a := NewAllocator(capacity)
	next := 0
	for _, size := range sizes {
		if size == 0 {
			continue
		}
		if size < 0 || next+size > capacity {
			return nil, &NotEnoughMemoryError{Intended: size}
		}
		a.allocated[next] = size
		a.allocatedSpace += size
		next += size
	}
	a.free = freeChunks{}
	if next < capacity {
		a.free.insert(FreeChunk{From: next, To: capacity})
	}
	return a, nil
}

// Capacity returns the total managed byte count.
func (a *Allocator) Capacity() int { return a.capacity }

// AllocatedSpace returns the sum of sizes of live allocations.
func (a *Allocator) AllocatedSpace() int { return a.allocatedSpace }

// FreeMemory returns the total bytes on the free list.
func (a *Allocator) FreeMemory() int { return a.free.available() }

// AllocatedSize returns the recorded size of the allocation at address, if
// one exists. The VM uses it pervasively to recover string and block
// lengths from bare addresses.
func (a *Allocator) AllocatedSize(address int) (int, bool) {
	size, ok := a.allocated[address]
	return size, ok
}

// SetGCThreshold overrides the collection trigger threshold. Tests use it
// to force collection on the next allocation.
func (a *Allocator) SetGCThreshold(threshold int) {
	a.gcThreshold = threshold
}

// SetGCThresholdStep overrides the additive threshold growth applied after
// each collection.
func (a *Allocator) SetGCThresholdStep(step int) {
	a.thresholdStep = step
}

// Malloc allocates size bytes and returns their address. When the live
// byte count has passed the collection threshold, or the request exceeds
// the free memory, garbage is collected first against the supplied roots
// and the threshold grows by the configured step. Fails with
// NotEnoughMemoryError if no chunk can hold the request even then.
func (a *Allocator) Malloc(size int, roots iter.Seq[int]) (int, error) {
	if a.allocatedSpace > a.gcThreshold || size > a.free.available() {
		a.CollectGarbage(roots)
		a.gcThreshold += a.thresholdStep
	}
	if size > a.free.available() {
		return 0, &NotEnoughMemoryError{Intended: size}
	}
	index, ok := a.free.findSuitable(size)
	if !ok {
		return 0, &NotEnoughMemoryError{Intended: size}
	}
	chunk := a.free.chunks[index]
	a.free.remove(index)
	if chunk.From+size < chunk.To {
		a.free.insert(FreeChunk{From: chunk.From + size, To: chunk.To})
	}
	a.allocated[chunk.From] = size
	a.allocatedSpace += size
	return chunk.From, nil
}

// Free returns the allocation at address to the free list, coalescing with
// any directly adjacent free chunks.
func (a *Allocator) Free(address int) error {
	size, ok := a.allocated[address]
	if !ok {
		return &AddressNotAllocatedError{Address: address}
	}
	if err := a.addFreeSpace(address, address+size); err != nil {
		return err
	}
	delete(a.allocated, address)
	a.allocatedSpace -= size
	return nil
}

func (a *Allocator) addFreeSpace(from, to int) error {
	if a.free.overlaps(from, to) {
		return &AddressAlreadyFreedError{Address: from}
	}
	// Merge with every touching neighbor so freed space forms maximal
	// chunks; the defragmentation behavior the worst-fit policy relies on.
	neighbors := a.free.adjacent(from, to)
	for i := len(neighbors) - 1; i >= 0; i-- {
		c := a.free.chunks[neighbors[i]]
		if c.From < from {
			from = c.From
		}
		if c.To > to {
			to = c.To
		}
		a.free.remove(neighbors[i])
	}
	a.free.insert(FreeChunk{From: from, To: to})
	return nil
}

// CollectGarbage frees every allocated address that does not appear in the
// caller-supplied root set. The allocator trusts the enumeration to be
// complete; a live structure the caller's walk misses is freed while still
// referenced.
func (a *Allocator) CollectGarbage(roots iter.Seq[int]) int {
	reachable := make(map[int]struct{})
	if roots != nil {
		for addr := range roots {
			reachable[addr] = struct{}{}
		}
	}
	collected := 0
	for addr := range a.allocated {
		if _, ok := reachable[addr]; !ok {
			if err := a.Free(addr); err == nil {
				collected++
			}
		}
	}
	return collected
}

// FreeChunks returns a copy of the current free list, smallest chunk
// first. Snapshots and tests use it; the VM itself does not.
func (a *Allocator) FreeChunks() []FreeChunk {
	out := make([]FreeChunk, len(a.free.chunks))
	copy(out, a.free.chunks)
	return out
}

// Allocations returns a copy of the address -> size bookkeeping table.
func (a *Allocator) Allocations() map[int]int {
	out := make(map[int]int, len(a.allocated))
	for addr, size := range a.allocated {
		out[addr] = size
	}
	return out
}
