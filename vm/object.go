package vm

import (
	"sort"
	"strings"
)

// Object heap layout.
//
// An Object value's Addr points at a single-word indirection cell holding
// the current address of the properties block:
//
//	[length:word] [(keyAddr:word, value:ValueCell) x capacity]
//
// Entries are kept sorted by the content of the referenced key string, so
// lookup is a binary search. Growing reallocates a doubled block and
// repoints the cell, which keeps every Object value copied around the
// stack and heap valid. Tag sets are separate blocks of word-sized string
// addresses, sorted by address; a tag's identity is its address.

const propEntrySize = WordSize + ValueSize

func propsBlockSize(capacity int) int {
	return WordSize + capacity*propEntrySize
}

func propsBlockCapacity(blockSize int) int {
	return (blockSize - WordSize) / propEntrySize
}

func propEntryAddr(block, index int) int {
	return block + WordSize + index*propEntrySize
}

// propsBlock resolves the object's indirection cell to the live properties
// block and its entry count.
func (vm *VM) propsBlock(obj Value) (block, length int, err error) {
	block, err = vm.mem.Word(obj.Addr)
	if err != nil {
		return 0, 0, err
	}
	length, err = vm.mem.Word(block)
	if err != nil {
		return 0, 0, err
	}
	return block, length, nil
}

// findProperty binary-searches the block's entries for key. It returns the
// entry index when found, otherwise the insertion position.
func (vm *VM) findProperty(block, length int, key string) (index int, found bool, err error) {
	var searchErr error
	index = sort.Search(length, func(i int) bool {
		if searchErr != nil {
			return false
		}
		keyAddr, err := vm.mem.Word(propEntryAddr(block, i))
		if err != nil {
			searchErr = err
			return false
		}
		entryKey, err := vm.stringContents(keyAddr)
		if err != nil {
			searchErr = err
			return false
		}
		return entryKey >= key
	})
	if searchErr != nil {
		return 0, false, searchErr
	}
	if index < length {
		keyAddr, err := vm.mem.Word(propEntryAddr(block, index))
		if err != nil {
			return 0, false, err
		}
		entryKey, err := vm.stringContents(keyAddr)
		if err != nil {
			return 0, false, err
		}
		if entryKey == key {
			return index, true, nil
		}
	}
	return index, false, nil
}

func (vm *VM) popObject() (Value, error) {
	cv, err := vm.dereferencePop()
	if err != nil {
		return Value{}, err
	}
	if cv.Kind != CompoundSimple || cv.Value.Kind != KindObject {
		return Value{}, newVMErrorf(ErrExpectedObject, "got %s", cv)
	}
	return cv.Value, nil
}

func (vm *VM) popKey() (Value, string, error) {
	cv, err := vm.dereferencePop()
	if err != nil {
		return Value{}, "", err
	}
	if cv.Kind != CompoundSimple || cv.Value.Kind != KindString {
		return Value{}, "", newVMErrorf(ErrExpectedString, "got %s", cv)
	}
	key, err := vm.stringContents(cv.Value.Addr)
	if err != nil {
		return Value{}, "", err
	}
	return cv.Value, key, nil
}

// newObject allocates an indirection cell plus an empty properties block
// of the given capacity.
func (vm *VM) newObject(capacity int) (Value, error) {
	block, err := vm.alloc.Malloc(propsBlockSize(capacity), vm.roots())
	if err != nil {
		return Value{}, err
	}
	vm.pinAddr(block)
	if err := vm.mem.PutWord(block, 0); err != nil {
		return Value{}, err
	}
	cell, err := vm.alloc.Malloc(WordSize, vm.roots())
	if err != nil {
		return Value{}, err
	}
	if err := vm.mem.PutWord(cell, block); err != nil {
		return Value{}, err
	}
	return ObjectValue(cell), nil
}

func (vm *VM) objectAlloc() error {
	capacity, err := vm.popInteger()
	if err != nil {
		return err
	}
	if capacity < 0 {
		return newVMErrorf(ErrIndexOutOfRange, "capacity %d", capacity)
	}
	obj, err := vm.newObject(capacity)
	if err != nil {
		return err
	}
	return vm.push(Simple(obj))
}

func (vm *VM) objectGet() error {
	_, key, err := vm.popKey()
	if err != nil {
		return err
	}
	obj, err := vm.popObject()
	if err != nil {
		return err
	}
	block, length, err := vm.propsBlock(obj)
	if err != nil {
		return err
	}
	index, found, err := vm.findProperty(block, length, key)
	if err != nil {
		return err
	}
	if !found {
		return newVMErrorf(ErrPropertyDoesntExist, "%q", key)
	}
	v, err := vm.mem.Value(propEntryAddr(block, index) + WordSize)
	if err != nil {
		return err
	}
	// Reading a function-valued property yields a method: a partial
	// application with the object bound as the first argument.
	if v.Kind == KindFunction {
		return vm.push(Partial(v, obj))
	}
	return vm.push(Simple(v))
}

func (vm *VM) objectSet() error {
	value, err := vm.dereferencePop()
	if err != nil {
		return err
	}
	if value.Kind != CompoundSimple {
		return newVMErrorf(ErrUnstorableValue, "got %s", value)
	}
	keyVal, key, err := vm.popKey()
	if err != nil {
		return err
	}
	obj, err := vm.popObject()
	if err != nil {
		return err
	}
	vm.pin(Simple(obj), Simple(keyVal), value)
	if err := vm.setProperty(obj, keyVal, key, value.Value); err != nil {
		return err
	}
	return vm.push(value)
}

// setProperty inserts or updates key in the object's properties. When the
// block is full it reallocates at double capacity and repoints the
// indirection cell; the outgrown block is left for the collector, since
// only the cell pointed at it and the next root walk no longer reaches it.
func (vm *VM) setProperty(obj, keyVal Value, key string, value Value) error {
	block, length, err := vm.propsBlock(obj)
	if err != nil {
		return err
	}
	index, found, err := vm.findProperty(block, length, key)
	if err != nil {
		return err
	}
	if found {
		return vm.mem.PutValue(propEntryAddr(block, index)+WordSize, value)
	}
	blockSize, ok := vm.alloc.AllocatedSize(block)
	if !ok {
		return newVMErrorf(ErrUnallocatedAddress, "%d", block)
	}
	capacity := propsBlockCapacity(blockSize)
	if length == capacity {
		newCapacity := capacity * 2
		if newCapacity == 0 {
			newCapacity = 1
		}
		newBlock, err := vm.alloc.Malloc(propsBlockSize(newCapacity), vm.roots())
		if err != nil {
			return err
		}
		// Copy entries below the insertion point, leave a hole, copy the
		// rest shifted one entry up.
		lower, err := vm.mem.Bytes(propEntryAddr(block, 0), index*propEntrySize)
		if err != nil {
			return err
		}
		upper, err := vm.mem.Bytes(propEntryAddr(block, index), (length-index)*propEntrySize)
		if err != nil {
			return err
		}
		if err := vm.mem.PutBytes(propEntryAddr(newBlock, 0), lower); err != nil {
			return err
		}
		if err := vm.mem.PutBytes(propEntryAddr(newBlock, index+1), upper); err != nil {
			return err
		}
		if err := vm.writePropEntry(newBlock, index, keyVal.Addr, value); err != nil {
			return err
		}
		if err := vm.mem.PutWord(newBlock, length+1); err != nil {
			return err
		}
		return vm.mem.PutWord(obj.Addr, newBlock)
	}
	// Shift entries at and above the insertion point one slot up.
	if index < length {
		tail, err := vm.mem.Bytes(propEntryAddr(block, index), (length-index)*propEntrySize)
		if err != nil {
			return err
		}
		if err := vm.mem.PutBytes(propEntryAddr(block, index+1), tail); err != nil {
			return err
		}
	}
	if err := vm.writePropEntry(block, index, keyVal.Addr, value); err != nil {
		return err
	}
	return vm.mem.PutWord(block, length+1)
}

func (vm *VM) writePropEntry(block, index, keyAddr int, value Value) error {
	addr := propEntryAddr(block, index)
	if err := vm.mem.PutWord(addr, keyAddr); err != nil {
		return err
	}
	return vm.mem.PutValue(addr+WordSize, value)
}

func (vm *VM) objectHas() error {
	_, key, err := vm.popKey()
	if err != nil {
		return err
	}
	obj, err := vm.popObject()
	if err != nil {
		return err
	}
	block, length, err := vm.propsBlock(obj)
	if err != nil {
		return err
	}
	_, found, err := vm.findProperty(block, length, key)
	if err != nil {
		return err
	}
	return vm.push(Simple(BoolValue(found)))
}

// createObject instantiates a copy of obj: a fresh indirection cell and
// properties block with the same entries, plus a copy of the tag set.
// Entry values are copied as-is, so nested heap values are shared.
func (vm *VM) createObject(obj Value) (Value, error) {
	block, length, err := vm.propsBlock(obj)
	if err != nil {
		return Value{}, err
	}
	blockSize, ok := vm.alloc.AllocatedSize(block)
	if !ok {
		return Value{}, newVMErrorf(ErrUnallocatedAddress, "%d", block)
	}
	newBlock, err := vm.alloc.Malloc(blockSize, vm.roots())
	if err != nil {
		return Value{}, err
	}
	vm.pinAddr(newBlock)
	contents, err := vm.mem.Bytes(block, WordSize+length*propEntrySize)
	if err != nil {
		return Value{}, err
	}
	if err := vm.mem.PutBytes(newBlock, contents); err != nil {
		return Value{}, err
	}
	cell, err := vm.alloc.Malloc(WordSize, vm.roots())
	if err != nil {
		return Value{}, err
	}
	vm.pinAddr(cell)
	if err := vm.mem.PutWord(cell, newBlock); err != nil {
		return Value{}, err
	}
	out := ObjectValue(cell)
	if obj.HasTags {
		tags, err := vm.readTags(obj)
		if err != nil {
			return Value{}, err
		}
		tagsAddr, err := vm.writeTags(tags)
		if err != nil {
			return Value{}, err
		}
		out.Tags = tagsAddr
		out.HasTags = true
	}
	return out, nil
}

// objectMerge builds a brand-new object holding the union of two objects'
// properties and tags. On a key collision the first operand's value wins.
func (vm *VM) objectMerge() error {
	second, err := vm.popObject()
	if err != nil {
		return err
	}
	first, err := vm.popObject()
	if err != nil {
		return err
	}
	vm.pin(Simple(first), Simple(second))

	firstBlock, firstLen, err := vm.propsBlock(first)
	if err != nil {
		return err
	}
	secondBlock, secondLen, err := vm.propsBlock(second)
	if err != nil {
		return err
	}
	merged, err := vm.newObject(firstLen + secondLen)
	if err != nil {
		return err
	}
	vm.pin(Simple(merged))
	mergedBlock, err := vm.mem.Word(merged.Addr)
	if err != nil {
		return err
	}

	// Both blocks are sorted by key content; a two-pointer merge keeps the
	// result sorted without re-searching.
	type entry struct {
		keyAddr int
		key     string
		value   Value
	}
	read := func(block, i int) (entry, error) {
		addr := propEntryAddr(block, i)
		keyAddr, err := vm.mem.Word(addr)
		if err != nil {
			return entry{}, err
		}
		key, err := vm.stringContents(keyAddr)
		if err != nil {
			return entry{}, err
		}
		v, err := vm.mem.Value(addr + WordSize)
		if err != nil {
			return entry{}, err
		}
		return entry{keyAddr, key, v}, nil
	}
	i, j, out := 0, 0, 0
	write := func(e entry) error {
		if err := vm.writePropEntry(mergedBlock, out, e.keyAddr, e.value); err != nil {
			return err
		}
		out++
		return nil
	}
	for i < firstLen || j < secondLen {
		switch {
		case i == firstLen:
			e, err := read(secondBlock, j)
			if err != nil {
				return err
			}
			if err := write(e); err != nil {
				return err
			}
			j++
		case j == secondLen:
			e, err := read(firstBlock, i)
			if err != nil {
				return err
			}
			if err := write(e); err != nil {
				return err
			}
			i++
		default:
			a, err := read(firstBlock, i)
			if err != nil {
				return err
			}
			b, err := read(secondBlock, j)
			if err != nil {
				return err
			}
			switch cmp := strings.Compare(a.key, b.key); {
			case cmp < 0:
				if err := write(a); err != nil {
					return err
				}
				i++
			case cmp > 0:
				if err := write(b); err != nil {
					return err
				}
				j++
			default:
				if err := write(a); err != nil {
					return err
				}
				i++
				j++
			}
		}
	}
	if err := vm.mem.PutWord(mergedBlock, out); err != nil {
		return err
	}

	firstTags, err := vm.readTags(first)
	if err != nil {
		return err
	}
	secondTags, err := vm.readTags(second)
	if err != nil {
		return err
	}
	union := mergeTagLists(firstTags, secondTags)
	if len(union) > 0 {
		tagsAddr, err := vm.writeTags(union)
		if err != nil {
			return err
		}
		merged.Tags = tagsAddr
		merged.HasTags = true
	}
	return vm.push(Simple(merged))
}

// ----------------------------------------------------------------------------
// Tags
// ----------------------------------------------------------------------------

// readTags loads the object's tag set: string addresses in stored
// (ascending address) order.
func (vm *VM) readTags(obj Value) ([]int, error) {
	if !obj.HasTags {
		return nil, nil
	}
	size, ok := vm.alloc.AllocatedSize(obj.Tags)
	if !ok {
		return nil, newVMErrorf(ErrUnallocatedAddress, "%d", obj.Tags)
	}
	count := size / WordSize
	tags := make([]int, count)
	for i := 0; i < count; i++ {
		addr, err := vm.mem.Word(obj.Tags + i*WordSize)
		if err != nil {
			return nil, err
		}
		tags[i] = addr
	}
	return tags, nil
}

// writeTags allocates a fresh tag block for the given addresses.
func (vm *VM) writeTags(tags []int) (int, error) {
	addr, err := vm.alloc.Malloc(len(tags)*WordSize, vm.roots())
	if err != nil {
		return 0, err
	}
	for i, t := range tags {
		if err := vm.mem.PutWord(addr+i*WordSize, t); err != nil {
			return 0, err
		}
	}
	return addr, nil
}

// mergeTagLists unions two address-sorted tag lists.
func mergeTagLists(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case i == len(a):
			out = append(out, b[j])
			j++
		case j == len(b):
			out = append(out, a[i])
			i++
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

// addTag pushes back the object with the tag added to its address-sorted
// tag set. Tags are identified by string address, not content, so equal
// text at a different address is a different tag. Adding a tag the object
// already carries is a no-op.
func (vm *VM) addTag() error {
	tagVal, _, err := vm.popKey()
	if err != nil {
		return err
	}
	obj, err := vm.popObject()
	if err != nil {
		return err
	}
	vm.pin(Simple(obj), Simple(tagVal))
	tags, err := vm.readTags(obj)
	if err != nil {
		return err
	}
	pos := sort.SearchInts(tags, tagVal.Addr)
	if pos < len(tags) && tags[pos] == tagVal.Addr {
		return vm.push(Simple(obj))
	}
	updated := make([]int, 0, len(tags)+1)
	updated = append(updated, tags[:pos]...)
	updated = append(updated, tagVal.Addr)
	updated = append(updated, tags[pos:]...)
	addr, err := vm.writeTags(updated)
	if err != nil {
		return err
	}
	if obj.HasTags {
		if err := vm.alloc.Free(obj.Tags); err != nil {
			return err
		}
	}
	obj.Tags = addr
	obj.HasTags = true
	return vm.push(Simple(obj))
}

// removeTag pushes back the object without the tag. Removing an absent tag
// is a no-op.
func (vm *VM) removeTag() error {
	tagVal, _, err := vm.popKey()
	if err != nil {
		return err
	}
	obj, err := vm.popObject()
	if err != nil {
		return err
	}
	vm.pin(Simple(obj))
	tags, err := vm.readTags(obj)
	if err != nil {
		return err
	}
	pos := sort.SearchInts(tags, tagVal.Addr)
	if pos == len(tags) || tags[pos] != tagVal.Addr {
		return vm.push(Simple(obj))
	}
	remaining := make([]int, 0, len(tags)-1)
	remaining = append(remaining, tags[:pos]...)
	remaining = append(remaining, tags[pos+1:]...)
	old := obj.Tags
	if len(remaining) == 0 {
		obj.Tags = 0
		obj.HasTags = false
	} else {
		// Write the shrunk set before freeing the old block; the old
		// block keeps the surviving tag strings rooted while writeTags
		// allocates.
		addr, err := vm.writeTags(remaining)
		if err != nil {
			return err
		}
		obj.Tags = addr
	}
	if err := vm.alloc.Free(old); err != nil {
		return err
	}
	return vm.push(Simple(obj))
}

func (vm *VM) checkTag() error {
	tagVal, _, err := vm.popKey()
	if err != nil {
		return err
	}
	obj, err := vm.popObject()
	if err != nil {
		return err
	}
	tags, err := vm.readTags(obj)
	if err != nil {
		return err
	}
	pos := sort.SearchInts(tags, tagVal.Addr)
	found := pos < len(tags) && tags[pos] == tagVal.Addr
	return vm.push(Simple(BoolValue(found)))
}
