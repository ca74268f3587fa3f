package vm

import "iter"

// roots enumerates every heap address reachable from the VM: the live
// operand stack, the constant pool, the globals, the source-location file
// names, and anything pinned by the instruction in flight. The walk is
// transitive through arrays, objects, tag sets, uplift arrays, pointer
// cells and partial-application argument blocks; a visited set terminates
// cyclic object graphs. The allocator frees everything not enumerated
// here, so this walk is the whole of the collector's reachability
// analysis.
func (vm *VM) roots() iter.Seq[int] {
	return func(yield func(int) bool) {
		w := rootWalker{vm: vm, visited: make(map[int]bool)}
		for i := 0; i < vm.sp; i++ {
			w.compound(vm.stack[i])
		}
		for _, v := range vm.constants {
			w.value(v)
		}
		for _, cv := range vm.globals {
			w.compound(cv)
		}
		for _, cv := range vm.pinned {
			w.compound(cv)
		}
		for _, addr := range vm.pinnedAddrs {
			w.visited[addr] = true
		}
		for _, loc := range vm.locations {
			w.visited[loc.Address] = true
		}
		for addr := range w.visited {
			if !yield(addr) {
				return
			}
		}
	}
}

type rootWalker struct {
	vm      *VM
	visited map[int]bool
}

// mark records an address, returning false when it was already visited.
func (w *rootWalker) mark(addr int) bool {
	if w.visited[addr] {
		return false
	}
	w.visited[addr] = true
	return true
}

func (w *rootWalker) compound(cv CompoundValue) {
	w.value(cv.Value)
	for _, arg := range cv.Args {
		w.value(arg)
	}
}

// value marks the heap footprint of a single value. Decode failures are
// skipped: a cell the walk cannot read contributes no roots, and the
// corresponding access will fail with a proper error when the program
// actually touches it.
func (w *rootWalker) value(v Value) {
	switch v.Kind {
	case KindString:
		w.mark(v.Addr)

	case KindPointer:
		if !w.mark(v.Addr) {
			return
		}
		w.compoundCell(v.Addr)

	case KindArray:
		if !w.mark(v.Addr) {
			return
		}
		size, ok := w.vm.alloc.AllocatedSize(v.Addr)
		if !ok {
			return
		}
		for i := 0; i < size/CompoundSize; i++ {
			w.compoundCell(v.Addr + i*CompoundSize)
		}

	case KindObject:
		if w.mark(v.Addr) {
			w.object(v.Addr)
		}
		if v.HasTags && w.mark(v.Tags) {
			w.tags(v.Tags)
		}

	case KindFunction:
		if !v.HasUplifts || !w.mark(v.Uplifts) {
			return
		}
		size, ok := w.vm.alloc.AllocatedSize(v.Uplifts)
		if !ok {
			return
		}
		for i := 0; i < size/CompoundSize; i++ {
			w.compoundCell(v.Uplifts + i*CompoundSize)
		}
	}
}

// compoundCell walks a heap-resident CompoundValue cell, including a
// partial application's bound-argument block.
func (w *rootWalker) compoundCell(addr int) {
	cv, argsAddr, argsLen, err := w.vm.mem.Compound(addr)
	if err != nil {
		return
	}
	w.value(cv.Value)
	if cv.Kind == CompoundPartial && argsLen > 0 {
		if !w.mark(argsAddr) {
			return
		}
		for i := 0; i < argsLen; i++ {
			v, err := w.vm.mem.Value(argsAddr + i*ValueSize)
			if err != nil {
				return
			}
			w.value(v)
		}
	}
}

// object walks an indirection cell: the properties block, every key
// string and every property value.
func (w *rootWalker) object(cellAddr int) {
	block, err := w.vm.mem.Word(cellAddr)
	if err != nil {
		return
	}
	if !w.mark(block) {
		return
	}
	length, err := w.vm.mem.Word(block)
	if err != nil {
		return
	}
	for i := 0; i < length; i++ {
		entry := propEntryAddr(block, i)
		keyAddr, err := w.vm.mem.Word(entry)
		if err != nil {
			return
		}
		w.mark(keyAddr)
		v, err := w.vm.mem.Value(entry + WordSize)
		if err != nil {
			return
		}
		w.value(v)
	}
}

// tags marks every string address in a tag block.
func (w *rootWalker) tags(tagsAddr int) {
	size, ok := w.vm.alloc.AllocatedSize(tagsAddr)
	if !ok {
		return
	}
	for i := 0; i < size/WordSize; i++ {
		addr, err := w.vm.mem.Word(tagsAddr + i*WordSize)
		if err != nil {
			return
		}
		w.mark(addr)
	}
}
