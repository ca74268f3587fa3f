package vm

import (
	"syscall"
	"unsafe"
)

const maxSyscallArgs = 6

// sysCall is the VM's only host interface. The stack carries, top first,
// the argument count, the syscall number, then the arguments with the
// first argument topmost. Strings are passed as raw pointers into the
// VM's memory buffer, so the kernel reads the bytes in place; everything
// else is truncated to a machine word. The raw return value is pushed as
// an Integer.
func (vm *VM) sysCall() error {
	argc, err := vm.popInteger()
	if err != nil {
		return err
	}
	if argc < 0 || argc > maxSyscallArgs {
		return newVMErrorf(ErrIndexOutOfRange, "syscall argument count %d", argc)
	}
	number, err := vm.popInteger()
	if err != nil {
		return err
	}
	var args [maxSyscallArgs]uintptr
	for i := 0; i < argc; i++ {
		cv, err := vm.dereferencePop()
		if err != nil {
			return err
		}
		word, err := vm.syscallWord(cv)
		if err != nil {
			return err
		}
		args[i] = word
	}
	r1, _, _ := syscall.Syscall6(uintptr(number),
		args[0], args[1], args[2], args[3], args[4], args[5])
	return vm.push(Simple(IntegerValue(int64(r1))))
}

func (vm *VM) syscallWord(cv CompoundValue) (uintptr, error) {
	if cv.Kind != CompoundSimple {
		return 0, newVMErrorf(ErrExpectedNumber, "got %s", cv)
	}
	switch v := cv.Value; v.Kind {
	case KindInteger:
		return uintptr(v.Int), nil
	case KindFloat:
		return uintptr(int64(v.Float)), nil
	case KindBool:
		if v.Bool {
			return 1, nil
		}
		return 0, nil
	case KindString:
		buf, err := vm.mem.base(v.Addr)
		if err != nil {
			return 0, err
		}
		return uintptr(unsafe.Pointer(&buf[0])), nil
	default:
		return 0, newVMErrorf(ErrExpectedNumber, "got %s", cv.Value)
	}
}
