package vm

// Frame is one activation record. StackOffset is the absolute stack index
// of the frame's first argument slot; locals are addressed relative to it.
type Frame struct {
	IP          int
	StackOffset int
	Arity       int
}

// Location attributes an instruction to a line of the source file whose
// name is stored at Address. The ROM carries one table entry per distinct
// source position.
type Location struct {
	Address int // heap address of the file name string
	Line    int
}
