package vm

import "fmt"

// VMErrorKind classifies runtime failures of the interpreter loop.
type VMErrorKind int

const (
	ErrStackOverflow VMErrorKind = iota
	ErrEmptyStack
	ErrExpectedNumbers
	ErrExpectedNumber
	ErrExpectedString
	ErrExpectedStrings
	ErrExpectedFunction
	ErrExpectedArray
	ErrExpectedObject
	ErrIndexOutOfRange
	ErrNotEnoughArguments
	ErrInvalidConstant
	ErrUnallocatedAddress
	ErrGlobalDoesntExist
	ErrPropertyDoesntExist
	ErrUnstorableValue
)

var vmErrorMessages = map[VMErrorKind]string{
	ErrStackOverflow:       "stack overflow",
	ErrEmptyStack:          "empty stack",
	ErrExpectedNumbers:     "expected two numbers on the stack",
	ErrExpectedNumber:      "expected a number on the stack",
	ErrExpectedString:      "expected a string on the stack",
	ErrExpectedStrings:     "expected two strings on the stack",
	ErrExpectedFunction:    "expected a function on the stack",
	ErrExpectedArray:       "expected an array on the stack",
	ErrExpectedObject:      "expected an object on the stack",
	ErrIndexOutOfRange:     "index out of range",
	ErrNotEnoughArguments:  "not enough arguments for function call",
	ErrInvalidConstant:     "invalid constant",
	ErrUnallocatedAddress:  "unallocated address",
	ErrGlobalDoesntExist:   "global doesn't exist",
	ErrPropertyDoesntExist: "property doesn't exist",
	ErrUnstorableValue:     "value cannot be stored in an object",
}

// VMError is a runtime execution failure. When the failing instruction
// carried a location, File and Line attribute the failure to the source
// that produced the bytecode.
type VMError struct {
	Kind   VMErrorKind
	Detail string
	File   string
	Line   int
}

func (e *VMError) message() string {
	msg, ok := vmErrorMessages[e.Kind]
	if !ok {
		msg = "unknown error"
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

func (e *VMError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("[%s line %d] %s", e.File, e.Line, e.message())
	}
	return e.message()
}

func newVMError(kind VMErrorKind) *VMError {
	return &VMError{Kind: kind}
}

func newVMErrorf(kind VMErrorKind, format string, args ...any) *VMError {
	return &VMError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
