package vm

import (
	"strings"
	"testing"
)

func TestAllOpcodesHaveMetadata(t *testing.T) {
	for _, op := range AllOpcodes() {
		name := op.String()
		if name == "" || strings.HasPrefix(name, "UNKNOWN") {
			t.Errorf("opcode 0x%02X has no name", byte(op))
		}
	}
}

func TestOpcodeEncodedLen(t *testing.T) {
	if got := OpPlus.EncodedLen(); got != 9 {
		t.Errorf("operand-less instruction length: expected 9, got %d", got)
	}
	if got := OpConstant.EncodedLen(); got != 17 {
		t.Errorf("operand instruction length: expected 17, got %d", got)
	}
}

func TestSerializableRange(t *testing.T) {
	for _, op := range AllOpcodes() {
		want := op <= OpToStr
		if got := op.IsSerializable(); got != want {
			t.Errorf("%s: IsSerializable = %v, want %v", op, got, want)
		}
	}
}

func TestInstructionRoundTrip(t *testing.T) {
	tests := []Instruction{
		{Op: OpReturn, Location: 3},
		{Op: OpConstant, Operand: 42, Location: 0},
		{Op: OpLoop, Operand: 7, Location: 12},
		{Op: OpNoop, Location: 1},
	}
	for _, want := range tests {
		buf := want.encode(nil)
		if len(buf) != want.Op.EncodedLen() {
			t.Errorf("%s: encoded %d bytes, expected %d", want.Op, len(buf), want.Op.EncodedLen())
		}
		got, n, err := decodeInstruction(buf)
		if err != nil {
			t.Fatalf("%s: decode: %v", want.Op, err)
		}
		if n != len(buf) {
			t.Errorf("%s: consumed %d bytes of %d", want.Op, n, len(buf))
		}
		if got != want {
			t.Errorf("decoded %+v, want %+v", got, want)
		}
	}
}

func TestDecodeInstructionErrors(t *testing.T) {
	if _, _, err := decodeInstruction(nil); err == nil {
		t.Error("expected error decoding empty buffer")
	}
	if _, _, err := decodeInstruction([]byte{0xEE}); err == nil {
		t.Error("expected error for unknown opcode")
	}
	// CONSTANT needs 17 bytes; hand it 5.
	if _, _, err := decodeInstruction([]byte{byte(OpConstant), 1, 2, 3, 4}); err == nil {
		t.Error("expected error for truncated operand")
	}
}

func TestInstructionString(t *testing.T) {
	in := Instruction{Op: OpConstant, Operand: 9}
	if got := in.String(); got != "CONSTANT 9" {
		t.Errorf("expected %q, got %q", "CONSTANT 9", got)
	}
	bare := Instruction{Op: OpSwap}
	if got := bare.String(); got != "SWAP" {
		t.Errorf("expected %q, got %q", "SWAP", got)
	}
}
