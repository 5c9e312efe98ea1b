package unwind

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/nvdbg/rdbg/internal/addr"
)

// Supplement scans the stack for plausible return addresses when
// .eh_frame coverage runs out (syscall stubs, signal trampolines,
// hand-written assembly). A stack word qualifies when the bytes
// immediately preceding it decode as a CALL instruction and the
// address resolves to a known function. The DWARF unwinder remains
// the oracle for register values; frames produced here carry IP only.
func Supplement(mem MemReader, fn FuncResolver, sp addr.Relocated, maxFrames, maxScanWords int) []Frame {
	var out []Frame
	for i := 0; i < maxScanWords && len(out) < maxFrames; i++ {
		var slot [8]byte
		at := sp.Add(int64(i) * 8)
		if err := mem.ReadMemory(at, slot[:]); err != nil {
			break
		}
		word := leUint64(slot[:])
		if word < 0x1000 {
			continue
		}
		candidate := addr.Relocated(word)
		name, start, ok := fn.FunctionAt(candidate)
		if !ok {
			continue
		}
		if !precededByCall(mem, candidate) {
			continue
		}
		out = append(out, Frame{PC: candidate, FuncName: name, FuncStart: start})
	}
	return out
}

// precededByCall reports whether some CALL encoding ends exactly at
// ret. x86 CALL forms span 2-7 bytes, so each plausible width is
// tried against the decoder.
func precededByCall(mem MemReader, ret addr.Relocated) bool {
	var window [7]byte
	if err := mem.ReadMemory(ret.Add(-7), window[:]); err != nil {
		return false
	}
	for width := 2; width <= 7; width++ {
		inst, err := x86asm.Decode(window[7-width:], 64)
		if err != nil {
			continue
		}
		if inst.Op == x86asm.CALL && inst.Len == width {
			return true
		}
	}
	return false
}
