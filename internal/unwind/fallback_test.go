package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvdbg/rdbg/internal/addr"
)

type fakeMem struct {
	bytes map[addr.Relocated]byte
}

func newFakeMem() *fakeMem { return &fakeMem{bytes: map[addr.Relocated]byte{}} }

func (m *fakeMem) ReadMemory(at addr.Relocated, out []byte) error {
	for i := range out {
		out[i] = m.bytes[at.Add(int64(i))]
	}
	return nil
}

func (m *fakeMem) load(at addr.Relocated, data []byte) {
	for i, b := range data {
		m.bytes[at.Add(int64(i))] = b
	}
}

func (m *fakeMem) putU64(at addr.Relocated, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.load(at, buf[:])
}

type fakeResolver struct {
	funcs map[addr.Relocated]string
}

func (f *fakeResolver) FunctionAt(pc addr.Relocated) (string, addr.Relocated, bool) {
	for start, name := range f.funcs {
		if pc >= start && pc < start.Add(0x100) {
			return name, start, true
		}
	}
	return "", 0, false
}

func TestPrecededByCallDirect(t *testing.T) {
	mem := newFakeMem()
	ret := addr.Relocated(0x401015)
	// E8 rel32: a 5-byte direct call ending exactly at ret.
	mem.load(ret.Add(-5), []byte{0xE8, 0x10, 0x00, 0x00, 0x00})
	require.True(t, precededByCall(mem, ret))
}

func TestPrecededByCallIndirect(t *testing.T) {
	mem := newFakeMem()
	ret := addr.Relocated(0x401010)
	// FF D0: call %rax, 2 bytes.
	mem.load(ret.Add(-2), []byte{0xFF, 0xD0})
	require.True(t, precededByCall(mem, ret))
}

func TestNotPrecededByCall(t *testing.T) {
	mem := newFakeMem()
	ret := addr.Relocated(0x401010)
	mem.load(ret.Add(-7), []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90})
	require.False(t, precededByCall(mem, ret))
}

func TestSupplementScansStack(t *testing.T) {
	mem := newFakeMem()
	fn := &fakeResolver{funcs: map[addr.Relocated]string{0x401000: "caller"}}

	sp := addr.Relocated(0x7ffe000)
	mem.putU64(sp, 0x12)              // too small: skipped
	mem.putU64(sp.Add(8), 0x401015)   // plausible return address
	mem.putU64(sp.Add(16), 0x999999)  // resolves to no function
	mem.load(addr.Relocated(0x401010), []byte{0xE8, 0x10, 0x00, 0x00, 0x00})

	frames := Supplement(mem, fn, sp, 8, 16)
	require.Len(t, frames, 1)
	require.EqualValues(t, 0x401015, frames[0].PC)
	require.Equal(t, "caller", frames[0].FuncName)
}
