package step

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/breakpoint"
	"github.com/nvdbg/rdbg/internal/tracer"
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

func (m *fakeMem) WriteMemory(at addr.Relocated, data []byte) error {
	for i, b := range data {
		m.bytes[at.Add(int64(i))] = b
	}
	return nil
}

// fakeInfo serves a single function [0x1000, 0x1100) with statement
// boundaries every 0x10 bytes and a prolog ending at 0x1010.
type fakeInfo struct {
	inlined map[addr.Relocated]bool
}

func (f *fakeInfo) PlaceAt(pc addr.Relocated) (*Place, bool) {
	if pc < 0x1000 || pc >= 0x1100 {
		return nil, false
	}
	row := pc &^ 0xf
	return &Place{
		PC:        row,
		Line:      int(row-0x1000)/0x10 + 10,
		File:      "main.rs",
		FuncLo:    0x1000,
		FuncHi:    0x1100,
		PrologEnd: 0x1010,
	}, true
}

func (f *fakeInfo) StatementsIn(lo, hi addr.Relocated) []addr.Relocated {
	var out []addr.Relocated
	for pc := lo; pc < hi; pc = pc.Add(0x10) {
		out = append(out, pc)
	}
	return out
}

func (f *fakeInfo) InInlinedBody(pc addr.Relocated) bool { return f.inlined[pc] }

type fakeUnwinder struct {
	ret addr.Relocated
	err error
}

func (f *fakeUnwinder) ReturnAddress(tid int) (addr.Relocated, error) { return f.ret, f.err }

// scriptedThread advances its PC by stride per single-step and lets a
// test inject the Resume outcome.
type scriptedThread struct {
	pc     addr.Relocated
	stride int64
	resume func(stopped []int) (*tracer.Stop, error)
}

func (s *scriptedThread) thread() *Thread {
	return &Thread{
		Tid: 1,
		SingleStep: func(int) error {
			s.pc = s.pc.Add(s.stride)
			return nil
		},
		Resume: func(stopped []int) (*tracer.Stop, error) { return s.resume(stopped) },
		PC:     func() (addr.Relocated, error) { return s.pc, nil },
		SetPC:  func(pc addr.Relocated) error { s.pc = pc; return nil },
	}
}

func TestStepInstruction(t *testing.T) {
	bps := breakpoint.New(newFakeMem())
	eng := New(bps, &fakeInfo{}, &fakeUnwinder{})

	st := &scriptedThread{pc: 0x1020, stride: 4}
	res, err := eng.StepInstruction(st.thread())
	require.NoError(t, err)
	require.EqualValues(t, 0x1024, res.PC)
}

func TestStepInstructionOverBreakpoint(t *testing.T) {
	mem := newFakeMem()
	mem.WriteMemory(0x1020, []byte{0x55, 0, 0, 0, 0, 0, 0, 0})
	bps := breakpoint.New(mem)
	site := addr.Relocated(0x1020)
	bp, err := bps.AddAt(site, breakpoint.Site{Addr: &site}, breakpoint.User)
	require.NoError(t, err)

	eng := New(bps, &fakeInfo{}, &fakeUnwinder{})
	st := &scriptedThread{pc: 0x1020, stride: 4}
	st.resume = nil

	res, err := eng.StepInstruction(st.thread())
	require.NoError(t, err)
	require.EqualValues(t, 0x1024, res.PC)
	// The breakpoint is re-armed after the step.
	require.True(t, bp.Active)
	require.Equal(t, byte(0xCC), mem.bytes[site])
}

func TestStepInStopsOnNewLine(t *testing.T) {
	bps := breakpoint.New(newFakeMem())
	eng := New(bps, &fakeInfo{}, &fakeUnwinder{})

	// Start at line 12 (0x1020); steps of 8 reach 0x1030 = line 13.
	st := &scriptedThread{pc: 0x1020, stride: 8}
	res, err := eng.StepIn(st.thread(), 12, "main.rs")
	require.NoError(t, err)
	require.EqualValues(t, 0x1030, res.PC)
}

func TestStepInSkipsProlog(t *testing.T) {
	bps := breakpoint.New(newFakeMem())
	eng := New(bps, &fakeInfo{}, &fakeUnwinder{})

	// From 0x1000 (prolog) with line 10: must not stop before 0x1010.
	st := &scriptedThread{pc: 0x1000, stride: 8}
	res, err := eng.StepIn(st.thread(), 10, "main.rs")
	require.NoError(t, err)
	require.GreaterOrEqual(t, uint64(res.PC), uint64(0x1010))
}

func TestStepOutInstallsAndRemovesTemporary(t *testing.T) {
	mem := newFakeMem()
	bps := breakpoint.New(mem)
	retAddr := addr.Relocated(0x2040)
	mem.WriteMemory(retAddr, []byte{0x48, 0, 0, 0, 0, 0, 0, 0})
	eng := New(bps, &fakeInfo{}, &fakeUnwinder{ret: retAddr})

	st := &scriptedThread{pc: 0x1020}
	st.resume = func(stopped []int) (*tracer.Stop, error) {
		// The temporary must be armed while the tracee runs.
		_, armed := bps.AtAddr(retAddr)
		require.True(t, armed)
		return &tracer.Stop{Reason: tracer.Breakpoint, Pid: 1, PC: uint64(retAddr)}, nil
	}

	res, err := eng.StepOut(st.thread(), []int{1})
	require.NoError(t, err)
	require.EqualValues(t, retAddr, res.PC)
	require.Empty(t, bps.List())
	require.Equal(t, byte(0x48), mem.bytes[retAddr])
}

func TestStepOverInstallsStatementBreakpoints(t *testing.T) {
	mem := newFakeMem()
	bps := breakpoint.New(mem)
	info := &fakeInfo{inlined: map[addr.Relocated]bool{0x1050: true}}
	eng := New(bps, info, &fakeUnwinder{ret: 0x2040})

	st := &scriptedThread{pc: 0x1020}
	place, _ := info.PlaceAt(0x1020)

	var armed []addr.Relocated
	st.resume = func(stopped []int) (*tracer.Stop, error) {
		for _, bp := range bps.List() {
			armed = append(armed, bp.Load)
		}
		return &tracer.Stop{Reason: tracer.Breakpoint, Pid: 1, PC: 0x1030}, nil
	}

	res, err := eng.StepOver(st.thread(), []int{1}, place)
	require.NoError(t, err)
	require.EqualValues(t, 0x1030, res.PC)
	// Every temporary is gone afterwards.
	require.Empty(t, bps.List())

	require.Contains(t, armed, addr.Relocated(0x1030))
	require.Contains(t, armed, addr.Relocated(0x2040)) // return address
	require.NotContains(t, armed, addr.Relocated(0x1000)) // prolog
	require.NotContains(t, armed, addr.Relocated(0x1020)) // current line
	require.NotContains(t, armed, addr.Relocated(0x1050)) // inlined body
}

func TestStepOverSignalCleansUp(t *testing.T) {
	mem := newFakeMem()
	bps := breakpoint.New(mem)
	info := &fakeInfo{}
	eng := New(bps, info, &fakeUnwinder{ret: 0x2040})

	st := &scriptedThread{pc: 0x1020}
	place, _ := info.PlaceAt(0x1020)
	st.resume = func(stopped []int) (*tracer.Stop, error) {
		return &tracer.Stop{Reason: tracer.SignalStop, Pid: 1}, nil
	}

	res, err := eng.StepOver(st.thread(), []int{1}, place)
	require.NoError(t, err)
	require.True(t, res.Signal)
	require.Empty(t, bps.List())
}
