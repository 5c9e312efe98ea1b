// Package regs provides two views over the x86-64 general-register
// block: an architectural view with named accessors, and
// a DWARF-register-number-indexed sparse view used by the location
// evaluator (internal/locexpr) and the unwinder (internal/unwind).
//
package regs

import (
	delveregnum "github.com/go-delve/delve/pkg/dwarf/regnum"
	"golang.org/x/sys/unix"
)

// Architectural is a named-accessor view over one thread's general
// registers, backed by the raw PtraceRegs the kernel hands back.
type Architectural struct {
	raw unix.PtraceRegs
}

// FromPtrace wraps a raw PtraceRegs snapshot.
func FromPtrace(r unix.PtraceRegs) Architectural { return Architectural{raw: r} }

func (a Architectural) Raw() unix.PtraceRegs { return a.raw }

func (a *Architectural) RIP() uint64 { return a.raw.Rip }
func (a *Architectural) RSP() uint64 { return a.raw.Rsp }
func (a *Architectural) RBP() uint64 { return a.raw.Rbp }
func (a *Architectural) RAX() uint64 { return a.raw.Rax }

func (a *Architectural) SetRIP(v uint64) { a.raw.Rip = v }
func (a *Architectural) SetRSP(v uint64) { a.raw.Rsp = v }
func (a *Architectural) SetRAX(v uint64) { a.raw.Rax = v }
func (a *Architectural) SetRDI(v uint64) { a.raw.Rdi = v }
func (a *Architectural) SetRSI(v uint64) { a.raw.Rsi = v }
func (a *Architectural) SetRDX(v uint64) { a.raw.Rdx = v }
func (a *Architectural) SetRCX(v uint64) { a.raw.Rcx = v }
func (a *Architectural) SetR8(v uint64)  { a.raw.R8 = v }
func (a *Architectural) SetR9(v uint64)  { a.raw.R9 = v }

// FSBase / GSBase back TLS resolution (debugger.Debugger's TLS
// resolver adds the thread-local offset to FSBase).
func (a *Architectural) FSBase() uint64 { return a.raw.Fs_base }
func (a *Architectural) GSBase() uint64 { return a.raw.Gs_base }

// dwarfToField maps a DWARF x86-64 register number (regnum.AMD64_*)
// to an accessor over unix.PtraceRegs.
var dwarfToField = map[uint64]func(r *unix.PtraceRegs) *uint64{
	delveregnum.AMD64_Rax: func(r *unix.PtraceRegs) *uint64 { return &r.Rax },
	delveregnum.AMD64_Rdx: func(r *unix.PtraceRegs) *uint64 { return &r.Rdx },
	delveregnum.AMD64_Rcx: func(r *unix.PtraceRegs) *uint64 { return &r.Rcx },
	delveregnum.AMD64_Rbx: func(r *unix.PtraceRegs) *uint64 { return &r.Rbx },
	delveregnum.AMD64_Rsi: func(r *unix.PtraceRegs) *uint64 { return &r.Rsi },
	delveregnum.AMD64_Rdi: func(r *unix.PtraceRegs) *uint64 { return &r.Rdi },
	delveregnum.AMD64_Rbp: func(r *unix.PtraceRegs) *uint64 { return &r.Rbp },
	delveregnum.AMD64_Rsp: func(r *unix.PtraceRegs) *uint64 { return &r.Rsp },
	delveregnum.AMD64_R8:  func(r *unix.PtraceRegs) *uint64 { return &r.R8 },
	delveregnum.AMD64_R9:  func(r *unix.PtraceRegs) *uint64 { return &r.R9 },
	delveregnum.AMD64_R10: func(r *unix.PtraceRegs) *uint64 { return &r.R10 },
	delveregnum.AMD64_R11: func(r *unix.PtraceRegs) *uint64 { return &r.R11 },
	delveregnum.AMD64_R12: func(r *unix.PtraceRegs) *uint64 { return &r.R12 },
	delveregnum.AMD64_R13: func(r *unix.PtraceRegs) *uint64 { return &r.R13 },
	delveregnum.AMD64_R14: func(r *unix.PtraceRegs) *uint64 { return &r.R14 },
	delveregnum.AMD64_R15: func(r *unix.PtraceRegs) *uint64 { return &r.R15 },
	delveregnum.AMD64_Rip: func(r *unix.PtraceRegs) *uint64 { return &r.Rip },
}

// DwarfIndexed looks up registers by DWARF register number rather than
// by architectural name; internal/locexpr's DW_OP_regN/bregN handlers
// and internal/unwind's register-rule evaluator both index this way.
type DwarfIndexed struct {
	raw *unix.PtraceRegs
}

func NewDwarfIndexed(raw *unix.PtraceRegs) DwarfIndexed { return DwarfIndexed{raw: raw} }

// Get returns the value of DWARF register num and whether it is known.
func (d DwarfIndexed) Get(num uint64) (uint64, bool) {
	f, ok := dwarfToField[num]
	if !ok {
		return 0, false
	}
	return *f(d.raw), true
}

// Set writes DWARF register num. It is an error (no-op, false) to set
// an unmapped register.
func (d DwarfIndexed) Set(num uint64, v uint64) bool {
	f, ok := dwarfToField[num]
	if !ok {
		return false
	}
	*f(d.raw) = v
	return true
}
