// Package inject implements function-call injection into the tracee:
// build an mmap'd syscall stub, call the target function with up to
// six 8-byte-fitting arguments per the System V AMD64 ABI, and
// restore every register and instruction touched on every exit path.
package inject

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/breakpoint"
	"github.com/nvdbg/rdbg/internal/rerrors"
)

// Instruction byte widths assumed throughout.
const (
	lenSyscall = 2 // 0F 05
	lenJmpRax  = 2 // FF E0
	lenCallRax = 2 // FF D0
	lenInt3    = 1 // CC
)

var (
	syscallBytes = []byte{0x0F, 0x05}
	jmpRaxBytes  = []byte{0xFF, 0xE0}
	callRaxInt3  = []byte{0xFF, 0xD0, 0xCC}
)

// Tracee is the process-control surface the injector needs: register
// and memory I/O plus single-step/continue for one thread, and enough
// of the event loop to wait for the injected INT3.
type Tracee interface {
	GetRegs(tid int) (unix.PtraceRegs, error)
	SetRegs(tid int, regs unix.PtraceRegs) error
	ReadMemory(at addr.Relocated, out []byte) error
	WriteMemory(at addr.Relocated, data []byte) error
	SingleStep(tid int) error
	ContinueToTrap(tid int) error // continues tid until the next SIGTRAP (the injected INT3)
	Pid() int
}

// Arg is one injected-call argument. Only 8-byte-fitting scalars and
// pointers are supported; string/float/aggregate
// arguments are rejected at Call time.
type Arg struct {
	Kind ArgKind
	U64  uint64
}

type ArgKind int

const (
	ArgInt ArgKind = iota
	ArgPointer
	ArgString // always rejected: ABI step 3 requires 8-byte-fitting scalars/pointers.
)

// argRegisters is the System V AMD64 integer-argument register order.
var argRegisters = []func(r *unix.PtraceRegs, v uint64){
	func(r *unix.PtraceRegs, v uint64) { r.Rdi = v },
	func(r *unix.PtraceRegs, v uint64) { r.Rsi = v },
	func(r *unix.PtraceRegs, v uint64) { r.Rdx = v },
	func(r *unix.PtraceRegs, v uint64) { r.Rcx = v },
	func(r *unix.PtraceRegs, v uint64) { r.R8 = v },
	func(r *unix.PtraceRegs, v uint64) { r.R9 = v },
}

const pageSize = 4096

// Injector performs one call-injection session; it is not reentrant
// across concurrent calls on the same thread.
type Injector struct {
	tr  Tracee
	tid int
}

func New(tr Tracee, tid int) *Injector {
	return &Injector{tr: tr, tid: tid}
}

// Result is the outcome of a successful Call.
type Result struct {
	RAX uint64
}

// Call invokes fnAddr(args...) inside the tracee without leaving its
// address space. bps is disabled for the duration and restored
// before returning.
func (in *Injector) Call(fnAddr addr.Relocated, args []Arg, bps *breakpoint.Table) (*Result, error) {
	for _, a := range args {
		if a.Kind == ArgString {
			return nil, rerrors.New(rerrors.UnsupportedLiteral, "string literal arguments are unsupported")
		}
	}
	if len(args) > len(argRegisters) {
		return nil, rerrors.New(rerrors.TooManyArguments, fmt.Sprintf("at most %d arguments supported", len(argRegisters)))
	}

	savedRegs, err := in.tr.GetRegs(in.tid)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.Ptrace, "save registers", err)
	}
	savedWord := make([]byte, 8)
	if err := in.tr.ReadMemory(addr.Relocated(savedRegs.Rip), savedWord); err != nil {
		return nil, rerrors.Wrap(rerrors.NoData, "save instruction word", err)
	}

	var disabled []*breakpoint.Breakpoint
	for _, bp := range bps.List() {
		if bp.Active {
			_ = bps.Disable(bp)
			disabled = append(disabled, bp)
		}
	}
	restore := func() {
		_ = in.tr.WriteMemory(addr.Relocated(savedRegs.Rip), savedWord)
		_ = in.tr.SetRegs(in.tid, savedRegs)
		for _, bp := range disabled {
			_ = bps.Enable(bp)
		}
	}
	defer restore()

	page, err := in.mmapPage()
	if err != nil {
		return nil, err
	}
	defer func() { _ = in.munmapPage(page) }()

	if err := in.jumpInto(page); err != nil {
		return nil, err
	}

	regs, err := in.tr.GetRegs(in.tid)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.Ptrace, "read post-jump registers", err)
	}
	if err := in.tr.WriteMemory(addr.Relocated(regs.Rip), callRaxInt3); err != nil {
		return nil, rerrors.Wrap(rerrors.Jmp, "write call stub", err)
	}
	regs.Rax = uint64(fnAddr)
	for i, a := range args {
		argRegisters[i](&regs, a.U64)
	}
	if err := in.tr.SetRegs(in.tid, regs); err != nil {
		return nil, rerrors.Wrap(rerrors.Ptrace, "set call-site registers", err)
	}
	if err := in.tr.ContinueToTrap(in.tid); err != nil {
		return nil, rerrors.Wrap(rerrors.Ptrace, "continue to injected call's INT3", err)
	}

	final, err := in.tr.GetRegs(in.tid)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.Ptrace, "read return registers", err)
	}
	return &Result{RAX: final.Rax}, nil
}

// mmapPage builds a SYSCALL;JMP %rax stub over the current
// instruction word, sets up an mmap(0, pageSize, PROT_RWX,
// MAP_PRIVATE|MAP_ANON, -1, 0) call, single-steps the syscall, and
// verifies the returned pointer is in the tracee's address space by
// scanning /proc/<pid>/maps.
func (in *Injector) mmapPage() (addr.Relocated, error) {
	regs, err := in.tr.GetRegs(in.tid)
	if err != nil {
		return 0, rerrors.Wrap(rerrors.Ptrace, "read registers", err)
	}
	stub := make([]byte, 8)
	copy(stub, syscallBytes)
	copy(stub[lenSyscall:], jmpRaxBytes)
	if err := in.tr.WriteMemory(addr.Relocated(regs.Rip), stub); err != nil {
		return 0, rerrors.Wrap(rerrors.Mmap, "write mmap stub", err)
	}

	regs.Rax = unix.SYS_MMAP
	regs.Rdi = 0
	regs.Rsi = pageSize
	regs.Rdx = uint64(unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC)
	regs.R10 = uint64(unix.MAP_PRIVATE | unix.MAP_ANON)
	regs.R8 = ^uint64(0) // fd = -1
	regs.R9 = 0
	if err := in.tr.SetRegs(in.tid, regs); err != nil {
		return 0, rerrors.Wrap(rerrors.Ptrace, "set mmap syscall registers", err)
	}
	if err := in.tr.SingleStep(in.tid); err != nil {
		return 0, rerrors.Wrap(rerrors.Mmap, "step over mmap syscall", err)
	}

	after, err := in.tr.GetRegs(in.tid)
	if err != nil {
		return 0, rerrors.Wrap(rerrors.Ptrace, "read post-mmap registers", err)
	}
	ret := addr.Relocated(after.Rax)
	if int64(after.Rax) < 0 {
		return 0, rerrors.New(rerrors.Mmap, "mmap returned an error code")
	}
	if !in.inMappedRange(ret) {
		return 0, rerrors.New(rerrors.Mmap, "mmap result not found in /proc/<pid>/maps")
	}
	return ret, nil
}

// jumpInto moves execution into the mapped region.
func (in *Injector) jumpInto(page addr.Relocated) error {
	return in.jumpTo(page)
}

// munmapPage releases the mmapped page via the same syscall-stub
// pattern.
func (in *Injector) munmapPage(page addr.Relocated) error {
	regs, err := in.tr.GetRegs(in.tid)
	if err != nil {
		return rerrors.Wrap(rerrors.Ptrace, "read registers before munmap", err)
	}
	stub := make([]byte, 8)
	copy(stub, syscallBytes)
	if err := in.tr.WriteMemory(addr.Relocated(regs.Rip), stub); err != nil {
		return rerrors.Wrap(rerrors.Munmap, "write munmap stub", err)
	}
	regs.Rax = unix.SYS_MUNMAP
	regs.Rdi = uint64(page)
	regs.Rsi = pageSize
	if err := in.tr.SetRegs(in.tid, regs); err != nil {
		return rerrors.Wrap(rerrors.Ptrace, "set munmap registers", err)
	}
	if err := in.tr.SingleStep(in.tid); err != nil {
		return rerrors.Wrap(rerrors.Munmap, "step over munmap syscall", err)
	}
	return nil
}

func (in *Injector) inMappedRange(a addr.Relocated) bool {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", in.tr.Pid()))
	if err != nil {
		return true // can't verify; don't block on an unrelated /proc failure.
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), " ", 2)
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		lo, err1 := strconv.ParseUint(bounds[0], 16, 64)
		hi, err2 := strconv.ParseUint(bounds[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if uint64(a) >= lo && uint64(a) < hi {
			return true
		}
	}
	return false
}
