// Package debugger implements the Debugger façade: the
// single struct that mediates every client request, dispatching to
// internal/tracer for execution and to the lower-level readers for
// introspection. This is the only in-process entry point; the
// interactive surfaces (terminal UI, DAP server, command parsing) are
// clients of this package, not part of it.
package debugger

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/breakpoint"
	"github.com/nvdbg/rdbg/internal/dwarfdata"
	"github.com/nvdbg/rdbg/internal/inject"
	"github.com/nvdbg/rdbg/internal/loadmap"
	"github.com/nvdbg/rdbg/internal/regs"
	"github.com/nvdbg/rdbg/internal/rerrors"
	"github.com/nvdbg/rdbg/internal/step"
	"github.com/nvdbg/rdbg/internal/tracee"
	"github.com/nvdbg/rdbg/internal/tracer"
	"github.com/nvdbg/rdbg/internal/typegraph"
	"github.com/nvdbg/rdbg/internal/unwind"
	"github.com/nvdbg/rdbg/internal/value"
	"github.com/nvdbg/rdbg/internal/watchpoint"
)

// Debugger mediates every client request. One Debugger owns one
// tracee across its entire launch/attach/exit lifecycle;
// Restart re-launches the same binary into a fresh Debugger-internal
// state without the client needing a new façade instance.
type Debugger struct {
	cfg    Config
	events Events
	log    *logrus.Entry

	binPath string
	argv    []string

	tr  *tracee.Tracee
	trc *tracer.Tracer

	prog  *dwarfdata.Program
	lm    *loadmap.LoadMap
	graph *typegraph.Graph

	bps *breakpoint.Table
	wps map[int]*watchpoint.Table // per-thread debug-register tables
	uw  *unwind.Unwinder
	eng *step.Engine

	started bool
	exited  bool

	focusTid  int
	focusFrame int
	frames    []unwind.Frame // backtrace of the focused thread as of the last stop

	rDebugAddr addr.Relocated // 0 if the tracee has no dynamic section
}

// New constructs a Debugger for binPath, not yet started.
func New(binPath string, argv []string, cfg Config, events Events) (*Debugger, error) {
	prog, err := dwarfdata.Load(binPath)
	if err != nil {
		return nil, err
	}
	return &Debugger{
		cfg:     cfg,
		events:  events,
		log:     logrus.WithField("component", "debugger"),
		binPath: binPath,
		argv:    argv,
		prog:    prog,
		graph:   typegraph.New(prog),
		bps:     breakpoint.New(nil), // mem wired in Start, once the tracee exists
		wps:     map[int]*watchpoint.Table{},
	}, nil
}

// Start launches the tracee, absorbing its initial exec stop, and
// fires OnProcessInstall.
func (d *Debugger) Start() error {
	if d.started {
		return rerrors.New(rerrors.AlreadyRun, "debugger already started")
	}
	tr, err := tracee.Launch(d.binPath, d.argv, true, d.cfg.UsePTY)
	if err != nil {
		return err
	}
	return d.install(tr)
}

// Attach seizes an already-running process and all of its threads.
func (d *Debugger) Attach(pid int) error {
	if d.started {
		return rerrors.New(rerrors.AlreadyRun, "debugger already started")
	}
	tr, err := tracee.Attach(pid)
	if err != nil {
		return err
	}
	return d.install(tr)
}

func (d *Debugger) install(tr *tracee.Tracee) error {
	d.tr = tr
	d.trc = tracer.New(tr, tr.Pid)
	d.bps = breakpoint.New(tr)
	d.started = true
	d.focusTid = tr.Pid

	// Launch leaves the tracee stopped at its exec trap, and Attach
	// leaves every seized thread interrupt-stopped, so the session is
	// already in a consistent state to inspect.
	if d.events.OnProcessInstall != nil {
		d.events.OnProcessInstall(tr.Pid)
	}
	d.installLoadMapHook()
	return d.refreshUnwinder()
}

// installLoadMapHook builds the initial loadmap.LoadMap and arms the
// dynamic linker's r_brk rendezvous hook so future dlopen/dlclose
// calls re-resolve deferred breakpoints. A statically
// linked binary has no .dynamic section; that's not fatal, there's
// simply nothing to track.
func (d *Debugger) installLoadMapHook() {
	entry, err := d.prog.DebugBaseEntry()
	if err != nil {
		d.log.WithError(err).Debug("no dynamic section; shared-library load tracking disabled")
		return
	}
	var buf [8]byte
	if err := d.tr.ReadMemory(addr.Relocated(entry), buf[:]); err != nil {
		d.log.WithError(err).Warn("failed reading DT_DEBUG entry")
		return
	}
	rDebug := addr.Relocated(binary.LittleEndian.Uint64(buf[:]))
	if rDebug == 0 {
		d.log.Warn("DT_DEBUG not yet populated by the dynamic linker")
		return
	}
	if err := d.refreshLoadMap(rDebug); err != nil {
		d.log.WithError(err).Warn("failed building initial load map")
	}

	var rBrkBuf [8]byte
	if err := d.tr.ReadMemory(rDebug.Add(16), rBrkBuf[:]); err != nil {
		d.log.WithError(err).Warn("failed reading r_debug.r_brk")
		return
	}
	rBrk := addr.Relocated(binary.LittleEndian.Uint64(rBrkBuf[:]))
	if rBrk == 0 {
		return
	}
	if _, err := d.bps.AddAt(rBrk, breakpoint.Site{Function: "r_brk"}, breakpoint.Internal); err != nil {
		d.log.WithError(err).Warn("failed arming r_brk hook")
	}
	d.rDebugAddr = rDebug
}

// refreshLoadMap rebuilds d.lm from the rendezvous structure at rDebug.
func (d *Debugger) refreshLoadMap(rDebug addr.Relocated) error {
	lm, err := loadmap.New(d.tr, rDebug)
	if err != nil {
		return err
	}
	d.lm = lm
	return nil
}

// refreshUnwinder (re)builds the .eh_frame unwinder after a load event
// (initial exec, or a dlopen the caller has noticed).
//
// The unwinder covers the main executable's own .eh_frame only and is
// built with bias 0, so its addresses line up for a non-PIE binary; a
// PIE binary's load bias is not applied. Shared-library frames fall
// back to the no-FDE-coverage path the same way syscall and signal
// frames do.
func (d *Debugger) refreshUnwinder() error {
	data, base, err := d.prog.EhFrameSection()
	if err != nil {
		d.log.WithError(err).Warn("no .eh_frame section; backtraces limited to the current frame")
		d.eng = step.New(d.bps, stepInfo{d.prog}, threadUnwinder{d})
		return nil
	}
	uw, err := unwind.New(data, base, d.tr, funcResolver{d.prog}, 0)
	if err != nil {
		return err
	}
	d.uw = uw
	d.eng = step.New(d.bps, stepInfo{d.prog}, threadUnwinder{d})
	return nil
}

// funcResolver adapts dwarfdata.Program's Global-addressed FunctionAt
// to unwind.FuncResolver's Relocated-addressed one, under the same
// bias-0 assumption refreshUnwinder documents.
type funcResolver struct{ prog *dwarfdata.Program }

func (f funcResolver) FunctionAt(pc addr.Relocated) (string, addr.Relocated, bool) {
	name, start, ok := f.prog.FunctionAt(addr.Global(pc))
	return name, addr.Relocated(start), ok
}

// refreshFrames rebuilds the focused thread's backtrace after a
// stop.
func (d *Debugger) refreshFrames() error {
	d.focusFrame = 0
	if d.uw == nil {
		d.frames = nil
		return nil
	}
	dwregs, err := d.dwarfIndexedFor(d.focusTid)
	if err != nil {
		return err
	}
	frames, err := d.uw.Unwind(d.currentPCOrZero(), dwregs, 64)
	if err != nil {
		return err
	}
	if len(frames) < 2 {
		// Coverage ran out immediately (syscall or signal frame);
		// supplement with stack-scanned candidates.
		var raw unix.PtraceRegs
		if err := d.tr.GetRegs(d.focusTid, &raw); err == nil {
			frames = append(frames, unwind.Supplement(d.tr, funcResolver{d.prog}, addr.Relocated(raw.Rsp), 32, 512)...)
		}
	}
	d.frames = frames
	return nil
}

func (d *Debugger) stoppedTids() []int {
	var out []int
	for _, th := range d.tr.Threads() {
		out = append(out, th.Tid)
	}
	return out
}

// Continue resumes every stopped thread until the next reportable
// event.
func (d *Debugger) Continue() (*tracer.Stop, error) {
	if !d.started {
		return nil, rerrors.New(rerrors.ProcessNotStarted, "debugger not started")
	}
	stop, err := d.resumeRewound(d.stoppedTids())
	if err != nil {
		return nil, err
	}
	return d.handleStop(stop)
}

// resumeRewound wraps the tracer's resume: after a software
// breakpoint trap the thread's PC points one byte past the INT3, so
// it is rewound onto the patched instruction and recorded in the
// stop. Every resume in this package (continue and the stepping
// engine's) goes through here so breakpoint identification sees the
// true address.
func (d *Debugger) resumeRewound(stopped []int) (*tracer.Stop, error) {
	stop, err := d.trc.Resume(stopped)
	if err != nil {
		return nil, err
	}
	if stop.Reason != tracer.Breakpoint {
		return stop, nil
	}
	var raw unix.PtraceRegs
	if err := d.tr.GetRegs(stop.Pid, &raw); err != nil {
		return stop, nil
	}
	rewound := addr.Relocated(raw.Rip - 1)
	if _, ok := d.bps.AtAddr(rewound); ok {
		raw.Rip = uint64(rewound)
		if err := d.tr.SetRegs(stop.Pid, &raw); err != nil {
			return stop, err
		}
		stop.PC = uint64(rewound)
	} else {
		stop.PC = raw.Rip
	}
	return stop, nil
}

func (d *Debugger) handleStop(stop *tracer.Stop) (*tracer.Stop, error) {
	switch stop.Reason {
	case tracer.Exited:
		d.exited = true
		if d.events.OnExit != nil {
			d.events.OnExit(stop.ExitCode)
		}
	case tracer.Breakpoint:
		bp, known := d.bps.AtAddr(addr.Relocated(stop.PC))
		if known && bp.Kind == breakpoint.Internal {
			if err := d.refreshLoadMap(d.rDebugAddr); err != nil {
				d.log.WithError(err).Warn("failed refreshing load map on r_brk hit")
			}
			if err := d.onObjectLoaded(); err != nil {
				return stop, err
			}
			if err := d.refreshUnwinder(); err != nil {
				return stop, err
			}
			return d.Continue()
		}
		d.focusTid = stop.Pid
		if err := d.refreshFrames(); err != nil {
			return stop, err
		}
		if known && d.companionHit(bp) {
			return stop, nil
		}
		if known && bp.Kind == breakpoint.Temporary {
			_ = d.bps.Remove(bp.ID)
		}
		if d.events.OnBreakpoint != nil {
			pc := addr.Relocated(stop.PC)
			line, file := 0, ""
			if pl, ok := d.placeAt(pc); ok {
				line, file = pl.Line, pl.File
			}
			d.events.OnBreakpoint(stop.Pid, pc, line, file)
		}
	case tracer.Watchpoint:
		d.focusTid = stop.Pid
		if err := d.refreshFrames(); err != nil {
			return stop, err
		}
		d.handleWatchpointStop(stop.Pid)
	case tracer.SignalStop:
		if d.events.OnSignal != nil {
			d.events.OnSignal(stop.Pid, int(stop.Signal))
		}
	}
	return stop, nil
}

// Restart kills the current tracee (if any) and launches a fresh
// instance of the same binary.
func (d *Debugger) Restart() error {
	if d.tr != nil && !d.exited {
		_ = d.tr.Detach(true)
	}
	d.started, d.exited = false, false
	d.focusTid, d.focusFrame = 0, 0
	d.frames = nil
	d.bps = breakpoint.New(nil)
	d.wps = map[int]*watchpoint.Table{}
	d.eng = nil
	return d.Start()
}

// currentPCOrZero returns the focused thread's current relocated PC,
// or 0 if it can't be read (process exited, etc).
func (d *Debugger) currentPCOrZero() addr.Relocated {
	var raw unix.PtraceRegs
	if err := d.tr.GetRegs(d.focusTid, &raw); err != nil {
		return 0
	}
	return addr.Relocated(raw.Rip)
}

func (d *Debugger) placeAt(pc addr.Relocated) (*dwarfdata.Line, bool) {
	u := d.prog.FindUnitByPC(addr.Global(pc))
	if u == nil {
		return nil, false
	}
	return u.FindPlaceFromPC(addr.Global(pc))
}

// CurrentPC implements dqe.Resolver's frame-scoping hook: the
// enclosing function's global PC for the focused thread/frame.
func (d *Debugger) CurrentPC() (addr.Global, bool) {
	if d.focusFrame < len(d.frames) {
		return addr.Global(d.frames[d.focusFrame].PC), true
	}
	return addr.Global(d.currentPCOrZero()), d.started && !d.exited
}

// SwitchThread changes which thread steers register and variable
// reads.
func (d *Debugger) SwitchThread(tid int) error {
	if err := d.tr.SetFocus(tid); err != nil {
		return err
	}
	d.focusTid = tid
	d.focusFrame = 0
	return d.refreshFrames()
}

// SwitchFrame changes which unwound frame variable reads use.
func (d *Debugger) SwitchFrame(n int) error {
	if n < 0 || n >= len(d.frames) {
		return rerrors.New(rerrors.PlaceNotFound, fmt.Sprintf("no frame %d", n))
	}
	d.focusFrame = n
	return nil
}

// Symbol returns every demangled linkage name matching re.
func (d *Debugger) Symbol(re *regexp.Regexp) []string {
	return d.prog.Symbol(re)
}

// ReadMemory reads size bytes out of the tracee.
func (d *Debugger) ReadMemory(at addr.Relocated, size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := d.tr.ReadMemory(at, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteMemory writes word into the tracee.
func (d *Debugger) WriteMemory(at addr.Relocated, word []byte) error {
	return d.tr.WriteMemory(at, word)
}

// Registers reads a thread's architectural register view; tid 0
// means the focused thread.
func (d *Debugger) Registers(tid int) (regs.Architectural, error) {
	if tid == 0 {
		tid = d.focusTid
	}
	var raw unix.PtraceRegs
	if err := d.tr.GetRegs(tid, &raw); err != nil {
		return regs.Architectural{}, err
	}
	return regs.FromPtrace(raw), nil
}

// dwarfIndexedFor reads tid's current registers into a DWARF-indexed
// view, used by internal/locexpr and internal/unwind.
func (d *Debugger) dwarfIndexedFor(tid int) (regs.DwarfIndexed, error) {
	var raw unix.PtraceRegs
	if err := d.tr.GetRegs(tid, &raw); err != nil {
		return regs.DwarfIndexed{}, err
	}
	return regs.NewDwarfIndexed(&raw), nil
}

// resolveTypeByName is the common "find a type graph node by its
// DWARF display name" helper used by DQE's PtrCast/DataCast roots and
// internal/async's Cell<T,S> resolution.
func (d *Debugger) resolveTypeByName(name string) (*typegraph.Type, dwarfdata.DieRef, error) {
	for _, u := range d.prog.Units {
		for i, die := range u.Dies {
			if die.Tag != dwarf.TagStructType && die.Tag != dwarf.TagBaseType && die.Tag != dwarf.TagEnumerationType {
				continue
			}
			if die.Name != name {
				continue
			}
			ref := dwarfdata.DieRef{Unit: u.Index, Node: i}
			t, err := d.graph.Resolve(ref)
			return t, ref, err
		}
	}
	return nil, dwarfdata.DieRef{}, rerrors.New(rerrors.TypeNotFound, name)
}

// ValueAt materializes a typed value of the named type at a relocated
// address, serving pointer-cast roots and internal/async's Reader.
func (d *Debugger) ValueAt(typeName string, at addr.Relocated) (*value.Value, error) {
	t, _, err := d.resolveTypeByName(typeName)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, t.Size)
	if err := d.tr.ReadMemory(at, buf); err != nil {
		return nil, rerrors.Wrap(rerrors.NoData, "read value at address", err)
	}
	a := at
	return value.New(t, value.Region{Raw: buf, Addr: &a, Size: t.Size}, d.graph, d.tr, d.prog), nil
}

// ContextTLS resolves the scheduler's CONTEXT thread-local for tid,
// using FSBase as the TLS base.
func (d *Debugger) ContextTLS(tid int) (addr.Relocated, error) {
	var raw unix.PtraceRegs
	if err := d.tr.GetRegs(tid, &raw); err != nil {
		return 0, err
	}
	a := regs.FromPtrace(raw)
	return addr.Relocated(a.FSBase()), nil
}

// ResolveTLS implements internal/locexpr.TLSResolver the same way:
// FSBase plus the module-local offset. On x86-64 glibc the thread
// pointer is FSBase, so this resolves the common static-TLS model
// without a libthread_db binding.
func (d *Debugger) ResolveTLS(tid int, moduleLocalOffset uint64) (addr.Relocated, error) {
	var raw unix.PtraceRegs
	if err := d.tr.GetRegs(tid, &raw); err != nil {
		return 0, err
	}
	arch := regs.FromPtrace(raw)
	return addr.Relocated(arch.FSBase() + moduleLocalOffset), nil
}

func (d *Debugger) watchpointTableFor(tid int) *watchpoint.Table {
	if t, ok := d.wps[tid]; ok {
		return t
	}
	slots := regs.NewSlots(tid, d.tr)
	t := watchpoint.New(slots, d.tr, d.bps)
	d.wps[tid] = t
	return t
}

// asyncReader adapts *Debugger to internal/async's narrower Reader
// interface, whose ReadMemory takes a caller-supplied out-buffer
// rather than returning a freshly allocated one.
type asyncReader struct {
	d *Debugger
}

func (a asyncReader) ReadMemory(at addr.Relocated, out []byte) error {
	return a.d.tr.ReadMemory(at, out)
}
func (a asyncReader) ValueAt(typeName string, at addr.Relocated) (*value.Value, error) {
	return a.d.ValueAt(typeName, at)
}
func (a asyncReader) ContextTLS(tid int) (addr.Relocated, error) {
	return a.d.ContextTLS(tid)
}

// injectorTracee adapts *internal/tracee.Tracee to internal/inject's
// narrower Tracee interface (GetRegs/SetRegs without the caller
// supplying an out-pointer, and a ContinueToTrap convenience the
// injector's wait loop needs).
type injectorTracee struct {
	tr  *tracee.Tracee
	trc *tracer.Tracer
}

func (a injectorTracee) GetRegs(tid int) (unix.PtraceRegs, error) {
	var raw unix.PtraceRegs
	err := a.tr.GetRegs(tid, &raw)
	return raw, err
}
func (a injectorTracee) SetRegs(tid int, regs unix.PtraceRegs) error { return a.tr.SetRegs(tid, &regs) }
func (a injectorTracee) ReadMemory(at addr.Relocated, out []byte) error {
	return a.tr.ReadMemory(at, out)
}
func (a injectorTracee) WriteMemory(at addr.Relocated, data []byte) error {
	return a.tr.WriteMemory(at, data)
}
func (a injectorTracee) SingleStep(tid int) error { return a.tr.SingleStep(tid, 0) }
func (a injectorTracee) ContinueToTrap(tid int) error {
	if err := a.tr.Cont(tid, 0); err != nil {
		return err
	}
	for {
		_, status, err := a.tr.Wait(tid)
		if err != nil {
			return err
		}
		if status.Stopped() && status.StopSignal() == unix.SIGTRAP {
			return nil
		}
	}
}
func (a injectorTracee) Pid() int { return a.tr.Pid }

// Call invokes fn(args...) inside the tracee without disturbing
// pending breakpoints or registers.
func (d *Debugger) Call(fn string, args []inject.Arg) (*inject.Result, error) {
	refs, err := d.prog.FindFunctionByName(fn)
	if err != nil {
		return nil, err
	}
	if len(refs) != 1 {
		return nil, rerrors.New(rerrors.FunctionNotFoundOrTooMany, fn)
	}
	die := d.prog.Die(refs[0])
	lo, _, ok := die.Range()
	if !ok {
		return nil, rerrors.New(rerrors.FunctionNotFoundOrTooMany, fn+" has no address range")
	}
	inj := inject.New(injectorTracee{tr: d.tr, trc: d.trc}, d.focusTid)
	return inj.Call(addr.Relocated(lo), args, d.bps)
}

// FormatValue renders the value selected by a data-query expression
// through the tracee's own Debug implementation: it resolves
// <T as core::fmt::Debug>::fmt for the value's type and injects a
// call with a hand-constructed Formatter whose layout matches the
// binary's recorded toolchain version.
func (d *Debugger) FormatValue(src string) (string, error) {
	vals, err := d.ReadVariable(src)
	if err != nil {
		return "", err
	}
	if len(vals) != 1 {
		return "", rerrors.New(rerrors.FunctionNotFoundOrTooMany, "format expression must resolve to exactly one value")
	}
	v := vals[0]
	if v.Region.Addr == nil {
		return "", rerrors.New(rerrors.NoData, "value has no in-tracee storage to format")
	}

	minor, ok := d.prog.ToolchainMinor()
	if !ok {
		return "", rerrors.New(rerrors.UnsupportedRustC, "binary records no recognisable toolchain version")
	}
	layouts, err := inject.LoadDefaultLayouts()
	if err != nil {
		return "", err
	}
	layout, err := layouts.For(minor)
	if err != nil {
		return "", err
	}

	fmtFn, ok := d.prog.SymbolAddr("<" + v.Type.Name + " as core::fmt::Debug>::fmt")
	if !ok {
		return "", rerrors.New(rerrors.FunctionNotFound, "no Debug impl for "+v.Type.Name)
	}
	writeStr, ok := d.prog.SymbolAddr("<alloc::string::String as core::fmt::Write>::write_str")
	if !ok {
		return "", rerrors.New(rerrors.FunctionNotFound, "no String write_str in the tracee")
	}

	inj := inject.New(injectorTracee{tr: d.tr, trc: d.trc}, d.focusTid)
	return inj.DebugFormat(addr.Relocated(fmtFn), addr.Relocated(writeStr), *v.Region.Addr, layout, layouts, d.bps)
}
