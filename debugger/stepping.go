package debugger

import (
	"debug/dwarf"

	"golang.org/x/sys/unix"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/async"
	"github.com/nvdbg/rdbg/internal/dwarfdata"
	"github.com/nvdbg/rdbg/internal/regs"
	"github.com/nvdbg/rdbg/internal/rerrors"
	"github.com/nvdbg/rdbg/internal/step"
	"github.com/nvdbg/rdbg/internal/tracer"
)

// stepInfo adapts *internal/dwarfdata.Program to internal/step.Info:
// "what place is this pc" and "what statement boundaries exist in a
// function's range" without internal/step depending on dwarfdata
// directly (kept decoupled so step's tests can fake a tiny line
// table, per its own doc comment).
type stepInfo struct{ prog *dwarfdata.Program }

func (s stepInfo) PlaceAt(pc addr.Relocated) (*step.Place, bool) {
	g := addr.Global(pc)
	u := s.prog.FindUnitByPC(g)
	if u == nil {
		return nil, false
	}
	line, ok := u.FindPlaceFromPC(g)
	if !ok {
		return nil, false
	}
	node, ok := u.FindFunctionByPC(g)
	if !ok {
		return nil, false
	}
	lo, hi, _ := u.Dies[node].Range()
	prologEnd, err := s.prog.FunctionEntryAfterPrologue(dwarfdata.DieRef{Unit: u.Index, Node: node})
	if err != nil {
		prologEnd = lo
	}
	return &step.Place{
		PC:        addr.Relocated(line.Address),
		Line:      line.Line,
		File:      line.File,
		FuncLo:    addr.Relocated(lo),
		FuncHi:    addr.Relocated(hi),
		PrologEnd: addr.Relocated(prologEnd),
	}, true
}

func (s stepInfo) StatementsIn(lo, hi addr.Relocated) []addr.Relocated {
	u := s.prog.FindUnitByPC(addr.Global(lo))
	if u == nil {
		return nil
	}
	seen := map[addr.Relocated]bool{}
	var out []addr.Relocated
	for _, l := range u.Lines {
		if l.Address < addr.Global(lo) || l.Address >= addr.Global(hi) || !l.IsStmt {
			continue
		}
		a := addr.Relocated(l.Address)
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

func (s stepInfo) InInlinedBody(pc addr.Relocated) bool {
	g := addr.Global(pc)
	u := s.prog.FindUnitByPC(g)
	if u == nil {
		return false
	}
	node, ok := u.FindFunctionByPC(g)
	if !ok {
		return false
	}
	return u.Dies[node].Tag == dwarf.TagInlinedSubroutine
}

// threadUnwinder adapts internal/unwind.Unwinder's (pc, initial regs)
// shape to internal/step.Unwinder's (tid) shape: the engine only ever
// needs the caller's return address for the thread it's stepping.
type threadUnwinder struct{ d *Debugger }

func (t threadUnwinder) ReturnAddress(tid int) (addr.Relocated, error) {
	if t.d.uw == nil {
		return 0, rerrors.New(rerrors.EvalUnsupportedRequire, "no .eh_frame coverage to unwind with")
	}
	var raw unix.PtraceRegs
	if err := t.d.tr.GetRegs(tid, &raw); err != nil {
		return 0, err
	}
	return t.d.uw.ReturnAddress(addr.Relocated(raw.Rip), regs.NewDwarfIndexed(&raw))
}

// stepThread builds the step.Thread primitive bundle for tid.
func (d *Debugger) stepThread(tid int) *step.Thread {
	return &step.Thread{
		Tid:        tid,
		SingleStep: func(t int) error { return d.tr.SingleStep(t, 0) },
		Resume:     d.resumeRewound,
		PC: func() (addr.Relocated, error) {
			var raw unix.PtraceRegs
			if err := d.tr.GetRegs(tid, &raw); err != nil {
				return 0, err
			}
			return addr.Relocated(raw.Rip), nil
		},
		SetPC: func(pc addr.Relocated) error {
			var raw unix.PtraceRegs
			if err := d.tr.GetRegs(tid, &raw); err != nil {
				return err
			}
			raw.Rip = uint64(pc)
			return d.tr.SetRegs(tid, &raw)
		},
	}
}

func (d *Debugger) placeAtCurrentPC() (*step.Place, error) {
	place, ok := stepInfo{d.prog}.PlaceAt(d.currentPCOrZero())
	if !ok {
		return nil, rerrors.New(rerrors.PlaceNotFound, "no debug info at the current pc")
	}
	return place, nil
}

func (d *Debugger) afterStep(res *step.Result) (*step.Result, error) {
	if res.Signal {
		if d.events.OnSignal != nil && res.Stop != nil {
			d.events.OnSignal(res.Stop.Pid, int(res.Stop.Signal))
		}
		return res, nil
	}
	if err := d.refreshFrames(); err != nil {
		return res, err
	}
	if d.events.OnStep != nil {
		d.events.OnStep(d.focusTid, res.PC)
	}
	if res.Stop != nil && res.Stop.Reason == tracer.Exited {
		d.exited = true
		if d.events.OnExit != nil {
			d.events.OnExit(res.Stop.ExitCode)
		}
	}
	return res, nil
}

// StepInstruction executes exactly one instruction on the focused
// thread.
func (d *Debugger) StepInstruction() (*step.Result, error) {
	res, err := d.eng.StepInstruction(d.stepThread(d.focusTid))
	if err != nil {
		return nil, err
	}
	return d.afterStep(res)
}

// StepIn advances the focused thread to the next statement line,
// entering calls.
func (d *Debugger) StepIn() (*step.Result, error) {
	place, err := d.placeAtCurrentPC()
	if err != nil {
		return nil, err
	}
	res, err := d.eng.StepIn(d.stepThread(d.focusTid), place.Line, place.File)
	if err != nil {
		return nil, err
	}
	return d.afterStep(res)
}

// StepOut runs the focused thread until the current function
// returns.
func (d *Debugger) StepOut() (*step.Result, error) {
	res, err := d.eng.StepOut(d.stepThread(d.focusTid), d.stoppedTids())
	if err != nil {
		return nil, err
	}
	return d.afterStep(res)
}

// StepOver advances the focused thread to the next statement line
// without entering calls.
func (d *Debugger) StepOver() (*step.Result, error) {
	place, err := d.placeAtCurrentPC()
	if err != nil {
		return nil, err
	}
	res, err := d.eng.StepOver(d.stepThread(d.focusTid), d.stoppedTids(), place)
	if err != nil {
		return nil, err
	}
	return d.afterStep(res)
}

// StepOverAsync is the scheduler-aware step-over from internal/async,
// wired against the focused task's completion state word.
func (d *Debugger) StepOverAsync(taskHeader addr.Relocated) (*step.Result, bool, error) {
	place, err := d.placeAtCurrentPC()
	if err != nil {
		return nil, false, err
	}
	insp := async.New(asyncReader{d})
	wps := d.watchpointTableFor(d.focusTid)
	res, completed, err := insp.StepOverAsync(
		d.eng, d.stepThread(d.focusTid), d.stoppedTids(), place,
		func() (addr.Relocated, error) { return d.ContextTLS(d.focusTid) },
		wps,
		func() (addr.Relocated, error) { return taskHeader.Add(0), nil },
	)
	if err != nil {
		return nil, false, err
	}
	if _, aerr := d.afterStep(res); aerr != nil {
		return res, completed, aerr
	}
	if d.events.OnAsyncStep != nil {
		d.events.OnAsyncStep(d.focusTid, completed, nil)
	}
	return res, completed, nil
}

// AsyncBacktrace reconstructs the scheduler's task list for the
// focused thread.
func (d *Debugger) AsyncBacktrace() ([]async.Task, error) {
	insp := async.New(asyncReader{d})
	return insp.Tasks(d.focusTid)
}
