// Package step implements the stepping engine: stepi,
// step-in, step-over, step-out, composed from internal/breakpoint,
// internal/unwind, and internal/dwarfdata's line table exactly as
// the line table and unwinder allow. Async-aware step-over lives in
// internal/async, which wraps this package's step-over.
package step

import (
	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/breakpoint"
	"github.com/nvdbg/rdbg/internal/rerrors"
	"github.com/nvdbg/rdbg/internal/tracer"
)

// Thread is the subset of process control + tracer the engine needs
// for one focused thread.
type Thread struct {
	Tid int

	SingleStep func(tid int) error
	Resume     func(stopped []int) (*tracer.Stop, error)
	PC         func() (addr.Relocated, error)
	SetPC      func(addr.Relocated) error
}

// Place is one line-table row plus the function DIE range it falls
// in, the minimum internal/dwarfdata.Unit.FindPlaceFromPC /
// FindFunctionByPC the engine needs without importing dwarfdata
// directly (kept decoupled so tests can fake a tiny line table).
type Place struct {
	PC       addr.Relocated
	Line     int
	File     string
	FuncLo   addr.Relocated
	FuncHi   addr.Relocated
	PrologEnd addr.Relocated // PC past which the prolog is over
}

// Info is the debug-info surface the engine consults: "what place is
// this PC", and "what are every statement-boundary PC in a function's
// range".
type Info interface {
	PlaceAt(pc addr.Relocated) (*Place, bool)
	StatementsIn(lo, hi addr.Relocated) []addr.Relocated
	InInlinedBody(pc addr.Relocated) bool
}

// Unwinder is the minimal surface internal/unwind.Unwinder offers
// step-out: the caller's return address.
type Unwinder interface {
	ReturnAddress(tid int) (addr.Relocated, error)
}

// Result is the outcome of a stepping operation.
type Result struct {
	Stop      *tracer.Stop // nil unless the step terminated via Resume (breakpoint/signal/exit)
	Signal    bool         // true: a signal interrupted the step
	PC        addr.Relocated
}

// Engine composes one thread's stepping primitives with a shared
// breakpoint table and debug-info view.
type Engine struct {
	bps  *breakpoint.Table
	info Info
	uw   Unwinder
}

func New(bps *breakpoint.Table, info Info, uw Unwinder) *Engine {
	return &Engine{bps: bps, info: info, uw: uw}
}

// StepInstruction executes exactly one instruction on th, honouring
// the step-over-breakpoint protocol if th's PC sits on an active
// breakpoint.
func (e *Engine) StepInstruction(th *Thread) (*Result, error) {
	pc, err := th.PC()
	if err != nil {
		return nil, err
	}
	if bp, ok := e.bps.AtAddr(pc); ok {
		var stepErr error
		err := e.bps.StepOverBreakpoint(bp, func() error {
			stepErr = th.SingleStep(th.Tid)
			return stepErr
		})
		if err != nil {
			return nil, err
		}
	} else if err := th.SingleStep(th.Tid); err != nil {
		return nil, rerrors.Wrap(rerrors.Ptrace, "single-step", err)
	}
	newPC, err := th.PC()
	if err != nil {
		return nil, err
	}
	return &Result{PC: newPC}, nil
}

// StepIn single-steps until the PC reaches a different statement line
// than the starting one, skipping the function prolog; if no debug
// info covers the current PC, it steps until debug info appears. The
// CFA is not compared, so a recursive call that arrives back on the
// starting line does not end the step.
func (e *Engine) StepIn(th *Thread, startLine int, startFile string) (*Result, error) {
	for {
		res, err := e.StepInstruction(th)
		if err != nil {
			return nil, err
		}
		place, ok := e.info.PlaceAt(res.PC)
		if !ok {
			continue // no debug info yet at this PC; keep stepping.
		}
		if place.PC < place.PrologEnd {
			continue // still in the function prolog.
		}
		if place.Line != startLine || place.File != startFile {
			return res, nil
		}
	}
}

// StepOut installs a temporary breakpoint at the unwound return
// address (unless one already exists there), continues once, and
// removes it on return. The step ends at the first stop, which need
// not be that breakpoint.
func (e *Engine) StepOut(th *Thread, stopped []int) (*Result, error) {
	retPC, err := e.uw.ReturnAddress(th.Tid)
	if err != nil {
		return nil, err
	}
	existing, hadExisting := e.bps.AtAddr(retPC)
	var bp *breakpoint.Breakpoint
	if hadExisting {
		bp = existing
	} else {
		bp, err = e.bps.AddAt(retPC, breakpoint.Site{Addr: &retPC}, breakpoint.Temporary)
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		if !hadExisting {
			_ = e.bps.Remove(bp.ID)
		}
	}()

	stop, err := th.Resume(stopped)
	if err != nil {
		_ = e.bps.RemoveTemporaries()
		return nil, err
	}
	if stop.Reason == tracer.SignalStop {
		_ = e.bps.RemoveTemporaries()
		return &Result{Stop: stop, Signal: true}, nil
	}
	return &Result{Stop: stop, PC: addr.Relocated(stop.PC)}, nil
}

// StepOver installs a temporary breakpoint at every statement-
// boundary PC in the current function's range — except the prolog,
// inlined bodies, and the current line — plus the return address (for
// early returns), continues, and removes every temporary on any exit
// path.
//
// If the stop lands exactly on the return address and the PC no
// longer matches a statement boundary, StepOver finishes with an
// extra StepIn to avoid stopping mid-expression after a call.
func (e *Engine) StepOver(th *Thread, stopped []int, place *Place) (*Result, error) {
	var installed []int
	cleanup := func() {
		for _, id := range installed {
			_ = e.bps.Remove(id)
		}
	}

	for _, pc := range e.info.StatementsIn(place.FuncLo, place.FuncHi) {
		if pc < place.PrologEnd || pc == place.PC || e.info.InInlinedBody(pc) {
			continue
		}
		if p, ok := e.info.PlaceAt(pc); ok && p.Line == place.Line && p.File == place.File {
			continue // another row of the current line
		}
		if _, ok := e.bps.AtAddr(pc); ok {
			continue
		}
		bp, err := e.bps.AddAt(pc, breakpoint.Site{Addr: &pc}, breakpoint.Temporary)
		if err != nil {
			cleanup()
			return nil, err
		}
		installed = append(installed, bp.ID)
	}

	retPC, err := e.uw.ReturnAddress(th.Tid)
	if err == nil {
		if _, ok := e.bps.AtAddr(retPC); !ok {
			bp, err := e.bps.AddAt(retPC, breakpoint.Site{Addr: &retPC}, breakpoint.Temporary)
			if err == nil {
				installed = append(installed, bp.ID)
			}
		}
	}

	stop, err := th.Resume(stopped)
	cleanup()
	if err != nil {
		return nil, err
	}
	if stop.Reason == tracer.SignalStop {
		return &Result{Stop: stop, Signal: true}, nil
	}

	landedPC := addr.Relocated(stop.PC)
	if landedPC == retPC {
		if _, ok := e.info.PlaceAt(landedPC); !ok {
			return e.StepIn(th, place.Line, place.File)
		}
		if pl, ok := e.info.PlaceAt(landedPC); ok && pl.PC != landedPC {
			return e.StepIn(th, place.Line, place.File)
		}
	}
	return &Result{Stop: stop, PC: landedPC}, nil
}
