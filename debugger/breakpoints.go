package debugger

import (
	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/breakpoint"
	"github.com/nvdbg/rdbg/internal/rerrors"
)

// AddBreakpointAtAddr installs a user breakpoint at a raw relocated
// address.
func (d *Debugger) AddBreakpointAtAddr(at addr.Relocated) (*breakpoint.Breakpoint, error) {
	return d.bps.AddAt(at, breakpoint.Site{Addr: &at}, breakpoint.User)
}

// AddBreakpointAtLine installs a user breakpoint at the lowest
// statement boundary matching file:line.
func (d *Debugger) AddBreakpointAtLine(file string, line int) (*breakpoint.Breakpoint, error) {
	global, ok := d.prog.AddrForLine(file, line)
	if !ok {
		return nil, rerrors.New(rerrors.PlaceNotFound, "no statement boundary at that file:line")
	}
	at := addr.Relocated(global)
	return d.bps.AddAt(at, breakpoint.Site{File: file, Line: line}, breakpoint.User)
}

// AddBreakpointOnFunction installs a user breakpoint past the
// prologue of every instantiation of the named function, one per
// monomorphisation, and returns them all so each can be listed and
// removed individually.
func (d *Debugger) AddBreakpointOnFunction(name string) ([]*breakpoint.Breakpoint, error) {
	refs, err := d.prog.FindFunctionByName(name)
	if err != nil {
		return nil, err
	}
	out := make([]*breakpoint.Breakpoint, 0, len(refs))
	for _, ref := range refs {
		global, err := d.prog.FunctionEntryAfterPrologue(ref)
		if err != nil {
			continue
		}
		at := addr.Relocated(global)
		bp, err := d.bps.AddAt(at, breakpoint.Site{Function: name}, breakpoint.User)
		if err != nil {
			return nil, err
		}
		out = append(out, bp)
	}
	if len(out) == 0 {
		return nil, rerrors.New(rerrors.FunctionNotFound, name)
	}
	return out, nil
}

// AddBreakpointByName registers a deferred
// breakpoint that resolves when the named function's owning object
// loads, used for a symbol not yet mapped (a not-yet-
// dlopen'd shared library).
func (d *Debugger) AddBreakpointByName(function string) *breakpoint.Breakpoint {
	return d.bps.AddDeferred(function)
}

// RemoveBreakpoint removes a breakpoint by id, restoring the
// original byte at its site.
func (d *Debugger) RemoveBreakpoint(id int) error { return d.bps.Remove(id) }

// ListBreakpoints returns every breakpoint currently known.
func (d *Debugger) ListBreakpoints() []*breakpoint.Breakpoint { return d.bps.List() }

// onObjectLoaded resolves every still-deferred breakpoint against the
// newly loaded object's function table.
func (d *Debugger) onObjectLoaded() error {
	return d.bps.ResolveDeferred(func(function string) ([]addr.Relocated, error) {
		refs, err := d.prog.FindFunctionByName(function)
		if err != nil {
			return nil, err
		}
		out := make([]addr.Relocated, 0, len(refs))
		for _, ref := range refs {
			global, err := d.prog.FunctionEntryAfterPrologue(ref)
			if err != nil {
				continue
			}
			out = append(out, addr.Relocated(global))
		}
		return out, nil
	})
}
