package debugger

import (
	"debug/dwarf"

	"github.com/nvdbg/rdbg/dqe"
	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/breakpoint"
	"github.com/nvdbg/rdbg/internal/regs"
	"github.com/nvdbg/rdbg/internal/rerrors"
	"github.com/nvdbg/rdbg/internal/watchpoint"
)

// AddWatchpointOnAddr programs a hardware watchpoint on a raw address.
// Address-based watchpoints have no scope to track, so they behave as
// globals: they persist across continues until removed.
func (d *Debugger) AddWatchpointOnAddr(at addr.Relocated, size int, cond regs.Condition) (*watchpoint.Watchpoint, error) {
	return d.watchpointTableFor(d.focusTid).Add(at, size, cond, watchpoint.Global)
}

// AddWatchpointOnDQE resolves a data-query expression to a single
// addressable value and watches its storage. A local or argument root
// additionally gets companion breakpoints at the enclosing function's
// last statement boundary and at the caller's return address, so the
// watchpoint is torn down (and reported once, with its final value)
// when the storage goes out of scope.
func (d *Debugger) AddWatchpointOnDQE(src string, cond regs.Condition) (*watchpoint.Watchpoint, error) {
	expr, err := dqe.Parse(src)
	if err != nil {
		return nil, err
	}
	vals, err := dqe.Eval(expr, d)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, rerrors.New(rerrors.PlaceNotFound, "watch expression must resolve to exactly one value")
	}
	v := vals[0]
	if v.Region.Addr == nil {
		return nil, rerrors.New(rerrors.NoData, "watch expression has no in-tracee storage")
	}
	size := int(v.Region.Size)
	if size > 8 {
		size = 8
	}

	scope := watchpoint.Global
	var root dqe.Variable
	if rv, ok := expr.(dqe.Variable); ok {
		root = rv
	}
	if root.Name != "" || root.Any {
		if pc, ok := d.CurrentPC(); ok {
			if locals, lerr := d.Locals(pc, root.Name); lerr == nil && len(locals) > 0 {
				scope = watchpoint.Local
				if die := d.prog.Die(locals[0]); die != nil && die.Tag == dwarf.TagFormalParameter {
					scope = watchpoint.Argument
				}
			}
		}
	}

	table := d.watchpointTableFor(d.focusTid)
	wp, err := table.Add(*v.Region.Addr, size, cond, scope)
	if err != nil {
		return nil, err
	}
	if scope != watchpoint.Global {
		companions, cerr := d.installScopeCompanions()
		if cerr != nil {
			_ = table.Remove(wp.ID)
			return nil, cerr
		}
		table.SetCompanions(wp, companions)
	}
	return wp, nil
}

// installScopeCompanions places temporary breakpoints at the last
// statement boundary inside the current function's low..high PC range
// and at the caller's return address, returning the installed
// breakpoint ids. Only that one range is searched; further address
// ranges of a split function get no companion.
func (d *Debugger) installScopeCompanions() ([]int, error) {
	place, err := d.placeAtCurrentPC()
	if err != nil {
		return nil, err
	}
	var sites []addr.Relocated
	stmts := stepInfo{d.prog}.StatementsIn(place.FuncLo, place.FuncHi)
	if len(stmts) > 0 {
		sites = append(sites, stmts[len(stmts)-1])
	}
	if ret, rerr := (threadUnwinder{d}).ReturnAddress(d.focusTid); rerr == nil {
		sites = append(sites, ret)
	}
	if len(sites) == 0 {
		return nil, rerrors.New(rerrors.PlaceNotFound, "no end-of-scope site for a local watchpoint")
	}

	var ids []int
	for _, at := range sites {
		if _, exists := d.bps.AtAddr(at); exists {
			continue
		}
		a := at
		bp, berr := d.bps.AddAt(a, breakpoint.Site{Addr: &a}, breakpoint.Temporary)
		if berr != nil {
			continue
		}
		ids = append(ids, bp.ID)
	}
	return ids, nil
}

// RemoveWatchpoint implements watchpoint removal, freeing the debug
// register and any companion breakpoints.
func (d *Debugger) RemoveWatchpoint(id int) error {
	for _, table := range d.wps {
		for _, wp := range table.List() {
			if wp.ID == id {
				return table.Remove(id)
			}
		}
	}
	return rerrors.New(rerrors.PlaceNotFound, "no such watchpoint")
}

// ListWatchpoints returns every watchpoint across all threads.
func (d *Debugger) ListWatchpoints() []*watchpoint.Watchpoint {
	var out []*watchpoint.Watchpoint
	for _, table := range d.wps {
		out = append(out, table.List()...)
	}
	return out
}

// handleWatchpointStop consults the stopped thread's table (its DR6)
// to find the watchpoint that fired and reports it through
// OnWatchpoint.
func (d *Debugger) handleWatchpointStop(tid int) {
	table, ok := d.wps[tid]
	if !ok {
		return
	}
	wp, obs, err := table.TriggeredFromStatus()
	if err != nil || wp == nil {
		return
	}
	if d.events.OnWatchpoint != nil {
		d.events.OnWatchpoint(wp, obs)
	}
}

// companionHit checks whether a just-hit breakpoint was an
// end-of-scope companion; if so the owning watchpoint is reported one
// last time with its final value and removed, and its slot freed.
func (d *Debugger) companionHit(bp *breakpoint.Breakpoint) bool {
	for _, table := range d.wps {
		wp, ok := table.ByCompanionBreakpoint(bp.ID)
		if !ok {
			continue
		}
		obs, err := table.EndOfScope(wp)
		if err == nil && d.events.OnWatchpoint != nil {
			d.events.OnWatchpoint(wp, obs)
		}
		_ = table.Remove(wp.ID)
		return true
	}
	return false
}
