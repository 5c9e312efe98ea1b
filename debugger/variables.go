package debugger

import (
	"debug/dwarf"
	"encoding/binary"

	"github.com/nvdbg/rdbg/dqe"
	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/dwarfdata"
	"github.com/nvdbg/rdbg/internal/locexpr"
	"github.com/nvdbg/rdbg/internal/rerrors"
	"github.com/nvdbg/rdbg/internal/typegraph"
	"github.com/nvdbg/rdbg/internal/value"
)

// This file implements dqe.Resolver on *Debugger: turning
// a DQE root selector into starting Values by consulting the focused
// thread's PC, the debug-info indices, and the location-expression
// evaluator.

// ReadVariable parses src as a data-query expression and evaluates it
// against the focused thread/frame, returning every surviving result.
func (d *Debugger) ReadVariable(src string) ([]*value.Value, error) {
	expr, err := dqe.Parse(src)
	if err != nil {
		return nil, err
	}
	return dqe.Eval(expr, d)
}

// ReadArgument is ReadVariable restricted to the current function's
// formal parameters.
func (d *Debugger) ReadArgument(src string) ([]*value.Value, error) {
	expr, err := dqe.Parse(src)
	if err != nil {
		return nil, err
	}
	return dqe.Eval(expr, argResolver{d})
}

// argResolver narrows the root-selection surface to formal-parameter
// DIEs; every other resolver hook passes through.
type argResolver struct{ *Debugger }

func (a argResolver) Locals(pc addr.Global, name string) ([]dwarfdata.DieRef, error) {
	refs, err := a.Debugger.Locals(pc, name)
	if err != nil {
		return nil, err
	}
	var out []dwarfdata.DieRef
	for _, ref := range refs {
		if die := a.prog.Die(ref); die != nil && die.Tag == dwarf.TagFormalParameter {
			out = append(out, ref)
		}
	}
	return out, nil
}

// Globals selects no roots: a global is never a formal parameter.
func (a argResolver) Globals(name string) ([]dwarfdata.DieRef, error) { return nil, nil }

// Locals implements dqe.Resolver: every local/parameter valid at pc
// whose name matches (name == "" matches every local in scope).
func (d *Debugger) Locals(pc addr.Global, name string) ([]dwarfdata.DieRef, error) {
	u := d.prog.FindUnitByPC(pc)
	if u == nil {
		return nil, rerrors.New(rerrors.UnitNotFound, "no compile unit covers the current pc")
	}
	names := []string{name}
	if name == "" {
		names = u.VarNames()
	}
	var out []dwarfdata.DieRef
	for _, n := range names {
		for _, node := range u.VarsNamed(n) {
			if u.ValidAt(node, pc) {
				out = append(out, dwarfdata.DieRef{Unit: u.Index, Node: node})
			}
		}
	}
	return out, nil
}

// Globals implements dqe.Resolver: every variable DIE named name whose
// enclosing scope is not a function or lexical block.
func (d *Debugger) Globals(name string) ([]dwarfdata.DieRef, error) {
	var out []dwarfdata.DieRef
	for _, ref := range d.prog.VarRefs(name) {
		if d.isGlobalScope(ref) {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (d *Debugger) isGlobalScope(ref dwarfdata.DieRef) bool {
	u := d.prog.Units[ref.Unit]
	for i := u.Dies[ref.Node].Parent; i != -1; i = u.Dies[i].Parent {
		tag := u.Dies[i].Tag
		if tag == dwarf.TagSubprogram || tag == dwarf.TagLexDwarfBlock {
			return false
		}
	}
	return true
}

// frameBase is the already-evaluated DW_AT_frame_base result the
// location evaluator treats as the CFA. Approximated here
// as the focused frame's CFA, which is exactly what a
// DW_OP_call_frame_cfa frame base resolves to (the overwhelmingly
// common case for a modern compiler's frame-base attribute).
func (d *Debugger) frameBase() int64 {
	if d.focusFrame < len(d.frames) {
		return int64(d.frames[d.focusFrame].CFA)
	}
	return 0
}

// ValueOf implements dqe.Resolver: evaluates ref's DW_AT_location
// against the focused thread/frame and materializes a Value.
func (d *Debugger) ValueOf(ref dwarfdata.DieRef) (*value.Value, error) {
	die := d.prog.Die(ref)
	if die == nil {
		return nil, rerrors.New(rerrors.DieNotFound, "variable die")
	}
	typeOff, ok := die.AttrRef(dwarf.AttrType)
	if !ok {
		return nil, rerrors.New(rerrors.TypeNotFound, "variable has no declared type")
	}
	node, ok := d.prog.NodeForOffset(ref.Unit, typeOff)
	if !ok {
		return nil, rerrors.New(rerrors.TypeNotFound, "variable's type die is not indexed")
	}
	t, err := d.graph.Resolve(dwarfdata.DieRef{Unit: ref.Unit, Node: node})
	if err != nil {
		return nil, err
	}

	locExpr, ok := die.AttrLocation()
	if !ok {
		return nil, rerrors.New(rerrors.EvalOptionRequired, "variable has no location expression")
	}
	dwregs, err := d.dwarfIndexedFor(d.focusTid)
	if err != nil {
		return nil, err
	}
	ctx := &locexpr.Context{Regs: dwregs, Mem: d.tr, FrameBase: d.frameBase(), TLS: d, Tid: d.focusTid}
	pieces, err := locexpr.Eval(locExpr, ctx)
	if err != nil {
		return nil, err
	}

	if at, err := pieces.Address(); err == nil {
		buf := make([]byte, t.Size)
		if err := d.tr.ReadMemory(at, buf); err != nil {
			return nil, rerrors.Wrap(rerrors.NoData, "read variable", err)
		}
		a := at
		return value.New(t, value.Region{Raw: buf, Addr: &a, Size: t.Size}, d.graph, d.tr, d.prog), nil
	}

	composed, err := pieces.Compose(d.tr, t.Size)
	if err != nil {
		return nil, err
	}
	return value.New(t, value.Region{Raw: composed, Size: t.Size}, d.graph, d.tr, d.prog), nil
}

// VirtualPointer implements dqe.Resolver for PtrCast/DataCast roots:
// a synthesised, pointer-typed value giving a type to a raw address.
//
// deref == false (PtrCast(addr)T): `at` is treated as a pointer value
// pointing at a T, so a subsequent `*expr` reads T from `at` — the
// synthesised Value itself is pointer-typed and its own bytes are
// `at`, not T's.
//
// deref == true (DataCast(addr)T): `at` is treated as the address of
// a T's bytes directly; those bytes are read now.
func (d *Debugger) VirtualPointer(typeName string, at uint64, deref bool) (*value.Value, error) {
	t, ref, err := d.resolveTypeByName(typeName)
	if err != nil {
		return nil, err
	}
	a := addr.Relocated(at)
	if deref {
		buf := make([]byte, t.Size)
		if err := d.tr.ReadMemory(a, buf); err != nil {
			return nil, rerrors.Wrap(rerrors.NoData, "data-cast read", err)
		}
		return value.New(t, value.Region{Raw: buf, Addr: &a, Size: t.Size}, d.graph, d.tr, d.prog), nil
	}

	ptrType := &typegraph.Type{Name: "*" + t.Name, Kind: typegraph.KindPointer, Size: 8, Target: &ref}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], at)
	return value.New(ptrType, value.Region{Raw: buf[:], Addr: &a, Size: 8}, d.graph, d.tr, d.prog), nil
}
