package dqe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/dwarfdata"
	"github.com/nvdbg/rdbg/internal/rerrors"
	"github.com/nvdbg/rdbg/internal/typegraph"
	"github.com/nvdbg/rdbg/internal/value"
)

// fakeResolver serves canned values for root selectors.
type fakeResolver struct {
	pc      addr.Global
	havePC  bool
	locals  map[string][]dwarfdata.DieRef
	globals map[string][]dwarfdata.DieRef
	values  map[dwarfdata.DieRef]*value.Value
}

func (f *fakeResolver) CurrentPC() (addr.Global, bool) { return f.pc, f.havePC }

func (f *fakeResolver) Locals(pc addr.Global, name string) ([]dwarfdata.DieRef, error) {
	if name == "" {
		var all []dwarfdata.DieRef
		for _, refs := range f.locals {
			all = append(all, refs...)
		}
		return all, nil
	}
	return f.locals[name], nil
}

func (f *fakeResolver) Globals(name string) ([]dwarfdata.DieRef, error) {
	return f.globals[name], nil
}

func (f *fakeResolver) ValueOf(ref dwarfdata.DieRef) (*value.Value, error) {
	v, ok := f.values[ref]
	if !ok {
		return nil, rerrors.New(rerrors.NoData, "no value")
	}
	return v, nil
}

func (f *fakeResolver) VirtualPointer(typeName string, at uint64, deref bool) (*value.Value, error) {
	t := &typegraph.Type{Name: "*" + typeName, Kind: typegraph.KindPointer, Size: 8}
	return value.New(t, value.Region{Raw: make([]byte, 8), Size: 8}, nil, nil, nil), nil
}

func scalarValue(raw []byte) *value.Value {
	t := &typegraph.Type{Name: "u64", Kind: typegraph.KindScalar, Size: int64(len(raw))}
	return value.New(t, value.Region{Raw: raw, Size: int64(len(raw))}, nil, nil, nil)
}

func TestEvalVariableByName(t *testing.T) {
	ref := dwarfdata.DieRef{Unit: 0, Node: 7}
	res := &fakeResolver{
		havePC: true,
		locals: map[string][]dwarfdata.DieRef{"x": {ref}},
		values: map[dwarfdata.DieRef]*value.Value{ref: scalarValue([]byte{1, 0, 0, 0, 0, 0, 0, 0})},
	}
	out, err := Eval(Variable{Name: "x", LocalOnly: true}, res)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "u64", out[0].Type.Name)
}

func TestEvalVariableNotFound(t *testing.T) {
	res := &fakeResolver{havePC: true, locals: map[string][]dwarfdata.DieRef{}}
	_, err := Eval(Variable{Name: "missing", LocalOnly: true}, res)
	require.Error(t, err)
	kind, ok := rerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, rerrors.PlaceNotFound, kind)
}

func TestEvalVariableAnyFansOut(t *testing.T) {
	r1 := dwarfdata.DieRef{Node: 1}
	r2 := dwarfdata.DieRef{Node: 2}
	res := &fakeResolver{
		havePC: true,
		locals: map[string][]dwarfdata.DieRef{"a": {r1}, "b": {r2}},
		values: map[dwarfdata.DieRef]*value.Value{
			r1: scalarValue(make([]byte, 8)),
			r2: scalarValue(make([]byte, 8)),
		},
	}
	out, err := Eval(Variable{Any: true}, res)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestEvalFanOutDropsFailures(t *testing.T) {
	// Indexing a scalar fails; the fan-out must drop it silently and
	// return the empty result set rather than an error.
	ref := dwarfdata.DieRef{Node: 3}
	res := &fakeResolver{
		havePC: true,
		locals: map[string][]dwarfdata.DieRef{"x": {ref}},
		values: map[dwarfdata.DieRef]*value.Value{ref: scalarValue(make([]byte, 8))},
	}
	out, err := Eval(Index{Base: Variable{Name: "x", LocalOnly: true}, I: 0}, res)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestEvalPtrCastRoot(t *testing.T) {
	res := &fakeResolver{}
	out, err := Eval(PtrCast{TypeName: "Foo", Addr: 0x1000}, res)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, typegraph.KindPointer, out[0].Type.Kind)
}

func TestEvalNoFrameForLocalLookup(t *testing.T) {
	res := &fakeResolver{havePC: false}
	_, err := Eval(Variable{Name: "x", LocalOnly: true}, res)
	require.Error(t, err)
	_, err = Eval(Variable{Any: true}, res)
	require.Error(t, err)
}
