package dqe

import (
	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/dwarfdata"
	"github.com/nvdbg/rdbg/internal/rerrors"
	"github.com/nvdbg/rdbg/internal/typegraph"
	"github.com/nvdbg/rdbg/internal/value"
)

// Resolver supplies everything Eval needs from the debugger session
// to turn a root selector into one or more starting Values.
// debugger.Debugger
// implements this; tests fake it directly.
type Resolver interface {
	// CurrentPC is the focused thread's current program counter, used
	// to scope ByName{local_only} and Variable{Any} to the enclosing
	// function and to pick the frame a name resolves in.
	CurrentPC() (addr.Global, bool)

	// Locals returns every (unit, die-index) local/parameter valid at
	// pc whose name matches name ("" matches every local).
	Locals(pc addr.Global, name string) ([]dwarfdata.DieRef, error)

	// Globals returns every global variable named name across units.
	Globals(name string) ([]dwarfdata.DieRef, error)

	// ValueOf materializes the Value for a variable DIE in the
	// current frame (evaluating its DW_AT_location against the
	// focused thread/frame).
	ValueOf(ref dwarfdata.DieRef) (*value.Value, error)

	// VirtualPointer synthesises a pointer Value of the named type
	// pointing at addr, for PtrCast/DataCast roots.
	VirtualPointer(typeName string, at uint64, deref bool) (*value.Value, error)
}

// Eval evaluates expr against res, returning every surviving result
// under the fan-out rule: an operator applied to a list of
// roots maps over the list, silently dropping roots that fail.
func Eval(expr Expr, res Resolver) ([]*value.Value, error) {
	switch e := expr.(type) {
	case Variable:
		return evalVariable(e, res)
	case PtrCast:
		v, err := res.VirtualPointer(e.TypeName, e.Addr, false)
		if err != nil {
			return nil, err
		}
		return []*value.Value{v}, nil
	case DataCast:
		v, err := res.VirtualPointer(e.TypeName, e.Addr, true)
		if err != nil {
			return nil, err
		}
		return []*value.Value{v}, nil
	case Field:
		base, err := Eval(e.Base, res)
		if err != nil {
			return nil, err
		}
		return fanOut(base, func(v *value.Value) (*value.Value, error) {
			return fieldOf(v, e.Name)
		}), nil
	case Index:
		base, err := Eval(e.Base, res)
		if err != nil {
			return nil, err
		}
		return fanOut(base, func(v *value.Value) (*value.Value, error) {
			return indexOf(v, e.I)
		}), nil
	case Slice:
		base, err := Eval(e.Base, res)
		if err != nil {
			return nil, err
		}
		return fanOut(base, func(v *value.Value) (*value.Value, error) {
			var lo int64
			if e.Lo != nil {
				lo = *e.Lo
			}
			var hi int64
			if e.Hi != nil {
				hi = *e.Hi
			} else {
				// Open upper bound: slice to the end of the container.
				n, err := v.Len()
				if err != nil {
					return nil, err
				}
				hi = n
			}
			return v.Slice(lo, hi)
		}), nil
	case Deref:
		base, err := Eval(e.Base, res)
		if err != nil {
			return nil, err
		}
		return fanOut(base, func(v *value.Value) (*value.Value, error) { return v.Deref() }), nil
	case Address:
		base, err := Eval(e.Base, res)
		if err != nil {
			return nil, err
		}
		return fanOut(base, func(v *value.Value) (*value.Value, error) { return v.Address() }), nil
	case Canonic:
		base, err := Eval(e.Base, res)
		if err != nil {
			return nil, err
		}
		return fanOut(base, func(v *value.Value) (*value.Value, error) { return v.Canonic() }), nil
	}
	return nil, rerrors.New(rerrors.UnsupportedType, "dqe: unevaluable expression node")
}

// fanOut applies f to every element of in, silently dropping elements
// f fails on so a single expression
// may return 0..N results.
func fanOut(in []*value.Value, f func(*value.Value) (*value.Value, error)) []*value.Value {
	out := make([]*value.Value, 0, len(in))
	for _, v := range in {
		r, err := f(v)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

func evalVariable(v Variable, res Resolver) ([]*value.Value, error) {
	pc, havePC := res.CurrentPC()

	var refs []dwarfdata.DieRef
	var err error
	switch {
	case v.Any:
		if !havePC {
			return nil, rerrors.New(rerrors.PlaceNotFound, "no current frame for Variable(Any)")
		}
		refs, err = res.Locals(pc, "")
	case v.LocalOnly:
		if !havePC {
			return nil, rerrors.New(rerrors.PlaceNotFound, "no current frame for local variable lookup")
		}
		refs, err = res.Locals(pc, v.Name)
	default:
		if havePC {
			refs, err = res.Locals(pc, v.Name)
		}
		if err == nil {
			globals, gerr := res.Globals(v.Name)
			if gerr == nil {
				refs = append(refs, globals...)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, rerrors.New(rerrors.PlaceNotFound, "no variable named "+v.Name)
	}

	out := make([]*value.Value, 0, len(refs))
	for _, ref := range refs {
		val, err := res.ValueOf(ref)
		if err != nil {
			continue
		}
		out = append(out, val)
	}
	if len(out) == 0 {
		return nil, rerrors.New(rerrors.PlaceNotFound, "variable found but could not be read")
	}
	return out, nil
}

// fieldOf resolves ".field" against a struct, a map (string-keyed
// lookup), or an enum (discriminated-alternative selection).
func fieldOf(v *value.Value, name string) (*value.Value, error) {
	switch v.Special {
	case value.SpecialHashMap, value.SpecialTreeMap:
		return mapLookupByRenderedKey(v, name)
	default:
		if v.Type != nil && v.Type.Kind == typegraph.KindRustEnum {
			return enumVariant(v, name)
		}
		return v.Field(name)
	}
}

func mapLookupByRenderedKey(v *value.Value, key string) (*value.Value, error) {
	var kvs []value.KV
	var err error
	if v.Special == value.SpecialHashMap {
		kvs, err = v.WalkHashMap()
	} else {
		kvs, err = v.WalkBTree()
	}
	if err != nil {
		return nil, err
	}
	for _, kv := range kvs {
		if kv.Key.Special == value.SpecialString || kv.Key.Special == value.SpecialStrSlice {
			if kv.Key.Rendered == key {
				return kv.Val, nil
			}
		}
	}
	return nil, rerrors.New(rerrors.PlaceNotFound, "no map entry for key "+key)
}

// enumVariant selects a RustEnum's named alternative, yielding its
// payload value; used by ".field" (variant name as a field). Index
// (variant position) is handled in indexOf.
func enumVariant(v *value.Value, name string) (*value.Value, error) {
	for _, variant := range v.Type.Variants {
		if variant.Name == name {
			return v.Field(variant.Name)
		}
	}
	return nil, rerrors.New(rerrors.PlaceNotFound, "no enum variant "+name)
}

func indexOf(v *value.Value, i int64) (*value.Value, error) {
	if v.Type != nil && v.Type.Kind == typegraph.KindRustEnum {
		if i < 0 || int(i) >= len(v.Type.Variants) {
			return nil, rerrors.New(rerrors.IncorrectAssumption, "enum variant index out of range")
		}
		return v.Field(v.Type.Variants[i].Name)
	}
	if v.Special == value.SpecialVec || v.Special == value.SpecialDeque {
		elems, err := v.Elements()
		if err != nil {
			return nil, err
		}
		if i < 0 || int(i) >= len(elems) {
			return nil, rerrors.New(rerrors.IncorrectAssumption, "index out of bounds")
		}
		return elems[i], nil
	}
	return v.Index(i)
}
