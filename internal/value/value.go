// Package value materializes typed values from tracee memory: a
// tagged variant tree mirroring the type graph, carrying an optional
// in-tracee address, raw bytes, and optional specialised rendering.
//
// Strings, vectors, deques, Rc/Arc and Instant get a specialised
// rendering alongside their plain struct representation; hash and
// B-tree maps and sets are walked by WalkHashMap and WalkBTree. Cell,
// RefCell and thread-locals get no specialised rendering.
package value

import (
	"encoding/binary"
	"fmt"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/dwarfdata"
	"github.com/nvdbg/rdbg/internal/rerrors"
	"github.com/nvdbg/rdbg/internal/typegraph"
)

// MemReader reads tracee memory.
type MemReader interface {
	ReadMemory(at addr.Relocated, out []byte) error
}

// Region is a span of the value's backing storage: raw bytes, plus
// an optional in-tracee address (absent for synthesised values).
type Region struct {
	Raw  []byte
	Addr *addr.Relocated
	Size int64
}

// Special tags the idiom a value was recognised as.
type Special int

const (
	SpecialNone Special = iota
	SpecialString
	SpecialStrSlice
	SpecialVec
	SpecialDeque
	SpecialHashMap
	SpecialTreeMap
	SpecialHashSet
	SpecialTreeSet
	SpecialCell
	SpecialRefCell
	SpecialRc
	SpecialArc
	SpecialInstant
	SpecialThreadLocal
)

// Value is one node of the acyclic value tree. Pointer
// dereferencing is lazy, triggered only by an explicit DQE operator.
type Value struct {
	Type    *typegraph.Type
	Region  Region
	Special Special

	// Fields populated only for KindStructure/KindRustEnum/KindArray
	// types, built lazily: a struct's members are Values only once a
	// DQE .field operator asks for them, not eagerly at construction.
	fields map[string]*Value
	elems  []*Value

	// Rendered holds the specialised pretty content (e.g. the decoded
	// Go string for SpecialString), set by Specialize.
	Rendered string

	graph *typegraph.Graph
	mem   MemReader
	prog  *dwarfdata.Program
}

// New builds the root Value for a typed region without recursing into
// members; member/element Values are produced on demand by Field/
// Index/Elements so a deeply nested structure never materializes more
// than a client's DQE expression actually visits.
func New(t *typegraph.Type, r Region, graph *typegraph.Graph, mem MemReader, prog *dwarfdata.Program) *Value {
	v := &Value{Type: t, Region: r, graph: graph, mem: mem, prog: prog}
	if prefix, ok := t.IsRecognizedIdiom(); ok {
		v.Special = specialFromPrefix(prefix)
	}
	return v
}

func specialFromPrefix(prefix string) Special {
	switch prefix {
	case "alloc::string::String", "&str":
		return SpecialString
	case "alloc::vec::Vec<":
		return SpecialVec
	case "alloc::collections::vec_deque::VecDeque<":
		return SpecialDeque
	case "std::collections::hash::map::HashMap<":
		return SpecialHashMap
	case "std::collections::hash::set::HashSet<":
		return SpecialHashSet
	case "alloc::collections::btree::map::BTreeMap<":
		return SpecialTreeMap
	case "alloc::collections::btree::set::BTreeSet<":
		return SpecialTreeSet
	case "core::cell::Cell<":
		return SpecialCell
	case "core::cell::RefCell<":
		return SpecialRefCell
	case "alloc::rc::Rc<":
		return SpecialRc
	case "alloc::sync::Arc<":
		return SpecialArc
	case "std::time::Instant":
		return SpecialInstant
	}
	return SpecialNone
}

// Field resolves a struct member by name. For a discriminated enum
// the name selects a variant and yields its payload; map-key lookups
// live in dqe, which knows whether the root is a map-shaped value.
func (v *Value) Field(name string) (*Value, error) {
	if v.Type.Kind == typegraph.KindRustEnum {
		return v.variantPayload(name)
	}
	if v.Type.Kind != typegraph.KindStructure {
		return nil, rerrors.New(rerrors.UnsupportedType, "field access on non-struct")
	}
	if v.fields == nil {
		v.fields = map[string]*Value{}
	}
	if f, ok := v.fields[name]; ok {
		return f, nil
	}
	for _, m := range v.Type.Members {
		if m.Name != name {
			continue
		}
		mt, err := v.graph.Resolve(m.Type)
		if err != nil {
			return nil, err
		}
		off := m.Offset
		region, err := v.subregion(off, mt.Size)
		if err != nil {
			return nil, err
		}
		fv := New(mt, region, v.graph, v.mem, v.prog)
		v.fields[name] = fv
		return fv, nil
	}
	return nil, rerrors.New(rerrors.UnexpectedBinaryRepr, fmt.Sprintf("no field %q", name))
}

// variantPayload materializes the payload of the named enum variant.
func (v *Value) variantPayload(name string) (*Value, error) {
	for _, variant := range v.Type.Variants {
		if variant.Name != name {
			continue
		}
		pt, err := v.graph.Resolve(variant.PayloadType)
		if err != nil {
			return nil, err
		}
		region, err := v.subregion(variant.PayloadOff, pt.Size)
		if err != nil {
			return nil, err
		}
		return New(pt, region, v.graph, v.mem, v.prog), nil
	}
	return nil, rerrors.New(rerrors.UnexpectedBinaryRepr, fmt.Sprintf("no variant %q", name))
}

// ActiveVariant reads the discriminant and returns the variant it
// selects, for rendering an enum value as its current alternative.
func (v *Value) ActiveVariant() (typegraph.EnumVariant, error) {
	if v.Type.Kind != typegraph.KindRustEnum {
		return typegraph.EnumVariant{}, rerrors.New(rerrors.UnsupportedType, "not a discriminated enum")
	}
	off := v.Type.DiscrOffset
	if off < 0 || int64(len(v.Region.Raw)) < off+1 {
		return typegraph.EnumVariant{}, rerrors.New(rerrors.UnexpectedBinaryRepr, "discriminant outside value bytes")
	}
	// The discriminant's width isn't carried on the variant part, so
	// try the narrowest plausible reads first; a 1-byte discriminant
	// widened to 8 would pull in adjacent payload bytes.
	for _, w := range []int64{1, 2, 4, 8} {
		if off+w > int64(len(v.Region.Raw)) {
			break
		}
		var discr int64
		for i := off + w - 1; i >= off; i-- {
			discr = discr<<8 | int64(v.Region.Raw[i])
		}
		if variant, ok := v.Type.VariantFor(discr); ok {
			return variant, nil
		}
	}
	return typegraph.EnumVariant{}, rerrors.New(rerrors.UnexpectedBinaryRepr, "no variant matches the discriminant")
}

// Index resolves the i-th element of an array; any other kind,
// enums included, is an error.
func (v *Value) Index(i int64) (*Value, error) {
	switch v.Type.Kind {
	case typegraph.KindArray:
		if i < 0 || (v.Type.Count > 0 && i >= v.Type.Count) {
			return nil, rerrors.New(rerrors.IncorrectAssumption, "index out of bounds")
		}
		et, err := v.graph.Resolve(*v.Type.Element)
		if err != nil {
			return nil, err
		}
		region, err := v.subregion(i*et.Size, et.Size)
		if err != nil {
			return nil, err
		}
		return New(et, region, v.graph, v.mem, v.prog), nil
	default:
		return nil, rerrors.New(rerrors.UnsupportedType, "index on non-array value")
	}
}

// Len reports the element count of an array- or vector-shaped value,
// for resolving an open-ended slice's upper bound.
func (v *Value) Len() (int64, error) {
	switch {
	case v.Special == SpecialVec || v.Special == SpecialDeque:
		if v.elems == nil {
			if err := v.Specialize(); err != nil {
				return 0, err
			}
		}
		return int64(len(v.elems)), nil
	case v.Type.Kind == typegraph.KindArray && v.Type.Count >= 0:
		return v.Type.Count, nil
	}
	return 0, rerrors.New(rerrors.UnknownSize, "value has no known element count")
}

// Slice derives an array-shaped Value spanning [lo, hi) elements.
func (v *Value) Slice(lo, hi int64) (*Value, error) {
	if v.Type.Kind != typegraph.KindArray && v.Type.Kind != typegraph.KindPointer {
		return nil, rerrors.New(rerrors.UnsupportedType, "slice on non-array/non-pointer value")
	}
	elemRef := v.Type.Element
	if elemRef == nil {
		elemRef = v.Type.Target
	}
	if elemRef == nil {
		return nil, rerrors.New(rerrors.UnknownSize, "slice: element type unknown")
	}
	et, err := v.graph.Resolve(*elemRef)
	if err != nil {
		return nil, err
	}
	// An array's elements start at its own storage; a pointer's start
	// at the address it holds.
	var base addr.Relocated
	if v.Type.Kind == typegraph.KindPointer {
		base, err = v.scalarAddr()
	} else {
		base, err = v.baseAddr()
	}
	if err != nil {
		return nil, err
	}
	start := base.Add(lo * et.Size)
	size := (hi - lo) * et.Size
	buf := make([]byte, size)
	if err := v.mem.ReadMemory(start, buf); err != nil {
		return nil, rerrors.Wrap(rerrors.NoData, "slice read", err)
	}
	derived := &typegraph.Type{Ref: v.Type.Ref, Name: fmt.Sprintf("[%s; %d]", et.Name, hi-lo), Kind: typegraph.KindArray, Element: elemRef, Count: hi - lo, Size: size}
	return New(derived, Region{Raw: buf, Addr: &start, Size: size}, v.graph, v.mem, v.prog), nil
}

// Deref follows a pointer/smart-pointer/reference to its pointee,
// failing with UnsupportedDeref on anything else.
func (v *Value) Deref() (*Value, error) {
	switch {
	case v.Type.Kind == typegraph.KindPointer:
		if v.Type.Target == nil {
			return nil, rerrors.New(rerrors.UnsupportedDeref, "deref of untyped pointer")
		}
		tt, err := v.graph.Resolve(*v.Type.Target)
		if err != nil {
			return nil, err
		}
		pa, err := v.scalarAddr()
		if err != nil {
			return nil, err
		}
		region, err := readRegion(v.mem, pa, tt.Size)
		if err != nil {
			return nil, err
		}
		return New(tt, region, v.graph, v.mem, v.prog), nil

	case v.Special == SpecialRc || v.Special == SpecialArc || v.Special == SpecialRefCell || v.Special == SpecialCell:
		return v.Canonic()

	default:
		return nil, rerrors.New(rerrors.UnsupportedDeref, "value is not dereferenceable")
	}
}

// Address returns a synthesised pointer Value whose target address is
// v's own in-tracee address.
func (v *Value) Address() (*Value, error) {
	if v.Region.Addr == nil {
		return nil, rerrors.New(rerrors.UnsupportedDeref, "value has no in-tracee address")
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(*v.Region.Addr))
	ptrType := &typegraph.Type{Name: "*" + v.Type.Name, Kind: typegraph.KindPointer, Size: 8, Target: &v.Type.Ref}
	return New(ptrType, Region{Raw: buf[:], Size: 8}, v.graph, v.mem, v.prog), nil
}

// Canonic peels wrapper layers (Cell/RefCell borrow, newtypes) to
// reveal the underlying value.
func (v *Value) Canonic() (*Value, error) {
	switch v.Special {
	case SpecialCell, SpecialRefCell:
		return v.Field("value")
	case SpecialRc, SpecialArc:
		inner, err := v.Field("ptr")
		if err != nil {
			return nil, err
		}
		return inner.Deref()
	default:
		if v.Type.Kind == typegraph.KindModified && v.Type.Target != nil {
			tt, err := v.graph.Resolve(*v.Type.Target)
			if err != nil {
				return nil, err
			}
			return New(tt, v.Region, v.graph, v.mem, v.prog), nil
		}
		return v, nil
	}
}

func (v *Value) subregion(off, size int64) (Region, error) {
	if v.Region.Addr != nil {
		return readRegion(v.mem, v.Region.Addr.Add(off), size)
	}
	if int64(len(v.Region.Raw)) < off+size {
		return Region{}, rerrors.New(rerrors.UnexpectedBinaryRepr, "subregion out of raw bounds")
	}
	return Region{Raw: v.Region.Raw[off : off+size], Size: size}, nil
}

func readRegion(mem MemReader, at addr.Relocated, size int64) (Region, error) {
	buf := make([]byte, size)
	if err := mem.ReadMemory(at, buf); err != nil {
		return Region{}, rerrors.Wrap(rerrors.NoData, "read region", err)
	}
	a := at
	return Region{Raw: buf, Addr: &a, Size: size}, nil
}

func (v *Value) baseAddr() (addr.Relocated, error) {
	if v.Region.Addr == nil {
		return 0, rerrors.New(rerrors.UnsupportedDeref, "value has no address")
	}
	return *v.Region.Addr, nil
}

func relocatedOf(v uint64) addr.Relocated { return addr.Relocated(v) }

func (v *Value) scalarAddr() (addr.Relocated, error) {
	if len(v.Region.Raw) < 8 {
		return 0, rerrors.New(rerrors.UnexpectedBinaryRepr, "pointer value shorter than 8 bytes")
	}
	return addr.Relocated(binary.LittleEndian.Uint64(v.Region.Raw)), nil
}
