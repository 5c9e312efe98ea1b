// Package typegraph builds a directed type graph over DWARF DIEs:
// nodes are tagged variants (scalar, array, structure, C enum,
// discriminated enum, pointer, subroutine, modifier), edges hold
// DieRefs rather than owning pointers so cyclic types (Vec<Node>
// containing Node containing Vec<Node>) stay representable, and
// roots are interned in a per-compilation-unit cache keyed by
// (unit, die-ref).
package typegraph

import (
	"debug/dwarf"

	lru "github.com/hashicorp/golang-lru"

	"github.com/nvdbg/rdbg/internal/dwarfdata"
	"github.com/nvdbg/rdbg/internal/rerrors"
)

// Kind tags a Type node's shape.
type Kind int

const (
	KindScalar Kind = iota
	KindArray
	KindStructure
	KindCEnum
	KindRustEnum
	KindPointer
	KindSubroutine
	KindModified // const/volatile/typedef wrapper
)

// Member is one field of a Structure type. The offset is either a
// constant or a DWARF expression evaluated against the object's base
// address; OffsetExpr is non-nil in the latter case.
type Member struct {
	Name       string
	Offset     int64
	OffsetExpr []byte
	Type       dwarfdata.DieRef
}

// EnumVariant is one alternative of a discriminated (Rust-style)
// enum. A variant without a discriminant value is the default arm.
type EnumVariant struct {
	Name        string
	DiscrValue  int64
	HasDiscr    bool
	PayloadType dwarfdata.DieRef
	PayloadOff  int64
}

// Type is one node of the type graph. Edges (Element, Members[i].Type,
// Target, TypeParams values) are DieRefs, never *Type, which is what
// makes the graph safe to store flat despite being cyclic.
type Type struct {
	Ref  dwarfdata.DieRef
	Name string
	Kind Kind
	Size int64

	Encoding uint64 // KindScalar: DW_ATE_*

	Element   *dwarfdata.DieRef // KindArray
	Count     int64             // KindArray: -1 if unknown or expression-valued
	CountExpr []byte            // KindArray: non-nil if the bound is a DWARF expression

	Members    []Member                    // KindStructure
	TypeParams map[string]dwarfdata.DieRef // generic parameter name -> type DIE

	DiscrMember string        // KindRustEnum: member holding the discriminant
	DiscrOffset int64         // KindRustEnum: discriminant offset within the object
	Variants    []EnumVariant // KindRustEnum

	Enumerators map[int64]string // KindCEnum: value -> name

	Target *dwarfdata.DieRef // KindPointer, KindModified
}

// Graph is the per-Program type graph with a per-unit cache of
// interned roots. The caches grow monotonically over a session; an
// LRU bound keeps a pathological binary (hundreds of thousands of
// distinct instantiations) from holding the whole graph live at once.
type Graph struct {
	prog   *dwarfdata.Program
	caches map[int]*lru.Cache
}

const perUnitCacheSize = 4096

func New(prog *dwarfdata.Program) *Graph {
	return &Graph{prog: prog, caches: map[int]*lru.Cache{}}
}

func (g *Graph) cacheFor(unit int) *lru.Cache {
	if c, ok := g.caches[unit]; ok {
		return c
	}
	c, _ := lru.New(perUnitCacheSize)
	g.caches[unit] = c
	return c
}

// Resolve materializes (or returns the cached) Type for ref.
func (g *Graph) Resolve(ref dwarfdata.DieRef) (*Type, error) {
	cache := g.cacheFor(ref.Unit)
	if v, ok := cache.Get(ref.Node); ok {
		return v.(*Type), nil
	}

	die := g.prog.Die(ref)
	if die == nil {
		return nil, rerrors.New(rerrors.DieNotFound, "type resolve")
	}

	t := &Type{Ref: ref, Name: die.Name}
	// Insert before recursing so a cyclic reference back to ref finds
	// the placeholder instead of recursing forever.
	cache.Add(ref.Node, t)

	if err := g.fill(t, die); err != nil {
		cache.Remove(ref.Node)
		return nil, err
	}
	return t, nil
}

func (g *Graph) fill(t *Type, die *dwarfdata.Die) error {
	if sz, ok := die.AttrUint(dwarf.AttrByteSize); ok {
		t.Size = int64(sz)
	}

	switch die.Tag {
	case dwarf.TagBaseType:
		t.Kind = KindScalar
		if enc, ok := die.AttrUint(dwarf.AttrEncoding); ok {
			t.Encoding = enc
		}

	case dwarf.TagPointerType, dwarf.TagReferenceType:
		t.Kind = KindPointer
		if t.Size == 0 {
			t.Size = 8
		}
		t.Target = g.childTypeRef(t.Ref.Unit, die)

	case dwarf.TagArrayType:
		t.Kind = KindArray
		t.Element = g.childTypeRef(t.Ref.Unit, die)
		t.Count = -1
		g.fillArrayBounds(t, die)
		if t.Count >= 0 && t.Size == 0 && t.Element != nil {
			if et, err := g.Resolve(*t.Element); err == nil {
				t.Size = t.Count * et.Size
			}
		}

	case dwarf.TagStructType, dwarf.TagUnionType, dwarf.TagClassType:
		return g.fillStructure(t, die)

	case dwarf.TagEnumerationType:
		t.Kind = KindCEnum
		t.Enumerators = map[int64]string{}
		for _, ci := range die.Children {
			c := g.prog.Die(dwarfdata.DieRef{Unit: t.Ref.Unit, Node: ci})
			if c == nil || c.Tag != dwarf.TagEnumerator {
				continue
			}
			if v, ok := c.AttrInt(dwarf.AttrConstValue); ok {
				t.Enumerators[v] = c.Name
			}
		}

	case dwarf.TagConstType, dwarf.TagVolatileType, dwarf.TagTypedef, dwarf.TagRestrictType:
		t.Kind = KindModified
		t.Target = g.childTypeRef(t.Ref.Unit, die)
		if t.Size == 0 && t.Target != nil {
			if tt, err := g.Resolve(*t.Target); err == nil {
				t.Size = tt.Size
			}
		}

	case dwarf.TagSubroutineType, dwarf.TagSubprogram:
		t.Kind = KindSubroutine

	default:
		return rerrors.New(rerrors.UnsupportedType, die.Tag.String())
	}
	return nil
}

// fillStructure walks a structure DIE's children: ordinary members,
// generic type parameters, and — when a variant part is present — the
// discriminated-union shape the compiler emits for tagged enums.
func (g *Graph) fillStructure(t *Type, die *dwarfdata.Die) error {
	t.Kind = KindStructure
	t.TypeParams = map[string]dwarfdata.DieRef{}

	for _, ci := range die.Children {
		ref := dwarfdata.DieRef{Unit: t.Ref.Unit, Node: ci}
		c := g.prog.Die(ref)
		if c == nil {
			continue
		}
		switch c.Tag {
		case dwarf.TagMember:
			m := Member{Name: c.Name}
			if tr := g.childTypeRef(t.Ref.Unit, c); tr != nil {
				m.Type = *tr
			}
			switch loc := c.Entry.Val(dwarf.AttrDataMemberLoc).(type) {
			case int64:
				m.Offset = loc
			case []byte:
				m.OffsetExpr = loc
			}
			t.Members = append(t.Members, m)

		case dwarf.TagTemplateTypeParameter:
			if tr := g.childTypeRef(t.Ref.Unit, c); tr != nil && c.Name != "" {
				t.TypeParams[c.Name] = *tr
			}

		case dwarf.TagVariantPart:
			t.Kind = KindRustEnum
			g.fillVariantPart(t, ref, c)
		}
	}
	return nil
}

// fillVariantPart decodes DW_TAG_variant_part: the discriminant
// member (referenced by DW_AT_discr) plus one DW_TAG_variant child
// per alternative, each holding a single member describing the
// payload.
func (g *Graph) fillVariantPart(t *Type, partRef dwarfdata.DieRef, part *dwarfdata.Die) {
	if discrOff, ok := part.AttrRef(dwarf.AttrDiscr); ok {
		if node, ok := g.prog.NodeForOffset(partRef.Unit, discrOff); ok {
			if d := g.prog.Die(dwarfdata.DieRef{Unit: partRef.Unit, Node: node}); d != nil {
				t.DiscrMember = d.Name
				if off, ok := d.AttrInt(dwarf.AttrDataMemberLoc); ok {
					t.DiscrOffset = off
				}
			}
		}
	}
	for _, vi := range part.Children {
		v := g.prog.Die(dwarfdata.DieRef{Unit: partRef.Unit, Node: vi})
		if v == nil || v.Tag != dwarf.TagVariant {
			continue
		}
		variant := EnumVariant{}
		if dv, ok := v.AttrInt(dwarf.AttrDiscrValue); ok {
			variant.DiscrValue = dv
			variant.HasDiscr = true
		}
		// The variant's single member names the payload and its type.
		for _, mi := range v.Children {
			m := g.prog.Die(dwarfdata.DieRef{Unit: partRef.Unit, Node: mi})
			if m == nil || m.Tag != dwarf.TagMember {
				continue
			}
			variant.Name = m.Name
			if tr := g.childTypeRef(partRef.Unit, m); tr != nil {
				variant.PayloadType = *tr
			}
			if off, ok := m.AttrInt(dwarf.AttrDataMemberLoc); ok {
				variant.PayloadOff = off
			}
			break
		}
		t.Variants = append(t.Variants, variant)
	}
}

// fillArrayBounds reads the subrange child's count or upper bound.
// An expression-valued bound is carried as CountExpr for the value
// parser to evaluate against a live frame.
func (g *Graph) fillArrayBounds(t *Type, die *dwarfdata.Die) {
	for _, ci := range die.Children {
		c := g.prog.Die(dwarfdata.DieRef{Unit: t.Ref.Unit, Node: ci})
		if c == nil || c.Tag != dwarf.TagSubrangeType {
			continue
		}
		switch v := c.Entry.Val(dwarf.AttrCount).(type) {
		case int64:
			t.Count = v
			return
		case uint64:
			t.Count = int64(v)
			return
		case []byte:
			t.CountExpr = v
			return
		}
		switch v := c.Entry.Val(dwarf.AttrUpperBound).(type) {
		case int64:
			t.Count = v + 1
			return
		case []byte:
			t.CountExpr = v
			return
		}
	}
}

func (g *Graph) childTypeRef(unit int, die *dwarfdata.Die) *dwarfdata.DieRef {
	off, ok := die.AttrRef(dwarf.AttrType)
	if !ok {
		return nil
	}
	node, ok := g.prog.NodeForOffset(unit, off)
	if !ok {
		return nil
	}
	return &dwarfdata.DieRef{Unit: unit, Node: node}
}

// VariantFor returns the variant matching a discriminant value,
// falling back to the default (discriminant-less) arm.
func (t *Type) VariantFor(discr int64) (EnumVariant, bool) {
	var def EnumVariant
	haveDef := false
	for _, v := range t.Variants {
		if v.HasDiscr && v.DiscrValue == discr {
			return v, true
		}
		if !v.HasDiscr {
			def, haveDef = v, true
		}
	}
	return def, haveDef
}

// IsRecognizedIdiom reports whether t's name matches one of the
// container and wrapper idioms the value parser renders specially.
// The compiler emits these display names deterministically, so a
// prefix test is as reliable as a structural one and far cheaper.
func (t *Type) IsRecognizedIdiom() (string, bool) {
	for _, prefix := range recognizedPrefixes {
		if hasPrefix(t.Name, prefix) {
			return prefix, true
		}
	}
	return "", false
}

var recognizedPrefixes = []string{
	"alloc::string::String",
	"alloc::vec::Vec<",
	"std::collections::hash::map::HashMap<",
	"std::collections::hash::set::HashSet<",
	"alloc::collections::btree::map::BTreeMap<",
	"alloc::collections::btree::set::BTreeSet<",
	"alloc::collections::vec_deque::VecDeque<",
	"core::cell::Cell<",
	"core::cell::RefCell<",
	"alloc::rc::Rc<",
	"alloc::sync::Arc<",
	"std::time::Instant",
	"&str",
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}
