package dwarfdata

import (
	"debug/dwarf"
	"sort"
	"strings"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/rerrors"
)

// Die is one DWARF debug information entry, flattened out of
// dwarf.Entry into the fields the rest of the engine actually reads.
// Parent/child links are node indices within the owning Unit's Dies
// slice.
type Die struct {
	Offset   dwarf.Offset
	Tag      dwarf.Tag
	Name     string
	Parent   int // -1 for the root (compile unit DIE)
	Children []int

	LowPC, HighPC addr.Global // zero if this DIE carries no range
	HasRange      bool

	Entry *dwarf.Entry // retained for attribute lookups (location exprs, type refs, etc)
}

// ValidAt reports whether a variable DIE at node index is visible at
// pc: it walks up Parent links from the variable to the nearest
// enclosing lexical block or subprogram and checks pc falls in that
// scope's range, so cost is O(#enclosing scopes), not O(#variables)
//.
func (u *Unit) ValidAt(node int, pc addr.Global) bool {
	for i := node; i != -1; i = u.Dies[i].Parent {
		d := &u.Dies[i]
		if d.Tag == dwarf.TagLexDwarfBlock || d.Tag == dwarf.TagSubprogram {
			if !d.HasRange {
				continue
			}
			if pc < d.LowPC || pc >= d.HighPC {
				return false
			}
			if d.Tag == dwarf.TagSubprogram {
				return true
			}
		}
	}
	return true
}

// Range returns the DIE's own PC range, if it has one.
func (d *Die) Range() (lo, hi addr.Global, ok bool) {
	return d.LowPC, d.HighPC, d.HasRange
}

// AttrLocation returns the raw DW_AT_location bytes, if present and
// an exprloc (not a loclistx, which callers resolve via internal/locexpr).
func (d *Die) AttrLocation() ([]byte, bool) {
	v := d.Entry.Val(dwarf.AttrLocation)
	b, ok := v.([]byte)
	return b, ok
}

// AttrUint reads an integer-valued attribute.
func (d *Die) AttrUint(a dwarf.Attr) (uint64, bool) {
	v := d.Entry.Val(a)
	switch x := v.(type) {
	case int64:
		return uint64(x), true
	case uint64:
		return x, true
	}
	return 0, false
}

// AttrInt reads a signed integer-valued attribute.
func (d *Die) AttrInt(a dwarf.Attr) (int64, bool) {
	v := d.Entry.Val(a)
	switch x := v.(type) {
	case int64:
		return x, true
	case uint64:
		return int64(x), true
	}
	return 0, false
}

// AttrRef reads a DW_FORM_ref-valued attribute as a dwarf.Offset.
func (d *Die) AttrRef(a dwarf.Attr) (dwarf.Offset, bool) {
	v := d.Entry.Val(a)
	off, ok := v.(dwarf.Offset)
	return off, ok
}

// Line is one row of a compilation unit's line number program,
// already decoded and sorted by Address.
type Line struct {
	Address  addr.Global
	File     string
	Line     int
	Col      int
	IsStmt   bool
	EndSeq   bool
	PrologueEnd bool
}

// dieRange pairs a DIE index with its range start, for the sorted
// DIE-range index FindFunctionByPC searches.
type dieRange struct {
	lo   addr.Global
	hi   addr.Global
	node int
}

// Unit is one compilation unit's fully indexed debug info.
type Unit struct {
	Index    int
	Name     string
	Producer string
	LowPC, HighPC addr.Global

	Dies  []Die
	Lines []Line
	Files []string

	ranges    []dieRange // sorted by lo, one entry per DIE that carries a range
	varByName map[string][]int
	byOffset  map[dwarf.Offset]int
}

func (u *Unit) Contains(pc addr.Global) bool { return pc >= u.LowPC && pc < u.HighPC }

// buildUnit walks cu's subtree via the stdlib reader, flattening it
// into a DFS-ordered Dies arena with parent/child indices, and
// decodes the unit's line program via dwarf.LineReader.
func (p *Program) buildUnit(r *dwarf.Reader, cu *dwarf.Entry) (*Unit, error) {
	u := &Unit{Index: len(p.Units), varByName: map[string][]int{}, byOffset: map[dwarf.Offset]int{}}
	if name, ok := cu.Val(dwarf.AttrName).(string); ok {
		u.Name = name
	}
	if prod, ok := cu.Val(dwarf.AttrProducer).(string); ok {
		u.Producer = prod
	}

	stack := []int{-1} // parent index stack; root's parent is -1
	depth := 0
	first := true
	for {
		var entry *dwarf.Entry
		var err error
		if first {
			entry = cu
			first = false
		} else {
			entry, err = r.Next()
			if err != nil {
				return nil, rerrors.Wrap(rerrors.DieNotFound, "walk unit", err)
			}
		}
		if entry == nil {
			break
		}
		if entry.Tag == 0 {
			// End of a children list: pop.
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			depth--
			if depth < 0 {
				break
			}
			continue
		}

		idx := len(u.Dies)
		parent := stack[len(stack)-1]
		d := Die{
			Offset: entry.Offset,
			Tag:    entry.Tag,
			Parent: parent,
			Entry:  entry,
		}
		if name, ok := entry.Val(dwarf.AttrName).(string); ok {
			d.Name = name
		}
		if lo, ok := entry.Val(dwarf.AttrLowpc).(uint64); ok {
			d.LowPC = addr.Global(lo)
			d.HasRange = true
			switch hv := entry.Val(dwarf.AttrHighpc).(type) {
			case uint64:
				d.HighPC = addr.Global(hv)
			case int64:
				// DW_FORM_data* high_pc is an offset from low_pc.
				d.HighPC = d.LowPC.Add(hv)
			}
		}
		u.Dies = append(u.Dies, d)
		u.byOffset[d.Offset] = idx
		if parent >= 0 {
			u.Dies[parent].Children = append(u.Dies[parent].Children, idx)
		}

		if d.Name != "" && (d.Tag == dwarf.TagVariable || d.Tag == dwarf.TagFormalParameter) {
			u.varByName[d.Name] = append(u.varByName[d.Name], idx)
			p.varIndex[d.Name] = append(p.varIndex[d.Name], DieRef{Unit: u.Index, Node: idx})
		}
		if d.HasRange {
			u.ranges = append(u.ranges, dieRange{lo: d.LowPC, hi: d.HighPC, node: idx})
			if d.Tag == dwarf.TagCompileUnit {
				u.LowPC, u.HighPC = d.LowPC, d.HighPC
			}
		}

		if entry.Children {
			stack = append(stack, idx)
			depth++
		}
	}

	sort.Slice(u.ranges, func(i, j int) bool { return u.ranges[i].lo < u.ranges[j].lo })

	if err := u.loadLines(p.data, cu); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *Unit) loadLines(data *dwarf.Data, cu *dwarf.Entry) error {
	lr, err := data.LineReader(cu)
	if err != nil || lr == nil {
		// No line program (e.g. a unit with no code, or an optimized-
		// away CU); not fatal.
		return nil
	}
	var le dwarf.LineEntry
	for {
		if err := lr.Next(&le); err != nil {
			break
		}
		file := ""
		if le.File != nil {
			file = rewriteStdlibPath(le.File.Name)
		}
		u.Lines = append(u.Lines, Line{
			Address:     addr.Global(le.Address),
			File:        file,
			Line:        le.Line,
			Col:         le.Column,
			IsStmt:      le.IsStmt,
			EndSeq:      le.EndSequence,
			PrologueEnd: le.PrologueEnd,
		})
		if file != "" {
			u.Files = append(u.Files, file)
		}
	}
	sort.Slice(u.Lines, func(i, j int) bool { return u.Lines[i].Address < u.Lines[j].Address })
	return nil
}

// rewriteStdlibPath rewrites a compiler-embedded "/rustc/<hash>/..."
// path to the locally installed standard-library source tree. The
// installed root is left as the placeholder prefix "$RUSTUP_TOOLCHAIN";
// nothing substitutes a real root for it (debugger.Config's
// RustlibSourceRoot is parsed but not read).
const stdlibSourcePlaceholder = "/rustc/"

func rewriteStdlibPath(p string) string {
	if i := strings.Index(p, stdlibSourcePlaceholder); i >= 0 {
		if j := strings.Index(p[i+len(stdlibSourcePlaceholder):], "/"); j >= 0 {
			rest := p[i+len(stdlibSourcePlaceholder)+j+1:]
			return "$RUSTUP_TOOLCHAIN/lib/rustlib/src/rust/" + rest
		}
	}
	return p
}

// FindPlaceFromPC returns the line row with the largest address <= pc
//.
func (u *Unit) FindPlaceFromPC(pc addr.Global) (*Line, bool) {
	i := sort.Search(len(u.Lines), func(i int) bool { return u.Lines[i].Address > pc })
	if i == 0 {
		return nil, false
	}
	return &u.Lines[i-1], true
}

// FindFunctionByPC binary-searches die-range-by-begin, then scans
// backward linearly for the innermost enclosing subprogram DIE whose
// range contains pc, handling nested inlines.
func (u *Unit) FindFunctionByPC(pc addr.Global) (int, bool) {
	i := sort.Search(len(u.ranges), func(i int) bool { return u.ranges[i].lo > pc })
	best := -1
	for j := i - 1; j >= 0; j-- {
		dr := u.ranges[j]
		if pc < dr.lo || pc >= dr.hi {
			continue
		}
		tag := u.Dies[dr.node].Tag
		if tag != dwarf.TagSubprogram && tag != dwarf.TagInlinedSubroutine {
			continue
		}
		if best == -1 {
			best = dr.node
		}
		// Keep scanning backward only to find an enclosing (wider)
		// function DIE if this one is an inlined body; the first
		// subprogram found is the answer, inlines nest inside it.
		if tag == dwarf.TagSubprogram {
			return dr.node, true
		}
	}
	return best, best != -1
}

// AddrForLine finds the lowest-address statement boundary matching
// file:line.
func (u *Unit) AddrForLine(file string, line int) (addr.Global, bool) {
	for _, l := range u.Lines {
		if l.Line == line && l.File == file && l.IsStmt {
			return l.Address, true
		}
	}
	return 0, false
}

// VarsNamed returns every DIE index in this unit declaring name.
func (u *Unit) VarsNamed(name string) []int { return u.varByName[name] }

// VarNames returns every distinct variable/parameter name declared in
// this unit, used by Variable{Any:true} root resolution to fan out
// over "every local in scope" rather than one name.
func (u *Unit) VarNames() []string {
	names := make([]string, 0, len(u.varByName))
	for n := range u.varByName {
		names = append(names, n)
	}
	return names
}
