// Package dwarfdata parses an ELF object's DWARF debug info into an
// indexed form: a list of Units (each with a sorted line table, file
// table, DFS-ordered DIE list with parent/child indices, sorted
// address ranges, and a DIE-range index), a demangled symbol table,
// and a variable-name index. It builds on debug/elf and debug/dwarf
// rather than carrying its own DWARF 4/5 parser.
package dwarfdata

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/rerrors"
)

// Program is the debug-info view over one ELF object. A
// debugger.Debugger session builds one Program, for the main
// executable, and uses its Global addresses as Relocated ones
// unchanged (bias 0); shared libraries get no Program of their own.
type Program struct {
	Path  string
	data  *dwarf.Data
	elf   *elf.File
	Units []*Unit

	// symtab maps a demangled linkage name to its global (pre-
	// relocation) address.
	symtab map[string]addr.Global

	// varIndex maps a variable name to every (unit, die-index) pair
	// that declares it.
	varIndex map[string][]DieRef
}

// DieRef is a fat reference into one unit's DIE arena: a
// (unit-index, node-index) pair. Arena-plus-index keeps DIE nodes
// shareable across subsystems without lifetime plumbing.
type DieRef struct {
	Unit int
	Node int
}

// Load parses path's ELF and DWARF sections into a Program.
func Load(path string) (*Program, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.UnitNotFound, "open ELF", err)
	}
	data, err := f.DWARF()
	if err != nil {
		return nil, rerrors.Wrap(rerrors.UnitNotFound, "read DWARF", err)
	}

	p := &Program{
		Path:     path,
		data:     data,
		elf:      f,
		symtab:   map[string]addr.Global{},
		varIndex: map[string][]DieRef{},
	}
	if err := p.loadSymtab(); err != nil {
		return nil, err
	}
	if err := p.loadUnits(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Program) loadSymtab() error {
	syms, err := p.elf.Symbols()
	if err != nil {
		// A stripped binary has no .symtab; that's not fatal, DWARF
		// alone still answers most lookups.
		return nil
	}
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		p.symtab[demangle(s.Name)] = addr.Global(s.Value)
	}
	return nil
}

// demangle strips a Rust-style legacy mangling's hash suffix
// ("...17h1234567890abcdefE"); the "_ZN" prefix and the
// length-prefixed path segments are left as they are.
var legacyHashSuffix = regexp.MustCompile(`17h[0-9a-f]{16}E$`)

func demangle(name string) string {
	return legacyHashSuffix.ReplaceAllString(name, "")
}

func (p *Program) loadUnits() error {
	r := p.data.Reader()
	for {
		cu, err := r.Next()
		if err != nil {
			return rerrors.Wrap(rerrors.DieNotFound, "read compile unit", err)
		}
		if cu == nil {
			break
		}
		if cu.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		u, err := p.buildUnit(r, cu)
		if err != nil {
			return err
		}
		p.Units = append(p.Units, u)
	}
	sort.Slice(p.Units, func(i, j int) bool { return p.Units[i].LowPC < p.Units[j].LowPC })
	return nil
}

// FindUnitByPC binary-searches units by their lowest range start.
func (p *Program) FindUnitByPC(pc addr.Global) *Unit {
	i := sort.Search(len(p.Units), func(i int) bool { return p.Units[i].LowPC > pc })
	for j := i - 1; j >= 0; j-- {
		if p.Units[j].Contains(pc) {
			return p.Units[j]
		}
	}
	return nil
}

// FindFunctionByName scans every unit's subprogram DIEs for an exact
// name match; no linkage-name index is consulted.
func (p *Program) FindFunctionByName(name string) ([]DieRef, error) {
	var out []DieRef
	for _, u := range p.Units {
		for i, n := range u.Dies {
			if n.Tag == dwarf.TagSubprogram && n.Name == name {
				out = append(out, DieRef{Unit: u.Index, Node: i})
			}
		}
	}
	if len(out) == 0 {
		return nil, rerrors.New(rerrors.FunctionNotFound, name)
	}
	return out, nil
}

// FunctionByPC resolves a global address to its enclosing function
// DIE: binary search over unit
// ranges then over the unit's die-range-by-begin index.
func (p *Program) FunctionByPC(pc addr.Global) (DieRef, bool) {
	u := p.FindUnitByPC(pc)
	if u == nil {
		return DieRef{}, false
	}
	node, ok := u.FindFunctionByPC(pc)
	if !ok {
		return DieRef{}, false
	}
	return DieRef{Unit: u.Index, Node: node}, true
}

// FunctionAt names the function enclosing pc, for backtrace display
// and unwind.FuncResolver.
func (p *Program) FunctionAt(pc addr.Global) (name string, start addr.Global, ok bool) {
	ref, found := p.FunctionByPC(pc)
	if !found {
		return "", 0, false
	}
	die := p.Die(ref)
	if die == nil {
		return "", 0, false
	}
	lo, _, hasRange := die.Range()
	return die.Name, lo, hasRange
}

// AddrForLine finds file:line's lowest statement-boundary address
// across every loaded unit.
func (p *Program) AddrForLine(file string, line int) (addr.Global, bool) {
	for _, u := range p.Units {
		if a, ok := u.AddrForLine(file, line); ok {
			return a, true
		}
	}
	return 0, false
}

// FunctionEntryAfterPrologue returns the address execution should
// break at for a function breakpoint, skipping its prologue: the
// first line-table row past LowPC flagged PrologueEnd, or the second
// distinct statement address if the compiler didn't flag one.
func (p *Program) FunctionEntryAfterPrologue(ref DieRef) (addr.Global, error) {
	die := p.Die(ref)
	if die == nil {
		return 0, rerrors.New(rerrors.DieNotFound, "function entry lookup")
	}
	lo, hi, ok := die.Range()
	if !ok {
		return 0, rerrors.New(rerrors.PlaceNotFound, "function has no address range")
	}
	u := p.Units[ref.Unit]
	for _, l := range u.Lines {
		if l.Address >= lo && l.Address < hi && l.PrologueEnd {
			return l.Address, nil
		}
	}
	var firstAfterLo addr.Global
	haveFirst := false
	for _, l := range u.Lines {
		if l.Address < lo || l.Address >= hi {
			continue
		}
		if !haveFirst {
			firstAfterLo = l.Address
			haveFirst = true
			continue
		}
		if l.Address > firstAfterLo {
			return l.Address, nil
		}
	}
	if haveFirst {
		return firstAfterLo, nil
	}
	return lo, nil
}

// producerMinor extracts the toolchain minor version from a
// DW_AT_producer string of the form "... 1.<minor>.<patch> ...".
var producerMinor = regexp.MustCompile(`\b1\.(\d+)\.\d+\b`)

// ToolchainMinor reports the source toolchain's minor version as
// recorded by the compiler in any unit's producer string.
func (p *Program) ToolchainMinor() (int, bool) {
	for _, u := range p.Units {
		m := producerMinor.FindStringSubmatch(u.Producer)
		if m == nil {
			continue
		}
		minor := 0
		for _, c := range m[1] {
			minor = minor*10 + int(c-'0')
		}
		return minor, true
	}
	return 0, false
}

// Symbol looks up every linkage name matching re.
func (p *Program) Symbol(re *regexp.Regexp) []string {
	var out []string
	for name := range p.symtab {
		if re.MatchString(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// SymbolAddr returns the global address of a demangled symbol name.
func (p *Program) SymbolAddr(name string) (addr.Global, bool) {
	a, ok := p.symtab[name]
	return a, ok
}

// NodeForOffset resolves a DWARF-section-relative offset within unit
// to its node index in that unit's Dies arena, used to turn a
// DW_AT_type reference into a DieRef.
func (p *Program) NodeForOffset(unit int, off dwarf.Offset) (int, bool) {
	if unit < 0 || unit >= len(p.Units) {
		return 0, false
	}
	idx, ok := p.Units[unit].byOffset[off]
	return idx, ok
}

// VarRefs returns every (unit, die-index) pair declaring a variable or
// formal parameter named name, across every loaded unit.
func (p *Program) VarRefs(name string) []DieRef {
	return p.varIndex[name]
}

// Die returns the DIE node a reference points to.
func (p *Program) Die(ref DieRef) *Die {
	if ref.Unit < 0 || ref.Unit >= len(p.Units) {
		return nil
	}
	u := p.Units[ref.Unit]
	if ref.Node < 0 || ref.Node >= len(u.Dies) {
		return nil
	}
	return &u.Dies[ref.Node]
}

// dtDebug is DT_DEBUG's tag value (man 5 elf): the dynamic linker
// overwrites this entry's d_val with the runtime address of the
// r_debug rendezvous structure once it's initialized.
const dtDebug = 21

// DebugBaseEntry returns the static (file) address of the DT_DEBUG
// entry's d_val slot within the .dynamic section: the caller reads
// *this* address out
// of tracee memory at runtime to learn r_debug's address, since the
// static ELF file's own copy of d_val is always zero.
func (p *Program) DebugBaseEntry() (addr.Global, error) {
	sec := p.elf.Section(".dynamic")
	if sec == nil {
		return 0, rerrors.New(rerrors.UnitNotFound, "no .dynamic section (statically linked binary)")
	}
	data, err := sec.Data()
	if err != nil {
		return 0, rerrors.Wrap(rerrors.UnitNotFound, "read .dynamic", err)
	}
	// Elf64_Dyn { int64 d_tag; uint64 d_val; }, 16 bytes per entry.
	for off := 0; off+16 <= len(data); off += 16 {
		tag := int64(leUint64(data[off : off+8]))
		if tag == dtDebug {
			return addr.Global(sec.Addr) + addr.Global(off) + 8, nil
		}
		if tag == 0 {
			break // DT_NULL terminates the table
		}
	}
	return 0, rerrors.New(rerrors.UnitNotFound, "no DT_DEBUG entry")
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// EhFrameSection returns the raw bytes and static (pre-relocation)
// address of the .eh_frame section, the input internal/unwind.New
// needs.
func (p *Program) EhFrameSection() ([]byte, uint64, error) {
	sec := p.elf.Section(".eh_frame")
	if sec == nil {
		return nil, 0, rerrors.New(rerrors.UnitNotFound, "no .eh_frame section")
	}
	data, err := sec.Data()
	if err != nil {
		return nil, 0, rerrors.Wrap(rerrors.UnitNotFound, "read .eh_frame", err)
	}
	return data, sec.Addr, nil
}

// Reader exposes the raw dwarf.Data reader for the rare case a
// subsystem (e.g. internal/typegraph) needs to re-seek into a DIE's
// children outside Unit's pre-walked arena (inline-instance abstract
// origins, for instance).
func (p *Program) Reader() *dwarf.Reader { return p.data.Reader() }

// Type resolves a dwarf.Offset to a dwarf.Type using the stdlib
// type cache, a convenience wrapper internal/typegraph builds its own
// interned graph on top of.
func (p *Program) Type(off dwarf.Offset) (dwarf.Type, error) {
	t, err := p.data.Type(off)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.TypeNotFound, fmt.Sprintf("offset %#x", off), err)
	}
	return t, nil
}

func (p *Program) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d units", p.Path, len(p.Units))
	return b.String()
}
