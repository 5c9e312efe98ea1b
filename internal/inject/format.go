package inject

import (
	"encoding/binary"

	_ "embed"

	"gopkg.in/yaml.v3"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/breakpoint"
	"github.com/nvdbg/rdbg/internal/rerrors"
)

// FormatterLayout describes one toolchain minor version's
// bit-compatible core::fmt::Formatter layout. The layout has drifted
// across minor releases, so it is carried as data in the embedded
// formatter_layouts.yaml: a newly observed layout is a table entry
// rather than new code, though the table is compiled into the binary.
type FormatterLayout struct {
	ToolchainMinor  int   `yaml:"toolchain_minor"`
	FlagsOffset     int64 `yaml:"flags_offset"`
	FillOffset      int64 `yaml:"fill_offset"`
	AlignOffset     int64 `yaml:"align_offset"`
	WidthOffset     int64 `yaml:"width_offset"`
	PrecisionOffset int64 `yaml:"precision_offset"`
	BufOffset       int64 `yaml:"buf_offset"`
	Size            int64 `yaml:"size"`
}

//go:embed formatter_layouts.yaml
var embeddedLayouts []byte

// LayoutTable holds every known Formatter layout, keyed by toolchain
// minor version. Three bitwise-distinct layouts ship by default; an
// unrecognised version reports UnsupportedRustC rather than guessing.
type LayoutTable struct {
	byMinor map[int]FormatterLayout
}

// LoadDefaultLayouts parses the embedded layout table.
func LoadDefaultLayouts() (*LayoutTable, error) {
	var list []FormatterLayout
	if err := yaml.Unmarshal(embeddedLayouts, &list); err != nil {
		return nil, rerrors.Wrap(rerrors.UnsupportedRustC, "parse formatter layout table", err)
	}
	t := &LayoutTable{byMinor: map[int]FormatterLayout{}}
	for _, l := range list {
		t.byMinor[l.ToolchainMinor] = l
	}
	return t, nil
}

// For returns the layout for a toolchain minor version.
func (t *LayoutTable) For(minor int) (FormatterLayout, error) {
	l, ok := t.byMinor[minor]
	if !ok {
		return FormatterLayout{}, rerrors.New(rerrors.UnsupportedRustC, "no known Formatter layout for this toolchain")
	}
	return l, nil
}

// BuildFormatterBytes lays out a Formatter whose buf field is the fat
// pointer (strPtr, vtablePtr) — a &mut dyn core::fmt::Write aimed at
// the String header the injector placed in its scratch page.
func (t *LayoutTable) BuildFormatterBytes(layout FormatterLayout, strPtr, vtablePtr addr.Relocated) []byte {
	buf := make([]byte, layout.Size)
	putU64 := func(off int64, v uint64) {
		for i := int64(0); i < 8 && off+i < int64(len(buf)); i++ {
			buf[off+i] = byte(v >> (8 * uint(i)))
		}
	}
	putU64(layout.BufOffset, uint64(strPtr))
	putU64(layout.BufOffset+8, uint64(vtablePtr))
	return buf
}

// Scratch-page layout for the debug-format session. The string data
// buffer takes the rest of the page past dataOff.
const (
	strHeaderOff = 0
	vtableOff    = 64
	formatterOff = 128
	codeOff      = 256
	dataOff      = 512
)

// DebugFormat invokes fmtFn — the resolved address of the value's
// <T as core::fmt::Debug>::fmt — on the value at valueAddr, inside
// the tracee. It hand-constructs a String header, a core::fmt::Write
// vtable whose write_str slot is writeStrFn, and a Formatter of the
// given layout inside a freshly mmapped page, then calls
// fmtFn(valueAddr, &formatter) and reads back the String's bytes.
// Registers, instructions, and breakpoints are restored on every exit
// path, as in Call.
func (in *Injector) DebugFormat(fmtFn, writeStrFn, valueAddr addr.Relocated, layout FormatterLayout, table *LayoutTable, bps *breakpoint.Table) (string, error) {
	savedRegs, err := in.tr.GetRegs(in.tid)
	if err != nil {
		return "", rerrors.Wrap(rerrors.Ptrace, "save registers", err)
	}
	savedWord := make([]byte, 8)
	if err := in.tr.ReadMemory(addr.Relocated(savedRegs.Rip), savedWord); err != nil {
		return "", rerrors.Wrap(rerrors.NoData, "save instruction word", err)
	}
	var disabled []*breakpoint.Breakpoint
	for _, bp := range bps.List() {
		if bp.Active {
			_ = bps.Disable(bp)
			disabled = append(disabled, bp)
		}
	}
	defer func() {
		_ = in.tr.WriteMemory(addr.Relocated(savedRegs.Rip), savedWord)
		_ = in.tr.SetRegs(in.tid, savedRegs)
		for _, bp := range disabled {
			_ = bps.Enable(bp)
		}
	}()

	page, err := in.mmapPage()
	if err != nil {
		return "", err
	}
	defer func() { _ = in.munmapPage(page) }()

	// String header: (data ptr, cap, len).
	var hdr [24]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(page)+dataOff)
	binary.LittleEndian.PutUint64(hdr[8:16], pageSize-dataOff)
	binary.LittleEndian.PutUint64(hdr[16:24], 0)
	if err := in.tr.WriteMemory(page.Add(strHeaderOff), hdr[:]); err != nil {
		return "", rerrors.Wrap(rerrors.Jmp, "write String header", err)
	}

	// dyn Write vtable: drop_in_place (no-op), size, align, write_str.
	var vt [32]byte
	binary.LittleEndian.PutUint64(vt[8:16], 24)
	binary.LittleEndian.PutUint64(vt[16:24], 8)
	binary.LittleEndian.PutUint64(vt[24:32], uint64(writeStrFn))
	if err := in.tr.WriteMemory(page.Add(vtableOff), vt[:]); err != nil {
		return "", rerrors.Wrap(rerrors.Jmp, "write vtable", err)
	}

	fmtBytes := table.BuildFormatterBytes(layout, page.Add(strHeaderOff), page.Add(vtableOff))
	if err := in.tr.WriteMemory(page.Add(formatterOff), fmtBytes); err != nil {
		return "", rerrors.Wrap(rerrors.Jmp, "write Formatter", err)
	}

	if err := in.jumpTo(page.Add(codeOff)); err != nil {
		return "", err
	}
	regs, err := in.tr.GetRegs(in.tid)
	if err != nil {
		return "", rerrors.Wrap(rerrors.Ptrace, "read post-jump registers", err)
	}
	if err := in.tr.WriteMemory(addr.Relocated(regs.Rip), callRaxInt3); err != nil {
		return "", rerrors.Wrap(rerrors.Jmp, "write call stub", err)
	}
	regs.Rax = uint64(fmtFn)
	regs.Rdi = uint64(valueAddr)
	regs.Rsi = uint64(page) + formatterOff
	if err := in.tr.SetRegs(in.tid, regs); err != nil {
		return "", rerrors.Wrap(rerrors.Ptrace, "set call registers", err)
	}
	if err := in.tr.ContinueToTrap(in.tid); err != nil {
		return "", rerrors.Wrap(rerrors.Ptrace, "continue to injected fmt's INT3", err)
	}

	// Read the String header back: fmt wrote through write_str, which
	// updated len.
	if err := in.tr.ReadMemory(page.Add(strHeaderOff), hdr[:]); err != nil {
		return "", rerrors.Wrap(rerrors.NoData, "re-read String header", err)
	}
	dataPtr := binary.LittleEndian.Uint64(hdr[0:8])
	strLen := binary.LittleEndian.Uint64(hdr[16:24])
	if strLen > pageSize-dataOff {
		return "", rerrors.New(rerrors.UnexpectedBinaryRepr, "formatted output overran the scratch buffer")
	}
	out := make([]byte, strLen)
	if strLen > 0 {
		if err := in.tr.ReadMemory(addr.Relocated(dataPtr), out); err != nil {
			return "", rerrors.Wrap(rerrors.NoData, "read formatted bytes", err)
		}
	}
	return string(out), nil
}

// jumpTo writes JMP %rax with rax = target and single-steps, leaving
// RIP at target.
func (in *Injector) jumpTo(target addr.Relocated) error {
	regs, err := in.tr.GetRegs(in.tid)
	if err != nil {
		return rerrors.Wrap(rerrors.Ptrace, "read registers before jump", err)
	}
	if err := in.tr.WriteMemory(addr.Relocated(regs.Rip), jmpRaxBytes); err != nil {
		return rerrors.Wrap(rerrors.Jmp, "write jmp stub", err)
	}
	regs.Rax = uint64(target)
	if err := in.tr.SetRegs(in.tid, regs); err != nil {
		return rerrors.Wrap(rerrors.Ptrace, "set jump registers", err)
	}
	if err := in.tr.SingleStep(in.tid); err != nil {
		return rerrors.Wrap(rerrors.Jmp, "step into target", err)
	}
	return nil
}
