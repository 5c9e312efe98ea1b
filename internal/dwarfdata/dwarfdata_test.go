package dwarfdata

import (
	"debug/dwarf"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvdbg/rdbg/internal/addr"
)

func TestRewriteStdlibPath(t *testing.T) {
	in := "/rustc/9b00956e56009bab2aa15d7bff10916599e3d6d6/library/core/src/option.rs"
	out := rewriteStdlibPath(in)
	require.Equal(t, "$RUSTUP_TOOLCHAIN/lib/rustlib/src/rust/library/core/src/option.rs", out)

	require.Equal(t, "/home/me/src/main.rs", rewriteStdlibPath("/home/me/src/main.rs"))
}

func TestDemangleStripsHashSuffix(t *testing.T) {
	require.Equal(t,
		"_ZN4core3fmt5write",
		demangle("_ZN4core3fmt5write17h1234567890abcdefE"))
	require.Equal(t, "plain_symbol", demangle("plain_symbol"))
}

func TestToolchainMinor(t *testing.T) {
	p := &Program{Units: []*Unit{
		{Producer: "clang LLVM (rustc version 1.75.0 (82e1608df 2023-12-21))"},
	}}
	minor, ok := p.ToolchainMinor()
	require.True(t, ok)
	require.Equal(t, 75, minor)

	p = &Program{Units: []*Unit{{Producer: "GNU C 12"}}}
	_, ok = p.ToolchainMinor()
	require.False(t, ok)
}

func TestFindPlaceFromPC(t *testing.T) {
	u := &Unit{Lines: []Line{
		{Address: 0x1000, Line: 10},
		{Address: 0x1010, Line: 11},
		{Address: 0x1030, Line: 12},
	}}

	// Exact hit.
	l, ok := u.FindPlaceFromPC(0x1010)
	require.True(t, ok)
	require.Equal(t, 11, l.Line)

	// Between rows: the largest address <= pc wins.
	l, ok = u.FindPlaceFromPC(0x102f)
	require.True(t, ok)
	require.Equal(t, 11, l.Line)

	// Past the last row.
	l, ok = u.FindPlaceFromPC(0x9999)
	require.True(t, ok)
	require.Equal(t, 12, l.Line)

	// Before the first row.
	_, ok = u.FindPlaceFromPC(0xfff)
	require.False(t, ok)
}

func TestFindFunctionByPC(t *testing.T) {
	// One unit: outer subprogram [0x1000,0x1100) containing an
	// inlined body [0x1040,0x1060).
	u := &Unit{
		Dies: []Die{
			{Tag: dwarf.TagCompileUnit, Parent: -1},
			{Tag: dwarf.TagSubprogram, Name: "outer", Parent: 0, LowPC: 0x1000, HighPC: 0x1100, HasRange: true},
			{Tag: dwarf.TagInlinedSubroutine, Name: "inlined", Parent: 1, LowPC: 0x1040, HighPC: 0x1060, HasRange: true},
		},
		ranges: []dieRange{
			{lo: 0x1000, hi: 0x1100, node: 1},
			{lo: 0x1040, hi: 0x1060, node: 2},
		},
	}

	node, ok := u.FindFunctionByPC(0x1020)
	require.True(t, ok)
	require.Equal(t, "outer", u.Dies[node].Name)

	// Inside the inline the innermost body wins.
	node, ok = u.FindFunctionByPC(0x1050)
	require.True(t, ok)
	require.Equal(t, "inlined", u.Dies[node].Name)

	_, ok = u.FindFunctionByPC(0x2000)
	require.False(t, ok)
}

func TestValidAtScoping(t *testing.T) {
	// subprogram [0x1000,0x1100) > lexical block [0x1040,0x1060) >
	// variable.
	u := &Unit{
		Dies: []Die{
			{Tag: dwarf.TagCompileUnit, Parent: -1},
			{Tag: dwarf.TagSubprogram, Parent: 0, LowPC: 0x1000, HighPC: 0x1100, HasRange: true},
			{Tag: dwarf.TagLexDwarfBlock, Parent: 1, LowPC: 0x1040, HighPC: 0x1060, HasRange: true},
			{Tag: dwarf.TagVariable, Name: "blockLocal", Parent: 2},
			{Tag: dwarf.TagVariable, Name: "fnLocal", Parent: 1},
		},
	}

	require.True(t, u.ValidAt(3, 0x1050))  // inside the block
	require.False(t, u.ValidAt(3, 0x1020)) // outside the block
	require.True(t, u.ValidAt(4, 0x1020))  // function-scoped local
	require.False(t, u.ValidAt(4, 0x2000)) // outside the function
}

func TestAddrForLine(t *testing.T) {
	u := &Unit{Lines: []Line{
		{Address: 0x1000, File: "main.rs", Line: 5, IsStmt: true},
		{Address: 0x1008, File: "main.rs", Line: 5, IsStmt: false},
		{Address: 0x1010, File: "main.rs", Line: 6, IsStmt: true},
	}}
	a, ok := u.AddrForLine("main.rs", 5)
	require.True(t, ok)
	require.EqualValues(t, 0x1000, a)

	_, ok = u.AddrForLine("other.rs", 5)
	require.False(t, ok)
}

func TestFindUnitByPC(t *testing.T) {
	p := &Program{Units: []*Unit{
		{Index: 0, LowPC: 0x1000, HighPC: 0x2000},
		{Index: 1, LowPC: 0x3000, HighPC: 0x4000},
	}}
	u := p.FindUnitByPC(addr.Global(0x3500))
	require.NotNil(t, u)
	require.Equal(t, 1, u.Index)

	require.Nil(t, p.FindUnitByPC(addr.Global(0x2500)))
}
