package inject

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvdbg/rdbg/internal/breakpoint"
	"github.com/nvdbg/rdbg/internal/rerrors"

	"github.com/nvdbg/rdbg/internal/addr"
)

func TestLoadDefaultLayouts(t *testing.T) {
	table, err := LoadDefaultLayouts()
	require.NoError(t, err)
	for _, minor := range []int{70, 75, 80} {
		l, err := table.For(minor)
		require.NoError(t, err)
		require.Equal(t, minor, l.ToolchainMinor)
		require.Positive(t, l.Size)
	}
}

func TestUnknownToolchainRejected(t *testing.T) {
	table, err := LoadDefaultLayouts()
	require.NoError(t, err)
	_, err = table.For(99)
	require.Error(t, err)
	kind, ok := rerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, rerrors.UnsupportedRustC, kind)
}

func TestLayoutsAreBitwiseDistinct(t *testing.T) {
	table, err := LoadDefaultLayouts()
	require.NoError(t, err)
	a, _ := table.For(70)
	b, _ := table.For(75)
	c, _ := table.For(80)
	require.NotEqual(t, a, b)
	require.NotEqual(t, b, c)
	require.NotEqual(t, a, c)
}

func TestBuildFormatterBytes(t *testing.T) {
	table, err := LoadDefaultLayouts()
	require.NoError(t, err)
	layout, err := table.For(75)
	require.NoError(t, err)

	buf := table.BuildFormatterBytes(layout, addr.Relocated(0x1000), addr.Relocated(0x2000))
	require.Len(t, buf, int(layout.Size))
	require.EqualValues(t, 0x1000, binary.LittleEndian.Uint64(buf[layout.BufOffset:]))
	require.EqualValues(t, 0x2000, binary.LittleEndian.Uint64(buf[layout.BufOffset+8:]))
}

type nilMem struct{}

func (nilMem) ReadMemory(at addr.Relocated, out []byte) error    { return nil }
func (nilMem) WriteMemory(at addr.Relocated, data []byte) error { return nil }

func TestCallRejectsStringLiterals(t *testing.T) {
	inj := New(nil, 1)
	_, err := inj.Call(0x1000, []Arg{{Kind: ArgString}}, breakpoint.New(nilMem{}))
	require.Error(t, err)
	kind, _ := rerrors.KindOf(err)
	require.Equal(t, rerrors.UnsupportedLiteral, kind)
}

func TestCallRejectsTooManyArguments(t *testing.T) {
	inj := New(nil, 1)
	args := make([]Arg, 7)
	_, err := inj.Call(0x1000, args, breakpoint.New(nilMem{}))
	require.Error(t, err)
	kind, _ := rerrors.KindOf(err)
	require.Equal(t, rerrors.TooManyArguments, kind)
}
