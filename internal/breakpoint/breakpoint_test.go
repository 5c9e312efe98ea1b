package breakpoint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvdbg/rdbg/internal/addr"
)

// fakeMem is a flat byte-addressable memory.
type fakeMem struct {
	bytes map[addr.Relocated]byte
}

func newFakeMem() *fakeMem { return &fakeMem{bytes: map[addr.Relocated]byte{}} }

func (m *fakeMem) ReadMemory(at addr.Relocated, out []byte) error {
	for i := range out {
		out[i] = m.bytes[at.Add(int64(i))]
	}
	return nil
}

func (m *fakeMem) WriteMemory(at addr.Relocated, data []byte) error {
	for i, b := range data {
		m.bytes[at.Add(int64(i))] = b
	}
	return nil
}

func (m *fakeMem) load(at addr.Relocated, data []byte) {
	for i, b := range data {
		m.bytes[at.Add(int64(i))] = b
	}
}

func TestAddSavesOriginalByteAndPatchesInt3(t *testing.T) {
	mem := newFakeMem()
	site := addr.Relocated(0x401000)
	mem.load(site, []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0x90, 0x90, 0x90})

	tbl := New(mem)
	bp, err := tbl.AddAt(site, Site{Addr: &site}, User)
	require.NoError(t, err)
	require.Equal(t, byte(0x55), bp.Orig)
	require.True(t, bp.Active)
	require.Equal(t, byte(0xCC), mem.bytes[site])
	// Only the low byte of the word changes.
	require.Equal(t, byte(0x48), mem.bytes[site.Add(1)])
}

func TestRemoveRestoresInstructionWord(t *testing.T) {
	mem := newFakeMem()
	site := addr.Relocated(0x401000)
	original := []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0x90, 0x90, 0x90}
	mem.load(site, original)

	tbl := New(mem)
	bp, err := tbl.AddAt(site, Site{Addr: &site}, User)
	require.NoError(t, err)
	require.NoError(t, tbl.Remove(bp.ID))

	var after [8]byte
	require.NoError(t, mem.ReadMemory(site, after[:]))
	require.Equal(t, original, after[:])
}

func TestAtMostOneBreakpointPerAddress(t *testing.T) {
	mem := newFakeMem()
	site := addr.Relocated(0x401000)
	mem.load(site, []byte{0x55, 0, 0, 0, 0, 0, 0, 0})

	tbl := New(mem)
	a, err := tbl.AddAt(site, Site{Addr: &site}, User)
	require.NoError(t, err)
	b, err := tbl.AddAt(site, Site{Addr: &site}, Temporary)
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)
	require.Len(t, tbl.List(), 1)
	// The saved byte is the true original, not 0xCC.
	require.Equal(t, byte(0x55), b.Orig)
}

func TestDisableEnableRoundTrip(t *testing.T) {
	mem := newFakeMem()
	site := addr.Relocated(0x2000)
	mem.load(site, []byte{0xc3, 0, 0, 0, 0, 0, 0, 0})

	tbl := New(mem)
	bp, err := tbl.AddAt(site, Site{Addr: &site}, User)
	require.NoError(t, err)

	require.NoError(t, tbl.Disable(bp))
	require.Equal(t, byte(0xc3), mem.bytes[site])
	_, found := tbl.AtAddr(site)
	require.False(t, found)

	require.NoError(t, tbl.Enable(bp))
	require.Equal(t, byte(0xCC), mem.bytes[site])
	_, found = tbl.AtAddr(site)
	require.True(t, found)
}

func TestStepOverBreakpointReenablesOnStepError(t *testing.T) {
	mem := newFakeMem()
	site := addr.Relocated(0x3000)
	mem.load(site, []byte{0x90, 0, 0, 0, 0, 0, 0, 0})

	tbl := New(mem)
	bp, err := tbl.AddAt(site, Site{Addr: &site}, User)
	require.NoError(t, err)

	stepErr := errors.New("signal during step")
	err = tbl.StepOverBreakpoint(bp, func() error {
		// The breakpoint must be lifted while the step runs.
		require.Equal(t, byte(0x90), mem.bytes[site])
		return stepErr
	})
	require.ErrorIs(t, err, stepErr)
	require.True(t, bp.Active)
	require.Equal(t, byte(0xCC), mem.bytes[site])
}

func TestRemoveTemporaries(t *testing.T) {
	mem := newFakeMem()
	tbl := New(mem)
	for i, kind := range []Kind{User, Temporary, AsyncTemporary, Temporary} {
		site := addr.Relocated(0x4000 + 16*i)
		mem.load(site, []byte{byte(i + 1), 0, 0, 0, 0, 0, 0, 0})
		_, err := tbl.AddAt(site, Site{Addr: &site}, kind)
		require.NoError(t, err)
	}
	require.NoError(t, tbl.RemoveTemporaries())
	left := tbl.List()
	require.Len(t, left, 1)
	require.Equal(t, User, left[0].Kind)
	// The temporaries restored their original bytes.
	require.Equal(t, byte(2), mem.bytes[addr.Relocated(0x4000+16)])
}

func TestDeferredResolution(t *testing.T) {
	mem := newFakeMem()
	tbl := New(mem)
	bp := tbl.AddDeferred("plugin::entry")
	require.False(t, bp.Resolved)
	require.False(t, bp.Active)

	// First load event: symbol still missing.
	require.NoError(t, tbl.ResolveDeferred(func(string) ([]addr.Relocated, error) {
		return nil, nil
	}))
	require.False(t, bp.Resolved)

	// Second load event: resolves to two monomorphised addresses.
	a1, a2 := addr.Relocated(0x5000), addr.Relocated(0x5100)
	mem.load(a1, []byte{0x55, 0, 0, 0, 0, 0, 0, 0})
	mem.load(a2, []byte{0x55, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, tbl.ResolveDeferred(func(string) ([]addr.Relocated, error) {
		return []addr.Relocated{a1, a2}, nil
	}))
	require.True(t, bp.Resolved)
	require.Equal(t, byte(0xCC), mem.bytes[a1])
	require.Equal(t, byte(0xCC), mem.bytes[a2])
	require.Len(t, tbl.List(), 2)
}
