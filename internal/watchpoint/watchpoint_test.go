package watchpoint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/breakpoint"
	"github.com/nvdbg/rdbg/internal/regs"
	"github.com/nvdbg/rdbg/internal/rerrors"
)

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

type fakeUser struct {
	words map[uintptr]uint64
}

func (f *fakeUser) PeekUser(tid int, offset uintptr) (uint64, error) { return f.words[offset], nil }
func (f *fakeUser) PokeUser(tid int, offset uintptr, value uint64) error {
	f.words[offset] = value
	return nil
}

func newTable() (*Table, *fakeMem, *fakeUser) {
	mem := newFakeMem()
	user := &fakeUser{words: map[uintptr]uint64{}}
	slots := regs.NewSlots(100, user)
	bps := breakpoint.New(mem)
	return New(slots, mem, bps), mem, user
}

func TestAddCachesInitialValue(t *testing.T) {
	tbl, mem, _ := newTable()
	at := addr.Relocated(0x7000)
	mem.WriteMemory(at, []byte{0x2a})

	wp, err := tbl.Add(at, 1, regs.DataWrites, Local)
	require.NoError(t, err)
	require.Equal(t, []byte{0x2a}, wp.last)
	require.True(t, wp.hasLast)
}

func TestFifthWatchpointFails(t *testing.T) {
	tbl, _, _ := newTable()
	for i := 0; i < 4; i++ {
		_, err := tbl.Add(addr.Relocated(0x7000+8*i), 8, regs.DataWrites, Global)
		require.NoError(t, err)
	}
	_, err := tbl.Add(0x8000, 8, regs.DataWrites, Global)
	require.Error(t, err)
	kind, _ := rerrors.KindOf(err)
	require.Equal(t, rerrors.NotEnoughSlots, kind)
}

func TestWrongSizeRejected(t *testing.T) {
	tbl, _, _ := newTable()
	_, err := tbl.Add(0x7000, 3, regs.DataWrites, Global)
	require.Error(t, err)
	kind, _ := rerrors.KindOf(err)
	require.Equal(t, rerrors.WrongSize, kind)
}

func TestTriggeredReportsOldAndNew(t *testing.T) {
	tbl, mem, _ := newTable()
	at := addr.Relocated(0x7000)
	mem.WriteMemory(at, []byte{1})

	wp, err := tbl.Add(at, 1, regs.DataWrites, Local)
	require.NoError(t, err)

	mem.WriteMemory(at, []byte{6})
	got, obs, err := tbl.Triggered(wp.Slot)
	require.NoError(t, err)
	require.Equal(t, wp.ID, got.ID)
	require.Equal(t, []byte{1}, obs.Old)
	require.Equal(t, []byte{6}, obs.New)
	require.False(t, obs.IsRead)

	// The cache advances: a second trigger sees 6 as old.
	mem.WriteMemory(at, []byte{9})
	_, obs, err = tbl.Triggered(wp.Slot)
	require.NoError(t, err)
	require.Equal(t, []byte{6}, obs.Old)
	require.Equal(t, []byte{9}, obs.New)
}

func TestReadWriteUnchangedReportsRead(t *testing.T) {
	tbl, mem, _ := newTable()
	at := addr.Relocated(0x7000)
	mem.WriteMemory(at, []byte{5})

	wp, err := tbl.Add(at, 1, regs.DataReadsWrites, Global)
	require.NoError(t, err)

	_, obs, err := tbl.Triggered(wp.Slot)
	require.NoError(t, err)
	require.True(t, obs.IsRead)
}

func TestTriggeredFromStatus(t *testing.T) {
	tbl, mem, user := newTable()
	at := addr.Relocated(0x7000)
	mem.WriteMemory(at, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	wp, err := tbl.Add(at, 8, regs.DataWrites, Global)
	require.NoError(t, err)

	// DR6 flags wp's slot.
	user.words[uintptr(848+8*6)] = 1 << uint(wp.Slot)
	got, obs, err := tbl.TriggeredFromStatus()
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, wp.ID, got.ID)
	require.NotNil(t, obs)

	// No flag set: nothing fires.
	got, obs, err = tbl.TriggeredFromStatus()
	require.NoError(t, err)
	require.Nil(t, got)
	require.Nil(t, obs)
}

func TestCompanionLookupAndRemoval(t *testing.T) {
	tbl, mem, _ := newTable()
	at := addr.Relocated(0x7000)
	wp, err := tbl.Add(at, 8, regs.DataWrites, Local)
	require.NoError(t, err)

	site := addr.Relocated(0x401080)
	mem.WriteMemory(site, []byte{0x90, 0, 0, 0, 0, 0, 0, 0})
	bp, err := tbl.bps.AddAt(site, breakpoint.Site{Addr: &site}, breakpoint.Temporary)
	require.NoError(t, err)
	tbl.SetCompanions(wp, []int{bp.ID})

	found, ok := tbl.ByCompanionBreakpoint(bp.ID)
	require.True(t, ok)
	require.Equal(t, wp.ID, found.ID)
	_, ok = tbl.ByCompanionBreakpoint(bp.ID + 100)
	require.False(t, ok)

	// Removing the watchpoint frees its slot and its companion.
	require.NoError(t, tbl.Remove(wp.ID))
	require.Equal(t, 4, tbl.FreeSlots())
	require.Empty(t, tbl.bps.List())
}

func TestEndOfScopeObservation(t *testing.T) {
	tbl, mem, _ := newTable()
	at := addr.Relocated(0x7000)
	mem.WriteMemory(at, []byte{7})
	wp, err := tbl.Add(at, 1, regs.DataWrites, Local)
	require.NoError(t, err)

	obs, err := tbl.EndOfScope(wp)
	require.NoError(t, err)
	require.True(t, obs.EndOfScope)
	require.Equal(t, []byte{7}, obs.Old)
}
