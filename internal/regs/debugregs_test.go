package regs

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nvdbg/rdbg/internal/rerrors"
)

// fakeUser records PEEKUSER/POKEUSER traffic against a USER-area map.
type fakeUser struct {
	words map[uintptr]uint64
}

func newFakeUser() *fakeUser { return &fakeUser{words: map[uintptr]uint64{}} }

func (f *fakeUser) PeekUser(tid int, offset uintptr) (uint64, error) {
	return f.words[offset], nil
}

func (f *fakeUser) PokeUser(tid int, offset uintptr, value uint64) error {
	f.words[offset] = value
	return nil
}

func TestEncodeSize(t *testing.T) {
	cases := []struct {
		n    int
		want Size
	}{{1, Size1}, {2, Size2}, {4, Size4}, {8, Size8}}
	for _, c := range cases {
		got, err := EncodeSize(c.n)
		require.NoError(t, err)
		require.Equal(t, c.want, got)
	}
	_, err := EncodeSize(3)
	require.Error(t, err)
	kind, _ := rerrors.KindOf(err)
	require.Equal(t, rerrors.WrongSize, kind)
}

func TestAllocProgramsDR7(t *testing.T) {
	user := newFakeUser()
	slots := NewSlots(100, user)

	slot, err := slots.Alloc(0xdeadbeef, Size8, DataWrites)
	require.NoError(t, err)
	require.Equal(t, 0, slot)
	require.Equal(t, uint64(0xdeadbeef), user.words[drOffset(0)])

	dr7 := user.words[drOffset(7)]
	require.EqualValues(t, 1, dr7&0x3)               // local enable, slot 0
	require.EqualValues(t, 0x1, (dr7>>16)&0x3)       // R/W = write-only
	require.EqualValues(t, uint64(Size8), (dr7>>18)&0x3) // LEN = 8 bytes
}

func TestAllocFourThenExhausted(t *testing.T) {
	user := newFakeUser()
	slots := NewSlots(100, user)
	for i := 0; i < 4; i++ {
		slot, err := slots.Alloc(uint64(0x1000+i), Size4, DataReadsWrites)
		require.NoError(t, err)
		require.Equal(t, i, slot)
	}
	require.Equal(t, 0, slots.FreeSlots())
	_, err := slots.Alloc(0x2000, Size1, DataWrites)
	require.Error(t, err)
	kind, _ := rerrors.KindOf(err)
	require.Equal(t, rerrors.NotEnoughSlots, kind)
}

func TestFreeReleasesSlot(t *testing.T) {
	user := newFakeUser()
	slots := NewSlots(100, user)
	slot, err := slots.Alloc(0x1000, Size4, DataWrites)
	require.NoError(t, err)
	require.NoError(t, slots.Free(slot))
	require.Equal(t, 4, slots.FreeSlots())
	require.Zero(t, user.words[drOffset(slot)])
	require.Zero(t, user.words[drOffset(7)]&0x3)

	// The freed slot is reused by the next allocation.
	again, err := slots.Alloc(0x3000, Size1, DataWrites)
	require.NoError(t, err)
	require.Equal(t, slot, again)
}

func TestStatusIdentifiesAndClearsDR6(t *testing.T) {
	user := newFakeUser()
	slots := NewSlots(100, user)
	_, err := slots.Alloc(0x1000, Size8, DataWrites)
	require.NoError(t, err)
	_, err = slots.Alloc(0x2000, Size8, DataWrites)
	require.NoError(t, err)

	user.words[drOffset(6)] = 0b0010 // slot 1 fired
	triggered, err := slots.Status()
	require.NoError(t, err)
	require.Equal(t, [4]bool{false, true, false, false}, triggered)
	require.Zero(t, user.words[drOffset(6)])
}

func TestDwarfIndexedGetSet(t *testing.T) {
	raw := unix.PtraceRegs{Rax: 0x11, Rsp: 0x22, Rip: 0x33}
	view := NewDwarfIndexed(&raw)

	v, ok := view.Get(0) // DWARF 0 = RAX on x86-64
	require.True(t, ok)
	require.EqualValues(t, 0x11, v)
	v, ok = view.Get(7) // DWARF 7 = RSP
	require.True(t, ok)
	require.EqualValues(t, 0x22, v)
	v, ok = view.Get(16) // DWARF 16 = RIP
	require.True(t, ok)
	require.EqualValues(t, 0x33, v)

	require.True(t, view.Set(0, 0x99))
	v, _ = view.Get(0)
	require.EqualValues(t, 0x99, v)

	_, ok = view.Get(99)
	require.False(t, ok)
	require.False(t, view.Set(99, 1))
}
