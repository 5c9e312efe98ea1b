package regs

import "github.com/nvdbg/rdbg/internal/rerrors"

// Debug-register USER-area offsets, per the x86-64 Linux struct
// user.u_debugreg array: offsetof(struct user, u_debugreg[n]).
const userAreaDebugRegOffset = 848 // offsetof(struct user, u_debugreg) on linux/amd64

func drOffset(n int) uintptr { return uintptr(userAreaDebugRegOffset + 8*n) }

// Condition is the DR7 break-condition field.
type Condition uint8

const (
	DataWrites      Condition = 0x1 // DR7 R/W bits == 01
	DataReadsWrites Condition = 0x3 // DR7 R/W bits == 11
)

// Size is the DR7 break-size field; only these four values are legal.
type Size uint8

const (
	Size1 Size = 0x0
	Size2 Size = 0x1
	Size8 Size = 0x2 // encoded value for 8 bytes, per the Intel manual's reordering
	Size4 Size = 0x3
)

func EncodeSize(n int) (Size, error) {
	switch n {
	case 1:
		return Size1, nil
	case 2:
		return Size2, nil
	case 4:
		return Size4, nil
	case 8:
		return Size8, nil
	}
	return 0, rerrors.New(rerrors.WrongSize, "watchpoint size must be 1, 2, 4 or 8 bytes")
}

// DebugRegUser reads/writes a thread's DR0-DR7 through PEEKUSER/
// POKEUSER, the only way to reach them via ptrace (there is no
// PTRACE_GETDBGREG on Linux/x86-64).
type DebugRegUser interface {
	PeekUser(tid int, offset uintptr) (uint64, error)
	PokeUser(tid int, offset uintptr, value uint64) error
}

// Slots manages the four hardware watchpoint slots (DR0-DR3) and the
// shared DR7 control register for one thread.
type Slots struct {
	tid int
	dr  DebugRegUser

	dr7  uint64
	used [4]bool
}

func NewSlots(tid int, dr DebugRegUser) *Slots {
	return &Slots{tid: tid, dr: dr}
}

// Alloc finds a free slot 0-3 and programs it to watch `at` for
// `size` bytes under `cond`, enabling its DR7 local-enable bit.
func (s *Slots) Alloc(at uint64, size Size, cond Condition) (int, error) {
	slot := -1
	for i := 0; i < 4; i++ {
		if !s.used[i] {
			slot = i
			break
		}
	}
	if slot == -1 {
		return -1, rerrors.New(rerrors.NotEnoughSlots, "all four debug registers are in use")
	}
	if err := s.dr.PokeUser(s.tid, drOffset(slot), at); err != nil {
		return -1, rerrors.Wrap(rerrors.Ptrace, "POKEUSER DRn", err)
	}
	s.used[slot] = true

	// DR7 layout: bit 2*n = local-enable for slot n; bits
	// 16+4*n..17+4*n = R/W condition; bits 18+4*n..19+4*n = LEN.
	s.dr7 |= 1 << uint(2*slot)
	s.dr7 &^= 0x3 << uint(16+4*slot)
	s.dr7 |= uint64(cond) << uint(16+4*slot)
	s.dr7 &^= 0x3 << uint(18+4*slot)
	s.dr7 |= uint64(size) << uint(18+4*slot)

	if err := s.dr.PokeUser(s.tid, drOffset(7), s.dr7); err != nil {
		return -1, rerrors.Wrap(rerrors.Ptrace, "POKEUSER DR7", err)
	}
	return slot, nil
}

// Free disables and clears slot.
func (s *Slots) Free(slot int) error {
	if slot < 0 || slot > 3 || !s.used[slot] {
		return nil
	}
	s.dr7 &^= 1 << uint(2*slot)
	if err := s.dr.PokeUser(s.tid, drOffset(7), s.dr7); err != nil {
		return rerrors.Wrap(rerrors.Ptrace, "POKEUSER DR7", err)
	}
	if err := s.dr.PokeUser(s.tid, drOffset(slot), 0); err != nil {
		return rerrors.Wrap(rerrors.Ptrace, "POKEUSER DRn clear", err)
	}
	s.used[slot] = false
	return nil
}

// Status reads DR6 and returns which slots triggered, clearing the
// status flags afterward so the next trap starts clean.
func (s *Slots) Status() ([4]bool, error) {
	var triggered [4]bool
	dr6, err := s.dr.PeekUser(s.tid, drOffset(6))
	if err != nil {
		return triggered, rerrors.Wrap(rerrors.Ptrace, "PEEKUSER DR6", err)
	}
	for i := 0; i < 4; i++ {
		triggered[i] = dr6&(1<<uint(i)) != 0
	}
	if err := s.dr.PokeUser(s.tid, drOffset(6), 0); err != nil {
		return triggered, rerrors.Wrap(rerrors.Ptrace, "POKEUSER DR6 clear", err)
	}
	return triggered, nil
}

// FreeSlots reports how many of the four slots remain unallocated.
func (s *Slots) FreeSlots() int {
	n := 0
	for _, u := range s.used {
		if !u {
			n++
		}
	}
	return n
}
