// Package watchpoint implements hardware watchpoint management:
// programs DR0-DR3 via internal/regs, tracks scope (global vs
// local/argument) and companion end-of-scope breakpoints, and caches
// the last-observed value for old/new reporting.
//
package watchpoint

import (
	"encoding/binary"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/breakpoint"
	"github.com/nvdbg/rdbg/internal/regs"
	"github.com/nvdbg/rdbg/internal/rerrors"
)

// ScopeKind classifies what a watchpoint watches.
type ScopeKind int

const (
	Global ScopeKind = iota
	Local
	Argument
)

// Mem reads the watched bytes for old/new reporting.
type Mem interface {
	ReadMemory(at addr.Relocated, out []byte) error
}

// Watchpoint is one programmed hardware watchpoint.
type Watchpoint struct {
	ID    int
	Addr  addr.Relocated
	Size  int
	Cond  regs.Condition
	Slot  int
	Scope ScopeKind

	// Companions are the temporary breakpoint IDs installed, for a
	// local/argument watchpoint, at the last statement boundary of the
	// enclosing function's range and at the caller's return address, so
	// the manager notices when the watched storage goes out of scope. A local or argument
	// watchpoint must have at least one companion.
	Companions []int

	last    []byte
	hasLast bool
}

// Table owns every watchpoint for one thread's debug-register set.
// At most four watchpoints exist at once, one per DR0-3 slot.
type Table struct {
	slots *regs.Slots
	mem   Mem
	bps   *breakpoint.Table

	nextID int
	wps    map[int]*Watchpoint
	bySlot [4]int // watchpoint ID occupying each slot, 0 if free
}

func New(slots *regs.Slots, mem Mem, bps *breakpoint.Table) *Table {
	return &Table{slots: slots, mem: mem, bps: bps, wps: map[int]*Watchpoint{}}
}

// Add programs a new watchpoint at `at` for `size` bytes under cond.
// Companions must be installed by the caller (debugger, which knows
// the enclosing function's range and the return address) via SetCompanions before the scope can be torn down
// correctly; Add alone is sufficient for a Global watchpoint.
func (t *Table) Add(at addr.Relocated, size int, cond regs.Condition, scope ScopeKind) (*Watchpoint, error) {
	if len(t.wps) >= 4 {
		return nil, rerrors.New(rerrors.NotEnoughSlots, "all four watchpoint slots are in use")
	}
	sz, err := regs.EncodeSize(size)
	if err != nil {
		return nil, err
	}
	slot, err := t.slots.Alloc(uint64(at), sz, cond)
	if err != nil {
		return nil, err
	}
	t.nextID++
	wp := &Watchpoint{ID: t.nextID, Addr: at, Size: size, Cond: cond, Slot: slot, Scope: scope}
	buf := make([]byte, size)
	if err := t.mem.ReadMemory(at, buf); err == nil {
		wp.last, wp.hasLast = buf, true
	}
	t.wps[wp.ID] = wp
	t.bySlot[slot] = wp.ID
	return wp, nil
}

// SetCompanions records the temporary breakpoint IDs that, when hit,
// signal end-of-scope for wp.
func (t *Table) SetCompanions(wp *Watchpoint, companionBPIDs []int) {
	wp.Companions = companionBPIDs
}

// Remove frees wp's debug-register slot and removes any companion
// breakpoints still installed.
func (t *Table) Remove(id int) error {
	wp, ok := t.wps[id]
	if !ok {
		return rerrors.New(rerrors.PlaceNotFound, "no such watchpoint")
	}
	if err := t.slots.Free(wp.Slot); err != nil {
		return err
	}
	for _, bpID := range wp.Companions {
		_ = t.bps.Remove(bpID) // already-hit companions may be gone; ignore.
	}
	t.bySlot[wp.Slot] = 0
	delete(t.wps, id)
	return nil
}

// List returns every watchpoint.
func (t *Table) List() []*Watchpoint {
	out := make([]*Watchpoint, 0, len(t.wps))
	for _, wp := range t.wps {
		out = append(out, wp)
	}
	return out
}

// ByCompanionBreakpoint finds the watchpoint whose companion set
// includes bpID, used when a step's temporary breakpoint fires to
// check whether it was actually an end-of-scope marker.
func (t *Table) ByCompanionBreakpoint(bpID int) (*Watchpoint, bool) {
	for _, wp := range t.wps {
		for _, c := range wp.Companions {
			if c == bpID {
				return wp, true
			}
		}
	}
	return nil, false
}

// Observation is the old/new report produced when a watchpoint fires
// or reaches end-of-scope.
type Observation struct {
	Old, New  []byte
	IsRead    bool // Cond == DataReadsWrites and the value didn't change
	EndOfScope bool
}

// Triggered identifies which watchpoint owns slot (from DR6) and
// produces its Observation, re-reading the watched bytes and updating
// the cached last-observed value.
func (t *Table) Triggered(slot int) (*Watchpoint, *Observation, error) {
	id := t.bySlot[slot]
	wp, ok := t.wps[id]
	if !ok {
		return nil, nil, rerrors.New(rerrors.PlaceNotFound, "no watchpoint on triggered slot")
	}
	buf := make([]byte, wp.Size)
	if err := t.mem.ReadMemory(wp.Addr, buf); err != nil {
		return wp, nil, rerrors.Wrap(rerrors.NoData, "read watched value", err)
	}
	obs := &Observation{New: buf}
	if wp.hasLast {
		obs.Old = wp.last
	}
	// Read-write watchpoints that fire with an unchanged value report
	// "read" rather than "write".
	if wp.Cond == regs.DataReadsWrites && wp.hasLast && bytesEqual(wp.last, buf) {
		obs.IsRead = true
	}
	wp.last, wp.hasLast = buf, true
	return wp, obs, nil
}

// EndOfScope builds the final Observation reported when a companion
// breakpoint fires: the final value is read one last time. Removal
// is the caller's
// responsibility (via Remove) once it has consumed the Observation.
func (t *Table) EndOfScope(wp *Watchpoint) (*Observation, error) {
	buf := make([]byte, wp.Size)
	if err := t.mem.ReadMemory(wp.Addr, buf); err != nil {
		// Storage may already be unmapped (stack deallocated); that's
		// expected, not an error — report without a New value.
		return &Observation{Old: wp.last, EndOfScope: true}, nil
	}
	return &Observation{Old: wp.last, New: buf, EndOfScope: true}, nil
}

// TriggeredFromStatus consults DR6 to identify which slot fired and
// produces that watchpoint's Observation. Returns nil, nil, nil when
// no slot this table owns is flagged (the trap belonged to another
// thread's debug registers).
func (t *Table) TriggeredFromStatus() (*Watchpoint, *Observation, error) {
	flags, err := t.slots.Status()
	if err != nil {
		return nil, nil, err
	}
	for slot, fired := range flags {
		if !fired || t.bySlot[slot] == 0 {
			continue
		}
		return t.Triggered(slot)
	}
	return nil, nil, nil
}

// FreeSlots reports how many of the four debug registers remain
// unallocated.
func (t *Table) FreeSlots() int { return t.slots.FreeSlots() }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LittleEndianUint64 is a small helper for callers rendering a
// watched value's raw bytes as an integer for old/new reporting.
func LittleEndianUint64(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}
