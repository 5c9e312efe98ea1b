// Package breakpoint implements software breakpoint management:
// install/remove INT3 patches by address/line/function, track
// deferred (unresolved-at-set-time) and temporary breakpoints, and
// step a thread over an installed breakpoint during resume.
//
// Enable and disable are per-address: stepping needs to disable
// exactly one breakpoint, not all of them, while stepping over it.
package breakpoint

import (
	"encoding/binary"
	"fmt"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/rerrors"
)

// int3 is the one-byte breakpoint instruction.
const int3 = 0xCC

// Kind classifies why a breakpoint exists.
type Kind int

const (
	User Kind = iota
	Temporary
	AsyncTemporary

	// Internal marks a breakpoint the debugger itself installed for
	// bookkeeping (the dynamic linker's r_brk rendezvous hook for
	// shared-library load detection) rather than one a client
	// requested; handleStop dispatches on it instead of firing
	// OnBreakpoint.
	Internal
)

// Site names how a breakpoint was requested, before resolution to an
// address: by raw address, by file:line, by function name, or a
// deferred-by-name entry awaiting a shared-library load.
type Site struct {
	Addr     *addr.Relocated
	File     string
	Line     int
	Function string
	Deferred bool
}

// Breakpoint is one installed (or pending) software breakpoint.
type Breakpoint struct {
	ID   int
	Site Site
	Kind Kind

	Load    addr.Relocated
	Orig    byte // original byte, saved when enabled
	Active  bool
	Owner   int // owning thread id, for stepping breakpoints (0 = none)
	Resolved bool
}

// Mem is the subset of *internal/tracee.Tracee the manager needs:
// word-granular read-modify-write so the one-byte INT3 patch stays
// atomic relative to a concurrently running sibling thread.
type Mem interface {
	ReadMemory(at addr.Relocated, out []byte) error
	WriteMemory(at addr.Relocated, data []byte) error
}

// Table owns every breakpoint for one debugging session. At most one
// enabled breakpoint exists per address, enforced by byAddr.
type Table struct {
	mem Mem

	nextID int
	bps    map[int]*Breakpoint
	byAddr map[addr.Relocated]int // load address -> id, only while Active
}

func New(mem Mem) *Table {
	return &Table{mem: mem, bps: map[int]*Breakpoint{}, byAddr: map[addr.Relocated]int{}}
}

// AddAt registers and enables a breakpoint at an already-relocated
// address, the common path every other Add* helper resolves down to.
func (t *Table) AddAt(at addr.Relocated, site Site, kind Kind) (*Breakpoint, error) {
	if existing, ok := t.byAddr[at]; ok {
		return t.bps[existing], nil
	}
	t.nextID++
	bp := &Breakpoint{ID: t.nextID, Site: site, Kind: kind, Load: at, Resolved: true}
	t.bps[bp.ID] = bp
	if err := t.enable(bp); err != nil {
		delete(t.bps, bp.ID)
		return nil, err
	}
	return bp, nil
}

// AddDeferred registers a breakpoint on a function name that hasn't
// resolved to an address yet,
// resolved later by ResolveDeferred on each shared-library load event.
func (t *Table) AddDeferred(function string) *Breakpoint {
	t.nextID++
	bp := &Breakpoint{ID: t.nextID, Site: Site{Function: function, Deferred: true}, Kind: User}
	t.bps[bp.ID] = bp
	return bp
}

// ResolveDeferred enables every still-unresolved deferred breakpoint
// whose function name resolve finds an address for, called on each
// shared-library load event.
func (t *Table) ResolveDeferred(resolve func(function string) ([]addr.Relocated, error)) error {
	for _, bp := range t.bps {
		if !bp.Site.Deferred || bp.Resolved {
			continue
		}
		addrs, err := resolve(bp.Site.Function)
		if err != nil || len(addrs) == 0 {
			continue
		}
		bp.Load = addrs[0]
		bp.Resolved = true
		if err := t.enable(bp); err != nil {
			return err
		}
		for _, a := range addrs[1:] {
			if _, err := t.AddAt(a, bp.Site, bp.Kind); err != nil {
				return err
			}
		}
	}
	return nil
}

// enable patches the low byte at bp.Load with INT3, saving the
// original byte. The patch is a read-modify-write over
// an 8-byte word to keep the single-byte change atomic.
func (t *Table) enable(bp *Breakpoint) error {
	if bp.Active {
		return nil
	}
	word, err := t.readWord(bp.Load)
	if err != nil {
		return err
	}
	bp.Orig = byte(word)
	patched := (word &^ 0xff) | int3
	if err := t.writeWord(bp.Load, patched); err != nil {
		return err
	}
	bp.Active = true
	t.byAddr[bp.Load] = bp.ID
	return nil
}

// Disable restores the original byte at bp's address without removing
// the breakpoint from the table — used by the stepping engine's
// disable/single-step/re-enable protocol.
func (t *Table) Disable(bp *Breakpoint) error {
	if !bp.Active {
		return nil
	}
	word, err := t.readWord(bp.Load)
	if err != nil {
		return err
	}
	restored := (word &^ 0xff) | int64(bp.Orig)
	if err := t.writeWord(bp.Load, restored); err != nil {
		return err
	}
	bp.Active = false
	delete(t.byAddr, bp.Load)
	return nil
}

// Enable re-installs a previously disabled breakpoint.
func (t *Table) Enable(bp *Breakpoint) error { return t.enable(bp) }

// Remove disables bp, restoring the original byte, and deletes it
// from the table.
func (t *Table) Remove(id int) error {
	bp, ok := t.bps[id]
	if !ok {
		return rerrors.New(rerrors.PlaceNotFound, fmt.Sprintf("no breakpoint %d", id))
	}
	if err := t.Disable(bp); err != nil {
		return err
	}
	delete(t.bps, id)
	return nil
}

// AtAddr returns the active breakpoint at a relocated address, if any
// — the tracer's PC-rewind-by-INT3-width path uses this to decide
// whether a SIGTRAP was actually a breakpoint hit.
func (t *Table) AtAddr(at addr.Relocated) (*Breakpoint, bool) {
	id, ok := t.byAddr[at]
	if !ok {
		return nil, false
	}
	return t.bps[id], true
}

// List returns every breakpoint currently known.
func (t *Table) List() []*Breakpoint {
	out := make([]*Breakpoint, 0, len(t.bps))
	for _, bp := range t.bps {
		out = append(out, bp)
	}
	return out
}

// StepOverBreakpoint disables bp, runs step (the caller's single-step
// primitive), and re-enables bp. Step's error is returned, but
// re-enable always
// runs so a signal during the step never leaves the breakpoint
// unintentionally removed.
func (t *Table) StepOverBreakpoint(bp *Breakpoint, step func() error) error {
	if err := t.Disable(bp); err != nil {
		return err
	}
	stepErr := step()
	if err := t.Enable(bp); err != nil {
		if stepErr == nil {
			return err
		}
	}
	return stepErr
}

// RemoveTemporaries removes every temporary and async-temporary
// breakpoint currently installed; the stepping engine calls it on
// every exit path so no temporary outlives the step that planted it.
func (t *Table) RemoveTemporaries() error {
	for id, bp := range t.bps {
		if bp.Kind == Temporary || bp.Kind == AsyncTemporary {
			if err := t.Remove(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Table) readWord(at addr.Relocated) (int64, error) {
	var buf [8]byte
	if err := t.mem.ReadMemory(at, buf[:]); err != nil {
		return 0, rerrors.Wrap(rerrors.Ptrace, "read breakpoint word", err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func (t *Table) writeWord(at addr.Relocated, word int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(word))
	if err := t.mem.WriteMemory(at, buf[:]); err != nil {
		return rerrors.Wrap(rerrors.Ptrace, "write breakpoint word", err)
	}
	return nil
}
