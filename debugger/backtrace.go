package debugger

import (
	"golang.org/x/sys/unix"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/unwind"
)

// Backtrace returns a thread's unwound call stack: if tid is 0 the
// currently focused thread is
// used, otherwise the stack is unwound for that thread without
// changing the session's focus.
func (d *Debugger) Backtrace(tid int) ([]unwind.Frame, error) {
	if tid == 0 || tid == d.focusTid {
		return d.frames, nil
	}
	if d.uw == nil {
		return nil, nil
	}
	dwregs, err := d.dwarfIndexedFor(tid)
	if err != nil {
		return nil, err
	}
	var raw unix.PtraceRegs
	if err := d.tr.GetRegs(tid, &raw); err != nil {
		return nil, err
	}
	return d.uw.Unwind(addr.Relocated(raw.Rip), dwregs, 64)
}
