// Package addr gives the debugger's two address flavours (global and
// relocated) distinct types so the compiler rejects the
// single most common bug in this codebase: mixing them up.
package addr

import "fmt"

// Global is an offset inside an ELF module, as recorded in DWARF.
type Global uint64

// Relocated is a runtime virtual address inside the tracee.
type Relocated uint64

func (g Global) String() string    { return fmt.Sprintf("global:0x%x", uint64(g)) }
func (r Relocated) String() string { return fmt.Sprintf("0x%x", uint64(r)) }

// Add returns a+n, preserving flavour.
func (g Global) Add(n int64) Global       { return Global(int64(g) + n) }
func (r Relocated) Add(n int64) Relocated { return Relocated(int64(r) + n) }

// Sub returns a-b as a plain offset; subtracting across flavours is a
// compile error, which is the point.
func (r Relocated) Sub(o Relocated) int64 { return int64(r) - int64(o) }
func (g Global) Sub(o Global) int64       { return int64(g) - int64(o) }
