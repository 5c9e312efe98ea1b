// Package unwind derives per-frame IP/CFA from .eh_frame. The
// FDE/CIE parsing and call-frame-instruction execution come from
// github.com/go-delve/delve/pkg/dwarf/frame; this package supplies
// the frame iteration loop, the register-rule application, and a
// stack-scanning fallback for syscall/signal frames where .eh_frame
// coverage is incomplete.
package unwind

import (
	"encoding/binary"

	"github.com/go-delve/delve/pkg/dwarf/frame"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/regs"
	"github.com/nvdbg/rdbg/internal/rerrors"
)

// Frame is one entry in a backtrace. Regs holds the register values
// current when execution was at this frame's PC.
type Frame struct {
	PC        addr.Relocated
	CFA       addr.Relocated
	FuncName  string
	FuncStart addr.Relocated
	Regs      regs.DwarfIndexed
}

// MemReader reads tracee memory for CFI operands and for reading
// saved registers off the stack.
type MemReader interface {
	ReadMemory(at addr.Relocated, out []byte) error
}

// FuncResolver maps a relocated PC to its enclosing function's name
// and entry point, used to label frames.
type FuncResolver interface {
	FunctionAt(pc addr.Relocated) (name string, start addr.Relocated, ok bool)
}

// Unwinder walks frames using a parsed .eh_frame FDE table.
type Unwinder struct {
	fdes frame.FrameDescriptionEntries
	mem  MemReader
	fn   FuncResolver
	// bias converts the relocated PCs the caller passes in to the
	// static addresses .eh_frame's FDEs are keyed by.
	bias int64
}

// New parses rawEhFrame (the module's .eh_frame section bytes) at the
// given load bias.
func New(rawEhFrame []byte, staticBase uint64, mem MemReader, fn FuncResolver, bias int64) (*Unwinder, error) {
	fdes, err := frame.Parse(rawEhFrame, binary.LittleEndian, staticBase, 8, staticBase)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.UnsupportedType, "parse .eh_frame", err)
	}
	return &Unwinder{fdes: fdes, mem: mem, fn: fn, bias: bias}, nil
}

// Unwind produces frames starting from (pc, initial DWARF registers),
// iterating until no return address is produced. maxFrames bounds
// runaway unwinds (corrupted stacks, recursive FDEs).
func (u *Unwinder) Unwind(pc addr.Relocated, initial regs.DwarfIndexed, maxFrames int) ([]Frame, error) {
	var out []Frame
	cur := pc
	curRegs := initial

	for i := 0; i < maxFrames; i++ {
		staticPC := uint64(cur) - uint64(u.bias)
		fde, err := u.fdes.FDEForPC(staticPC)
		if err != nil {
			break // no FDE coverage; the caller may fall back to Supplement.
		}
		fc := fde.EstablishFrame(staticPC)

		// Registers hold runtime values, so the CFA computed from them
		// is already relocated.
		cfa, err := u.computeCFA(fc, curRegs)
		if err != nil {
			break
		}

		name, start, _ := u.fn.FunctionAt(cur)
		out = append(out, Frame{
			PC:        cur,
			CFA:       addr.Relocated(cfa),
			FuncName:  name,
			FuncStart: start,
			Regs:      curRegs,
		})

		retRule, hasRet := fc.Regs[fc.RetAddrReg]
		if !hasRet {
			break
		}
		// The recovered return address comes from runtime state (the
		// stack or a register), so it is already relocated.
		retAddr, err := u.applyRule(retRule, cfa, curRegs)
		if err != nil || retAddr == 0 {
			break
		}
		cur = addr.Relocated(retAddr)
	}
	return out, nil
}

// ReturnAddress is the single-frame convenience the steppers use: the
// current frame's return address, with no interest in the rest of the
// stack.
func (u *Unwinder) ReturnAddress(pc addr.Relocated, initial regs.DwarfIndexed) (addr.Relocated, error) {
	frames, err := u.Unwind(pc, initial, 2)
	if err != nil {
		return 0, err
	}
	if len(frames) < 2 {
		return 0, rerrors.New(rerrors.EvalUnsupportedRequire, "no caller frame to unwind to")
	}
	return frames[1].PC, nil
}

// computeCFA evaluates the frame context's CFA rule, normally
// register + offset.
func (u *Unwinder) computeCFA(fc *frame.FrameContext, cur regs.DwarfIndexed) (int64, error) {
	switch fc.CFA.Rule {
	case frame.RuleCFA:
		v, ok := cur.Get(fc.CFA.Reg)
		if !ok {
			return 0, rerrors.New(rerrors.RegisterNotFound, "CFA base register")
		}
		return int64(v) + fc.CFA.Offset, nil
	default:
		return 0, rerrors.New(rerrors.EvalUnsupportedRequire, "unsupported CFA rule")
	}
}

// applyRule evaluates one FDE register rule (undefined, same, offset,
// val_offset, register) against the current CFA and registers.
func (u *Unwinder) applyRule(rule frame.DWRule, cfa int64, cur regs.DwarfIndexed) (uint64, error) {
	switch rule.Rule {
	case frame.RuleOffset:
		var buf [8]byte
		at := addr.Relocated(cfa + rule.Offset)
		if err := u.mem.ReadMemory(at, buf[:]); err != nil {
			return 0, err
		}
		return leUint64(buf[:]), nil
	case frame.RuleValOffset:
		return uint64(cfa + rule.Offset), nil
	case frame.RuleRegister:
		v, ok := cur.Get(rule.Reg)
		if !ok {
			return 0, rerrors.New(rerrors.RegisterNotFound, "unwind rule register")
		}
		return v, nil
	case frame.RuleUndefined, frame.RuleSameVal:
		return 0, nil
	default:
		return 0, rerrors.New(rerrors.EvalUnsupportedRequire, "unsupported unwind rule")
	}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
