// Package locexpr evaluates DWARF location expressions:
// the stack machine that resolves a variable's DW_AT_location into a
// register, a memory address, an immediate value, or a composite of
// pieces.
//
// The stack machine itself comes from
// github.com/go-delve/delve/pkg/dwarf/op; this package supplies the
// Context (frame base, TLS resolver, relocation addend) and the
// Pieces accumulator the rest of the engine consumes.
package locexpr

import (
	"encoding/binary"

	"github.com/go-delve/delve/pkg/dwarf/op"
	"github.com/go-delve/delve/pkg/dwarf/regnum"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/regs"
	"github.com/nvdbg/rdbg/internal/rerrors"
)

// TLSResolver resolves a thread-local offset to a relocated address.
// debugger.Debugger implements it as the thread's FS base plus the
// offset; libthread_db is not consulted.
type TLSResolver interface {
	ResolveTLS(tid int, moduleLocalOffset uint64) (addr.Relocated, error)
}

// MemReader reads tracee memory, used to materialize register-
// indirect and implicit-pointer pieces.
type MemReader interface {
	ReadMemory(at addr.Relocated, out []byte) error
}

// Context bundles everything a location expression may reference:
// the current thread's DWARF-indexed registers, the frame base
// (already-evaluated DW_AT_frame_base result for the enclosing
// function), the bytes at the "object address" (for DW_OP_push_object_
// address / piece composition), a relocation addend for DW_OP_addr,
// and the TLS resolver.
type Context struct {
	Regs        regs.DwarfIndexed
	Mem         MemReader
	FrameBase   int64
	AtLocation  []byte
	RelocAddend int64
	TLS         TLSResolver
	Tid         int
}

// PieceKind tags where a Piece's bytes live.
type PieceKind int

const (
	PieceMemory PieceKind = iota
	PieceRegister
	PieceImmediate
	PieceImplicitPointer
	PieceEmpty
)

// Piece is one fragment of a DWARF location expression's result,
// pieces may live in registers, memory, be immediate
// values, implicit pointers (unsupported, fails explicitly), or empty.
type Piece struct {
	Kind  PieceKind
	Addr  addr.Relocated // PieceMemory
	Reg   uint64         // PieceRegister (DWARF register number)
	Value []byte         // PieceImmediate, or the register's raw bytes
	Bits  int            // bit size, 0 means "whole piece"
}

// Pieces is the accumulated output of evaluating one location
// expression; it may be reduced to a single address (common case: one
// memory piece) or composed into a byte buffer of a requested size.
type Pieces []Piece

// Address reduces a single-piece, memory-kind result to its address,
// the overwhelmingly common case (a local variable or global with a
// simple DW_OP_addr/DW_OP_fbreg expression).
func (ps Pieces) Address() (addr.Relocated, error) {
	if len(ps) != 1 || ps[0].Kind != PieceMemory {
		return 0, rerrors.New(rerrors.EvalUnsupportedRequire, "location is not a single memory piece")
	}
	return ps[0].Addr, nil
}

// Compose concatenates the pieces' bytes into a buffer of size n,
// reading memory pieces through mem as needed.
func (ps Pieces) Compose(mem MemReader, n int64) ([]byte, error) {
	out := make([]byte, 0, n)
	for _, p := range ps {
		switch p.Kind {
		case PieceMemory:
			buf := make([]byte, p.Bits/8)
			if p.Bits == 0 {
				buf = make([]byte, n)
			}
			if err := mem.ReadMemory(p.Addr, buf); err != nil {
				return nil, rerrors.Wrap(rerrors.NoData, "compose: read memory piece", err)
			}
			out = append(out, buf...)
		case PieceRegister, PieceImmediate:
			out = append(out, p.Value...)
		case PieceImplicitPointer:
			return nil, rerrors.New(rerrors.ImplicitPointer, "implicit pointer pieces are unsupported")
		case PieceEmpty:
			// padding; contributes nothing.
		}
		if int64(len(out)) >= n {
			break
		}
	}
	if int64(len(out)) < n {
		return nil, rerrors.New(rerrors.UnexpectedBinaryRepr, "composed pieces shorter than requested size")
	}
	return out[:n], nil
}

// Eval runs the op.Opcode stream in expr against ctx, producing
// Pieces. It delegates the actual stack-machine step loop to delve's
// op.ExecuteStackProgram, translating delve's own *op.DwarfRegisters
// context into the Context this package exposes, then maps the
// resulting address/register onto Pieces.
func Eval(expr []byte, ctx *Context) (Pieces, error) {
	if len(expr) == 0 {
		return nil, rerrors.New(rerrors.NoData, "empty location expression")
	}

	dwregs := toDelveRegisters(ctx)
	result, pieces, err := op.ExecuteStackProgram(*dwregs, expr, 8, readMemFunc(ctx))
	if err != nil {
		return nil, rerrors.Wrap(rerrors.EvalUnsupportedRequire, "execute location expression", err)
	}

	if len(pieces) > 0 {
		out := make(Pieces, 0, len(pieces))
		for _, pc := range pieces {
			switch pc.Kind {
			case op.RegPiece:
				v, ok := ctx.Regs.Get(pc.Val)
				if !ok {
					return nil, rerrors.New(rerrors.RegisterNotFound, "piece register")
				}
				out = append(out, Piece{Kind: PieceRegister, Reg: pc.Val, Value: leBytes(v), Bits: pc.Size * 8})
			case op.AddrPiece:
				out = append(out, Piece{Kind: PieceMemory, Addr: addr.Relocated(pc.Val), Bits: pc.Size * 8})
			case op.ImmPiece:
				val := pc.Bytes
				if val == nil {
					val = leBytes(pc.Val)
				}
				out = append(out, Piece{Kind: PieceImmediate, Value: val, Bits: pc.Size * 8})
			default:
				out = append(out, Piece{Kind: PieceEmpty})
			}
		}
		return out, nil
	}

	at := uint64(result)
	if expr[0] == 0x03 { // DW_OP_addr: a static address, so it takes the addend
		at += uint64(ctx.RelocAddend)
	}
	return Pieces{{Kind: PieceMemory, Addr: addr.Relocated(at)}}, nil
}

func leBytes(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}
	return buf
}

func readMemFunc(ctx *Context) op.ReadMemoryFunc {
	return func(buf []byte, a uint64) (int, error) {
		if err := ctx.Mem.ReadMemory(addr.Relocated(a), buf); err != nil {
			return 0, err
		}
		return len(buf), nil
	}
}

// toDelveRegisters republishes the thread's DWARF-indexed registers
// in the evaluator's own register container, with the frame base the
// enclosing function's DW_AT_frame_base already resolved to.
func toDelveRegisters(ctx *Context) *op.DwarfRegisters {
	dregs := make([]*op.DwarfRegister, regnum.AMD64MaxRegNum()+1)
	dr := op.NewDwarfRegisters(0, dregs, binary.LittleEndian, regnum.AMD64_Rip, regnum.AMD64_Rsp, regnum.AMD64_Rbp, 0)
	for num := uint64(0); num <= regnum.AMD64MaxRegNum(); num++ {
		if v, ok := ctx.Regs.Get(num); ok {
			dr.AddReg(num, op.DwarfRegisterFromUint64(v))
		}
	}
	dr.FrameBase = ctx.FrameBase
	dr.CFA = ctx.FrameBase
	return dr
}
