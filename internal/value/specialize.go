package value

import (
	"encoding/binary"
	"fmt"

	"github.com/nvdbg/rdbg/internal/rerrors"
)

// Specialize fills Rendered for recognised idioms, so clients can
// render either the specialised form or the plain struct
// representation.
func (v *Value) Specialize() error {
	switch v.Special {
	case SpecialString, SpecialStrSlice:
		return v.specializeString()
	case SpecialVec, SpecialDeque:
		return v.specializeVec()
	case SpecialInstant:
		return v.specializeInstant()
	case SpecialRc, SpecialArc:
		return v.specializeRc()
	default:
		return nil
	}
}

// specializeString decodes a String/&str's (ptr, len) representation.
// Both shapes put a data pointer first and a byte length second,
// whether the struct is the owning alloc::string::String (which wraps
// a Vec<u8>: ptr, len, cap) or a borrowed &str fat pointer (ptr, len).
func (v *Value) specializeString() error {
	if len(v.Region.Raw) < 16 {
		return rerrors.New(rerrors.UnexpectedBinaryRepr, "string representation too short")
	}
	ptr := binary.LittleEndian.Uint64(v.Region.Raw[0:8])
	length := binary.LittleEndian.Uint64(v.Region.Raw[8:16])
	if length > 1<<20 {
		return rerrors.New(rerrors.IncorrectAssumption, "implausible string length")
	}
	buf := make([]byte, length)
	if length > 0 {
		if err := v.mem.ReadMemory(relocatedOf(ptr), buf); err != nil {
			return rerrors.Wrap(rerrors.NoData, "read string bytes", err)
		}
	}
	v.Rendered = string(buf)
	return nil
}

// specializeVec decodes the RawVec-backed representation common to
// Vec<T>/VecDeque<T> into an element list, reading the buffer pointer
// from the first word and the length from the second; a layout with
// the capacity in the second word is not detected. It populates
// v.elems for Elements; Index does not use them.
func (v *Value) specializeVec() error {
	if v.Type.Element == nil {
		return rerrors.New(rerrors.UnknownSize, "vec element type unknown")
	}
	if len(v.Region.Raw) < 24 {
		return rerrors.New(rerrors.UnexpectedBinaryRepr, "vec representation too short")
	}
	ptr := binary.LittleEndian.Uint64(v.Region.Raw[0:8])
	length := binary.LittleEndian.Uint64(v.Region.Raw[8:16])

	et, err := v.graph.Resolve(*v.Type.Element)
	if err != nil {
		return err
	}
	v.elems = make([]*Value, 0, length)
	for i := uint64(0); i < length; i++ {
		region, err := readRegion(v.mem, relocatedOf(ptr+i*uint64(et.Size)), et.Size)
		if err != nil {
			return err
		}
		v.elems = append(v.elems, New(et, region, v.graph, v.mem, v.prog))
	}
	v.Rendered = fmt.Sprintf("[%d elements]", length)
	return nil
}

// specializeInstant renders std::time::Instant's opaque timespec pair.
func (v *Value) specializeInstant() error {
	if len(v.Region.Raw) < 16 {
		return rerrors.New(rerrors.UnexpectedBinaryRepr, "Instant representation too short")
	}
	sec := binary.LittleEndian.Uint64(v.Region.Raw[0:8])
	nsec := binary.LittleEndian.Uint32(v.Region.Raw[8:12])
	v.Rendered = fmt.Sprintf("%d.%09ds", sec, nsec)
	return nil
}

// specializeRc renders Rc<T>/Arc<T> as "Rc(strong=N)" / "Arc(strong=N)",
// reading the strong count from the pointed-to RcBox/ArcInner; the weak
// count and the pointee's value are not rendered.
func (v *Value) specializeRc() error {
	inner, err := v.Field("ptr")
	if err != nil {
		return err
	}
	target, err := inner.Deref()
	if err != nil {
		return err
	}
	// RcBox/ArcInner lead with the strong count; the count itself may
	// sit inside a Cell/atomic wrapper, so read the raw head bytes.
	count := uint64(0)
	if strong, err := target.Field("strong"); err == nil && len(strong.Region.Raw) >= 8 {
		count = binary.LittleEndian.Uint64(strong.Region.Raw)
	}
	name := "Rc"
	if v.Special == SpecialArc {
		name = "Arc"
	}
	v.Rendered = fmt.Sprintf("%s(strong=%d)", name, count)
	return nil
}

// Elements returns the element Values for a Vec/VecDeque-shaped value
// (populated by Specialize), or an error if Specialize hasn't run.
func (v *Value) Elements() ([]*Value, error) {
	if v.elems == nil {
		return nil, rerrors.New(rerrors.NoData, "call Specialize before Elements")
	}
	return v.elems, nil
}
