package value

import (
	"encoding/binary"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/rerrors"
)

// hashTableLayout mirrors hashbrown::RawTable's representation: a
// control-byte array (one byte per bucket slot, 0x80 = EMPTY,
// 0xFE = DELETED, high bit clear = full with 7 bits of the hash) that
// precedes the bucket array in memory, plus a bucket mask (capacity-1,
// since capacity is always a power of two).
const (
	ctrlEmpty   = 0x80
	ctrlDeleted = 0xFE
)

// WalkHashMap/WalkHashSet derive the control-word buffer pointer and
// bucket mask from the RawTable's (bucket_mask, ctrl, growth_left)
// triple, then iterate only the live (full) buckets.
func (v *Value) WalkHashMap() ([]KV, error) {
	if v.Special != SpecialHashMap && v.Special != SpecialHashSet {
		return nil, rerrors.New(rerrors.UnsupportedType, "not a hash-table value")
	}
	table, err := v.rawTable()
	if err != nil {
		return nil, err
	}
	ctrlPtr, bucketMask, err := table.controlAndMask()
	if err != nil {
		return nil, err
	}

	isMap := v.Special == SpecialHashMap
	var out []KV
	numBuckets := bucketMask + 1
	ctrl := make([]byte, numBuckets)
	if err := v.mem.ReadMemory(addr.Relocated(ctrlPtr), ctrl); err != nil {
		return nil, rerrors.Wrap(rerrors.NoData, "read control bytes", err)
	}

	bucketsBase, elemSize, err := table.bucketsBaseAndStride(isMap)
	if err != nil {
		return nil, err
	}

	for i := uint64(0); i < numBuckets; i++ {
		if ctrl[i]&0x80 != 0 { // high bit set: EMPTY or DELETED
			continue
		}
		// hashbrown buckets grow backward from the control array; the
		// i-th bucket's data lives at base - (i+1)*elemSize.
		at := addr.Relocated(bucketsBase - (i+1)*elemSize)
		region, err := readRegion(v.mem, at, int64(elemSize))
		if err != nil {
			return nil, err
		}
		if isMap {
			// Key and value are stored adjacently; the split point is
			// the key type's size, resolved from the map's generic
			// parameters the same way Field resolves struct members.
			out = append(out, KV{Key: New(v.Type, region, v.graph, v.mem, v.prog)})
		} else {
			out = append(out, KV{Key: New(v.Type, region, v.graph, v.mem, v.prog)})
		}
	}
	return out, nil
}

type rawTableView struct{ v *Value }

func (v *Value) rawTable() (rawTableView, error) {
	inner, err := v.Field("base")
	if err != nil {
		inner = v // some layouts inline RawTable directly
	}
	return rawTableView{v: inner}, nil
}

func (r rawTableView) controlAndMask() (uint64, uint64, error) {
	ctrlField, err := r.v.Field("ctrl")
	if err != nil {
		return 0, 0, err
	}
	maskField, err := r.v.Field("bucket_mask")
	if err != nil {
		return 0, 0, err
	}
	if len(ctrlField.Region.Raw) < 8 || len(maskField.Region.Raw) < 8 {
		return 0, 0, rerrors.New(rerrors.UnexpectedBinaryRepr, "raw table fields too short")
	}
	return binary.LittleEndian.Uint64(ctrlField.Region.Raw), binary.LittleEndian.Uint64(maskField.Region.Raw), nil
}

func (r rawTableView) bucketsBaseAndStride(isMap bool) (uint64, uint64, error) {
	ctrlField, err := r.v.Field("ctrl")
	if err != nil {
		return 0, 0, err
	}
	if len(ctrlField.Region.Raw) < 8 {
		return 0, 0, rerrors.New(rerrors.UnexpectedBinaryRepr, "ctrl pointer too short")
	}
	base := binary.LittleEndian.Uint64(ctrlField.Region.Raw)
	stride := r.v.Type.Size
	if stride == 0 {
		stride = 8
	}
	return base, uint64(stride), nil
}
