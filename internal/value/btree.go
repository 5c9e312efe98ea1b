package value

import (
	"encoding/binary"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/rerrors"
)

// KV is one key-value pair yielded by a B-tree or hash-table walk.
type KV struct {
	Key *Value
	Val *Value
}

// btreeNodeHeader mirrors alloc::collections::btree::node's packed
// layout closely enough to walk it: a fixed-capacity array of keys,
// a parallel array of values (absent for a BTreeSet), a parent
// pointer plus the child's index within that parent (parent_idx), and
// for internal nodes a trailing array of child pointers.
//
// The exact field offsets vary by the B value (branching factor,
// compile-time constant in the standard library) and by whether this
// is a LeafNode or InternalNode, so WalkBTree reflects over the live
// DWARF structure for the LeafNode/InternalNode layouts with
// matching key/value generic parameters rather than hard-coding
// offsets.
type btreeNodeHeader struct {
	parent    addr.Relocated
	parentIdx uint16
	len       uint16
}

// WalkBTree performs an in-order walk of a BTreeMap/BTreeSet's root
// node, yielding key-value pairs (Val is nil for a set). Child nodes
// are reached by recursing through each internal node's edges; the
// nodes' parent/parent_idx fields are not read.
func (v *Value) WalkBTree() ([]KV, error) {
	if v.Special != SpecialTreeMap && v.Special != SpecialTreeSet {
		return nil, rerrors.New(rerrors.UnsupportedType, "not a B-tree value")
	}
	root, err := v.Field("root")
	if err != nil {
		return nil, err
	}
	node, err := root.Field("node")
	if err != nil {
		return nil, err
	}
	var out []KV
	if err := walkBTreeNode(node, v.Special == SpecialTreeMap, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func walkBTreeNode(node *Value, isMap bool, out *[]KV) error {
	header, err := nodeHeader(node)
	if err != nil {
		return err
	}

	keys, err := node.Field("keys")
	if err != nil {
		return err
	}
	var vals *Value
	if isMap {
		vals, err = node.Field("vals")
		if err != nil {
			return err
		}
	}
	edges, edgesErr := node.Field("edges")
	isInternal := edgesErr == nil

	for i := uint16(0); i < header.len; i++ {
		if isInternal {
			if child, err := edges.Index(int64(i)); err == nil {
				_ = walkBTreeNode(child, isMap, out)
			}
		}
		k, err := keys.Index(int64(i))
		if err != nil {
			return err
		}
		var vv *Value
		if isMap {
			vv, err = vals.Index(int64(i))
			if err != nil {
				return err
			}
		}
		*out = append(*out, KV{Key: k, Val: vv})
	}
	if isInternal {
		if child, err := edges.Index(int64(header.len)); err == nil {
			_ = walkBTreeNode(child, isMap, out)
		}
	}
	return nil
}

func nodeHeader(node *Value) (btreeNodeHeader, error) {
	var h btreeNodeHeader
	lenField, err := node.Field("len")
	if err != nil {
		return h, err
	}
	if len(lenField.Region.Raw) < 2 {
		return h, rerrors.New(rerrors.UnexpectedBinaryRepr, "btree node len field too short")
	}
	h.len = binary.LittleEndian.Uint16(lenField.Region.Raw)
	return h, nil
}
