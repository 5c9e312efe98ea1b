package typegraph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVariantFor(t *testing.T) {
	e := &Type{
		Kind: KindRustEnum,
		Variants: []EnumVariant{
			{Name: "None", DiscrValue: 0, HasDiscr: true},
			{Name: "Some", DiscrValue: 1, HasDiscr: true},
		},
	}
	v, ok := e.VariantFor(1)
	require.True(t, ok)
	require.Equal(t, "Some", v.Name)

	_, ok = e.VariantFor(7)
	require.False(t, ok)
}

func TestVariantForDefaultArm(t *testing.T) {
	e := &Type{
		Kind: KindRustEnum,
		Variants: []EnumVariant{
			{Name: "Known", DiscrValue: 3, HasDiscr: true},
			{Name: "Other"}, // no discriminant: catch-all
		},
	}
	v, ok := e.VariantFor(3)
	require.True(t, ok)
	require.Equal(t, "Known", v.Name)

	v, ok = e.VariantFor(99)
	require.True(t, ok)
	require.Equal(t, "Other", v.Name)
}

func TestIsRecognizedIdiom(t *testing.T) {
	cases := []struct {
		name  string
		match bool
	}{
		{"alloc::string::String", true},
		{"alloc::vec::Vec<i32>", true},
		{"std::collections::hash::map::HashMap<alloc::string::String, u64>", true},
		{"alloc::collections::btree::map::BTreeMap<i32, i32>", true},
		{"core::cell::RefCell<i32>", true},
		{"alloc::sync::Arc<Config>", true},
		{"std::time::Instant", true},
		{"&str", true},
		{"my_crate::Widget", false},
		{"alloc::vec::IntoIter<u8>", false},
	}
	for _, c := range cases {
		_, got := (&Type{Name: c.name}).IsRecognizedIdiom()
		require.Equal(t, c.match, got, "type %s", c.name)
	}
}
