package dqe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseVariable(t *testing.T) {
	e, err := Parse("counter")
	require.NoError(t, err)
	require.Equal(t, Variable{Name: "counter"}, e)
}

func TestParseFieldChain(t *testing.T) {
	e, err := Parse("s.inner.0")
	require.NoError(t, err)
	f, ok := e.(Field)
	require.True(t, ok)
	require.Equal(t, "0", f.Name)
	inner, ok := f.Base.(Field)
	require.True(t, ok)
	require.Equal(t, "inner", inner.Name)
	require.Equal(t, Variable{Name: "s"}, inner.Base)
}

func TestParseIndexAndSlice(t *testing.T) {
	e, err := Parse("v[3]")
	require.NoError(t, err)
	require.Equal(t, Index{Base: Variable{Name: "v"}, I: 3}, e)

	e, err = Parse("v[1..4]")
	require.NoError(t, err)
	s, ok := e.(Slice)
	require.True(t, ok)
	require.EqualValues(t, 1, *s.Lo)
	require.EqualValues(t, 4, *s.Hi)

	e, err = Parse("v[..4]")
	require.NoError(t, err)
	s = e.(Slice)
	require.Nil(t, s.Lo)
	require.EqualValues(t, 4, *s.Hi)

	e, err = Parse("v[2..]")
	require.NoError(t, err)
	s = e.(Slice)
	require.EqualValues(t, 2, *s.Lo)
	require.Nil(t, s.Hi)
}

func TestParseUnary(t *testing.T) {
	e, err := Parse("*p")
	require.NoError(t, err)
	require.Equal(t, Deref{Base: Variable{Name: "p"}}, e)

	e, err = Parse("&x")
	require.NoError(t, err)
	require.Equal(t, Address{Base: Variable{Name: "x"}}, e)

	e, err = Parse("*&x")
	require.NoError(t, err)
	require.Equal(t, Deref{Base: Address{Base: Variable{Name: "x"}}}, e)
}

func TestParsePtrCast(t *testing.T) {
	e, err := Parse("(MyStruct)0xdeadbeef")
	require.NoError(t, err)
	require.Equal(t, PtrCast{TypeName: "MyStruct", Addr: 0xdeadbeef}, e)
}

func TestParseDataCast(t *testing.T) {
	e, err := Parse("(u64)*0x1000")
	require.NoError(t, err)
	require.Equal(t, DataCast{TypeName: "u64", Addr: 0x1000}, e)
}

func TestParseNamespacedTypeCast(t *testing.T) {
	e, err := Parse("(alloc::string::String)0x7fff0000")
	require.NoError(t, err)
	require.Equal(t, PtrCast{TypeName: "alloc::string::String", Addr: 0x7fff0000}, e)
}

func TestParseCanonic(t *testing.T) {
	e, err := Parse("canonic(cell).value")
	require.NoError(t, err)
	f, ok := e.(Field)
	require.True(t, ok)
	require.Equal(t, "value", f.Name)
	_, ok = f.Base.(Canonic)
	require.True(t, ok)
}

func TestParseParenthesised(t *testing.T) {
	e, err := Parse("(*p).field")
	require.NoError(t, err)
	f, ok := e.(Field)
	require.True(t, ok)
	require.Equal(t, "field", f.Name)
	_, ok = f.Base.(Deref)
	require.True(t, ok)
}

func TestParseWhitespaceInsensitive(t *testing.T) {
	a, err := Parse("  v [ 1 .. 4 ]  ")
	require.NoError(t, err)
	b, err2 := Parse("v[1..4]")
	require.NoError(t, err2)
	require.Equal(t, b, a)
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{"", "v[", "v[]", "a..", "v[1] extra", ".field", "v[x]"} {
		_, err := Parse(src)
		require.Error(t, err, "source %q", src)
	}
}
