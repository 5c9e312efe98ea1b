package async

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvdbg/rdbg/internal/typegraph"
	"github.com/nvdbg/rdbg/internal/value"
)

func TestTaskStateCompleteBit(t *testing.T) {
	require.False(t, TaskState(0b0001).Complete())
	require.True(t, TaskState(0b0010).Complete())
	require.True(t, TaskState(0b1011).Complete())
	require.False(t, TaskState(0).Complete())
}

func TestAsyncFnStateOf(t *testing.T) {
	mk := func(names ...string) *value.Value {
		typ := &typegraph.Type{Kind: typegraph.KindRustEnum}
		for _, n := range names {
			typ.Variants = append(typ.Variants, typegraph.EnumVariant{Name: n})
		}
		return value.New(typ, value.Region{}, nil, nil, nil)
	}

	st := asyncFnStateOf(mk("Returned"))
	require.True(t, st.Returned)

	st = asyncFnStateOf(mk("Panicked"))
	require.True(t, st.Panicked)

	st = asyncFnStateOf(mk("Unresumed"))
	require.True(t, st.Unresumed)

	st = asyncFnStateOf(mk("Suspend0", "Suspend1"))
	require.Equal(t, 0, st.Suspend)
}

func TestClassifyFutureNodeSleep(t *testing.T) {
	typ := &typegraph.Type{Name: "tokio::time::sleep::Sleep", Kind: typegraph.KindStructure}
	v := value.New(typ, value.Region{}, nil, nil, nil)

	node, next, err := classifyFutureNode(v)
	require.NoError(t, err)
	require.Equal(t, KindTokioSleep, node.Kind)
	require.Nil(t, next)
}

func TestClassifyFutureNodeJoinHandle(t *testing.T) {
	typ := &typegraph.Type{Name: "tokio::task::join::JoinHandle<()>", Kind: typegraph.KindStructure}
	v := value.New(typ, value.Region{}, nil, nil, nil)

	node, next, err := classifyFutureNode(v)
	require.NoError(t, err)
	require.Equal(t, KindJoinHandle, node.Kind)
	require.Nil(t, next)
}

func TestClassifyFutureNodeCustom(t *testing.T) {
	typ := &typegraph.Type{Name: "my_crate::PollFd", Kind: typegraph.KindStructure}
	v := value.New(typ, value.Region{}, nil, nil, nil)

	node, next, err := classifyFutureNode(v)
	require.NoError(t, err)
	require.Equal(t, KindCustom, node.Kind)
	require.Equal(t, "my_crate::PollFd", node.CustomName)
	require.Nil(t, next)
}
