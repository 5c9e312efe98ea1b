package rerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindMatchingWithErrorsIs(t *testing.T) {
	err := New(PlaceNotFound, "line 42")
	require.True(t, errors.Is(err, New(PlaceNotFound, "")))
	require.False(t, errors.Is(err, New(FunctionNotFound, "")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("EIO")
	err := Wrap(Ptrace, "PEEKDATA", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "Ptrace")
	require.Contains(t, err.Error(), "PEEKDATA")
	require.Contains(t, err.Error(), "EIO")
}

func TestKindOfSeesThroughWrapping(t *testing.T) {
	inner := New(NotEnoughSlots, "four in use")
	outer := fmt.Errorf("adding watchpoint: %w", inner)
	kind, ok := KindOf(outer)
	require.True(t, ok)
	require.Equal(t, NotEnoughSlots, kind)

	_, ok = KindOf(errors.New("plain"))
	require.False(t, ok)
}

func TestFatalityDefaults(t *testing.T) {
	require.True(t, IsFatal(New(Waitpid, "wait4")))
	require.True(t, IsFatal(New(Ptrace, "cont")))
	require.False(t, IsFatal(New(PlaceNotFound, "")))
	require.False(t, IsFatal(New(ProcessExit, "")))
	require.False(t, IsFatal(errors.New("not ours")))
}

func TestWithFatalOverride(t *testing.T) {
	// A ptrace failure outside the main event loop is recoverable.
	err := New(Ptrace, "PEEKUSER during inspection").WithFatal(false)
	require.False(t, IsFatal(err))

	wrapped := fmt.Errorf("context: %w", err)
	require.False(t, IsFatal(wrapped))
}

func TestKindStrings(t *testing.T) {
	require.Equal(t, "NotEnoughSlots", NotEnoughSlots.String())
	require.Equal(t, "UnsupportedRustC", UnsupportedRustC.String())
	require.Equal(t, "UnknownKind", Kind(9999).String())
}
