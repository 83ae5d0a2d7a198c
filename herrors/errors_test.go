package herrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	base := errors.New("ENOMEM")
	err := Wrap(PhaseMemory, KindOutOfMemory, base, "grow by %d pages", 4)
	require.Equal(t, "[memory] out_of_memory: grow by 4 pages (caused by: ENOMEM)", err.Error())
	require.Equal(t, base, err.Unwrap())
}

func TestIsMatchesPhaseAndKind(t *testing.T) {
	err := New(PhaseBind, KindAlreadyBound, "user=%s function=%s", "demo", "hello")
	require.True(t, Is(err, PhaseBind, KindAlreadyBound))
	require.False(t, Is(err, PhaseBind, KindUnbound))
	require.False(t, Is(err, PhaseExecute, KindAlreadyBound))
}

func TestIsMatchesOnlyOutermostHostError(t *testing.T) {
	inner := New(PhaseLink, KindMissingImport, "env.missing_fn")
	outer := Wrap(PhaseLoad, KindInvalidLayout, inner, "dynamic module rejected")
	require.True(t, Is(outer, PhaseLoad, KindInvalidLayout))
	require.False(t, Is(outer, PhaseLink, KindMissingImport))
}
