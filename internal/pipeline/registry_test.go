package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(testDefinition()))

	def := reg.Get("test")
	require.NotNil(t, def)
	require.Equal(t, "test", def.ID)
	require.Nil(t, reg.Get("unknown"))
}

func TestRegistryRejectsBadDefinitions(t *testing.T) {
	reg := NewRegistry()

	require.Error(t, reg.Register(nil), "nil definition")
	require.Error(t, reg.Register(&Definition{ID: "x"}), "no stages")
	require.Error(t, reg.Register(&Definition{ID: "x", Stages: []Stage{
		{ID: "a", Run: noopRun},
		{ID: "a", Run: noopRun},
	}}), "duplicate stage ids")
	require.Error(t, reg.Register(&Definition{ID: "x", Stages: []Stage{
		{ID: "a"},
	}}), "stage without Run")
}

func TestRegistryTypesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		def := testDefinition()
		def.ID = id
		require.NoError(t, reg.Register(def))
	}
	require.Equal(t, []string{"alpha", "mid", "zeta"}, reg.Types())
}
