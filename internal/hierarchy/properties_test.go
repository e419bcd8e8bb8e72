package hierarchy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canopy/internal/name"
	"canopy/internal/state"
)

func TestAddPropertyEntries(t *testing.T) {
	t.Run("UnresolvedDropsUnlisted", func(t *testing.T) {
		s := newTestSession(t)
		s.provider.addNode(t, "/n", "", false)
		n := s.mustNode(t, s.root, "n", 1)

		ghost := n.internalAddPropertyEntry(s.name(t, "ghost"), nil)
		keep := n.internalAddPropertyEntry(s.name(t, "keep"), nil)
		mine, err := n.AddNewPropertyEntry(s.name(t, "mine"), state.PropertyDefinition{})
		require.NoError(t, err)

		n.AddPropertyEntries([]name.QName{s.name(t, "keep"), s.name(t, "extra")})

		assert.Equal(t, state.Removed, ghost.Status())
		assert.Nil(t, n.GetPropertyEntry(s.name(t, "ghost")))
		assert.Same(t, keep, n.GetPropertyEntry(s.name(t, "keep")))
		assert.NotNil(t, n.GetPropertyEntry(s.name(t, "extra")))

		// a local NEW property is not a stale ghost and survives
		assert.Same(t, mine, n.GetPropertyEntry(s.name(t, "mine")))
		assert.Equal(t, state.New, mine.Status())
	})

	t.Run("ResolvedKeepsUnlisted", func(t *testing.T) {
		ctx := context.Background()
		s := newTestSession(t)
		s.provider.addNode(t, "/n", "", false)
		n := s.mustNode(t, s.root, "n", 1)

		_, err := n.NodeState(ctx)
		require.NoError(t, err)

		late := n.internalAddPropertyEntry(s.name(t, "late"), nil)
		n.AddPropertyEntries([]name.QName{})

		assert.Same(t, late, n.GetPropertyEntry(s.name(t, "late")))
		assert.Equal(t, state.Existing, late.Status())
	})
}

// Resolving a node payload registers the property names the workspace
// reports for it.
func TestNodeStateRegistersPropertyNames(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	s.provider.addNode(t, "/n", "", false)
	s.provider.addProp(t, "/n", "title", "v")

	n := s.mustNode(t, s.root, "n", 1)
	require.False(t, n.HasPropertyEntry(s.name(t, "title")))

	_, err := n.NodeState(ctx)
	require.NoError(t, err)

	prop := n.GetPropertyEntry(s.name(t, "title"))
	require.NotNil(t, prop)
	assert.Equal(t, state.Existing, prop.Status())

	ps, err := prop.PropertyState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v"}, ps.Values)
}
