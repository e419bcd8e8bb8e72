package hierarchy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canopy/internal/name"
	"canopy/internal/spi"
	"canopy/internal/state"
)

func namesOf(entries []*NodeEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name().Local
	}
	return out
}

func TestChildEntriesOrdering(t *testing.T) {
	s := newTestSession(t)
	c := newChildEntries()
	mk := func(nm string) *NodeEntry {
		return newNodeEntry(s.root, s.name(t, nm), "", state.Existing, s.factory)
	}

	a, b, d := mk("a"), mk("b"), mk("d")
	c.add(a)
	c.add(d)
	require.True(t, c.addBefore(b, d))
	assert.Equal(t, []string{"a", "b", "d"}, namesOf(c.list()))

	t.Run("Reorder", func(t *testing.T) {
		prev, changed := c.reorder(d, a)
		assert.True(t, changed)
		assert.Nil(t, prev) // d was last
		assert.Equal(t, []string{"d", "a", "b"}, namesOf(c.list()))

		// replaying against the previous successor restores the order
		_, changed = c.reorder(d, prev)
		assert.True(t, changed)
		assert.Equal(t, []string{"a", "b", "d"}, namesOf(c.list()))
	})

	t.Run("ReorderNoChange", func(t *testing.T) {
		prev, changed := c.reorder(a, b)
		assert.False(t, changed)
		assert.Same(t, b, prev)
	})

	t.Run("Remove", func(t *testing.T) {
		require.True(t, c.remove(b))
		assert.False(t, c.remove(b))
		assert.Equal(t, []string{"a", "d"}, namesOf(c.list()))
	})
}

func TestChildEntriesSNSIndexing(t *testing.T) {
	s := newTestSession(t)
	c := newChildEntries()
	nm := s.name(t, "c")
	mk := func(st state.Status) *NodeEntry {
		return newNodeEntry(s.root, nm, "", st, s.factory)
	}

	e1, e2, e3 := mk(state.Existing), mk(state.Existing), mk(state.Existing)
	c.add(e1)
	c.add(e2)
	c.addAt(e3, 2) // insert at SNS slot 2

	assert.Same(t, e1, c.getValid(nm, 1))
	assert.Same(t, e3, c.getValid(nm, 2))
	assert.Same(t, e2, c.getValid(nm, 3))
	assert.Nil(t, c.getValid(nm, 4))

	assert.Equal(t, 1, c.validIndexOf(e1))
	assert.Equal(t, 2, c.validIndexOf(e3))
	assert.Equal(t, 3, c.validIndexOf(e2))

	t.Run("InvalidEntriesAreSkipped", func(t *testing.T) {
		e3.setStatus(state.ExistingRemoved)
		assert.Same(t, e2, c.getValid(nm, 2))
		assert.Equal(t, 2, c.validIndexOf(e2))
	})
}

func TestChildEntriesUniqueIDLookup(t *testing.T) {
	s := newTestSession(t)
	c := newChildEntries()
	e := newNodeEntry(s.root, s.name(t, "ref"), "uid-7", state.Existing, s.factory)
	c.add(e)

	assert.Same(t, e, c.getByUniqueID(s.name(t, "ref"), "uid-7"))
	assert.Same(t, e, c.getByUniqueID(name.QName{}, "uid-7"))
	assert.Nil(t, c.getByUniqueID(s.name(t, "other"), "uid-7"))
	assert.Nil(t, c.getByUniqueID(s.name(t, "ref"), ""))
}

// The merge reload keeps local edits while adopting the remote order:
// locally present entries are bubbled into the server's order and
// remote-only entries are inserted before the next shared sibling.
func TestMergeReload(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	s.provider.addNode(t, "/a", "", false)
	s.provider.addNode(t, "/b", "", false)
	s.provider.addNode(t, "/c", "", false)

	a := s.mustNode(t, s.root, "a", 1)
	_ = s.mustNode(t, s.root, "b", 1)
	_ = s.mustNode(t, s.root, "c", 1)
	_ = a

	// a local addition the server does not know about
	_, err := s.root.AddNewNodeEntry(ctx, s.name(t, "local"), "", s.name(t, "folder"), state.NodeDefinition{})
	require.NoError(t, err)

	// the server now reports a different order plus a new child
	s.provider.mu.Lock()
	s.provider.nodes["/remote"] = &spi.NodeData{Name: s.name(t, "remote"), Index: 1, State: &state.NodeState{}}
	s.provider.children["/"] = []spi.ChildInfo{
		{Name: s.name(t, "c"), Index: 1},
		{Name: s.name(t, "remote"), Index: 1},
		{Name: s.name(t, "a"), Index: 1},
		{Name: s.name(t, "b"), Index: 1},
	}
	s.provider.mu.Unlock()

	s.root.Invalidate(false)
	entries, err := s.root.NodeEntries(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "remote", "a", "b", "local"}, namesOf(entries))
}
