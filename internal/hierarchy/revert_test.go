package hierarchy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerr "canopy/internal/errors"
	"canopy/internal/state"
)

func TestAddNewNodeRevertIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	s.provider.addNode(t, "/keep", "", false)
	s.mustNode(t, s.root, "keep", 1)

	before := treeShape(s.root, 0)

	fresh, err := s.root.AddNewNodeEntry(ctx, s.name(t, "tmp"), "", s.name(t, "folder"), state.NodeDefinition{})
	require.NoError(t, err)
	require.Equal(t, state.New, fresh.Status())

	require.NoError(t, s.root.Revert(ctx))

	assert.Equal(t, before, treeShape(s.root, 0))
	assert.Equal(t, state.Removed, fresh.Status())

	log, err := Collect(s.root, true)
	require.NoError(t, err)
	assert.True(t, log.Empty())
}

func TestMovesComposeToIdentity(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	s.provider.addNode(t, "/m", "", false)
	s.provider.addNode(t, "/target", "", false)

	m := s.mustNode(t, s.root, "m", 1)
	target := s.mustNode(t, s.root, "target", 1)

	require.NoError(t, m.Move(ctx, s.name(t, "m"), target, true))
	require.True(t, m.IsTransientlyMoved())

	require.NoError(t, m.Move(ctx, s.name(t, "m"), s.root, true))

	assert.False(t, m.IsTransientlyMoved())
	assert.Equal(t, state.Existing, m.Status())
	m.mu.RLock()
	assert.Nil(t, m.revertInfo)
	m.mu.RUnlock()

	log, err := Collect(s.root, true)
	require.NoError(t, err)
	assert.True(t, log.Empty())
}

func TestPropertyAddRemoveAdd(t *testing.T) {
	s := newTestSession(t)
	s.provider.addNode(t, "/n", "", false)
	n := s.mustNode(t, s.root, "n", 1)

	p1, err := n.AddNewPropertyEntry(s.name(t, "p"), state.PropertyDefinition{})
	require.NoError(t, err)
	require.NoError(t, p1.TransientRemove())
	assert.Equal(t, state.Removed, p1.Status())

	p2, err := n.AddNewPropertyEntry(s.name(t, "p"), state.PropertyDefinition{})
	require.NoError(t, err)

	assert.Same(t, p2, n.GetPropertyEntry(s.name(t, "p")))
	assert.Equal(t, state.New, p2.Status())
	n.mu.RLock()
	assert.Empty(t, n.propAttic)
	n.mu.RUnlock()
}

func TestRootBoundaries(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	s.provider.addNode(t, "/a", "", false)
	a := s.mustNode(t, s.root, "a", 1)

	t.Run("RootCannotBeMoved", func(t *testing.T) {
		err := s.root.Move(ctx, s.name(t, "elsewhere"), a, true)
		assert.True(t, cerr.IsInvalid(err))
	})

	t.Run("RootCannotBeReordered", func(t *testing.T) {
		err := s.root.OrderBefore(ctx, nil)
		assert.True(t, cerr.IsInvalid(err))
	})

	t.Run("CycleIsInvalid", func(t *testing.T) {
		s.provider.addNode(t, "/a/sub", "", false)
		sub := s.mustNode(t, a, "sub", 1)
		err := a.Move(ctx, s.name(t, "a"), sub, true)
		assert.True(t, cerr.IsInvalid(err))
	})
}

func TestReorderSingleSiblingIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	s.provider.addNode(t, "/solo", "", false)
	solo := s.mustNode(t, s.root, "solo", 1)

	require.NoError(t, solo.OrderBefore(ctx, nil))

	solo.mu.RLock()
	assert.Nil(t, solo.revertInfo)
	solo.mu.RUnlock()
	s.root.mu.RLock()
	assert.Nil(t, s.root.revertInfo)
	s.root.mu.RUnlock()
	assert.Equal(t, state.Existing, s.root.Status())
}

func TestRevertRestoresShape(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	s.provider.addNode(t, "/docs", "", false)
	s.provider.addNode(t, "/docs/a", "", false)
	s.provider.addNode(t, "/docs/b", "", false)
	s.provider.addNode(t, "/archive", "", false)

	docs := s.mustNode(t, s.root, "docs", 1)
	archive := s.mustNode(t, s.root, "archive", 1)
	a := s.mustNode(t, docs, "a", 1)
	b := s.mustNode(t, docs, "b", 1)

	before := treeShape(s.root, 0)

	// pile up transient edits: add, move out, rename, remove
	_, err := docs.AddNewNodeEntry(ctx, s.name(t, "draft"), "", s.name(t, "folder"), state.NodeDefinition{})
	require.NoError(t, err)
	require.NoError(t, a.Move(ctx, s.name(t, "a"), archive, true))
	require.NoError(t, b.Move(ctx, s.name(t, "b2"), docs, true))
	require.NoError(t, archive.TransientRemove())

	require.NoError(t, s.root.Revert(ctx))

	assert.Equal(t, before, treeShape(s.root, 0))
	log, err := Collect(s.root, true)
	require.NoError(t, err)
	assert.True(t, log.Empty())
}

func TestCollectChangesDeterministicAndOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	s.provider.addNode(t, "/n", "", false)
	n := s.mustNode(t, s.root, "n", 1)

	_, err := n.AddNewNodeEntry(ctx, s.name(t, "child"), "", s.name(t, "folder"), state.NodeDefinition{})
	require.NoError(t, err)
	p, err := n.AddNewPropertyEntry(s.name(t, "p"), state.PropertyDefinition{})
	require.NoError(t, err)
	require.NoError(t, p.SetValues([]string{"v"}, false))

	log1, err := Collect(s.root, false)
	require.NoError(t, err)
	log2, err := Collect(s.root, false)
	require.NoError(t, err)

	require.Equal(t, log1.Len(), log2.Len())
	seen := make(map[state.ChangedItem]int)
	for _, item := range log1.All() {
		seen[item]++
	}
	for item, count := range seen {
		assert.Equal(t, 1, count, "entry %v collected more than once", item)
	}
	for i, item := range log1.All() {
		assert.Same(t, item, log2.All()[i])
	}
}

func TestSiblingIndexContiguity(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	s.provider.addNode(t, "/s", "", true)
	s.provider.addNode(t, "/s[2]", "", true)
	s.provider.addNode(t, "/s[3]", "", true)

	s1 := s.mustNode(t, s.root, "s", 1)
	s2 := s.mustNode(t, s.root, "s", 2)
	s3 := s.mustNode(t, s.root, "s", 3)

	check := func(want map[*NodeEntry]int) {
		t.Helper()
		taken := make(map[int]bool)
		for e, idx := range want {
			assert.Equal(t, idx, e.Index())
			assert.False(t, taken[idx], "duplicate index %d", idx)
			taken[idx] = true
		}
		for i := 1; i <= len(want); i++ {
			assert.True(t, taken[i], "index %d missing", i)
		}
	}

	check(map[*NodeEntry]int{s1: 1, s2: 2, s3: 3})

	// transiently remove the middle sibling: the rest stay contiguous
	require.NoError(t, s2.TransientRemove())
	check(map[*NodeEntry]int{s1: 1, s3: 2})

	require.NoError(t, s.root.Revert(ctx))
	check(map[*NodeEntry]int{s1: 1, s2: 2, s3: 3})
}

func TestWorkspacePathRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	s.provider.addNode(t, "/p", "", false)
	s.provider.addNode(t, "/p/q", "", false)
	s.provider.addNode(t, "/dest", "", false)

	p := s.mustNode(t, s.root, "p", 1)
	dest := s.mustNode(t, s.root, "dest", 1)
	q := s.mustNode(t, p, "q", 1)

	require.NoError(t, q.Move(ctx, s.name(t, "renamed"), dest, true))

	wsPath, err := q.Path(true)
	require.NoError(t, err)
	assert.Same(t, HierarchyEntry(q), s.root.LookupDeepEntry(wsPath))
}

func TestTransientRemoveThenRevert(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	s.provider.addNode(t, "/n", "", false)
	s.provider.addProp(t, "/n", "p", "v")

	n := s.mustNode(t, s.root, "n", 1)
	entry, err := s.root.DeepEntry(ctx, s.path(t, "/n/p"))
	require.NoError(t, err)
	old := entry.(*PropertyEntry)

	// shadow the property, then transiently remove the whole node
	require.NoError(t, old.TransientRemove())
	_, err = n.AddNewPropertyEntry(s.name(t, "p"), state.PropertyDefinition{})
	require.NoError(t, err)

	require.NoError(t, n.TransientRemove())
	assert.Equal(t, state.ExistingRemoved, n.Status())

	require.NoError(t, n.Revert(ctx))
	assert.Equal(t, state.Existing, n.Status())
	assert.Same(t, old, n.GetPropertyEntry(s.name(t, "p")))
	assert.Equal(t, state.Existing, old.Status())
}
