package workspace

import (
	"context"
	"strings"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerr "canopy/internal/errors"
	"canopy/internal/hierarchy"
	"canopy/internal/name"
	"canopy/internal/spi"
	"canopy/internal/state"
)

func setupTestStore(t *testing.T, opts Options) (*Store, *name.Resolver, func()) {
	t.Helper()
	bopts := badger.DefaultOptions("").WithInMemory(true)
	bopts.Logger = nil // Disable logging for tests

	db, err := badger.Open(bopts)
	require.NoError(t, err)

	resolver := name.NewResolver()
	store, err := New(db, resolver, opts)
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
	}
	return store, resolver, cleanup
}

func parse(t *testing.T, r *name.Resolver, s string) name.Path {
	t.Helper()
	p, err := r.ParsePath(s)
	require.NoError(t, err)
	return p
}

func TestProviderReads(t *testing.T) {
	store, resolver, cleanup := setupTestStore(t, Options{})
	defer cleanup()
	ctx := context.Background()

	_, err := store.CreateNode("/docs", "", "", false)
	require.NoError(t, err)
	_, err = store.CreateNode("/docs/a", "uid-a", "", false)
	require.NoError(t, err)
	_, err = store.SetProperty("/docs/a", "title", []string{"hello"}, false)
	require.NoError(t, err)

	t.Run("ChildInfos", func(t *testing.T) {
		infos, err := store.ChildInfos(ctx, spi.NodeID{Path: parse(t, resolver, "/docs")})
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, "a", infos[0].Name.Local)
		assert.Equal(t, "uid-a", infos[0].UniqueID)
		assert.Equal(t, 1, infos[0].Index)

		// second read is served from the cache and stays identical
		again, err := store.ChildInfos(ctx, spi.NodeID{Path: parse(t, resolver, "/docs")})
		require.NoError(t, err)
		assert.Equal(t, infos, again)
	})

	t.Run("NodeDataByUniqueID", func(t *testing.T) {
		data, err := store.NodeData(ctx, spi.NodeID{UniqueID: "uid-a"})
		require.NoError(t, err)
		assert.Equal(t, "a", data.Name.Local)
		assert.Equal(t, "uid-a", data.UniqueID)
		assert.Equal(t, []name.QName{{Local: "title"}}, data.PropertyNames)
	})

	t.Run("PropertyData", func(t *testing.T) {
		pd, err := store.PropertyData(ctx, spi.PropertyID{
			Parent: spi.NodeID{Path: parse(t, resolver, "/docs/a")},
			Name:   name.QName{Local: "title"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"hello"}, pd.State.Values)
	})

	t.Run("DeepNodeData", func(t *testing.T) {
		datas, err := store.DeepNodeData(ctx, spi.NodeID{Path: name.RootPath()}, parse(t, resolver, "docs/a"))
		require.NoError(t, err)
		require.Len(t, datas, 2)
		assert.Equal(t, "docs", datas[0].Name.Local)
		assert.Equal(t, "a", datas[1].Name.Local)
	})

	t.Run("MissesAreNotFound", func(t *testing.T) {
		_, err := store.NodeData(ctx, spi.NodeID{Path: parse(t, resolver, "/nope")})
		assert.True(t, cerr.IsNotFound(err))
		_, err = store.NodeData(ctx, spi.NodeID{UniqueID: "uid-nope"})
		assert.True(t, cerr.IsNotFound(err))
	})
}

func TestPropertyCompressionRoundTrip(t *testing.T) {
	store, resolver, cleanup := setupTestStore(t, Options{CompressAfter: 32})
	defer cleanup()
	ctx := context.Background()

	_, err := store.CreateNode("/blob", "", "", false)
	require.NoError(t, err)
	big := strings.Repeat("canopy ", 1024)
	_, err = store.SetProperty("/blob", "data", []string{big}, false)
	require.NoError(t, err)

	pd, err := store.PropertyData(ctx, spi.PropertyID{
		Parent: spi.NodeID{Path: parse(t, resolver, "/blob")},
		Name:   name.QName{Local: "data"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{big}, pd.State.Values)
}

func TestSaveRoundTrip(t *testing.T) {
	store, resolver, cleanup := setupTestStore(t, Options{})
	defer cleanup()
	ctx := context.Background()

	_, err := store.CreateNode("/docs", "", "", false)
	require.NoError(t, err)

	factory := hierarchy.NewEntryFactory(store, resolver, nil)
	root := factory.Root()

	docsEntry, err := root.DeepEntry(ctx, parse(t, resolver, "/docs"))
	require.NoError(t, err)
	docs := docsEntry.(*hierarchy.NodeEntry)

	draft, err := docs.AddNewNodeEntry(ctx, name.QName{Local: "draft"}, "", name.QName{Local: "folder"}, state.NodeDefinition{})
	require.NoError(t, err)
	prop, err := draft.AddNewPropertyEntry(name.QName{Local: "title"}, state.PropertyDefinition{})
	require.NoError(t, err)
	require.NoError(t, prop.SetValues([]string{"first"}, false))

	events, err := store.Save(ctx, root)
	require.NoError(t, err)

	assert.Equal(t, state.Existing, draft.Status())
	assert.Equal(t, state.Existing, prop.Status())

	var types []spi.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, spi.NodeAdded)
	assert.Contains(t, types, spi.PropertyAdded)

	// a fresh session observes the saved state
	second := hierarchy.NewEntryFactory(store, resolver, nil)
	entry, err := second.Root().DeepEntry(ctx, parse(t, resolver, "/docs/draft/title"))
	require.NoError(t, err)
	pe := entry.(*hierarchy.PropertyEntry)
	ps, err := pe.PropertyState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, ps.Values)
}

func TestSavePersistsMove(t *testing.T) {
	store, resolver, cleanup := setupTestStore(t, Options{})
	defer cleanup()
	ctx := context.Background()

	_, err := store.CreateNode("/docs", "", "", false)
	require.NoError(t, err)
	_, err = store.CreateNode("/docs/a", "", "", false)
	require.NoError(t, err)
	_, err = store.SetProperty("/docs/a", "title", []string{"kept"}, false)
	require.NoError(t, err)
	_, err = store.CreateNode("/archive", "", "", false)
	require.NoError(t, err)

	factory := hierarchy.NewEntryFactory(store, resolver, nil)
	root := factory.Root()

	aEntry, err := root.DeepEntry(ctx, parse(t, resolver, "/docs/a"))
	require.NoError(t, err)
	a := aEntry.(*hierarchy.NodeEntry)
	archiveEntry, err := root.DeepEntry(ctx, parse(t, resolver, "/archive"))
	require.NoError(t, err)
	archive := archiveEntry.(*hierarchy.NodeEntry)

	require.NoError(t, a.Move(ctx, name.QName{Local: "a"}, archive, true))

	events, err := store.Save(ctx, root)
	require.NoError(t, err)

	var types []spi.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, spi.NodeRemoved)
	assert.Contains(t, types, spi.NodeAdded)

	second := hierarchy.NewEntryFactory(store, resolver, nil)
	moved, err := second.Root().DeepEntry(ctx, parse(t, resolver, "/archive/a/title"))
	require.NoError(t, err)
	ps, err := moved.(*hierarchy.PropertyEntry).PropertyState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, ps.Values)

	_, err = second.Root().DeepEntry(ctx, parse(t, resolver, "/docs/a"))
	assert.True(t, cerr.IsNotFound(err))
}

func TestExternalEventFlow(t *testing.T) {
	store, resolver, cleanup := setupTestStore(t, Options{})
	defer cleanup()
	ctx := context.Background()

	_, err := store.CreateNode("/docs", "", "", false)
	require.NoError(t, err)

	factory := hierarchy.NewEntryFactory(store, resolver, nil)
	root := factory.Root()
	docsEntry, err := root.DeepEntry(ctx, parse(t, resolver, "/docs"))
	require.NoError(t, err)
	docs := docsEntry.(*hierarchy.NodeEntry)

	// load the child list so events against it apply
	_, err = docs.NodeEntries(ctx)
	require.NoError(t, err)

	// another session adds a node; this session replays the event
	ev, err := store.CreateNode("/docs/ext", "", "", false)
	require.NoError(t, err)
	factory.Dispatch(ctx, ev)

	ext, err := docs.GetNodeEntry(ctx, name.QName{Local: "ext"}, 1)
	require.NoError(t, err)
	require.NotNil(t, ext)
	assert.Equal(t, state.Existing, ext.Status())

	t.Run("RemoveEvent", func(t *testing.T) {
		rmEv, err := store.RemoveNode("/docs/ext")
		require.NoError(t, err)
		factory.Dispatch(ctx, rmEv)

		gone, err := docs.GetNodeEntry(ctx, name.QName{Local: "ext"}, 1)
		require.NoError(t, err)
		assert.Nil(t, gone)
		assert.Equal(t, state.Removed, ext.Status())
	})
}

func TestSaveRemovalDeletesSubtree(t *testing.T) {
	store, resolver, cleanup := setupTestStore(t, Options{})
	defer cleanup()
	ctx := context.Background()

	_, err := store.CreateNode("/old", "", "", false)
	require.NoError(t, err)
	_, err = store.CreateNode("/old/child", "", "", false)
	require.NoError(t, err)
	_, err = store.SetProperty("/old/child", "p", []string{"x"}, false)
	require.NoError(t, err)

	factory := hierarchy.NewEntryFactory(store, resolver, nil)
	root := factory.Root()
	oldEntry, err := root.DeepEntry(ctx, parse(t, resolver, "/old/child"))
	require.NoError(t, err)
	old := oldEntry.(*hierarchy.NodeEntry).Parent()

	require.NoError(t, old.TransientRemove())
	_, err = store.Save(ctx, root)
	require.NoError(t, err)

	assert.Equal(t, state.Removed, old.Status())

	second := hierarchy.NewEntryFactory(store, resolver, nil)
	_, err = second.Root().DeepEntry(ctx, parse(t, resolver, "/old"))
	assert.True(t, cerr.IsNotFound(err))
}
