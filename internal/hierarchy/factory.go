package hierarchy

import (
	"context"
	"sync"

	"go.uber.org/zap"

	cerr "canopy/internal/errors"
	"canopy/internal/name"
	"canopy/internal/spi"
	"canopy/internal/state"
)

// EntryFactory owns every entry of a session's hierarchy: it creates
// the root, constructs child entries, and maintains the unique-id
// index used to resolve workspace events that reference nodes by
// opaque id rather than by path. A handle stays in the index until its
// entry reaches a terminal status.
type EntryFactory struct {
	provider spi.Provider
	resolver *name.Resolver
	ids      spi.IDFactory
	log      *zap.Logger

	root *NodeEntry

	mu         sync.Mutex
	byUniqueID map[string]*NodeEntry
}

// NewEntryFactory builds the factory and its root entry.
func NewEntryFactory(provider spi.Provider, resolver *name.Resolver, logger *zap.Logger) *EntryFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &EntryFactory{
		provider:   provider,
		resolver:   resolver,
		log:        logger,
		byUniqueID: make(map[string]*NodeEntry),
	}
	f.root = newNodeEntry(nil, name.Root, "", state.Existing, f)
	return f
}

// Root returns the root entry.
func (f *EntryFactory) Root() *NodeEntry {
	return f.root
}

// Resolver returns the session's name resolver.
func (f *EntryFactory) Resolver() *name.Resolver {
	return f.resolver
}

// IDFactory returns the id factory.
func (f *EntryFactory) IDFactory() spi.IDFactory {
	return f.ids
}

// LookupByUniqueID returns the entry registered under the given
// workspace-stable id, nil if none.
func (f *EntryFactory) LookupByUniqueID(uniqueID string) *NodeEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byUniqueID[uniqueID]
}

func (f *EntryFactory) notifyCreated(e *NodeEntry) {
	if uid := e.UniqueID(); uid != "" {
		f.mu.Lock()
		f.byUniqueID[uid] = e
		f.mu.Unlock()
	}
}

func (f *EntryFactory) notifyIDChange(e *NodeEntry, oldID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if oldID != "" && f.byUniqueID[oldID] == e {
		delete(f.byUniqueID, oldID)
	}
	if uid := e.UniqueID(); uid != "" {
		f.byUniqueID[uid] = e
	}
}

// forget reaps a terminal entry from the unique-id index.
func (f *EntryFactory) forget(e *NodeEntry) {
	uid := e.UniqueID()
	if uid == "" {
		return
	}
	f.mu.Lock()
	if f.byUniqueID[uid] == e {
		delete(f.byUniqueID, uid)
	}
	f.mu.Unlock()
}

// Dispatch routes an external event to the parent entry of the
// affected item and applies it there. The parent is resolved in the
// workspace view without touching the remote layer, so events about
// unloaded subtrees are dropped.
func (f *EntryFactory) Dispatch(ctx context.Context, ev spi.Event) {
	if ev.Path.Len() == 0 || ev.Path.IsRoot() {
		f.log.Debug("dropping event without a parent path", zap.Stringer("type", ev.Type))
		return
	}
	parentPath, err := ev.Path.Ancestor(1)
	if err != nil {
		f.log.Warn("malformed event path", zap.Stringer("path", ev.Path), zap.Error(err))
		return
	}
	target := f.root.LookupDeepEntry(parentPath)
	if target == nil {
		f.log.Debug("event for unloaded subtree dropped", zap.Stringer("path", ev.Path))
		return
	}
	parent, ok := target.(*NodeEntry)
	if !ok {
		f.log.Warn("event parent resolved to a property", zap.Stringer("path", ev.Path))
		return
	}
	parent.Refresh(ctx, ev)
}

// Collect walks the subtree under entry and returns the staged change
// set in save order.
func Collect(entry HierarchyEntry, throwOnStale bool) (*state.ChangeLog, error) {
	log := state.NewChangeLog()
	if err := entry.CollectChanges(log, throwOnStale); err != nil {
		return nil, err
	}
	return log, nil
}

// ApplySave settles the statuses of a persisted change set: additions
// first (parents precede their children in collection order), then
// modifications, removals last.
func ApplySave(log *state.ChangeLog) error {
	for _, item := range log.All() {
		entry, ok := item.(HierarchyEntry)
		if !ok {
			return cerr.Internal("change log contains a foreign item")
		}
		entry.Persisted()
	}
	return nil
}
