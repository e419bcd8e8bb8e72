// Package hierarchy implements the transient item tree that shadows a
// remote workspace: node and property entries, uncommitted add /
// remove / move / reorder edits, revert bookkeeping, and the merge of
// external change events into the local graph.
package hierarchy

import (
	"context"
	"sync"

	cerr "canopy/internal/errors"
	"canopy/internal/name"
	"canopy/internal/state"
)

// HierarchyEntry is the common surface of node and property entries.
type HierarchyEntry interface {
	// Name returns the current (post-transient) qualified name.
	Name() name.QName

	// Parent returns the owning node entry, nil for the root.
	Parent() *NodeEntry

	// Status returns the lifecycle status.
	Status() state.Status

	// IsNode reports whether this entry denotes a node.
	IsNode() bool

	// Path builds the absolute path of this entry. With workspace set,
	// transient moves and renames are unwound so the path is the one
	// the server currently knows.
	Path(workspace bool) (name.Path, error)

	// Invalidate drops the resolved payload so the next access
	// re-fetches it. With recursive set the whole subtree is marked.
	Invalidate(recursive bool)

	// Revert rolls every uncommitted change on this entry (and, for
	// nodes, its subtree) back to the last state observed on the
	// workspace.
	Revert(ctx context.Context) error

	// Remove transitions this entry (and, for nodes, its subtree)
	// toward a terminal status and detaches it from its parent.
	Remove()

	// TransientRemove marks this entry transiently removed so that a
	// later save destroys it and a later revert restores it.
	TransientRemove() error

	// CollectChanges appends every transient descendant to the log in
	// save order. With throwOnStale set, a stale descendant aborts.
	CollectChanges(log *state.ChangeLog, throwOnStale bool) error

	// Persisted marks a successful save of this entry: transient
	// statuses settle to EXISTING, transient removals to REMOVED.
	Persisted()
}

// statusListener observes lifecycle transitions of a single entry. A
// callback may deregister its own listener.
type statusListener interface {
	statusChanged(previous state.Status)
}

// entryBase carries the fields shared by node and property entries.
// The mutex also guards the owning entry's containers.
type entryBase struct {
	factory *EntryFactory
	owner   HierarchyEntry

	mu        sync.RWMutex
	parent    *NodeEntry
	name      name.QName
	status    state.Status
	listeners []statusListener
}

func (b *entryBase) Name() name.QName {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.name
}

func (b *entryBase) Parent() *NodeEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.parent
}

func (b *entryBase) Status() state.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *entryBase) addListener(l statusListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *entryBase) removeListener(l statusListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.listeners {
		if existing == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// setStatus routes every status mutation through the transition table
// and fans the change out to listeners. An illegal transition is an
// invariant violation and panics.
func (b *entryBase) setStatus(to state.Status) {
	b.mu.Lock()
	from := b.status
	if from == to {
		b.mu.Unlock()
		return
	}
	if err := state.CheckTransition(from, to); err != nil {
		b.mu.Unlock()
		panic(err)
	}
	b.status = to
	notify := make([]statusListener, len(b.listeners))
	copy(notify, b.listeners)
	b.mu.Unlock()

	for _, l := range notify {
		l.statusChanged(from)
	}

	if ne, ok := b.owner.(*NodeEntry); ok && state.IsTerminal(to) {
		b.factory.forget(ne)
	}
}

// markRemoved transitions the entry toward its removal status without
// detaching it: transiently touched entries become STALE_DESTROYED,
// everything else REMOVED.
func (b *entryBase) markRemoved() state.Status {
	var to state.Status
	switch b.Status() {
	case state.ExistingModified, state.StaleModified, state.ExistingRemoved:
		to = state.StaleDestroyed
	case state.Removed, state.StaleDestroyed:
		return b.Status()
	default:
		to = state.Removed
	}
	b.setStatus(to)
	return to
}

// staleError builds the error surfaced when a stale entry blocks an
// operation.
func staleError(e HierarchyEntry) error {
	return cerr.Stale("entry %s is %s", e.Name(), e.Status())
}
