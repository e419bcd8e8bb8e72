package hierarchy

import (
	"context"

	"go.uber.org/zap"

	"canopy/internal/name"
	"canopy/internal/state"
)

// reorderRecord remembers one reorder for later replay: the reordered
// entry and the sibling that followed it before the operation (nil if
// it was last).
type reorderRecord struct {
	entry          *NodeEntry
	previousBefore *NodeEntry
}

// revertInfo is the revert ledger of a single node entry: the
// pre-transient identity snapshot plus the log of child reorders
// performed under this entry. It is created lazily on the first
// transient identity change or reorder and listens to the owner's
// status so it can complete itself on save and unwind itself when the
// owner is externally destroyed.
type revertInfo struct {
	owner     *NodeEntry
	oldParent *NodeEntry
	oldName   name.QName
	oldIndex  int
	oldStatus state.Status
	reordered []reorderRecord
}

func newRevertInfo(owner *NodeEntry) *revertInfo {
	ri := &revertInfo{
		owner:     owner,
		oldParent: owner.Parent(),
		oldName:   owner.Name(),
		oldIndex:  owner.Index(),
		oldStatus: owner.Status(),
	}
	owner.addListener(ri)
	return ri
}

// isMoved reports whether the owner's identity differs from the
// snapshot.
func (ri *revertInfo) isMoved() bool {
	return ri.oldParent != ri.owner.Parent() || ri.oldName != ri.owner.Name()
}

func (ri *revertInfo) recordReorder(entry, previousBefore *NodeEntry) {
	ri.reordered = append(ri.reordered, reorderRecord{entry: entry, previousBefore: previousBefore})
}

// revertReordering replays the reorder log in reverse order against
// the owner's child list.
func (ri *revertInfo) revertReordering(ctx context.Context) {
	for i := len(ri.reordered) - 1; i >= 0; i-- {
		rec := ri.reordered[i]
		if !ri.validReorderedChild(ctx, rec.entry) {
			continue
		}
		if rec.previousBefore != nil && !ri.validReorderedChild(ctx, rec.previousBefore) {
			continue
		}
		ri.owner.mu.Lock()
		ri.owner.children.reorder(rec.entry, rec.previousBefore)
		ri.owner.mu.Unlock()
	}
	ri.reordered = nil
}

func (ri *revertInfo) validReorderedChild(ctx context.Context, child *NodeEntry) bool {
	if state.IsTerminal(child.Status()) {
		ri.owner.factory.log.Warn("cannot revert reordering, sibling no longer exists",
			zap.Stringer("name", child.Name()))
		return false
	}
	if child.IsTransientlyMoved() {
		// moved away in the meantime, bring it back first
		if err := child.Revert(ctx); err != nil {
			ri.owner.factory.log.Error("reverting transiently moved sibling", zap.Error(err))
			return false
		}
	}
	return true
}

// dispose deregisters the listener and releases the revert info of
// clean same-name siblings whose only transient change was pinning
// their workspace index for a reorder.
func (ri *revertInfo) dispose() {
	ri.owner.removeListener(ri)

	for _, rec := range ri.reordered {
		sns := func() []*NodeEntry {
			ri.owner.mu.RLock()
			defer ri.owner.mu.RUnlock()
			return ri.owner.children.get(rec.entry.Name())
		}()
		if len(sns) <= 1 {
			continue
		}
		for _, sibling := range sns {
			if sibling.Status() != state.Existing {
				continue
			}
			sibling.mu.Lock()
			sri := sibling.revertInfo
			if sri != nil && sri != ri {
				sibling.revertInfo = nil
			}
			sibling.mu.Unlock()
			if sri != nil && sri != ri {
				sibling.removeListener(sri)
			}
		}
	}
	ri.reordered = nil
}

// statusChanged implements statusListener. Save completion (EXISTING)
// finalizes the transient identity; external destruction unwinds it so
// the old parent's attic does not keep a dangling handle.
func (ri *revertInfo) statusChanged(previous state.Status) {
	switch ri.owner.Status() {
	case state.Existing:
		ri.owner.completeTransientChanges()
	case state.Removed, state.StaleDestroyed:
		if err := ri.owner.revertTransientChanges(context.Background()); err != nil {
			ri.owner.factory.log.Warn("unwinding transient changes of destroyed entry", zap.Error(err))
		}
	}
}
