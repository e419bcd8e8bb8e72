package hierarchy

import (
	"context"
	"sort"

	"go.uber.org/zap"

	cerr "canopy/internal/errors"
	"canopy/internal/name"
	"canopy/internal/spi"
	"canopy/internal/state"
)

// NodeEntry is an internal node of the transient hierarchy. It owns an
// ordered child list, the child attic for transiently moved-away
// children, the property table with its shadow attic, and the revert
// ledger for pending identity changes and reorders.
type NodeEntry struct {
	entryBase

	uniqueID   string
	children   *childEntries
	attic      *childAttic
	properties map[name.QName]*PropertyEntry
	propAttic  map[name.QName]*PropertyEntry
	revertInfo *revertInfo

	current *state.NodeState
	saved   *state.NodeState
}

func newNodeEntry(parent *NodeEntry, n name.QName, uniqueID string, status state.Status, factory *EntryFactory) *NodeEntry {
	e := &NodeEntry{
		uniqueID:   uniqueID,
		children:   newChildEntries(),
		attic:      newChildAttic(),
		properties: make(map[name.QName]*PropertyEntry),
		propAttic:  make(map[name.QName]*PropertyEntry),
	}
	e.entryBase = entryBase{
		factory: factory,
		owner:   e,
		parent:  parent,
		name:    n,
		status:  status,
	}
	factory.notifyCreated(e)
	return e
}

// IsNode returns true.
func (n *NodeEntry) IsNode() bool {
	return true
}

// UniqueID returns the workspace-stable identifier, empty if the node
// has none.
func (n *NodeEntry) UniqueID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.uniqueID
}

// SetUniqueID installs a new unique id and re-indexes the entry store.
func (n *NodeEntry) SetUniqueID(uniqueID string) {
	n.mu.Lock()
	old := n.uniqueID
	if old == uniqueID {
		n.mu.Unlock()
		return
	}
	n.uniqueID = uniqueID
	n.mu.Unlock()
	n.factory.notifyIDChange(n, old)
}

// NodeState returns the transient payload, resolving it from the
// workspace on first access.
func (n *NodeEntry) NodeState(ctx context.Context) (*state.NodeState, error) {
	if st := n.Status(); state.IsTerminal(st) {
		return nil, cerr.NotFound("node %s no longer exists", n.Name())
	}
	n.mu.RLock()
	current := n.current
	n.mu.RUnlock()
	if current != nil {
		return current, nil
	}
	data, err := n.factory.provider.NodeData(ctx, n.WorkspaceID())
	if err != nil {
		if cerr.IsNotFound(err) {
			n.Remove()
			return nil, cerr.Wrap(cerr.KindNotFound, err, "resolving node %s", n.Name())
		}
		return nil, err
	}
	// register the reported property names before the payload lands,
	// so property entries the workspace does not know are dropped
	if data.PropertyNames != nil {
		n.AddPropertyEntries(data.PropertyNames)
	}
	n.mu.Lock()
	if n.current == nil {
		n.saved = data.State
		n.current = data.State.Clone()
	}
	current = n.current
	n.mu.Unlock()
	if n.Status() == state.Invalidated {
		n.setStatus(state.Existing)
	}
	return current, nil
}

// CurrentNodeState returns the transient payload without resolving;
// nil when the payload was never fetched or built.
func (n *NodeEntry) CurrentNodeState() *state.NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.current
}

//--------------------------------------------------------- identity ---

// ID returns the transient identity: the unique id when the node has
// one, else the parent's id extended by name and index.
func (n *NodeEntry) ID() spi.NodeID {
	if uid := n.UniqueID(); uid != "" {
		return n.factory.ids.NodeIDFromUniqueID(uid)
	}
	parent := n.Parent()
	if parent == nil {
		return n.factory.ids.NodeIDFromPath(name.RootPath())
	}
	return n.factory.ids.ChildNodeID(parent.ID(), name.NewIndexedElement(n.Name(), n.Index()))
}

// WorkspaceID returns the identity as the server currently sees it,
// unwinding any transient move or rename through the revert ledger.
func (n *NodeEntry) WorkspaceID() spi.NodeID {
	if n.UniqueID() != "" || n.Parent() == nil {
		return n.ID()
	}
	n.mu.RLock()
	ri := n.revertInfo
	parent := n.parent
	n.mu.RUnlock()
	if ri != nil {
		parent = ri.oldParent
	}
	return n.factory.ids.ChildNodeID(parent.WorkspaceID(),
		name.NewIndexedElement(n.workspaceName(), n.workspaceIndex()))
}

// Index derives the 1-based SNS index from the position within the
// parent's name bucket, counting valid siblings only. Nodes whose
// definition forbids same-name siblings always report 1.
func (n *NodeEntry) Index() int {
	parent := n.Parent()
	if parent == nil {
		// the root may never have siblings
		return name.IndexDefault
	}
	n.mu.RLock()
	st := n.current
	n.mu.RUnlock()
	if st != nil && !st.Definition.AllowsSameNameSiblings {
		return name.IndexDefault
	}
	return parent.childIndex(n)
}

func (n *NodeEntry) childIndex(child *NodeEntry) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if idx := n.children.validIndexOf(child); idx != name.IndexUndefined {
		return idx
	}
	return name.IndexDefault
}

func (n *NodeEntry) workspaceName() name.QName {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.revertInfo != nil {
		return n.revertInfo.oldName
	}
	return n.name
}

func (n *NodeEntry) workspaceIndex() int {
	n.mu.RLock()
	ri := n.revertInfo
	n.mu.RUnlock()
	if ri != nil {
		return ri.oldIndex
	}
	return n.Index()
}

// wsIdentitySnapshot returns the workspace name and, when a revert
// ledger pins it, the workspace index. It only takes this entry's own
// lock, so it is safe to call while holding the parent's.
func (n *NodeEntry) wsIdentitySnapshot() (name.QName, int, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.revertInfo != nil {
		return n.revertInfo.oldName, n.revertInfo.oldIndex, true
	}
	return n.name, name.IndexUndefined, false
}

// WorkspaceParent returns the parent as the server currently sees it:
// the pre-move parent while a transient move is pending.
func (n *NodeEntry) WorkspaceParent() *NodeEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.revertInfo != nil {
		return n.revertInfo.oldParent
	}
	return n.parent
}

// IsTransientlyMoved reports whether the entry carries a pending move
// or rename.
func (n *NodeEntry) IsTransientlyMoved() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.revertInfo != nil && n.revertInfo.isMoved()
}

// Path builds the absolute path of this node. With workspace set the
// transient changes are unwound without being performed.
func (n *NodeEntry) Path(workspace bool) (name.Path, error) {
	if n.Parent() == nil {
		return name.RootPath(), nil
	}
	parent := n.Parent()
	if workspace {
		n.mu.RLock()
		if n.revertInfo != nil {
			parent = n.revertInfo.oldParent
		}
		n.mu.RUnlock()
	}
	parentPath, err := parent.Path(workspace)
	if err != nil {
		return name.Path{}, err
	}
	elemName := n.Name()
	elemIndex := n.Index()
	if workspace {
		elemName = n.workspaceName()
		elemIndex = n.workspaceIndex()
	}
	if elemIndex == name.IndexUndefined {
		return name.Path{}, cerr.Internal("undefined index building path of %s", elemName)
	}
	return parentPath.Append(name.NewIndexedElement(elemName, elemIndex)), nil
}

//----------------------------------------------------- child access ---

// loadedChildren returns the child list, fetching or merge-reloading
// it from the workspace when needed. The provider is never called
// under the entry lock: load, then re-validate under the lock.
func (n *NodeEntry) loadedChildren(ctx context.Context) (*childEntries, error) {
	n.mu.RLock()
	ready := n.children.loaded && !n.children.invalid
	n.mu.RUnlock()
	if ready {
		return n.children, nil
	}

	if st := n.Status(); st == state.New || state.IsTerminal(st) {
		// nothing to fetch from the persistent layer
		n.mu.Lock()
		n.children.loaded = true
		n.children.invalid = false
		n.mu.Unlock()
		return n.children, nil
	}

	infos, err := n.factory.provider.ChildInfos(ctx, n.WorkspaceID())
	if err != nil {
		if cerr.IsNotFound(err) {
			n.factory.log.Debug("node no longer exists on the workspace, removing",
				zap.Stringer("name", n.Name()))
			n.Remove()
			return nil, cerr.Wrap(cerr.KindStale, err, "loading children of %s", n.Name())
		}
		return nil, err
	}

	n.mu.Lock()
	if !n.children.loaded || n.children.invalid {
		n.children.mergeInfos(infos, func(ci spi.ChildInfo) *NodeEntry {
			return newNodeEntry(n, ci.Name, ci.UniqueID, state.Existing, n.factory)
		})
		n.children.loaded = true
		n.children.invalid = false
	}
	n.mu.Unlock()
	return n.children, nil
}

// HasNodeEntry reports whether a valid child node with the given name
// exists.
func (n *NodeEntry) HasNodeEntry(ctx context.Context, nodeName name.QName) bool {
	entries, err := n.NodeEntriesNamed(ctx, nodeName)
	if err != nil {
		n.factory.log.Debug("cannot determine child existence", zap.Stringer("name", nodeName), zap.Error(err))
		return false
	}
	return len(entries) > 0
}

// GetNodeEntry returns the valid child at (name, index), nil if none.
func (n *NodeEntry) GetNodeEntry(ctx context.Context, nodeName name.QName, index int) (*NodeEntry, error) {
	if _, err := n.loadedChildren(ctx); err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.children.getValid(nodeName, index), nil
}

// NodeEntries returns all valid children in order.
func (n *NodeEntry) NodeEntries(ctx context.Context) ([]*NodeEntry, error) {
	if _, err := n.loadedChildren(ctx); err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []*NodeEntry
	for _, e := range n.children.entries {
		if entryValid(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ChildrenLoaded reports whether the child list has been merged in
// from the workspace.
func (n *NodeEntry) ChildrenLoaded() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.children.loaded
}

// LoadedNodeEntries returns the valid children currently in memory
// without touching the remote layer.
func (n *NodeEntry) LoadedNodeEntries() []*NodeEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []*NodeEntry
	for _, e := range n.children.entries {
		if entryValid(e) {
			out = append(out, e)
		}
	}
	return out
}

// NodeEntriesNamed returns the valid children sharing the given name.
func (n *NodeEntry) NodeEntriesNamed(ctx context.Context, nodeName name.QName) ([]*NodeEntry, error) {
	if _, err := n.loadedChildren(ctx); err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []*NodeEntry
	for _, e := range n.children.get(nodeName) {
		if entryValid(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

//--------------------------------------------------------- mutators ---

// AddNodeEntry allocates a NEW child node entry without payload.
func (n *NodeEntry) AddNodeEntry(ctx context.Context, nodeName name.QName, uniqueID string, index int) (*NodeEntry, error) {
	if _, err := n.loadedChildren(ctx); err != nil {
		return nil, err
	}
	entry := n.internalAddNodeEntry(nodeName, uniqueID, index, state.New)
	n.markModified()
	return entry, nil
}

// AddNewNodeEntry allocates a NEW child node entry together with a
// fresh payload built from the given type and definition.
func (n *NodeEntry) AddNewNodeEntry(ctx context.Context, nodeName name.QName, uniqueID string,
	primaryType name.QName, def state.NodeDefinition) (*NodeEntry, error) {
	if _, err := n.loadedChildren(ctx); err != nil {
		return nil, err
	}
	if !def.AllowsSameNameSiblings && n.HasNodeEntry(ctx, nodeName) {
		return nil, cerr.Exists("node %s already exists and does not allow same-name siblings", nodeName)
	}
	entry := n.internalAddNodeEntry(nodeName, uniqueID, name.IndexUndefined, state.New)
	entry.mu.Lock()
	entry.current = &state.NodeState{PrimaryType: primaryType, Definition: def}
	entry.mu.Unlock()
	n.markModified()
	return entry, nil
}

// markModified reflects a transient change of a child item on this
// entry.
func (n *NodeEntry) markModified() {
	if n.Status() == state.Existing {
		n.setStatus(state.ExistingModified)
	}
}

func (n *NodeEntry) internalAddNodeEntry(nodeName name.QName, uniqueID string, index int, status state.Status) *NodeEntry {
	entry := newNodeEntry(n, nodeName, uniqueID, status, n.factory)
	n.mu.Lock()
	n.children.addAt(entry, index)
	n.mu.Unlock()
	return entry
}

// GetPropertyEntry returns the valid property with the given name.
func (n *NodeEntry) GetPropertyEntry(propName name.QName) *PropertyEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	entry := n.properties[propName]
	if entry != nil && state.IsValid(entry.Status()) {
		return entry
	}
	return nil
}

// HasPropertyEntry reports whether a valid property with the given
// name exists.
func (n *NodeEntry) HasPropertyEntry(propName name.QName) bool {
	return n.GetPropertyEntry(propName) != nil
}

// PropertyEntries returns all valid properties.
func (n *NodeEntry) PropertyEntries() []*PropertyEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*PropertyEntry, 0, len(n.properties))
	for _, p := range n.properties {
		if state.IsValid(p.Status()) {
			out = append(out, p)
		}
	}
	return out
}

// AddPropertyEntry allocates a NEW property entry without payload. An
// existing property transiently removed under the same name is parked
// in the attic so a later revert can restore it.
func (n *NodeEntry) AddPropertyEntry(propName name.QName) (*PropertyEntry, error) {
	return n.addTransientProperty(propName, nil)
}

// AddNewPropertyEntry is AddPropertyEntry plus a fresh payload.
func (n *NodeEntry) AddNewPropertyEntry(propName name.QName, def state.PropertyDefinition) (*PropertyEntry, error) {
	return n.addTransientProperty(propName, &state.PropertyState{
		Multiple:   def.Multiple,
		Definition: def,
	})
}

func (n *NodeEntry) addTransientProperty(propName name.QName, payload *state.PropertyState) (*PropertyEntry, error) {
	n.mu.Lock()
	if existing := n.properties[propName]; existing != nil {
		switch st := existing.Status(); {
		case state.IsTerminal(st):
			// an old entry that is not valid any more
			delete(n.properties, propName)
		case st == state.ExistingRemoved:
			// transiently removed, shadow it in the attic
			n.propAttic[propName] = existing
		default:
			n.mu.Unlock()
			return nil, cerr.Exists("property %s already exists", propName)
		}
	}
	entry := newPropertyEntry(n, propName, state.New, n.factory)
	entry.current = payload
	n.properties[propName] = entry
	n.mu.Unlock()

	n.markModified()
	if payload != nil && isUUIDOrMixin(propName) {
		n.notifyUUIDOrMixinModified(entry)
	}
	return entry, nil
}

// internalAddPropertyEntry installs a workspace-sourced property,
// replacing whatever is present under the name.
func (n *NodeEntry) internalAddPropertyEntry(propName name.QName, payload *state.PropertyState) *PropertyEntry {
	entry := newPropertyEntry(n, propName, state.Existing, n.factory)
	if payload != nil {
		entry.saved = payload
		entry.current = payload.Clone()
	}
	n.mu.Lock()
	n.properties[propName] = entry
	n.mu.Unlock()

	if payload != nil && isUUIDOrMixin(propName) {
		n.notifyUUIDOrMixinModified(entry)
	}
	return entry
}

// AddPropertyEntries installs the given workspace-sourced property
// names. When the payload has not been resolved yet, or has been
// invalidated, properties absent from the collection are removed.
func (n *NodeEntry) AddPropertyEntries(propNames []name.QName) {
	wanted := make(map[name.QName]struct{}, len(propNames))
	for _, pn := range propNames {
		wanted[pn] = struct{}{}
	}

	n.mu.RLock()
	var extra []*PropertyEntry
	for pn, pe := range n.properties {
		if _, ok := wanted[pn]; !ok {
			extra = append(extra, pe)
		}
	}
	unresolved := n.saved == nil
	n.mu.RUnlock()

	for _, pn := range propNames {
		if n.GetPropertyEntry(pn) == nil {
			n.internalAddPropertyEntry(pn, nil)
		}
	}

	if len(extra) > 0 && (unresolved || n.Status() == state.Invalidated) {
		for _, pe := range extra {
			if pe.Status() == state.New {
				// a NEW property is a local addition, never a stale
				// ghost of the workspace state
				continue
			}
			pe.Remove()
		}
	}
}

// detachProperty drops the property from the table or the attic,
// provided the slot still references it.
func (n *NodeEntry) detachProperty(p *PropertyEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pn := p.Name()
	if n.properties[pn] == p {
		delete(n.properties, pn)
	} else if n.propAttic[pn] == p {
		delete(n.propAttic, pn)
	}
}

// revertPropertyRemoval restores a transiently removed property that
// was shadowed by a newer one of the same name.
func (n *NodeEntry) revertPropertyRemoval(p *PropertyEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pn := p.Name()
	if n.propAttic[pn] == p {
		delete(n.propAttic, pn)
		n.properties[pn] = p
	}
	// else: the property was never shadowed
}

//---------------------------------------------------- move / reorder ---

// OrderBefore moves this entry immediately before the given sibling
// (nil moves it to the end) and records the reorder in the parent's
// revert ledger.
func (n *NodeEntry) OrderBefore(ctx context.Context, before *NodeEntry) error {
	parent := n.Parent()
	if parent == nil {
		return cerr.Invalid("the root cannot be reordered")
	}
	if before != nil && before.Parent() != parent {
		return cerr.Invalid("reorder target %s is not a sibling of %s", before.Name(), n.Name())
	}
	if _, err := parent.loadedChildren(ctx); err != nil {
		return err
	}

	// a reorder that leaves the position unchanged is a no-op
	parent.mu.RLock()
	var successor *NodeEntry
	for i, e := range parent.children.entries {
		if e == n && i+1 < len(parent.children.entries) {
			successor = parent.children.entries[i+1]
		}
	}
	parent.mu.RUnlock()
	if successor == before {
		return nil
	}

	if n.Status() == state.New {
		// new entries are dropped on revert, no ledger needed
		parent.mu.Lock()
		parent.children.reorder(n, before)
		parent.mu.Unlock()
		return nil
	}

	if err := n.createSiblingRevertInfos(ctx); err != nil {
		return err
	}
	parent.createRevertInfo()
	parent.mu.Lock()
	previousBefore, changed := parent.children.reorder(n, before)
	if changed {
		parent.revertInfo.recordReorder(n, previousBefore)
	}
	parent.mu.Unlock()
	if parent.Status() == state.Existing {
		parent.setStatus(state.ExistingModified)
	}
	return nil
}

// Move detaches this entry from its parent and attaches it to the new
// parent under the new name. A transient move snapshots the old
// identity on first use and parks a handle in the old parent's child
// attic so server events against the old position still resolve.
func (n *NodeEntry) Move(ctx context.Context, newName name.QName, newParent *NodeEntry, transientMove bool) error {
	oldParent := n.Parent()
	if oldParent == nil {
		return cerr.Invalid("the root cannot be moved")
	}
	if newParent == nil {
		return cerr.Invalid("move target parent is nil")
	}
	if newParent == n || n.isAncestorOf(newParent) {
		return cerr.Invalid("cannot move %s below itself", n.Name())
	}
	if _, err := oldParent.loadedChildren(ctx); err != nil {
		return err
	}
	if _, err := newParent.loadedChildren(ctx); err != nil {
		return err
	}

	if transientMove && !n.IsTransientlyMoved() && n.Status() != state.New {
		if err := n.createSiblingRevertInfos(ctx); err != nil {
			return err
		}
		n.createRevertInfo()
		oldParent.mu.Lock()
		oldParent.attic.add(n)
		oldParent.mu.Unlock()
	}

	oldParent.mu.Lock()
	removed := oldParent.children.remove(n)
	oldParent.mu.Unlock()
	if !removed {
		return cerr.Internal("entry %s is not connected to its parent", n.Name())
	}

	n.mu.Lock()
	n.parent = newParent
	n.name = newName
	n.mu.Unlock()

	newParent.mu.Lock()
	newParent.children.add(n)
	newParent.mu.Unlock()

	if !transientMove {
		return nil
	}
	if n.Status() == state.Existing {
		n.setStatus(state.ExistingModified)
	}

	// moves composing to the identity leave no transient trace
	n.mu.RLock()
	ri := n.revertInfo
	n.mu.RUnlock()
	collapse := ri != nil && !ri.isMoved() && len(ri.reordered) == 0 && n.Index() == ri.oldIndex
	if collapse {
		oldStatus := ri.oldStatus
		n.completeTransientChanges()
		if n.Status() == state.ExistingModified && oldStatus == state.Existing {
			n.setStatus(state.Existing)
		}
	}
	return nil
}

func (n *NodeEntry) isAncestorOf(other *NodeEntry) bool {
	for e := other; e != nil; e = e.Parent() {
		if e == n {
			return true
		}
	}
	return false
}

// createRevertInfo snapshots the current identity unless a snapshot
// already exists.
func (n *NodeEntry) createRevertInfo() {
	n.mu.RLock()
	exists := n.revertInfo != nil
	n.mu.RUnlock()
	if exists {
		return
	}
	ri := newRevertInfo(n)
	n.mu.Lock()
	if n.revertInfo == nil {
		n.revertInfo = ri
	} else {
		defer n.removeListener(ri)
	}
	n.mu.Unlock()
}

// createSiblingRevertInfos pins the workspace index of same-name
// siblings without a unique id before a move or reorder, so the
// workspace id of each sibling stays computable.
func (n *NodeEntry) createSiblingRevertInfos(ctx context.Context) error {
	n.mu.RLock()
	exists := n.revertInfo != nil
	n.mu.RUnlock()
	if exists {
		return nil
	}
	parent := n.Parent()
	sns, err := parent.NodeEntriesNamed(ctx, n.Name())
	if err != nil {
		return err
	}
	if len(sns) <= 1 {
		return nil
	}
	for _, sibling := range sns {
		if sibling.UniqueID() == "" && sibling.Status() != state.New {
			sibling.createRevertInfo()
		}
	}
	return nil
}

// completeTransientChanges finalizes a saved move: the old parent's
// attic forgets the handle and the ledger is released.
func (n *NodeEntry) completeTransientChanges() {
	n.mu.Lock()
	ri := n.revertInfo
	n.revertInfo = nil
	n.mu.Unlock()
	if ri == nil {
		return
	}
	if ri.oldParent != nil {
		ri.oldParent.mu.Lock()
		ri.oldParent.attic.remove(n)
		ri.oldParent.mu.Unlock()
	}
	ri.dispose()
}

// revertTransientChanges undoes a pending move and replays the reorder
// log, then releases the ledger.
func (n *NodeEntry) revertTransientChanges(ctx context.Context) error {
	n.mu.RLock()
	ri := n.revertInfo
	n.mu.RUnlock()
	if ri == nil {
		return nil
	}

	if ri.isMoved() {
		current := n.Parent()
		current.mu.Lock()
		current.children.remove(n)
		current.mu.Unlock()

		ri.oldParent.mu.Lock()
		ri.oldParent.attic.remove(n)
		ri.oldParent.mu.Unlock()

		n.mu.Lock()
		n.parent = ri.oldParent
		n.name = ri.oldName
		n.mu.Unlock()

		// re-attach at the old position unless the entry got destroyed
		if !state.IsTerminal(n.Status()) {
			ri.oldParent.mu.Lock()
			ri.oldParent.children.addAt(n, ri.oldIndex)
			ri.oldParent.mu.Unlock()
		}
	}

	ri.revertReordering(ctx)

	n.mu.Lock()
	if n.revertInfo == ri {
		n.revertInfo = nil
	}
	n.mu.Unlock()
	ri.dispose()
	return nil
}

//------------------------------------------------------- tree walks ---

// childItems snapshots the direct child entries: attic properties
// first, then properties, then child nodes. Properties are ordered by
// name so walks over the same tree always visit entries in the same
// order.
func (n *NodeEntry) childItems(includeAttic bool) []HierarchyEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []HierarchyEntry
	if includeAttic {
		for _, p := range sortedProps(n.propAttic) {
			out = append(out, p)
		}
	}
	for _, p := range sortedProps(n.properties) {
		out = append(out, p)
	}
	for _, c := range n.children.entries {
		out = append(out, c)
	}
	return out
}

func sortedProps(m map[name.QName]*PropertyEntry) []*PropertyEntry {
	out := make([]*PropertyEntry, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		an, bn := a.name, b.name
		if an.Space != bn.Space {
			return an.Space < bn.Space
		}
		return an.Local < bn.Local
	})
	return out
}

// Invalidate drops the resolved payload and marks the child list for
// reload. With recursive set the whole subtree is marked, including
// attic properties.
func (n *NodeEntry) Invalidate(recursive bool) {
	if recursive {
		for _, ce := range n.childItems(true) {
			ce.Invalidate(true)
		}
	}
	if n.Status() != state.New {
		n.mu.Lock()
		if n.children.loaded {
			n.children.invalid = true
		}
		n.mu.Unlock()
	}
	if n.Status() == state.Existing {
		n.mu.Lock()
		n.current = nil
		n.saved = nil
		n.mu.Unlock()
		n.setStatus(state.Invalidated)
	}
}

// Reload re-fetches this entry's payload when it is INVALIDATED; a
// clean EXISTING payload is kept. With recursive set it descends into
// the child nodes and properties; non-NEW properties always re-fetch.
func (n *NodeEntry) Reload(ctx context.Context, keepChanges, recursive bool) error {
	switch st := n.Status(); {
	case st == state.New || state.IsTerminal(st):
		return nil
	case st == state.Invalidated:
		n.mu.Lock()
		n.current = nil
		n.mu.Unlock()
		if _, err := n.NodeState(ctx); err != nil && !cerr.IsNotFound(err) {
			return err
		}
	}
	if state.IsTerminal(n.Status()) || !recursive {
		return nil
	}
	for _, ce := range n.childItems(true) {
		switch e := ce.(type) {
		case *NodeEntry:
			if err := e.Reload(ctx, keepChanges, true); err != nil {
				return err
			}
		case *PropertyEntry:
			if err := e.Reload(ctx, keepChanges); err != nil {
				return err
			}
		}
	}
	return nil
}

// Remove reflects the destruction of this node: the whole subtree is
// transitioned toward a terminal status and the entry is detached from
// its parent unless the conflict left it STALE_DESTROYED.
func (n *NodeEntry) Remove() {
	to := n.markRemoved()
	parent := n.Parent()
	if to != state.StaleDestroyed && parent != nil {
		parent.mu.Lock()
		if !parent.children.remove(n) {
			parent.attic.remove(n)
		}
		parent.mu.Unlock()
	}

	// mark the attached subtree without detaching the entries, the
	// parent is gone with them
	n.markSubtreeRemoved()
}

func (n *NodeEntry) markSubtreeRemoved() {
	for _, ce := range n.childItems(true) {
		switch e := ce.(type) {
		case *NodeEntry:
			e.markRemoved()
			e.markSubtreeRemoved()
		case *PropertyEntry:
			e.markRemoved()
		}
	}
}

// TransientRemove marks the subtree transiently removed. Attic
// properties are re-awakened first so a later revert still finds them.
func (n *NodeEntry) TransientRemove() error {
	switch st := n.Status(); {
	case state.IsTerminal(st):
		return nil
	case state.IsStale(st):
		return staleError(n)
	}

	for _, ce := range n.childItems(false) {
		if err := ce.TransientRemove(); err != nil {
			return err
		}
	}

	n.mu.Lock()
	for pn, pe := range n.propAttic {
		n.properties[pn] = pe
		delete(n.propAttic, pn)
	}
	n.mu.Unlock()

	if n.Status() == state.New {
		n.Remove()
		return nil
	}
	n.setStatus(state.ExistingRemoved)
	return nil
}

// Revert rolls the subtree back to the last workspace observation:
// shadowed properties return from the attic, child reverts run, the
// pending identity change and reorders are unwound, and the payload
// settles.
func (n *NodeEntry) Revert(ctx context.Context) error {
	if n.Status() == state.New {
		// new entries are dropped, not restored
		n.Remove()
		return nil
	}

	// snapshot before draining the attic so shadowing NEW properties
	// are still reverted (and dropped) below
	items := n.childItems(true)
	n.mu.RLock()
	atticChildren := n.attic.list()
	n.mu.RUnlock()

	n.mu.Lock()
	for pn, pe := range n.propAttic {
		n.properties[pn] = pe
		delete(n.propAttic, pn)
	}
	n.mu.Unlock()

	for _, ce := range items {
		if err := ce.Revert(ctx); err != nil {
			return err
		}
	}
	// children transiently moved away return through their own ledger
	for _, ce := range atticChildren {
		if err := ce.Revert(ctx); err != nil {
			return err
		}
	}

	if err := n.revertTransientChanges(ctx); err != nil {
		return err
	}

	switch n.Status() {
	case state.ExistingModified, state.StaleModified:
		n.mu.Lock()
		n.current = n.saved.Clone()
		n.mu.Unlock()
		n.setStatus(state.Existing)
	case state.ExistingRemoved:
		n.setStatus(state.Existing)
	}
	return nil
}

// CollectChanges walks the subtree and appends every transient entry
// to the log, attic properties included.
func (n *NodeEntry) CollectChanges(log *state.ChangeLog, throwOnStale bool) error {
	if throwOnStale && state.IsStale(n.Status()) {
		return staleError(n)
	}
	log.Add(n)
	for _, ce := range n.childItems(true) {
		if err := ce.CollectChanges(log, throwOnStale); err != nil {
			return err
		}
	}
	return nil
}

// Persisted settles the status after a successful save. Reaching
// EXISTING releases the revert ledger through its status listener.
func (n *NodeEntry) Persisted() {
	switch n.Status() {
	case state.New, state.ExistingModified:
		n.mu.Lock()
		n.saved = n.current.Clone()
		n.mu.Unlock()
		n.setStatus(state.Existing)
	case state.ExistingRemoved:
		parent := n.Parent()
		if parent != nil {
			parent.mu.Lock()
			if !parent.children.remove(n) {
				parent.attic.remove(n)
			}
			parent.mu.Unlock()
		}
		n.setStatus(state.Removed)
	}
}
