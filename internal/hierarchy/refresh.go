package hierarchy

import (
	"context"

	"go.uber.org/zap"

	"canopy/internal/name"
	"canopy/internal/spi"
	"canopy/internal/state"
)

// Refresh applies an external change event to this entry. It must be
// called on the parent of the affected item; routing is the entry
// factory's job. Entries with local status NEW are immune to external
// events: they cannot denote the same logical item.
func (n *NodeEntry) Refresh(ctx context.Context, ev spi.Event) {
	eventElem := ev.Path.NameElement()
	eventName := eventElem.Name

	switch ev.Type {
	case spi.NodeAdded:
		index := eventElem.NormalizedIndex()
		uniqueChildID := ""
		if ev.ID.Path.Len() == 0 {
			uniqueChildID = ev.ID.UniqueID
		}
		n.mu.RLock()
		loaded := n.children.loaded
		var cne *NodeEntry
		if loaded {
			if uniqueChildID != "" {
				cne = n.children.getByUniqueID(eventName, uniqueChildID)
			} else {
				cne = n.children.getValid(eventName, index)
			}
		}
		n.mu.RUnlock()
		if !loaded {
			// child list not yet loaded, the add shows up on load
			return
		}
		if cne == nil {
			n.internalAddNodeEntry(eventName, uniqueChildID, index, state.Existing)
		}
		// else: a local entry occupies the slot; a NEW one is left
		// untouched and reconciled at save

	case spi.PropertyAdded:
		child := n.lookupEntry(ev.ID, ev.Path)
		if child == nil {
			n.internalAddPropertyEntry(eventName, nil)
			return
		}
		if pe, ok := child.(*PropertyEntry); ok {
			if err := pe.Reload(ctx, false); err != nil {
				n.factory.log.Debug("reloading property after external add",
					zap.Stringer("name", eventName), zap.Error(err))
			}
		}

	case spi.NodeRemoved, spi.PropertyRemoved:
		child := n.lookupEntry(ev.ID, ev.Path)
		if child != nil {
			child.Remove()
		}
		// else: the child has not been loaded yet

	case spi.PropertyChanged:
		child := n.lookupEntry(ev.ID, ev.Path)
		if child == nil {
			// not loaded yet, register the entry so it is visible
			n.internalAddPropertyEntry(eventName, nil)
			return
		}
		pe, ok := child.(*PropertyEntry)
		if !ok {
			n.factory.log.Warn("property event resolved to a node entry", zap.Stringer("name", eventName))
			return
		}
		if !pe.IsResolved() {
			// entry known but state never built, nothing to merge
			return
		}
		if err := pe.Reload(ctx, false); err != nil {
			n.factory.log.Debug("reloading changed property", zap.Stringer("name", eventName), zap.Error(err))
			return
		}
		if isUUIDOrMixin(eventName) {
			n.notifyUUIDOrMixinModified(pe)
		}

	default:
		n.factory.log.Error("illegal event type", zap.Int("type", int(ev.Type)))
	}
}

// lookupEntry locates the local entry an event refers to. For node
// removals the attic is consulted first so a server-side change
// targeting the old position of a transiently moved child still
// resolves to it.
func (n *NodeEntry) lookupEntry(eventID spi.ItemID, eventPath name.Path) HierarchyEntry {
	childName := eventPath.NameElement().Name
	var child HierarchyEntry
	if eventID.Node {
		uniqueChildID := ""
		if eventID.Path.Len() == 0 {
			uniqueChildID = eventID.UniqueID
		}
		if uniqueChildID != "" {
			n.mu.RLock()
			var found *NodeEntry
			if found = n.attic.getByUniqueID(uniqueChildID); found == nil {
				found = n.children.getByUniqueID(childName, uniqueChildID)
			}
			n.mu.RUnlock()
			if found != nil {
				child = found
			}
		}
		if child == nil {
			if found := n.lookupNodeEntry(childName, eventPath.NameElement().NormalizedIndex()); found != nil {
				child = found
			}
		}
	} else {
		if found := n.lookupPropertyEntry(childName); found != nil {
			child = found
		}
	}
	if child != nil && child.Status() == state.New {
		// a NEW entry is never the target of an external modification
		return nil
	}
	return child
}

// notifyUUIDOrMixinModified propagates a changed jcr:uuid or
// jcr:mixinTypes property to this node.
func (n *NodeEntry) notifyUUIDOrMixinModified(child *PropertyEntry) {
	child.mu.RLock()
	payload := child.current
	child.mu.RUnlock()
	if payload == nil {
		return
	}
	switch child.Name() {
	case name.UUID:
		n.SetUniqueID(payload.Value())
	case name.MixinTypes:
		n.mu.Lock()
		if n.current != nil {
			mixins := make([]name.QName, 0, len(payload.Values))
			for _, v := range payload.Values {
				mn, err := n.factory.resolver.ParseName(v)
				if err != nil {
					n.factory.log.Debug("unparseable mixin type", zap.String("value", v), zap.Error(err))
					continue
				}
				mixins = append(mixins, mn)
			}
			n.current.SetMixins(mixins)
		}
		// node state not yet loaded, nothing to update
		n.mu.Unlock()
	}
}

// notifyUUIDOrMixinRemoved propagates the removal of jcr:uuid or
// jcr:mixinTypes to this node.
func (n *NodeEntry) notifyUUIDOrMixinRemoved(propName name.QName) {
	switch propName {
	case name.UUID:
		n.SetUniqueID("")
	case name.MixinTypes:
		n.mu.Lock()
		if n.current != nil {
			n.current.SetMixins(nil)
		}
		n.mu.Unlock()
	}
}
