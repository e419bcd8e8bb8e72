package hierarchy

import (
	"context"

	cerr "canopy/internal/errors"
	"canopy/internal/name"
	"canopy/internal/spi"
	"canopy/internal/state"
)

// DeepEntry resolves a path relative to this entry. Loaded segments
// resolve locally; the first unknown segment hands the remaining
// suffix to the remote provider in one call, materializing the
// intermediate entries. A trailing segment without an SNS index that
// fails as a node is retried as a property.
func (n *NodeEntry) DeepEntry(ctx context.Context, path name.Path) (HierarchyEntry, error) {
	entry := n
	for i := 0; i < path.Len(); i++ {
		elem := path.Element(i)
		if elem.DenotesRoot() {
			if entry.Parent() != nil {
				return nil, cerr.Invalid("absolute path %s resolved against non-root entry", path)
			}
			continue
		}

		index := elem.NormalizedIndex()
		entry.mu.RLock()
		cne := entry.children.getValid(elem.Name, index)
		_, hasProp := entry.properties[elem.Name]
		entry.mu.RUnlock()

		if cne != nil {
			entry = cne
			continue
		}
		if hasProp && i == path.Len()-1 {
			// a property must not carry an index and must be final
			if elem.Index != name.IndexUndefined {
				return nil, cerr.Invalid("property %s addressed with an index", elem.Name)
			}
			if pe := entry.GetPropertyEntry(elem.Name); pe != nil {
				return pe, nil
			}
			// the name is occupied by a transiently removed or terminal
			// property, do not resurrect it from the remote layer
			return nil, cerr.NotFound("path %s not found", path)
		}

		// the old position sitting in the attic, or an index inside
		// the known sibling range with no match, is a definite miss
		entry.mu.RLock()
		inAttic := entry.attic.contains(elem.Name, index)
		knownSiblings := len(entry.children.get(elem.Name)) + len(entry.attic.get(elem.Name))
		entry.mu.RUnlock()
		if inAttic {
			return nil, cerr.NotFound("path %s not found", path)
		}
		if knownSiblings > 0 && index <= knownSiblings {
			return nil, cerr.NotFound("path %s not found", path)
		}

		return entry.resolveDeep(ctx, path, path.SubPath(i))
	}
	return entry, nil
}

// resolveDeep asks the provider to build the entries along the
// remaining suffix. The path is ambiguous between a node and a
// property, so a node miss retries the final segment as a property
// when it carries no SNS index.
func (n *NodeEntry) resolveDeep(ctx context.Context, full, remaining name.Path) (HierarchyEntry, error) {
	anchorID := n.ID()
	datas, err := n.factory.provider.DeepNodeData(ctx, anchorID, remaining)
	if err == nil {
		return n.materializeNodes(datas), nil
	}
	if !cerr.IsNotFound(err) {
		return nil, err
	}
	if remaining.NameElement().Index != name.IndexUndefined {
		return nil, cerr.Wrap(cerr.KindNotFound, err, "path %s not found", full)
	}

	// possibly a property
	parentEntry := n
	if remaining.Len() > 1 {
		parentRel, aerr := remaining.Ancestor(1)
		if aerr != nil {
			return nil, aerr
		}
		parentDatas, derr := n.factory.provider.DeepNodeData(ctx, anchorID, parentRel)
		if derr != nil {
			return nil, cerr.Wrap(cerr.KindNotFound, derr, "path %s not found", full)
		}
		parentEntry = n.materializeNodes(parentDatas)
	}
	propName := remaining.NameElement().Name
	propID := n.factory.ids.PropertyIDFor(parentEntry.ID(), propName)
	pd, perr := n.factory.provider.PropertyData(ctx, propID)
	if perr != nil {
		return nil, cerr.Wrap(cerr.KindNotFound, perr, "path %s not found", full)
	}
	return parentEntry.internalAddPropertyEntry(propName, pd.State), nil
}

// materializeNodes installs the fetched chain below this entry and
// returns the deepest one.
func (n *NodeEntry) materializeNodes(datas []spi.NodeData) *NodeEntry {
	entry := n
	for _, d := range datas {
		entry = entry.materializeChild(d)
	}
	return entry
}

func (n *NodeEntry) materializeChild(d spi.NodeData) *NodeEntry {
	index := d.Index
	if index == name.IndexUndefined {
		index = name.IndexDefault
	}
	n.mu.RLock()
	child := n.children.getByUniqueID(d.Name, d.UniqueID)
	if child == nil {
		child = n.children.getValid(d.Name, index)
	}
	n.mu.RUnlock()
	if child == nil {
		child = n.internalAddNodeEntry(d.Name, d.UniqueID, index, state.Existing)
	}
	if d.PropertyNames != nil {
		child.AddPropertyEntries(d.PropertyNames)
	}
	if d.State != nil {
		child.mu.Lock()
		if child.current == nil {
			child.saved = d.State
			child.current = d.State.Clone()
		}
		child.mu.Unlock()
	}
	return child
}

// LookupDeepEntry resolves a workspace path purely locally: no remote
// call is ever made and unloaded segments return nil. Event routing
// uses this so events about unloaded subtrees never synthesize
// entries.
func (n *NodeEntry) LookupDeepEntry(workspacePath name.Path) HierarchyEntry {
	entry := n
	for i := 0; i < workspacePath.Len(); i++ {
		elem := workspacePath.Element(i)
		if elem.DenotesRoot() {
			if entry.Parent() != nil {
				n.factory.log.Warn("absolute path resolved against non-root entry")
				return nil
			}
			continue
		}

		index := elem.NormalizedIndex()
		if cne := entry.lookupNodeEntry(elem.Name, index); cne != nil {
			entry = cne
			continue
		}
		if elem.Index == name.IndexUndefined && i == workspacePath.Len()-1 {
			if pe := entry.lookupPropertyEntry(elem.Name); pe != nil {
				return pe
			}
		}
		return nil
	}
	return entry
}

// lookupNodeEntry finds a child by its workspace name and index,
// consulting the attic first.
func (n *NodeEntry) lookupNodeEntry(childName name.QName, index int) *NodeEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if child := n.attic.getIndexed(childName, index); child != nil {
		return child
	}
	for _, c := range n.children.get(childName) {
		if n.children.matchesWorkspace(c, childName, index) {
			return c
		}
	}
	return nil
}

// lookupPropertyEntry finds a property by name, consulting the shadow
// attic first so a NEW property shadowing a transiently removed one is
// not returned for a workspace lookup.
func (n *NodeEntry) lookupPropertyEntry(propName name.QName) *PropertyEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if p, ok := n.propAttic[propName]; ok {
		return p
	}
	return n.properties[propName]
}
