// Package spi defines the surface between the hierarchy engine and the
// remote workspace: item identifiers, child infos, payload records,
// the provider interface and the event stream.
package spi

import (
	"github.com/google/uuid"

	"canopy/internal/name"
)

// NodeID identifies a node as the workspace sees it: an opaque
// workspace-stable unique id, a path, or a unique id plus a relative
// path below that node.
type NodeID struct {
	UniqueID string
	Path     name.Path
}

// HasPath reports whether the id carries a path component.
func (id NodeID) HasPath() bool {
	return id.Path.Len() > 0
}

// PropertyID identifies a property by its parent node and name.
type PropertyID struct {
	Parent NodeID
	Name   name.QName
}

// ItemID is the identifier carried by an event. Node indicates whether
// it denotes a node or a property.
type ItemID struct {
	Node     bool
	UniqueID string
	Path     name.Path
}

// IDFactory builds opaque item identifiers.
type IDFactory struct{}

// NodeIDFromUniqueID builds a node id from a workspace-stable id.
func (IDFactory) NodeIDFromUniqueID(uniqueID string) NodeID {
	return NodeID{UniqueID: uniqueID}
}

// NodeIDFromPath builds a node id from an absolute path.
func (IDFactory) NodeIDFromPath(p name.Path) NodeID {
	return NodeID{Path: p}
}

// ChildNodeID extends a parent id by one path element.
func (IDFactory) ChildNodeID(parent NodeID, elem name.Element) NodeID {
	if parent.UniqueID != "" && !parent.HasPath() {
		return NodeID{UniqueID: parent.UniqueID, Path: name.NewPath(elem)}
	}
	return NodeID{UniqueID: parent.UniqueID, Path: parent.Path.Append(elem)}
}

// DescendantNodeID extends a parent id by a relative path.
func (f IDFactory) DescendantNodeID(parent NodeID, rel name.Path) NodeID {
	id := parent
	for _, e := range rel.Elements() {
		id = f.ChildNodeID(id, e)
	}
	return id
}

// PropertyIDFor builds a property id below the given node.
func (IDFactory) PropertyIDFor(parent NodeID, n name.QName) PropertyID {
	return PropertyID{Parent: parent, Name: n}
}

// NewUniqueID mints a workspace-stable unique identifier.
func (IDFactory) NewUniqueID() string {
	return uuid.New().String()
}
