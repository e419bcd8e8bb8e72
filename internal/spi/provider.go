package spi

import (
	"context"

	"canopy/internal/name"
	"canopy/internal/state"
)

// ChildInfo describes one child node as reported by the workspace, in
// the workspace's order.
type ChildInfo struct {
	Name     name.QName
	UniqueID string
	Index    int
}

// NodeData is a node record fetched from the workspace.
// PropertyNames is the authoritative list of the node's properties;
// nil means the provider did not report them.
type NodeData struct {
	Name          name.QName
	Index         int
	UniqueID      string
	State         *state.NodeState
	PropertyNames []name.QName
}

// PropertyData is a property record fetched from the workspace.
type PropertyData struct {
	Name  name.QName
	State *state.PropertyState
}

// Provider is the remote storage the engine shadows. Calls may block;
// the engine never invokes them while holding an entry lock. Failures
// are NotFound or Transport errors.
type Provider interface {
	// ChildInfos lists the children of a node in workspace order.
	ChildInfos(ctx context.Context, id NodeID) ([]ChildInfo, error)

	// NodeData fetches the payload of a single node.
	NodeData(ctx context.Context, id NodeID) (*NodeData, error)

	// PropertyData fetches the payload of a single property.
	PropertyData(ctx context.Context, id PropertyID) (*PropertyData, error)

	// DeepNodeData resolves rel below the anchor node in one call and
	// returns one record per path element, shallowest first.
	DeepNodeData(ctx context.Context, anchor NodeID, rel name.Path) ([]NodeData, error)
}
