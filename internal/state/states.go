package state

import (
	"canopy/internal/name"
)

// NodeDefinition is the slice of a node-type definition the engine
// cares about.
type NodeDefinition struct {
	AllowsSameNameSiblings bool
}

// PropertyDefinition is the slice of a property definition the engine
// cares about.
type PropertyDefinition struct {
	Multiple  bool
	Protected bool
}

// NodeState is the payload of a node entry resolved from the workspace
// or built for a transiently added node.
type NodeState struct {
	PrimaryType name.QName
	Mixins      []name.QName
	Definition  NodeDefinition
}

// Clone returns a deep copy.
func (s *NodeState) Clone() *NodeState {
	if s == nil {
		return nil
	}
	out := &NodeState{
		PrimaryType: s.PrimaryType,
		Definition:  s.Definition,
	}
	if s.Mixins != nil {
		out.Mixins = make([]name.QName, len(s.Mixins))
		copy(out.Mixins, s.Mixins)
	}
	return out
}

// SetMixins replaces the mixin type set.
func (s *NodeState) SetMixins(mixins []name.QName) {
	s.Mixins = mixins
}

// PropertyState is the payload of a property entry.
type PropertyState struct {
	Values     []string
	Multiple   bool
	Definition PropertyDefinition
}

// Clone returns a deep copy.
func (s *PropertyState) Clone() *PropertyState {
	if s == nil {
		return nil
	}
	out := &PropertyState{
		Multiple:   s.Multiple,
		Definition: s.Definition,
	}
	if s.Values != nil {
		out.Values = make([]string, len(s.Values))
		copy(out.Values, s.Values)
	}
	return out
}

// Value returns the single value of a non-multiple property.
func (s *PropertyState) Value() string {
	if len(s.Values) == 0 {
		return ""
	}
	return s.Values[0]
}
