package spi

import (
	"canopy/internal/name"
)

// EventType enumerates external change notifications.
type EventType int

const (
	NodeAdded EventType = iota + 1
	NodeRemoved
	PropertyAdded
	PropertyRemoved
	PropertyChanged
)

var eventTypeNames = map[EventType]string{
	NodeAdded:       "NODE_ADDED",
	NodeRemoved:     "NODE_REMOVED",
	PropertyAdded:   "PROPERTY_ADDED",
	PropertyRemoved: "PROPERTY_REMOVED",
	PropertyChanged: "PROPERTY_CHANGED",
}

func (t EventType) String() string {
	if n, ok := eventTypeNames[t]; ok {
		return n
	}
	return "UNKNOWN"
}

// Event is an external change observed on the workspace. Path is the
// absolute workspace path of the affected item.
type Event struct {
	Type EventType
	ID   ItemID
	Path name.Path
}
