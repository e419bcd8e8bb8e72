// Package state carries the per-entry status lifecycle, the payload
// states resolved from the workspace, and the change log collected
// before a save.
package state

import (
	cerr "canopy/internal/errors"
)

// Status is the lifecycle state of a hierarchy entry.
type Status int

const (
	Undefined Status = iota
	New
	Existing
	ExistingModified
	ExistingRemoved
	StaleModified
	StaleDestroyed
	Removed
	Invalidated
)

var statusNames = map[Status]string{
	Undefined:        "UNDEFINED",
	New:              "NEW",
	Existing:         "EXISTING",
	ExistingModified: "EXISTING_MODIFIED",
	ExistingRemoved:  "EXISTING_REMOVED",
	StaleModified:    "STALE_MODIFIED",
	StaleDestroyed:   "STALE_DESTROYED",
	Removed:          "REMOVED",
	Invalidated:      "INVALIDATED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// IsTerminal reports whether s is final. Terminal entries are filtered
// out of every query result.
func IsTerminal(s Status) bool {
	return s == Removed || s == StaleDestroyed
}

// IsStale reports whether the entry's local state can no longer be
// reconciled with the workspace.
func IsStale(s Status) bool {
	return s == StaleModified || s == StaleDestroyed
}

// IsTransient reports whether the entry carries uncommitted changes and
// must appear in a collected change set.
func IsTransient(s Status) bool {
	switch s {
	case New, ExistingModified, ExistingRemoved, StaleModified, StaleDestroyed:
		return true
	}
	return false
}

// IsValid reports whether an entry with this status is visible in the
// transient view. Transiently removed and terminal entries are not.
func IsValid(s Status) bool {
	switch s {
	case New, Existing, ExistingModified, StaleModified, Invalidated:
		return true
	}
	return false
}

var transitions = map[Status]map[Status]bool{
	New: {
		Existing: true, // save
		Removed:  true, // revert or removal of the parent
	},
	Existing: {
		ExistingModified: true,
		ExistingRemoved:  true,
		Removed:          true, // external removal of a clean entry
		Invalidated:      true,
	},
	ExistingModified: {
		Existing:        true, // save or revert
		ExistingRemoved: true,
		StaleModified:   true,
		StaleDestroyed:  true,
		Invalidated:     true,
	},
	ExistingRemoved: {
		Existing:       true, // revert
		Removed:        true, // save
		StaleDestroyed: true, // external destroy
	},
	StaleModified: {
		Existing:       true, // revert to last workspace observation
		StaleDestroyed: true,
		Invalidated:    true,
	},
	Invalidated: {
		Existing:         true, // reload
		ExistingModified: true,
		ExistingRemoved:  true,
		Removed:          true,
		StaleDestroyed:   true,
	},
	Removed:        {},
	StaleDestroyed: {},
}

// CheckTransition validates a lifecycle transition. Entries route every
// status mutation through this table; an illegal transition is an
// invariant violation, not a runtime condition.
func CheckTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if allowed, ok := transitions[from]; ok && allowed[to] {
		return nil
	}
	return cerr.Internal("illegal status transition %s -> %s", from, to)
}
