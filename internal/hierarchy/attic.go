package hierarchy

import (
	"canopy/internal/name"
)

// childAttic holds child entries that were transiently moved out of
// their parent. Lookups run against the workspace identity (old name,
// old index, unique id) so that server events targeting the old
// position still resolve to the local entry. Guarded by the owning
// entry's lock; attic'd entries always carry a revert ledger, so the
// workspace identity is read from the snapshot and never derived from
// a live child list.
type childAttic struct {
	entries []*NodeEntry
}

func newChildAttic() *childAttic {
	return &childAttic{}
}

func (a *childAttic) add(e *NodeEntry) {
	a.entries = append(a.entries, e)
}

func (a *childAttic) remove(e *NodeEntry) bool {
	for i, existing := range a.entries {
		if existing == e {
			a.entries = append(a.entries[:i], a.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (a *childAttic) isEmpty() bool {
	return len(a.entries) == 0
}

func (a *childAttic) contains(n name.QName, index int) bool {
	return a.getIndexed(n, index) != nil
}

// get returns all attic entries whose workspace name matches.
func (a *childAttic) get(n name.QName) []*NodeEntry {
	var out []*NodeEntry
	for _, e := range a.entries {
		wsName, _, _ := e.wsIdentitySnapshot()
		if wsName == n {
			out = append(out, e)
		}
	}
	return out
}

func (a *childAttic) getIndexed(n name.QName, index int) *NodeEntry {
	for _, e := range a.entries {
		wsName, wsIndex, pinned := e.wsIdentitySnapshot()
		if !pinned {
			wsIndex = name.IndexDefault
		}
		if wsName == n && wsIndex == index {
			return e
		}
	}
	return nil
}

func (a *childAttic) getByUniqueID(uniqueID string) *NodeEntry {
	if uniqueID == "" {
		return nil
	}
	for _, e := range a.entries {
		if e.UniqueID() == uniqueID {
			return e
		}
	}
	return nil
}

func (a *childAttic) list() []*NodeEntry {
	out := make([]*NodeEntry, len(a.entries))
	copy(out, a.entries)
	return out
}
