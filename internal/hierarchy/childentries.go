package hierarchy

import (
	"canopy/internal/name"
	"canopy/internal/spi"
	"canopy/internal/state"
)

// childEntries is the ordered list of child node entries of a single
// parent. It is guarded by the owning entry's lock; none of its
// methods synchronize. SNS indexes are never stored: they are derived
// from the position within a name bucket, counting valid entries only.
type childEntries struct {
	entries []*NodeEntry

	// loaded is false until the workspace child list has been merged
	// in at least once. Entries may be present before that (locally
	// added or materialized by deep resolution).
	loaded bool

	// invalid marks the list for a merge reload on next full access.
	invalid bool
}

func newChildEntries() *childEntries {
	return &childEntries{}
}

func entryValid(e *NodeEntry) bool {
	return state.IsValid(e.Status())
}

// add appends at the end of the list.
func (c *childEntries) add(e *NodeEntry) {
	c.entries = append(c.entries, e)
}

// addBefore inserts e immediately before the given sibling. Returns
// false if before is not present.
func (c *childEntries) addBefore(e, before *NodeEntry) bool {
	for i, existing := range c.entries {
		if existing == before {
			c.entries = append(c.entries[:i], append([]*NodeEntry{e}, c.entries[i:]...)...)
			return true
		}
	}
	return false
}

// addAt inserts e at the given 1-based slot within its name bucket;
// IndexUndefined or a slot past the bucket end appends.
func (c *childEntries) addAt(e *NodeEntry, index int) {
	if index == name.IndexUndefined {
		c.add(e)
		return
	}
	slot := 0
	for _, existing := range c.entries {
		if existing.Name() != e.Name() || !entryValid(existing) {
			continue
		}
		slot++
		if slot == index {
			c.addBefore(e, existing)
			return
		}
	}
	c.add(e)
}

// remove detaches e; returns false if it was not present.
func (c *childEntries) remove(e *NodeEntry) bool {
	for i, existing := range c.entries {
		if existing == e {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (c *childEntries) contains(e *NodeEntry) bool {
	for _, existing := range c.entries {
		if existing == e {
			return true
		}
	}
	return false
}

// reorder moves e immediately before the given sibling (nil moves it
// to the end). It returns the sibling that followed e before the
// operation (nil if e was last) and whether the position changed.
func (c *childEntries) reorder(e, before *NodeEntry) (previousSuccessor *NodeEntry, changed bool) {
	pos := -1
	for i, existing := range c.entries {
		if existing == e {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, false
	}
	if pos+1 < len(c.entries) {
		previousSuccessor = c.entries[pos+1]
	}
	if previousSuccessor == before || (before == nil && previousSuccessor == nil) {
		return previousSuccessor, false
	}
	c.entries = append(c.entries[:pos], c.entries[pos+1:]...)
	if before == nil || !c.addBefore(e, before) {
		c.add(e)
	}
	return previousSuccessor, true
}

// get returns all same-named entries in list order, unfiltered.
func (c *childEntries) get(n name.QName) []*NodeEntry {
	var out []*NodeEntry
	for _, e := range c.entries {
		if e.Name() == n {
			out = append(out, e)
		}
	}
	return out
}

// getValid returns the entry at the 1-based index among valid
// same-named siblings, or nil.
func (c *childEntries) getValid(n name.QName, index int) *NodeEntry {
	slot := 0
	for _, e := range c.entries {
		if e.Name() != n || !entryValid(e) {
			continue
		}
		slot++
		if slot == index {
			return e
		}
	}
	return nil
}

// getByUniqueID returns the entry carrying the given unique id. A zero
// name matches any name.
func (c *childEntries) getByUniqueID(n name.QName, uniqueID string) *NodeEntry {
	if uniqueID == "" {
		return nil
	}
	for _, e := range c.entries {
		if n != (name.QName{}) && e.Name() != n {
			continue
		}
		if e.UniqueID() == uniqueID {
			return e
		}
	}
	return nil
}

// validIndexOf derives the 1-based SNS index of e from its valid
// same-named predecessors; IndexUndefined if e is not present. An
// invalid e still gets the slot after its valid predecessors.
func (c *childEntries) validIndexOf(e *NodeEntry) int {
	index := name.IndexDefault
	for _, existing := range c.entries {
		if existing == e {
			return index
		}
		if existing.Name() == e.Name() && entryValid(existing) {
			index++
		}
	}
	return name.IndexUndefined
}

// list returns a snapshot copy.
func (c *childEntries) list() []*NodeEntry {
	out := make([]*NodeEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// matchesWorkspace reports whether e's workspace identity is the given
// name and index. The index of an entry without a pinned snapshot is
// derived from this list, so the caller's lock suffices.
func (c *childEntries) matchesWorkspace(e *NodeEntry, n name.QName, index int) bool {
	wsName, wsIndex, pinned := e.wsIdentitySnapshot()
	if wsName != n {
		return false
	}
	if !pinned {
		wsIndex = c.validIndexOf(e)
		if wsIndex == name.IndexUndefined {
			wsIndex = name.IndexDefault
		}
	}
	return wsIndex == index
}

// getByInfo matches a workspace child info against the list: by unique
// id when the info carries one, else by workspace name and index.
func (c *childEntries) getByInfo(ci spi.ChildInfo) *NodeEntry {
	if ci.UniqueID != "" {
		return c.getByUniqueID(name.QName{}, ci.UniqueID)
	}
	index := ci.Index
	if index == name.IndexUndefined {
		index = name.IndexDefault
	}
	for _, e := range c.entries {
		if c.matchesWorkspace(e, ci.Name, index) {
			return e
		}
	}
	return nil
}

// mergeInfos merges a freshly fetched workspace child list into the
// local one, preserving local edits. First pass: bubble the locally
// present entries into the remote order, stable with respect to local
// additions. Second pass: insert remote-only entries immediately
// before the next locally present one, appending trailing ones.
// Locally present entries absent remotely are left alone; their
// removal arrives through the event stream.
func (c *childEntries) mergeInfos(infos []spi.ChildInfo, makeEntry func(spi.ChildInfo) *NodeEntry) {
	var prev *NodeEntry
	for _, ci := range infos {
		if existing := c.getByInfo(ci); existing != nil {
			if prev != nil {
				c.reorder(prev, existing)
			}
			prev = existing
		}
	}

	var pending []*NodeEntry
	for _, ci := range infos {
		existing := c.getByInfo(ci)
		if existing == nil {
			pending = append(pending, makeEntry(ci))
			continue
		}
		for _, e := range pending {
			c.addBefore(e, existing)
		}
		pending = pending[:0]
	}
	for _, e := range pending {
		c.add(e)
	}
}
