package workspace

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	cerr "canopy/internal/errors"
	"canopy/internal/hierarchy"
	"canopy/internal/name"
	"canopy/internal/spi"
	"canopy/internal/state"
)

// Save collects the transient changes under entry, persists them and
// settles the entry statuses. It returns the events another session
// observing this workspace would receive.
func (s *Store) Save(ctx context.Context, entry hierarchy.HierarchyEntry) ([]spi.Event, error) {
	log, err := hierarchy.Collect(entry, true)
	if err != nil {
		return nil, err
	}
	events, err := s.Persist(ctx, log)
	if err != nil {
		return nil, err
	}
	if err := hierarchy.ApplySave(log); err != nil {
		return nil, err
	}
	return events, nil
}

// Persist applies a collected change set to the backing store. The
// entries still carry their pre-save statuses, so workspace paths are
// computed through the revert ledger.
func (s *Store) Persist(ctx context.Context, log *state.ChangeLog) ([]spi.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, cerr.Transport(err, "persist")
	}

	var events []spi.Event
	dirtyParents := make(map[*hierarchy.NodeEntry]struct{})

	for _, item := range log.All() {
		switch e := item.(type) {
		case *hierarchy.NodeEntry:
			evs, err := s.persistNode(e, dirtyParents)
			if err != nil {
				return nil, err
			}
			events = append(events, evs...)
		case *hierarchy.PropertyEntry:
			ev, err := s.persistProperty(e)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		default:
			return nil, cerr.Internal("change log contains a foreign item")
		}
	}

	for parent := range dirtyParents {
		if err := s.rewriteChildren(parent); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *Store) persistNode(e *hierarchy.NodeEntry, dirtyParents map[*hierarchy.NodeEntry]struct{}) ([]spi.Event, error) {
	switch e.Status() {
	case state.New:
		path, err := e.Path(false)
		if err != nil {
			return nil, err
		}
		pathStr, err := s.resolver.FormatPath(path)
		if err != nil {
			return nil, err
		}
		if err := s.writeNodeRecord(pathStr, e); err != nil {
			return nil, err
		}
		if parent := e.Parent(); parent != nil {
			if parent.ChildrenLoaded() {
				dirtyParents[parent] = struct{}{}
			} else if err := s.appendChildRecord(path, e.UniqueID()); err != nil {
				return nil, err
			}
		}
		return []spi.Event{{Type: spi.NodeAdded, ID: s.nodeItemID(e, path), Path: path}}, nil

	case state.ExistingModified, state.StaleModified:
		wsPath, err := e.Path(true)
		if err != nil {
			return nil, err
		}
		newPath, err := e.Path(false)
		if err != nil {
			return nil, err
		}
		wsStr, err := s.resolver.FormatPath(wsPath)
		if err != nil {
			return nil, err
		}
		newStr, err := s.resolver.FormatPath(newPath)
		if err != nil {
			return nil, err
		}
		var events []spi.Event
		if wsStr != newStr {
			if err := s.moveSubtree(wsStr, newStr); err != nil {
				return nil, err
			}
			if err := s.dropChildRecord(wsPath); err != nil {
				return nil, err
			}
			if err := s.appendChildRecord(newPath, e.UniqueID()); err != nil {
				return nil, err
			}
			events = append(events,
				spi.Event{Type: spi.NodeRemoved, ID: s.nodeItemID(e, wsPath), Path: wsPath},
				spi.Event{Type: spi.NodeAdded, ID: s.nodeItemID(e, newPath), Path: newPath})
		}
		if err := s.writeNodeRecord(newStr, e); err != nil {
			return nil, err
		}
		// a modified node may carry reordered children
		dirtyParents[e] = struct{}{}
		if parent := e.Parent(); parent != nil && parent.ChildrenLoaded() {
			dirtyParents[parent] = struct{}{}
		}
		if wsParent := e.WorkspaceParent(); wsParent != nil && wsParent.ChildrenLoaded() {
			dirtyParents[wsParent] = struct{}{}
		}
		return events, nil

	case state.ExistingRemoved, state.StaleDestroyed:
		wsPath, err := e.Path(true)
		if err != nil {
			return nil, err
		}
		wsStr, err := s.resolver.FormatPath(wsPath)
		if err != nil {
			return nil, err
		}
		if err := s.deleteSubtree(wsStr); err != nil {
			return nil, err
		}
		if err := s.dropChildRecord(wsPath); err != nil {
			return nil, err
		}
		if parent := e.Parent(); parent != nil && parent.ChildrenLoaded() {
			dirtyParents[parent] = struct{}{}
		}
		return []spi.Event{{Type: spi.NodeRemoved, ID: s.nodeItemID(e, wsPath), Path: wsPath}}, nil
	}
	return nil, nil
}

func (s *Store) persistProperty(e *hierarchy.PropertyEntry) (spi.Event, error) {
	switch e.Status() {
	case state.New, state.ExistingModified, state.StaleModified:
		parentPath, err := e.Parent().Path(false)
		if err != nil {
			return spi.Event{}, err
		}
		parentStr, err := s.resolver.FormatPath(parentPath)
		if err != nil {
			return spi.Event{}, err
		}
		propName, err := s.resolver.FormatName(e.Name())
		if err != nil {
			return spi.Event{}, err
		}
		payload := e.CurrentState()
		rec := propRecord{}
		if payload != nil {
			rec.Values = payload.Values
			rec.Multiple = payload.Multiple
		}
		raw, err := s.encodeProp(rec)
		if err != nil {
			return spi.Event{}, cerr.Transport(err, "encoding property %s", propName)
		}
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(propKey(parentStr, propName), raw)
		}); err != nil {
			return spi.Event{}, cerr.Transport(err, "writing property %s", propName)
		}
		evType := spi.PropertyAdded
		if e.Status() != state.New {
			evType = spi.PropertyChanged
		}
		full := parentPath.Append(name.NewElement(e.Name()))
		return spi.Event{Type: evType, ID: spi.ItemID{Path: full}, Path: full}, nil

	case state.ExistingRemoved, state.StaleDestroyed:
		parentPath, err := e.Parent().Path(true)
		if err != nil {
			return spi.Event{}, err
		}
		parentStr, err := s.resolver.FormatPath(parentPath)
		if err != nil {
			return spi.Event{}, err
		}
		propName, err := s.resolver.FormatName(e.Name())
		if err != nil {
			return spi.Event{}, err
		}
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(propKey(parentStr, propName))
		}); err != nil {
			return spi.Event{}, cerr.Transport(err, "deleting property %s", propName)
		}
		full := parentPath.Append(name.NewElement(e.Name()))
		return spi.Event{Type: spi.PropertyRemoved, ID: spi.ItemID{Path: full}, Path: full}, nil
	}
	return spi.Event{}, cerr.Internal("property %s has unexpected status %s in change log", e.Name(), e.Status())
}

func (s *Store) nodeItemID(e *hierarchy.NodeEntry, path name.Path) spi.ItemID {
	if uid := e.UniqueID(); uid != "" {
		return spi.ItemID{Node: true, UniqueID: uid}
	}
	return spi.ItemID{Node: true, Path: path}
}

func (s *Store) writeNodeRecord(pathStr string, e *hierarchy.NodeEntry) error {
	rec := nodeRecord{UniqueID: e.UniqueID()}
	if st := e.CurrentNodeState(); st != nil {
		rec.SNS = st.Definition.AllowsSameNameSiblings
		if st.PrimaryType != (name.QName{}) {
			pt, err := s.resolver.FormatName(st.PrimaryType)
			if err != nil {
				return err
			}
			rec.PrimaryType = pt
		}
		for _, m := range st.Mixins {
			mn, err := s.resolver.FormatName(m)
			if err != nil {
				return err
			}
			rec.Mixins = append(rec.Mixins, mn)
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return cerr.Transport(err, "encoding node %s", pathStr)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(nodeKey(pathStr), data); err != nil {
			return err
		}
		if rec.UniqueID != "" {
			return txn.Set(uidKey(rec.UniqueID), []byte(pathStr))
		}
		return nil
	})
	if err != nil {
		return cerr.Transport(err, "writing node %s", pathStr)
	}
	return nil
}

// rewriteChildren rebuilds the stored child list of a parent from the
// in-memory transient view, which becomes the workspace view once the
// save completes.
func (s *Store) rewriteChildren(parent *hierarchy.NodeEntry) error {
	if !parent.ChildrenLoaded() {
		return nil
	}
	if state.IsTerminal(parent.Status()) || parent.Status() == state.ExistingRemoved {
		return nil
	}
	path, err := parent.Path(false)
	if err != nil {
		return err
	}
	pathStr, err := s.resolver.FormatPath(path)
	if err != nil {
		return err
	}
	var recs []childRecord
	for _, child := range parent.LoadedNodeEntries() {
		cn, err := s.resolver.FormatName(child.Name())
		if err != nil {
			return err
		}
		recs = append(recs, childRecord{Name: cn, UniqueID: child.UniqueID()})
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return cerr.Transport(err, "encoding children of %s", pathStr)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(childrenKey(pathStr), data)
	}); err != nil {
		return cerr.Transport(err, "writing children of %s", pathStr)
	}
	s.cache.Remove(pathStr)
	return nil
}

// appendChildRecord appends a child reference to the stored child list
// of the child's parent. Used when the parent's in-memory list is not
// loaded and cannot be rewritten wholesale. A reference whose slot is
// already occupied is left alone.
func (s *Store) appendChildRecord(childPath name.Path, uniqueID string) error {
	parentPath, err := childPath.Ancestor(1)
	if err != nil {
		return err
	}
	parentStr, err := s.resolver.FormatPath(parentPath)
	if err != nil {
		return err
	}
	childName, err := s.resolver.FormatName(childPath.NameElement().Name)
	if err != nil {
		return err
	}
	recs, err := s.readChildRecords(parentStr)
	if err != nil {
		return err
	}
	occupied := 0
	for _, cr := range recs {
		if cr.Name == childName {
			occupied++
		}
	}
	if occupied >= childPath.NameElement().NormalizedIndex() {
		return nil
	}
	recs = append(recs, childRecord{Name: childName, UniqueID: uniqueID})
	data, err := json.Marshal(recs)
	if err != nil {
		return cerr.Transport(err, "encoding children of %s", parentStr)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(childrenKey(parentStr), data)
	}); err != nil {
		return cerr.Transport(err, "writing children of %s", parentStr)
	}
	s.cache.Remove(parentStr)
	return nil
}

// dropChildRecord removes the child reference at childPath from its
// parent's stored child list.
func (s *Store) dropChildRecord(childPath name.Path) error {
	parentPath, err := childPath.Ancestor(1)
	if err != nil {
		return err
	}
	parentStr, err := s.resolver.FormatPath(parentPath)
	if err != nil {
		return err
	}
	childName, err := s.resolver.FormatName(childPath.NameElement().Name)
	if err != nil {
		return err
	}
	recs, err := s.readChildRecords(parentStr)
	if err != nil {
		return err
	}
	occurrence := childPath.NameElement().NormalizedIndex()
	seen := 0
	removed := false
	for i, cr := range recs {
		if cr.Name != childName {
			continue
		}
		seen++
		if seen == occurrence {
			recs = append(recs[:i], recs[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		return nil
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return cerr.Transport(err, "encoding children of %s", parentStr)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(childrenKey(parentStr), data)
	}); err != nil {
		return cerr.Transport(err, "writing children of %s", parentStr)
	}
	s.cache.Remove(parentStr)
	return nil
}

// childPathSegment renders the path segment of the i-th child record,
// deriving the SNS suffix from preceding same-name records.
func childPathSegment(recs []childRecord, i int) string {
	occurrence := 1
	for j := 0; j < i; j++ {
		if recs[j].Name == recs[i].Name {
			occurrence++
		}
	}
	if occurrence == 1 {
		return recs[i].Name
	}
	return recs[i].Name + "[" + strconv.Itoa(occurrence) + "]"
}

func (s *Store) moveSubtree(oldPath, newPath string) error {
	rec, err := s.readNodeRecord(oldPath)
	if err != nil {
		return err
	}
	children, err := s.readChildRecords(oldPath)
	if err != nil {
		return err
	}
	for i := range children {
		seg := childPathSegment(children, i)
		if err := s.moveSubtree(joinPath(oldPath, seg), joinPath(newPath, seg)); err != nil {
			return err
		}
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(nodeKey(newPath), data); err != nil {
			return err
		}
		if err := txn.Delete(nodeKey(oldPath)); err != nil {
			return err
		}
		if len(children) > 0 {
			cdata, err := json.Marshal(children)
			if err != nil {
				return err
			}
			if err := txn.Set(childrenKey(newPath), cdata); err != nil {
				return err
			}
		}
		if err := txn.Delete(childrenKey(oldPath)); err != nil {
			return err
		}
		if rec.UniqueID != "" {
			if err := txn.Set(uidKey(rec.UniqueID), []byte(newPath)); err != nil {
				return err
			}
		}
		return s.moveProps(txn, oldPath, newPath)
	})
	if err != nil {
		return cerr.Transport(err, "moving %s to %s", oldPath, newPath)
	}
	s.cache.Remove(oldPath)
	s.cache.Remove(newPath)
	return nil
}

func (s *Store) moveProps(txn *badger.Txn, oldPath, newPath string) error {
	prefix := []byte("prop:" + oldPath + "\x00")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	type kv struct {
		propName string
		value    []byte
	}
	var moved []kv
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		propName := string(item.Key()[len(prefix):])
		val, err := item.ValueCopy(nil)
		if err != nil {
			it.Close()
			return err
		}
		moved = append(moved, kv{propName: propName, value: val})
	}
	it.Close()

	for _, m := range moved {
		if err := txn.Delete(propKey(oldPath, m.propName)); err != nil {
			return err
		}
		if err := txn.Set(propKey(newPath, m.propName), m.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) deleteSubtree(path string) error {
	children, err := s.readChildRecords(path)
	if err != nil {
		return err
	}
	for i := range children {
		if err := s.deleteSubtree(joinPath(path, childPathSegment(children, i))); err != nil {
			return err
		}
	}
	rec, err := s.readNodeRecord(path)
	if cerr.IsNotFound(err) {
		s.log.Debug("subtree already gone", zap.String("path", path))
		return nil
	}
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(nodeKey(path)); err != nil {
			return err
		}
		if err := txn.Delete(childrenKey(path)); err != nil {
			return err
		}
		if rec.UniqueID != "" {
			if err := txn.Delete(uidKey(rec.UniqueID)); err != nil {
				return err
			}
		}
		prefix := []byte("prop:" + path + "\x00")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		var keys [][]byte
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return cerr.Transport(err, "deleting %s", path)
	}
	s.cache.Remove(path)
	return nil
}
