package workspace

import (
	"encoding/json"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	cerr "canopy/internal/errors"
	"canopy/internal/name"
	"canopy/internal/spi"
)

// The seed API writes records directly, the way another session or an
// administrative import would. Each call returns the event a connected
// session observes for the change.

// NewUniqueID mints a workspace-stable id for a referenceable node.
func NewUniqueID() string {
	return uuid.New().String()
}

// CreateNode writes a node record below an existing parent.
func (s *Store) CreateNode(pathStr, uniqueID, primaryType string, sns bool) (spi.Event, error) {
	p, err := s.resolver.ParsePath(pathStr)
	if err != nil {
		return spi.Event{}, err
	}
	if !p.IsAbsolute() || p.IsRoot() {
		return spi.Event{}, cerr.Invalid("node path %q must be absolute and below the root", pathStr)
	}
	parentPath, err := p.Ancestor(1)
	if err != nil {
		return spi.Event{}, err
	}
	parentStr, err := s.resolver.FormatPath(parentPath)
	if err != nil {
		return spi.Event{}, err
	}
	if _, err := s.readNodeRecord(parentStr); err != nil {
		return spi.Event{}, err
	}
	childName, err := s.resolver.FormatName(p.NameElement().Name)
	if err != nil {
		return spi.Event{}, err
	}

	rec := nodeRecord{UniqueID: uniqueID, PrimaryType: primaryType, SNS: sns}
	data, err := json.Marshal(rec)
	if err != nil {
		return spi.Event{}, cerr.Transport(err, "encoding node %s", pathStr)
	}
	children, err := s.readChildRecords(parentStr)
	if err != nil {
		return spi.Event{}, err
	}
	children = append(children, childRecord{Name: childName, UniqueID: uniqueID})
	cdata, err := json.Marshal(children)
	if err != nil {
		return spi.Event{}, cerr.Transport(err, "encoding children of %s", parentStr)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(nodeKey(pathStr), data); err != nil {
			return err
		}
		if err := txn.Set(childrenKey(parentStr), cdata); err != nil {
			return err
		}
		if uniqueID != "" {
			return txn.Set(uidKey(uniqueID), []byte(pathStr))
		}
		return nil
	})
	if err != nil {
		return spi.Event{}, cerr.Transport(err, "writing node %s", pathStr)
	}
	s.cache.Remove(parentStr)

	id := spi.ItemID{Node: true, Path: p}
	if uniqueID != "" {
		id = spi.ItemID{Node: true, UniqueID: uniqueID}
	}
	return spi.Event{Type: spi.NodeAdded, ID: id, Path: p}, nil
}

// RemoveNode deletes a node record and its subtree.
func (s *Store) RemoveNode(pathStr string) (spi.Event, error) {
	p, err := s.resolver.ParsePath(pathStr)
	if err != nil {
		return spi.Event{}, err
	}
	rec, err := s.readNodeRecord(pathStr)
	if err != nil {
		return spi.Event{}, err
	}
	parentPath, err := p.Ancestor(1)
	if err != nil {
		return spi.Event{}, err
	}
	parentStr, err := s.resolver.FormatPath(parentPath)
	if err != nil {
		return spi.Event{}, err
	}

	if err := s.deleteSubtree(pathStr); err != nil {
		return spi.Event{}, err
	}

	// drop the child reference from the parent
	children, err := s.readChildRecords(parentStr)
	if err != nil {
		return spi.Event{}, err
	}
	childName, err := s.resolver.FormatName(p.NameElement().Name)
	if err != nil {
		return spi.Event{}, err
	}
	occurrence := p.NameElement().NormalizedIndex()
	seen := 0
	for i, cr := range children {
		if cr.Name != childName {
			continue
		}
		seen++
		if seen == occurrence {
			children = append(children[:i], children[i+1:]...)
			break
		}
	}
	cdata, err := json.Marshal(children)
	if err != nil {
		return spi.Event{}, cerr.Transport(err, "encoding children of %s", parentStr)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(childrenKey(parentStr), cdata)
	}); err != nil {
		return spi.Event{}, cerr.Transport(err, "writing children of %s", parentStr)
	}
	s.cache.Remove(parentStr)

	id := spi.ItemID{Node: true, Path: p}
	if rec.UniqueID != "" {
		id = spi.ItemID{Node: true, UniqueID: rec.UniqueID}
	}
	return spi.Event{Type: spi.NodeRemoved, ID: id, Path: p}, nil
}

// SetProperty writes a property record on an existing node.
func (s *Store) SetProperty(nodePath, propName string, values []string, multiple bool) (spi.Event, error) {
	p, err := s.resolver.ParsePath(nodePath)
	if err != nil {
		return spi.Event{}, err
	}
	pathStr, err := s.resolver.FormatPath(p)
	if err != nil {
		return spi.Event{}, err
	}
	if _, err := s.readNodeRecord(pathStr); err != nil {
		return spi.Event{}, err
	}
	qn, err := s.resolver.ParseName(propName)
	if err != nil {
		return spi.Event{}, err
	}
	canonical, err := s.resolver.FormatName(qn)
	if err != nil {
		return spi.Event{}, err
	}

	existing := true
	if err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(propKey(pathStr, canonical))
		if err == badger.ErrKeyNotFound {
			existing = false
			return nil
		}
		return err
	}); err != nil {
		return spi.Event{}, cerr.Transport(err, "reading property %s", canonical)
	}

	raw, err := s.encodeProp(propRecord{Values: values, Multiple: multiple})
	if err != nil {
		return spi.Event{}, cerr.Transport(err, "encoding property %s", canonical)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(propKey(pathStr, canonical), raw)
	}); err != nil {
		return spi.Event{}, cerr.Transport(err, "writing property %s", canonical)
	}

	full := p.Append(name.NewElement(qn))
	evType := spi.PropertyAdded
	if existing {
		evType = spi.PropertyChanged
	}
	return spi.Event{Type: evType, ID: spi.ItemID{Path: full}, Path: full}, nil
}

// RemoveProperty deletes a property record.
func (s *Store) RemoveProperty(nodePath, propName string) (spi.Event, error) {
	p, err := s.resolver.ParsePath(nodePath)
	if err != nil {
		return spi.Event{}, err
	}
	pathStr, err := s.resolver.FormatPath(p)
	if err != nil {
		return spi.Event{}, err
	}
	qn, err := s.resolver.ParseName(propName)
	if err != nil {
		return spi.Event{}, err
	}
	canonical, err := s.resolver.FormatName(qn)
	if err != nil {
		return spi.Event{}, err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(propKey(pathStr, canonical))
	}); err != nil {
		return spi.Event{}, cerr.Transport(err, "deleting property %s", canonical)
	}
	full := p.Append(name.NewElement(qn))
	return spi.Event{Type: spi.PropertyRemoved, ID: spi.ItemID{Path: full}, Path: full}, nil
}
