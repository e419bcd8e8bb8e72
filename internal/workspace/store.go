// Package workspace is the reference remote provider: a badger-backed
// store of node and property records that the hierarchy engine can
// shadow, with an LRU cache over decoded child lists and zstd
// compression for large property payloads.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	cerr "canopy/internal/errors"
	"canopy/internal/name"
	"canopy/internal/spi"
	"canopy/internal/state"
)

var (
	ErrNodeNotFound     = errors.New("node not found")
	ErrPropertyNotFound = errors.New("property not found")
)

// nodeRecord is the stored shape of a node.
type nodeRecord struct {
	UniqueID    string   `json:"unique_id,omitempty"`
	PrimaryType string   `json:"primary_type,omitempty"`
	Mixins      []string `json:"mixins,omitempty"`
	SNS         bool     `json:"sns,omitempty"`
}

// childRecord is one ordered child reference of a node.
type childRecord struct {
	Name     string `json:"name"`
	UniqueID string `json:"unique_id,omitempty"`
}

// propRecord is the stored shape of a property.
type propRecord struct {
	Values   []string `json:"values"`
	Multiple bool     `json:"multiple,omitempty"`
}

// Options configures a Store.
type Options struct {
	CacheSize     int // number of child lists to cache
	CompressAfter int // compress property records larger than this many bytes
	Logger        *zap.Logger
}

// Store implements spi.Provider on top of badger.
type Store struct {
	db       *badger.DB
	resolver *name.Resolver
	ids      spi.IDFactory
	cache    *lru.Cache[string, []spi.ChildInfo]
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	log      *zap.Logger

	mu            sync.Mutex // serializes Persist
	compressAfter int
}

// New creates a store on an open badger database.
func New(db *badger.DB, resolver *name.Resolver, opts Options) (*Store, error) {
	if opts.CacheSize == 0 {
		opts.CacheSize = 256
	}
	if opts.CompressAfter == 0 {
		opts.CompressAfter = 1024
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cache, err := lru.New[string, []spi.ChildInfo](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating child-info cache: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating decompressor: %w", err)
	}
	s := &Store{
		db:            db,
		resolver:      resolver,
		cache:         cache,
		enc:           enc,
		dec:           dec,
		log:           opts.Logger,
		compressAfter: opts.CompressAfter,
	}
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureRoot() error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := nodeKey("/")
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		data, err := json.Marshal(nodeRecord{})
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func nodeKey(path string) []byte     { return []byte("node:" + path) }
func childrenKey(path string) []byte { return []byte("children:" + path) }
func uidKey(uid string) []byte       { return []byte("uid:" + uid) }
func propKey(path, prop string) []byte {
	return []byte("prop:" + path + "\x00" + prop)
}

func joinPath(base, seg string) string {
	if base == "/" {
		return "/" + seg
	}
	return base + "/" + seg
}

// pathFor resolves a NodeID to its stored path string.
func (s *Store) pathFor(id spi.NodeID) (string, error) {
	base := "/"
	if id.UniqueID != "" {
		var found bool
		err := s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(uidKey(id.UniqueID))
			if err == badger.ErrKeyNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				base = string(val)
				found = true
				return nil
			})
		})
		if err != nil {
			return "", cerr.Transport(err, "resolving unique id %s", id.UniqueID)
		}
		if !found {
			return "", cerr.Wrap(cerr.KindNotFound, ErrNodeNotFound, "unique id %s", id.UniqueID)
		}
		if !id.HasPath() {
			return base, nil
		}
		rel, err := s.resolver.FormatPath(id.Path)
		if err != nil {
			return "", err
		}
		return joinPath(base, rel), nil
	}
	if !id.HasPath() || !id.Path.IsAbsolute() {
		return "", cerr.Invalid("node id carries neither unique id nor absolute path")
	}
	return s.resolver.FormatPath(id.Path)
}

func (s *Store) readNodeRecord(path string) (*nodeRecord, error) {
	var rec nodeRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(path))
		if err == badger.ErrKeyNotFound {
			return ErrNodeNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err == ErrNodeNotFound {
		return nil, cerr.Wrap(cerr.KindNotFound, err, "node %s", path)
	}
	if err != nil {
		return nil, cerr.Transport(err, "reading node %s", path)
	}
	return &rec, nil
}

func (s *Store) readChildRecords(path string) ([]childRecord, error) {
	var recs []childRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(childrenKey(path))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &recs)
		})
	})
	if err != nil {
		return nil, cerr.Transport(err, "reading children of %s", path)
	}
	return recs, nil
}

// ChildInfos implements spi.Provider.
func (s *Store) ChildInfos(ctx context.Context, id spi.NodeID) ([]spi.ChildInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, cerr.Transport(err, "child infos")
	}
	path, err := s.pathFor(id)
	if err != nil {
		return nil, err
	}
	if infos, ok := s.cache.Get(path); ok {
		return infos, nil
	}
	if _, err := s.readNodeRecord(path); err != nil {
		return nil, err
	}
	recs, err := s.readChildRecords(path)
	if err != nil {
		return nil, err
	}
	infos := make([]spi.ChildInfo, 0, len(recs))
	seen := make(map[string]int)
	for _, cr := range recs {
		qn, err := s.resolver.ParseName(cr.Name)
		if err != nil {
			return nil, cerr.Wrap(cerr.KindInternal, err, "stored child name %q", cr.Name)
		}
		seen[cr.Name]++
		infos = append(infos, spi.ChildInfo{Name: qn, UniqueID: cr.UniqueID, Index: seen[cr.Name]})
	}
	s.cache.Add(path, infos)
	return infos, nil
}

func (s *Store) nodeDataAt(path string) (*spi.NodeData, error) {
	rec, err := s.readNodeRecord(path)
	if err != nil {
		return nil, err
	}
	data, err := s.toNodeData(path, rec)
	if err != nil {
		return nil, err
	}
	names, err := s.propNamesAt(path)
	if err != nil {
		return nil, err
	}
	data.PropertyNames = names
	return data, nil
}

// propNamesAt lists the stored property names of a node. The result is
// never nil: an empty list is authoritative.
func (s *Store) propNamesAt(path string) ([]name.QName, error) {
	prefix := []byte("prop:" + path + "\x00")
	names := []name.QName{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			propName := string(it.Item().Key()[len(prefix):])
			qn, err := s.resolver.ParseName(propName)
			if err != nil {
				return cerr.Wrap(cerr.KindInternal, err, "stored property name %q", propName)
			}
			names = append(names, qn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (s *Store) toNodeData(path string, rec *nodeRecord) (*spi.NodeData, error) {
	data := &spi.NodeData{UniqueID: rec.UniqueID, Index: name.IndexDefault}
	if path == "/" {
		data.Name = name.Root
	} else {
		p, err := s.resolver.ParsePath(path)
		if err != nil {
			return nil, cerr.Wrap(cerr.KindInternal, err, "stored path %q", path)
		}
		elem := p.NameElement()
		data.Name = elem.Name
		data.Index = elem.NormalizedIndex()
	}
	st := &state.NodeState{Definition: state.NodeDefinition{AllowsSameNameSiblings: rec.SNS}}
	if rec.PrimaryType != "" {
		pt, err := s.resolver.ParseName(rec.PrimaryType)
		if err != nil {
			return nil, cerr.Wrap(cerr.KindInternal, err, "stored primary type %q", rec.PrimaryType)
		}
		st.PrimaryType = pt
	}
	for _, m := range rec.Mixins {
		mn, err := s.resolver.ParseName(m)
		if err != nil {
			return nil, cerr.Wrap(cerr.KindInternal, err, "stored mixin %q", m)
		}
		st.Mixins = append(st.Mixins, mn)
	}
	data.State = st
	return data, nil
}

// NodeData implements spi.Provider.
func (s *Store) NodeData(ctx context.Context, id spi.NodeID) (*spi.NodeData, error) {
	if err := ctx.Err(); err != nil {
		return nil, cerr.Transport(err, "node data")
	}
	path, err := s.pathFor(id)
	if err != nil {
		return nil, err
	}
	return s.nodeDataAt(path)
}

// PropertyData implements spi.Provider.
func (s *Store) PropertyData(ctx context.Context, id spi.PropertyID) (*spi.PropertyData, error) {
	if err := ctx.Err(); err != nil {
		return nil, cerr.Transport(err, "property data")
	}
	path, err := s.pathFor(id.Parent)
	if err != nil {
		return nil, err
	}
	propName, err := s.resolver.FormatName(id.Name)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(propKey(path, propName))
		if err == badger.ErrKeyNotFound {
			return ErrPropertyNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw = append([]byte(nil), val...)
			return nil
		})
	})
	if err == ErrPropertyNotFound {
		return nil, cerr.Wrap(cerr.KindNotFound, err, "property %s/%s", path, propName)
	}
	if err != nil {
		return nil, cerr.Transport(err, "reading property %s/%s", path, propName)
	}
	rec, err := s.decodeProp(raw)
	if err != nil {
		return nil, err
	}
	return &spi.PropertyData{
		Name:  id.Name,
		State: &state.PropertyState{Values: rec.Values, Multiple: rec.Multiple},
	}, nil
}

// DeepNodeData implements spi.Provider: it resolves rel below the
// anchor and returns one record per element, shallowest first.
func (s *Store) DeepNodeData(ctx context.Context, anchor spi.NodeID, rel name.Path) ([]spi.NodeData, error) {
	if err := ctx.Err(); err != nil {
		return nil, cerr.Transport(err, "deep node data")
	}
	base, err := s.pathFor(anchor)
	if err != nil {
		return nil, err
	}
	out := make([]spi.NodeData, 0, rel.Len())
	path := base
	for i := 0; i < rel.Len(); i++ {
		seg, err := s.resolver.FormatPath(name.NewPath(rel.Element(i)))
		if err != nil {
			return nil, err
		}
		path = joinPath(path, seg)
		data, err := s.nodeDataAt(path)
		if err != nil {
			return nil, err
		}
		out = append(out, *data)
	}
	return out, nil
}

// encodeProp marshals a property record, compressing payloads above
// the configured threshold. The first byte flags compression.
func (s *Store) encodeProp(rec propRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if len(data) <= s.compressAfter {
		return append([]byte{0}, data...), nil
	}
	return append([]byte{1}, s.enc.EncodeAll(data, nil)...), nil
}

func (s *Store) decodeProp(raw []byte) (*propRecord, error) {
	if len(raw) == 0 {
		return nil, cerr.Internal("empty property record")
	}
	data := raw[1:]
	if raw[0] == 1 {
		var err error
		data, err = s.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, cerr.Internal("corrupt property record: %v", err)
		}
	}
	var rec propRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, cerr.Internal("corrupt property record: %v", err)
	}
	return &rec, nil
}
