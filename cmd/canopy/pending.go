// cmd/canopy/pending.go
package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"canopy/internal/hierarchy"
	"canopy/internal/name"
	"canopy/internal/state"
)

// Staged edits survive between invocations the way the teacher keeps
// gated changes: as records in the workspace database. Every command
// replays the journal into the engine as transient changes on startup;
// 'save' persists them through the engine's change log and 'revert'
// rolls the whole tree back and drops the journal.

const pendingKey = "cli:pending"

type pendingOp struct {
	Op       string   `json:"op"` // add, set, rm, mv
	Path     string   `json:"path"`
	Dest     string   `json:"dest,omitempty"`
	Prop     string   `json:"prop,omitempty"`
	Values   []string `json:"values,omitempty"`
	Type     string   `json:"type,omitempty"`
	UniqueID string   `json:"unique_id,omitempty"`
	SNS      bool     `json:"sns,omitempty"`
	Multiple bool     `json:"multiple,omitempty"`
}

func (s *session) loadPending() ([]pendingOp, error) {
	var ops []pendingOp
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(pendingKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ops)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading staged changes: %w", err)
	}
	return ops, nil
}

func (s *session) storePending(ops []pendingOp) error {
	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encoding staged changes: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(pendingKey), data)
	}); err != nil {
		return fmt.Errorf("writing staged changes: %w", err)
	}
	return nil
}

func (s *session) clearPending() error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(pendingKey))
	}); err != nil {
		return fmt.Errorf("clearing staged changes: %w", err)
	}
	return nil
}

// replayPending re-applies the journal as transient edits. A staged
// edit that no longer applies (the workspace moved underneath it) is
// skipped with a warning; 'canopy revert' clears the journal.
func (s *session) replayPending(ctx context.Context) error {
	ops, err := s.loadPending()
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := s.applyOp(ctx, op); err != nil {
			logger.Warn("staged edit no longer applies",
				zap.String("op", op.Op), zap.String("path", op.Path), zap.Error(err))
		}
	}
	return nil
}

// stage applies the edit transiently and appends it to the journal.
func (s *session) stage(ctx context.Context, op pendingOp) error {
	if err := s.applyOp(ctx, op); err != nil {
		return err
	}
	ops, err := s.loadPending()
	if err != nil {
		return err
	}
	return s.storePending(append(ops, op))
}

func (s *session) applyOp(ctx context.Context, op pendingOp) error {
	resolver := s.factory.Resolver()
	switch op.Op {
	case "add":
		p, err := resolver.ParsePath(op.Path)
		if err != nil {
			return err
		}
		parentPath, err := p.Ancestor(1)
		if err != nil {
			return err
		}
		parentEntry, err := s.factory.Root().DeepEntry(ctx, parentPath)
		if err != nil {
			return fmt.Errorf("resolving parent: %w", err)
		}
		parent, ok := parentEntry.(*hierarchy.NodeEntry)
		if !ok {
			return fmt.Errorf("parent of %s is a property", op.Path)
		}
		primaryType := name.QName{}
		if op.Type != "" {
			if primaryType, err = resolver.ParseName(op.Type); err != nil {
				return err
			}
		}
		_, err = parent.AddNewNodeEntry(ctx, p.NameElement().Name, op.UniqueID,
			primaryType, state.NodeDefinition{AllowsSameNameSiblings: op.SNS})
		return err

	case "set":
		node, err := s.deepNode(ctx, op.Path)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", op.Path, err)
		}
		propName, err := resolver.ParseName(op.Prop)
		if err != nil {
			return err
		}
		prop := node.GetPropertyEntry(propName)
		if prop == nil {
			if prop, err = node.AddNewPropertyEntry(propName, state.PropertyDefinition{Multiple: op.Multiple}); err != nil {
				return fmt.Errorf("adding property: %w", err)
			}
		}
		return prop.SetValues(op.Values, op.Multiple)

	case "rm":
		p, err := resolver.ParsePath(op.Path)
		if err != nil {
			return err
		}
		entry, err := s.factory.Root().DeepEntry(ctx, p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", op.Path, err)
		}
		return entry.TransientRemove()

	case "mv":
		node, err := s.deepNode(ctx, op.Path)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", op.Path, err)
		}
		dest, err := resolver.ParsePath(op.Dest)
		if err != nil {
			return err
		}
		destParentPath, err := dest.Ancestor(1)
		if err != nil {
			return err
		}
		destParentEntry, err := s.factory.Root().DeepEntry(ctx, destParentPath)
		if err != nil {
			return fmt.Errorf("resolving destination parent: %w", err)
		}
		destParent, ok := destParentEntry.(*hierarchy.NodeEntry)
		if !ok {
			return fmt.Errorf("destination parent %s is a property", op.Dest)
		}
		return node.Move(ctx, dest.NameElement().Name, destParent, true)
	}
	return fmt.Errorf("unknown staged operation %q", op.Op)
}
