package hierarchy

import (
	"context"

	cerr "canopy/internal/errors"
	"canopy/internal/name"
	"canopy/internal/spi"
	"canopy/internal/state"
)

// PropertyEntry is a leaf of the hierarchy shadowing a single property
// of the workspace. current is the transient payload, saved the last
// state observed on the workspace.
type PropertyEntry struct {
	entryBase

	current *state.PropertyState
	saved   *state.PropertyState
}

func newPropertyEntry(parent *NodeEntry, n name.QName, status state.Status, factory *EntryFactory) *PropertyEntry {
	p := &PropertyEntry{}
	p.entryBase = entryBase{
		factory: factory,
		owner:   p,
		parent:  parent,
		name:    n,
		status:  status,
	}
	return p
}

// IsNode returns false.
func (p *PropertyEntry) IsNode() bool {
	return false
}

// Path builds the absolute path of this property.
func (p *PropertyEntry) Path(workspace bool) (name.Path, error) {
	parentPath, err := p.Parent().Path(workspace)
	if err != nil {
		return name.Path{}, err
	}
	return parentPath.Append(name.NewElement(p.Name())), nil
}

// ID returns the transient property identity.
func (p *PropertyEntry) ID() spi.PropertyID {
	return p.factory.ids.PropertyIDFor(p.Parent().ID(), p.Name())
}

// WorkspaceID returns the identity the server currently knows.
func (p *PropertyEntry) WorkspaceID() spi.PropertyID {
	return p.factory.ids.PropertyIDFor(p.Parent().WorkspaceID(), p.Name())
}

// CurrentState returns the transient payload without resolving; nil
// when the payload was never fetched or built.
func (p *PropertyEntry) CurrentState() *state.PropertyState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// IsResolved reports whether the payload has been fetched or built.
func (p *PropertyEntry) IsResolved() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current != nil
}

// PropertyState returns the transient payload, resolving it from the
// workspace on first access.
func (p *PropertyEntry) PropertyState(ctx context.Context) (*state.PropertyState, error) {
	if st := p.Status(); state.IsTerminal(st) {
		return nil, cerr.NotFound("property %s no longer exists", p.Name())
	}
	p.mu.RLock()
	current := p.current
	p.mu.RUnlock()
	if current != nil {
		return current, nil
	}
	return p.resolve(ctx)
}

func (p *PropertyEntry) resolve(ctx context.Context) (*state.PropertyState, error) {
	data, err := p.factory.provider.PropertyData(ctx, p.WorkspaceID())
	if err != nil {
		if cerr.IsNotFound(err) {
			p.Remove()
			return nil, cerr.Wrap(cerr.KindNotFound, err, "resolving property %s", p.Name())
		}
		return nil, err
	}
	p.mu.Lock()
	if p.current == nil {
		p.saved = data.State
		p.current = data.State.Clone()
	}
	current := p.current
	p.mu.Unlock()
	if p.Status() == state.Invalidated {
		p.setStatus(state.Existing)
	}
	return current, nil
}

// SetValues installs transient values and marks the entry modified.
func (p *PropertyEntry) SetValues(values []string, multiple bool) error {
	switch st := p.Status(); {
	case state.IsTerminal(st) || st == state.ExistingRemoved:
		return cerr.Invalid("cannot modify property %s in status %s", p.Name(), st)
	case state.IsStale(st):
		return staleError(p)
	}

	p.mu.Lock()
	if p.current == nil {
		p.current = &state.PropertyState{}
	}
	p.current.Values = append([]string(nil), values...)
	p.current.Multiple = multiple
	p.mu.Unlock()

	switch p.Status() {
	case state.Existing, state.Invalidated:
		p.setStatus(state.ExistingModified)
	}

	if isUUIDOrMixin(p.Name()) {
		p.Parent().notifyUUIDOrMixinModified(p)
	}
	return nil
}

// Invalidate drops the resolved payload; the next access re-fetches.
func (p *PropertyEntry) Invalidate(recursive bool) {
	if p.Status() != state.Existing {
		return
	}
	p.mu.Lock()
	p.current = nil
	p.saved = nil
	p.mu.Unlock()
	p.setStatus(state.Invalidated)
}

// Reload re-fetches the payload and merges it with the transient
// state. A conflicting transient modification turns STALE_MODIFIED.
func (p *PropertyEntry) Reload(ctx context.Context, keepChanges bool) error {
	switch st := p.Status(); {
	case st == state.New || state.IsTerminal(st):
		return nil
	}
	data, err := p.factory.provider.PropertyData(ctx, p.WorkspaceID())
	if err != nil {
		if cerr.IsNotFound(err) {
			p.Remove()
			return nil
		}
		return err
	}
	p.mu.Lock()
	p.saved = data.State
	st := p.status
	if st == state.ExistingModified && !keepChanges {
		p.mu.Unlock()
		p.setStatus(state.StaleModified)
		return nil
	}
	if st == state.Existing || st == state.Invalidated {
		p.current = data.State.Clone()
	}
	p.mu.Unlock()
	if p.Status() == state.Invalidated {
		p.setStatus(state.Existing)
	}
	return nil
}

// Remove reflects the destruction of this property: the status turns
// terminal and the entry is detached from its parent. A transiently
// touched property stays attached as STALE_DESTROYED so the conflict
// surfaces on the next save.
func (p *PropertyEntry) Remove() {
	to := p.markRemoved()
	if to != state.StaleDestroyed {
		p.Parent().detachProperty(p)
	}
	if isUUIDOrMixin(p.Name()) {
		p.Parent().notifyUUIDOrMixinRemoved(p.Name())
	}
}

// TransientRemove marks the property transiently removed; a NEW
// property is dropped outright.
func (p *PropertyEntry) TransientRemove() error {
	switch st := p.Status(); {
	case st == state.New:
		p.Remove()
		return nil
	case state.IsTerminal(st):
		return nil
	case state.IsStale(st):
		return staleError(p)
	}
	p.setStatus(state.ExistingRemoved)
	return nil
}

// Revert rolls the property back to the last workspace observation.
func (p *PropertyEntry) Revert(ctx context.Context) error {
	switch p.Status() {
	case state.New:
		p.Remove()
	case state.ExistingRemoved:
		p.Parent().revertPropertyRemoval(p)
		p.mu.Lock()
		p.current = p.saved.Clone()
		p.mu.Unlock()
		p.setStatus(state.Existing)
	case state.ExistingModified, state.StaleModified:
		p.mu.Lock()
		p.current = p.saved.Clone()
		p.mu.Unlock()
		p.setStatus(state.Existing)
		if isUUIDOrMixin(p.Name()) {
			p.Parent().notifyUUIDOrMixinModified(p)
		}
	}
	return nil
}

// CollectChanges appends the property to the log when it is dirty.
func (p *PropertyEntry) CollectChanges(log *state.ChangeLog, throwOnStale bool) error {
	if throwOnStale && state.IsStale(p.Status()) {
		return staleError(p)
	}
	log.Add(p)
	return nil
}

// Persisted settles the status after a successful save.
func (p *PropertyEntry) Persisted() {
	switch p.Status() {
	case state.New, state.ExistingModified:
		p.mu.Lock()
		p.saved = p.current.Clone()
		p.mu.Unlock()
		p.setStatus(state.Existing)
	case state.ExistingRemoved:
		p.Parent().detachProperty(p)
		p.setStatus(state.Removed)
	}
}

func isUUIDOrMixin(n name.QName) bool {
	return n == name.UUID || n == name.MixinTypes
}
