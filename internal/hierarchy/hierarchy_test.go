package hierarchy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cerr "canopy/internal/errors"
	"canopy/internal/name"
	"canopy/internal/spi"
	"canopy/internal/state"
)

// stubProvider is an in-memory spi.Provider keyed by workspace path
// strings, with per-method call counters.
type stubProvider struct {
	mu       sync.Mutex
	resolver *name.Resolver
	nodes    map[string]*spi.NodeData
	children map[string][]spi.ChildInfo
	props    map[string]*spi.PropertyData
	uids     map[string]string
	calls    map[string]int
}

func newStubProvider(resolver *name.Resolver) *stubProvider {
	p := &stubProvider{
		resolver: resolver,
		nodes:    make(map[string]*spi.NodeData),
		children: make(map[string][]spi.ChildInfo),
		props:    make(map[string]*spi.PropertyData),
		uids:     make(map[string]string),
		calls:    make(map[string]int),
	}
	p.nodes["/"] = &spi.NodeData{Name: name.Root, Index: name.IndexDefault, State: &state.NodeState{}}
	return p
}

func (p *stubProvider) count(method string) {
	p.mu.Lock()
	p.calls[method]++
	p.mu.Unlock()
}

func (p *stubProvider) callCount(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// addNode registers a node at the given path and appends it to the
// parent's child list.
func (p *stubProvider) addNode(t *testing.T, pathStr, uniqueID string, sns bool) {
	t.Helper()
	path, err := p.resolver.ParsePath(pathStr)
	require.NoError(t, err)
	elem := path.NameElement()
	data := &spi.NodeData{
		Name:     elem.Name,
		Index:    elem.NormalizedIndex(),
		UniqueID: uniqueID,
		State:    &state.NodeState{Definition: state.NodeDefinition{AllowsSameNameSiblings: sns}},
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[pathStr] = data
	if uniqueID != "" {
		p.uids[uniqueID] = pathStr
	}
	parentStr := parentOf(pathStr)
	p.children[parentStr] = append(p.children[parentStr], spi.ChildInfo{
		Name:     elem.Name,
		UniqueID: uniqueID,
		Index:    elem.NormalizedIndex(),
	})
}

// setUID registers a unique-id mapping the way the workspace would
// after a jcr:uuid write.
func (p *stubProvider) setUID(uid, pathStr string) {
	p.mu.Lock()
	p.uids[uid] = pathStr
	p.mu.Unlock()
}

func (p *stubProvider) addProp(t *testing.T, nodePath, propName string, values ...string) {
	t.Helper()
	qn, err := p.resolver.ParseName(propName)
	require.NoError(t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	known := p.props[nodePath+"|"+propName] != nil
	p.props[nodePath+"|"+propName] = &spi.PropertyData{
		Name:  qn,
		State: &state.PropertyState{Values: values},
	}
	if nd, ok := p.nodes[nodePath]; ok && !known {
		nd.PropertyNames = append(nd.PropertyNames, qn)
	}
}

func parentOf(pathStr string) string {
	i := strings.LastIndex(pathStr, "/")
	if i <= 0 {
		return "/"
	}
	return pathStr[:i]
}

func (p *stubProvider) pathOf(id spi.NodeID) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	base := "/"
	if id.UniqueID != "" {
		var ok bool
		base, ok = p.uids[id.UniqueID]
		if !ok {
			return "", cerr.NotFound("unique id %s", id.UniqueID)
		}
		if id.Path.Len() == 0 {
			return base, nil
		}
		rel, err := p.resolver.FormatPath(id.Path)
		if err != nil {
			return "", err
		}
		if base == "/" {
			return "/" + rel, nil
		}
		return base + "/" + rel, nil
	}
	return p.resolver.FormatPath(id.Path)
}

func (p *stubProvider) ChildInfos(_ context.Context, id spi.NodeID) ([]spi.ChildInfo, error) {
	p.count("childInfos")
	pathStr, err := p.pathOf(id)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.nodes[pathStr]; !ok {
		return nil, cerr.NotFound("node %s", pathStr)
	}
	return append([]spi.ChildInfo(nil), p.children[pathStr]...), nil
}

func (p *stubProvider) NodeData(_ context.Context, id spi.NodeID) (*spi.NodeData, error) {
	p.count("nodeData")
	pathStr, err := p.pathOf(id)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.nodes[pathStr]
	if !ok {
		return nil, cerr.NotFound("node %s", pathStr)
	}
	return data, nil
}

func (p *stubProvider) PropertyData(_ context.Context, id spi.PropertyID) (*spi.PropertyData, error) {
	p.count("propertyData")
	pathStr, err := p.pathOf(id.Parent)
	if err != nil {
		return nil, err
	}
	propName, err := p.resolver.FormatName(id.Name)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.props[pathStr+"|"+propName]
	if !ok {
		return nil, cerr.NotFound("property %s on %s", propName, pathStr)
	}
	return data, nil
}

func (p *stubProvider) DeepNodeData(_ context.Context, anchor spi.NodeID, rel name.Path) ([]spi.NodeData, error) {
	p.count("deepNodeData")
	pathStr, err := p.pathOf(anchor)
	if err != nil {
		return nil, err
	}
	out := make([]spi.NodeData, 0, rel.Len())
	for i := 0; i < rel.Len(); i++ {
		seg, err := p.resolver.FormatPath(name.NewPath(rel.Element(i)))
		if err != nil {
			return nil, err
		}
		if pathStr == "/" {
			pathStr = "/" + seg
		} else {
			pathStr = pathStr + "/" + seg
		}
		p.mu.Lock()
		data, ok := p.nodes[pathStr]
		p.mu.Unlock()
		if !ok {
			return nil, cerr.NotFound("node %s", pathStr)
		}
		out = append(out, *data)
	}
	return out, nil
}

//----------------------------------------------------------- helpers ---

type testSession struct {
	provider *stubProvider
	resolver *name.Resolver
	factory  *EntryFactory
	root     *NodeEntry
}

func newTestSession(t *testing.T) *testSession {
	t.Helper()
	resolver := name.NewResolver()
	provider := newStubProvider(resolver)
	factory := NewEntryFactory(provider, resolver, zap.NewNop())
	return &testSession{
		provider: provider,
		resolver: resolver,
		factory:  factory,
		root:     factory.Root(),
	}
}

func (s *testSession) name(t *testing.T, str string) name.QName {
	t.Helper()
	n, err := s.resolver.ParseName(str)
	require.NoError(t, err)
	return n
}

func (s *testSession) path(t *testing.T, str string) name.Path {
	t.Helper()
	p, err := s.resolver.ParsePath(str)
	require.NoError(t, err)
	return p
}

func (s *testSession) mustNode(t *testing.T, parent *NodeEntry, nm string, index int) *NodeEntry {
	t.Helper()
	e, err := parent.GetNodeEntry(context.Background(), s.name(t, nm), index)
	require.NoError(t, err)
	require.NotNil(t, e, "no child %s[%d]", nm, index)
	return e
}

func (s *testSession) formatPath(t *testing.T, e HierarchyEntry, workspace bool) string {
	t.Helper()
	p, err := e.Path(workspace)
	require.NoError(t, err)
	str, err := s.resolver.FormatPath(p)
	require.NoError(t, err)
	return str
}

// treeShape renders the in-memory subtree as "name:status" lines
// for shape comparisons. Children are normalized to name order at each
// level (same-name siblings keep their relative order): revert
// restores the (name, index) identity of every entry, not the absolute
// interleaving of differently named siblings.
func treeShape(e *NodeEntry, depth int) []string {
	children := e.LoadedNodeEntries()
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].Name().Local < children[j].Name().Local
	})
	var out []string
	for _, child := range children {
		line := strings.Repeat(" ", depth) + child.Name().Local + ":" + child.Status().String()
		out = append(out, line)
		out = append(out, treeShape(child, depth+1)...)
	}
	return out
}
