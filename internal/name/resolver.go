package name

import (
	"strconv"
	"strings"
	"sync"

	cerr "canopy/internal/errors"
)

// Resolver maps namespace prefixes to namespace URIs and converts
// between string form ("jcr:uuid", "/a/b[2]") and QName / Path.
type Resolver struct {
	mu       sync.RWMutex
	prefixes map[string]string // prefix -> uri
	uris     map[string]string // uri -> prefix
}

// NewResolver returns a resolver seeded with the default and jcr
// namespaces.
func NewResolver() *Resolver {
	r := &Resolver{
		prefixes: make(map[string]string),
		uris:     make(map[string]string),
	}
	r.Register("", NamespaceEmpty)
	r.Register("jcr", NamespaceJCR)
	return r
}

// Register declares a prefix for a namespace URI. Re-registering a
// prefix rebinds it.
func (r *Resolver) Register(prefix, uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[prefix] = uri
	r.uris[uri] = prefix
}

// ParseName parses "local" or "prefix:local".
func (r *Resolver) ParseName(s string) (QName, error) {
	if s == "" {
		return QName{}, cerr.Invalid("empty name")
	}
	prefix := ""
	local := s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		prefix, local = s[:i], s[i+1:]
	}
	if local == "" || strings.ContainsAny(local, "/:[]") {
		return QName{}, cerr.Invalid("malformed name %q", s)
	}
	r.mu.RLock()
	uri, ok := r.prefixes[prefix]
	r.mu.RUnlock()
	if !ok {
		return QName{}, cerr.Invalid("undeclared prefix %q in name %q", prefix, s)
	}
	return QName{Space: uri, Local: local}, nil
}

// FormatName renders a QName using its declared prefix.
func (r *Resolver) FormatName(n QName) (string, error) {
	if n.IsRoot() {
		return "/", nil
	}
	r.mu.RLock()
	prefix, ok := r.uris[n.Space]
	r.mu.RUnlock()
	if !ok {
		return "", cerr.Invalid("no prefix declared for namespace %q", n.Space)
	}
	if prefix == "" {
		return n.Local, nil
	}
	return prefix + ":" + n.Local, nil
}

// ParsePath parses an absolute ("/a/b[2]") or relative ("b/c") path.
// A bare "/" denotes the root.
func (r *Resolver) ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, cerr.Invalid("empty path")
	}
	var elements []Element
	rest := s
	if strings.HasPrefix(s, "/") {
		elements = append(elements, NewElement(Root))
		rest = strings.TrimPrefix(s, "/")
	}
	if rest == "" {
		if len(elements) == 0 {
			return Path{}, cerr.Invalid("malformed path %q", s)
		}
		return Path{elements: elements}, nil
	}
	for _, seg := range strings.Split(rest, "/") {
		elem, err := r.parseElement(seg, s)
		if err != nil {
			return Path{}, err
		}
		elements = append(elements, elem)
	}
	return Path{elements: elements}, nil
}

func (r *Resolver) parseElement(seg, full string) (Element, error) {
	if seg == "" {
		return Element{}, cerr.Invalid("empty segment in path %q", full)
	}
	index := IndexUndefined
	nameStr := seg
	if i := strings.IndexByte(seg, '['); i >= 0 {
		if !strings.HasSuffix(seg, "]") {
			return Element{}, cerr.Invalid("malformed index in path %q", full)
		}
		idx, err := strconv.Atoi(seg[i+1 : len(seg)-1])
		if err != nil || idx < IndexDefault {
			return Element{}, cerr.Invalid("malformed index in path %q", full)
		}
		index = idx
		nameStr = seg[:i]
	}
	n, err := r.ParseName(nameStr)
	if err != nil {
		return Element{}, err
	}
	return NewIndexedElement(n, index), nil
}

// FormatPath renders a path in string form.
func (r *Resolver) FormatPath(p Path) (string, error) {
	if p.Len() == 0 {
		return "", cerr.Invalid("empty path")
	}
	var b strings.Builder
	for i := 0; i < p.Len(); i++ {
		e := p.Element(i)
		if e.DenotesRoot() {
			b.WriteString("/")
			continue
		}
		if i > 0 && !p.Element(i-1).DenotesRoot() {
			b.WriteString("/")
		}
		s, err := r.FormatName(e.Name)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
		if e.Index > IndexDefault {
			b.WriteString("[" + strconv.Itoa(e.Index) + "]")
		}
	}
	return b.String(), nil
}
