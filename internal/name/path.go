package name

import (
	"strconv"
	"strings"

	cerr "canopy/internal/errors"
)

// Element is a single path segment: a name plus an optional 1-based
// same-name-sibling index.
type Element struct {
	Name  QName
	Index int
}

// NewElement returns an element without an explicit index.
func NewElement(n QName) Element {
	return Element{Name: n, Index: IndexUndefined}
}

// NewIndexedElement returns an element carrying an explicit index.
func NewIndexedElement(n QName, index int) Element {
	return Element{Name: n, Index: index}
}

// DenotesRoot reports whether the element is the root segment.
func (e Element) DenotesRoot() bool {
	return e.Name.IsRoot()
}

// NormalizedIndex maps IndexUndefined to IndexDefault.
func (e Element) NormalizedIndex() int {
	if e.Index == IndexUndefined {
		return IndexDefault
	}
	return e.Index
}

// Path is an ordered sequence of elements. An absolute path starts with
// the root element.
type Path struct {
	elements []Element
}

// RootPath returns the absolute path of the root entry.
func RootPath() Path {
	return Path{elements: []Element{NewElement(Root)}}
}

// NewPath builds a path from the given elements.
func NewPath(elements ...Element) Path {
	return Path{elements: elements}
}

// Len returns the number of elements.
func (p Path) Len() int {
	return len(p.elements)
}

// Element returns the i-th element.
func (p Path) Element(i int) Element {
	return p.elements[i]
}

// Elements returns a copy of the element slice.
func (p Path) Elements() []Element {
	out := make([]Element, len(p.elements))
	copy(out, p.elements)
	return out
}

// NameElement returns the last element.
func (p Path) NameElement() Element {
	return p.elements[len(p.elements)-1]
}

// IsAbsolute reports whether the path starts at the root.
func (p Path) IsAbsolute() bool {
	return len(p.elements) > 0 && p.elements[0].DenotesRoot()
}

// IsRoot reports whether the path denotes the root itself.
func (p Path) IsRoot() bool {
	return len(p.elements) == 1 && p.elements[0].DenotesRoot()
}

// Append returns a new path with e appended.
func (p Path) Append(e Element) Path {
	elements := make([]Element, 0, len(p.elements)+1)
	elements = append(elements, p.elements...)
	elements = append(elements, e)
	return Path{elements: elements}
}

// Ancestor returns the path with the last degree elements removed.
func (p Path) Ancestor(degree int) (Path, error) {
	if degree < 0 || degree >= len(p.elements) {
		return Path{}, cerr.Invalid("no ancestor of degree %d for path of length %d", degree, len(p.elements))
	}
	if degree == 0 {
		return p, nil
	}
	return Path{elements: p.Elements()[:len(p.elements)-degree]}, nil
}

// SubPath returns the suffix starting at element i.
func (p Path) SubPath(i int) Path {
	return Path{elements: p.Elements()[i:]}
}

// String returns an expanded-form representation for logging.
func (p Path) String() string {
	var b strings.Builder
	for i, e := range p.elements {
		if e.DenotesRoot() {
			b.WriteString("/")
			continue
		}
		if i > 0 && !p.elements[i-1].DenotesRoot() {
			b.WriteString("/")
		}
		b.WriteString(e.Name.String())
		if e.Index > IndexDefault {
			b.WriteString("[")
			b.WriteString(strconv.Itoa(e.Index))
			b.WriteString("]")
		}
	}
	return b.String()
}
