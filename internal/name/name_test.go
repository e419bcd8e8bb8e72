package name

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerr "canopy/internal/errors"
)

func TestParseName(t *testing.T) {
	r := NewResolver()

	t.Run("Plain", func(t *testing.T) {
		n, err := r.ParseName("title")
		require.NoError(t, err)
		assert.Equal(t, QName{Local: "title"}, n)
	})

	t.Run("Prefixed", func(t *testing.T) {
		n, err := r.ParseName("jcr:uuid")
		require.NoError(t, err)
		assert.Equal(t, UUID, n)
	})

	t.Run("UndeclaredPrefix", func(t *testing.T) {
		_, err := r.ParseName("nt:file")
		assert.True(t, cerr.IsInvalid(err))
	})

	t.Run("RegisteredPrefix", func(t *testing.T) {
		r.Register("nt", "http://www.jcp.org/jcr/nt/1.0")
		n, err := r.ParseName("nt:file")
		require.NoError(t, err)
		assert.Equal(t, "http://www.jcp.org/jcr/nt/1.0", n.Space)
		assert.Equal(t, "file", n.Local)
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, bad := range []string{"", "a/b", "jcr:", "a[1]"} {
			_, err := r.ParseName(bad)
			assert.True(t, cerr.IsInvalid(err), "expected invalid for %q", bad)
		}
	})
}

func TestParsePath(t *testing.T) {
	r := NewResolver()

	t.Run("Root", func(t *testing.T) {
		p, err := r.ParsePath("/")
		require.NoError(t, err)
		assert.True(t, p.IsRoot())
		assert.True(t, p.IsAbsolute())
	})

	t.Run("Absolute", func(t *testing.T) {
		p, err := r.ParsePath("/a/b[2]/jcr:uuid")
		require.NoError(t, err)
		require.Equal(t, 4, p.Len())
		assert.True(t, p.Element(0).DenotesRoot())
		assert.Equal(t, "a", p.Element(1).Name.Local)
		assert.Equal(t, 2, p.Element(2).Index)
		assert.Equal(t, UUID, p.Element(3).Name)
	})

	t.Run("Relative", func(t *testing.T) {
		p, err := r.ParsePath("b/c")
		require.NoError(t, err)
		assert.False(t, p.IsAbsolute())
		assert.Equal(t, 2, p.Len())
	})

	t.Run("NormalizedIndex", func(t *testing.T) {
		p, err := r.ParsePath("/a")
		require.NoError(t, err)
		elem := p.NameElement()
		assert.Equal(t, IndexUndefined, elem.Index)
		assert.Equal(t, IndexDefault, elem.NormalizedIndex())
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, bad := range []string{"", "/a//b", "/a[0]", "/a[x]", "/a[2"} {
			_, err := r.ParsePath(bad)
			assert.True(t, cerr.IsInvalid(err), "expected invalid for %q", bad)
		}
	})
}

func TestFormatPath(t *testing.T) {
	r := NewResolver()

	for _, s := range []string{"/", "/a", "/a/b[2]", "/a/jcr:uuid", "b/c[3]"} {
		p, err := r.ParsePath(s)
		require.NoError(t, err)
		out, err := r.FormatPath(p)
		require.NoError(t, err)
		assert.Equal(t, s, out)
	}
}

func TestAncestor(t *testing.T) {
	r := NewResolver()
	p, err := r.ParsePath("/a/b/c")
	require.NoError(t, err)

	parent, err := p.Ancestor(1)
	require.NoError(t, err)
	out, err := r.FormatPath(parent)
	require.NoError(t, err)
	assert.Equal(t, "/a/b", out)

	_, err = p.Ancestor(4)
	assert.Error(t, err)
}
