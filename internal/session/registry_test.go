package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	var seeded []string
	r := NewRegistry(testOptions(t), func(c *Context) { seeded = append(seeded, c.ID()) })

	c1, created := r.GetOrCreate("abc")
	require.True(t, created)
	c2, created := r.GetOrCreate("abc")
	assert.False(t, created)
	assert.Same(t, c1, c2)
	assert.Equal(t, []string{"abc"}, seeded)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry(testOptions(t), nil)
	c, _ := r.GetOrCreate("abc")

	assert.True(t, r.Remove("abc"))
	assert.False(t, r.Remove("abc"))
	assert.Equal(t, StateDestroyed, c.State())

	fresh, created := r.GetOrCreate("abc")
	assert.True(t, created)
	assert.NotSame(t, c, fresh)
}

func TestRegistry_EachOrdered(t *testing.T) {
	r := NewRegistry(testOptions(t), nil)
	for _, id := range []string{"c", "a", "b"} {
		r.GetOrCreate(id)
	}
	var ids []string
	r.Each(func(c *Context) { ids = append(ids, c.ID()) })
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	r.Close()
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SameIDSameContext(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := NewRegistry(Options{}, nil)
		ids := rapid.SliceOfN(rapid.SampledFrom([]string{"a", "b", "c", "d"}), 1, 30).Draw(rt, "ids")
		first := map[string]*Context{}
		for _, id := range ids {
			c, created := r.GetOrCreate(id)
			prev, seen := first[id]
			if seen == created {
				rt.Fatalf("id %s: created=%v but seen=%v", id, created, seen)
			}
			if seen && prev != c {
				rt.Fatalf("id %s resolved to a different Context", id)
			}
			first[id] = c
		}
		if r.Len() != len(first) {
			rt.Fatalf("Len = %d, want %d", r.Len(), len(first))
		}
	})
}
