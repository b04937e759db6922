package patch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTracker_MergeThenFlush(t *testing.T) {
	tr := NewTracker("actor-1", true)
	tr.MarkDirty(map[string]any{"x": 1})
	tr.MarkDirty(map[string]any{"x": 2, "y": 5})

	p, ok := tr.Flush()
	require.True(t, ok)
	assert.Equal(t, Patch{"id": "actor-1", "x": 2, "y": 5}, p)
	assert.Equal(t, "actor-1", p.ID())

	p, ok = tr.Flush()
	assert.False(t, ok)
	assert.Nil(t, p)
}

func TestTracker_FlushWithoutMutation(t *testing.T) {
	tr := NewTracker("a", true)
	_, ok := tr.Flush()
	assert.False(t, ok)
	assert.False(t, tr.Pending())
}

func TestTracker_NotObservedDropsMutations(t *testing.T) {
	tr := NewTracker("a", false)
	tr.MarkDirty(map[string]any{"x": 1})
	assert.False(t, tr.Pending())
	_, ok := tr.Flush()
	assert.False(t, ok)

	tr.SetObserved(true)
	tr.MarkDirty(map[string]any{"x": 2})
	p, ok := tr.Flush()
	require.True(t, ok)
	assert.Equal(t, 2, p["x"])
}

func TestTracker_UnobserveDiscardsPending(t *testing.T) {
	tr := NewTracker("a", true)
	tr.MarkDirty(map[string]any{"x": 1})
	tr.SetObserved(false)
	assert.False(t, tr.Observed())
	assert.False(t, tr.Pending())
}

func TestTracker_IDFieldCannotBeOverwritten(t *testing.T) {
	tr := NewTracker("a", true)
	tr.MarkDirty(map[string]any{"id": "b", "x": 1})
	p, ok := tr.Flush()
	require.True(t, ok)
	assert.Equal(t, "a", p.ID())
}

func TestTracker_EmptyDeltaIsNotAChange(t *testing.T) {
	tr := NewTracker("a", true)
	tr.MarkDirty(map[string]any{})
	tr.MarkDirty(nil)
	assert.False(t, tr.Pending())
}

func TestTracker_Reset(t *testing.T) {
	tr := NewTracker("a", true)
	tr.MarkDirty(map[string]any{"x": 1})
	tr.Reset()
	_, ok := tr.Flush()
	assert.False(t, ok)
}

func TestTracker_FlushedPatchIsDetached(t *testing.T) {
	tr := NewTracker("a", true)
	tr.MarkDirty(map[string]any{"x": 1})
	p, _ := tr.Flush()
	tr.MarkDirty(map[string]any{"y": 2})
	_, hasY := p["y"]
	assert.False(t, hasY)
}

func TestTracker_ConcurrentMarkDirtyLosesNothing(t *testing.T) {
	tr := NewTracker("a", true)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.MarkDirty(map[string]any{string(rune('a' + i%26)): i})
		}(i)
	}
	wg.Wait()
	p, ok := tr.Flush()
	require.True(t, ok)
	assert.Len(t, p, 27) // 26 letters + id
}

// Property-based tests

func TestPropertyFlushIsLastWriterWinsMerge(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tr := NewTracker("e", true)
		keys := rapid.SampledFrom([]string{"x", "y", "z", "name", "color"})
		deltas := rapid.SliceOfN(
			rapid.MapOfN(keys, rapid.IntRange(-100, 100), 1, 3),
			0, 20,
		).Draw(t, "deltas")

		want := map[string]any{}
		for _, d := range deltas {
			delta := make(map[string]any, len(d))
			for k, v := range d {
				delta[k] = v
				want[k] = v
			}
			tr.MarkDirty(delta)
		}

		p, ok := tr.Flush()
		if len(want) == 0 {
			if ok {
				t.Fatalf("expected empty flush, got %v", p)
			}
			return
		}
		if !ok {
			t.Fatalf("expected patch %v, got empty", want)
		}
		want[IDField] = "e"
		if len(p) != len(want) {
			t.Fatalf("patch %v, want %v", p, want)
		}
		for k, v := range want {
			if p[k] != v {
				t.Fatalf("field %s: got %v, want %v", k, p[k], v)
			}
		}
		if _, again := tr.Flush(); again {
			t.Fatal("patch delivered twice")
		}
	})
}

func TestTracker_RestoreKeepsNewerFields(t *testing.T) {
	tr := NewTracker("a", true)
	tr.MarkDirty(map[string]any{"x": 1, "y": 1})
	p, ok := tr.Flush()
	require.True(t, ok)

	tr.MarkDirty(map[string]any{"x": 2})
	tr.Restore(p)

	got, ok := tr.Flush()
	require.True(t, ok)
	assert.Equal(t, Patch{"id": "a", "x": 2, "y": 1}, got)
}

func TestTracker_RestoreWhenUnobserved(t *testing.T) {
	tr := NewTracker("a", true)
	tr.MarkDirty(map[string]any{"x": 1})
	p, _ := tr.Flush()
	tr.SetObserved(false)
	tr.Restore(p)
	assert.False(t, tr.Pending())
}
