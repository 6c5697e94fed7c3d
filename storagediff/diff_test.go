package storagediff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAndDelete(t *testing.T) {
	d := New()
	d.Set([]byte("a"), []byte{1})
	d.SetDeleted([]byte("b"))

	value, deleted, present := d.Get([]byte("a"))
	assert.True(t, present)
	assert.False(t, deleted)
	assert.Equal(t, []byte{1}, value)

	_, deleted, present = d.Get([]byte("b"))
	assert.True(t, present)
	assert.True(t, deleted)

	_, _, present = d.Get([]byte("c"))
	assert.False(t, present)
}

func TestStorageGetFallsBackToFinalized(t *testing.T) {
	d := New()
	d.Set([]byte("a"), []byte{1})
	d.SetDeleted([]byte("b"))

	value, found := d.StorageGet([]byte("a"), func() ([]byte, bool) { t.Fatal("must not consult finalized"); return nil, false })
	assert.True(t, found)
	assert.Equal(t, []byte{1}, value)

	_, found = d.StorageGet([]byte("b"), func() ([]byte, bool) { return []byte{9}, true })
	assert.False(t, found, "erased keys hide the finalized value")

	value, found = d.StorageGet([]byte("c"), func() ([]byte, bool) { return []byte{3}, true })
	assert.True(t, found)
	assert.Equal(t, []byte{3}, value)
}

func TestPrefixKeysOrdered(t *testing.T) {
	d := New()
	d.Set([]byte("p2"), []byte{1})  // new key
	d.SetDeleted([]byte("p3"))      // erased finalized key
	d.Set([]byte("q1"), []byte{1})  // other prefix

	keys := d.PrefixKeysOrdered([]byte("p"), [][]byte{[]byte("p1"), []byte("p3"), []byte("p4")})
	require.Len(t, keys, 3)
	assert.Equal(t, []byte("p1"), keys[0])
	assert.Equal(t, []byte("p2"), keys[1])
	assert.Equal(t, []byte("p4"), keys[2])
}

func TestNextKeyComposition(t *testing.T) {
	d := New()
	d.Set([]byte("b"), []byte{1})
	d.SetDeleted([]byte("d"))

	t.Run("diff key wins when smaller", func(t *testing.T) {
		result := d.NextKey([]byte("a"), []byte("c"), true)
		require.True(t, result.Resolved)
		assert.Equal(t, []byte("b"), result.Key)
	})

	t.Run("finalized key wins when smaller", func(t *testing.T) {
		result := d.NextKey([]byte("b"), []byte("c"), true)
		require.True(t, result.Resolved)
		assert.Equal(t, []byte("c"), result.Key)
	})

	t.Run("erased finalized key needs another probe", func(t *testing.T) {
		result := d.NextKey([]byte("c"), []byte("d"), true)
		require.False(t, result.Resolved)
		assert.Equal(t, []byte("d"), result.NextOf)
	})

	t.Run("no finalized key falls back to diff", func(t *testing.T) {
		result := d.NextKey([]byte("a"), nil, false)
		require.True(t, result.Resolved)
		assert.Equal(t, []byte("b"), result.Key)
	})

	t.Run("nothing left", func(t *testing.T) {
		result := d.NextKey([]byte("x"), nil, false)
		require.True(t, result.Resolved)
		assert.Nil(t, result.Key)
	})
}

func TestMergeAndClear(t *testing.T) {
	a := New()
	a.Set([]byte("k"), []byte{1})

	b := New()
	b.Set([]byte("k"), []byte{2})
	b.SetDeleted([]byte("l"))

	a.Merge(b)
	value, _, _ := a.Get([]byte("k"))
	assert.Equal(t, []byte{2}, value, "later changes overwrite earlier ones")
	assert.Equal(t, 2, a.Len())

	a.Clear()
	assert.Equal(t, 0, a.Len())
}
