package util

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/driftlight/driftsync/model"
)

func TestHashSet(t *testing.T) {
	s := NewHashSet(4)

	h := model.Hash{1}
	assert.False(t, s.Contains(h))

	s.Put(h)
	s.Put(h) // idempotent
	assert.True(t, s.Contains(h))
	assert.Equal(t, 1, s.Length())

	s.Delete(h)
	s.Delete(h)
	assert.False(t, s.Contains(h))
	assert.Equal(t, 0, s.Length())
}

func TestBlockSet(t *testing.T) {
	s := NewBlockSet(4)

	low := model.BlockID{Number: 1, Hash: model.Hash{1}}
	high := model.BlockID{Number: 9, Hash: model.Hash{1}}
	s.Put(low)
	s.Put(high)

	// Same hash, different height: distinct entries.
	assert.Equal(t, 2, s.Length())

	s.DeleteFunc(func(id model.BlockID) bool { return id.Number <= 5 })
	assert.False(t, s.Contains(low))
	assert.True(t, s.Contains(high))
	assert.Equal(t, 1, s.Length())
}
