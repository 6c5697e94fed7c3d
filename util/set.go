package util

import (
	"github.com/dolthub/swiss"

	"github.com/driftlight/driftsync/model"
)

// HashSet is a set of 32-byte hashes backed by a swiss map.
type HashSet struct {
	m      *swiss.Map[model.Hash, struct{}]
	length int
}

func NewHashSet(capacity int) *HashSet {
	if capacity < 1 {
		capacity = 1
	}
	return &HashSet{
		m: swiss.NewMap[model.Hash, struct{}](uint32(capacity)),
	}
}

func (s *HashSet) Contains(hash model.Hash) bool {
	_, ok := s.m.Get(hash)
	return ok
}

func (s *HashSet) Put(hash model.Hash) {
	if !s.m.Has(hash) {
		s.m.Put(hash, struct{}{})
		s.length++
	}
}

func (s *HashSet) Delete(hash model.Hash) {
	if s.m.Delete(hash) {
		s.length--
	}
}

func (s *HashSet) Length() int {
	return s.length
}

// BlockSet is a set of (height, hash) block identifiers backed by a swiss
// map. Used for the per-source known-block views, which are the hottest
// lookup in the sync engines.
type BlockSet struct {
	m      *swiss.Map[model.BlockID, struct{}]
	length int
}

func NewBlockSet(capacity int) *BlockSet {
	if capacity < 1 {
		capacity = 1
	}
	return &BlockSet{
		m: swiss.NewMap[model.BlockID, struct{}](uint32(capacity)),
	}
}

func (s *BlockSet) Contains(id model.BlockID) bool {
	_, ok := s.m.Get(id)
	return ok
}

func (s *BlockSet) Put(id model.BlockID) {
	if !s.m.Has(id) {
		s.m.Put(id, struct{}{})
		s.length++
	}
}

func (s *BlockSet) Delete(id model.BlockID) {
	if s.m.Delete(id) {
		s.length--
	}
}

func (s *BlockSet) Length() int {
	return s.length
}

// Iter calls fn for every element until fn returns true (stop).
func (s *BlockSet) Iter(fn func(id model.BlockID) bool) {
	s.m.Iter(func(id model.BlockID, _ struct{}) bool {
		return fn(id)
	})
}

// DeleteFunc removes every element for which fn returns true.
func (s *BlockSet) DeleteFunc(fn func(id model.BlockID) bool) {
	var toDelete []model.BlockID
	s.m.Iter(func(id model.BlockID, _ struct{}) bool {
		if fn(id) {
			toDelete = append(toDelete, id)
		}
		return false
	})
	for _, id := range toDelete {
		s.Delete(id)
	}
}
