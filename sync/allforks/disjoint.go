package allforks

import (
	"bytes"
	"sort"

	"github.com/driftlight/driftsync/model"
)

// blockState is the lifecycle state of an unverified block.
type blockState uint8

const (
	// heightHashKnown: only the (height, hash) pair is known, typically from
	// a source's reported best block.
	heightHashKnown blockState = iota
	// headerKnown: the header, and therefore the parent hash, is known.
	headerKnown
	// badKnown: the block is known to be bad. Terminal: the block is never
	// verified and its descendants are suppressed.
	badKnown
)

type unverifiedBlock[TBl any] struct {
	id         model.BlockID
	state      blockState
	parentHash model.Hash // valid when hasParent
	hasParent  bool
	header     *model.Header // non-nil once the header is known
	userData   TBl
}

// disjointSet tracks blocks whose ancestry to the finalized block has not
// been proven yet.
type disjointSet[TBl any] struct {
	blocks map[model.BlockID]*unverifiedBlock[TBl]
}

func newDisjointSet[TBl any](capacity int) disjointSet[TBl] {
	return disjointSet[TBl]{
		blocks: make(map[model.BlockID]*unverifiedBlock[TBl], capacity),
	}
}

func (d *disjointSet[TBl]) len() int {
	return len(d.blocks)
}

func (d *disjointSet[TBl]) contains(id model.BlockID) bool {
	_, ok := d.blocks[id]
	return ok
}

func (d *disjointSet[TBl]) get(id model.BlockID) (*unverifiedBlock[TBl], bool) {
	b, ok := d.blocks[id]
	return b, ok
}

func (d *disjointSet[TBl]) mustGet(id model.BlockID) *unverifiedBlock[TBl] {
	b, ok := d.blocks[id]
	if !ok {
		panic("allforks: unknown unverified block " + id.Hash.String())
	}
	return b
}

// insert adds a block. Idempotent: inserting an already-present block id
// returns the existing entry.
func (d *disjointSet[TBl]) insert(id model.BlockID, state blockState, parentHash model.Hash, userData TBl) *unverifiedBlock[TBl] {
	if existing, ok := d.blocks[id]; ok {
		return existing
	}
	b := &unverifiedBlock[TBl]{
		id:       id,
		state:    state,
		userData: userData,
	}
	if state == headerKnown {
		b.parentHash = parentHash
		b.hasParent = true
	}
	d.blocks[id] = b
	return b
}

// setHeaderKnown records the parent of a block, transitioning it from
// heightHashKnown to headerKnown. Bad blocks stay bad but still learn their
// parent.
func (d *disjointSet[TBl]) setHeaderKnown(id model.BlockID, parentHash model.Hash) {
	b := d.mustGet(id)
	b.parentHash = parentHash
	b.hasParent = true
	if b.state == heightHashKnown {
		b.state = headerKnown
	}
}

// markBad transitions a block into its terminal bad state.
func (d *disjointSet[TBl]) markBad(id model.BlockID) {
	d.mustGet(id).state = badKnown
}

func (d *disjointSet[TBl]) remove(id model.BlockID) *unverifiedBlock[TBl] {
	b := d.mustGet(id)
	delete(d.blocks, id)
	return b
}

func (d *disjointSet[TBl]) parentID(b *unverifiedBlock[TBl]) (model.BlockID, bool) {
	if !b.hasParent || b.id.Number == 0 {
		return model.BlockID{}, false
	}
	return model.BlockID{Number: b.id.Number - 1, Hash: b.parentHash}, true
}

// unverifiedLeaves returns the blocks that could be the next to verify:
// header known, not bad, and parent not itself pending in the set. Whether
// the parent is actually verified is up to the caller, which knows the
// non-finalized tree. Sorted by ascending height then hash for determinism.
func (d *disjointSet[TBl]) unverifiedLeaves() []*unverifiedBlock[TBl] {
	var out []*unverifiedBlock[TBl]
	for _, b := range d.blocks {
		if b.state != headerKnown {
			continue
		}
		if pid, ok := d.parentID(b); ok && d.contains(pid) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].id.Number != out[j].id.Number {
			return out[i].id.Number < out[j].id.Number
		}
		return bytes.Compare(out[i].id.Hash[:], out[j].id.Hash[:]) < 0
	})
	return out
}

// hasChild reports whether any block in the set declares id as its parent.
func (d *disjointSet[TBl]) hasChild(id model.BlockID) bool {
	for _, b := range d.blocks {
		if pid, ok := d.parentID(b); ok && pid == id {
			return true
		}
	}
	return false
}

// gcVictims returns every block ordered by eviction preference: blocks with
// no child in the set first, then highest height, ties broken by
// lexicographically greatest hash. Evicting a childless block never orphans
// the linkage knowledge of another entry.
func (d *disjointSet[TBl]) gcVictims() []model.BlockID {
	type victim struct {
		id       model.BlockID
		hasChild bool
	}
	victims := make([]victim, 0, len(d.blocks))
	for id := range d.blocks {
		victims = append(victims, victim{id: id, hasChild: d.hasChild(id)})
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].hasChild != victims[j].hasChild {
			return !victims[i].hasChild
		}
		if victims[i].id.Number != victims[j].id.Number {
			return victims[i].id.Number > victims[j].id.Number
		}
		return bytes.Compare(victims[i].id.Hash[:], victims[j].id.Hash[:]) > 0
	})
	out := make([]model.BlockID, len(victims))
	for i, v := range victims {
		out[i] = v.id
	}
	return out
}

// removeBelowOrAt drops every block whose height is inferior or equal to
// height, returning the removed ids.
func (d *disjointSet[TBl]) removeBelowOrAt(height uint64) []model.BlockID {
	var removed []model.BlockID
	for id := range d.blocks {
		if id.Number <= height {
			removed = append(removed, id)
			delete(d.blocks, id)
		}
	}
	return removed
}
