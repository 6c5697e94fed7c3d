// Package storagediff tracks the changes of the best block's storage relative
// to the finalized block's storage. The optimistic engine owns one diff and
// uses it to answer storage queries during body verification without holding
// the full state.
package storagediff

import (
	"bytes"

	"github.com/tidwall/btree"
)

type entry struct {
	key     string
	value   []byte
	deleted bool
}

func lessEntry(a, b entry) bool {
	return a.key < b.key
}

// Diff is an ordered map from storage keys to either a new value or an
// erasure marker.
type Diff struct {
	tree *btree.BTreeG[entry]
}

func New() *Diff {
	return &Diff{tree: btree.NewBTreeG[entry](lessEntry)}
}

// Set records that key now holds value in the best block.
func (d *Diff) Set(key, value []byte) {
	d.tree.Set(entry{key: string(key), value: append([]byte(nil), value...)})
}

// SetDeleted records that key has been erased in the best block.
func (d *Diff) SetDeleted(key []byte) {
	d.tree.Set(entry{key: string(key), deleted: true})
}

// Get returns the recorded change for key. deleted reports an erasure,
// present reports whether the diff contains the key at all.
func (d *Diff) Get(key []byte) (value []byte, deleted bool, present bool) {
	e, ok := d.tree.Get(entry{key: string(key)})
	if !ok {
		return nil, false, false
	}
	return e.value, e.deleted, true
}

// Merge applies every change of other on top of d.
func (d *Diff) Merge(other *Diff) {
	other.tree.Scan(func(e entry) bool {
		d.tree.Set(e)
		return true
	})
}

// Clear drops all recorded changes.
func (d *Diff) Clear() {
	d.tree = btree.NewBTreeG[entry](lessEntry)
}

func (d *Diff) Len() int {
	return d.tree.Len()
}

// StorageGet returns the best-block value of key: the diff entry if present,
// otherwise the finalized value supplied by orFinalized.
func (d *Diff) StorageGet(key []byte, orFinalized func() ([]byte, bool)) ([]byte, bool) {
	if value, deleted, present := d.Get(key); present {
		if deleted {
			return nil, false
		}
		return value, true
	}
	return orFinalized()
}

// PrefixKeysOrdered merges the lexicographically ordered finalized keys
// sharing prefix with the diff, returning the ordered keys of the best block.
func (d *Diff) PrefixKeysOrdered(prefix []byte, finalizedKeys [][]byte) [][]byte {
	out := make([][]byte, 0, len(finalizedKeys))
	for _, k := range finalizedKeys {
		if !bytes.HasPrefix(k, prefix) {
			continue
		}
		if _, deleted, present := d.Get(k); present && deleted {
			continue
		}
		out = append(out, k)
	}

	d.tree.Ascend(entry{key: string(prefix)}, func(e entry) bool {
		if !bytes.HasPrefix([]byte(e.key), prefix) {
			return false
		}
		if !e.deleted {
			out = insertSorted(out, []byte(e.key))
		}
		return true
	})

	return out
}

func insertSorted(keys [][]byte, key []byte) [][]byte {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(keys) && bytes.Equal(keys[lo], key) {
		return keys
	}
	keys = append(keys, nil)
	copy(keys[lo+1:], keys[lo:])
	keys[lo] = key
	return keys
}

// NextKeyResult is the outcome of NextKey. If Resolved, Key is the answer
// (nil when there is no next key). Otherwise the finalized next key has been
// erased in the diff and the caller must query the finalized storage again
// for the key following NextOf.
type NextKeyResult struct {
	Resolved bool
	Key      []byte
	NextOf   []byte
}

// NextKey composes the diff with the finalized view to find the key strictly
// following key in the best block. finalizedNext is the key strictly
// following key in the finalized storage, or absent.
func (d *Diff) NextKey(key []byte, finalizedNext []byte, finalizedFound bool) NextKeyResult {
	var diffNext []byte
	d.tree.Ascend(entry{key: string(key)}, func(e entry) bool {
		if e.key == string(key) || e.deleted {
			return true
		}
		diffNext = []byte(e.key)
		return false
	})

	if finalizedFound {
		if diffNext != nil && bytes.Compare(diffNext, finalizedNext) <= 0 {
			return NextKeyResult{Resolved: true, Key: diffNext}
		}
		if _, deleted, present := d.Get(finalizedNext); present && deleted {
			return NextKeyResult{NextOf: finalizedNext}
		}
		return NextKeyResult{Resolved: true, Key: finalizedNext}
	}

	return NextKeyResult{Resolved: true, Key: diffNext}
}
