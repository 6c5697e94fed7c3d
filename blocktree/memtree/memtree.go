// Package memtree is an in-memory implementation of the blocktree contract.
// It performs structural checks (parent linkage, duplicates, height
// continuity) and delegates chain-specific judgement to configurable hooks,
// which makes it suitable for tests and for embedders that do their own
// consensus verification elsewhere.
package memtree

import (
	"encoding/binary"
	"time"

	"github.com/driftlight/driftsync/blocktree"
	"github.com/driftlight/driftsync/errors"
	"github.com/driftlight/driftsync/model"
	"github.com/driftlight/driftsync/runtimevm"
	"github.com/driftlight/driftsync/storagediff"
)

// Config configures a Tree.
type Config[TBl any] struct {
	// FinalizedHeader is the latest finalized block the tree starts from.
	FinalizedHeader *model.Header

	// BlockNumberBytes is the width of block numbers in commit messages.
	// Defaults to 4. The value is only stored: DecodeTargetBlob, the default
	// commit and justification decoder, always reads an 8-byte number.
	BlockNumberBytes int

	// VerifyHook inspects a decoded header before acceptance. Returning an
	// error rejects the block; use the driftsync errors codes to exercise the
	// different outcomes. nil accepts every structurally valid header.
	VerifyHook func(h *model.Header, now time.Duration) error

	// BodyHook executes a block body and returns the resulting storage
	// changes. nil accepts every body with no changes.
	BodyHook func(h *model.Header, body [][]byte) (*storagediff.Diff, error)

	// CompileHook builds a runtime from new on-chain code. nil leaves the
	// runtime unchanged when the code changes.
	CompileHook func(code []byte) runtimevm.Prototype

	// CommitHook decodes a commit message into the block it finalizes.
	// nil uses DecodeTargetBlob.
	CommitHook func(commit []byte) (model.BlockID, error)

	// JustificationHook decodes a justification into the block it finalizes.
	// nil uses DecodeTargetBlob on the blob.
	JustificationHook func(j model.Justification) (model.BlockID, error)
}

// EncodeTargetBlob encodes a finality target as used by the default commit
// and justification hooks: 8-byte little-endian number followed by the hash.
func EncodeTargetBlob(id model.BlockID) []byte {
	out := make([]byte, 8+model.HashSize)
	binary.LittleEndian.PutUint64(out[:8], id.Number)
	copy(out[8:], id.Hash[:])
	return out
}

// DecodeTargetBlob is the inverse of EncodeTargetBlob.
func DecodeTargetBlob(blob []byte) (model.BlockID, error) {
	if len(blob) != 8+model.HashSize {
		return model.BlockID{}, errors.New(errors.ERR_INVALID_ARGUMENT, "invalid finality target length %d", len(blob))
	}
	var id model.BlockID
	id.Number = binary.LittleEndian.Uint64(blob[:8])
	copy(id.Hash[:], blob[8:])
	return id, nil
}

type node[TBl any] struct {
	header         *model.Header
	hash           model.Hash
	parent         *node[TBl] // nil if the parent is the finalized block
	userData       TBl
	justifications []model.Justification
}

// Tree is an in-memory non-finalized block tree.
type Tree[TBl any] struct {
	cfg             Config[TBl]
	finalizedHeader *model.Header
	finalizedHash   model.Hash
	nodes           map[model.Hash]*node[TBl]
	best            *node[TBl] // nil when the tree is empty
}

// New builds an empty tree rooted at the configured finalized block.
func New[TBl any](cfg Config[TBl]) *Tree[TBl] {
	if cfg.FinalizedHeader == nil {
		panic("memtree: nil finalized header")
	}
	if cfg.BlockNumberBytes == 0 {
		cfg.BlockNumberBytes = 4
	}
	return &Tree[TBl]{
		cfg:             cfg,
		finalizedHeader: cfg.FinalizedHeader,
		finalizedHash:   cfg.FinalizedHeader.Hash(),
		nodes:           make(map[model.Hash]*node[TBl]),
	}
}

func (t *Tree[TBl]) FinalizedBlockHeader() *model.Header { return t.finalizedHeader }
func (t *Tree[TBl]) FinalizedBlockNumber() uint64        { return t.finalizedHeader.Number }
func (t *Tree[TBl]) FinalizedBlockHash() model.Hash      { return t.finalizedHash }

func (t *Tree[TBl]) BestBlockHeader() *model.Header {
	if t.best == nil {
		return t.finalizedHeader
	}
	return t.best.header
}

func (t *Tree[TBl]) BestBlockNumber() uint64 { return t.BestBlockHeader().Number }

func (t *Tree[TBl]) BestBlockHash() model.Hash {
	if t.best == nil {
		return t.finalizedHash
	}
	return t.best.hash
}

func (t *Tree[TBl]) Contains(hash model.Hash) bool {
	_, ok := t.nodes[hash]
	return ok
}

func (t *Tree[TBl]) UserData(hash model.Hash) (TBl, bool) {
	if n, ok := t.nodes[hash]; ok {
		return n.userData, true
	}
	var zero TBl
	return zero, false
}

func (t *Tree[TBl]) SetUserData(hash model.Hash, userData TBl) bool {
	n, ok := t.nodes[hash]
	if !ok {
		return false
	}
	n.userData = userData
	return true
}

func (t *Tree[TBl]) BlocksUnordered() []*model.Header {
	out := make([]*model.Header, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n.header)
	}
	return out
}

func (t *Tree[TBl]) BlocksAncestryOrder() []*model.Header {
	out := make([]*model.Header, 0, len(t.nodes))
	depth := func(n *node[TBl]) int {
		d := 0
		for p := n.parent; p != nil; p = p.parent {
			d++
		}
		return d
	}
	byDepth := make(map[int][]*node[TBl])
	maxDepth := 0
	for _, n := range t.nodes {
		d := depth(n)
		byDepth[d] = append(byDepth[d], n)
		if d > maxDepth {
			maxDepth = d
		}
	}
	for d := 0; d <= maxDepth; d++ {
		for _, n := range byDepth[d] {
			out = append(out, n.header)
		}
	}
	return out
}

func (t *Tree[TBl]) IsEmpty() bool { return len(t.nodes) == 0 }

type headerInsert[TBl any] struct {
	tree      *Tree[TBl]
	header    *model.Header
	hash      model.Hash
	parent    *node[TBl]
	isNewBest bool
}

func (i *headerInsert[TBl]) Header() *model.Header { return i.header }
func (i *headerInsert[TBl]) IsNewBest() bool       { return i.isNewBest }

func (i *headerInsert[TBl]) Insert(userData TBl) {
	n := &node[TBl]{
		header:   i.header,
		hash:     i.hash,
		parent:   i.parent,
		userData: userData,
	}
	i.tree.nodes[i.hash] = n
	if i.isNewBest {
		i.tree.best = n
	}
}

// VerifyHeader checks a header against the tree. The returned HeaderInsert
// only mutates the tree when Insert is called.
func (t *Tree[TBl]) VerifyHeader(scaleEncodedHeader []byte, now time.Duration) (blocktree.HeaderInsert[TBl], error) {
	h, err := model.DecodeHeader(scaleEncodedHeader)
	if err != nil {
		return nil, errors.New(errors.ERR_VERIFICATION_FAILED, "undecodable header", err)
	}

	hash := model.HashFromEncodedHeader(scaleEncodedHeader)
	if _, ok := t.nodes[hash]; ok {
		return nil, errors.New(errors.ERR_VERIFICATION_FAILED, "duplicate block %s", hash)
	}

	var parent *node[TBl]
	if h.ParentHash != t.finalizedHash {
		var ok bool
		parent, ok = t.nodes[h.ParentHash]
		if !ok {
			return nil, errors.New(errors.ERR_VERIFICATION_FAILED, "parent %s not in tree", h.ParentHash)
		}
		if parent.header.Number+1 != h.Number {
			return nil, errors.New(errors.ERR_VERIFICATION_FAILED, "height %d does not follow parent height %d", h.Number, parent.header.Number)
		}
	} else if t.finalizedHeader.Number+1 != h.Number {
		return nil, errors.New(errors.ERR_VERIFICATION_FAILED, "height %d does not follow finalized height %d", h.Number, t.finalizedHeader.Number)
	}

	if t.cfg.VerifyHook != nil {
		if err := t.cfg.VerifyHook(h, now); err != nil {
			return nil, err
		}
	}

	return &headerInsert[TBl]{
		tree:      t,
		header:    h,
		hash:      hash,
		parent:    parent,
		isNewBest: h.Number > t.BestBlockNumber(),
	}, nil
}

func (t *Tree[TBl]) isDescendantOrSelf(ancestor, n *node[TBl]) bool {
	for ; n != nil; n = n.parent {
		if n == ancestor {
			return true
		}
	}
	return false
}

type finalityApply[TBl any] struct {
	tree   *Tree[TBl]
	target *node[TBl]
}

func (a *finalityApply[TBl]) UpdatesBestBlock() bool {
	return a.tree.best == nil || !a.tree.isDescendantOrSelf(a.target, a.tree.best)
}

func (a *finalityApply[TBl]) TargetBlock() model.BlockID {
	return model.BlockID{Number: a.target.header.Number, Hash: a.target.hash}
}

func (a *finalityApply[TBl]) AppendJustification(j model.Justification) {
	a.target.justifications = append(a.target.justifications, j)
}

func (a *finalityApply[TBl]) Apply() []blocktree.FinalizedBlock[TBl] {
	t := a.tree

	var finalized []blocktree.FinalizedBlock[TBl]
	for n := a.target; n != nil; n = n.parent {
		finalized = append(finalized, blocktree.FinalizedBlock[TBl]{
			Header:         *n.header,
			Justifications: n.justifications,
			UserData:       n.userData,
		})
	}

	// Drop the finalized chain and every branch not descending from the
	// target.
	for hash, n := range t.nodes {
		if n == a.target || !t.isDescendantOrSelf(a.target, n) {
			delete(t.nodes, hash)
		}
	}
	for _, n := range t.nodes {
		if n.parent == a.target {
			n.parent = nil
		}
	}

	t.finalizedHeader = a.target.header
	t.finalizedHash = a.target.hash

	t.best = nil
	for _, n := range t.nodes {
		if t.best == nil || n.header.Number > t.best.header.Number {
			t.best = n
		}
	}

	return finalized
}

func (t *Tree[TBl]) verifyFinalityTarget(target model.BlockID, commit bool) (blocktree.FinalityApply[TBl], error) {
	badErr := errors.ErrBadJustification
	if commit {
		badErr = errors.ErrBadCommit
	}

	switch {
	case target.Number < t.finalizedHeader.Number:
		return nil, errors.ErrFinalityBelowFinalized
	case target.Number == t.finalizedHeader.Number:
		if target.Hash == t.finalizedHash {
			return nil, errors.ErrFinalityEqualToFinalized
		}
		return nil, errors.New(badErr.Code, "target %s conflicts with the finalized block", target.Hash)
	}

	n, ok := t.nodes[target.Hash]
	if !ok {
		if commit {
			return nil, errors.NewWithData(errors.ERR_FINALITY_UNKNOWN_TARGET,
				blocktree.TargetBlockNumber{Number: target.Number},
				"target block %d %s is not known", target.Number, target.Hash)
		}
		return nil, errors.New(badErr.Code, "target block %d %s is not known", target.Number, target.Hash)
	}
	if n.header.Number != target.Number {
		return nil, errors.New(badErr.Code, "target height mismatch for %s", target.Hash)
	}

	return &finalityApply[TBl]{tree: t, target: n}, nil
}

func (t *Tree[TBl]) VerifyJustification(j model.Justification) (blocktree.FinalityApply[TBl], error) {
	var target model.BlockID
	var err error
	if t.cfg.JustificationHook != nil {
		target, err = t.cfg.JustificationHook(j)
	} else {
		target, err = DecodeTargetBlob(j.Blob)
	}
	if err != nil {
		return nil, errors.New(errors.ERR_BAD_JUSTIFICATION, "undecodable justification", err)
	}
	return t.verifyFinalityTarget(target, false)
}

func (t *Tree[TBl]) VerifyGrandpaCommit(scaleEncodedCommit []byte) (blocktree.FinalityApply[TBl], error) {
	var target model.BlockID
	var err error
	if t.cfg.CommitHook != nil {
		target, err = t.cfg.CommitHook(scaleEncodedCommit)
	} else {
		target, err = DecodeTargetBlob(scaleEncodedCommit)
	}
	if err != nil {
		return nil, errors.New(errors.ERR_BAD_COMMIT, "undecodable commit", err)
	}
	return t.verifyFinalityTarget(target, true)
}

// ResetToFinalized returns a fresh tree rooted at the current finalized
// block.
func (t *Tree[TBl]) ResetToFinalized() blocktree.Tree[TBl] {
	cfg := t.cfg
	cfg.FinalizedHeader = t.finalizedHeader
	return New(cfg)
}

type bodyRejected[TBl any] struct{ reason error }

func (r *bodyRejected[TBl]) Reason() error { return r.reason }

type bodyError[TBl any] struct {
	err     error
	runtime runtimevm.Prototype
}

func (e *bodyError[TBl]) Err() error                        { return e.err }
func (e *bodyError[TBl]) ParentRuntime() runtimevm.Prototype { return e.runtime }

type bodyRuntimeRequired[TBl any] struct {
	tree   *Tree[TBl]
	insert *headerInsert[TBl]
}

type bodyFinished[TBl any] struct {
	insert        *headerInsert[TBl]
	changes       *storagediff.Diff
	trieCache     any
	parentRuntime runtimevm.Prototype
	newRuntime    runtimevm.Prototype
}

func (f *bodyFinished[TBl]) StorageChanges() *storagediff.Diff         { return f.changes }
func (f *bodyFinished[TBl]) OffchainStorageChanges() *storagediff.Diff { return storagediff.New() }
func (f *bodyFinished[TBl]) TrieCache() any                            { return f.trieCache }
func (f *bodyFinished[TBl]) ParentRuntime() runtimevm.Prototype        { return f.parentRuntime }

func (f *bodyFinished[TBl]) NewRuntime() (runtimevm.Prototype, bool) {
	return f.newRuntime, f.newRuntime != nil
}

func (f *bodyFinished[TBl]) Insert() blocktree.HeaderInsert[TBl] { return f.insert }

func (r *bodyRuntimeRequired[TBl]) Resume(parentRuntime runtimevm.Prototype, body [][]byte, trieCache any) blocktree.BodyStep[TBl] {
	t := r.tree

	changes := storagediff.New()
	if t.cfg.BodyHook != nil {
		var err error
		changes, err = t.cfg.BodyHook(r.insert.header, body)
		if err != nil {
			return &bodyError[TBl]{
				err:     errors.New(errors.ERR_BODY_VERIFICATION_FAILED, "body execution failed", err),
				runtime: parentRuntime,
			}
		}
	}

	var newRuntime runtimevm.Prototype
	if code, _, present := changes.Get([]byte(":code")); present && t.cfg.CompileHook != nil {
		newRuntime = t.cfg.CompileHook(code)
	}

	return &bodyFinished[TBl]{
		insert:        r.insert,
		changes:       changes,
		trieCache:     trieCache,
		parentRuntime: parentRuntime,
		newRuntime:    newRuntime,
	}
}

// VerifyBody starts a full verification. The block must be a child of the
// current best block; the optimistic engine downloads a single linear chain.
func (t *Tree[TBl]) VerifyBody(scaleEncodedHeader []byte, now time.Duration) blocktree.BodyStep[TBl] {
	h, err := model.DecodeHeader(scaleEncodedHeader)
	if err != nil {
		return &bodyRejected[TBl]{reason: errors.New(errors.ERR_INVALID_HEADER, "undecodable header", err)}
	}

	hash := model.HashFromEncodedHeader(scaleEncodedHeader)
	if _, ok := t.nodes[hash]; ok {
		return &bodyRejected[TBl]{reason: errors.New(errors.ERR_NON_CANONICAL, "duplicate block %s", hash)}
	}
	if h.ParentHash != t.BestBlockHash() || h.Number != t.BestBlockNumber()+1 {
		return &bodyRejected[TBl]{reason: errors.ErrNonCanonical}
	}

	if t.cfg.VerifyHook != nil {
		if err := t.cfg.VerifyHook(h, now); err != nil {
			return &bodyRejected[TBl]{reason: err}
		}
	}

	var parent *node[TBl]
	if h.ParentHash != t.finalizedHash {
		parent = t.nodes[h.ParentHash]
	}

	return &bodyRuntimeRequired[TBl]{
		tree: t,
		insert: &headerInsert[TBl]{
			tree:      t,
			header:    h,
			hash:      hash,
			parent:    parent,
			isNewBest: true,
		},
	}
}
