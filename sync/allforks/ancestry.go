package allforks

import (
	"github.com/driftlight/driftsync/errors"
	"github.com/driftlight/driftsync/model"
)

// AncestrySearch consumes the blocks of an ancestry-search response one by
// one. Blocks are expected in decreasing height order: the first block must
// be the one that was requested, each subsequent block its parent.
//
// The transaction ends when Finish is called, when AddBlock returns an
// error, or when an outcome token's Cancel method is called. Already-added
// blocks are always retained.
type AncestrySearch[TBl, TRq, TSrc any] struct {
	sync     *AllForksSync[TBl, TRq, TSrc]
	sourceId SourceId

	// anyProgress is whether at least one valid block was received. An
	// entirely useless response gets the requested block removed from the
	// source's known set, so the same request is not immediately reissued to
	// the same source.
	anyProgress bool

	requested model.BlockID

	expectedNextHash   model.Hash
	expectedNextHeight uint64

	finished bool
}

// FinishAncestrySearch consumes a successful response to an ancestry
// request. The request is removed from the request table; its user data is
// returned together with the transaction. Panics if the request id is stale.
func (s *AllForksSync[TBl, TRq, TSrc]) FinishAncestrySearch(id RequestId) (TRq, *AncestrySearch[TBl, TRq, TSrc]) {
	params, sourceId, userData := s.blocks.finishRequest(id)

	return userData, &AncestrySearch[TBl, TRq, TSrc]{
		sync:               s,
		sourceId:           sourceId,
		requested:          model.BlockID{Number: params.FirstBlockHeight, Hash: params.FirstBlockHash},
		expectedNextHash:   params.FirstBlockHash,
		expectedNextHeight: params.FirstBlockHeight,
	}
}

// AncestrySearchFailed reports that an ancestry request failed. The request
// is removed and its user data returned; the requested block is removed from
// the source's known set. Panics if the request id is stale.
func (s *AllForksSync[TBl, TRq, TSrc]) AncestrySearchFailed(id RequestId) TRq {
	userData, search := s.FinishAncestrySearch(id)
	search.Finish()
	return userData
}

// AddBlockOutcome is the result of AncestrySearch.AddBlock: either
// *AncestryBlockOccupied (block already pending or already verified) or
// *AncestryBlockVacant (block unknown).
type AddBlockOutcome interface {
	isAddBlockOutcome()
}

// AddBlock consumes the next block of the response.
//
// On error — ErrUnexpectedBlock, ErrInvalidHeader, ErrBlockTooOld,
// ErrNotFinalizedChain — the transaction is over and must not be used
// further; blocks added so far are retained.
func (a *AncestrySearch[TBl, TRq, TSrc]) AddBlock(scaleEncodedHeader []byte, justifications []model.Justification) (AddBlockOutcome, error) {
	if a.finished {
		panic("allforks: AddBlock called after the ancestry search ended")
	}
	s := a.sync

	// Each header must chain to the previous one through its hash.
	if a.expectedNextHash != model.HashFromEncodedHeader(scaleEncodedHeader) {
		a.Finish()
		return nil, errors.ErrUnexpectedBlock
	}

	header, err := model.DecodeHeader(scaleEncodedHeader)
	if err != nil {
		a.Finish()
		return nil, err
	}

	// Blocks are identified by their (height, hash) combination; checking
	// the height even after the hash matched keeps a malicious source from
	// introducing inconsistencies.
	if a.expectedNextHeight != header.Number {
		a.Finish()
		return nil, errors.ErrUnexpectedBlock
	}

	// The source provided the block we asked for; the response as a whole is
	// useful.
	a.anyProgress = true

	if header.Number <= s.chain.FinalizedBlockNumber() {
		a.Finish()
		return nil, errors.ErrBlockTooOld
	}

	id := model.BlockID{Number: header.Number, Hash: a.expectedNextHash}

	if s.chain.Contains(id.Hash) {
		return &AncestryBlockOccupied[TBl, TRq, TSrc]{
			search:   a,
			id:       id,
			header:   header,
			verified: true,
		}, nil
	}

	// A block at finalized+1 whose parent is not the finalized block belongs
	// to a chain that conflicts with the local finalized chain.
	if header.Number == s.chain.FinalizedBlockNumber()+1 && header.ParentHash != s.chain.FinalizedBlockHash() {
		a.Finish()
		return nil, errors.ErrNotFinalizedChain
	}

	if !s.blocks.disjoint.contains(id) {
		return &AncestryBlockVacant[TBl, TRq, TSrc]{
			search:         a,
			id:             id,
			header:         header,
			justifications: justifications,
		}, nil
	}

	return &AncestryBlockOccupied[TBl, TRq, TSrc]{
		search:   a,
		id:       id,
		header:   header,
		verified: false,
	}, nil
}

// Finish ends the transaction. Idempotent.
func (a *AncestrySearch[TBl, TRq, TSrc]) Finish() {
	if a.finished {
		return
	}
	a.finished = true

	if !a.anyProgress {
		// The source is apparently unable to serve this block; assume it
		// doesn't know it.
		a.sync.blocks.removeKnownBlockOfSource(a.sourceId, a.requested)
	}
}

// advance moves the expectations to the parent of the block just added.
func (a *AncestrySearch[TBl, TRq, TSrc]) advance(header *model.Header) {
	a.expectedNextHash = header.ParentHash
	a.expectedNextHeight = header.Number - 1
}

// AncestryBlockOccupied is a response block that is already known, either
// verified in the tree or pending in the disjoint set.
type AncestryBlockOccupied[TBl, TRq, TSrc any] struct {
	search   *AncestrySearch[TBl, TRq, TSrc]
	id       model.BlockID
	header   *model.Header
	verified bool
}

func (*AncestryBlockOccupied[TBl, TRq, TSrc]) isAddBlockOutcome() {}

// Verified reports whether the block is already in the tree.
func (o *AncestryBlockOccupied[TBl, TRq, TSrc]) Verified() bool { return o.verified }

// UserData returns the block's current user data.
func (o *AncestryBlockOccupied[TBl, TRq, TSrc]) UserData() TBl {
	if o.verified {
		ud, _ := o.search.sync.chain.UserData(o.id.Hash)
		return ud
	}
	return o.search.sync.blocks.disjoint.mustGet(o.id).userData
}

// Replace commits the block, replacing its user data and returning the
// former value. The source is recorded as knowing the block and its parent.
func (o *AncestryBlockOccupied[TBl, TRq, TSrc]) Replace(userData TBl) TBl {
	a := o.search
	s := a.sync

	s.blocks.addKnownBlock(a.sourceId, o.id)
	s.blocks.addKnownBlock(a.sourceId, model.BlockID{Number: o.id.Number - 1, Hash: o.header.ParentHash})

	var former TBl
	if o.verified {
		former, _ = s.chain.UserData(o.id.Hash)
		s.chain.SetUserData(o.id.Hash, userData)
	} else {
		s.blocks.disjoint.setHeaderKnown(o.id, o.header.ParentHash)

		b := s.blocks.disjoint.mustGet(o.id)
		if b.header == nil {
			b.header = o.header
		}
		former = b.userData
		b.userData = userData
	}

	a.advance(o.header)
	return former
}

// Cancel discards the block and ends the transaction.
func (o *AncestryBlockOccupied[TBl, TRq, TSrc]) Cancel() {
	o.search.Finish()
}

// AncestryBlockVacant is a response block that is not yet known.
type AncestryBlockVacant[TBl, TRq, TSrc any] struct {
	search         *AncestrySearch[TBl, TRq, TSrc]
	id             model.BlockID
	header         *model.Header
	justifications []model.Justification
}

func (*AncestryBlockVacant[TBl, TRq, TSrc]) isAddBlockOutcome() {}

// Insert commits the block into the disjoint set with the given user data.
// Justifications that came with the block are stored in the serving source's
// finality-proof slot.
func (v *AncestryBlockVacant[TBl, TRq, TSrc]) Insert(userData TBl) {
	a := v.search
	s := a.sync

	s.blocks.addKnownBlock(a.sourceId, v.id)
	s.blocks.addKnownBlock(a.sourceId, model.BlockID{Number: v.id.Number - 1, Hash: v.header.ParentHash})

	s.insertUnverified(v.id, v.header, userData)

	if len(v.justifications) > 0 {
		s.blocks.mustSource(a.sourceId).unverifiedFinalityProofs.insert(
			v.id.Number,
			proofPayload{justifications: v.justifications},
		)
	}

	a.advance(v.header)
}

// Cancel discards the block and ends the transaction.
func (v *AncestryBlockVacant[TBl, TRq, TSrc]) Cancel() {
	v.search.Finish()
}
