package allforks

import (
	"github.com/driftlight/driftsync/model"
)

// BlockAnnounceOutcome is the result of BlockAnnounce. It is one of
// AnnounceInvalidHeader, AnnounceTooOld, *AnnouncedKnown or
// *AnnouncedUnknown. The *AnnouncedKnown and *AnnouncedUnknown outcomes are
// transactions: nothing is recorded until their commit method is called.
type BlockAnnounceOutcome interface {
	isBlockAnnounceOutcome()
}

// AnnounceInvalidHeader reports that the announced header could not be
// decoded. No state was changed.
type AnnounceInvalidHeader struct {
	Err error
}

func (AnnounceInvalidHeader) isBlockAnnounceOutcome() {}

// AnnounceTooOld reports that the announced block is at or below the
// finalized height. The source is assumed to simply be late; if the announce
// was flagged as the source's best block, that has already been recorded.
type AnnounceTooOld struct {
	AnnounceBlockHeight  uint64
	FinalizedBlockHeight uint64
}

func (AnnounceTooOld) isBlockAnnounceOutcome() {}

// AnnouncedKnown reports that the announced block is already known, either
// verified in the tree or pending in the disjoint set.
type AnnouncedKnown[TBl, TRq, TSrc any] struct {
	sync       *AllForksSync[TBl, TRq, TSrc]
	sourceId   SourceId
	id         model.BlockID
	parentHash model.Hash
	header     *model.Header
	isInChain  bool
	isBest     bool
}

func (*AnnouncedKnown[TBl, TRq, TSrc]) isBlockAnnounceOutcome() {}

// IsInChain reports whether the block has already been verified.
func (a *AnnouncedKnown[TBl, TRq, TSrc]) IsInChain() bool { return a.isInChain }

// Height returns the height of the announced block.
func (a *AnnouncedKnown[TBl, TRq, TSrc]) Height() uint64 { return a.id.Number }

// Hash returns the hash of the announced block.
func (a *AnnouncedKnown[TBl, TRq, TSrc]) Hash() model.Hash { return a.id.Hash }

// UserData returns the block's current user data.
func (a *AnnouncedKnown[TBl, TRq, TSrc]) UserData() TBl {
	if a.isInChain {
		ud, _ := a.sync.chain.UserData(a.id.Hash)
		return ud
	}
	return a.sync.blocks.disjoint.mustGet(a.id).userData
}

// UpdateSourceAndBlock commits the announce: the source is recorded as
// knowing the block and its parent, the best block is updated if applicable,
// and — for a pending block — the header becomes known and the block is
// marked bad if it sits at finalized+1 with a parent other than the
// finalized block. The banned-hash list is not checked again here.
func (a *AnnouncedKnown[TBl, TRq, TSrc]) UpdateSourceAndBlock() {
	s := a.sync

	if a.isBest {
		s.blocks.addKnownBlockAndSetBest(a.sourceId, a.id)
	} else {
		s.blocks.addKnownBlock(a.sourceId, a.id)
	}
	s.blocks.addKnownBlock(a.sourceId, model.BlockID{Number: a.id.Number - 1, Hash: a.parentHash})

	if !a.isInChain {
		s.blocks.disjoint.setHeaderKnown(a.id, a.parentHash)

		b := s.blocks.disjoint.mustGet(a.id)
		if b.header == nil {
			b.header = a.header
		}

		// The header might not have been known before; the block may only
		// now be recognizable as conflicting with the finalized chain.
		if a.id.Number == s.chain.FinalizedBlockNumber()+1 && a.parentHash != s.chain.FinalizedBlockHash() {
			s.blocks.disjoint.markBad(a.id)
		}
	}
}

// AnnouncedUnknown reports that the announced block is not known to the
// state machine.
type AnnouncedUnknown[TBl, TRq, TSrc any] struct {
	sync       *AllForksSync[TBl, TRq, TSrc]
	sourceId   SourceId
	id         model.BlockID
	parentHash model.Hash
	header     *model.Header
	isBest     bool
}

func (*AnnouncedUnknown[TBl, TRq, TSrc]) isBlockAnnounceOutcome() {}

// Height returns the height of the announced block.
func (a *AnnouncedUnknown[TBl, TRq, TSrc]) Height() uint64 { return a.id.Number }

// Hash returns the hash of the announced block.
func (a *AnnouncedUnknown[TBl, TRq, TSrc]) Hash() model.Hash { return a.id.Hash }

// InsertAndUpdateSource commits the announce: the block joins the disjoint
// set with the given user data, and the source is recorded as knowing the
// block and its parent.
func (a *AnnouncedUnknown[TBl, TRq, TSrc]) InsertAndUpdateSource(userData TBl) {
	s := a.sync

	if a.isBest {
		s.blocks.addKnownBlockAndSetBest(a.sourceId, a.id)
	} else {
		s.blocks.addKnownBlock(a.sourceId, a.id)
	}
	s.blocks.addKnownBlock(a.sourceId, model.BlockID{Number: a.id.Number - 1, Hash: a.parentHash})

	s.insertUnverified(a.id, a.header, userData)
}

// BlockAnnounce feeds a block announce received from a source. isBest is
// whether the source claims this is its best block. Panics if the source id
// is stale.
func (s *AllForksSync[TBl, TRq, TSrc]) BlockAnnounce(sourceId SourceId, scaleEncodedHeader []byte, isBest bool) BlockAnnounceOutcome {
	s.blocks.mustSource(sourceId)
	prometheusAllForksBlockAnnounces.Inc()

	header, err := model.DecodeHeader(scaleEncodedHeader)
	if err != nil {
		return AnnounceInvalidHeader{Err: err}
	}

	id := model.BlockID{Number: header.Number, Hash: model.HashFromEncodedHeader(scaleEncodedHeader)}

	// All sources are assumed to eventually agree on the same finalized
	// chain: an announce at or below the finalized height means the source
	// is late, not that it disagrees.
	if id.Number <= s.chain.FinalizedBlockNumber() {
		if isBest {
			s.blocks.addKnownBlockAndSetBest(sourceId, id)
		}
		return AnnounceTooOld{
			AnnounceBlockHeight:  id.Number,
			FinalizedBlockHeight: s.chain.FinalizedBlockNumber(),
		}
	}

	if s.chain.Contains(id.Hash) {
		return &AnnouncedKnown[TBl, TRq, TSrc]{
			sync:       s,
			sourceId:   sourceId,
			id:         id,
			parentHash: header.ParentHash,
			header:     header,
			isInChain:  true,
			isBest:     isBest,
		}
	}

	if !s.blocks.disjoint.contains(id) {
		return &AnnouncedUnknown[TBl, TRq, TSrc]{
			sync:       s,
			sourceId:   sourceId,
			id:         id,
			parentHash: header.ParentHash,
			header:     header,
			isBest:     isBest,
		}
	}

	return &AnnouncedKnown[TBl, TRq, TSrc]{
		sync:       s,
		sourceId:   sourceId,
		id:         id,
		parentHash: header.ParentHash,
		header:     header,
		isInChain:  false,
		isBest:     isBest,
	}
}

// AddSourceOutcome is the result of PrepareAddSource. It is one of
// *AddSourceOldBlock, *AddSourceKnown or *AddSourceUnknown.
type AddSourceOutcome interface {
	isAddSourceOutcome()
}

// AddSourceOldBlock: the source's best block is at or below the finalized
// height and is not tracked.
type AddSourceOldBlock[TBl, TRq, TSrc any] struct {
	sync *AllForksSync[TBl, TRq, TSrc]
	best model.BlockID
}

func (*AddSourceOldBlock[TBl, TRq, TSrc]) isAddSourceOutcome() {}

func (a *AddSourceOldBlock[TBl, TRq, TSrc]) AddSource(userData TSrc) SourceId {
	return a.sync.blocks.addSource(userData, a.best)
}

// AddSourceKnown: the source's best block is already known, either verified
// (Verified true) or pending in the disjoint set.
type AddSourceKnown[TBl, TRq, TSrc any] struct {
	sync     *AllForksSync[TBl, TRq, TSrc]
	best     model.BlockID
	verified bool
}

func (*AddSourceKnown[TBl, TRq, TSrc]) isAddSourceOutcome() {}

func (a *AddSourceKnown[TBl, TRq, TSrc]) Verified() bool { return a.verified }

func (a *AddSourceKnown[TBl, TRq, TSrc]) UserData() TBl {
	if a.verified {
		ud, _ := a.sync.chain.UserData(a.best.Hash)
		return ud
	}
	return a.sync.blocks.disjoint.mustGet(a.best).userData
}

func (a *AddSourceKnown[TBl, TRq, TSrc]) AddSource(userData TSrc) SourceId {
	return a.sync.blocks.addSource(userData, a.best)
}

// AddSourceUnknown: the source's best block is not known and needs to be
// inserted alongside the source.
type AddSourceUnknown[TBl, TRq, TSrc any] struct {
	sync *AllForksSync[TBl, TRq, TSrc]
	best model.BlockID
}

func (*AddSourceUnknown[TBl, TRq, TSrc]) isAddSourceOutcome() {}

func (a *AddSourceUnknown[TBl, TRq, TSrc]) AddSourceAndInsertBlock(sourceUserData TSrc, bestBlockUserData TBl) SourceId {
	s := a.sync
	id := s.blocks.addSource(sourceUserData, a.best)

	s.blocks.disjoint.insert(a.best, heightHashKnown, model.Hash{}, bestBlockUserData)
	if s.bannedBlocks.Contains(a.best.Hash) {
		s.blocks.disjoint.markBad(a.best)
	}
	s.gcDisjoint()

	return id
}

// PrepareAddSource inspects the state of the block a new source claims as
// its best and returns a token through which the source is actually added.
func (s *AllForksSync[TBl, TRq, TSrc]) PrepareAddSource(bestBlockNumber uint64, bestBlockHash model.Hash) AddSourceOutcome {
	best := model.BlockID{Number: bestBlockNumber, Hash: bestBlockHash}

	if bestBlockNumber <= s.chain.FinalizedBlockNumber() {
		return &AddSourceOldBlock[TBl, TRq, TSrc]{sync: s, best: best}
	}

	inChain := s.chain.Contains(bestBlockHash)
	inDisjoint := s.blocks.disjoint.contains(best)

	switch {
	case !inChain && !inDisjoint:
		return &AddSourceUnknown[TBl, TRq, TSrc]{sync: s, best: best}
	case inChain && !inDisjoint:
		return &AddSourceKnown[TBl, TRq, TSrc]{sync: s, best: best, verified: true}
	case !inChain && inDisjoint:
		return &AddSourceKnown[TBl, TRq, TSrc]{sync: s, best: best, verified: false}
	default:
		// A block is in at most one of the tree and the disjoint set.
		panic("allforks: block both verified and pending")
	}
}
