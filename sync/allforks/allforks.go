// Package allforks implements the fork-aware block synchronization engine.
//
// The engine maintains every plausible fork above the latest finalized block
// while tolerating divergent views across block sources. It is a passive
// state machine: the caller feeds it announces, request responses and
// finality messages, and drives verification one step at a time through
// ProcessOne. There is no internal goroutine, timer or event loop.
package allforks

import (
	"github.com/driftlight/driftsync/blocktree"
	"github.com/driftlight/driftsync/errors"
	"github.com/driftlight/driftsync/model"
	"github.com/driftlight/driftsync/ulogger"
	"github.com/driftlight/driftsync/util"
)

// DefaultMaxDisjointHeaders bounds the number of blocks of unknown ancestry
// kept in memory when Config.MaxDisjointHeaders is left zero. An attacker can
// announce arbitrarily long fake forks; the bound caps what we remember about
// them. Long forks still sync, the same blocks just get downloaded again.
const DefaultMaxDisjointHeaders = 1024

// Config configures an AllForksSync.
type Config[TBl any] struct {
	Logger ulogger.Logger

	// Tree is the non-finalized block tree, already positioned on the latest
	// finalized block. It encapsulates the chain information, the block
	// number width and the consensus rules.
	Tree blocktree.Tree[TBl]

	// SourcesCapacity and BlocksCapacity pre-size the internal collections.
	SourcesCapacity int
	BlocksCapacity  int

	// MaxDisjointHeaders bounds the disjoint set. Defaults to
	// DefaultMaxDisjointHeaders.
	MaxDisjointHeaders int

	// MaxRequestsPerBlock caps the simultaneous requests towards the same
	// block. Must be at least 1.
	MaxRequestsPerBlock int

	// Full requests that block bodies be downloaded and verified too. The
	// body pipeline is not available yet; the flag is retained so that
	// embedders can already wire it.
	Full bool

	// BannedBlocks are hashes that must never be downloaded or verified,
	// typically taken from the chain specification.
	BannedBlocks []model.Hash
}

// AllForksSync is the fork-aware synchronization state machine.
type AllForksSync[TBl, TRq, TSrc any] struct {
	log   ulogger.Logger
	chain blocktree.Tree[TBl]

	blocks       *pendingBlocks[TBl, TRq, TSrc]
	bannedBlocks *util.HashSet

	maxDisjointHeaders int
	full               bool
}

// New builds a new AllForksSync.
func New[TBl, TRq, TSrc any](cfg Config[TBl]) *AllForksSync[TBl, TRq, TSrc] {
	initPrometheusMetrics()

	if cfg.Tree == nil {
		panic("allforks: nil tree")
	}
	if cfg.MaxRequestsPerBlock < 1 {
		panic("allforks: MaxRequestsPerBlock must be at least 1")
	}
	if cfg.MaxDisjointHeaders == 0 {
		cfg.MaxDisjointHeaders = DefaultMaxDisjointHeaders
	}
	if cfg.Logger == nil {
		cfg.Logger = ulogger.TestLogger{}
	}

	banned := util.NewHashSet(len(cfg.BannedBlocks))
	for _, hash := range cfg.BannedBlocks {
		banned.Put(hash)
	}

	prometheusAllForksFinalizedHeight.Set(float64(cfg.Tree.FinalizedBlockNumber()))

	return &AllForksSync[TBl, TRq, TSrc]{
		log:                cfg.Logger,
		chain:              cfg.Tree,
		blocks:             newPendingBlocks[TBl, TRq, TSrc](cfg.Tree.FinalizedBlockNumber(), cfg.SourcesCapacity, cfg.BlocksCapacity, cfg.MaxRequestsPerBlock),
		bannedBlocks:       banned,
		maxDisjointHeaders: cfg.MaxDisjointHeaders,
		full:               cfg.Full,
	}
}

// FinalizedBlockHeader returns the header of the latest finalized block.
func (s *AllForksSync[TBl, TRq, TSrc]) FinalizedBlockHeader() *model.Header {
	return s.chain.FinalizedBlockHeader()
}

// BestBlockHeader returns the header of the best block. The best block may
// be reverted in the future.
func (s *AllForksSync[TBl, TRq, TSrc]) BestBlockHeader() *model.Header {
	return s.chain.BestBlockHeader()
}

func (s *AllForksSync[TBl, TRq, TSrc]) BestBlockNumber() uint64 {
	return s.chain.BestBlockNumber()
}

func (s *AllForksSync[TBl, TRq, TSrc]) BestBlockHash() model.Hash {
	return s.chain.BestBlockHash()
}

// NonFinalizedBlocksUnordered returns the headers of all verified
// non-finalized blocks, in no particular order.
func (s *AllForksSync[TBl, TRq, TSrc]) NonFinalizedBlocksUnordered() []*model.Header {
	return s.chain.BlocksUnordered()
}

// NonFinalizedBlocksAncestryOrder returns the headers of all verified
// non-finalized blocks, parents before children.
func (s *AllForksSync[TBl, TRq, TSrc]) NonFinalizedBlocksAncestryOrder() []*model.Header {
	return s.chain.BlocksAncestryOrder()
}

// NumUnverifiedBlocks returns the size of the disjoint set.
func (s *AllForksSync[TBl, TRq, TSrc]) NumUnverifiedBlocks() int {
	return s.blocks.disjoint.len()
}

// BlockUserData returns the user data of a block, whether it is still in the
// disjoint set or already in the tree. Panics if the block is unknown.
func (s *AllForksSync[TBl, TRq, TSrc]) BlockUserData(height uint64, hash model.Hash) TBl {
	if ud, ok := s.chain.UserData(hash); ok {
		return ud
	}
	return s.blocks.disjoint.mustGet(model.BlockID{Number: height, Hash: hash}).userData
}

// SetBlockUserData replaces the user data of a block. Panics if the block is
// unknown.
func (s *AllForksSync[TBl, TRq, TSrc]) SetBlockUserData(height uint64, hash model.Hash, userData TBl) {
	if s.chain.SetUserData(hash, userData) {
		return
	}
	s.blocks.disjoint.mustGet(model.BlockID{Number: height, Hash: hash}).userData = userData
}

// Sources returns the identifiers of all sources, in ascending order.
func (s *AllForksSync[TBl, TRq, TSrc]) Sources() []SourceId {
	return s.blocks.sourceIds()
}

// SourceUserData returns the user data of a source. Panics if the id is
// stale.
func (s *AllForksSync[TBl, TRq, TSrc]) SourceUserData(id SourceId) TSrc {
	return s.blocks.mustSource(id).userData
}

// SetSourceUserData replaces the user data of a source. Panics if the id is
// stale.
func (s *AllForksSync[TBl, TRq, TSrc]) SetSourceUserData(id SourceId, userData TSrc) {
	s.blocks.mustSource(id).userData = userData
}

// SourceBestBlock returns the best block the source has reported.
func (s *AllForksSync[TBl, TRq, TSrc]) SourceBestBlock(id SourceId) model.BlockID {
	return s.blocks.mustSource(id).bestBlock
}

// SourceNumOngoingRequests returns the number of requests in flight towards
// the source.
func (s *AllForksSync[TBl, TRq, TSrc]) SourceNumOngoingRequests(id SourceId) int {
	return int(s.blocks.mustSource(id).numOngoingRequests)
}

// AddKnownBlockToSource records that a source knows a block. No-op if the
// block is at or below the finalized height.
func (s *AllForksSync[TBl, TRq, TSrc]) AddKnownBlockToSource(id SourceId, height uint64, hash model.Hash) {
	s.blocks.addKnownBlock(id, model.BlockID{Number: height, Hash: hash})
}

// AddKnownBlockToSourceAndSetBest records that a source knows a block and
// makes it the source's best block. The known-set update is a no-op below
// the finalized height; the best block is updated regardless.
func (s *AllForksSync[TBl, TRq, TSrc]) AddKnownBlockToSourceAndSetBest(id SourceId, height uint64, hash model.Hash) {
	s.blocks.addKnownBlockAndSetBest(id, model.BlockID{Number: height, Hash: hash})
}

// RemoveKnownBlockOfSource forgets that a source claimed to know a block,
// typically after it failed to serve it.
func (s *AllForksSync[TBl, TRq, TSrc]) RemoveKnownBlockOfSource(id SourceId, height uint64, hash model.Hash) {
	s.blocks.removeKnownBlockOfSource(id, model.BlockID{Number: height, Hash: hash})
}

// SourceKnowsNonFinalizedBlock reports whether the source has announced the
// given block. Panics if height is not above the finalized height: finalized
// blocks are intentionally not tracked, and panicking prevents ambiguous
// answers.
func (s *AllForksSync[TBl, TRq, TSrc]) SourceKnowsNonFinalizedBlock(id SourceId, height uint64, hash model.Hash) bool {
	return s.blocks.sourceKnowsBlock(id, model.BlockID{Number: height, Hash: hash})
}

// KnowsNonFinalizedBlock returns the sources for which
// SourceKnowsNonFinalizedBlock would return true. Same panic contract.
func (s *AllForksSync[TBl, TRq, TSrc]) KnowsNonFinalizedBlock(height uint64, hash model.Hash) []SourceId {
	return s.blocks.knowsBlock(model.BlockID{Number: height, Hash: hash})
}

// RemoveSource drops a source and returns its user data along with every
// request that was in flight towards it, now cancelled. Any response that
// later arrives for a cancelled request must be discarded by the caller.
// Panics if the id is stale.
func (s *AllForksSync[TBl, TRq, TSrc]) RemoveSource(id SourceId) (TSrc, []CancelledRequest[TRq]) {
	return s.blocks.removeSource(id)
}

// DesiredRequests returns the ancestry searches the engine would like to see
// started: requests for disjoint blocks joined with the sources believed to
// know them, excluding blocks already in the tree. The set is safe to act on
// but not guaranteed minimal.
func (s *AllForksSync[TBl, TRq, TSrc]) DesiredRequests() []DesiredRequest {
	all := s.blocks.desiredRequests()
	out := all[:0]
	for _, rq := range all {
		if s.chain.Contains(rq.Params.FirstBlockHash) {
			continue
		}
		out = append(out, rq)
	}
	return out
}

// AddRequest records that a request has been started towards a source. The
// request does not have to match one returned by DesiredRequests. Panics if
// the source id is stale.
func (s *AllForksSync[TBl, TRq, TSrc]) AddRequest(id SourceId, params RequestParams, userData TRq) RequestId {
	return s.blocks.addRequest(id, params, userData)
}

// ObsoleteRequests returns the requests whose responses are no longer
// useful. Cancelling them is optional; responses to obsolete requests cannot
// corrupt the state.
func (s *AllForksSync[TBl, TRq, TSrc]) ObsoleteRequests() []ObsoleteRequest[TRq] {
	return s.blocks.obsoleteRequests()
}

// gcDisjoint trims the disjoint set back under the configured bound,
// preferring blocks with no child in the set, then the highest blocks.
func (s *AllForksSync[TBl, TRq, TSrc]) gcDisjoint() {
	if s.blocks.disjoint.len() < s.maxDisjointHeaders {
		return
	}

	victims := s.blocks.disjoint.gcVictims()
	for _, id := range victims {
		if s.blocks.disjoint.len() < s.maxDisjointHeaders {
			break
		}
		s.blocks.removeSourcesKnownBlock(id)
		s.blocks.disjoint.remove(id)
		prometheusAllForksDisjointEvictions.Inc()
		s.log.Debugf("evicted unverified block %d %s from the disjoint set", id.Number, id.Hash)
	}
}

// insertUnverified inserts a block into the disjoint set with its header
// known, applying the banned list and the finalized-chain check, then trims
// the set if needed.
func (s *AllForksSync[TBl, TRq, TSrc]) insertUnverified(id model.BlockID, header *model.Header, userData TBl) {
	b := s.blocks.disjoint.insert(id, headerKnown, header.ParentHash, userData)
	if b.header == nil {
		b.header = header
	}

	if s.bannedBlocks.Contains(id.Hash) ||
		(id.Number == s.chain.FinalizedBlockNumber()+1 && header.ParentHash != s.chain.FinalizedBlockHash()) {
		s.blocks.disjoint.markBad(id)
	}

	s.gcDisjoint()
}

// onNewFinalized propagates a finality advancement into the pending-blocks
// state.
func (s *AllForksSync[TBl, TRq, TSrc]) onNewFinalized(height uint64) {
	s.blocks.setFinalizedHeight(height)
	prometheusAllForksFinalizedHeight.Set(float64(height))
	s.log.Infof("finalized block height is now %d", height)
}

// mergePendingProofs moves every source's pending finality proofs back into
// its unverified slot. Called after each successful header verification: a
// new block in the tree may make previously-unverifiable proofs verifiable.
func (s *AllForksSync[TBl, TRq, TSrc]) mergePendingProofs() {
	for _, src := range s.blocks.sources {
		if src.pendingFinalityProofs.isEmpty() {
			continue
		}
		pending := src.pendingFinalityProofs
		src.pendingFinalityProofs = proofSlot{}
		src.unverifiedFinalityProofs.merge(pending)
	}
}

// GrandpaCommitMessage feeds a GRANDPA commit received from a source.
//
// The commit is verified immediately when possible. Commits that target an
// already-finalized block silently succeed. Commits that cannot be verified
// yet — unknown target, too far ahead, not enough known blocks — are stored
// in the source's pending slot and retried after the next successful header
// verification. Other failures are returned. Panics if the source id is
// stale.
func (s *AllForksSync[TBl, TRq, TSrc]) GrandpaCommitMessage(id SourceId, scaleEncodedCommit []byte) error {
	src := s.blocks.mustSource(id)

	apply, err := s.chain.VerifyGrandpaCommit(scaleEncodedCommit)
	if err == nil {
		apply.Apply()
		s.onNewFinalized(s.chain.FinalizedBlockNumber())
		prometheusAllForksFinalityProofsVerified.Inc()
		return nil
	}

	if errors.Is(err, errors.ErrFinalityEqualToFinalized) || errors.Is(err, errors.ErrFinalityBelowFinalized) {
		return nil
	}

	if target, ok := blocktree.FinalityTargetNumber(err); ok {
		src.pendingFinalityProofs.insert(target, proofPayload{commit: append([]byte(nil), scaleEncodedCommit...)})
		prometheusAllForksFinalityProofsPending.Inc()
		s.log.Debugf("stored pending grandpa commit targeting block %d", target)
		return nil
	}

	return err
}
