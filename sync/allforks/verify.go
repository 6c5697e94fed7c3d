package allforks

import (
	"time"

	"github.com/driftlight/driftsync/blocktree"
	"github.com/driftlight/driftsync/errors"
	"github.com/driftlight/driftsync/model"
)

// ProcessOutcome is the result of ProcessOne: AllSync, *HeaderVerify or
// *FinalityProofVerify.
type ProcessOutcome interface {
	isProcessOutcome()
}

// AllSync means there is nothing to verify: no disjoint leaf has a verified
// parent and no finality proof is waiting. Calling ProcessOne again without
// feeding new data returns AllSync again.
type AllSync struct{}

func (AllSync) isProcessOutcome() {}

// ProcessOne returns the next verification to perform, if any. Finality
// proofs take priority over headers.
func (s *AllForksSync[TBl, TRq, TSrc]) ProcessOne() ProcessOutcome {
	for _, id := range s.blocks.sourceIds() {
		src := s.blocks.sources[id]
		if src.unverifiedFinalityProofs.isEmpty() {
			continue
		}
		proof, _ := src.unverifiedFinalityProofs.takeOne()
		return &FinalityProofVerify[TBl, TRq, TSrc]{
			sync:     s,
			sourceId: id,
			proof:    proof,
		}
	}

	for _, b := range s.blocks.disjoint.unverifiedLeaves() {
		if b.parentHash == s.chain.FinalizedBlockHash() || s.chain.Contains(b.parentHash) {
			return &HeaderVerify[TBl, TRq, TSrc]{sync: s, block: b}
		}
	}

	return AllSync{}
}

// HeaderVerify is a header ready to be verified.
type HeaderVerify[TBl, TRq, TSrc any] struct {
	sync  *AllForksSync[TBl, TRq, TSrc]
	block *unverifiedBlock[TBl]
}

func (*HeaderVerify[TBl, TRq, TSrc]) isProcessOutcome() {}

// Height returns the height of the block to be verified.
func (v *HeaderVerify[TBl, TRq, TSrc]) Height() uint64 { return v.block.id.Number }

// Hash returns the hash of the block to be verified.
func (v *HeaderVerify[TBl, TRq, TSrc]) Hash() model.Hash { return v.block.id.Hash }

// HeaderVerifyOutcome is the result of HeaderVerify.Perform.
type HeaderVerifyOutcome struct {
	// IsNewBest is whether the newly verified block is the new best block.
	// Only meaningful when Err is nil.
	IsNewBest bool

	// Err is nil on success. Otherwise ErrVerificationFailed,
	// ErrConsensusMismatch or ErrUnknownConsensusEngine; the block has been
	// marked bad and its descendants stay suppressed.
	Err error
}

// Perform verifies the header. now is the current UNIX time, used to reject
// blocks from the future.
func (v *HeaderVerify[TBl, TRq, TSrc]) Perform(now time.Duration) HeaderVerifyOutcome {
	s := v.sync

	insert, err := s.chain.VerifyHeader(v.block.header.Encode(), now)
	if err != nil {
		s.blocks.disjoint.markBad(v.block.id)
		prometheusAllForksHeaderVerifyFailures.Inc()
		s.log.Warnf("header verification failed for block %d %s: %v", v.block.id.Number, v.block.id.Hash, err)
		return HeaderVerifyOutcome{Err: err}
	}

	removed := s.blocks.disjoint.remove(v.block.id)
	isNewBest := insert.IsNewBest()
	insert.Insert(removed.userData)
	prometheusAllForksHeadersVerified.Inc()

	// A new block in the tree may unblock finality proofs that were not
	// verifiable before.
	s.mergePendingProofs()

	return HeaderVerifyOutcome{IsNewBest: isNewBest}
}

// Cancel skips this verification. The block stays in the disjoint set.
func (v *HeaderVerify[TBl, TRq, TSrc]) Cancel() {}

// FinalityProofVerify is a finality proof ready to be verified. The proof
// has already been taken out of its source's slot; dropping the token
// without calling Perform discards the proof.
type FinalityProofVerify[TBl, TRq, TSrc any] struct {
	sync     *AllForksSync[TBl, TRq, TSrc]
	sourceId SourceId
	proof    finalityProof
}

func (*FinalityProofVerify[TBl, TRq, TSrc]) isProcessOutcome() {}

// IsCommit reports whether the proof is a GRANDPA commit rather than a
// justification.
func (v *FinalityProofVerify[TBl, TRq, TSrc]) IsCommit() bool { return v.proof.isCommit }

// FinalityProofVerifyOutcome is the result of FinalityProofVerify.Perform:
// *NewFinalized, AlreadyFinalized, GrandpaCommitPending or
// FinalityProofError.
type FinalityProofVerifyOutcome interface {
	isFinalityProofVerifyOutcome()
}

// NewFinalized: the proof advanced the finalized block.
type NewFinalized[TBl any] struct {
	// FinalizedBlocks are the newly finalized blocks, in decreasing height
	// order.
	FinalizedBlocks []blocktree.FinalizedBlock[TBl]

	// UpdatesBestBlock is whether the operation changed the best block,
	// which happens when the previous best block did not descend from the
	// newly finalized block.
	UpdatesBestBlock bool
}

func (*NewFinalized[TBl]) isFinalityProofVerifyOutcome() {}

// AlreadyFinalized: the proof targets an already-finalized block; nothing to
// do.
type AlreadyFinalized struct{}

func (AlreadyFinalized) isFinalityProofVerifyOutcome() {}

// GrandpaCommitPending: the commit cannot be verified yet and has been
// stored back in the source's pending slot.
type GrandpaCommitPending struct{}

func (GrandpaCommitPending) isFinalityProofVerifyOutcome() {}

// FinalityProofError: the proof is invalid.
type FinalityProofError struct {
	Err error
}

func (FinalityProofError) isFinalityProofVerifyOutcome() {}

// Perform verifies the proof.
func (v *FinalityProofVerify[TBl, TRq, TSrc]) Perform() FinalityProofVerifyOutcome {
	s := v.sync

	var apply blocktree.FinalityApply[TBl]
	var err error
	if v.proof.isCommit {
		apply, err = s.chain.VerifyGrandpaCommit(v.proof.commit)
	} else {
		apply, err = s.chain.VerifyJustification(v.proof.justification)
	}

	if err != nil {
		if errors.Is(err, errors.ErrFinalityEqualToFinalized) || errors.Is(err, errors.ErrFinalityBelowFinalized) {
			return AlreadyFinalized{}
		}

		// Commits, contrary to justifications, may legitimately target
		// blocks we do not know yet; they are kept for later.
		if v.proof.isCommit {
			if target, ok := blocktree.FinalityTargetNumber(err); ok {
				if src, ok := s.blocks.sources[v.sourceId]; ok {
					src.pendingFinalityProofs.insert(target, proofPayload{commit: v.proof.commit})
					prometheusAllForksFinalityProofsPending.Inc()
				}
				return GrandpaCommitPending{}
			}
		}

		return FinalityProofError{Err: err}
	}

	if !v.proof.isCommit {
		apply.AppendJustification(v.proof.justification)
	}

	updatesBest := apply.UpdatesBestBlock()
	finalized := apply.Apply()

	s.onNewFinalized(s.chain.FinalizedBlockNumber())
	prometheusAllForksFinalityProofsVerified.Inc()

	return &NewFinalized[TBl]{
		FinalizedBlocks:  finalized,
		UpdatesBestBlock: updatesBest,
	}
}

// Cancel discards the proof without verifying it.
func (v *FinalityProofVerify[TBl, TRq, TSrc]) Cancel() {}
