package optimistic

import (
	"time"

	"github.com/driftlight/driftsync/blocktree"
	"github.com/driftlight/driftsync/errors"
	"github.com/driftlight/driftsync/model"
)

// ProcessOutcome is the result of ProcessOne: Idle, *BlockVerify or
// *JustificationVerify.
type ProcessOutcome interface {
	isProcessOutcome()
}

// Idle means there is nothing to verify right now.
type Idle struct{}

func (Idle) isProcessOutcome() {}

// ProcessOne returns the next verification to perform. Justifications of the
// last verified block take priority over the next block.
func (s *OptimisticSync[TRq, TSrc, TBl]) ProcessOne() ProcessOutcome {
	if len(s.pendingJustifications) > 0 {
		return &JustificationVerify[TRq, TSrc, TBl]{sync: s}
	}
	if s.queue.blocksReady() {
		return &BlockVerify[TRq, TSrc, TBl]{sync: s}
	}
	return Idle{}
}

// BlockVerify is a downloaded block ready to be verified. The block stays in
// the queue until Start is called.
type BlockVerify[TRq, TSrc, TBl any] struct {
	sync *OptimisticSync[TRq, TSrc, TBl]
}

func (*BlockVerify[TRq, TSrc, TBl]) isProcessOutcome() {}

// ScaleEncodedHeader returns the encoded header of the block about to be
// verified.
func (v *BlockVerify[TRq, TSrc, TBl]) ScaleEncodedHeader() []byte {
	return v.sync.queue.firstBlock().ScaleEncodedHeader
}

// Height returns the height of the block about to be verified.
func (v *BlockVerify[TRq, TSrc, TBl]) Height() uint64 {
	return v.sync.queue.baseHeight
}

// Hash returns the hash of the block about to be verified.
func (v *BlockVerify[TRq, TSrc, TBl]) Hash() model.Hash {
	return model.HashFromEncodedHeader(v.ScaleEncodedHeader())
}

// IsFullVerification reports whether the body will be verified too.
func (v *BlockVerify[TRq, TSrc, TBl]) IsFullVerification() bool {
	return v.sync.full
}

// BlockVerification is the state of a block verification: *VerifyReset,
// *VerifyNewBest, *FinalizedStorageGet, *FinalizedStoragePrefixKeys or
// *FinalizedStorageNextKey.
type BlockVerification interface {
	isBlockVerification()
}

// VerifyReset: verification failed and the engine rolled back. In full mode
// the non-finalized tree was rebuilt from the finalized block; the storage
// diff, the best runtime and the trie cache were discarded, and every
// in-flight request became obsolete.
type VerifyReset struct {
	// PreviousBestHeight is the best height before the reset.
	PreviousBestHeight uint64

	// Reason is the failure that triggered the reset: ErrInvalidHeader,
	// ErrNonCanonical, ErrVerificationFailed, ErrBodyVerificationFailed or a
	// wrapping of the underlying verification error.
	Reason error
}

func (VerifyReset) isBlockVerification() {}

// VerifyNewBest: the block was verified and inserted; it is the new best
// block.
type VerifyNewBest struct {
	NewBestNumber uint64
	NewBestHash   model.Hash
}

func (VerifyNewBest) isBlockVerification() {}

// Start verifies the block. now is the current UNIX time, used to reject
// blocks from the future. In full mode the verification may suspend on one
// of the FinalizedStorage* states; the caller resumes it by injecting the
// requested finalized-storage data.
func (v *BlockVerify[TRq, TSrc, TBl]) Start(now time.Duration) BlockVerification {
	s := v.sync

	block, source, ok := s.queue.popFirstBlock()
	if !ok {
		panic("optimistic: no block ready for verification")
	}

	// The justifications of the block are scheduled for verification once
	// the block itself has been processed.
	s.pendingJustifications = s.pendingJustifications[:0]
	for _, j := range block.Justifications {
		s.pendingJustifications = append(s.pendingJustifications, pendingJustification{justification: j, source: source})
	}

	if s.full {
		ctx := &bodyContext[TRq, TSrc, TBl]{
			sync:     s,
			source:   source,
			body:     block.ScaleEncodedExtrinsics,
			userData: block.UserData,
		}
		return ctx.drive(s.chain.VerifyBody(block.ScaleEncodedHeader, now))
	}

	blockHeight := s.queue.baseHeight - 1

	insert, err := s.chain.VerifyHeader(block.ScaleEncodedHeader, now)
	switch {
	case err != nil:
		previousBest := s.reset(source, false)
		s.log.Warnf("header verification failed at height %d: %v", blockHeight, err)
		return VerifyReset{PreviousBestHeight: previousBest, Reason: err}
	case !insert.IsNewBest():
		previousBest := s.reset(source, false)
		return VerifyReset{PreviousBestHeight: previousBest, Reason: errors.ErrNonCanonical}
	}

	insert.Insert(block.UserData)
	prometheusOptimisticBlocksVerified.Inc()
	prometheusOptimisticBestHeight.Set(float64(s.chain.BestBlockNumber()))

	return VerifyNewBest{
		NewBestNumber: s.chain.BestBlockNumber(),
		NewBestHash:   s.chain.BestBlockHash(),
	}
}

// bodyContext carries a full-mode verification across suspension points.
type bodyContext[TRq, TSrc, TBl any] struct {
	sync     *OptimisticSync[TRq, TSrc, TBl]
	source   SourceId
	body     [][]byte
	userData TBl
}

// drive advances the verification until it finishes, fails, or needs
// finalized-storage data from the caller.
func (c *bodyContext[TRq, TSrc, TBl]) drive(step blocktree.BodyStep[TBl]) BlockVerification {
	s := c.sync

	for {
		switch st := step.(type) {
		case blocktree.BodyRuntimeRequired[TBl]:
			// Runtimes are expensive to build, so a single re-usable handle
			// is kept for the best block and extracted for the duration of
			// the verification.
			var runtime = s.bestRuntime
			if runtime != nil {
				s.bestRuntime = nil
			} else {
				runtime = s.finalizedRuntime
				s.finalizedRuntime = nil
			}

			cache := s.trieCache
			s.trieCache = nil

			step = st.Resume(runtime, c.body, cache)

		case blocktree.BodyStorageGet[TBl]:
			// The requested value is either in the best-to-finalized diff,
			// in which case the verification continues immediately, or equal
			// to the finalized block's value, which the caller must provide.
			if value, deleted, present := s.bestToFinalizedStorageDiff.Get(st.Key()); present {
				step = st.InjectValue(value, !deleted)
				continue
			}
			return &FinalizedStorageGet[TRq, TSrc, TBl]{ctx: c, inner: st}

		case blocktree.BodyStorageNextKey[TBl]:
			return &FinalizedStorageNextKey[TRq, TSrc, TBl]{ctx: c, inner: st}

		case blocktree.BodyStoragePrefixKeys[TBl]:
			return &FinalizedStoragePrefixKeys[TRq, TSrc, TBl]{ctx: c, inner: st}

		case blocktree.BodyRuntimeCompilation[TBl]:
			step = st.Build()

		case blocktree.BodyFinished[TBl]:
			return c.finish(st)

		case blocktree.BodyRejected[TBl]:
			previousBest := s.reset(c.source, true)
			return VerifyReset{PreviousBestHeight: previousBest, Reason: st.Reason()}

		case blocktree.BodyError[TBl]:
			// The runtime was extracted from one of the two slots before the
			// verification; make sure it survives the reset.
			if s.finalizedRuntime == nil {
				s.finalizedRuntime = st.ParentRuntime()
			}
			previousBest := s.reset(c.source, true)
			s.log.Warnf("body verification failed: %v", st.Err())
			return VerifyReset{PreviousBestHeight: previousBest, Reason: st.Err()}

		default:
			panic("optimistic: unknown body verification step")
		}
	}
}

// finish applies a successful body verification.
func (c *bodyContext[TRq, TSrc, TBl]) finish(f blocktree.BodyFinished[TBl]) BlockVerification {
	s := c.sync

	// The runtime was extracted from either bestRuntime or finalizedRuntime.
	// If finalizedRuntime is still occupied, it came from bestRuntime.
	newRuntime, hasNewRuntime := f.NewRuntime()
	if s.finalizedRuntime != nil {
		if hasNewRuntime {
			s.bestRuntime = newRuntime
		} else {
			s.bestRuntime = f.ParentRuntime()
		}
	} else {
		s.finalizedRuntime = f.ParentRuntime()
		if hasNewRuntime {
			s.bestRuntime = newRuntime
		}
	}

	s.trieCache = f.TrieCache()
	s.bestToFinalizedStorageDiff.Merge(f.StorageChanges())

	f.Insert().Insert(c.userData)
	prometheusOptimisticBlocksVerified.Inc()
	prometheusOptimisticBestHeight.Set(float64(s.chain.BestBlockNumber()))

	return VerifyNewBest{
		NewBestNumber: s.chain.BestBlockNumber(),
		NewBestHash:   s.chain.BestBlockHash(),
	}
}

// FinalizedStorageGet asks for a finalized-storage value.
type FinalizedStorageGet[TRq, TSrc, TBl any] struct {
	ctx   *bodyContext[TRq, TSrc, TBl]
	inner blocktree.BodyStorageGet[TBl]
}

func (*FinalizedStorageGet[TRq, TSrc, TBl]) isBlockVerification() {}

// Key returns the storage key whose finalized value must be injected.
func (g *FinalizedStorageGet[TRq, TSrc, TBl]) Key() []byte {
	return g.inner.Key()
}

// InjectValue resumes the verification with the finalized value.
func (g *FinalizedStorageGet[TRq, TSrc, TBl]) InjectValue(value []byte, found bool) BlockVerification {
	return g.ctx.drive(g.inner.InjectValue(value, found))
}

// FinalizedStoragePrefixKeys asks for the finalized-storage keys starting
// with a prefix, in lexicographic order.
type FinalizedStoragePrefixKeys[TRq, TSrc, TBl any] struct {
	ctx   *bodyContext[TRq, TSrc, TBl]
	inner blocktree.BodyStoragePrefixKeys[TBl]
}

func (*FinalizedStoragePrefixKeys[TRq, TSrc, TBl]) isBlockVerification() {}

// Prefix returns the prefix whose keys must be injected.
func (p *FinalizedStoragePrefixKeys[TRq, TSrc, TBl]) Prefix() []byte {
	return p.inner.Prefix()
}

// InjectKeysOrdered resumes the verification. The finalized keys are
// composed with the storage diff so that the verifier sees the best block's
// key space.
func (p *FinalizedStoragePrefixKeys[TRq, TSrc, TBl]) InjectKeysOrdered(keys [][]byte) BlockVerification {
	merged := p.ctx.sync.bestToFinalizedStorageDiff.PrefixKeysOrdered(p.inner.Prefix(), keys)
	return p.ctx.drive(p.inner.InjectKeysOrdered(merged))
}

// FinalizedStorageNextKey asks for the finalized-storage key following Key.
type FinalizedStorageNextKey[TRq, TSrc, TBl any] struct {
	ctx   *bodyContext[TRq, TSrc, TBl]
	inner blocktree.BodyStorageNextKey[TBl]

	// keyOverwrite, when set, replaces the verifier's key: the previously
	// injected finalized next key turned out to be erased in the diff, and
	// the finalized storage must be probed again from there.
	keyOverwrite []byte
}

func (*FinalizedStorageNextKey[TRq, TSrc, TBl]) isBlockVerification() {}

// Key returns the key whose follower must be injected.
func (n *FinalizedStorageNextKey[TRq, TSrc, TBl]) Key() []byte {
	if n.keyOverwrite != nil {
		return n.keyOverwrite
	}
	return n.inner.Key()
}

// InjectKey resumes the verification with the key that follows Key in the
// finalized storage, composing it with the diff to present the best block's
// view.
func (n *FinalizedStorageNextKey[TRq, TSrc, TBl]) InjectKey(key []byte, found bool) BlockVerification {
	result := n.ctx.sync.bestToFinalizedStorageDiff.NextKey(n.Key(), key, found)
	if !result.Resolved {
		return &FinalizedStorageNextKey[TRq, TSrc, TBl]{
			ctx:          n.ctx,
			inner:        n.inner,
			keyOverwrite: result.NextOf,
		}
	}
	return n.ctx.drive(n.inner.InjectKey(result.Key, result.Key != nil))
}

// JustificationVerify is a justification ready to be verified.
type JustificationVerify[TRq, TSrc, TBl any] struct {
	sync *OptimisticSync[TRq, TSrc, TBl]
}

func (*JustificationVerify[TRq, TSrc, TBl]) isProcessOutcome() {}

// JustificationOutcome is the result of JustificationVerify.Perform:
// JustificationReset or *JustificationFinalized.
type JustificationOutcome interface {
	isJustificationOutcome()
}

// JustificationReset: the justification was invalid; its provider was banned
// and the engine rolled back to the finalized block.
type JustificationReset struct {
	PreviousBestHeight uint64
	Err                error
}

func (JustificationReset) isJustificationOutcome() {}

// JustificationFinalized: the best block is now finalized.
type JustificationFinalized[TBl any] struct {
	// FinalizedBlocks are the newly finalized blocks, in increasing height
	// order.
	FinalizedBlocks []blocktree.FinalizedBlock[TBl]
}

func (*JustificationFinalized[TBl]) isJustificationOutcome() {}

// Perform verifies the justification. On success the finalized block
// advances: the storage diff is reset, the best runtime becomes the
// finalized runtime. No separate copy of the finalized chain state is kept;
// the finalized accessors read the tree directly.
func (v *JustificationVerify[TRq, TSrc, TBl]) Perform() JustificationOutcome {
	s := v.sync

	pending := s.pendingJustifications[0]
	s.pendingJustifications = s.pendingJustifications[1:]

	apply, err := s.chain.VerifyJustification(pending.justification)
	if err != nil {
		previousBest := s.reset(pending.source, true)
		s.log.Warnf("justification verification failed: %v", err)
		return JustificationReset{PreviousBestHeight: previousBest, Err: err}
	}

	apply.AppendJustification(pending.justification)

	finalized := apply.Apply()
	// Apply reports blocks in decreasing height; callers want them in
	// increasing height.
	for i, j := 0, len(finalized)-1; i < j; i, j = i+1, j-1 {
		finalized[i], finalized[j] = finalized[j], finalized[i]
	}

	// The best block is now the finalized block: the storage diff is empty
	// by definition, and the best runtime graduates to finalized runtime.
	s.bestToFinalizedStorageDiff.Clear()
	if s.bestRuntime != nil {
		s.finalizedRuntime = s.bestRuntime
		s.bestRuntime = nil
	}

	prometheusOptimisticJustificationsVerified.Inc()

	return &JustificationFinalized[TBl]{FinalizedBlocks: finalized}
}
