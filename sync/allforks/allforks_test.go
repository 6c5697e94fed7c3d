package allforks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlight/driftsync/blocktree/memtree"
	"github.com/driftlight/driftsync/errors"
	"github.com/driftlight/driftsync/model"
)

const testNow = 1000 * time.Second

// makeHeader builds a header chaining to the given parent. The seed makes
// sibling blocks at the same height distinct.
func makeHeader(parent *model.Header, seed byte) *model.Header {
	h := &model.Header{
		ParentHash: parent.Hash(),
		Number:     parent.Number + 1,
	}
	h.StateRoot[0] = seed
	return h
}

// makeChain builds n headers on top of parent.
func makeChain(parent *model.Header, n int, seed byte) []*model.Header {
	out := make([]*model.Header, 0, n)
	for i := 0; i < n; i++ {
		parent = makeHeader(parent, seed)
		out = append(out, parent)
	}
	return out
}

func finalizedHeader(number uint64) *model.Header {
	h := &model.Header{Number: number}
	h.StateRoot[31] = 0xff
	return h
}

type testSync = AllForksSync[string, string, string]

func newTestSync(t *testing.T, finalized *model.Header, opts ...func(*Config[string])) *testSync {
	t.Helper()

	cfg := Config[string]{
		Tree:                memtree.New(memtree.Config[string]{FinalizedHeader: finalized}),
		MaxRequestsPerBlock: 2,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return New[string, string, string](cfg)
}

// announceAll feeds announces for the given headers and commits them.
func announceAll(t *testing.T, s *testSync, src SourceId, headers []*model.Header, lastIsBest bool) {
	t.Helper()

	for i, h := range headers {
		isBest := lastIsBest && i == len(headers)-1
		switch outcome := s.BlockAnnounce(src, h.Encode(), isBest).(type) {
		case *AnnouncedUnknown[string, string, string]:
			outcome.InsertAndUpdateSource("announced")
		case *AnnouncedKnown[string, string, string]:
			outcome.UpdateSourceAndBlock()
		default:
			t.Fatalf("unexpected announce outcome %T", outcome)
		}
	}
}

// drainVerifications runs ProcessOne until AllSync, returning how many
// headers were verified and the last finality outcome.
func drainVerifications(t *testing.T, s *testSync) (headersVerified int, lastFinality FinalityProofVerifyOutcome) {
	t.Helper()

	for i := 0; i < 1000; i++ {
		switch step := s.ProcessOne().(type) {
		case AllSync:
			return headersVerified, lastFinality
		case *HeaderVerify[string, string, string]:
			outcome := step.Perform(testNow)
			require.NoError(t, outcome.Err)
			headersVerified++
		case *FinalityProofVerify[string, string, string]:
			lastFinality = step.Perform()
		}
	}
	t.Fatal("verification did not quiesce")
	return 0, nil
}

func TestLinearCatchUp(t *testing.T) {
	finalized := finalizedHeader(0)
	chain := makeChain(finalized, 10, 'a')
	tip := chain[9]

	s := newTestSync(t, finalized)

	outcome, ok := s.PrepareAddSource(tip.Number, tip.Hash()).(*AddSourceUnknown[string, string, string])
	require.True(t, ok)
	src := outcome.AddSourceAndInsertBlock("sourceA", "tip")

	desired := s.DesiredRequests()
	require.Len(t, desired, 1)
	assert.Equal(t, src, desired[0].SourceId)
	assert.Equal(t, tip.Hash(), desired[0].Params.FirstBlockHash)
	assert.Equal(t, uint64(10), desired[0].Params.FirstBlockHeight)
	assert.Equal(t, uint32(10), desired[0].Params.NumBlocks)

	rq := s.AddRequest(src, desired[0].Params, "rq")
	assert.Equal(t, 1, s.SourceNumOngoingRequests(src))

	userData, search := s.FinishAncestrySearch(rq)
	assert.Equal(t, "rq", userData)
	assert.Equal(t, 0, s.SourceNumOngoingRequests(src))

	for i := 9; i >= 0; i-- {
		outcome, err := search.AddBlock(chain[i].Encode(), nil)
		require.NoError(t, err)
		switch o := outcome.(type) {
		case *AncestryBlockOccupied[string, string, string]:
			o.Replace("downloaded")
		case *AncestryBlockVacant[string, string, string]:
			o.Insert("downloaded")
		}
	}
	search.Finish()

	verified, _ := drainVerifications(t, s)
	assert.Equal(t, 10, verified)
	assert.Equal(t, uint64(10), s.BestBlockNumber())
	assert.Equal(t, tip.Hash(), s.BestBlockHash())
	assert.Len(t, s.NonFinalizedBlocksUnordered(), 10)
	assert.Equal(t, 0, s.NumUnverifiedBlocks())
}

func TestCompetingForks(t *testing.T) {
	finalized := finalizedHeader(4)
	forkA := makeChain(finalized, 3, 'a') // A5 A6 A7
	forkB := makeChain(finalized, 2, 'b') // B5 B6

	s := newTestSync(t, finalized)

	srcA := s.PrepareAddSource(forkA[2].Number, forkA[2].Hash()).(*AddSourceUnknown[string, string, string]).
		AddSourceAndInsertBlock("A", "a7")
	srcB := s.PrepareAddSource(forkB[1].Number, forkB[1].Hash()).(*AddSourceUnknown[string, string, string]).
		AddSourceAndInsertBlock("B", "b6")

	announceAll(t, s, srcA, forkA, true)
	announceAll(t, s, srcB, forkB, true)

	verified, _ := drainVerifications(t, s)
	assert.Equal(t, 5, verified)

	assert.Equal(t, uint64(7), s.BestBlockNumber())
	assert.Equal(t, forkA[2].Hash(), s.BestBlockHash())
	assert.Len(t, s.NonFinalizedBlocksUnordered(), 5)

	for _, h := range forkA {
		assert.True(t, s.SourceKnowsNonFinalizedBlock(srcA, h.Number, h.Hash()))
	}
	for _, h := range forkB {
		assert.True(t, s.SourceKnowsNonFinalizedBlock(srcB, h.Number, h.Hash()))
		assert.False(t, s.SourceKnowsNonFinalizedBlock(srcA, h.Number, h.Hash()))
	}
}

func TestBadBlockMarking(t *testing.T) {
	finalized := finalizedHeader(4)

	s := newTestSync(t, finalized)

	src := s.PrepareAddSource(3, model.Hash{1}).(*AddSourceOldBlock[string, string, string]).AddSource("late")

	// Height finalized+1 but the parent is not the finalized block.
	rogue := &model.Header{Number: 5}
	rogue.ParentHash[0] = 0xbad % 0xff
	outcome := s.BlockAnnounce(src, rogue.Encode(), false).(*AnnouncedUnknown[string, string, string])
	outcome.InsertAndUpdateSource("rogue")

	assert.Equal(t, 1, s.NumUnverifiedBlocks())

	_, ok := s.ProcessOne().(AllSync)
	assert.True(t, ok, "bad block must never be verified")

	// The bad block is not a target for ancestry searches either.
	assert.Empty(t, s.DesiredRequests())
}

func TestCommitBeforeBlock(t *testing.T) {
	finalized := finalizedHeader(4)
	chain := makeChain(finalized, 16, 'a') // heights 5..20
	target := chain[15]

	s := newTestSync(t, finalized)

	src := s.PrepareAddSource(target.Number, target.Hash()).(*AddSourceUnknown[string, string, string]).
		AddSourceAndInsertBlock("src", "tip")

	commit := memtree.EncodeTargetBlob(model.BlockID{Number: 20, Hash: target.Hash()})
	require.NoError(t, s.GrandpaCommitMessage(src, commit))

	_, ok := s.ProcessOne().(AllSync)
	require.True(t, ok, "pending commit must not be verifiable yet")

	announceAll(t, s, src, chain, true)

	verified, lastFinality := drainVerifications(t, s)
	assert.Equal(t, 16, verified)

	finalizedOutcome, ok := lastFinality.(*NewFinalized[string])
	require.True(t, ok)
	require.Len(t, finalizedOutcome.FinalizedBlocks, 16)
	assert.Equal(t, uint64(20), finalizedOutcome.FinalizedBlocks[0].Header.Number)
	assert.Equal(t, uint64(5), finalizedOutcome.FinalizedBlocks[15].Header.Number)

	assert.Equal(t, uint64(20), s.FinalizedBlockHeader().Number)
	assert.Equal(t, 0, s.NumUnverifiedBlocks())
}

func TestBoundedDisjointSetUnderFlood(t *testing.T) {
	finalized := finalizedHeader(4)

	s := newTestSync(t, finalized, func(cfg *Config[string]) {
		cfg.MaxDisjointHeaders = 100
	})

	src := s.PrepareAddSource(1000, model.Hash{0xee}).(*AddSourceUnknown[string, string, string]).
		AddSourceAndInsertBlock("flooder", "claimed")

	var maxSeen int
	for i := 0; i < 500; i++ {
		h := &model.Header{Number: uint64(10 + i)}
		h.ParentHash[0] = byte(i)
		h.ParentHash[1] = byte(i >> 8)
		h.ParentHash[2] = 0x77 // parents unknown to the state machine

		if outcome, ok := s.BlockAnnounce(src, h.Encode(), false).(*AnnouncedUnknown[string, string, string]); ok {
			outcome.InsertAndUpdateSource("flood")
		}
		if n := s.NumUnverifiedBlocks(); n > maxSeen {
			maxSeen = n
		}
	}

	assert.LessOrEqual(t, s.NumUnverifiedBlocks(), 100)
	assert.LessOrEqual(t, maxSeen, 100, "the bound must hold after every announce")

	// Eviction prefers the highest blocks: the survivors are the oldest
	// announced ones.
	for _, rq := range s.DesiredRequests() {
		assert.Less(t, rq.Params.FirstBlockHeight, uint64(10+500))
	}
}

func TestEmptyAncestryResponseForgetsKnownBlock(t *testing.T) {
	finalized := finalizedHeader(0)
	chain := makeChain(finalized, 5, 'a')
	tip := chain[4]

	s := newTestSync(t, finalized)
	src := s.PrepareAddSource(tip.Number, tip.Hash()).(*AddSourceUnknown[string, string, string]).
		AddSourceAndInsertBlock("src", "tip")

	require.True(t, s.SourceKnowsNonFinalizedBlock(src, tip.Number, tip.Hash()))

	rq := s.AddRequest(src, RequestParams{
		FirstBlockHash:   tip.Hash(),
		FirstBlockHeight: tip.Number,
		NumBlocks:        5,
	}, "rq")

	_, search := s.FinishAncestrySearch(rq)
	search.Finish()

	// The source failed to serve a block it claimed to know: stop asking it.
	assert.False(t, s.SourceKnowsNonFinalizedBlock(src, tip.Number, tip.Hash()))
	assert.Empty(t, s.DesiredRequests())
}

func TestAncestryResponseNotFinalizedChain(t *testing.T) {
	finalized := finalizedHeader(4)

	s := newTestSync(t, finalized)

	rogue := &model.Header{Number: 5}
	rogue.ParentHash[7] = 0x99

	src := s.PrepareAddSource(rogue.Number, rogue.Hash()).(*AddSourceUnknown[string, string, string]).
		AddSourceAndInsertBlock("src", "tip")

	rq := s.AddRequest(src, RequestParams{
		FirstBlockHash:   rogue.Hash(),
		FirstBlockHeight: rogue.Number,
		NumBlocks:        1,
	}, "rq")

	_, search := s.FinishAncestrySearch(rq)
	_, err := search.AddBlock(rogue.Encode(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFinalizedChain))
}

func TestAncestryResponseUnexpectedBlock(t *testing.T) {
	finalized := finalizedHeader(0)
	chain := makeChain(finalized, 3, 'a')
	other := makeChain(finalized, 3, 'b')

	s := newTestSync(t, finalized)
	src := s.PrepareAddSource(chain[2].Number, chain[2].Hash()).(*AddSourceUnknown[string, string, string]).
		AddSourceAndInsertBlock("src", "tip")

	rq := s.AddRequest(src, RequestParams{
		FirstBlockHash:   chain[2].Hash(),
		FirstBlockHeight: chain[2].Number,
		NumBlocks:        3,
	}, "rq")

	_, search := s.FinishAncestrySearch(rq)
	_, err := search.AddBlock(other[2].Encode(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnexpectedBlock))
}

func TestRemoveSourceDrainsRequests(t *testing.T) {
	finalized := finalizedHeader(0)
	chain := makeChain(finalized, 5, 'a')
	tip := chain[4]

	s := newTestSync(t, finalized)
	src := s.PrepareAddSource(tip.Number, tip.Hash()).(*AddSourceUnknown[string, string, string]).
		AddSourceAndInsertBlock("src", "tip")

	params := RequestParams{FirstBlockHash: tip.Hash(), FirstBlockHeight: tip.Number, NumBlocks: 5}
	first := s.AddRequest(src, params, "one")
	second := s.AddRequest(src, params, "two")
	require.Equal(t, 2, s.SourceNumOngoingRequests(src))

	userData, cancelled := s.RemoveSource(src)
	assert.Equal(t, "src", userData)
	require.Len(t, cancelled, 2)
	assert.Equal(t, first, cancelled[0].Id)
	assert.Equal(t, "one", cancelled[0].UserData)
	assert.Equal(t, second, cancelled[1].Id)
	assert.Empty(t, s.Sources())
}

func TestRepeatedAddKnownBlockIsIdempotent(t *testing.T) {
	finalized := finalizedHeader(0)
	chain := makeChain(finalized, 3, 'a')
	tip := chain[2]

	s := newTestSync(t, finalized)
	src := s.PrepareAddSource(tip.Number, tip.Hash()).(*AddSourceUnknown[string, string, string]).
		AddSourceAndInsertBlock("src", "tip")

	for i := 0; i < 5; i++ {
		s.AddKnownBlockToSource(src, tip.Number, tip.Hash())
	}
	assert.Equal(t, []SourceId{src}, s.KnowsNonFinalizedBlock(tip.Number, tip.Hash()))
}

func TestMaxRequestsPerBlock(t *testing.T) {
	finalized := finalizedHeader(0)
	chain := makeChain(finalized, 5, 'a')
	tip := chain[4]

	s := newTestSync(t, finalized, func(cfg *Config[string]) {
		cfg.MaxRequestsPerBlock = 1
	})

	src1 := s.PrepareAddSource(tip.Number, tip.Hash()).(*AddSourceUnknown[string, string, string]).
		AddSourceAndInsertBlock("one", "tip")
	prep := s.PrepareAddSource(tip.Number, tip.Hash()).(*AddSourceKnown[string, string, string])
	prep.AddSource("two")

	desired := s.DesiredRequests()
	require.Len(t, desired, 1, "only one request per block allowed")

	s.AddRequest(src1, desired[0].Params, "rq")
	assert.Empty(t, s.DesiredRequests(), "the block request budget is exhausted")
}

func TestProcessOneIsFixpointWhenQuiescent(t *testing.T) {
	finalized := finalizedHeader(0)
	s := newTestSync(t, finalized)

	for i := 0; i < 3; i++ {
		_, ok := s.ProcessOne().(AllSync)
		require.True(t, ok)
	}
}

func TestHeaderVerifyFailureMarksBlockBad(t *testing.T) {
	finalized := finalizedHeader(0)
	chain := makeChain(finalized, 2, 'a')

	tree := memtree.New(memtree.Config[string]{
		FinalizedHeader: finalized,
		VerifyHook: func(h *model.Header, _ time.Duration) error {
			if h.Number == 1 {
				return errors.ErrVerificationFailed
			}
			return nil
		},
	})
	s := New[string, string, string](Config[string]{Tree: tree, MaxRequestsPerBlock: 1})

	src := s.PrepareAddSource(chain[1].Number, chain[1].Hash()).(*AddSourceUnknown[string, string, string]).
		AddSourceAndInsertBlock("src", "tip")
	announceAll(t, s, src, chain, true)

	verify, ok := s.ProcessOne().(*HeaderVerify[string, string, string])
	require.True(t, ok)
	outcome := verify.Perform(testNow)
	assert.True(t, errors.Is(outcome.Err, errors.ErrVerificationFailed))

	// The bad block stays in the set so its descendants remain suppressed.
	assert.Equal(t, 2, s.NumUnverifiedBlocks())
	_, allSync := s.ProcessOne().(AllSync)
	assert.True(t, allSync)
}
