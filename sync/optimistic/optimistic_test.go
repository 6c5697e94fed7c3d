package optimistic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlight/driftsync/blocktree/memtree"
	"github.com/driftlight/driftsync/errors"
	"github.com/driftlight/driftsync/model"
	"github.com/driftlight/driftsync/runtimevm"
	"github.com/driftlight/driftsync/storagediff"
)

const testNow = 1000 * time.Second

func finalizedHeader(number uint64) *model.Header {
	h := &model.Header{Number: number}
	h.StateRoot[31] = 0xff
	return h
}

func makeChain(parent *model.Header, n int) []*model.Header {
	out := make([]*model.Header, 0, n)
	for i := 0; i < n; i++ {
		h := &model.Header{ParentHash: parent.Hash(), Number: parent.Number + 1}
		h.StateRoot[0] = 'c'
		out = append(out, h)
		parent = h
	}
	return out
}

func toResponse(headers []*model.Header) []RequestSuccessBlock[string] {
	out := make([]RequestSuccessBlock[string], 0, len(headers))
	for _, h := range headers {
		out = append(out, RequestSuccessBlock[string]{
			ScaleEncodedHeader: h.Encode(),
			UserData:           "block",
		})
	}
	return out
}

type testSync = OptimisticSync[string, string, string]

func newTestSync(t *testing.T, finalized *model.Header, downloadAhead uint32, full *ConfigFull, hooks ...func(*memtree.Config[string])) *testSync {
	t.Helper()

	treeCfg := memtree.Config[string]{FinalizedHeader: finalized}
	for _, hook := range hooks {
		hook(&treeCfg)
	}

	return New[string, string, string](Config[string]{
		Tree:                memtree.New(treeCfg),
		DownloadAheadBlocks: downloadAhead,
		Full:                full,
	})
}

// verifyAll drives ProcessOne until Idle, failing the test on any reset.
func verifyAll(t *testing.T, s *testSync) (blocks int, justifications int) {
	t.Helper()

	for i := 0; i < 1000; i++ {
		switch step := s.ProcessOne().(type) {
		case Idle:
			return blocks, justifications
		case *BlockVerify[string, string, string]:
			outcome := step.Start(testNow)
			_, ok := outcome.(VerifyNewBest)
			require.True(t, ok, "unexpected verification outcome %T", outcome)
			blocks++
		case *JustificationVerify[string, string, string]:
			outcome := step.Perform()
			_, ok := outcome.(*JustificationFinalized[string])
			require.True(t, ok, "unexpected justification outcome %T", outcome)
			justifications++
		}
	}
	t.Fatal("verification did not quiesce")
	return 0, 0
}

func TestLinearDownloadAndVerify(t *testing.T) {
	finalized := finalizedHeader(0)
	chain := makeChain(finalized, 10)

	s := newTestSync(t, finalized, 16, nil)
	src := s.AddSource("peer", 10)

	desired := s.DesiredRequests()
	require.Len(t, desired, 1)
	assert.Equal(t, src, desired[0].SourceId)
	assert.Equal(t, uint64(1), desired[0].BlockHeight)
	assert.Equal(t, uint32(10), desired[0].NumBlocks, "clamped to the source's best block")

	rq := s.InsertRequest(desired[0], "rq")
	assert.Equal(t, 1, s.SourceNumOngoingRequests(src))

	userData, outcome := s.FinishRequestSuccess(rq, toResponse(chain))
	assert.Equal(t, "rq", userData)
	assert.Equal(t, FinishRequestQueued, outcome)
	assert.Equal(t, 0, s.SourceNumOngoingRequests(src))

	blocks, _ := verifyAll(t, s)
	assert.Equal(t, 10, blocks)
	assert.Equal(t, uint64(10), s.BestBlockNumber())
	assert.Equal(t, chain[9].Hash(), s.BestBlockHash())
}

func TestJustificationFinalizesBestBlock(t *testing.T) {
	finalized := finalizedHeader(0)
	chain := makeChain(finalized, 5)

	s := newTestSync(t, finalized, 8, nil)
	s.AddSource("peer", 5)

	desired := s.DesiredRequests()
	require.Len(t, desired, 1)
	rq := s.InsertRequest(desired[0], "rq")

	response := toResponse(chain)
	response[4].Justifications = []model.Justification{{
		EngineID: model.ConsensusEngineID{'F', 'R', 'N', 'K'},
		Blob:     memtree.EncodeTargetBlob(model.BlockID{Number: 5, Hash: chain[4].Hash()}),
	}}
	s.FinishRequestSuccess(rq, response)

	blocks, justifications := verifyAll(t, s)
	assert.Equal(t, 5, blocks)
	assert.Equal(t, 1, justifications)

	assert.Equal(t, uint64(5), s.FinalizedBlockHeader().Number)
	assert.Equal(t, uint64(5), s.BestBlockNumber())
	assert.Empty(t, s.NonFinalizedBlocksUnordered())
}

func TestResetOnBadHeader(t *testing.T) {
	finalized := finalizedHeader(0)
	chain := makeChain(finalized, 10)

	s := newTestSync(t, finalized, 16, nil, func(cfg *memtree.Config[string]) {
		cfg.VerifyHook = func(h *model.Header, _ time.Duration) error {
			if h.Number == 7 {
				return errors.ErrVerificationFailed
			}
			return nil
		}
	})

	good := s.AddSource("good", 10)
	bad := s.AddSource("bad", 10)

	// The first six blocks come from the good source, the rest from the one
	// that will be blamed for the failure.
	rq1 := s.InsertRequest(RequestDetail{SourceId: good, BlockHeight: 1, NumBlocks: 6}, "rq1")
	rq2 := s.InsertRequest(RequestDetail{SourceId: bad, BlockHeight: 7, NumBlocks: 4}, "rq2")
	s.FinishRequestSuccess(rq1, toResponse(chain[:6]))
	s.FinishRequestSuccess(rq2, toResponse(chain[6:]))

	for i := 0; i < 6; i++ {
		step := s.ProcessOne().(*BlockVerify[string, string, string])
		_, ok := step.Start(testNow).(VerifyNewBest)
		require.True(t, ok)
	}

	step := s.ProcessOne().(*BlockVerify[string, string, string])
	reset, ok := step.Start(testNow).(VerifyReset)
	require.True(t, ok)
	assert.Equal(t, uint64(6), reset.PreviousBestHeight)
	assert.True(t, errors.Is(reset.Reason, errors.ErrVerificationFailed))

	// Header-only failures keep the already-verified tree; the download
	// window restarts at best+1.
	assert.Equal(t, uint64(6), s.BestBlockNumber())

	desired := s.DesiredRequests()
	require.NotEmpty(t, desired)
	assert.Equal(t, uint64(7), desired[0].BlockHeight)
	for _, d := range desired {
		assert.Equal(t, good, d.SourceId, "the banned source must not be suggested")
	}
}

type fakeRuntime struct{ name string }

func (f *fakeRuntime) RunNoParam(string) (runtimevm.State, error) {
	return nil, errors.New(errors.ERR_VM_START, "not runnable in tests")
}

func TestFullModeResetOnBadBody(t *testing.T) {
	finalized := finalizedHeader(0)
	chain := makeChain(finalized, 8)

	runtime := &fakeRuntime{name: "finalized"}

	s := newTestSync(t, finalized, 16, &ConfigFull{FinalizedRuntime: runtime}, func(cfg *memtree.Config[string]) {
		cfg.BodyHook = func(h *model.Header, _ [][]byte) (*storagediff.Diff, error) {
			if h.Number == 7 {
				return nil, errors.New(errors.ERR_VM_TRAPPED, "runtime trapped")
			}
			diff := storagediff.New()
			diff.Set([]byte("counter"), []byte{byte(h.Number)})
			return diff, nil
		}
	})

	src := s.AddSource("peer", 8)
	rq := s.InsertRequest(RequestDetail{SourceId: src, BlockHeight: 1, NumBlocks: 8}, "rq")
	s.FinishRequestSuccess(rq, toResponse(chain))

	for i := 0; i < 6; i++ {
		step := s.ProcessOne().(*BlockVerify[string, string, string])
		require.True(t, step.IsFullVerification())
		_, ok := step.Start(testNow).(VerifyNewBest)
		require.True(t, ok)
	}

	// The storage diff tracks the best block.
	value, found := s.BestBlockStorageGet([]byte("counter"), func() ([]byte, bool) { return nil, false })
	require.True(t, found)
	assert.Equal(t, []byte{6}, value)

	step := s.ProcessOne().(*BlockVerify[string, string, string])
	reset, ok := step.Start(testNow).(VerifyReset)
	require.True(t, ok)
	assert.Equal(t, uint64(6), reset.PreviousBestHeight)
	assert.True(t, errors.Is(reset.Reason, errors.ErrBodyVerificationFailed))

	// A full reset rolls everything back to the finalized block.
	assert.Equal(t, uint64(0), s.BestBlockNumber())
	_, found = s.BestBlockStorageGet([]byte("counter"), func() ([]byte, bool) { return nil, false })
	assert.False(t, found, "the storage diff must be discarded")

	_, idle := s.ProcessOne().(Idle)
	assert.True(t, idle)

	// The only source got banned, which immediately lifted every ban; the
	// download window restarts at height 1.
	desired := s.DesiredRequests()
	require.NotEmpty(t, desired)
	assert.Equal(t, uint64(1), desired[0].BlockHeight)
}

func TestBanAndGlobalUnban(t *testing.T) {
	finalized := finalizedHeader(0)

	s := newTestSync(t, finalized, 8, nil)
	one := s.AddSource("one", 20)
	two := s.AddSource("two", 20)

	rq1 := s.InsertRequest(RequestDetail{SourceId: one, BlockHeight: 1, NumBlocks: 4}, "rq1")
	s.FinishRequestFailed(rq1)

	// Source one is banned; only source two gets suggested.
	for _, d := range s.DesiredRequests() {
		assert.Equal(t, two, d.SourceId)
	}

	rq2 := s.InsertRequest(RequestDetail{SourceId: two, BlockHeight: 1, NumBlocks: 4}, "rq2")
	s.FinishRequestFailed(rq2)

	// Banning the last source lifts every ban in the same call.
	sources := make(map[SourceId]bool)
	for _, d := range s.DesiredRequests() {
		sources[d.SourceId] = true
	}
	assert.True(t, sources[one])
	assert.True(t, sources[two])
}

func TestObsoleteRequestResponseIsDiscarded(t *testing.T) {
	finalized := finalizedHeader(0)
	chain := makeChain(finalized, 4)

	s := newTestSync(t, finalized, 8, nil)
	src := s.AddSource("peer", 10)

	first := s.InsertRequest(RequestDetail{SourceId: src, BlockHeight: 1, NumBlocks: 4}, "first")
	// Same range again: the range is no longer missing, so the request is
	// born obsolete.
	second := s.InsertRequest(RequestDetail{SourceId: src, BlockHeight: 1, NumBlocks: 4}, "second")

	obsolete := s.ObsoleteRequests()
	require.Len(t, obsolete, 1)
	assert.Equal(t, second, obsolete[0].Id)
	assert.Equal(t, 2, s.SourceNumOngoingRequests(src))

	userData, outcome := s.FinishRequestSuccess(second, toResponse(chain))
	assert.Equal(t, "second", userData)
	assert.Equal(t, FinishRequestObsolete, outcome)
	assert.Equal(t, 1, s.SourceNumOngoingRequests(src))

	userData, outcome = s.FinishRequestSuccess(first, toResponse(chain))
	assert.Equal(t, "first", userData)
	assert.Equal(t, FinishRequestQueued, outcome)
}

func TestRemoveSourceCancelsRequests(t *testing.T) {
	finalized := finalizedHeader(0)

	s := newTestSync(t, finalized, 16, nil)
	src := s.AddSource("peer", 20)

	rq1 := s.InsertRequest(RequestDetail{SourceId: src, BlockHeight: 1, NumBlocks: 4}, "one")
	rq2 := s.InsertRequest(RequestDetail{SourceId: src, BlockHeight: 5, NumBlocks: 4}, "two")

	userData, cancelled := s.RemoveSource(src)
	assert.Equal(t, "peer", userData)
	require.Len(t, cancelled, 2)
	assert.Equal(t, rq1, cancelled[0].Id)
	assert.Equal(t, rq2, cancelled[1].Id)
	assert.Empty(t, s.Sources())
}

func TestDesiredRequestsClampedToSource(t *testing.T) {
	finalized := finalizedHeader(0)

	s := newTestSync(t, finalized, 100, nil)
	s.AddSource("short", 5)

	desired := s.DesiredRequests()
	require.Len(t, desired, 1)
	assert.Equal(t, uint64(1), desired[0].BlockHeight)
	assert.Equal(t, uint32(5), desired[0].NumBlocks)
}

func TestPartialResponseLeavesRemainderMissing(t *testing.T) {
	finalized := finalizedHeader(0)
	chain := makeChain(finalized, 3)

	s := newTestSync(t, finalized, 8, nil)
	src := s.AddSource("peer", 8)

	rq := s.InsertRequest(RequestDetail{SourceId: src, BlockHeight: 1, NumBlocks: 8}, "rq")
	s.FinishRequestSuccess(rq, toResponse(chain))

	desired := s.DesiredRequests()
	require.NotEmpty(t, desired)
	assert.Equal(t, uint64(4), desired[0].BlockHeight, "the undelivered remainder is requested again")
}
