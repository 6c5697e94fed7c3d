package memtree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlight/driftsync/errors"
	"github.com/driftlight/driftsync/model"
)

func header(parent *model.Header, seed byte) *model.Header {
	h := &model.Header{ParentHash: parent.Hash(), Number: parent.Number + 1}
	h.StateRoot[0] = seed
	return h
}

func TestVerifyHeaderAndInsert(t *testing.T) {
	finalized := &model.Header{Number: 0}
	tree := New(Config[string]{FinalizedHeader: finalized})

	h1 := header(finalized, 'a')
	insert, err := tree.VerifyHeader(h1.Encode(), time.Second)
	require.NoError(t, err)
	assert.True(t, insert.IsNewBest())

	// Nothing changes until Insert is called.
	assert.False(t, tree.Contains(h1.Hash()))
	insert.Insert("one")

	assert.True(t, tree.Contains(h1.Hash()))
	assert.Equal(t, uint64(1), tree.BestBlockNumber())

	ud, ok := tree.UserData(h1.Hash())
	require.True(t, ok)
	assert.Equal(t, "one", ud)

	// A sibling of the best block is not a new best.
	sibling := header(finalized, 'b')
	insert, err = tree.VerifyHeader(sibling.Encode(), time.Second)
	require.NoError(t, err)
	assert.False(t, insert.IsNewBest())
	insert.Insert("sibling")

	// Unknown parents and duplicates are rejected.
	orphan := &model.Header{Number: 5, ParentHash: model.Hash{9}}
	_, err = tree.VerifyHeader(orphan.Encode(), time.Second)
	assert.Error(t, err)
	_, err = tree.VerifyHeader(h1.Encode(), time.Second)
	assert.Error(t, err)
}

func TestFinalityPrunesSideBranches(t *testing.T) {
	finalized := &model.Header{Number: 0}
	tree := New(Config[string]{FinalizedHeader: finalized})

	a1 := header(finalized, 'a')
	a2 := header(a1, 'a')
	b1 := header(finalized, 'b')
	for _, h := range []*model.Header{a1, a2, b1} {
		insert, err := tree.VerifyHeader(h.Encode(), time.Second)
		require.NoError(t, err)
		insert.Insert(h.StateRoot.String())
	}

	apply, err := tree.VerifyGrandpaCommit(EncodeTargetBlob(model.BlockID{Number: 2, Hash: a2.Hash()}))
	require.NoError(t, err)
	finalizedBlocks := apply.Apply()

	require.Len(t, finalizedBlocks, 2)
	assert.Equal(t, uint64(2), finalizedBlocks[0].Header.Number)
	assert.Equal(t, uint64(1), finalizedBlocks[1].Header.Number)

	assert.Equal(t, uint64(2), tree.FinalizedBlockNumber())
	assert.True(t, tree.IsEmpty(), "the side branch must be pruned")

	// Old targets are now reported as already finalized.
	_, err = tree.VerifyGrandpaCommit(EncodeTargetBlob(model.BlockID{Number: 2, Hash: a2.Hash()}))
	assert.True(t, errors.Is(err, errors.ErrFinalityEqualToFinalized))
	_, err = tree.VerifyGrandpaCommit(EncodeTargetBlob(model.BlockID{Number: 1, Hash: a1.Hash()}))
	assert.True(t, errors.Is(err, errors.ErrFinalityBelowFinalized))

	// Unknown future targets carry their block number.
	_, err = tree.VerifyGrandpaCommit(EncodeTargetBlob(model.BlockID{Number: 9, Hash: model.Hash{9}}))
	assert.True(t, errors.Is(err, errors.ErrFinalityUnknownTarget))
}

func TestResetToFinalized(t *testing.T) {
	finalized := &model.Header{Number: 0}
	tree := New(Config[string]{FinalizedHeader: finalized})

	h1 := header(finalized, 'a')
	insert, err := tree.VerifyHeader(h1.Encode(), time.Second)
	require.NoError(t, err)
	insert.Insert("one")

	fresh := tree.ResetToFinalized()
	assert.True(t, fresh.IsEmpty())
	assert.Equal(t, uint64(0), fresh.BestBlockNumber())
	assert.Equal(t, finalized.Hash(), fresh.FinalizedBlockHash())
}
