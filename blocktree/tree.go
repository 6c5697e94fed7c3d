// Package blocktree defines the contract between the sync engines and the
// non-finalized block tree. The tree itself — header, justification and body
// verification included — lives outside the engines; this package only names
// what they consume. A reference in-memory implementation suitable for tests
// and light embedders is provided in the memtree subpackage.
package blocktree

import (
	"fmt"
	"time"

	"github.com/driftlight/driftsync/errors"
	"github.com/driftlight/driftsync/model"
	"github.com/driftlight/driftsync/runtimevm"
	"github.com/driftlight/driftsync/storagediff"
)

// FinalizedBlock is a block reported as newly finalized, together with the
// user data that was attached to it in the tree.
type FinalizedBlock[TBl any] struct {
	Header         model.Header
	Justifications []model.Justification
	UserData       TBl
}

// HeaderInsert is a successfully verified header waiting to be inserted.
// Dropping it without calling Insert leaves the tree untouched.
type HeaderInsert[TBl any] interface {
	Header() *model.Header

	// IsNewBest reports whether the block will become the best block once
	// inserted.
	IsNewBest() bool

	Insert(userData TBl)
}

// FinalityApply is a successfully verified finality proof waiting to be
// applied.
type FinalityApply[TBl any] interface {
	// UpdatesBestBlock reports whether applying the proof changes the best
	// block, which happens when the previous best block does not descend from
	// the newly finalized block.
	UpdatesBestBlock() bool

	// TargetBlock returns the block the proof finalizes.
	TargetBlock() model.BlockID

	// AppendJustification attaches a justification to the target block before
	// the proof is applied, so it is reported back with the finalized block.
	AppendJustification(j model.Justification)

	// Apply finalizes the target block and prunes everything that does not
	// descend from it. The now-finalized blocks are returned in decreasing
	// height order.
	Apply() []FinalizedBlock[TBl]
}

// Tree is the non-finalized block tree: every block in it descends from the
// latest finalized block, and children are only inserted after their parent.
//
// Verification errors are typed with the driftsync errors package:
//
//   - VerifyHeader: ErrVerificationFailed, ErrConsensusMismatch,
//     ErrUnknownConsensusEngine.
//   - VerifyJustification / VerifyGrandpaCommit: ErrFinalityEqualToFinalized,
//     ErrFinalityBelowFinalized, ErrBadJustification, ErrBadCommit, and — for
//     commits — ErrFinalityUnknownTarget, ErrFinalityTooFarAhead,
//     ErrFinalityNotEnoughBlocks, each carrying the target block number
//     recoverable through FinalityTargetNumber.
type Tree[TBl any] interface {
	FinalizedBlockHeader() *model.Header
	FinalizedBlockNumber() uint64
	FinalizedBlockHash() model.Hash

	BestBlockHeader() *model.Header
	BestBlockNumber() uint64
	BestBlockHash() model.Hash

	// Contains reports whether the non-finalized tree holds a block with the
	// given hash.
	Contains(hash model.Hash) bool

	UserData(hash model.Hash) (TBl, bool)
	SetUserData(hash model.Hash, userData TBl) bool

	// BlocksUnordered returns the headers of all non-finalized blocks in no
	// particular order.
	BlocksUnordered() []*model.Header

	// BlocksAncestryOrder returns the headers of all non-finalized blocks,
	// parents before children.
	BlocksAncestryOrder() []*model.Header

	IsEmpty() bool

	// VerifyHeader verifies a header against the tree. now is the current
	// UNIX time, used to reject headers from the future.
	VerifyHeader(scaleEncodedHeader []byte, now time.Duration) (HeaderInsert[TBl], error)

	VerifyJustification(j model.Justification) (FinalityApply[TBl], error)
	VerifyGrandpaCommit(scaleEncodedCommit []byte) (FinalityApply[TBl], error)

	// VerifyBody starts a full header+body verification. The returned step is
	// one of the Body* interfaces of this package.
	VerifyBody(scaleEncodedHeader []byte, now time.Duration) BodyStep[TBl]

	// ResetToFinalized returns a fresh tree containing only the current
	// finalized block. The receiver must not be used afterwards.
	ResetToFinalized() Tree[TBl]
}

// TargetBlockNumber is attached as error data to finality errors that carry
// the number of the block the proof targets.
type TargetBlockNumber struct {
	Number uint64
}

func (t TargetBlockNumber) Error() string {
	return fmt.Sprintf("target block %d", t.Number)
}

// FinalityTargetNumber extracts the target block number from a finality
// verification error, if it carries one.
func FinalityTargetNumber(err error) (uint64, bool) {
	var t TargetBlockNumber
	if errors.As(err, &t) {
		return t.Number, true
	}
	return 0, false
}

// BodyStep is one step of a full body verification. It is always one of:
// BodyRuntimeRequired, BodyStorageGet, BodyStorageNextKey,
// BodyStoragePrefixKeys, BodyRuntimeCompilation, BodyFinished, BodyRejected
// or BodyError.
type BodyStep[TBl any] interface{}

// BodyRuntimeRequired asks for the parent block's runtime before the body can
// be executed.
type BodyRuntimeRequired[TBl any] interface {
	Resume(parentRuntime runtimevm.Prototype, body [][]byte, trieCache any) BodyStep[TBl]
}

// BodyStorageGet asks for a storage value of the parent block.
type BodyStorageGet[TBl any] interface {
	Key() []byte
	InjectValue(value []byte, found bool) BodyStep[TBl]
}

// BodyStorageNextKey asks for the key following Key in the parent block's
// storage.
type BodyStorageNextKey[TBl any] interface {
	Key() []byte
	InjectKey(key []byte, found bool) BodyStep[TBl]
}

// BodyStoragePrefixKeys asks for all parent-block storage keys starting with
// Prefix, in lexicographic order.
type BodyStoragePrefixKeys[TBl any] interface {
	Prefix() []byte
	InjectKeysOrdered(keys [][]byte) BodyStep[TBl]
}

// BodyRuntimeCompilation indicates that a new runtime was found in the block's
// storage changes (":code" or ":heappages") and must be compiled.
type BodyRuntimeCompilation[TBl any] interface {
	Build() BodyStep[TBl]
}

// BodyFinished is a successful body verification.
type BodyFinished[TBl any] interface {
	StorageChanges() *storagediff.Diff
	OffchainStorageChanges() *storagediff.Diff
	TrieCache() any

	// ParentRuntime gives back the runtime that was supplied through
	// BodyRuntimeRequired.
	ParentRuntime() runtimevm.Prototype

	// NewRuntime returns the freshly compiled runtime if the block replaced
	// the on-chain code.
	NewRuntime() (runtimevm.Prototype, bool)

	Insert() HeaderInsert[TBl]
}

// BodyRejected is a verification that failed before the runtime was handed
// over: invalid header, duplicate block, or a parent that is not the best
// block. Reason is ErrInvalidHeader, ErrNonCanonical or wraps a decode error.
type BodyRejected[TBl any] interface {
	Reason() error
}

// BodyError is a verification that failed during body execution. The runtime
// supplied through BodyRuntimeRequired is handed back.
type BodyError[TBl any] interface {
	Err() error
	ParentRuntime() runtimevm.Prototype
}
