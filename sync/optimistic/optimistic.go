// Package optimistic implements the bulk catch-up synchronization engine.
//
// The engine assumes cooperative sources: it downloads a single canonical
// chain far ahead of verification and rolls everything back on any
// verification failure. Like the allforks engine it is a passive state
// machine driven by the caller, with no internal goroutine or timer.
package optimistic

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/driftlight/driftsync/blocktree"
	"github.com/driftlight/driftsync/model"
	"github.com/driftlight/driftsync/runtimevm"
	"github.com/driftlight/driftsync/storagediff"
	"github.com/driftlight/driftsync/ulogger"
)

// SourceId identifies a block source. Identifiers are never reused, so a
// source recorded in the verification queue can never collide with a newly
// added one.
type SourceId uint64

// RequestId identifies an ongoing request. Identifiers are never reused.
type RequestId uint64

// Config configures an OptimisticSync.
type Config[TBl any] struct {
	Logger ulogger.Logger

	// Tree is the non-finalized block tree, positioned on the latest
	// finalized block.
	Tree blocktree.Tree[TBl]

	SourcesCapacity int
	BlocksCapacity  int

	// DownloadAheadBlocks is the size of the download window ahead of the
	// best block. Must be at least 1. Requesting blocks has latency;
	// downloading ahead keeps verification from stalling on the network.
	DownloadAheadBlocks uint32

	// Full, if non-nil, enables body download and verification.
	Full *ConfigFull
}

// ConfigFull is the extra configuration of full mode.
type ConfigFull struct {
	// FinalizedRuntime is the compiled runtime of the finalized block.
	FinalizedRuntime runtimevm.Prototype
}

type optSource[TSrc any] struct {
	userData        TSrc
	bestBlockNumber uint64

	// banned sources are not suggested by DesiredRequests. The ban lifts
	// when every source ends up banned; it is an optimization, not a line of
	// defense.
	banned bool

	numOngoingRequests uint32
}

type pendingJustification struct {
	justification model.Justification
	source        SourceId
}

// OptimisticSync is the bulk catch-up state machine.
type OptimisticSync[TRq, TSrc, TBl any] struct {
	log   ulogger.Logger
	chain blocktree.Tree[TBl]

	// finalizedRuntime / bestRuntime hold the exclusive runtime handle in
	// full mode. The handle is extracted before each body verification and
	// put back afterwards; it is never aliased.
	finalizedRuntime runtimevm.Prototype
	bestRuntime      runtimevm.Prototype

	// bestToFinalizedStorageDiff is the storage of the best block expressed
	// as changes against the finalized block.
	bestToFinalizedStorageDiff *storagediff.Diff

	// trieCache is the opaque trie-root calculation cache handed back and
	// forth with the body verifier.
	trieCache any

	downloadAheadBlocks uint32
	full                bool

	sources      map[SourceId]*optSource[TSrc]
	nextSourceId SourceId

	queue *verificationQueue[TRq, TBl]

	pendingJustifications []pendingJustification

	nextRequestId RequestId

	// Requests whose answers are no longer desired, indexed both by id and
	// by (source, id) so that source removal stays cheap.
	obsoleteRequests         map[RequestId]requestRef[TRq]
	obsoleteRequestsBySource map[SourceId]map[RequestId]struct{}
}

// New builds a new OptimisticSync.
func New[TRq, TSrc, TBl any](cfg Config[TBl]) *OptimisticSync[TRq, TSrc, TBl] {
	initPrometheusMetrics()

	if cfg.Tree == nil {
		panic("optimistic: nil tree")
	}
	if cfg.DownloadAheadBlocks < 1 {
		panic("optimistic: DownloadAheadBlocks must be at least 1")
	}
	if cfg.Logger == nil {
		cfg.Logger = ulogger.TestLogger{}
	}

	s := &OptimisticSync[TRq, TSrc, TBl]{
		log:                        cfg.Logger,
		chain:                      cfg.Tree,
		bestToFinalizedStorageDiff: storagediff.New(),
		downloadAheadBlocks:        cfg.DownloadAheadBlocks,
		sources:                    make(map[SourceId]*optSource[TSrc], cfg.SourcesCapacity),
		queue:                      newVerificationQueue[TRq, TBl](cfg.Tree.BestBlockNumber() + 1),
		obsoleteRequests:           make(map[RequestId]requestRef[TRq]),
		obsoleteRequestsBySource:   make(map[SourceId]map[RequestId]struct{}),
	}
	if cfg.Full != nil {
		s.full = true
		s.finalizedRuntime = cfg.Full.FinalizedRuntime
	}

	prometheusOptimisticBestHeight.Set(float64(cfg.Tree.BestBlockNumber()))

	return s
}

func (s *OptimisticSync[TRq, TSrc, TBl]) FinalizedBlockHeader() *model.Header {
	return s.chain.FinalizedBlockHeader()
}

func (s *OptimisticSync[TRq, TSrc, TBl]) BestBlockHeader() *model.Header {
	return s.chain.BestBlockHeader()
}

func (s *OptimisticSync[TRq, TSrc, TBl]) BestBlockNumber() uint64 {
	return s.chain.BestBlockNumber()
}

func (s *OptimisticSync[TRq, TSrc, TBl]) BestBlockHash() model.Hash {
	return s.chain.BestBlockHash()
}

// NonFinalizedBlocksUnordered returns the headers of all verified
// non-finalized blocks, in no particular order.
func (s *OptimisticSync[TRq, TSrc, TBl]) NonFinalizedBlocksUnordered() []*model.Header {
	return s.chain.BlocksUnordered()
}

// NonFinalizedBlocksAncestryOrder returns the headers of all verified
// non-finalized blocks, parents before children.
func (s *OptimisticSync[TRq, TSrc, TBl]) NonFinalizedBlocksAncestryOrder() []*model.Header {
	return s.chain.BlocksAncestryOrder()
}

// BestBlockStorageGet reads a storage value as seen by the best block. Only
// available in full mode.
func (s *OptimisticSync[TRq, TSrc, TBl]) BestBlockStorageGet(key []byte, orFinalized func() ([]byte, bool)) ([]byte, bool) {
	if !s.full {
		panic("optimistic: best block storage is only tracked in full mode")
	}
	return s.bestToFinalizedStorageDiff.StorageGet(key, orFinalized)
}

func (s *OptimisticSync[TRq, TSrc, TBl]) mustSource(id SourceId) *optSource[TSrc] {
	src, ok := s.sources[id]
	if !ok {
		panic(fmt.Sprintf("optimistic: unknown source id %d", id))
	}
	return src
}

// AddSource registers a new source of blocks with its reported best height.
func (s *OptimisticSync[TRq, TSrc, TBl]) AddSource(userData TSrc, bestBlockNumber uint64) SourceId {
	id := s.nextSourceId
	s.nextSourceId++

	s.sources[id] = &optSource[TSrc]{
		userData:        userData,
		bestBlockNumber: bestBlockNumber,
	}

	return id
}

// Sources returns the identifiers of all sources, in ascending order.
func (s *OptimisticSync[TRq, TSrc, TBl]) Sources() []SourceId {
	ids := make([]SourceId, 0, len(s.sources))
	for id := range s.sources {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SourceUserData returns the user data of a source. Panics if the id is
// stale.
func (s *OptimisticSync[TRq, TSrc, TBl]) SourceUserData(id SourceId) TSrc {
	return s.mustSource(id).userData
}

// SetSourceUserData replaces the user data of a source. Panics if the id is
// stale.
func (s *OptimisticSync[TRq, TSrc, TBl]) SetSourceUserData(id SourceId, userData TSrc) {
	s.mustSource(id).userData = userData
}

// SourceBestBlock returns the best height the source has reported.
func (s *OptimisticSync[TRq, TSrc, TBl]) SourceBestBlock(id SourceId) uint64 {
	return s.mustSource(id).bestBlockNumber
}

// RaiseSourceBestBlock updates the best known height of a source. Lower
// values are ignored.
func (s *OptimisticSync[TRq, TSrc, TBl]) RaiseSourceBestBlock(id SourceId, bestBlockNumber uint64) {
	src := s.mustSource(id)
	if src.bestBlockNumber < bestBlockNumber {
		src.bestBlockNumber = bestBlockNumber
	}
}

// SourceNumOngoingRequests returns the number of requests in flight towards
// the source, obsolete ones included.
func (s *OptimisticSync[TRq, TSrc, TBl]) SourceNumOngoingRequests(id SourceId) int {
	return int(s.mustSource(id).numOngoingRequests)
}

// CancelledRequest is a request implicitly cancelled by the removal of its
// source.
type CancelledRequest[TRq any] struct {
	Id       RequestId
	UserData TRq
}

// RemoveSource drops a source, cancelling all its requests. Panics if the id
// is stale.
func (s *OptimisticSync[TRq, TSrc, TBl]) RemoveSource(id SourceId) (TSrc, []CancelledRequest[TRq]) {
	src := s.mustSource(id)
	delete(s.sources, id)

	var cancelled []CancelledRequest[TRq]

	for rqID := range s.obsoleteRequestsBySource[id] {
		ref := s.obsoleteRequests[rqID]
		cancelled = append(cancelled, CancelledRequest[TRq]{Id: rqID, UserData: ref.userData})
		delete(s.obsoleteRequests, rqID)
	}
	delete(s.obsoleteRequestsBySource, id)

	for _, ref := range s.queue.drainSource(id) {
		cancelled = append(cancelled, CancelledRequest[TRq]{Id: ref.id, UserData: ref.userData})
	}

	slices.SortFunc(cancelled, func(a, b CancelledRequest[TRq]) int {
		switch {
		case a.Id < b.Id:
			return -1
		case a.Id > b.Id:
			return 1
		default:
			return 0
		}
	})

	return src.userData, cancelled
}

// ObsoleteRequest is a request whose response is no longer desired.
type ObsoleteRequest[TRq any] struct {
	Id       RequestId
	UserData TRq
}

// ObsoleteRequests returns the requests whose outcome is no longer desired.
// Cancelling them is optional.
func (s *OptimisticSync[TRq, TSrc, TBl]) ObsoleteRequests() []ObsoleteRequest[TRq] {
	out := make([]ObsoleteRequest[TRq], 0, len(s.obsoleteRequests))
	for id, ref := range s.obsoleteRequests {
		out = append(out, ObsoleteRequest[TRq]{Id: id, UserData: ref.userData})
	}
	slices.SortFunc(out, func(a, b ObsoleteRequest[TRq]) int {
		switch {
		case a.Id < b.Id:
			return -1
		case a.Id > b.Id:
			return 1
		default:
			return 0
		}
	})
	return out
}

// RequestDetail describes a request the engine would like to see started.
type RequestDetail struct {
	SourceId    SourceId
	BlockHeight uint64
	NumBlocks   uint32
}

// DesiredRequests returns a request for every missing range of the download
// window paired with every non-banned source able to serve it. NumBlocks is
// clamped to what the source claims to have.
func (s *OptimisticSync[TRq, TSrc, TBl]) DesiredRequests() []RequestDetail {
	gaps := s.queue.desiredGaps(s.downloadAheadBlocks)
	sourceIds := s.Sources()

	var out []RequestDetail
	for _, g := range gaps {
		for _, id := range sourceIds {
			src := s.sources[id]
			if src.banned || src.bestBlockNumber < g.firstHeight {
				continue
			}

			numBlocks := g.numBlocks
			if avail := src.bestBlockNumber - g.firstHeight + 1; avail < uint64(numBlocks) {
				numBlocks = uint32(avail)
			}

			out = append(out, RequestDetail{
				SourceId:    id,
				BlockHeight: g.firstHeight,
				NumBlocks:   numBlocks,
			})
		}
	}

	return out
}

// InsertRequest records that a request has been started. If the requested
// range is no longer missing, the request is immediately considered
// obsolete; its eventual response will be ignored. Panics if the source id
// is stale.
func (s *OptimisticSync[TRq, TSrc, TBl]) InsertRequest(detail RequestDetail, userData TRq) RequestId {
	src := s.mustSource(detail.SourceId)
	src.numOngoingRequests++

	id := s.nextRequestId
	s.nextRequestId++

	if !s.queue.insertRequest(detail.BlockHeight, detail.NumBlocks, detail.SourceId, id, userData) {
		s.addObsoleteRequest(requestRef[TRq]{id: id, source: detail.SourceId, userData: userData})
	}

	return id
}

func (s *OptimisticSync[TRq, TSrc, TBl]) addObsoleteRequest(ref requestRef[TRq]) {
	s.obsoleteRequests[ref.id] = ref
	if s.obsoleteRequestsBySource[ref.source] == nil {
		s.obsoleteRequestsBySource[ref.source] = make(map[RequestId]struct{})
	}
	s.obsoleteRequestsBySource[ref.source][ref.id] = struct{}{}
}

func (s *OptimisticSync[TRq, TSrc, TBl]) removeObsoleteRequest(id RequestId) (requestRef[TRq], bool) {
	ref, ok := s.obsoleteRequests[id]
	if !ok {
		return requestRef[TRq]{}, false
	}
	delete(s.obsoleteRequests, id)
	delete(s.obsoleteRequestsBySource[ref.source], id)
	if len(s.obsoleteRequestsBySource[ref.source]) == 0 {
		delete(s.obsoleteRequestsBySource, ref.source)
	}
	return ref, true
}

func (s *OptimisticSync[TRq, TSrc, TBl]) decrementOngoing(id SourceId) {
	if src, ok := s.sources[id]; ok && src.numOngoingRequests > 0 {
		src.numOngoingRequests--
	}
}

// FinishRequestOutcome reports how a successful response was used.
type FinishRequestOutcome uint8

const (
	// FinishRequestQueued: the blocks were stored and await verification.
	FinishRequestQueued FinishRequestOutcome = iota
	// FinishRequestObsolete: the request was obsolete and the response was
	// discarded.
	FinishRequestObsolete
)

// FinishRequestSuccess feeds the successful outcome of a request. blocks
// must be in increasing height order, starting at the requested height.
// Panics if the request id is stale.
func (s *OptimisticSync[TRq, TSrc, TBl]) FinishRequestSuccess(id RequestId, blocks []RequestSuccessBlock[TBl]) (TRq, FinishRequestOutcome) {
	if ref, ok := s.removeObsoleteRequest(id); ok {
		s.decrementOngoing(ref.source)
		return ref.userData, FinishRequestObsolete
	}

	source, userData := s.queue.finishRequestSuccess(id, blocks)
	s.decrementOngoing(source)

	return userData, FinishRequestQueued
}

// FinishRequestFailed feeds the failure of a request. The failing source is
// banned; if that bans every source, all bans are lifted so the download can
// still make progress. Panics if the request id is stale.
func (s *OptimisticSync[TRq, TSrc, TBl]) FinishRequestFailed(id RequestId) TRq {
	if ref, ok := s.removeObsoleteRequest(id); ok {
		s.decrementOngoing(ref.source)
		return ref.userData
	}

	source, userData := s.queue.finishRequestFailed(id)
	s.decrementOngoing(source)
	s.banSource(source)

	return userData
}

// banSource bans a source and lifts all bans if every source is now banned.
func (s *OptimisticSync[TRq, TSrc, TBl]) banSource(id SourceId) {
	src, ok := s.sources[id]
	if !ok {
		return
	}
	if !src.banned {
		src.banned = true
		prometheusOptimisticSourceBans.Inc()
		s.log.Debugf("banned source %d", id)
	}

	for _, other := range s.sources {
		if !other.banned {
			return
		}
	}
	for _, other := range s.sources {
		other.banned = false
	}
	if len(s.sources) > 0 {
		prometheusOptimisticGlobalUnbans.Inc()
		s.log.Infof("all %d sources were banned; lifting every ban", len(s.sources))
	}
}

// makeRequestsObsolete moves every in-flight request into the obsolete table
// and rebuilds the queue at the current best block.
func (s *OptimisticSync[TRq, TSrc, TBl]) makeRequestsObsolete() {
	for _, ref := range s.queue.allRequests() {
		s.addObsoleteRequest(ref)
	}
	s.queue = newVerificationQueue[TRq, TBl](s.chain.BestBlockNumber() + 1)
}

// reset discards everything derived from unverified downloads. If rebuildTree
// is true the non-finalized tree is recreated from the finalized block.
// Returns the best height before the reset.
func (s *OptimisticSync[TRq, TSrc, TBl]) reset(banned SourceId, rebuildTree bool) uint64 {
	s.banSource(banned)

	previousBest := s.chain.BestBlockNumber()
	if rebuildTree {
		s.chain = s.chain.ResetToFinalized()
	}

	s.makeRequestsObsolete()
	s.bestToFinalizedStorageDiff = storagediff.New()
	s.bestRuntime = nil
	s.trieCache = nil
	s.pendingJustifications = nil

	prometheusOptimisticResets.Inc()
	prometheusOptimisticBestHeight.Set(float64(s.chain.BestBlockNumber()))

	return previousBest
}

// DisassembleSource is one source as returned by Disassemble.
type DisassembleSource[TSrc any] struct {
	Id              SourceId
	UserData        TSrc
	BestBlockNumber uint64
}

// Disassemble tears the state machine down into its raw components, so the
// caller can rebuild a different engine from them, typically when switching
// from bulk catch-up to fork-aware syncing near the chain head.
type Disassemble[TRq, TSrc any] struct {
	// FinalizedBlockHeader is the header of the latest finalized block.
	FinalizedBlockHeader *model.Header

	Sources  []DisassembleSource[TSrc]
	Requests []CancelledRequest[TRq]
}

// DisassembleInto returns the raw components of the state machine. The
// state machine must not be used afterwards.
func (s *OptimisticSync[TRq, TSrc, TBl]) DisassembleInto() Disassemble[TRq, TSrc] {
	out := Disassemble[TRq, TSrc]{
		FinalizedBlockHeader: s.chain.FinalizedBlockHeader(),
	}

	for _, id := range s.Sources() {
		src := s.sources[id]
		out.Sources = append(out.Sources, DisassembleSource[TSrc]{
			Id:              id,
			UserData:        src.userData,
			BestBlockNumber: src.bestBlockNumber,
		})
	}

	for _, ref := range s.queue.allRequests() {
		out.Requests = append(out.Requests, CancelledRequest[TRq]{Id: ref.id, UserData: ref.userData})
	}
	for id, ref := range s.obsoleteRequests {
		out.Requests = append(out.Requests, CancelledRequest[TRq]{Id: id, UserData: ref.userData})
	}
	slices.SortFunc(out.Requests, func(a, b CancelledRequest[TRq]) int {
		switch {
		case a.Id < b.Id:
			return -1
		case a.Id > b.Id:
			return 1
		default:
			return 0
		}
	})

	return out
}
