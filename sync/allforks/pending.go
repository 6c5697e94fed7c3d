package allforks

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"golang.org/x/exp/slices"

	"github.com/driftlight/driftsync/model"
	"github.com/driftlight/driftsync/util"
)

// source is the per-source state: opaque user data, the source's reported
// best block, the set of blocks the source is believed to know, and the two
// bounded finality-proof slots.
type source[TSrc any] struct {
	userData    TSrc
	bestBlock   model.BlockID
	knownBlocks *util.BlockSet

	// unverifiedFinalityProofs holds proofs ready to be verified.
	// pendingFinalityProofs holds proofs that were checked and found not
	// verifiable yet; they move back to unverifiedFinalityProofs after each
	// successful header verification.
	unverifiedFinalityProofs proofSlot
	pendingFinalityProofs    proofSlot

	numOngoingRequests uint32
}

type request[TRq any] struct {
	id       RequestId
	sourceId SourceId
	params   RequestParams
	userData TRq
}

// pendingBlocks composes the disjoint-set block index, the source registry
// and the pending-request table. All three share the finalized-height
// watermark: nothing at or below it is ever tracked.
type pendingBlocks[TBl, TRq, TSrc any] struct {
	finalizedHeight     uint64
	maxRequestsPerBlock int

	disjoint disjointSet[TBl]

	sources      map[SourceId]*source[TSrc]
	nextSourceId SourceId

	requests      map[RequestId]*request[TRq]
	nextRequestId RequestId
}

func newPendingBlocks[TBl, TRq, TSrc any](finalizedHeight uint64, sourcesCapacity, blocksCapacity, maxRequestsPerBlock int) *pendingBlocks[TBl, TRq, TSrc] {
	return &pendingBlocks[TBl, TRq, TSrc]{
		finalizedHeight:     finalizedHeight,
		maxRequestsPerBlock: maxRequestsPerBlock,
		disjoint:            newDisjointSet[TBl](blocksCapacity),
		sources:             make(map[SourceId]*source[TSrc], sourcesCapacity),
		requests:            make(map[RequestId]*request[TRq]),
	}
}

func (p *pendingBlocks[TBl, TRq, TSrc]) mustSource(id SourceId) *source[TSrc] {
	s, ok := p.sources[id]
	if !ok {
		panic(fmt.Sprintf("allforks: unknown source id %d", id))
	}
	return s
}

func (p *pendingBlocks[TBl, TRq, TSrc]) addSource(userData TSrc, best model.BlockID) SourceId {
	id := p.nextSourceId
	p.nextSourceId++

	s := &source[TSrc]{
		userData:    userData,
		bestBlock:   best,
		knownBlocks: util.NewBlockSet(16),
	}
	p.sources[id] = s

	if best.Number > p.finalizedHeight {
		s.knownBlocks.Put(best)
	}

	return id
}

// removeSource drops the source and drains its requests.
func (p *pendingBlocks[TBl, TRq, TSrc]) removeSource(id SourceId) (TSrc, []CancelledRequest[TRq]) {
	s := p.mustSource(id)
	delete(p.sources, id)

	var cancelled []CancelledRequest[TRq]
	for rqID, rq := range p.requests {
		if rq.sourceId == id {
			cancelled = append(cancelled, CancelledRequest[TRq]{Id: rqID, Params: rq.params, UserData: rq.userData})
			delete(p.requests, rqID)
		}
	}
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].Id < cancelled[j].Id })

	return s.userData, cancelled
}

func (p *pendingBlocks[TBl, TRq, TSrc]) sourceIds() []SourceId {
	ids := make([]SourceId, 0, len(p.sources))
	for id := range p.sources {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// addKnownBlock records that a source knows a block. No-op if the block is at
// or below the finalized height.
func (p *pendingBlocks[TBl, TRq, TSrc]) addKnownBlock(id SourceId, block model.BlockID) {
	s := p.mustSource(id)
	if block.Number > p.finalizedHeight {
		s.knownBlocks.Put(block)
	}
}

func (p *pendingBlocks[TBl, TRq, TSrc]) addKnownBlockAndSetBest(id SourceId, block model.BlockID) {
	s := p.mustSource(id)
	s.bestBlock = block
	if block.Number > p.finalizedHeight {
		s.knownBlocks.Put(block)
	}
}

func (p *pendingBlocks[TBl, TRq, TSrc]) panicIfNotAboveFinalized(height uint64) {
	if height <= p.finalizedHeight {
		panic(fmt.Sprintf("allforks: height %d is not above the finalized height %d", height, p.finalizedHeight))
	}
}

func (p *pendingBlocks[TBl, TRq, TSrc]) sourceKnowsBlock(id SourceId, block model.BlockID) bool {
	s := p.mustSource(id)
	p.panicIfNotAboveFinalized(block.Number)
	return s.knownBlocks.Contains(block)
}

func (p *pendingBlocks[TBl, TRq, TSrc]) knowsBlock(block model.BlockID) []SourceId {
	p.panicIfNotAboveFinalized(block.Number)
	var out []SourceId
	for id, s := range p.sources {
		if s.knownBlocks.Contains(block) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// removeKnownBlockOfSource forgets that a source claimed to know a block,
// typically after it failed to serve it.
func (p *pendingBlocks[TBl, TRq, TSrc]) removeKnownBlockOfSource(id SourceId, block model.BlockID) {
	p.mustSource(id).knownBlocks.Delete(block)
}

// removeSourcesKnownBlock forgets a block from every source's known set.
// Called before a block is dropped from the disjoint set.
func (p *pendingBlocks[TBl, TRq, TSrc]) removeSourcesKnownBlock(block model.BlockID) {
	for _, s := range p.sources {
		s.knownBlocks.Delete(block)
	}
}

// setFinalizedHeight raises the finalized watermark: blocks at or below it
// are dropped from the disjoint set and from every source's known set.
func (p *pendingBlocks[TBl, TRq, TSrc]) setFinalizedHeight(height uint64) {
	p.finalizedHeight = height
	p.disjoint.removeBelowOrAt(height)
	for _, s := range p.sources {
		s.knownBlocks.DeleteFunc(func(id model.BlockID) bool {
			return id.Number <= height
		})
	}
}

func (p *pendingBlocks[TBl, TRq, TSrc]) addRequest(sourceId SourceId, params RequestParams, userData TRq) RequestId {
	s := p.mustSource(sourceId)

	id := p.nextRequestId
	p.nextRequestId++

	p.requests[id] = &request[TRq]{
		id:       id,
		sourceId: sourceId,
		params:   params,
		userData: userData,
	}
	s.numOngoingRequests++

	return id
}

// finishRequest removes a request and returns its parameters, source and
// user data. Panics if the request id is stale.
func (p *pendingBlocks[TBl, TRq, TSrc]) finishRequest(id RequestId) (RequestParams, SourceId, TRq) {
	rq, ok := p.requests[id]
	if !ok {
		panic(fmt.Sprintf("allforks: unknown request id %d", id))
	}
	delete(p.requests, id)

	if s, ok := p.sources[rq.sourceId]; ok {
		s.numOngoingRequests--
	}

	return rq.params, rq.sourceId, rq.userData
}

// requestIsObsolete reports whether the blocks a request targets no longer
// need to be downloaded.
func (p *pendingBlocks[TBl, TRq, TSrc]) requestIsObsolete(rq *request[TRq]) bool {
	target := model.BlockID{Number: rq.params.FirstBlockHeight, Hash: rq.params.FirstBlockHash}
	if target.Number <= p.finalizedHeight {
		return true
	}
	b, ok := p.disjoint.get(target)
	if !ok {
		return true
	}
	return b.state == badKnown
}

func (p *pendingBlocks[TBl, TRq, TSrc]) obsoleteRequests() []ObsoleteRequest[TRq] {
	var out []ObsoleteRequest[TRq]
	for id, rq := range p.requests {
		if p.requestIsObsolete(rq) {
			out = append(out, ObsoleteRequest[TRq]{Id: id, UserData: rq.userData})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// desiredRequests yields the ancestry searches that would help bridge
// disjoint blocks to the finalized chain, joined with the sources believed
// to know each target block. At most maxRequestsPerBlock concurrent requests
// are issued per block.
func (p *pendingBlocks[TBl, TRq, TSrc]) desiredRequests() []DesiredRequest {
	ongoingPerBlock := make(map[model.BlockID]int)
	requestedBySource := make(map[model.BlockID]map[SourceId]struct{})
	for _, rq := range p.requests {
		target := model.BlockID{Number: rq.params.FirstBlockHeight, Hash: rq.params.FirstBlockHash}
		ongoingPerBlock[target]++
		if requestedBySource[target] == nil {
			requestedBySource[target] = make(map[SourceId]struct{})
		}
		requestedBySource[target][rq.sourceId] = struct{}{}
	}

	// Candidates: non-bad blocks at the bottom of their disjoint chain. A
	// block whose parent is also pending is reached through its parent's own
	// ancestry search.
	var candidates []*unverifiedBlock[TBl]
	for _, b := range p.disjoint.blocks {
		if b.state == badKnown {
			continue
		}
		if pid, ok := p.disjoint.parentID(b); ok && p.disjoint.contains(pid) {
			continue
		}
		candidates = append(candidates, b)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].id.Number != candidates[j].id.Number {
			return candidates[i].id.Number < candidates[j].id.Number
		}
		return bytes.Compare(candidates[i].id.Hash[:], candidates[j].id.Hash[:]) < 0
	})

	var out []DesiredRequest
	for _, b := range candidates {
		budget := p.maxRequestsPerBlock - ongoingPerBlock[b.id]
		if budget <= 0 {
			continue
		}

		numBlocks := b.id.Number - p.finalizedHeight
		if numBlocks > math.MaxUint32 {
			numBlocks = math.MaxUint32
		}

		for _, srcID := range p.sourceIds() {
			if budget == 0 {
				break
			}
			if _, already := requestedBySource[b.id][srcID]; already {
				continue
			}
			if !p.sources[srcID].knownBlocks.Contains(b.id) {
				continue
			}
			out = append(out, DesiredRequest{
				SourceId: srcID,
				Params: RequestParams{
					FirstBlockHash:   b.id.Hash,
					FirstBlockHeight: b.id.Number,
					NumBlocks:        uint32(numBlocks),
				},
			})
			budget--
		}
	}

	return out
}
