package optimistic

import (
	"fmt"
	"sort"

	"github.com/driftlight/driftsync/model"
)

// maxRequestChunk caps the number of blocks covered by a single desired
// request. Responses have transport-level size limits anyway, and smaller
// chunks spread the download across sources.
const maxRequestChunk = 64

// RequestSuccessBlock is one block of a successful request response, in
// increasing height order.
type RequestSuccessBlock[TBl any] struct {
	ScaleEncodedHeader []byte
	Justifications     []model.Justification

	// ScaleEncodedExtrinsics is the block body. Ignored in header-only mode;
	// callers are encouraged to not download bodies at all in that case.
	ScaleEncodedExtrinsics [][]byte

	UserData TBl
}

type slotState uint8

const (
	slotRequested slotState = iota
	slotReady
)

// queueSlot is a contiguous range of block heights that is either being
// downloaded or downloaded and waiting for verification. Ranges not covered
// by any slot are missing.
type queueSlot[TRq, TBl any] struct {
	firstHeight uint64
	numBlocks   uint32
	state       slotState
	source      SourceId

	requestId       RequestId
	requestUserData TRq

	blocks []RequestSuccessBlock[TBl] // when ready
}

func (s *queueSlot[TRq, TBl]) endHeight() uint64 {
	return s.firstHeight + uint64(s.numBlocks)
}

// verificationQueue schedules the linear download window ahead of the best
// block. The earliest covered height is always bestHeight+1.
type verificationQueue[TRq, TBl any] struct {
	baseHeight uint64 // bestHeight + 1
	slots      []*queueSlot[TRq, TBl]
}

func newVerificationQueue[TRq, TBl any](baseHeight uint64) *verificationQueue[TRq, TBl] {
	return &verificationQueue[TRq, TBl]{baseHeight: baseHeight}
}

// gap is a missing range to be requested.
type gap struct {
	firstHeight uint64
	numBlocks   uint32
}

// desiredGaps returns the missing ranges within the download window, chunked
// to maxRequestChunk blocks.
func (q *verificationQueue[TRq, TBl]) desiredGaps(downloadAhead uint32) []gap {
	windowEnd := q.baseHeight + uint64(downloadAhead)

	var out []gap
	emit := func(from, to uint64) {
		for from < to {
			n := to - from
			if n > maxRequestChunk {
				n = maxRequestChunk
			}
			out = append(out, gap{firstHeight: from, numBlocks: uint32(n)})
			from += n
		}
	}

	cursor := q.baseHeight
	for _, slot := range q.slots {
		if cursor >= windowEnd {
			break
		}
		if slot.firstHeight > cursor {
			end := slot.firstHeight
			if end > windowEnd {
				end = windowEnd
			}
			emit(cursor, end)
		}
		if slot.endHeight() > cursor {
			cursor = slot.endHeight()
		}
	}
	if cursor < windowEnd {
		emit(cursor, windowEnd)
	}

	return out
}

// insertRequest records a request covering [firstHeight, firstHeight+num).
// Returns false if the range is no longer entirely missing, in which case
// nothing is recorded.
func (q *verificationQueue[TRq, TBl]) insertRequest(firstHeight uint64, num uint32, source SourceId, requestId RequestId, userData TRq) bool {
	if num == 0 || firstHeight < q.baseHeight {
		return false
	}
	end := firstHeight + uint64(num)
	for _, slot := range q.slots {
		if slot.firstHeight < end && firstHeight < slot.endHeight() {
			return false
		}
	}

	q.slots = append(q.slots, &queueSlot[TRq, TBl]{
		firstHeight:     firstHeight,
		numBlocks:       num,
		state:           slotRequested,
		source:          source,
		requestId:       requestId,
		requestUserData: userData,
	})
	sort.Slice(q.slots, func(i, j int) bool { return q.slots[i].firstHeight < q.slots[j].firstHeight })

	return true
}

func (q *verificationQueue[TRq, TBl]) findRequest(requestId RequestId) (int, *queueSlot[TRq, TBl]) {
	for i, slot := range q.slots {
		if slot.state == slotRequested && slot.requestId == requestId {
			return i, slot
		}
	}
	return -1, nil
}

func (q *verificationQueue[TRq, TBl]) removeSlot(i int) {
	q.slots = append(q.slots[:i], q.slots[i+1:]...)
}

// finishRequestSuccess stores the returned blocks into the request's slot.
// A response shorter than requested shrinks the slot; the remainder becomes
// missing again. Panics if the request id is not in the queue.
func (q *verificationQueue[TRq, TBl]) finishRequestSuccess(requestId RequestId, blocks []RequestSuccessBlock[TBl]) (SourceId, TRq) {
	i, slot := q.findRequest(requestId)
	if slot == nil {
		panic(fmt.Sprintf("optimistic: unknown request id %d", requestId))
	}

	userData := slot.requestUserData
	var zero TRq
	slot.requestUserData = zero

	if len(blocks) == 0 {
		q.removeSlot(i)
		return slot.source, userData
	}

	if uint32(len(blocks)) > slot.numBlocks {
		blocks = blocks[:slot.numBlocks]
	}

	slot.state = slotReady
	slot.blocks = blocks
	slot.numBlocks = uint32(len(blocks))

	return slot.source, userData
}

// finishRequestFailed drops the request's slot; its range becomes missing.
// Panics if the request id is not in the queue.
func (q *verificationQueue[TRq, TBl]) finishRequestFailed(requestId RequestId) (SourceId, TRq) {
	i, slot := q.findRequest(requestId)
	if slot == nil {
		panic(fmt.Sprintf("optimistic: unknown request id %d", requestId))
	}
	q.removeSlot(i)
	return slot.source, slot.requestUserData
}

// blocksReady reports whether the next block to verify has been downloaded.
func (q *verificationQueue[TRq, TBl]) blocksReady() bool {
	return q.firstBlock() != nil
}

// firstBlock returns the block at baseHeight if it is ready.
func (q *verificationQueue[TRq, TBl]) firstBlock() *RequestSuccessBlock[TBl] {
	if len(q.slots) == 0 {
		return nil
	}
	slot := q.slots[0]
	if slot.state != slotReady || slot.firstHeight != q.baseHeight {
		return nil
	}
	return &slot.blocks[0]
}

// popFirstBlock removes and returns the block at baseHeight, advancing the
// queue by one height.
func (q *verificationQueue[TRq, TBl]) popFirstBlock() (RequestSuccessBlock[TBl], SourceId, bool) {
	block := q.firstBlock()
	if block == nil {
		return RequestSuccessBlock[TBl]{}, 0, false
	}

	slot := q.slots[0]
	popped := slot.blocks[0]
	source := slot.source

	slot.blocks = slot.blocks[1:]
	slot.firstHeight++
	slot.numBlocks--
	q.baseHeight++

	if len(slot.blocks) == 0 {
		q.removeSlot(0)
	}

	return popped, source, true
}

// drainSource drops every in-flight request of the given source, returning
// their ids and user data. Ready slots are kept: already-downloaded blocks
// stay verifiable even after their provider is gone.
func (q *verificationQueue[TRq, TBl]) drainSource(source SourceId) []requestRef[TRq] {
	var drained []requestRef[TRq]
	kept := q.slots[:0]
	for _, slot := range q.slots {
		if slot.state == slotRequested && slot.source == source {
			drained = append(drained, requestRef[TRq]{id: slot.requestId, source: slot.source, userData: slot.requestUserData})
			continue
		}
		kept = append(kept, slot)
	}
	q.slots = kept
	return drained
}

// allRequests returns every in-flight request, used when the whole queue is
// being thrown away on reset.
func (q *verificationQueue[TRq, TBl]) allRequests() []requestRef[TRq] {
	var out []requestRef[TRq]
	for _, slot := range q.slots {
		if slot.state == slotRequested {
			out = append(out, requestRef[TRq]{id: slot.requestId, source: slot.source, userData: slot.requestUserData})
		}
	}
	return out
}

// sourceNumOngoingRequests counts the in-flight requests of a source.
func (q *verificationQueue[TRq, TBl]) sourceNumOngoingRequests(source SourceId) int {
	n := 0
	for _, slot := range q.slots {
		if slot.state == slotRequested && slot.source == source {
			n++
		}
	}
	return n
}

type requestRef[TRq any] struct {
	id       RequestId
	source   SourceId
	userData TRq
}
