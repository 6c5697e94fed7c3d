package allforks

import "github.com/driftlight/driftsync/model"

// SourceId identifies a block source within the state machine. Identifiers
// are never reused.
type SourceId uint64

// RequestId identifies an ongoing request within the state machine.
// Identifiers are never reused.
type RequestId uint64

// RequestParams describes an ancestry search: starting from the first block
// and walking down through parents for up to NumBlocks blocks.
type RequestParams struct {
	FirstBlockHash   model.Hash
	FirstBlockHeight uint64
	NumBlocks        uint32
}

// DesiredRequest is a request the state machine would like to see started.
type DesiredRequest struct {
	SourceId SourceId
	Params   RequestParams
}

// CancelledRequest is a request that was implicitly cancelled by the removal
// of its source.
type CancelledRequest[TRq any] struct {
	Id       RequestId
	Params   RequestParams
	UserData TRq
}

// ObsoleteRequest is a request whose response is no longer useful.
type ObsoleteRequest[TRq any] struct {
	Id       RequestId
	UserData TRq
}
