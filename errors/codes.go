package errors

// ERR identifies the category of an Error. Values are stable and can be
// compared across process boundaries.
type ERR int32

const (
	ERR_UNKNOWN          ERR = 0
	ERR_INVALID_ARGUMENT ERR = 1
	ERR_NOT_FOUND        ERR = 2

	// Decode errors.
	ERR_INVALID_HEADER     ERR = 10
	ERR_INVALID_CHAIN_SPEC ERR = 11

	// Protocol violations by a source.
	ERR_BLOCK_TOO_OLD            ERR = 20
	ERR_UNEXPECTED_BLOCK         ERR = 21
	ERR_NOT_FINALIZED_CHAIN      ERR = 22
	ERR_VERIFICATION_FAILED      ERR = 23
	ERR_CONSENSUS_MISMATCH       ERR = 24
	ERR_UNKNOWN_CONSENSUS_ENGINE ERR = 25
	ERR_NON_CANONICAL            ERR = 26
	ERR_BODY_VERIFICATION_FAILED ERR = 27

	// Finality verification.
	ERR_FINALITY_EQUAL_TO_FINALIZED ERR = 40
	ERR_FINALITY_BELOW_FINALIZED    ERR = 41
	ERR_FINALITY_UNKNOWN_TARGET     ERR = 42
	ERR_FINALITY_TOO_FAR_AHEAD      ERR = 43
	ERR_FINALITY_NOT_ENOUGH_BLOCKS  ERR = 44
	ERR_BAD_JUSTIFICATION           ERR = 45
	ERR_BAD_COMMIT                  ERR = 46

	// Runtime virtual machine.
	ERR_VM_START                 ERR = 60
	ERR_VM_TRAPPED               ERR = 61
	ERR_VM_HOST_FUNCTION_DENIED  ERR = 62
	ERR_VM_OUTPUT_DECODE         ERR = 63
)

var ERR_name = map[int32]string{
	0:  "UNKNOWN",
	1:  "INVALID_ARGUMENT",
	2:  "NOT_FOUND",
	10: "INVALID_HEADER",
	11: "INVALID_CHAIN_SPEC",
	20: "BLOCK_TOO_OLD",
	21: "UNEXPECTED_BLOCK",
	22: "NOT_FINALIZED_CHAIN",
	23: "VERIFICATION_FAILED",
	24: "CONSENSUS_MISMATCH",
	25: "UNKNOWN_CONSENSUS_ENGINE",
	26: "NON_CANONICAL",
	27: "BODY_VERIFICATION_FAILED",
	40: "FINALITY_EQUAL_TO_FINALIZED",
	41: "FINALITY_BELOW_FINALIZED",
	42: "FINALITY_UNKNOWN_TARGET",
	43: "FINALITY_TOO_FAR_AHEAD",
	44: "FINALITY_NOT_ENOUGH_BLOCKS",
	45: "BAD_JUSTIFICATION",
	46: "BAD_COMMIT",
	60: "VM_START",
	61: "VM_TRAPPED",
	62: "VM_HOST_FUNCTION_DENIED",
	63: "VM_OUTPUT_DECODE",
}

func (e ERR) Enum() string {
	if name, ok := ERR_name[int32(e)]; ok {
		return name
	}
	return "UNKNOWN"
}

// Predefined errors. Compare with errors.Is, which matches on the code.
var (
	ErrUnknown         = New(ERR_UNKNOWN, "unknown error")
	ErrInvalidArgument = New(ERR_INVALID_ARGUMENT, "invalid argument")
	ErrNotFound        = New(ERR_NOT_FOUND, "not found")

	ErrInvalidHeader    = New(ERR_INVALID_HEADER, "invalid header")
	ErrInvalidChainSpec = New(ERR_INVALID_CHAIN_SPEC, "invalid chain spec")

	ErrBlockTooOld            = New(ERR_BLOCK_TOO_OLD, "block is too old")
	ErrUnexpectedBlock        = New(ERR_UNEXPECTED_BLOCK, "unexpected block")
	ErrNotFinalizedChain      = New(ERR_NOT_FINALIZED_CHAIN, "block does not descend from the finalized block")
	ErrVerificationFailed     = New(ERR_VERIFICATION_FAILED, "header verification failed")
	ErrConsensusMismatch      = New(ERR_CONSENSUS_MISMATCH, "consensus mismatch")
	ErrUnknownConsensusEngine = New(ERR_UNKNOWN_CONSENSUS_ENGINE, "unknown consensus engine")
	ErrNonCanonical           = New(ERR_NON_CANONICAL, "block is not a child of the current best block")
	ErrBodyVerificationFailed = New(ERR_BODY_VERIFICATION_FAILED, "body verification failed")

	ErrFinalityEqualToFinalized = New(ERR_FINALITY_EQUAL_TO_FINALIZED, "target block is the current finalized block")
	ErrFinalityBelowFinalized   = New(ERR_FINALITY_BELOW_FINALIZED, "target block is below the finalized block")
	ErrFinalityUnknownTarget    = New(ERR_FINALITY_UNKNOWN_TARGET, "target block is not known")
	ErrFinalityTooFarAhead      = New(ERR_FINALITY_TOO_FAR_AHEAD, "proof is too far ahead of the finalized block")
	ErrFinalityNotEnoughBlocks  = New(ERR_FINALITY_NOT_ENOUGH_BLOCKS, "not enough known blocks to verify the proof")
	ErrBadJustification         = New(ERR_BAD_JUSTIFICATION, "justification verification failed")
	ErrBadCommit                = New(ERR_BAD_COMMIT, "commit verification failed")

	ErrVMStart              = New(ERR_VM_START, "error starting the virtual machine")
	ErrVMTrapped            = New(ERR_VM_TRAPPED, "virtual machine trapped")
	ErrVMHostFunctionDenied = New(ERR_VM_HOST_FUNCTION_DENIED, "host function not allowed in this context")
	ErrVMOutputDecode       = New(ERR_VM_OUTPUT_DECODE, "error decoding the virtual machine output")
)
