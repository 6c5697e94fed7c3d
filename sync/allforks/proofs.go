package allforks

import "github.com/driftlight/driftsync/model"

// proofPayload is either a whole GRANDPA commit or a batch of justifications
// received alongside a block.
type proofPayload struct {
	commit         []byte
	justifications []model.Justification
}

func (p proofPayload) isCommit() bool { return p.commit != nil }

type taggedProof struct {
	targetHeight uint64
	payload      proofPayload
}

// proofSlot stores between zero and two finality proofs per source, ordered
// by ascending target height.
//
// When a third proof arrives, the extremes are kept: the proof with the
// highest target gives the fastest finality progress, while the proof with
// the lowest target guarantees that some progress can be made even if the
// higher proofs turn out to be unverifiable or malicious. Substituting
// "keep newest" or "keep oldest" would lose one of these two guarantees.
type proofSlot struct {
	proofs []taggedProof // len 0..2, ascending target height
}

func (s *proofSlot) isEmpty() bool { return len(s.proofs) == 0 }

func (s *proofSlot) insert(targetHeight uint64, payload proofPayload) {
	if !payload.isCommit() && len(payload.justifications) == 0 {
		panic("allforks: inserting empty justification batch")
	}

	np := taggedProof{targetHeight: targetHeight, payload: payload}

	switch len(s.proofs) {
	case 0:
		s.proofs = append(s.proofs, np)
	case 1:
		switch {
		case targetHeight > s.proofs[0].targetHeight:
			s.proofs = append(s.proofs, np)
		case targetHeight < s.proofs[0].targetHeight:
			s.proofs = []taggedProof{np, s.proofs[0]}
		default:
			s.proofs[0] = np
		}
	default:
		switch {
		case targetHeight >= s.proofs[1].targetHeight:
			s.proofs[1] = np
		case targetHeight <= s.proofs[0].targetHeight:
			s.proofs[0] = np
		}
		// Proofs strictly between the extremes are dropped.
	}
}

// finalityProof is a single proof extracted from a slot.
type finalityProof struct {
	isCommit      bool
	commit        []byte
	justification model.Justification
}

// takeOne extracts one proof, highest target first. Justification batches are
// popped one element at a time; commits are returned whole.
func (s *proofSlot) takeOne() (finalityProof, bool) {
	if len(s.proofs) == 0 {
		return finalityProof{}, false
	}

	top := &s.proofs[len(s.proofs)-1]
	if top.payload.isCommit() {
		proof := finalityProof{isCommit: true, commit: top.payload.commit}
		s.proofs = s.proofs[:len(s.proofs)-1]
		return proof, true
	}

	justifications := top.payload.justifications
	j := justifications[len(justifications)-1]
	top.payload.justifications = justifications[:len(justifications)-1]
	if len(top.payload.justifications) == 0 {
		s.proofs = s.proofs[:len(s.proofs)-1]
	}
	return finalityProof{justification: j}, true
}

// merge inserts every proof of other into s.
func (s *proofSlot) merge(other proofSlot) {
	for i := len(other.proofs) - 1; i >= 0; i-- {
		s.insert(other.proofs[i].targetHeight, other.proofs[i].payload)
	}
}
