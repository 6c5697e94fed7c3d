package model

import (
	"github.com/driftlight/driftsync/errors"
)

// BlockID identifies a block by its height and hash. The pair is the
// canonical key: two different blocks may share a height.
type BlockID struct {
	Number uint64
	Hash   Hash
}

// Header is a decoded block header. The digest is kept in its raw encoded
// form, including its compact item-count prefix; the sync engines never
// inspect individual digest items.
type Header struct {
	ParentHash     Hash
	Number         uint64
	StateRoot      Hash
	ExtrinsicsRoot Hash
	Digest         []byte
}

// Known digest item tags.
const (
	digestItemOther              = 0
	digestItemChangesTrieRoot    = 2
	digestItemConsensus          = 4
	digestItemSeal               = 5
	digestItemPreRuntime         = 6
	digestItemRuntimeEnvUpdated  = 8
)

// DecodeHeader decodes a SCALE-encoded header. The whole input must be
// consumed.
func DecodeHeader(b []byte) (*Header, error) {
	if len(b) < 3*HashSize+2 {
		return nil, errors.New(errors.ERR_INVALID_HEADER, "header too short: %d bytes", len(b))
	}

	h := &Header{}
	copy(h.ParentHash[:], b[:HashSize])
	b = b[HashSize:]

	number, n, err := compactDecode(b)
	if err != nil {
		return nil, err
	}
	h.Number = number
	b = b[n:]

	if len(b) < 2*HashSize {
		return nil, errors.New(errors.ERR_INVALID_HEADER, "header roots truncated")
	}
	copy(h.StateRoot[:], b[:HashSize])
	copy(h.ExtrinsicsRoot[:], b[HashSize:2*HashSize])
	b = b[2*HashSize:]

	if err := validateDigest(b); err != nil {
		return nil, err
	}
	h.Digest = append([]byte(nil), b...)

	return h, nil
}

// validateDigest checks that b is exactly one well-formed digest: a compact
// item count followed by that many known digest items.
func validateDigest(b []byte) error {
	count, n, err := compactDecode(b)
	if err != nil {
		return err
	}
	b = b[n:]

	for i := uint64(0); i < count; i++ {
		if len(b) == 0 {
			return errors.New(errors.ERR_INVALID_HEADER, "digest truncated")
		}
		tag := b[0]
		b = b[1:]

		switch tag {
		case digestItemOther:
			b, err = skipCompactBytes(b)
		case digestItemChangesTrieRoot:
			if len(b) < HashSize {
				return errors.New(errors.ERR_INVALID_HEADER, "digest truncated")
			}
			b = b[HashSize:]
		case digestItemConsensus, digestItemSeal, digestItemPreRuntime:
			if len(b) < 4 {
				return errors.New(errors.ERR_INVALID_HEADER, "digest truncated")
			}
			b, err = skipCompactBytes(b[4:])
		case digestItemRuntimeEnvUpdated:
			// No payload.
		default:
			return errors.New(errors.ERR_INVALID_HEADER, "unknown digest item tag %d", tag)
		}
		if err != nil {
			return err
		}
	}

	if len(b) != 0 {
		return errors.New(errors.ERR_INVALID_HEADER, "%d trailing bytes after digest", len(b))
	}
	return nil
}

func skipCompactBytes(b []byte) ([]byte, error) {
	length, n, err := compactDecode(b)
	if err != nil {
		return nil, err
	}
	b = b[n:]
	if uint64(len(b)) < length {
		return nil, errors.New(errors.ERR_INVALID_HEADER, "digest item truncated")
	}
	return b[length:], nil
}

// Encode returns the SCALE encoding of the header.
func (h *Header) Encode() []byte {
	out := make([]byte, 0, 3*HashSize+9+len(h.Digest))
	out = append(out, h.ParentHash[:]...)
	out = compactEncode(out, h.Number)
	out = append(out, h.StateRoot[:]...)
	out = append(out, h.ExtrinsicsRoot[:]...)
	if len(h.Digest) == 0 {
		out = compactEncode(out, 0)
	} else {
		out = append(out, h.Digest...)
	}
	return out
}

// Hash returns the blake2b-256 hash of the encoded header.
func (h *Header) Hash() Hash {
	return BlakeTwo256(h.Encode())
}

// ID returns the (height, hash) pair identifying this header's block.
func (h *Header) ID() BlockID {
	return BlockID{Number: h.Number, Hash: h.Hash()}
}

// HashFromEncodedHeader hashes an encoded header without decoding it.
func HashFromEncodedHeader(scaleEncoded []byte) Hash {
	return BlakeTwo256(scaleEncoded)
}
