package model

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/driftlight/driftsync/errors"
)

// HashSize is the size of a block hash in bytes.
const HashSize = 32

// Hash is a 32-byte block or state hash. Hash uniqueness is not assumed
// across heights; blocks are keyed by (height, hash) pairs.
type Hash [HashSize]byte

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashFromBytes converts b to a Hash. Errors if b is not exactly 32 bytes.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, errors.New(errors.ERR_INVALID_ARGUMENT, "invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// BlakeTwo256 hashes data with blake2b-256, the hashing used for block
// headers on Substrate chains.
func BlakeTwo256(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}
