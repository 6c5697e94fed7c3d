package chainspec

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/driftlight/driftsync/errors"
	"github.com/driftlight/driftsync/model"
)

// HexString is a 0x-prefixed hexadecimal byte string.
type HexString struct {
	Bytes []byte
}

func (h HexString) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + hex.EncodeToString(h.Bytes))
}

func (h *HexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := decodeHexString(s)
	if err != nil {
		return err
	}
	h.Bytes = decoded
	return nil
}

// HexStringKey is a HexString usable as a JSON object key. Keys are stored
// normalized to lowercase hex without the 0x prefix.
type HexStringKey string

func (h HexStringKey) MarshalText() ([]byte, error) {
	return []byte("0x" + string(h)), nil
}

func (h *HexStringKey) UnmarshalText(text []byte) error {
	decoded, err := decodeHexString(string(text))
	if err != nil {
		return err
	}
	*h = HexStringKey(hex.EncodeToString(decoded))
	return nil
}

// Bytes returns the decoded key.
func (h HexStringKey) Bytes() []byte {
	decoded, _ := hex.DecodeString(string(h))
	return decoded
}

// HashHexString is a 0x-prefixed hexadecimal string of exactly 32 bytes.
type HashHexString struct {
	Hash model.Hash
}

func (h HashHexString) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hash.String())
}

func (h *HashHexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := decodeHexString(s)
	if err != nil {
		return err
	}
	if len(decoded) != model.HashSize {
		return errors.New(errors.ERR_INVALID_CHAIN_SPEC, "expected a 32-byte hash, got %d bytes", len(decoded))
	}
	copy(h.Hash[:], decoded)
	return nil
}

func decodeHexString(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		return nil, errors.New(errors.ERR_INVALID_CHAIN_SPEC, "hexadecimal string doesn't start with 0x")
	}
	decoded, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, errors.New(errors.ERR_INVALID_CHAIN_SPEC, "invalid hexadecimal string", err)
	}
	return decoded, nil
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
