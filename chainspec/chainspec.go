// Package chainspec decodes chain specification JSON files. The chain spec
// is part of the trusted setup of a node: among other things it carries the
// genesis storage, the boot nodes and the list of known-bad block hashes
// that gets fed to the sync engines.
package chainspec

import (
	"encoding/json"
	"strconv"

	"github.com/driftlight/driftsync/errors"
	"github.com/driftlight/driftsync/model"
)

// DefaultBlockNumberBytes is assumed when the spec does not carry a
// blockNumberBytes field.
const DefaultBlockNumberBytes = 4

// ChainType is the type of chain declared in the spec.
type ChainType string

const (
	ChainTypeDevelopment ChainType = "Development"
	ChainTypeLocal       ChainType = "Local"
	ChainTypeLive        ChainType = "Live"
)

// clientSpecJSON mirrors the JSON structure. Snake-case aliases for the
// parachain fields are accepted alongside the camelCase ones, matching what
// is found in the wild.
type clientSpecJSON struct {
	Name               string                    `json:"name"`
	ID                 string                    `json:"id"`
	ChainType          *string                   `json:"chainType"`
	CodeSubstitutes    map[string]HexString      `json:"codeSubstitutes"`
	BootNodes          []string                  `json:"bootNodes"`
	TelemetryEndpoints []telemetryEndpointJSON   `json:"telemetryEndpoints"`
	ProtocolID         *string                   `json:"protocolId"`
	ForkID             *string                   `json:"forkId"`
	BlockNumberBytes   *uint8                    `json:"blockNumberBytes"`
	Properties         json.RawMessage           `json:"properties"`
	ForkBlocks         []forkBlockJSON           `json:"forkBlocks"`
	BadBlocks          []HashHexString           `json:"badBlocks"`
	Genesis            *genesisJSON              `json:"genesis"`
	LightSyncState     json.RawMessage           `json:"lightSyncState"`
	RelayChain         *string                   `json:"relayChain"`
	RelayChainSnake    *string                   `json:"relay_chain"`
	ParaID             *uint32                   `json:"paraId"`
	ParaIDSnake        *uint32                   `json:"para_id"`
}

type genesisJSON struct {
	Raw           *RawGenesis    `json:"raw"`
	StateRootHash *HashHexString `json:"stateRootHash"`
}

// RawGenesis is the full genesis storage.
type RawGenesis struct {
	Top             map[HexStringKey]HexString  `json:"top"`
	ChildrenDefault map[HexStringKey]ChildRawStorage `json:"childrenDefault"`
}

// ChildRawStorage describes a child trie of the genesis storage.
type ChildRawStorage struct {
	ChildInfo ByteArray `json:"child_info"`
	ChildType uint32    `json:"child_type"`
}

// ByteArray is a byte string encoded in JSON as an array of numbers.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	out := make([]uint16, len(b))
	for i, v := range b {
		out[i] = uint16(v)
	}
	return json.Marshal(out)
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var raw []uint8
	if err := json.Unmarshal(data, &raw); err == nil {
		*b = raw
		return nil
	}
	var numbers []uint16
	if err := json.Unmarshal(data, &numbers); err != nil {
		return err
	}
	out := make([]byte, len(numbers))
	for i, v := range numbers {
		if v > 0xff {
			return errors.New(errors.ERR_INVALID_CHAIN_SPEC, "byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// TelemetryEndpoint is one telemetry server with its verbosity.
type TelemetryEndpoint struct {
	Address   string
	Verbosity uint8
}

// telemetryEndpointJSON decodes the `[address, verbosity]` pair form.
type telemetryEndpointJSON struct {
	Address   string
	Verbosity uint8
}

func (t *telemetryEndpointJSON) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return errors.New(errors.ERR_INVALID_CHAIN_SPEC, "telemetry endpoint must be a [address, verbosity] pair")
	}
	if err := json.Unmarshal(raw[0], &t.Address); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &t.Verbosity)
}

// forkBlockJSON decodes the `[number, hash]` pair form.
type forkBlockJSON struct {
	Number uint64
	Hash   HashHexString
}

func (f *forkBlockJSON) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return errors.New(errors.ERR_INVALID_CHAIN_SPEC, "fork block must be a [number, hash] pair")
	}
	if err := json.Unmarshal(raw[0], &f.Number); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &f.Hash)
}

// ForkBlock is a block at which the chain is known to fork.
type ForkBlock struct {
	Number uint64
	Hash   model.Hash
}

// Parachain holds the parachain-specific fields of a spec.
type Parachain struct {
	RelayChain string
	ParaID     uint32
}

// ClientSpec is a decoded chain specification.
type ClientSpec struct {
	Name      string
	ID        string
	ChainType ChainType

	// CodeSubstitutes maps block numbers to replacement runtime code.
	CodeSubstitutes map[uint64][]byte

	BootNodes          []string
	TelemetryEndpoints []TelemetryEndpoint
	ProtocolID         string
	ForkID             string
	BlockNumberBytes   uint8
	Properties         json.RawMessage

	ForkBlocks []ForkBlock
	BadBlocks  []model.Hash

	// Exactly one of GenesisRaw and GenesisStateRootHash is set.
	GenesisRaw           *RawGenesis
	GenesisStateRootHash *model.Hash

	// LightSyncState is kept in its raw form; decoding it is the checkpoint
	// loader's business.
	LightSyncState json.RawMessage

	Parachain *Parachain
}

// Parse decodes a chain specification.
func Parse(data []byte) (*ClientSpec, error) {
	var raw clientSpecJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.New(errors.ERR_INVALID_CHAIN_SPEC, "malformed chain spec", err)
	}

	spec := &ClientSpec{
		Name:           raw.Name,
		ID:             raw.ID,
		ChainType:      ChainTypeLive,
		BootNodes:      raw.BootNodes,
		Properties:     raw.Properties,
		LightSyncState: raw.LightSyncState,
	}

	if raw.ChainType != nil {
		// Development, Local and Live are the recognized values; anything
		// else is a custom chain type and passes through untouched.
		spec.ChainType = ChainType(*raw.ChainType)
	}

	if len(raw.CodeSubstitutes) > 0 {
		spec.CodeSubstitutes = make(map[uint64][]byte, len(raw.CodeSubstitutes))
		for numberStr, code := range raw.CodeSubstitutes {
			number, err := strconv.ParseUint(numberStr, 10, 64)
			if err != nil {
				return nil, errors.New(errors.ERR_INVALID_CHAIN_SPEC, "invalid code substitute block number %q", numberStr, err)
			}
			spec.CodeSubstitutes[number] = code.Bytes
		}
	}

	for _, t := range raw.TelemetryEndpoints {
		spec.TelemetryEndpoints = append(spec.TelemetryEndpoints, TelemetryEndpoint{
			Address:   t.Address,
			Verbosity: t.Verbosity,
		})
	}

	if raw.ProtocolID != nil {
		spec.ProtocolID = *raw.ProtocolID
	}
	if raw.ForkID != nil {
		spec.ForkID = *raw.ForkID
	}

	spec.BlockNumberBytes = DefaultBlockNumberBytes
	if raw.BlockNumberBytes != nil {
		spec.BlockNumberBytes = *raw.BlockNumberBytes
	}

	for _, f := range raw.ForkBlocks {
		spec.ForkBlocks = append(spec.ForkBlocks, ForkBlock{Number: f.Number, Hash: f.Hash.Hash})
	}
	for _, b := range raw.BadBlocks {
		spec.BadBlocks = append(spec.BadBlocks, b.Hash)
	}

	if raw.Genesis == nil || (raw.Genesis.Raw == nil) == (raw.Genesis.StateRootHash == nil) {
		return nil, errors.New(errors.ERR_INVALID_CHAIN_SPEC, "genesis must be either raw or stateRootHash")
	}
	if raw.Genesis.Raw != nil {
		spec.GenesisRaw = raw.Genesis.Raw
	} else {
		spec.GenesisStateRootHash = &raw.Genesis.StateRootHash.Hash
	}

	relayChain := raw.RelayChain
	if relayChain == nil {
		relayChain = raw.RelayChainSnake
	}
	paraID := raw.ParaID
	if paraID == nil {
		paraID = raw.ParaIDSnake
	}
	if relayChain != nil && paraID != nil {
		spec.Parachain = &Parachain{RelayChain: *relayChain, ParaID: *paraID}
	} else if relayChain != nil || paraID != nil {
		return nil, errors.New(errors.ERR_INVALID_CHAIN_SPEC, "relay_chain and para_id must be provided together")
	}

	return spec, nil
}

// BadBlockHashes returns the banned block hashes, ready to be passed to the
// allforks engine configuration.
func (s *ClientSpec) BadBlockHashes() []model.Hash {
	return s.BadBlocks
}

// GenesisStorageGet looks a key up in the raw genesis storage. The second
// return value is false when the key is absent or the spec only carries a
// state root hash.
func (s *ClientSpec) GenesisStorageGet(key []byte) ([]byte, bool) {
	if s.GenesisRaw == nil {
		return nil, false
	}
	value, ok := s.GenesisRaw.Top[HexStringKey(hexEncode(key))]
	if !ok {
		return nil, false
	}
	return value.Bytes, true
}

