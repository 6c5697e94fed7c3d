package chainspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSpec = `{
	"name": "Drift Testnet",
	"id": "drift_testnet",
	"chainType": "Local",
	"bootNodes": ["/dns4/boot.example/tcp/30333/p2p/x"],
	"telemetryEndpoints": [["wss://telemetry.example/submit/", 1]],
	"protocolId": "drift",
	"blockNumberBytes": 8,
	"properties": {"tokenSymbol": "DRT"},
	"codeSubstitutes": {"100": "0x00ff"},
	"badBlocks": [
		"0x0101010101010101010101010101010101010101010101010101010101010101"
	],
	"genesis": {
		"raw": {
			"top": {"0x3a636f6465": "0xdeadbeef"},
			"childrenDefault": {}
		}
	},
	"relay_chain": "drift_relay",
	"para_id": 2000
}`

func TestParseSampleSpec(t *testing.T) {
	spec, err := Parse([]byte(sampleSpec))
	require.NoError(t, err)

	assert.Equal(t, "Drift Testnet", spec.Name)
	assert.Equal(t, "drift_testnet", spec.ID)
	assert.Equal(t, ChainTypeLocal, spec.ChainType)
	assert.Equal(t, []string{"/dns4/boot.example/tcp/30333/p2p/x"}, spec.BootNodes)
	require.Len(t, spec.TelemetryEndpoints, 1)
	assert.Equal(t, "wss://telemetry.example/submit/", spec.TelemetryEndpoints[0].Address)
	assert.Equal(t, uint8(1), spec.TelemetryEndpoints[0].Verbosity)
	assert.Equal(t, "drift", spec.ProtocolID)
	assert.Equal(t, uint8(8), spec.BlockNumberBytes)
	assert.Equal(t, []byte{0x00, 0xff}, spec.CodeSubstitutes[100])

	require.Len(t, spec.BadBlocks, 1)
	assert.Equal(t, byte(1), spec.BadBlocks[0][0])

	require.NotNil(t, spec.GenesisRaw)
	value, found := spec.GenesisStorageGet([]byte(":code"))
	require.True(t, found)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, value)

	require.NotNil(t, spec.Parachain, "snake_case parachain fields must be accepted")
	assert.Equal(t, "drift_relay", spec.Parachain.RelayChain)
	assert.Equal(t, uint32(2000), spec.Parachain.ParaID)
}

func TestParseDefaults(t *testing.T) {
	spec, err := Parse([]byte(`{
		"name": "n", "id": "i",
		"genesis": {"stateRootHash": "0x0202020202020202020202020202020202020202020202020202020202020202"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, ChainTypeLive, spec.ChainType)
	assert.Equal(t, uint8(DefaultBlockNumberBytes), spec.BlockNumberBytes)
	assert.Nil(t, spec.Parachain)
	require.NotNil(t, spec.GenesisStateRootHash)
	assert.Equal(t, byte(2), spec.GenesisStateRootHash[0])

	_, found := spec.GenesisStorageGet([]byte(":code"))
	assert.False(t, found)
}

func TestParseCamelCaseParachain(t *testing.T) {
	spec, err := Parse([]byte(`{
		"name": "n", "id": "i",
		"genesis": {"raw": {"top": {}, "childrenDefault": {}}},
		"relayChain": "rc", "paraId": 7
	}`))
	require.NoError(t, err)
	require.NotNil(t, spec.Parachain)
	assert.Equal(t, "rc", spec.Parachain.RelayChain)
	assert.Equal(t, uint32(7), spec.Parachain.ParaID)
}

func TestParseErrors(t *testing.T) {
	t.Run("hash with wrong length", func(t *testing.T) {
		_, err := Parse([]byte(`{
			"name": "n", "id": "i",
			"badBlocks": ["0x0102"],
			"genesis": {"raw": {"top": {}, "childrenDefault": {}}}
		}`))
		assert.Error(t, err)
	})

	t.Run("hex without prefix", func(t *testing.T) {
		_, err := Parse([]byte(`{
			"name": "n", "id": "i",
			"genesis": {"raw": {"top": {"3a636f6465": "0x00"}, "childrenDefault": {}}}
		}`))
		assert.Error(t, err)
	})

	t.Run("missing genesis", func(t *testing.T) {
		_, err := Parse([]byte(`{"name": "n", "id": "i"}`))
		assert.Error(t, err)
	})

	t.Run("partial parachain fields", func(t *testing.T) {
		_, err := Parse([]byte(`{
			"name": "n", "id": "i",
			"genesis": {"raw": {"top": {}, "childrenDefault": {}}},
			"relay_chain": "rc"
		}`))
		assert.Error(t, err)
	})
}
