// Package babe extracts the BABE consensus configuration from a chain's
// genesis runtime. The configuration is stored inside the runtime itself and
// is retrieved by calling the BabeApi_configuration entry point.
package babe

import (
	"encoding/binary"

	"github.com/driftlight/driftsync/errors"
	"github.com/driftlight/driftsync/runtimevm"
)

// AllowedSlots describes the kinds of slot claims a chain accepts.
type AllowedSlots uint8

const (
	PrimarySlots AllowedSlots = iota
	PrimaryAndSecondaryPlainSlots
	PrimaryAndSecondaryVrfSlots
)

// Authority is one authority allowed to author blocks during epoch 0.
type Authority struct {
	PublicKey [32]byte
	Weight    uint64
}

// NextConfig is the BABE configuration of epoch 0.
type NextConfig struct {
	// C is the (numerator, denominator) of the slot-lottery probability.
	C [2]uint64

	AllowedSlots AllowedSlots
}

// NextEpoch is the information about epoch 0.
type NextEpoch struct {
	Randomness  [32]byte
	Authorities []Authority
}

// GenesisConfiguration is the BABE configuration extracted from the genesis
// runtime.
type GenesisConfiguration struct {
	SlotsPerEpoch       uint64 // always non-zero
	Epoch0Configuration NextConfig
	Epoch0Information   NextEpoch
}

// FromVMPrototype runs BabeApi_configuration on the given runtime and
// decodes the output. genesisStorageAccess serves storage reads from the
// genesis block storage.
//
// The prototype is always handed back, also on error, so the caller can
// retry or reuse it. Errors: ErrVMStart, ErrVMTrapped,
// ErrVMHostFunctionDenied, ErrVMOutputDecode.
func FromVMPrototype(
	vm runtimevm.Prototype,
	genesisStorageAccess func(key []byte) ([]byte, bool),
) (*GenesisConfiguration, runtimevm.Prototype, error) {
	state, err := vm.RunNoParam("BabeApi_configuration")
	if err != nil {
		return nil, vm, errors.New(errors.ERR_VM_START, "error starting BabeApi_configuration", err)
	}

	for {
		switch st := state.(type) {
		case runtimevm.ReadyToRun:
			state = st.Run()

		case runtimevm.Finished:
			cfg, err := decodeGenesisConfig(st.Output())
			if err != nil {
				return nil, st.Prototype(), err
			}
			return cfg, st.Prototype(), nil

		case runtimevm.ExternalStorageGet:
			value, found := genesisStorageAccess(st.Key())
			state = st.Resume(value, found)

		case runtimevm.MaxLogLevelRequest:
			state = st.Resume(0) // Off

		case runtimevm.LogEmit:
			state = st.Resume()

		case runtimevm.Trapped:
			if trapErr := st.TrapError(); trapErr != nil {
				return nil, st.Prototype(), errors.New(errors.ERR_VM_TRAPPED, "virtual machine trapped", trapErr)
			}
			return nil, st.Prototype(), errors.ErrVMTrapped

		default:
			// Any other host call is not allowed while reading the genesis
			// configuration.
			rec, ok := state.(runtimevm.Recoverable)
			if !ok {
				panic("babe: virtual machine state does not expose its prototype")
			}
			return nil, rec.Prototype(), errors.ErrVMHostFunctionDenied
		}
	}
}

// decodeGenesisConfig decodes the output of BabeApi_configuration:
// slot duration (ignored), slots per epoch, the c fraction, the authority
// list, the epoch randomness and the allowed-slots tag. The whole output
// must be consumed.
func decodeGenesisConfig(output []byte) (*GenesisConfiguration, error) {
	readU64 := func() (uint64, bool) {
		if len(output) < 8 {
			return 0, false
		}
		v := binary.LittleEndian.Uint64(output[:8])
		output = output[8:]
		return v, true
	}

	if _, ok := readU64(); !ok { // slot duration, not modifiable anyway
		return nil, errors.ErrVMOutputDecode
	}

	slotsPerEpoch, ok := readU64()
	if !ok || slotsPerEpoch == 0 {
		return nil, errors.ErrVMOutputDecode
	}

	c0, ok := readU64()
	if !ok {
		return nil, errors.ErrVMOutputDecode
	}
	c1, ok := readU64()
	if !ok {
		return nil, errors.ErrVMOutputDecode
	}

	numAuthorities, n, err := compactDecode(output)
	if err != nil {
		return nil, errors.ErrVMOutputDecode
	}
	output = output[n:]

	authorities := make([]Authority, 0, numAuthorities)
	for i := uint64(0); i < numAuthorities; i++ {
		if len(output) < 40 {
			return nil, errors.ErrVMOutputDecode
		}
		var a Authority
		copy(a.PublicKey[:], output[:32])
		a.Weight = binary.LittleEndian.Uint64(output[32:40])
		output = output[40:]
		authorities = append(authorities, a)
	}

	if len(output) < 32 {
		return nil, errors.ErrVMOutputDecode
	}
	var randomness [32]byte
	copy(randomness[:], output[:32])
	output = output[32:]

	if len(output) != 1 || output[0] > 2 {
		return nil, errors.ErrVMOutputDecode
	}
	allowedSlots := AllowedSlots(output[0])

	return &GenesisConfiguration{
		SlotsPerEpoch: slotsPerEpoch,
		Epoch0Configuration: NextConfig{
			C:            [2]uint64{c0, c1},
			AllowedSlots: allowedSlots,
		},
		Epoch0Information: NextEpoch{
			Randomness:  randomness,
			Authorities: authorities,
		},
	}, nil
}

// compactDecode reads a SCALE compact-encoded unsigned integer.
func compactDecode(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errors.ErrVMOutputDecode
	}
	switch b[0] & 0b11 {
	case 0b00:
		return uint64(b[0] >> 2), 1, nil
	case 0b01:
		if len(b) < 2 {
			return 0, 0, errors.ErrVMOutputDecode
		}
		return uint64(binary.LittleEndian.Uint16(b[:2]) >> 2), 2, nil
	case 0b10:
		if len(b) < 4 {
			return 0, 0, errors.ErrVMOutputDecode
		}
		return uint64(binary.LittleEndian.Uint32(b[:4]) >> 2), 4, nil
	default:
		numBytes := int(b[0]>>2) + 4
		if numBytes > 8 || len(b) < 1+numBytes {
			return 0, 0, errors.ErrVMOutputDecode
		}
		var buf [8]byte
		copy(buf[:], b[1:1+numBytes])
		return binary.LittleEndian.Uint64(buf[:]), 1 + numBytes, nil
	}
}
