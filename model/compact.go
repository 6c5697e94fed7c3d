package model

import (
	"encoding/binary"

	"github.com/driftlight/driftsync/errors"
)

// compactDecode reads a SCALE compact-encoded unsigned integer from b and
// returns the value and the number of bytes consumed.
func compactDecode(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errors.New(errors.ERR_INVALID_HEADER, "truncated compact integer")
	}

	switch b[0] & 0b11 {
	case 0b00:
		return uint64(b[0] >> 2), 1, nil
	case 0b01:
		if len(b) < 2 {
			return 0, 0, errors.New(errors.ERR_INVALID_HEADER, "truncated compact integer")
		}
		return uint64(binary.LittleEndian.Uint16(b[:2]) >> 2), 2, nil
	case 0b10:
		if len(b) < 4 {
			return 0, 0, errors.New(errors.ERR_INVALID_HEADER, "truncated compact integer")
		}
		return uint64(binary.LittleEndian.Uint32(b[:4]) >> 2), 4, nil
	default:
		numBytes := int(b[0]>>2) + 4
		if numBytes > 8 {
			return 0, 0, errors.New(errors.ERR_INVALID_HEADER, "compact integer too large")
		}
		if len(b) < 1+numBytes {
			return 0, 0, errors.New(errors.ERR_INVALID_HEADER, "truncated compact integer")
		}
		var buf [8]byte
		copy(buf[:], b[1:1+numBytes])
		return binary.LittleEndian.Uint64(buf[:]), 1 + numBytes, nil
	}
}

// compactEncode appends the SCALE compact encoding of v to dst.
func compactEncode(dst []byte, v uint64) []byte {
	switch {
	case v < 1<<6:
		return append(dst, byte(v)<<2)
	case v < 1<<14:
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(v)<<2|0b01)
		return append(dst, buf[:]...)
	case v < 1<<30:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(v)<<2|0b10)
		return append(dst, buf[:]...)
	default:
		numBytes := 8
		for numBytes > 4 && v>>(8*(numBytes-1)) == 0 {
			numBytes--
		}
		dst = append(dst, byte(numBytes-4)<<2|0b11)
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		return append(dst, buf[:numBytes]...)
	}
}
