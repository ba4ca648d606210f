// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cursor

import "encoding/binary"

// CompactSizeLen returns the number of bytes needed to encode v.
func CompactSizeLen(v uint64) int {
	switch {
	case v < compactSizeU16:
		return 1

	case v <= 0xffff:
		return 3

	case v <= 0xffffffff:
		return 5

	default:
		return 9
	}
}

// AppendCompactSize appends the canonical encoding of v to dst.
func AppendCompactSize(dst []byte, v uint64) []byte {
	switch {
	case v < compactSizeU16:
		return append(dst, byte(v))

	case v <= 0xffff:
		dst = append(dst, compactSizeU16)

		//nolint:gosec
		return binary.LittleEndian.AppendUint16(dst, uint16(v))

	case v <= 0xffffffff:
		dst = append(dst, compactSizeU32)

		//nolint:gosec
		return binary.LittleEndian.AppendUint32(dst, uint32(v))

	default:
		dst = append(dst, compactSizeU64)
		return binary.LittleEndian.AppendUint64(dst, v)
	}
}

// AppendVarBytes appends a CompactSize length prefix followed by b.
func AppendVarBytes(dst, b []byte) []byte {
	dst = AppendCompactSize(dst, uint64(len(b)))
	return append(dst, b...)
}
