// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cursor provides a bounds-checked, zero-copy reader over a
// contiguous byte buffer together with the CompactSize variable length
// integer codec used throughout the bitcoin wire format.
package cursor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrTruncated is returned when fewer bytes remain in the buffer than
	// the read requires.
	ErrTruncated = errors.New("cursor: truncated")

	// ErrNonCanonical is returned when a CompactSize value is not encoded
	// with the shortest possible form.
	ErrNonCanonical = errors.New("cursor: non-canonical compact size")

	// ErrNegativeLength is returned when a caller asks for a negative
	// number of bytes.
	ErrNegativeLength = errors.New("cursor: negative length")
)

const (
	// compactSizeU16 is the marker for a 2-byte CompactSize payload.
	compactSizeU16 = 0xfd

	// compactSizeU32 is the marker for a 4-byte CompactSize payload.
	compactSizeU32 = 0xfe

	// compactSizeU64 is the marker for an 8-byte CompactSize payload.
	compactSizeU64 = 0xff
)

// Cursor is a read-only view over a byte slice with a monotonically
// advancing read position. Slices returned by Read and Peek alias the
// underlying buffer and must be copied if the caller retains them beyond the
// lifetime of that buffer.
type Cursor struct {
	buf []byte
	pos int
}

// New returns a cursor positioned at the first byte of b.
func New(b []byte) *Cursor {
	return &Cursor{buf: b}
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.pos
}

// Pos returns the current read offset from the start of the buffer.
func (c *Cursor) Pos() int {
	return c.pos
}

// Bytes returns the underlying buffer in full, regardless of position.
func (c *Cursor) Bytes() []byte {
	return c.buf
}

// Peek returns the next n bytes without advancing.
func (c *Cursor) Peek(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeLength
	}
	if n > c.Remaining() {
		return nil, fmt.Errorf("peek %d bytes with %d remaining: %w",
			n, c.Remaining(), ErrTruncated)
	}

	return c.buf[c.pos : c.pos+n], nil
}

// Read returns exactly n bytes and advances past them. The returned slice
// references the cursor's buffer.
func (c *Cursor) Read(n int) ([]byte, error) {
	b, err := c.Peek(n)
	if err != nil {
		return nil, err
	}
	c.pos += n

	return b, nil
}

// Skip advances the cursor by n bytes.
func (c *Cursor) Skip(n int) error {
	_, err := c.Read(n)
	return err
}

// ReadByte reads a single byte.
func (c *Cursor) ReadByte() (byte, error) {
	if c.Remaining() < 1 {
		return 0, fmt.Errorf("read byte: %w", ErrTruncated)
	}
	b := c.buf[c.pos]
	c.pos++

	return b, nil
}

// ReadUint16 reads a little-endian uint16.
func (c *Cursor) ReadUint16() (uint16, error) {
	b, err := c.Read(2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

// ReadUint32 reads a little-endian uint32.
func (c *Cursor) ReadUint32() (uint32, error) {
	b, err := c.Read(4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// ReadInt32 reads a little-endian two's complement int32.
func (c *Cursor) ReadInt32() (int32, error) {
	v, err := c.ReadUint32()

	//nolint:gosec
	return int32(v), err
}

// ReadUint64 reads a little-endian uint64.
func (c *Cursor) ReadUint64() (uint64, error) {
	b, err := c.Read(8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// ReadInt64 reads a little-endian two's complement int64.
func (c *Cursor) ReadInt64() (int64, error) {
	v, err := c.ReadUint64()

	//nolint:gosec
	return int64(v), err
}

// ReadCompactSize decodes a CompactSize integer. Values that could have been
// encoded in a shorter form are rejected with ErrNonCanonical.
func (c *Cursor) ReadCompactSize() (uint64, error) {
	start := c.pos

	marker, err := c.ReadByte()
	if err != nil {
		return 0, err
	}

	var (
		v     uint64
		floor uint64
	)
	switch marker {
	case compactSizeU16:
		var v16 uint16
		v16, err = c.ReadUint16()
		v, floor = uint64(v16), compactSizeU16

	case compactSizeU32:
		var v32 uint32
		v32, err = c.ReadUint32()
		v, floor = uint64(v32), 0x10000

	case compactSizeU64:
		v, err = c.ReadUint64()
		floor = 0x100000000

	default:
		return uint64(marker), nil
	}
	if err != nil {
		c.pos = start
		return 0, err
	}

	if v < floor {
		c.pos = start
		return 0, fmt.Errorf("value %d encoded with marker %#x: %w",
			v, marker, ErrNonCanonical)
	}

	return v, nil
}

// ReadLength decodes a CompactSize and checks it against the bytes left in
// the buffer, which bounds every allocation a caller makes from it. The
// per-item size is the smallest number of bytes each counted element can
// occupy.
func (c *Cursor) ReadLength(itemSize int) (int, error) {
	v, err := c.ReadCompactSize()
	if err != nil {
		return 0, err
	}

	if itemSize < 1 {
		itemSize = 1
	}

	// Anything past MaxInt cannot fit in memory, let alone in the
	// remaining buffer.
	if v > math.MaxInt32 || int(v) > c.Remaining()/itemSize {
		return 0, fmt.Errorf("length %d exceeds %d remaining bytes: %w",
			v, c.Remaining(), ErrTruncated)
	}

	return int(v), nil
}

// ReadVarBytes reads a CompactSize length prefix followed by that many
// bytes.
func (c *Cursor) ReadVarBytes() ([]byte, error) {
	n, err := c.ReadLength(1)
	if err != nil {
		return nil, err
	}

	return c.Read(n)
}
