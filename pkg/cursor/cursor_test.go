package cursor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestReadCompactSize checks decoding of every CompactSize width, including
// the rejection of values that were not minimally encoded.
func TestReadCompactSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      []byte
		want    uint64
		wantErr error
	}{
		{
			name: "single byte",
			in:   []byte{0xfc},
			want: 0xfc,
		},
		{
			name: "u16 minimal",
			in:   []byte{0xfd, 0xfd, 0x00},
			want: 0xfd,
		},
		{
			name:    "u16 encoding of 5",
			in:      []byte{0xfd, 0x05, 0x00},
			wantErr: ErrNonCanonical,
		},
		{
			name: "u32 minimal",
			in:   []byte{0xfe, 0x00, 0x00, 0x01, 0x00},
			want: 0x10000,
		},
		{
			name:    "u32 encoding of u16 value",
			in:      []byte{0xfe, 0xff, 0xff, 0x00, 0x00},
			wantErr: ErrNonCanonical,
		},
		{
			name: "u64 minimal",
			in: []byte{
				0xff, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00,
				0x00,
			},
			want: 0x100000000,
		},
		{
			name: "u64 encoding of u32 value",
			in: []byte{
				0xff, 0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00,
				0x00,
			},
			wantErr: ErrNonCanonical,
		},
		{
			name:    "truncated payload",
			in:      []byte{0xfe, 0x01, 0x02},
			wantErr: ErrTruncated,
		},
		{
			name:    "empty",
			in:      nil,
			wantErr: ErrTruncated,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := New(tc.in)
			got, err := c.ReadCompactSize()
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)

				// A failed read must not consume input.
				require.Equal(t, 0, c.Pos())

				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.Zero(t, c.Remaining())
		})
	}
}

// TestAppendCompactSize checks that the encoder always produces the form the
// decoder accepts and that the length helper agrees with it.
func TestAppendCompactSize(t *testing.T) {
	t.Parallel()

	values := []uint64{
		0, 1, 0xfc, 0xfd, 0xffff, 0x10000, 0xffffffff, 0x100000000,
		1<<64 - 1,
	}

	for _, v := range values {
		enc := AppendCompactSize(nil, v)
		require.Len(t, enc, CompactSizeLen(v))

		got, err := New(enc).ReadCompactSize()
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

// TestCursorReads exercises the fixed width readers and the bounds checks.
func TestCursorReads(t *testing.T) {
	t.Parallel()

	// Arrange: a buffer with a u32, a u64 and a var-bytes field.
	buf := []byte{
		0x01, 0x00, 0x00, 0x00,
		0x00, 0xf2, 0x05, 0x2a, 0x01, 0x00, 0x00, 0x00,
		0x02, 0xaa, 0xbb,
	}
	c := New(buf)

	// Act and assert.
	v32, err := c.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(1), v32)

	v64, err := c.ReadInt64()
	require.NoError(t, err)
	require.Equal(t, int64(5_000_000_000), v64)

	data, err := c.ReadVarBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0xbb}, data)
	require.Zero(t, c.Remaining())

	// Returned slices alias the buffer.
	require.Same(t, &buf[13], &data[0])

	_, err = c.ReadByte()
	require.ErrorIs(t, err, ErrTruncated)
}

// TestReadLengthBounded makes sure an attacker supplied count larger than the
// remaining data is rejected before anything is allocated from it.
func TestReadLengthBounded(t *testing.T) {
	t.Parallel()

	c := New([]byte{0xfd, 0x00, 0x10, 0x01, 0x02})
	_, err := c.ReadLength(1)
	require.ErrorIs(t, err, ErrTruncated)

	_, err = New([]byte{0x03, 0x01, 0x02}).ReadVarBytes()
	require.ErrorIs(t, err, ErrTruncated)
}
