package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeVariableByteInteger(t *testing.T) {
	tests := []struct {
		name     string
		input    uint32
		expected []byte
		wantErr  error
	}{
		{
			name:     "zero",
			input:    0,
			expected: []byte{0x00},
		},
		{
			name:     "max_single_byte",
			input:    127,
			expected: []byte{0x7F},
		},
		{
			name:     "min_two_byte",
			input:    128,
			expected: []byte{0x80, 0x01},
		},
		{
			name:     "max_two_byte",
			input:    16383,
			expected: []byte{0xFF, 0x7F},
		},
		{
			name:     "min_three_byte",
			input:    16384,
			expected: []byte{0x80, 0x80, 0x01},
		},
		{
			name:     "max_three_byte",
			input:    2097151,
			expected: []byte{0xFF, 0xFF, 0x7F},
		},
		{
			name:     "min_four_byte",
			input:    2097152,
			expected: []byte{0x80, 0x80, 0x80, 0x01},
		},
		{
			name:     "max_value",
			input:    268435455,
			expected: []byte{0xFF, 0xFF, 0xFF, 0x7F},
		},
		{
			name:    "exceeds_maximum",
			input:   268435456,
			wantErr: ErrVariableByteIntegerTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := EncodeVariableByteInteger(tt.input)

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)

			// Verify round-trip
			decoded, err := DecodeVariableByteInteger(bytes.NewReader(result))
			require.NoError(t, err)
			assert.Equal(t, tt.input, decoded, "round-trip decode failed")
		})
	}
}

func TestDecodeVariableByteInteger(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected uint32
		wantErr  error
	}{
		{
			name:     "zero",
			input:    []byte{0x00},
			expected: 0,
		},
		{
			name:     "value_128",
			input:    []byte{0x80, 0x01},
			expected: 128,
		},
		{
			name:     "max_value",
			input:    []byte{0xFF, 0xFF, 0xFF, 0x7F},
			expected: 268435455,
		},
		{
			name:    "empty_input",
			input:   []byte{},
			wantErr: ErrUnexpectedEOF,
		},
		{
			name:    "truncated_continuation",
			input:   []byte{0x80},
			wantErr: ErrUnexpectedEOF,
		},
		{
			name:    "five_continuation_bytes",
			input:   []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x7F},
			wantErr: ErrMalformedVariableByteInteger,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := DecodeVariableByteInteger(bytes.NewReader(tt.input))

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, value)
		})
	}
}

func TestSizeVariableByteInteger(t *testing.T) {
	assert.Equal(t, 1, SizeVariableByteInteger(0))
	assert.Equal(t, 1, SizeVariableByteInteger(127))
	assert.Equal(t, 2, SizeVariableByteInteger(128))
	assert.Equal(t, 2, SizeVariableByteInteger(16383))
	assert.Equal(t, 3, SizeVariableByteInteger(16384))
	assert.Equal(t, 3, SizeVariableByteInteger(2097151))
	assert.Equal(t, 4, SizeVariableByteInteger(2097152))
	assert.Equal(t, 4, SizeVariableByteInteger(268435455))
	assert.Equal(t, 0, SizeVariableByteInteger(268435456))
}
