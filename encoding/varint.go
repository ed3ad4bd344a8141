package encoding

import (
	"errors"
	"io"
)

// Variable Byte Integer encoding/decoding per MQTT 5.0 section 1.5.5:
// values 0 to 268,435,455, seven data bits per byte, bit 7 set when more
// bytes follow, at most four bytes.

const (
	// MaxVariableByteInteger is the maximum encodable value (0x0FFFFFFF)
	MaxVariableByteInteger uint32 = 268435455

	// MaxVariableByteIntegerBytes is the maximum number of bytes in a variable byte integer
	MaxVariableByteIntegerBytes = 4
)

// EncodeVariableByteInteger encodes a uint32 as an MQTT Variable Byte Integer.
//
// Per MQTT spec:
// - Values 0-127: 1 byte
// - Values 128-16,383: 2 bytes
// - Values 16,384-2,097,151: 3 bytes
// - Values 2,097,152-268,435,455: 4 bytes
// - Values > 268,435,455: error
func EncodeVariableByteInteger(value uint32) ([]byte, error) {
	if value > MaxVariableByteInteger {
		return nil, ErrVariableByteIntegerTooLarge
	}

	result := make([]byte, 0, MaxVariableByteIntegerBytes)
	for {
		encodedByte := byte(value % 128)
		value = value / 128

		// More data to encode: set the continuation bit
		if value > 0 {
			encodedByte |= 0x80
		}

		result = append(result, encodedByte)

		if value == 0 {
			break
		}
	}

	return result, nil
}

// DecodeVariableByteInteger decodes an MQTT Variable Byte Integer from a reader.
func DecodeVariableByteInteger(r io.Reader) (uint32, error) {
	var value uint32
	var multiplier uint32 = 1
	var buf [1]byte // Stack-allocated for zero heap allocation

	for i := 0; i < MaxVariableByteIntegerBytes; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return 0, ErrUnexpectedEOF
			}
			return 0, err
		}

		encodedByte := buf[0]
		value += uint32(encodedByte&0x7F) * multiplier

		if (encodedByte & 0x80) == 0 {
			return value, nil
		}

		// Prevents overflow on the next iteration
		if multiplier > 128*128*128 {
			return 0, ErrMalformedVariableByteInteger
		}

		multiplier *= 128
	}

	// Four bytes consumed with the continuation bit still set
	return 0, ErrMalformedVariableByteInteger
}

// SizeVariableByteInteger returns the number of bytes required to encode the
// given value, or 0 if the value is too large to encode.
func SizeVariableByteInteger(value uint32) int {
	switch {
	case value > MaxVariableByteInteger:
		return 0
	case value <= 127:
		return 1
	case value <= 16383:
		return 2
	case value <= 2097151:
		return 3
	}
	return 4
}
