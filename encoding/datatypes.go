package encoding

import (
	"io"
	"unicode/utf8"
)

// Basic MQTT data types per MQTT 5.0 section 1.5: big-endian integers,
// length-prefixed UTF-8 strings and binary data.

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if err == io.EOF {
			return 0, ErrUnexpectedEOF
		}
		return 0, err
	}
	return b[0], nil
}

func readTwoByteInt(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, ErrUnexpectedEOF
		}
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func readFourByteInt(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, ErrUnexpectedEOF
		}
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func readUTF8String(r io.Reader) (string, error) {
	length, err := readTwoByteInt(r)
	if err != nil {
		return "", err
	}

	if length == 0 {
		return "", nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", ErrUnexpectedEOF
	}

	if err := ValidateUTF8String(buf); err != nil {
		return "", err
	}

	return string(buf), nil
}

func readUTF8Pair(r io.Reader) (UTF8Pair, error) {
	key, err := readUTF8String(r)
	if err != nil {
		return UTF8Pair{}, err
	}

	value, err := readUTF8String(r)
	if err != nil {
		return UTF8Pair{}, err
	}

	return UTF8Pair{Key: key, Value: value}, nil
}

func readBinaryData(r io.Reader) ([]byte, error) {
	length, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}

	if length == 0 {
		return []byte{}, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrUnexpectedEOF
	}

	return buf, nil
}

func writeByte(w io.Writer, value byte) error {
	_, err := w.Write([]byte{value})
	return err
}

func writeTwoByteInt(w io.Writer, value uint16) error {
	_, err := w.Write([]byte{byte(value >> 8), byte(value)})
	return err
}

func writeFourByteInt(w io.Writer, value uint32) error {
	_, err := w.Write([]byte{
		byte(value >> 24),
		byte(value >> 16),
		byte(value >> 8),
		byte(value),
	})
	return err
}

func writeUTF8String(w io.Writer, value string) error {
	if err := writeTwoByteInt(w, uint16(len(value))); err != nil {
		return err
	}
	if len(value) > 0 {
		_, err := w.Write([]byte(value))
		return err
	}
	return nil
}

func writeUTF8Pair(w io.Writer, value UTF8Pair) error {
	if err := writeUTF8String(w, value.Key); err != nil {
		return err
	}
	return writeUTF8String(w, value.Value)
}

func writeBinaryData(w io.Writer, value []byte) error {
	if err := writeTwoByteInt(w, uint16(len(value))); err != nil {
		return err
	}
	if len(value) > 0 {
		_, err := w.Write(value)
		return err
	}
	return nil
}

// ValidateUTF8String validates a UTF-8 Encoded String per MQTT 5.0 section
// 1.5.4: well-formed UTF-8 (RFC 3629), no U+0000, no UTF-16 surrogate code
// points.
func ValidateUTF8String(data []byte) error {
	for _, b := range data {
		if b == 0 {
			return ErrNullCharacter
		}
	}

	if !utf8.Valid(data) {
		return ErrInvalidUTF8
	}

	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		// Surrogate code points never appear in well-formed UTF-8; a
		// rune error here means an encoded surrogate pair (CESU-8)
		if r == utf8.RuneError && size == 1 {
			return ErrInvalidUTF8
		}
		i += size
	}

	return nil
}
