package encoding

import (
	"io"
)

// PacketType represents MQTT control packet types
type PacketType byte

const (
	Reserved    PacketType = 0
	CONNECT     PacketType = 1
	CONNACK     PacketType = 2
	PUBLISH     PacketType = 3
	PUBACK      PacketType = 4
	PUBREC      PacketType = 5
	PUBREL      PacketType = 6
	PUBCOMP     PacketType = 7
	SUBSCRIBE   PacketType = 8
	SUBACK      PacketType = 9
	UNSUBSCRIBE PacketType = 10
	UNSUBACK    PacketType = 11
	PINGREQ     PacketType = 12
	PINGRESP    PacketType = 13
	DISCONNECT  PacketType = 14
)

// QoS levels
type QoS byte

const (
	QoS0 QoS = 0 // At most once
	QoS1 QoS = 1 // At least once
	QoS2 QoS = 2 // Exactly once
)

// IsValid returns true if the QoS level is valid (0, 1, or 2)
func (q QoS) IsValid() bool {
	return q <= QoS2
}

// ProtocolVersion is the value of the CONNECT protocol level byte.
type ProtocolVersion byte

// ProtocolVersion50 is the only version this broker speaks.
const ProtocolVersion50 ProtocolVersion = 5

// FixedHeader represents the MQTT fixed header: one control byte (high
// nibble packet type, low nibble flags) followed by the Remaining Length
// as a Variable Byte Integer.
type FixedHeader struct {
	Type            PacketType
	Flags           byte
	RemainingLength uint32

	// PUBLISH-specific flags, decoded from the Flags field
	DUP    bool
	QoS    QoS
	Retain bool
}

// ParseFixedHeader parses the fixed header from a reader. Packet type 0 and
// type 15 (AUTH, not supported by this broker) are rejected as malformed.
func ParseFixedHeader(r io.Reader) (*FixedHeader, error) {
	header := &FixedHeader{}

	var firstByte [1]byte // Stack-allocated, zero heap allocation
	if _, err := io.ReadFull(r, firstByte[:]); err != nil {
		if err == io.EOF {
			return nil, ErrUnexpectedEOF
		}
		return nil, err
	}

	header.Type = PacketType(firstByte[0] >> 4)
	if header.Type == Reserved || header.Type > DISCONNECT {
		return nil, ErrInvalidType
	}

	header.Flags = firstByte[0] & 0x0F

	if header.Type == PUBLISH {
		header.DUP = (header.Flags & 0x08) != 0
		header.QoS = QoS((header.Flags & 0x06) >> 1)
		header.Retain = (header.Flags & 0x01) != 0

		if !header.QoS.IsValid() {
			return nil, ErrInvalidQoS
		}
	} else {
		if err := validateFlags(header.Type, header.Flags); err != nil {
			return nil, err
		}
	}

	remainingLength, err := DecodeVariableByteInteger(r)
	if err != nil {
		return nil, err
	}
	header.RemainingLength = remainingLength

	return header, nil
}

// EncodeFixedHeader writes the fixed header to w.
func (fh *FixedHeader) EncodeFixedHeader(w io.Writer) error {
	flags := fh.Flags
	if fh.Type == PUBLISH {
		flags = fh.BuildPublishFlags()
	}

	lengthBytes, err := EncodeVariableByteInteger(fh.RemainingLength)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, 1+len(lengthBytes))
	buf = append(buf, byte(fh.Type)<<4|flags&0x0F)
	buf = append(buf, lengthBytes...)

	_, err = w.Write(buf)
	return err
}

// BuildPublishFlags assembles the flags nibble for a PUBLISH packet from the
// decoded DUP/QoS/Retain fields.
func (fh *FixedHeader) BuildPublishFlags() byte {
	var flags byte
	if fh.DUP {
		flags |= 0x08
	}
	flags |= byte(fh.QoS) << 1
	if fh.Retain {
		flags |= 0x01
	}
	return flags
}

// validateFlags checks reserved flag bits for non-PUBLISH packet types.
// Per MQTT 5.0 section 2.1.3 the reserved bits of PUBREL, SUBSCRIBE and
// UNSUBSCRIBE must be 0010; all other types use 0000.
func validateFlags(tp PacketType, flags byte) error {
	var expected byte
	switch tp {
	case PUBREL, SUBSCRIBE, UNSUBSCRIBE:
		expected = 0x02
	default:
		expected = 0x00
	}

	if flags != expected {
		return ErrInvalidFlags
	}
	return nil
}

// String returns human-readable packet type name
func (t PacketType) String() string {
	names := [15]string{
		Reserved:    "RESERVED",
		CONNECT:     "CONNECT",
		CONNACK:     "CONNACK",
		PUBLISH:     "PUBLISH",
		PUBACK:      "PUBACK",
		PUBREC:      "PUBREC",
		PUBREL:      "PUBREL",
		PUBCOMP:     "PUBCOMP",
		SUBSCRIBE:   "SUBSCRIBE",
		SUBACK:      "SUBACK",
		UNSUBSCRIBE: "UNSUBSCRIBE",
		UNSUBACK:    "UNSUBACK",
		PINGREQ:     "PINGREQ",
		PINGRESP:    "PINGRESP",
		DISCONNECT:  "DISCONNECT",
	}

	if t <= DISCONNECT {
		return names[t]
	}
	return "UNKNOWN"
}

// String returns human-readable QoS level
func (q QoS) String() string {
	switch q {
	case QoS0:
		return "QoS0"
	case QoS1:
		return "QoS1"
	case QoS2:
		return "QoS2"
	default:
		return "INVALID"
	}
}
