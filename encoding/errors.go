package encoding

import "errors"

var (
	// ErrMalformedPacket indicates a packet that violates the MQTT 5.0
	// framing rules (truncated buffer, forbidden field combination,
	// overrunning length prefix). Connections are closed without a
	// response when this is returned.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrUnexpectedEOF indicates the input ended before the declared
	// remaining length was consumed
	ErrUnexpectedEOF = errors.New("unexpected end of input")

	// ErrMalformedVariableByteInteger indicates invalid variable byte integer encoding
	ErrMalformedVariableByteInteger = errors.New("malformed variable byte integer")

	// ErrVariableByteIntegerTooLarge indicates the value exceeds the maximum encodable value (268,435,455)
	ErrVariableByteIntegerTooLarge = errors.New("variable byte integer value exceeds maximum (268,435,455)")

	ErrInvalidType                = errors.New("invalid packet type")
	ErrInvalidFlags               = errors.New("invalid flags for packet type")
	ErrInvalidQoS                 = errors.New("invalid QoS level")
	ErrInvalidPacketID            = errors.New("packet identifier must be non-zero")
	ErrInvalidProtocolName        = errors.New("invalid protocol name")
	ErrUnsupportedProtocolVersion = errors.New("unsupported protocol version")
	ErrInvalidPropertyID          = errors.New("invalid property identifier")
	ErrDuplicateProperty          = errors.New("property appears more than once")
	ErrPropertyLengthMismatch     = errors.New("property block overruns declared length")
	ErrInvalidUTF8                = errors.New("invalid UTF-8 string")
	ErrNullCharacter              = errors.New("string contains null character")
)
