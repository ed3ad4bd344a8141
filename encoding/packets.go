package encoding

import (
	"io"
)

// ReasonCode represents MQTT 5.0 reason codes
type ReasonCode byte

const (
	// Success and normal disconnection codes
	ReasonSuccess               ReasonCode = 0x00
	ReasonNormalDisconnection   ReasonCode = 0x00
	ReasonGrantedQoS0           ReasonCode = 0x00
	ReasonGrantedQoS1           ReasonCode = 0x01
	ReasonGrantedQoS2           ReasonCode = 0x02
	ReasonNoMatchingSubscribers ReasonCode = 0x10
	ReasonNoSubscriptionExisted ReasonCode = 0x11

	// Error codes
	ReasonUnspecifiedError           ReasonCode = 0x80
	ReasonMalformedPacket            ReasonCode = 0x81
	ReasonProtocolError              ReasonCode = 0x82
	ReasonImplementationSpecific     ReasonCode = 0x83
	ReasonUnsupportedProtocolVersion ReasonCode = 0x84
	ReasonClientIdentifierNotValid   ReasonCode = 0x85
	ReasonBadUsernameOrPassword      ReasonCode = 0x86
	ReasonNotAuthorized              ReasonCode = 0x87
	ReasonServerUnavailable          ReasonCode = 0x88
	ReasonServerBusy                 ReasonCode = 0x89
	ReasonBanned                     ReasonCode = 0x8A
	ReasonServerShuttingDown         ReasonCode = 0x8B
	ReasonKeepAliveTimeout           ReasonCode = 0x8D
	ReasonSessionTakenOver           ReasonCode = 0x8E
	ReasonTopicFilterInvalid         ReasonCode = 0x8F
	ReasonTopicNameInvalid           ReasonCode = 0x90
	ReasonPacketIdentifierInUse      ReasonCode = 0x91
	ReasonPacketIdentifierNotFound   ReasonCode = 0x92
	ReasonPacketTooLarge             ReasonCode = 0x95
	ReasonQuotaExceeded              ReasonCode = 0x97
	ReasonConnectionRateExceeded     ReasonCode = 0x9F
)

// ConnectPacket represents an MQTT 5.0 CONNECT packet
type ConnectPacket struct {
	FixedHeader     FixedHeader
	ProtocolName    string
	ProtocolVersion ProtocolVersion
	CleanStart      bool
	WillFlag        bool
	WillQoS         QoS
	WillRetain      bool
	PasswordFlag    bool
	UsernameFlag    bool
	KeepAlive       uint16
	Properties      Properties
	ClientID        string
	WillProperties  Properties
	WillTopic       string
	WillPayload     []byte
	Username        string
	Password        []byte
}

// ConnackPacket represents an MQTT 5.0 CONNACK packet
type ConnackPacket struct {
	FixedHeader    FixedHeader
	SessionPresent bool
	ReasonCode     ReasonCode
	Properties     Properties
}

// PublishPacket represents an MQTT 5.0 PUBLISH packet
type PublishPacket struct {
	FixedHeader FixedHeader
	TopicName   string
	PacketID    uint16 // Only for QoS 1 and 2
	Properties  Properties
	Payload     []byte
}

// PubackPacket represents an MQTT 5.0 PUBACK packet
type PubackPacket struct {
	FixedHeader FixedHeader
	PacketID    uint16
	ReasonCode  ReasonCode
	Properties  Properties
}

// PubrecPacket represents an MQTT 5.0 PUBREC packet
type PubrecPacket struct {
	FixedHeader FixedHeader
	PacketID    uint16
	ReasonCode  ReasonCode
	Properties  Properties
}

// PubrelPacket represents an MQTT 5.0 PUBREL packet
type PubrelPacket struct {
	FixedHeader FixedHeader
	PacketID    uint16
	ReasonCode  ReasonCode
	Properties  Properties
}

// PubcompPacket represents an MQTT 5.0 PUBCOMP packet
type PubcompPacket struct {
	FixedHeader FixedHeader
	PacketID    uint16
	ReasonCode  ReasonCode
	Properties  Properties
}

// Subscription represents a single entry in a SUBSCRIBE packet
type Subscription struct {
	TopicFilter       string
	QoS               QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

// SubscribePacket represents an MQTT 5.0 SUBSCRIBE packet
type SubscribePacket struct {
	FixedHeader   FixedHeader
	PacketID      uint16
	Properties    Properties
	Subscriptions []Subscription
}

// SubackPacket represents an MQTT 5.0 SUBACK packet
type SubackPacket struct {
	FixedHeader FixedHeader
	PacketID    uint16
	Properties  Properties
	ReasonCodes []ReasonCode
}

// UnsubscribePacket represents an MQTT 5.0 UNSUBSCRIBE packet
type UnsubscribePacket struct {
	FixedHeader  FixedHeader
	PacketID     uint16
	Properties   Properties
	TopicFilters []string
}

// UnsubackPacket represents an MQTT 5.0 UNSUBACK packet
type UnsubackPacket struct {
	FixedHeader FixedHeader
	PacketID    uint16
	Properties  Properties
	ReasonCodes []ReasonCode
}

// PingreqPacket represents an MQTT 5.0 PINGREQ packet
type PingreqPacket struct {
	FixedHeader FixedHeader
}

// PingrespPacket represents an MQTT 5.0 PINGRESP packet
type PingrespPacket struct {
	FixedHeader FixedHeader
}

// DisconnectPacket represents an MQTT 5.0 DISCONNECT packet
type DisconnectPacket struct {
	FixedHeader FixedHeader
	ReasonCode  ReasonCode
	Properties  Properties
}

// ParseConnectPacket parses an MQTT 5.0 CONNECT packet.
//
// An unsupported protocol version yields ErrUnsupportedProtocolVersion with
// the partially filled packet so the caller can answer CONNACK 0x84 before
// closing; every other failure is malformed and gets no response.
func ParseConnectPacket(r io.Reader, fh *FixedHeader) (*ConnectPacket, error) {
	pkt := &ConnectPacket{FixedHeader: *fh}

	protocolName, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.ProtocolName = protocolName

	if protocolName != "MQTT" {
		return nil, ErrInvalidProtocolName
	}

	version, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ProtocolVersion = ProtocolVersion(version)

	if pkt.ProtocolVersion != ProtocolVersion50 {
		return pkt, ErrUnsupportedProtocolVersion
	}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}

	pkt.CleanStart = (flags & 0x02) != 0
	pkt.WillFlag = (flags & 0x04) != 0
	pkt.WillQoS = QoS((flags & 0x18) >> 3)
	pkt.WillRetain = (flags & 0x20) != 0
	pkt.PasswordFlag = (flags & 0x40) != 0
	pkt.UsernameFlag = (flags & 0x80) != 0

	// Reserved bit (bit 0) must be 0
	if (flags & 0x01) != 0 {
		return nil, ErrMalformedPacket
	}

	// Will QoS and Will Retain must be zero when there is no will
	if !pkt.WillFlag && (pkt.WillQoS != 0 || pkt.WillRetain) {
		return nil, ErrMalformedPacket
	}
	if !pkt.WillQoS.IsValid() {
		return nil, ErrInvalidQoS
	}

	keepAlive, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.KeepAlive = keepAlive

	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props

	clientID, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.ClientID = clientID

	if pkt.WillFlag {
		willProps, err := ParseProperties(r)
		if err != nil {
			return nil, err
		}
		pkt.WillProperties = *willProps

		willTopic, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.WillTopic = willTopic

		willPayload, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		pkt.WillPayload = willPayload
	}

	if pkt.UsernameFlag {
		username, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.Username = username
	}

	if pkt.PasswordFlag {
		password, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		pkt.Password = password
	}

	return pkt, nil
}

// ParseConnackPacket parses an MQTT 5.0 CONNACK packet
func ParseConnackPacket(r io.Reader, fh *FixedHeader) (*ConnackPacket, error) {
	pkt := &ConnackPacket{FixedHeader: *fh}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.SessionPresent = (flags & 0x01) != 0

	// Reserved bits (bits 7-1) must be 0
	if (flags & 0xFE) != 0 {
		return nil, ErrMalformedPacket
	}

	reasonCode, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ReasonCode = ReasonCode(reasonCode)

	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props

	return pkt, nil
}

// ParsePublishPacket parses an MQTT 5.0 PUBLISH packet
func ParsePublishPacket(r io.Reader, fh *FixedHeader) (*PublishPacket, error) {
	pkt := &PublishPacket{FixedHeader: *fh}

	topicName, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.TopicName = topicName

	// Packet ID is only present for QoS 1 and 2
	if fh.QoS > QoS0 {
		packetID, err := readTwoByteInt(r)
		if err != nil {
			return nil, err
		}
		if packetID == 0 {
			return nil, ErrInvalidPacketID
		}
		pkt.PacketID = packetID
	}

	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props

	// The payload is whatever remains of the declared remaining length
	headerSize := 2 + len(topicName)
	if fh.QoS > QoS0 {
		headerSize += 2
	}
	headerSize += int(props.Length) + SizeVariableByteInteger(props.Length)

	payloadLength := int(fh.RemainingLength) - headerSize
	if payloadLength < 0 {
		return nil, ErrMalformedPacket
	}
	if payloadLength > 0 {
		payload := make([]byte, payloadLength)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, ErrUnexpectedEOF
			}
			return nil, err
		}
		pkt.Payload = payload
	}

	return pkt, nil
}

// parseAck reads the shared PUBACK/PUBREC/PUBREL/PUBCOMP body: packet ID,
// then an optional reason code and properties. A remaining length of 2 means
// reason 0x00 with no properties.
func parseAck(r io.Reader, fh *FixedHeader) (uint16, ReasonCode, Properties, error) {
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return 0, 0, Properties{}, err
	}
	if packetID == 0 {
		return 0, 0, Properties{}, ErrInvalidPacketID
	}

	if fh.RemainingLength == 2 {
		return packetID, ReasonSuccess, Properties{}, nil
	}

	reasonCode, err := readByte(r)
	if err != nil {
		return 0, 0, Properties{}, err
	}

	if fh.RemainingLength == 3 {
		return packetID, ReasonCode(reasonCode), Properties{}, nil
	}

	props, err := ParseProperties(r)
	if err != nil {
		return 0, 0, Properties{}, err
	}

	return packetID, ReasonCode(reasonCode), *props, nil
}

// ParsePubackPacket parses an MQTT 5.0 PUBACK packet
func ParsePubackPacket(r io.Reader, fh *FixedHeader) (*PubackPacket, error) {
	packetID, reason, props, err := parseAck(r, fh)
	if err != nil {
		return nil, err
	}
	return &PubackPacket{FixedHeader: *fh, PacketID: packetID, ReasonCode: reason, Properties: props}, nil
}

// ParsePubrecPacket parses an MQTT 5.0 PUBREC packet
func ParsePubrecPacket(r io.Reader, fh *FixedHeader) (*PubrecPacket, error) {
	packetID, reason, props, err := parseAck(r, fh)
	if err != nil {
		return nil, err
	}
	return &PubrecPacket{FixedHeader: *fh, PacketID: packetID, ReasonCode: reason, Properties: props}, nil
}

// ParsePubrelPacket parses an MQTT 5.0 PUBREL packet
func ParsePubrelPacket(r io.Reader, fh *FixedHeader) (*PubrelPacket, error) {
	packetID, reason, props, err := parseAck(r, fh)
	if err != nil {
		return nil, err
	}
	return &PubrelPacket{FixedHeader: *fh, PacketID: packetID, ReasonCode: reason, Properties: props}, nil
}

// ParsePubcompPacket parses an MQTT 5.0 PUBCOMP packet
func ParsePubcompPacket(r io.Reader, fh *FixedHeader) (*PubcompPacket, error) {
	packetID, reason, props, err := parseAck(r, fh)
	if err != nil {
		return nil, err
	}
	return &PubcompPacket{FixedHeader: *fh, PacketID: packetID, ReasonCode: reason, Properties: props}, nil
}

// ParseSubscribePacket parses an MQTT 5.0 SUBSCRIBE packet. A SUBSCRIBE with
// no subscription entries is a protocol error.
func ParseSubscribePacket(r io.Reader, fh *FixedHeader) (*SubscribePacket, error) {
	pkt := &SubscribePacket{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	if packetID == 0 {
		return nil, ErrInvalidPacketID
	}
	pkt.PacketID = packetID

	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props

	pkt.Subscriptions = make([]Subscription, 0, 2)

	bytesRead := 2 + int(props.Length) + SizeVariableByteInteger(props.Length)

	for bytesRead < int(fh.RemainingLength) {
		topicFilter, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		bytesRead += 2 + len(topicFilter)

		options, err := readByte(r)
		if err != nil {
			return nil, err
		}
		bytesRead++

		sub := Subscription{
			TopicFilter:       topicFilter,
			QoS:               QoS(options & 0x03),
			NoLocal:           (options & 0x04) != 0,
			RetainAsPublished: (options & 0x08) != 0,
			RetainHandling:    (options & 0x30) >> 4,
		}

		if !sub.QoS.IsValid() {
			return nil, ErrInvalidQoS
		}

		// Reserved bits (bits 7, 6) must be 0
		if (options & 0xC0) != 0 {
			return nil, ErrMalformedPacket
		}

		pkt.Subscriptions = append(pkt.Subscriptions, sub)
	}

	if len(pkt.Subscriptions) == 0 {
		return nil, ErrMalformedPacket
	}

	return pkt, nil
}

// ParseSubackPacket parses an MQTT 5.0 SUBACK packet
func ParseSubackPacket(r io.Reader, fh *FixedHeader) (*SubackPacket, error) {
	pkt := &SubackPacket{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = packetID

	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props

	bytesRead := 2 + int(props.Length) + SizeVariableByteInteger(props.Length)
	reasonCodeCount := int(fh.RemainingLength) - bytesRead
	if reasonCodeCount < 0 {
		return nil, ErrMalformedPacket
	}

	pkt.ReasonCodes = make([]ReasonCode, reasonCodeCount)
	for i := 0; i < reasonCodeCount; i++ {
		rc, err := readByte(r)
		if err != nil {
			return nil, err
		}
		pkt.ReasonCodes[i] = ReasonCode(rc)
	}

	return pkt, nil
}

// ParseUnsubscribePacket parses an MQTT 5.0 UNSUBSCRIBE packet
func ParseUnsubscribePacket(r io.Reader, fh *FixedHeader) (*UnsubscribePacket, error) {
	pkt := &UnsubscribePacket{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	if packetID == 0 {
		return nil, ErrInvalidPacketID
	}
	pkt.PacketID = packetID

	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props

	pkt.TopicFilters = make([]string, 0, 2)

	bytesRead := 2 + int(props.Length) + SizeVariableByteInteger(props.Length)

	for bytesRead < int(fh.RemainingLength) {
		topicFilter, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		bytesRead += 2 + len(topicFilter)
		pkt.TopicFilters = append(pkt.TopicFilters, topicFilter)
	}

	if len(pkt.TopicFilters) == 0 {
		return nil, ErrMalformedPacket
	}

	return pkt, nil
}

// ParseUnsubackPacket parses an MQTT 5.0 UNSUBACK packet
func ParseUnsubackPacket(r io.Reader, fh *FixedHeader) (*UnsubackPacket, error) {
	pkt := &UnsubackPacket{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = packetID

	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props

	bytesRead := 2 + int(props.Length) + SizeVariableByteInteger(props.Length)
	reasonCodeCount := int(fh.RemainingLength) - bytesRead
	if reasonCodeCount < 0 {
		return nil, ErrMalformedPacket
	}

	pkt.ReasonCodes = make([]ReasonCode, reasonCodeCount)
	for i := 0; i < reasonCodeCount; i++ {
		rc, err := readByte(r)
		if err != nil {
			return nil, err
		}
		pkt.ReasonCodes[i] = ReasonCode(rc)
	}

	return pkt, nil
}

// ParseDisconnectPacket parses an MQTT 5.0 DISCONNECT packet
func ParseDisconnectPacket(r io.Reader, fh *FixedHeader) (*DisconnectPacket, error) {
	pkt := &DisconnectPacket{FixedHeader: *fh}

	// Remaining length of 0 means normal disconnection
	if fh.RemainingLength == 0 {
		pkt.ReasonCode = ReasonNormalDisconnection
		return pkt, nil
	}

	reasonCode, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ReasonCode = ReasonCode(reasonCode)

	if fh.RemainingLength == 1 {
		return pkt, nil
	}

	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props

	return pkt, nil
}

// ParsePingreqPacket parses an MQTT 5.0 PINGREQ packet
func ParsePingreqPacket(fh *FixedHeader) (*PingreqPacket, error) {
	if fh.RemainingLength != 0 {
		return nil, ErrMalformedPacket
	}
	return &PingreqPacket{FixedHeader: *fh}, nil
}

// ParsePingrespPacket parses an MQTT 5.0 PINGRESP packet
func ParsePingrespPacket(fh *FixedHeader) (*PingrespPacket, error) {
	if fh.RemainingLength != 0 {
		return nil, ErrMalformedPacket
	}
	return &PingrespPacket{FixedHeader: *fh}, nil
}

// String returns human-readable reason code name
func (rc ReasonCode) String() string {
	names := map[ReasonCode]string{
		ReasonSuccess:                    "Success",
		ReasonGrantedQoS1:                "GrantedQoS1",
		ReasonGrantedQoS2:                "GrantedQoS2",
		ReasonNoMatchingSubscribers:      "NoMatchingSubscribers",
		ReasonNoSubscriptionExisted:      "NoSubscriptionExisted",
		ReasonUnspecifiedError:           "UnspecifiedError",
		ReasonMalformedPacket:            "MalformedPacket",
		ReasonProtocolError:              "ProtocolError",
		ReasonImplementationSpecific:     "ImplementationSpecificError",
		ReasonUnsupportedProtocolVersion: "UnsupportedProtocolVersion",
		ReasonClientIdentifierNotValid:   "ClientIdentifierNotValid",
		ReasonBadUsernameOrPassword:      "BadUsernameOrPassword",
		ReasonNotAuthorized:              "NotAuthorized",
		ReasonServerUnavailable:          "ServerUnavailable",
		ReasonServerBusy:                 "ServerBusy",
		ReasonBanned:                     "Banned",
		ReasonServerShuttingDown:         "ServerShuttingDown",
		ReasonKeepAliveTimeout:           "KeepAliveTimeout",
		ReasonSessionTakenOver:           "SessionTakenOver",
		ReasonTopicFilterInvalid:         "TopicFilterInvalid",
		ReasonTopicNameInvalid:           "TopicNameInvalid",
		ReasonPacketIdentifierInUse:      "PacketIdentifierInUse",
		ReasonPacketIdentifierNotFound:   "PacketIdentifierNotFound",
		ReasonPacketTooLarge:             "PacketTooLarge",
		ReasonQuotaExceeded:              "QuotaExceeded",
		ReasonConnectionRateExceeded:     "ConnectionRateExceeded",
	}

	if name, ok := names[rc]; ok {
		return name
	}
	return "UNKNOWN"
}
