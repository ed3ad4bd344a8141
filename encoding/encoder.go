package encoding

import (
	"bytes"
	"io"
)

// Encode encodes an MQTT 5.0 CONNECT packet
func (p *ConnectPacket) Encode(w io.Writer) error {
	propsBytes, err := p.Properties.encodeToBytes()
	if err != nil {
		return err
	}

	// Variable header: protocol name + version + connect flags + keep alive
	varHeaderLen := 2 + len(p.ProtocolName) + 1 + 1 + 2 + len(propsBytes)

	payloadLen := 2 + len(p.ClientID)

	var willPropsBytes []byte
	if p.WillFlag {
		willPropsBytes, err = p.WillProperties.encodeToBytes()
		if err != nil {
			return err
		}
		payloadLen += len(willPropsBytes)
		payloadLen += 2 + len(p.WillTopic)
		payloadLen += 2 + len(p.WillPayload)
	}

	if p.UsernameFlag {
		payloadLen += 2 + len(p.Username)
	}
	if p.PasswordFlag {
		payloadLen += 2 + len(p.Password)
	}

	fh := FixedHeader{
		Type:            CONNECT,
		Flags:           0,
		RemainingLength: uint32(varHeaderLen + payloadLen),
	}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeUTF8String(w, p.ProtocolName); err != nil {
		return err
	}
	if err := writeByte(w, byte(p.ProtocolVersion)); err != nil {
		return err
	}

	var connectFlags byte
	if p.CleanStart {
		connectFlags |= 0x02
	}
	if p.WillFlag {
		connectFlags |= 0x04
		connectFlags |= byte(p.WillQoS) << 3
		if p.WillRetain {
			connectFlags |= 0x20
		}
	}
	if p.PasswordFlag {
		connectFlags |= 0x40
	}
	if p.UsernameFlag {
		connectFlags |= 0x80
	}
	if err := writeByte(w, connectFlags); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.KeepAlive); err != nil {
		return err
	}

	if _, err := w.Write(propsBytes); err != nil {
		return err
	}

	if err := writeUTF8String(w, p.ClientID); err != nil {
		return err
	}

	if p.WillFlag {
		if _, err := w.Write(willPropsBytes); err != nil {
			return err
		}
		if err := writeUTF8String(w, p.WillTopic); err != nil {
			return err
		}
		if err := writeBinaryData(w, p.WillPayload); err != nil {
			return err
		}
	}

	if p.UsernameFlag {
		if err := writeUTF8String(w, p.Username); err != nil {
			return err
		}
	}
	if p.PasswordFlag {
		if err := writeBinaryData(w, p.Password); err != nil {
			return err
		}
	}

	return nil
}

// Encode encodes an MQTT 5.0 CONNACK packet
func (p *ConnackPacket) Encode(w io.Writer) error {
	propsBytes, err := p.Properties.encodeToBytes()
	if err != nil {
		return err
	}

	fh := FixedHeader{
		Type:            CONNACK,
		Flags:           0,
		RemainingLength: uint32(1 + 1 + len(propsBytes)),
	}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	var ackFlags byte
	if p.SessionPresent {
		ackFlags |= 0x01
	}
	if err := writeByte(w, ackFlags); err != nil {
		return err
	}

	if err := writeByte(w, byte(p.ReasonCode)); err != nil {
		return err
	}

	_, err = w.Write(propsBytes)
	return err
}

// Encode encodes an MQTT 5.0 PUBLISH packet
func (p *PublishPacket) Encode(w io.Writer) error {
	propsBytes, err := p.Properties.encodeToBytes()
	if err != nil {
		return err
	}

	remainingLength := uint32(2 + len(p.TopicName) + len(propsBytes) + len(p.Payload))
	if p.FixedHeader.QoS > QoS0 {
		remainingLength += 2
	}

	fh := FixedHeader{
		Type:            PUBLISH,
		RemainingLength: remainingLength,
		DUP:             p.FixedHeader.DUP,
		QoS:             p.FixedHeader.QoS,
		Retain:          p.FixedHeader.Retain,
	}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeUTF8String(w, p.TopicName); err != nil {
		return err
	}

	if p.FixedHeader.QoS > QoS0 {
		if err := writeTwoByteInt(w, p.PacketID); err != nil {
			return err
		}
	}

	if _, err := w.Write(propsBytes); err != nil {
		return err
	}

	if len(p.Payload) > 0 {
		_, err = w.Write(p.Payload)
	}

	return err
}

// Encode encodes an MQTT 5.0 PUBACK packet
func (p *PubackPacket) Encode(w io.Writer) error {
	return encodeAckPacket(w, PUBACK, 0, p.PacketID, p.ReasonCode, &p.Properties)
}

// Encode encodes an MQTT 5.0 PUBREC packet
func (p *PubrecPacket) Encode(w io.Writer) error {
	return encodeAckPacket(w, PUBREC, 0, p.PacketID, p.ReasonCode, &p.Properties)
}

// Encode encodes an MQTT 5.0 PUBREL packet
func (p *PubrelPacket) Encode(w io.Writer) error {
	return encodeAckPacket(w, PUBREL, 0x02, p.PacketID, p.ReasonCode, &p.Properties)
}

// Encode encodes an MQTT 5.0 PUBCOMP packet
func (p *PubcompPacket) Encode(w io.Writer) error {
	return encodeAckPacket(w, PUBCOMP, 0, p.PacketID, p.ReasonCode, &p.Properties)
}

// encodeAckPacket encodes the shared PUBACK/PUBREC/PUBREL/PUBCOMP form. A
// success with no properties is sent in the 2-byte short form (remaining
// length 2, reason code and property length omitted), per MQTT 5.0 section
// 3.4.2.1.
func encodeAckPacket(w io.Writer, packetType PacketType, flags byte, packetID uint16, reasonCode ReasonCode, props *Properties) error {
	propsBytes, err := props.encodeToBytes()
	if err != nil {
		return err
	}

	remainingLength := uint32(2) // Packet ID
	full := reasonCode != ReasonSuccess || len(propsBytes) > 1
	if full {
		remainingLength += 1 + uint32(len(propsBytes))
	}

	fh := FixedHeader{
		Type:            packetType,
		Flags:           flags,
		RemainingLength: remainingLength,
	}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, packetID); err != nil {
		return err
	}

	if full {
		if err := writeByte(w, byte(reasonCode)); err != nil {
			return err
		}
		_, err = w.Write(propsBytes)
	}

	return err
}

// encodeAckWithReasonCodes encodes the shared SUBACK/UNSUBACK form: packet
// ID, properties, then one reason code per filter.
func encodeAckWithReasonCodes(w io.Writer, packetType PacketType, packetID uint16, reasonCodes []ReasonCode, props *Properties) error {
	propsBytes, err := props.encodeToBytes()
	if err != nil {
		return err
	}

	fh := FixedHeader{
		Type:            packetType,
		Flags:           0,
		RemainingLength: uint32(2 + len(propsBytes) + len(reasonCodes)),
	}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, packetID); err != nil {
		return err
	}

	if _, err := w.Write(propsBytes); err != nil {
		return err
	}

	for _, rc := range reasonCodes {
		if err := writeByte(w, byte(rc)); err != nil {
			return err
		}
	}
	return nil
}

// Encode encodes an MQTT 5.0 SUBSCRIBE packet
func (p *SubscribePacket) Encode(w io.Writer) error {
	propsBytes, err := p.Properties.encodeToBytes()
	if err != nil {
		return err
	}

	remainingLength := uint32(2 + len(propsBytes))
	for _, sub := range p.Subscriptions {
		remainingLength += uint32(2 + len(sub.TopicFilter) + 1)
	}

	fh := FixedHeader{
		Type:            SUBSCRIBE,
		Flags:           0x02, // Reserved flags must be 0010
		RemainingLength: remainingLength,
	}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}

	if _, err := w.Write(propsBytes); err != nil {
		return err
	}

	for _, sub := range p.Subscriptions {
		if err := writeUTF8String(w, sub.TopicFilter); err != nil {
			return err
		}

		options := byte(sub.QoS) & 0x03
		if sub.NoLocal {
			options |= 0x04
		}
		if sub.RetainAsPublished {
			options |= 0x08
		}
		options |= (sub.RetainHandling & 0x03) << 4

		if err := writeByte(w, options); err != nil {
			return err
		}
	}

	return nil
}

// Encode encodes an MQTT 5.0 SUBACK packet
func (p *SubackPacket) Encode(w io.Writer) error {
	return encodeAckWithReasonCodes(w, SUBACK, p.PacketID, p.ReasonCodes, &p.Properties)
}

// Encode encodes an MQTT 5.0 UNSUBSCRIBE packet
func (p *UnsubscribePacket) Encode(w io.Writer) error {
	propsBytes, err := p.Properties.encodeToBytes()
	if err != nil {
		return err
	}

	remainingLength := uint32(2 + len(propsBytes))
	for _, topic := range p.TopicFilters {
		remainingLength += uint32(2 + len(topic))
	}

	fh := FixedHeader{
		Type:            UNSUBSCRIBE,
		Flags:           0x02, // Reserved flags must be 0010
		RemainingLength: remainingLength,
	}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}

	if _, err := w.Write(propsBytes); err != nil {
		return err
	}

	for _, topic := range p.TopicFilters {
		if err := writeUTF8String(w, topic); err != nil {
			return err
		}
	}

	return nil
}

// Encode encodes an MQTT 5.0 UNSUBACK packet
func (p *UnsubackPacket) Encode(w io.Writer) error {
	return encodeAckWithReasonCodes(w, UNSUBACK, p.PacketID, p.ReasonCodes, &p.Properties)
}

// Encode encodes an MQTT 5.0 PINGREQ packet
func (p *PingreqPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: PINGREQ, Flags: 0, RemainingLength: 0}
	return fh.EncodeFixedHeader(w)
}

// Encode encodes an MQTT 5.0 PINGRESP packet
func (p *PingrespPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: PINGRESP, Flags: 0, RemainingLength: 0}
	return fh.EncodeFixedHeader(w)
}

// Encode encodes an MQTT 5.0 DISCONNECT packet. The reason code byte is
// always present, so a normal disconnection encodes as 0xE0 0x01 0x00.
func (p *DisconnectPacket) Encode(w io.Writer) error {
	propsBytes, err := p.Properties.encodeToBytes()
	if err != nil {
		return err
	}

	remainingLength := uint32(1)
	withProps := len(propsBytes) > 1
	if withProps {
		remainingLength += uint32(len(propsBytes))
	}

	fh := FixedHeader{
		Type:            DISCONNECT,
		Flags:           0,
		RemainingLength: remainingLength,
	}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeByte(w, byte(p.ReasonCode)); err != nil {
		return err
	}

	if withProps {
		_, err = w.Write(propsBytes)
	}
	return err
}

// encodeToBytes is a helper to encode properties to a byte slice
func (p *Properties) encodeToBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.EncodeProperties(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
