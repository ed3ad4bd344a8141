package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parsePacket runs the full fixed header + body parse path on raw bytes.
func parseConnect(t *testing.T, raw []byte) (*ConnectPacket, error) {
	t.Helper()
	r := bytes.NewReader(raw)
	fh, err := ParseFixedHeader(r)
	require.NoError(t, err)
	return ParseConnectPacket(r, fh)
}

func TestConnectRoundTrip(t *testing.T) {
	pkt := &ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: ProtocolVersion50,
		CleanStart:      true,
		KeepAlive:       60,
		ClientID:        "sensor-1",
		UsernameFlag:    true,
		Username:        "alice",
		PasswordFlag:    true,
		Password:        []byte("hunter2"),
	}

	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	decoded, err := parseConnect(t, buf.Bytes())
	require.NoError(t, err)

	assert.Equal(t, "MQTT", decoded.ProtocolName)
	assert.Equal(t, ProtocolVersion50, decoded.ProtocolVersion)
	assert.True(t, decoded.CleanStart)
	assert.Equal(t, uint16(60), decoded.KeepAlive)
	assert.Equal(t, "sensor-1", decoded.ClientID)
	assert.Equal(t, "alice", decoded.Username)
	assert.Equal(t, []byte("hunter2"), decoded.Password)
	assert.False(t, decoded.WillFlag)
}

func TestConnectWithWill(t *testing.T) {
	pkt := &ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: ProtocolVersion50,
		CleanStart:      true,
		WillFlag:        true,
		WillQoS:         QoS1,
		WillRetain:      true,
		KeepAlive:       30,
		ClientID:        "c1",
		WillTopic:       "status/c1",
		WillPayload:     []byte("offline"),
	}

	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	decoded, err := parseConnect(t, buf.Bytes())
	require.NoError(t, err)

	assert.True(t, decoded.WillFlag)
	assert.Equal(t, QoS1, decoded.WillQoS)
	assert.True(t, decoded.WillRetain)
	assert.Equal(t, "status/c1", decoded.WillTopic)
	assert.Equal(t, []byte("offline"), decoded.WillPayload)
}

func TestParseConnectMalformed(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(raw []byte) []byte
		wantErr error
	}{
		{
			name: "bad_protocol_name",
			mutate: func(raw []byte) []byte {
				raw[4] = 'X' // MQTT -> XQTT
				return raw
			},
			wantErr: ErrInvalidProtocolName,
		},
		{
			name: "protocol_level_4",
			mutate: func(raw []byte) []byte {
				raw[8] = 4
				return raw
			},
			wantErr: ErrUnsupportedProtocolVersion,
		},
		{
			name: "reserved_flag_set",
			mutate: func(raw []byte) []byte {
				raw[9] |= 0x01
				return raw
			},
			wantErr: ErrMalformedPacket,
		},
		{
			name: "will_qos_without_will_flag",
			mutate: func(raw []byte) []byte {
				raw[9] |= 0x08 // will QoS 1, will flag clear
				return raw
			},
			wantErr: ErrMalformedPacket,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &ConnectPacket{
				ProtocolName:    "MQTT",
				ProtocolVersion: ProtocolVersion50,
				CleanStart:      true,
				KeepAlive:       60,
				ClientID:        "c1",
			}
			var buf bytes.Buffer
			require.NoError(t, base.Encode(&buf))

			_, err := parseConnect(t, tt.mutate(buf.Bytes()))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseConnectUnsupportedVersionKeepsPacket(t *testing.T) {
	base := &ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: ProtocolVersion50,
		ClientID:        "c1",
	}
	var buf bytes.Buffer
	require.NoError(t, base.Encode(&buf))

	raw := buf.Bytes()
	raw[8] = 3

	pkt, err := parseConnect(t, raw)
	assert.ErrorIs(t, err, ErrUnsupportedProtocolVersion)
	// The partial packet carries the offending version for the CONNACK path
	require.NotNil(t, pkt)
	assert.Equal(t, ProtocolVersion(3), pkt.ProtocolVersion)
}

func TestPublishRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  *PublishPacket
	}{
		{
			name: "qos0",
			pkt: &PublishPacket{
				FixedHeader: FixedHeader{Type: PUBLISH, QoS: QoS0},
				TopicName:   "sensors/temp",
				Payload:     []byte("21.5"),
			},
		},
		{
			name: "qos1_retain",
			pkt: &PublishPacket{
				FixedHeader: FixedHeader{Type: PUBLISH, QoS: QoS1, Retain: true},
				TopicName:   "sensors/temp",
				PacketID:    42,
				Payload:     []byte("21.5"),
			},
		},
		{
			name: "qos2_dup_empty_payload",
			pkt: &PublishPacket{
				FixedHeader: FixedHeader{Type: PUBLISH, QoS: QoS2, DUP: true},
				TopicName:   "a/b",
				PacketID:    7,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, tt.pkt.Encode(&buf))

			r := bytes.NewReader(buf.Bytes())
			fh, err := ParseFixedHeader(r)
			require.NoError(t, err)

			decoded, err := ParsePublishPacket(r, fh)
			require.NoError(t, err)

			assert.Equal(t, tt.pkt.TopicName, decoded.TopicName)
			assert.Equal(t, tt.pkt.PacketID, decoded.PacketID)
			assert.Equal(t, tt.pkt.Payload, decoded.Payload)
			assert.Equal(t, tt.pkt.FixedHeader.QoS, decoded.FixedHeader.QoS)
			assert.Equal(t, tt.pkt.FixedHeader.DUP, decoded.FixedHeader.DUP)
			assert.Equal(t, tt.pkt.FixedHeader.Retain, decoded.FixedHeader.Retain)
		})
	}
}

func TestParsePublishZeroPacketID(t *testing.T) {
	// QoS 1 PUBLISH with packet ID 0: topic "a", ID 0x0000
	raw := []byte{0x32, 0x06, 0x00, 0x01, 'a', 0x00, 0x00, 0x00}
	r := bytes.NewReader(raw)
	fh, err := ParseFixedHeader(r)
	require.NoError(t, err)

	_, err = ParsePublishPacket(r, fh)
	assert.ErrorIs(t, err, ErrInvalidPacketID)
}

func TestAckPacketShortForm(t *testing.T) {
	pkt := &PubackPacket{PacketID: 10, ReasonCode: ReasonSuccess}

	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	// Success with no properties collapses to the 2-byte body
	assert.Equal(t, []byte{0x40, 0x02, 0x00, 0x0A}, buf.Bytes())

	r := bytes.NewReader(buf.Bytes())
	fh, err := ParseFixedHeader(r)
	require.NoError(t, err)

	decoded, err := ParsePubackPacket(r, fh)
	require.NoError(t, err)
	assert.Equal(t, uint16(10), decoded.PacketID)
	assert.Equal(t, ReasonSuccess, decoded.ReasonCode)
}

func TestAckPacketWithReasonCode(t *testing.T) {
	pkt := &PubrecPacket{PacketID: 3, ReasonCode: ReasonUnspecifiedError}

	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	r := bytes.NewReader(buf.Bytes())
	fh, err := ParseFixedHeader(r)
	require.NoError(t, err)

	decoded, err := ParsePubrecPacket(r, fh)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), decoded.PacketID)
	assert.Equal(t, ReasonUnspecifiedError, decoded.ReasonCode)
}

func TestPubrelWireFormat(t *testing.T) {
	pkt := &PubrelPacket{PacketID: 0x0102, ReasonCode: ReasonSuccess}

	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	assert.Equal(t, []byte{0x62, 0x02, 0x01, 0x02}, buf.Bytes())
}

func TestSubscribeRoundTrip(t *testing.T) {
	pkt := &SubscribePacket{
		PacketID: 11,
		Subscriptions: []Subscription{
			{TopicFilter: "sensors/+/temp", QoS: QoS1},
			{TopicFilter: "alerts/#", QoS: QoS2},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	r := bytes.NewReader(buf.Bytes())
	fh, err := ParseFixedHeader(r)
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), fh.Flags)

	decoded, err := ParseSubscribePacket(r, fh)
	require.NoError(t, err)
	assert.Equal(t, uint16(11), decoded.PacketID)
	require.Len(t, decoded.Subscriptions, 2)
	assert.Equal(t, "sensors/+/temp", decoded.Subscriptions[0].TopicFilter)
	assert.Equal(t, QoS1, decoded.Subscriptions[0].QoS)
	assert.Equal(t, "alerts/#", decoded.Subscriptions[1].TopicFilter)
	assert.Equal(t, QoS2, decoded.Subscriptions[1].QoS)
}

func TestParseSubscribeEmptyPayload(t *testing.T) {
	// Packet ID + zero-length properties, no subscription entries
	raw := []byte{0x82, 0x03, 0x00, 0x0B, 0x00}
	r := bytes.NewReader(raw)
	fh, err := ParseFixedHeader(r)
	require.NoError(t, err)

	_, err = ParseSubscribePacket(r, fh)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestSubackWireFormat(t *testing.T) {
	pkt := &SubackPacket{
		PacketID:    11,
		ReasonCodes: []ReasonCode{ReasonGrantedQoS1, ReasonGrantedQoS2},
	}

	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	// Packet ID, property length 0, one return code per filter
	assert.Equal(t, []byte{0x90, 0x05, 0x00, 0x0B, 0x00, 0x01, 0x02}, buf.Bytes())
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	pkt := &UnsubscribePacket{
		PacketID:     9,
		TopicFilters: []string{"a/b", "c/#"},
	}

	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	r := bytes.NewReader(buf.Bytes())
	fh, err := ParseFixedHeader(r)
	require.NoError(t, err)

	decoded, err := ParseUnsubscribePacket(r, fh)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), decoded.PacketID)
	assert.Equal(t, []string{"a/b", "c/#"}, decoded.TopicFilters)
}

func TestPingrespWireFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&PingrespPacket{}).Encode(&buf))
	assert.Equal(t, []byte{0xD0, 0x00}, buf.Bytes())
}

func TestDisconnectWireFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&DisconnectPacket{ReasonCode: ReasonNormalDisconnection}).Encode(&buf))

	// The reason byte is always carried
	assert.Equal(t, []byte{0xE0, 0x01, 0x00}, buf.Bytes())

	buf.Reset()
	require.NoError(t, (&DisconnectPacket{ReasonCode: ReasonServerShuttingDown}).Encode(&buf))
	assert.Equal(t, []byte{0xE0, 0x01, 0x8B}, buf.Bytes())
}

func TestParseDisconnect(t *testing.T) {
	// Zero remaining length means normal disconnection
	r := bytes.NewReader([]byte{0xE0, 0x00})
	fh, err := ParseFixedHeader(r)
	require.NoError(t, err)

	pkt, err := ParseDisconnectPacket(r, fh)
	require.NoError(t, err)
	assert.Equal(t, ReasonNormalDisconnection, pkt.ReasonCode)

	r = bytes.NewReader([]byte{0xE0, 0x01, 0x8E})
	fh, err = ParseFixedHeader(r)
	require.NoError(t, err)

	pkt, err = ParseDisconnectPacket(r, fh)
	require.NoError(t, err)
	assert.Equal(t, ReasonSessionTakenOver, pkt.ReasonCode)
}

func TestParsePingreqNonZeroLength(t *testing.T) {
	_, err := ParsePingreqPacket(&FixedHeader{Type: PINGREQ, RemainingLength: 1})
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestConnackRoundTrip(t *testing.T) {
	pkt := &ConnackPacket{SessionPresent: false, ReasonCode: ReasonServerBusy}

	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	r := bytes.NewReader(buf.Bytes())
	fh, err := ParseFixedHeader(r)
	require.NoError(t, err)

	decoded, err := ParseConnackPacket(r, fh)
	require.NoError(t, err)
	assert.False(t, decoded.SessionPresent)
	assert.Equal(t, ReasonServerBusy, decoded.ReasonCode)
}
