// Package storage defines the broker's persistence contract and its
// backends. A Repository holds clients, users, topics with their retained
// slots, subscriptions, the message log, and will messages. Every operation
// is atomic with respect to the others.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/encoding"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/topic"
)

var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrClosed indicates the repository has been closed
	ErrClosed = errors.New("repository is closed")
)

// Client is one known MQTT client, connected or not. Rows are created on
// first successful CONNECT and never deleted.
type Client struct {
	ID            string    `cbor:"1,keyasint"`
	Username      string    `cbor:"2,keyasint"`
	Banned        bool      `cbor:"3,keyasint"`
	CleanSession  bool      `cbor:"4,keyasint"`
	Connected     bool      `cbor:"5,keyasint"`
	KeepAlive     uint16    `cbor:"6,keyasint"`
	SessionExpiry uint32    `cbor:"7,keyasint"`
	LastSeen      time.Time `cbor:"8,keyasint"`
}

// User holds broker credentials. The password is stored as a SHA-256 hex
// digest, never in plaintext.
type User struct {
	Username     string `cbor:"1,keyasint"`
	PasswordHash string `cbor:"2,keyasint"`
}

// Topic is one topic path with its retained slot. An empty RetainedPayload
// means the slot is cleared.
type Topic struct {
	FullPath        string    `cbor:"1,keyasint"`
	Name            string    `cbor:"2,keyasint"`
	RetainedPayload []byte    `cbor:"3,keyasint"`
	RetainedQoS     byte      `cbor:"4,keyasint"`
	RetainedAt      time.Time `cbor:"5,keyasint"`
}

// Subscription links a client to either an exact topic path or a wildcard
// filter; exactly one of TopicPath and Filter is set.
type Subscription struct {
	ClientID  string `cbor:"1,keyasint"`
	TopicPath string `cbor:"2,keyasint"`
	Filter    string `cbor:"3,keyasint"`
	QoS       byte   `cbor:"4,keyasint"`
}

// Key returns the filter string the subscription was stored under.
func (s *Subscription) Key() string {
	if s.Filter != "" {
		return s.Filter
	}
	return s.TopicPath
}

// Message is one entry in the append-only message log.
type Message struct {
	ID          uint64    `cbor:"1,keyasint"`
	Topic       string    `cbor:"2,keyasint"`
	Payload     []byte    `cbor:"3,keyasint"`
	QoS         byte      `cbor:"4,keyasint"`
	Retain      bool      `cbor:"5,keyasint"`
	PacketID    uint16    `cbor:"6,keyasint"`
	PublishedAt time.Time `cbor:"7,keyasint"`
}

// WillMessage is a client's last-will registration, at most one per client.
type WillMessage struct {
	ClientID     string    `cbor:"1,keyasint"`
	Topic        string    `cbor:"2,keyasint"`
	Payload      []byte    `cbor:"3,keyasint"`
	QoS          byte      `cbor:"4,keyasint"`
	Retain       bool      `cbor:"5,keyasint"`
	RegisteredAt time.Time `cbor:"6,keyasint"`
}

// Subscriber is one delivery target for a published message.
type Subscriber struct {
	ClientID string
	QoS      byte
}

// Limits bounds what CONNECTs the repository accepts.
type Limits struct {
	MaxConnections     int
	MinConnectInterval time.Duration
	MaxClientIDLength  int
	MaxPacketSize      uint32
	Available          bool
}

// DefaultLimits returns the stock connection limits.
func DefaultLimits() Limits {
	return Limits{
		MaxConnections:     50,
		MinConnectInterval: time.Second,
		MaxClientIDLength:  23,
		MaxPacketSize:      268435456,
		Available:          true,
	}
}

// Repository is the persistence contract the broker runtime works against.
// Implementations serialize their operations internally.
type Repository interface {
	// StoreClient validates a CONNECT and on success upserts the user and
	// client rows, marking the client connected and saving its will when
	// one is carried. The returned reason code is 0x00 on success or the
	// CONNACK refusal code otherwise.
	StoreClient(ctx context.Context, pkt *encoding.ConnectPacket, packetSize uint32) (ackFlags byte, reason encoding.ReasonCode, err error)

	// SaveSubscription upserts a (client, filter) subscription; subscribing
	// again to the same filter overwrites the QoS.
	SaveSubscription(ctx context.Context, clientID, filter string, qos byte) error
	RemoveSubscription(ctx context.Context, clientID, filter string) error
	RemoveAllSubscriptions(ctx context.Context, clientID string) error

	// SaveMessage appends to the message log, creating the Topic row if
	// needed. When the message is retained the topic's retained slot is
	// updated; an empty retained payload clears it.
	SaveMessage(ctx context.Context, msg *Message) error
	MessageByPacketID(ctx context.Context, packetID uint16) (*Message, error)

	SaveWill(ctx context.Context, will *WillMessage) error
	RetrieveWill(ctx context.Context, clientID string) (*WillMessage, error)
	RemoveWill(ctx context.Context, clientID string) error

	// UpdateDisconnectTime marks the client disconnected and stamps
	// last_seen.
	UpdateDisconnectTime(ctx context.Context, clientID string) error

	// Subscribers returns the connected clients whose subscriptions match
	// the topic name, collapsed to one entry per client at the maximum
	// granted QoS.
	Subscribers(ctx context.Context, topicName string) ([]Subscriber, error)

	// RetainedByFilter returns the retained message of every topic whose
	// path matches the filter.
	RetainedByFilter(ctx context.Context, filter string) ([]*Message, error)

	SetBanned(ctx context.Context, clientID string, banned bool) error

	Close() error
}

// HashPassword returns the SHA-256 hex digest used for stored credentials.
func HashPassword(password []byte) string {
	sum := sha256.Sum256(password)
	return hex.EncodeToString(sum[:])
}

// connectState is the snapshot a backend gathers under its lock before
// evaluating a CONNECT.
type connectState struct {
	connectedCount int
	client         *Client // nil when unknown
	user           *User   // nil when unknown
}

// evaluateConnect applies the CONNECT admission checks in their fixed order
// and returns the CONNACK reason. Order matters: packet size, protocol
// level, availability, busy, banned, connect rate, client id, credentials.
func evaluateConnect(pkt *encoding.ConnectPacket, packetSize uint32, st connectState, limits Limits, now time.Time) encoding.ReasonCode {
	if packetSize > limits.MaxPacketSize {
		return encoding.ReasonPacketTooLarge
	}

	if pkt.ProtocolVersion != encoding.ProtocolVersion50 {
		return encoding.ReasonUnsupportedProtocolVersion
	}

	if !limits.Available {
		return encoding.ReasonServerUnavailable
	}

	if st.connectedCount >= limits.MaxConnections {
		return encoding.ReasonServerBusy
	}

	if st.client != nil && st.client.Banned {
		return encoding.ReasonBanned
	}

	if st.client != nil && now.Sub(st.client.LastSeen) < limits.MinConnectInterval {
		return encoding.ReasonConnectionRateExceeded
	}

	if pkt.ClientID == "" || len(pkt.ClientID) > limits.MaxClientIDLength {
		return encoding.ReasonClientIdentifierNotValid
	}

	if st.user != nil && st.user.PasswordHash != HashPassword(pkt.Password) {
		return encoding.ReasonBadUsernameOrPassword
	}

	return encoding.ReasonSuccess
}

// sessionExpiry extracts the session expiry interval property of a CONNECT,
// zero when absent.
func sessionExpiry(pkt *encoding.ConnectPacket) uint32 {
	if prop := pkt.Properties.GetProperty(encoding.PropSessionExpiryInterval); prop != nil {
		if v, ok := prop.Value.(uint32); ok {
			return v
		}
	}
	return 0
}

// willFromConnect builds the WillMessage carried by a CONNECT, nil when the
// will flag is clear.
func willFromConnect(pkt *encoding.ConnectPacket, now time.Time) *WillMessage {
	if !pkt.WillFlag {
		return nil
	}
	return &WillMessage{
		ClientID:     pkt.ClientID,
		Topic:        pkt.WillTopic,
		Payload:      pkt.WillPayload,
		QoS:          byte(pkt.WillQoS),
		Retain:       pkt.WillRetain,
		RegisteredAt: now,
	}
}

// topicNameOf returns the last '/'-segment of a topic path.
func topicNameOf(fullPath string) string {
	for i := len(fullPath) - 1; i >= 0; i-- {
		if fullPath[i] == '/' {
			return fullPath[i+1:]
		}
	}
	return fullPath
}

// matchesSubscription reports whether a stored subscription covers the
// topic name.
func matchesSubscription(sub *Subscription, topicName string) bool {
	if sub.Filter != "" {
		return topic.Match(sub.Filter, topicName)
	}
	return sub.TopicPath == topicName
}
