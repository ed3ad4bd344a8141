package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"

	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/encoding"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/topic"
)

// Key layout. Subscription keys join client id and filter with a NUL byte,
// which cannot appear in either (MQTT UTF-8 string rule).
const (
	prefixClient = "client:"
	prefixUser   = "user:"
	prefixTopic  = "topic:"
	prefixSub    = "sub:"
	prefixMsg    = "msg:"
	prefixPkt    = "pkt:"
	prefixWill   = "will:"
)

// PebbleRepository is a Pebble-backed Repository with CBOR-encoded values.
// All writes are synced.
type PebbleRepository struct {
	db     *pebble.DB
	mu     sync.Mutex
	closed bool
	limits Limits

	// messageSeq is the next message log sequence number, recovered from
	// the highest msg: key on open
	messageSeq uint64

	now func() time.Time
}

// NewPebbleRepository opens (or creates) the database at path.
func NewPebbleRepository(path string, limits Limits) (*PebbleRepository, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}

	repo := &PebbleRepository{
		db:     db,
		limits: limits,
		now:    time.Now,
	}

	if err := repo.recoverMessageSeq(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

func (p *PebbleRepository) recoverMessageSeq() error {
	iter, err := p.db.NewIter(rangeOptions(prefixMsg))
	if err != nil {
		return err
	}
	defer iter.Close()

	p.messageSeq = 1
	if iter.Last() && iter.Valid() {
		var seq uint64
		if _, err := fmt.Sscanf(string(iter.Key()), prefixMsg+"%020d", &seq); err == nil {
			p.messageSeq = seq + 1
		}
	}
	return iter.Error()
}

func rangeOptions(prefix string) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: append([]byte(prefix), 0xff),
	}
}

func subKey(clientID, filter string) []byte {
	key := make([]byte, 0, len(prefixSub)+len(clientID)+1+len(filter))
	key = append(key, prefixSub...)
	key = append(key, clientID...)
	key = append(key, 0x00)
	key = append(key, filter...)
	return key
}

func messageKey(seq uint64) []byte {
	return []byte(fmt.Sprintf(prefixMsg+"%020d", seq))
}

// get decodes the value at key into out, mapping pebble.ErrNotFound onto
// ErrNotFound.
func (p *PebbleRepository) get(key []byte, out interface{}) error {
	data, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	defer closer.Close()
	return cbor.Unmarshal(data, out)
}

func (p *PebbleRepository) set(key []byte, value interface{}) error {
	data, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	return p.db.Set(key, data, pebble.Sync)
}

func (p *PebbleRepository) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.closed {
		return ErrClosed
	}
	return nil
}

func (p *PebbleRepository) StoreClient(ctx context.Context, pkt *encoding.ConnectPacket, packetSize uint32) (byte, encoding.ReasonCode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpen(ctx); err != nil {
		return 0, encoding.ReasonUnspecifiedError, err
	}

	now := p.now()

	var st connectState

	var client Client
	switch err := p.get([]byte(prefixClient+pkt.ClientID), &client); {
	case err == nil:
		st.client = &client
	case errors.Is(err, ErrNotFound):
	default:
		return 0, encoding.ReasonUnspecifiedError, err
	}

	var user User
	if pkt.UsernameFlag {
		switch err := p.get([]byte(prefixUser+pkt.Username), &user); {
		case err == nil:
			st.user = &user
		case errors.Is(err, ErrNotFound):
		default:
			return 0, encoding.ReasonUnspecifiedError, err
		}
	}

	count, err := p.connectedCount()
	if err != nil {
		return 0, encoding.ReasonUnspecifiedError, err
	}
	st.connectedCount = count

	if reason := evaluateConnect(pkt, packetSize, st, p.limits, now); reason != encoding.ReasonSuccess {
		return 0, reason, nil
	}

	if pkt.UsernameFlag && st.user == nil {
		newUser := User{Username: pkt.Username, PasswordHash: HashPassword(pkt.Password)}
		if err := p.set([]byte(prefixUser+pkt.Username), &newUser); err != nil {
			return 0, encoding.ReasonUnspecifiedError, err
		}
	}

	if st.client == nil {
		client = Client{ID: pkt.ClientID}
	}
	client.Username = pkt.Username
	client.CleanSession = pkt.CleanStart
	client.Connected = true
	client.KeepAlive = pkt.KeepAlive
	client.SessionExpiry = sessionExpiry(pkt)
	client.LastSeen = now

	if err := p.set([]byte(prefixClient+pkt.ClientID), &client); err != nil {
		return 0, encoding.ReasonUnspecifiedError, err
	}

	if will := willFromConnect(pkt, now); will != nil {
		if err := p.set([]byte(prefixWill+will.ClientID), will); err != nil {
			return 0, encoding.ReasonUnspecifiedError, err
		}
	}

	return 0, encoding.ReasonSuccess, nil
}

func (p *PebbleRepository) connectedCount() (int, error) {
	iter, err := p.db.NewIter(rangeOptions(prefixClient))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		var client Client
		if err := cbor.Unmarshal(iter.Value(), &client); err != nil {
			return 0, err
		}
		if client.Connected {
			count++
		}
	}
	return count, iter.Error()
}

func (p *PebbleRepository) SaveSubscription(ctx context.Context, clientID, filter string, qos byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpen(ctx); err != nil {
		return err
	}

	sub := Subscription{ClientID: clientID, QoS: qos}
	if topic.HasWildcard(filter) {
		sub.Filter = filter
	} else {
		if err := p.ensureTopic(filter); err != nil {
			return err
		}
		sub.TopicPath = filter
	}

	return p.set(subKey(clientID, filter), &sub)
}

func (p *PebbleRepository) RemoveSubscription(ctx context.Context, clientID, filter string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpen(ctx); err != nil {
		return err
	}

	key := subKey(clientID, filter)
	var sub Subscription
	if err := p.get(key, &sub); err != nil {
		return err
	}
	return p.db.Delete(key, pebble.Sync)
}

func (p *PebbleRepository) RemoveAllSubscriptions(ctx context.Context, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpen(ctx); err != nil {
		return err
	}

	start := subKey(clientID, "")
	end := append(subKey(clientID, ""), 0xff)
	return p.db.DeleteRange(start, end, pebble.Sync)
}

func (p *PebbleRepository) SaveMessage(ctx context.Context, msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpen(ctx); err != nil {
		return err
	}

	t, err := p.loadOrCreateTopic(msg.Topic)
	if err != nil {
		return err
	}

	stored := *msg
	stored.ID = p.messageSeq
	if stored.PublishedAt.IsZero() {
		stored.PublishedAt = p.now()
	}

	if err := p.set(messageKey(stored.ID), &stored); err != nil {
		return err
	}
	p.messageSeq++
	msg.ID = stored.ID

	// Index the latest message per packet id for the QoS 2 release path
	if stored.PacketID != 0 {
		if err := p.set([]byte(fmt.Sprintf(prefixPkt+"%d", stored.PacketID)), stored.ID); err != nil {
			return err
		}
	}

	if msg.Retain {
		if len(msg.Payload) == 0 {
			t.RetainedPayload = nil
			t.RetainedQoS = 0
			t.RetainedAt = time.Time{}
		} else {
			t.RetainedPayload = msg.Payload
			t.RetainedQoS = msg.QoS
			t.RetainedAt = stored.PublishedAt
		}
		if err := p.set([]byte(prefixTopic+t.FullPath), t); err != nil {
			return err
		}
	}

	return nil
}

func (p *PebbleRepository) MessageByPacketID(ctx context.Context, packetID uint16) (*Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpen(ctx); err != nil {
		return nil, err
	}

	var seq uint64
	if err := p.get([]byte(fmt.Sprintf(prefixPkt+"%d", packetID)), &seq); err != nil {
		return nil, err
	}

	var msg Message
	if err := p.get(messageKey(seq), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (p *PebbleRepository) SaveWill(ctx context.Context, will *WillMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpen(ctx); err != nil {
		return err
	}
	return p.set([]byte(prefixWill+will.ClientID), will)
}

func (p *PebbleRepository) RetrieveWill(ctx context.Context, clientID string) (*WillMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpen(ctx); err != nil {
		return nil, err
	}

	var will WillMessage
	if err := p.get([]byte(prefixWill+clientID), &will); err != nil {
		return nil, err
	}
	return &will, nil
}

func (p *PebbleRepository) RemoveWill(ctx context.Context, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpen(ctx); err != nil {
		return err
	}
	return p.db.Delete([]byte(prefixWill+clientID), pebble.Sync)
}

func (p *PebbleRepository) UpdateDisconnectTime(ctx context.Context, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpen(ctx); err != nil {
		return err
	}

	var client Client
	if err := p.get([]byte(prefixClient+clientID), &client); err != nil {
		return err
	}
	client.Connected = false
	client.LastSeen = p.now()
	return p.set([]byte(prefixClient+clientID), &client)
}

func (p *PebbleRepository) Subscribers(ctx context.Context, topicName string) ([]Subscriber, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpen(ctx); err != nil {
		return nil, err
	}

	iter, err := p.db.NewIter(rangeOptions(prefixSub))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	best := make(map[string]byte)
	for iter.First(); iter.Valid(); iter.Next() {
		var sub Subscription
		if err := cbor.Unmarshal(iter.Value(), &sub); err != nil {
			return nil, err
		}
		if !matchesSubscription(&sub, topicName) {
			continue
		}

		var client Client
		if err := p.get([]byte(prefixClient+sub.ClientID), &client); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !client.Connected {
			continue
		}

		if qos, ok := best[sub.ClientID]; !ok || sub.QoS > qos {
			best[sub.ClientID] = sub.QoS
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	result := make([]Subscriber, 0, len(best))
	for clientID, qos := range best {
		result = append(result, Subscriber{ClientID: clientID, QoS: qos})
	}
	return result, nil
}

func (p *PebbleRepository) RetainedByFilter(ctx context.Context, filter string) ([]*Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpen(ctx); err != nil {
		return nil, err
	}

	iter, err := p.db.NewIter(rangeOptions(prefixTopic))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var result []*Message
	for iter.First(); iter.Valid(); iter.Next() {
		var t Topic
		if err := cbor.Unmarshal(iter.Value(), &t); err != nil {
			return nil, err
		}
		if len(t.RetainedPayload) == 0 || !topic.Match(filter, t.FullPath) {
			continue
		}
		result = append(result, &Message{
			Topic:       t.FullPath,
			Payload:     t.RetainedPayload,
			QoS:         t.RetainedQoS,
			Retain:      true,
			PublishedAt: t.RetainedAt,
		})
	}
	return result, iter.Error()
}

func (p *PebbleRepository) SetBanned(ctx context.Context, clientID string, banned bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpen(ctx); err != nil {
		return err
	}

	var client Client
	if err := p.get([]byte(prefixClient+clientID), &client); err != nil {
		return err
	}
	client.Banned = banned
	return p.set([]byte(prefixClient+clientID), &client)
}

func (p *PebbleRepository) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.closed = true
	return p.db.Close()
}

func (p *PebbleRepository) loadOrCreateTopic(fullPath string) (*Topic, error) {
	var t Topic
	switch err := p.get([]byte(prefixTopic+fullPath), &t); {
	case err == nil:
		return &t, nil
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	t = Topic{FullPath: fullPath, Name: topicNameOf(fullPath)}
	if err := p.set([]byte(prefixTopic+fullPath), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PebbleRepository) ensureTopic(fullPath string) error {
	_, err := p.loadOrCreateTopic(fullPath)
	return err
}
