package storage

import (
	"context"
	"sync"
	"time"

	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/encoding"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/topic"
)

// MemoryRepository is a map-backed Repository. It is the default backend and
// the reference implementation for the contract.
type MemoryRepository struct {
	mu     sync.RWMutex
	closed bool
	limits Limits

	clients       map[string]*Client
	users         map[string]*User
	topics        map[string]*Topic
	subscriptions map[string]map[string]*Subscription // clientID -> filter -> sub
	messages      []*Message
	wills         map[string]*WillMessage
	nextMessageID uint64

	// now is swappable for tests
	now func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(limits Limits) *MemoryRepository {
	return &MemoryRepository{
		limits:        limits,
		clients:       make(map[string]*Client),
		users:         make(map[string]*User),
		topics:        make(map[string]*Topic),
		subscriptions: make(map[string]map[string]*Subscription),
		wills:         make(map[string]*WillMessage),
		nextMessageID: 1,
		now:           time.Now,
	}
}

func (m *MemoryRepository) StoreClient(ctx context.Context, pkt *encoding.ConnectPacket, packetSize uint32) (byte, encoding.ReasonCode, error) {
	if err := ctx.Err(); err != nil {
		return 0, encoding.ReasonUnspecifiedError, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, encoding.ReasonUnspecifiedError, ErrClosed
	}

	now := m.now()

	st := connectState{client: m.clients[pkt.ClientID]}
	if pkt.UsernameFlag {
		st.user = m.users[pkt.Username]
	}
	for _, c := range m.clients {
		if c.Connected {
			st.connectedCount++
		}
	}

	if reason := evaluateConnect(pkt, packetSize, st, m.limits, now); reason != encoding.ReasonSuccess {
		return 0, reason, nil
	}

	if pkt.UsernameFlag && st.user == nil {
		m.users[pkt.Username] = &User{
			Username:     pkt.Username,
			PasswordHash: HashPassword(pkt.Password),
		}
	}

	client := st.client
	if client == nil {
		client = &Client{ID: pkt.ClientID}
		m.clients[pkt.ClientID] = client
	}
	client.Username = pkt.Username
	client.CleanSession = pkt.CleanStart
	client.Connected = true
	client.KeepAlive = pkt.KeepAlive
	client.SessionExpiry = sessionExpiry(pkt)
	client.LastSeen = now

	if will := willFromConnect(pkt, now); will != nil {
		m.wills[will.ClientID] = will
	}

	return 0, encoding.ReasonSuccess, nil
}

func (m *MemoryRepository) SaveSubscription(ctx context.Context, clientID, filter string, qos byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	sub := &Subscription{ClientID: clientID, QoS: qos}
	if topic.HasWildcard(filter) {
		sub.Filter = filter
	} else {
		m.ensureTopicLocked(filter)
		sub.TopicPath = filter
	}

	subs := m.subscriptions[clientID]
	if subs == nil {
		subs = make(map[string]*Subscription)
		m.subscriptions[clientID] = subs
	}
	subs[filter] = sub

	return nil
}

func (m *MemoryRepository) RemoveSubscription(ctx context.Context, clientID, filter string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	subs := m.subscriptions[clientID]
	if _, ok := subs[filter]; !ok {
		return ErrNotFound
	}
	delete(subs, filter)

	return nil
}

func (m *MemoryRepository) RemoveAllSubscriptions(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	delete(m.subscriptions, clientID)
	return nil
}

func (m *MemoryRepository) SaveMessage(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	t := m.ensureTopicLocked(msg.Topic)

	stored := *msg
	stored.ID = m.nextMessageID
	m.nextMessageID++
	if stored.PublishedAt.IsZero() {
		stored.PublishedAt = m.now()
	}
	m.messages = append(m.messages, &stored)
	msg.ID = stored.ID

	if msg.Retain {
		if len(msg.Payload) == 0 {
			t.RetainedPayload = nil
			t.RetainedQoS = 0
			t.RetainedAt = time.Time{}
		} else {
			t.RetainedPayload = append([]byte(nil), msg.Payload...)
			t.RetainedQoS = msg.QoS
			t.RetainedAt = stored.PublishedAt
		}
	}

	return nil
}

func (m *MemoryRepository) MessageByPacketID(ctx context.Context, packetID uint16) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	// Most recent match wins
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].PacketID == packetID {
			msg := *m.messages[i]
			return &msg, nil
		}
	}

	return nil, ErrNotFound
}

func (m *MemoryRepository) SaveWill(ctx context.Context, will *WillMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	stored := *will
	m.wills[will.ClientID] = &stored
	return nil
}

func (m *MemoryRepository) RetrieveWill(ctx context.Context, clientID string) (*WillMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	will, ok := m.wills[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	w := *will
	return &w, nil
}

func (m *MemoryRepository) RemoveWill(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	delete(m.wills, clientID)
	return nil
}

func (m *MemoryRepository) UpdateDisconnectTime(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	client, ok := m.clients[clientID]
	if !ok {
		return ErrNotFound
	}
	client.Connected = false
	client.LastSeen = m.now()

	return nil
}

func (m *MemoryRepository) Subscribers(ctx context.Context, topicName string) ([]Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	// Duplicate matches collapse to the maximum QoS per client
	best := make(map[string]byte)
	for clientID, subs := range m.subscriptions {
		client := m.clients[clientID]
		if client == nil || !client.Connected {
			continue
		}
		for _, sub := range subs {
			if !matchesSubscription(sub, topicName) {
				continue
			}
			if qos, ok := best[clientID]; !ok || sub.QoS > qos {
				best[clientID] = sub.QoS
			}
		}
	}

	result := make([]Subscriber, 0, len(best))
	for clientID, qos := range best {
		result = append(result, Subscriber{ClientID: clientID, QoS: qos})
	}
	return result, nil
}

func (m *MemoryRepository) RetainedByFilter(ctx context.Context, filter string) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	var result []*Message
	for _, t := range m.topics {
		if len(t.RetainedPayload) == 0 {
			continue
		}
		if !topic.Match(filter, t.FullPath) {
			continue
		}
		result = append(result, &Message{
			Topic:       t.FullPath,
			Payload:     append([]byte(nil), t.RetainedPayload...),
			QoS:         t.RetainedQoS,
			Retain:      true,
			PublishedAt: t.RetainedAt,
		})
	}
	return result, nil
}

func (m *MemoryRepository) SetBanned(ctx context.Context, clientID string, banned bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	client, ok := m.clients[clientID]
	if !ok {
		return ErrNotFound
	}
	client.Banned = banned
	return nil
}

func (m *MemoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	return nil
}

// ensureTopicLocked resolves or creates the Topic row for a path. Callers
// hold the write lock.
func (m *MemoryRepository) ensureTopicLocked(fullPath string) *Topic {
	if t, ok := m.topics[fullPath]; ok {
		return t
	}
	t := &Topic{FullPath: fullPath, Name: topicNameOf(fullPath)}
	m.topics[fullPath] = t
	return t
}
