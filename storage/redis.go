package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/encoding"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/topic"
)

// RedisRepository stores records as CBOR strings under the same key layout
// as the Pebble backend, with per-kind index sets so scans stay cheap.
type RedisRepository struct {
	client *redis.Client
	mu     sync.Mutex
	closed bool
	limits Limits

	now func() time.Time
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

const (
	redisClientIndex = "index:clients"
	redisTopicIndex  = "index:topics"
	redisSubIndex    = "index:subs"
	redisMessageSeq  = "seq:messages"
)

// NewRedisRepository connects to Redis and verifies the connection.
func NewRedisRepository(config RedisConfig, limits Limits) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRepository{
		client: client,
		limits: limits,
		now:    time.Now,
	}, nil
}

func (r *RedisRepository) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed {
		return ErrClosed
	}
	return nil
}

func (r *RedisRepository) get(ctx context.Context, key string, out interface{}) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	return cbor.Unmarshal(data, out)
}

func (r *RedisRepository) set(ctx context.Context, key string, value interface{}) error {
	data, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, 0).Err()
}

func (r *RedisRepository) StoreClient(ctx context.Context, pkt *encoding.ConnectPacket, packetSize uint32) (byte, encoding.ReasonCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(ctx); err != nil {
		return 0, encoding.ReasonUnspecifiedError, err
	}

	now := r.now()

	var st connectState

	var client Client
	switch err := r.get(ctx, prefixClient+pkt.ClientID, &client); {
	case err == nil:
		st.client = &client
	case errors.Is(err, ErrNotFound):
	default:
		return 0, encoding.ReasonUnspecifiedError, err
	}

	var user User
	if pkt.UsernameFlag {
		switch err := r.get(ctx, prefixUser+pkt.Username, &user); {
		case err == nil:
			st.user = &user
		case errors.Is(err, ErrNotFound):
		default:
			return 0, encoding.ReasonUnspecifiedError, err
		}
	}

	count, err := r.connectedCount(ctx)
	if err != nil {
		return 0, encoding.ReasonUnspecifiedError, err
	}
	st.connectedCount = count

	if reason := evaluateConnect(pkt, packetSize, st, r.limits, now); reason != encoding.ReasonSuccess {
		return 0, reason, nil
	}

	pipe := r.client.Pipeline()

	if pkt.UsernameFlag && st.user == nil {
		newUser := User{Username: pkt.Username, PasswordHash: HashPassword(pkt.Password)}
		data, err := cbor.Marshal(&newUser)
		if err != nil {
			return 0, encoding.ReasonUnspecifiedError, err
		}
		pipe.Set(ctx, prefixUser+pkt.Username, data, 0)
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

	clientData, err := cbor.Marshal(&client)
	if err != nil {
		return 0, encoding.ReasonUnspecifiedError, err
	}
	pipe.Set(ctx, prefixClient+pkt.ClientID, clientData, 0)
	pipe.SAdd(ctx, redisClientIndex, pkt.ClientID)

	if will := willFromConnect(pkt, now); will != nil {
		willData, err := cbor.Marshal(will)
		if err != nil {
			return 0, encoding.ReasonUnspecifiedError, err
		}
		pipe.Set(ctx, prefixWill+will.ClientID, willData, 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, encoding.ReasonUnspecifiedError, err
	}

	return 0, encoding.ReasonSuccess, nil
}

func (r *RedisRepository) connectedCount(ctx context.Context) (int, error) {
	ids, err := r.client.SMembers(ctx, redisClientIndex).Result()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		var client Client
		if err := r.get(ctx, prefixClient+id, &client); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return 0, err
		}
		if client.Connected {
			count++
		}
	}
	return count, nil
}

func (r *RedisRepository) SaveSubscription(ctx context.Context, clientID, filter string, qos byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(ctx); err != nil {
		return err
	}

	sub := Subscription{ClientID: clientID, QoS: qos}
	if topic.HasWildcard(filter) {
		sub.Filter = filter
	} else {
		if err := r.ensureTopic(ctx, filter); err != nil {
			return err
		}
		sub.TopicPath = filter
	}

	data, err := cbor.Marshal(&sub)
	if err != nil {
		return err
	}

	key := string(subKey(clientID, filter))
	pipe := r.client.Pipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, redisSubIndex, key)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRepository) RemoveSubscription(ctx context.Context, clientID, filter string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(ctx); err != nil {
		return err
	}

	key := string(subKey(clientID, filter))
	removed, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotFound
	}
	return r.client.SRem(ctx, redisSubIndex, key).Err()
}

func (r *RedisRepository) RemoveAllSubscriptions(ctx context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(ctx); err != nil {
		return err
	}

	keys, err := r.client.SMembers(ctx, redisSubIndex).Result()
	if err != nil {
		return err
	}

	prefix := string(subKey(clientID, ""))
	pipe := r.client.Pipeline()
	for _, key := range keys {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, redisSubIndex, key)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRepository) SaveMessage(ctx context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(ctx); err != nil {
		return err
	}

	t, err := r.loadOrCreateTopic(ctx, msg.Topic)
	if err != nil {
		return err
	}

	seq, err := r.client.Incr(ctx, redisMessageSeq).Result()
	if err != nil {
		return err
	}

	stored := *msg
	stored.ID = uint64(seq)
	if stored.PublishedAt.IsZero() {
		stored.PublishedAt = r.now()
	}

	if err := r.set(ctx, string(messageKey(stored.ID)), &stored); err != nil {
		return err
	}
	msg.ID = stored.ID

	if stored.PacketID != 0 {
		if err := r.set(ctx, fmt.Sprintf(prefixPkt+"%d", stored.PacketID), stored.ID); err != nil {
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
		if err := r.set(ctx, prefixTopic+t.FullPath, t); err != nil {
			return err
		}
	}

	return nil
}

func (r *RedisRepository) MessageByPacketID(ctx context.Context, packetID uint16) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(ctx); err != nil {
		return nil, err
	}

	var seq uint64
	if err := r.get(ctx, fmt.Sprintf(prefixPkt+"%d", packetID), &seq); err != nil {
		return nil, err
	}

	var msg Message
	if err := r.get(ctx, string(messageKey(seq)), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *RedisRepository) SaveWill(ctx context.Context, will *WillMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(ctx); err != nil {
		return err
	}
	return r.set(ctx, prefixWill+will.ClientID, will)
}

func (r *RedisRepository) RetrieveWill(ctx context.Context, clientID string) (*WillMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(ctx); err != nil {
		return nil, err
	}

	var will WillMessage
	if err := r.get(ctx, prefixWill+clientID, &will); err != nil {
		return nil, err
	}
	return &will, nil
}

func (r *RedisRepository) RemoveWill(ctx context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(ctx); err != nil {
		return err
	}
	return r.client.Del(ctx, prefixWill+clientID).Err()
}

func (r *RedisRepository) UpdateDisconnectTime(ctx context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(ctx); err != nil {
		return err
	}

	var client Client
	if err := r.get(ctx, prefixClient+clientID, &client); err != nil {
		return err
	}
	client.Connected = false
	client.LastSeen = r.now()
	return r.set(ctx, prefixClient+clientID, &client)
}

func (r *RedisRepository) Subscribers(ctx context.Context, topicName string) ([]Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(ctx); err != nil {
		return nil, err
	}

	keys, err := r.client.SMembers(ctx, redisSubIndex).Result()
	if err != nil {
		return nil, err
	}

	best := make(map[string]byte)
	for _, key := range keys {
		var sub Subscription
		if err := r.get(ctx, key, &sub); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !matchesSubscription(&sub, topicName) {
			continue
		}

		var client Client
		if err := r.get(ctx, prefixClient+sub.ClientID, &client); err != nil {
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

	result := make([]Subscriber, 0, len(best))
	for clientID, qos := range best {
		result = append(result, Subscriber{ClientID: clientID, QoS: qos})
	}
	return result, nil
}

func (r *RedisRepository) RetainedByFilter(ctx context.Context, filter string) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(ctx); err != nil {
		return nil, err
	}

	paths, err := r.client.SMembers(ctx, redisTopicIndex).Result()
	if err != nil {
		return nil, err
	}

	var result []*Message
	for _, path := range paths {
		var t Topic
		if err := r.get(ctx, prefixTopic+path, &t); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
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
	return result, nil
}

func (r *RedisRepository) SetBanned(ctx context.Context, clientID string, banned bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(ctx); err != nil {
		return err
	}

	var client Client
	if err := r.get(ctx, prefixClient+clientID, &client); err != nil {
		return err
	}
	client.Banned = banned
	return r.set(ctx, prefixClient+clientID, &client)
}

func (r *RedisRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.closed = true
	return r.client.Close()
}

func (r *RedisRepository) loadOrCreateTopic(ctx context.Context, fullPath string) (*Topic, error) {
	var t Topic
	switch err := r.get(ctx, prefixTopic+fullPath, &t); {
	case err == nil:
		return &t, nil
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	t = Topic{FullPath: fullPath, Name: topicNameOf(fullPath)}
	data, err := cbor.Marshal(&t)
	if err != nil {
		return nil, err
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, prefixTopic+fullPath, data, 0)
	pipe.SAdd(ctx, redisTopicIndex, fullPath)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *RedisRepository) ensureTopic(ctx context.Context, fullPath string) error {
	_, err := r.loadOrCreateTopic(ctx, fullPath)
	return err
}
