package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/encoding"
)

func newPebbleRepo(t *testing.T, path string) *PebbleRepository {
	t.Helper()
	repo, err := NewPebbleRepository(path, DefaultLimits())
	require.NoError(t, err)
	return repo
}

func TestPebbleClientLifecycle(t *testing.T) {
	repo := newPebbleRepo(t, t.TempDir())
	defer repo.Close()
	ctx := context.Background()

	pkt := &encoding.ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion50,
		CleanStart:      true,
		KeepAlive:       30,
		ClientID:        "c1",
		WillFlag:        true,
		WillQoS:         encoding.QoS1,
		WillTopic:       "status/c1",
		WillPayload:     []byte("gone"),
	}

	_, reason, err := repo.StoreClient(ctx, pkt, 100)
	require.NoError(t, err)
	require.Equal(t, encoding.ReasonSuccess, reason)

	will, err := repo.RetrieveWill(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "status/c1", will.Topic)

	require.NoError(t, repo.UpdateDisconnectTime(ctx, "c1"))

	var client Client
	require.NoError(t, repo.get([]byte(prefixClient+"c1"), &client))
	assert.False(t, client.Connected)
}

func TestPebbleSubscriptionsAndRetained(t *testing.T) {
	repo := newPebbleRepo(t, t.TempDir())
	defer repo.Close()
	ctx := context.Background()

	pkt := &encoding.ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion50,
		ClientID:        "c1",
	}
	_, reason, err := repo.StoreClient(ctx, pkt, 100)
	require.NoError(t, err)
	require.Equal(t, encoding.ReasonSuccess, reason)

	require.NoError(t, repo.SaveSubscription(ctx, "c1", "a/+", 1))
	require.NoError(t, repo.SaveSubscription(ctx, "c1", "a/b", 2))

	subs, err := repo.Subscribers(ctx, "a/b")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, Subscriber{ClientID: "c1", QoS: 2}, subs[0])

	require.NoError(t, repo.SaveMessage(ctx, &Message{
		Topic:   "a/b",
		Payload: []byte("v"),
		QoS:     1,
		Retain:  true,
	}))

	retained, err := repo.RetainedByFilter(ctx, "a/#")
	require.NoError(t, err)
	require.Len(t, retained, 1)
	assert.Equal(t, []byte("v"), retained[0].Payload)

	require.NoError(t, repo.RemoveAllSubscriptions(ctx, "c1"))
	subs, err = repo.Subscribers(ctx, "a/b")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestPebbleMessageSeqRecovery(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo := newPebbleRepo(t, dir)
	msg := &Message{Topic: "a", Payload: []byte("1"), QoS: 2, PacketID: 5}
	require.NoError(t, repo.SaveMessage(ctx, msg))
	firstID := msg.ID
	require.NoError(t, repo.Close())

	// Reopen and verify the sequence continues past the stored messages
	repo = newPebbleRepo(t, dir)
	defer repo.Close()

	msg2 := &Message{Topic: "a", Payload: []byte("2"), QoS: 2, PacketID: 5}
	require.NoError(t, repo.SaveMessage(ctx, msg2))
	assert.Greater(t, msg2.ID, firstID)

	// The packet id index points at the latest message
	found, err := repo.MessageByPacketID(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), found.Payload)
}
