package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubSink struct {
	id string
}

func (s *stubSink) ClientID() string        { return s.id }
func (s *stubSink) SendPacket(Packet) error { return nil }
func (s *stubSink) Close() error            { return nil }

func TestRegistryRegisterReturnsReplaced(t *testing.T) {
	reg := NewRegistry()

	first := &stubSink{id: "c1"}
	assert.Nil(t, reg.Register(first))

	second := &stubSink{id: "c1"}
	assert.Same(t, first, reg.Register(second))
	assert.Same(t, second, reg.Get("c1"))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryDeregisterOnlyCurrent(t *testing.T) {
	reg := NewRegistry()

	first := &stubSink{id: "c1"}
	second := &stubSink{id: "c1"}
	reg.Register(first)
	reg.Register(second)

	// The replaced session must not unhook its successor
	reg.Deregister(first)
	assert.Same(t, second, reg.Get("c1"))

	reg.Deregister(second)
	assert.Nil(t, reg.Get("c1"))
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubSink{id: "c1"})

	snapshot := reg.Snapshot()
	delete(snapshot, "c1")

	assert.NotNil(t, reg.Get("c1"))
}
