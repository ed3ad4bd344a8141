// Package broker contains the runtime: the connection registry, the
// per-connection session handler, the fan-out dispatcher, and the TCP
// supervisor tying them to a storage.Repository.
package broker

import (
	"io"
	"sync"
)

// Packet is anything the codec can put on the wire.
type Packet interface {
	Encode(w io.Writer) error
}

// Sink is the outbound side of a connected client. Sends are serialized by
// the implementation so the handler and dispatcher workers can share it.
type Sink interface {
	ClientID() string
	SendPacket(p Packet) error
	Close() error
}

// Registry maps connected client ids to their outbound sinks. Handlers
// register on CONNECT success and deregister on teardown; dispatcher workers
// read point-in-time snapshots.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// Register installs a sink and returns the previous sink for the same
// client id, if any, so the caller can retire it.
func (r *Registry) Register(sink Sink) Sink {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.sinks[sink.ClientID()]
	r.sinks[sink.ClientID()] = sink
	return old
}

// Deregister removes the sink for a client id, but only if it is still the
// registered one; a replaced session must not unhook its successor.
func (r *Registry) Deregister(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sinks[sink.ClientID()] == sink {
		delete(r.sinks, sink.ClientID())
	}
}

// Get returns the sink for a client id, or nil.
func (r *Registry) Get(clientID string) Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sinks[clientID]
}

// Snapshot returns a copy of the current registry contents.
func (r *Registry) Snapshot() map[string]Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]Sink, len(r.sinks))
	for id, sink := range r.sinks {
		snapshot[id] = sink
	}
	return snapshot
}

// Len returns the number of registered sinks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}
