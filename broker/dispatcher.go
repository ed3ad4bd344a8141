package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/encoding"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/metrics"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/pkg/logger"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/storage"
)

// ErrDispatcherClosed is returned by Enqueue after Shutdown.
var ErrDispatcherClosed = errors.New("dispatcher is closed")

const (
	// DefaultWorkers is the number of concurrent delivery workers.
	DefaultWorkers = 5

	// DefaultQueueSize bounds the dispatch queue. A full queue blocks the
	// publishing handler, which is the back-pressure mechanism.
	DefaultQueueSize = 128

	// DefaultAckTimeout bounds how long a worker waits for PUBACK, PUBREC
	// or PUBCOMP from a subscriber.
	DefaultAckTimeout = 5 * time.Second
)

// work is one unit on the dispatch queue. A nil target means regular fan-out
// to every matching subscriber; a non-nil target is a retained delivery to a
// single, freshly subscribed client.
type work struct {
	msg       *storage.Message
	target    Sink
	targetQoS byte
}

// Dispatcher fans published messages out to subscribers over a fixed worker
// pool. Outbound packet ids and the pending acknowledgement table are owned
// here; handlers feed subscriber acks back in through Ack.
type Dispatcher struct {
	repo       storage.Repository
	registry   *Registry
	log        logger.Logger
	stat       *metrics.Stat
	ackTimeout time.Duration
	workers    int

	queue   chan work
	queueMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context

	ackMu   sync.Mutex
	pending map[uint16]chan struct{}
	lastID  uint16
}

// NewDispatcher creates a stopped dispatcher; call Start before enqueuing.
func NewDispatcher(repo storage.Repository, registry *Registry, workers, queueSize int, ackTimeout time.Duration, log logger.Logger, stat *metrics.Stat) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Dispatcher{
		repo:       repo,
		registry:   registry,
		log:        log,
		stat:       stat,
		ackTimeout: ackTimeout,
		workers:    workers,
		queue:      make(chan work, queueSize),
		pending:    make(map[uint16]chan struct{}),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx = ctx
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Enqueue places a message on the dispatch queue, blocking when the queue is
// full so a fast publisher cannot outrun the workers.
func (d *Dispatcher) Enqueue(msg *storage.Message) error {
	return d.enqueue(work{msg: msg})
}

// EnqueueRetained places a retained message bound for exactly one client on
// the queue. The delivery keeps the retain flag set.
func (d *Dispatcher) EnqueueRetained(msg *storage.Message, target Sink, subscriptionQoS byte) error {
	return d.enqueue(work{msg: msg, target: target, targetQoS: subscriptionQoS})
}

func (d *Dispatcher) enqueue(w work) error {
	// The read lock is held across the send so Shutdown cannot close the
	// queue under a blocked enqueuer.
	d.queueMu.RLock()
	defer d.queueMu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- w:
	default:
		d.log.Warn("dispatch queue full, publisher blocked", "topic", w.msg.Topic)
		d.queue <- w
	}
	return nil
}

// Ack signals the worker waiting on the given outbound packet id. A late ack
// that finds no waiter is silently discarded.
func (d *Dispatcher) Ack(packetID uint16) {
	d.ackMu.Lock()
	ch := d.pending[packetID]
	d.ackMu.Unlock()

	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Shutdown stops intake and waits for the workers to drain the queue.
func (d *Dispatcher) Shutdown() {
	d.queueMu.Lock()
	if d.closed {
		d.queueMu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.queueMu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for w := range d.queue {
		d.process(w)
	}
	d.log.Debug("dispatch worker stopped", "worker", id)
}

func (d *Dispatcher) process(w work) {
	if w.target != nil {
		qos := w.msg.QoS
		if w.targetQoS < qos {
			qos = w.targetQoS
		}
		d.deliver(w.target, w.msg, qos, true)
		return
	}

	subscribers, err := d.repo.Subscribers(d.ctx, w.msg.Topic)
	if err != nil {
		d.log.Error("subscriber lookup failed", "topic", w.msg.Topic, "error", err)
		return
	}

	for _, sub := range subscribers {
		sink := d.registry.Get(sub.ClientID)
		if sink == nil {
			continue
		}

		qos := w.msg.QoS
		if sub.QoS < qos {
			qos = sub.QoS
		}
		d.deliver(sink, w.msg, qos, false)
	}
}

// deliver sends one PUBLISH to one subscriber at the effective QoS and runs
// the broker side of the acknowledgement flow.
func (d *Dispatcher) deliver(sink Sink, msg *storage.Message, qos byte, retain bool) {
	pkt := &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{
			Type:   encoding.PUBLISH,
			QoS:    encoding.QoS(qos),
			Retain: retain,
		},
		TopicName: msg.Topic,
		Payload:   msg.Payload,
	}

	if qos == 0 {
		if err := sink.SendPacket(pkt); err != nil {
			d.log.Debug("publish send failed", "client", sink.ClientID(), "error", err)
			return
		}
		d.stat.MessagesDispatched.Inc()
		return
	}

	packetID := d.nextPacketID()
	pkt.PacketID = packetID

	// The waiter is installed before the send so an instant ack cannot
	// race past it.
	ch := d.registerWaiter(packetID)
	defer d.releaseWaiter(packetID)

	if err := sink.SendPacket(pkt); err != nil {
		d.log.Debug("publish send failed", "client", sink.ClientID(), "error", err)
		return
	}

	if !d.await(ch) {
		d.ackTimedOut(sink, packetID, qos)
		return
	}

	if qos == 1 {
		d.stat.MessagesDispatched.Inc()
		return
	}

	// QoS 2: the PUBREC arrived, release the exchange and wait for PUBCOMP
	// on the same packet id.
	ch = d.registerWaiter(packetID)

	pubrel := &encoding.PubrelPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBREL, Flags: 0x02},
		PacketID:    packetID,
		ReasonCode:  encoding.ReasonSuccess,
	}
	if err := sink.SendPacket(pubrel); err != nil {
		d.log.Debug("pubrel send failed", "client", sink.ClientID(), "error", err)
		return
	}

	if !d.await(ch) {
		d.ackTimedOut(sink, packetID, qos)
		return
	}
	d.stat.MessagesDispatched.Inc()
}

func (d *Dispatcher) ackTimedOut(sink Sink, packetID uint16, qos byte) {
	d.stat.AckTimeouts.Inc()
	d.log.Warn("acknowledgement timeout",
		"client", sink.ClientID(),
		"packet_id", packetID,
		"qos", qos)
}

func (d *Dispatcher) await(ch chan struct{}) bool {
	timer := time.NewTimer(d.ackTimeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-d.ctx.Done():
		return false
	}
}

func (d *Dispatcher) registerWaiter(packetID uint16) chan struct{} {
	ch := make(chan struct{}, 1)
	d.ackMu.Lock()
	d.pending[packetID] = ch
	d.ackMu.Unlock()
	return ch
}

func (d *Dispatcher) releaseWaiter(packetID uint16) {
	d.ackMu.Lock()
	delete(d.pending, packetID)
	d.ackMu.Unlock()
}

// nextPacketID returns the next outbound packet id, wrapping from 65535 back
// to 1. Zero is never handed out, and ids with a live waiter are skipped.
func (d *Dispatcher) nextPacketID() uint16 {
	d.ackMu.Lock()
	defer d.ackMu.Unlock()

	for {
		d.lastID++
		if d.lastID == 0 {
			d.lastID = 1
		}
		if _, inUse := d.pending[d.lastID]; !inUse {
			return d.lastID
		}
	}
}
