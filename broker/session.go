package broker

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/encoding"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/metrics"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/pkg/logger"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/storage"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/topic"
)

// State is the lifecycle phase of a session.
type State int

const (
	StateAwaitingConnect State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnect:
		return "awaiting_connect"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connectDeadline bounds how long a fresh connection may sit silent before
// its CONNECT arrives.
const connectDeadline = 10 * time.Second

var errProtocolViolation = errors.New("protocol violation")

// Session is one client connection. It owns the inbound read loop and the
// per-connection protocol state; outbound writes are serialized so the
// dispatcher workers can share the connection.
type Session struct {
	conn       net.Conn
	repo       storage.Repository
	registry   *Registry
	dispatcher *Dispatcher
	log        logger.Logger
	stat       *metrics.Stat

	state        State
	clientID     string
	cleanSession bool
	keepAlive    uint16

	// QoS 2 inbound packet ids persisted but not yet released by PUBREL.
	pendingRelease map[uint16]struct{}

	// clean is set when the client sent DISCONNECT or the broker is
	// shutting down, suppressing the will.
	clean atomic.Bool

	writeMu sync.Mutex
}

// NewSession wraps an accepted connection. Run drives it to completion.
func NewSession(conn net.Conn, repo storage.Repository, registry *Registry, dispatcher *Dispatcher, log logger.Logger, stat *metrics.Stat) *Session {
	return &Session{
		conn:           conn,
		repo:           repo,
		registry:       registry,
		dispatcher:     dispatcher,
		log:            log,
		stat:           stat,
		state:          StateAwaitingConnect,
		pendingRelease: make(map[uint16]struct{}),
	}
}

// ClientID returns the id the session authenticated with, empty before
// CONNECT succeeds.
func (s *Session) ClientID() string {
	return s.clientID
}

// SendPacket encodes one packet onto the connection. Safe for concurrent use.
func (s *Session) SendPacket(p Packet) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := p.Encode(s.conn); err != nil {
		return err
	}
	s.stat.PacketsSent.Inc()
	return nil
}

// Close shuts the underlying connection, unblocking the read loop.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run processes the connection until the client disconnects or errors out.
// Fatal protocol errors close the connection without a response; only a
// failed CONNECT gets a CONNACK first.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown(ctx)

	if err := s.handshake(ctx); err != nil {
		s.log.Debug("handshake failed", "remote", s.conn.RemoteAddr(), "error", err)
		return
	}

	for {
		s.armReadDeadline()

		fh, err := encoding.ParseFixedHeader(s.conn)
		if err != nil {
			if s.state == StateActive && !s.clean.Load() {
				s.log.Debug("read loop ended", "client", s.clientID, "error", err)
			}
			return
		}
		s.stat.PacketsReceived.Inc()

		done, err := s.handlePacket(ctx, fh)
		if err != nil {
			s.log.Debug("packet handling failed",
				"client", s.clientID,
				"type", fh.Type.String(),
				"error", err)
			return
		}
		if done {
			return
		}
	}
}

// handshake reads and answers the CONNECT packet.
func (s *Session) handshake(ctx context.Context) error {
	s.conn.SetReadDeadline(time.Now().Add(connectDeadline))

	fh, err := encoding.ParseFixedHeader(s.conn)
	if err != nil {
		return err
	}
	s.stat.PacketsReceived.Inc()

	if fh.Type != encoding.CONNECT {
		return errProtocolViolation
	}

	pkt, err := encoding.ParseConnectPacket(s.conn, fh)
	if err != nil && !errors.Is(err, encoding.ErrUnsupportedProtocolVersion) {
		return err
	}

	packetSize := uint32(1+encoding.SizeVariableByteInteger(fh.RemainingLength)) + fh.RemainingLength

	ackFlags, reason, err := s.repo.StoreClient(ctx, pkt, packetSize)
	if err != nil {
		return err
	}

	connack := &encoding.ConnackPacket{
		FixedHeader:    encoding.FixedHeader{Type: encoding.CONNACK},
		SessionPresent: ackFlags&0x01 != 0,
		ReasonCode:     reason,
	}

	if reason != encoding.ReasonSuccess {
		s.stat.ConnectsRefused.Inc()
		s.SendPacket(connack)
		return errors.New("connect refused: " + reason.String())
	}

	s.clientID = pkt.ClientID
	s.cleanSession = pkt.CleanStart
	s.keepAlive = pkt.KeepAlive

	// Register only once the CONNACK is on the wire; a failed write must
	// not leave a dead sink behind, and the client row goes back to
	// disconnected since StoreClient already marked it connected.
	if err := s.SendPacket(connack); err != nil {
		if derr := s.repo.UpdateDisconnectTime(context.WithoutCancel(ctx), s.clientID); derr != nil {
			s.log.Error("disconnect time update failed", "client", s.clientID, "error", derr)
		}
		return err
	}

	if old := s.registry.Register(s); old != nil {
		old.SendPacket(&encoding.DisconnectPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.DISCONNECT},
			ReasonCode:  encoding.ReasonSessionTakenOver,
		})
		old.Close()
	}

	s.state = StateActive
	s.stat.ActiveConnections.Inc()
	s.log.Info("client connected",
		"client", s.clientID,
		"remote", s.conn.RemoteAddr(),
		"keep_alive", s.keepAlive)
	return nil
}

// armReadDeadline applies the keep alive deadline at one and a half times
// the negotiated interval. Zero keep alive disables the deadline.
func (s *Session) armReadDeadline() {
	if s.keepAlive == 0 {
		s.conn.SetReadDeadline(time.Time{})
		return
	}
	grace := time.Duration(s.keepAlive) * time.Second * 3 / 2
	s.conn.SetReadDeadline(time.Now().Add(grace))
}

// handlePacket dispatches one packet in the Active state. done reports a
// clean DISCONNECT.
func (s *Session) handlePacket(ctx context.Context, fh *encoding.FixedHeader) (done bool, err error) {
	switch fh.Type {
	case encoding.PUBLISH:
		return false, s.handlePublish(ctx, fh)
	case encoding.PUBREL:
		return false, s.handlePubrel(ctx, fh)
	case encoding.PUBACK:
		pkt, err := encoding.ParsePubackPacket(s.conn, fh)
		if err != nil {
			return false, err
		}
		s.dispatcher.Ack(pkt.PacketID)
		return false, nil
	case encoding.PUBREC:
		pkt, err := encoding.ParsePubrecPacket(s.conn, fh)
		if err != nil {
			return false, err
		}
		s.dispatcher.Ack(pkt.PacketID)
		return false, nil
	case encoding.PUBCOMP:
		pkt, err := encoding.ParsePubcompPacket(s.conn, fh)
		if err != nil {
			return false, err
		}
		s.dispatcher.Ack(pkt.PacketID)
		return false, nil
	case encoding.SUBSCRIBE:
		return false, s.handleSubscribe(ctx, fh)
	case encoding.UNSUBSCRIBE:
		return false, s.handleUnsubscribe(ctx, fh)
	case encoding.PINGREQ:
		if _, err := encoding.ParsePingreqPacket(fh); err != nil {
			return false, err
		}
		return false, s.SendPacket(&encoding.PingrespPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.PINGRESP},
		})
	case encoding.DISCONNECT:
		if _, err := encoding.ParseDisconnectPacket(s.conn, fh); err != nil {
			return false, err
		}
		s.clean.Store(true)
		s.log.Info("client disconnected", "client", s.clientID)
		return true, nil
	default:
		// CONNECT twice, or a server-to-client type from a client.
		return false, errProtocolViolation
	}
}

func (s *Session) handlePublish(ctx context.Context, fh *encoding.FixedHeader) error {
	pkt, err := encoding.ParsePublishPacket(s.conn, fh)
	if err != nil {
		return err
	}

	if err := topic.ValidateName(pkt.TopicName); err != nil {
		return err
	}

	msg := &storage.Message{
		Topic:    pkt.TopicName,
		Payload:  pkt.Payload,
		QoS:      byte(fh.QoS),
		Retain:   fh.Retain,
		PacketID: pkt.PacketID,
	}

	// Persist before any acknowledgement so the flow survives the handler.
	if err := s.repo.SaveMessage(ctx, msg); err != nil {
		return err
	}

	switch fh.QoS {
	case encoding.QoS0:
		return s.dispatcher.Enqueue(msg)

	case encoding.QoS1:
		ack := &encoding.PubackPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.PUBACK},
			PacketID:    pkt.PacketID,
			ReasonCode:  encoding.ReasonSuccess,
		}
		if err := s.SendPacket(ack); err != nil {
			return err
		}
		return s.dispatcher.Enqueue(msg)

	default:
		// QoS 2: hold the message until PUBREL releases it.
		s.pendingRelease[pkt.PacketID] = struct{}{}
		return s.SendPacket(&encoding.PubrecPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.PUBREC},
			PacketID:    pkt.PacketID,
			ReasonCode:  encoding.ReasonSuccess,
		})
	}
}

func (s *Session) handlePubrel(ctx context.Context, fh *encoding.FixedHeader) error {
	pkt, err := encoding.ParsePubrelPacket(s.conn, fh)
	if err != nil {
		return err
	}

	_, awaiting := s.pendingRelease[pkt.PacketID]
	delete(s.pendingRelease, pkt.PacketID)

	// A duplicate PUBREL still gets its PUBCOMP, but the message is not
	// dispatched a second time.
	comp := &encoding.PubcompPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBCOMP},
		PacketID:    pkt.PacketID,
		ReasonCode:  encoding.ReasonSuccess,
	}
	if err := s.SendPacket(comp); err != nil {
		return err
	}

	if !awaiting {
		return nil
	}

	msg, err := s.repo.MessageByPacketID(ctx, pkt.PacketID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.dispatcher.Enqueue(msg)
}

func (s *Session) handleSubscribe(ctx context.Context, fh *encoding.FixedHeader) error {
	pkt, err := encoding.ParseSubscribePacket(s.conn, fh)
	if err != nil {
		return err
	}

	codes := make([]encoding.ReasonCode, len(pkt.Subscriptions))
	granted := make([]encoding.Subscription, 0, len(pkt.Subscriptions))

	for i, sub := range pkt.Subscriptions {
		if err := topic.ValidateFilter(sub.TopicFilter); err != nil {
			codes[i] = encoding.ReasonUnspecifiedError
			continue
		}
		if err := s.repo.SaveSubscription(ctx, s.clientID, sub.TopicFilter, byte(sub.QoS)); err != nil {
			codes[i] = encoding.ReasonUnspecifiedError
			continue
		}
		codes[i] = encoding.ReasonCode(sub.QoS)
		granted = append(granted, sub)
	}

	suback := &encoding.SubackPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.SUBACK},
		PacketID:    pkt.PacketID,
		ReasonCodes: codes,
	}
	if err := s.SendPacket(suback); err != nil {
		return err
	}

	// Retained messages matching the new filters go to this client only,
	// with the retain flag left set.
	for _, sub := range granted {
		retained, err := s.repo.RetainedByFilter(ctx, sub.TopicFilter)
		if err != nil {
			s.log.Error("retained lookup failed",
				"client", s.clientID,
				"filter", sub.TopicFilter,
				"error", err)
			continue
		}
		for _, msg := range retained {
			if err := s.dispatcher.EnqueueRetained(msg, s, byte(sub.QoS)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) handleUnsubscribe(ctx context.Context, fh *encoding.FixedHeader) error {
	pkt, err := encoding.ParseUnsubscribePacket(s.conn, fh)
	if err != nil {
		return err
	}

	codes := make([]encoding.ReasonCode, len(pkt.TopicFilters))
	for i, filter := range pkt.TopicFilters {
		switch err := s.repo.RemoveSubscription(ctx, s.clientID, filter); {
		case err == nil:
			codes[i] = encoding.ReasonSuccess
		case errors.Is(err, storage.ErrNotFound):
			codes[i] = encoding.ReasonNoSubscriptionExisted
		default:
			codes[i] = encoding.ReasonUnspecifiedError
		}
	}

	return s.SendPacket(&encoding.UnsubackPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.UNSUBACK},
		PacketID:    pkt.PacketID,
		ReasonCodes: codes,
	})
}

// teardown runs once at the end of Run regardless of how the session ended.
// On broker shutdown the serve context is already canceled by the time the
// read loop unblocks, so the repository cleanup runs detached from it.
func (s *Session) teardown(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	if s.state == StateActive {
		s.state = StateClosed
		s.stat.ActiveConnections.Dec()
		s.registry.Deregister(s)

		if !s.clean.Load() {
			s.publishWill(ctx)
		}
		if s.cleanSession {
			if err := s.repo.RemoveAllSubscriptions(ctx, s.clientID); err != nil {
				s.log.Error("subscription cleanup failed", "client", s.clientID, "error", err)
			}
		}
		if err := s.repo.UpdateDisconnectTime(ctx, s.clientID); err != nil {
			s.log.Error("disconnect time update failed", "client", s.clientID, "error", err)
		}
	}
	s.conn.Close()
}

// publishWill turns the stored will into a regular message and dispatches
// it. Runs only on abnormal teardown.
func (s *Session) publishWill(ctx context.Context) {
	will, err := s.repo.RetrieveWill(ctx, s.clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Error("will lookup failed", "client", s.clientID, "error", err)
		}
		return
	}

	msg := &storage.Message{
		Topic:   will.Topic,
		Payload: will.Payload,
		QoS:     will.QoS,
		Retain:  will.Retain,
	}
	if err := s.repo.SaveMessage(ctx, msg); err != nil {
		s.log.Error("will persist failed", "client", s.clientID, "error", err)
		return
	}
	if err := s.dispatcher.Enqueue(msg); err != nil {
		return
	}
	if err := s.repo.RemoveWill(ctx, s.clientID); err != nil {
		s.log.Error("will cleanup failed", "client", s.clientID, "error", err)
	}

	s.stat.WillsDispatched.Inc()
	s.log.Info("will published", "client", s.clientID, "topic", will.Topic)
}
