package broker

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/encoding"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/metrics"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/pkg/logger"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/storage"
)

// Config holds the runtime knobs of the broker.
type Config struct {
	Addr       string
	Workers    int
	QueueSize  int
	AckTimeout time.Duration
}

// DefaultConfig returns the stock broker configuration.
func DefaultConfig() Config {
	return Config{
		Addr:       "127.0.0.1:5000",
		Workers:    DefaultWorkers,
		QueueSize:  DefaultQueueSize,
		AckTimeout: DefaultAckTimeout,
	}
}

// Broker ties the listener, the repository, the registry and the dispatcher
// together. One Serve call runs it to completion.
type Broker struct {
	cfg        Config
	repo       storage.Repository
	registry   *Registry
	dispatcher *Dispatcher
	log        logger.Logger
	stat       *metrics.Stat

	wg sync.WaitGroup
}

// New assembles a broker around an open repository.
func New(cfg Config, repo storage.Repository, log logger.Logger, stat *metrics.Stat) *Broker {
	registry := NewRegistry()
	return &Broker{
		cfg:        cfg,
		repo:       repo,
		registry:   registry,
		dispatcher: NewDispatcher(repo, registry, cfg.Workers, cfg.QueueSize, cfg.AckTimeout, log, stat),
		log:        log,
		stat:       stat,
	}
}

// Registry exposes the connection registry, mainly for tests.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Serve listens on the configured address and accepts clients until the
// context is canceled, then disconnects everyone and drains the dispatcher.
func (b *Broker) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	b.dispatcher.Start(ctx)
	b.log.Info("broker listening", "addr", ln.Addr().String())

	tcpLn := ln.(*net.TCPListener)
	for {
		if ctx.Err() != nil {
			break
		}

		// A short accept deadline keeps the loop responsive to shutdown.
		tcpLn.SetDeadline(time.Now().Add(time.Second))

		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			b.log.Error("accept failed", "error", err)
			continue
		}

		session := NewSession(conn, b.repo, b.registry, b.dispatcher, b.log, b.stat)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			session.Run(ctx)
		}()
	}

	b.shutdownClients()
	b.wg.Wait()
	b.dispatcher.Shutdown()
	b.log.Info("broker stopped")
	return nil
}

// shutdownClients tells every live client the broker is going away, then
// closes their connections.
func (b *Broker) shutdownClients() {
	for _, sink := range b.registry.Snapshot() {
		// A broker-initiated disconnect is a clean one, no will fires.
		if sess, ok := sink.(*Session); ok {
			sess.clean.Store(true)
		}
		sink.SendPacket(&encoding.DisconnectPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.DISCONNECT},
			ReasonCode:  encoding.ReasonNormalDisconnection,
		})
		sink.Close()
	}
}
