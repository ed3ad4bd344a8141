// Command broker runs the MQTT 5.0 broker.
//
// Configuration is read from broker.yaml in the working directory when
// present, with MQTT_ prefixed environment variables taking precedence
// (MQTT_LISTEN, MQTT_STORAGE_BACKEND, MQTT_LOG_LEVEL and so on).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/broker"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/metrics"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/pkg/logger"
	"github.com/TUIASI-AC-IoT/proiectrcp2024-2024-echipa-18/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "broker:", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()
	v.SetDefault("listen", "127.0.0.1:5000")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.path", "broker.db")
	v.SetDefault("storage.redis_addr", "127.0.0.1:6379")
	v.SetDefault("dispatch.workers", broker.DefaultWorkers)
	v.SetDefault("dispatch.queue_size", broker.DefaultQueueSize)
	v.SetDefault("dispatch.ack_timeout", broker.DefaultAckTimeout)
	v.SetDefault("limits.max_connections", 50)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("log.level", "info")

	v.SetConfigName("broker")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	v.SetEnvPrefix("MQTT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	log := logger.NewSlogLogger(parseLevel(v.GetString("log.level")), os.Stdout)

	limits := storage.DefaultLimits()
	limits.MaxConnections = v.GetInt("limits.max_connections")

	repo, err := openRepository(v, limits)
	if err != nil {
		return err
	}
	defer repo.Close()

	stat := metrics.New()
	stat.Register(prometheus.DefaultRegisterer)

	cfg := broker.Config{
		Addr:       v.GetString("listen"),
		Workers:    v.GetInt("dispatch.workers"),
		QueueSize:  v.GetInt("dispatch.queue_size"),
		AckTimeout: v.GetDuration("dispatch.ack_timeout"),
	}
	b := broker.New(cfg, repo, log, stat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.Serve(ctx)
	})

	if addr := v.GetString("metrics.listen"); addr != "" {
		srv := &http.Server{Addr: addr, Handler: metrics.Handler()}

		g.Go(func() error {
			log.Info("metrics listening", "addr", addr)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// openRepository selects the storage backend from configuration.
func openRepository(v *viper.Viper, limits storage.Limits) (storage.Repository, error) {
	switch backend := v.GetString("storage.backend"); backend {
	case "memory":
		return storage.NewMemoryRepository(limits), nil
	case "pebble":
		return storage.NewPebbleRepository(v.GetString("storage.path"), limits)
	case "redis":
		return storage.NewRedisRepository(storage.RedisConfig{
			Addr:     v.GetString("storage.redis_addr"),
			Password: v.GetString("storage.redis_password"),
			DB:       v.GetInt("storage.redis_db"),
		}, limits)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
