package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	intrnl "pulsechat/internal"
	"pulsechat/internal/metrics"
	"pulsechat/internal/presence"
	"pulsechat/internal/realtime"
	"pulsechat/internal/storage"
)

const (
	shutdownTimeout    = 5 * time.Second
	tokenPurgeInterval = time.Hour
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr      string
	server    *http.Server
	store     *storage.Store
	hub       *realtime.Hub
	redis     *redis.Client
	scheduler gocron.Scheduler
	logger    *zap.Logger

	stopServices context.CancelFunc
	services     <-chan error
	done         chan struct{}
	err          error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server and its background services exit.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations, starts the presence
// services under a supervisor and serves HTTP in the background. Call Stop/Wait
// to manage its lifecycle.
func RunServer(ctx context.Context, cfg *Config, logger *zap.Logger) (*ServerHandle, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Database.Path == "" {
		return nil, errors.New("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	wsPath := NormalizeWSPath(cfg.Server.WSPath)

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	store, err := storage.NewStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	m := metrics.New()
	handle := &ServerHandle{store: store, logger: logger, done: make(chan struct{})}

	var mirror *presence.RedisMirror
	if cfg.Presence.RedisAddr != "" {
		handle.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Presence.RedisAddr,
			Password: cfg.Presence.RedisPassword,
			DB:       cfg.Presence.RedisDB,
		})
		mirror = presence.NewRedisMirror(handle.redis, presence.MirrorOptions{
			Prefix:  cfg.Presence.KeyPrefix,
			Logger:  logger.Named("mirror"),
			Metrics: m,
		})
		resetRedisMirror(mirror, handle.redis, logger)
	}

	presenceOpts := presence.Options{
		Timeout: cfg.Presence.OfflineTimeout,
		Logger:  logger.Named("presence"),
	}
	if mirror != nil {
		presenceOpts.Mirror = mirror
	}
	pres := presence.NewStore(presenceOpts)
	detector := presence.NewDetector(pres, presence.DetectorOptions{
		Interval: cfg.Presence.SweepInterval,
		Timeout:  cfg.Presence.OfflineTimeout,
		Logger:   logger.Named("detector"),
		Metrics:  m,
	})

	handle.hub = realtime.NewHub(store, pres, realtime.HubConfig{
		SendBuffer:   cfg.Session.SendBuffer,
		MessageRate:  cfg.Session.MessageRate,
		MessageBurst: cfg.Session.MessageBurst,
		Logger:       logger.Named("realtime"),
		Metrics:      m,
	})

	sup := suture.New("pulsechat", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn("supervisor event", zap.String("event", e.String()))
		},
		Timeout: shutdownTimeout,
	})
	sup.Add(detector)
	if mirror != nil {
		sup.Add(mirror)
	}
	servicesCtx, stopServices := context.WithCancel(context.Background())
	handle.stopServices = stopServices
	handle.services = sup.ServeBackground(servicesCtx)

	handle.scheduler, err = newScheduler(store, m, logger)
	if err != nil {
		handle.cleanup()
		return nil, err
	}

	server := intrnl.NewServer(intrnl.ServerOptions{
		Store:         store,
		Hub:           handle.hub,
		Presence:      pres,
		Metrics:       m,
		Logger:        logger.Named("http"),
		WSPath:        wsPath,
		TokenTTL:      cfg.Server.TokenTTL,
		AuthRateLimit: cfg.Server.AuthRateLimit,
	})
	handle.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		handle.cleanup()
		return nil, fmt.Errorf("listen: %w", err)
	}
	handle.addr = listener.Addr().String()

	go func() {
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := handle.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", zap.Error(err))
		}
	}()

	go handle.serve(listener)

	logger.Info("server listening",
		zap.String("addr", handle.addr),
		zap.String("ws_path", wsPath),
		zap.Bool("redis_mirror", mirror != nil),
	)
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.cleanup()
	h.err = err
}

// cleanup releases everything RunServer started, in reverse dependency order.
func (h *ServerHandle) cleanup() {
	if h.hub != nil {
		h.hub.Shutdown(realtime.ErrHubClosed)
	}
	if h.stopServices != nil {
		h.stopServices()
		if err := <-h.services; err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Warn("supervisor stopped", zap.Error(err))
		}
	}
	if h.scheduler != nil {
		if err := h.scheduler.Shutdown(); err != nil {
			h.logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}
	if h.redis != nil {
		if err := h.redis.Close(); err != nil {
			h.logger.Warn("redis close error", zap.Error(err))
		}
	}
	if err := h.store.Close(); err != nil {
		h.logger.Warn("store close error", zap.Error(err))
	}
}

// resetRedisMirror clears presence left behind by a previous process. Redis
// being unreachable is not fatal: the mirror's breaker takes over.
func resetRedisMirror(mirror *presence.RedisMirror, client *redis.Client, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, presence mirror degraded", zap.Error(err))
		return
	}
	n, err := mirror.Reset(ctx)
	if err != nil {
		logger.Warn("reset presence mirror", zap.Error(err))
		return
	}
	logger.Info("presence mirror reset", zap.Int("keys", n))
}

// newScheduler starts the periodic maintenance jobs.
func newScheduler(store *storage.Store, m *metrics.Metrics, logger *zap.Logger) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(tokenPurgeInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := store.DeleteExpiredSessions(ctx)
			if err != nil {
				logger.Error("purge expired sessions", zap.Error(err))
				return
			}
			m.SessionsPurged(n)
			if n > 0 {
				logger.Info("purged expired sessions", zap.Int64("count", n))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags("maintenance"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("schedule session purge: %w", err)
	}
	s.Start()
	return s, nil
}
