package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/groupchat/internal/broadcast"
	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/config"
	"github.com/whisper/groupchat/internal/lobby"
	"github.com/whisper/groupchat/internal/messaging"
	"github.com/whisper/groupchat/internal/moderation"
	"github.com/whisper/groupchat/internal/ratelimit"
	"github.com/whisper/groupchat/internal/registry"
	"github.com/whisper/groupchat/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := cfg.NewLogger()
	if err := run(cfg, log); err != nil {
		log.Error("wsserver exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Redis (store backend and shared rate limiting) ---
	var rdb *redis.Client
	if cfg.StoreBackend == config.BackendRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
	}

	// --- Message store ---
	opts := chat.Options{Retention: cfg.Retention, HistoryLimit: cfg.HistoryLimit}
	var store chat.Store
	switch cfg.StoreBackend {
	case config.BackendBadger:
		bs, err := chat.OpenBadgerStore(cfg.BadgerPath, opts)
		if err != nil {
			return err
		}
		store = bs
	default:
		// The store owns rdb and closes it.
		store = chat.NewRedisStore(rdb, opts)
	}
	defer store.Close()

	sweeper, err := chat.NewSweeper(store, cfg.SweepCron, log)
	if err != nil {
		return err
	}
	go sweeper.Run(ctx)

	// --- Rate limiting ---
	var limiter ratelimit.Limiter
	switch {
	case cfg.PostRateLimit == 0:
	case rdb != nil:
		limiter = ratelimit.NewRedisLimiter(rdb, log)
	default:
		limiter = ratelimit.NewLocalLimiter()
	}

	// --- Moderation events (optional) ---
	var publisher moderation.Publisher
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "groupchat-wsserver"
		natsClient, err := messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		publisher = natsClient
	}

	var screen *moderation.Screen
	if cfg.SpamFilter {
		screen = moderation.NewScreen()
	}

	// --- Engine ---
	out := broadcast.NewDispatcher(log)
	engine := lobby.New(lobby.Deps{
		Store:      store,
		Registry:   registry.New(),
		Dispatcher: out,
		Publisher:  publisher,
		Limiter:    limiter,
		PostRule:   ratelimit.Rule{Key: ratelimit.RulePost.Key, Limit: cfg.PostRateLimit, Window: cfg.PostRateWindow},
		Policy:     moderation.Policy{Threshold: cfg.ReportThreshold, Delay: cfg.RemovalDelay},
		Screen:     screen,
		Logger:     log,
	})
	defer engine.Close()

	// --- Transport ---
	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		SendQueueSize:  cfg.SendQueueSize,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}

	dispatcher := ws.NewMessageDispatcher(nil, log)
	dispatcher.Register(func(conn *ws.Connection, msgType string, msg interface{}) {
		engine.Handle(ctx, conn.ID, msgType, msg)
	}, lobby.HandledTypes()...)

	server := ws.NewServer(serverConfig, log, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	out.SetTransport(server)

	server.SetOnConnect(func(connID string) {
		engine.Connect(ctx, connID, func() { server.Activate(connID) })
	})
	server.SetOnDisconnect(engine.Disconnect)

	log.Info("groupchat server starting",
		"listen_addr", cfg.ListenAddr,
		"store_backend", cfg.StoreBackend,
		"worker_pool", cfg.WorkerPoolSize,
		"max_connections", cfg.MaxConnections,
		"retention", cfg.Retention,
		"removal_delay", cfg.RemovalDelay,
		"report_threshold", cfg.ReportThreshold,
		"nats", cfg.NATSURL != "",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received", "pending_removals", engine.PendingRemovals())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", "error", err)
	}
	if err := <-errCh; err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
