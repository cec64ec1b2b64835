package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Yug2op/SkillExchange-sub001/internal/ban"
	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/config"
	"github.com/Yug2op/SkillExchange-sub001/internal/hub"
	"github.com/Yug2op/SkillExchange-sub001/internal/log"
	"github.com/Yug2op/SkillExchange-sub001/internal/messaging"
	"github.com/Yug2op/SkillExchange-sub001/internal/moderation"
	"github.com/Yug2op/SkillExchange-sub001/internal/presence"
	"github.com/Yug2op/SkillExchange-sub001/internal/protocol"
	"github.com/Yug2op/SkillExchange-sub001/internal/ratelimit"
	"github.com/Yug2op/SkillExchange-sub001/internal/store/memory"
	"github.com/Yug2op/SkillExchange-sub001/internal/store/postgres"
	"github.com/Yug2op/SkillExchange-sub001/internal/ws"
)

// handleTimeout bounds the storage and Redis work of one client event.
const handleTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket chat server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("migrate", false, "apply database migrations before serving")
	serveCmd.Flags().StringSlice("chat", nil, "seed the memory store with a chat, as id:userA:userB (repeatable)")
}

// backend holds the storage and the connections to close on exit.
type backend struct {
	storage   chat.Storage
	directory chat.Directory
	db        *sql.DB
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.WithComponent("main")

	runMigrations, _ := cmd.Flags().GetBool("migrate")
	seeds, _ := cmd.Flags().GetStringSlice("chat")

	be, err := openBackend(cmd.Context(), cfg, runMigrations, seeds)
	if err != nil {
		return err
	}
	if be.db != nil {
		defer be.db.Close()
	}

	deps := hub.Deps{
		Storage:       be.storage,
		Directory:     be.directory,
		TypingTimeout: cfg.TypingTimeout,
	}

	filter, err := moderation.NewFilter(cfg.BlockedTerms, cfg.SpamChecks)
	if err != nil {
		return err
	}
	if !filter.Empty() {
		deps.Screen = filter
	}

	// --- Redis ---
	var mirror *presence.RedisMirror
	if cfg.RedisAddr != "" {
		mirror, err = presence.NewRedisMirror(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer mirror.Close()

		rdb := mirror.Client()
		deps.Mirror = mirror
		deps.Directory = chat.NewCachedDirectory(rdb, be.directory)
		deps.Bans = ban.NewStore(rdb)
		if cfg.RateLimitEnabled {
			deps.Limiter = ratelimit.NewLimiter(rdb)
		}
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "chatserver-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()
		deps.Publisher = natsClient
	}

	h := hub.New(deps)
	defer h.Close()

	dispatcher := ws.NewMessageDispatcher()
	for _, msgType := range []string{
		protocol.TypeJoinChat,
		protocol.TypeLeaveChat,
		protocol.TypeTyping,
		protocol.TypeStopTyping,
		protocol.TypeSendMessage,
		protocol.TypeMarkRead,
	} {
		dispatcher.Register(msgType, func(conn *ws.Connection, msg interface{}) {
			ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
			defer cancel()
			if err := h.Handle(ctx, conn.ID(), msg); err != nil {
				connLogger := log.WithConnection("main", conn.ID(), conn.UserID)
				connLogger.Debug().Err(err).Str("chat_id", protocol.ChatID(msg)).Msg("event rejected")
			}
		})
	}

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		SendQueueSize:  cfg.OutboundQueueSize,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}
	server, err := ws.NewServer(serverConfig, h, ws.HeaderAuthenticator, dispatcher.Dispatch)
	if err != nil {
		return err
	}

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("storage", cfg.Storage).
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Str("server_name", cfg.ServerName).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Dur("typing_timeout", cfg.TypingTimeout).
		Msg("chat server starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("shutdown error")
	}
	return <-errCh
}

// openBackend connects the configured storage. The memory store is seeded
// from seeds; the postgres store is optionally migrated first.
func openBackend(ctx context.Context, cfg config.Config, runMigrations bool, seeds []string) (backend, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	switch cfg.Storage {
	case config.StorageMemory:
		store := memory.New()
		for _, seed := range seeds {
			id, a, b, err := parseChatSeed(seed)
			if err != nil {
				return backend{}, err
			}
			if err := store.CreateChat(id, a, b); err != nil {
				return backend{}, fmt.Errorf("seed chat %s: %w", id, err)
			}
		}
		return backend{storage: store, directory: store}, nil

	case config.StoragePostgres:
		if runMigrations {
			if err := postgres.Migrate(cfg.DatabaseURL, postgres.Up); err != nil {
				return backend{}, err
			}
		}
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		db, err := postgres.Open(openCtx, cfg.DatabaseURL)
		if err != nil {
			return backend{}, err
		}
		store := postgres.NewStore(db)
		return backend{storage: store, directory: store, db: db}, nil
	}
	return backend{}, fmt.Errorf("unknown storage %q", cfg.Storage)
}

func parseChatSeed(seed string) (id, userA, userB string, err error) {
	parts := strings.Split(seed, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid chat seed %q (want id:userA:userB)", seed)
	}
	return parts[0], parts[1], parts[2], nil
}
