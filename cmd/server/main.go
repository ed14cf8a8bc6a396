package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"roomchat/internal/chat"
	"roomchat/internal/config"
	"roomchat/internal/db"
	"roomchat/internal/logger"
	authmw "roomchat/internal/middleware"
	"roomchat/internal/response"
	"roomchat/internal/user"
)

func main() {
	addr := flag.String("addr", "", "http service address (overrides config)")
	configDir := flag.String("config", "", "directory holding config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		l := logger.L()
		l.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger.Init(cfg.Log)
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	database, err := db.NewDatabase(ctx, cfg.Database.DSN, db.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer database.Close()
	log.Info().Msg("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	if cfg.Database.SeedRooms {
		n, err := database.SeedRooms(ctx, db.DefaultRooms)
		if err != nil {
			return err
		}
		log.Info().Int("created", n).Msg("default rooms seeded")
	}

	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to Redis")
	}

	broker, err := newBroker(cfg, redisClient, log)
	if err != nil {
		return err
	}
	if c, ok := broker.(io.Closer); ok {
		defer c.Close()
	}

	userService := user.NewService(user.NewRepository(database.Conn), user.Options{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		TokenTTL: cfg.Auth.TokenTTL,
	})
	userHandler := user.NewHandler(userService)

	bridgeOpts := chat.BridgeOptions{Timeout: cfg.Chat.PersistTimeout}
	if cfg.Chat.HistoryCache {
		bridgeOpts.Cache = chat.NewRedisHistoryCache(redisClient, cfg.Redis.Prefix, cfg.Chat.HistoryLimit, cfg.Chat.HistoryCacheTTL)
	}
	bridge := chat.NewBridge(chat.NewRepository(database.Conn), bridgeOpts, log)

	gatewayOpts := chat.GatewayOptions{HistoryLimit: cfg.Chat.HistoryLimit}
	if cfg.Broker.Kind != config.BrokerMemory {
		gatewayOpts.Counter = chat.NewRedisCounter(redisClient, cfg.Redis.Prefix, 0)
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := chat.NewHub(log)
	go hub.Run(hubCtx)

	gateway := chat.NewGateway(hub, broker, bridge, gatewayOpts, log)
	sub, err := gateway.Start(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	chatHandler := chat.NewHandler(hubCtx, gateway, userService, chat.HandlerOptions{
		Conn: chat.ConnConfig{
			WriteWait:      cfg.WebSocket.WriteWait,
			PongWait:       cfg.WebSocket.PongWait,
			PingInterval:   cfg.WebSocket.PingInterval,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			SendBuffer:     cfg.WebSocket.SendBuffer,
		},
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, log)
	roomHandler := chat.NewRoomHandler(gateway)
	authMiddleware := authmw.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(logger.Middleware(log))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		stats, err := hub.Stats()
		if err != nil {
			response.Error(w, r, http.StatusServiceUnavailable, response.CodeUnavailable, err.Error())
			return
		}
		response.JSON(w, r, http.StatusOK, map[string]any{"status": "ok", "connections": stats})
	})
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// The socket handler checks the credential itself so a rejected
	// handshake never reaches the upgrader.
	r.Get("/ws", chatHandler.ServeWs)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Route("/api/rooms", roomHandler.Routes)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("broker", cfg.Broker.Kind).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	// Closing the hub hangs up every websocket, which Shutdown does not track.
	stopHub()
	if werr := gateway.Wait(shutdownCtx); werr != nil {
		log.Warn().Err(werr).Msg("sessions still disconnecting")
	}
	return err
}

func newBroker(cfg *config.Config, redisClient *redis.Client, log zerolog.Logger) (chat.Broker, error) {
	switch cfg.Broker.Kind {
	case config.BrokerRedis:
		return chat.NewRedisBroker(redisClient, cfg.Redis.Prefix, log), nil
	case config.BrokerNATS:
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Log.Service),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("nats disconnected")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
			}),
		)
		if err != nil {
			return nil, err
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("connected to NATS")
		return chat.NewNATSBroker(nc, cfg.Redis.Prefix, log), nil
	default:
		return chat.NewMemoryBroker(), nil
	}
}
