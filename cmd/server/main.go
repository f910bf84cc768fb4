// Command gk-chat-server runs the presence and delivery gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/and161185/goph-chat/internal/config"
	"github.com/and161185/goph-chat/internal/events"
	"github.com/and161185/goph-chat/internal/limiter"
	"github.com/and161185/goph-chat/internal/metrics"
	"github.com/and161185/goph-chat/internal/migrate"
	"github.com/and161185/goph-chat/internal/presence"
	"github.com/and161185/goph-chat/internal/protocol"
	"github.com/and161185/goph-chat/internal/repository"
	"github.com/and161185/goph-chat/internal/repository/badgerstore"
	"github.com/and161185/goph-chat/internal/repository/postgres"
	grpcserver "github.com/and161185/goph-chat/internal/server/grpc"
	"github.com/and161185/goph-chat/internal/server/ws"
	"github.com/and161185/goph-chat/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const shutdownTimeout = 5 * time.Second

// store is what main needs from either backend.
type store interface {
	repository.MessageRepository
	grpcserver.Prober
}

// main loads configuration, opens the store and serves /ws until SIGINT/SIGTERM.
func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Level, cfg.Dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.Store),
	)
	if cfg.JWTKey == "" {
		logger.Warn("no jwt key: handshake is not authenticated (dev)")
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}

	m := metrics.New()

	var pub *events.Publisher
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, "gk-chat-server")
		if err != nil {
			logger.Fatal("nats connect", zap.Error(err))
		}
		defer nc.Close()
		pub = events.NewPublisher(nc, cfg.NATS.Prefix)
		logger.Info("presence events enabled", zap.String("url", cfg.NATS.URL))
	}

	// Core
	codec := protocol.NewCodec(cfg.MaxTextLen)
	hub := ws.NewHub(codec, logger, m)
	opts := []service.Option{
		service.WithMetrics(m),
		service.WithStoreTimeout(cfg.StoreTimeout),
		service.WithTypingLimiter(limiter.NewKeyed(cfg.Typing.Rate, cfg.Typing.Burst, 0)),
	}
	if pub != nil {
		opts = append(opts, service.WithPublisher(pub))
	}
	svc := service.NewDeliveryService(st, presence.NewRegistry(), hub, logger, opts...)
	gw := ws.NewGateway(ws.Config{
		PingInterval:  cfg.Gateway.PingInterval,
		PongTimeout:   cfg.Gateway.PongTimeout,
		WriteTimeout:  cfg.Gateway.WriteTimeout,
		MaxFrameBytes: cfg.Gateway.MaxFrameBytes,
		SendBuffer:    cfg.Gateway.SendBuffer,
		AnyOrigin:     cfg.Dev,
	}, hub, svc, codec, []byte(cfg.JWTKey), logger, m)

	// HTTP
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("/metrics", m.Handler())
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		var err error
		if cfg.TLSEnabled() {
			logger.Info("listening (TLS)", zap.String("addr", cfg.Addr))
			err = httpSrv.ListenAndServeTLS(cfg.TLS.Cert, cfg.TLS.Key)
		} else {
			logger.Info("listening", zap.String("addr", cfg.Addr))
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	// Ops gRPC: health & reflection (dev)
	var ops *grpcserver.Ops
	if cfg.OpsAddr != "" {
		var grpcOpts []grpc.ServerOption
		if cfg.TLSEnabled() {
			creds, err := credentials.NewServerTLSFromFile(cfg.TLS.Cert, cfg.TLS.Key)
			if err != nil {
				logger.Fatal("failed to load TLS cert/key", zap.Error(err))
			}
			grpcOpts = append(grpcOpts, grpc.Creds(creds))
		}
		ops = grpcserver.NewOps(st, cfg.Health.Interval, cfg.Dev, logger, grpcOpts...)
		lis, err := net.Listen("tcp", cfg.OpsAddr)
		if err != nil {
			logger.Fatal("listen ops", zap.Error(err))
		}
		go ops.Watch(ctx)
		go func() {
			logger.Info("ops listening", zap.String("addr", cfg.OpsAddr))
			if err := ops.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("ops: %w", err)
			}
		}()
	}

	// Wait for stop
	exit := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exit = 1
	}

	// graceful shutdown: stop accepting, drop websockets, then the store
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if ops != nil {
		ops.Shutdown(sctx)
	}
	shutdownErr = multierr.Append(shutdownErr, httpSrv.Shutdown(sctx))
	shutdownErr = multierr.Append(shutdownErr, gw.Shutdown(sctx))
	shutdownErr = multierr.Append(shutdownErr, closeStore())
	if shutdownErr != nil {
		logger.Error("shutdown", zap.Error(shutdownErr))
		exit = 1
	}

	logger.Info("shutdown complete")
	if exit != 0 {
		_ = logger.Sync()
		os.Exit(exit)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, func() error, error) {
	switch cfg.Store {
	case "badger":
		bs, err := badgerstore.Open(cfg.BadgerPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return bs, bs.Close, nil
	default:
		if err := migrate.Up(ctx, cfg.DSN, logger); err != nil {
			return nil, nil, fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pgStore{postgres.NewMessageRepo(db), db}, func() error { db.Close(); return nil }, nil
	}
}

// pgStore pairs the message repo with its pool for health probing.
type pgStore struct {
	*postgres.MessageRepo
	db *postgres.DB
}

func (s pgStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }
