package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/questforge/encounter-server/internal/auth"
	"github.com/questforge/encounter-server/internal/broker"
	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/combat/memstore"
	"github.com/questforge/encounter-server/internal/combat/rules"
	"github.com/questforge/encounter-server/internal/config"
	"github.com/questforge/encounter-server/internal/gateway"
	"github.com/questforge/encounter-server/internal/ratelimit"
	"github.com/questforge/encounter-server/internal/repository"
	"github.com/questforge/encounter-server/internal/seed"
	"github.com/questforge/encounter-server/internal/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	seedPath   = flag.String("seed", "", "roster CSV loaded into the memory store at startup")
	version    = "dev" // set via ldflags during build
)

// encounterStore is what both storage drivers provide.
type encounterStore interface {
	combat.Store
	gateway.Directory
}

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting encounter server",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("storage", cfg.Storage.Driver),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	changes := broker.New(logger)
	defer changes.Close()

	diceSeed := cfg.Engine.DiceSeed
	if diceSeed == 0 {
		diceSeed = time.Now().UnixNano()
	}
	engine := combat.NewEngine(store, logger, combat.Options{
		QueueSize:   cfg.Engine.QueueSize,
		IdleTimeout: cfg.Engine.ActorIdleTimeout,
		UndoDepth:   cfg.Engine.UndoDepth,
		SavePolicy: combat.SavePolicy{
			ResolveWhenAllResponded: cfg.Saves.ResolveWhenAllResponded,
			ExpireAfter:             cfg.Saves.ExpireAfter,
		},
		Roller:    rules.NewRandomRoller(diceSeed),
		Publisher: changes,
	})
	defer engine.Close()
	logger.Info("encounter engine initialized",
		zap.Int("queue_size", cfg.Engine.QueueSize),
		zap.Int("undo_depth", cfg.Engine.UndoDepth),
	)

	limiter, err := ratelimit.New(logger, ratelimit.Options{
		Windows: map[ratelimit.Budget]ratelimit.Window{
			ratelimit.BudgetCombat:   window(cfg.RateLimit.Combat),
			ratelimit.BudgetStandard: window(cfg.RateLimit.Standard),
			ratelimit.BudgetStrict:   window(cfg.RateLimit.Strict),
		},
		PruneThreshold: cfg.RateLimit.PruneThreshold,
	})
	if err != nil {
		logger.Fatal("failed to create rate limiter", zap.Error(err))
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		logger.Fatal("failed to create token verifier", zap.Error(err))
	}

	gw := gateway.New(engine, store, verifier, limiter, logger)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	hub := server.NewHub(changes, cfg.Server.WebSocket, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.HTTP.Address,
		Handler:      server.NewRouter(gw, hub, cfg.Server.WebSocket.Path, logger),
		ReadTimeout:  cfg.Server.HTTP.ReadTimeout,
		WriteTimeout: cfg.Server.HTTP.WriteTimeout,
	}

	grpcServer, healthServer := server.NewGRPCServer(gw, cfg.Server.GRPC, logger)
	lis, err := net.Listen("tcp", cfg.Server.GRPC.Address)
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("starting gRPC server", zap.String("address", cfg.Server.GRPC.Address))
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting HTTP server",
			zap.String("address", cfg.Server.HTTP.Address),
			zap.String("stream_path", cfg.Server.WebSocket.Path),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		logger.Info("shutting down gracefully...")
		healthServer.Shutdown()

		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stop()

		httpErr := httpServer.Shutdown(shutdownCtx)
		stopGRPC(shutdownCtx, grpcServer.GracefulStop, grpcServer.Stop)
		cancel()
		return httpErr
	})

	logger.Info("encounter server initialized",
		zap.String("version", version),
		zap.String("grpc_address", cfg.Server.GRPC.Address),
		zap.String("http_address", cfg.Server.HTTP.Address),
	)

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
	}
	logger.Info("encounter server stopped",
		zap.Int("active_actors", engine.ActiveActors()),
		zap.Int("stream_clients", hub.ClientCount()),
	)
}

// stopGRPC waits for a graceful stop until ctx expires, then forces it.
func stopGRPC(ctx context.Context, graceful, force func()) {
	done := make(chan struct{})
	go func() {
		graceful()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		force()
		<-done
	}
}

func window(w config.WindowConfig) ratelimit.Window {
	return ratelimit.Window{MaxRequests: w.MaxRequests, Period: w.Period}
}

// openStore builds the configured storage driver.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (encounterStore, func(), error) {
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		db, err := repository.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		stats := db.Stats()
		logger.Info("database connection pool initialized",
			zap.Int32("total_conns", stats.TotalConns()),
			zap.Int32("idle_conns", stats.IdleConns()),
		)
		if *seedPath != "" {
			logger.Warn("seed flag ignored for postgres storage; use cmd/seed")
		}
		return repository.NewStore(db), db.Close, nil

	default:
		store := memstore.New()
		if *seedPath != "" {
			roster, err := seed.Load(*seedPath)
			if err != nil {
				return nil, nil, err
			}
			roster.ApplyMemory(store)
			logger.Info("memory store seeded",
				zap.String("roster", *seedPath),
				zap.Int("encounters", len(roster.Encounters)),
				zap.Int("combatants", len(roster.Entries)),
			)
		}
		return store, func() {}, nil
	}
}

// initLogger initializes the zap logger based on configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
