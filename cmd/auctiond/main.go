package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/uuid"

	"github.com/jensholdgaard/auctionhouse/internal/bidding"
	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/config"
	"github.com/jensholdgaard/auctionhouse/internal/eventbus"
	"github.com/jensholdgaard/auctionhouse/internal/gateway"
	"github.com/jensholdgaard/auctionhouse/internal/health"
	"github.com/jensholdgaard/auctionhouse/internal/hotstate"
	"github.com/jensholdgaard/auctionhouse/internal/hub"
	"github.com/jensholdgaard/auctionhouse/internal/leader"
	"github.com/jensholdgaard/auctionhouse/internal/notify"
	"github.com/jensholdgaard/auctionhouse/internal/scheduler"
	"github.com/jensholdgaard/auctionhouse/internal/store"
	"github.com/jensholdgaard/auctionhouse/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/auctionhouse/internal/store/postgres"
)

var version = "dev"

const notificationLagMax = 1000

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}
	replicaID := uuid.Must(uuid.NewV4()).String()

	// Open the authoritative store.
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	// Shared hot state and event bus on the same Redis.
	hot := hotstate.New(cfg.Redis, cfg.Auth.SessionTTL)
	defer hot.Close()
	bus := eventbus.New(hot.Redis(), logger, tp.TracerProvider)

	// Component tree, leaves first.
	rooms := hub.New(repos.Auctions, hot, clk, replicaID, logger, tp.TracerProvider)
	validator := bidding.New(bidding.Config{
		RateLimitCount: cfg.Bidding.RateLimitCount,
		RateWindow:     cfg.Bidding.RateWindow,
		MaxBidAmount:   cfg.Bidding.MaxBidAmount,
		HistoryTail:    cfg.Bidding.HistoryTail,
		ReplicaID:      replicaID,
	}, repos.Auctions, hot, bus, rooms, logger, tp.TracerProvider)
	sched := scheduler.New(scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		ReplicaID:    replicaID,
	}, repos.Auctions, bus, hot, rooms, clk, logger, tp.TracerProvider)
	rooms.OnExpired(sched.EndNow)

	gw := gateway.New(gateway.Config{
		JWTSigningKey: cfg.Auth.JWTSigningKey,
		InflightCap:   cfg.Server.InflightCap,
		WriteBuffer:   cfg.Server.WriteBuffer,
		ReplicaID:     replicaID,
	}, validator, rooms, repos.Auctions, hot, logger, tp.TracerProvider)

	dispatcher := notify.NewDispatcher(bus, bus, replicaID, logger, tp.TracerProvider)
	sink := notify.NewSink(bus, gw, rooms, hot, replicaID, logger, tp.TracerProvider)

	// Health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{Name: "database", Check: repos.Ping},
		health.Checker{Name: "redis", Check: hot.Ping},
		health.LagChecker("notifications", func(ctx context.Context) (int64, error) {
			return bus.Lag(ctx, eventbus.StreamNotifications, "notify-deliver")
		}, notificationLagMax),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())
	mux.Handle("/ws", gw)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background tasks: cross-replica fan-out, event consumers, sweeper.
	go rooms.Run(ctx, hot.Subscribe(ctx))

	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(ctx, "notification dispatcher stopped", slog.Any("error", err))
		}
	}()
	go func() {
		if err := sink.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(ctx, "notification sink stopped", slog.Any("error", err))
		}
	}()
	go func() {
		// Audit trail: every accepted bid lands in the log pipeline.
		err := bus.Consume(ctx, eventbus.StreamBidAudit, "audit-log", replicaID, func(ctx context.Context, id string, data []byte) error {
			var audit eventbus.BidAudit
			if err := json.Unmarshal(data, &audit); err != nil {
				logger.ErrorContext(ctx, "malformed bid audit", slog.String("id", id), slog.Any("error", err))
				return nil
			}
			logger.InfoContext(ctx, "bid audit",
				slog.String("bid_id", audit.BidID),
				slog.String("auction_id", audit.AuctionID),
				slog.String("user_id", audit.UserID),
				slog.Int64("amount", audit.Amount),
			)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(ctx, "audit consumer stopped", slog.Any("error", err))
		}
	}()

	if cfg.LeaderElection.Enabled {
		// The sweep is idempotent, so election only avoids redundant work.
		go func() {
			err := leader.Run(ctx, cfg.LeaderElection, logger, sched.Run, func() {
				logger.Info("lost sweep leadership")
			})
			if err != nil {
				logger.ErrorContext(ctx, "leader election failed, sweeping unconditionally", slog.Any("error", err))
				sched.Run(ctx)
			}
		}()
	} else {
		go sched.Run(ctx)
	}

	go func() {
		logger.InfoContext(ctx, "listening", slog.String("address", cfg.Server.ListenAddress))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
			cancel()
		}
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "auctiond is running",
		slog.String("version", version),
		slog.String("replica_id", replicaID),
	)

	<-ctx.Done()
	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
