package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cristianortiz/livestockBidding/internal/auction/application"
	auctionhttp "github.com/cristianortiz/livestockBidding/internal/auction/infra/http"
	auctionpg "github.com/cristianortiz/livestockBidding/internal/auction/infra/repository/postgres"
	auctionws "github.com/cristianortiz/livestockBidding/internal/auction/infra/websocket"
	"github.com/cristianortiz/livestockBidding/internal/shared/clock"
	"github.com/cristianortiz/livestockBidding/internal/shared/config"
	"github.com/cristianortiz/livestockBidding/internal/shared/db"
	"github.com/cristianortiz/livestockBidding/internal/shared/db/migrations"
	"github.com/cristianortiz/livestockBidding/internal/shared/httpserver"
	"github.com/cristianortiz/livestockBidding/internal/shared/logger"
	"github.com/cristianortiz/livestockBidding/internal/shared/mq"
	"github.com/cristianortiz/livestockBidding/internal/shared/telemetry"
	"github.com/cristianortiz/livestockBidding/internal/shared/websocket"
	userpg "github.com/cristianortiz/livestockBidding/internal/user/infra/repository/postgres"
	"go.uber.org/zap"
)

func main() {
	// Inicializa logger
	logger := logger.GetLogger()
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("LivestockBidding server failed", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	log.Info("Starting LivestockBidding server...", zap.String("env", cfg.Env), zap.String("version", cfg.Version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Error("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	// Ejecuta migraciones de base de datos
	log.Info("Running database migrations...")
	if err := migrations.RunMigrations(cfg.MigrationsPath, cfg.PostgresDSN()); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("Database migrations completed successfully.")

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN(), db.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	var publisher application.EventPublisher = application.NopPublisher{}
	if cfg.RabbitURL != "" {
		p, err := mq.NewPublisher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			return err
		}
		defer p.Close()
		publisher = p
	} else {
		log.Info("RABBIT_URL not set, outcome events are not published")
	}

	clk := clock.Real{}
	tp := tel.TracerProvider

	auctionRepo := auctionpg.NewAuctionRepository(pool)
	lotRepo := auctionpg.NewLotRepository(pool)
	bidRepo := auctionpg.NewBidRepository(pool)
	userRepo := userpg.NewUserRepository(pool)

	hub := websocket.NewHub(websocket.HubOptions{})
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	outbox := application.NewReconciler(bidRepo, clk, tp, application.ReconcilerOptions{
		QueueSize:  cfg.OutboxSize,
		MaxElapsed: cfg.OutboxMaxElapsed,
	})
	outboxCtx, stopOutbox := context.WithCancel(context.Background())
	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		outbox.Run(outboxCtx)
	}()

	store := application.NewLotStateStore(lotRepo, bidRepo, cfg.RecentBidLimit)
	placeBidUC := application.NewPlaceBidUseCase(store, auctionws.NewRoomBroadcaster(hub), outbox, clk, tp,
		application.PlaceBidOptions{QueueSize: cfg.LotQueueSize})
	finalizeUC := application.NewFinalizeAuctionUseCase(auctionRepo, lotRepo, bidRepo, userRepo, publisher, clk, tp)
	auctionService := application.NewAuctionService(placeBidUC, application.NewGetLotStateUseCase(store), finalizeUC,
		store, outbox, cfg.FinalizeFlushTimeout)

	wsHandler := auctionws.NewAuctionWSHandler(auctionService, hub)
	go wsHandler.ListenForMessages(hubCtx)

	server := httpserver.NewServer(httpserver.Options{
		Hub:   hub,
		Clock: clk,
		Checkers: []httpserver.Checker{
			{Name: "postgres", Check: pool.Ping},
			{Name: "bid_outbox", Check: func(context.Context) error {
				if dead := len(outbox.DeadLetters()); dead > 0 {
					return fmt.Errorf("%d bids pending manual reconciliation", dead)
				}
				return nil
			}},
		},
	})
	auctionhttp.NewAuctionHTTPHandler(auctionService).RegisterRoutes(server.App())
	server.SetReady(true)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(cfg.HTTPAddr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case runErr = <-serveErr:
		log.Error("HTTP server stopped", zap.Error(runErr))
	}

	// stop intake first, then drain what was already accepted
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	placeBidUC.Stop()
	if err := outbox.Flush(shutdownCtx); err != nil {
		log.Error("Pending bid writes not flushed before shutdown",
			zap.Int("pending", outbox.Pending()),
			zap.Error(err),
		)
	}
	stopOutbox()
	<-outboxDone
	for _, d := range outbox.DeadLetters() {
		log.Error("Unreconciled bid",
			zap.String("bidID", d.Bid.ID.String()),
			zap.String("lotID", d.Bid.LotID.String()),
			zap.Float64("amount", d.Bid.Amount),
			zap.String("reason", d.Reason),
		)
	}
	stopHub()
	<-hubDone

	log.Info("LivestockBidding server stopped")
	return runErr
}
