package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buyme-realtime/internal/api/handlers"
	"buyme-realtime/internal/config"
	"buyme-realtime/internal/domain"
	"buyme-realtime/internal/infrastructure/httpfrag"
	redistransport "buyme-realtime/internal/infrastructure/redis"
	wstransport "buyme-realtime/internal/infrastructure/websocket"
	"buyme-realtime/internal/services"
	"buyme-realtime/pkg/logger"

	redisClient "github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
)

func main() {
	log := logger.New()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log.Info("Starting live client", "config", cfg.GetConfigString())

	transport, err := buildTransport(cfg, log)
	if err != nil {
		log.Error("Failed to build transport", "error", err)
		os.Exit(1)
	}

	fragments := httpfrag.NewFetcher(cfg.Fragments.BaseURL, log)
	defer fragments.Close()

	client, err := services.NewClient(cfg, transport, fragments, clockwork.NewRealClock(), log)
	if err != nil {
		log.Error("Failed to build client", "error", err)
		os.Exit(1)
	}

	client.OnStateChange(func(oldState, newState domain.ConnectionState) {
		log.Info("Connectivity changed", "from", oldState.String(), "to", newState.String())
	})
	client.OnDelta(func(delta *domain.StateDelta) {
		log.Info("Auction updated", "auction_id", delta.AuctionID,
			"fields", delta.Fields, "current_price", delta.State.CurrentPrice,
			"status", delta.State.Status.String())
	})
	client.OnFragment(func(auctionID, html string) {
		log.Info("Questions fragment refreshed", "auction_id", auctionID, "bytes", len(html))
	})
	client.Notifications().OnVisible(func(n domain.Notification) {
		log.Info("Notification", "severity", string(n.Severity), "title", n.Title,
			"message", n.Message, "link", n.Link)
	})
	client.Notifications().OnRemoved(func(n domain.Notification, status domain.NotificationStatus) {
		log.Debug("Notification removed", "title", n.Title, "status", status.String())
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		log.Error("Failed to start client", "error", err)
		os.Exit(1)
	}

	for _, auctionID := range cfg.Auction.Watch {
		err := client.WatchAuction(ctx, domain.AuctionState{
			AuctionID: auctionID,
			Increment: cfg.Auction.DefaultIncrement,
		})
		if err != nil {
			log.Warn("Failed to watch auction", "auction_id", auctionID, "error", err)
		}
	}

	// Local status endpoint
	router := mux.NewRouter()
	statusHandler := handlers.NewStatusHandler(client, log)
	statusHandler.RegisterRoutes(router)

	statusServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Status.Host, cfg.Status.Port),
		Handler: router,
	}
	go func() {
		log.Info("Status server listening", "addr", statusServer.Addr)
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Status server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	statusServer.Shutdown(shutdownCtx)

	if err := client.Close(); err != nil {
		log.Warn("Close returned error", "error", err)
	}
}

func buildTransport(cfg *config.Config, log logger.Logger) (domain.Transport, error) {
	switch cfg.Transport.Kind {
	case "redis":
		rdb := redisClient.NewClient(&redisClient.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return redistransport.NewTransport(rdb, cfg.Redis.EventChannel, cfg.Redis.CommandChannel, log), nil
	case "websocket", "":
		return wstransport.NewTransport(cfg.Transport.URL, log), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}
