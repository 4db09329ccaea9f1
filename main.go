// main.go - Entry point
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := LoadConfig()
	slog.Info("starting ticketgate", "config", cfg.Redacted())

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})

	store := NewStore(rdb)
	seats := NewRedisSeatStore(rdb)
	tokens := NewTokenService(store, cfg.TokenSecret, cfg.TokenTTL)
	registry := NewConnRegistry()
	admission := NewAdmissionService(store, seats, tokens, registry, cfg.InstanceID, int64(cfg.DefaultCapacity))
	locks := NewLockService(store, seats, cfg.SeatLockTTL)

	var notifier Notifier
	if cfg.PNPublishKey != "" && cfg.PNSubscribeKey != "" {
		var err error
		notifier, err = NewPubNubNotifier(&PubNubConfig{
			PublishKey:   cfg.PNPublishKey,
			SubscribeKey: cfg.PNSubscribeKey,
			SecretKey:    cfg.PNSecretKey,
			UUIDKey:      cfg.PNUUIDKey,
			UUIDSubKey:   cfg.PNUUIDSubKey,
		})
		if err != nil {
			log.Fatal("PubNub setup failed:", err)
		}
	} else {
		notifier = NewLogNotifier()
	}

	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	scheduler := NewTaskScheduler(asynqClient)

	promoter := NewPromoter(store, int64(cfg.PromoteBatch))
	sweeper := NewSweeper(store)
	dispatcher := NewDispatcher(store, registry, tokens, scheduler, cfg.InstanceID)
	pusher := NewStatusPusher(registry, store, cfg.RankInterval, cfg.HeartbeatInterval)
	expiry := NewExpiryListener(store, seats)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go startAsynqServer(redisOpt, NewTaskHandlers(promoter, sweeper, notifier))
	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			log.Fatal("Entry dispatcher failed to start:", err)
		}
	}()
	go pusher.Run(ctx)
	go expiry.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	handlers := &Handlers{
		admission: admission,
		locks:     locks,
		seats:     seats,
		tokens:    tokens,
		registry:  registry,
		notifier:  notifier,
		scheduler: scheduler,
	}
	setupRoutes(e, handlers, store)

	go func() {
		if err := e.Start(cfg.HTTPAddr()); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start:", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")

	// Close local push connections first so their capacity units and
	// waiting entries settle before the listener stops accepting writes.
	for _, conn := range registry.All() {
		conn.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
}

func setupRoutes(e *echo.Echo, handlers *Handlers, store *Store) {
	api := e.Group("/api/v1")

	// Waiting room
	api.GET("/events/:eventId/waiting-room", handlers.WaitingRoom)
	api.GET("/events/:eventId/queue/status", handlers.GetQueueStatus)

	// Seat selection and purchase
	api.POST("/events/:eventId/seats/select", handlers.SelectSeats)
	api.POST("/events/:eventId/seats/release", handlers.ReleaseSeats)
	api.POST("/events/:eventId/book", handlers.Book)
	api.GET("/users/me/seats", handlers.HeldSeats)

	// Notifications
	api.POST("/notify/grant", handlers.GrantNotifyToken)

	// Ops
	api.POST("/events/:eventId/seats", handlers.SeedSeats)
	api.POST("/events/:eventId/queue/clean", handlers.CleanQueue)
	api.GET("/events/:eventId/queue/stats", handlers.QueueStats)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/readyz", func(c echo.Context) error {
		if err := store.Ping(c.Request().Context()); err != nil {
			return c.String(http.StatusServiceUnavailable, "redis unavailable")
		}
		return c.String(http.StatusOK, "ready")
	})
}
