/**
 * @description
 * This is the main entry point for the billing-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection and migrations, the payment gateway client, message broker, Redis,
 * repositories, the core application service, the reconciliation scheduler, and
 * the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Redis client for webhook dedupe.
 * - github.com/robfig/cron/v3: Scheduler for the reconciliation sweep.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/paystackclient: Client for the payment gateway API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/invoza/billing-service/internal/api"
	"github.com/invoza/billing-service/internal/app"
	"github.com/invoza/billing-service/internal/config"
	"github.com/invoza/billing-service/internal/store"
	"github.com/invoza/billing-service/pkg/paystackclient"
	"github.com/invoza/billing-service/pkg/rabbitmq"
)

func main() {
	// Load .env for local development; production relies on real env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.PaystackSecretKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"gateway secret key must be configured\" env=PAYSTACK_SECRET_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting billing-service\" port=%s", cfg.ServerPort)

	// Apply schema migrations before opening the pool.
	if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"migrations applied\"")

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish premium-granted events.
	// Payment finalization must not depend on the broker, so boot continues
	// with a fallback publisher when it is unreachable.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the payment gateway client.
	gatewayClient := paystackclient.NewClient(cfg.PaystackAPIBaseURL, cfg.PaystackSecretKey)

	// Redis is optional: without it, webhook dedupe falls back to the
	// database finalize step, which stays idempotent on its own.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook dedupe cache disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook dedupe cache disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook dedupe cache disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	billingService := app.NewService(
		repository,
		gatewayClient,
		producer,
		cfg.PremiumPlanAmountKobo,
		cfg.PublicBaseURL,
	)
	if redisClient != nil {
		billingService.SetWebhookDedupeCache(app.NewRedisWebhookDedupe(
			redisClient,
			cfg.RedisDedupePrefix,
			time.Duration(cfg.WebhookDedupeTTLMinutes)*time.Minute,
		))
	}

	// Schedule the pending-transaction reconciliation sweep.
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	reconciler := app.NewReconciler(
		billingService,
		slogger.With("component", "reconciler"),
		time.Duration(cfg.ReconcilePendingMinAgeMin)*time.Minute,
		0,
	)
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(slogger.Handler(), slog.LevelInfo))
	scheduler := cron.New(cron.WithChain(cron.Recover(cronLogger)))
	if _, err := scheduler.AddFunc(cfg.ReconcileSweepSchedule, reconciler.SweepPendingTransactions); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid sweep schedule\" schedule=%q err=%v", cfg.ReconcileSweepSchedule, err)
	}
	scheduler.Start()
	log.Printf("level=info component=bootstrap msg=\"reconciliation sweep scheduled\" schedule=%q", cfg.ReconcileSweepSchedule)

	// Initialize the API handlers and router.
	billingHandlers := api.NewBillingHandlers(billingService, cfg.PaystackSecretKey, cfg.AppBaseURL)
	router := api.BillingRoutes(billingHandlers, cfg.AuthJWKSURL, cfg.AppBaseURL)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	// Let an in-flight sweep finish before closing the pool.
	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
