package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/dispatchlite/internal/auth"
	"github.com/example/dispatchlite/internal/dispatch/domain"
	"github.com/example/dispatchlite/internal/dispatch/handler"
	"github.com/example/dispatchlite/internal/dispatch/repository"
	dispatchservice "github.com/example/dispatchlite/internal/dispatch/service"
	"github.com/example/dispatchlite/internal/fleet"
	"github.com/example/dispatchlite/internal/notify"
	outboxworker "github.com/example/dispatchlite/internal/outbox"
	"github.com/example/dispatchlite/internal/tracking"
	"github.com/example/dispatchlite/pkg/events"
	"github.com/example/dispatchlite/pkg/observability"
)

type appConfig struct {
	HTTPAddr      string
	PostgresDSN   string
	RedisAddr     string
	NATSURL       string
	JWTSecret     string
	NotifyPrefix  string
	EventsSubject string
	OutboxPoll    time.Duration
	OutboxBatch   int
	OutboxRetry   int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("dispatch-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "dispatch-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("dispatchservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	store := buildStore(redisClient)
	classes := buildFleet(redisClient)
	locator := buildLocator(redisClient)
	notifier := notify.NewNATSNotifier(natsConn, cfg.NotifyPrefix, logger.Named("notify"))
	publisher := events.NewPublisher(natsConn, cfg.EventsSubject)

	svc := dispatchservice.New(store, classes, locator, notifier, publisher, domain.SystemClock{})

	var driverAuth func(http.Handler) http.Handler
	if cfg.JWTSecret != "" {
		driverAuth = auth.Middleware(cfg.JWTSecret, auth.RoleDriver)
	}
	dispatchHTTP := handler.NewHTTP(svc, domain.SystemClock{})

	r := chi.NewRouter()
	r.Mount("/", dispatchHTTP.Router(driverAuth))
	r.Mount("/observability", observability.MetricsRouter())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	go func() {
		logger.Info("dispatch service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func buildStore(redisClient *redis.Client) domain.Store {
	if redisClient == nil {
		return repository.NewMemoryStore()
	}
	return repository.NewRedisStore(redisClient, "")
}

func buildFleet(redisClient *redis.Client) domain.CarClassSource {
	if redisClient == nil {
		return fleet.NewMemoryRegistry("economy", "comfort", "business")
	}
	return fleet.NewRedisRegistry(redisClient, "")
}

func buildLocator(redisClient *redis.Client) domain.DriverLocator {
	if redisClient == nil {
		return tracking.NewMemoryIndex(domain.SystemClock{})
	}
	return tracking.NewRedisIndex(redisClient, "", "")
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PostgresDSN:   firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		NATSURL:       os.Getenv("NATS_URL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		NotifyPrefix:  getenv("NOTIFY_SUBJECT_PREFIX", "driver.notifications"),
		EventsSubject: getenv("EVENTS_SUBJECT", "dispatch.events"),
		OutboxPoll:    time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch:   parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry:   parseIntEnv("OUTBOX_RETRY_MAX", 3),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
