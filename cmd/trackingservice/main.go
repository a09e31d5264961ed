package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/dispatchlite/internal/dispatch/domain"
	"github.com/example/dispatchlite/internal/tracking"
	"github.com/example/dispatchlite/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("tracking-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "tracking-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	memory := tracking.NewMemoryIndex(domain.SystemClock{})
	sink := buildSink(ctx, logger, memory)

	go runREST(logger, memory)
	go runGRPC(logger, sink)

	<-ctx.Done()
	logger.Info("shutdown signal received")
}

// multiSink fans position reports out to every backing index.
type multiSink []tracking.PositionSink

func (m multiSink) UpsertPosition(ctx context.Context, driverID uuid.UUID, class domain.CarClass, point domain.GeoPoint, at time.Time) error {
	for _, sink := range m {
		if err := sink.UpsertPosition(ctx, driverID, class, point, at); err != nil {
			return err
		}
	}
	return nil
}

func buildSink(ctx context.Context, logger *zap.Logger, memory *tracking.MemoryIndex) tracking.PositionSink {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return memory
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed, positions stay in memory", zap.Error(err))
		_ = client.Close()
		return memory
	}
	return multiSink{memory, tracking.NewRedisIndex(client, "", "")}
}

func runREST(logger *zap.Logger, index *tracking.MemoryIndex) {
	r := chi.NewRouter()
	r.Get("/v1/positions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(index.All())
	})
	r.Mount("/observability", observability.MetricsRouter())

	srv := &http.Server{Addr: getenv("HTTP_ADDR", ":8081"), Handler: r, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("tracking REST listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("tracking rest server", zap.Error(err))
	}
}

func runGRPC(logger *zap.Logger, sink tracking.PositionSink) {
	lis, err := net.Listen("tcp", getenv("GRPC_ADDR", ":9090"))
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}

	srv := grpc.NewServer()
	tracking.RegisterTrackingServer(srv, tracking.NewServer(sink))
	logger.Info("tracking grpc listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("grpc serve", zap.Error(err))
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
