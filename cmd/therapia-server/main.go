package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"therapia/backend/internal/availability"
	"therapia/backend/internal/config"
	"therapia/backend/internal/events"
	"therapia/backend/internal/metrics"
	"therapia/backend/internal/ops"
	"therapia/backend/internal/presence"
	"therapia/backend/internal/service/bookings"
	"therapia/backend/internal/service/feedback"
	"therapia/backend/internal/service/schedule"
	"therapia/backend/internal/store"
	"therapia/backend/internal/store/memory"
	"therapia/backend/internal/store/postgres"
	grpcTransport "therapia/backend/internal/transport/grpc"
)

type repository interface {
	store.BookingRepository
	store.FeedbackRepository
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "therapia-server"),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", "therapia-server"),
	)
	slog.SetDefault(log)

	grpcAddr := net.JoinHostPort(cfg.GRPCHost, strconv.Itoa(cfg.GRPCPort))
	log.Info("starting",
		slog.String("grpc_addr", grpcAddr),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("storage", cfg.StorageDriver),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()
	checks := map[string]ops.Check{}

	var repo repository
	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		log.Warn("using in-memory storage; data is lost on restart")
		repo = memory.New()
	default:
		log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
			ConnectTimeout:  cfg.DBConnectTimeout,
		})
		if err != nil {
			args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
			log.Error("database connection failed", args...)
			os.Exit(1)
		}
		defer func() {
			if err := postgres.Close(db); err != nil {
				log.Warn("database close failed", slog.Any("err", err))
			}
		}()

		if cfg.MigrationsDir != "" {
			applied, err := postgres.ApplyMigrations(ctx, db, cfg.MigrationsDir)
			if err != nil {
				log.Error("database migration failed", slog.Any("err", err), slog.String("dir", cfg.MigrationsDir))
				os.Exit(1)
			}
			log.Info("database migrations applied", slog.String("dir", cfg.MigrationsDir), slog.Int("applied", applied))
		}

		pg := postgres.NewRepo(db)
		checks["postgres"] = pg.Ping
		repo = pg
	}

	var (
		publisher   events.Publisher = events.Nop{}
		presenceSvc *presence.Store
		bus         *events.RedisBus
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("redis close failed", slog.Any("err", err))
			}
		}()

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis not reachable; live updates degraded", slog.Any("err", err), slog.String("redis_addr", cfg.RedisAddr))
		}
		cancel()

		bus = events.NewRedisBus(rdb)
		publisher = bus
		presenceSvc = presence.NewStore(rdb, cfg.PresenceTTL)
		checks["redis"] = presenceSvc.Ping
	} else {
		log.Info("redis not configured; live updates and presence disabled")
	}

	engine := availability.NewEngine(repo, availability.Config{
		SlotLength: cfg.SlotLength,
		Default: availability.DefaultHours{
			Start:        cfg.DefaultStart,
			End:          cfg.DefaultEnd,
			BreakStart:   cfg.DefaultBreakStart,
			BreakMinutes: cfg.DefaultBreakMinutes,
		},
		Location:     cfg.Location,
		ReadAttempts: cfg.ReadAttempts,
		RetryBackoff: cfg.RetryBackoff,
	})

	services := grpcTransport.Services{
		Availability: engine,
		Bookings: bookings.NewManager(repo, engine,
			bookings.WithPublisher(publisher),
			bookings.WithLogger(log.With(slog.String("component", "bookings"))),
		),
		Schedule: schedule.NewService(repo, engine, publisher, log.With(slog.String("component", "schedule"))),
		Feedback: feedback.NewService(repo, repo),
	}
	if presenceSvc != nil {
		services.Presence = presenceSvc
	}
	if bus != nil {
		services.Events = bus
	}

	unary := []grpc.UnaryServerInterceptor{defaultRequestTimeoutInterceptor(cfg.GRPCRequestTimeout)}
	var streams []grpc.StreamServerInterceptor
	if cfg.RateLimitPerSecond > 0 {
		limiter := grpcTransport.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, log)
		unary = append([]grpc.UnaryServerInterceptor{limiter.UnaryInterceptor()}, unary...)
		streams = append(streams, limiter.StreamInterceptor())
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(streams...),
	)
	grpcTransport.RegisterSchedulingService(grpcServer, grpcTransport.NewSchedulingServer(services, log))

	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", grpcAddr))
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	log.Info("grpc server started", slog.String("grpc_addr", grpcAddr))

	if cfg.HTTPAddr != "" {
		opsServer := ops.NewServer(checks, log.With(slog.String("component", "ops")))
		go func() {
			if err := opsServer.Run(ctx, cfg.HTTPAddr); err != nil {
				log.Error("ops server stopped with error", slog.Any("err", err), slog.String("http_addr", cfg.HTTPAddr))
			}
		}()
		log.Info("ops server started", slog.String("http_addr", cfg.HTTPAddr))
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdown(log, grpcServer, cfg.ShutdownTimeout)
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("grpc server stopped with error", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

func defaultRequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

// shutdown drains in-flight RPCs. WatchBookings streams end when their clients go away or the timer fires.
func shutdown(log *slog.Logger, s *grpc.Server, timeout time.Duration) {
	log.Info("shutting down grpc server", slog.Duration("timeout", timeout))

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-timer.C:
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
