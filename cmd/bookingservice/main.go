package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/ridebook/internal/auth"
	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/booking/handler"
	"github.com/example/ridebook/internal/booking/repository"
	"github.com/example/ridebook/internal/booking/reservation"
	"github.com/example/ridebook/internal/booking/service"
	"github.com/example/ridebook/internal/booking/validation"
	"github.com/example/ridebook/internal/bootstrap"
	"github.com/example/ridebook/internal/config"
	"github.com/example/ridebook/internal/http/middleware"
	"github.com/example/ridebook/internal/janitor"
	"github.com/example/ridebook/pkg/events"
	"github.com/example/ridebook/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}

	logger := observability.SetupLogger("booking-service", cfg.Debug)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "booking-service", cfg.Tracing)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("booking service stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	res, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer res.Close()

	clock := domain.SystemClock{}
	engine := reservation.NewEngine(res.Store, clock, logger, reservation.Config{RetryDelay: cfg.ClaimRetry})
	svc := service.New(service.Deps{
		Engine:      engine,
		Validator:   validation.New(clock, loc),
		Repo:        repository.New(res.Store),
		Idempotency: repository.NewIdempotencyRepo(res.Store),
		Drivers:     res.Drivers,
		Auth:        auth.ContextProvider{},
		Events:      events.NewPublisher(res.NATS, cfg.EventsSubject),
		Clock:       clock,
		Location:    loc,
		Logger:      logger,
	})

	var limiter *middleware.RateLimiter
	if res.Redis != nil {
		limiter = middleware.NewRateLimiter(res.Redis,
			middleware.RateConfig{Rate: cfg.RateRead.RPS, Burst: cfg.RateRead.Burst},
			middleware.RateConfig{Rate: cfg.RateWrite.RPS, Burst: cfg.RateWrite.Burst},
			logger)
	} else {
		logger.Warn("rate limiting disabled, no redis configured")
	}

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(res.Ready))
	r.Mount("/", handler.NewHTTP(svc, logger).Router(auth.Middleware(cfg.JWTSecret), limiter.Middleware))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweeper := janitor.NewSweeper(res.Store, clock, cfg.PendingGrace, logger)
	worker := janitor.NewWorker(sweeper, logger, janitor.WorkerConfig{Interval: cfg.JanitorEvery})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("booking service listening",
			zap.String("addr", srv.Addr), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
