package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/giovaniif/stock-reservations/domain/reservation"
	"github.com/giovaniif/stock-reservations/infra/config"
	"github.com/giovaniif/stock-reservations/infra/consumers"
	"github.com/giovaniif/stock-reservations/infra/gateways"
	"github.com/giovaniif/stock-reservations/infra/repositories"
	"github.com/giovaniif/stock-reservations/protocols"
	"github.com/giovaniif/stock-reservations/use_cases/availability"
	"github.com/giovaniif/stock-reservations/use_cases/checkout"
	"github.com/giovaniif/stock-reservations/use_cases/commit"
	"github.com/giovaniif/stock-reservations/use_cases/release"
	"github.com/giovaniif/stock-reservations/use_cases/reserve"
	"github.com/giovaniif/stock-reservations/use_cases/sweep"
)

// backends holds the connections shared by the store, the catalog and the
// idempotency gateway.
type backends struct {
	db      *sql.DB
	redis   *redis.Client
	closers []func() error
}

func (b *backends) close(logger zerolog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Warn().Err(err).Msg("close failed")
		}
	}
}

func openBackends(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}
	if cfg.Store == config.StorePostgres || cfg.Catalog == config.CatalogPostgres {
		db, err := repositories.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.db = db
		b.closers = append(b.closers, db.Close)
		if err := repositories.RunMigrations(db); err != nil {
			b.close(logger)
			return nil, err
		}
		logger.Info().Msg("postgres connected, migrations applied")
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			if cfg.Store == config.StoreRedis {
				b.close(logger)
				return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
			}
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping failed, using in-memory idempotency")
		} else {
			b.redis = rdb
			b.closers = append(b.closers, rdb.Close)
		}
	}
	return b, nil
}

func (b *backends) store(cfg config.Config) reservation.Repository {
	switch cfg.Store {
	case config.StorePostgres:
		return repositories.NewReservationRepositoryPostgres(b.db)
	case config.StoreRedis:
		return repositories.NewReservationRepositoryRedis(b.redis)
	default:
		return repositories.NewReservationRepositoryMemory()
	}
}

func (b *backends) catalog(cfg config.Config, logger zerolog.Logger) protocols.Catalog {
	switch cfg.Catalog {
	case config.CatalogHttp:
		return gateways.NewCatalogGatewayHttp(&http.Client{Timeout: cfg.CatalogTimeout}, cfg.CatalogURL, logger)
	case config.CatalogPostgres:
		return gateways.NewCatalogGatewayPostgres(b.db)
	default:
		return gateways.NewCatalogGatewayMemory()
	}
}

func (b *backends) idempotency(cfg config.Config) protocols.IdempotencyGateway {
	if b.redis != nil {
		return gateways.NewIdempotencyGatewayRedis(b.redis, cfg.IdempotencyTTL)
	}
	return gateways.NewIdempotencyGatewayMemory()
}

func (b *backends) healthChecks() []HealthCheck {
	var checks []HealthCheck
	if b.db != nil {
		checks = append(checks, HealthCheck{Name: "postgres", Ping: b.db.PingContext})
	}
	if b.redis != nil {
		rdb := b.redis
		checks = append(checks, HealthCheck{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
	}
	return checks
}

// StartServer wires the engine from cfg and serves until ctx is cancelled. The
// HTTP server, the expiry sweeper and the payment consumer share one errgroup,
// so a failure in any of them stops the others.
func StartServer(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close(logger)

	repository := b.store(cfg)
	catalog := b.catalog(cfg, logger)
	idempotency := b.idempotency(cfg)
	sleeper := gateways.NewSleeper()
	clock := gateways.NewClock()

	var publisher protocols.EventPublisher = gateways.NewEventPublisherLog(logger)
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := gateways.NewEventPublisherKafka(gateways.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaEventsTopic))
		b.closers = append(b.closers, kafkaPublisher.Close)
		publisher = kafkaPublisher
	}

	reserveUseCase := reserve.NewReserve(repository, catalog, publisher, sleeper, clock, reserve.Options{
		MaxAttempts: cfg.ReserveMaxAttempts,
		BaseDelay:   cfg.ReserveBaseDelay,
		DefaultTTL:  cfg.DefaultTTL,
	})
	commitUseCase := commit.NewCommit(repository, catalog, publisher, clock)
	releaseUseCase := release.NewRelease(repository, publisher, clock)
	useCases := UseCases{
		Reserve:      reserveUseCase,
		Commit:       commitUseCase,
		Release:      releaseUseCase,
		Availability: availability.NewAvailability(repository, catalog, clock),
		Checkout:     checkout.NewCheckout(reserveUseCase, commitUseCase, releaseUseCase, repository, idempotency, clock),
	}
	sweeper := sweep.NewSweeper(repository, publisher, clock, sweep.Options{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
	}, logger)

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewRouter(useCases, b.healthChecks(), logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.Store).Str("catalog", cfg.Catalog).Msg("stock reservations listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down http server")
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	if len(cfg.KafkaBrokers) > 0 {
		consumer := consumers.NewPaymentEventsConsumer(
			consumers.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaPaymentsTopic, cfg.KafkaGroupId),
			useCases.Checkout,
			publisher,
			clock,
			logger,
			consumers.Options{},
		)
		b.closers = append(b.closers, consumer.Close)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}
	return g.Wait()
}
