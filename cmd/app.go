package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/markjakearzadon/pushpay-gateway/internal/cache"
	"github.com/markjakearzadon/pushpay-gateway/internal/config"
	"github.com/markjakearzadon/pushpay-gateway/internal/db"
	"github.com/markjakearzadon/pushpay-gateway/internal/events"
	"github.com/markjakearzadon/pushpay-gateway/internal/mpesa"
	"github.com/markjakearzadon/pushpay-gateway/internal/services"
	"github.com/markjakearzadon/pushpay-gateway/internal/store"
)

// app holds everything the commands share.
type app struct {
	cfg         config.Config
	store       *store.Store
	payments    *services.PaymentService
	idempotency cache.IdempotencyStore
	closer      closer
}

// openMirror connects the configured durable backend.
func openMirror(ctx context.Context, cfg config.Config, c *closer) (store.Mirror, error) {
	switch cfg.StoreBackend {
	case config.BackendMongo:
		client, err := db.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		c.add(func(ctx context.Context) {
			if err := client.Disconnect(ctx); err != nil {
				log.Error().Err(err).Msg("error disconnecting from MongoDB")
			}
		})
		m := store.NewMongoMirror(client, client.Database(cfg.MongoDB))
		if err := m.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return m, nil

	case config.BackendPostgres:
		pool, err := db.ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		c.add(func(context.Context) { pool.Close() })
		m := store.NewPostgresMirror(pool)
		if err := m.Migrate(ctx); err != nil {
			return nil, err
		}
		return m, nil

	default:
		return store.NewFileMirror(cfg.DataDir)
	}
}

// newApp wires storage, provider client, events and services. Redis and
// RabbitMQ are optional: when unreachable the gateway runs without them.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}

	mirror, err := openMirror(ctx, cfg, &a.closer)
	if err != nil {
		a.closer.close(ctx)
		return nil, err
	}
	a.store, err = store.Open(ctx, mirror)
	if err != nil {
		a.closer.close(ctx)
		return nil, err
	}
	log.Info().Str("backend", cfg.StoreBackend).Msg("transaction store loaded")

	var tokens mpesa.TokenCache = mpesa.NewMemoryTokenCache()
	a.idempotency = cache.NewMemoryIdempotencyStore()
	if cfg.RedisAddr != "" {
		rdb, err := db.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using in-process token and idempotency caches")
		} else {
			a.closer.add(func(context.Context) { _ = rdb.Close() })
			tokens = cache.NewRedisTokenCache(rdb, cfg.ConsumerKey)
			a.idempotency = cache.NewRedisIdempotencyStore(rdb)
		}
	}

	var publisher services.EventPublisher
	if cfg.RabbitMQURL != "" {
		conn, ch, err := db.DialRabbitMQ(cfg.RabbitMQURL, cfg.ServiceName)
		if err != nil {
			log.Warn().Err(err).Msg("rabbitmq unavailable, transaction events disabled")
		} else {
			a.closer.add(func(context.Context) {
				_ = ch.Close()
				_ = conn.Close()
			})
			p, err := events.NewRabbitMQPublisher(ch, cfg.EventExchange)
			if err != nil {
				a.closer.close(ctx)
				return nil, fmt.Errorf("event publisher: %w", err)
			}
			publisher = p
		}
	}

	client := mpesa.NewClient(cfg, tokens, mpesa.WithTransport(otelhttp.NewTransport(http.DefaultTransport)))
	reconciler := services.NewReconciler(a.store, publisher)
	a.payments = services.NewPaymentService(cfg, a.store, client, reconciler)
	return a, nil
}
