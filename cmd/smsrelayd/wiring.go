package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/smsrelay/internal/oplog"
	"github.com/MarkoPoloResearchLab/smsrelay/internal/store/document"
	"github.com/MarkoPoloResearchLab/smsrelay/internal/store/filestore"
	"github.com/MarkoPoloResearchLab/smsrelay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/smsrelay/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/smsrelay/internal/store/redisstore"
	"github.com/MarkoPoloResearchLab/smsrelay/pkg/relay"
	"go.uber.org/zap"
)

const (
	backendFile  = "file"
	backendGorm  = "gorm"
	backendPgx   = "pgx"
	backendRedis = "redis"
)

type ledgerStore struct {
	store relay.Store
	probe func(ctx context.Context) error
	close func() error
}

func openLedgerStore(ctx context.Context, cfg *runtimeConfig) (ledgerStore, error) {
	backend, closeFn, err := openBackend(ctx, cfg)
	if err != nil {
		return ledgerStore{}, err
	}
	store, err := document.New(backend)
	if err != nil {
		_ = closeFn()
		return ledgerStore{}, err
	}
	return ledgerStore{
		store: store,
		probe: func(ctx context.Context) error {
			_, err := backend.Load(ctx)
			return err
		},
		close: closeFn,
	}, nil
}

func openBackend(ctx context.Context, cfg *runtimeConfig) (document.Backend, func() error, error) {
	noop := func() error { return nil }
	switch cfg.StoreBackend {
	case backendFile:
		backend, err := filestore.New(cfg.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("file store: %w", err)
		}
		return backend, noop, nil
	case backendGorm:
		db, cleanup, driver, err := gormstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		backend := gormstore.New(db, cfg.DocumentID)
		if err := backend.Migrate(ctx); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("%s migrate: %w", driver, err)
		}
		return backend, cleanup, nil
	case backendPgx:
		pool, err := pgstore.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		backend := pgstore.New(pool, cfg.DocumentID)
		if err := backend.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		return backend, func() error { pool.Close(); return nil }, nil
	case backendRedis:
		client := redisstore.NewClient(cfg.Redis)
		backend := redisstore.New(client, cfg.Redis.Key)
		if err := backend.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return backend, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

func newRelayService(cfg *runtimeConfig, store relay.Store, carrier relay.Carrier, logger *zap.Logger, now func() time.Time) (*relay.Service, error) {
	pricing, err := relay.NewPricing(cfg.SurchargeSenders, cfg.SenderSurcharge)
	if err != nil {
		return nil, err
	}
	normalizer, err := relay.NewNormalizer(relay.PhoneRegime(cfg.PhoneRegime), cfg.CountryCode)
	if err != nil {
		return nil, err
	}
	service, err := relay.NewService(store, carrier, now,
		relay.WithPricing(pricing),
		relay.WithNormalizer(normalizer),
		relay.WithDispatchLimits(cfg.DispatchConcurrency, cfg.DispatchRate),
		relay.WithSingleSendDeduction(cfg.DeductSingleSend),
		relay.WithOperationLogger(oplog.New(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("relay service init: %w", err)
	}
	return service, nil
}
