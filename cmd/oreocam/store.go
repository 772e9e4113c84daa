package main

import (
	"context"
	"fmt"

	"oreocam/native/internal/config"
	"oreocam/native/internal/domain"
	"oreocam/native/internal/signal"
	"oreocam/native/internal/store/memstore"
	"oreocam/native/internal/store/redisstore"

	"github.com/rs/zerolog/log"
)

// openStore returns the signaling store a peer talks to.
func openStore(ctx context.Context, cfg *config.Config) (domain.Store, func(), error) {
	switch cfg.Store {
	case config.StoreRelay:
		c := signal.NewClient(cfg.RelayURL, cfg.PingPeriod)
		if err := c.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect relay: %w", err)
		}
		return c, c.Close, nil
	case config.StoreRedis:
		return openRedis(ctx, cfg)
	default:
		log.Warn().Str("module", "main").Msg("memory store is private to this process; the peer will never see the room")
		return memstore.New(), func() {}, nil
	}
}

// openBackend returns the store the relay serves: Redis when configured,
// memory otherwise.
func openBackend(ctx context.Context, cfg *config.Config) (domain.Store, func(), error) {
	if cfg.Store == config.StoreRedis {
		return openRedis(ctx, cfg)
	}
	return memstore.New(), func() {}, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (domain.Store, func(), error) {
	s, err := redisstore.Connect(ctx, redisstore.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.RedisPrefix,
		TTL:      cfg.RoomTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}
