package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	talentbridge "github.com/talentbridge/talentbridge-go"
)

// session bundles a client with the resources it borrowed.
type session struct {
	cfg    *Config
	client *talentbridge.Client
	close  func()
}

// openSession builds a client on the configured token store. reg may be nil.
func openSession(reg prometheus.Registerer) (*session, error) {
	cfg, err := effectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, closeStore, err := tokenStore(cfg)
	if err != nil {
		return nil, err
	}

	opts := []talentbridge.ClientOption{
		talentbridge.WithTokenStore(store),
		talentbridge.WithLogger(logger),
		talentbridge.WithNavigator(talentbridge.NavigatorFunc(func(reason error) {
			fmt.Fprintf(os.Stderr, "Session expired (%v). Run 'talentbridge login' again.\n", reason)
		})),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, talentbridge.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, talentbridge.WithEnvironment(talentbridge.Environment(cfg.Default.Environment)))
	}
	if reg != nil {
		opts = append(opts, talentbridge.WithMetrics(talentbridge.NewMetrics(reg)))
	}

	client := talentbridge.NewClient(opts...)
	return &session{
		cfg:    cfg,
		client: client,
		close: func() {
			client.Close()
			closeStore()
		},
	}, nil
}

func tokenStore(cfg *Config) (talentbridge.TokenStore, func(), error) {
	if cfg.Store.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		logger.Debug("using redis token store", zap.String("addr", cfg.Store.RedisAddr))
		return talentbridge.NewRedisTokenStore(rdb, cfg.Store.RedisKey), func() { _ = rdb.Close() }, nil
	}
	path, err := sessionPath()
	if err != nil {
		return nil, nil, err
	}
	return talentbridge.NewFileTokenStore(path), func() {}, nil
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
