package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pawhaven/pawchat"
	"go.uber.org/zap"
)

const defaultBaseURL = "http://localhost:5000"

// session bundles everything a command needs to talk to the service.
type session struct {
	cfg    *Config
	logger *zap.Logger
	store  pawchat.Store
	chat   *pawchat.Chat
	close  func()
}

// openSession resolves the config, opens the device store and builds the
// chat facade. The caller must call close.
func openSession(ctx context.Context, metrics *pawchat.Metrics) (*session, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg.Default.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Sync()
		return nil, err
	}

	policy, err := cachePolicy(cfg)
	if err != nil {
		closeStore()
		logger.Sync()
		return nil, err
	}

	baseURL := valueOrDefault(cfg.Default.BaseURL, defaultBaseURL)
	clientOpts := []pawchat.ClientOption{pawchat.WithLogger(logger)}
	if cfg.Auth.Token != "" {
		clientOpts = append(clientOpts, pawchat.WithToken(cfg.Auth.Token))
	} else {
		clientOpts = append(clientOpts, pawchat.WithTokenSource(pawchat.StoreTokenSource(store)))
	}
	if metrics != nil {
		clientOpts = append(clientOpts, pawchat.WithMetrics(metrics))
	}
	client := pawchat.NewClient(baseURL, clientOpts...)

	chatOpts := []pawchat.ChatOption{
		pawchat.WithChatLogger(logger),
		pawchat.WithChatCachePolicy(policy),
	}
	if metrics != nil {
		chatOpts = append(chatOpts, pawchat.WithChatMetrics(metrics))
	}
	if cfg.Default.Transport == "nats" {
		if cfg.Default.NATSURL == "" {
			closeStore()
			logger.Sync()
			return nil, fmt.Errorf("transport is nats but default.nats_url is not set")
		}
		t := pawchat.NewNATSTransport(cfg.Default.NATSURL)
		t.Logger = logger
		chatOpts = append(chatOpts, pawchat.WithTransport(t))
	}

	chat := pawchat.NewChat(client, store, chatOpts...)
	return &session{
		cfg:    cfg,
		logger: logger,
		store:  store,
		chat:   chat,
		close: func() {
			chat.Close()
			closeStore()
			logger.Sync()
		},
	}, nil
}

// openStore opens the configured device store. The returned func releases it.
func openStore(ctx context.Context, cfg *Config) (pawchat.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		return pawchat.NewMemoryStore(), func() {}, nil
	case "redis":
		addr := valueOrDefault(cfg.Storage.RedisAddr, "localhost:6379")
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		store, err := pawchat.NewRedisStore(rctx, pawchat.RedisStoreConfig{
			Addr:   addr,
			DB:     cfg.Storage.RedisDB,
			Prefix: valueOrDefault(cfg.Storage.RedisPrefix, "pawchat:"),
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "", "file":
		path := cfg.Storage.Path
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "state.json")
		}
		store, err := pawchat.NewFileStore(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func cachePolicy(cfg *Config) (pawchat.CachePolicy, error) {
	p := pawchat.CachePolicy{MaxMessagesPerConversation: cfg.Cache.MaxMessages}
	if cfg.Cache.MaxAge != "" {
		d, err := time.ParseDuration(cfg.Cache.MaxAge)
		if err != nil {
			return p, fmt.Errorf("cache.max_age: %w", err)
		}
		p.MaxAge = d
	}
	return p, nil
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
