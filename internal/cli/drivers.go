package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/chatfanout/auth"
	"github.com/ggoodman/chatfanout/bus"
	"github.com/ggoodman/chatfanout/bus/memorybus"
	"github.com/ggoodman/chatfanout/bus/redisbus"
	"github.com/ggoodman/chatfanout/internal/config"
	"github.com/ggoodman/chatfanout/jobqueue"
	"github.com/ggoodman/chatfanout/jobqueue/memorystore"
	"github.com/ggoodman/chatfanout/jobqueue/redisstore"
	"github.com/ggoodman/chatfanout/notify"
	"github.com/ggoodman/chatfanout/presence"
	"github.com/ggoodman/chatfanout/presence/redispresence"
	"github.com/ggoodman/chatfanout/store"
	"github.com/ggoodman/chatfanout/store/gormstore"
	"github.com/ggoodman/chatfanout/store/memstore"
	"github.com/redis/go-redis/v9"
)

const (
	pingTimeout = 3 * time.Second

	// An instance missing presenceTTL worth of heartbeats is presumed dead
	// and its users are released by the next sweep.
	presenceInterval = 10 * time.Second
	presenceTTL      = 3 * presenceInterval
)

// backends are the shared services every instance of the fleet must agree
// on: the event bus, presence, and the job store.
type backends struct {
	driver   string
	bus      bus.Bus
	presence presence.Tracker
	jobs     jobqueue.Store
	close    func() error
}

// openBackends connects the configured driver. In development an
// unreachable Redis falls back to in-process drivers, which only work for a
// single instance.
func openBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backends, error) {
	if cfg.Backend == config.BackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := client.Ping(pctx).Err()
		cancel()
		if err == nil {
			log.InfoContext(ctx, "backend.redis.ok", slog.String("addr", cfg.Redis.Addr()))
			b := redisbus.New(client, redisbus.WithKeyPrefix(cfg.Redis.KeyPrefix), redisbus.WithLogger(log))
			return &backends{
				driver:   config.BackendRedis,
				bus:      b,
				presence: redispresence.New(client, redispresence.WithKeyPrefix(cfg.Redis.KeyPrefix), redispresence.WithTTL(presenceTTL)),
				jobs:     redisstore.New(client, redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix)),
				close:    func() error { return errors.Join(b.Close(), client.Close()) },
			}, nil
		}
		_ = client.Close()
		if !cfg.Development() {
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr(), err)
		}
		log.WarnContext(ctx, "backend.redis.unavailable",
			slog.String("addr", cfg.Redis.Addr()),
			slog.String("err", err.Error()),
			slog.String("fallback", config.BackendMemory),
		)
	}

	b := memorybus.New(memorybus.WithLogger(log))
	return &backends{
		driver:   config.BackendMemory,
		bus:      b,
		presence: presence.NewMemory(),
		jobs:     memorystore.New(),
		close:    b.Close,
	}, nil
}

// openStore returns the message store: Postgres through GORM when
// DATABASE_URL is set, otherwise in memory.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.Worker.DatabaseURL == "" {
		log.WarnContext(ctx, "store.memory", slog.String("reason", "DATABASE_URL not set"))
		return memstore.New(), nil
	}
	db, err := gormstore.Open(cfg.Worker.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := gormstore.New(db)
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func newNotifier(cfg *config.Config, log *slog.Logger) notify.Notifier {
	if cfg.Worker.WebhookURL != "" {
		return notify.NewWebhook(cfg.Worker.WebhookURL)
	}
	return notify.NewLog(log)
}

// newAuthenticator picks the token verifier from the environment. It
// returns nil when no verifier is configured, leaving connections
// anonymous until they register.
func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	w := cfg.Worker
	var opts []auth.Option
	if w.JWTAudience != "" {
		opts = append(opts, auth.WithAudience(w.JWTAudience))
	}
	switch {
	case w.JWTSecret != "":
		return auth.NewHMAC(w.JWTSecret, w.JWTIssuer, opts...)
	case w.JWKSURL != "":
		return auth.NewStatic(ctx, w.JWTIssuer, w.JWTAudience, w.JWKSURL)
	case w.OIDCIssuer != "":
		return auth.NewFromDiscovery(ctx, w.OIDCIssuer, w.JWTAudience)
	}
	return nil, nil
}

// newQueues builds both pipeline queues over s with the configured retry
// policy.
func newQueues(s jobqueue.Store, cfg *config.Config, opts ...jobqueue.Option) (messages, notifications *jobqueue.Queue) {
	policy := jobqueue.WithRetryPolicy(cfg.Jobs.Attempts, jobqueue.Backoff{Kind: jobqueue.BackoffExponential, Delay: cfg.Jobs.Backoff})
	opts = append(opts, policy)
	return jobqueue.NewQueue(jobqueue.QueueMessages, s, opts...),
		jobqueue.NewQueue(jobqueue.QueueNotifications, s, opts...)
}
