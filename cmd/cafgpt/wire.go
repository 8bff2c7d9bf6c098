package main

import (
	"context"
	"fmt"

	"github.com/cafgpt/cafgpt/pkg/agent"
	"github.com/cafgpt/cafgpt/pkg/blob"
	"github.com/cafgpt/cafgpt/pkg/budget"
	cachepkg "github.com/cafgpt/cafgpt/pkg/cache/sqlite"
	"github.com/cafgpt/cafgpt/pkg/completion"
	"github.com/cafgpt/cafgpt/pkg/config"
	"github.com/cafgpt/cafgpt/pkg/ledger"
	"github.com/cafgpt/cafgpt/pkg/pacenote"
	"github.com/cafgpt/cafgpt/pkg/ratelimit"
	"github.com/cafgpt/cafgpt/pkg/router"
	"github.com/cafgpt/cafgpt/pkg/tracker"
)

// services are the components shared by serve and mcp.
type services struct {
	tracker  *tracker.SQLiteTracker
	ledger   *ledger.Ledger
	store    blob.Store
	router   *router.Router
	pacenote *pacenote.Service
}

// openServices wires storage, the completion client and the flows on top
// of it. The returned func releases everything that was opened.
func openServices(ctx context.Context, cfg *config.Config) (*services, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	tr, err := tracker.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("init tracker: %w", err)
	}
	closers = append(closers, func() { _ = tr.Close() })

	var cache *cachepkg.Cache
	if cfg.Cache.Enabled {
		cache, err = cachepkg.New(cfg.DBPath, cfg.Cache.TTL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("init cache: %w", err)
		}
		closers = append(closers, func() { _ = cache.Close() })
	}

	led, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, closeLedger)

	store, err := openBlob(ctx, cfg)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	opts := completion.Options{
		MaxRetries:        cfg.Completion.MaxRetries,
		BaseDelay:         cfg.Completion.BaseDelay,
		MaxConcurrent:     cfg.Completion.MaxConcurrent,
		RequestsPerSecond: cfg.Completion.RequestsPerSecond,
		Temperature:       cfg.Completion.Temperature,
		MaxTokens:         cfg.Completion.MaxTokens,
		Ledger:            led,
		Tracker:           tr,
		Cache:             cache,
	}
	if cfg.Budget.Enabled {
		opts.Budget = budget.New(cfg.Budget.Policies, tr, led, cfg.Budget.MonthlyLimitUSD)
	}
	llm := completion.New(completion.NewOpenRouter(cfg.Completion), opts)
	research := agent.New(llm, store, cfg.Models.Research, cfg.Breaker.MaxCalls)

	return &services{
		tracker:  tr,
		ledger:   led,
		store:    store,
		router:   router.New(store, llm, research, cfg.Models),
		pacenote: pacenote.New(store, llm, cfg.Models.PaceNote),
	}, closeAll, nil
}

// loadConfig reads .env files and then the YAML config at path.
func loadConfig(path string, envFiles []string) (*config.Config, error) {
	if err := config.LoadEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openLedger opens the configured ledger store. The returned func releases it.
func openLedger(ctx context.Context, cfg *config.Config) (*ledger.Ledger, func(), error) {
	var (
		store   ledger.Store
		closeFn = func() {}
	)
	switch cfg.Ledger.Backend {
	case "postgres":
		pg, err := ledger.NewPostgresStore(ctx, cfg.Ledger.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("init ledger store: %w", err)
		}
		store, closeFn = pg, pg.Close
	default:
		store = ledger.NewFileStore(cfg.Ledger.Path)
	}

	l, err := ledger.New(ctx, store, ledger.Options{
		ServerCostUSD: cfg.Ledger.ServerCostUSD,
		PerTokenUSD:   cfg.Ledger.PerTokenUSD,
	})
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("init ledger: %w", err)
	}
	return l, closeFn, nil
}

// openBlob opens the configured document store.
func openBlob(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.Blob.Backend == "dir" {
		return blob.NewDirStore(cfg.Blob.Dir), nil
	}
	s, err := blob.NewS3Store(ctx, blob.S3Options{
		Bucket:          cfg.Blob.Bucket,
		Endpoint:        cfg.Blob.Endpoint,
		Region:          cfg.Blob.Region,
		AccessKeyID:     cfg.Blob.AccessKeyID,
		SecretAccessKey: cfg.Blob.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("init blob store: %w", err)
	}
	return s, nil
}

// openLimiter builds the rate limiter. For the memory backend the sweeper
// runs until ctx is done. A nil limiter means limiting is disabled.
func openLimiter(ctx context.Context, cfg *config.Config) (*ratelimit.Limiter, func(), error) {
	if !cfg.RateLimit.Enabled {
		return nil, func() {}, nil
	}

	var (
		store   ratelimit.Store
		closeFn = func() {}
	)
	switch cfg.RateLimit.Backend {
	case "redis":
		rs, err := ratelimit.NewRedisStore(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("init rate limit store: %w", err)
		}
		store, closeFn = rs, func() { _ = rs.Close() }
	default:
		ms := ratelimit.NewMemoryStore(cfg.RateLimit.MaxClients)
		if cfg.RateLimit.SweepInterval > 0 {
			go ms.RunSweeper(ctx, cfg.RateLimit.SweepInterval)
		}
		store = ms
	}

	l, err := ratelimit.New(store, ratelimit.Options{
		Limits: ratelimit.Limits{
			Hourly: cfg.RateLimit.HourlyLimit,
			Daily:  cfg.RateLimit.DailyLimit,
		},
		TrustedCIDRs: cfg.RateLimit.TrustedCIDRs,
	})
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("init rate limiter: %w", err)
	}
	return l, closeFn, nil
}

// auditDBPath returns the audit database, defaulting to the shared db_path.
func auditDBPath(cfg *config.Config) string {
	if cfg.Audit.DBPath != "" {
		return cfg.Audit.DBPath
	}
	return cfg.DBPath
}
