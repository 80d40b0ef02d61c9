package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/poolmarket/market-engine/internal/access"
	"github.com/poolmarket/market-engine/internal/config"
	"github.com/poolmarket/market-engine/internal/ledger"
	"github.com/poolmarket/market-engine/internal/limits"
	"github.com/poolmarket/market-engine/internal/listing"
	"github.com/poolmarket/market-engine/internal/metrics"
	"github.com/poolmarket/market-engine/internal/model"
	"github.com/poolmarket/market-engine/internal/pricing"
	"github.com/poolmarket/market-engine/internal/settlement"
	"github.com/poolmarket/market-engine/internal/store"
	"github.com/poolmarket/market-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("market-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("market-engine stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if markets, err := st.ListMarkets(ctx); err == nil {
		for i := range markets {
			if markets[i].Status == model.StatusOpen {
				metrics.ActiveMarkets.Inc()
			}
		}
	}

	// --- Domain services ---
	clock := time.Now
	engine := pricing.NewEngine(clock)
	policy := access.NewPolicy(cfg.Access.AdminIDs)

	limiter := limits.NewStakeLimiter(
		decimal.NewFromFloat(cfg.Limits.MaxPerCategory),
		decimal.NewFromFloat(cfg.Limits.MaxCorrelated),
		cfg.Limits.CorrelationDepth,
	)

	residual, err := settlement.ParseResidualPolicy(cfg.Settlement.ResidualPolicy)
	if err != nil {
		return err
	}
	rates := settlement.Rates{
		Commission:   decimal.NewFromFloat(cfg.Settlement.CommissionRate),
		CreatorShare: decimal.NewFromFloat(cfg.Settlement.CreatorShareRate),
	}
	if err := rates.Validate(); err != nil {
		return err
	}
	settler := settlement.NewEngine(st, policy, clock, settlement.Config{
		Rates:           rates,
		Policy:          residual,
		BatchSize:       cfg.Settlement.BatchSize,
		PlatformAccount: cfg.Settlement.PlatformAccount,
	})

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()

	// --- Trade service ---
	tradeSvc := trade.NewService(trade.Deps{
		Store:      st,
		Pricing:    engine,
		Listing:    listing.NewBuilder(engine, decimal.NewFromFloat(cfg.Pricing.SeedLiquidity)),
		Ledger:     ledger.New(st, engine, limiter, decimal.NewFromFloat(cfg.Pricing.FixedPayout)),
		Settlement: settler,
		Policy:     policy,
		Hub:        wsHub,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for price and resolution events. It sits
		// outside the timeout group because the connection is long-lived.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Register(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wsHub.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("market-engine listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down market-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore picks PostgreSQL when a database URL is configured, wrapped in
// the Redis cache when a Redis URL is too, and the in-memory store
// otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.Database.URL == "" {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		if cfg.Redis.URL != "" {
			slog.Warn("redis cache ignored without a database")
		}
		return store.NewMemoryStore(), closeAll, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	if err := pool.Ping(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("database ping: %w", err)
	}

	pg := store.NewPostgresStore(pool)
	if cfg.Database.RunMigrations {
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
	}
	slog.Info("connected to PostgreSQL", "max_conns", cfg.Database.MaxConns)

	var st store.Store = pg
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, cache will fall through", "err", err)
		}
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
		slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration.String())
	}
	return st, closeAll, nil
}

// cors allows the configured origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSpace(o)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowed["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+trade.ActorHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
