package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/orangestock/market-engine/internal/auth"
	"github.com/orangestock/market-engine/internal/config"
	"github.com/orangestock/market-engine/internal/httpx"
	"github.com/orangestock/market-engine/internal/ledger"
	"github.com/orangestock/market-engine/internal/logging"
	"github.com/orangestock/market-engine/internal/metrics"
	"github.com/orangestock/market-engine/internal/model"
	"github.com/orangestock/market-engine/internal/orderbook"
	"github.com/orangestock/market-engine/internal/pricing"
	"github.com/orangestock/market-engine/internal/ratelimit"
	"github.com/orangestock/market-engine/internal/store"
	"github.com/orangestock/market-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML configuration file")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level, _ := cfg.LogLevel()
	logger, closeLog := logging.New(logging.Options{
		Level:      level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   true,
	})
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("market-engine failed", "err", err)
		closeLog()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Price engine and ledger ---
	engine, err := pricing.NewEngine(st, pricing.RandomSampler, cfg.PricingConfig())
	if err != nil {
		return fmt.Errorf("price engine: %w", err)
	}
	l := ledger.New()

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(cfg.WebSocket.QueueSize)
	go wsHub.Run(ctx)

	// --- Trade service and limit order book ---
	tradeSvc := trade.NewService(st, engine, l, wsHub)
	book := orderbook.New(st, tradeSvc, tradeSvc.Symbol())
	tradeSvc.SetPriceListener(book)

	initial, err := tradeSvc.CurrentPrice(ctx)
	if err != nil {
		return fmt.Errorf("load market: %w", err)
	}
	slog.Info("market ready", "symbol", initial.Symbol, "price", initial.Price.String(), "seq", initial.Seq)

	wsHub.SetSnapshot(func() (model.PriceUpdate, bool) {
		obs, err := tradeSvc.CurrentPrice(context.Background())
		if err != nil {
			return model.PriceUpdate{}, false
		}
		return model.PriceUpdate{Symbol: obs.Symbol, Price: obs.Price, Cause: obs.Cause, Volume: obs.Volume, Timestamp: obs.Timestamp}, true
	})

	if cfg.Market.FluctuationInterval > 0 {
		go tradeSvc.RunFluctuation(ctx, cfg.Market.FluctuationInterval)
	}

	authSvc := auth.NewService(st, cfg.AuthConfig())

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpx.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(httpx.CORS(cfg.Server.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	throttle := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimit.RPS > 0 {
		throttle = ratelimit.NewPerUser(cfg.RateLimit.RPS, cfg.RateLimit.Burst).Middleware
	}

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates.
		r.Get("/ws", wsHub.HandleWS)

		r.Post("/auth/register", authSvc.HandleRegister)
		r.Post("/auth/login", authSvc.HandleLogin)

		// Public market data.
		r.Route("/stock", func(r chi.Router) {
			r.Get("/price", tradeSvc.HandlePrice)
			r.Get("/history", tradeSvc.HandleHistory)
			r.Get("/stats", tradeSvc.HandleStats)
			r.Get("/quotes", book.HandleQuotes)
			r.Get("/recent-trades", tradeSvc.HandleRecentTrades)
			r.Get("/rankings", tradeSvc.HandleRankings)
		})

		r.Group(func(r chi.Router) {
			r.Use(authSvc.Middleware)

			r.Get("/auth/me", authSvc.HandleMe)
			r.Get("/portfolio", tradeSvc.HandlePortfolio)
			r.Get("/transactions", tradeSvc.HandleTransactions)
			r.Get("/limit-orders", book.HandleList)

			// Order entry is throttled per user.
			r.Group(func(r chi.Router) {
				r.Use(throttle)
				r.Post("/trade", tradeSvc.HandleTrade)
				r.Post("/limit-orders", book.HandlePlace)
				r.Delete("/limit-orders/{orderID}", book.HandleCancel)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireAdmin)
				r.Get("/price-impact-settings", tradeSvc.HandleGetSettings)
				r.Put("/price-impact-settings", tradeSvc.HandleUpdateSettings)
				r.Post("/price", tradeSvc.HandleForcePrice)
			})
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("market-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("market-engine stopped")
	return nil
}

// openStore builds the store stack from configuration: Postgres or memory,
// optionally with a SQLite price log and a Redis cache in front.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var st store.Store
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if dbURL := cfg.Storage.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if path := cfg.Storage.PriceLogPath; path != "" {
		priceLog, err := store.NewSQLitePriceLog(path)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open price log: %w", err)
		}
		cleanup = append(cleanup, func() { priceLog.Close() })
		st = &store.PriceLogStore{Store: st, Prices: priceLog}
		slog.Info("price history stored in SQLite", "path", path)
	}

	// Wrap with Redis read-through cache if configured.
	if redisURL := cfg.Storage.RedisURL; redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
		slog.Info("Redis cache enabled")
	}

	return st, closeAll, nil
}
