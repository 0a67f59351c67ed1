package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agrimarket/agrimarket/internal/identity"
	"github.com/agrimarket/agrimarket/internal/ledger"
	"github.com/agrimarket/agrimarket/internal/market/engine"
	"github.com/agrimarket/agrimarket/internal/market/handler"
	"github.com/agrimarket/agrimarket/internal/market/repository"
	"github.com/agrimarket/agrimarket/internal/market/service"
	"github.com/agrimarket/agrimarket/internal/market/sweeper"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("marketd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("marketd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.max_conns", 10)
	viper.SetDefault("market.bid_ttl", "48h")
	viper.SetDefault("market.lock_timeout", "5s")
	viper.SetDefault("market.expire_interval", "1m")
	viper.SetDefault("identity.key_file", "keys/signing.pem")
	viper.SetDefault("identity.issuer_url", "")
	viper.SetDefault("identity.token_ttl", "24h")
	viper.SetDefault("identity.admin_secret_hash", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage + ledger ─────────────────────────────────────────────────────
	var (
		store service.Store
		led   ledger.Ledger
	)
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		poolCfg, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			return fmt.Errorf("parse database url: %w", err)
		}
		poolCfg.MaxConns = viper.GetInt32("database.max_conns")

		db, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		store = repository.NewPostgresStore(db)
		led = ledger.NewPostgresLedger(db, logger)
	} else {
		logger.Warn("database.url is empty; using in-memory store and ledger; state is lost on restart")
		store = repository.NewMemoryStore()
		led = ledger.New()
	}

	if res, err := led.Verify(ctx); err != nil {
		// The ledger is now halted: reads keep working, every write is refused.
		logger.Error("ledger integrity check FAILED; writes disabled", zap.Error(err))
		handler.SetLedgerHalted(true)
	} else {
		logger.Info("ledger verified",
			zap.Int64("entries", res.Checked),
			zap.String("root", res.Root),
		)
	}

	// ── Identity ─────────────────────────────────────────────────────────────
	keyFile := viper.GetString("identity.key_file")
	signingKey, err := identity.NewKeyStore(keyFile).LoadOrCreate()
	if err != nil {
		return fmt.Errorf("signing key setup failed: %w", err)
	}
	logger.Info("signing key ready", zap.String("key_file", keyFile))

	httpPort := viper.GetInt("server.port")
	issuerURL := viper.GetString("identity.issuer_url")
	if issuerURL == "" {
		issuerURL = fmt.Sprintf("http://localhost:%d", httpPort)
	}
	tokens := identity.NewTokenIssuer(signingKey, issuerURL, viper.GetDuration("identity.token_ttl"))
	jwks := identity.NewJWKSProvider(tokens)

	adminHash := viper.GetString("identity.admin_secret_hash")
	if adminHash == "" {
		logger.Warn("identity.admin_secret_hash is empty; admin token exchange disabled")
	}

	// ── Wire up layers ───────────────────────────────────────────────────────
	core := service.New(store, led, engine.Config{
		BidTTL:      viper.GetDuration("market.bid_ttl"),
		LockTimeout: viper.GetDuration("market.lock_timeout"),
	}, logger)

	sw := sweeper.New(core, sweeper.Config{Interval: viper.GetDuration("market.expire_interval")}, logger)
	sw.SetMetricsRecord(handler.RecordSweep)

	marketHandler := handler.NewMarketHandler(core, tokens, logger)
	ledgerHandler := handler.NewLedgerHandler(core, tokens, logger)
	adminHandler := handler.NewAdminHandler(core, tokens, adminHash, logger)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS
	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	rps := viper.GetInt("server.rate_limit_rps")
	router.Use(handler.RateLimiter(ctx, rps, rps*2))
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		if led.Halted() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "ledger_halted"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())
	jwks.RegisterWellKnown(router)

	v1 := router.Group("/api/v1")
	marketHandler.Register(v1)
	ledgerHandler.Register(v1)
	adminHandler.Register(v1)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Run until signalled ──────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("marketd HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sw.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down marketd...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("marketd stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
