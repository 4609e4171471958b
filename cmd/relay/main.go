package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diagnosis/wa-relay/internal/http/handlers"
	"github.com/diagnosis/wa-relay/internal/http/middleware"
	"github.com/diagnosis/wa-relay/internal/notify"
	"github.com/diagnosis/wa-relay/internal/otp"
	"github.com/diagnosis/wa-relay/internal/session"
	"github.com/diagnosis/wa-relay/pkg/config"
	"github.com/diagnosis/wa-relay/pkg/database"
	"github.com/diagnosis/wa-relay/pkg/events"
	"github.com/diagnosis/wa-relay/pkg/logger"
	pkgmw "github.com/diagnosis/wa-relay/pkg/middleware"
	"golang.org/x/sync/errgroup"
)

const serviceName = "wa-relay"

func main() {
	if err := run(); err != nil {
		logger.Error("WhatsApp relay stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus
	var bus events.EventBus = events.NoopBus{}
	if cfg.NATS.URL != "" {
		nb, err := events.NewNATSEventBus(cfg.NATS.URL, serviceName)
		if err != nil {
			return err
		}
		defer nb.Close()
		bus = nb
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)
	} else {
		logger.Info("NATS_URL not set, events disabled")
	}

	// WhatsApp session
	driver, closeDriver, err := newDriver(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDriver()

	manager := session.NewManager(driver, session.Options{
		SendTimeout:    cfg.WhatsApp.SendTimeout,
		RepairOnLogout: cfg.WhatsApp.RepairOnLogout,
	})

	// OTP store
	var (
		store       otp.Store
		idempotency pkgmw.IdempotencyStore = pkgmw.NewMemoryIdempotencyStore()
	)
	switch cfg.OTP.Store {
	case "redis":
		client, err := otp.NewRedisClient(ctx, cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		store = otp.NewRedisStore(client, "", cfg.OTP.ConsumedRetention)
		idempotency = pkgmw.NewRedisIdempotencyStore(client, "wa-relay:")
		logger.Info("Using Redis OTP store", "url", cfg.Redis.URL)
	default:
		mem := otp.NewMemoryStore()
		store = mem
		manager.OnDestroy(func(ctx context.Context) {
			if err := mem.Clear(ctx); err != nil {
				logger.Warn("Failed to clear OTP store", "error", err)
			}
		})
	}

	phoneLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		PerMinute: cfg.OTP.RatePerMinute,
		Burst:     cfg.OTP.RateBurst,
	})
	otpService := otp.NewService(store, manager, bus, otp.Config{
		TTL:               cfg.OTP.TTL,
		ConsumedRetention: cfg.OTP.ConsumedRetention,
		CodeLength:        cfg.OTP.CodeLength,
		HashCost:          cfg.OTP.HashCost,
		MaxAttempts:       cfg.OTP.MaxAttempts,
		CountryCode:       cfg.WhatsApp.DefaultCountry,
		AppName:           cfg.AppName,
	}, otp.WithIssueLimiter(phoneLimiter))
	manager.OnDestroy(func(context.Context) { otpService.Close() })

	dispatcher := notify.NewDispatcher(manager, bus, cfg.WhatsApp.DefaultCountry, cfg.AppName)

	// HTTP
	ips, err := middleware.NewIPResolver(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		PerMinute: cfg.Server.RatePerMinute,
		Burst:     cfg.Server.RateBurst,
		KeyFunc:   ips.ClientIP,
	})
	wa := handlers.NewWhatsAppHandler(manager, otpService, dispatcher, handlers.Middlewares{
		OTPLimit:    limiter.Middleware(),
		Idempotency: pkgmw.Idempotency(idempotency, cfg.Server.IdempotencyTTL),
	})
	router := handlers.NewRouter(handlers.RouterConfig{
		ServiceName:    serviceName,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		APIKey:         cfg.Auth.APIKey,
		JWTSecret:      cfg.Auth.JWTSecret,
	}, wa)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting WhatsApp relay", "port", cfg.Server.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		// Failure is reported through /health; the process keeps serving.
		_ = manager.Initialize(gctx)
		return nil
	})

	g.Go(func() error {
		return otp.NewSweeper(store, cfg.OTP.SweepInterval).Run(gctx)
	})

	if cfg.NATS.URL != "" {
		if err := notify.NewIntake(bus, cfg.NATS.Queue, dispatcher, cfg.WhatsApp.SendTimeout).Start(); err != nil {
			return err
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down WhatsApp relay...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		manager.Destroy(shutdownCtx)
		if err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		return err
	})

	return g.Wait()
}

// newDriver builds the configured messaging driver and a func releasing its resources.
func newDriver(ctx context.Context, cfg *config.Config) (session.Driver, func(), error) {
	if cfg.WhatsApp.Driver == "dev" {
		return session.NewDevDriver(), func() {}, nil
	}

	waLogger := session.NewWALogger(logger.Default(), "whatsmeow")

	var (
		db      *sql.DB
		dialect string
		cleanup = func() {}
	)
	if cfg.WhatsApp.SessionDBURL != "" {
		pool, err := database.Connect(ctx, cfg.WhatsApp.SessionDBURL)
		if err != nil {
			return nil, nil, err
		}
		db, dialect = database.OpenSQL(pool), session.DialectPostgres
		cleanup = func() {
			db.Close()
			pool.Close()
		}
		logger.Info("Using Postgres session store")
	} else {
		sqlite, err := session.OpenSQLiteStore(cfg.WhatsApp.SessionPath)
		if err != nil {
			return nil, nil, err
		}
		db, dialect = sqlite, session.DialectSQLite
		cleanup = func() { sqlite.Close() }
		logger.Info("Using SQLite session store", "path", cfg.WhatsApp.SessionPath)
	}

	driver, err := session.NewWhatsAppDriver(ctx, db, dialect, cfg.WhatsApp.DeviceName, waLogger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return driver, cleanup, nil
}
