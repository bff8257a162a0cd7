package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	poolconfig "stakesavings/config"
	"stakesavings/core/events"
	"stakesavings/gateway/middleware"
	nativecommon "stakesavings/native/common"
	"stakesavings/native/savings"
	"stakesavings/observability"
	"stakesavings/observability/logging"
	telemetry "stakesavings/observability/otel"
	"stakesavings/services/delegation"
	"stakesavings/services/dex"
	"stakesavings/services/pricefeed"
	"stakesavings/services/savingsd/config"
	"stakesavings/services/savingsd/journal"
	"stakesavings/services/savingsd/scheduler"
	"stakesavings/services/savingsd/server"
	"stakesavings/storage"
)

func main() {
	var (
		cfgPath string
		envFile string
	)
	flag.StringVar(&cfgPath, "config", "services/savingsd/config.yaml", "path to savingsd config")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("load env file: %v", err)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("SAVINGS_ENV"))
	}
	logger, logCloser := logging.SetupWithOptions("savingsd", env, logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("savingsd", env))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	if err := run(cfg, env, logger); err != nil {
		logger.Error("savingsd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, env string, logger *slog.Logger) error {
	pool, err := poolconfig.Load(cfg.PoolFile)
	if err != nil {
		return fmt.Errorf("load pool: %w", err)
	}
	savingsCfg, err := pool.SavingsConfig()
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()
	store := storage.NewStore(db)

	engine, err := savings.NewEngine(store, savingsCfg)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	engine.SetLogger(logger)
	engine.SetClock(pool.Clock())

	pauses := nativecommon.NewPauseSet()
	pauses.Set("savings", pool.Pauses.Savings)
	engine.SetPauses(pauses)

	feed, err := pricefeed.FromPairs(cfg.Prices)
	if err != nil {
		return err
	}
	engine.SetPriceAggregator(feed)

	staking, err := delegation.New(store, cfg.Delegation)
	if err != nil {
		return fmt.Errorf("create delegation: %w", err)
	}
	staking.SetLogger(logger)
	engine.SetDelegation(staking)

	venue, err := dex.New(store, cfg.Dex, feed)
	if err != nil {
		return fmt.Errorf("create swap venue: %w", err)
	}
	venue.SetLogger(logger)
	venue.SetRouter(engine)
	engine.SetSwapVenue(venue)

	hub := server.NewHub()
	emitters := events.Fanout{hub, observability.Events()}
	var eventJournal *journal.Journal
	if cfg.Journal.Driver != "" {
		gdb, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			return err
		}
		if err := journal.AutoMigrate(gdb); err != nil {
			return err
		}
		eventJournal, err = journal.New(gdb, logger)
		if err != nil {
			return err
		}
		emitters = append(emitters, eventJournal)
	}
	engine.SetEmitter(emitters)

	recovered, err := engine.RecoverHarvest(context.Background())
	switch {
	case errors.Is(err, savings.ErrEscrowLost):
		logger.Error("harvest escrow lost before restart", "error", err)
	case err != nil:
		return fmt.Errorf("recover harvest: %w", err)
	case recovered.Claim != savings.RecoveryNone || recovered.Convert != savings.RecoveryNone:
		logger.Warn("recovered interrupted harvest calls",
			"claim", recovered.Claim, "claim_call_id", recovered.ClaimCallID,
			"convert", recovered.Convert, "convert_call_id", recovered.ConvertCallID)
	}

	var faucet *server.Faucet
	if cfg.Dev.Faucet {
		quota, err := cfg.Dev.FaucetQuota()
		if err != nil {
			return err
		}
		faucet, err = server.NewFaucet(engine, staking, quota, logger)
		if err != nil {
			return err
		}
		logger.Warn("development faucet enabled")
	}

	srv, err := server.New(server.Config{
		Engine:        engine,
		Journal:       eventJournal,
		Hub:           hub,
		Pauses:        pauses,
		Faucet:        faucet,
		Authenticator: middleware.NewAuthenticator(cfg.Auth, logger),
		RateLimiter:   middleware.NewRateLimiter(cfg.RateLimits, logger),
		CORS:          cfg.CORS,
		Registry:      prometheus.NewRegistry(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Harvest.Enabled {
		harvester, err := scheduler.New(engine, cfg.Harvest.Interval, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := harvester.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("harvest scheduler stopped", "error", err)
			}
		}()
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if !cfg.TLS.Enabled() {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			_ = listener.Close()
			return errors.New("plaintext savingsd mode is restricted to loopback listeners or dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("savingsd listening", "address", cfg.ListenAddress, "tls", cfg.TLS.Enabled())
		if cfg.TLS.Enabled() {
			httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			serverErr <- httpServer.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func openDatabase(cfg config.StorageConfig) (storage.Database, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "mem":
		return storage.NewMemDB(), nil
	case "leveldb":
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
		return db, nil
	case "bolt":
		db, err := storage.NewBoltDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open bolt: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
