// Settler - custodial settlement agent for escrow offers
package main

import (
	"context"
	"database/sql"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/openclaw/settler/internal/config"
	"github.com/openclaw/settler/internal/engine"
	"github.com/openclaw/settler/internal/jobs"
	"github.com/openclaw/settler/internal/ledger"
	"github.com/openclaw/settler/internal/logging"
	"github.com/openclaw/settler/internal/offer"
	"github.com/openclaw/settler/internal/ops"
	"github.com/openclaw/settler/internal/reconciler"
	"github.com/openclaw/settler/internal/signer"
	"github.com/openclaw/settler/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting settler",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"execute", cfg.Execute,
		"signer_mode", cfg.SignerMode,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = shutdownTraces(shutdownCtx)
		}()
	}

	// Offer storage: postgres when DATABASE_URL is set, otherwise the
	// advisory-locked offers file.
	var store offer.Store
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		pg := offer.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("failed to migrate offers table", "error", err)
			os.Exit(1)
		}
		store = pg
		logger.Info("using postgres offer store")
	} else {
		fs, err := offer.NewFileStore(cfg.OffersPath)
		if err != nil {
			logger.Error("failed to open offers file", "error", err, "path", cfg.OffersPath)
			os.Exit(1)
		}
		store = fs
		logger.Info("using file offer store", "path", cfg.OffersPath)
	}

	// Signer and ledger gateway are only built for real execution; a dry
	// run never signs or submits.
	var sgn signer.Signer
	var gw ledger.Gateway
	if cfg.Execute {
		chainID := big.NewInt(cfg.ChainID)
		switch cfg.SignerMode {
		case config.SignerRemote:
			sgn, err = signer.NewRemote(ctx, cfg.CustodyURL, cfg.CustodyKeyID, chainID)
		case config.SignerLocal:
			sgn, err = signer.NewLocal(cfg.PrivateKey, chainID)
		}
		if err != nil {
			logger.Error("failed to create signer", "error", err, "mode", cfg.SignerMode)
			os.Exit(1)
		}
		logger.Info("signer ready", "mode", cfg.SignerMode, "address", sgn.Address().Hex())

		evm, err := ledger.NewEVMGateway(ledger.Config{
			RPCURL:  cfg.RPCURL,
			ChainID: cfg.ChainID,
		}, sgn, logger)
		if err != nil {
			logger.Error("failed to connect to ledger", "error", err)
			os.Exit(1)
		}
		defer evm.Close()
		gw = evm
	} else {
		logger.Warn("execution disabled; settlements will be simulated")
	}

	eng := engine.New(engine.Config{
		Execute:        cfg.Execute,
		FeeCollector:   cfg.FeeCollector,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, store, sgn, gw, logger)

	loop := reconciler.New(eng, store, cfg.PollInterval, logger)
	go loop.Start(ctx)
	runners := []ops.Runner{loop}

	// The job queue needs postgres; without it the reconciler alone
	// drives settlement.
	var workers []*jobs.Worker
	if db != nil {
		queue := jobs.NewQueue(db, logger)
		if err := queue.Migrate(ctx); err != nil {
			logger.Error("failed to migrate jobs table", "error", err)
			os.Exit(1)
		}
		for i := 0; i < cfg.WorkerCount; i++ {
			w := jobs.NewWorker(queue, eng, logger)
			go w.Start(ctx)
			workers = append(workers, w)
			runners = append(runners, w)
		}
		logger.Info("job workers started", "count", cfg.WorkerCount)
	}

	srv := ops.New(cfg.Port, store, logger, runners...)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("ops server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	loop.Stop()
	for _, w := range workers {
		w.Stop()
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown failed", "error", err)
	}
}
