package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/dlcnode/coordinator/build"
	"github.com/dlcnode/coordinator/coordinator"
	"github.com/dlcnode/coordinator/dlcstore"
	"github.com/dlcnode/coordinator/store"
	"github.com/dlcnode/coordinator/wallet"
)

func main() {
	if err := run(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("coordinatord version %s\n", build.Version())
		return nil
	}

	level, err := build.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := build.SetupLoggers(os.Stdout, level)

	log.Infof("Coordinatord version %s starting, log level %v",
		build.Version(), cfg.LogLevel)
	log.Debugf("Active subsystems: %v", build.SubsystemsString())

	// Persistence. The coordinator bookkeeping lives in Postgres or in
	// memory, the opaque contract channel material always in bolt.
	var db store.Store
	switch cfg.Db.Backend {
	case "postgres":
		sqlStore, err := store.OpenSQLStore(cfg.Db.Dsn)
		if err != nil {
			return fmt.Errorf("unable to open store: %w", err)
		}
		defer sqlStore.Close()
		db = sqlStore

		log.Infof("Using postgres store")

	default:
		db = store.NewMemoryStore()

		log.Warnf("Using in-memory store, state is lost on restart")
	}

	boltPath := filepath.Join(cfg.DataDir, defaultDlcDbFilename)
	provider, err := dlcstore.OpenBoltProvider(boltPath)
	if err != nil {
		return fmt.Errorf("unable to open channel store: %w", err)
	}
	defer provider.Close()

	// Until a node backend is attached the daemon runs against loopback
	// sandbox engines.
	node := newSandboxNode(log)
	engine := &sandboxDlcEngine{}

	coord, err := coordinator.New(coordinator.Config{
		Wallet:              wallet.NewMock(),
		Lightning:           node,
		DlcEngine:           engine,
		Contracts:           engine,
		DB:                  db,
		Channels:            dlcstore.NewStore(provider),
		LiquidityMultiplier: cfg.Jit.LiquidityMultiplier,
		FeeRateBasisPoints:  cfg.Jit.FeeRateBasisPoints,
		OfflineTimeout:      cfg.Jit.OfflineTimeout,
		SyncInterval:        cfg.SyncInterval,
		CheckInterval:       cfg.CheckInterval,
		RolloverSpec:        cfg.RolloverSpec,
	})
	if err != nil {
		return fmt.Errorf("unable to build coordinator: %w", err)
	}

	if err := coord.Start(); err != nil {
		return fmt.Errorf("unable to start coordinator: %w", err)
	}
	defer coord.Stop()

	// Prometheus scrape endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", coord.Metrics().Handler())
	metricsServer := &http.Server{
		Addr:    cfg.MetricsListen,
		Handler: mux,
	}
	go func() {
		log.Infof("Metrics listening on %v", cfg.MetricsListen)
		err := metricsServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics server exited: %v", err)
		}
	}()
	defer metricsServer.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	sig := <-interrupt

	log.Infof("Received %v, shutting down", sig)

	return nil
}
