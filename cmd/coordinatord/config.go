package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "coordinatord.conf"
	defaultDataDirname    = "data"
	defaultDlcDbFilename  = "dlc.db"
	defaultLogLevel       = "info"
	defaultMetricsListen  = "localhost:9999"
)

var (
	defaultAppDataDir = btcutil.AppDataDir("coordinatord", false)
	defaultConfigFile = filepath.Join(
		defaultAppDataDir, defaultConfigFilename,
	)
)

type jitConfig struct {
	LiquidityMultiplier uint64        `long:"multiplier" description:"Channel capacity as a multiple of the intercepted amount"`
	FeeRateBasisPoints  uint64        `long:"feebps" description:"Opening fee rate in basis points of the intercepted amount"`
	OfflineTimeout      time.Duration `long:"offlinetimeout" description:"How long to hold an HTLC for an offline recipient"`
}

type dbConfig struct {
	Backend string `long:"backend" description:"Persistence backend" choice:"memory" choice:"postgres"`
	Dsn     string `long:"dsn" description:"Postgres connection string"`
}

type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store coordinator data"`
	LogLevel    string `long:"loglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	MetricsListen string `long:"metricslisten" description:"Address to serve Prometheus metrics on"`

	SyncInterval  time.Duration `long:"syncinterval" description:"Reconciliation job interval"`
	CheckInterval time.Duration `long:"checkinterval" description:"Contract engine periodic check interval"`
	RolloverSpec  string        `long:"rolloverspec" description:"Cron spec of the rollover reminder"`

	Jit *jitConfig `group:"jit" namespace:"jit"`
	Db  *dbConfig  `group:"db" namespace:"db"`
}

func defaultConfig() config {
	return config{
		ConfigFile:    defaultConfigFile,
		DataDir:       filepath.Join(defaultAppDataDir, defaultDataDirname),
		LogLevel:      defaultLogLevel,
		MetricsListen: defaultMetricsListen,
		Jit:           &jitConfig{},
		Db:            &dbConfig{Backend: "memory"},
	}
}

// loadConfig parses command line options and the optional config file. The
// config file path itself may be set on the command line.
func loadConfig() (*config, error) {
	cfg := defaultConfig()

	preCfg := cfg
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	if _, err := os.Stat(preCfg.ConfigFile); err == nil {
		err := flags.IniParse(preCfg.ConfigFile, &cfg)
		if err != nil {
			return nil, fmt.Errorf("unable to parse %v: %w",
				preCfg.ConfigFile, err)
		}
	}

	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.Db.Backend == "postgres" && cfg.Db.Dsn == "" {
		return nil, fmt.Errorf("db.dsn required for the postgres " +
			"backend")
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create data dir: %w", err)
	}

	return &cfg, nil
}
