package hold

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BoltzExchange/hold/internal/blockheight"
	"github.com/BoltzExchange/hold/internal/eventbus"
	"github.com/BoltzExchange/hold/internal/holddb"
	"github.com/BoltzExchange/hold/internal/htlc"
	"github.com/BoltzExchange/hold/internal/pluginrpc"
	"github.com/BoltzExchange/hold/internal/settler"
	"github.com/BoltzExchange/hold/internal/statemachine"
	"github.com/goccy/go-yaml"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/build"
)

const (
	defaultMaxLogFileSize = 10
	defaultMaxLogFiles    = 3
)

// Main is the true entrypoint of the core.
func Main() {
	err := start()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// start parses the configuration, wires every component together and blocks
// serving the host's plugin protocol over stdin/stdout until the context
// cancels.
func start() error {
	cfg := NewConfig()

	// Pre-parse the command line for a custom config file path before the
	// file is loaded as the defaults layer.
	preCfg := struct {
		ConfigFile string `long:"configfile"`
	}{}
	_, _ = flags.NewParser(&preCfg, flags.IgnoreUnknown).Parse()

	configFile := filepath.Join(holdDataDir, defaultConfigFilename)
	if preCfg.ConfigFile != "" {
		configFile = preCfg.ConfigFile
	}
	if err := loadConfigFile(configFile, cfg); err != nil {
		return fmt.Errorf("unable to parse config file: %w", err)
	}

	// Flags take precedence over whatever the config file set.
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return nil
		}
		return fmt.Errorf("unable to parse flags: %w", err)
	}

	if cfg.BaseDir == "" {
		cfg.BaseDir = holdDataDir
	}

	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := setupLogging(cfg); err != nil {
		return fmt.Errorf("unable to set up logging: %w", err)
	}

	repo, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("unable to open database: %w", err)
	}
	defer closeStore()

	bus := eventbus.New()
	sm := statemachine.New(repo, bus, nil)
	s := settler.New()
	heights := blockheight.New()

	handler := htlc.New(repo, sm, bus, s, heights, nil, htlc.Config{
		MPPTimeout:       cfg.MPPTimeout,
		CLTVSafetyBlocks: cfg.CLTVSafetyBlocks,
	})

	server := pluginrpc.NewServer(handler, repo, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Infof("Received shutdown signal")
		cancel()
	}()

	shutdown := make(chan struct{})
	defer close(shutdown)
	if err := StartPrometheusExporter(cfg.Prometheus, shutdown); err != nil {
		return fmt.Errorf("unable to start prometheus exporter: %w", err)
	}

	if cfg.GCInterval > 0 {
		go runGC(ctx, repo, cfg.GCInterval, cfg.GCInvoiceAge)
	}

	log.Infof("Starting plugin rpc server")
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Serve(ctx, os.Stdin, os.Stdout)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// loadConfigFile unmarshals the optional yaml config file at path into cfg,
// leaving cfg untouched if the file doesn't exist. Values it sets are a
// lower-priority layer beneath the command line flags parsed afterwards.
func loadConfigFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return yaml.Unmarshal(b, cfg)
}

// openStore constructs the configured database backend and the Repo over it.
func openStore(cfg *Config) (*holddb.Repo, func(), error) {
	switch cfg.DatabaseBackend {
	case "postgres":
		store, err := holddb.NewPostgresStore(cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return holddb.NewRepo(store.BaseDB), func() {
			_ = store.DB.Close()
		}, nil

	default:
		store, err := holddb.NewSqliteStore(cfg.Sqlite)
		if err != nil {
			return nil, nil, err
		}
		return holddb.NewRepo(store.BaseDB), func() {
			_ = store.DB.Close()
		}, nil
	}
}

// runGC periodically sweeps cancelled invoices older than minAge, the
// optional housekeeping of §6.4.
func runGC(ctx context.Context, repo *holddb.Repo, interval,
	minAge time.Duration) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-minAge)
			n, err := repo.DeleteCancelledOlderThan(ctx, cutoff)
			if err != nil {
				log.Errorf("GC sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Infof("GC swept %d cancelled invoices", n)
			}

		case <-ctx.Done():
			return
		}
	}
}

// setupLogging parses the debug level and initializes the log file rotator.
func setupLogging(cfg *Config) error {
	if cfg.DebugLevel == "" {
		cfg.DebugLevel = defaultLogLevel
	}

	logFile := filepath.Join(cfg.BaseDir, defaultLogFilename)
	err := logWriter.InitLogRotator(
		logFile, defaultMaxLogFileSize, defaultMaxLogFiles,
	)
	if err != nil {
		return err
	}

	return build.ParseAndSetDebugLevels(cfg.DebugLevel, logWriter)
}
