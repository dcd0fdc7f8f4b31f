package hold

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BoltzExchange/hold/internal/holddb"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/build"
)

var (
	holdDataDir           = btcutil.AppDataDir("hold", false)
	defaultConfigFilename = "hold.yaml"
	defaultLogFilename    = "hold.log"
	defaultLogLevel       = "info"

	defaultSqliteDatabaseFileName = "hold.db"
	defaultSqliteDatabasePath     = filepath.Join(
		holdDataDir, defaultSqliteDatabaseFileName,
	)
)

const (
	defaultMPPTimeout       = 60 * time.Second
	defaultCLTVSafetyBlocks = 14
	defaultGCInterval       = time.Hour
	defaultGCInvoiceAge     = 24 * time.Hour
)

// Config is the top level configuration of the core, parsed by
// jessevdk/go-flags from command line flags layered over an optional yaml
// file.
type Config struct {
	// DatabaseBackend selects which of Sqlite/Postgres stores invoices.
	DatabaseBackend string `long:"dbbackend" description:"The database backend to use for storing invoices." choice:"sqlite" choice:"postgres" yaml:"dbbackend"`

	Sqlite   *holddb.SqliteConfig   `group:"sqlite" namespace:"sqlite" yaml:"sqlite"`
	Postgres *holddb.PostgresConfig `group:"postgres" namespace:"postgres" yaml:"postgres"`

	// MPPTimeout is how long a partially paid invoice is held before its
	// accepted HTLCs are cancelled for lack of the remaining shards.
	MPPTimeout time.Duration `long:"mpptimeout" description:"Maximum time to wait for all parts of a multi-part payment to arrive." yaml:"mpptimeout"`

	// CLTVSafetyBlocks is the number of blocks of margin required between
	// an HTLC's expiry and the current chain tip before it is held.
	CLTVSafetyBlocks uint32 `long:"cltvsafetyblocks" description:"Minimum number of blocks required between an HTLC's CLTV expiry and the current height." yaml:"cltvsafetyblocks"`

	// GCInterval is how often the cancelled-invoice garbage collector
	// runs; zero disables it.
	GCInterval time.Duration `long:"gcinterval" description:"How often to sweep old cancelled invoices. Zero disables the sweep." yaml:"gcinterval"`

	// GCInvoiceAge is how long after being cancelled an invoice becomes
	// eligible for the sweep.
	GCInvoiceAge time.Duration `long:"gcinvoiceage" description:"Minimum age of a cancelled invoice before it is swept." yaml:"gcinvoiceage"`

	// Prometheus is the config for setting up an endpoint for a
	// Prometheus server to scrape metrics from.
	Prometheus *PrometheusConfig `group:"prometheus" namespace:"prometheus" description:"Configuration for an endpoint a Prometheus server can scrape." yaml:"prometheus"`

	// DebugLevel is a string defining the log level for the service
	// either for all subsystems the same or individual level by
	// subsystem.
	DebugLevel string `long:"debuglevel" description:"Debug level for the application and its subsystems." yaml:"debuglevel"`

	// ConfigFile points the daemon to an alternative config file.
	ConfigFile string `long:"configfile" description:"Custom path to a config file."`

	// BaseDir is a custom directory for the daemon's log file. The config
	// file and the default sqlite database stay in the default data
	// directory regardless of it.
	BaseDir string `long:"basedir" description:"Directory to place the daemon's log file in." yaml:"basedir"`

	// Logging controls various aspects of subsystem logging.
	Logging *build.LogConfig `group:"logging" namespace:"logging" yaml:"logging"`
}

func (c *Config) validate() error {
	if c.MPPTimeout <= 0 {
		return fmt.Errorf("mpptimeout must be greater than 0")
	}

	switch c.DatabaseBackend {
	case "sqlite":
		if c.Sqlite.DatabaseFileName == "" {
			return fmt.Errorf("sqlite database file name required")
		}
	case "postgres":
		if c.Postgres.Host == "" || c.Postgres.DBName == "" {
			return fmt.Errorf("postgres host and dbname required")
		}
	default:
		return fmt.Errorf("invalid dbbackend %q", c.DatabaseBackend)
	}

	return nil
}

// DefaultSqliteConfig returns the default configuration for the sqlite
// backend.
func DefaultSqliteConfig() *holddb.SqliteConfig {
	return &holddb.SqliteConfig{
		DatabaseFileName: defaultSqliteDatabasePath,
	}
}

// NewConfig initializes a Config with the daemon's defaults.
func NewConfig() *Config {
	return &Config{
		DatabaseBackend:  "sqlite",
		Sqlite:           DefaultSqliteConfig(),
		Postgres:         &holddb.PostgresConfig{},
		MPPTimeout:       defaultMPPTimeout,
		CLTVSafetyBlocks: defaultCLTVSafetyBlocks,
		GCInterval:       defaultGCInterval,
		GCInvoiceAge:     defaultGCInvoiceAge,
		Prometheus:       &PrometheusConfig{},
		DebugLevel:       defaultLogLevel,
		Logging:          build.DefaultLogConfig(),
	}
}
