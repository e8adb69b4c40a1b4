// Package config loads supplycore settings from a YAML file and SUPPLYCORE_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Blob drivers.
const (
	BlobFilesystem = "fs"
	BlobS3         = "s3"
	BlobMemory     = "memory"
)

// Ledger transports.
const (
	LedgerMemory = "memory"
	LedgerNATS   = "nats"
)

// Config is the complete process configuration.
type Config struct {
	Log        Log        `yaml:"log"`
	Storage    Storage    `yaml:"storage"`
	Blob       Blob       `yaml:"blob"`
	Ledger     Ledger     `yaml:"ledger"`
	Directory  Directory  `yaml:"directory"`
	Allocation Allocation `yaml:"allocation"`
	Graph      Graph      `yaml:"graph"`
	Metrics    Metrics    `yaml:"metrics"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json|text
}

// Storage selects the lot store backend.
type Storage struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Blob selects where receipts and audit records are archived. An empty
// driver disables archiving.
type Blob struct {
	Driver string `yaml:"driver"`
	FSRoot string `yaml:"fs_root"`
	S3     S3     `yaml:"s3"`
}

// S3 holds bucket settings. Credentials come from the default AWS chain
// unless AccessKeyID is set.
type S3 struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Ledger configures how the authoritative ledger is reached.
type Ledger struct {
	Transport string        `yaml:"transport"`
	NATSURL   string        `yaml:"nats_url"`
	Prefix    string        `yaml:"prefix"`
	Timeout   time.Duration `yaml:"timeout"`
	// Fixture seeds the in-process ledger.
	Fixture   string `yaml:"fixture"`
	CacheSize int    `yaml:"cache_size"`
}

// Directory points at the account directory file.
type Directory struct {
	File string `yaml:"file"`
}

// Allocation tunes the allocation engine.
type Allocation struct {
	ContentionRetries int `yaml:"contention_retries"`
}

// Graph tunes graph layout and traversal.
type Graph struct {
	Spacing float64 `yaml:"spacing"`
	Fanout  int     `yaml:"fanout"`
}

// Metrics configures the Prometheus endpoint. An empty address disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Log:        Log{Level: "info", Format: "text"},
		Storage:    Storage{Driver: StorageSQLite, SQLitePath: "supplycore.db"},
		Ledger:     Ledger{Transport: LedgerMemory, Prefix: "supplycore.ledger", Timeout: 5 * time.Second, CacheSize: 1024},
		Allocation: Allocation{ContentionRetries: 5},
		Graph:      Graph{Spacing: 200, Fanout: 8},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.Decode(f); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode merges YAML from r into c. Unknown keys are rejected.
func (c *Config) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from SUPPLYCORE_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	parse := func(key string, fn func(string) error) {
		if v, ok := lookup(key); ok {
			if err := fn(strings.TrimSpace(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	str("SUPPLYCORE_LOG_LEVEL", &c.Log.Level)
	str("SUPPLYCORE_LOG_FORMAT", &c.Log.Format)
	str("SUPPLYCORE_STORAGE_DRIVER", &c.Storage.Driver)
	str("SUPPLYCORE_SQLITE_PATH", &c.Storage.SQLitePath)
	str("SUPPLYCORE_POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("SUPPLYCORE_BLOB_DRIVER", &c.Blob.Driver)
	str("SUPPLYCORE_BLOB_FS_ROOT", &c.Blob.FSRoot)
	str("SUPPLYCORE_BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	str("SUPPLYCORE_BLOB_S3_REGION", &c.Blob.S3.Region)
	str("SUPPLYCORE_BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	parse("SUPPLYCORE_BLOB_S3_PATH_STYLE", func(v string) (err error) {
		c.Blob.S3.PathStyle, err = strconv.ParseBool(v)
		return err
	})
	str("SUPPLYCORE_LEDGER_TRANSPORT", &c.Ledger.Transport)
	str("SUPPLYCORE_LEDGER_NATS_URL", &c.Ledger.NATSURL)
	str("SUPPLYCORE_LEDGER_PREFIX", &c.Ledger.Prefix)
	str("SUPPLYCORE_LEDGER_FIXTURE", &c.Ledger.Fixture)
	parse("SUPPLYCORE_LEDGER_TIMEOUT", func(v string) (err error) {
		c.Ledger.Timeout, err = time.ParseDuration(v)
		return err
	})
	parse("SUPPLYCORE_LEDGER_CACHE_SIZE", func(v string) (err error) {
		c.Ledger.CacheSize, err = strconv.Atoi(v)
		return err
	})
	str("SUPPLYCORE_DIRECTORY_FILE", &c.Directory.File)
	parse("SUPPLYCORE_CONTENTION_RETRIES", func(v string) (err error) {
		c.Allocation.ContentionRetries, err = strconv.Atoi(v)
		return err
	})
	str("SUPPLYCORE_METRICS_ADDR", &c.Metrics.Addr)
	return errors.Join(errs...)
}

// Validate checks driver names and required companions.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case "", BlobFilesystem, BlobMemory:
	case BlobS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	switch c.Ledger.Transport {
	case LedgerMemory:
	case LedgerNATS:
		if c.Ledger.NATSURL == "" {
			errs = append(errs, errors.New("ledger.nats_url is required for the nats transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger transport %q", c.Ledger.Transport))
	}
	if c.Ledger.Timeout <= 0 {
		errs = append(errs, errors.New("ledger.timeout must be positive"))
	}
	if c.Ledger.CacheSize < 0 {
		errs = append(errs, errors.New("ledger.cache_size must not be negative"))
	}
	if c.Allocation.ContentionRetries < 0 {
		errs = append(errs, errors.New("allocation.contention_retries must not be negative"))
	}
	if c.Graph.Spacing <= 0 || c.Graph.Fanout <= 0 {
		errs = append(errs, errors.New("graph.spacing and graph.fanout must be positive"))
	}
	return errors.Join(errs...)
}

// SlogLevel parses the configured level name.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
