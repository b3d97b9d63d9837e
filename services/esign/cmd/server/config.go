package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zksig/esign/pkg/signature"
)

const (
	driverMemory   = "memory"
	driverPostgres = "postgres"
	driverBadger   = "badger"

	// The server receives verification records from callers, not from a
	// trusted co-processor, so every mode checks the Ed25519 equation.
	verifyRecordCurve = "record+curve"
	verifyKey         = "key"
)

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver   string
	DSN      string
	Dir      string
	MaxConns int32
}

// Config is the server configuration after flags and ESIGN_* variables.
type Config struct {
	Listen          string
	LogLevel        zerolog.Level
	Store           StoreConfig
	VerifyMode      string
	MaxSkew         time.Duration
	ReplayCacheSize int
	IdempotencySize int
	MetricsEnabled  bool
}

func bindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	flags.String("listen", ":8090", "address the HTTP server listens on")
	flags.String("log.level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("store.driver", driverMemory, "record store: memory, postgres or badger")
	flags.String("store.dsn", "", "postgres connection string, defaults to DATABASE_URL")
	flags.String("store.dir", "", "badger data directory, empty keeps data in memory")
	flags.Int32("store.max_conns", 10, "maximum postgres connections")
	flags.String("verify.mode", verifyRecordCurve, "slot authorization check: record+curve (record cross-checked and signature verified) or key (signature only)")
	flags.Duration("auth.max_skew", 5*time.Minute, "accepted distance between envelope issued_at and now")
	flags.Int("auth.replay_cache_size", 65536, "envelope signatures remembered to reject replays")
	flags.Int("idempotency.size", 4096, "idempotent responses kept in memory")
	flags.Bool("metrics.enabled", true, "serve prometheus metrics on /metrics")

	v.SetEnvPrefix("ESIGN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(flags)
}

func loadConfig(v *viper.Viper) (Config, error) {
	var errs *multierror.Error
	level, err := zerolog.ParseLevel(v.GetString("log.level"))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("log.level: %w", err))
	}
	cfg := Config{
		Listen:   v.GetString("listen"),
		LogLevel: level,
		Store: StoreConfig{
			Driver:   v.GetString("store.driver"),
			DSN:      v.GetString("store.dsn"),
			Dir:      v.GetString("store.dir"),
			MaxConns: v.GetInt32("store.max_conns"),
		},
		VerifyMode:      v.GetString("verify.mode"),
		MaxSkew:         v.GetDuration("auth.max_skew"),
		ReplayCacheSize: v.GetInt("auth.replay_cache_size"),
		IdempotencySize: v.GetInt("idempotency.size"),
		MetricsEnabled:  v.GetBool("metrics.enabled"),
	}
	if err := cfg.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return cfg, errs.ErrorOrNil()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs *multierror.Error
	if c.Listen == "" {
		errs = multierror.Append(errs, fmt.Errorf("listen is required"))
	}
	switch c.Store.Driver {
	case driverMemory, driverBadger:
	case driverPostgres:
		if c.Store.MaxConns <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("store.max_conns must be positive"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("store.driver %q is not one of memory, postgres, badger", c.Store.Driver))
	}
	if _, err := c.Verifier(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.MaxSkew < 0 {
		errs = multierror.Append(errs, fmt.Errorf("auth.max_skew must not be negative"))
	}
	if c.ReplayCacheSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("auth.replay_cache_size must be positive"))
	}
	if c.IdempotencySize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("idempotency.size must be positive"))
	}
	return errs.ErrorOrNil()
}

// Verifier returns the slot authorization check for VerifyMode.
func (c Config) Verifier() (signature.Verifier, error) {
	switch c.VerifyMode {
	case verifyRecordCurve:
		return signature.RecordVerifier{Curve: signature.Ed25519}, nil
	case verifyKey:
		return signature.KeyOnlyVerifier{Key: signature.Ed25519}, nil
	}
	return nil, fmt.Errorf("verify.mode %q is not one of record+curve, key", c.VerifyMode)
}
