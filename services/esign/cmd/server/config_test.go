package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/zksig/esign/pkg/signature"
)

func newViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	v := viper.New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, bindFlags(flags, v))
	require.NoError(t, flags.Parse(args))
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := loadConfig(newViper(t))
	require.NoError(t, err)
	require.Equal(t, ":8090", cfg.Listen)
	require.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
	require.Equal(t, driverMemory, cfg.Store.Driver)
	require.Equal(t, 5*time.Minute, cfg.MaxSkew)
	require.Equal(t, 4096, cfg.IdempotencySize)
	require.Equal(t, 65536, cfg.ReplayCacheSize)
	require.True(t, cfg.MetricsEnabled)

	v, err := cfg.Verifier()
	require.NoError(t, err)
	rv, ok := v.(signature.RecordVerifier)
	require.True(t, ok)
	require.NotNil(t, rv.Curve)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("ESIGN_STORE_DRIVER", "badger")
	t.Setenv("ESIGN_VERIFY_MODE", "key")
	cfg, err := loadConfig(newViper(t))
	require.NoError(t, err)
	require.Equal(t, driverBadger, cfg.Store.Driver)
	require.Equal(t, verifyKey, cfg.VerifyMode)

	cfg, err = loadConfig(newViper(t, "--store.driver=memory"))
	require.NoError(t, err)
	require.Equal(t, driverMemory, cfg.Store.Driver)
}

func TestInvalidConfigReportsEveryProblem(t *testing.T) {
	_, err := loadConfig(newViper(t,
		"--log.level=loud",
		"--store.driver=sqlite",
		"--verify.mode=trust-me",
		"--idempotency.size=0",
	))
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	msg := err.Error()
	for _, want := range []string{"log.level", "store.driver", "verify.mode", "idempotency.size"} {
		require.Contains(t, msg, want)
	}
}

func TestServerRejectsUntrustedRecordMode(t *testing.T) {
	// records arrive from callers, so a mode that trusts them is refused
	_, err := loadConfig(newViper(t, "--verify.mode=record"))
	require.ErrorContains(t, err, `verify.mode "record"`)

	for _, mode := range []string{verifyRecordCurve, verifyKey} {
		cfg, err := loadConfig(newViper(t, "--verify.mode="+mode))
		require.NoError(t, err)
		v, err := cfg.Verifier()
		require.NoError(t, err)
		switch v := v.(type) {
		case signature.RecordVerifier:
			require.NotNil(t, v.Curve, mode)
		case signature.KeyOnlyVerifier:
			require.NotNil(t, v.Key, mode)
		default:
			t.Fatalf("unexpected verifier %T for %s", v, mode)
		}
	}
}

func TestNewServerServesHealth(t *testing.T) {
	cfg, err := loadConfig(newViper(t, "--store.driver=badger"))
	require.NoError(t, err)
	srv, cleanup, err := newServer(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer cleanup()

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}
