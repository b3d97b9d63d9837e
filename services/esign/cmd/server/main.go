package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zksig/esign/pkg/db"
	"github.com/zksig/esign/services/esign/internal/api"
	"github.com/zksig/esign/services/esign/internal/idempotency"
	"github.com/zksig/esign/services/esign/internal/metrics"
	"github.com/zksig/esign/services/esign/internal/store"
	"github.com/zksig/esign/services/esign/internal/store/badgerstore"
	"github.com/zksig/esign/services/esign/internal/store/memstore"
	"github.com/zksig/esign/services/esign/internal/store/pgstore"
	"github.com/zksig/esign/services/esign/internal/workflow"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "esign-server",
		Short:         "Serve the e-signature workflow over HTTP",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(cfg.LogLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	if err := bindFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}
	return cmd
}

func openStore(ctx context.Context, cfg StoreConfig, log zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case driverMemory:
		return memstore.New(), nil
	case driverBadger:
		return badgerstore.Open(cfg.Dir, log)
	case driverPostgres:
		pool, err := db.Connect(ctx, db.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("could not connect to postgres: %w", err)
		}
		st := pgstore.New(pool)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// newServer wires the store, workflow and API. The returned cleanup closes
// the store.
func newServer(ctx context.Context, cfg Config, log zerolog.Logger) (*http.Server, func(), error) {
	st, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return nil, nil, err
	}
	verifier, err := cfg.Verifier()
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	idem, err := idempotency.NewLRUStore(cfg.IdempotencySize)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	var (
		collector metrics.WorkflowMetrics = metrics.NewNoopCollector()
		metricsH  http.Handler
	)
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewWorkflowCollector(reg)
		metricsH = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	svc := workflow.New(st, verifier, log, collector)
	h := api.New(svc, log, api.Options{
		MaxSkew:         cfg.MaxSkew,
		Idempotency:     idem,
		Metrics:         metricsH,
		ReplayCacheSize: cfg.ReplayCacheSize,
	})
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	cleanup := func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("could not close store")
		}
	}
	return srv, cleanup, nil
}

func run(ctx context.Context, cfg Config, log zerolog.Logger) error {
	srv, cleanup, err := newServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	errc := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen", cfg.Listen).
			Str("store", cfg.Store.Driver).
			Str("verify_mode", cfg.VerifyMode).
			Msg("esign server starting")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
