package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/cbstore/internal/backends/boltcb"
	"github.com/dreamware/cbstore/internal/backends/memfile"
	"github.com/dreamware/cbstore/internal/backends/rediscb"
	"github.com/dreamware/cbstore/internal/backends/sqlcb"
	"github.com/dreamware/cbstore/internal/cb"
	"github.com/dreamware/cbstore/internal/config"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var (
		configPath string
		listen     string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:           "cbserver",
		Short:         "Serve configuration backends over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logrus.New()
			if err := cfg.ConfigureLogger(log); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	cmd.SetOut(stdout)
	cmd.Flags().StringVarP(&configPath, "config", "c", getenv("CBSERVER_CONFIG", ""), "YAML configuration file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides the configuration")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level, overrides the configuration")
	cmd.AddCommand(newCheckCmd(stdout))
	return cmd
}

// newCheckCmd validates a configuration file and prints it with defaults
// applied.
func newCheckCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = stdout.Write(data)
			return err
		},
	}
}

func loadConfig(path string) (config.Context, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newRegistry returns a registry holding every backend type cbserver
// ships with.
func newRegistry() *cb.Registry {
	reg := cb.NewRegistry()
	memfile.Register(reg)
	rediscb.Register(reg)
	boltcb.Register(reg)
	sqlcb.RegisterMySQL(reg)
	sqlcb.RegisterPostgreSQL(reg)
	return reg
}

// newPool opens the configured databases. A database that cannot be
// opened fails the whole configuration.
func newPool(ctx context.Context, cfg config.Context, log logrus.FieldLogger, metrics *cb.Metrics, health *healthState) (*cb.Pool, error) {
	pool := cb.NewPool(newRegistry(),
		cb.WithLogger(log),
		cb.WithMetrics(metrics),
		cb.WithFanOutLimit(cfg.FanOutLimit),
		cb.WithDefaultPolicy(cfg.Policy()),
		cb.WithCallbacks(health.callbacks()),
	)
	for i, access := range cfg.Databases {
		if _, err := pool.AddBackend(ctx, access); err != nil {
			pool.Close()
			return nil, fmt.Errorf("config-databases[%d]: %w", i, err)
		}
	}
	return pool, nil
}

func run(ctx context.Context, cfg config.Context, log *logrus.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	health := newHealthState()
	pool, err := newPool(ctx, cfg, log, cb.NewMetrics(reg), health)
	if err != nil {
		return err
	}
	defer pool.Close()

	srv := newServer(pool, reg, health, log)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("cbserver listening on %s", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Info("cbserver stopped")
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
