package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the document core",
		Long: `Start the livedoc core from the configuration.

Opens the SQLite store (creating it if it doesn't exist), reschedules every
document that was waiting on a timer, and serves until interrupted.
SIGHUP reloads changed space files and redeploys the documents in memory.

Example:
  livedoc run --config livedoc.yaml
  livedoc run --db /tmp/livedoc.db --spaces ./spaces --metrics :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics", "", "address to serve /metrics on (overrides config)")

	return cmd
}

func runNode(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.MetricsAddr != "" {
		cfg.MetricsAddr = opts.MetricsAddr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n, err := openNode(cfg, reg)
	if err != nil {
		return err
	}
	defer closeNode(n)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	recovered, err := n.core.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "recovery failed", err)
	}

	serveErr := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, serveErr)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	slog.Info("core starting", "db", cfg.Database, "spaces_dir", cfg.SpacesDir,
		"threads", cfg.Threads, "managed", cfg.Managed(), "recovered", recovered)
	fmt.Fprintf(cmd.OutOrStdout(), "livedoc running with %d shard(s), %d document(s) recovered.\n", cfg.Threads, recovered)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				n.redeploy()
				continue
			}
			slog.Info("received signal, shutting down", "signal", sig)
			return nil
		case err := <-serveErr:
			return WrapExitError(ExitFailure, "metrics server failed", err)
		case <-ctx.Done():
			slog.Info("core stopping", "reason", context.Cause(ctx))
			return nil
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, errs chan<- error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	return srv
}

// redeploy recompiles changed spaces and moves live documents onto them.
func (n *node) redeploy() {
	changed, err := n.resolver.Reload()
	if err != nil {
		slog.Warn("some spaces failed to reload", "error", err)
	}
	if len(changed) == 0 {
		slog.Info("no space changes to deploy")
		return
	}
	slog.Info("deploying spaces", "spaces", changed)
	n.core.Deploy(&deployLog{})
}

// deployLog counts and logs deployment outcomes. Shards report concurrently.
type deployLog struct {
	changed atomic.Int64
	failed  atomic.Int64
}

func (d *deployLog) BumpDocument(changed bool) {
	if changed {
		slog.Debug("document redeployed", "total", d.changed.Add(1))
	}
}

func (d *deployLog) WitnessError(err error) {
	slog.Warn("document deploy failed", "error", err, "failures", d.failed.Add(1))
}
