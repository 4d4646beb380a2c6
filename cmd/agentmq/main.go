package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/glimte/agentmq"
	"github.com/glimte/agentmq/config"
	"github.com/glimte/agentmq/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// app is the state shared by every command once the root pre-run has loaded
// the configuration.
type app struct {
	configPath string
	verbose    bool

	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	client   *agentmq.Client
	server   *http.Server
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "agentmq",
		Short: "Request/reply and state broadcast between agents over RabbitMQ",
		Long: `agentmq sends requests to agents, runs responders on the shared request
queue, and publishes or follows state updates on the state exchange.`,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) { a.teardown() },
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	config.RegisterFlags(flags)

	rootCmd.AddCommand(
		newRequestCmd(a),
		newRespondCmd(a),
		newPublishCmd(a),
		newListenCmd(a),
		newQueuesCmd(a),
		newHealthCmd(a),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := config.ApplyFlags(cmd.Flags(), &cfg); err != nil {
		return err
	}
	a.cfg = cfg

	opts := []agentmq.ClientOption{agentmq.WithLogger(a.logger)}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, agentmq.WithMetrics(a.registry))
	}

	a.client, err = agentmq.New(cfg, opts...)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		a.serveMetrics(cfg.Metrics.Address)
	}
	return nil
}

// serveMetrics exposes /metrics and the health endpoints while the command
// runs.
func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	mux.Handle("/health", health.NewHandler(a.client.Health(), 5*time.Second))
	mux.Handle("/ready", health.ReadinessHandler(a.client.Health()))
	mux.Handle("/live", health.LivenessHandler())

	a.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.logger.Info("serving metrics", "address", addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
}

func (a *app) teardown() {
	if a.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.server.Shutdown(ctx)
}
