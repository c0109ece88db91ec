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

	"github.com/glimte/urlbridge"
	"github.com/glimte/urlbridge/config"
	"github.com/glimte/urlbridge/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type flags struct {
	configPath string
	thingName  string
	stage      string
	brokerURL  string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var f flags

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the presigned URL bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	rootCmd := &cobra.Command{
		Use:   "urlbridge",
		Short: "Bridge presigned URL requests between a local bus and the cloud",
		Long: `urlbridge exposes a RequestResource method on the local message bus for each
configured resource, publishes the requests to the broker and forwards the
presigned URL responses back as ResourceResponse events.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		RunE:         runCmd.RunE,
	}

	rootCmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&f.thingName, "thing", "", "Thing name, overrides thingName")
	rootCmd.PersistentFlags().StringVar(&f.stage, "stage", "", "Topic stage segment, overrides stage")
	rootCmd.PersistentFlags().StringVarP(&f.brokerURL, "url", "u", "", "Broker URL, overrides transport.url")
	rootCmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level, overrides log.level")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "urlbridge %s\n", rootCmd.Version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)
	return rootCmd
}

// loadConfig applies defaults, the config file and then flag overrides
func loadConfig(f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.thingName != "" {
		cfg.ThingName = f.thingName
	}
	if f.stage != "" {
		cfg.Stage = f.stage
	}
	if f.brokerURL != "" {
		cfg.Transport.URL = f.brokerURL
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := urlbridge.New(cfg, urlbridge.WithLogger(logger), urlbridge.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	var server *http.Server
	if cfg.Metrics.Listen != "" {
		server = newHTTPServer(cfg.Metrics.Listen, reg, client.Health())
		go func() {
			logger.Info("serving metrics and health", "addr", cfg.Metrics.Listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", "error", err)
			}
		}()
	}

	if err := client.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown failed", "error", err)
		}
	}
	return nil
}

func newHTTPServer(addr string, gatherer prometheus.Gatherer, registry *health.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	health.Mount(mux, registry, 5*time.Second)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
