package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"gocoord/config"
	"gocoord/pkg/coordination"
	"gocoord/pkg/metrics"
	"gocoord/pkg/server"
)

var (
	configPath string
	host       string
	port       int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coordinator",
		Short: "coordinator - cluster coordination service",
		Long:  `coordinator tracks task liveness, synchronizes barriers and serves shared configuration for a fixed-membership distributed job`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination service",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&host, "host", "", "Admin server host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Admin server port (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		cfg = config.GetDefaultConfig()
		slog.Warn("using default configuration", "error", err)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg.Logging)

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	svc, err := coordination.NewService("standalone", cfg.Coordination, nil,
		coordination.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("failed to create coordination service: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(cfg, svc)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	slog.Info("coordinator stopped")
	return nil
}

func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
