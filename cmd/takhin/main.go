// =============================================================================
// TAKHIN BROKER - MAIN ENTRY POINT
// =============================================================================
//
// The takhin broker daemon. Startup order:
//   1. Load and validate configuration (file + defaults)
//   2. Build the structured logger
//   3. Open the broker, recovering topics and offsets from the data dir
//   4. Start the HTTP API and Prometheus metrics endpoint
//   5. Block until SIGINT/SIGTERM, then drain and shut down
//
// USAGE:
//   takhin                         # defaults (:8080, ./data)
//   takhin --config takhin.yaml    # explicit config file
//
// =============================================================================

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"takhin/internal/api"
	"takhin/internal/broker"
	"takhin/internal/config"
	"takhin/internal/logger"
	"takhin/internal/metrics"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "takhin",
	Short: "Single-node partitioned log broker",
	Long: `takhin - a single-node partitioned log broker.

Records are appended to partitioned, offset-addressed logs and persist
across restarts. Consumer groups coordinate partition assignment and track
committed offsets; transactional producers get atomic multi-partition
writes with committed-read isolation.`,
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "",
		"Path to YAML config file (defaults apply when omitted)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.Must(cfg.Logging)
	defer log.Sync()

	m := metrics.NewBrokerMetrics(nil)
	b, err := broker.New(cfg.Broker, log, m)
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	b.Start()

	var apiKeys []string
	if cfg.Auth.Enabled {
		apiKeys = cfg.Auth.APIKeys
	}
	srv := api.NewServer(b, m, api.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		APIKeys:      apiKeys,
	}, log)
	srv.Start()

	log.Info("takhin broker running",
		zap.String("addr", cfg.Server.Addr),
		zap.String("data_dir", cfg.Broker.DataDir),
		zap.Bool("auth", cfg.Auth.Enabled))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	// Drain in-flight requests before closing the logs so late produces
	// still land.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := b.Close(); err != nil {
		log.Error("broker close failed", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
