package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crankbird/crank-platform/pkg/api"
	"github.com/crankbird/crank-platform/pkg/config"
	"github.com/crankbird/crank-platform/pkg/events"
	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/registry"
	"github.com/crankbird/crank-platform/pkg/security"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "crank-controller",
	Short:   "Crank Platform capability registry and router",
	Long:    `crank-controller hosts the fleet's capability registry, routing requests to a healthy worker for a given verb/capability pair.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("crank-controller version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the controller API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadController()
		certDir := config.ResolveCertDir()
		caServiceURL := os.Getenv("CA_SERVICE_URL")

		fmt.Println("Starting Crank Platform controller...")
		fmt.Printf("  HTTPS Port: %d\n", cfg.HTTPSPort)
		fmt.Printf("  State File: %s\n", cfg.StateFile)
		fmt.Printf("  Heartbeat Timeout: %s\n", cfg.HeartbeatTimeout)
		if cfg.PlatformAuthTok != "" {
			fmt.Println("  Auth: PLATFORM_AUTH_TOKEN bearer check enabled")
		}
		fmt.Println()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		bundle, err := ensureControllerBundle(ctx, certDir, caServiceURL)
		if err != nil {
			return fmt.Errorf("acquire controller certificate bundle: %w", err)
		}

		if err := os.MkdirAll(filepath.Dir(cfg.StateFile), 0o755); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
		journal, err := registry.OpenJournal(cfg.StateFile)
		if err != nil {
			return fmt.Errorf("open registry journal: %w", err)
		}
		defer journal.Close()

		reg, err := registry.New(journal, registry.WithHeartbeatTimeout(cfg.HeartbeatTimeout))
		if err != nil {
			return fmt.Errorf("replay registry journal: %w", err)
		}
		defer reg.Close()

		addr := fmt.Sprintf(":%d", cfg.HTTPSPort)
		server, err := api.NewServer(addr, bundle, reg, cfg.PlatformAuthTok)
		if err != nil {
			return fmt.Errorf("build controller API server: %w", err)
		}

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil {
				errCh <- err
			}
		}()

		fmt.Println("Controller is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			return fmt.Errorf("controller API error: %w", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown controller API: %w", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

// ensureControllerBundle loads an existing certificate bundle from
// certDir, or bootstraps a fresh one from caServiceURL when none exists
// and the controller is configured to reach a CA. A controller given
// neither an existing bundle nor a CA service URL cannot serve mTLS and
// fails fast, matching the worker runtime's own startup contract.
func ensureControllerBundle(ctx context.Context, certDir, caServiceURL string) (security.Bundle, error) {
	if security.Exists(certDir) {
		return security.Load(certDir, "controller")
	}
	if caServiceURL == "" {
		return security.Bundle{}, fmt.Errorf("no certificate bundle at %s and no CA_SERVICE_URL configured to bootstrap one", certDir)
	}
	return security.Bootstrap(ctx, security.BootstrapConfig{
		CAServiceURL: caServiceURL,
		WorkerID:     "controller",
		CertDir:      certDir,
	}, events.NewRegistry())
}
