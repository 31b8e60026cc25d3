package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crankbird/crank-platform/pkg/config"
	"github.com/crankbird/crank-platform/pkg/log"
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
	Use:     "crank-ca",
	Short:   "Crank Platform certificate authority",
	Long:    `crank-ca issues and signs the mTLS identities every controller and worker in the fleet bootstraps from.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("crank-ca version %s\nCommit: %s\n", Version, Commit))

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
	Short: "Start the CA's HTTPS issuance service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadCA()

		fmt.Println("Starting Crank Platform certificate authority...")
		fmt.Printf("  HTTPS Port: %d\n", cfg.HTTPSPort)
		fmt.Printf("  Root Directory: %s\n", cfg.RootDir)
		fmt.Println()

		provider, err := security.NewDevelopmentCertificateProvider(cfg.RootDir)
		if err != nil {
			return fmt.Errorf("initialize certificate provider: %w", err)
		}

		tlsCfg, err := provider.ServerTLSConfig()
		if err != nil {
			return fmt.Errorf("build CA server TLS config: %w", err)
		}

		svc, err := security.NewService(fmt.Sprintf(":%d", cfg.HTTPSPort), provider, tlsCfg)
		if err != nil {
			return fmt.Errorf("build CA service: %w", err)
		}

		errCh := make(chan error, 1)
		go func() {
			if err := svc.ListenAndServe(); err != nil {
				errCh <- err
			}
		}()

		fmt.Println("CA service is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			return fmt.Errorf("CA service error: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown CA service: %w", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}
