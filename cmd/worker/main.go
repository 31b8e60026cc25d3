package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crankbird/crank-platform/pkg/config"
	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/registry"
	"github.com/crankbird/crank-platform/pkg/workerrt"
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
	Use:     "crank-worker",
	Short:   "Crank Platform generic worker host",
	Long:    `crank-worker bootstraps a certificate, advertises a declared capability list to the controller, and heartbeats for as long as it runs.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("crank-worker version %s\nCommit: %s\n", Version, Commit))

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

// staticProvider hosts a fixed capability list, loaded once at startup
// either from a YAML file or left empty for a worker that only serves
// its own domain endpoints without advertising anything routable.
type staticProvider struct {
	caps []registry.Definition
}

func (p *staticProvider) GetCapabilities() []registry.Definition { return p.caps }

func (p *staticProvider) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/capabilities", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p.caps)
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadWorker()

		fmt.Println("Starting Crank Platform worker...")
		fmt.Printf("  Worker ID: %s\n", cfg.WorkerID)
		fmt.Printf("  Worker URL: %s\n", cfg.WorkerURL)
		fmt.Printf("  Controller: %s\n", orNone(cfg.ControllerURL))
		fmt.Printf("  CA Service: %s\n", orNone(cfg.CAServiceURL))
		fmt.Println()

		caps, err := loadCapabilities(cfg.CapabilitiesFile)
		if err != nil {
			return fmt.Errorf("load capabilities file: %w", err)
		}

		provider := &staticProvider{caps: caps}
		runtime := workerrt.New(workerrt.Config{
			WorkerID:          cfg.WorkerID,
			WorkerURL:         cfg.WorkerURL,
			ListenAddr:        cfg.ListenAddr,
			ControllerURL:     cfg.ControllerURL,
			CAServiceURL:      cfg.CAServiceURL,
			CertDir:           cfg.CertDir,
			HeartbeatInterval: cfg.HeartbeatInterval,
			AuthToken:         cfg.AuthToken,
		}, provider)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := runtime.Start(ctx); err != nil {
			return fmt.Errorf("start worker runtime: %w", err)
		}

		errCh := make(chan error, 1)
		go func() {
			if err := runtime.ListenAndServe(); err != nil {
				errCh <- err
			}
		}()

		fmt.Println("Worker is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			return fmt.Errorf("worker HTTPS listener error: %w", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		runtime.Stop(shutdownCtx)

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func loadCapabilities(path string) ([]registry.Definition, error) {
	if path == "" {
		return nil, nil
	}
	return workerrt.LoadCapabilitiesFile(path)
}

func orNone(s string) string {
	if s == "" {
		return "(none, standalone mode)"
	}
	return s
}
