package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pixl/internal/config"
	"pixl/internal/logger"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "imaging-service",
		Short: "Imaging extraction service",
		Long:  "Consumes extract requests, retrieves studies from clinical DICOM sources, anonymises them and exports to research destinations",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the imaging service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				configFile = os.Getenv("CONFIG_FILE")
				if configFile == "" {
					fmt.Fprintln(os.Stderr, "Config file is required. Use --config flag or CONFIG_FILE environment variable")
					return fmt.Errorf("config file is required")
				}
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
				return err
			}

			log, err := logger.New(cfg.Logging.Level)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting imaging service")

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.Fatalf("Failed to initialize application: %v", err)
			}

			log.InfowCtx(ctx, "Service running")
			if err := app.Run(ctx); err != nil && err != context.Canceled {
				log.ErrorwCtx(ctx, "Service stopped with error", "error", err)
				return err
			}

			if err := app.Shutdown(context.Background()); err != nil {
				log.ErrorwCtx(ctx, "Shutdown reported errors", "error", err)
			}
			log.InfowCtx(ctx, "Service shutdown complete")
			return nil
		},
	}
}
