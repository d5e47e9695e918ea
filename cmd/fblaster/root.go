package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/auto-dns/fblaster/internal/app"
	"github.com/auto-dns/fblaster/internal/config"
	"github.com/auto-dns/fblaster/internal/logger"
	"github.com/auto-dns/fblaster/internal/signalbus"
)

type contextKey string

const configKey = contextKey("config")

var rootCmd = &cobra.Command{
	Use:   "fblaster",
	Short: "Continuously upgrade compose-managed containers to compatible newer tags",
	Long:  "An edge deployment manager that polls container registries, selects semver-compatible upgrades, and respawns a compose workload to adopt them.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := context.WithValue(cmd.Context(), configKey, cfg)
		cmd.SetContext(ctx)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := cmd.Context().Value(configKey).(*config.Config)
		logInstance := logger.Setup(&cfg.Logging)

		if cfg.SignalPoll {
			return runSignalPoll(cfg, logInstance)
		}

		application, err := app.New(cfg, logInstance)
		if err != nil {
			return fmt.Errorf("failed to create app: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logInstance.Info().Msgf("received signal: %v", sig)
			cancel()
		}()

		if err := application.Run(ctx); err != nil {
			return fmt.Errorf("app run error: %w", err)
		}
		return nil
	},
}

// runSignalPoll implements --signal-poll (spec.md §4.7): deliver a poke to
// the running peer owning this directory and exit, without building the
// rest of the application.
func runSignalPoll(cfg *config.Config, logInstance zerolog.Logger) error {
	absDir, err := filepath.Abs(cfg.Directory)
	if err != nil {
		return fmt.Errorf("resolving --directory: %w", err)
	}
	if err := signalbus.Poke(context.Background(), absDir, logInstance); err != nil {
		logInstance.Warn().Err(err).Msg("no running peer to poke")
		return err
	}
	return nil
}

func init() {
	config.BindFlags(rootCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "execution error: %v\n", err)
		os.Exit(1)
	}
}
