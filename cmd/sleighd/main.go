// Command sleighd runs the Data Sleigh sensor-ingestion daemon.
//
// Logging:
//   - Base logger is created here with a ComponentFilterHandler for
//     dynamic per-component level control
//   - Logger is passed to every component via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"datasleigh/internal/config"
	"datasleigh/internal/logging"
	"datasleigh/internal/supervisor"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "sleighd",
		Short: "Data Sleigh sensor-ingestion daemon",
	}

	var logLevels []string
	rootCmd.PersistentFlags().StringArrayVar(&logLevels, "log-level", nil,
		"set a component's log level, as component=level (repeatable, e.g. --log-level publisher=debug)")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Run the ingestion daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyLogLevels(filterHandler, logLevels); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("starting sleighd", "version", version, "store_path", cfg.Store.Path)

	sup, err := supervisor.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("construct supervisor: %w", err)
	}

	return sup.Run(ctx)
}

// applyLogLevels parses repeated "component=level" flag values and applies
// them to the filter handler before the daemon starts.
func applyLogLevels(handler *logging.ComponentFilterHandler, specs []string) error {
	for _, spec := range specs {
		component, levelStr, ok := strings.Cut(spec, "=")
		if !ok {
			return fmt.Errorf("invalid --log-level %q: want component=level", spec)
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(levelStr)); err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", spec, err)
		}
		handler.SetLevel(component, level)
	}
	return nil
}
