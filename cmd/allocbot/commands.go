package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/allocbot/internal/app"
	"github.com/alanyoungcy/allocbot/internal/config"
	"github.com/alanyoungcy/allocbot/internal/crypto"
)

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "allocbot",
		Short:         "Hierarchical adaptive capital allocation controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to configuration file")

	root.AddCommand(runCmd(&configPath))
	root.AddCommand(replayCmd(&configPath))
	root.AddCommand(encryptSecretCmd())
	return root
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run in the mode set by the configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath, nil)
			if err != nil {
				return err
			}
			logger.Info("allocbot starting",
				slog.String("mode", cfg.Mode),
				slog.String("config", *configPath),
				slog.Any("settings", config.RedactedConfig(cfg)),
			)

			application := app.New(cfg, logger)
			defer application.Close()

			if err := application.Run(cmd.Context()); err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Info("application shut down gracefully")
					return nil
				}
				logger.Error("application exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("allocbot stopped")
			return nil
		},
	}
}

func replayCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a CSV of bars through the paper venue and print the final snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath, func(c *config.Config) {
				c.Mode = "replay"
				c.Feed.Kind = "csv"
				c.Venue.Kind = "paper"
				if file != "" {
					c.Feed.File = file
				}
			})
			if err != nil {
				return err
			}
			if cfg.Feed.File == "" {
				return errors.New("replay: --file or feed.file is required")
			}

			application := app.New(cfg, logger)
			defer application.Close()

			snaps, err := application.Replay(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snaps)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "CSV file of bars (local path or s3://bucket/key)")
	return cmd
}

func encryptSecretCmd() *cobra.Command {
	var out, password string
	cmd := &cobra.Command{
		Use:   "encrypt-secret",
		Short: "Encrypt a venue API secret read from stdin into a keyfile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("ALLOCBOT_VENUE_SECRET_PASSWORD")
			}
			if password == "" {
				return errors.New("encrypt-secret: --password or ALLOCBOT_VENUE_SECRET_PASSWORD is required")
			}
			secret, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			blob, err := crypto.EncryptSecret(secret, password)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, blob, 0o600); err != nil {
				return fmt.Errorf("encrypt-secret: write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "venue.key", "keyfile to write")
	cmd.Flags().StringVar(&password, "password", "", "keyfile password")
	return cmd
}

// loadConfig loads and validates the configuration and installs the JSON
// logger at the configured level. override runs before validation.
func loadConfig(path string, override func(*config.Config)) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("encrypt-secret: read secret: %w", err)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", errors.New("encrypt-secret: empty secret on stdin")
	}
	return secret, nil
}
