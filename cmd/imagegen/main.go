// Package main provides the imagegen binary entry point.
// Imagegen is a retrying HTTP proxy in front of a hosted text-to-image
// inference API whose models cold-start.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/imagegen/config"
	"github.com/c360studio/imagegen/inference"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "imagegen"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Retrying proxy for text-to-image inference",
		Long: `Imagegen accepts a text prompt over HTTP and forwards it to a hosted
text-to-image model, riding out cold starts with bounded retries.

It provides:
- POST /generate returning the image bytes
- GET /health with the upstream warm/cold view
- GET /metrics in Prometheus format`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(flags), generateCmd(flags), versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.logLevel)

			loader := config.NewLoader(logger)
			cfg, err := loader.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			return serve(cmd.Context(), cfg, logger, loader.ActivePath(), func() (*config.Config, error) {
				return loader.Load(flags.configPath)
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, logger *slog.Logger, watchPath string, reload config.ReloadFunc) error {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Listen(); err != nil {
		return err
	}

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Imagegen ready",
		"version", Version,
		"addr", app.Addr().String(),
		"endpoint", cfg.Endpoint().URL(),
		"max_attempts", cfg.Retry.MaxAttempts,
		"overall_budget", cfg.Retry.OverallBudget)

	if err := app.Run(ctx, watchPath, reload); err != nil {
		return err
	}

	logger.Info("Imagegen shutdown complete")
	return nil
}

func generateCmd(flags *globalFlags) *cobra.Command {
	var (
		prompt string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate one image and write it to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.logLevel)

			if prompt == "" && len(args) == 1 {
				prompt = args[0]
			}

			cfg, err := config.NewLoader(logger).Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			path, err := generateToFile(ctx, cfg, logger, prompt, out)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Text prompt")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default generated-image-<unix-ms>.png)")
	return cmd
}

// generateToFile runs one generation and writes the image, returning the path.
func generateToFile(ctx context.Context, cfg *config.Config, logger *slog.Logger, prompt, out string) (string, error) {
	client, _, callStore, err := buildClient(cfg, logger, false)
	if err != nil {
		return "", err
	}
	defer closeStore(callStore, logger)

	start := time.Now()
	img, err := client.Generate(ctx, inference.GenerationRequest{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}

	if out == "" {
		out = defaultOutputName(time.Now())
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create output directory: %w", err)
		}
	}
	if err := os.WriteFile(out, img.Data, 0644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}

	logger.Info("Image saved",
		"path", out,
		"bytes", len(img.Data),
		"content_type", img.ContentType,
		"attempts", img.Attempts,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return out, nil
}

// defaultOutputName follows the download naming of the browser client.
func defaultOutputName(now time.Time) string {
	return fmt.Sprintf("generated-image-%d.png", now.UnixMilli())
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
