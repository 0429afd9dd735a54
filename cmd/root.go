package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-scraper/internal/config"
	"github.com/JakeFAU/realtime-scraper/internal/server"
)

var cfgFile string

// cfgKeyType is the key for storing the loaded Config in the context.
type cfgKeyType string

const cfgKey cfgKeyType = "config"

// Runner is what a subcommand drives until shutdown. *server.App satisfies
// it.
type Runner interface {
	Run(ctx context.Context) error
}

// buildApp is the application factory. It's a variable so tests can swap in
// a fake.
var buildApp = func(ctx context.Context, cfg *config.Config, mode server.Mode) (Runner, error) {
	return server.Build(ctx, cfg, mode)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scraper",
		Short: "Browser-rendered page scraper for Wikipedia and news sites.",
		Long: `scraper renders pages in a shared headless Chrome, waits for streamed
content to settle and publishes markdown, links and a screenshot per job.
Jobs arrive over HTTP or straight on the queue.`,
		SilenceUsage: true,

		// Runs before every subcommand: load and validate configuration once.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars prefixed SCRAPER_ override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())

	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the job intake API with in-process workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd, server.ModeServe)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consumes jobs from the queue",
		Long: `Runs workers only. The HTTP port still serves /healthz, /readyz and
/metrics for orchestration probes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd, server.ModeWorker)
		},
	}
}

func runMode(cmd *cobra.Command, mode server.Mode) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	app, err := buildApp(cmd.Context(), cfg, mode)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run %s: %w", mode, err)
	}
	return nil
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "command execution failed: %v\n", err)
		os.Exit(1)
	}
}
