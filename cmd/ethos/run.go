package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ethos/internal/config"
	"ethos/internal/core"
	"ethos/internal/ids"
	"ethos/internal/services"
)

// runOptions carries run-command choices that are not configuration.
type runOptions struct {
	wakeup  bool
	message string
}

// newRunCommand builds the command that starts the runtime: load the layered
// configuration, resolve the agent profile, assemble the container and run
// the processor until a signal or a requested shutdown stops it.
func newRunCommand() *cobra.Command {
	var (
		configPath  string
		profileName string
		dbPath      string
		channel     string
		wakeup      bool
		maxRounds   int
		logLevel    string
		logFormat   string
		metricsPort int
		message     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent runtime",
		Long: `Start the agent: wake up through the identity ritual, then work the task
queue until interrupted. Flags override the configuration file and the
ETHOS_* environment for this invocation only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Only flags the caller actually set become overrides, so file
			// and environment values survive untouched defaults.
			overrides := config.Overrides{}
			flags := cmd.Flags()
			if flags.Changed("profile") {
				overrides.Profile = &profileName
			}
			if flags.Changed("db") {
				overrides.StorePath = &dbPath
			}
			if flags.Changed("channel") {
				overrides.HomeChannel = &channel
			}
			if flags.Changed("max-rounds") {
				overrides.MaxRounds = &maxRounds
			}
			if flags.Changed("log-level") {
				overrides.LogLevel = &logLevel
			}
			if flags.Changed("log-format") {
				overrides.LogFormat = &logFormat
			}
			if flags.Changed("metrics-port") {
				overrides.MetricsPort = &metricsPort
				enabled := metricsPort > 0
				overrides.MetricsEnabled = &enabled
			}

			cfg, meta, err := config.Load(
				config.WithConfigPath(resolveConfigPath(configPath)),
				config.WithOverrides(overrides),
			)
			if err != nil {
				return err
			}
			profile, err := config.LoadProfile(cfg.Profile)
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg, meta, profile, runOptions{
				wakeup:  wakeup,
				message: message,
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Configuration file (default: ./ethos.yaml, then ~/.ethos)")
	cmd.Flags().StringVar(&profileName, "profile", "", "Agent profile name or YAML path")
	cmd.Flags().StringVar(&dbPath, "db", "", "Task store path")
	cmd.Flags().StringVar(&channel, "channel", "", "Home channel for new tasks")
	cmd.Flags().BoolVar(&wakeup, "wakeup", true, "Run the wakeup ritual before working")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "Workflow round cap surfaced to prompts")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Log encoding: text or json")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Prometheus port; enables metrics when positive")
	cmd.Flags().StringVar(&message, "message", "", "Queue an operator message before the first tick")
	return cmd
}

// resolveConfigPath picks the configuration file. An explicit flag wins, then
// the ETHOS_CONFIG environment variable, then a search of the working
// directory and ~/.ethos. Empty means nothing was found anywhere; the loader
// then checks ./ethos.yaml itself and tolerates its absence.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("ETHOS_CONFIG"); env != "" {
		return env
	}

	viper.SetConfigName("ethos")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.ethos")
	if err := viper.ReadInConfig(); err == nil {
		return viper.ConfigFileUsed()
	}
	return ""
}

// runAgent wires the container and blocks in the processor loop. SIGINT and
// SIGTERM cancel the run context; the processor treats that as a shutdown
// request and drains before returning.
func runAgent(parent context.Context, cfg config.Config, meta config.Metadata, profile config.Profile, opts runOptions) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildContainer(cfg, profile, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", red("Cleanup:"), cerr)
		}
	}()

	if isTTY() {
		printBanner(cfg, meta, profile)
	}

	readyCtx, cancel := context.WithTimeout(ctx, cfg.Runtime.StartupTimeout.Std())
	err = c.registry.WaitReady(readyCtx,
		services.TypeCommunication,
		services.TypeMemory,
		services.TypeTool,
		services.TypeWiseAuthority,
		services.TypeLLM,
		services.TypeAudit,
	)
	cancel()
	if err != nil {
		return fmt.Errorf("services not ready: %w", err)
	}

	if opts.message != "" {
		task, created, err := c.tasks.IngestMessage(ctx, core.IncomingMessage{
			ID:         ids.NewKSUID(),
			ChannelID:  cfg.Tasks.HomeChannel,
			AuthorID:   "operator",
			AuthorName: "operator",
			Content:    opts.message,
			Timestamp:  time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("queue operator message: %w", err)
		}
		if created && isTTY() {
			fmt.Printf("%s queued operator message as %s\n", green("✓"), gray(task.ID))
		}
	}

	if err := c.processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// printBanner shows where this run gets its identity and state from.
func printBanner(cfg config.Config, meta config.Metadata, profile config.Profile) {
	identity := profile.Name
	if profile.Role != "" {
		identity += " (" + profile.Role + ")"
	}
	fmt.Printf("%s %s\n", bold("ethos"), gray(appVersion()))
	fmt.Printf("  %s %s\n", blue("profile:"), identity)
	fmt.Printf("  %s %s\n", blue("store:"), cfg.Store.Path)
	fmt.Printf("  %s %s\n", blue("config:"), strings.Join(meta.Layers(), " + "))
	if cfg.Metrics.Enabled && cfg.Metrics.PrometheusPort > 0 {
		fmt.Printf("  %s http://localhost:%d/metrics\n", blue("metrics:"), cfg.Metrics.PrometheusPort)
	}
}
