package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tacticalmesh/meshagent/cmd/meshagent/commands"
	"github.com/tacticalmesh/meshagent/pkg/agent"
	"github.com/tacticalmesh/meshagent/pkg/config"
	"github.com/tacticalmesh/meshagent/pkg/observability"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// shutdownTimeout bounds how long in-flight work may take after SIGTERM
const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshagent",
		Short: "Tactical edge node agent",
		Long: `meshagent keeps an edge node registered with its controller. Heartbeats go
directly to the controller when it is reachable, through neighbouring nodes over
the mesh when it is not, and into a local buffer when neither path works.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage: true,
		RunE:         run,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "/etc/meshagent/config.yaml", "Config file path")
	flags.String("log-level", "", "Log level override (debug, info, warn, error)")
	flags.String("admin", "127.0.0.1:9477", "Admin API address used by the status commands")
	flags.StringP("output", "o", "table", "Output format: table, json, yaml")

	viper.BindPFlag("config", flags.Lookup("config"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
	viper.BindPFlag("admin", flags.Lookup("admin"))
	viper.BindPFlag("output", flags.Lookup("output"))

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()

	rootCmd.AddCommand(commands.NewVersionCommand(Version, BuildTime, GitCommit))
	rootCmd.AddCommand(commands.NewInitConfigCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewRoutesCommand())
	rootCmd.AddCommand(commands.NewPeersCommand())
	rootCmd.AddCommand(commands.NewBufferCommand())
	rootCmd.AddCommand(commands.NewCommandsCommand())
	rootCmd.AddCommand(commands.NewEventsCommand())
	rootCmd.AddCommand(commands.NewReloadCommand())

	return rootCmd
}

func run(cmd *cobra.Command, args []string) error {
	path := viper.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if override := viper.GetString("log_level"); override != "" {
		level = override
	}
	logger, err := observability.NewLogger(level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting meshagent",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
		zap.String("config", path),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
	)

	tp, err := observability.NewTracerProvider(observability.TracerConfig{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    "meshagent",
		ServiceVersion: Version,
		NodeID:         cfg.NodeID,
		SampleRate:     cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := agent.New(ctx, config.NewStore(path, cfg), agent.Options{Version: Version}, logger)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	defer a.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				// errors are logged and journaled by Reload
				_ = a.Reload("signal")
				continue
			}
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
			select {
			case err := <-errCh:
				return err
			case <-time.After(shutdownTimeout):
				return fmt.Errorf("agent did not stop within %s", shutdownTimeout)
			}
		case err := <-errCh:
			return err
		}
	}
}
