// Package main is the entry point for the Conductor orchestration service.
// Conductor turns a single user request into a planned pipeline of
// capability stages with quality control, then serves progress over REST,
// WebSocket, SSE, and the A2A protocol.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	a2asurface "github.com/normanking/conductor/internal/a2a"
	"github.com/normanking/conductor/internal/agents"
	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/metrics"
	"github.com/normanking/conductor/internal/server"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/pkg/engine"
)

var (
	version = "1.0.0"
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - Multi-agent orchestration service",
		Long: `Conductor orchestrates specialist capabilities into a pipeline for each
incoming request:

  • Intent classification routes text, voice, image, and document requests
  • A stage planner sequences research, analysis, and synthesis capabilities
  • A quality critique loop re-runs weak results before delivery
  • Progress streams over WebSocket and SSE while sessions run

Start the service:   conductor serve
One-shot question:   conductor ask "Summarize the CAP theorem"
Configuration:       conductor config show`,
		PersistentPreRunE: initLogging,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.conductor/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Conductor v%s\n", version)
		},
	})

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initLogging sets up the console logger before any command runs. The serve
// command extends this with the configured file writer.
func initLogging(cmd *cobra.Command, args []string) error {
	logging.Console(verbose)
	return nil
}

// applyLogging reconfigures the global logger from the loaded config:
// level, optional log file, and pretty or JSON console output. The
// --verbose flag wins over the configured level.
func applyLogging(cfg *config.Config) error {
	opts := logging.Options{
		File:   cfg.Logging.File,
		Pretty: cfg.Logging.Pretty,
	}
	if !verbose {
		opts.Level = cfg.Logging.Level
	}
	return logging.Apply(opts)
}

// loadConfig reads the config from --config or the default location.
func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		Long: `Run the Conductor HTTP service.

Serves the session API, WebSocket and SSE progress streams, transcript
history, and (when enabled) the A2A JSON-RPC endpoint with its agent card.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("failed to create directories: %w", err)
			}
			if err := applyLogging(cfg); err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	registry, err := agents.NewRegistry(cfg.Agents.Timeouts)
	if err != nil {
		return fmt.Errorf("failed to build capability registry: %w", err)
	}

	sink, db, closeSinks, err := buildSink(cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	opts := []engine.Option{
		engine.WithQualityThreshold(cfg.Engine.QualityThreshold),
		engine.WithMaxQualityRetries(cfg.Engine.MaxQualityRetries),
		engine.WithSessionTimeout(cfg.Engine.SessionTimeout),
		engine.WithRetention(cfg.Engine.Retention),
		engine.WithMaxSessions(cfg.Engine.MaxSessions),
		engine.WithMaxFileSize(cfg.Engine.MaxFileSizeBytes),
		engine.WithEventBuffer(cfg.Engine.EventBuffer),
		engine.WithSubscriberBuffer(cfg.Engine.SubscriberBuffer),
		engine.WithSink(sink),
	}
	if cfg.Engine.LenientValidation {
		opts = append(opts, engine.WithLenientValidation())
	}

	eng, err := engine.New(registry, opts...)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	collector := metrics.NewCollector()
	collector.Start(eng)

	serverOpts := server.Options{
		Engine:    eng,
		Store:     db,
		Collector: collector,
	}
	if cfg.A2A.Enabled {
		mounts := a2asurface.NewMounts(eng, a2asurface.CardConfig{
			Version: version,
			URL:     fmt.Sprintf("http://%s/", cfg.Addr()),
		})
		serverOpts.A2A = &server.A2AMounts{
			JSONRPC:   mounts.JSONRPC,
			Card:      mounts.Card,
			CardPaths: mounts.CardPaths,
		}
	}

	srv, err := server.NewServer(serverOpts)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Addr()); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	zlog.Info().
		Str("addr", cfg.Addr()).
		Str("storage", cfg.Storage.Backend).
		Bool("a2a", cfg.A2A.Enabled).
		Str("version", version).
		Msg("conductor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		zlog.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("server shutdown error")
	}

	// Let in-flight sessions finish their terminal transitions, then stop
	// the consumers behind them.
	eng.Close()
	collector.Stop()

	zlog.Info().Msg("conductor stopped gracefully")
	return nil
}

// buildSink assembles the transcript sink chain from the storage config.
// The returned Store is non-nil only for sqlite-backed setups; it also
// serves the history API.
func buildSink(cfg *config.Config) (engine.Sink, *store.Store, func(), error) {
	var (
		sinks   []engine.Sink
		db      *store.Store
		closers []func()
	)

	backend := cfg.Storage.Backend
	if backend == "sqlite" || backend == "both" {
		s, err := store.NewDB(cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open transcript store: %w", err)
		}
		db = s
		sinks = append(sinks, s)
		closers = append(closers, func() {
			if err := s.Close(); err != nil {
				zlog.Warn().Err(err).Msg("transcript store close failed")
			}
		})
	}
	if backend == "redis" || backend == "both" {
		rs, err := store.NewRedisSink(store.RedisConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Stream:   cfg.Storage.Redis.Stream,
			MaxLen:   cfg.Storage.Redis.MaxLen,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		sinks = append(sinks, rs)
		closers = append(closers, func() {
			if err := rs.Close(); err != nil {
				zlog.Warn().Err(err).Msg("redis sink close failed")
			}
		})
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return store.Multi(sinks...), db, closeAll, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ASK COMMAND (one-shot)
// ═══════════════════════════════════════════════════════════════════════════════

func askCmd() *cobra.Command {
	var speech bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a one-shot question without starting the service",
		Long: `Run a single request through the full pipeline and print the result.

Examples:
  conductor ask "Summarize the history of distributed consensus"
  conductor ask --speech "What is a merkle tree?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			registry, err := agents.NewRegistry(cfg.Agents.Timeouts)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			eng, err := engine.New(registry,
				engine.WithQualityThreshold(cfg.Engine.QualityThreshold),
				engine.WithMaxQualityRetries(cfg.Engine.MaxQualityRetries),
				engine.WithSessionTimeout(cfg.Engine.SessionTimeout),
			)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer eng.Close()

			sessionID, err := eng.Submit(engine.Request{
				Query:        question,
				Modality:     engine.ModalityText,
				EnableSpeech: speech,
			})
			if err != nil {
				return fmt.Errorf("failed to submit: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			snap, err := eng.Wait(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("failed to process: %w", err)
			}
			if snap.State != engine.StateCompleted {
				if snap.Error != nil {
					return fmt.Errorf("request failed: %s", snap.Error.Message)
				}
				return fmt.Errorf("request ended in state %s", snap.State)
			}

			fmt.Println(snap.Result.Summary)
			if len(snap.Result.KeyPoints) > 0 {
				fmt.Println()
				for _, point := range snap.Result.KeyPoints {
					fmt.Printf("  • %s\n", point)
				}
			}
			if snap.Result.Audio != nil && snap.Result.Audio.Generated {
				fmt.Printf("\nNarration: %s (%.1fs)\n", snap.Result.Audio.File, snap.Result.Audio.DurationSeconds)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&speech, "speech", false, "narrate the answer as synthesized speech")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Println("Conductor Configuration:")
			fmt.Println("────────────────────────")
			fmt.Printf("Listen Address:    %s\n", cfg.Addr())
			fmt.Printf("Storage Backend:   %s\n", cfg.Storage.Backend)
			fmt.Printf("Data Directory:    %s\n", cfg.Storage.DataDir)
			fmt.Printf("Quality Threshold: %.2f\n", cfg.Engine.QualityThreshold)
			fmt.Printf("Quality Retries:   %d\n", cfg.Engine.MaxQualityRetries)
			fmt.Printf("Session Timeout:   %s\n", cfg.Engine.SessionTimeout)
			fmt.Printf("Retention:         %s\n", cfg.Engine.Retention)
			fmt.Printf("A2A Enabled:       %t\n", cfg.A2A.Enabled)
			fmt.Printf("Log Level:         %s\n", cfg.Logging.Level)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			if cfgPath != "" {
				fmt.Println(cfgPath)
				return
			}
			home, err := os.UserHomeDir()
			if err != nil {
				fmt.Println("~/.conductor/config.yaml")
				return
			}
			fmt.Println(filepath.Join(home, ".conductor", "config.yaml"))
		},
	})

	return cmd
}
