package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tailriver/tailriver/internal/admin"
	"github.com/tailriver/tailriver/internal/alert"
	"github.com/tailriver/tailriver/internal/cdc"
	"github.com/tailriver/tailriver/internal/checkpoint"
	"github.com/tailriver/tailriver/internal/config"
	"github.com/tailriver/tailriver/internal/oplog"
	"github.com/tailriver/tailriver/internal/sink"
	"github.com/tailriver/tailriver/internal/storage"
	"github.com/tailriver/tailriver/internal/telemetry"
)

const version = "v0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tailriver",
	Short: "tailriver - MongoDB oplog change data capture",
	Long:  `Tails a MongoDB or TokuMX oplog and streams every change to a sink, resuming from a durable checkpoint`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "tailriver.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tailriver %s\n", version)
		fmt.Printf("sinks: %v\n", sink.Types())
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start tailing the oplog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		setupLogging(cfg.Logging)
		telemetry.Init()

		var local *storage.Storage
		if cfg.Checkpoint.Store == config.StoreBolt {
			local, err = storage.New(cfg.Checkpoint.Path)
			if err != nil {
				return fmt.Errorf("failed to initialize storage: %w", err)
			}
			defer local.Close()
		}

		snk, err := sink.New(sink.Config{
			Type:         cfg.Sink.Type,
			TopicPrefix:  cfg.Sink.TopicPrefix,
			Brokers:      cfg.Sink.Brokers,
			BatchSize:    cfg.Sink.BatchSize,
			NatsURL:      cfg.Sink.NatsURL,
			StreamMaxAge: cfg.Sink.StreamMaxAge,
		})
		if err != nil {
			return fmt.Errorf("failed to create sink: %w", err)
		}
		defer snk.Close()

		startAt, _ := cfg.Dispatch.StartTime()
		manager := cdc.NewManager(newPipelineBuilder(cfg, local, snk), cdc.ManagerConfig{
			Service:    cfg.Service,
			StartAt:    startAt,
			MaxBackoff: cfg.Dispatch.MaxBackoff,
		})

		alertManager := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)
		manager.SetAlertManager(alertManager)

		var adminServer *http.Server
		if cfg.Admin.Enabled {
			adminServer = admin.NewServer(cfg.Admin.Addr, cfg.Service, manager)
			go func() {
				if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("Admin server failed")
				}
			}()
			log.Info().Str("addr", cfg.Admin.Addr).Msg("Admin endpoints enabled")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		log.Info().
			Str("service", cfg.Service).
			Str("mode", cfg.Upstream.Mode).
			Str("checkpoint_store", cfg.Checkpoint.Store).
			Str("sink", cfg.Sink.Type).
			Msg("Starting tailriver")

		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start pipeline: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		var runErr error
		select {
		case <-sigCh:
			log.Info().Msg("Shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()

			if err := manager.Stop(shutdownCtx); err != nil {
				runErr = fmt.Errorf("failed to stop pipeline: %w", err)
			}
		case <-manager.Done():
			runErr = manager.Wait()
		}

		if adminServer != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = adminServer.Shutdown(shutdownCtx)
		}

		log.Info().Msg("tailriver stopped")
		return runErr
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display stored checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		fmt.Printf("Service: %s\n", cfg.Service)
		fmt.Printf("Checkpoint store: %s\n", cfg.Checkpoint.Store)

		switch cfg.Checkpoint.Store {
		case config.StoreBolt:
			return boltStatus(ctx, cfg)
		case config.StoreMongo:
			return mongoStatus(ctx, cfg)
		default:
			fmt.Println("Checkpoints are not persisted")
			return nil
		}
	},
}

func boltStatus(ctx context.Context, cfg *config.Config) error {
	local, err := storage.New(cfg.Checkpoint.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer local.Close()

	if variant, err := local.GetMetadata(storage.VariantKey); err == nil {
		fmt.Printf("Upstream variant: %s\n", variant)
	}

	services, err := local.Services()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(services) == 0 {
		fmt.Println("No checkpoints yet")
		return nil
	}

	fmt.Printf("\nCheckpoints:\n")
	for _, service := range services {
		cp, err := local.Load(ctx, service)
		if err != nil {
			fmt.Printf("  - %s: unreadable (%v)\n", service, err)
			continue
		}
		printCheckpoint(service, cp)
	}
	return nil
}

func mongoStatus(ctx context.Context, cfg *config.Config) error {
	up, err := oplog.Dial(ctx, cfg.Upstream.DialConfig())
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer up.Disconnect(ctx)

	cursor, err := oplog.NewCursor(ctx, up, oplog.Mode(cfg.Upstream.Mode), oplog.CursorConfig{})
	if err != nil {
		return err
	}

	store := checkpoint.NewMongoStore(up.Client(), cfg.Checkpoint.Database, cfg.Checkpoint.Collection, cursor)
	cp, err := store.Load(ctx, cfg.Service)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}

	fmt.Printf("Upstream variant: %s\n", cursor.Variant().Name)
	fmt.Printf("\nCheckpoints:\n")
	printCheckpoint(cfg.Service, cp)
	return nil
}

func printCheckpoint(service string, cp *checkpoint.Checkpoint) {
	if cp.IsZero() {
		fmt.Printf("  - %s: none\n", service)
		return
	}
	fmt.Printf("  - %s\n", service)
	fmt.Printf("    Position: %s\n", cp.Position)
	fmt.Printf("    Time: %s\n", cp.Time.Format(time.RFC3339))
}

func setupLogging(cfg config.LoggingConfig) {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Format == "json" {
		writer = os.Stdout
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	log.Logger = zerolog.New(writer).
		With().
		Timestamp().
		Logger().
		Level(level)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
