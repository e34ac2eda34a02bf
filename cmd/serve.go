package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"sipwatch/internal/config"
	"sipwatch/internal/engine"
	"sipwatch/internal/log"
	"sipwatch/internal/metrics"
	"sipwatch/internal/store"
)

var replayFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Capture and analyze SIP/RTP/RTCP traffic until interrupted",
	Long: `serve loads the config file, opens the configured packet sources
(a live interface, a pcap replay, and/or a HEP listener) and runs the
dissector pipeline until SIGINT/SIGTERM or, for a pure pcap replay, until
the file is exhausted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&replayFile, "replay", "", "replay this pcap file instead of capture.file from config")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if replayFile != "" {
		cfg.Capture.File = replayFile
		cfg.Capture.Interface = ""
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return err
	}
	if err := log.Init(cfg.Log); err != nil {
		return err
	}

	storage := store.NewStorage(toStoreConfig(cfg.Storage))

	e, err := engine.New(cfg, storage)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(stopCtx)
		}()
	}

	sessionID := uuid.New()
	slog.Info("sipwatch starting",
		"session", sessionID.String(),
		"interface", cfg.Capture.Interface,
		"file", cfg.Capture.File,
		"hep", cfg.Capture.Packet.HEP)

	return e.Run(ctx)
}

// toStoreConfig translates the YAML-facing config.StorageConfig into the
// store package's own StorageConfig, layered over its built-in defaults
// so unset YAML fields keep spec.md §4.8's defaults rather than zeroing
// out NoIncomplete/DialogCreatingMethods.
func toStoreConfig(cfg config.StorageConfig) store.StorageConfig {
	sc := store.DefaultStorageConfig()
	if cfg.Limit > 0 {
		sc.Limit = cfg.Limit
	}
	sc.Rotate = cfg.Rotate
	if cfg.StreamIdleTimeout != "" {
		if d, err := time.ParseDuration(cfg.StreamIdleTimeout); err == nil {
			sc.StreamIdleTimeout = d
		}
	}
	return sc
}
