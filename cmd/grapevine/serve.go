package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grapevinehq/grapevine/pkg/config"
	"github.com/grapevinehq/grapevine/pkg/events"
	"github.com/grapevinehq/grapevine/pkg/ingress"
	"github.com/grapevinehq/grapevine/pkg/log"
	"github.com/grapevinehq/grapevine/pkg/metrics"
	"github.com/grapevinehq/grapevine/pkg/roomview"
	"github.com/grapevinehq/grapevine/pkg/signing"
	"github.com/grapevinehq/grapevine/pkg/storage"
	"github.com/grapevinehq/grapevine/pkg/types"
)

// Exit codes.
const (
	exitStoreCorruption = 1
	exitInvalidConfig   = 2
	exitSigningKey      = 3
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the homeserver core",
	Run: func(cmd *cobra.Command, args []string) {
		configPath, _ := cmd.Flags().GetString("config")
		os.Exit(serve(configPath))
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate a configuration file and exit",
	Run: func(cmd *cobra.Command, args []string) {
		configPath, _ := cmd.Flags().GetString("config")
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitInvalidConfig)
		}
		fmt.Printf("%s: OK\n", configPath)
	},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "/etc/grapevine/grapevine.yaml", "Configuration file")
	checkConfigCmd.Flags().StringP("config", "c", "/etc/grapevine/grapevine.yaml", "Configuration file")
}

func serve(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInvalidConfig
	}

	log.Init(cfg.Observability.Logs.Level, cfg.Observability.Logs.JSON, nil)
	metrics.SetVersion(Version)
	logger := log.WithComponent("serve")
	logger.Info().Str("server_name", cfg.ServerName).Str("version", Version).
		Msg("Starting grapevine")

	localKey, err := signing.LoadLocalKey(cfg.Keys.SigningKeyPath, cfg.ServerName)
	if err != nil {
		logger.Error().Err(err).Msg("Signing key unavailable")
		return exitSigningKey
	}
	metrics.MarkUp("signing")

	store, err := storage.NewBoltStore(filepath.Join(cfg.Database.Path, "grapevine.db"))
	if err != nil {
		if errors.Is(err, storage.ErrSchemaVersion) {
			logger.Error().Err(err).Msg("Schema mismatch, run grapevine-migrate")
		} else {
			logger.Error().Err(err).Msg("Store open failed")
		}
		return exitStoreCorruption
	}
	defer store.Close()
	metrics.MarkUp("store")

	keys := signing.NewKeyCache(nil, cfg.Keys.MaxCacheBytes)
	verifier := signing.NewVerifier(keys)
	refresher := signing.NewRefresher(keys, cfg.Keys.RefreshInterval)
	refresher.Start()
	defer refresher.Stop()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	view := roomview.NewView(store, broker)
	if err := view.Warm(); err != nil {
		logger.Error().Err(err).Msg("Room view warmup failed")
		return exitStoreCorruption
	}
	view.Start()
	defer view.Stop()

	pipe := ingress.NewPipeline(ingress.Config{
		Store:    store,
		Verifier: verifier,
		LocalKey: localKey,
		Broker:   broker,
		View:     view,
		Limits: ingress.Limits{
			MaxEventBytes:     cfg.Limits.MaxEventBytes,
			MaxDepthBackfill:  cfg.Limits.MaxDepthBackfill,
			QueuePerRoom:      cfg.Limits.IngressQueuePerRoom,
			MaxStateResEvents: cfg.Limits.MaxStateResEvents,
		},
		ServerName:     cfg.ServerName,
		DefaultVersion: types.RoomVersion(cfg.DefaultRoomVersion),
	})
	defer pipe.Stop()
	metrics.MarkUp("ingress")

	if err := pipe.Resume(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("Resuming parked events failed")
	}

	var metricsSrv *http.Server
	if cfg.Observability.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", metrics.HealthHandler())
		mux.HandleFunc("/readyz", metrics.ReadyHandler())
		metricsSrv = &http.Server{Addr: cfg.Observability.Metrics.Address, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		logger.Info().Str("address", cfg.Observability.Metrics.Address).Msg("Metrics listening")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-pipe.Fatal():
		logger.Error().Err(err).Msg("Store integrity failure")
		metrics.MarkDown("store", err.Error())
		code = exitStoreCorruption
	}

	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(ctx)
		cancel()
	}
	return code
}
