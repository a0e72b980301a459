// Command bluetapnode runs a storage node: the local blob store, the
// data-plane HTTP API and the heartbeat agent that keeps the node registered
// with the control plane.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/config"
	"github.com/prn-tf/bluetap/internal/metrics"
	"github.com/prn-tf/bluetap/internal/storagenode"
)

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadNode(*cfgFile)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg.Log).With().Str("node_id", cfg.ID).Logger()
	m := metrics.New()

	var masterKey []byte
	if cfg.EncryptionKey != "" {
		masterKey, err = hex.DecodeString(cfg.EncryptionKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("encryption key is not valid hex")
		}
	}

	store, err := storagenode.NewBlobStore(storagenode.BlobStoreConfig{
		DataDir:       cfg.DataDir,
		TempDir:       cfg.TempDir,
		CapacityBytes: cfg.CapacityBytes,
		MasterKey:     masterKey,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open blob store")
	}
	defer store.Close()

	server := storagenode.NewServer(cfg.ID, store, m, logger)

	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	mux.Handle("GET /metrics", metrics.Handler())

	agent := storagenode.NewHeartbeatAgent(storagenode.HeartbeatAgentConfig{
		NodeID:        cfg.ID,
		AdvertiseAddr: cfg.AdvertiseAddr,
		GatewayAddr:   cfg.GatewayAddr,
		Interval:      cfg.HeartbeatInterval,
	}, store, logger)
	agent.Start(context.Background())
	defer agent.Stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("storage node listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown incomplete")
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
