// Command fortunegate serves a fortune API behind a pay-per-request
// paywall settled on-chain through a meta-transaction relay.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/oracular-labs/fortunegate/pkg/config"
	"github.com/oracular-labs/fortunegate/pkg/relay"
	"github.com/oracular-labs/fortunegate/pkg/server"
	"github.com/oracular-labs/fortunegate/pkg/settle"
)

func main() {
	log, err := newLogger()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("DEBUG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relayClient, err := relay.Dial(dialCtx, cfg.RelayURL, cfg.ChainID, cfg.MerchantPrivateKey, log.Named("relay"))
	if err != nil {
		return err
	}
	defer relayClient.Close()

	settler := settle.New(relayClient, settle.Config{
		Asset:        cfg.Asset,
		Timeout:      cfg.SettleTimeout,
		PollInterval: cfg.PollInterval,
	}, log.Named("settle"))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.New(cfg, settler, relayClient, log.Named("http")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening",
			zap.String("port", cfg.Port),
			zap.String("network", cfg.Network),
			zap.String("merchant", cfg.MerchantAddress.Hex()),
			zap.String("asset", cfg.Asset.Hex()))
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	// Drain in-flight requests; settlement watches run at most the
	// configured timeout.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.SettleTimeout+5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
