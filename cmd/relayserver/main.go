package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gsnrelay/gsn/go/relayserver"
	evmsigner "github.com/gsnrelay/gsn/go/signers/evm"
)

/**
 * Relay daemon
 *
 * Reads its configuration from the environment (a .env file is loaded when
 * present) or from the file named by CONFIG_FILE, registers the relay on the
 * hub if needed and serves /getaddr, /relay, /health and /metrics.
 *
 * Usage:
 *   RELAY_HUB_ADDRESS=0x... MANAGER_PRIVATE_KEY=... WORKER_PRIVATE_KEY=... \
 *   URL=https://relay.example.com go run ./cmd/relayserver
 */

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()
	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
	}
	cfg, err := relayserver.LoadServerConfig(v)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.EthereumNodeURL == "" {
		return errors.New(relayserver.KeyEthereumNodeURL + " is required")
	}
	manager, err := signerFromKey(relayserver.KeyManagerPrivateKey, cfg.ManagerPrivateKey)
	if err != nil {
		return err
	}
	worker, err := signerFromKey(relayserver.KeyWorkerPrivateKey, cfg.WorkerPrivateKey)
	if err != nil {
		return err
	}
	var owner *evmsigner.Signer
	if cfg.OwnerPrivateKey != "" {
		if owner, err = signerFromKey(relayserver.KeyOwnerPrivateKey, cfg.OwnerPrivateKey); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := ethclient.DialContext(ctx, cfg.EthereumNodeURL)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.EthereumNodeURL, err)
	}
	defer backend.Close()

	server, err := relayserver.NewRelayServer(ctx, cfg, backend, manager, worker, relayserver.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := server.Register(ctx, owner); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	logger.Info("relay registered",
		zap.String("relayManager", manager.Address().Hex()),
		zap.String("relayWorker", worker.Address().Hex()),
		zap.String("url", cfg.URL))

	if err := server.Run(ctx, fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func signerFromKey(key, value string) (*evmsigner.Signer, error) {
	if value == "" {
		return nil, fmt.Errorf("%s is required", key)
	}
	signer, err := evmsigner.NewSignerFromPrivateKey(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return signer, nil
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", relayserver.KeyLogLevel, level, err)
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(parsed)
	return config.Build()
}
