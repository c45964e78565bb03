package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"billbridge/internal/attestation"
	"billbridge/internal/billing"
	"billbridge/internal/chain"
	"billbridge/internal/config"
	"billbridge/internal/credentials"
	"billbridge/internal/events"
	"billbridge/internal/payments"
	"billbridge/internal/server"
	"billbridge/internal/transfer"
)

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "billbridge").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if lvl, err := zerolog.ParseLevel(cfg.Service.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("billbridge stopped")
	}
}

func run(cfg *config.AppConfig, logger zerolog.Logger) error {
	ctx := context.Background()
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	keyring, err := buildKeyring(cfg.Keystore)
	if err != nil {
		return fmt.Errorf("keyring: %w", err)
	}

	source, err := buildChain(ctx, cfg.Source, keyring, logger)
	if err != nil {
		return err
	}
	if eth, ok := source.(*chain.EthClient); ok {
		closers = append(closers, eth.Close)
	}
	destination, err := buildChain(ctx, cfg.Destination, keyring, logger)
	if err != nil {
		return err
	}
	if eth, ok := destination.(*chain.EthClient); ok {
		closers = append(closers, eth.Close)
	}

	var limiter *rate.Limiter
	if rps := cfg.Attestation.RequestsPerSecond; rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	poller := attestation.NewPoller(cfg.PollerSettings(), &http.Client{}, limiter, logger)

	transferCfg, err := cfg.TransferSettings()
	if err != nil {
		return err
	}
	orch, err := transfer.New(transferCfg, source, destination, poller, logger)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("bill store: %w", err)
	}
	closers = append(closers, closeStore)

	gate, closeGate, err := buildGate(ctx, cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("bill gate: %w", err)
	}
	closers = append(closers, closeGate)

	publisher := buildPublisher(cfg.Broker, logger)
	closers = append(closers, publisher.Close)

	svc := payments.NewService(billing.NewLedger(store, logger), gate, orch, publisher, logger)

	apiServer := server.NewServer(cfg.Service, svc, logger)
	for name, c := range map[string]any{"source_rpc": source, "destination_rpc": destination, "store": store, "gate": gate} {
		if p, ok := c.(pinger); ok {
			apiServer.AddHealthCheck(name, p.Ping)
		}
	}

	var resumer *payments.Resumer
	if cfg.Resumer.Enabled {
		resumer, err = payments.NewResumer(svc, cfg.Resumer.Schedule, cfg.Resumer.Timeout, logger)
		if err != nil {
			return err
		}
		resumer.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if resumer != nil {
		resumer.Stop(shutdownCtx)
	}
	return apiServer.Shutdown(shutdownCtx)
}

func buildKeyring(cfg config.KeystoreConfig) (credentials.Keyring, error) {
	if cfg.DevPrivateKey != "" {
		ring := credentials.NewStaticKeyring()
		if err := ring.AddHex(credentials.Ref(cfg.DevRef), cfg.DevPrivateKey); err != nil {
			return nil, err
		}
		return ring, nil
	}
	if cfg.Dir != "" {
		pass := cfg.Passphrase
		return &credentials.KeystoreKeyring{
			Dir:        cfg.Dir,
			Passphrase: func(credentials.Ref) (string, error) { return pass, nil },
		}, nil
	}
	return nil, nil
}

// buildChain dials the configured RPC. Without an RPC URL the chain is
// emulated in memory.
func buildChain(ctx context.Context, cfg config.ChainConfig, keyring credentials.Keyring, logger zerolog.Logger) (chain.Client, error) {
	if cfg.RPCURL == "" {
		logger.Warn().Str("chain", cfg.Name).Msg("no rpc url configured, using in-memory chain")
		fake := chain.NewFakeClient(cfg.Name)
		fake.Keyring = keyring
		return fake, nil
	}
	if keyring == nil {
		return nil, fmt.Errorf("%s: a keystore dir or dev private key is required with an rpc url", cfg.Name)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	eth, err := chain.NewEthClient(dialCtx, chain.EthClientConfig{
		Name:                cfg.Name,
		RPCURL:              cfg.RPCURL,
		ChainID:             cfg.ChainID,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		ReceiptPollInterval: cfg.ReceiptPollInterval,
		Keyring:             keyring,
	}, logger)
	if err != nil {
		return nil, err
	}
	return eth, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (billing.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		return billing.NewMemoryStore(), func() {}, nil
	case "file":
		s, err := billing.NewFileStore(cfg.Path)
		return s, func() {}, err
	case "sqlite":
		s, err := billing.NewSQLiteStore(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "badger":
		s, err := billing.OpenBadgerStore(cfg.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := billing.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}

func buildGate(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (billing.Gate, func(), error) {
	if cfg.URL == "" {
		return billing.NewLocalGate(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	gate := billing.NewRedisGate(client, "billbridge:gate:", cfg.GateTTL)
	gate.OnLost = func(billID string, err error) {
		logger.Warn().Err(err).Str("bill_id", billID).Msg("bill gate renewal failed")
	}
	if err := gate.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info().Str("addr", opts.Addr).Msg("using redis bill gate")
	return gate, func() { _ = client.Close() }, nil
}

func buildPublisher(cfg config.BrokerConfig, logger zerolog.Logger) events.Publisher {
	if cfg.URL == "" {
		return events.NewLogPublisher(logger)
	}
	pub, err := events.NewAMQPPublisher(cfg.URL, cfg.Exchange, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("broker unavailable, logging transfer events instead")
		return events.NewLogPublisher(logger)
	}
	return pub
}
