package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"saferelay/internal/api"
	"saferelay/internal/config"
	"saferelay/internal/gasstation"
	"saferelay/internal/keys"
	"saferelay/internal/relay"
	"saferelay/internal/safe"
	"saferelay/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	passphrase := os.Getenv(cfg.KeyStore.PassphraseEnv)
	if passphrase == "" {
		logger.Warn("keystore passphrase env is empty", "env", cfg.KeyStore.PassphraseEnv)
	}
	keysManager, err := keys.NewManager(cfg.KeyStore.Dir, passphrase)
	if err != nil {
		logger.Error("keystore init failed", "error", err)
		os.Exit(1)
	}
	funding := common.HexToAddress(cfg.KeyStore.FundingAccount)
	if !keysManager.HasAccount(funding) {
		logger.Error("funding account missing from keystore", "account", funding.Hex())
		os.Exit(1)
	}

	rpcClient, err := rpc.DialHTTP(cfg.RPC.HTTP)
	if err != nil {
		logger.Error("rpc dial failed", "error", err)
		os.Exit(1)
	}
	defer rpcClient.Close()
	rpcClient.SetHeader("User-Agent", "saferelay")
	ethClient := ethclient.NewClient(rpcClient)
	defer ethClient.Close()

	var st relay.Store
	if cfg.Database.DSN != "" {
		db, err := store.OpenDB(cfg.Database.DSN)
		if err != nil {
			logger.Error("database init failed", "error", err)
			os.Exit(1)
		}
		st = db
	} else {
		logger.Warn("no database configured, relay state is in-memory only")
		st = store.NewMemory()
	}

	copies, err := cfg.SafeMasterCopies()
	if err != nil {
		logger.Error("master copy table invalid", "error", err)
		os.Exit(1)
	}
	registry, err := safe.NewRegistry(copies)
	if err != nil {
		logger.Error("master copy registry init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sources := []gasstation.Source{
		gasstation.NewBlockPercentileSource(rpcClient, cfg.GasStation.BlockSampleSize),
	}
	for _, src := range cfg.GasStation.HTTPSources {
		sources = append(sources, gasstation.NewHTTPSource(src.Name, src.URL, nil))
	}
	station := gasstation.New(sources, gasstation.Config{
		RefreshInterval:   cfg.GasStation.RefreshInterval.Duration,
		SourceTimeout:     cfg.GasStation.SourceTimeout.Duration,
		MinQuorum:         cfg.GasStation.MinQuorum,
		OutlierMultiplier: cfg.GasStation.OutlierMultiplier,
		StalenessCeiling:  cfg.GasStation.StalenessCeiling.Duration,
		OnPublish: func(snap gasstation.Snapshot) {
			if err := st.SaveSnapshot(ctx, snap); err != nil {
				logger.Error("snapshot persist failed", "error", err)
			}
		},
	}, logger)

	seq := relay.NewSequencer(ethClient)
	engine, err := relay.NewEngine(relay.EngineConfig{
		ChainID:              new(big.Int).SetUint64(cfg.ChainID),
		FundingAccount:       funding,
		MaxGasPriceWei:       new(big.Int).Mul(new(big.Int).SetUint64(cfg.Relay.MaxGasPriceGwei), big.NewInt(1e9)),
		MaxTxGas:             new(big.Int).SetUint64(cfg.Relay.MaxTxGas),
		GasLimitMultiplier:   cfg.Relay.GasLimitMultiplier,
		BroadcastAttempts:    cfg.Relay.BroadcastAttempts,
		BroadcastBackoff:     cfg.Relay.BroadcastBackoff.Duration,
		BumpPercent:          cfg.Relay.BumpPercent,
		AllowStalePrices:     cfg.Relay.AllowStalePrices,
		RequireRefund:        cfg.Relay.RequireRefund,
		RejectRevertingCalls: cfg.Relay.RejectRevertingCalls,
	}, ethClient, station, seq, st, keysManager, registry, logger)
	if err != nil {
		logger.Error("relay engine init failed", "error", err)
		os.Exit(1)
	}
	if err := engine.Restore(ctx); err != nil {
		logger.Error("in-flight state restore failed", "error", err)
		os.Exit(1)
	}

	tracker := relay.NewTracker(relay.TrackerConfig{
		SweepInterval:     cfg.Tracker.SweepInterval.Duration,
		ConfirmationDepth: cfg.Tracker.ConfirmationDepth,
		ReplaceAfter:      cfg.Tracker.ReplaceAfter.Duration,
	}, ethClient, st, seq, engine, logger)

	station.Start(ctx)
	tracker.Start(ctx)

	server := api.NewServer(cfg, logger, engine)
	logger.Info("relay starting",
		"listen", cfg.API.Listen,
		"chain_id", cfg.ChainID,
		"funding_account", funding.Hex())
	if err := server.Start(ctx); err != nil && err.Error() != "http: Server closed" {
		logger.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}
