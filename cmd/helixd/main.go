// Package main provides the helixd daemon - a multi-chain wallet data
// plane with a JSON-RPC API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/helix-wallet/helixd/internal/chains"
	"github.com/helix-wallet/helixd/internal/config"
	"github.com/helix-wallet/helixd/internal/crypto"
	"github.com/helix-wallet/helixd/internal/fees"
	"github.com/helix-wallet/helixd/internal/history"
	"github.com/helix-wallet/helixd/internal/monitor"
	"github.com/helix-wallet/helixd/internal/record"
	"github.com/helix-wallet/helixd/internal/rpc"
	"github.com/helix-wallet/helixd/internal/unified"
	"github.com/helix-wallet/helixd/internal/wallet"
	"github.com/helix-wallet/helixd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.helix", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		syncEvery   = flag.Duration("sync-interval", 60*time.Second, "Chain sync interval")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("helixd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Determine data directory (testnet uses subdirectory)
	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	// Load or create config file
	var cfg *config.Config
	var err error

	if *configFile != "" {
		cfg, err = config.LoadConfig(filepath.Dir(*configFile))
	} else {
		cfg, err = config.LoadConfig(effectiveDataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = effectiveDataDir
	if *apiAddr != "" {
		cfg.API.ListenAddr = *apiAddr
	}
	if *testnet {
		cfg.NetworkType = config.Testnet
	} else {
		cfg.NetworkType = config.Mainnet
	}

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(effectiveDataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := record.New(&record.Config{
		DataDir:       dataPath,
		CacheCapacity: cfg.Storage.CacheCapacity,
		Compression:   cfg.Storage.Compression,
	})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Chain adapters
	btcNode, _ := cfg.ChainNodeConfig(chains.ChainBitcoin)
	btc := chains.NewBitcoinService(cfg.ChainURL(chains.ChainBitcoin), btcNode.RPCUser, btcNode.RPCPass, cfg.IsTestnet())

	lnNode, _ := cfg.ChainNodeConfig(chains.ChainLightning)
	ln := chains.NewLightningService(cfg.ChainURL(chains.ChainLightning), lnNode.AuthToken)

	asset := chains.NewAssetService(cfg.ChainURL(chains.ChainAsset), cfg.IsTestnet())

	contractNode, _ := cfg.ChainNodeConfig(chains.ChainContract)
	contract := chains.NewContractService(cfg.ChainURL(chains.ChainContract), contractNode.AuthToken, cfg.IsTestnet())

	// Wallet repository and chain coordinator. The grant oracle lets
	// DIDs listed in a wallet's Permissions mutate it without owning it.
	store.SetOracle(wallet.NewGrantOracle(store))
	repo := wallet.NewRepository(store)
	coord := chains.NewCoordinator(repo)
	coord.Register(btc)
	coord.Register(ln)
	coord.Register(asset)
	coord.Register(contract)
	log.Info("Chain coordinator initialized", "chains", coord.SupportedChains())

	// Node connections are best-effort at startup; the coordinator
	// retries transient failures per call.
	for _, conn := range []interface {
		Connect(ctx context.Context) error
	}{btc, ln, asset, contract} {
		if err := conn.Connect(ctx); err != nil {
			log.Warn("Node connection failed", "error", err)
		}
	}

	// Crypto service for metadata sealing and backups
	cryptoSvc, err := crypto.NewService()
	if err != nil {
		log.Fatal("Failed to initialize crypto service", "error", err)
	}
	defer cryptoSvc.Close()

	// Fee estimation backed by the bitcoin node
	feeSvc := fees.NewService(btc, cfg.Fees.CacheTTL)

	// Transaction ledger with on-chain detail lookups
	hist := history.NewService(store, btc)

	// Error monitor with recovery hooks
	mon := monitor.NewHandler(store).
		WithReconnector(btc).
		WithReconnector(ln).
		WithReconnector(asset).
		WithReconnector(contract).
		WithPinger(store)

	// Credential store and unified wallet facade
	auth := unified.NewMapAuthenticator()
	unifiedSvc := unified.New(repo, coord, cryptoSvc, hist, auth)
	mon.WithResubmitter(unifiedSvc)
	log.Info("Wallet services initialized", "network", cfg.NetworkType)

	// Start RPC server
	rpcServer := rpc.NewServer(unifiedSvc, repo, coord, feeSvc, hist, mon)
	if err := rpcServer.Start(cfg.API.ListenAddr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg)

	// Periodic chain sync keeps adapter tip state fresh and surfaces
	// node outages through the monitor.
	go func() {
		ticker := time.NewTicker(*syncEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := coord.SyncAll(ctx); err != nil {
					if herr := mon.Handle(ctx, err); herr != nil {
						log.Error("Chain sync failed", "error", herr)
					}
					continue
				}
				if hub := rpcServer.WSHub(); hub != nil {
					hub.Broadcast(rpc.EventChainSynced, map[string]interface{}{
						"chains": coord.SupportedChains(),
					})
				}
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Helix Wallet Daemon (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", cfg.API.ListenAddr)
	log.Infof("  WS:  ws://%s/ws", cfg.API.ListenAddr)
	log.Info("")
	log.Infof("  Network: %s", networkLabel)
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
