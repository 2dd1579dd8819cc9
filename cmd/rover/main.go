// Command rover runs a single chain rover process: Ethereum or Lisk,
// sharing the resync/control-loop engine, wired from a TOML config file.
package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/blockcollider/rover/ethrover"
	"github.com/blockcollider/rover/internal/config"
	"github.com/blockcollider/rover/internal/rover"
	"github.com/blockcollider/rover/internal/roverpc"
	"github.com/blockcollider/rover/internal/syncplan"
	"github.com/blockcollider/rover/internal/unified"
	"github.com/blockcollider/rover/liskrover"
)

// Process exit codes.
const (
	exitOK                   = 0
	exitLocalResourceExhausted = 3
)

var (
	chainFlag = cli.StringFlag{Name: "chain", Usage: "eth or lsk", Value: "eth"}
	configFlag = cli.StringFlag{Name: "config", Usage: "path to rover.toml", Value: "rover.toml"}
)

func main() {
	app := cli.NewApp()
	app.Name = "rover"
	app.Usage = "run a single-chain rover process"
	app.Flags = []cli.Flag{chainFlag, configFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Crit("rover exited with error", "err", err)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(cancel)

	switch ctx.String(chainFlag.Name) {
	case "eth":
		return runEthereum(runCtx, cfg)
	case "lsk":
		return runLisk(runCtx, cfg)
	default:
		return fmt.Errorf("rover: unknown chain %q", ctx.String(chainFlag.Name))
	}
}

func waitForSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	cancel()
}

func runEthereum(ctx context.Context, cfg config.Config) error {
	chainConfig := params.MainnetChainConfig
	networkID := uint64(ethrover.MainnetNetworkID)
	genesisHash := ethrover.MainnetGenesisHash
	defaultBootnodes := params.MainnetBootnodes
	if cfg.Network == config.NetworkTest {
		chainConfig = params.RopstenChainConfig
		networkID = ethrover.RopstenNetworkID
		genesisHash = ethrover.RopstenGenesisHash
		defaultBootnodes = params.RopstenBootnodes
	}

	privateKey, err := loadOrGenerateKey(cfg.Ethereum.PrivateKeyHex)
	if err != nil {
		return err
	}
	bootnodes, err := config.ParseBootnodes(append(append([]string(nil), defaultBootnodes...), cfg.Ethereum.AltBootnodes...))
	if err != nil {
		return err
	}

	pool := ethrover.NewPool(ethrover.PoolConfig{
		PrivateKey:  privateKey,
		NetworkID:   networkID,
		GenesisHash: genesisHash,
		ChainConfig: chainConfig,
		Bootnodes:   bootnodes,
		MaxPeers:    cfg.Ethereum.MaximumPeers,
	})
	driver := ethrover.NewDriver(pool)

	engine, client, err := buildEngine(driver, ethrover.Adapter{}, unified.ChainEthereum, cfg)
	if err != nil {
		return err
	}
	pool.SetTracker(engine.Tracker())

	if err := driver.Start(); err != nil {
		if isPortExhaustion(err) {
			os.Exit(exitLocalResourceExhausted)
		}
		return err
	}
	defer driver.Stop()
	if client != nil {
		defer client.Close()
	}

	err = engine.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		os.Exit(exitOK)
	}
	return err
}

func runLisk(ctx context.Context, cfg config.Config) error {
	httpClient, err := liskrover.NewClient(cfg.Lisk.Nodes, cfg.Lisk.RandomizeNodes, cfg.Lisk.BannedPeers)
	if err != nil {
		return err
	}
	driver := liskrover.NewDriver(httpClient)
	go driver.Run(ctx)

	engine, client, err := buildEngine(driver, liskrover.Adapter{}, unified.ChainLisk, cfg)
	if err != nil {
		return err
	}
	defer driver.Stop()
	if client != nil {
		defer client.Close()
	}

	err = engine.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		os.Exit(exitOK)
	}
	return err
}

// buildEngine wires the shared control-loop engine around a chain-specific
// driver and adapter.
func buildEngine(driver rover.Driver, adapter unified.ChainAdapter, chain unified.Chain, cfg config.Config) (*rover.Engine, roverpc.Client, error) {
	var client roverpc.Client
	var settlement unified.SettlementChecker
	if !cfg.IsStandalone {
		wsc, err := roverpc.Dial(cfg.RPCEndpoint)
		if err != nil {
			return nil, nil, err
		}
		client = wsc
		settlement = roverpc.SettlementAdapter{Client: wsc}
	}

	marker := unified.NewMarker(chain, cfg.DesignatedWalletKey, settlement)
	builder := unified.NewBuilder(adapter, marker)

	planner := chainParams(chain)
	engine := rover.NewEngine(driver, builder, client, rover.Config{
		Standalone:     cfg.IsStandalone,
		BlockCacheSize: blockCacheSize(chain),
		Planner:        planner,
	})
	return engine, client, nil
}

func chainParams(chain unified.Chain) syncplan.ChainParams {
	switch chain {
	case unified.ChainEthereum:
		return syncplan.ChainParams{MaxBatch: ethrover.MaxBatch, SecondsPerBlock: 15, ResyncPeriod: 24 * time.Hour}
	case unified.ChainLisk:
		return syncplan.ChainParams{MaxBatch: liskrover.MaxPageLimit, SecondsPerBlock: 10, ResyncPeriod: 24 * time.Hour, GapThresholdMultiplier: 2}
	default:
		return syncplan.ChainParams{}
	}
}

func blockCacheSize(chain unified.Chain) int {
	if chain == unified.ChainLisk {
		return 200
	}
	return ethrover.BlockCacheSize
}

func loadOrGenerateKey(hex string) (*ecdsa.PrivateKey, error) {
	if hex == "" {
		return ethcrypto.GenerateKey()
	}
	return ethcrypto.HexToECDSA(hex)
}

func isPortExhaustion(err error) bool {
	return errors.Is(err, ethrover.ErrNoFreePort)
}
