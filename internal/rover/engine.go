// Package rover implements the control loop shared by every chain rover.
// It is deliberately chain-agnostic — the Ethereum and Lisk variants each
// supply a Driver; everything else (directive handling, live-block
// emission, resync planning, back-off) lives here exactly once.
package rover

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/blockcollider/rover/internal/cache"
	"github.com/blockcollider/rover/internal/roverpc"
	"github.com/blockcollider/rover/internal/syncplan"
	"github.com/blockcollider/rover/internal/tracker"
	"github.com/blockcollider/rover/internal/unified"
)

// Block is one validated foreign block surfaced by a Driver, tagged with
// whether it arrived as part of an active resync batch.
type Block struct {
	Foreign         unified.ForeignBlock
	FromInitialSync bool
}

// Driver is the chain-specific collaborator the engine drives. Ethereum's
// driver wraps a peer session and pool; Lisk's wraps the HTTP polling
// client. The sync planner and request tracker are shared and live in the
// Engine, not the Driver.
type Driver interface {
	Chain() unified.Chain
	// RemoteTip returns the current best-known remote tip height.
	RemoteTip(ctx context.Context) (uint64, error)
	// Blocks is the stream of validated foreign blocks (live tip blocks and
	// resync batch results alike). The Ethereum driver closes it when it
	// shuts down; the Lisk driver leaves it open, so consumers also stop on
	// ctx cancellation.
	Blocks() <-chan Block
	// Dispatcher is the request tracker's view into this driver's
	// request-routing surface.
	Dispatcher() tracker.Dispatcher
}

// Config bundles the Engine's tunables.
type Config struct {
	Standalone     bool
	BlockCacheSize int           // ~118 for Ethereum, ~200 for Lisk
	BlockCacheTTL  time.Duration // 0 disables TTL-based eviction
	Planner        syncplan.ChainParams
}

// Engine drives one rover's control loop end to end.
type Engine struct {
	driver  Driver
	builder *unified.Builder
	client  roverpc.Client
	tracker *tracker.Tracker
	cfg     Config
	log     log.Logger

	seen *cache.Bounded

	// backoff is a per-rover counter, incremented on a collectBlock failure
	// and decremented on each subsequent block that would be relayed (live
	// or resync), causing that many blocks to be skipped as a simple back-off.
	backoff int
}

// NewEngine builds an Engine. client may be nil in standalone mode.
func NewEngine(driver Driver, builder *unified.Builder, client roverpc.Client, cfg Config) *Engine {
	e := &Engine{
		driver:  driver,
		builder: builder,
		client:  client,
		cfg:     cfg,
		log:     log.New("chain", string(driver.Chain())),
		seen:    cache.New(cfg.BlockCacheSize, cfg.BlockCacheTTL),
	}
	var reporter tracker.StatusReporter
	if client != nil {
		reporter = syncStatusReporter{client: client, chain: string(driver.Chain())}
	}
	e.tracker = tracker.New(driver.Dispatcher(), reporter, log.New("component", "tracker", "chain", string(driver.Chain())))
	return e
}

type syncStatusReporter struct {
	client roverpc.Client
	chain  string
}

func (r syncStatusReporter) ReportSyncStatus(ctx context.Context, ok bool) error {
	return r.client.ReportSyncStatus(ctx, r.chain, ok)
}

// Tracker exposes the request tracker so a Driver can route gap-fill
// requests discovered mid-validation directly into it.
func (e *Engine) Tracker() *tracker.Tracker { return e.tracker }

// Run opens the parent RPC stream (no-op in standalone mode), starts the
// tracker's watchdog and the live-block consumer, and drives inbound
// directives until ctx is cancelled or the parent stream closes.
func (e *Engine) Run(ctx context.Context) error {
	go e.tracker.Run(ctx)
	defer e.tracker.Close()

	go e.consumeBlocks(ctx)

	if e.cfg.Standalone || e.client == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	directives, err := e.client.Join(ctx, string(e.driver.Chain()))
	if err != nil {
		return fmt.Errorf("rover: join: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-directives:
			if !ok {
				return nil
			}
			e.handleDirective(ctx, d)
		}
	}
}

func (e *Engine) handleDirective(ctx context.Context, d roverpc.Directive) {
	switch d.Type {
	case roverpc.DirectiveRequestResync:
		e.handleResync(ctx, d.Resync)
	case roverpc.DirectiveFetchBlock:
		e.handleFetchBlock(d.Fetch)
	default:
		e.log.Warn("ignoring unknown rover directive", "type", d.Type)
	}
}

func (e *Engine) handleResync(ctx context.Context, data *roverpc.ResyncData) {
	tip, err := e.driver.RemoteTip(ctx)
	if err != nil {
		e.log.Error("failed to read remote tip for resync", "err", err)
		e.tracker.Fail(ctx)
		return
	}

	directive := syncplan.Directive{}
	if data != nil {
		for _, iv := range data.Intervals {
			directive.Intervals = append(directive.Intervals, syncplan.Interval{From: iv.From, To: iv.To})
		}
		if data.KnownLatest != nil {
			directive.KnownLatest = &syncplan.KnownLatest{
				Height:    data.KnownLatest.Height,
				Hash:      data.KnownLatest.Hash,
				Timestamp: data.KnownLatest.Timestamp,
			}
		}
	}

	batches := syncplan.Plan(directive, tip, e.cfg.Planner, time.Now())
	e.tracker.StartSession(ctx, batches)
}

func (e *Engine) handleFetchBlock(data *roverpc.FetchBlockData) {
	if data == nil {
		return
	}
	b := syncplan.FetchBlockBatch(data.PreviousLast.Height, data.CurrentLast.Height, e.cfg.Planner.MaxBatch)
	e.tracker.EnqueueBatch(b)
}

// consumeBlocks is the shared tail of the control loop: every validated
// foreign block, live or resync, is translated into a unified block and
// relayed upstream (unless standalone) at most once per hash; a block that
// arrives while backing off is marked seen and not relayed.
func (e *Engine) consumeBlocks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case blk, ok := <-e.driver.Blocks():
			if !ok {
				return
			}
			e.handleBlock(ctx, blk)
		}
	}
}

func (e *Engine) handleBlock(ctx context.Context, blk Block) {
	if e.seen.Contains(blk.Foreign.Hash) {
		return
	}

	u, err := e.builder.Build(ctx, blk.Foreign)
	if err != nil {
		e.log.Error("failed to build unified block", "height", blk.Foreign.Height, "err", err)
		return
	}
	e.seen.Add(blk.Foreign.Hash, struct{}{})

	if blk.FromInitialSync {
		defer e.tracker.CompleteHeight(ctx, blk.Foreign.Height)
	}

	if e.cfg.Standalone || e.client == nil {
		e.log.Info("block observed (standalone)", "height", u.Height, "hash", u.Hash, "marked", len(u.MarkedTxs))
		return
	}

	if e.backoff > 0 {
		e.backoff--
		e.log.Debug("skipping collectBlock tick, backing off", "remaining", e.backoff)
		return
	}

	if err := e.client.CollectBlock(ctx, u); err != nil {
		e.log.Warn("collectBlock failed, backing off one tick", "err", err)
		e.backoff++
	}
}
