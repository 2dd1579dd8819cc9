package liskrover

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/blockcollider/rover/internal/rover"
	"github.com/blockcollider/rover/internal/tracker"
	"github.com/blockcollider/rover/internal/unified"
)

// workerPoolSize bounds a synthetic worker pool used in place of distinct
// peers: since there is no per-peer redundancy concept over a single HTTP
// API, the tracker's "k >= 2 verified peers" dispatch rule is satisfied by
// k workers drawn from this fixed pool instead.
const workerPoolSize = 5

// livePollInterval is how often the driver polls for a new tip block
// outside of an active resync.
const livePollInterval = 10 * time.Second

// Driver implements rover.Driver for Lisk: an HTTP polling stand-in for a
// peer session and pool, sharing the chain-agnostic control loop unchanged.
type Driver struct {
	client    *Client
	validator *Validator

	blocks chan rover.Block
	done   chan struct{}
	log    log.Logger
}

// NewDriver builds a Lisk driver around client.
func NewDriver(client *Client) *Driver {
	return &Driver{
		client:    client,
		validator: NewValidator(),
		blocks:    make(chan rover.Block, 64),
		done:      make(chan struct{}),
		log:       log.New("chain", "lsk"),
	}
}

// Chain implements rover.Driver.
func (d *Driver) Chain() unified.Chain { return unified.ChainLisk }

// RemoteTip implements rover.Driver.
func (d *Driver) RemoteTip(ctx context.Context) (uint64, error) {
	return d.client.Height(ctx)
}

// Blocks implements rover.Driver.
func (d *Driver) Blocks() <-chan rover.Block { return d.blocks }

// Dispatcher implements rover.Driver.
func (d *Driver) Dispatcher() tracker.Dispatcher { return dispatcherFunc(d.selectWorkers) }

type dispatcherFunc func() []tracker.PeerHandle

func (f dispatcherFunc) SelectPeers() []tracker.PeerHandle { return f() }

type worker struct{ driver *Driver }

// RequestHeaders implements tracker.PeerHandle by paging the HTTP API over
// [from, from+count-1] and pushing every block it fetches, tagged as part
// of the active resync session.
func (w worker) RequestHeaders(from, count uint64) error {
	return w.driver.fetchRange(context.Background(), from, from+count-1, true)
}

func (d *Driver) selectWorkers() []tracker.PeerHandle {
	k := int(math.Ceil(math.Sqrt(float64(workerPoolSize))))
	if k < 2 {
		k = 2
	}
	out := make([]tracker.PeerHandle, k)
	for i := range out {
		out[i] = worker{driver: d}
	}
	return out
}

// fetchRange pages the HTTP API to cover [from, to], validating and
// converting each block, pushing results to Blocks().
func (d *Driver) fetchRange(ctx context.Context, from, to uint64, fromInitialSync bool) error {
	if to < from {
		return nil
	}
	remaining := to - from + 1
	offset := from
	for remaining > 0 {
		limit := remaining
		if limit > MaxPageLimit {
			limit = MaxPageLimit
		}
		page, err := d.client.Blocks(ctx, offset, limit)
		if err != nil {
			return fmt.Errorf("liskrover: fetch range [%d,%d]: %w", from, to, err)
		}
		if len(page) == 0 {
			break
		}
		for _, nb := range page {
			if nb.Height < from || nb.Height > to {
				continue
			}
			if err := d.deliver(ctx, nb, fromInitialSync); err != nil {
				d.log.Warn("dropping block", "height", nb.Height, "err", err)
			}
		}
		offset += uint64(len(page))
		remaining -= uint64(len(page))
	}
	return nil
}

func (d *Driver) deliver(ctx context.Context, nb nativeBlock, fromInitialSync bool) error {
	txs, err := d.client.Transactions(ctx, nb.ID)
	if err != nil {
		return fmt.Errorf("fetch transactions for block %s: %w", nb.ID, err)
	}
	if err := d.validator.ValidateStructure(nb, txs); err != nil {
		return err
	}
	foreign, err := ToForeign(nb, txs)
	if err != nil {
		return err
	}
	select {
	case d.blocks <- rover.Block{Foreign: foreign, FromInitialSync: fromInitialSync}:
	case <-d.done:
	}
	return nil
}

// Run drives the live-tip polling loop (outside of any active resync) until
// ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(livePollInterval)
	defer ticker.Stop()

	var lastSeen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case <-ticker.C:
			tip, err := d.client.Height(ctx)
			if err != nil {
				d.log.Warn("live poll failed to read tip", "err", err)
				continue
			}
			if tip <= lastSeen {
				continue
			}
			from := lastSeen + 1
			if lastSeen == 0 {
				from = tip
			}
			if err := d.fetchRange(ctx, from, tip, false); err != nil {
				d.log.Warn("live poll fetch failed", "err", err)
				continue
			}
			lastSeen = tip
		}
	}
}

// Stop tears the driver down.
func (d *Driver) Stop() { close(d.done) }
