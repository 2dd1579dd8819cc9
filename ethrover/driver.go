package ethrover

import (
	"context"
	"fmt"

	"github.com/blockcollider/rover/internal/rover"
	"github.com/blockcollider/rover/internal/tracker"
	"github.com/blockcollider/rover/internal/unified"
)

// Driver implements rover.Driver for Ethereum: the Pool and its peers own
// the network side, and this type is just the thin seam the control loop
// drives through.
type Driver struct {
	pool   *Pool
	blocks chan rover.Block
	done   chan struct{}
}

// NewDriver builds a Driver around an unstarted Pool.
func NewDriver(pool *Pool) *Driver {
	return &Driver{
		pool:   pool,
		blocks: make(chan rover.Block, 64),
		done:   make(chan struct{}),
	}
}

// Chain implements rover.Driver.
func (d *Driver) Chain() unified.Chain { return unified.ChainEthereum }

// Dispatcher implements rover.Driver.
func (d *Driver) Dispatcher() tracker.Dispatcher { return d.pool }

// Blocks implements rover.Driver.
func (d *Driver) Blocks() <-chan rover.Block { return d.blocks }

// RemoteTip implements rover.Driver. The rover keeps no local header chain,
// only the highest live block height it has validated, so the best-seen
// height doubles as the remote tip estimate for resync planning.
func (d *Driver) RemoteTip(ctx context.Context) (uint64, error) {
	best := d.pool.validator.BestSeen()
	if best == nil {
		return 0, nil
	}
	return best.Height, nil
}

// Start brings the devp2p server up and begins translating validated wire
// blocks into rover.Blocks. SetTracker must already have been called with
// the Engine's tracker so gap-fills discovered in Pool.HandleBlock route
// correctly; see cmd/rover for the wiring order.
func (d *Driver) Start() error {
	if err := d.pool.Start(); err != nil {
		return fmt.Errorf("ethrover: start driver: %w", err)
	}
	go d.pump()
	return nil
}

// Stop tears the devp2p server down.
func (d *Driver) Stop() {
	close(d.done)
	d.pool.Stop()
}

func (d *Driver) pump() {
	defer close(d.blocks)
	for {
		select {
		case <-d.done:
			return
		case ev, ok := <-d.pool.Events():
			if !ok {
				return
			}
			foreign := ToForeign(ev.Block)
			select {
			case d.blocks <- rover.Block{Foreign: foreign, FromInitialSync: ev.FromInitialSync}:
			case <-d.done:
				return
			}
		}
	}
}
