package ethrover

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math"
	"math/big"
	"math/rand"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/params"

	"github.com/blockcollider/rover/internal/cache"
	"github.com/blockcollider/rover/internal/syncplan"
	"github.com/blockcollider/rover/internal/tracker"
	"github.com/blockcollider/rover/internal/validate"
)

const (
	portRangeLow   = 30304
	portRangeHigh  = 33663
	maxPeersBase   = 25
	maxPeersJitter = 9

	headerCacheSize = 512
)

// PoolConfig bundles the devp2p tunables for the peer pool.
type PoolConfig struct {
	PrivateKey  *ecdsa.PrivateKey
	NetworkID   uint64
	GenesisHash common.Hash
	ChainConfig *params.ChainConfig

	// Bootnodes is the union of the chain's hard-coded defaults and any
	// configured alternate boot nodes.
	Bootnodes []*enode.Node
	// MaxPeers overrides the jittered default when non-zero.
	MaxPeers int
}

// BlockEvent is one validated reconstructed block, tagged with whether it
// arrived as part of an active batch request.
type BlockEvent struct {
	Block           *types.Block
	FromInitialSync bool
}

// Pool owns the devp2p server, the set of fork-verified peers, and
// the single Coordinator every Peer session shares.
type Pool struct {
	cfg    PoolConfig
	server *p2p.Server
	log    log.Logger

	validator   *validate.EthValidator
	blockCache  *cache.Bounded
	txCache     *cache.Bounded
	headerCache *cache.Bounded

	trk *tracker.Tracker // set via SetTracker once the Engine builds it

	mu    sync.Mutex
	peers map[enode.ID]*Peer

	events chan BlockEvent
}

// NewPool builds an unstarted peer pool.
func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{
		cfg:         cfg,
		log:         log.New("component", "pool", "chain", "eth"),
		validator:   validate.NewEthValidator(cfg.ChainConfig),
		blockCache:  cache.New(BlockCacheSize, 0),
		txCache:     cache.New(TxCacheSize, 0),
		headerCache: cache.New(headerCacheSize, 0),
		peers:       make(map[enode.ID]*Peer),
		events:      make(chan BlockEvent, 64),
	}

	maxPeers := cfg.MaxPeers
	if maxPeers == 0 {
		maxPeers = maxPeersBase + rand.Intn(2*maxPeersJitter+1) - maxPeersJitter
	}

	p.server = &p2p.Server{
		Config: p2p.Config{
			PrivateKey:     cfg.PrivateKey,
			MaxPeers:       maxPeers,
			BootstrapNodes: cfg.Bootnodes,
			Protocols: []p2p.Protocol{{
				Name:    ProtocolName,
				Version: ProtocolVersion63,
				Length:  ProtocolLength,
				Run:     p.runPeer,
			}},
		},
	}
	return p
}

// SetTracker wires the shared request tracker in, once the Engine has built
// it. Gap-fill requests discovered while validating live blocks are routed
// there directly.
func (p *Pool) SetTracker(t *tracker.Tracker) { p.trk = t }

// ErrNoFreePort is returned by Start when every port in the DPT/RLPx range
// is already bound — a fatal local-resource-exhaustion condition.
var ErrNoFreePort = fmt.Errorf("ethrover: no free port in [%d,%d]", portRangeLow, portRangeHigh)

// pickListenAddr scans the DPT/RLPx port range for the first port that
// binds, rather than a single hard-coded port, so multiple local rovers can
// coexist.
func pickListenAddr() (string, error) {
	for port := portRangeLow; port <= portRangeHigh; port++ {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			continue
		}
		ln.Close()
		return addr, nil
	}
	return "", ErrNoFreePort
}

// Start brings the devp2p server up. Returns ErrNoFreePort if the DPT/RLPx
// port range is exhausted.
func (p *Pool) Start() error {
	addr, err := pickListenAddr()
	if err != nil {
		return err
	}
	p.server.ListenAddr = addr
	if err := p.server.Start(); err != nil {
		return fmt.Errorf("ethrover: start p2p server: %w", err)
	}
	return nil
}

// Stop tears the devp2p server down.
func (p *Pool) Stop() { p.server.Stop() }

// runPeer is the p2p.Protocol Run callback: the pool's view of a peer
// session's full lifetime, from fork probe through disconnect.
func (p *Pool) runPeer(peer *p2p.Peer, rw p2p.MsgReadWriter) error {
	sess := NewPeer(peer, rw, ProtocolVersion63, p)

	p.mu.Lock()
	p.peers[peer.ID()] = sess
	p.mu.Unlock()

	defer func() {
		sess.Close()
		p.mu.Lock()
		delete(p.peers, peer.ID())
		p.mu.Unlock()
	}()

	return sess.Run()
}

// SelectPeers implements tracker.Dispatcher: k = ceil(sqrt(n)) verified
// peers, drawn from a random order each call so load spreads across the
// verified set over time (the Open Question on economical peer selection,
// resolved in favor of the smallest k that still tolerates a single bad
// responder).
func (p *Pool) SelectPeers() []tracker.PeerHandle {
	p.mu.Lock()
	verified := make([]*Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		if peer.Verified() {
			verified = append(verified, peer)
		}
	}
	p.mu.Unlock()

	if len(verified) == 0 {
		return nil
	}
	rand.Shuffle(len(verified), func(i, j int) { verified[i], verified[j] = verified[j], verified[i] })

	k := int(math.Ceil(math.Sqrt(float64(len(verified)))))
	if k < 2 {
		k = 2
	}
	if k > len(verified) {
		k = len(verified)
	}

	out := make([]tracker.PeerHandle, k)
	for i := 0; i < k; i++ {
		out[i] = verified[i]
	}
	return out
}

// VerifiedCount reports the number of fork-verified peers, for diagnostics.
func (p *Pool) VerifiedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, peer := range p.peers {
		if peer.Verified() {
			n++
		}
	}
	return n
}

// Events is the stream of validated blocks surfaced by every peer session.
func (p *Pool) Events() <-chan BlockEvent { return p.events }

func (p *Pool) emit(block *types.Block, fromInitialSync bool) {
	select {
	case p.events <- BlockEvent{Block: block, FromInitialSync: fromInitialSync}:
	default:
		p.log.Warn("dropping block, event channel full", "height", block.NumberU64())
	}
}

// Coordinator implementation (shared by every Peer session; see peer.go).

// SeenBlock implements Coordinator.
func (p *Pool) SeenBlock(hash common.Hash) bool { return p.blockCache.Contains(hash) }

// MarkBlockSeen implements Coordinator.
func (p *Pool) MarkBlockSeen(hash common.Hash) { p.blockCache.Add(hash, struct{}{}) }

// IsRequestedHeight implements Coordinator.
func (p *Pool) IsRequestedHeight(height uint64) bool {
	if p.trk == nil {
		return false
	}
	return p.trk.IsRequested(height)
}

// NetworkID implements Coordinator.
func (p *Pool) NetworkID() uint64 { return p.cfg.NetworkID }

// GenesisHash implements Coordinator.
func (p *Pool) GenesisHash() common.Hash { return p.cfg.GenesisHash }

// DAOForkHeader implements Coordinator: the canned block-1920000 header
// served in reply to a peer's own fork-identity probe.
func (p *Pool) DAOForkHeader() *types.Header {
	return &types.Header{Number: new(big.Int).SetUint64(daoForkBlockNumber)}
}

// AdmitTx implements Coordinator: validates the sender signature and
// inserts newly-seen transactions into the bounded tx cache.
func (p *Pool) AdmitTx(tx *types.Transaction) bool {
	if p.txCache.Contains(tx.Hash()) {
		return false
	}
	signer := types.LatestSignerForChainID(p.cfg.ChainConfig.ChainID)
	if _, err := types.Sender(signer, tx); err != nil {
		return false
	}
	p.txCache.Add(tx.Hash(), tx)
	return true
}

// HandleBlock implements Coordinator: runs structural validation always,
// live-difficulty/gap validation for non-initial-sync blocks, and emits
// surviving blocks to Events().
func (p *Pool) HandleBlock(peer *Peer, block *types.Block, fromInitialSync bool) {
	if err := p.validator.ValidateStructure(block); err != nil {
		p.log.Debug("dropping structurally invalid block, disconnecting peer", "height", block.NumberU64(), "err", err)
		if peer != nil {
			peer.setState(StateRejected)
			peer.disconnect(p2p.DiscUselessPeer)
		}
		return
	}
	p.headerCache.Add(block.Hash(), block.Header())

	if fromInitialSync {
		p.emit(block, true)
		return
	}

	var parentHeader *types.Header
	if raw, ok := p.headerCache.Get(block.ParentHash()); ok {
		parentHeader = raw.(*types.Header)
	}
	if parentHeader == nil {
		best := p.validator.BestSeen()
		from := block.NumberU64()
		if best != nil {
			from = best.Height + 1
		}
		p.dispatchGap(from, block.NumberU64())
		return
	}

	res := p.validator.ValidateLive(block, parentHeader)
	if res.Gap != nil {
		p.dispatchGap(res.Gap.From, res.Gap.To)
	}
	if res.DisconnectPeer && peer != nil {
		peer.disconnect(p2p.DiscSubprotocolError)
	}
	if res.BadBlock {
		return
	}
	p.emit(block, false)
}

func (p *Pool) dispatchGap(from, to uint64) {
	if p.trk == nil || to < from {
		return
	}
	p.trk.DispatchGapFill(context.Background(), syncplan.Batch{From: from, To: to})
}
