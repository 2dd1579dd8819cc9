// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package ethrover

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p"
	"github.com/ethereum/go-ethereum/rlp"
)

// State is the peer handshake state machine: connected, status exchanged,
// fork probe in flight, then verified or rejected.
type State int

const (
	StateConnected State = iota
	StateStatusSent
	StateForkProbe
	StateVerified
	StateRejected
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateStatusSent:
		return "status-sent"
	case StateForkProbe:
		return "fork-probe"
	case StateVerified:
		return "verified"
	case StateRejected:
		return "rejected"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Coordinator is the single owner of cross-peer shared state: the block/tx
// caches, the request tracker's requested-heights membership, and the
// upward block/tx sinks. Every Peer in a Pool shares one Coordinator, so
// that Peer itself never mutates shared maps directly.
type Coordinator interface {
	SeenBlock(hash common.Hash) bool
	MarkBlockSeen(hash common.Hash)
	IsRequestedHeight(height uint64) bool

	// HandleBlock validates the block and, if valid, forwards a reconstructed
	// block downstream with the given fromInitialSync flag. Invalid blocks are
	// never forwarded. When validating a live block reveals a height gap, a
	// range-fill request is issued internally.
	HandleBlock(peer *Peer, block *types.Block, fromInitialSync bool)

	// AdmitTx validates a transaction's signature and, if valid, inserts it
	// into the bounded tx cache, returning whether it was newly admitted.
	AdmitTx(tx *types.Transaction) bool

	NetworkID() uint64
	GenesisHash() common.Hash

	// DAOForkHeader returns the canned block-1920000 header served to peers
	// that probe our own fork identity.
	DAOForkHeader() *types.Header
}

// newBlockData is the NEW_BLOCK payload: [block, totalDifficulty].
type newBlockData struct {
	Block *types.Block
	TD    *big.Int
}

// blockBody is one reconstructed body: transactions + uncle headers.
type blockBody struct {
	Transactions []*types.Transaction
	Uncles       []*types.Header
}

// Peer tracks one connected peer's handshake, fork probe, message
// dispatch and per-peer request bookkeeping.
type Peer struct {
	*p2p.Peer
	rw      p2p.MsgReadWriter
	version uint
	coord   Coordinator
	log     log.Logger

	mu             sync.Mutex
	state          State
	pendingHashes  []common.Hash
	pendingHeaders []*types.Header

	// knownBlocks/knownTxs are this peer's own announced-hash sets, distinct
	// from the Coordinator's shared caches: they dedupe repeated
	// announcements from THIS peer rather than globally-seen hashes.
	knownBlocks mapset.Set
	knownTxs    mapset.Set

	td   *big.Int
	head common.Hash

	forkTimer    *time.Timer
	refreshTimer *time.Timer
	connectedAt  time.Time

	// disconnectFn, when set, replaces the embedded p2p.Peer.Disconnect
	// call — tests substitute it to observe a disconnect without a real
	// p2p.Peer.
	disconnectFn func(p2p.DiscReason)

	term chan struct{}
}

// disconnect terminates the underlying p2p connection with reason.
func (p *Peer) disconnect(reason p2p.DiscReason) {
	if p.disconnectFn != nil {
		p.disconnectFn(reason)
		return
	}
	p.Peer.Disconnect(reason)
}

// NewPeer wraps a freshly connected p2p.Peer as a tracked session.
func NewPeer(p *p2p.Peer, rw p2p.MsgReadWriter, version uint, coord Coordinator) *Peer {
	return &Peer{
		Peer:        p,
		rw:          rw,
		version:     version,
		coord:       coord,
		log:         p.Log().New("proto", ProtocolName, "version", version),
		state:       StateConnected,
		knownBlocks: mapset.NewSet(),
		knownTxs:    mapset.NewSet(),
		connectedAt: time.Now(),
		term:        make(chan struct{}),
	}
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// State returns the peer's current handshake state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Verified reports whether the peer has passed the fork probe.
func (p *Peer) Verified() bool { return p.State() == StateVerified }

// Close releases the peer's timers; called on disconnect.
func (p *Peer) Close() {
	close(p.term)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.forkTimer != nil {
		p.forkTimer.Stop()
	}
	if p.refreshTimer != nil {
		p.refreshTimer.Stop()
	}
}

// Run drives the handshake and then the message loop until the connection
// closes or a fatal protocol error occurs. Pool.runPeer, the p2p.Protocol's
// Run callback, calls it once per connected peer.
func (p *Peer) Run() error {
	if err := p.sendStatus(); err != nil {
		return fmt.Errorf("ethrover: send status: %w", err)
	}
	p.setState(StateStatusSent)

	for {
		msg, err := p.rw.ReadMsg()
		if err != nil {
			return err
		}
		if err := p.handle(msg); err != nil {
			msg.Discard()
			return err
		}
		msg.Discard()
	}
}

func (p *Peer) sendStatus() error {
	return p2p.Send(p.rw, StatusMsg, &statusData{
		ProtocolVersion: uint32(p.version),
		NetworkID:       p.coord.NetworkID(),
		TD:              big.NewInt(0),
		CurrentBlock:    p.coord.GenesisHash(),
		GenesisBlock:    p.coord.GenesisHash(),
	})
}

func (p *Peer) handle(msg p2p.Msg) error {
	if msg.Size > protocolMaxMsgSize {
		return fmt.Errorf("ethrover: message %d too large: %d bytes", msg.Code, msg.Size)
	}
	switch msg.Code {
	case StatusMsg:
		return p.handleStatus(msg)
	case NewBlockHashesMsg:
		return p.handleNewBlockHashes(msg)
	case NewBlockMsg:
		return p.handleNewBlock(msg)
	case BlockHeadersMsg:
		return p.handleBlockHeaders(msg)
	case BlockBodiesMsg:
		return p.handleBlockBodies(msg)
	case TxMsg:
		return p.handleTx(msg)
	case GetBlockHeadersMsg:
		return p.handleGetBlockHeaders(msg)
	case GetBlockBodiesMsg:
		return p2p.Send(p.rw, BlockBodiesMsg, []rlp.RawValue{})
	case GetNodeDataMsg:
		return p2p.Send(p.rw, NodeDataMsg, [][]byte{})
	case GetReceiptsMsg:
		return p2p.Send(p.rw, ReceiptsMsg, []rlp.RawValue{})
	case ReceiptsMsg, NodeDataMsg:
		return nil
	default:
		p.log.Trace("dropping unhandled message", "code", msg.Code)
		return nil
	}
}

// handleStatus drives the handshake state machine: on the peer's own
// STATUS, move StatusSent -> ForkProbe and send the fork probe.
func (p *Peer) handleStatus(msg p2p.Msg) error {
	var status statusData
	if err := msg.Decode(&status); err != nil {
		return fmt.Errorf("ethrover: decode status: %w", err)
	}
	if status.NetworkID != p.coord.NetworkID() {
		return fmt.Errorf("ethrover: network id mismatch: %d (want %d)", status.NetworkID, p.coord.NetworkID())
	}
	if status.GenesisBlock != p.coord.GenesisHash() {
		return fmt.Errorf("ethrover: genesis mismatch: %s (want %s)", status.GenesisBlock, p.coord.GenesisHash())
	}
	p.mu.Lock()
	p.td, p.head = status.TD, status.CurrentBlock
	already := p.state != StateStatusSent
	p.mu.Unlock()
	if already {
		return nil
	}

	if err := p2p.Send(p.rw, GetBlockHeadersMsg, &getBlockHeadersData{
		Origin:  hashOrNumber{Number: daoForkBlockNumber},
		Amount:  1,
		Skip:    0,
		Reverse: false,
	}); err != nil {
		return fmt.Errorf("ethrover: send fork probe: %w", err)
	}
	p.setState(StateForkProbe)
	p.mu.Lock()
	p.forkTimer = time.AfterFunc(ForkProbeTimeout, p.rejectForkProbe)
	p.mu.Unlock()
	return nil
}

func (p *Peer) rejectForkProbe() {
	if p.State() != StateForkProbe {
		return
	}
	p.log.Debug("fork probe timed out, dropping peer")
	p.setState(StateRejected)
	p.disconnect(p2p.DiscUselessPeer)
}

// verifyForkProbe checks the probe reply: exactly one header whose hash
// equals the DAO fork hash verifies the peer; anything else rejects it.
func (p *Peer) verifyForkProbe(headers []*types.Header) error {
	p.mu.Lock()
	if p.forkTimer != nil {
		p.forkTimer.Stop()
	}
	p.mu.Unlock()

	if len(headers) != 1 || headers[0].Hash() != Eth1920000ForkHash {
		p.setState(StateRejected)
		p.disconnect(p2p.DiscUselessPeer)
		return fmt.Errorf("ethrover: fork probe failed for %s", p.ID())
	}
	p.setState(StateVerified)
	p.mu.Lock()
	p.refreshTimer = time.AfterFunc(PeerRefreshPeriod, p.refresh)
	p.mu.Unlock()
	p.log.Debug("peer passed fork probe")
	return nil
}

// refresh intentionally disconnects a verified peer after its refresh
// period elapses, so a fresh connection can renegotiate it.
func (p *Peer) refresh() {
	p.setState(StateRefreshing)
	p.disconnect(p2p.DiscRequested)
}

func (p *Peer) handleNewBlockHashes(msg p2p.Msg) error {
	var hashes newBlockHashesData
	if err := msg.Decode(&hashes); err != nil {
		return fmt.Errorf("ethrover: decode new block hashes: %w", err)
	}
	for _, h := range hashes {
		if p.coord.SeenBlock(h.Hash) || p.knownBlocks.Contains(h.Hash) {
			continue
		}
		p.markKnownBlock(h.Hash)
		p.mu.Lock()
		p.pendingHashes = append(p.pendingHashes, h.Hash)
		p.mu.Unlock()

		hash := h.Hash
		time.AfterFunc(HashRateLimit, func() {
			p2p.Send(p.rw, GetBlockHeadersMsg, &getBlockHeadersData{
				Origin: hashOrNumber{Hash: hash}, Amount: 1, Skip: 0, Reverse: false,
			})
		})
	}
	return nil
}

func (p *Peer) handleNewBlock(msg p2p.Msg) error {
	var req newBlockData
	if err := msg.Decode(&req); err != nil {
		return fmt.Errorf("ethrover: decode new block: %w", err)
	}
	if !p.Verified() {
		return nil
	}
	p.markKnownBlock(req.Block.Hash())
	p.coord.HandleBlock(p, req.Block, false)
	return nil
}

// markKnownBlock records hash as announced by this peer, evicting an
// arbitrary entry first if the set is already at capacity (mirrors the
// go-ethereum eth/peer.go broadcast-dedup pattern).
func (p *Peer) markKnownBlock(hash common.Hash) {
	for p.knownBlocks.Cardinality() >= maxKnownBlocks {
		p.knownBlocks.Pop()
	}
	p.knownBlocks.Add(hash)
}

// markKnownTx records hash as received from this peer, evicting an
// arbitrary entry first if the set is already at capacity.
func (p *Peer) markKnownTx(hash common.Hash) {
	for p.knownTxs.Cardinality() >= maxKnownTxs {
		p.knownTxs.Pop()
	}
	p.knownTxs.Add(hash)
}

// handleBlockHeaders handles the busiest inbound message: during ForkProbe
// it is the probe reply; once Verified it either completes a batch request
// (by requested height) or a NEW_BLOCK_HASHES-triggered single-header fetch
// (by matching the pending-hash queue).
func (p *Peer) handleBlockHeaders(msg p2p.Msg) error {
	var headers []*types.Header
	if err := msg.Decode(&headers); err != nil {
		return fmt.Errorf("ethrover: decode headers: %w", err)
	}

	if p.State() == StateForkProbe {
		return p.verifyForkProbe(headers)
	}
	if !p.Verified() {
		return nil
	}

	for _, header := range headers {
		if p.coord.SeenBlock(header.Hash()) {
			continue
		}
		if p.coord.IsRequestedHeight(header.Number.Uint64()) {
			p.queueBodyFetch(header)
			continue
		}
		if !p.popMatchingHash(header.Hash()) {
			p.log.Debug("dropping unsolicited header", "number", header.Number, "hash", header.Hash())
			continue
		}
		p.queueBodyFetch(header)
	}
	return nil
}

func (p *Peer) popMatchingHash(hash common.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, h := range p.pendingHashes {
		if h == hash {
			p.pendingHashes = append(p.pendingHashes[:i], p.pendingHashes[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Peer) queueBodyFetch(header *types.Header) {
	p.mu.Lock()
	p.pendingHeaders = append(p.pendingHeaders, header)
	p.mu.Unlock()

	hash := header.Hash()
	time.AfterFunc(HashRateLimit, func() {
		p2p.Send(p.rw, GetBlockBodiesMsg, []common.Hash{hash})
	})
}

// handleBlockBodies handles inbound BLOCK_BODIES: each body must be the
// sole entry for the request it answers (we only ever request one body at
// a time), matched FIFO against the pending-header queue.
func (p *Peer) handleBlockBodies(msg p2p.Msg) error {
	var bodies []*blockBody
	if err := msg.Decode(&bodies); err != nil {
		return fmt.Errorf("ethrover: decode bodies: %w", err)
	}
	if len(bodies) != 1 {
		p.setState(StateRejected)
		p.disconnect(p2p.DiscUselessPeer)
		return fmt.Errorf("ethrover: expected exactly one block body, got %d", len(bodies))
	}

	p.mu.Lock()
	if len(p.pendingHeaders) == 0 {
		p.mu.Unlock()
		return fmt.Errorf("ethrover: received body with no outstanding header")
	}
	header := p.pendingHeaders[0]
	p.pendingHeaders = p.pendingHeaders[1:]
	p.mu.Unlock()

	body := bodies[0]
	block := types.NewBlockWithHeader(header).WithBody(body.Transactions, body.Uncles)

	fromInitialSync := p.coord.IsRequestedHeight(header.Number.Uint64())
	p.coord.HandleBlock(p, block, fromInitialSync)
	p.coord.MarkBlockSeen(block.Hash())
	return nil
}

func (p *Peer) handleTx(msg p2p.Msg) error {
	var txs []*types.Transaction
	if err := msg.Decode(&txs); err != nil {
		return fmt.Errorf("ethrover: decode txs: %w", err)
	}
	for _, tx := range txs {
		if p.knownTxs.Contains(tx.Hash()) {
			continue
		}
		p.markKnownTx(tx.Hash())
		p.coord.AdmitTx(tx)
	}
	return nil
}

func (p *Peer) handleGetBlockHeaders(msg p2p.Msg) error {
	var req getBlockHeadersData
	if err := msg.Decode(&req); err != nil {
		return fmt.Errorf("ethrover: decode get headers: %w", err)
	}
	if req.Origin.Number == daoForkBlockNumber && req.Origin.Hash == (common.Hash{}) {
		return p2p.Send(p.rw, BlockHeadersMsg, []*types.Header{p.coord.DAOForkHeader()})
	}
	return p2p.Send(p.rw, BlockHeadersMsg, []*types.Header{})
}

// RequestHeaders implements tracker.PeerHandle: send ONE
// GET_BLOCK_HEADERS(from, count, skip=0, reverse=0).
func (p *Peer) RequestHeaders(from, count uint64) error {
	return p2p.Send(p.rw, GetBlockHeadersMsg, &getBlockHeadersData{
		Origin: hashOrNumber{Number: from}, Amount: count, Skip: 0, Reverse: false,
	})
}
