package ethrover

import (
	"bytes"
	"io"
	"math/big"
	"sync"
	"testing"

	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"
)

// fakeRW is a minimal in-process p2p.MsgReadWriter: writes land on a channel
// that ReadMsg drains, with the payload copied into a fresh reader so it can
// be decoded once regardless of the original reader's position.
type fakeRW struct {
	out chan p2p.Msg
}

func newFakeRW() *fakeRW { return &fakeRW{out: make(chan p2p.Msg, 8)} }

func (f *fakeRW) ReadMsg() (p2p.Msg, error) { return <-f.out, nil }

func (f *fakeRW) WriteMsg(msg p2p.Msg) error {
	buf := make([]byte, msg.Size)
	if _, err := io.ReadFull(msg.Payload, buf); err != nil {
		return err
	}
	msg.Payload = bytes.NewReader(buf)
	f.out <- msg
	return nil
}

func encodeMsg(t *testing.T, code uint64, val interface{}) p2p.Msg {
	t.Helper()
	data, err := rlp.EncodeToBytes(val)
	require.NoError(t, err)
	return p2p.Msg{Code: code, Size: uint32(len(data)), Payload: bytes.NewReader(data)}
}

// fakeCoord is a test double for Coordinator.
type fakeCoord struct {
	mu          sync.Mutex
	seen        map[common.Hash]bool
	requested   map[uint64]bool
	handled     []*types.Block
	admitted    []*types.Transaction
	networkID   uint64
	genesisHash common.Hash
	daoHeader   *types.Header
}

func newFakeCoord() *fakeCoord {
	return &fakeCoord{
		seen:      make(map[common.Hash]bool),
		requested: make(map[uint64]bool),
		daoHeader: &types.Header{Number: new(big.Int).SetUint64(daoForkBlockNumber)},
	}
}

func (c *fakeCoord) SeenBlock(hash common.Hash) bool { c.mu.Lock(); defer c.mu.Unlock(); return c.seen[hash] }
func (c *fakeCoord) MarkBlockSeen(hash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[hash] = true
}
func (c *fakeCoord) IsRequestedHeight(h uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested[h]
}
func (c *fakeCoord) HandleBlock(peer *Peer, block *types.Block, fromInitialSync bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handled = append(c.handled, block)
}
func (c *fakeCoord) AdmitTx(tx *types.Transaction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admitted = append(c.admitted, tx)
	return true
}
func (c *fakeCoord) NetworkID() uint64          { return c.networkID }
func (c *fakeCoord) GenesisHash() common.Hash   { return c.genesisHash }
func (c *fakeCoord) DAOForkHeader() *types.Header { return c.daoHeader }

// newTestPeer builds a Peer bypassing NewPeer. disconnectFn is left nil
// here; tests that exercise a disconnect path set it directly on the
// returned Peer to record the reason instead of touching the unconstructed
// embedded *p2p.Peer.
func newTestPeer(coord Coordinator, rw p2p.MsgReadWriter) *Peer {
	return &Peer{
		rw:          rw,
		version:     ProtocolVersion63,
		coord:       coord,
		log:         log.New("test", "peer"),
		knownBlocks: mapset.NewSet(),
		knownTxs:    mapset.NewSet(),
	}
}

func TestPeer_HandleStatus_AdvancesToForkProbeAndSendsProbe(t *testing.T) {
	coord := newFakeCoord()
	rw := newFakeRW()
	p := newTestPeer(coord, rw)
	p.setState(StateStatusSent)

	msg := encodeMsg(t, StatusMsg, &statusData{
		ProtocolVersion: ProtocolVersion63,
		NetworkID:       coord.networkID,
		TD:              big.NewInt(0),
		CurrentBlock:    coord.genesisHash,
		GenesisBlock:    coord.genesisHash,
	})
	require.NoError(t, p.handleStatus(msg))
	require.Equal(t, StateForkProbe, p.State())

	sent := <-rw.out
	require.Equal(t, uint64(GetBlockHeadersMsg), sent.Code)
	var req getBlockHeadersData
	require.NoError(t, sent.Decode(&req))
	require.Equal(t, daoForkBlockNumber, req.Origin.Number)

	p.mu.Lock()
	if p.forkTimer != nil {
		p.forkTimer.Stop()
	}
	p.mu.Unlock()
}

func TestPeer_HandleStatus_RejectsNetworkMismatch(t *testing.T) {
	coord := newFakeCoord()
	coord.networkID = 1
	rw := newFakeRW()
	p := newTestPeer(coord, rw)
	p.setState(StateStatusSent)

	msg := encodeMsg(t, StatusMsg, &statusData{NetworkID: 999, TD: big.NewInt(0)})
	require.Error(t, p.handleStatus(msg))
}

func TestPeer_HandleNewBlockHashes_QueuesUnseenHash(t *testing.T) {
	coord := newFakeCoord()
	p := newTestPeer(coord, newFakeRW())
	p.setState(StateVerified)

	hash := common.HexToHash("0xabc")
	msg := encodeMsg(t, NewBlockHashesMsg, &newBlockHashesData{{Hash: hash, Number: 5}})
	require.NoError(t, p.handleNewBlockHashes(msg))

	require.True(t, p.knownBlocks.Contains(hash))
	p.mu.Lock()
	require.Contains(t, p.pendingHashes, hash)
	p.mu.Unlock()
}

func TestPeer_HandleNewBlockHashes_SkipsAlreadySeen(t *testing.T) {
	coord := newFakeCoord()
	hash := common.HexToHash("0xdef")
	coord.seen[hash] = true
	p := newTestPeer(coord, newFakeRW())

	msg := encodeMsg(t, NewBlockHashesMsg, &newBlockHashesData{{Hash: hash, Number: 5}})
	require.NoError(t, p.handleNewBlockHashes(msg))
	require.False(t, p.knownBlocks.Contains(hash))
}

func TestPeer_HandleNewBlock_IgnoredUnlessVerified(t *testing.T) {
	coord := newFakeCoord()
	p := newTestPeer(coord, newFakeRW())

	block := types.NewBlockWithHeader(&types.Header{Number: big.NewInt(1)})
	msg := encodeMsg(t, NewBlockMsg, &newBlockData{Block: block, TD: big.NewInt(1)})
	require.NoError(t, p.handleNewBlock(msg))
	require.Empty(t, coord.handled)

	p.setState(StateVerified)
	msg = encodeMsg(t, NewBlockMsg, &newBlockData{Block: block, TD: big.NewInt(1)})
	require.NoError(t, p.handleNewBlock(msg))
	require.Len(t, coord.handled, 1)
}

func TestPeer_HandleTx_DedupesKnownTransactions(t *testing.T) {
	coord := newFakeCoord()
	p := newTestPeer(coord, newFakeRW())

	tx := types.NewTransaction(0, common.HexToAddress("0x01"), big.NewInt(1), 21000, big.NewInt(1), nil)
	msg := encodeMsg(t, TxMsg, []*types.Transaction{tx})
	require.NoError(t, p.handleTx(msg))
	require.Len(t, coord.admitted, 1)

	msg = encodeMsg(t, TxMsg, []*types.Transaction{tx})
	require.NoError(t, p.handleTx(msg))
	require.Len(t, coord.admitted, 1, "already-known tx must not be re-admitted")
}

func TestPeer_HandleGetBlockHeaders_RepliesWithDAOForkHeader(t *testing.T) {
	coord := newFakeCoord()
	rw := newFakeRW()
	p := newTestPeer(coord, rw)

	msg := encodeMsg(t, GetBlockHeadersMsg, &getBlockHeadersData{
		Origin: hashOrNumber{Number: daoForkBlockNumber}, Amount: 1,
	})
	require.NoError(t, p.handleGetBlockHeaders(msg))

	sent := <-rw.out
	require.Equal(t, uint64(BlockHeadersMsg), sent.Code)
	var headers []*types.Header
	require.NoError(t, sent.Decode(&headers))
	require.Len(t, headers, 1)
	require.Equal(t, daoForkBlockNumber, headers[0].Number.Uint64())
}

func TestPeer_HandleBlockHeaders_RoutesRequestedHeightToBodyFetch(t *testing.T) {
	coord := newFakeCoord()
	header := &types.Header{Number: big.NewInt(42)}
	coord.requested[42] = true
	rw := newFakeRW()
	p := newTestPeer(coord, rw)
	p.setState(StateVerified)

	msg := encodeMsg(t, BlockHeadersMsg, []*types.Header{header})
	require.NoError(t, p.handleBlockHeaders(msg))

	p.mu.Lock()
	require.Len(t, p.pendingHeaders, 1)
	p.mu.Unlock()
}

func TestPeer_HandleBlockHeaders_DropsUnsolicitedHeader(t *testing.T) {
	coord := newFakeCoord()
	header := &types.Header{Number: big.NewInt(7)}
	p := newTestPeer(coord, newFakeRW())
	p.setState(StateVerified)

	msg := encodeMsg(t, BlockHeadersMsg, []*types.Header{header})
	require.NoError(t, p.handleBlockHeaders(msg))

	p.mu.Lock()
	require.Empty(t, p.pendingHeaders)
	p.mu.Unlock()
}

func TestPeer_HandleBlockBodies_MatchesPendingHeaderFIFO(t *testing.T) {
	coord := newFakeCoord()
	header := &types.Header{Number: big.NewInt(10)}
	p := newTestPeer(coord, newFakeRW())
	p.setState(StateVerified)
	p.pendingHeaders = append(p.pendingHeaders, header)

	msg := encodeMsg(t, BlockBodiesMsg, []*blockBody{{}})
	require.NoError(t, p.handleBlockBodies(msg))

	require.Len(t, coord.handled, 1)
	require.Equal(t, uint64(10), coord.handled[0].NumberU64())
	p.mu.Lock()
	require.Empty(t, p.pendingHeaders)
	p.mu.Unlock()
}

func TestPeer_HandleBlockBodies_WrongCountDisconnectsPeer(t *testing.T) {
	p := newTestPeer(newFakeCoord(), newFakeRW())
	p.setState(StateVerified)
	var reasons []p2p.DiscReason
	p.disconnectFn = func(r p2p.DiscReason) { reasons = append(reasons, r) }

	msg := encodeMsg(t, BlockBodiesMsg, []*blockBody{{}, {}})
	require.Error(t, p.handleBlockBodies(msg))

	require.Equal(t, []p2p.DiscReason{p2p.DiscUselessPeer}, reasons)
	require.Equal(t, StateRejected, p.State())
}

func TestPeer_HandleBlockBodies_RejectsWhenNoOutstandingHeader(t *testing.T) {
	p := newTestPeer(newFakeCoord(), newFakeRW())
	p.setState(StateVerified)

	msg := encodeMsg(t, BlockBodiesMsg, []*blockBody{{}})
	require.Error(t, p.handleBlockBodies(msg))
}

func TestPeer_MarkKnownBlock_EvictsWhenFull(t *testing.T) {
	p := newTestPeer(newFakeCoord(), newFakeRW())
	for i := 0; i < maxKnownBlocks+10; i++ {
		p.markKnownBlock(common.BigToHash(big.NewInt(int64(i))))
	}
	require.LessOrEqual(t, p.knownBlocks.Cardinality(), maxKnownBlocks)
}
