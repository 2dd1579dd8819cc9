package ethrover

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/p2p"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	return NewPool(PoolConfig{
		NetworkID:   MainnetNetworkID,
		ChainConfig: params.MainnetChainConfig,
	})
}

func newEmptyPoolBlock(number int64, ts uint64, parent types.Header) *types.Block {
	header := &types.Header{
		Number:     big.NewInt(number),
		Time:       ts,
		Difficulty: big.NewInt(5),
		ParentHash: parent.Hash(),
	}
	return types.NewBlock(header, nil, nil, nil, nil)
}

func TestPool_SelectPeers_SqrtOfVerifiedCount(t *testing.T) {
	p := newTestPool(t)

	for i := 0; i < 9; i++ {
		id := enode.ID{byte(i)}
		p.peers[id] = &Peer{state: StateVerified}
	}
	// one unverified peer must never be selected
	p.peers[enode.ID{99}] = &Peer{state: StateStatusSent}

	selected := p.SelectPeers()
	require.Len(t, selected, 3) // ceil(sqrt(9)) == 3
}

func TestPool_SelectPeers_FloorsAtTwo(t *testing.T) {
	p := newTestPool(t)
	p.peers[enode.ID{1}] = &Peer{state: StateVerified}
	p.peers[enode.ID{2}] = &Peer{state: StateVerified}
	p.peers[enode.ID{3}] = &Peer{state: StateVerified}

	selected := p.SelectPeers()
	require.Len(t, selected, 2)
}

func TestPool_SelectPeers_EmptyWhenNoneVerified(t *testing.T) {
	p := newTestPool(t)
	p.peers[enode.ID{1}] = &Peer{state: StateStatusSent}
	require.Nil(t, p.SelectPeers())
}

func TestPool_HandleBlock_InitialSyncEmitsDirectly(t *testing.T) {
	p := newTestPool(t)
	genesis := types.Header{}
	block := newEmptyPoolBlock(1, 1000, genesis)

	p.HandleBlock(nil, block, true)

	select {
	case ev := <-p.Events():
		require.True(t, ev.FromInitialSync)
		require.Equal(t, uint64(1), ev.Block.NumberU64())
	default:
		t.Fatal("expected block to be emitted")
	}
}

func TestPool_HandleBlock_StructurallyInvalidNeverEmits(t *testing.T) {
	p := newTestPool(t)
	genesis := types.Header{}
	block := newEmptyPoolBlock(1, 1000, genesis)
	tampered := block.Header()
	tampered.UncleHash[0] ^= 0xFF
	bad := types.NewBlockWithHeader(tampered).WithBody(block.Transactions(), block.Uncles())

	p.HandleBlock(nil, bad, true)

	select {
	case <-p.Events():
		t.Fatal("structurally invalid block must not be emitted")
	default:
	}
}

func TestPool_HandleBlock_StructurallyInvalidDisconnectsPeer(t *testing.T) {
	p := newTestPool(t)
	genesis := types.Header{}
	block := newEmptyPoolBlock(1, 1000, genesis)
	tampered := block.Header()
	tampered.UncleHash[0] ^= 0xFF
	bad := types.NewBlockWithHeader(tampered).WithBody(block.Transactions(), block.Uncles())

	var reasons []p2p.DiscReason
	peer := &Peer{state: StateVerified, disconnectFn: func(r p2p.DiscReason) { reasons = append(reasons, r) }}

	p.HandleBlock(peer, bad, true)

	require.Equal(t, []p2p.DiscReason{p2p.DiscUselessPeer}, reasons)
	require.Equal(t, StateRejected, peer.State())
}

func TestPool_HandleBlock_LiveWithMissingParentDispatchesGapNotEmit(t *testing.T) {
	p := newTestPool(t)
	genesis := types.Header{}
	block := newEmptyPoolBlock(5, 1000, genesis)

	p.HandleBlock(nil, block, false)

	select {
	case <-p.Events():
		t.Fatal("block with unknown parent must not be emitted directly")
	default:
	}
}

func TestPool_HandleBlock_LiveWithKnownParentEmits(t *testing.T) {
	p := newTestPool(t)
	genesisHeader := types.Header{Number: big.NewInt(0)}
	genesisBlock := types.NewBlock(&genesisHeader, nil, nil, nil, nil)
	p.headerCache.Add(genesisBlock.Hash(), genesisBlock.Header())

	block := newEmptyPoolBlock(1, 1000, *genesisBlock.Header())
	p.HandleBlock(nil, block, false)

	select {
	case ev := <-p.Events():
		require.False(t, ev.FromInitialSync)
	default:
		t.Fatal("expected block with known parent to be emitted")
	}
}

func TestPool_AdmitTx_RejectsUnsignedTransaction(t *testing.T) {
	p := newTestPool(t)
	tx := types.NewTransaction(0, common.Address{}, big.NewInt(1), 21000, big.NewInt(1), nil)
	require.False(t, p.AdmitTx(tx))
}

func TestPool_DAOForkHeader_ReportsCanonicalNumber(t *testing.T) {
	p := newTestPool(t)
	require.Equal(t, daoForkBlockNumber, p.DAOForkHeader().Number.Uint64())
}
