package ethrover

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
)

func TestDriver_RemoteTip_ZeroBeforeAnyLiveBlock(t *testing.T) {
	pool := newTestPool(t)
	d := NewDriver(pool)

	tip, err := d.RemoteTip(context.Background())
	require.NoError(t, err)
	require.Zero(t, tip)
}

func TestDriver_RemoteTip_ReflectsBestSeen(t *testing.T) {
	pool := NewPool(PoolConfig{NetworkID: MainnetNetworkID, ChainConfig: params.MainnetChainConfig})
	genesisHeader := types.Header{Number: big.NewInt(0)}
	genesisBlock := types.NewBlock(&genesisHeader, nil, nil, nil, nil)
	pool.headerCache.Add(genesisBlock.Hash(), genesisBlock.Header())

	block := newEmptyPoolBlock(9, 1000, *genesisBlock.Header())
	pool.HandleBlock(nil, block, false)

	d := NewDriver(pool)
	tip, err := d.RemoteTip(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(9), tip)
}

func TestDriver_Pump_TranslatesPoolEventsToForeignBlocks(t *testing.T) {
	pool := newTestPool(t)
	d := NewDriver(pool)
	go d.pump()
	defer d.Stop()

	genesis := types.Header{}
	block := newEmptyPoolBlock(3, 500, genesis)
	pool.events <- BlockEvent{Block: block, FromInitialSync: true}

	select {
	case rb := <-d.Blocks():
		require.True(t, rb.FromInitialSync)
		require.Equal(t, uint64(3), rb.Foreign.Height)
	case <-time.After(time.Second):
		t.Fatal("expected a translated block")
	}
}

func TestDriver_Stop_ClosesBlocksChannel(t *testing.T) {
	pool := newTestPool(t)
	d := NewDriver(pool)
	go d.pump()

	d.Stop()

	select {
	case _, ok := <-d.Blocks():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected blocks channel to close")
	}
}
