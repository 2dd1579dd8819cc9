package validate

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
)

func newEmptyBlock(number int64, ts uint64, difficulty int64) *types.Block {
	header := &types.Header{
		Number:     big.NewInt(number),
		Time:       ts,
		Difficulty: big.NewInt(difficulty),
		ParentHash: types.EmptyRootHash,
	}
	return types.NewBlockWithHeader(header).WithBody(nil, nil)
}

func TestValidateStructure_EmptyBlockPasses(t *testing.T) {
	v := NewEthValidator(params.MainnetChainConfig)
	b := types.NewBlock(&types.Header{Number: big.NewInt(1), Time: uint64(time.Now().Unix())}, nil, nil, nil, nil)
	require.NoError(t, v.ValidateStructure(b))
}

func TestValidateStructure_RejectsUncleHashMismatch(t *testing.T) {
	v := NewEthValidator(params.MainnetChainConfig)
	header := &types.Header{Number: big.NewInt(1)}
	b := types.NewBlock(header, nil, nil, nil, nil)
	tampered := b.Header()
	tampered.UncleHash[0] ^= 0xFF
	bad := types.NewBlockWithHeader(tampered).WithBody(b.Transactions(), b.Uncles())
	require.Error(t, v.ValidateStructure(bad))
}

func TestValidateLive_FirstBlockAlwaysOK(t *testing.T) {
	v := NewEthValidator(params.MainnetChainConfig)
	b := newEmptyBlock(100, 1000, 5)
	res := v.ValidateLive(b, nil)
	require.True(t, res.DifficultyOK)
	require.Nil(t, res.Gap)
	seen := v.BestSeen()
	require.NotNil(t, seen)
	require.Equal(t, uint64(100), seen.Height)
}

func TestValidateLive_TallerBlockIsGapRegardlessOfDifficulty(t *testing.T) {
	v := NewEthValidator(params.MainnetChainConfig)
	first := newEmptyBlock(100, 1000, 5)
	v.ValidateLive(first, nil)

	parent := &types.Header{Number: big.NewInt(109), Time: 1090, Difficulty: big.NewInt(5)}
	taller := newEmptyBlock(110, 1100, 1) // implausible low difficulty
	res := v.ValidateLive(taller, parent)
	require.NotNil(t, res.Gap)
	require.Equal(t, uint64(101), res.Gap.From)
	require.Equal(t, uint64(110), res.Gap.To)
	require.False(t, res.BadBlock)
}

func TestValidateLive_BadBlockCounterEscalates(t *testing.T) {
	v := NewEthValidator(params.MainnetChainConfig)
	first := newEmptyBlock(100, 1000, 5)
	v.ValidateLive(first, nil)

	parent := &types.Header{Number: big.NewInt(99), Time: 990, Difficulty: big.NewInt(5)}
	for i := 0; i < MaxInvalidCount-1; i++ {
		sameHeight := newEmptyBlock(100, 1000+uint64(i), 1)
		res := v.ValidateLive(sameHeight, parent)
		require.True(t, res.BadBlock)
		require.False(t, res.DisconnectPeer)
	}
	final := newEmptyBlock(100, 2000, 1)
	res := v.ValidateLive(final, parent)
	require.True(t, res.DisconnectPeer)
}
