// Package validate implements stateless structural checks on reconstructed
// foreign blocks, plus the live-difficulty / gap-detection policy that
// governs whether a just-received block is trusted and whether it opens a
// range-fill request.
package validate

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/ethash"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// MaxInvalidCount is MAX_INVALID_COUNT: after this many consecutive bad
// live blocks, the offending peer is disconnected.
const MaxInvalidCount = 8

// BlockRef is the "best-seen block reference" tracked alongside the
// request tracker's state, shared here because difficulty validation needs
// it.
type BlockRef struct {
	Height uint64
	Hash   common.Hash
	TD     *big.Int
}

// GapRequest is emitted when a live block arrives whose height is strictly
// greater than the best-seen height, regardless of whether its difficulty
// validates — a taller block always means "assume a gap", and the tracker
// is asked to fill [From, To].
type GapRequest struct {
	From, To uint64
}

// EthValidator validates reconstructed Ethereum blocks (structure) and,
// for live (non-initial-sync) blocks, tracks difficulty monotonicity and
// the consecutive-invalid-block counter.
type EthValidator struct {
	config *params.ChainConfig

	mu            sync.Mutex
	bestSeen      *BlockRef
	invalidStreak int
}

// NewEthValidator builds a validator for the given chain configuration
// (selects the difficulty-adjustment rule via go-ethereum's ethash package).
func NewEthValidator(config *params.ChainConfig) *EthValidator {
	return &EthValidator{config: config}
}

// ValidateStructure performs the three structural checks: uncles-hash,
// per-tx signature validity, and the transactions-trie root.
// It never consults or mutates best-seen / difficulty state.
func (v *EthValidator) ValidateStructure(b *types.Block) error {
	if calc := types.CalcUncleHash(b.Uncles()); calc != b.Header().UncleHash {
		return fmt.Errorf("validate: uncle hash mismatch: header %s computed %s", b.Header().UncleHash, calc)
	}
	signer := types.LatestSignerForChainID(v.config.ChainID)
	for _, tx := range b.Transactions() {
		if _, err := types.Sender(signer, tx); err != nil {
			return fmt.Errorf("validate: invalid transaction signature for tx %s: %w", tx.Hash(), err)
		}
	}
	if calc := types.DeriveSha(b.Transactions(), nil); calc != b.Header().TxHash {
		return fmt.Errorf("validate: transactions root mismatch: header %s computed %s", b.Header().TxHash, calc)
	}
	return nil
}

// LiveResult reports the outcome of validating a live (non-initial-sync)
// block against the running difficulty rule and best-seen reference.
type LiveResult struct {
	// DifficultyOK is false when the block's difficulty fails the
	// chain's adjustment rule relative to best-seen.
	DifficultyOK bool
	// Gap is non-nil when the new block's height is strictly greater than
	// best-seen's, meaning a range request [best+1, new] should be issued
	// regardless of DifficultyOK.
	Gap *GapRequest
	// BadBlock is true iff DifficultyOK is false AND there is no gap — the
	// case that counts toward the consecutive-invalid-block counter.
	BadBlock bool
	// DisconnectPeer is true once BadBlock has occurred MaxInvalidCount
	// times in a row.
	DisconnectPeer bool
}

// ValidateLive implements the live-block policy. parentHeader must be
// the header of b's direct parent (the caller is expected to have it from
// the reconstructed chain, or to have requested it).
func (v *EthValidator) ValidateLive(b *types.Block, parentHeader *types.Header) LiveResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	var res LiveResult
	if v.bestSeen == nil {
		res.DifficultyOK = true
		v.invalidStreak = 0
		v.bestSeen = &BlockRef{Height: b.NumberU64(), Hash: b.Hash(), TD: new(big.Int).Set(b.Difficulty())}
		return res
	}

	expected := ethash.CalcDifficulty(v.config, b.Time(), parentHeader)
	res.DifficultyOK = expected.Cmp(b.Difficulty()) == 0

	if b.NumberU64() > v.bestSeen.Height {
		res.Gap = &GapRequest{From: v.bestSeen.Height + 1, To: b.NumberU64()}
	} else if !res.DifficultyOK {
		res.BadBlock = true
		v.invalidStreak++
		if v.invalidStreak >= MaxInvalidCount {
			res.DisconnectPeer = true
		}
	}

	if res.DifficultyOK {
		v.invalidStreak = 0
	}
	if res.DifficultyOK || res.Gap != nil {
		v.bestSeen = &BlockRef{Height: b.NumberU64(), Hash: b.Hash(), TD: new(big.Int).Set(b.Difficulty())}
	}
	return res
}

// BestSeen returns a copy of the current best-seen reference, or nil if no
// live block has been validated yet.
func (v *EthValidator) BestSeen() *BlockRef {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.bestSeen == nil {
		return nil
	}
	cp := *v.bestSeen
	return &cp
}
