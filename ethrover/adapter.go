package ethrover

import (
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/blockcollider/rover/internal/unified"
)

// Adapter implements unified.ChainAdapter for Ethereum: native-second
// timestamps scale to milliseconds by a factor of 1000, and the merkle root
// is simply the header's transactions-trie root.
type Adapter struct{}

// Chain implements unified.ChainAdapter.
func (Adapter) Chain() unified.Chain { return unified.ChainEthereum }

// NormalizeTimestamp implements unified.ChainAdapter.
func (Adapter) NormalizeTimestamp(native uint64) int64 { return int64(native) * 1000 }

// MerkleRoot implements unified.ChainAdapter: the block's own
// transactions-root, already computed and carried on ForeignBlock.
func (Adapter) MerkleRoot(b unified.ForeignBlock) (string, error) {
	return b.TransactionsRoot, nil
}

// ToForeign converts a reconstructed Ethereum block into the chain-agnostic
// view the unified builder and marker operate on.
func ToForeign(b *types.Block) unified.ForeignBlock {
	txs := make([]unified.ForeignTx, 0, len(b.Transactions()))
	for _, tx := range b.Transactions() {
		ft := unified.ForeignTx{
			Hash:            tx.Hash().Hex(),
			Value:           tx.Value().Bytes(),
			IsValueTransfer: len(tx.Data()) == 0,
		}
		if to := tx.To(); to != nil {
			ft.To = to.Hex()
		}
		if signer := types.LatestSignerForChainID(tx.ChainId()); signer != nil {
			if from, err := types.Sender(signer, tx); err == nil {
				ft.From = from.Hex()
			}
		}
		txs = append(txs, ft)
	}

	return unified.ForeignBlock{
		Chain:            unified.ChainEthereum,
		Hash:             b.Hash().Hex(),
		ParentHash:       b.ParentHash().Hex(),
		Height:           b.NumberU64(),
		Timestamp:        b.Time(),
		Transactions:     txs,
		TransactionsRoot: b.Header().TxHash.Hex(),
	}
}
