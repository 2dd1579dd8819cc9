package liskrover

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"github.com/blockcollider/rover/internal/unified"
)

// lskGenesisDate is LSK_GENESIS_DATE, a fixed UTC instant.
var lskGenesisDate = time.Date(2016, time.May, 24, 17, 0, 0, 0, time.UTC)

// lskGenesisUnixSeconds is LSK_GENESIS_UNIX_SECONDS.
var lskGenesisUnixSeconds = lskGenesisDate.Unix()

// Adapter implements unified.ChainAdapter for Lisk.
type Adapter struct{}

// Chain implements unified.ChainAdapter.
func (Adapter) Chain() unified.Chain { return unified.ChainLisk }

// NormalizeTimestamp implements unified.ChainAdapter: (LSK_GENESIS_UNIX_SECONDS
// + native) seconds, scaled to milliseconds.
func (Adapter) NormalizeTimestamp(native uint64) int64 {
	return (lskGenesisUnixSeconds + int64(native)) * 1000
}

// MerkleRoot implements unified.ChainAdapter. This is deliberately not a
// canonical merkle tree: an empty block hashes its block signature, and a
// non-empty block left-folds blake2b over the accumulator and each
// transaction id in order.
func (Adapter) MerkleRoot(b unified.ForeignBlock) (string, error) {
	if len(b.Transactions) == 0 {
		sum := blake2b.Sum256([]byte(b.BlockSignature))
		return hex.EncodeToString(sum[:]), nil
	}
	acc := ""
	for _, tx := range b.Transactions {
		sum := blake2b.Sum256([]byte(acc + tx.Hash))
		acc = hex.EncodeToString(sum[:])
	}
	return acc, nil
}

// ToForeign converts one polled native block and its transactions into the
// chain-agnostic view the unified builder and marker operate on.
func ToForeign(b nativeBlock, txs []nativeTx) (unified.ForeignBlock, error) {
	foreign := unified.ForeignBlock{
		Chain:          unified.ChainLisk,
		Hash:           b.ID,
		ParentHash:     b.PreviousBlock,
		Height:         b.Height,
		Timestamp:      b.Timestamp,
		BlockSignature: b.BlockSignature,
	}
	for _, tx := range txs {
		amount, err := decimal.NewFromString(tx.Amount)
		if err != nil {
			return unified.ForeignBlock{}, fmt.Errorf("liskrover: parse amount %q on tx %s: %w", tx.Amount, tx.ID, err)
		}
		foreign.Transactions = append(foreign.Transactions, unified.ForeignTx{
			Hash:            tx.ID,
			From:            tx.SenderID,
			To:              tx.RecipientID,
			Value:           amount.BigInt().Bytes(),
			IsValueTransfer: tx.Type == 0,
		})
	}
	return foreign, nil
}
