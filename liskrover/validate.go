package liskrover

import "fmt"

// Validator implements structural checks for Lisk. Lisk has no
// proof-of-work difficulty to monotonically check, so unlike the Ethereum
// validator this is structure-only.
type Validator struct{}

// NewValidator builds a Lisk structural validator.
func NewValidator() *Validator { return &Validator{} }

// ValidateStructure checks the block's self-consistency: a non-empty id, a
// parent reference for every non-genesis height, and a transaction count
// that matches the block's own declared count.
func (Validator) ValidateStructure(b nativeBlock, txs []nativeTx) error {
	if b.ID == "" {
		return fmt.Errorf("liskrover: block at height %d has no id", b.Height)
	}
	if b.Height > 1 && b.PreviousBlock == "" {
		return fmt.Errorf("liskrover: block %s at height %d has no previous block", b.ID, b.Height)
	}
	if uint64(len(txs)) != b.NumberOfTransactions {
		return fmt.Errorf("liskrover: block %s declares %d transactions, fetched %d", b.ID, b.NumberOfTransactions, len(txs))
	}
	return nil
}
