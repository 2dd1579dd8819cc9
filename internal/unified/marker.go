package unified

import "context"

// SettlementChecker is the `rover.isBeforeSettleHeight` external
// collaborator. It is nil in standalone mode, in which case the Marker only
// ever produces designated-asset marks.
type SettlementChecker interface {
	IsBeforeSettleHeight(ctx context.Context, from, to string, chain Chain) (bool, error)
}

// Marker decides per-transaction policy: whether a foreign transaction is
// relayed upstream, and under which token tag.
type Marker struct {
	chain Chain

	// DesignatedKey is the configured designated-wallet public key/address
	// for this chain. Empty disables "emb" marking entirely.
	DesignatedKey string

	// Settlement is nil in standalone mode.
	Settlement SettlementChecker
}

// NewMarker constructs a Marker for chain, with designatedKey ("" to
// disable designated-asset marking) and an optional settlement checker (nil
// in standalone mode).
func NewMarker(chain Chain, designatedKey string, settlement SettlementChecker) *Marker {
	return &Marker{chain: chain, DesignatedKey: designatedKey, Settlement: settlement}
}

// Mark walks b's transactions in order and returns the subset that should be
// relayed upstream, each carrying a dense index starting at 0. An unmarked
// transaction is never present in the result.
func (m *Marker) Mark(ctx context.Context, b ForeignBlock) ([]MarkedTx, error) {
	marked := make([]MarkedTx, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		token, ok, err := m.classify(ctx, tx)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		marked = append(marked, MarkedTx{
			OriginChain: b.Chain,
			Token:       token,
			From:        tx.From,
			To:          tx.To,
			Value:       tx.Value,
			Height:      b.Height,
			Index:       len(marked),
			Hash:        tx.Hash,
		})
	}
	return marked, nil
}

// classify decides whether tx is marked and, if so, which token tag wins.
// Designated-asset always wins over a settlement-window match.
func (m *Marker) classify(ctx context.Context, tx ForeignTx) (token string, ok bool, err error) {
	if m.DesignatedKey != "" && tx.IsValueTransfer && tx.From == m.DesignatedKey {
		return EmbToken, true, nil
	}
	if m.Settlement == nil {
		return "", false, nil
	}
	within, err := m.Settlement.IsBeforeSettleHeight(ctx, tx.From, tx.To, m.chain)
	if err != nil {
		return "", false, err
	}
	if !within {
		return "", false, nil
	}
	return string(m.chain), true, nil
}
