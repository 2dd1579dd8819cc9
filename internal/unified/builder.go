package unified

import (
	"context"
	"fmt"
)

// Builder deterministically translates a validated foreign block into the
// canonical unified block, including the marking pass.
type Builder struct {
	adapter ChainAdapter
	marker  *Marker
}

// NewBuilder constructs a Builder for the chain described by adapter, using
// marker to produce the block's marked transactions.
func NewBuilder(adapter ChainAdapter, marker *Marker) *Builder {
	return &Builder{adapter: adapter, marker: marker}
}

// Build translates b into a UnifiedBlock. It is deterministic: two calls on
// structurally-equal b produce byte-equal (field-equal) results.
func (bld *Builder) Build(ctx context.Context, b ForeignBlock) (UnifiedBlock, error) {
	if b.Hash == "" {
		return UnifiedBlock{}, fmt.Errorf("unified: block at height %d has no hash", b.Height)
	}
	root, err := bld.adapter.MerkleRoot(b)
	if err != nil {
		return UnifiedBlock{}, fmt.Errorf("unified: merkle root for block %s: %w", b.Hash, err)
	}
	marks, err := bld.marker.Mark(ctx, b)
	if err != nil {
		return UnifiedBlock{}, fmt.Errorf("unified: marking transactions for block %s: %w", b.Hash, err)
	}
	ts := bld.adapter.NormalizeTimestamp(b.Timestamp)
	if ts <= 0 {
		return UnifiedBlock{}, fmt.Errorf("unified: block %s normalized to non-positive timestamp %d", b.Hash, ts)
	}
	return UnifiedBlock{
		Chain:      bld.adapter.Chain(),
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Timestamp:  ts,
		Height:     b.Height,
		MerkleRoot: root,
		MarkedTxs:  marks,
	}, nil
}
