// Package roverpc defines the parent RPC contract the rover consumes and a
// websocket-backed implementation of it. The parent coordinator's server
// and its wire schema are owned elsewhere; this package only needs a thin,
// honest transport for the bidirectional stream the rover drives against it.
package roverpc

import (
	"context"
	"time"

	"github.com/blockcollider/rover/internal/unified"
)

// DirectiveType is the RoverMessage.type enum.
type DirectiveType string

const (
	DirectiveRequestResync DirectiveType = "REQUEST_RESYNC"
	DirectiveFetchBlock    DirectiveType = "FETCH_BLOCK"
)

// Interval is an explicit resync range, as carried on the wire.
type Interval struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// KnownLatestBlock is the optional known-latest reference in a resync
// directive.
type KnownLatestBlock struct {
	Height    uint64    `json:"height"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// ResyncData is the REQUEST_RESYNC payload.
type ResyncData struct {
	Intervals   []Interval        `json:"intervals,omitempty"`
	KnownLatest *KnownLatestBlock `json:"knownLatest,omitempty"`
}

// BlockRef names a block by height+hash, as carried in a FETCH_BLOCK
// payload.
type BlockRef struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// FetchBlockData is the FETCH_BLOCK payload.
type FetchBlockData struct {
	CurrentLast  BlockRef `json:"currentLast"`
	PreviousLast BlockRef `json:"previousLast"`
}

// Directive is one inbound message from `rover.join`.
type Directive struct {
	Type   DirectiveType   `json:"type"`
	Resync *ResyncData     `json:"resync,omitempty"`
	Fetch  *FetchBlockData `json:"fetch,omitempty"`
}

// SyncStatus is the `rover.reportSyncStatus` payload.
type SyncStatus struct {
	Chain string `json:"chain"`
	OK    bool   `json:"ok"`
}

// Client is the parent RPC contract, as consumed by the control loop.
type Client interface {
	// Join opens the server-streaming directive feed for chain. The
	// returned channel is closed when the stream ends (parent disconnect or
	// Close); cancelling ctx does not close it.
	Join(ctx context.Context, chain string) (<-chan Directive, error)

	// CollectBlock is the unary `rover.collectBlock` call, made per
	// validated unified block.
	CollectBlock(ctx context.Context, block unified.UnifiedBlock) error

	// ReportSyncStatus is the unary `rover.reportSyncStatus` call.
	ReportSyncStatus(ctx context.Context, chain string, ok bool) error

	// IsBeforeSettleHeight is the unary `rover.isBeforeSettleHeight` call
	// used by the transaction marker.
	IsBeforeSettleHeight(ctx context.Context, from, to, chain string) (bool, error)

	Close() error
}
