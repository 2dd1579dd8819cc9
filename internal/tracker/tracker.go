// Package tracker implements the single coordinator task that owns
// requested-heights and the remaining-batch queue. All mutation of tracker
// state goes through its exported methods, which serialize internally; no
// other package should reach into this state directly.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/blockcollider/rover/internal/syncplan"
)

// Dispatcher abstracts the peer pool's request-routing surface needed by
// the tracker: choosing a subset of currently verified peers for a batch.
type Dispatcher interface {
	SelectPeers() []PeerHandle
}

// PeerHandle is the single capability the tracker needs from a selected
// peer: send one GET_BLOCK_HEADERS(from, count, skip=0, reverse=0) request.
type PeerHandle interface {
	RequestHeaders(from, count uint64) error
}

// StatusReporter reports sync status up to an external collaborator.
type StatusReporter interface {
	ReportSyncStatus(ctx context.Context, ok bool) error
}

const (
	watchdogInterval = 10 * time.Second
	retryDelay       = 10 * time.Second
)

// Tracker implements an Idle -> Awaiting(batch) -> Idle state machine,
// with a 10s watchdog dispatching the next queued batch whenever idle.
type Tracker struct {
	dispatcher Dispatcher
	reporter   StatusReporter
	log        log.Logger

	mu               sync.Mutex
	requestedHeights map[uint64]struct{}
	remainingBatches []syncplan.Batch
	sessionActive    bool
	statusSent       bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Tracker. logger may be nil, in which case a default
// component logger is used.
func New(dispatcher Dispatcher, reporter StatusReporter, logger log.Logger) *Tracker {
	if logger == nil {
		logger = log.New("component", "tracker")
	}
	return &Tracker{
		dispatcher:       dispatcher,
		reporter:         reporter,
		log:              logger,
		requestedHeights: make(map[uint64]struct{}),
		stop:             make(chan struct{}),
	}
}

// Run drives the 10s watchdog until ctx is cancelled or Close is called. It
// should be started once in its own goroutine.
func (t *Tracker) Run(ctx context.Context) {
	t.wg.Add(1)
	defer t.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.watchdogTick(ctx)
		}
	}
}

// Close stops the watchdog loop and waits for it to exit.
func (t *Tracker) Close() {
	close(t.stop)
	t.wg.Wait()
}

// StartSession begins a new resync session from an ordered batch plan
// (typically from syncplan.Plan). The head batch dispatches immediately;
// the rest are queued for the watchdog.
func (t *Tracker) StartSession(ctx context.Context, batches []syncplan.Batch) {
	t.mu.Lock()
	t.sessionActive = true
	t.statusSent = false
	if len(batches) == 0 {
		t.mu.Unlock()
		t.maybeComplete(ctx)
		return
	}
	head := batches[0]
	t.remainingBatches = append([]syncplan.Batch(nil), batches[1:]...)
	t.mu.Unlock()

	t.dispatch(ctx, head)
}

// EnqueueBatch appends an additional batch (e.g. from a FETCH_BLOCK
// directive) to the remaining queue; the watchdog dispatches it once idle.
func (t *Tracker) EnqueueBatch(b syncplan.Batch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionActive = true
	t.statusSent = false
	t.remainingBatches = append(t.remainingBatches, b)
}

// DispatchGapFill immediately dispatches a synthetic live-gap batch,
// bypassing the remaining-batch queue.
func (t *Tracker) DispatchGapFill(ctx context.Context, b syncplan.Batch) {
	t.mu.Lock()
	t.sessionActive = true
	t.statusSent = false
	t.mu.Unlock()
	t.dispatch(ctx, b)
}

func (t *Tracker) watchdogTick(ctx context.Context) {
	t.mu.Lock()
	idle := len(t.requestedHeights) == 0
	if !idle || len(t.remainingBatches) == 0 {
		t.mu.Unlock()
		return
	}
	next := t.remainingBatches[0]
	t.remainingBatches = t.remainingBatches[1:]
	t.mu.Unlock()

	t.dispatch(ctx, next)
}

// dispatch asks the peer pool for verified peers; if fewer than two are
// available, the batch is requeued and retried after retryDelay.
// Otherwise each chosen peer receives one GET_BLOCK_HEADERS request and the
// batch's heights are unioned into requested-heights.
func (t *Tracker) dispatch(ctx context.Context, b syncplan.Batch) {
	peers := t.dispatcher.SelectPeers()
	if len(peers) < 2 {
		t.log.Debug("postponing batch, fewer than 2 verified peers", "from", b.From, "to", b.To, "peers", len(peers))
		t.mu.Lock()
		t.remainingBatches = append([]syncplan.Batch{b}, t.remainingBatches...)
		t.mu.Unlock()
		time.AfterFunc(retryDelay, func() { t.watchdogTick(ctx) })
		return
	}

	t.mu.Lock()
	for h := b.From; h <= b.To; h++ {
		t.requestedHeights[h] = struct{}{}
	}
	t.mu.Unlock()

	count := b.Len()
	for _, p := range peers {
		if err := p.RequestHeaders(b.From, count); err != nil {
			t.log.Debug("GET_BLOCK_HEADERS send failed", "from", b.From, "count", count, "err", err)
		}
	}
}

// CompleteHeight removes h from requested-heights once its body has arrived
// and validated, and checks whether the session has finished.
func (t *Tracker) CompleteHeight(ctx context.Context, h uint64) {
	t.mu.Lock()
	delete(t.requestedHeights, h)
	t.mu.Unlock()
	t.maybeComplete(ctx)
}

// maybeComplete emits reportSyncStatus(true) exactly once, strictly after
// every batch and height has drained.
func (t *Tracker) maybeComplete(ctx context.Context) {
	t.mu.Lock()
	done := t.sessionActive && !t.statusSent &&
		len(t.remainingBatches) == 0 && len(t.requestedHeights) == 0
	if done {
		t.statusSent = true
		t.sessionActive = false
	}
	t.mu.Unlock()

	if done && t.reporter != nil {
		if err := t.reporter.ReportSyncStatus(ctx, true); err != nil {
			t.log.Warn("reportSyncStatus(true) failed", "err", err)
		}
	}
}

// Fail aborts the active session and reports failure exactly once. Callers
// use this on unrecoverable peer churn; a later resync will emit a fresh
// status rather than this one being retried.
func (t *Tracker) Fail(ctx context.Context) {
	t.mu.Lock()
	if !t.sessionActive || t.statusSent {
		t.mu.Unlock()
		return
	}
	t.statusSent = true
	t.sessionActive = false
	t.requestedHeights = make(map[uint64]struct{})
	t.remainingBatches = nil
	t.mu.Unlock()

	if t.reporter != nil {
		if err := t.reporter.ReportSyncStatus(ctx, false); err != nil {
			t.log.Warn("reportSyncStatus(false) failed", "err", err)
		}
	}
}

// Outstanding reports the number of currently-outstanding requested heights,
// for tests and diagnostics.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requestedHeights)
}

// IsRequested reports whether height h is currently outstanding. Peer
// sessions use this to decide a body's fromInitialSync flag when handling
// BLOCK_BODIES, without reaching into tracker internals directly.
func (t *Tracker) IsRequested(h uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.requestedHeights[h]
	return ok
}
