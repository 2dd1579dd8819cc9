// Package syncplan turns a resync directive into a bounded, ordered
// sequence of batches.
package syncplan

import (
	"sort"
	"time"
)

// Interval is an explicit [From, To] request range from a resync directive.
type Interval struct {
	From, To uint64
}

// Batch is one ordered sub-range to dispatch as a single GET_BLOCK_HEADERS
// request (or, for Lisk, a single offset+limit page). From <= To.
type Batch struct {
	From, To uint64
}

// Len reports the number of blocks the batch covers.
func (b Batch) Len() uint64 { return b.To - b.From + 1 }

// KnownLatest is the optional "known-latest block" carried by a resync
// directive.
type KnownLatest struct {
	Height    uint64
	Hash      string
	Timestamp time.Time
}

// Directive is the input to Plan: either explicit intervals, or "follow tip"
// (nil Intervals), plus an optional known-latest reference.
type Directive struct {
	Intervals   []Interval
	KnownLatest *KnownLatest
}

// ChainParams are the per-chain constants the planner needs.
type ChainParams struct {
	// MaxBatch is MAX_BATCH: 128 for Ethereum, 100 for Lisk.
	MaxBatch uint64
	// SecondsPerBlock is ROVER_SECONDS_PER_BLOCK[chain].
	SecondsPerBlock float64
	// ResyncPeriod is ROVER_RESYNC_PERIOD, the default catch-up window when
	// no directive and no known-latest narrow it.
	ResyncPeriod time.Duration
	// GapThresholdMultiplier scales the known-latest staleness threshold:
	// a known-latest block is considered stale, and a gap-fill batch is
	// issued, once now-Timestamp exceeds secondsPerBlock*multiplier. Zero
	// defaults to 1 (Ethereum); Lisk sets 2 for its coarser block cadence.
	GapThresholdMultiplier float64
}

// Plan turns directive into an ordered sequence of batches to dispatch
// against a remote tip of height tip. The head batch (index 0) is meant to
// be dispatched immediately by the caller; the rest are handed to the
// request tracker.
func Plan(directive Directive, tip uint64, params ChainParams, now time.Time) []Batch {
	var batches []Batch

	switch {
	case len(directive.Intervals) > 0:
		sorted := append([]Interval(nil), directive.Intervals...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].From > sorted[j].From })
		for _, iv := range sorted {
			batches = append(batches, splitInterval(iv.From, iv.To, params.MaxBatch)...)
		}
	case directive.KnownLatest == nil:
		batches = append(batches, defaultWindow(tip, params)...)
	}

	if directive.KnownLatest != nil && tip > directive.KnownLatest.Height {
		multiplier := params.GapThresholdMultiplier
		if multiplier <= 0 {
			multiplier = 1
		}
		staleAfter := time.Duration(params.SecondsPerBlock * multiplier * float64(time.Second))
		if now.Sub(directive.KnownLatest.Timestamp) > staleAfter {
			gap := splitInterval(directive.KnownLatest.Height+1, tip, params.MaxBatch)
			batches = append(gap, batches...)
		}
	}

	return batches
}

// defaultWindow computes ROVER_RESYNC_PERIOD / secondsPerBlock blocks ending
// at tip, for the "no directive at all" case.
func defaultWindow(tip uint64, params ChainParams) []Batch {
	if params.SecondsPerBlock <= 0 {
		return nil
	}
	span := uint64(params.ResyncPeriod.Seconds() / params.SecondsPerBlock)
	if span == 0 {
		span = 1
	}
	from := uint64(0)
	if tip+1 > span {
		from = tip + 1 - span
	}
	return splitInterval(from, tip, params.MaxBatch)
}

// FetchBlockBatch computes the FETCH_BLOCK range [previousLast+1,
// currentLast], clamped to at most maxBatch blocks by dropping the oldest
// ones ("we prefer recency").
func FetchBlockBatch(previousLast, currentLast, maxBatch uint64) Batch {
	from, to := previousLast+1, currentLast
	if to < from {
		from = to
	}
	if maxBatch > 0 && to-from+1 > maxBatch {
		from = to - maxBatch + 1
	}
	return Batch{From: from, To: to}
}

// splitInterval splits [from, to] (normalized so from <= to) into
// consecutive sub-intervals covering at most maxBatch blocks each; the
// final sub-interval may be shorter.
func splitInterval(from, to, maxBatch uint64) []Batch {
	if to < from {
		from, to = to, from
	}
	if maxBatch == 0 {
		return []Batch{{From: from, To: to}}
	}
	if to-from+1 <= maxBatch {
		return []Batch{{From: from, To: to}}
	}
	var out []Batch
	for start := from; start <= to; start += maxBatch {
		end := start + maxBatch - 1
		if end > to {
			end = to
		}
		out = append(out, Batch{From: start, To: end})
		if end == to {
			break
		}
	}
	return out
}
