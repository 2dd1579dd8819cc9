package syncplan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var ethParams = ChainParams{MaxBatch: 128, SecondsPerBlock: 15, ResyncPeriod: time.Hour}

var liskParams = ChainParams{MaxBatch: 100, SecondsPerBlock: 10, ResyncPeriod: time.Hour, GapThresholdMultiplier: 2}

func TestPlan_ExactlyMaxBatchFitsOneBatch(t *testing.T) {
	batches := Plan(Directive{Intervals: []Interval{{From: 1000, To: 1127}}}, 2000, ethParams, time.Now())
	require.Len(t, batches, 1)
	require.Equal(t, Batch{From: 1000, To: 1127}, batches[0])
}

func TestPlan_MaxBatchPlusOneSplitsInTwo(t *testing.T) {
	batches := Plan(Directive{Intervals: []Interval{{From: 1000, To: 1128}}}, 2000, ethParams, time.Now())
	require.Len(t, batches, 2)
	require.Equal(t, Batch{From: 1000, To: 1127}, batches[0])
	require.Equal(t, Batch{From: 1128, To: 1128}, batches[1])
}

func TestPlan_DescendingIntervalOrder(t *testing.T) {
	batches := Plan(Directive{Intervals: []Interval{
		{From: 100, To: 105},
		{From: 500, To: 505},
	}}, 2000, ethParams, time.Now())
	require.Len(t, batches, 2)
	require.Equal(t, uint64(500), batches[0].From)
	require.Equal(t, uint64(100), batches[1].From)
}

func TestPlan_KnownLatestPrependsGapWhenStale(t *testing.T) {
	known := &KnownLatest{Height: 1000, Timestamp: time.Now().Add(-time.Hour)}
	batches := Plan(Directive{KnownLatest: known}, 1050, ethParams, time.Now())
	require.NotEmpty(t, batches)
	require.Equal(t, uint64(1001), batches[0].From)
	require.Equal(t, uint64(1050), batches[0].To)
}

func TestPlan_KnownLatestSkippedWhenFresh(t *testing.T) {
	known := &KnownLatest{Height: 1000, Timestamp: time.Now()}
	batches := Plan(Directive{KnownLatest: known}, 1050, ethParams, time.Now())
	require.Empty(t, batches)
}

func TestPlan_LiskKnownLatestFreshUnderDoubleThreshold(t *testing.T) {
	// 15s elapsed: stale under Ethereum's plain secondsPerBlock (15s)
	// threshold, but fresh under Lisk's secondsPerBlock*2 (20s) threshold.
	known := &KnownLatest{Height: 1000, Timestamp: time.Now().Add(-15 * time.Second)}

	ethBatches := Plan(Directive{KnownLatest: known}, 1050, ethParams, time.Now())
	require.NotEmpty(t, ethBatches, "15s elapsed should exceed Ethereum's 15s threshold")

	liskBatches := Plan(Directive{KnownLatest: known}, 1050, liskParams, time.Now())
	require.Empty(t, liskBatches, "15s elapsed should stay under Lisk's doubled 20s threshold")
}

func TestPlan_LiskKnownLatestStaleBeyondDoubleThreshold(t *testing.T) {
	known := &KnownLatest{Height: 1000, Timestamp: time.Now().Add(-25 * time.Second)}
	batches := Plan(Directive{KnownLatest: known}, 1050, liskParams, time.Now())
	require.NotEmpty(t, batches)
	require.Equal(t, uint64(1001), batches[0].From)
	require.Equal(t, uint64(1050), batches[0].To)
}

func TestPlan_DefaultWindowWhenNoDirective(t *testing.T) {
	batches := Plan(Directive{}, 10000, ethParams, time.Now())
	require.NotEmpty(t, batches)
	last := batches[len(batches)-1]
	require.Equal(t, uint64(10000), last.To)
}

func TestFetchBlockBatch_ClampsToMostRecent(t *testing.T) {
	b := FetchBlockBatch(1000, 1200, 128)
	require.Equal(t, uint64(128), b.Len())
	require.Equal(t, uint64(1200), b.To)
	require.Equal(t, uint64(1073), b.From)
}

func TestFetchBlockBatch_NoClampNeeded(t *testing.T) {
	b := FetchBlockBatch(1000, 1010, 128)
	require.Equal(t, Batch{From: 1001, To: 1010}, b)
}
