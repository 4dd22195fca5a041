package replay

import (
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/multibit/multibitd/chainstore"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var errMissing = errors.New("missing block")

// testChain is an in-memory chain indexed by height.
type testChain []*chainstore.StoredBlock

func (c testChain) head() *chainstore.StoredBlock {
	return c[len(c)-1]
}

// prev looks a block up by height, failing for heights in the gaps set.
func (c testChain) prev(gaps map[uint32]bool) PredecessorFunc {
	return func(b *chainstore.StoredBlock) (*chainstore.StoredBlock,
		error) {

		h := b.Height - 1
		if b.Height == 0 || gaps[h] {
			return nil, errMissing
		}

		return c[h], nil
	}
}

// newTestChain builds a chain whose block at height i carries the timestamp
// times[i].
func newTestChain(times []time.Time) testChain {
	genesis := chainstore.NewStoredBlock(
		chainstore.NextHeader(&chainstore.StoredBlock{}, times[0]), 0,
	)

	chain := testChain{genesis}
	for _, ts := range times[1:] {
		prev := chain.head()
		chain = append(chain, prev.Build(chainstore.NextHeader(prev, ts)))
	}

	return chain
}

// evenChain returns a chain of n+1 blocks spaced ten minutes apart.
func evenChain(n int) testChain {
	start := time.Unix(1600000000, 0)
	times := make([]time.Time, n+1)
	for i := range times {
		times[i] = start.Add(time.Duration(i) * 10 * time.Minute)
	}

	return newTestChain(times)
}

// rapidChain draws a chain with strictly increasing timestamps.
func rapidChain(t *rapid.T) testChain {
	n := rapid.IntRange(0, 150).Draw(t, "height")
	ts := time.Unix(rapid.Int64Range(1e9, 2e9).Draw(t, "start"), 0)

	times := make([]time.Time, 0, n+1)
	for i := 0; i <= n; i++ {
		times = append(times, ts)
		gap := rapid.Int64Range(1, 7200).Draw(t, "gap")
		ts = ts.Add(time.Duration(gap) * time.Second)
	}

	return newTestChain(times)
}

// TestFullReplay checks that an absent cutoff always asks for a restart.
func TestFullReplay(t *testing.T) {
	t.Parallel()

	chain := evenChain(20)
	plan := PlanRollback(
		chain.head(), fn.None[time.Time](), chain.prev(nil),
		DefaultSafetyMargin,
	)

	require.True(t, plan.FullRestart)
	require.Nil(t, plan.NewHead)
}

// TestCutoffBetweenBlocks checks the documented scenario: a cutoff between
// H-10 and H-9 lands the head at H-16.
func TestCutoffBetweenBlocks(t *testing.T) {
	t.Parallel()

	const height = 50
	chain := evenChain(height)

	cutoff := chain[height-10].Time().Add(5 * time.Minute)
	plan := PlanRollback(
		chain.head(), fn.Some(cutoff), chain.prev(nil),
		DefaultSafetyMargin,
	)

	require.False(t, plan.FullRestart)
	require.False(t, plan.Degraded)
	require.Equal(t, 10, plan.StepsToCutoff)
	require.Equal(t, DefaultSafetyMargin, plan.MarginSteps)
	require.Equal(t, uint32(height-16), plan.NewHead.Height)
	require.Equal(t, 16, plan.Rollback())
}

// TestCutoffAtBlockTime checks that a block stamped exactly at the cutoff is
// replayed.
func TestCutoffAtBlockTime(t *testing.T) {
	t.Parallel()

	chain := evenChain(30)
	plan := PlanRollback(
		chain.head(), fn.Some(chain[25].Time()), chain.prev(nil), 0,
	)

	require.Equal(t, uint32(24), plan.NewHead.Height)
}

// TestDegradedOnGap checks that a hole in the ancestry stops the walk at the
// last block reached.
func TestDegradedOnGap(t *testing.T) {
	t.Parallel()

	chain := evenChain(40)
	gaps := map[uint32]bool{30: true}

	plan := PlanRollback(
		chain.head(), fn.Some(chain[10].Time()), chain.prev(gaps),
		DefaultSafetyMargin,
	)

	require.True(t, plan.Degraded)
	require.True(t, plan.Gap)
	require.True(t, plan.Restart())
	require.Equal(t, uint32(31), plan.NewHead.Height)
	require.Equal(t, 9, plan.StepsToCutoff)
	require.Zero(t, plan.MarginSteps)
}

// TestGapInMargin checks that a hole hit while walking the safety margin
// also asks for a restart even though the cutoff was reached.
func TestGapInMargin(t *testing.T) {
	t.Parallel()

	chain := evenChain(40)
	gaps := map[uint32]bool{26: true}

	plan := PlanRollback(
		chain.head(), fn.Some(chain[30].Time().Add(5*time.Minute)),
		chain.prev(gaps), DefaultSafetyMargin,
	)

	require.False(t, plan.Degraded)
	require.True(t, plan.Gap)
	require.True(t, plan.Restart())
	require.Equal(t, 10, plan.StepsToCutoff)
	require.Equal(t, 3, plan.MarginSteps)
	require.Equal(t, uint32(27), plan.NewHead.Height)
}

// TestMarginShortOfGenesis checks that the margin walk stops at genesis.
func TestMarginShortOfGenesis(t *testing.T) {
	t.Parallel()

	chain := evenChain(8)
	plan := PlanRollback(
		chain.head(), fn.Some(chain[5].Time().Add(time.Second)),
		chain.prev(nil), DefaultSafetyMargin,
	)

	require.False(t, plan.Degraded)
	require.False(t, plan.Restart())
	require.Equal(t, uint32(0), plan.NewHead.Height)
	require.Equal(t, 3, plan.StepsToCutoff)
	require.Equal(t, 5, plan.MarginSteps)
}

// TestPropertyCutoffAfterHead checks that a cutoff after the head never
// leaves the head in place.
func TestPropertyCutoffAfterHead(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chain := rapidChain(t)
		head := chain.head()
		extra := rapid.Int64Range(1, 1e6).Draw(t, "extra")
		cutoff := head.Time().Add(time.Duration(extra) * time.Second)

		plan := PlanRollback(
			head, fn.Some(cutoff), chain.prev(nil),
			DefaultSafetyMargin,
		)

		require.Zero(t, plan.StepsToCutoff)
		want := int(head.Height) - DefaultSafetyMargin
		if want < 0 {
			want = 0
		}
		require.Equal(t, uint32(want), plan.NewHead.Height)
		if head.Height >= DefaultSafetyMargin {
			require.GreaterOrEqual(
				t, plan.Rollback(), DefaultSafetyMargin,
			)
		}
	})
}

// TestPropertyCutoffBeforeGenesis checks that a cutoff before genesis ends at
// genesis.
func TestPropertyCutoffBeforeGenesis(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chain := rapidChain(t)
		early := rapid.Int64Range(1, 1e6).Draw(t, "early")
		cutoff := chain[0].Time().Add(-time.Duration(early) * time.Second)

		plan := PlanRollback(
			chain.head(), fn.Some(cutoff), chain.prev(nil),
			DefaultSafetyMargin,
		)

		require.Equal(t, uint32(0), plan.NewHead.Height)
		require.Equal(t, len(chain)-1, plan.StepsToCutoff)
	})
}

// TestPropertyMarginIsAdditive checks that the new head is exactly margin
// blocks below the newest block older than the cutoff.
func TestPropertyMarginIsAdditive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chain := rapidChain(t)
		margin := rapid.IntRange(0, 20).Draw(t, "margin")

		first := chain[0].Time().Unix()
		last := chain.head().Time().Unix()
		cutoff := time.Unix(
			rapid.Int64Range(first-100, last+100).Draw(t, "cutoff"), 0,
		)

		plan := PlanRollback(
			chain.head(), fn.Some(cutoff), chain.prev(nil), margin,
		)

		candidate := -1
		for i := len(chain) - 1; i >= 0; i-- {
			if chain[i].Time().Before(cutoff) {
				candidate = i
				break
			}
		}

		if candidate < 0 {
			require.Equal(t, uint32(0), plan.NewHead.Height)
			return
		}

		want := candidate - margin
		if want < 0 {
			want = 0
		}
		require.Equal(t, uint32(want), plan.NewHead.Height)
		require.Equal(t, len(chain)-1-candidate, plan.StepsToCutoff)
	})
}
