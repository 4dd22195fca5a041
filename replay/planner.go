package replay

import (
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/multibit/multibitd/chainstore"
)

// DefaultSafetyMargin is the number of blocks walked back beyond the cutoff
// block. It is larger than any alternate chain we expect to see, so a head
// that sat on an abandoned fork is fully unwound.
const DefaultSafetyMargin = 6

// PredecessorFunc looks up the block a stored block builds on.
type PredecessorFunc func(*chainstore.StoredBlock) (*chainstore.StoredBlock,
	error)

// Plan is the outcome of planning a replay.
type Plan struct {
	// FullRestart is set when no cutoff was given. The chain store must
	// be discarded and recreated from genesis, and NewHead is nil.
	FullRestart bool

	// NewHead is the block the chain head must be reset to.
	NewHead *chainstore.StoredBlock

	// StepsToCutoff is the number of blocks walked back until a block
	// older than the cutoff was found.
	StepsToCutoff int

	// MarginSteps is the number of further blocks walked back for the
	// safety margin. It is below the requested margin only when genesis
	// was reached.
	MarginSteps int

	// Degraded is set when the walk stopped before a block older than the
	// cutoff was found, because the start of the chain or a gap in the
	// stored ancestry was hit first.
	Degraded bool

	// Gap is set when a predecessor lookup failed. NewHead then can't be
	// traced back to genesis and must not become the chain head, so the
	// store has to be recreated as for a full restart.
	Gap bool
}

// Restart reports whether the replay has to recreate the chain store from
// genesis.
func (p Plan) Restart() bool {
	return p.FullRestart || (p.Gap && p.NewHead.Height != 0)
}

// Rollback returns the number of blocks between the old head and NewHead.
func (p Plan) Rollback() int {
	return p.StepsToCutoff + p.MarginSteps
}

// PlanRollback works out how far back the chain head must move so that every
// block at or after cutoff is downloaded again. It walks predecessors from
// head while their timestamp is not before cutoff, then walks margin further
// blocks. Lookup failures never abort the walk. It stops at the best block
// reached so far instead.
//
// An absent cutoff asks for a full replay from genesis.
func PlanRollback(head *chainstore.StoredBlock, cutoff fn.Option[time.Time],
	prev PredecessorFunc, margin int) Plan {

	if cutoff.IsNone() {
		return Plan{FullRestart: true}
	}
	cutoffTime := cutoff.UnsafeFromSome()

	var (
		plan   Plan
		cursor = head
	)

	for !cursor.Time().Before(cutoffTime) {
		next, ok := step(cursor, prev)
		if !ok {
			plan.Degraded = true
			plan.Gap = cursor.Height != 0
			break
		}

		cursor = next
		plan.StepsToCutoff++
	}

	if plan.Degraded {
		log.Warnf("Replay cutoff %v not reached, stopped at %v after "+
			"%d blocks", cutoffTime, cursor, plan.StepsToCutoff)
	}

	for plan.MarginSteps < margin {
		next, ok := step(cursor, prev)
		if !ok {
			plan.Gap = cursor.Height != 0
			break
		}

		cursor = next
		plan.MarginSteps++
	}

	plan.NewHead = cursor

	log.Debugf("Planned replay from %v to %v: %d blocks to cutoff, %d "+
		"margin", head, cursor, plan.StepsToCutoff, plan.MarginSteps)

	return plan
}

// step returns the predecessor of block, or false when there is none.
func step(block *chainstore.StoredBlock,
	prev PredecessorFunc) (*chainstore.StoredBlock, bool) {

	if block.Height == 0 {
		return nil, false
	}

	next, err := prev(block)
	if err != nil {
		log.Warnf("Predecessor lookup for %v failed: %v", block, err)
		return nil, false
	}

	return next, true
}
