package payoutpool

import (
	"sort"

	"github.com/cctalk/host/internal/hopper"
)

// Strategy selects the order hoppers are considered in when building a
// plan (spec §4.8).
type Strategy int

const (
	LargestFirst Strategy = iota
	SmallestFirst
	BalanceInventory
)

// hopperState is the planner's view of one hopper: its coin value,
// whether it's eligible to be planned against, and (for
// BalanceInventory) its current inventory bucket.
type hopperState struct {
	address   byte
	value     uint32
	enabled   bool
	inventory hopper.InventoryLevel
	estimate  int
}

// PlanEntry is one step of a Plan: dispense count coins from the
// hopper at address.
type PlanEntry struct {
	Address byte
	Count   byte
}

// Plan is an ordered sequence of dispense steps; order matters, it is
// the dispatch order (spec §4.8 "walk the plan in the strategy's
// order").
type Plan []PlanEntry

func inventoryRank(l hopper.InventoryLevel) int {
	switch l {
	case hopper.High:
		return 3
	case hopper.Low:
		return 2
	case hopper.Unknown:
		return 1
	default: // hopper.Empty
		return 0
	}
}

// buildPlan assigns coin counts to eligible hoppers, considered in
// strategy order, until targetRemaining is exhausted or every hopper
// has been considered. It only ever plans exact combinations: it never
// leaves a partially-satisfiable remainder that isn't zero.
func buildPlan(strategy Strategy, hoppers []hopperState, target uint32) (Plan, error) {
	eligible := make([]hopperState, 0, len(hoppers))
	for _, h := range hoppers {
		if h.enabled {
			eligible = append(eligible, h)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoHoppers
	}

	switch strategy {
	case LargestFirst:
		sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].value > eligible[j].value })
	case SmallestFirst:
		sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].value < eligible[j].value })
	case BalanceInventory:
		sort.SliceStable(eligible, func(i, j int) bool {
			ri, rj := inventoryRank(eligible[i].inventory), inventoryRank(eligible[j].inventory)
			if ri != rj {
				return ri > rj
			}
			return eligible[i].value > eligible[j].value
		})
	}

	remaining := target
	var plan Plan
	for _, h := range eligible {
		if remaining == 0 || h.value == 0 {
			continue
		}
		maxByValue := remaining / h.value
		count := maxByValue
		if uint32(h.estimate) < count {
			count = uint32(h.estimate)
		}
		if count == 0 {
			continue
		}
		plan = append(plan, PlanEntry{Address: h.address, Count: byte(count)})
		remaining -= count * h.value
	}

	if remaining > 0 {
		values := make([]uint32, 0, len(eligible))
		for _, h := range eligible {
			if h.value > 0 {
				values = append(values, h.value)
			}
		}
		if !canMakeExactChange(values, target) {
			return nil, &CannotMakeExactChangeError{Target: target}
		}
		return nil, &InsufficientHoppersError{Remaining: remaining}
	}
	return plan, nil
}

// canMakeExactChange reports whether some unbounded combination of
// values sums exactly to target, ignoring any per-hopper inventory
// cap — it answers "is this denomination set even capable of this
// total", distinguishing CannotMakeExactChange (never possible) from
// InsufficientHoppers (possible in principle, but current stock falls
// short).
func canMakeExactChange(values []uint32, target uint32) bool {
	if target == 0 {
		return true
	}
	reachable := make([]bool, target+1)
	reachable[0] = true
	for amount := uint32(1); amount <= target; amount++ {
		for _, v := range values {
			if v <= amount && reachable[amount-v] {
				reachable[amount] = true
				break
			}
		}
	}
	return reachable[target]
}
