package payoutpool

import "fmt"

// Errors per spec §7's payout-side pool taxonomy.

var (
	ErrNotInitialized = fmt.Errorf("payoutpool: pool has no hoppers configured")
	ErrNoHoppers      = fmt.Errorf("payoutpool: no enabled hoppers available")
	ErrPayoutInProgress = fmt.Errorf("payoutpool: a payout is already in progress")
)

// InsufficientHoppersError is returned when target_remaining is still
// positive after every enabled hopper has been considered.
type InsufficientHoppersError struct{ Remaining uint32 }

func (e *InsufficientHoppersError) Error() string {
	return fmt.Sprintf("payoutpool: insufficient hoppers to cover remaining %d", e.Remaining)
}

// CannotMakeExactChangeError is returned when no combination of the
// available coin values sums exactly to target_value.
type CannotMakeExactChangeError struct{ Target uint32 }

func (e *CannotMakeExactChangeError) Error() string {
	return fmt.Sprintf("payoutpool: cannot make exact change for %d", e.Target)
}

// HopperNotFoundError is returned when an address passed to Enable/
// Disable does not match any hopper in the pool.
type HopperNotFoundError struct{ Address byte }

func (e *HopperNotFoundError) Error() string {
	return fmt.Sprintf("payoutpool: no hopper at address %d", e.Address)
}

// HopperDisabledError reports a hopper that is disabled. Payout does not
// return it: dispatch does not re-check a hopper's enabled flag, so a
// hopper disabled between planning and dispatch is still dispensed from
// and is left out of the next plan only.
type HopperDisabledError struct{ Address byte }

func (e *HopperDisabledError) Error() string {
	return fmt.Sprintf("payoutpool: hopper %d is disabled", e.Address)
}

// EmergencyStoppedError is returned when EmergencyStop aborts an
// in-flight payout.
type EmergencyStoppedError struct{ Dispensed uint32 }

func (e *EmergencyStoppedError) Error() string {
	return fmt.Sprintf("payoutpool: emergency stopped after dispensing %d", e.Dispensed)
}

// AllHoppersFailedError is returned when every hopper considered for a
// replan failed to dispense even a single coin.
type AllHoppersFailedError struct{}

func (e *AllHoppersFailedError) Error() string { return "payoutpool: all hoppers failed" }

// TimeoutError is returned when a payout's context deadline elapses
// mid-dispatch.
type TimeoutError struct{ Dispensed uint32 }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("payoutpool: payout timed out after dispensing %d", e.Dispensed)
}
