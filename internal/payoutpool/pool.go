// Package payoutpool aggregates a set of hoppers into a single
// "dispense N units of currency" operation (spec C8): plan a coin
// combination under a pluggable strategy, dispatch to completion, and
// replan from surviving hoppers on partial failure.
package payoutpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cctalk/host/internal/hopper"
	"github.com/cctalk/host/internal/logging"
	"github.com/cctalk/host/internal/telemetry"
)

// Config configures a Pool.
type Config struct {
	Strategy       Strategy
	StatusInterval time.Duration
	Logger         logging.Logger
	// OnRebalance, if set, is called once per replan with the new plan
	// (spec §4.8 "Emit PayoutPlanRebalanced").
	OnRebalance func(Plan)

	// Telemetry, if set, receives a report for every hopper dispense and
	// replan. Nil means no reporting.
	Telemetry telemetry.Reporter
}

func (c Config) withDefaults() Config {
	if c.StatusInterval == 0 {
		c.StatusInterval = 50 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	return c
}

type poolHopper struct {
	address byte
	value   uint32
	driver  *hopper.Driver
	enabled bool
}

// Pool holds a fixed set of hoppers and runs payout operations against
// them.
type Pool struct {
	cfg     Config
	logger  logging.Logger
	mu      sync.Mutex
	hoppers []*poolHopper

	inProgress atomic.Bool
	stopOnce   sync.Once
	stopCh     chan struct{}
}

// HopperSpec describes one hopper to add to the pool.
type HopperSpec struct {
	Address byte
	Value   uint32
	Driver  *hopper.Driver
}

// New builds a Pool over the given hoppers, all enabled initially.
func New(specs []HopperSpec, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{cfg: cfg, logger: cfg.Logger.With(logging.Field{Key: "component", Value: "payoutpool"})}
	for _, s := range specs {
		p.hoppers = append(p.hoppers, &poolHopper{address: s.Address, value: s.Value, driver: s.Driver, enabled: true})
	}
	return p
}

// report forwards a domain event to the configured telemetry reporter,
// if any.
func (p *Pool) report(kind telemetry.Kind, address byte, value uint32, message string) {
	if p.cfg.Telemetry == nil {
		return
	}
	p.cfg.Telemetry.Report(kind, address, value, message, nil)
}

func levelEstimate(l hopper.InventoryLevel) int {
	switch l {
	case hopper.High:
		return 1000
	case hopper.Low:
		return 10
	case hopper.Unknown:
		return 5
	default: // hopper.Empty
		return 0
	}
}

// Enable and Disable toggle a hopper's eligibility for future plans.
func (p *Pool) Enable(addr byte) error  { return p.setEnabled(addr, true) }
func (p *Pool) Disable(addr byte) error { return p.setEnabled(addr, false) }

func (p *Pool) setEnabled(addr byte, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.hoppers {
		if h.address == addr {
			h.enabled = enabled
			return nil
		}
	}
	return &HopperNotFoundError{Address: addr}
}

// PayoutResult is returned on successful completion of Payout. A payout
// ended by timeout or emergency stop returns the zero PayoutResult; the
// value dispensed so far is carried by the TimeoutError or
// EmergencyStoppedError instead.
type PayoutResult struct {
	Requested      uint32
	Dispensed      uint32
	CoinsCount     int
	FullyDispensed bool
}

// Payout runs the dispense-plan-dispatch-replan loop described in spec
// §4.8. At most one payout runs at a time per pool; a concurrent call
// receives ErrPayoutInProgress.
func (p *Pool) Payout(ctx context.Context, target uint32) (PayoutResult, error) {
	if !p.inProgress.CompareAndSwap(false, true) {
		return PayoutResult{}, ErrPayoutInProgress
	}
	defer p.inProgress.Store(false)

	p.mu.Lock()
	if len(p.hoppers) == 0 {
		p.mu.Unlock()
		return PayoutResult{}, ErrNotInitialized
	}
	p.stopCh = make(chan struct{})
	p.stopOnce = sync.Once{}
	p.mu.Unlock()

	excluded := map[byte]bool{}
	var dispensed uint32
	var coinsCount int
	remaining := target
	rebalanced := false

	for remaining > 0 {
		select {
		case <-p.stopCh:
			return PayoutResult{}, &EmergencyStoppedError{Dispensed: dispensed}
		case <-ctx.Done():
			return PayoutResult{}, &TimeoutError{Dispensed: dispensed}
		default:
		}

		states, hoppersByAddr, err := p.snapshot(ctx, excluded)
		if err != nil {
			return PayoutResult{}, err
		}

		plan, err := buildPlan(p.cfg.Strategy, states, remaining)
		if err != nil {
			if dispensed > 0 {
				return PayoutResult{}, &InsufficientHoppersError{Remaining: remaining}
			}
			return PayoutResult{}, err
		}
		if rebalanced {
			if p.cfg.OnRebalance != nil {
				p.cfg.OnRebalance(plan)
			}
			p.report(telemetry.KindRebalance, 0, remaining, "payout plan rebalanced")
			rebalanced = false
		}

		progressed := false
		replanNeeded := false

		for _, entry := range plan {
			select {
			case <-p.stopCh:
				return PayoutResult{}, &EmergencyStoppedError{Dispensed: dispensed}
			case <-ctx.Done():
				return PayoutResult{}, &TimeoutError{Dispensed: dispensed}
			default:
			}

			h := hoppersByAddr[entry.Address]
			result, err := h.driver.Dispense(ctx, entry.Count, p.cfg.StatusInterval)
			if err != nil {
				if ctx.Err() != nil {
					return PayoutResult{}, &TimeoutError{Dispensed: dispensed}
				}
				p.logger.Warn("dispense failed, excluding hopper", logging.Field{Key: "address", Value: entry.Address}, logging.Field{Key: "error", Value: err})
				excluded[entry.Address] = true
				replanNeeded = true
				break
			}

			coinsCount += int(result.CoinsPaid)
			dispensed += uint32(result.CoinsPaid) * h.value
			remaining = target - dispensed
			if result.CoinsPaid > 0 {
				progressed = true
				p.report(telemetry.KindPayout, entry.Address, uint32(result.CoinsPaid)*h.value, fmt.Sprintf("%d coins dispensed", result.CoinsPaid))
			}
			if result.Halt != hopper.HaltNone {
				p.logger.Warn("hopper halted mid-dispense", logging.Field{Key: "address", Value: entry.Address}, logging.Field{Key: "halt", Value: result.Halt.String()})
				excluded[entry.Address] = true
				replanNeeded = true
				break
			}
		}

		if remaining == 0 {
			break
		}
		if !replanNeeded {
			// Plan exhausted without reaching target and without a
			// hopper failure: buildPlan already guarantees an exact
			// combination exists, so this should not happen, but guard
			// against it rather than loop forever.
			return PayoutResult{}, &InsufficientHoppersError{Remaining: remaining}
		}
		if !progressed && coinsCount == 0 {
			return PayoutResult{}, &AllHoppersFailedError{}
		}
		rebalanced = true
	}

	return PayoutResult{Requested: target, Dispensed: dispensed, CoinsCount: coinsCount, FullyDispensed: dispensed == target}, nil
}

func (p *Pool) snapshot(ctx context.Context, excluded map[byte]bool) ([]hopperState, map[byte]*poolHopper, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var states []hopperState
	byAddr := map[byte]*poolHopper{}
	for _, h := range p.hoppers {
		byAddr[h.address] = h
		if !h.enabled || excluded[h.address] {
			continue
		}
		_, level, err := h.driver.Status(ctx)
		if err != nil {
			p.logger.Warn("status read failed, excluding hopper from plan", logging.Field{Key: "address", Value: h.address}, logging.Field{Key: "error", Value: err})
			continue
		}
		states = append(states, hopperState{
			address:   h.address,
			value:     h.value,
			enabled:   true,
			inventory: level,
			estimate:  levelEstimate(level),
		})
	}
	return states, byAddr, nil
}

// EmergencyStop broadcasts emergency-stop to every enabled hopper in
// parallel and aborts any in-flight Payout (spec §4.8).
func (p *Pool) EmergencyStop(ctx context.Context) error {
	p.mu.Lock()
	stopCh := p.stopCh
	hoppers := append([]*poolHopper(nil), p.hoppers...)
	p.mu.Unlock()

	if stopCh != nil {
		p.stopOnce.Do(func() { close(stopCh) })
	}

	var wg sync.WaitGroup
	errs := make([]error, len(hoppers))
	for i, h := range hoppers {
		if !h.enabled {
			continue
		}
		wg.Add(1)
		go func(i int, h *poolHopper) {
			defer wg.Done()
			errs[i] = h.driver.EmergencyStop(ctx)
		}(i, h)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("payoutpool: emergency stop failed for hopper %d: %w", hoppers[i].address, err)
		}
	}
	return nil
}
