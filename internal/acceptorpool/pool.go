// Package acceptorpool aggregates a set of coin and bill validators
// into a single "accept N units of currency" operation (spec C6):
// multi-device polling, denomination filtering, and bill escrow
// resolution driven by the pool rather than left to the validator.
package acceptorpool

import (
	"context"
	"time"

	"github.com/cctalk/host/cctalk"
	"github.com/cctalk/host/internal/logging"
	"github.com/cctalk/host/internal/telemetry"
	"github.com/cctalk/host/internal/validator"
)

// DenominationRange is the inclusive value window a credit must fall
// in to be accepted.
type DenominationRange struct{ Min, Max uint32 }

func (r DenominationRange) Contains(v uint32) bool { return v >= r.Min && v <= r.Max }

// Config configures a Pool. Zero-valued fields take the documented
// defaults in withDefaults, the same defaulting-constructor pattern the
// teacher uses for its component Config structs.
type Config struct {
	DenominationRange DenominationRange
	PollInterval      time.Duration
	BufferDepth       int
	CurrencyTable     map[string]uint32
	Logger            logging.Logger

	// Telemetry, if set, receives a report for every accepted credit and
	// device-level fault. Nil means no reporting.
	Telemetry telemetry.Reporter
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.BufferDepth == 0 {
		c.BufferDepth = 5
	}
	if c.CurrencyTable == nil {
		c.CurrencyTable = map[string]uint32{}
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.DenominationRange.Max == 0 {
		c.DenominationRange = DenominationRange{Min: 0, Max: ^uint32(0)}
	}
	return c
}

// Credit is a value-resolved, accepted unit of currency: a coin, or a
// bill that has cleared escrow and been stacked.
type Credit struct {
	Device DeviceID
	Value  uint32
}

// PaymentResult is returned by AcceptPayment once total_received
// reaches target.
type PaymentResult struct {
	Target        uint32
	TotalReceived uint32
	Credits       []Credit
}

type device struct {
	id       DeviceID
	client   *cctalk.Client
	driver   *validator.Driver
	values   map[byte]uint32 // denomination position -> value
	mask     [2]byte         // inhibit mask: 1 = position enabled
	degraded bool
	cancel   func()
}

// Pool holds a fixed set of coin and bill validator device clients.
type Pool struct {
	cfg     Config
	coins   []*device
	bills   []*device
	logger  logging.Logger
	stopAll func()
}

// New builds a Pool over already-constructed device clients. coins and
// bills are device clients addressed against already-configured
// transports; Init probes them and builds the currency map.
func New(coins, bills []*cctalk.Client, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{cfg: cfg, logger: cfg.Logger.With(logging.Field{Key: "component", Value: "acceptorpool"})}
	for i, c := range coins {
		p.coins = append(p.coins, &device{id: DeviceID{index: i, address: c.Device.Address, isBill: false}, client: c, values: map[byte]uint32{}})
	}
	for i, c := range bills {
		p.bills = append(p.bills, &device{id: DeviceID{index: i, address: c.Device.Address, isBill: true}, client: c, values: map[byte]uint32{}})
	}
	return p
}

// Init simple-polls every device, builds each device's denomination
// position -> value map from request-coin-id/request-bill-id, and
// starts each device's validator.Driver polling loop. Devices that
// fail simple-poll are marked degraded and excluded from further
// operations rather than failing Init outright, unless every device
// fails (spec §4.6, §7 AllDevicesFailed).
func (p *Pool) Init(ctx context.Context) error {
	if len(p.coins) == 0 && len(p.bills) == 0 {
		return ErrNoDevices
	}

	runningCtx, cancelAll := context.WithCancel(context.Background())
	p.stopAll = cancelAll
	anyHealthy := false

	probe := func(d *device, kind validator.Kind) {
		if _, err := cctalk.Execute[cctalk.Ack](ctx, d.client, cctalk.SimplePoll{}); err != nil {
			d.degraded = true
			p.logger.Warn("device failed simple-poll, marking degraded", logging.Field{Key: "device", Value: d.id.String()}, logging.Field{Key: "error", Value: err})
			return
		}
		for pos := byte(0); pos < 16; pos++ {
			code, err := p.requestID(ctx, d, kind, pos)
			if err != nil {
				p.logger.Debug("position not understood, leaving inactive", logging.Field{Key: "device", Value: d.id.String()}, logging.Field{Key: "position", Value: pos})
				continue
			}
			if value, ok := p.cfg.CurrencyTable[code]; ok {
				d.values[pos] = value
			}
		}
		d.mask = [2]byte{0xFF, 0xFF}
		d.driver = validator.NewDriver(d.client, d.id.index, kind, p.cfg.BufferDepth, validator.Manual, p.cfg.Logger)
		driverCtx, cancel := context.WithCancel(runningCtx)
		d.cancel = cancel
		go d.driver.Run(driverCtx, p.cfg.PollInterval)
		anyHealthy = true
	}

	for _, d := range p.coins {
		probe(d, validator.Coin)
	}
	for _, d := range p.bills {
		probe(d, validator.Bill)
	}

	if !anyHealthy {
		cancelAll()
		return ErrAllDevicesFailed
	}
	return nil
}

func (p *Pool) requestID(ctx context.Context, d *device, kind validator.Kind, pos byte) (string, error) {
	if kind == validator.Coin {
		return cctalk.Execute[string](ctx, d.client, cctalk.RequestCoinID{Position: pos})
	}
	return cctalk.Execute[string](ctx, d.client, cctalk.RequestBillID{Position: pos})
}

type deviceEvent struct {
	dev *device
	ev  validator.Event
}

// AcceptPayment runs the accept-payment operation described in spec
// §4.6: consumes credit events from every healthy device's driver,
// filters by denomination, resolves bill escrow, and sums toward
// target until reached, ctx is cancelled, or timeout elapses.
func (p *Pool) AcceptPayment(ctx context.Context, target uint32, timeout time.Duration) (PaymentResult, error) {
	if len(p.coins) == 0 && len(p.bills) == 0 {
		return PaymentResult{}, ErrNoDevices
	}
	events := make(chan deviceEvent, 64)
	var cancels []func()
	healthy := func() []*device {
		var out []*device
		for _, d := range p.coins {
			if !d.degraded {
				out = append(out, d)
			}
		}
		for _, d := range p.bills {
			if !d.degraded {
				out = append(out, d)
			}
		}
		return out
	}()
	if len(healthy) == 0 {
		return PaymentResult{}, ErrAllDevicesFailed
	}

	for _, d := range healthy {
		ch, cancel := d.driver.Subscribe()
		cancels = append(cancels, cancel)
		go func(d *device, ch chan validator.Event) {
			for ev := range ch {
				select {
				case events <- deviceEvent{dev: d, ev: ev}:
				case <-ctx.Done():
					return
				}
			}
		}(d, ch)
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	var total uint32
	var credits []Credit

	deadline := time.After(timeout)
	for {
		select {
		case de := <-events:
			newTotal, credit, counted := p.resolveEvent(ctx, de)
			total += newTotal
			if counted {
				credits = append(credits, credit)
			}
			if total >= target {
				return PaymentResult{Target: target, TotalReceived: total, Credits: credits}, nil
			}
		case <-deadline:
			return PaymentResult{}, &PaymentTimeout{Target: target, TotalReceived: total, Credits: credits}
		case <-ctx.Done():
			return PaymentResult{}, &PaymentCancelled{Target: target, TotalReceived: total, Credits: credits}
		}
	}
}

// resolveEvent applies denomination filtering and bill escrow
// resolution to one raw validator event. It returns the value to add
// to the running total (0 if nothing counted) and whether a Credit was
// produced.
func (p *Pool) resolveEvent(ctx context.Context, de deviceEvent) (uint32, Credit, bool) {
	d, ev := de.dev, de.ev

	if ev.Reset != nil {
		p.logger.Warn("device reset mid-collection", logging.Field{Key: "device", Value: d.id.String()})
		p.report(telemetry.KindDeviceReset, d.id.Address(), 0, d.id.String())
		return 0, Credit{}, false
	}
	if ev.DeviceError != nil {
		p.logger.Warn("device reported error event", logging.Field{Key: "device", Value: d.id.String()}, logging.Field{Key: "code", Value: ev.DeviceError.Code})
		p.report(telemetry.KindDeviceError, d.id.Address(), uint32(ev.DeviceError.Code), d.id.String())
		return 0, Credit{}, false
	}
	if ev.Credit == nil {
		return 0, Credit{}, false
	}

	value, known := d.values[ev.Credit.DenominationPos]
	if !known {
		p.logger.Warn("credit at unknown position", logging.Field{Key: "device", Value: d.id.String()}, logging.Field{Key: "position", Value: ev.Credit.DenominationPos})
		return 0, Credit{}, false
	}

	if d.id.isBill && ev.Credit.RoutingOrSorter == 255 {
		// Bill entering escrow: the pool, not the driver, decides
		// stack/return based on the denomination filter.
		accept := p.cfg.DenominationRange.Contains(value)
		if err := d.driver.Resolve(ctx, accept); err != nil {
			p.logger.Warn("bill routing failed", logging.Field{Key: "device", Value: d.id.String()}, logging.Field{Key: "error", Value: err})
			return 0, Credit{}, false
		}
		if !accept {
			p.logger.Debug("denomination rejected, bill returned", logging.Field{Key: "device", Value: d.id.String()}, logging.Field{Key: "value", Value: value})
			return 0, Credit{}, false
		}
		p.report(telemetry.KindCredit, d.id.Address(), value, d.id.String())
		return value, Credit{Device: d.id, Value: value}, true
	}

	if d.id.isBill {
		// A non-escrow bill event (already resolved elsewhere) is not
		// a fresh credit.
		return 0, Credit{}, false
	}

	if !p.cfg.DenominationRange.Contains(value) {
		p.logger.Debug("denomination rejected, inhibiting position", logging.Field{Key: "device", Value: d.id.String()}, logging.Field{Key: "position", Value: ev.Credit.DenominationPos})
		p.inhibit(ctx, d, ev.Credit.DenominationPos)
		return 0, Credit{}, false
	}

	p.report(telemetry.KindCredit, d.id.Address(), value, d.id.String())
	return value, Credit{Device: d.id, Value: value}, true
}

func (p *Pool) inhibit(ctx context.Context, d *device, pos byte) {
	byteIdx, bit := pos/8, pos%8
	if byteIdx >= 2 {
		return
	}
	d.mask[byteIdx] &^= 1 << bit
	if _, err := cctalk.Execute[cctalk.Ack](ctx, d.client, cctalk.ModifyInhibitStatus{Mask: d.mask}); err != nil {
		p.logger.Warn("failed to inhibit rejected position", logging.Field{Key: "device", Value: d.id.String()}, logging.Field{Key: "error", Value: err})
	}
}

// report forwards a domain event to the configured telemetry reporter,
// if any.
func (p *Pool) report(kind telemetry.Kind, address byte, value uint32, message string) {
	if p.cfg.Telemetry == nil {
		return
	}
	p.cfg.Telemetry.Report(kind, address, value, message, nil)
}

// Close stops every device driver's poll loop.
func (p *Pool) Close() {
	if p.stopAll != nil {
		p.stopAll()
	}
}
