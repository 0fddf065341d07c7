package validator

import (
	"context"
	"sync"
	"time"

	"github.com/cctalk/host/cctalk"
	"github.com/cctalk/host/internal/logging"
)

// Kind distinguishes the two buffered-event command pairs a validator
// driver can poll.
type Kind int

const (
	Coin Kind = iota
	Bill
)

// Lagged is delivered to a subscriber in place of the events it missed
// while its channel was full; unlike the teacher's telemetry hub, which
// silently drops on a full channel, a validator event stream must tell
// the caller it lost ground, since a dropped credit is money unaccounted
// for (spec §5 backpressure requirement).
type Lagged struct{ MissedEvents int }

// defaultEscrowTimeout is how long a bill sits in Escrowed awaiting a
// host decision before the driver expires it itself (spec §4.5).
const defaultEscrowTimeout = 30 * time.Second

// Driver polls a single validator's buffered events, resolves them
// against its running event counter, drives the bill escrow state
// machine when Kind is Bill, and fans the resulting Event stream out to
// subscribers. One Driver per physical device; callers needing several
// validators run one Driver each (internal/acceptorpool aggregates
// them).
type Driver struct {
	client      *cctalk.Client
	deviceID    int
	kind        Kind
	bufferDepth int
	policy      EscrowPolicy
	logger      logging.Logger

	escrowTimeout time.Duration

	mu          sync.Mutex
	seeded      bool
	lastCounter byte
	escrow      *Escrow
	escrowTimer *time.Timer
	subs        map[chan Event]*subscriber
}

type subscriber struct {
	ch     chan Event
	missed int
}

// NewDriver builds a driver for the given device. bufferDepth is the
// device's buffered-events ring depth (commonly 5); it bounds how many
// events can be recovered from a single poll after a gap.
func NewDriver(client *cctalk.Client, deviceID int, kind Kind, bufferDepth int, policy EscrowPolicy, logger logging.Logger) *Driver {
	if logger == nil {
		logger = logging.Default()
	}
	d := &Driver{
		client:        client,
		deviceID:      deviceID,
		kind:          kind,
		bufferDepth:   bufferDepth,
		policy:        policy,
		logger:        logger.With(logging.Field{Key: "device", Value: deviceID}),
		subs:          make(map[chan Event]*subscriber),
		escrowTimeout: defaultEscrowTimeout,
	}
	if kind == Bill {
		d.escrow = NewEscrow(policy)
	}
	return d
}

// SetEscrowTimeout overrides the default per-bill escrow deadline (spec
// §4.5). Must be called before Run/Poll starts driving escrow events.
func (d *Driver) SetEscrowTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.escrowTimeout = timeout
}

// stopEscrowTimerLocked cancels any pending expiry timer. d.mu must be
// held.
func (d *Driver) stopEscrowTimerLocked() {
	if d.escrowTimer != nil {
		d.escrowTimer.Stop()
		d.escrowTimer = nil
	}
}

// expireEscrow fires when a bill's deadline elapses with no caller
// decision: route it back and mark the escrow Expired (spec §4.5).
func (d *Driver) expireEscrow() {
	d.mu.Lock()
	if d.escrow == nil || d.escrow.State() != Escrowed {
		d.mu.Unlock()
		return
	}
	d.escrowTimer = nil
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cctalk.Execute[cctalk.Ack](ctx, d.client, cctalk.RouteBill{Stack: false}); err != nil {
		d.logger.Warn("escrow expiry route-bill failed", logging.Field{Key: "error", Value: err})
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.escrow.State() == Escrowed {
		if err := d.escrow.Expire(); err != nil {
			d.logger.Warn("escrow expire rejected", logging.Field{Key: "error", Value: err})
		}
	}
}

// Subscribe registers a listener for this device's event stream. The
// returned cancel function must be called to release the channel.
func (d *Driver) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 32)
	sub := &subscriber{ch: ch}
	d.mu.Lock()
	d.subs[ch] = sub
	d.mu.Unlock()
	cancel := func() {
		d.mu.Lock()
		delete(d.subs, ch)
		close(ch)
		d.mu.Unlock()
	}
	return ch, cancel
}

func (d *Driver) fanout(events []Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range events {
		for _, sub := range d.subs {
			if len(sub.ch) == cap(sub.ch) {
				// Full: drop the two oldest pending entries so the Lagged
				// marker and the new event both fit now.
				for i := 0; i < 2; i++ {
					select {
					case old := <-sub.ch:
						if old.Lagged != nil {
							sub.missed += old.Lagged.MissedEvents
						} else {
							sub.missed++
						}
					default:
					}
				}
			}
			if sub.missed > 0 {
				select {
				case sub.ch <- Event{Lagged: &Lagged{MissedEvents: sub.missed}}:
					sub.missed = 0
				default:
					sub.missed++
					continue
				}
			}
			select {
			case sub.ch <- ev:
			default:
				sub.missed++
			}
		}
	}
}

// EscrowState exposes the current bill escrow state (Bill drivers
// only; always Idle for Coin drivers).
func (d *Driver) EscrowState() EscrowState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.escrow == nil {
		return Idle
	}
	return d.escrow.State()
}

// Resolve resolves a credit's escrow decision for Manual policy bill
// drivers; it issues RouteBill and advances the state machine.
func (d *Driver) Resolve(ctx context.Context, stack bool) error {
	d.mu.Lock()
	if d.escrow == nil {
		d.mu.Unlock()
		return &InvalidEscrowTransitionError{Current: Idle}
	}
	d.mu.Unlock()

	if _, err := cctalk.Execute[cctalk.Ack](ctx, d.client, cctalk.RouteBill{Stack: stack}); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopEscrowTimerLocked()
	if stack {
		return d.escrow.Stack()
	}
	return d.escrow.Return()
}

// Poll issues one buffered-events request, resolves the new events
// against the counter, drives escrow transitions for bill validators,
// and fans the results out. It is the unit of work Run calls on a
// timer.
func (d *Driver) Poll(ctx context.Context) error {
	var counter byte
	var records []cctalk.EventRecord

	switch d.kind {
	case Coin:
		resp, err := cctalk.Execute[cctalk.BufferedEvents](ctx, d.client, cctalk.ReadBufferedCoinEvents{})
		if err != nil {
			return err
		}
		counter, records = resp.Counter, resp.Records
	case Bill:
		resp, err := cctalk.Execute[cctalk.BufferedEvents](ctx, d.client, cctalk.ReadBufferedBillEvents{})
		if err != nil {
			return err
		}
		counter, records = resp.Counter, resp.Records
	}

	d.mu.Lock()
	last := d.lastCounter
	// The very first poll after start has no prior counter to compare
	// against; seed last_counter from whatever the device reports so
	// coins or bills already on the device before the driver started
	// don't read as a burst of new credits (spec §4.5). A first-poll
	// counter of 0 is still a genuine reset and is reported as one.
	if !d.seeded {
		d.seeded = true
		last = counter
	}
	d.mu.Unlock()

	newLast, events := resolveEvents(d.deviceID, last, counter, d.bufferDepth, records)

	d.mu.Lock()
	d.lastCounter = newLast
	if d.escrow != nil {
		for i, ev := range events {
			if ev.Reset != nil {
				d.stopEscrowTimerLocked()
				d.escrow.Reset()
				continue
			}
			if ev.Credit == nil || ev.Credit.RoutingOrSorter != escrowExtendRouting {
				continue
			}
			if s := d.escrow.State(); s == Stacked || s == Returned || s == Expired {
				d.escrow.Reset()
			}
			policy, err := d.escrow.Hold()
			if err != nil {
				d.logger.Warn("escrow hold rejected", logging.Field{Key: "error", Value: err})
				continue
			}
			d.stopEscrowTimerLocked()
			d.escrowTimer = time.AfterFunc(d.escrowTimeout, d.expireEscrow)
			if policy == Manual {
				continue
			}
			stack := policy == AutoStack
			go func(stack bool) {
				resolveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := d.Resolve(resolveCtx, stack); err != nil {
					d.logger.Warn("auto escrow resolution failed", logging.Field{Key: "error", Value: err})
				}
			}(stack)
			_ = i
		}
	}
	d.mu.Unlock()

	d.fanout(events)
	return nil
}

// Run polls on interval until ctx is cancelled. Poll errors are logged
// and do not stop the loop: a validator that NACKs or times out once is
// expected to recover on the next poll (spec §2 retry semantics apply
// one layer down, in the transport).
func (d *Driver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Poll(ctx); err != nil {
				d.logger.Warn("poll failed", logging.Field{Key: "error", Value: err})
			}
		}
	}
}
