package payoutpool

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/cctalk/host/ccbus"
	"github.com/cctalk/host/cctalk"
	"github.com/cctalk/host/internal/hopper"
)

// scriptedHopper answers pump-rng/dispense/status requests; statusFn
// computes (coinsRemaining, coinsPaid, flags) given the 1-based poll
// count since the last dispense command was issued.
func scriptedHopper(t *testing.T, conn net.Conn, statusFn func(poll int) (byte, byte, byte)) {
	t.Helper()
	var poll int32
	go func() {
		for {
			prefix := make([]byte, 4)
			if _, err := io.ReadFull(conn, prefix); err != nil {
				return
			}
			rest := make([]byte, int(prefix[1])+1)
			if _, err := io.ReadFull(conn, rest); err != nil {
				return
			}
			full := append(prefix, rest...)
			req, err := ccbus.Decode(full, ccbus.Checksum8)
			if err != nil {
				return
			}

			var resp ccbus.Frame
			switch req.Header {
			case cctalk.PumpRNG{}.Header():
				resp = ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 0, Payload: make([]byte, 8)}
			case cctalk.DispenseHopperCoins{}.Header():
				atomic.StoreInt32(&poll, 0)
				resp = ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 0}
			case cctalk.RequestHopperStatus{}.Header():
				n := int(atomic.AddInt32(&poll, 1))
				rem, paid, flags := statusFn(n)
				resp = ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 0, Payload: []byte{byte(n), rem, paid, flags}}
			case cctalk.EmergencyStop{}.Header():
				resp = ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 0}
			default:
				resp = ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 0}
			}

			out, err := ccbus.Encode(resp, ccbus.Checksum8)
			if err != nil {
				return
			}
			if _, err := conn.Write(out); err != nil {
				return
			}
		}
	}()
}

func newSpec(t *testing.T, addr byte, value uint32, statusFn func(poll int) (byte, byte, byte)) HopperSpec {
	t.Helper()
	hostSide, deviceSide, stop, err := nettest.Pipe()
	if err != nil {
		t.Fatalf("nettest.Pipe: %v", err)
	}
	t.Cleanup(stop)

	scriptedHopper(t, deviceSide, statusFn)

	transport := ccbus.NewTransport(hostSide, ccbus.NoEcho(ccbus.TransportConfig{}))
	t.Cleanup(func() { transport.Close() })

	device, err := cctalk.NewDescriptor(addr, cctalk.CategoryPayout, ccbus.Checksum8, false)
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	client := cctalk.NewClient(device, transport, 200*time.Millisecond)
	return HopperSpec{Address: addr, Value: value, Driver: hopper.New(client, nil, nil)}
}

// completesAt reports coinsRemaining=0 on every poll, so a dispense
// against it completes on the first status check with CoinsPaid=paid
// and no halt.
func completesAt(paid byte) func(poll int) (byte, byte, byte) {
	return func(poll int) (byte, byte, byte) {
		return 0, paid, 0
	}
}

func TestPayoutLargestFirst170(t *testing.T) {
	specs := []HopperSpec{
		newSpec(t, 1, 100, completesAt(1)),
		newSpec(t, 2, 50, completesAt(1)),
		newSpec(t, 3, 20, completesAt(1)),
	}
	pool := New(specs, Config{Strategy: LargestFirst, StatusInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := pool.Payout(ctx, 170)
	if err != nil {
		t.Fatalf("Payout: %v", err)
	}
	if !result.FullyDispensed || result.Dispensed != 170 || result.CoinsCount != 3 {
		t.Fatalf("result = %+v", result)
	}
}

func TestPayoutReplansOnPartialFailure(t *testing.T) {
	var rebalances int
	hundredStatus := func(poll int) (byte, byte, byte) {
		if poll < 2 {
			return 1, 0, 0
		}
		return 1, 1, flagEmptyForTest
	}
	specs := []HopperSpec{
		newSpec(t, 1, 100, hundredStatus),
		newSpec(t, 2, 50, completesAt(2)),
	}
	pool := New(specs, Config{
		Strategy:       LargestFirst,
		StatusInterval: 5 * time.Millisecond,
		OnRebalance:    func(Plan) { rebalances++ },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := pool.Payout(ctx, 200)
	if err != nil {
		t.Fatalf("Payout: %v", err)
	}
	if !result.FullyDispensed || result.Dispensed != 200 {
		t.Fatalf("result = %+v", result)
	}
	if result.CoinsCount != 3 {
		t.Fatalf("CoinsCount = %d, want 3 (1x100c + 2x50c)", result.CoinsCount)
	}
	if rebalances != 1 {
		t.Fatalf("rebalances = %d, want 1", rebalances)
	}
}

func TestPayoutConcurrencyGuard(t *testing.T) {
	specs := []HopperSpec{newSpec(t, 1, 100, completesAt(1))}
	pool := New(specs, Config{StatusInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pool.inProgress.Store(true)
	defer pool.inProgress.Store(false)

	if _, err := pool.Payout(ctx, 100); err != ErrPayoutInProgress {
		t.Fatalf("err = %v, want ErrPayoutInProgress", err)
	}
}

func TestPayoutCannotMakeExactChange(t *testing.T) {
	specs := []HopperSpec{newSpec(t, 1, 5, completesAt(1))}
	pool := New(specs, Config{StatusInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := pool.Payout(ctx, 7)
	if _, ok := err.(*CannotMakeExactChangeError); !ok {
		t.Fatalf("got %T (%v), want *CannotMakeExactChangeError", err, err)
	}
}

// flagEmptyForTest mirrors hopper.flagEmpty (unexported in that
// package); kept in sync manually since this test lives outside it.
const flagEmptyForTest = 1 << 2
