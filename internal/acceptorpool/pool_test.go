package acceptorpool

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/cctalk/host/ccbus"
	"github.com/cctalk/host/cctalk"
)

// scriptedDevice answers every request by header using a caller-supplied
// responder, letting tests simulate a coin/bill validator's ccTalk
// replies without a real bus.
func scriptedDevice(t *testing.T, conn net.Conn, respond func(req ccbus.Frame) ccbus.Frame) {
	t.Helper()
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
			resp := respond(req)
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

type fakeCoin struct {
	addr    byte
	counter int32
	events  []cctalk.EventRecord
	mu      sync.Mutex
}

func newFakeCoinClient(t *testing.T, addr byte, idCodes map[byte]string) (*cctalk.Client, *fakeCoin) {
	t.Helper()
	hostSide, deviceSide, stop, err := nettest.Pipe()
	if err != nil {
		t.Fatalf("nettest.Pipe: %v", err)
	}
	t.Cleanup(stop)

	fc := &fakeCoin{addr: addr}
	scriptedDevice(t, deviceSide, func(req ccbus.Frame) ccbus.Frame {
		switch req.Header {
		case cctalk.SimplePoll{}.Header():
			return ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 0}
		case cctalk.RequestCoinID{}.Header():
			pos := req.Payload[0]
			code, ok := idCodes[pos]
			if !ok {
				return ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 5} // NACK-ish error header
			}
			return ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 0, Payload: []byte(code)}
		case cctalk.ReadBufferedCoinEvents{}.Header():
			fc.mu.Lock()
			defer fc.mu.Unlock()
			payload := []byte{byte(fc.counter)}
			for _, r := range fc.events {
				payload = append(payload, r.ResultA, r.ResultB)
			}
			return ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 0, Payload: payload}
		case cctalk.ModifyInhibitStatus{}.Header():
			return ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 0}
		default:
			return ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 0}
		}
	})

	transport := ccbus.NewTransport(hostSide, ccbus.NoEcho(ccbus.TransportConfig{}))
	t.Cleanup(func() { transport.Close() })

	device, err := cctalk.NewDescriptor(addr, cctalk.CategoryCoinAcceptor, ccbus.Checksum8, false)
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	return cctalk.NewClient(device, transport, 200*time.Millisecond), fc
}

func (fc *fakeCoin) credit(pos byte) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.counter++
	fc.events = append([]cctalk.EventRecord{{ResultA: pos + 1, ResultB: 0}}, fc.events...)
	if len(fc.events) > 5 {
		fc.events = fc.events[:5]
	}
}

func TestPoolAcceptPaymentSumsCoinCredits(t *testing.T) {
	client, fc := newFakeCoinClient(t, 2, map[byte]string{0: "GB10", 1: "GB20"})

	pool := New([]*cctalk.Client{client}, nil, Config{
		DenominationRange: DenominationRange{Min: 5, Max: 1000},
		PollInterval:      10 * time.Millisecond,
		CurrencyTable:     map[string]uint32{"GB10": 10, "GB20": 20},
	})
	ctx := context.Background()
	if err := pool.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer pool.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		fc.credit(0) // 10
		time.Sleep(30 * time.Millisecond)
		fc.credit(1) // 20
		time.Sleep(30 * time.Millisecond)
		fc.credit(0) // 10, total 40
	}()

	result, err := pool.AcceptPayment(ctx, 40, 2*time.Second)
	if err != nil {
		t.Fatalf("AcceptPayment: %v", err)
	}
	if result.TotalReceived != 40 {
		t.Fatalf("TotalReceived = %d, want 40", result.TotalReceived)
	}
	if len(result.Credits) != 3 {
		t.Fatalf("len(Credits) = %d, want 3", len(result.Credits))
	}
}

func TestPoolAcceptPaymentTimesOut(t *testing.T) {
	client, _ := newFakeCoinClient(t, 2, map[byte]string{0: "GB10"})

	pool := New([]*cctalk.Client{client}, nil, Config{
		DenominationRange: DenominationRange{Min: 1, Max: 1000},
		PollInterval:      10 * time.Millisecond,
		CurrencyTable:     map[string]uint32{"GB10": 10},
	})
	ctx := context.Background()
	if err := pool.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer pool.Close()

	_, err := pool.AcceptPayment(ctx, 1000, 50*time.Millisecond)
	var timeout *PaymentTimeout
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if to, ok := err.(*PaymentTimeout); !ok {
		t.Fatalf("got %T, want *PaymentTimeout", err)
	} else {
		timeout = to
	}
	if timeout.TotalReceived != 0 {
		t.Fatalf("TotalReceived = %d, want 0", timeout.TotalReceived)
	}
}

func TestPoolInitMarksDegradedOnUnresponsiveDevice(t *testing.T) {
	hostSide, deviceSide, stop, err := nettest.Pipe()
	if err != nil {
		t.Fatalf("nettest.Pipe: %v", err)
	}
	defer stop()
	deviceSide.Close() // every request will time out

	transport := ccbus.NewTransport(hostSide, ccbus.NoEcho(ccbus.TransportConfig{}))
	defer transport.Close()

	device, err := cctalk.NewDescriptor(9, cctalk.CategoryCoinAcceptor, ccbus.Checksum8, false)
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	client := cctalk.NewClient(device, transport, 30*time.Millisecond)

	pool := New([]*cctalk.Client{client}, nil, Config{})
	if err := pool.Init(context.Background()); err != ErrAllDevicesFailed {
		t.Fatalf("Init error = %v, want ErrAllDevicesFailed", err)
	}
}

func TestPoolDoesNotCountRejectedDenomination(t *testing.T) {
	client, fc := newFakeCoinClient(t, 2, map[byte]string{0: "GB01"})

	// A credit below the denomination range must never contribute to
	// the running total, regardless of whether the inhibit command
	// round-trip itself succeeds.
	pool := New([]*cctalk.Client{client}, nil, Config{
		DenominationRange: DenominationRange{Min: 10, Max: 1000},
		PollInterval:      10 * time.Millisecond,
		CurrencyTable:     map[string]uint32{"GB01": 1},
	})
	ctx := context.Background()
	if err := pool.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer pool.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		fc.credit(0) // value 1, below Min 10: rejected
	}()

	_, err := pool.AcceptPayment(ctx, 10, 120*time.Millisecond)
	if _, ok := err.(*PaymentTimeout); !ok {
		t.Fatalf("expected timeout since the only credit is below range, got %v", err)
	}
}
