package hopper

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
)

func fakeHopper(t *testing.T, conn net.Conn, remaining func(poll int) (coinsRemaining, coinsPaid, flags byte)) {
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
				resp = ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 0}
			case cctalk.RequestHopperStatus{}.Header():
				n := int(atomic.AddInt32(&poll, 1))
				rem, paid, flags := remaining(n)
				resp = ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 0, Payload: []byte{byte(n), rem, paid, flags}}
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

func newTestHopperDriver(t *testing.T, remaining func(poll int) (byte, byte, byte)) *Driver {
	t.Helper()
	hostSide, deviceSide, stop, err := nettest.Pipe()
	if err != nil {
		t.Fatalf("nettest.Pipe: %v", err)
	}
	t.Cleanup(stop)

	fakeHopper(t, deviceSide, remaining)

	transport := ccbus.NewTransport(hostSide, ccbus.NoEcho(ccbus.TransportConfig{}))
	t.Cleanup(func() { transport.Close() })

	device, err := cctalk.NewDescriptor(6, cctalk.CategoryPayout, ccbus.Checksum8, false)
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	client := cctalk.NewClient(device, transport, 200*time.Millisecond)
	return New(client, nil, nil)
}

func TestDispenseCompletesWhenCoinsRemainingReachesZero(t *testing.T) {
	driver := newTestHopperDriver(t, func(poll int) (byte, byte, byte) {
		if poll < 3 {
			return byte(3 - poll), byte(poll), 0
		}
		return 0, 3, 0
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := driver.Dispense(ctx, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	if result.Halt != HaltNone {
		t.Fatalf("Halt = %v, want HaltNone", result.Halt)
	}
	if result.CoinsPaid != 3 {
		t.Fatalf("CoinsPaid = %d, want 3", result.CoinsPaid)
	}
}

func TestDispenseHaltsOnJamFlag(t *testing.T) {
	driver := newTestHopperDriver(t, func(poll int) (byte, byte, byte) {
		if poll < 2 {
			return 4, 1, 0
		}
		return 3, 1, flagJam
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := driver.Dispense(ctx, 5, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	if result.Halt != HaltJam {
		t.Fatalf("Halt = %v, want HaltJam", result.Halt)
	}
	if result.CoinsPaid != 1 {
		t.Fatalf("CoinsPaid = %d, want 1", result.CoinsPaid)
	}
}

func TestStatusDerivesInventoryLevel(t *testing.T) {
	driver := newTestHopperDriver(t, func(poll int) (byte, byte, byte) {
		return 0, 0, flagLow
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, level, err := driver.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if level != Low {
		t.Fatalf("level = %v, want Low", level)
	}
}

func TestXTEACipherIsDeterministicAndTransforms(t *testing.T) {
	c := XTEACipher{Key: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}}
	challenge := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	tokenA := c.Apply(challenge)
	tokenB := c.Apply(challenge)
	if tokenA != tokenB {
		t.Fatal("expected XTEACipher.Apply to be deterministic for the same challenge")
	}
	if tokenA == challenge {
		t.Fatal("expected the cipher to actually transform the challenge")
	}
}

func TestNoopCipherPassesThrough(t *testing.T) {
	challenge := [8]byte{9, 9, 9, 9, 9, 9, 9, 9}
	if got := (NoopCipher{}).Apply(challenge); got != challenge {
		t.Fatalf("NoopCipher.Apply = %v, want %v", got, challenge)
	}
}
