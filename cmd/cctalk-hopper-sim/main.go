// Command cctalk-hopper-sim simulates a single ccTalk hopper over a
// Unix domain socket, for exercising cmd/cctalk's hopper subcommand
// without real hardware.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"github.com/cctalk/host/ccbus"
	"github.com/cctalk/host/cctalk"
)

func main() {
	sock := flag.String("sock", "/tmp/cctalk-hopper.sock", "unix socket path to listen on")
	addr := flag.Int("addr", 6, "device address to answer as")
	initialCoins := flag.Int("coins", 50, "coins available in the hopper")
	flag.Parse()

	if err := run(*sock, byte(*addr), byte(*initialCoins)); err != nil {
		log.Fatal(err)
	}
}

func run(sock string, addr byte, available byte) error {
	_ = os.Remove(sock)
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	fmt.Printf("cctalk-hopper-sim listening on %s as address %d, %d coins available\n", sock, addr, available)

	sim := &hopperSim{addr: addr, available: available}
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go sim.serve(conn)
	}
}

type hopperSim struct {
	mu        sync.Mutex
	addr      byte
	available byte
	dispensed byte
	remaining byte
}

func (s *hopperSim) serve(conn net.Conn) {
	defer conn.Close()
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
			continue
		}

		resp := s.handle(req)
		out, err := ccbus.Encode(resp, ccbus.Checksum8)
		if err != nil {
			return
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (s *hopperSim) handle(req ccbus.Frame) ccbus.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	ack := ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 0}

	switch req.Header {
	case cctalk.PumpRNG{}.Header():
		return ccbus.Frame{Destination: req.Source, Source: req.Destination, Header: 0, Payload: make([]byte, 8)}
	case cctalk.DispenseHopperCoins{}.Header():
		if len(req.Payload) < 9 {
			return ack
		}
		count := req.Payload[8]
		if count > s.available {
			count = s.available
		}
		s.remaining = count
		s.dispensed = 0
		s.available -= count
		return ack
	case cctalk.RequestHopperStatus{}.Header():
		if s.remaining > 0 {
			s.remaining--
			s.dispensed++
		}
		return ccbus.Frame{
			Destination: req.Source, Source: req.Destination, Header: 0,
			Payload: []byte{0, s.remaining, s.dispensed, 0},
		}
	case cctalk.EmergencyStop{}.Header():
		s.remaining = 0
		return ack
	default:
		return ack
	}
}
