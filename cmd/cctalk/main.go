// Command cctalk is the CLI front end described in spec.md §6: a thin
// shape over the core library, not a scope of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cctalk/host/ccbus"
	"github.com/cctalk/host/cctalk"
	"github.com/cctalk/host/internal/discovery"
	"github.com/cctalk/host/internal/hopper"
	"github.com/cctalk/host/internal/logging"
	"github.com/cctalk/host/internal/telemetry"
	"github.com/cctalk/host/internal/validator"
)

var dialSock = func(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Getenv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet("cctalk", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	defaultSock := strings.TrimSpace(getenv("CCTALK_SOCK"))
	sock := fs.String("sock", defaultSock, "path to the ccTalk bytestream endpoint")
	timeoutMS := fs.Int("timeout", 500, "per-request timeout in milliseconds")
	noEcho := fs.Bool("no-echo", false, "disable local-echo suppression")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: cctalk [--sock PATH] [--timeout MS] [--no-echo] {hopper ADDR ACTION... | selector ADDR ACTION... | discover}")
	}

	logger := logging.Default()
	timeout := time.Duration(*timeoutMS) * time.Millisecond

	switch rest[0] {
	case "discover":
		return runDiscover(rest[1:], out)
	case "hopper":
		return runHopper(rest[1:], out, *sock, timeout, *noEcho, logger)
	case "selector":
		return runSelector(rest[1:], out, *sock, timeout, *noEcho, logger)
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func dialClient(sock string, addr byte, category cctalk.Category, timeout time.Duration, noEcho bool, logger logging.Logger) (*cctalk.Client, func() error, error) {
	if sock == "" {
		return nil, nil, fmt.Errorf("no --sock path given and CCTALK_SOCK is unset")
	}
	conn, err := dialSock(sock)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", sock, err)
	}

	cfg := ccbus.TransportConfig{Logger: logger}
	if noEcho {
		cfg = ccbus.NoEcho(cfg)
	}
	transport := ccbus.NewTransport(conn, cfg)

	device, err := cctalk.NewDescriptor(addr, category, ccbus.Checksum8, false)
	if err != nil {
		transport.Close()
		return nil, nil, fmt.Errorf("device descriptor: %w", err)
	}
	client := cctalk.NewClient(device, transport, timeout)
	return client, transport.Close, nil
}

func parseAddr(s string) (byte, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 254 {
		return 0, fmt.Errorf("invalid device address %q: must be 1-254", s)
	}
	return byte(n), nil
}

func runHopper(args []string, out io.Writer, sock string, timeout time.Duration, noEcho bool, logger logging.Logger) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: hopper ADDR {dispense COUNT | status | stop}")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	client, closeFn, err := dialClient(sock, addr, cctalk.CategoryPayout, timeout, noEcho, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	driver := hopper.New(client, nil, logger)
	driver.SetTelemetry(telemetry.NewStdoutReporter(logging.New(logging.Info, logging.Text, out)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[1] {
	case "dispense":
		if len(args) < 3 {
			return fmt.Errorf("usage: hopper ADDR dispense COUNT")
		}
		count, err := strconv.Atoi(args[2])
		if err != nil || count < 0 || count > 255 {
			return fmt.Errorf("invalid coin count %q", args[2])
		}
		result, err := driver.Dispense(ctx, byte(count), 200*time.Millisecond)
		if err != nil {
			return fmt.Errorf("dispense: %w", err)
		}
		_, err = fmt.Fprintf(out, "dispensed %d coins, halt=%s\n", result.CoinsPaid, result.Halt)
		return err
	case "status":
		status, level, err := driver.Status(ctx)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		_, err = fmt.Fprintf(out, "coins_remaining=%d coins_paid=%d inventory=%s\n", status.CoinsRemaining, status.CoinsPaid, level)
		return err
	case "stop":
		if err := driver.EmergencyStop(ctx); err != nil {
			return fmt.Errorf("emergency-stop: %w", err)
		}
		_, err := fmt.Fprintln(out, "emergency stop issued")
		return err
	default:
		return fmt.Errorf("unknown hopper action %q", args[1])
	}
}

func runSelector(args []string, out io.Writer, sock string, timeout time.Duration, noEcho bool, logger logging.Logger) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: selector ADDR {status | poll}")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	client, closeFn, err := dialClient(sock, addr, cctalk.CategoryCoinAcceptor, timeout, noEcho, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	driver := validator.NewDriver(client, int(addr), validator.Coin, 10, validator.Manual, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[1] {
	case "status", "poll":
		if err := driver.Poll(ctx); err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		_, err := fmt.Fprintln(out, "poll complete")
		return err
	default:
		return fmt.Errorf("unknown selector action %q", args[1])
	}
}

func runDiscover(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	seconds := fs.Int("timeout", 5, "browse timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bridges, err := discovery.Discover(context.Background(), time.Duration(*seconds)*time.Second)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	if len(bridges) == 0 {
		_, err := fmt.Fprintln(out, "no ccTalk bridges found")
		return err
	}
	for _, b := range bridges {
		if _, err := fmt.Fprintf(out, "%s\t%s:%d\n", b.Instance, b.Hostname, b.Port); err != nil {
			return err
		}
	}
	return nil
}
