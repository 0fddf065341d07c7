package ccbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/cctalk/host/internal/logging"
)

// ErrTimeout is returned when a response does not arrive within the
// request's response_timeout.
var ErrTimeout = errors.New("ccbus: response timeout")

// ErrEchoMismatch is returned when echo suppression is enabled and the
// bytes read back after a write do not match what was just sent —
// indicating the bus is no longer synchronized with the host.
var ErrEchoMismatch = errors.New("ccbus: echo mismatch")

// ErrBufferOverflow is returned when the transport's inbound queue is
// full and the caller's context expires before a slot frees up.
var ErrBufferOverflow = errors.New("ccbus: inbound queue full")

// NackError is returned for a response with an empty payload and a
// non-zero header carrying a device-side error code. NACKs are never
// retried — the device has deliberately rejected the request.
type NackError struct{ Code byte }

func (e *NackError) Error() string { return fmt.Sprintf("ccbus: device NACK, code %d", e.Code) }

// ResponseMismatchError is returned when a response's source/destination
// do not correspond to the request that was sent — the bus round-trip
// invariant (request.destination == response.source and vice versa) was
// violated, so the pairing is discarded.
type ResponseMismatchError struct {
	WantSource, GotSource           byte
	WantDestination, GotDestination byte
}

func (e *ResponseMismatchError) Error() string {
	return fmt.Sprintf("ccbus: response mismatch: want source=%d dest=%d, got source=%d dest=%d",
		e.WantSource, e.WantDestination, e.GotSource, e.GotDestination)
}

// RetryConfig parameterizes the per-request retry policy (spec §4.2).
type RetryConfig struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	BackoffMultiplier float64
	MaxBackoff       time.Duration
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = 20 * time.Millisecond
	}
	if r.BackoffMultiplier <= 0 {
		r.BackoffMultiplier = 2
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 500 * time.Millisecond
	}
	return r
}

// TransportConfig configures a Transport.
type TransportConfig struct {
	// HostAddress is the source address this host stamps into requests
	// under Checksum8 mode. Convention is 1.
	HostAddress byte
	// DefaultResponseTimeout is used for Send calls that pass 0.
	DefaultResponseTimeout time.Duration
	Retry                  RetryConfig
	// QueueDepth bounds the inbound request queue. Default 16.
	QueueDepth int
	Logger     logging.Logger

	// echoOff disables echo suppression, which is otherwise on by
	// default for half-duplex wiring. Set via NoEcho, not directly —
	// the zero value of a bool can't tell "unset" from "explicitly
	// off", and this default needs to be on.
	echoOff bool
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.HostAddress == 0 {
		c.HostAddress = 1
	}
	if c.DefaultResponseTimeout <= 0 {
		c.DefaultResponseTimeout = 100 * time.Millisecond
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 16
	}
	c.Retry = c.Retry.withDefaults()
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	return c
}

// Transport owns the bus and serializes every request through a single
// dispatch loop: one outstanding exchange at a time, FIFO across
// concurrent callers. See spec §4.2/§5 for the concurrency contract.
type Transport struct {
	bus    Bus
	cfg    TransportConfig
	logger logging.Logger

	reqCh  chan *request
	doneCh chan struct{}
	wg     sync.WaitGroup
}

type request struct {
	ctx     context.Context
	addr    byte
	mode    ChecksumMode
	header  byte
	payload []byte
	timeout time.Duration
	resp    chan result
}

type result struct {
	payload []byte
	err     error
}

// NewTransport starts the dispatch loop over bus and returns a Transport
// ready to accept Send calls. Close shuts the loop down and closes bus.
func NewTransport(bus Bus, cfg TransportConfig) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		bus:    bus,
		cfg:    cfg,
		logger: cfg.Logger.With(logging.Field{Key: "component", Value: "transport"}),
		reqCh:  make(chan *request, cfg.QueueDepth),
		doneCh: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.dispatchLoop()
	return t
}

// NoEcho returns cfg with echo suppression disabled, for a bus wired
// full-duplex (no local echo to read back and discard).
func NoEcho(cfg TransportConfig) TransportConfig {
	cfg.echoOff = true
	return cfg
}

// Send enqueues a request and blocks until the dispatch loop completes
// it or the context is cancelled. A request whose bus exchange has
// already begun still runs to completion; its response is dropped.
func (t *Transport) Send(ctx context.Context, addr byte, mode ChecksumMode, header byte, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = t.cfg.DefaultResponseTimeout
	}
	req := &request{
		ctx:     ctx,
		addr:    addr,
		mode:    mode,
		header:  header,
		payload: payload,
		timeout: timeout,
		resp:    make(chan result, 1),
	}

	select {
	case t.reqCh <- req:
	case <-ctx.Done():
		if len(t.reqCh) == cap(t.reqCh) {
			return nil, fmt.Errorf("%w: %w", ErrBufferOverflow, ctx.Err())
		}
		return nil, ctx.Err()
	case <-t.doneCh:
		return nil, errors.New("ccbus: transport closed")
	}

	select {
	case r := <-req.resp:
		return r.payload, r.err
	case <-ctx.Done():
		// The request may already be mid-exchange; dispatchLoop still
		// runs it to completion (desynchronizing a half-duplex bus by
		// aborting mid-exchange would be worse) and drops the result.
		return nil, ctx.Err()
	}
}

// Close stops the dispatch loop and closes the underlying bus.
func (t *Transport) Close() error {
	close(t.doneCh)
	t.wg.Wait()
	return t.bus.Close()
}

func (t *Transport) dispatchLoop() {
	defer t.wg.Done()
	for {
		select {
		case req := <-t.reqCh:
			if req.ctx.Err() != nil {
				// Cancelled before the bus exchange began: skip it
				// entirely, never touching the bus.
				continue
			}
			t.execute(req)
		case <-t.doneCh:
			return
		}
	}
}

func (t *Transport) execute(req *request) {
	frame := Frame{Destination: req.addr, Source: t.cfg.HostAddress, Header: req.header, Payload: req.payload}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.cfg.Retry.InitialBackoff
	policy.Multiplier = t.cfg.Retry.BackoffMultiplier
	policy.MaxInterval = t.cfg.Retry.MaxBackoff
	policy.MaxElapsedTime = 0
	bounded := backoff.WithMaxRetries(policy, uint64(t.cfg.Retry.MaxAttempts-1))

	var payload []byte
	err := backoff.Retry(func() error {
		p, attemptErr := t.attempt(req, frame)
		if attemptErr == nil {
			payload = p
			return nil
		}
		if isRetriable(attemptErr) {
			t.logger.Debug("retrying request", logging.Field{Key: "addr", Value: req.addr}, logging.Field{Key: "error", Value: attemptErr})
			return attemptErr
		}
		return backoff.Permanent(attemptErr)
	}, bounded)

	if perr, ok := err.(*backoff.PermanentError); ok {
		err = perr.Err
	}

	select {
	case req.resp <- result{payload: payload, err: err}:
	default:
	}
}

func isRetriable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var mismatch *ChecksumMismatchError
	if errors.As(err, &mismatch) {
		return true
	}
	if errors.Is(err, errTruncatedRead) {
		return true
	}
	var mismatch2 *ResponseMismatchError
	return errors.As(err, &mismatch2)
}

var errTruncatedRead = errors.New("ccbus: truncated read")

// attempt runs exactly one write/read exchange over the bus.
func (t *Transport) attempt(req *request, frame Frame) ([]byte, error) {
	buf, err := Encode(frame, req.mode)
	if err != nil {
		return nil, err
	}

	if _, err := t.bus.Write(buf); err != nil {
		return nil, fmt.Errorf("ccbus: bus write: %w", err)
	}

	if !t.cfg.echoOff {
		echo := make([]byte, len(buf))
		if err := t.readFull(echo, req.timeout); err != nil {
			return nil, fmt.Errorf("ccbus: echo read: %w", err)
		}
		for i := range echo {
			if echo[i] != buf[i] {
				return nil, ErrEchoMismatch
			}
		}
	}

	prefix := make([]byte, 4)
	if err := t.readFull(prefix, req.timeout); err != nil {
		return nil, err
	}
	payloadLen := int(prefix[1])
	rest := make([]byte, payloadLen+1)
	if err := t.readFull(rest, req.timeout); err != nil {
		return nil, err
	}

	full := append(prefix, rest...)
	respFrame, err := Decode(full, req.mode)
	if err != nil {
		return nil, err
	}

	wantSource := req.addr
	wantDestination := t.cfg.HostAddress
	if respFrame.Destination != wantDestination || respFrame.Source != wantSource {
		return nil, &ResponseMismatchError{
			WantSource: wantSource, GotSource: respFrame.Source,
			WantDestination: wantDestination, GotDestination: respFrame.Destination,
		}
	}

	if len(respFrame.Payload) == 0 && respFrame.Header != 0 {
		return nil, &NackError{Code: respFrame.Header}
	}

	return respFrame.Payload, nil
}

func (t *Transport) readFull(buf []byte, timeout time.Duration) error {
	if err := t.bus.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	n := 0
	for n < len(buf) {
		m, err := t.bus.Read(buf[n:])
		n += m
		if err != nil {
			if n < len(buf) {
				if isTimeoutErr(err) {
					return ErrTimeout
				}
				return errTruncatedRead
			}
			break
		}
	}
	return nil
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	var te timeouter
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}
