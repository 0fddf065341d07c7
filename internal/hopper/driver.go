// Package hopper drives a single coin-dispensing hopper: the
// pump-rng/cipher/dispense handshake, dispense-status polling to
// completion, and sensor-derived inventory level (spec C7).
package hopper

import (
	"context"
	"fmt"
	"time"

	"github.com/cctalk/host/cctalk"
	"github.com/cctalk/host/internal/logging"
	"github.com/cctalk/host/internal/telemetry"
)

// DispenseResult is what a dispense sequence produced, whether it ran
// to completion or halted early.
type DispenseResult struct {
	CoinsPaid byte
	Halt      HaltKind
}

// Driver wraps one hopper's device client with the dispense handshake
// and status polling.
type Driver struct {
	client    *cctalk.Client
	cipher    Cipher
	logger    logging.Logger
	telemetry telemetry.Reporter
}

// New builds a hopper driver. A nil cipher defaults to NoopCipher, the
// pass-through behavior spec §4.7 calls out as the default.
func New(client *cctalk.Client, cipher Cipher, logger logging.Logger) *Driver {
	if cipher == nil {
		cipher = NoopCipher{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Driver{client: client, cipher: cipher, logger: logger.With(logging.Field{Key: "component", Value: "hopper"})}
}

// SetTelemetry attaches a reporter that receives a sample for every
// halt condition this driver observes while dispensing. Nil disables
// reporting.
func (d *Driver) SetTelemetry(r telemetry.Reporter) { d.telemetry = r }

func (d *Driver) report(kind telemetry.Kind, value uint32, message string) {
	if d.telemetry == nil {
		return
	}
	d.telemetry.Report(kind, d.client.Device.Address, value, message, nil)
}

// Dispense runs the full sequence from spec §4.7: pump-rng, cipher,
// dispense-hopper-coins, then polls request-hopper-status at
// statusInterval until coins_remaining reaches 0 or a halt bit fires.
func (d *Driver) Dispense(ctx context.Context, count byte, statusInterval time.Duration) (DispenseResult, error) {
	challenge, err := cctalk.Execute[[8]byte](ctx, d.client, cctalk.PumpRNG{})
	if err != nil {
		return DispenseResult{}, fmt.Errorf("hopper: pump-rng: %w", err)
	}
	token := d.cipher.Apply(challenge)

	if _, err := cctalk.Execute[cctalk.Ack](ctx, d.client, cctalk.DispenseHopperCoins{CipherToken: token, Count: count}); err != nil {
		return DispenseResult{}, fmt.Errorf("hopper: dispense-hopper-coins: %w", err)
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return DispenseResult{}, ctx.Err()
		case <-ticker.C:
			status, err := cctalk.Execute[cctalk.HopperStatus](ctx, d.client, cctalk.RequestHopperStatus{})
			if err != nil {
				d.logger.Warn("status poll failed", logging.Field{Key: "error", Value: err})
				continue
			}
			if halt := haltKind(status.StatusFlags); halt != HaltNone {
				d.report(telemetry.KindDeviceError, uint32(status.CoinsPaid), "dispense halted: "+halt.String())
				return DispenseResult{CoinsPaid: status.CoinsPaid, Halt: halt}, nil
			}
			if status.CoinsRemaining == 0 {
				return DispenseResult{CoinsPaid: status.CoinsPaid, Halt: HaltNone}, nil
			}
		}
	}
}

// Status issues one request-hopper-status call and reports the
// decoded inventory level alongside the raw response.
func (d *Driver) Status(ctx context.Context) (cctalk.HopperStatus, InventoryLevel, error) {
	status, err := cctalk.Execute[cctalk.HopperStatus](ctx, d.client, cctalk.RequestHopperStatus{})
	if err != nil {
		return cctalk.HopperStatus{}, Unknown, err
	}
	return status, inventoryLevel(status.StatusFlags), nil
}

// EmergencyStop issues the emergency-stop command against this hopper.
func (d *Driver) EmergencyStop(ctx context.Context) error {
	_, err := cctalk.Execute[cctalk.Ack](ctx, d.client, cctalk.EmergencyStop{})
	return err
}

// Enable and Disable gate the hopper's willingness to dispense.
func (d *Driver) Enable(ctx context.Context) error {
	_, err := cctalk.Execute[cctalk.Ack](ctx, d.client, cctalk.EnableHopper{})
	return err
}

func (d *Driver) Disable(ctx context.Context) error {
	_, err := cctalk.Execute[cctalk.Ack](ctx, d.client, cctalk.DisableHopper{})
	return err
}
