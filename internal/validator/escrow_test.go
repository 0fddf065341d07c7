package validator

import "testing"

func TestEscrowLifecycleManual(t *testing.T) {
	e := NewEscrow(Manual)
	if e.State() != Idle {
		t.Fatalf("new escrow should start Idle, got %s", e.State())
	}
	if _, err := e.Hold(); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if e.State() != Escrowed {
		t.Fatalf("state = %s, want Escrowed", e.State())
	}
	if err := e.Stack(); err != nil {
		t.Fatalf("Stack: %v", err)
	}
	if e.State() != Stacked {
		t.Fatalf("state = %s, want Stacked", e.State())
	}
}

func TestEscrowDoubleHoldFails(t *testing.T) {
	e := NewEscrow(Manual)
	if _, err := e.Hold(); err != nil {
		t.Fatalf("first Hold: %v", err)
	}
	if _, err := e.Hold(); err == nil {
		t.Fatal("expected second Hold to fail while still escrowed")
	}
}

func TestEscrowResolveOutsideEscrowedFails(t *testing.T) {
	e := NewEscrow(Manual)
	if err := e.Stack(); err == nil {
		t.Fatal("expected Stack to fail from Idle")
	}
	if err := e.Return(); err == nil {
		t.Fatal("expected Return to fail from Idle")
	}
}

func TestEscrowAutoPolicyReportedOnHold(t *testing.T) {
	e := NewEscrow(AutoStack)
	policy, err := e.Hold()
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if policy != AutoStack {
		t.Fatalf("policy = %v, want AutoStack", policy)
	}
}

func TestEscrowExpireTransitionsToExpired(t *testing.T) {
	e := NewEscrow(Manual)
	if _, err := e.Hold(); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if err := e.Expire(); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if e.State() != Expired {
		t.Fatalf("state = %s, want Expired", e.State())
	}
	if err := e.Stack(); err == nil {
		t.Fatal("expected Stack to fail once Expired")
	}
}

func TestEscrowExpireOutsideEscrowedFails(t *testing.T) {
	e := NewEscrow(Manual)
	if err := e.Expire(); err == nil {
		t.Fatal("expected Expire to fail from Idle")
	}
}

func TestEscrowResetReturnsToIdle(t *testing.T) {
	e := NewEscrow(Manual)
	e.Hold()
	e.Return()
	e.Reset()
	if e.State() != Idle {
		t.Fatalf("state after Reset = %s, want Idle", e.State())
	}
	if _, err := e.Hold(); err != nil {
		t.Fatalf("Hold after Reset: %v", err)
	}
}
