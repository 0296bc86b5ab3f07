package exec

import (
	"errors"
	"math"
	"testing"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEntryAmountLinear(t *testing.T) {
	inst := Instrument{MarketType: MarketLinear, DerivativeStep: 0.001}
	amount, err := EntryAmount(inst, 10000, 50000, 50)
	if err != nil {
		t.Fatalf("entry amount: %v", err)
	}
	if !approx(amount, 0.1) {
		t.Fatalf("expected 0.1, got %v", amount)
	}
}

func TestEntryAmountInverseContracts(t *testing.T) {
	inst := Instrument{MarketType: MarketInverse, ContractSize: 100}
	// 0.5 BTC * 50% * 40000 = 10000 USD notional = 100 contracts.
	amount, err := EntryAmount(inst, 0.5, 40000, 50)
	if err != nil {
		t.Fatalf("entry amount: %v", err)
	}
	if amount != 100 {
		t.Fatalf("expected 100 contracts, got %v", amount)
	}
	// Fractional contracts round down.
	amount, _ = EntryAmount(inst, 0.5, 40150, 50)
	if amount != 100 {
		t.Fatalf("expected floor to 100 contracts, got %v", amount)
	}
}

func TestEntryAmountRejectsBadInput(t *testing.T) {
	inst := Instrument{MarketType: MarketLinear}
	if _, err := EntryAmount(inst, 100, 0, 50); !errors.Is(err, ErrInvalidSizing) {
		t.Fatalf("expected invalid price error, got %v", err)
	}
	if _, err := EntryAmount(inst, 100, 10, 0); !errors.Is(err, ErrInvalidSizing) {
		t.Fatalf("expected invalid pct error, got %v", err)
	}
	if _, err := EntryAmount(inst, 100, 10, 101); !errors.Is(err, ErrInvalidSizing) {
		t.Fatalf("expected invalid pct error, got %v", err)
	}
	if _, err := EntryAmount(Instrument{MarketType: MarketInverse}, 1, 10, 50); !errors.Is(err, ErrInvalidSizing) {
		t.Fatalf("expected missing contract size error, got %v", err)
	}
	if _, err := EntryAmount(Instrument{MarketType: MarketLinear, DerivativeStep: 1}, 1, 10, 50); !errors.Is(err, ErrAmountTooSmall) {
		t.Fatalf("expected amount too small, got %v", err)
	}
}

func TestExitAmountUsesOpenPosition(t *testing.T) {
	inst := Instrument{MarketType: MarketLinear, DerivativeStep: 0.001}
	amount, err := ExitAmount(inst, 0.25, 100)
	if err != nil {
		t.Fatalf("exit amount: %v", err)
	}
	if !approx(amount, 0.25) {
		t.Fatalf("expected full position, got %v", amount)
	}
	amount, _ = ExitAmount(inst, 0.25, 50)
	if !approx(amount, 0.125) {
		t.Fatalf("expected half position, got %v", amount)
	}
	if _, err := ExitAmount(inst, 0, 100); !errors.Is(err, ErrInvalidSizing) {
		t.Fatalf("expected no position error, got %v", err)
	}
}

func TestSpotAmountFromDerivative(t *testing.T) {
	linear := Instrument{MarketType: MarketLinear, SpotStep: 0.0001}
	amount, err := SpotAmount(linear, 0.1234567, 50000)
	if err != nil {
		t.Fatalf("spot amount: %v", err)
	}
	if !approx(amount, 0.1234) {
		t.Fatalf("expected 0.1234, got %v", amount)
	}
	inverse := Instrument{MarketType: MarketInverse, ContractSize: 100}
	amount, err = SpotAmount(inverse, 100, 40000)
	if err != nil {
		t.Fatalf("spot amount: %v", err)
	}
	if !approx(amount, 0.25) {
		t.Fatalf("expected 0.25 BTC, got %v", amount)
	}
}
