package exec

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSizing  = errors.New("invalid sizing input")
	ErrAmountTooSmall = errors.New("order amount rounds to zero")
)

var hundred = decimal.NewFromInt(100)

// Instrument describes how the derivative contract is denominated.
type Instrument struct {
	MarketType MarketType
	// ContractSize is the quote notional of one inverse contract.
	ContractSize float64
	// DerivativeStep and SpotStep are lot sizes; zero disables rounding
	// except for inverse contracts, which are always whole.
	DerivativeStep float64
	SpotStep       float64
}

// EntryAmount sizes the derivative leg of an entry from the derivative
// free balance. Linear venues hold quote collateral and size in base
// units; inverse venues hold base collateral and size in contracts.
func EntryAmount(inst Instrument, freeBalance, price, pct float64) (float64, error) {
	if err := checkPct(pct); err != nil {
		return 0, err
	}
	if !positive(price) {
		return 0, fmt.Errorf("%w: price must be positive", ErrInvalidSizing)
	}
	if !(freeBalance >= 0) || math.IsInf(freeBalance, 0) {
		return 0, fmt.Errorf("%w: free balance must be non-negative", ErrInvalidSizing)
	}
	share := decimal.NewFromFloat(freeBalance).Mul(decimal.NewFromFloat(pct)).Div(hundred)
	px := decimal.NewFromFloat(price)

	var amount decimal.Decimal
	switch inst.MarketType {
	case MarketLinear:
		amount = roundDown(share.Div(px), inst.DerivativeStep)
	case MarketInverse:
		if !positive(inst.ContractSize) {
			return 0, fmt.Errorf("%w: inverse contracts need a contract size", ErrInvalidSizing)
		}
		notional := share.Mul(px)
		amount = roundDown(notional.Div(decimal.NewFromFloat(inst.ContractSize)), contractStep(inst.DerivativeStep))
	default:
		return 0, fmt.Errorf("%w: unknown market type %q", ErrInvalidSizing, inst.MarketType)
	}
	return nonZero(amount)
}

// ExitAmount sizes the derivative leg of an exit from the open position.
func ExitAmount(inst Instrument, open, pct float64) (float64, error) {
	if err := checkPct(pct); err != nil {
		return 0, err
	}
	if !positive(open) {
		return 0, fmt.Errorf("%w: no open position", ErrInvalidSizing)
	}
	step := inst.DerivativeStep
	if inst.MarketType == MarketInverse {
		step = contractStep(step)
	}
	share := decimal.NewFromFloat(open).Mul(decimal.NewFromFloat(pct)).Div(hundred)
	if pct == 100 {
		share = decimal.NewFromFloat(open)
	}
	return nonZero(roundDown(share, step))
}

// SpotAmount converts a derivative amount to the matching spot amount in
// base units using the decision-time offshore price.
func SpotAmount(inst Instrument, derivativeAmount, price float64) (float64, error) {
	if !positive(derivativeAmount) {
		return 0, fmt.Errorf("%w: derivative amount must be positive", ErrInvalidSizing)
	}
	amount := decimal.NewFromFloat(derivativeAmount)
	switch inst.MarketType {
	case MarketLinear:
	case MarketInverse:
		if !positive(price) || !positive(inst.ContractSize) {
			return 0, fmt.Errorf("%w: inverse conversion needs price and contract size", ErrInvalidSizing)
		}
		amount = amount.Mul(decimal.NewFromFloat(inst.ContractSize)).Div(decimal.NewFromFloat(price))
	default:
		return 0, fmt.Errorf("%w: unknown market type %q", ErrInvalidSizing, inst.MarketType)
	}
	return nonZero(roundDown(amount, inst.SpotStep))
}

func checkPct(pct float64) error {
	if !(pct > 0 && pct <= 100) {
		return fmt.Errorf("%w: percentage must be in (0, 100]", ErrInvalidSizing)
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

func contractStep(step float64) float64 {
	if step <= 0 {
		return 1
	}
	return step
}

func roundDown(amount decimal.Decimal, step float64) decimal.Decimal {
	if step <= 0 {
		return amount.Truncate(12)
	}
	s := decimal.NewFromFloat(step)
	return amount.Div(s).Floor().Mul(s)
}

func nonZero(amount decimal.Decimal) (float64, error) {
	if !amount.IsPositive() {
		return 0, ErrAmountTooSmall
	}
	return amount.InexactFloat64(), nil
}
