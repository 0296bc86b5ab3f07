package exec

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// HedgeMode is the derivative account's position mode as reported by the venue.
type HedgeMode string

const (
	HedgeModeUnknown HedgeMode = "unknown"
	HedgeModeOneWay  HedgeMode = "one_way"
	HedgeModeHedge   HedgeMode = "hedge"
)

func ParseHedgeMode(s string) HedgeMode {
	switch HedgeMode(strings.ToLower(strings.TrimSpace(s))) {
	case HedgeModeOneWay:
		return HedgeModeOneWay
	case HedgeModeHedge:
		return HedgeModeHedge
	default:
		return HedgeModeUnknown
	}
}

func (m HedgeMode) Alternate() HedgeMode {
	if m == HedgeModeHedge {
		return HedgeModeOneWay
	}
	return HedgeModeHedge
}

type MarketType string

const (
	MarketLinear  MarketType = "linear"
	MarketInverse MarketType = "inverse"
)

func (m MarketType) Valid() bool {
	return m == MarketLinear || m == MarketInverse
}

const (
	VenueSpot       = "spot"
	VenueDerivative = "derivative"
)

// StrategyContext records the signal that caused an order.
type StrategyContext struct {
	EngineID      string    `json:"engine_id,omitempty"`
	Action        string    `json:"action,omitempty"`
	Leg           string    `json:"leg,omitempty"`
	DecisionAt    time.Time `json:"decision_at"`
	Premium       float64   `json:"premium"`
	Basis         string    `json:"basis,omitempty"`
	DomesticPrice float64   `json:"domestic_price,omitempty"`
	OffshorePrice float64   `json:"offshore_price,omitempty"`
	FXRate        float64   `json:"fx_rate,omitempty"`
}

var ErrInvalidOrder = errors.New("invalid order")

type OrderRequest struct {
	Venue         string           `json:"venue"`
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"side"`
	Type          OrderType        `json:"type"`
	Amount        float64          `json:"amount"`
	Price         float64          `json:"price,omitempty"`
	ReduceOnly    bool             `json:"reduce_only,omitempty"`
	TimeInForce   string           `json:"time_in_force,omitempty"`
	PositionSide  PositionSide     `json:"position_side,omitempty"`
	DryRun        bool             `json:"dry_run,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
	Context       *StrategyContext `json:"context,omitempty"`
	// Override bypasses the safety block. Only compensating orders set it.
	Override bool `json:"-"`
}

func (r *OrderRequest) Normalize() {
	r.Venue = strings.ToLower(strings.TrimSpace(r.Venue))
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = Side(strings.ToUpper(strings.TrimSpace(string(r.Side))))
	r.Type = OrderType(strings.ToUpper(strings.TrimSpace(string(r.Type))))
	if r.Type == "" {
		r.Type = OrderMarket
	}
	r.PositionSide = PositionSide(strings.ToUpper(strings.TrimSpace(string(r.PositionSide))))
	r.TimeInForce = strings.ToUpper(strings.TrimSpace(r.TimeInForce))
}

func (r OrderRequest) Validate() error {
	if r.Venue != VenueSpot && r.Venue != VenueDerivative {
		return fmt.Errorf("%w: venue must be %q or %q", ErrInvalidOrder, VenueSpot, VenueDerivative)
	}
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	}
	if r.Type != OrderMarket && r.Type != OrderLimit {
		return fmt.Errorf("%w: type must be MARKET or LIMIT", ErrInvalidOrder)
	}
	if !(r.Amount > 0) || math.IsInf(r.Amount, 0) {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if r.Price < 0 || math.IsNaN(r.Price) || math.IsInf(r.Price, 0) {
		return fmt.Errorf("%w: price must be non-negative", ErrInvalidOrder)
	}
	if r.Type == OrderLimit && r.Price == 0 {
		return fmt.Errorf("%w: limit orders require a price", ErrInvalidOrder)
	}
	switch r.PositionSide {
	case "", PositionSideBoth, PositionSideLong, PositionSideShort:
	default:
		return fmt.Errorf("%w: unknown position side %q", ErrInvalidOrder, r.PositionSide)
	}
	if r.ReduceOnly && r.Venue == VenueSpot {
		return fmt.Errorf("%w: reduce_only is only valid on the derivative venue", ErrInvalidOrder)
	}
	return nil
}

type OrderResult struct {
	OrderID       string           `json:"order_id"`
	ClientOrderID string           `json:"client_order_id"`
	Venue         string           `json:"venue"`
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"side"`
	Type          OrderType        `json:"type"`
	Amount        float64          `json:"amount"`
	FilledAmount  float64          `json:"filled_amount"`
	AvgPrice      float64          `json:"avg_price,omitempty"`
	Status        string           `json:"status"`
	ReduceOnly    bool             `json:"reduce_only,omitempty"`
	PositionSide  PositionSide     `json:"position_side,omitempty"`
	DryRun        bool             `json:"dry_run"`
	Attempts      int              `json:"attempts"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	Context       *StrategyContext `json:"context,omitempty"`
}

// Ack is what a venue returns for an accepted order.
type Ack struct {
	OrderID      string
	Status       string
	FilledAmount float64
	AvgPrice     float64
}

// Position is a derivative position. Amount is signed: negative is short.
type Position struct {
	Symbol     string       `json:"symbol"`
	Amount     float64      `json:"amount"`
	Side       PositionSide `json:"side,omitempty"`
	EntryPrice float64      `json:"entry_price,omitempty"`
}

// ShortAmount returns the open short size, or zero when flat or long.
func (p Position) ShortAmount() float64 {
	if p.Amount < 0 {
		return -p.Amount
	}
	if p.Side == PositionSideShort && p.Amount > 0 {
		return p.Amount
	}
	return 0
}
