package httpapi

import (
	"time"

	"premium-hedge-bot/internal/apperr"
	"premium-hedge-bot/internal/engine"
	"premium-hedge-bot/internal/exec"

	"github.com/shopspring/decimal"
)

// Request field names are camelCase; decodeJSON also accepts their
// snake_case spelling.
type startRequest struct {
	MarketType      string   `json:"marketType"`
	Symbol          string   `json:"symbol"`
	SpotSymbol      string   `json:"spotSymbol,omitempty"`
	MarginAsset     string   `json:"marginAsset,omitempty"`
	EntryPct        float64  `json:"entryPct"`
	ExitPct         float64  `json:"exitPct"`
	DryRun          bool     `json:"dryRun"`
	PremiumBasis    string   `json:"premiumBasis,omitempty"`
	EntryThreshold  *float64 `json:"entryThreshold"`
	ExitThreshold   *float64 `json:"exitThreshold"`
	PollIntervalMs  int64    `json:"pollIntervalMs,omitempty"`
	OrderCooldownMs int64    `json:"orderCooldownMs,omitempty"`
	PaperBalance    float64  `json:"paperBalance,omitempty"`
}

func (r startRequest) config() (engine.Config, error) {
	if r.EntryThreshold == nil || r.ExitThreshold == nil {
		return engine.Config{}, apperr.New(apperr.CodeValidation, "entryThreshold and exitThreshold are required")
	}
	if r.PollIntervalMs < 0 || r.OrderCooldownMs < 0 {
		return engine.Config{}, apperr.New(apperr.CodeValidation, "pollIntervalMs and orderCooldownMs must be >= 0")
	}
	return engine.Config{
		MarketType:     exec.MarketType(r.MarketType),
		Symbol:         r.Symbol,
		SpotSymbol:     r.SpotSymbol,
		MarginAsset:    r.MarginAsset,
		EntryPct:       r.EntryPct,
		ExitPct:        r.ExitPct,
		DryRun:         r.DryRun,
		PremiumBasis:   r.PremiumBasis,
		EntryThreshold: *r.EntryThreshold,
		ExitThreshold:  *r.ExitThreshold,
		PollInterval:   time.Duration(r.PollIntervalMs) * time.Millisecond,
		OrderCooldown:  time.Duration(r.OrderCooldownMs) * time.Millisecond,
		PaperBalance:   r.PaperBalance,
	}, nil
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type orderRequest struct {
	Venue        string          `json:"venue"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	ReduceOnly   bool            `json:"reduceOnly"`
	TimeInForce  string          `json:"timeInForce,omitempty"`
	PositionSide string          `json:"positionSide,omitempty"`
	DryRun       bool            `json:"dryRun"`
}

func (r orderRequest) toExec() exec.OrderRequest {
	req := exec.OrderRequest{
		Venue:        r.Venue,
		Symbol:       r.Symbol,
		Side:         exec.Side(r.Side),
		Type:         exec.OrderType(r.Type),
		Amount:       r.Amount.InexactFloat64(),
		Price:        r.Price.InexactFloat64(),
		ReduceOnly:   r.ReduceOnly,
		TimeInForce:  r.TimeInForce,
		PositionSide: exec.PositionSide(r.PositionSide),
		DryRun:       r.DryRun,
	}
	req.Normalize()
	return req
}

type orderResponse struct {
	Order exec.OrderResult `json:"order"`
}

type healthResponse struct {
	Status   string    `json:"status"`
	EngineID string    `json:"engine_id"`
	Leader   bool      `json:"leader"`
	Running  bool      `json:"running"`
	SafeMode bool      `json:"safe_mode"`
	Time     time.Time `json:"time"`
}
