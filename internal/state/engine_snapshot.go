package state

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"premium-hedge-bot/internal/strategy"
)

const engineSnapshotPrefix = "engine:"

// EngineState is everything needed to resume an engine after a restart.
type EngineState struct {
	ID             string              `json:"id"`
	MarketType     string              `json:"market_type"`
	Symbol         string              `json:"symbol"`
	SpotSymbol     string              `json:"spot_symbol"`
	MarginAsset    string              `json:"margin_asset"`
	PaperBalance   float64             `json:"paper_balance,omitempty"`
	EntryPct       float64             `json:"entry_pct"`
	ExitPct        float64             `json:"exit_pct"`
	DryRun         bool                `json:"dry_run"`
	PremiumBasis   string              `json:"premium_basis"`
	Thresholds     strategy.Thresholds `json:"thresholds"`
	Position       strategy.Position   `json:"position_state"`
	HedgeMode      string              `json:"hedge_mode"`
	PollInterval   time.Duration       `json:"poll_interval"`
	OrderCooldown  time.Duration       `json:"order_cooldown"`
	DesiredRunning bool                `json:"desired_running"`
	Running        bool                `json:"running"`

	StartedAt      time.Time `json:"started_at,omitempty"`
	StoppedAt      time.Time `json:"stopped_at,omitempty"`
	StopReason     string    `json:"stop_reason,omitempty"`
	LastTickAt     time.Time `json:"last_tick_at,omitempty"`
	LastDecisionAt time.Time `json:"last_decision_at,omitempty"`
	LastOrderAt    time.Time `json:"last_order_at,omitempty"`

	LastAction            strategy.Action `json:"last_action,omitempty"`
	LastSpotOrderID       string          `json:"last_spot_order_id,omitempty"`
	LastDerivativeOrderID string          `json:"last_derivative_order_id,omitempty"`
	LastAmount            float64         `json:"last_amount,omitempty"`
	LastSide              string          `json:"last_side,omitempty"`
	LastPremium           *float64        `json:"last_premium,omitempty"`
	OpenAmount            float64         `json:"open_amount"`
	OpenSpotAmount        float64         `json:"open_spot_amount"`
	TradeCount            int             `json:"trade_count"`

	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

type EngineSnapshot struct {
	State     EngineState `json:"state"`
	Reason    string      `json:"reason"`
	WrittenAt time.Time   `json:"written_at"`
}

func engineKey(id string) string {
	return engineSnapshotPrefix + id
}

// LoadEngineSnapshot returns ok=false when the engine was never started.
func LoadEngineSnapshot(ctx context.Context, store Store, id string) (EngineSnapshot, bool, error) {
	if store == nil {
		return EngineSnapshot{}, false, nil
	}
	if id == "" {
		return EngineSnapshot{}, false, errors.New("engine id is required")
	}
	raw, ok, err := store.Get(ctx, engineKey(id))
	if err != nil {
		return EngineSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return EngineSnapshot{}, false, nil
	}
	var snapshot EngineSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return EngineSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveEngineSnapshot(ctx context.Context, store Store, snapshot EngineSnapshot) error {
	if store == nil {
		return nil
	}
	if snapshot.State.ID == "" {
		return errors.New("engine id is required")
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, engineKey(snapshot.State.ID), string(payload))
}
