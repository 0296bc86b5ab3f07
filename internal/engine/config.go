package engine

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"premium-hedge-bot/internal/exec"
	"premium-hedge-bot/internal/state"
	"premium-hedge-bot/internal/strategy"
)

var ErrInvalidConfig = errors.New("invalid engine config")

// Config is what an operator supplies to start the engine.
type Config struct {
	MarketType     exec.MarketType
	Symbol         string
	SpotSymbol     string
	MarginAsset    string
	EntryPct       float64
	ExitPct        float64
	DryRun         bool
	PremiumBasis   string
	EntryThreshold float64
	ExitThreshold  float64
	PollInterval   time.Duration
	OrderCooldown  time.Duration
	// PaperBalance replaces the venue balance query for dry runs when set.
	PaperBalance float64
}

func (c Config) Thresholds() strategy.Thresholds {
	return strategy.Thresholds{Entry: c.EntryThreshold, Exit: c.ExitThreshold}
}

// withDefaults fills zero fields from d.
func (c Config) withDefaults(d Config) Config {
	c.MarketType = exec.MarketType(strings.ToLower(strings.TrimSpace(string(c.MarketType))))
	if c.MarketType == "" {
		c.MarketType = d.MarketType
	}
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.SpotSymbol = strings.ToUpper(strings.TrimSpace(c.SpotSymbol))
	if c.SpotSymbol == "" {
		c.SpotSymbol = c.Symbol
	}
	c.MarginAsset = strings.ToUpper(strings.TrimSpace(c.MarginAsset))
	if c.MarginAsset == "" {
		switch c.MarketType {
		case exec.MarketLinear:
			c.MarginAsset = d.MarginAsset
		case exec.MarketInverse:
			// Inverse contracts margin in the base coin.
			c.MarginAsset = baseAsset(c.Symbol)
		}
	}
	c.PremiumBasis = strings.ToLower(strings.TrimSpace(c.PremiumBasis))
	if c.PremiumBasis == "" {
		c.PremiumBasis = d.PremiumBasis
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.OrderCooldown == 0 {
		c.OrderCooldown = d.OrderCooldown
	}
	return c
}

func (c Config) Validate() error {
	if !c.MarketType.Valid() {
		return fmt.Errorf("%w: market_type must be %q or %q", ErrInvalidConfig, exec.MarketLinear, exec.MarketInverse)
	}
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	}
	if c.MarginAsset == "" {
		return fmt.Errorf("%w: margin_asset is required", ErrInvalidConfig)
	}
	if !validPct(c.EntryPct) {
		return fmt.Errorf("%w: entry_pct must be in (0, 100]", ErrInvalidConfig)
	}
	if !validPct(c.ExitPct) {
		return fmt.Errorf("%w: exit_pct must be in (0, 100]", ErrInvalidConfig)
	}
	if c.PremiumBasis == "" {
		return fmt.Errorf("%w: premium_basis is required", ErrInvalidConfig)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalidConfig)
	}
	if c.OrderCooldown < 0 {
		return fmt.Errorf("%w: order_cooldown must be >= 0", ErrInvalidConfig)
	}
	if c.PaperBalance < 0 || math.IsNaN(c.PaperBalance) {
		return fmt.Errorf("%w: paper_balance must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func validPct(v float64) bool {
	return v > 0 && v <= 100
}

func configFromState(st state.EngineState) Config {
	return Config{
		MarketType:     exec.MarketType(st.MarketType),
		Symbol:         st.Symbol,
		SpotSymbol:     st.SpotSymbol,
		MarginAsset:    st.MarginAsset,
		EntryPct:       st.EntryPct,
		ExitPct:        st.ExitPct,
		DryRun:         st.DryRun,
		PremiumBasis:   st.PremiumBasis,
		EntryThreshold: st.Thresholds.Entry,
		ExitThreshold:  st.Thresholds.Exit,
		PollInterval:   st.PollInterval,
		OrderCooldown:  st.OrderCooldown,
		PaperBalance:   st.PaperBalance,
	}
}

func (c Config) applyTo(st *state.EngineState) {
	st.MarketType = string(c.MarketType)
	st.Symbol = c.Symbol
	st.SpotSymbol = c.SpotSymbol
	st.MarginAsset = c.MarginAsset
	st.EntryPct = c.EntryPct
	st.ExitPct = c.ExitPct
	st.DryRun = c.DryRun
	st.PremiumBasis = c.PremiumBasis
	st.Thresholds = c.Thresholds()
	st.PollInterval = c.PollInterval
	st.OrderCooldown = c.OrderCooldown
	st.PaperBalance = c.PaperBalance
}
