package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"premium-hedge-bot/internal/strategy"
)

var (
	ErrUnknownBasis = errors.New("unknown premium basis")
	ErrStale        = errors.New("market snapshot is stale")
)

// Provider returns the current cross-venue market view.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

type Snapshot struct {
	Timestamp     time.Time          `json:"timestamp"`
	Symbol        string             `json:"symbol,omitempty"`
	DomesticPrice float64            `json:"domestic_price"`
	OffshorePrice float64            `json:"offshore_price"`
	FXRates       map[string]float64 `json:"fx_rates,omitempty"`
	Premiums      map[string]float64 `json:"premiums,omitempty"`
}

// Premium returns the premium in percent for basis. A premium published
// by the source wins; otherwise it is derived from the matching FX rate.
func (s Snapshot) Premium(basis string) (float64, error) {
	basis = normalizeBasis(basis)
	if p, ok := s.Premiums[basis]; ok {
		return p, nil
	}
	rate, ok := s.FXRates[basis]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownBasis, basis)
	}
	return strategy.Premium(s.DomesticPrice, s.OffshorePrice, rate)
}

// FXRate returns the conversion rate for basis, or zero when absent.
func (s Snapshot) FXRate(basis string) float64 {
	return s.FXRates[normalizeBasis(basis)]
}

func normalizeBasis(basis string) string {
	return strings.ToLower(strings.TrimSpace(basis))
}
