package strategy

import "errors"

var ErrInvalidPrice = errors.New("prices and fx rate must be positive")

// Premium returns the percentage gap of the domestic price over the offshore
// price converted at fxRate (domestic units per offshore unit).
func Premium(domestic, offshore, fxRate float64) (float64, error) {
	if domestic <= 0 || offshore <= 0 || fxRate <= 0 {
		return 0, ErrInvalidPrice
	}
	return (domestic/(offshore*fxRate) - 1) * 100, nil
}
