package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"premium-hedge-bot/internal/config"
	"premium-hedge-bot/internal/exec"
	"premium-hedge-bot/internal/logging"
	"premium-hedge-bot/internal/market"
	"premium-hedge-bot/internal/safety"
	"premium-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

const (
	defaultVerifyEnvFile = ".env"
	defaultVerifyTimeout = 30 * time.Second
)

type report struct {
	Time              time.Time         `json:"time"`
	Premium           *float64          `json:"premium,omitempty"`
	Snapshot          *market.Snapshot  `json:"snapshot,omitempty"`
	SpotBalance       *float64          `json:"spot_balance,omitempty"`
	DerivativeBalance *float64          `json:"derivative_balance,omitempty"`
	PositionMode      string            `json:"position_mode,omitempty"`
	Position          *exec.Position    `json:"position,omitempty"`
	Order             *exec.OrderResult `json:"order,omitempty"`
	Errors            []string          `json:"errors,omitempty"`
}

// verify checks connectivity to the market feed and both venues and can
// place one small order through the same gateway the engine uses.
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	symbol := flag.String("symbol", "", "derivative symbol for the position check")
	orderVenue := flag.String("order-venue", "", "place one verification order on spot or derivative")
	orderSymbol := flag.String("order-symbol", "", "symbol for the verification order")
	orderSide := flag.String("order-side", "BUY", "side for the verification order")
	live := flag.Bool("live", false, "send the verification order to the venue instead of simulating it")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), defaultVerifyTimeout)
	defer cancel()

	spot := venue.New(cfg.Spot, log)
	derivative := venue.New(cfg.Derivative, log)
	gateway := exec.NewGateway(exec.Options{
		Spot:       spot,
		Derivative: derivative,
		Safety:     safety.New(cfg.Safety.FailureThreshold),
		Attempts:   cfg.Retry.Attempts,
		Delay:      cfg.Retry.Delay,
		Log:        log,
	})
	provider := market.NewHTTPProvider(market.HTTPOptions{
		BaseURL: cfg.Market.BaseURL,
		Symbol:  cfg.Market.Symbol,
		Timeout: cfg.Market.Timeout,
		MaxAge:  cfg.Market.MaxAge,
		Log:     log,
	})

	out := report{Time: time.Now().UTC()}
	fail := func(step string, err error) {
		log.Warn("verification step failed", zap.String("step", step), zap.Error(err))
		out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", step, err))
	}

	if snap, err := provider.Snapshot(ctx); err != nil {
		fail("market", err)
	} else {
		out.Snapshot = &snap
		if p, err := snap.Premium(cfg.Engine.PremiumBasis); err != nil {
			fail("premium", err)
		} else {
			out.Premium = &p
		}
	}
	if bal, err := gateway.FreeBalance(ctx, exec.VenueSpot, cfg.Spot.QuoteAsset); err != nil {
		fail("spot balance", err)
	} else {
		out.SpotBalance = &bal
	}
	if bal, err := gateway.FreeBalance(ctx, exec.VenueDerivative, cfg.Derivative.QuoteAsset); err != nil {
		fail("derivative balance", err)
	} else {
		out.DerivativeBalance = &bal
	}
	if mode, err := derivative.PositionMode(ctx); err != nil {
		fail("position mode", err)
	} else {
		out.PositionMode = string(mode)
		gateway.SetHedgeMode(mode)
	}
	if s := strings.TrimSpace(*symbol); s != "" {
		if pos, err := gateway.DerivativePosition(ctx, s); err != nil {
			fail("position", err)
		} else {
			out.Position = &pos
		}
	}

	if strings.TrimSpace(*orderVenue) != "" {
		amount, err := amountEnv("KP_VERIFY_AMOUNT")
		if err != nil {
			fatal(err)
		}
		res, err := gateway.Submit(ctx, exec.OrderRequest{
			Venue:  *orderVenue,
			Symbol: *orderSymbol,
			Side:   exec.Side(*orderSide),
			Type:   exec.OrderMarket,
			Amount: amount,
			DryRun: !*live,
		})
		if err != nil {
			fail("order", err)
		} else {
			out.Order = &res
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fatal(err)
	}
	if len(out.Errors) > 0 {
		os.Exit(1)
	}
}

func amountEnv(key string) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, fmt.Errorf("%s is required for a verification order", key)
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if val <= 0 {
		return 0, errors.New(key + " must be positive")
	}
	return val, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
	os.Exit(1)
}
