package engine

import (
	"context"
	"errors"
	"fmt"

	"premium-hedge-bot/internal/alerts"
	"premium-hedge-bot/internal/apperr"
	"premium-hedge-bot/internal/exec"
	"premium-hedge-bot/internal/journal"
	"premium-hedge-bot/internal/market"
	"premium-hedge-bot/internal/safety"
	"premium-hedge-bot/internal/strategy"

	"go.uber.org/zap"
)

const (
	legSpot         = "spot"
	legDerivative   = "derivative"
	legCompensation = "compensation"
)

func (e *Engine) instrumentFor(cfg Config) exec.Instrument {
	inst := e.instrument
	inst.MarketType = cfg.MarketType
	return inst
}

// enter buys spot, then shorts the derivative. A failed short is
// compensated by selling the spot just bought.
func (e *Engine) enter(ctx context.Context, cfg Config, snap market.Snapshot, sc *exec.StrategyContext) error {
	inst := e.instrumentFor(cfg)
	balance, err := e.entryBalance(ctx, cfg)
	if err != nil {
		e.metrics.EntryFailed.Inc()
		return apperr.Wrap(apperr.CodeVenue, "derivative balance query failed", err)
	}
	derivAmount, err := exec.EntryAmount(inst, balance, snap.OffshorePrice, cfg.EntryPct)
	if err != nil {
		e.metrics.EntryFailed.Inc()
		return apperr.Wrap(apperr.CodeValidation, "entry sizing failed", err)
	}
	spotAmount, err := exec.SpotAmount(inst, derivAmount, snap.OffshorePrice)
	if err != nil {
		e.metrics.EntryFailed.Inc()
		return apperr.Wrap(apperr.CodeValidation, "spot sizing failed", err)
	}

	spotRes, err := e.submit(ctx, legSpot, exec.OrderRequest{
		Venue:   exec.VenueSpot,
		Symbol:  cfg.SpotSymbol,
		Side:    exec.SideBuy,
		Type:    exec.OrderMarket,
		Amount:  spotAmount,
		DryRun:  cfg.DryRun,
		Context: withLeg(sc, legSpot),
	})
	if err != nil {
		e.metrics.EntryFailed.Inc()
		return legError("entry spot leg failed", err)
	}

	derivRes, err := e.submit(ctx, legDerivative, exec.OrderRequest{
		Venue:   exec.VenueDerivative,
		Symbol:  cfg.Symbol,
		Side:    exec.SideSell,
		Type:    exec.OrderMarket,
		Amount:  derivAmount,
		DryRun:  cfg.DryRun,
		Context: withLeg(sc, legDerivative),
	})
	if err != nil {
		e.metrics.EntryFailed.Inc()
		return e.compensate(ctx, "entry", err, exec.OrderRequest{
			Venue:   exec.VenueSpot,
			Symbol:  cfg.SpotSymbol,
			Side:    exec.SideSell,
			Type:    exec.OrderMarket,
			Amount:  spotAmount,
			DryRun:  cfg.DryRun,
			Context: withLeg(sc, legCompensation),
		})
	}

	e.mu.Lock()
	e.st.Position = e.sm.Apply(strategy.EventEntryCompleted)
	e.st.LastAction = strategy.ActionEntry
	e.st.LastSpotOrderID = spotRes.OrderID
	e.st.LastDerivativeOrderID = derivRes.OrderID
	e.st.LastAmount = derivAmount
	e.st.LastSide = string(exec.SideSell)
	e.st.OpenAmount += derivAmount
	e.st.OpenSpotAmount += spotAmount
	e.st.TradeCount++
	e.st.LastError = ""
	e.mu.Unlock()
	e.metrics.Entries.Inc()

	e.log.Info("hedge entered",
		zap.Float64("premium", sc.Premium),
		zap.Float64("derivative_amount", derivAmount),
		zap.Float64("spot_amount", spotAmount),
		zap.String("spot_order_id", spotRes.OrderID),
		zap.String("derivative_order_id", derivRes.OrderID),
	)
	e.notify(ctx, alerts.Alert{
		Key:   "engine:entry",
		Level: alerts.LevelInfo,
		Text:  fmt.Sprintf("Entered %s hedge at premium %.3f%%: short %.8f, spot %.8f (dry_run=%t)", cfg.Symbol, sc.Premium, derivAmount, spotAmount, cfg.DryRun),
	})
	return nil
}

// exit buys back the derivative short, then sells the spot. A failed spot
// sale is compensated by re-opening the short.
func (e *Engine) exit(ctx context.Context, cfg Config, snap market.Snapshot, sc *exec.StrategyContext) error {
	inst := e.instrumentFor(cfg)
	open, err := e.openPosition(ctx, cfg)
	if err != nil {
		e.metrics.ExitFailed.Inc()
		return apperr.Wrap(apperr.CodeVenue, "derivative position query failed", err)
	}
	if open <= 0 {
		e.repairFlat(ctx, cfg)
		return nil
	}
	derivAmount, err := exec.ExitAmount(inst, open, cfg.ExitPct)
	if err != nil {
		e.metrics.ExitFailed.Inc()
		return apperr.Wrap(apperr.CodeValidation, "exit sizing failed", err)
	}
	spotAmount, err := exec.SpotAmount(inst, derivAmount, snap.OffshorePrice)
	if err != nil {
		e.metrics.ExitFailed.Inc()
		return apperr.Wrap(apperr.CodeValidation, "spot sizing failed", err)
	}
	e.mu.Lock()
	held := e.st.OpenSpotAmount
	e.mu.Unlock()
	if held > 0 && spotAmount > held {
		spotAmount = held
	}

	derivRes, err := e.submit(ctx, legDerivative, exec.OrderRequest{
		Venue:      exec.VenueDerivative,
		Symbol:     cfg.Symbol,
		Side:       exec.SideBuy,
		Type:       exec.OrderMarket,
		Amount:     derivAmount,
		ReduceOnly: true,
		DryRun:     cfg.DryRun,
		Context:    withLeg(sc, legDerivative),
	})
	if err != nil {
		e.metrics.ExitFailed.Inc()
		return legError("exit derivative leg failed", err)
	}

	spotRes, err := e.submit(ctx, legSpot, exec.OrderRequest{
		Venue:   exec.VenueSpot,
		Symbol:  cfg.SpotSymbol,
		Side:    exec.SideSell,
		Type:    exec.OrderMarket,
		Amount:  spotAmount,
		DryRun:  cfg.DryRun,
		Context: withLeg(sc, legSpot),
	})
	if err != nil {
		e.metrics.ExitFailed.Inc()
		compErr := e.compensate(ctx, "exit", err, exec.OrderRequest{
			Venue:   exec.VenueDerivative,
			Symbol:  cfg.Symbol,
			Side:    exec.SideSell,
			Type:    exec.OrderMarket,
			Amount:  derivAmount,
			DryRun:  cfg.DryRun,
			Context: withLeg(sc, legCompensation),
		})
		if apperr.CodeOf(compErr) == apperr.CodeCompensationFailed {
			e.mu.Lock()
			e.st.OpenAmount = nonNegative(e.st.OpenAmount - derivAmount)
			e.mu.Unlock()
		}
		return compErr
	}

	e.mu.Lock()
	e.st.Position = e.sm.Apply(strategy.EventExitCompleted)
	e.st.LastAction = strategy.ActionExit
	e.st.LastSpotOrderID = spotRes.OrderID
	e.st.LastDerivativeOrderID = derivRes.OrderID
	e.st.LastAmount = derivAmount
	e.st.LastSide = string(exec.SideBuy)
	e.st.OpenAmount = nonNegative(e.st.OpenAmount - derivAmount)
	e.st.OpenSpotAmount = nonNegative(e.st.OpenSpotAmount - spotAmount)
	e.st.TradeCount++
	e.st.LastError = ""
	e.mu.Unlock()
	e.metrics.Exits.Inc()

	e.log.Info("hedge exited",
		zap.Float64("premium", sc.Premium),
		zap.Float64("derivative_amount", derivAmount),
		zap.Float64("spot_amount", spotAmount),
		zap.String("spot_order_id", spotRes.OrderID),
		zap.String("derivative_order_id", derivRes.OrderID),
	)
	e.notify(ctx, alerts.Alert{
		Key:   "engine:exit",
		Level: alerts.LevelInfo,
		Text:  fmt.Sprintf("Exited %s hedge at premium %.3f%%: cover %.8f, spot %.8f (dry_run=%t)", cfg.Symbol, sc.Premium, derivAmount, spotAmount, cfg.DryRun),
	})
	return nil
}

// compensate sends one corrective order past the safety gate. Its
// failure leaves an unhedged position and is escalated, never retried.
func (e *Engine) compensate(ctx context.Context, flow string, legErr error, req exec.OrderRequest) error {
	req.Override = true
	e.metrics.Rollbacks.Inc()
	e.log.Warn("second leg failed, compensating",
		zap.String("flow", flow),
		zap.String("venue", req.Venue),
		zap.String("side", string(req.Side)),
		zap.Float64("amount", req.Amount),
		zap.Error(legErr),
	)
	if _, err := e.submit(ctx, legCompensation, req); err != nil {
		e.metrics.CompensationFailed.Inc()
		e.log.Error("compensation failed, position is unhedged",
			zap.String("flow", flow),
			zap.Error(err),
		)
		e.notify(ctx, alerts.Alert{
			Key:   "engine:compensation_failed",
			Level: alerts.LevelCritical,
			Text: fmt.Sprintf("Engine %s %s compensation FAILED: %s %s %.8f on %s is unhedged. Leg error: %v. Compensation error: %v",
				e.id, flow, req.Side, req.Symbol, req.Amount, req.Venue, legErr, err),
		})
		return apperr.Wrap(apperr.CodeCompensationFailed,
			fmt.Sprintf("%s second leg failed and compensation failed; manual intervention required", flow),
			errors.Join(legErr, err))
	}
	e.notify(ctx, alerts.Alert{
		Key:   "engine:" + flow + "_rolled_back",
		Level: alerts.LevelWarning,
		Text:  fmt.Sprintf("Engine %s %s rolled back: %v", e.id, flow, legErr),
	})
	return apperr.Wrap(apperr.CodeLegFailed, fmt.Sprintf("%s second leg failed; first leg compensated", flow), legErr)
}

func (e *Engine) submit(ctx context.Context, leg string, req exec.OrderRequest) (exec.OrderResult, error) {
	res, err := e.gateway.Submit(ctx, req)
	now := e.now()
	e.mu.Lock()
	e.st.LastOrderAt = now
	e.mu.Unlock()
	if e.journal != nil {
		entry := journal.Order{
			Time:          now,
			EngineID:      e.id,
			Source:        "engine",
			Leg:           leg,
			Venue:         req.Venue,
			Symbol:        req.Symbol,
			Side:          string(req.Side),
			Amount:        req.Amount,
			OrderID:       res.OrderID,
			ClientOrderID: res.ClientOrderID,
			Status:        res.Status,
			DryRun:        req.DryRun,
			Override:      req.Override,
		}
		if req.Context != nil {
			entry.Premium = req.Context.Premium
		}
		if err != nil {
			entry.Error = err.Error()
			if entry.Status == "" {
				entry.Status = "rejected"
			}
		}
		e.journal.RecordOrder(entry)
	}
	return res, err
}

func (e *Engine) entryBalance(ctx context.Context, cfg Config) (float64, error) {
	if cfg.DryRun && cfg.PaperBalance > 0 {
		return cfg.PaperBalance, nil
	}
	return e.gateway.FreeBalance(ctx, exec.VenueDerivative, cfg.MarginAsset)
}

// openPosition is the venue's open short for live engines and the
// tracked amount for dry runs.
func (e *Engine) openPosition(ctx context.Context, cfg Config) (float64, error) {
	if cfg.DryRun {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.st.OpenAmount, nil
	}
	pos, err := e.gateway.DerivativePosition(ctx, cfg.Symbol)
	if err != nil {
		return 0, err
	}
	return pos.ShortAmount(), nil
}

// repairFlat handles an ENTERED engine whose derivative position is gone.
func (e *Engine) repairFlat(ctx context.Context, cfg Config) {
	e.mu.Lock()
	e.sm.SetState(strategy.PositionIdle)
	e.st.Position = e.sm.State()
	e.st.OpenAmount = 0
	e.st.OpenSpotAmount = 0
	e.mu.Unlock()
	e.log.Warn("no open derivative position at exit, resetting to idle", zap.String("symbol", cfg.Symbol))
	e.notify(ctx, alerts.Alert{
		Key:   "engine:position_sync",
		Level: alerts.LevelWarning,
		Text:  fmt.Sprintf("Engine %s expected an open %s short but the venue reports none; position reset to IDLE", e.id, cfg.Symbol),
	})
}

func legError(msg string, err error) error {
	if errors.Is(err, safety.ErrTripped) {
		return apperr.Wrap(apperr.CodeSafetyTripped, msg, err)
	}
	if errors.Is(err, exec.ErrInvalidOrder) {
		return apperr.Wrap(apperr.CodeValidation, msg, err)
	}
	return apperr.Wrap(apperr.CodeLegFailed, msg, err)
}

func withLeg(sc *exec.StrategyContext, leg string) *exec.StrategyContext {
	if sc == nil {
		return nil
	}
	out := *sc
	out.Leg = leg
	return &out
}

func nonNegative(v float64) float64 {
	if v < 1e-12 {
		return 0
	}
	return v
}
