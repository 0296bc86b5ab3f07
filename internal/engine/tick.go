package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"premium-hedge-bot/internal/alerts"
	"premium-hedge-bot/internal/exec"
	"premium-hedge-bot/internal/journal"
	"premium-hedge-bot/internal/market"
	"premium-hedge-bot/internal/strategy"

	"go.uber.org/zap"
)

// ErrSnapshotSymbol marks a market snapshot for an asset other than the
// one the engine trades.
var ErrSnapshotSymbol = errors.New("market snapshot is for another asset")

// Tick runs one decision cycle. Concurrent calls return ErrTickInProgress.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.isRunning() {
		return nil
	}
	if !e.busy.CompareAndSwap(false, true) {
		return ErrTickInProgress
	}
	defer e.busy.Store(false)
	e.metrics.Ticks.Inc()

	e.mu.Lock()
	cfg := configFromState(e.st)
	e.mu.Unlock()

	snap, err := e.market.Snapshot(ctx)
	if err == nil && !sameAsset(snap.Symbol, cfg.Symbol) {
		err = fmt.Errorf("%w: snapshot %q, engine %q", ErrSnapshotSymbol, snap.Symbol, cfg.Symbol)
	}
	if err == nil {
		_, err = snap.Premium(cfg.PremiumBasis)
	}
	if err != nil {
		e.metrics.SnapshotErrors.Inc()
		err = fmt.Errorf("market snapshot: %w", err)
		e.recordError(err)
		e.persist("snapshot_error")
		e.notify(ctx, alerts.Alert{Key: "engine:snapshot", Level: alerts.LevelWarning, Text: fmt.Sprintf("Engine %s: %v", e.id, err)})
		return err
	}
	premium, _ := snap.Premium(cfg.PremiumBasis)
	now := e.now()
	e.metrics.Premium.Set(premium)

	e.mu.Lock()
	e.st.LastTickAt = now
	e.st.LastPremium = &premium
	lastOrderAt := e.st.LastOrderAt
	e.mu.Unlock()

	if !cfg.DryRun && e.safety.SafeMode() {
		e.log.Debug("safe mode active, skipping decision", zap.Float64("premium", premium))
		e.persist("safe_mode")
		return nil
	}
	if cfg.OrderCooldown > 0 && !lastOrderAt.IsZero() && now.Sub(lastOrderAt) < cfg.OrderCooldown {
		e.persist("cooldown")
		return nil
	}

	pos := e.sm.State()
	action := strategy.Decide(pos, premium, cfg.Thresholds())
	e.mu.Lock()
	e.st.LastDecisionAt = now
	e.mu.Unlock()
	e.recordDecision(cfg, snap, premium, pos, action, now)

	if action == strategy.ActionNone {
		e.persist("tick")
		return nil
	}
	e.log.Info("premium crossed threshold",
		zap.String("action", string(action)),
		zap.String("position", string(pos)),
		zap.Float64("premium", premium),
	)
	sc := &exec.StrategyContext{
		EngineID:      e.id,
		Action:        string(action),
		DecisionAt:    now,
		Premium:       premium,
		Basis:         cfg.PremiumBasis,
		DomesticPrice: snap.DomesticPrice,
		OffshorePrice: snap.OffshorePrice,
		FXRate:        snap.FXRate(cfg.PremiumBasis),
	}
	switch action {
	case strategy.ActionEntry:
		err = e.enter(ctx, cfg, snap, sc)
	case strategy.ActionExit:
		err = e.exit(ctx, cfg, snap, sc)
	}
	if err != nil {
		e.recordError(err)
		e.persist(string(action) + "_failed")
		return err
	}
	e.persist(string(action))
	return nil
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.Running
}

func (e *Engine) recordDecision(cfg Config, snap market.Snapshot, premium float64, pos strategy.Position, action strategy.Action, now time.Time) {
	if e.journal == nil {
		return
	}
	e.journal.RecordDecision(journal.Decision{
		Time:          now,
		EngineID:      e.id,
		Position:      string(pos),
		Action:        string(action),
		Premium:       premium,
		Basis:         cfg.PremiumBasis,
		DomesticPrice: snap.DomesticPrice,
		OffshorePrice: snap.OffshorePrice,
		FXRate:        snap.FXRate(cfg.PremiumBasis),
		DryRun:        cfg.DryRun,
	})
}
