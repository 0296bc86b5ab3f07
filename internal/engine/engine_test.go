package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"premium-hedge-bot/internal/alerts"
	"premium-hedge-bot/internal/apperr"
	"premium-hedge-bot/internal/exec"
	"premium-hedge-bot/internal/state"
	"premium-hedge-bot/internal/strategy"
)

func TestScenarioEntersAndExitsOnce(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.market.push(1.0, 2.1, 1.5, -0.2)
	cfg := liveConfig()
	cfg.EntryPct = 10
	h.start(t, cfg)

	for i := 0; i < 4; i++ {
		if err := h.tick(t); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	st := h.e.Status().Engine
	if st.Position != strategy.PositionIdle {
		t.Fatalf("expected IDLE, got %s", st.Position)
	}
	if st.TradeCount != 2 {
		t.Fatalf("expected 2 operations, got %d", st.TradeCount)
	}
	if st.LastAction != strategy.ActionExit {
		t.Fatalf("expected last action EXIT, got %s", st.LastAction)
	}
	spot := h.spot.orders()
	deriv := h.deriv.orders()
	if len(spot) != 2 || len(deriv) != 2 {
		t.Fatalf("expected 2 orders per venue, got spot=%d derivative=%d", len(spot), len(deriv))
	}
	if spot[0].Side != exec.SideBuy || deriv[0].Side != exec.SideSell {
		t.Fatalf("unexpected entry sides: spot=%s derivative=%s", spot[0].Side, deriv[0].Side)
	}
	if deriv[1].Side != exec.SideBuy || !deriv[1].ReduceOnly || spot[1].Side != exec.SideSell {
		t.Fatalf("unexpected exit orders: %+v %+v", deriv[1], spot[1])
	}
	if deriv[0].Amount != 0.02 || deriv[1].Amount != 0.02 {
		t.Fatalf("unexpected derivative amounts: %v %v", deriv[0].Amount, deriv[1].Amount)
	}
	if h.deriv.short != 0 {
		t.Fatalf("expected flat derivative position, got short %v", h.deriv.short)
	}
	if st.OpenAmount != 0 || st.OpenSpotAmount != 0 {
		t.Fatalf("expected no open amounts, got %v / %v", st.OpenAmount, st.OpenSpotAmount)
	}
	if len(h.journal.decisions) != 4 {
		t.Fatalf("expected 4 journaled decisions, got %d", len(h.journal.decisions))
	}
	if len(h.journal.orders) != 4 {
		t.Fatalf("expected 4 journaled orders, got %d", len(h.journal.orders))
	}
}

func TestOrdersCarryStrategyContext(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.market.push(2.1)
	h.start(t, liveConfig())
	if err := h.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	for _, req := range append(h.spot.orders(), h.deriv.orders()...) {
		if req.Context == nil {
			t.Fatalf("order without strategy context: %+v", req)
		}
		if req.Context.Premium != 2.1 || req.Context.Action != string(strategy.ActionEntry) {
			t.Fatalf("unexpected context: %+v", req.Context)
		}
		if req.Context.FXRate != 1400 || req.Context.Basis != "usdt" {
			t.Fatalf("unexpected context pricing: %+v", req.Context)
		}
		if req.ClientOrderID == "" {
			t.Fatalf("expected client order id")
		}
	}
}

func TestPremiumAtEntryThresholdEnters(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.market.push(2.0)
	h.start(t, liveConfig())
	if err := h.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := h.e.Status().Engine.Position; got != strategy.PositionEntered {
		t.Fatalf("expected ENTERED at the threshold, got %s", got)
	}
}

func TestEntryRollbackSellsSpot(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.deriv.setFail(func(exec.OrderRequest) error {
		return &exec.VenueError{Venue: exec.VenueDerivative, StatusCode: 503, Message: "unavailable"}
	})
	h.market.push(2.0)
	h.start(t, liveConfig())

	err := h.tick(t)
	if apperr.CodeOf(err) != apperr.CodeLegFailed {
		t.Fatalf("expected LEG_FAILED, got %v", err)
	}
	spot := h.spot.orders()
	if len(spot) != 2 {
		t.Fatalf("expected buy and compensating sell, got %d spot orders", len(spot))
	}
	if spot[0].Side != exec.SideBuy || spot[1].Side != exec.SideSell {
		t.Fatalf("unexpected spot sides: %s then %s", spot[0].Side, spot[1].Side)
	}
	if spot[0].Amount != spot[1].Amount {
		t.Fatalf("compensation amount %v differs from entry %v", spot[1].Amount, spot[0].Amount)
	}
	if len(h.deriv.orders()) != 2 {
		t.Fatalf("expected 2 derivative attempts, got %d", len(h.deriv.orders()))
	}
	st := h.e.Status().Engine
	if st.Position != strategy.PositionIdle {
		t.Fatalf("expected IDLE after rollback, got %s", st.Position)
	}
	if st.LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}
	if _, ok := h.sink.find("engine:entry_rolled_back"); !ok {
		t.Fatalf("expected rollback alert")
	}
}

func TestCompensationFailureEscalates(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.deriv.setFail(func(exec.OrderRequest) error {
		return &exec.VenueError{Venue: exec.VenueDerivative, StatusCode: 400, Message: "insufficient margin"}
	})
	h.spot.setFail(func(req exec.OrderRequest) error {
		if req.Side == exec.SideSell {
			return &exec.VenueError{Venue: exec.VenueSpot, StatusCode: 400, Message: "market closed"}
		}
		return nil
	})
	h.market.push(2.5, 2.5)
	h.start(t, liveConfig())

	err := h.tick(t)
	if apperr.CodeOf(err) != apperr.CodeCompensationFailed {
		t.Fatalf("expected COMPENSATION_FAILED, got %v", err)
	}
	alert, ok := h.sink.find("engine:compensation_failed")
	if !ok || alert.Level != alerts.LevelCritical {
		t.Fatalf("expected critical compensation alert, got %+v", alert)
	}
	if got := h.e.Status().Engine.Position; got != strategy.PositionIdle {
		t.Fatalf("expected IDLE, got %s", got)
	}
	if len(h.spot.orders()) != 2 {
		t.Fatalf("expected one compensation attempt, got %d spot orders", len(h.spot.orders()))
	}

	h.deriv.setFail(nil)
	h.spot.setFail(nil)
	before := len(h.spot.orders())
	if err := h.tick(t); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	spot := h.spot.orders()
	if len(spot) != before+1 || spot[before].Side != exec.SideBuy {
		t.Fatalf("compensation must not be re-attempted; spot orders: %+v", spot[before:])
	}
}

func TestExitRollbackReopensShort(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.market.push(2.1, -0.5)
	h.start(t, liveConfig())
	if err := h.tick(t); err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	h.spot.setFail(func(req exec.OrderRequest) error {
		if req.Side == exec.SideSell {
			return &exec.VenueError{Venue: exec.VenueSpot, StatusCode: 400, Message: "rejected"}
		}
		return nil
	})

	err := h.tick(t)
	if apperr.CodeOf(err) != apperr.CodeLegFailed {
		t.Fatalf("expected LEG_FAILED, got %v", err)
	}
	deriv := h.deriv.orders()
	if len(deriv) != 3 {
		t.Fatalf("expected entry, cover and re-open, got %d derivative orders", len(deriv))
	}
	if deriv[2].Side != exec.SideSell || deriv[2].Amount != deriv[1].Amount || deriv[2].ReduceOnly {
		t.Fatalf("unexpected re-open order: %+v", deriv[2])
	}
	st := h.e.Status().Engine
	if st.Position != strategy.PositionEntered {
		t.Fatalf("expected ENTERED after exit rollback, got %s", st.Position)
	}
	if h.deriv.short != 0.1 {
		t.Fatalf("expected short restored to 0.1, got %v", h.deriv.short)
	}
}

func TestSnapshotErrorLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.market.push(2.1, errors.New("feed down"))
	h.start(t, liveConfig())
	if err := h.tick(t); err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	before := h.e.Status().Engine

	if err := h.tick(t); err == nil {
		t.Fatalf("expected snapshot error")
	}
	after := h.e.Status().Engine
	if after.Position != before.Position || after.TradeCount != before.TradeCount {
		t.Fatalf("snapshot error changed position state: %+v", after)
	}
	if after.LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}
	if len(h.spot.orders()) != 1 || len(h.deriv.orders()) != 1 {
		t.Fatalf("snapshot error must not place orders")
	}
}

func TestCooldownSkipsDecision(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	cfg := liveConfig()
	cfg.OrderCooldown = time.Minute
	h.market.push(2.1, -0.2, -0.2)
	h.start(t, cfg)
	if err := h.tick(t); err != nil {
		t.Fatalf("entry tick: %v", err)
	}

	h.clock.Advance(30 * time.Second)
	if err := h.tick(t); err != nil {
		t.Fatalf("cooldown tick: %v", err)
	}
	if got := h.e.Status().Engine.Position; got != strategy.PositionEntered {
		t.Fatalf("expected cooldown to hold ENTERED, got %s", got)
	}

	h.clock.Advance(time.Minute)
	if err := h.tick(t); err != nil {
		t.Fatalf("exit tick: %v", err)
	}
	if got := h.e.Status().Engine.Position; got != strategy.PositionIdle {
		t.Fatalf("expected IDLE after cooldown, got %s", got)
	}
}

func TestSafeModeSkipsLiveDecisions(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.market.push(2.1)
	h.start(t, liveConfig())
	for i := 0; i < 3; i++ {
		h.safety.RecordFailure("venue down")
	}
	if !h.safety.SafeMode() {
		t.Fatalf("expected safe mode")
	}
	if err := h.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	st := h.e.Status().Engine
	if st.Position != strategy.PositionIdle {
		t.Fatalf("expected IDLE in safe mode, got %s", st.Position)
	}
	if st.LastTickAt.IsZero() || st.LastPremium == nil {
		t.Fatalf("expected tick bookkeeping while in safe mode")
	}
	if !st.LastDecisionAt.IsZero() {
		t.Fatalf("expected no decision in safe mode")
	}
	if len(h.spot.orders()) != 0 {
		t.Fatalf("expected no orders in safe mode")
	}
}

func TestDryRunTradesWhileTripped(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.market.push(2.1, -0.2)
	for i := 0; i < 3; i++ {
		h.safety.RecordFailure("venue down")
	}
	h.start(t, dryConfig())
	for i := 0; i < 2; i++ {
		if err := h.tick(t); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	st := h.e.Status().Engine
	if st.TradeCount != 2 || st.Position != strategy.PositionIdle {
		t.Fatalf("expected dry-run round trip, got %+v", st)
	}
	if len(h.spot.orders()) != 0 || len(h.deriv.orders()) != 0 {
		t.Fatalf("dry run must not reach the venues")
	}
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	cfg := liveConfig()
	cfg.EntryThreshold = 1.0
	cfg.ExitThreshold = 1.0
	_, err := h.e.Start(context.Background(), cfg)
	if apperr.StatusFor(apperr.CodeOf(err)) != 400 {
		t.Fatalf("expected 400 for entry <= exit, got %v", err)
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	cfg = liveConfig()
	cfg.ExitPct = 0
	if _, err := h.e.Start(context.Background(), cfg); apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected validation error for exit pct, got %v", err)
	}
	if h.e.Status().Engine.Running {
		t.Fatalf("engine must not run after rejected start")
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.start(t, liveConfig())
	_, err := h.e.Start(context.Background(), liveConfig())
	if apperr.CodeOf(err) != apperr.CodeAlreadyRunning || apperr.StatusFor(apperr.CodeOf(err)) != 409 {
		t.Fatalf("expected 409 already running, got %v", err)
	}
}

func TestStartLiveRejectedWhileTripped(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	for i := 0; i < 3; i++ {
		h.safety.RecordFailure("venue down")
	}
	_, err := h.e.Start(context.Background(), liveConfig())
	if apperr.StatusFor(apperr.CodeOf(err)) != 423 {
		t.Fatalf("expected 423, got %v", err)
	}
	if _, err := h.e.Start(context.Background(), dryConfig()); err != nil {
		t.Fatalf("dry run should start while tripped: %v", err)
	}
}

func TestStartRejectedOnFollower(t *testing.T) {
	h := newHarness(t, harnessOpts{follower: true})
	_, err := h.e.Start(context.Background(), liveConfig())
	if apperr.CodeOf(err) != apperr.CodeNotLeader || apperr.StatusFor(apperr.CodeOf(err)) != 403 {
		t.Fatalf("expected 403 not leader, got %v", err)
	}
}

func TestStartRejectsInstrumentChangeWhileEntered(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.market.push(2.1)
	h.start(t, liveConfig())
	if err := h.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.e.Stop(context.Background(), "test")
	cfg := liveConfig()
	cfg.Symbol = "ETHUSDT"
	if _, err := h.e.Start(context.Background(), cfg); apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := h.e.Start(context.Background(), liveConfig()); err != nil {
		t.Fatalf("restart with same instrument: %v", err)
	}
}

func TestStopHaltsTicks(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.market.push(2.1)
	h.start(t, liveConfig())
	st := h.e.Stop(context.Background(), "maintenance")
	if st.Engine.Running || st.Engine.DesiredRunning {
		t.Fatalf("expected stopped engine, got %+v", st.Engine)
	}
	if st.Engine.StopReason != "maintenance" {
		t.Fatalf("unexpected stop reason %q", st.Engine.StopReason)
	}
	if err := h.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.market.callCount() != 0 {
		t.Fatalf("stopped engine must not poll the market")
	}
	snap, ok, err := state.LoadEngineSnapshot(context.Background(), h.store, "test")
	if err != nil || !ok {
		t.Fatalf("load snapshot: ok=%v err=%v", ok, err)
	}
	if snap.State.DesiredRunning {
		t.Fatalf("persisted state should not want to run")
	}
}

func TestTickInProgress(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.start(t, liveConfig())
	h.e.busy.Store(true)
	if err := h.tick(t); !errors.Is(err, ErrTickInProgress) {
		t.Fatalf("expected ErrTickInProgress, got %v", err)
	}
	h.e.busy.Store(false)
}

func TestCrashRecoveryResumesEnteredEngine(t *testing.T) {
	first := newHarness(t, harnessOpts{})
	first.market.push(2.1)
	first.start(t, liveConfig())
	if err := first.tick(t); err != nil {
		t.Fatalf("entry tick: %v", err)
	}

	// No Close: the process died with the hedge open.
	second := newHarness(t, harnessOpts{store: first.store, spot: first.spot, deriv: first.deriv})
	restored, err := second.e.Restore(context.Background())
	if err != nil || !restored {
		t.Fatalf("restore: restored=%v err=%v", restored, err)
	}
	st := second.e.Status().Engine
	if st.Position != strategy.PositionEntered || !st.Running {
		t.Fatalf("expected running ENTERED engine, got position=%s running=%v", st.Position, st.Running)
	}
	if st.OpenAmount != 0.1 {
		t.Fatalf("expected open amount 0.1, got %v", st.OpenAmount)
	}

	second.market.push(-0.2)
	if err := second.tick(t); err != nil {
		t.Fatalf("exit tick: %v", err)
	}
	if got := second.e.Status().Engine.Position; got != strategy.PositionIdle {
		t.Fatalf("expected IDLE after exit, got %s", got)
	}
}

func TestCloseKeepsDesiredRunning(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.start(t, liveConfig())
	if err := h.e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	snap, ok, err := state.LoadEngineSnapshot(context.Background(), h.store, "test")
	if err != nil || !ok {
		t.Fatalf("load snapshot: ok=%v err=%v", ok, err)
	}
	if !snap.State.DesiredRunning || snap.State.Running {
		t.Fatalf("expected desired_running without running, got %+v", snap.State)
	}
	if snap.Reason != "shutdown" {
		t.Fatalf("unexpected reason %q", snap.Reason)
	}
}

func TestRestoreRepairsPositionFromVenue(t *testing.T) {
	store := newMemStore()
	st := state.EngineState{
		ID:           "test",
		MarketType:   string(exec.MarketLinear),
		Symbol:       "BTCUSDT",
		SpotSymbol:   "KRW-BTC",
		MarginAsset:  "USDT",
		EntryPct:     50,
		ExitPct:      100,
		PremiumBasis: "usdt",
		Thresholds:   strategy.Thresholds{Entry: 2, Exit: 0},
		Position:     strategy.PositionEntered,
		PollInterval: time.Hour,
		OpenAmount:   0.1,
	}
	if err := state.SaveEngineSnapshot(context.Background(), store, state.EngineSnapshot{State: st, Reason: "tick"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	h := newHarness(t, harnessOpts{store: store})
	if _, err := h.e.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got := h.e.Status().Engine
	if got.Position != strategy.PositionIdle || got.OpenAmount != 0 {
		t.Fatalf("expected flat venue to repair to IDLE, got %+v", got)
	}
	if got.Running {
		t.Fatalf("engine without desired_running must stay stopped")
	}
	if _, ok := h.sink.find("engine:position_sync"); !ok {
		t.Fatalf("expected position sync alert")
	}
	if got.HedgeMode != string(exec.HedgeModeOneWay) {
		t.Fatalf("expected hedge mode resolved, got %q", got.HedgeMode)
	}
}

func TestSyncPositionFindsOpenShort(t *testing.T) {
	h := newHarness(t, harnessOpts{deriv: &fakeVenue{name: exec.VenueDerivative, balance: 10000, short: 0.25}})
	h.start(t, liveConfig())
	if err := h.e.SyncPosition(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	st := h.e.Status().Engine
	if st.Position != strategy.PositionEntered || st.OpenAmount != 0.25 {
		t.Fatalf("expected ENTERED with 0.25 open, got %s / %v", st.Position, st.OpenAmount)
	}
}

func TestExitWithFlatVenueRepairsWithoutOrders(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.market.push(2.1, -0.2)
	h.start(t, liveConfig())
	if err := h.tick(t); err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	h.deriv.mu.Lock()
	h.deriv.short = 0
	h.deriv.mu.Unlock()

	if err := h.tick(t); err != nil {
		t.Fatalf("exit tick: %v", err)
	}
	if got := h.e.Status().Engine.Position; got != strategy.PositionIdle {
		t.Fatalf("expected IDLE, got %s", got)
	}
	if len(h.deriv.orders()) != 1 {
		t.Fatalf("expected no exit orders on a flat venue, got %d", len(h.deriv.orders()))
	}
}

func TestLoopTicksUntilStopped(t *testing.T) {
	h := newHarness(t, harnessOpts{loop: true})
	h.market.push(1.0)
	cfg := liveConfig()
	cfg.PollInterval = 5 * time.Millisecond
	h.start(t, cfg)

	deadline := time.Now().Add(2 * time.Second)
	for h.market.callCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("loop did not tick, calls=%d", h.market.callCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.e.Stop(context.Background(), "test")
	if h.e.Status().Engine.Running {
		t.Fatalf("expected stopped engine")
	}
}

func TestTickRejectsSnapshotForAnotherAsset(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.market.push(3.0)
	h.start(t, liveConfig())
	h.market.mu.Lock()
	h.market.symbol = "ETH"
	h.market.mu.Unlock()

	err := h.tick(t)
	if !errors.Is(err, ErrSnapshotSymbol) {
		t.Fatalf("expected snapshot symbol error, got %v", err)
	}
	st := h.e.Status().Engine
	if st.Position != strategy.PositionIdle || st.LastError == "" {
		t.Fatalf("expected IDLE with recorded error, got %s / %q", st.Position, st.LastError)
	}
	if len(h.spot.orders()) != 0 || len(h.deriv.orders()) != 0 {
		t.Fatalf("expected no orders on a foreign snapshot")
	}
	if len(h.journal.decisions) != 0 {
		t.Fatalf("expected no decision, got %d", len(h.journal.decisions))
	}
}

func TestStartRejectsSymbolOutsideMarketFeed(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	cfg := liveConfig()
	cfg.Symbol = "ETHUSDT"
	_, err := h.e.Start(context.Background(), cfg)
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.e.Status().Engine.Running {
		t.Fatalf("engine must not run on an unserved symbol")
	}
}

func TestInverseStartDefaultsMarginToBaseAsset(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	cfg := liveConfig()
	cfg.MarketType = exec.MarketInverse
	cfg.Symbol = "BTCUSD"
	st, err := h.e.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st.Engine.MarginAsset != "BTC" {
		t.Fatalf("expected BTC margin for inverse, got %q", st.Engine.MarginAsset)
	}
}

func TestPartialExitStaysIdleAcrossRestart(t *testing.T) {
	first := newHarness(t, harnessOpts{})
	first.market.push(2.1, -0.5)
	cfg := liveConfig()
	cfg.EntryPct = 50
	cfg.ExitPct = 50
	first.start(t, cfg)
	for i := 0; i < 2; i++ {
		if err := first.tick(t); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	st := first.e.Status().Engine
	if st.Position != strategy.PositionIdle || st.OpenAmount != 0.05 {
		t.Fatalf("expected IDLE with 0.05 residual, got %s / %v", st.Position, st.OpenAmount)
	}

	second := newHarness(t, harnessOpts{store: first.store, spot: first.spot, deriv: first.deriv})
	if _, err := second.e.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got := second.e.Status().Engine
	if got.Position != strategy.PositionIdle || got.OpenAmount != 0.05 {
		t.Fatalf("expected restart to keep IDLE with residual, got %s / %v", got.Position, got.OpenAmount)
	}
	if _, ok := second.sink.find("engine:position_sync"); ok {
		t.Fatalf("residual short must not trigger a position repair")
	}

	// A short beyond the residual means an entry the store never saw.
	second.deriv.mu.Lock()
	second.deriv.short = 0.15
	second.deriv.mu.Unlock()
	if err := second.e.SyncPosition(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := second.e.Status().Engine.Position; got != strategy.PositionEntered {
		t.Fatalf("expected ENTERED for an unexplained short, got %s", got)
	}
}
