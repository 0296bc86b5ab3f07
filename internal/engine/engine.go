// Package engine runs the premium decision loop and the two-leg hedge
// protocol for a single engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"premium-hedge-bot/internal/alerts"
	"premium-hedge-bot/internal/apperr"
	"premium-hedge-bot/internal/exec"
	"premium-hedge-bot/internal/journal"
	"premium-hedge-bot/internal/market"
	"premium-hedge-bot/internal/metrics"
	"premium-hedge-bot/internal/safety"
	"premium-hedge-bot/internal/state"
	"premium-hedge-bot/internal/strategy"

	"go.uber.org/zap"
)

const (
	persistTimeout = 5 * time.Second
	alertTimeout   = 5 * time.Second

	residualTolerance = 1e-9
)

// ErrTickInProgress is returned by Tick when another tick holds the engine.
var ErrTickInProgress = errors.New("tick already in progress")

// Journal receives the audit trail. *journal.Writer satisfies it.
type Journal interface {
	RecordDecision(journal.Decision)
	RecordOrder(journal.Order)
}

type Deps struct {
	ID         string
	Gateway    *exec.Gateway
	Market     market.Provider
	Store      state.Store
	Alerts     alerts.Sink
	Journal    Journal
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	Now        func() time.Time
	Leader     bool
	Instrument exec.Instrument
	// MarketSymbol is the asset the market provider serves. Start rejects
	// configs for any other asset when it is set.
	MarketSymbol string
	// Defaults fill zero fields of a Start config.
	Defaults Config
}

type Status struct {
	Engine state.EngineState `json:"engine"`
	Safety safety.Snapshot   `json:"safety"`
	Leader bool              `json:"leader"`
	Busy   bool              `json:"busy"`
}

type Engine struct {
	id         string
	gateway    *exec.Gateway
	safety     *safety.State
	market     market.Provider
	store      state.Store
	alerts     alerts.Sink
	journal    Journal
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time
	leader     bool
	instrument exec.Instrument
	feed       string
	defaults   Config

	ctx    context.Context
	cancel context.CancelFunc

	busy      atomic.Bool
	persistMu sync.Mutex

	mu       sync.Mutex
	st       state.EngineState
	sm       *strategy.StateMachine
	loopStop chan struct{}
	loopDone chan struct{}
	// manual disables the timer loop; ticks are driven by calling Tick.
	manual bool
}

func New(deps Deps) (*Engine, error) {
	if deps.Gateway == nil {
		return nil, errors.New("engine requires an order gateway")
	}
	if deps.Market == nil {
		return nil, errors.New("engine requires a market provider")
	}
	id := deps.ID
	if id == "" {
		id = "default"
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	sink := deps.Alerts
	if sink == nil {
		sink = alerts.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:         id,
		gateway:    deps.Gateway,
		safety:     deps.Gateway.Safety(),
		market:     deps.Market,
		store:      deps.Store,
		alerts:     sink,
		journal:    deps.Journal,
		metrics:    metrics.OrNoop(deps.Metrics),
		log:        log.With(zap.String("engine", id)),
		now:        now,
		leader:     deps.Leader,
		instrument: deps.Instrument,
		feed:       strings.ToUpper(strings.TrimSpace(deps.MarketSymbol)),
		defaults:   deps.Defaults,
		ctx:        ctx,
		cancel:     cancel,
		sm:         strategy.NewStateMachine(),
	}
	e.st = state.EngineState{
		ID:        id,
		Position:  strategy.PositionIdle,
		HedgeMode: string(exec.HedgeModeUnknown),
	}
	e.safety.SetListener(e)
	return e, nil
}

func (e *Engine) ID() string {
	return e.id
}

func (e *Engine) Leader() bool {
	return e.leader
}

// Start validates cfg and launches the loop.
func (e *Engine) Start(ctx context.Context, cfg Config) (Status, error) {
	if !e.leader {
		return e.Status(), apperr.New(apperr.CodeNotLeader, "this replica is not the leader")
	}
	cfg = cfg.withDefaults(e.defaults)
	if err := cfg.Validate(); err != nil {
		return e.Status(), apperr.Wrap(apperr.CodeValidation, err.Error(), err)
	}
	if e.feed != "" && !sameAsset(e.feed, cfg.Symbol) {
		return e.Status(), apperr.Newf(apperr.CodeValidation, "market feed serves %s, not %s", e.feed, cfg.Symbol)
	}

	e.mu.Lock()
	if e.st.Running {
		e.mu.Unlock()
		return e.Status(), apperr.New(apperr.CodeAlreadyRunning, "engine is already running")
	}
	if !cfg.DryRun && e.safety.SafeMode() {
		e.mu.Unlock()
		return e.Status(), apperr.New(apperr.CodeSafetyTripped, "safety breaker is tripped; reset before starting a live engine")
	}
	if e.st.Position == strategy.PositionEntered && e.st.Symbol != "" &&
		(e.st.Symbol != cfg.Symbol || e.st.MarketType != string(cfg.MarketType) || e.st.DryRun != cfg.DryRun) {
		held := e.st.Symbol
		e.mu.Unlock()
		return e.Status(), apperr.Newf(apperr.CodeValidation, "engine holds an open %s position; exit it before changing instrument or mode", held)
	}
	cfg.applyTo(&e.st)
	now := e.now()
	e.st.DesiredRunning = true
	e.st.Running = true
	e.st.StartedAt = now
	e.st.StopReason = ""
	e.startLoopLocked()
	e.mu.Unlock()

	e.persist("start")
	e.log.Info("engine started",
		zap.String("symbol", cfg.Symbol),
		zap.String("market_type", string(cfg.MarketType)),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Float64("entry_threshold", cfg.EntryThreshold),
		zap.Float64("exit_threshold", cfg.ExitThreshold),
	)
	e.notify(ctx, alerts.Alert{Key: "engine:start", Level: alerts.LevelInfo, Text: fmt.Sprintf("Engine %s started on %s (dry_run=%t)", e.id, cfg.Symbol, cfg.DryRun)})
	return e.Status(), nil
}

// Stop halts the loop. A tick already in flight finishes and records
// its outcome.
func (e *Engine) Stop(ctx context.Context, reason string) Status {
	if reason == "" {
		reason = "operator"
	}
	e.mu.Lock()
	wasRunning := e.st.Running
	e.stopLoopLocked()
	e.st.DesiredRunning = false
	e.st.Running = false
	if wasRunning {
		e.st.StoppedAt = e.now()
		e.st.StopReason = reason
	}
	e.mu.Unlock()

	e.persist("stop")
	if wasRunning {
		e.log.Info("engine stopped", zap.String("reason", reason))
		e.notify(ctx, alerts.Alert{Key: "engine:stop", Level: alerts.LevelInfo, Text: fmt.Sprintf("Engine %s stopped: %s", e.id, reason)})
	}
	return e.Status()
}

// Close stops the loop for process shutdown without clearing the intent
// to run, so Restore resumes the engine on the next boot.
func (e *Engine) Close() error {
	e.mu.Lock()
	done := e.loopDone
	wasRunning := e.st.Running
	e.stopLoopLocked()
	e.st.Running = false
	if wasRunning {
		e.st.StoppedAt = e.now()
		e.st.StopReason = "shutdown"
	}
	e.mu.Unlock()
	if done != nil {
		<-done
	}
	e.cancel()
	e.persist("shutdown")
	return nil
}

// Restore loads the persisted engine state, repairs the position from the
// venue and resumes the loop when the engine was meant to be running.
func (e *Engine) Restore(ctx context.Context) (bool, error) {
	snap, ok, err := state.LoadEngineSnapshot(ctx, e.store, e.id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	e.st = snap.State
	e.st.ID = e.id
	e.st.Running = false
	e.sm.SetState(e.st.Position)
	e.st.Position = e.sm.State()
	mode := exec.ParseHedgeMode(e.st.HedgeMode)
	e.st.HedgeMode = string(mode)
	st := e.st
	e.mu.Unlock()
	e.gateway.SetHedgeMode(mode)

	e.log.Info("engine state restored",
		zap.String("reason", snap.Reason),
		zap.Time("written_at", snap.WrittenAt),
		zap.String("position", string(st.Position)),
		zap.Bool("desired_running", st.DesiredRunning),
	)
	if st.Symbol == "" {
		return true, nil
	}
	if err := e.SyncPosition(ctx); err != nil {
		e.recordError(err)
		e.persist("restore")
		return true, fmt.Errorf("position sync: %w", err)
	}
	if !st.DesiredRunning {
		e.persist("restore")
		return true, nil
	}
	if !e.leader {
		e.log.Info("not resuming engine on follower replica")
		e.persist("restore")
		return true, nil
	}
	if _, err := e.Start(ctx, configFromState(st)); err != nil {
		return true, fmt.Errorf("resume: %w", err)
	}
	return true, nil
}

// SyncPosition repairs the position state from the derivative venue:
// an open short means ENTERED, flat means IDLE. A short no larger than
// the remainder of a completed partial exit stays IDLE. Dry-run engines
// keep their persisted state.
func (e *Engine) SyncPosition(ctx context.Context) error {
	e.mu.Lock()
	symbol := e.st.Symbol
	dryRun := e.st.DryRun
	e.mu.Unlock()
	if dryRun || symbol == "" {
		return nil
	}
	mode := e.gateway.HedgeMode(ctx)
	pos, err := e.gateway.DerivativePosition(ctx, symbol)
	if err != nil {
		return err
	}
	short := pos.ShortAmount()

	e.mu.Lock()
	before := e.st.Position
	if short > 0 && e.residualAfterExitLocked(short) {
		e.st.OpenAmount = short
	} else if short > 0 {
		e.sm.SetState(strategy.PositionEntered)
		e.st.OpenAmount = short
	} else {
		e.sm.SetState(strategy.PositionIdle)
		e.st.OpenAmount = 0
		e.st.OpenSpotAmount = 0
	}
	e.st.Position = e.sm.State()
	e.st.HedgeMode = string(mode)
	after := e.st.Position
	e.mu.Unlock()

	e.persist("position_sync")
	if before != after {
		e.log.Warn("position state repaired from venue",
			zap.String("persisted", string(before)),
			zap.String("venue", string(after)),
			zap.Float64("short", short),
		)
		e.notify(ctx, alerts.Alert{
			Key:   "engine:position_sync",
			Level: alerts.LevelWarning,
			Text:  fmt.Sprintf("Engine %s position repaired from %s to %s (venue short %.8f)", e.id, before, after, short),
		})
	}
	return nil
}

// residualAfterExitLocked reports whether a venue short is what a
// completed partial exit left behind.
func (e *Engine) residualAfterExitLocked(short float64) bool {
	if e.st.Position != strategy.PositionIdle || e.st.LastAction != strategy.ActionExit {
		return false
	}
	return short <= e.st.OpenAmount*(1+residualTolerance)
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	st := e.st
	e.mu.Unlock()
	return Status{
		Engine: st,
		Safety: e.safety.Snapshot(),
		Leader: e.leader,
		Busy:   e.busy.Load(),
	}
}

// ResetSafety clears the breaker.
func (e *Engine) ResetSafety(reason string) safety.Snapshot {
	if reason == "" {
		reason = "manual reset"
	}
	return e.safety.Reset(reason)
}

func (e *Engine) Tripped(snap safety.Snapshot) {
	e.metrics.SafetyTripped.Inc()
	e.log.Error("safety breaker tripped",
		zap.Int("consecutive_failures", snap.ConsecutiveFailures),
		zap.String("last_failure", snap.LastFailure),
	)
	go e.notify(e.ctx, alerts.Alert{
		Key:   "safety:tripped",
		Level: alerts.LevelCritical,
		Text:  fmt.Sprintf("Safety breaker tripped after %d consecutive failures: %s", snap.ConsecutiveFailures, snap.LastFailure),
	})
}

func (e *Engine) Restored(snap safety.Snapshot) {
	e.metrics.SafetyRestored.Inc()
	e.log.Info("safety breaker reset", zap.String("reason", snap.LastResetReason))
	go e.notify(e.ctx, alerts.Alert{
		Key:   "safety:restored",
		Level: alerts.LevelInfo,
		Text:  fmt.Sprintf("Safety breaker reset: %s", snap.LastResetReason),
	})
}

func (e *Engine) startLoopLocked() {
	if e.manual {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	e.loopStop = stop
	e.loopDone = done
	go e.loop(stop, done)
}

func (e *Engine) stopLoopLocked() {
	if e.loopStop != nil {
		close(e.loopStop)
		e.loopStop = nil
	}
}

// loop re-arms its timer only after a tick completes, so a slow tick
// delays the next one instead of piling up.
func (e *Engine) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-e.ctx.Done():
			return
		case <-timer.C:
			if err := e.Tick(e.ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
				e.log.Warn("tick failed", zap.Error(err))
			}
			timer.Reset(e.pollInterval())
		}
	}
}

func (e *Engine) pollInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.PollInterval > 0 {
		return e.st.PollInterval
	}
	return time.Second
}

func (e *Engine) persist(reason string) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.mu.Lock()
	snap := state.EngineSnapshot{State: e.st, Reason: reason, WrittenAt: e.now()}
	e.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := state.SaveEngineSnapshot(ctx, e.store, snap); err != nil {
		e.log.Error("engine state persist failed", zap.String("reason", reason), zap.Error(err))
	}
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.st.LastError = err.Error()
	e.st.LastErrorAt = e.now()
	e.mu.Unlock()
}

func (e *Engine) notify(ctx context.Context, alert alerts.Alert) {
	if alert.At.IsZero() {
		alert.At = e.now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	if err := e.alerts.Send(ctx, alert); err != nil {
		e.log.Warn("alert send failed", zap.String("key", alert.Key), zap.Error(err))
	}
}
