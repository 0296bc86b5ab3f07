package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"premium-hedge-bot/internal/metrics"
	"premium-hedge-bot/internal/safety"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrUnknownVenue = errors.New("unknown venue")

type Options struct {
	Spot       SpotVenue
	Derivative DerivativeVenue
	Safety     *safety.State
	Attempts   int
	Delay      time.Duration
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	Now        func() time.Time
	NewID      func() string
}

// Gateway submits orders to the spot and derivative venues behind the
// safety gate with bounded retry.
type Gateway struct {
	spot       SpotVenue
	derivative DerivativeVenue
	safety     *safety.State
	attempts   int
	delay      time.Duration
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time
	newID      func() string

	mu        sync.Mutex
	hedgeMode HedgeMode
}

func NewGateway(opts Options) *Gateway {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sf := opts.Safety
	if sf == nil {
		sf = safety.New(1)
	}
	return &Gateway{
		spot:       opts.Spot,
		derivative: opts.Derivative,
		safety:     sf,
		attempts:   attempts,
		delay:      opts.Delay,
		metrics:    metrics.OrNoop(opts.Metrics),
		log:        log,
		now:        now,
		newID:      newID,
		hedgeMode:  HedgeModeUnknown,
	}
}

func (g *Gateway) Safety() *safety.State {
	return g.safety
}

// Submit places one order. The safety gate runs before any network call;
// the final outcome of a live order is reported to the safety state.
func (g *Gateway) Submit(ctx context.Context, req OrderRequest) (OrderResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return OrderResult{}, err
	}
	venue, err := g.venue(req.Venue)
	if err != nil {
		return OrderResult{}, err
	}
	if err := g.safety.Allow(req.DryRun, req.Override); err != nil {
		return OrderResult{}, err
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = g.newID()
	}
	if req.DryRun {
		return g.simulate(req), nil
	}

	if req.Venue == VenueDerivative && req.PositionSide == "" {
		mode := g.HedgeMode(ctx)
		ack, attempts, err := g.place(ctx, venue, withMode(req, mode))
		if err != nil && IsPositionSideMismatch(err) {
			alt := mode.Alternate()
			g.log.Warn("position side rejected, retrying in alternate mode",
				zap.String("mode", string(mode)),
				zap.String("alternate", string(alt)),
				zap.String("client_order_id", req.ClientOrderID),
			)
			var more int
			ack, more, err = g.place(ctx, venue, withMode(req, alt))
			attempts += more
			if err == nil {
				g.SetHedgeMode(alt)
			}
		}
		return g.finish(withMode(req, g.currentMode(mode)), ack, attempts, err)
	}
	ack, attempts, err := g.place(ctx, venue, req)
	return g.finish(req, ack, attempts, err)
}

// HedgeMode resolves the derivative position mode once and caches it.
// A failed query leaves the mode unknown so the next call asks again.
func (g *Gateway) HedgeMode(ctx context.Context) HedgeMode {
	g.mu.Lock()
	mode := g.hedgeMode
	g.mu.Unlock()
	if mode != HedgeModeUnknown || g.derivative == nil {
		return mode
	}
	resolved, _, err := retry(ctx, g.attempts, g.delay, func() (HedgeMode, error) {
		return g.derivative.PositionMode(ctx)
	})
	if err != nil {
		g.log.Warn("position mode query failed", zap.Error(err))
		return HedgeModeUnknown
	}
	g.SetHedgeMode(resolved)
	return resolved
}

func (g *Gateway) SetHedgeMode(mode HedgeMode) {
	g.mu.Lock()
	g.hedgeMode = mode
	g.mu.Unlock()
}

func (g *Gateway) currentMode(fallback HedgeMode) HedgeMode {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hedgeMode == HedgeModeUnknown {
		return fallback
	}
	return g.hedgeMode
}

func (g *Gateway) FreeBalance(ctx context.Context, venueName, asset string) (float64, error) {
	venue, err := g.venue(venueName)
	if err != nil {
		return 0, err
	}
	balance, _, err := retry(ctx, g.attempts, g.delay, func() (float64, error) {
		return venue.FreeBalance(ctx, asset)
	})
	if err != nil {
		return 0, fmt.Errorf("%s balance %s: %w", venueName, asset, err)
	}
	return balance, nil
}

func (g *Gateway) DerivativePosition(ctx context.Context, symbol string) (Position, error) {
	if g.derivative == nil {
		return Position{}, fmt.Errorf("%w: %s", ErrUnknownVenue, VenueDerivative)
	}
	pos, _, err := retry(ctx, g.attempts, g.delay, func() (Position, error) {
		return g.derivative.Position(ctx, symbol)
	})
	if err != nil {
		return Position{}, fmt.Errorf("derivative position %s: %w", symbol, err)
	}
	return pos, nil
}

func (g *Gateway) venue(name string) (SpotVenue, error) {
	switch name {
	case VenueSpot:
		if g.spot != nil {
			return g.spot, nil
		}
	case VenueDerivative:
		if g.derivative != nil {
			return g.derivative, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownVenue, name)
}

func (g *Gateway) place(ctx context.Context, venue SpotVenue, req OrderRequest) (Ack, int, error) {
	ack, attempts, err := retry(ctx, g.attempts, g.delay, func() (Ack, error) {
		return venue.PlaceOrder(ctx, req)
	})
	for i := 1; i < attempts; i++ {
		g.metrics.OrdersRetried.Inc()
	}
	if err == nil && ack.OrderID == "" {
		err = errors.New("empty order id")
	}
	return ack, attempts, err
}

func (g *Gateway) finish(req OrderRequest, ack Ack, attempts int, err error) (OrderResult, error) {
	result := g.result(req, attempts)
	if err != nil {
		g.metrics.OrdersFailed.Inc()
		msg := fmt.Sprintf("%s %s %s: %v", req.Venue, req.Side, req.Symbol, err)
		if g.safety.RecordFailure(msg) {
			g.log.Error("safety breaker tripped", zap.String("last_failure", msg))
		}
		g.log.Warn("order failed",
			zap.String("venue", req.Venue),
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.Float64("amount", req.Amount),
			zap.Int("attempts", attempts),
			zap.Bool("override", req.Override),
			zap.Error(err),
		)
		result.Status = "failed"
		return result, fmt.Errorf("%s order %s: %w", req.Venue, req.ClientOrderID, err)
	}
	result.OrderID = ack.OrderID
	result.Status = ack.Status
	if result.Status == "" {
		result.Status = "accepted"
	}
	result.FilledAmount = ack.FilledAmount
	result.AvgPrice = ack.AvgPrice
	g.metrics.OrdersPlaced.Inc()
	g.safety.RecordSuccess(fmt.Sprintf("%s %s %s %s", req.Venue, req.Side, req.Symbol, ack.OrderID))
	g.log.Info("order placed",
		zap.String("venue", req.Venue),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("amount", req.Amount),
		zap.String("order_id", ack.OrderID),
		zap.String("client_order_id", req.ClientOrderID),
		zap.Int("attempts", attempts),
	)
	return result, nil
}

func (g *Gateway) simulate(req OrderRequest) OrderResult {
	result := g.result(req, 0)
	result.OrderID = "dry-" + req.ClientOrderID
	result.Status = "simulated"
	result.FilledAmount = req.Amount
	result.AvgPrice = req.Price
	if result.AvgPrice == 0 && req.Context != nil {
		if req.Venue == VenueSpot {
			result.AvgPrice = req.Context.DomesticPrice
		} else {
			result.AvgPrice = req.Context.OffshorePrice
		}
	}
	g.log.Info("dry-run order",
		zap.String("venue", req.Venue),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("amount", req.Amount),
	)
	return result
}

func (g *Gateway) result(req OrderRequest, attempts int) OrderResult {
	return OrderResult{
		ClientOrderID: req.ClientOrderID,
		Venue:         req.Venue,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Amount:        req.Amount,
		ReduceOnly:    req.ReduceOnly,
		PositionSide:  req.PositionSide,
		DryRun:        req.DryRun,
		Attempts:      attempts,
		SubmittedAt:   g.now(),
		Context:       req.Context,
	}
}

// withMode fills in the position side for a short-hedge order. In hedge
// mode the venue rejects reduce-only, so the side carries the intent.
func withMode(req OrderRequest, mode HedgeMode) OrderRequest {
	if mode != HedgeModeHedge {
		return req
	}
	req.PositionSide = PositionSideShort
	req.ReduceOnly = false
	return req
}

// retry runs fn with the failsafe retry policy and returns the number of
// attempts made. Only transient errors are retried.
func retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, int, error) {
	builder := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			return IsTransient(err)
		}).
		WithMaxAttempts(attempts).
		ReturnLastFailure()
	if delay > 0 {
		builder = builder.WithDelay(delay)
	}
	count := 0
	out, err := failsafe.With[T](builder.Build()).WithContext(ctx).Get(func() (T, error) {
		count++
		return fn()
	})
	return out, count, err
}
