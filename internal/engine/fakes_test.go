package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"premium-hedge-bot/internal/alerts"
	"premium-hedge-bot/internal/exec"
	"premium-hedge-bot/internal/journal"
	"premium-hedge-bot/internal/market"
	"premium-hedge-bot/internal/safety"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

// scriptedMarket returns one queued premium (or error) per call and
// repeats the last entry once the script runs out.
type scriptedMarket struct {
	mu     sync.Mutex
	script []any
	calls  int
	price  float64
	symbol string
}

func (m *scriptedMarket) push(values ...any) {
	m.mu.Lock()
	m.script = append(m.script, values...)
	m.mu.Unlock()
}

func (m *scriptedMarket) Snapshot(context.Context) (market.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.script) == 0 {
		return market.Snapshot{}, errors.New("no market data")
	}
	next := m.script[0]
	if len(m.script) > 1 {
		m.script = m.script[1:]
	}
	if err, ok := next.(error); ok {
		return market.Snapshot{}, err
	}
	premium := next.(float64)
	return market.Snapshot{
		Timestamp:     time.Now().UTC(),
		Symbol:        m.symbol,
		DomesticPrice: 70000000,
		OffshorePrice: m.price,
		FXRates:       map[string]float64{"usdt": 1400},
		Premiums:      map[string]float64{"usdt": premium},
	}, nil
}

func (m *scriptedMarket) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakeVenue struct {
	name string

	mu      sync.Mutex
	calls   []exec.OrderRequest
	fail    func(exec.OrderRequest) error
	balance float64
	short   float64
	n       int
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) PlaceOrder(_ context.Context, req exec.OrderRequest) (exec.Ack, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, req)
	if v.fail != nil {
		if err := v.fail(req); err != nil {
			return exec.Ack{}, err
		}
	}
	if v.name == exec.VenueDerivative {
		if req.Side == exec.SideSell {
			v.short += req.Amount
		} else {
			v.short -= req.Amount
			if v.short < 1e-12 {
				v.short = 0
			}
		}
	}
	v.n++
	return exec.Ack{OrderID: fmt.Sprintf("%s-%d", v.name, v.n), Status: "filled", FilledAmount: req.Amount}, nil
}

func (v *fakeVenue) FreeBalance(context.Context, string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance, nil
}

func (v *fakeVenue) Position(_ context.Context, symbol string) (exec.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return exec.Position{Symbol: symbol, Amount: -v.short}, nil
}

func (v *fakeVenue) PositionMode(context.Context) (exec.HedgeMode, error) {
	return exec.HedgeModeOneWay, nil
}

func (v *fakeVenue) orders() []exec.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]exec.OrderRequest(nil), v.calls...)
}

func (v *fakeVenue) setFail(fn func(exec.OrderRequest) error) {
	v.mu.Lock()
	v.fail = fn
	v.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (r *recordingSink) Send(_ context.Context, a alerts.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingSink) find(key string) (alerts.Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if a.Key == key {
			return a, true
		}
	}
	return alerts.Alert{}, false
}

type recordingJournal struct {
	mu        sync.Mutex
	decisions []journal.Decision
	orders    []journal.Order
}

func (r *recordingJournal) RecordDecision(d journal.Decision) {
	r.mu.Lock()
	r.decisions = append(r.decisions, d)
	r.mu.Unlock()
}

func (r *recordingJournal) RecordOrder(o journal.Order) {
	r.mu.Lock()
	r.orders = append(r.orders, o)
	r.mu.Unlock()
}

type harness struct {
	e       *Engine
	market  *scriptedMarket
	spot    *fakeVenue
	deriv   *fakeVenue
	store   *memStore
	sink    *recordingSink
	journal *recordingJournal
	clock   *fakeClock
	safety  *safety.State
}

type harnessOpts struct {
	store    *memStore
	spot     *fakeVenue
	deriv    *fakeVenue
	follower bool
	loop     bool
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	h := &harness{
		market:  &scriptedMarket{price: 50000, symbol: "BTC"},
		spot:    opts.spot,
		deriv:   opts.deriv,
		store:   opts.store,
		sink:    &recordingSink{},
		journal: &recordingJournal{},
		clock:   &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		safety:  safety.New(3),
	}
	if h.spot == nil {
		h.spot = &fakeVenue{name: exec.VenueSpot}
	}
	if h.deriv == nil {
		h.deriv = &fakeVenue{name: exec.VenueDerivative, balance: 10000}
	}
	if h.store == nil {
		h.store = newMemStore()
	}
	gw := exec.NewGateway(exec.Options{
		Spot:       h.spot,
		Derivative: h.deriv,
		Safety:     h.safety,
		Attempts:   2,
		Now:        h.clock.Now,
	})
	e, err := New(Deps{
		ID:           "test",
		Gateway:      gw,
		Market:       h.market,
		Store:        h.store,
		Alerts:       h.sink,
		Journal:      h.journal,
		Now:          h.clock.Now,
		Leader:       !opts.follower,
		Instrument:   exec.Instrument{DerivativeStep: 0.001},
		MarketSymbol: "BTC",
		Defaults: Config{
			MarginAsset:  "USDT",
			PremiumBasis: "usdt",
			PollInterval: time.Hour,
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.manual = !opts.loop
	t.Cleanup(func() { _ = e.Close() })
	h.e = e
	return h
}

func liveConfig() Config {
	return Config{
		MarketType:     exec.MarketLinear,
		Symbol:         "BTCUSDT",
		SpotSymbol:     "KRW-BTC",
		EntryPct:       50,
		ExitPct:        100,
		EntryThreshold: 2.0,
		ExitThreshold:  0.0,
	}
}

func dryConfig() Config {
	cfg := liveConfig()
	cfg.DryRun = true
	cfg.PaperBalance = 10000
	return cfg
}

func (h *harness) start(t *testing.T, cfg Config) {
	t.Helper()
	if _, err := h.e.Start(context.Background(), cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func (h *harness) tick(t *testing.T) error {
	t.Helper()
	return h.e.Tick(context.Background())
}
