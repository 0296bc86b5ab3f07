package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const snapshotPath = "/v1/snapshot"

type HTTPOptions struct {
	BaseURL       string
	Symbol        string
	Timeout       time.Duration
	RatePerSecond float64
	MaxAge        time.Duration
	Client        *http.Client
	Log           *zap.Logger
	Now           func() time.Time
}

// HTTPProvider polls a market data service for combined snapshots.
type HTTPProvider struct {
	baseURL string
	symbol  string
	maxAge  time.Duration
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time

	mu   sync.RWMutex
	last Snapshot
}

func NewHTTPProvider(opts HTTPOptions) *HTTPProvider {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		symbol:  opts.Symbol,
		maxAge:  opts.MaxAge,
		http:    client,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
		now:     now,
	}
}

func (p *HTTPProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Snapshot{}, err
	}
	endpoint := p.baseURL + snapshotPath
	if p.symbol != "" {
		endpoint += "?symbol=" + url.QueryEscape(p.symbol)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Snapshot{}, fmt.Errorf("market snapshot: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload map[string]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return Snapshot{}, err
	}
	snap, err := parseSnapshot(payload)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = p.now()
	}
	if p.maxAge > 0 && p.now().Sub(snap.Timestamp) > p.maxAge {
		return Snapshot{}, fmt.Errorf("%w: taken at %s", ErrStale, snap.Timestamp.Format(time.RFC3339))
	}
	if snap.Symbol == "" {
		snap.Symbol = p.symbol
	}
	p.mu.Lock()
	p.last = snap
	p.mu.Unlock()
	p.log.Debug("market snapshot",
		zap.Float64("domestic", snap.DomesticPrice),
		zap.Float64("offshore", snap.OffshorePrice),
		zap.Time("timestamp", snap.Timestamp),
	)
	return snap, nil
}

// Last returns the most recent successfully fetched snapshot.
func (p *HTTPProvider) Last() (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, !p.last.Timestamp.IsZero()
}

func parseSnapshot(payload map[string]any) (Snapshot, error) {
	if data, ok := toMap(payload["data"]); ok {
		payload = data
	}
	snap := Snapshot{
		Timestamp:     timeFromAny(firstOf(payload, "timestamp", "ts", "time")),
		Symbol:        stringFromMap(payload, "symbol", "asset"),
		DomesticPrice: floatFromMap(payload, "domestic_price", "domesticPrice", "domestic"),
		OffshorePrice: floatFromMap(payload, "offshore_price", "offshorePrice", "offshore"),
		FXRates:       floatMap(firstOf(payload, "fx_rates", "fxRates", "rates")),
		Premiums:      floatMap(firstOf(payload, "premiums", "premium")),
	}
	if snap.DomesticPrice <= 0 || snap.OffshorePrice <= 0 {
		return Snapshot{}, errors.New("market snapshot missing prices")
	}
	if len(snap.FXRates) == 0 && len(snap.Premiums) == 0 {
		return Snapshot{}, errors.New("market snapshot missing fx rates and premiums")
	}
	return snap, nil
}
