// Package venue is a narrow REST adapter for the spot and derivative venues.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"premium-hedge-bot/internal/config"
	"premium-hedge-bot/internal/exec"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Client struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	signer  *signer
	log     *zap.Logger
	now     func() time.Time
}

func New(cfg config.VenueConfig, log *zap.Logger) *Client {
	return newClient(cfg, log, &http.Client{Timeout: cfg.Timeout})
}

func newClient(cfg config.VenueConfig, log *zap.Logger, httpClient *http.Client) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		signer:  newSigner(cfg.APIKey, cfg.APISecret),
		log:     log.With(zap.String("venue", cfg.Name)),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) Name() string {
	return c.name
}

type orderPayload struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	Price         string `json:"price,omitempty"`
	ReduceOnly    bool   `json:"reduce_only,omitempty"`
	TimeInForce   string `json:"time_in_force,omitempty"`
	PositionSide  string `json:"position_side,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type orderResponse struct {
	OrderID      string          `json:"order_id"`
	Status       string          `json:"status"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
}

func (c *Client) PlaceOrder(ctx context.Context, req exec.OrderRequest) (exec.Ack, error) {
	payload := orderPayload{
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Type:          string(req.Type),
		Amount:        decimal.NewFromFloat(req.Amount).String(),
		ReduceOnly:    req.ReduceOnly,
		TimeInForce:   req.TimeInForce,
		PositionSide:  string(req.PositionSide),
		ClientOrderID: req.ClientOrderID,
	}
	if req.Price > 0 {
		payload.Price = decimal.NewFromFloat(req.Price).String()
	}
	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/v1/orders", payload, &resp); err != nil {
		return exec.Ack{}, err
	}
	return exec.Ack{
		OrderID:      resp.OrderID,
		Status:       resp.Status,
		FilledAmount: resp.FilledAmount.InexactFloat64(),
		AvgPrice:     resp.AvgPrice.InexactFloat64(),
	}, nil
}

func (c *Client) FreeBalance(ctx context.Context, asset string) (float64, error) {
	var resp struct {
		Asset string          `json:"asset"`
		Free  decimal.Decimal `json:"free"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/balances/"+url.PathEscape(asset), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Free.InexactFloat64(), nil
}

func (c *Client) Position(ctx context.Context, symbol string) (exec.Position, error) {
	var resp struct {
		Symbol     string          `json:"symbol"`
		Amount     decimal.Decimal `json:"amount"`
		Side       string          `json:"side"`
		EntryPrice decimal.Decimal `json:"entry_price"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/positions/"+url.PathEscape(symbol), nil, &resp); err != nil {
		return exec.Position{}, err
	}
	return exec.Position{
		Symbol:     resp.Symbol,
		Amount:     resp.Amount.InexactFloat64(),
		Side:       exec.PositionSide(strings.ToUpper(resp.Side)),
		EntryPrice: resp.EntryPrice.InexactFloat64(),
	}, nil
}

func (c *Client) PositionMode(ctx context.Context) (exec.HedgeMode, error) {
	var resp struct {
		Mode      string `json:"mode"`
		DualSided *bool  `json:"dual_side_position"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/position-mode", nil, &resp); err != nil {
		return exec.HedgeModeUnknown, err
	}
	if resp.DualSided != nil {
		if *resp.DualSided {
			return exec.HedgeModeHedge, nil
		}
		return exec.HedgeModeOneWay, nil
	}
	mode := exec.ParseHedgeMode(resp.Mode)
	if mode == exec.HedgeModeUnknown {
		return mode, fmt.Errorf("%s: unrecognized position mode %q", c.name, resp.Mode)
	}
	return mode, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	c.signer.sign(httpReq, payload, c.now())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	venueErr := &exec.VenueError{
		Venue:      c.name,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(raw)),
	}
	var body struct {
		Code    json.RawMessage `json:"code"`
		Msg     string          `json:"msg"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		venueErr.Code = strings.Trim(string(body.Code), `"`)
		if body.Msg != "" {
			venueErr.Message = body.Msg
		} else if body.Message != "" {
			venueErr.Message = body.Message
		}
	}
	c.log.Debug("venue error",
		zap.Int("status", resp.StatusCode),
		zap.String("code", venueErr.Code),
		zap.String("message", venueErr.Message),
	)
	return venueErr
}
