package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"premium-hedge-bot/internal/alerts"
	"premium-hedge-bot/internal/config"
	"premium-hedge-bot/internal/engine"
	"premium-hedge-bot/internal/exec"
	"premium-hedge-bot/internal/httpapi"
	"premium-hedge-bot/internal/idempotency"
	"premium-hedge-bot/internal/journal"
	"premium-hedge-bot/internal/market"
	"premium-hedge-bot/internal/metrics"
	"premium-hedge-bot/internal/safety"
	"premium-hedge-bot/internal/state"
	"premium-hedge-bot/internal/state/sqlite"
	"premium-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type lastSnapshot interface {
	Last() (market.Snapshot, bool)
}

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    state.Store
	idem     *idempotency.Store
	market   lastSnapshot
	stream   *market.StreamProvider
	engine   *engine.Engine
	journal  *journal.Writer
	prom     *metrics.Prometheus
	telegram *alerts.Telegram
	alerts   alerts.Sink
	api      *httpapi.Server

	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	spot := venue.New(cfg.Spot, log)
	derivative := venue.New(cfg.Derivative, log)
	gateway := exec.NewGateway(exec.Options{
		Spot:       spot,
		Derivative: derivative,
		Safety:     safety.New(cfg.Safety.FailureThreshold),
		Attempts:   cfg.Retry.Attempts,
		Delay:      cfg.Retry.Delay,
		Metrics:    m,
		Log:        log.Named("gateway"),
	})
	poller := market.NewHTTPProvider(market.HTTPOptions{
		BaseURL:       cfg.Market.BaseURL,
		Symbol:        cfg.Market.Symbol,
		Timeout:       cfg.Market.Timeout,
		RatePerSecond: cfg.Market.RatePerSecond,
		MaxAge:        cfg.Market.MaxAge,
		Log:           log.Named("market"),
	})
	var (
		provider market.Provider = poller
		quotes   lastSnapshot    = poller
		stream   *market.StreamProvider
	)
	if cfg.Market.StreamURL != "" {
		stream = market.NewStreamProvider(market.StreamOptions{
			URL:            cfg.Market.StreamURL,
			Symbol:         cfg.Market.Symbol,
			ReconnectDelay: cfg.Market.ReconnectDelay,
			PingInterval:   cfg.Market.PingInterval,
			MaxAge:         cfg.Market.MaxAge,
			Fallback:       poller,
			Log:            log.Named("market_stream"),
		})
		provider = stream
		quotes = stream
	}

	telegram := alerts.NewTelegram(cfg.Telegram, log.Named("telegram"))
	sink := buildAlerts(cfg, telegram)

	writer, err := journal.New(cfg.Journal, log.Named("journal"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var jr engine.Journal
	if writer != nil {
		jr = writer
	}

	idemOpts := idempotency.Options{
		TTL:        cfg.Idempotency.TTL,
		MaxEntries: cfg.Idempotency.MaxEntries,
		Log:        log.Named("idempotency"),
	}
	if cfg.Idempotency.PersistValue() {
		idemOpts.Backend = store
	}
	idem := idempotency.New(idemOpts)

	eng, err := engine.New(engine.Deps{
		ID:           cfg.Engine.ID,
		Gateway:      gateway,
		Market:       provider,
		Store:        store,
		Alerts:       sink,
		Journal:      jr,
		Metrics:      m,
		Log:          log.Named("engine"),
		Leader:       cfg.Engine.IsLeader(),
		MarketSymbol: cfg.Market.Symbol,
		Instrument: exec.Instrument{
			ContractSize:   cfg.Derivative.ContractSize,
			DerivativeStep: cfg.Derivative.AmountStep,
			SpotStep:       cfg.Spot.AmountStep,
		},
		Defaults: engine.Config{
			MarginAsset:   cfg.Derivative.QuoteAsset,
			PremiumBasis:  cfg.Engine.PremiumBasis,
			PollInterval:  cfg.Engine.PollInterval,
			OrderCooldown: cfg.Engine.OrderCooldown,
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	api := httpapi.New(httpapi.Options{
		Engine:         eng,
		Orders:         gateway,
		Idempotency:    idem,
		Journal:        jr,
		Metrics:        m,
		Log:            log.Named("http"),
		StreamInterval: cfg.HTTP.StreamInterval,
	})

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		idem:     idem,
		market:   quotes,
		stream:   stream,
		engine:   eng,
		journal:  writer,
		prom:     prom,
		telegram: telegram,
		alerts:   sink,
		api:      api,
	}, nil
}

// buildAlerts fans out to every enabled sink, each behind its own
// per-key cooldown.
func buildAlerts(cfg *config.Config, telegram *alerts.Telegram) alerts.Sink {
	var sinks alerts.Fanout
	if cfg.Telegram.Enabled {
		sinks = append(sinks, alerts.WithCooldown(telegram, cfg.Telegram.Cooldown))
	}
	if cfg.Webhook.Enabled {
		webhook := alerts.NewWebhook(cfg.Webhook, &http.Client{Timeout: 10 * time.Second})
		sinks = append(sinks, alerts.WithCooldown(webhook, cfg.Webhook.Cooldown))
	}
	if len(sinks) == 0 {
		return alerts.Nop{}
	}
	return sinks
}

// Run restores the engine, serves the API until ctx is done and then
// shuts everything down in reverse order.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	if a.journal != nil {
		a.journal.Start(ctx)
		defer func() {
			if err := a.journal.Close(); err != nil {
				a.log.Warn("journal close failed", zap.Error(err))
			}
		}()
	}

	if a.stream != nil {
		go func() {
			if err := a.stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("market stream stopped", zap.Error(err))
			}
		}()
	}

	if n, err := a.idem.Load(ctx); err != nil {
		a.log.Warn("idempotency records not restored", zap.Error(err))
	} else if n > 0 {
		a.log.Info("idempotency records restored", zap.Int("records", n))
	}
	if restored, err := a.engine.Restore(ctx); err != nil {
		a.log.Error("engine restore failed", zap.Error(err))
	} else if restored {
		st := a.engine.Status().Engine
		a.log.Info("engine restored",
			zap.String("position", string(st.Position)),
			zap.Bool("running", st.Running),
			zap.Bool("leader", a.engine.Leader()),
		)
	}

	servers := []*http.Server{a.apiServer()}
	if ms := a.metricsServer(); ms != nil {
		servers = append(servers, ms)
	}
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			a.log.Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv)
	}
	a.startOperator(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.log.Error("http server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http server shutdown failed", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	if err := a.engine.Close(); err != nil {
		a.log.Warn("engine close failed", zap.Error(err))
	}
	a.log.Info("shutdown complete")
	return runErr
}

func (a *App) apiServer() *http.Server {
	return &http.Server{
		Addr:         a.cfg.HTTP.Address,
		Handler:      a.api.Handler(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}
}

func (a *App) metricsServer() *http.Server {
	if a.prom == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	return &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
