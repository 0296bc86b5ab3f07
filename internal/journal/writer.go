// Package journal writes an append-only audit trail of engine decisions
// and orders to Postgres (Timescale when available).
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"premium-hedge-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type Decision struct {
	Time          time.Time
	EngineID      string
	Position      string
	Action        string
	Premium       float64
	Basis         string
	DomesticPrice float64
	OffshorePrice float64
	FXRate        float64
	DryRun        bool
}

type Order struct {
	Time           time.Time
	EngineID       string
	Source         string
	Leg            string
	Venue          string
	Symbol         string
	Side           string
	Amount         float64
	OrderID        string
	ClientOrderID  string
	IdempotencyKey string
	Status         string
	DryRun         bool
	Override       bool
	Premium        float64
	Error          string
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	decisions chan Decision
	orders    chan Order
	started   atomic.Bool
	dropDec   atomic.Uint64
	dropOrder atomic.Uint64
}

// New opens the journal database. It returns a nil writer when the journal
// is disabled; every method is safe on a nil writer.
func New(cfg config.JournalConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("journal dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, log, cfg.Schema, cfg.QueueSize)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, log *zap.Logger, schema string, queueSize int) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		decisions: make(chan Decision, queueSize),
		orders:    make(chan Order, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) RecordDecision(d Decision) {
	if w == nil {
		return
	}
	select {
	case w.decisions <- d:
	default:
		if w.dropDec.Add(1) == 1 {
			w.log.Warn("journal decision queue full")
		}
	}
}

func (w *Writer) RecordOrder(o Order) {
	if w == nil {
		return
	}
	select {
	case w.orders <- o:
	default:
		if w.dropOrder.Add(1) == 1 {
			w.log.Warn("journal order queue full")
		}
	}
}

// Dropped returns how many decisions and orders were discarded because
// the queue was full.
func (w *Writer) Dropped() (decisions, orders uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropDec.Load(), w.dropOrder.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-w.decisions:
			w.write(ctx, "decision", w.decisionQuery(), decisionArgs(d)...)
		case o := <-w.orders:
			w.write(ctx, "order", w.orderQuery(), orderArgs(o)...)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("journal db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		engine_id TEXT NOT NULL,
		position_state TEXT NOT NULL,
		action TEXT NOT NULL,
		premium DOUBLE PRECISION NOT NULL,
		basis TEXT NOT NULL,
		domestic_price DOUBLE PRECISION NOT NULL,
		offshore_price DOUBLE PRECISION NOT NULL,
		fx_rate DOUBLE PRECISION NOT NULL,
		dry_run BOOLEAN NOT NULL
	)`, w.table("engine_decisions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		engine_id TEXT NOT NULL,
		source TEXT NOT NULL,
		leg TEXT NOT NULL,
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		order_id TEXT NOT NULL,
		client_order_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		status TEXT NOT NULL,
		dry_run BOOLEAN NOT NULL,
		override BOOLEAN NOT NULL,
		premium DOUBLE PRECISION NOT NULL,
		error TEXT NOT NULL
	)`, w.table("order_audit"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"engine_decisions", "order_audit"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) decisionQuery() string {
	return fmt.Sprintf(`INSERT INTO %s (
		ts, engine_id, position_state, action, premium, basis, domestic_price, offshore_price, fx_rate, dry_run
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("engine_decisions"))
}

func (w *Writer) orderQuery() string {
	return fmt.Sprintf(`INSERT INTO %s (
		ts, engine_id, source, leg, venue, symbol, side, amount, order_id, client_order_id,
		idempotency_key, status, dry_run, override, premium, error
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`, w.table("order_audit"))
}

func decisionArgs(d Decision) []any {
	return []any{
		d.Time, d.EngineID, d.Position, d.Action, d.Premium, d.Basis,
		d.DomesticPrice, d.OffshorePrice, d.FXRate, d.DryRun,
	}
}

func orderArgs(o Order) []any {
	return []any{
		o.Time, o.EngineID, o.Source, o.Leg, o.Venue, o.Symbol, o.Side, o.Amount,
		o.OrderID, o.ClientOrderID, o.IdempotencyKey, o.Status, o.DryRun, o.Override,
		o.Premium, o.Error,
	}
}

func (w *Writer) write(ctx context.Context, kind, query string, args ...any) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		w.log.Warn("journal insert failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
